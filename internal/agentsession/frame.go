// Package agentsession is the per-connection transport endpoint: it decodes
// inbound frames, mutates the Queue/FSM via their APIs, enforces heartbeats
// and violation limits, and relays outbound pushes. Grounded on the
// teacher's internal/gateway websocket endpoint (read loop, mutex-guarded
// writes, origin allowlist, policy-violation close codes) with the
// JSON-RPC envelope replaced by the asymmetric push/pull frame shape this
// protocol needs.
package agentsession

import "encoding/json"

// FrameType is the "type" discriminator every frame carries.
type FrameType string

const (
	FrameIdentify     FrameType = "identify"
	FrameError        FrameType = "error"
	FrameTaskAssign   FrameType = "task_assign"
	FrameTaskAccepted FrameType = "task_accepted"
	FrameTaskRejected FrameType = "task_rejected"
	FrameTaskProgress FrameType = "task_progress"
	FrameTaskComplete FrameType = "task_complete"
	FrameTaskFailed   FrameType = "task_failed"
	FrameTaskContinue FrameType = "task_continue"
	FrameTaskCancelled FrameType = "task_cancelled"
	FrameTaskRecovering FrameType = "task_recovering"
	FrameWakeResult   FrameType = "wake_result"
	FrameWakeAck      FrameType = "wake_ack"
	FrameResourceReport FrameType = "resource_report"
	FramePing         FrameType = "ping"
	FramePong         FrameType = "pong"
)

// envelope reads only the "type" discriminator; handlers unmarshal the raw
// frame bytes again into the concrete struct their type expects.
type envelope struct {
	Type FrameType `json:"type"`
}

// IdentifyFrame opens a session.
type IdentifyFrame struct {
	Type            FrameType `json:"type"`
	AgentID         string    `json:"agent_id"`
	Token           string    `json:"token"`
	Capabilities    []string  `json:"capabilities"`
	ClientType      string    `json:"client_type"`
	ProtocolVersion string    `json:"protocol_version"`
	// ReconnectTasks lists task ids the agent believes are still assigned to
	// it, each evaluated via recover_task on identify.
	ReconnectTasks []ReconnectTask `json:"reconnect_tasks,omitempty"`
}

// ReconnectTask is one entry of the reconnect payload.
type ReconnectTask struct {
	TaskID     string `json:"task_id"`
	LastStatus string `json:"last_status"`
}

// ErrorFrame is sent on identify/protocol failure.
type ErrorFrame struct {
	Type      FrameType `json:"type"`
	Error     string    `json:"error"`
	RetryAfterS int     `json:"retry_after_s,omitempty"`
}

// TaskAssignFrame is the outbound assignment push.
type TaskAssignFrame struct {
	Type               FrameType                  `json:"type"`
	TaskID             string                      `json:"task_id"`
	Description        string                      `json:"description"`
	Metadata           map[string]json.RawMessage  `json:"metadata,omitempty"`
	Generation         int64                       `json:"generation"`
	AssignedAtMs       int64                       `json:"assigned_at"`
	NeededCapabilities []string                    `json:"needed_capabilities,omitempty"`
	DependsOn          []string                    `json:"depends_on,omitempty"`
	Repo               string                      `json:"repo,omitempty"`
	RoutingDecision    json.RawMessage             `json:"routing_decision,omitempty"`
}

// TaskAcceptedFrame is the inbound acceptance of an assignment.
type TaskAcceptedFrame struct {
	Type   FrameType `json:"type"`
	TaskID string    `json:"task_id"`
}

// TaskRejectedFrame declines an assignment.
type TaskRejectedFrame struct {
	Type   FrameType `json:"type"`
	TaskID string    `json:"task_id"`
	Reason string    `json:"reason"`
}

// TaskProgressFrame is a liveness ping against a specific task.
type TaskProgressFrame struct {
	Type   FrameType `json:"type"`
	TaskID string    `json:"task_id"`
}

// TaskCompleteFrame reports successful completion.
type TaskCompleteFrame struct {
	Type               FrameType       `json:"type"`
	TaskID             string          `json:"task_id"`
	Generation         int64           `json:"generation"`
	Result             json.RawMessage `json:"result,omitempty"`
	TokensUsed         int             `json:"tokens_used,omitempty"`
	VerificationReport json.RawMessage `json:"verification_report,omitempty"`
}

// TaskFailedFrame reports a failure.
type TaskFailedFrame struct {
	Type       FrameType `json:"type"`
	TaskID     string    `json:"task_id"`
	Generation int64     `json:"generation"`
	Reason     string    `json:"reason"`
}

// TaskRecoveringFrame is sent during reconnect for a task the agent still
// considers live.
type TaskRecoveringFrame struct {
	Type       FrameType `json:"type"`
	TaskID     string    `json:"task_id"`
	LastStatus string    `json:"last_status"`
}

// TaskContinueFrame / TaskCancelledFrame are the reconnect reconciliation
// replies to a task_recovering frame.
type TaskContinueFrame struct {
	Type       FrameType `json:"type"`
	TaskID     string    `json:"task_id"`
	Generation int64     `json:"generation"`
}

type TaskCancelledFrame struct {
	Type   FrameType `json:"type"`
	TaskID string    `json:"task_id"`
}

// WakeResultFrame reports a wake attempt's outcome.
type WakeResultFrame struct {
	Type    FrameType `json:"type"`
	TaskID  string    `json:"task_id"`
	Status  string    `json:"status"`
	Attempt int       `json:"attempt,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// WakeAckFrame acknowledges a wake request at the protocol level.
type WakeAckFrame struct {
	Type   FrameType `json:"type"`
	TaskID string    `json:"task_id"`
}

// ResourceReportFrame carries host metrics forwarded to an external
// collaborator.
type ResourceReportFrame struct {
	Type    FrameType                 `json:"type"`
	Metrics map[string]json.RawMessage `json:"metrics"`
}

// PingPongFrame is the bidirectional heartbeat frame.
type PingPongFrame struct {
	Type FrameType `json:"type"`
}
