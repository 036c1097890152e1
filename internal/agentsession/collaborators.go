package agentsession

import (
	"context"
	"encoding/json"

	"github.com/agentcom/agentcom/internal/agentfsm"
	"github.com/agentcom/agentcom/internal/taskqueue"
)

// Authenticator validates an identify frame's token for an agent id. Kept
// external per the "auth is an external collaborator" boundary.
type Authenticator interface {
	Validate(ctx context.Context, agentID, token string) bool
}

// AllowAllAuth accepts any non-empty token, used when no external auth
// collaborator is wired in (development mode).
type AllowAllAuth struct{}

func (AllowAllAuth) Validate(_ context.Context, _, token string) bool { return token != "" }

// ResourceMetricsSink forwards resource_report frame payloads to an
// external metrics collaborator. A nil sink drops the report.
type ResourceMetricsSink interface {
	Report(agentID string, metrics map[string]json.RawMessage)
}

// TaskQueue is the subset of taskqueue.Queue a session needs.
type TaskQueue interface {
	Get(ctx context.Context, id string) (*taskqueue.Task, error)
	UpdateProgress(ctx context.Context, id string) error
	CompleteTask(ctx context.Context, id string, generation int64, p taskqueue.CompleteParams) (*taskqueue.Task, error)
	FailTask(ctx context.Context, id string, generation int64, reason string) (taskqueue.FailOutcome, *taskqueue.Task, error)
	RecoverTask(ctx context.Context, id string) (taskqueue.RecoverOutcome, *taskqueue.Task, error)
	ReclaimTask(ctx context.Context, id, reason string) (*taskqueue.Task, error)
}

// AgentFSM is the subset of agentfsm.FSM a session needs.
type AgentFSM interface {
	Connect(ctx context.Context, agentID string, capabilities []string) (*agentfsm.Agent, error)
	Disconnect(ctx context.Context, agentID string) error
	Accept(ctx context.Context, agentID, taskID string) (*agentfsm.Agent, error)
	Reject(ctx context.Context, agentID, taskID, reason string) (*agentfsm.Agent, error)
	Heartbeat(ctx context.Context, agentID string) error
}
