// Package taskqueue owns the canonical state of every task: submission,
// priority ordering, assignment, completion, retry, dead-letter, and the
// overdue sweep. It is a single-threaded actor (see Queue in queue.go)
// wrapping a durable internal/store.Store.
package taskqueue

import (
	"encoding/json"
)

// Priority lanes, lowest value is most urgent.
type Priority int

const (
	PriorityUrgent Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Status is one of the task lifecycle states in the data model.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusAssigned   Status = "assigned"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
	StatusExpired    Status = "expired"
)

// RoutingDecision is the pre-assignment annotation the Scheduler writes via
// StoreRoutingDecision so a reconnecting pass doesn't re-resolve it.
type RoutingDecision struct {
	EffectiveTier        string `json:"effective_tier"`
	TargetType           string `json:"target_type"` // sidecar | local_model | remote_model
	SelectedEndpoint     string `json:"selected_endpoint,omitempty"`
	SelectedModel        string `json:"selected_model,omitempty"`
	FallbackUsed         bool   `json:"fallback_used"`
	CandidateCount       int    `json:"candidate_count"`
	ClassificationReason string `json:"classification_reason,omitempty"`
	EstimatedCostTier    string `json:"estimated_cost_tier,omitempty"`
}

// HistoryEntry is one append-only record in a task's bounded history.
type HistoryEntry struct {
	Event     string `json:"event"`
	TimestampMs int64  `json:"timestamp"`
	Details   string `json:"details,omitempty"`
}

const historyCap = 50

func appendHistory(h []HistoryEntry, e HistoryEntry) []HistoryEntry {
	h = append(h, e)
	if len(h) > historyCap {
		h = h[len(h)-historyCap:]
	}
	return h
}

// Task is the unit of durable work.
type Task struct {
	ID                 string
	Description        string
	Metadata           map[string]json.RawMessage
	Priority           Priority
	Status             Status
	AssignedTo         string
	AssignedAtMs       int64
	CreatedAtMs        int64
	UpdatedAtMs        int64
	CompleteByMs       int64 // 0 means unset
	Generation         int64
	RetryCount         int
	MaxRetries         int
	NeededCapabilities []string
	DependsOn          []string
	Repo               string
	RoutingDecision    *RoutingDecision
	LastError          string
	Result             json.RawMessage
	History            []HistoryEntry
}

func (t *Task) clone() *Task {
	cp := *t
	cp.Metadata = cloneRawMap(t.Metadata)
	cp.NeededCapabilities = append([]string(nil), t.NeededCapabilities...)
	cp.DependsOn = append([]string(nil), t.DependsOn...)
	cp.History = append([]HistoryEntry(nil), t.History...)
	if t.RoutingDecision != nil {
		rd := *t.RoutingDecision
		cp.RoutingDecision = &rd
	}
	if t.Result != nil {
		cp.Result = append(json.RawMessage(nil), t.Result...)
	}
	return &cp
}

// AssignToOverride reads the reserved "assign_to" metadata key a submitter
// may set to pin a task to exactly one agent id, bypassing capability-based
// selection. Returns "" if absent or malformed.
func (t *Task) AssignToOverride() string {
	raw, ok := t.Metadata["assign_to"]
	if !ok {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return ""
	}
	return id
}

func cloneRawMap(m map[string]json.RawMessage) map[string]json.RawMessage {
	if m == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// SubmitParams is the boundary-validated input to Submit.
type SubmitParams struct {
	Description        string
	Metadata           map[string]json.RawMessage
	Priority           Priority
	MaxRetries         int
	CompleteByMs       int64
	NeededCapabilities []string
	DependsOn          []string
	Repo               string
}

// ListFilter narrows List to a subset of active tasks.
type ListFilter struct {
	Status     Status
	HasStatus  bool
	Priority   Priority
	HasPriority bool
	AssignedTo string
}

// Stats is the counts-by-status/priority snapshot returned by Stats().
type Stats struct {
	ByStatus   map[Status]int
	ByPriority map[Priority]int
	DeadLetter int
}

// CompleteParams is the result payload accepted by CompleteTask.
type CompleteParams struct {
	Result             json.RawMessage
	TokensUsed         int
	VerificationReport json.RawMessage
}
