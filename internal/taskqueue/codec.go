package taskqueue

import (
	"encoding/json"
	"fmt"
	"hash/fnv"

	"github.com/agentcom/agentcom/internal/store"
)

// errorFingerprint hashes a failure reason string so repeated identical
// failures (a poison pill) can be recognized across retries without storing
// the full reason text repeatedly in history.
func errorFingerprint(reason string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(reason))
	return fmt.Sprintf("%x", h.Sum64())
}

func toRecord(t *Task) (*store.TaskRecord, error) {
	metadata, err := json.Marshal(t.Metadata)
	if err != nil {
		return nil, err
	}
	caps, err := json.Marshal(t.NeededCapabilities)
	if err != nil {
		return nil, err
	}
	deps, err := json.Marshal(t.DependsOn)
	if err != nil {
		return nil, err
	}
	history, err := json.Marshal(t.History)
	if err != nil {
		return nil, err
	}
	var routing []byte
	if t.RoutingDecision != nil {
		routing, err = json.Marshal(t.RoutingDecision)
		if err != nil {
			return nil, err
		}
	}
	return &store.TaskRecord{
		ID:                 t.ID,
		Description:        t.Description,
		Metadata:           metadata,
		Priority:           int(t.Priority),
		Status:             string(t.Status),
		AssignedTo:         t.AssignedTo,
		AssignedAtMs:       t.AssignedAtMs,
		CreatedAtMs:        t.CreatedAtMs,
		UpdatedAtMs:        t.UpdatedAtMs,
		CompleteByMs:       t.CompleteByMs,
		Generation:         t.Generation,
		RetryCount:         t.RetryCount,
		MaxRetries:         t.MaxRetries,
		NeededCapabilities: caps,
		DependsOn:          deps,
		Repo:               t.Repo,
		RoutingDecision:    routing,
		LastError:          t.LastError,
		Result:             t.Result,
		History:            history,
	}, nil
}

func mustToRecord(t *Task) *store.TaskRecord {
	rec, err := toRecord(t)
	if err != nil {
		panic(fmt.Sprintf("taskqueue: encode task %s: %v", t.ID, err))
	}
	return rec
}

func fromRecord(r *store.TaskRecord) (*Task, error) {
	t := &Task{
		ID:           r.ID,
		Description:  r.Description,
		Priority:     Priority(r.Priority),
		Status:       Status(r.Status),
		AssignedTo:   r.AssignedTo,
		AssignedAtMs: r.AssignedAtMs,
		CreatedAtMs:  r.CreatedAtMs,
		UpdatedAtMs:  r.UpdatedAtMs,
		CompleteByMs: r.CompleteByMs,
		Generation:   r.Generation,
		RetryCount:   r.RetryCount,
		MaxRetries:   r.MaxRetries,
		Repo:         r.Repo,
		LastError:    r.LastError,
		Result:       r.Result,
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &t.Metadata); err != nil {
			return nil, err
		}
	}
	if len(r.NeededCapabilities) > 0 {
		if err := json.Unmarshal(r.NeededCapabilities, &t.NeededCapabilities); err != nil {
			return nil, err
		}
	}
	if len(r.DependsOn) > 0 {
		if err := json.Unmarshal(r.DependsOn, &t.DependsOn); err != nil {
			return nil, err
		}
	}
	if len(r.History) > 0 {
		if err := json.Unmarshal(r.History, &t.History); err != nil {
			return nil, err
		}
	}
	if len(r.RoutingDecision) > 0 {
		var rd RoutingDecision
		if err := json.Unmarshal(r.RoutingDecision, &rd); err != nil {
			return nil, err
		}
		t.RoutingDecision = &rd
	}
	return t, nil
}

func deadLetterToTask(r *store.TaskRecord) (*Task, error) {
	t, err := fromRecord(r)
	if err != nil {
		return nil, err
	}
	t.Status = StatusDeadLetter
	return t, nil
}
