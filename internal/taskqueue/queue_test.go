package taskqueue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/agentcom/agentcom/internal/bus"
	"github.com/agentcom/agentcom/internal/coreerr"
	"github.com/agentcom/agentcom/internal/store"
)

func setupTestQueue(t *testing.T) *Queue {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	q, err := New(st, bus.New(), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go q.Run(ctx)
	t.Cleanup(cancel)
	return q
}

func TestQueue_SubmitRejectsEmptyDescription(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	if _, err := q.Submit(ctx, SubmitParams{}); !errors.Is(err, coreerr.ErrInvalidParams) {
		t.Fatalf("err = %v, want ErrInvalidParams", err)
	}
}

func TestQueue_SubmitAssignComplete(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	task, err := q.Submit(ctx, SubmitParams{Description: "do the thing", Priority: PriorityHigh, MaxRetries: 3})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if task.Status != StatusQueued {
		t.Fatalf("status = %v, want queued", task.Status)
	}

	next, err := q.DequeueNext(ctx)
	if err != nil {
		t.Fatalf("DequeueNext: %v", err)
	}
	if next.ID != task.ID {
		t.Fatalf("dequeued %s, want %s", next.ID, task.ID)
	}

	assigned, err := q.AssignTask(ctx, task.ID, "agent-1", AssignOpts{})
	if err != nil {
		t.Fatalf("AssignTask: %v", err)
	}
	if assigned.Status != StatusAssigned || assigned.AssignedTo != "agent-1" {
		t.Fatalf("assigned task = %+v", assigned)
	}
	if assigned.Generation != task.Generation+1 {
		t.Fatalf("generation = %d, want %d", assigned.Generation, task.Generation+1)
	}

	// Assigning an already-assigned task must fail.
	if _, err := q.AssignTask(ctx, task.ID, "agent-2", AssignOpts{}); !errors.Is(err, coreerr.ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}

	completed, err := q.CompleteTask(ctx, task.ID, assigned.Generation, CompleteParams{TokensUsed: 42})
	if err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if completed.Status != StatusCompleted {
		t.Fatalf("status = %v, want completed", completed.Status)
	}

	// A stale generation must be rejected.
	if _, err := q.CompleteTask(ctx, task.ID, assigned.Generation, CompleteParams{}); !errors.Is(err, coreerr.ErrStaleGeneration) {
		t.Fatalf("err = %v, want ErrStaleGeneration", err)
	}
}

func TestQueue_FailTaskRetriesThenDeadLetters(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	task, err := q.Submit(ctx, SubmitParams{Description: "flaky", MaxRetries: 2})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	assigned, err := q.AssignTask(ctx, task.ID, "agent-1", AssignOpts{})
	if err != nil {
		t.Fatalf("AssignTask: %v", err)
	}

	outcome, retried, err := q.FailTask(ctx, task.ID, assigned.Generation, "boom")
	if err != nil {
		t.Fatalf("FailTask: %v", err)
	}
	if outcome != FailOutcomeRetried || retried.Status != StatusQueued {
		t.Fatalf("outcome = %v, task = %+v, want retried/queued", outcome, retried)
	}

	reassigned, err := q.AssignTask(ctx, task.ID, "agent-2", AssignOpts{})
	if err != nil {
		t.Fatalf("AssignTask #2: %v", err)
	}

	outcome, dead, err := q.FailTask(ctx, task.ID, reassigned.Generation, "boom again")
	if err != nil {
		t.Fatalf("FailTask #2: %v", err)
	}
	if outcome != FailOutcomeDeadLetter || dead.Status != StatusDeadLetter {
		t.Fatalf("outcome = %v, task = %+v, want dead_letter", outcome, dead)
	}

	if _, err := q.Get(ctx, task.ID); err != nil {
		t.Fatalf("Get after dead-letter: %v", err)
	}
}

func TestQueue_RecoverTask(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	task, err := q.Submit(ctx, SubmitParams{Description: "recoverable", MaxRetries: 1})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := q.AssignTask(ctx, task.ID, "agent-1", AssignOpts{}); err != nil {
		t.Fatalf("AssignTask: %v", err)
	}

	outcome, _, err := q.RecoverTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("RecoverTask: %v", err)
	}
	if outcome != RecoverContinue {
		t.Fatalf("outcome = %v, want continue", outcome)
	}

	if _, err := q.ReclaimTask(ctx, task.ID, "test_reclaim"); err != nil {
		t.Fatalf("ReclaimTask: %v", err)
	}

	outcome, _, err = q.RecoverTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("RecoverTask #2: %v", err)
	}
	if outcome != RecoverReassign {
		t.Fatalf("outcome = %v, want reassign", outcome)
	}
}

func TestQueue_ExpireTask(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	task, err := q.Submit(ctx, SubmitParams{Description: "will expire"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := q.ExpireTask(ctx, task.ID); err != nil {
		t.Fatalf("ExpireTask: %v", err)
	}
	got, err := q.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusExpired {
		t.Fatalf("status = %v, want expired", got.Status)
	}

	// Expiring an already-expired task is a no-op, not an error.
	if err := q.ExpireTask(ctx, task.ID); err != nil {
		t.Fatalf("ExpireTask (idempotent): %v", err)
	}
}

func TestQueue_ListFiltersByStatusAndAssignee(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	a, err := q.Submit(ctx, SubmitParams{Description: "a", Priority: PriorityUrgent})
	if err != nil {
		t.Fatalf("Submit a: %v", err)
	}
	if _, err := q.Submit(ctx, SubmitParams{Description: "b", Priority: PriorityLow}); err != nil {
		t.Fatalf("Submit b: %v", err)
	}
	if _, err := q.AssignTask(ctx, a.ID, "agent-1", AssignOpts{}); err != nil {
		t.Fatalf("AssignTask: %v", err)
	}

	queued, err := q.List(ctx, ListFilter{Status: StatusQueued, HasStatus: true})
	if err != nil {
		t.Fatalf("List queued: %v", err)
	}
	if len(queued) != 1 {
		t.Fatalf("queued count = %d, want 1", len(queued))
	}

	assigned, err := q.List(ctx, ListFilter{AssignedTo: "agent-1"})
	if err != nil {
		t.Fatalf("List assigned: %v", err)
	}
	if len(assigned) != 1 || assigned[0].ID != a.ID {
		t.Fatalf("assigned = %+v, want [%s]", assigned, a.ID)
	}
}

func TestQueue_UpdateProgressRejectsUnknownTask(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	if err := q.UpdateProgress(ctx, "does-not-exist"); !errors.Is(err, coreerr.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
