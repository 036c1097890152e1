package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/agentcom/agentcom/internal/bus"
	"github.com/agentcom/agentcom/internal/coreerr"
	otelkernel "github.com/agentcom/agentcom/internal/otel"
	"github.com/agentcom/agentcom/internal/store"
)

const mailboxWarnWatermark = 1000

// Queue is the single-threaded actor owning every task. All public methods
// send a closure over reqCh and block for its result; the run loop is the
// only goroutine that ever touches tasks/priorityIndex, which is how the
// invariants in the data model stay totally ordered per task.
type Queue struct {
	reqCh  chan func()
	stopCh chan struct{}

	st      *store.Store
	eventBus *bus.Bus
	logger  *slog.Logger
	metrics *otelkernel.Metrics

	tasks         map[string]*Task
	priorityIndex []string // queued task ids, sorted by (priority, created_at)
}

// New constructs a Queue and synchronously rebuilds its in-memory state by
// folding over the durable store, satisfying the "fold over the table on
// startup reconstructs in-memory indices" contract before Start is called.
func New(st *store.Store, eventBus *bus.Bus, logger *slog.Logger, metrics *otelkernel.Metrics) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		reqCh:    make(chan func(), mailboxWarnWatermark*2),
		stopCh:   make(chan struct{}),
		st:       st,
		eventBus: eventBus,
		logger:   logger.With("component", "taskqueue"),
		metrics:  metrics,
		tasks:    make(map[string]*Task),
	}
	if err := q.rebuild(context.Background()); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) rebuild(ctx context.Context) error {
	records, err := q.st.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("taskqueue: rebuild from store: %w", err)
	}
	for _, r := range records {
		t, err := fromRecord(r)
		if err != nil {
			q.logger.Error("skipping corrupt task row on rebuild", "task_id", r.ID, "error", err)
			continue
		}
		q.tasks[t.ID] = t
		// Crash recovery: a row left `assigned` across a restart has no live
		// session behind it; treat it the same as an overdue reclaim so it
		// re-enters scheduling instead of hanging forever.
		if t.Status == StatusAssigned {
			t.Status = StatusQueued
			t.AssignedTo = ""
			t.Generation++
			t.UpdatedAtMs = nowMs()
			t.History = appendHistory(t.History, HistoryEntry{Event: "reclaimed", TimestampMs: t.UpdatedAtMs, Details: "startup_recovery"})
			if err := q.persist(ctx, t); err != nil {
				q.logger.Error("failed to persist startup recovery", "task_id", t.ID, "error", err)
			}
		}
	}
	q.rebuildPriorityIndex()
	return nil
}

func (q *Queue) rebuildPriorityIndex() {
	ids := make([]string, 0, len(q.tasks))
	for id, t := range q.tasks {
		if t.Status == StatusQueued {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return lessQueued(q.tasks[ids[i]], q.tasks[ids[j]])
	})
	q.priorityIndex = ids
}

func lessQueued(a, b *Task) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if a.CreatedAtMs != b.CreatedAtMs {
		return a.CreatedAtMs < b.CreatedAtMs
	}
	return a.ID < b.ID
}

func nowMs() int64 { return time.Now().UnixMilli() }

// Run drains the mailbox until ctx is cancelled. Call it in its own
// goroutine from cmd/agentcomd; a panic inside a queued closure is
// recovered so one bad request can't take down the actor.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(q.stopCh)
			return
		case fn := <-q.reqCh:
			q.safeCall(fn)
		}
	}
}

func (q *Queue) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("taskqueue actor recovered from panic", "recover", r)
		}
	}()
	fn()
}

func call[T any](ctx context.Context, q *Queue, fn func() T) (T, error) {
	resCh := make(chan T, 1)
	select {
	case q.reqCh <- func() { resCh <- fn() }:
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-q.stopCh:
		var zero T
		return zero, fmt.Errorf("taskqueue: actor stopped")
	}
	if depth := len(q.reqCh); depth > mailboxWarnWatermark {
		q.eventBus.Publish(bus.TopicActorMailboxHigh, bus.ActorMailboxHigh{Actor: "taskqueue", Depth: depth})
	}
	select {
	case r := <-resCh:
		return r, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// persist writes the full task row, routing store failures into the
// table_corrupted contract: logged, published, returned — never a crash and
// never an auto-delete of data.
func (q *Queue) persist(ctx context.Context, t *Task) error {
	rec, err := toRecord(t)
	if err != nil {
		return fmt.Errorf("taskqueue: encode task %s: %w", t.ID, err)
	}
	if err := q.st.ReplaceTask(ctx, rec); err != nil {
		q.logger.Error("durable write failed", "table", "tasks", "task_id", t.ID, "error", err)
		q.eventBus.Publish(bus.TopicTableCorrupted, bus.TaskEvent{TaskID: t.ID, Reason: err.Error()})
		return coreerr.ErrTableCorrupted
	}
	return nil
}

func (q *Queue) insertNew(ctx context.Context, t *Task) error {
	rec, err := toRecord(t)
	if err != nil {
		return fmt.Errorf("taskqueue: encode task %s: %w", t.ID, err)
	}
	if err := q.st.InsertTask(ctx, rec); err != nil {
		q.logger.Error("durable insert failed", "table", "tasks", "task_id", t.ID, "error", err)
		q.eventBus.Publish(bus.TopicTableCorrupted, bus.TaskEvent{TaskID: t.ID, Reason: err.Error()})
		return coreerr.ErrTableCorrupted
	}
	return nil
}

func (q *Queue) insertQueuedIndex(t *Task) {
	idx := sort.Search(len(q.priorityIndex), func(i int) bool {
		return lessQueued(t, q.tasks[q.priorityIndex[i]])
	})
	q.priorityIndex = append(q.priorityIndex, "")
	copy(q.priorityIndex[idx+1:], q.priorityIndex[idx:])
	q.priorityIndex[idx] = t.ID
}

func (q *Queue) removeQueuedIndex(id string) {
	for i, v := range q.priorityIndex {
		if v == id {
			q.priorityIndex = append(q.priorityIndex[:i], q.priorityIndex[i+1:]...)
			return
		}
	}
}

// --- Submit -----------------------------------------------------------

type taskResult struct {
	task *Task
	err  error
}

// Submit assigns an id, validates the description, persists the new queued
// task, and publishes tasks.submitted.
func (q *Queue) Submit(ctx context.Context, p SubmitParams) (*Task, error) {
	r, err := call(ctx, q, func() taskResult {
		if p.Description == "" {
			return taskResult{nil, coreerr.ErrInvalidParams}
		}
		now := nowMs()
		t := &Task{
			ID:                 uuid.NewString(),
			Description:        p.Description,
			Metadata:           p.Metadata,
			Priority:           p.Priority,
			Status:             StatusQueued,
			CreatedAtMs:        now,
			UpdatedAtMs:        now,
			CompleteByMs:       p.CompleteByMs,
			Generation:         0,
			MaxRetries:         p.MaxRetries,
			NeededCapabilities: p.NeededCapabilities,
			DependsOn:          p.DependsOn,
			Repo:               p.Repo,
		}
		t.History = appendHistory(t.History, HistoryEntry{Event: "submitted", TimestampMs: now})
		if err := q.insertNew(ctx, t); err != nil {
			return taskResult{nil, err}
		}
		q.tasks[t.ID] = t
		q.insertQueuedIndex(t)
		q.eventBus.Publish(bus.TopicTaskSubmitted, bus.TaskEvent{TaskID: t.ID, NewStatus: string(StatusQueued), Generation: t.Generation})
		return taskResult{t.clone(), nil}
	})
	if err != nil {
		return nil, err
	}
	return r.task, r.err
}

// Get checks the active store, then dead-letter.
func (q *Queue) Get(ctx context.Context, id string) (*Task, error) {
	r, err := call(ctx, q, func() taskResult {
		if t, ok := q.tasks[id]; ok {
			return taskResult{t.clone(), nil}
		}
		rec, err := q.st.GetDeadLetter(ctx, id)
		if err != nil {
			return taskResult{nil, err}
		}
		t, err := deadLetterToTask(rec)
		if err != nil {
			return taskResult{nil, fmt.Errorf("taskqueue: decode dead letter %s: %w", id, coreerr.ErrTableCorrupted)}
		}
		return taskResult{t, nil}
	})
	if err != nil {
		return nil, err
	}
	return r.task, r.err
}

type listResult struct {
	tasks []*Task
	err   error
}

// List filters active tasks by status/priority/assignee, ordered by
// (priority, created_at).
func (q *Queue) List(ctx context.Context, f ListFilter) ([]*Task, error) {
	r, err := call(ctx, q, func() listResult {
		ids := make([]string, 0, len(q.tasks))
		for id := range q.tasks {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool {
			a, b := q.tasks[ids[i]], q.tasks[ids[j]]
			if a.Priority != b.Priority {
				return a.Priority < b.Priority
			}
			return a.CreatedAtMs < b.CreatedAtMs
		})
		out := make([]*Task, 0, len(ids))
		for _, id := range ids {
			t := q.tasks[id]
			if f.HasStatus && t.Status != f.Status {
				continue
			}
			if f.HasPriority && t.Priority != f.Priority {
				continue
			}
			if f.AssignedTo != "" && t.AssignedTo != f.AssignedTo {
				continue
			}
			out = append(out, t.clone())
		}
		return listResult{out, nil}
	})
	if err != nil {
		return nil, err
	}
	return r.tasks, r.err
}

// DequeueNext peeks the highest-priority queued task without mutating state.
func (q *Queue) DequeueNext(ctx context.Context) (*Task, error) {
	r, err := call(ctx, q, func() taskResult {
		if len(q.priorityIndex) == 0 {
			return taskResult{nil, coreerr.ErrEmpty}
		}
		return taskResult{q.tasks[q.priorityIndex[0]].clone(), nil}
	})
	if err != nil {
		return nil, err
	}
	return r.task, r.err
}

// AssignOpts carries the optional deadline set on assignment.
type AssignOpts struct {
	CompleteByMs int64
}

// AssignTask requires status=queued; transitions to assigned, bumps
// generation, and publishes tasks.assigned.
func (q *Queue) AssignTask(ctx context.Context, id, agentID string, opts AssignOpts) (*Task, error) {
	r, err := call(ctx, q, func() taskResult {
		t, ok := q.tasks[id]
		if !ok {
			return taskResult{nil, coreerr.ErrNotFound}
		}
		if t.Status != StatusQueued {
			return taskResult{nil, fmt.Errorf("taskqueue: assign %s: %w (%s)", id, coreerr.ErrInvalidState, t.Status)}
		}
		now := nowMs()
		t.Status = StatusAssigned
		t.AssignedTo = agentID
		t.AssignedAtMs = now
		t.UpdatedAtMs = now
		t.Generation++
		if opts.CompleteByMs > 0 {
			t.CompleteByMs = opts.CompleteByMs
		}
		t.History = appendHistory(t.History, HistoryEntry{Event: "assigned", TimestampMs: now, Details: agentID})
		if err := q.persist(ctx, t); err != nil {
			return taskResult{nil, err}
		}
		q.removeQueuedIndex(id)
		q.eventBus.Publish(bus.TopicTaskAssigned, bus.TaskEvent{TaskID: id, NewStatus: string(StatusAssigned), Generation: t.Generation})
		return taskResult{t.clone(), nil}
	})
	if err != nil {
		return nil, err
	}
	return r.task, r.err
}

// CompleteTask requires status=assigned and a matching generation.
func (q *Queue) CompleteTask(ctx context.Context, id string, generation int64, p CompleteParams) (*Task, error) {
	r, err := call(ctx, q, func() taskResult {
		t, ok := q.tasks[id]
		if !ok {
			return taskResult{nil, coreerr.ErrNotFound}
		}
		if t.Generation != generation {
			return taskResult{nil, coreerr.ErrStaleGeneration}
		}
		if t.Status != StatusAssigned {
			return taskResult{nil, fmt.Errorf("taskqueue: complete %s: %w (%s)", id, coreerr.ErrInvalidState, t.Status)}
		}
		now := nowMs()
		t.Status = StatusCompleted
		t.Result = p.Result
		t.UpdatedAtMs = now
		details, _ := json.Marshal(map[string]any{"tokens_used": p.TokensUsed})
		t.History = appendHistory(t.History, HistoryEntry{Event: "completed", TimestampMs: now, Details: string(details)})
		if err := q.persist(ctx, t); err != nil {
			return taskResult{nil, err}
		}
		q.eventBus.Publish(bus.TopicTaskCompleted, bus.TaskEvent{TaskID: id, NewStatus: string(StatusCompleted), Generation: t.Generation})
		return taskResult{t.clone(), nil}
	})
	if err != nil {
		return nil, err
	}
	return r.task, r.err
}

// FailOutcome reports which branch FailTask took.
type FailOutcome string

const (
	FailOutcomeRetried    FailOutcome = "retried"
	FailOutcomeDeadLetter FailOutcome = "dead_letter"
)

type failResult struct {
	outcome FailOutcome
	task    *Task
	err     error
}

// FailTask requires status=assigned and a matching generation. It increments
// retry_count; at the retry budget it moves the record to dead-letter,
// otherwise it returns the task to the queue with a bumped generation.
func (q *Queue) FailTask(ctx context.Context, id string, generation int64, reason string) (FailOutcome, *Task, error) {
	r, err := call(ctx, q, func() failResult {
		t, ok := q.tasks[id]
		if !ok {
			return failResult{"", nil, coreerr.ErrNotFound}
		}
		if t.Generation != generation {
			return failResult{"", nil, coreerr.ErrStaleGeneration}
		}
		if t.Status != StatusAssigned {
			return failResult{"", nil, fmt.Errorf("taskqueue: fail %s: %w (%s)", id, coreerr.ErrInvalidState, t.Status)}
		}
		now := nowMs()
		t.RetryCount++
		t.LastError = reason
		t.AssignedTo = ""
		t.UpdatedAtMs = now

		if t.RetryCount >= t.MaxRetries {
			fp := errorFingerprint(reason)
			t.History = appendHistory(t.History, HistoryEntry{Event: "dead_letter", TimestampMs: now, Details: fp})
			if err := q.st.InsertDeadLetter(ctx, mustToRecord(t), now); err != nil {
				q.logger.Error("durable write failed", "table", "task_dead_letter", "task_id", id, "error", err)
				q.eventBus.Publish(bus.TopicTableCorrupted, bus.TaskEvent{TaskID: id, Reason: err.Error()})
				return failResult{"", nil, coreerr.ErrTableCorrupted}
			}
			if err := q.st.DeleteTask(ctx, id); err != nil {
				q.logger.Error("durable delete failed", "table", "tasks", "task_id", id, "error", err)
			}
			delete(q.tasks, id)
			t.Status = StatusDeadLetter
			q.eventBus.Publish(bus.TopicTaskDeadLetter, bus.TaskEvent{TaskID: id, NewStatus: string(StatusDeadLetter), Generation: t.Generation, Reason: reason})
			if q.metrics != nil {
				q.metrics.DeadLettersTotal.Add(ctx, 1)
			}
			return failResult{FailOutcomeDeadLetter, t.clone(), nil}
		}

		t.Status = StatusQueued
		t.Generation++
		t.History = appendHistory(t.History, HistoryEntry{Event: "retried", TimestampMs: now, Details: reason})
		if err := q.persist(ctx, t); err != nil {
			return failResult{"", nil, err}
		}
		q.insertQueuedIndex(t)
		q.eventBus.Publish(bus.TopicTaskRetried, bus.TaskEvent{TaskID: id, NewStatus: string(StatusQueued), Generation: t.Generation, Reason: reason})
		if q.metrics != nil {
			q.metrics.RetriesTotal.Add(ctx, 1)
		}
		return failResult{FailOutcomeRetried, t.clone(), nil}
	})
	if err != nil {
		return "", nil, err
	}
	return r.outcome, r.task, r.err
}

// UpdateProgress touches updated_at so the stuck sweep doesn't reclaim live work.
func (q *Queue) UpdateProgress(ctx context.Context, id string) error {
	_, err := call(ctx, q, func() error {
		t, ok := q.tasks[id]
		if !ok {
			return coreerr.ErrNotFound
		}
		t.UpdatedAtMs = nowMs()
		return q.persist(ctx, t)
	})
	return err
}

// RecoverOutcome is returned by RecoverTask for a reconnecting session.
type RecoverOutcome string

const (
	RecoverContinue RecoverOutcome = "continue"
	RecoverReassign RecoverOutcome = "reassign"
)

type recoverResult struct {
	outcome RecoverOutcome
	task    *Task
	err     error
}

// RecoverTask reports whether a reconnecting session should continue its
// in-flight task or be treated as idle.
func (q *Queue) RecoverTask(ctx context.Context, id string) (RecoverOutcome, *Task, error) {
	r, err := call(ctx, q, func() recoverResult {
		t, ok := q.tasks[id]
		if !ok {
			return recoverResult{"", nil, coreerr.ErrNotFound}
		}
		if t.Status == StatusAssigned {
			return recoverResult{RecoverContinue, t.clone(), nil}
		}
		return recoverResult{RecoverReassign, t.clone(), nil}
	})
	if err != nil {
		return "", nil, err
	}
	return r.outcome, r.task, r.err
}

// ReclaimTask forces a currently-assigned task back to queued with a bumped
// generation. Idempotent in effect: a non-assigned task returns not_assigned.
func (q *Queue) ReclaimTask(ctx context.Context, id, reason string) (*Task, error) {
	r, err := call(ctx, q, func() taskResult {
		t, ok := q.tasks[id]
		if !ok {
			return taskResult{nil, coreerr.ErrNotFound}
		}
		if t.Status != StatusAssigned {
			return taskResult{nil, coreerr.ErrNotAssigned}
		}
		now := nowMs()
		t.Status = StatusQueued
		t.AssignedTo = ""
		t.Generation++
		t.UpdatedAtMs = now
		t.History = appendHistory(t.History, HistoryEntry{Event: "reclaimed", TimestampMs: now, Details: reason})
		if err := q.persist(ctx, t); err != nil {
			return taskResult{nil, err}
		}
		q.insertQueuedIndex(t)
		q.eventBus.Publish(bus.TopicTaskReclaimed, bus.TaskEvent{TaskID: id, NewStatus: string(StatusQueued), Generation: t.Generation, Reason: reason})
		if q.metrics != nil {
			q.metrics.ReclaimsTotal.Add(ctx, 1)
		}
		return taskResult{t.clone(), nil}
	})
	if err != nil {
		return nil, err
	}
	return r.task, r.err
}

// RetryDeadLetter moves a dead-letter record back to queued with a fresh
// retry budget, preserving history.
func (q *Queue) RetryDeadLetter(ctx context.Context, id string) (*Task, error) {
	r, err := call(ctx, q, func() taskResult {
		rec, err := q.st.GetDeadLetter(ctx, id)
		if err != nil {
			return taskResult{nil, err}
		}
		t, err := deadLetterToTask(rec)
		if err != nil {
			return taskResult{nil, fmt.Errorf("taskqueue: decode dead letter %s: %w", id, coreerr.ErrTableCorrupted)}
		}
		now := nowMs()
		t.Status = StatusQueued
		t.RetryCount = 0
		t.Generation++
		t.UpdatedAtMs = now
		t.History = appendHistory(t.History, HistoryEntry{Event: "retried_from_dead_letter", TimestampMs: now})
		if err := q.insertNew(ctx, t); err != nil {
			return taskResult{nil, err}
		}
		if err := q.st.DeleteDeadLetter(ctx, id); err != nil {
			q.logger.Error("durable delete failed", "table", "task_dead_letter", "task_id", id, "error", err)
		}
		q.tasks[t.ID] = t
		q.insertQueuedIndex(t)
		q.eventBus.Publish(bus.TopicTaskRetried, bus.TaskEvent{TaskID: id, NewStatus: string(StatusQueued), Generation: t.Generation, Reason: "operator_retry"})
		return taskResult{t.clone(), nil}
	})
	if err != nil {
		return nil, err
	}
	return r.task, r.err
}

// ExpireTask is the TTL sweep helper: transitions queued -> expired.
func (q *Queue) ExpireTask(ctx context.Context, id string) error {
	_, err := call(ctx, q, func() error {
		t, ok := q.tasks[id]
		if !ok {
			return coreerr.ErrNotFound
		}
		if t.Status != StatusQueued {
			return nil
		}
		now := nowMs()
		t.Status = StatusExpired
		t.UpdatedAtMs = now
		t.History = appendHistory(t.History, HistoryEntry{Event: "expired", TimestampMs: now})
		if err := q.persist(ctx, t); err != nil {
			return err
		}
		q.removeQueuedIndex(id)
		q.eventBus.Publish(bus.TopicTaskExpired, bus.TaskEvent{TaskID: id, NewStatus: string(StatusExpired), Generation: t.Generation})
		if q.metrics != nil {
			q.metrics.ExpiredTotal.Add(ctx, 1)
		}
		return nil
	})
	return err
}

// StoreRoutingDecision is a pre-assignment annotation used by the Scheduler.
func (q *Queue) StoreRoutingDecision(ctx context.Context, id string, rd RoutingDecision) error {
	_, err := call(ctx, q, func() error {
		t, ok := q.tasks[id]
		if !ok {
			return coreerr.ErrNotFound
		}
		t.RoutingDecision = &rd
		t.UpdatedAtMs = nowMs()
		return q.persist(ctx, t)
	})
	return err
}

// Stats returns counts grouped by status and priority, plus the dead-letter
// count from the separate table.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	type statsResult struct {
		stats Stats
		err   error
	}
	r, err := call(ctx, q, func() statsResult {
		s := Stats{ByStatus: make(map[Status]int), ByPriority: make(map[Priority]int)}
		for _, t := range q.tasks {
			s.ByStatus[t.Status]++
			s.ByPriority[t.Priority]++
		}
		n, err := q.st.CountDeadLetter(ctx)
		if err != nil {
			return statsResult{s, err}
		}
		s.DeadLetter = n
		return statsResult{s, nil}
	})
	if err != nil {
		return Stats{}, err
	}
	return r.stats, r.err
}

// OverdueSweep reclaims every assigned task past its complete_by deadline.
// Registered on internal/sweep's shared cron runner at 30s by cmd/agentcomd.
func (q *Queue) OverdueSweep(ctx context.Context) {
	_, _ = call(ctx, q, func() struct{} {
		now := nowMs()
		for id, t := range q.tasks {
			if t.Status != StatusAssigned || t.CompleteByMs == 0 || t.CompleteByMs > now {
				continue
			}
			t.Status = StatusQueued
			t.AssignedTo = ""
			t.Generation++
			t.UpdatedAtMs = now
			t.History = appendHistory(t.History, HistoryEntry{Event: "reclaimed", TimestampMs: now, Details: "overdue"})
			if err := q.persist(ctx, t); err != nil {
				q.logger.Error("overdue sweep persist failed", "task_id", id, "error", err)
				continue
			}
			q.insertQueuedIndex(t)
			q.eventBus.Publish(bus.TopicTaskReclaimed, bus.TaskEvent{TaskID: id, NewStatus: string(StatusQueued), Generation: t.Generation, Reason: "overdue"})
			if q.metrics != nil {
				q.metrics.ReclaimsTotal.Add(ctx, 1)
			}
		}
		return struct{}{}
	})
}
