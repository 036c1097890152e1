package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentcom/agentcom/internal/agentfsm"
	"github.com/agentcom/agentcom/internal/bus"
	"github.com/agentcom/agentcom/internal/coreerr"
	"github.com/agentcom/agentcom/internal/taskqueue"
)

// fakeQueue is a minimal in-memory TaskSource/RoutingDecision sink good
// enough to drive a scheduling pass without a real taskqueue.Queue.
type fakeQueue struct {
	mu       sync.Mutex
	tasks    map[string]*taskqueue.Task
	assigned []string // agent IDs assigned to, in order
}

func newFakeQueue(tasks ...*taskqueue.Task) *fakeQueue {
	fq := &fakeQueue{tasks: make(map[string]*taskqueue.Task)}
	for _, t := range tasks {
		fq.tasks[t.ID] = t
	}
	return fq
}

func (q *fakeQueue) List(_ context.Context, f taskqueue.ListFilter) ([]*taskqueue.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*taskqueue.Task
	for _, t := range q.tasks {
		if f.HasStatus && t.Status != f.Status {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (q *fakeQueue) Get(_ context.Context, id string) (*taskqueue.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return nil, coreerr.ErrNotFound
	}
	return t, nil
}

func (q *fakeQueue) StoreRoutingDecision(_ context.Context, id string, rd taskqueue.RoutingDecision) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return coreerr.ErrNotFound
	}
	t.RoutingDecision = &rd
	return nil
}

func (q *fakeQueue) AssignTask(_ context.Context, id, agentID string, _ taskqueue.AssignOpts) (*taskqueue.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return nil, coreerr.ErrNotFound
	}
	if t.Status != taskqueue.StatusQueued {
		return nil, coreerr.ErrInvalidState
	}
	t.Status = taskqueue.StatusAssigned
	t.AssignedTo = agentID
	q.assigned = append(q.assigned, agentID)
	return t, nil
}

func (q *fakeQueue) ReclaimTask(_ context.Context, id, _ string) (*taskqueue.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return nil, coreerr.ErrNotFound
	}
	t.Status = taskqueue.StatusQueued
	t.AssignedTo = ""
	return t, nil
}

func (q *fakeQueue) ExpireTask(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return coreerr.ErrNotFound
	}
	t.Status = taskqueue.StatusExpired
	return nil
}

func (q *fakeQueue) assignCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.assigned)
}

type fakeAgents struct {
	mu     sync.Mutex
	agents []*agentfsm.Agent
}

func (a *fakeAgents) ListAll(_ context.Context) ([]*agentfsm.Agent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*agentfsm.Agent, len(a.agents))
	copy(out, a.agents)
	return out, nil
}

func setupTestScheduler(t *testing.T, queue TaskSource, agents AgentSource) (*Scheduler, *bus.Bus) {
	t.Helper()
	eventBus := bus.New()
	s := New(Config{
		Queue:    queue,
		Agents:   agents,
		EventBus: eventBus,
		Resolver: StaticResolver{},
		Limiter:  AllowAll{},
	})
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(cancel)
	return s, eventBus
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestScheduler_RunPassNowAssignsIdleAgent(t *testing.T) {
	task := &taskqueue.Task{ID: "task-1", Status: taskqueue.StatusQueued, Priority: taskqueue.PriorityNormal}
	queue := newFakeQueue(task)
	agents := &fakeAgents{agents: []*agentfsm.Agent{{ID: "agent-1", State: agentfsm.StateIdle}}}

	s, _ := setupTestScheduler(t, queue, agents)
	s.RunPassNow(context.Background())

	waitFor(t, func() bool { return queue.assignCount() == 1 })
	if task.AssignedTo != "agent-1" {
		t.Fatalf("assigned_to = %q, want agent-1", task.AssignedTo)
	}
}

func TestScheduler_CapabilityMismatchSkipsAgent(t *testing.T) {
	task := &taskqueue.Task{ID: "task-1", Status: taskqueue.StatusQueued, NeededCapabilities: []string{"rust"}}
	queue := newFakeQueue(task)
	agents := &fakeAgents{agents: []*agentfsm.Agent{{ID: "agent-1", State: agentfsm.StateIdle, Capabilities: []string{"go"}}}}

	s, _ := setupTestScheduler(t, queue, agents)
	s.RunPassNow(context.Background())

	time.Sleep(100 * time.Millisecond)
	if queue.assignCount() != 0 {
		t.Fatalf("assignCount = %d, want 0 (no capable agent)", queue.assignCount())
	}
}

func TestScheduler_TaskSubmittedTriggerAssigns(t *testing.T) {
	task := &taskqueue.Task{ID: "task-1", Status: taskqueue.StatusQueued}
	queue := newFakeQueue(task)
	agents := &fakeAgents{agents: []*agentfsm.Agent{{ID: "agent-1", State: agentfsm.StateIdle}}}

	_, eventBus := setupTestScheduler(t, queue, agents)
	eventBus.Publish(bus.TopicTaskSubmitted, bus.TaskEvent{TaskID: task.ID, NewStatus: "queued"})

	waitFor(t, func() bool { return queue.assignCount() == 1 })
}

func TestScheduler_StuckSweepReclaimsStaleAssignment(t *testing.T) {
	task := &taskqueue.Task{ID: "task-1", Status: taskqueue.StatusAssigned, UpdatedAtMs: 1}
	queue := newFakeQueue(task)
	agents := &fakeAgents{}

	s, _ := setupTestScheduler(t, queue, agents)
	s.stuckThresholdMs = 1 // force staleness against any real nowMs()
	s.StuckSweep(context.Background())

	waitFor(t, func() bool {
		queue.mu.Lock()
		defer queue.mu.Unlock()
		return task.Status == taskqueue.StatusQueued
	})
}

func TestScheduler_TTLSweepExpiresOldQueuedTask(t *testing.T) {
	task := &taskqueue.Task{ID: "task-1", Status: taskqueue.StatusQueued, CreatedAtMs: 1}
	queue := newFakeQueue(task)
	agents := &fakeAgents{}

	s, _ := setupTestScheduler(t, queue, agents)
	s.ttlMs = 1
	s.TTLSweep(context.Background())

	waitFor(t, func() bool {
		queue.mu.Lock()
		defer queue.mu.Unlock()
		return task.Status == taskqueue.StatusExpired
	})
}
