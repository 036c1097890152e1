package agentfsm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentcom/agentcom/internal/bus"
	"github.com/agentcom/agentcom/internal/coreerr"
	"github.com/agentcom/agentcom/internal/taskqueue"
)

// fakeReclaimer counts and remembers ReclaimTask calls without touching a
// real taskqueue.Queue.
type fakeReclaimer struct {
	mu      sync.Mutex
	reasons map[string]string
}

func newFakeReclaimer() *fakeReclaimer {
	return &fakeReclaimer{reasons: make(map[string]string)}
}

func (f *fakeReclaimer) ReclaimTask(_ context.Context, id, reason string) (*taskqueue.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons[id] = reason
	return &taskqueue.Task{ID: id}, nil
}

func (f *fakeReclaimer) reasonFor(id string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reasons[id]
	return r, ok
}

func setupTestFSM(t *testing.T, acceptanceTimeoutMs, staleHeartbeatMs int64) (*FSM, *fakeReclaimer) {
	t.Helper()
	reclaimer := newFakeReclaimer()
	f := New(reclaimer, bus.New(), nil, acceptanceTimeoutMs, staleHeartbeatMs)

	ctx, cancel := context.WithCancel(context.Background())
	go f.Run(ctx)
	t.Cleanup(cancel)
	return f, reclaimer
}

func TestFSM_ConnectThenDisconnect(t *testing.T) {
	f, _ := setupTestFSM(t, 60_000, 60_000)
	ctx := context.Background()

	a, err := f.Connect(ctx, "agent-1", []string{"go"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if a.State != StateIdle {
		t.Fatalf("state = %v, want idle", a.State)
	}

	if err := f.Disconnect(ctx, "agent-1"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	got, err := f.GetState(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if got.State != StateOffline {
		t.Fatalf("state = %v, want offline", got.State)
	}
}

func TestFSM_AssignAcceptCompleteLifecycle(t *testing.T) {
	f, _ := setupTestFSM(t, 60_000, 60_000)
	ctx := context.Background()

	if _, err := f.Connect(ctx, "agent-1", nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := f.Assign(ctx, "agent-1", "task-1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	// A second assign while already assigned must fail.
	if _, err := f.Assign(ctx, "agent-1", "task-2"); !errors.Is(err, coreerr.ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}

	a, err := f.Accept(ctx, "agent-1", "task-1")
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if a.State != StateWorking {
		t.Fatalf("state = %v, want working", a.State)
	}

	a, err = f.Complete(ctx, "agent-1", "task-1")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if a.State != StateIdle || a.CurrentTaskID != "" {
		t.Fatalf("agent = %+v, want idle with no current task", a)
	}
}

func TestFSM_RejectReclaimsAndReturnsIdle(t *testing.T) {
	f, reclaimer := setupTestFSM(t, 60_000, 60_000)
	ctx := context.Background()

	if _, err := f.Connect(ctx, "agent-1", nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := f.Assign(ctx, "agent-1", "task-1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	a, err := f.Reject(ctx, "agent-1", "task-1", "too_busy")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if a.State != StateIdle {
		t.Fatalf("state = %v, want idle", a.State)
	}

	// The reclaim itself runs on its own goroutine; poll briefly for it.
	deadline := time.Now().Add(time.Second)
	for {
		if reason, ok := reclaimer.reasonFor("task-1"); ok {
			if reason != "rejected: too_busy" {
				t.Fatalf("reclaim reason = %q, want %q", reason, "rejected: too_busy")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for reject reclaim")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFSM_HeartbeatPreventsReap(t *testing.T) {
	f, reclaimer := setupTestFSM(t, 60_000, 50)
	ctx := context.Background()

	if _, err := f.Connect(ctx, "agent-1", nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := f.Assign(ctx, "agent-1", "task-1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if _, err := f.Accept(ctx, "agent-1", "task-1"); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	// Keep the heartbeat fresh across two reap passes that would otherwise
	// fire given the 50ms stale threshold.
	for i := 0; i < 3; i++ {
		time.Sleep(30 * time.Millisecond)
		if err := f.Heartbeat(ctx, "agent-1"); err != nil {
			t.Fatalf("Heartbeat: %v", err)
		}
		f.ReapStale(ctx)
	}

	got, err := f.GetState(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if got.State != StateWorking {
		t.Fatalf("state = %v, want working (heartbeat should have prevented reap)", got.State)
	}
	if _, reclaimed := reclaimer.reasonFor("task-1"); reclaimed {
		t.Fatalf("task-1 was reclaimed despite fresh heartbeats")
	}
}

func TestFSM_ReapStaleEvictsSilentAgent(t *testing.T) {
	f, reclaimer := setupTestFSM(t, 60_000, 20)
	ctx := context.Background()

	if _, err := f.Connect(ctx, "agent-1", nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := f.Assign(ctx, "agent-1", "task-1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if _, err := f.Accept(ctx, "agent-1", "task-1"); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	f.ReapStale(ctx)

	// ReapStale runs via mailbox.Cast; give it a beat to land, then verify
	// through a Call (which serializes after the cast on the same mailbox).
	got, err := f.GetState(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if got.State != StateOffline {
		t.Fatalf("state = %v, want offline", got.State)
	}

	// The reclaim itself runs on its own goroutine; poll briefly for it.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := reclaimer.reasonFor("task-1"); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task-1 was never reclaimed by the reaper")
}

func TestFSM_UnknownAgentOperationsFail(t *testing.T) {
	f, _ := setupTestFSM(t, 60_000, 60_000)
	ctx := context.Background()

	if _, err := f.GetState(ctx, "ghost"); !errors.Is(err, coreerr.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := f.Heartbeat(ctx, "ghost"); !errors.Is(err, coreerr.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
