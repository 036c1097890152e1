package sweep

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestRunner_AddIntervalFuncFiresRepeatedly(t *testing.T) {
	r := NewRunner(nil)

	var count int32
	if err := r.AddIntervalFunc("tick", 10, func() {
		atomic.AddInt32(&count, 1)
	}); err != nil {
		t.Fatalf("AddIntervalFunc: %v", err)
	}

	r.Start()
	defer r.Stop()

	deadline := time.After(2 * time.Second)
	for {
		if atomic.LoadInt32(&count) >= 3 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("job fired %d times in 2s, want at least 3", atomic.LoadInt32(&count))
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestRunner_StopBlocksUntilInFlightJobCompletes(t *testing.T) {
	r := NewRunner(nil)

	started := make(chan struct{})
	var finished int32
	if err := r.AddIntervalFunc("slow", 10, func() {
		select {
		case started <- struct{}{}:
		default:
		}
		time.Sleep(150 * time.Millisecond)
		atomic.StoreInt32(&finished, 1)
	}); err != nil {
		t.Fatalf("AddIntervalFunc: %v", err)
	}

	r.Start()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}

	r.Stop()

	if atomic.LoadInt32(&finished) != 1 {
		t.Fatal("Stop returned before the in-flight job finished")
	}
}

func TestRunner_StartTwiceIsIdempotent(t *testing.T) {
	r := NewRunner(nil)
	if err := r.AddIntervalFunc("noop", 100, func() {}); err != nil {
		t.Fatalf("AddIntervalFunc: %v", err)
	}
	r.Start()
	defer r.Stop()
	r.Start()
}

func TestRunner_StopBeforeStartIsNoop(t *testing.T) {
	r := NewRunner(nil)
	r.Stop()
}
