// Package sweep drives the task queue's overdue sweep and the scheduler's
// stuck and TTL sweeps off a single shared cron scheduler, so operators can
// retune sweep cadence with standard cron syntax instead of editing a
// compiled interval.
package sweep

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Runner wraps a robfig/cron scheduler with the Start/Stop lifecycle the
// rest of the kernel's actors use, so a sweep looks like any other
// supervised goroutine from cmd/agentcomd's point of view.
type Runner struct {
	mu      sync.Mutex
	cron    *cron.Cron
	logger  *slog.Logger
	started bool
}

// NewRunner builds a Runner. Jobs are registered with AddIntervalFunc before
// Start is called.
func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cron:   cron.New(cron.WithSeconds()),
		logger: logger,
	}
}

// AddIntervalFunc registers fn to run every intervalMs milliseconds,
// expressed as a seconds-resolution cron spec ("@every Xms" is not
// accepted by robfig/cron, so this converts to "*/N * * * * *" for
// sub-minute cadences and falls back to "@every" for longer ones).
func (r *Runner) AddIntervalFunc(name string, intervalMs int, fn func()) error {
	spec := fmt.Sprintf("@every %dms", intervalMs)
	_, err := r.cron.AddFunc(spec, func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("sweep job panicked", "job", name, "recover", rec)
			}
		}()
		fn()
	})
	if err != nil {
		return fmt.Errorf("sweep: register job %s: %w", name, err)
	}
	return nil
}

// Start begins running registered jobs on their schedules. Safe to call once.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.cron.Start()
}

// Stop blocks until any in-flight job finishes, then halts the scheduler.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	r.started = false
	ctx := r.cron.Stop()
	<-ctx.Done()
}
