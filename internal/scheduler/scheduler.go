// Package scheduler matches queued tasks to idle agents in reaction to bus
// triggers, and runs the stuck-assignment and TTL sweeps. It is a
// single-threaded actor built on internal/actor.Mailbox, grounded on the
// teacher's cron.Scheduler tick loop (periodic sweeps) and its engine
// claim loop (event-reactive matching).
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/agentcom/agentcom/internal/actor"
	"github.com/agentcom/agentcom/internal/agentfsm"
	"github.com/agentcom/agentcom/internal/bus"
	"github.com/agentcom/agentcom/internal/coreerr"
	agentotel "github.com/agentcom/agentcom/internal/otel"
	"github.com/agentcom/agentcom/internal/taskqueue"
)

// TaskSource is the subset of taskqueue.Queue the Scheduler needs.
type TaskSource interface {
	List(ctx context.Context, f taskqueue.ListFilter) ([]*taskqueue.Task, error)
	Get(ctx context.Context, id string) (*taskqueue.Task, error)
	StoreRoutingDecision(ctx context.Context, id string, rd taskqueue.RoutingDecision) error
	AssignTask(ctx context.Context, id, agentID string, opts taskqueue.AssignOpts) (*taskqueue.Task, error)
	ReclaimTask(ctx context.Context, id, reason string) (*taskqueue.Task, error)
	ExpireTask(ctx context.Context, id string) error
}

// AgentSource is the subset of agentfsm.FSM the Scheduler needs.
type AgentSource interface {
	ListAll(ctx context.Context) ([]*agentfsm.Agent, error)
}

// triggerTopics are the seven bus topics that may create a schedulable
// opportunity. Deliberately excludes tasks.assigned (would loop) and
// tasks.dead_letter (no opportunity).
var triggerTopics = map[string]struct{}{
	bus.TopicTaskSubmitted:   {},
	bus.TopicTaskRetried:     {},
	bus.TopicTaskReclaimed:   {},
	bus.TopicTaskCompleted:   {},
	bus.TopicAgentJoined:     {},
	bus.TopicAgentIdle:       {},
	bus.TopicEndpointChanged: {},
}

// Scheduler is the single-threaded actor reacting to triggers and sweeps.
type Scheduler struct {
	mailbox *actor.Mailbox

	queue    TaskSource
	agents   AgentSource
	eventBus *bus.Bus
	resolver RoutingResolver
	limiter  RateLimiter
	repos    RepoRegistry
	endpoints EndpointLocator
	logger   *slog.Logger
	metrics  *agentotel.Metrics

	passRunning    bool
	rerunRequested bool

	fallbackTimers map[string]*time.Timer

	stuckThresholdMs int64
	ttlMs            int64
	fallbackWaitMs   int64
}

// Config bundles the Scheduler's collaborators and tunables.
type Config struct {
	Queue     TaskSource
	Agents    AgentSource
	EventBus  *bus.Bus
	Resolver  RoutingResolver
	Limiter   RateLimiter
	Repos     RepoRegistry
	Endpoints EndpointLocator
	Logger    *slog.Logger
	Metrics   *agentotel.Metrics

	// StuckThresholdMs is how stale updated_at must be for an assigned task
	// to be reclaimed by the stuck sweep. Defaults to 300_000 (5 min).
	StuckThresholdMs int64
	// TTLMs is the queued-task age after which the TTL sweep expires it,
	// unless its routing tier is "trivial". Defaults to 600_000 (10 min).
	TTLMs int64
	// FallbackWaitMs is the per-task fallback timer delay. Defaults to 5_000.
	FallbackWaitMs int64
}

// New constructs a Scheduler. Limiter and Repos and Endpoints may be nil,
// in which case every agent is eligible and every repo is active.
func New(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Limiter == nil {
		cfg.Limiter = AllowAll{}
	}
	if cfg.StuckThresholdMs == 0 {
		cfg.StuckThresholdMs = 300_000
	}
	if cfg.TTLMs == 0 {
		cfg.TTLMs = 600_000
	}
	if cfg.FallbackWaitMs == 0 {
		cfg.FallbackWaitMs = 5_000
	}
	return &Scheduler{
		mailbox:          actor.NewMailbox("scheduler", actor.DefaultMailboxWarnWatermark),
		queue:            cfg.Queue,
		agents:           cfg.Agents,
		eventBus:         cfg.EventBus,
		resolver:         cfg.Resolver,
		limiter:          cfg.Limiter,
		repos:            cfg.Repos,
		endpoints:        cfg.Endpoints,
		logger:           cfg.Logger.With("component", "scheduler"),
		metrics:          cfg.Metrics,
		fallbackTimers:   make(map[string]*time.Timer),
		stuckThresholdMs: cfg.StuckThresholdMs,
		ttlMs:            cfg.TTLMs,
		fallbackWaitMs:   cfg.FallbackWaitMs,
	}
}

func nowMs() int64 { return time.Now().UnixMilli() }

// Run subscribes to the trigger topics and drains the mailbox until ctx is
// cancelled. Bus delivery happens on its own goroutine per subscription and
// re-enters the actor via Cast, preserving single-threaded ordering.
func (s *Scheduler) Run(ctx context.Context) {
	sub := s.eventBus.Subscribe("")
	defer s.eventBus.Unsubscribe(sub)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				if _, relevant := triggerTopics[ev.Topic]; !relevant {
					continue
				}
				s.mailbox.Cast(func() { s.onTrigger(ctx) })
			}
		}
	}()

	s.mailbox.Run(ctx, func(r any) {
		s.logger.Error("scheduler actor recovered from panic", "recover", r)
	})
}

func (s *Scheduler) publishMailboxDepth() {
	if d := s.mailbox.Depth(); d > actor.DefaultMailboxWarnWatermark {
		s.eventBus.Publish(bus.TopicActorMailboxHigh, bus.ActorMailboxHigh{Actor: s.mailbox.Name(), Depth: d})
	}
}

// onTrigger implements the single-pending-rerun coalescing rule: if a pass
// is already running when a trigger arrives, exactly one re-run is queued.
func (s *Scheduler) onTrigger(ctx context.Context) {
	defer s.publishMailboxDepth()
	if s.passRunning {
		s.rerunRequested = true
		return
	}
	s.passRunning = true
	s.runPass(ctx)
	for s.rerunRequested {
		s.rerunRequested = false
		s.runPass(ctx)
	}
	s.passRunning = false
}

// RunPassNow triggers an out-of-band scheduling pass (used by cmd/agentcomd
// for an initial pass at startup, before any event has been published).
func (s *Scheduler) RunPassNow(ctx context.Context) {
	s.mailbox.Cast(func() { s.onTrigger(ctx) })
}

// runPass is the one-shot, non-backtracking greedy match described by the
// matching algorithm: snapshot idle agents and eligible queued tasks, then
// iterate tasks in priority order assigning at most one agent each.
func (s *Scheduler) runPass(ctx context.Context) {
	idle, err := s.snapshotIdleAgents(ctx)
	if err != nil {
		s.logger.Error("scheduler: list agents failed", "error", err)
		return
	}
	if len(idle) == 0 {
		return
	}

	tasks, err := s.snapshotEligibleTasks(ctx)
	if err != nil {
		s.logger.Error("scheduler: list tasks failed", "error", err)
		return
	}

	claimed := make(map[string]struct{}, len(idle))
	for _, t := range tasks {
		if len(claimed) == len(idle) {
			break
		}
		s.tryAssign(ctx, t, idle, claimed)
	}
}

func (s *Scheduler) snapshotIdleAgents(ctx context.Context) ([]*agentfsm.Agent, error) {
	all, err := s.agents.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*agentfsm.Agent, 0, len(all))
	for _, a := range all {
		if a.State != agentfsm.StateIdle {
			continue
		}
		if s.limiter.Limited(a.ID) {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Scheduler) snapshotEligibleTasks(ctx context.Context) ([]*taskqueue.Task, error) {
	queued, err := s.queue.List(ctx, taskqueue.ListFilter{Status: taskqueue.StatusQueued, HasStatus: true})
	if err != nil {
		return nil, err
	}
	out := make([]*taskqueue.Task, 0, len(queued))
	for _, t := range queued {
		if t.Repo != "" && s.repos != nil && !s.repos.Active(t.Repo) {
			continue
		}
		if s.dependenciesSatisfied(ctx, t) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Scheduler) dependenciesSatisfied(ctx context.Context, t *taskqueue.Task) bool {
	for _, depID := range t.DependsOn {
		dep, err := s.queue.Get(ctx, depID)
		if err != nil || dep.Status != taskqueue.StatusCompleted {
			return false
		}
	}
	return true
}

// tryAssign resolves routing, selects a candidate agent, and calls
// store_routing_decision then assign_task. Assignment races
// (invalid_state) are silently absorbed per the failure semantics.
func (s *Scheduler) tryAssign(ctx context.Context, t *taskqueue.Task, idle []*agentfsm.Agent, claimed map[string]struct{}) {
	decision := taskqueue.RoutingDecision{CandidateCount: len(idle)}
	if s.resolver != nil {
		rr, err := s.resolver.Resolve(ctx, t)
		if err != nil {
			s.logger.Error("scheduler: routing resolve failed", "task_id", t.ID, "error", err)
			return
		}
		if rr.Fallback {
			s.armFallbackTimer(t.ID, rr.Tier)
			decision = rr.Decision
			decision.FallbackUsed = true
			decision.CandidateCount = len(idle)
		} else {
			s.cancelFallbackTimer(t.ID)
			decision = rr.Decision
			decision.CandidateCount = len(idle)
		}
	}

	agent := s.selectAgent(t, decision, idle, claimed)
	if agent == nil {
		return
	}

	if err := s.queue.StoreRoutingDecision(ctx, t.ID, decision); err != nil {
		s.logger.Error("scheduler: store_routing_decision failed", "task_id", t.ID, "error", err)
		return
	}

	start := time.Now()
	_, err := s.queue.AssignTask(ctx, t.ID, agent.ID, taskqueue.AssignOpts{CompleteByMs: t.CompleteByMs})
	if s.metrics != nil {
		s.metrics.TaskAssignDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		if isInvalidState(err) {
			return
		}
		s.logger.Error("scheduler: assign_task failed", "task_id", t.ID, "agent_id", agent.ID, "error", err)
		return
	}
	s.cancelFallbackTimer(t.ID)
	claimed[agent.ID] = struct{}{}
}

func isInvalidState(err error) bool {
	return errors.Is(err, coreerr.ErrInvalidState)
}

// selectAgent picks the first idle, unclaimed agent matching the override
// or capability/endpoint-affinity rule.
func (s *Scheduler) selectAgent(t *taskqueue.Task, decision taskqueue.RoutingDecision, idle []*agentfsm.Agent, claimed map[string]struct{}) *agentfsm.Agent {
	if override := t.AssignToOverride(); override != "" {
		for _, a := range idle {
			if a.ID == override {
				if _, taken := claimed[a.ID]; taken {
					return nil
				}
				return a
			}
		}
		return nil
	}

	var capableFallback *agentfsm.Agent
	for _, a := range idle {
		if _, taken := claimed[a.ID]; taken {
			continue
		}
		if !a.HasCapabilities(t.NeededCapabilities) {
			continue
		}
		if decision.TargetType == "local_model" && decision.SelectedEndpoint != "" && s.endpoints != nil {
			if s.endpoints.AgentHost(a.ID) == decision.SelectedEndpoint {
				return a
			}
			if capableFallback == nil {
				capableFallback = a
			}
			continue
		}
		return a
	}
	return capableFallback
}

func (s *Scheduler) armFallbackTimer(taskID, tier string) {
	s.cancelFallbackTimer(taskID)
	timer := time.AfterFunc(time.Duration(s.fallbackWaitMs)*time.Millisecond, func() {
		s.mailbox.Cast(func() { s.onFallbackFire(taskID, tier) })
	})
	s.fallbackTimers[taskID] = timer
}

func (s *Scheduler) cancelFallbackTimer(taskID string) {
	if t, ok := s.fallbackTimers[taskID]; ok {
		t.Stop()
		delete(s.fallbackTimers, taskID)
	}
}

// onFallbackFire republishes a scheduling opportunity for the next tier up
// the fallback chain. A task whose tier has no next rung simply stops
// retrying via timer; the next organic trigger will still re-evaluate it.
func (s *Scheduler) onFallbackFire(taskID, tier string) {
	delete(s.fallbackTimers, taskID)
	if _, ok := nextTier(tier); !ok {
		return
	}
	if s.passRunning {
		s.rerunRequested = true
		return
	}
	s.passRunning = true
	s.runPass(context.Background())
	for s.rerunRequested {
		s.rerunRequested = false
		s.runPass(context.Background())
	}
	s.passRunning = false
}

// StuckSweep reclaims assigned tasks whose updated_at predates the stuck
// threshold. Registered on the shared sweep runner at 30s by cmd/agentcomd.
func (s *Scheduler) StuckSweep(ctx context.Context) {
	s.mailbox.Cast(func() {
		assigned, err := s.queue.List(ctx, taskqueue.ListFilter{Status: taskqueue.StatusAssigned, HasStatus: true})
		if err != nil {
			s.logger.Error("scheduler: stuck sweep list failed", "error", err)
			return
		}
		now := nowMs()
		for _, t := range assigned {
			if now-t.UpdatedAtMs < s.stuckThresholdMs {
				continue
			}
			if _, err := s.queue.ReclaimTask(ctx, t.ID, "stuck_sweep"); err != nil && !errors.Is(err, coreerr.ErrNotAssigned) {
				s.logger.Error("scheduler: stuck reclaim failed", "task_id", t.ID, "error", err)
			}
		}
	})
}

// TTLSweep expires queued tasks older than the configured TTL, unless their
// stored routing tier is "trivial". Registered at 60s by cmd/agentcomd.
func (s *Scheduler) TTLSweep(ctx context.Context) {
	s.mailbox.Cast(func() {
		queued, err := s.queue.List(ctx, taskqueue.ListFilter{Status: taskqueue.StatusQueued, HasStatus: true})
		if err != nil {
			s.logger.Error("scheduler: ttl sweep list failed", "error", err)
			return
		}
		now := nowMs()
		for _, t := range queued {
			if now-t.CreatedAtMs < s.ttlMs {
				continue
			}
			if t.RoutingDecision != nil && t.RoutingDecision.EffectiveTier == "trivial" {
				continue
			}
			s.cancelFallbackTimer(t.ID)
			if err := s.queue.ExpireTask(ctx, t.ID); err != nil {
				s.logger.Error("scheduler: expire failed", "task_id", t.ID, "error", err)
			}
		}
	})
}
