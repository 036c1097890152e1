package agentfsm

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentcom/agentcom/internal/actor"
	"github.com/agentcom/agentcom/internal/bus"
	"github.com/agentcom/agentcom/internal/coreerr"
	"github.com/agentcom/agentcom/internal/taskqueue"
)

// TaskReclaimer is the one Queue operation the FSM needs; expressed as an
// interface so tests can fake it without a real durable store.
type TaskReclaimer interface {
	ReclaimTask(ctx context.Context, id, reason string) (*taskqueue.Task, error)
}

// FSM is the single-threaded actor owning every agent record.
type FSM struct {
	mailbox   *actor.Mailbox
	agents    map[string]*Agent
	reclaimer TaskReclaimer
	eventBus  *bus.Bus
	logger    *slog.Logger

	acceptTimers map[string]*time.Timer

	acceptanceTimeoutMs int64
	staleHeartbeatMs    int64
}

// New constructs an FSM. acceptanceTimeoutMs and staleHeartbeatMs default to
// 60000 (spec's acceptance_timeout_ms and the reaper's stale threshold) when
// zero.
func New(reclaimer TaskReclaimer, eventBus *bus.Bus, logger *slog.Logger, acceptanceTimeoutMs, staleHeartbeatMs int64) *FSM {
	if logger == nil {
		logger = slog.Default()
	}
	if acceptanceTimeoutMs == 0 {
		acceptanceTimeoutMs = 60_000
	}
	if staleHeartbeatMs == 0 {
		staleHeartbeatMs = 60_000
	}
	return &FSM{
		mailbox:             actor.NewMailbox("agentfsm", actor.DefaultMailboxWarnWatermark*2),
		agents:               make(map[string]*Agent),
		reclaimer:            reclaimer,
		eventBus:             eventBus,
		logger:               logger.With("component", "agentfsm"),
		acceptTimers:         make(map[string]*time.Timer),
		acceptanceTimeoutMs:  acceptanceTimeoutMs,
		staleHeartbeatMs:     staleHeartbeatMs,
	}
}

// Run drains the mailbox until ctx is cancelled.
func (f *FSM) Run(ctx context.Context) {
	f.mailbox.Run(ctx, func(r any) {
		f.logger.Error("agentfsm actor recovered from panic", "recover", r)
	})
}

func nowMs() int64 { return time.Now().UnixMilli() }

func (f *FSM) publishMailboxDepth() {
	if d := f.mailbox.Depth(); d > actor.DefaultMailboxWarnWatermark {
		f.eventBus.Publish(bus.TopicActorMailboxHigh, bus.ActorMailboxHigh{Actor: f.mailbox.Name(), Depth: d})
	}
}

// Connect transitions an agent to idle, creating its record on first contact.
func (f *FSM) Connect(ctx context.Context, agentID string, capabilities []string) (*Agent, error) {
	defer f.publishMailboxDepth()
	return callAgent(ctx, f.mailbox, func() result {
		now := nowMs()
		a, ok := f.agents[agentID]
		if !ok {
			a = &Agent{ID: agentID}
			f.agents[agentID] = a
		}
		a.Capabilities = capabilities
		a.State = StateIdle
		a.CurrentTaskID = ""
		a.ConnectedAtMs = now
		a.LastStateChangeMs = now
		a.LastHeartbeatMs = now
		a.AcceptDeadlineMs = 0
		f.cancelAcceptTimer(agentID)
		f.eventBus.Publish(bus.TopicAgentJoined, bus.AgentPresenceEvent{AgentID: agentID, State: string(StateIdle)})
		return result{a.clone(), nil}
	})
}

// Disconnect reclaims any held task and moves the agent to offline.
func (f *FSM) Disconnect(ctx context.Context, agentID string) error {
	defer f.publishMailboxDepth()
	_, err := actor.Call(ctx, f.mailbox, func() error {
		a, ok := f.agents[agentID]
		if !ok {
			return coreerr.ErrNotFound
		}
		f.cancelAcceptTimer(agentID)
		if a.CurrentTaskID != "" {
			taskID := a.CurrentTaskID
			go func() {
				reclaimCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if _, err := f.reclaimer.ReclaimTask(reclaimCtx, taskID, "agent_disconnected"); err != nil && err != coreerr.ErrNotAssigned {
					f.logger.Error("reclaim on disconnect failed", "agent_id", agentID, "task_id", taskID, "error", err)
				}
			}()
		}
		a.State = StateOffline
		a.CurrentTaskID = ""
		a.LastStateChangeMs = nowMs()
		f.eventBus.Publish(bus.TopicAgentLeft, bus.AgentPresenceEvent{AgentID: agentID, State: string(StateOffline)})
		return nil
	})
	return err
}

// Assign transitions idle -> assigned and starts the acceptance timer.
func (f *FSM) Assign(ctx context.Context, agentID, taskID string) (*Agent, error) {
	defer f.publishMailboxDepth()
	return callAgent(ctx, f.mailbox, func() result {
		a, ok := f.agents[agentID]
		if !ok {
			return result{nil, coreerr.ErrNotFound}
		}
		if a.State != StateIdle {
			return result{nil, coreerr.ErrInvalidState}
		}
		now := nowMs()
		a.State = StateAssigned
		a.CurrentTaskID = taskID
		a.AcceptDeadlineMs = now + f.acceptanceTimeoutMs
		a.LastStateChangeMs = now
		f.armAcceptTimer(agentID, taskID)
		return result{a.clone(), nil}
	})
}

// Accept transitions assigned -> working, provided taskID still matches.
func (f *FSM) Accept(ctx context.Context, agentID, taskID string) (*Agent, error) {
	defer f.publishMailboxDepth()
	return callAgent(ctx, f.mailbox, func() result {
		a, ok := f.agents[agentID]
		if !ok {
			return result{nil, coreerr.ErrNotFound}
		}
		if a.State != StateAssigned || a.CurrentTaskID != taskID {
			return result{nil, coreerr.ErrInvalidState}
		}
		f.cancelAcceptTimer(agentID)
		a.AcceptDeadlineMs = 0
		a.State = StateWorking
		a.LastStateChangeMs = nowMs()
		return result{a.clone(), nil}
	})
}

// Reject reclaims the task via the Queue and returns the agent to idle.
func (f *FSM) Reject(ctx context.Context, agentID, taskID, reason string) (*Agent, error) {
	defer f.publishMailboxDepth()
	return callAgent(ctx, f.mailbox, func() result {
		a, ok := f.agents[agentID]
		if !ok {
			return result{nil, coreerr.ErrNotFound}
		}
		if a.State != StateAssigned {
			return result{nil, coreerr.ErrInvalidState}
		}
		f.cancelAcceptTimer(agentID)
		go func() {
			reclaimCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := f.reclaimer.ReclaimTask(reclaimCtx, taskID, "rejected: "+reason); err != nil && err != coreerr.ErrNotAssigned {
				f.logger.Error("reclaim on reject failed", "agent_id", agentID, "task_id", taskID, "error", err)
			}
		}()
		a.State = StateIdle
		a.CurrentTaskID = ""
		a.AcceptDeadlineMs = 0
		a.LastStateChangeMs = nowMs()
		f.eventBus.Publish(bus.TopicAgentIdle, bus.AgentPresenceEvent{AgentID: agentID, State: string(StateIdle)})
		return result{a.clone(), nil}
	})
}

// Complete transitions working -> idle.
func (f *FSM) Complete(ctx context.Context, agentID, taskID string) (*Agent, error) {
	return f.finishWork(ctx, agentID, taskID, StateIdle)
}

// Fail transitions working -> idle (or blocked, if the caller later calls
// Block explicitly; the spec leaves the blocked transition to an explicit
// signal from the agent, not an automatic one on fail).
func (f *FSM) Fail(ctx context.Context, agentID, taskID string) (*Agent, error) {
	return f.finishWork(ctx, agentID, taskID, StateIdle)
}

// Block transitions working -> blocked: the agent declared itself blocked
// awaiting human action or external input.
func (f *FSM) Block(ctx context.Context, agentID string) (*Agent, error) {
	defer f.publishMailboxDepth()
	return callAgent(ctx, f.mailbox, func() result {
		a, ok := f.agents[agentID]
		if !ok {
			return result{nil, coreerr.ErrNotFound}
		}
		if a.State != StateWorking {
			return result{nil, coreerr.ErrInvalidState}
		}
		a.State = StateBlocked
		a.LastStateChangeMs = nowMs()
		return result{a.clone(), nil}
	})
}

func (f *FSM) finishWork(ctx context.Context, agentID, taskID string, next State) (*Agent, error) {
	defer f.publishMailboxDepth()
	return callAgent(ctx, f.mailbox, func() result {
		a, ok := f.agents[agentID]
		if !ok {
			return result{nil, coreerr.ErrNotFound}
		}
		if a.State != StateWorking || a.CurrentTaskID != taskID {
			return result{nil, coreerr.ErrInvalidState}
		}
		a.State = next
		a.CurrentTaskID = ""
		a.LastStateChangeMs = nowMs()
		if next == StateIdle {
			f.eventBus.Publish(bus.TopicAgentIdle, bus.AgentPresenceEvent{AgentID: agentID, State: string(StateIdle)})
		}
		return result{a.clone(), nil}
	})
}

// Heartbeat records a pong/ping liveness signal so the reaper doesn't evict
// a slow-but-alive agent.
func (f *FSM) Heartbeat(ctx context.Context, agentID string) error {
	_, err := actor.Call(ctx, f.mailbox, func() error {
		a, ok := f.agents[agentID]
		if !ok {
			return coreerr.ErrNotFound
		}
		a.LastHeartbeatMs = nowMs()
		return nil
	})
	return err
}

// ListAll returns a snapshot of every agent record.
func (f *FSM) ListAll(ctx context.Context) ([]*Agent, error) {
	type listResult struct {
		agents []*Agent
		err    error
	}
	r, err := actor.Call(ctx, f.mailbox, func() listResult {
		out := make([]*Agent, 0, len(f.agents))
		for _, a := range f.agents {
			out = append(out, a.clone())
		}
		return listResult{out, nil}
	})
	if err != nil {
		return nil, err
	}
	return r.agents, r.err
}

// GetState returns one agent's current record.
func (f *FSM) GetState(ctx context.Context, agentID string) (*Agent, error) {
	return callAgent(ctx, f.mailbox, func() result {
		a, ok := f.agents[agentID]
		if !ok {
			return result{nil, coreerr.ErrNotFound}
		}
		return result{a.clone(), nil}
	})
}

// ReapStale evicts any agent whose last heartbeat predates the stale
// threshold, ending in the same reclaim+offline path as Disconnect.
// Registered on the shared sweep runner by cmd/agentcomd.
func (f *FSM) ReapStale(ctx context.Context) {
	f.mailbox.Cast(func() {
		now := nowMs()
		var stale []string
		for id, a := range f.agents {
			if a.State == StateOffline {
				continue
			}
			if now-a.LastHeartbeatMs > f.staleHeartbeatMs {
				stale = append(stale, id)
			}
		}
		for _, id := range stale {
			a := f.agents[id]
			f.cancelAcceptTimer(id)
			if a.CurrentTaskID != "" {
				taskID := a.CurrentTaskID
				go func() {
					reclaimCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if _, err := f.reclaimer.ReclaimTask(reclaimCtx, taskID, "reaper_stale_heartbeat"); err != nil && err != coreerr.ErrNotAssigned {
						f.logger.Error("reclaim on reap failed", "agent_id", id, "task_id", taskID, "error", err)
					}
				}()
			}
			a.State = StateOffline
			a.CurrentTaskID = ""
			a.LastStateChangeMs = now
			f.eventBus.Publish(bus.TopicAgentLeft, bus.AgentPresenceEvent{AgentID: id, State: string(StateOffline)})
		}
	})
}

func (f *FSM) armAcceptTimer(agentID, taskID string) {
	f.cancelAcceptTimer(agentID)
	timer := time.AfterFunc(time.Duration(f.acceptanceTimeoutMs)*time.Millisecond, func() {
		f.mailbox.Cast(func() { f.onAcceptTimeout(agentID, taskID) })
	})
	f.acceptTimers[agentID] = timer
}

func (f *FSM) cancelAcceptTimer(agentID string) {
	if t, ok := f.acceptTimers[agentID]; ok {
		t.Stop()
		delete(f.acceptTimers, agentID)
	}
}

// onAcceptTimeout re-validates the agent is still assigned to the same task
// before acting, per the timer re-read contract.
func (f *FSM) onAcceptTimeout(agentID, taskID string) {
	a, ok := f.agents[agentID]
	if !ok || a.State != StateAssigned || a.CurrentTaskID != taskID {
		return
	}
	go func() {
		reclaimCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := f.reclaimer.ReclaimTask(reclaimCtx, taskID, "accept_timeout"); err != nil && err != coreerr.ErrNotAssigned {
			f.logger.Error("reclaim on accept timeout failed", "agent_id", agentID, "task_id", taskID, "error", err)
		}
	}()
	a.State = StateIdle
	a.CurrentTaskID = ""
	a.AcceptDeadlineMs = 0
	a.SlowAccept = true
	a.LastStateChangeMs = nowMs()
	delete(f.acceptTimers, agentID)
	f.eventBus.Publish(bus.TopicAgentIdle, bus.AgentPresenceEvent{AgentID: agentID, State: string(StateIdle)})
}

type result struct {
	agent *Agent
	err   error
}

// callAgent runs fn on the mailbox and flattens the actor.Call-level error
// (context cancelled, mailbox stopped) together with fn's own result error
// into a single (*Agent, error) return.
func callAgent(ctx context.Context, mailbox *actor.Mailbox, fn func() result) (*Agent, error) {
	r, err := actor.Call(ctx, mailbox, fn)
	if err != nil {
		return nil, err
	}
	return r.agent, r.err
}
