package agentsession

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/coder/websocket"

	"github.com/agentcom/agentcom/internal/audit"
	"github.com/agentcom/agentcom/internal/bus"
	"github.com/agentcom/agentcom/internal/coreerr"
	"github.com/agentcom/agentcom/internal/taskqueue"
)

// handleIdentify processes the one frame a session accepts before
// handshake: token validation, supersession of a prior live session under
// the same agent id, cooldown rejection, FSM connect, and reconnect
// reconciliation.
func (s *Session) handleIdentify(ctx context.Context, raw json.RawMessage) {
	var f IdentifyFrame
	if err := json.Unmarshal(raw, &f); err != nil || f.AgentID == "" || f.Token == "" {
		_ = s.write(ctx, ErrorFrame{Type: FrameError, Error: "unauthorized"})
		_ = s.conn.Close(websocket.StatusPolicyViolation, "unauthorized")
		return
	}

	if s.store != nil {
		if b, err := s.store.GetSessionBackoff(ctx, f.AgentID); err == nil && b != nil && b.UntilMs > nowMs() {
			retryAfterS := int((b.UntilMs - nowMs()) / 1000)
			_ = s.write(ctx, ErrorFrame{Type: FrameError, Error: "cooldown", RetryAfterS: retryAfterS})
			audit.Record(f.AgentID, "cooldown_rejected", "reconnect_during_backoff", "")
			_ = s.conn.Close(websocket.StatusPolicyViolation, "cooldown")
			return
		}
	}

	if !s.auth.Validate(ctx, f.AgentID, f.Token) {
		_ = s.write(ctx, ErrorFrame{Type: FrameError, Error: "unauthorized"})
		_ = s.conn.Close(websocket.StatusPolicyViolation, "unauthorized")
		return
	}

	if s.registry != nil {
		s.registry.Supersede(f.AgentID, s)
	}

	s.agentID = f.AgentID
	s.capabilities = f.Capabilities
	s.handshaken = true

	if s.fsm != nil {
		if _, err := s.fsm.Connect(ctx, f.AgentID, f.Capabilities); err != nil {
			s.logger.Error("fsm connect failed", "agent_id", f.AgentID, "error", err)
		}
	}
	if s.store != nil {
		_ = s.store.ClearSessionBackoff(ctx, f.AgentID)
	}

	s.armHeartbeat(ctx)
	s.reconcileReconnect(ctx, f.ReconnectTasks)
}

// reconcileReconnect evaluates every task the reconnecting client believes
// is still assigned to it via recover_task, replying task_continue or
// task_cancelled for each.
func (s *Session) reconcileReconnect(ctx context.Context, tasks []ReconnectTask) {
	if s.queue == nil {
		return
	}
	for _, rt := range tasks {
		outcome, task, err := s.queue.RecoverTask(ctx, rt.TaskID)
		if err != nil {
			continue
		}
		switch outcome {
		case taskqueue.RecoverContinue:
			s.deliveredGen[rt.TaskID] = task.Generation
			_ = s.write(ctx, TaskContinueFrame{Type: FrameTaskContinue, TaskID: rt.TaskID, Generation: task.Generation})
		case taskqueue.RecoverReassign:
			delete(s.deliveredGen, rt.TaskID)
			_ = s.write(ctx, TaskCancelledFrame{Type: FrameTaskCancelled, TaskID: rt.TaskID})
			if _, err := s.queue.ReclaimTask(ctx, rt.TaskID, "recover_reassign"); err != nil && !errors.Is(err, coreerr.ErrNotAssigned) {
				s.logger.Error("reclaim on recover_reassign failed", "task_id", rt.TaskID, "error", err)
			}
		}
	}
}

// PushAssign delivers an assignment to this session (called from
// cmd/agentcomd's bus-to-session relay on tasks.assigned).
func (s *Session) PushAssign(ctx context.Context, t *taskqueue.Task) {
	var routing json.RawMessage
	if t.RoutingDecision != nil {
		routing, _ = json.Marshal(t.RoutingDecision)
	}
	s.deliveredGen[t.ID] = t.Generation
	_ = s.write(ctx, TaskAssignFrame{
		Type:               FrameTaskAssign,
		TaskID:             t.ID,
		Description:        t.Description,
		Metadata:           t.Metadata,
		Generation:         t.Generation,
		AssignedAtMs:       t.AssignedAtMs,
		NeededCapabilities: t.NeededCapabilities,
		DependsOn:          t.DependsOn,
		Repo:               t.Repo,
		RoutingDecision:    routing,
	})
}

func (s *Session) onTaskAccepted(ctx context.Context, raw json.RawMessage) {
	var f TaskAcceptedFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		s.recordViolation(ctx, "decode_task_accepted")
		return
	}
	if _, err := s.fsm.Accept(ctx, s.agentID, f.TaskID); err != nil {
		s.logger.Error("fsm accept failed", "agent_id", s.agentID, "task_id", f.TaskID, "error", err)
		return
	}
	if s.eventBus != nil {
		s.eventBus.Publish(bus.TopicTaskAccepted, bus.TaskEvent{TaskID: f.TaskID, NewStatus: "accepted"})
	}
}

func (s *Session) onTaskRejected(ctx context.Context, raw json.RawMessage) {
	var f TaskRejectedFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		s.recordViolation(ctx, "decode_task_rejected")
		return
	}
	if _, err := s.fsm.Reject(ctx, s.agentID, f.TaskID, f.Reason); err != nil {
		s.logger.Error("fsm reject failed", "agent_id", s.agentID, "task_id", f.TaskID, "error", err)
	}
}

func (s *Session) onTaskProgress(ctx context.Context, raw json.RawMessage) {
	var f TaskProgressFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		s.recordViolation(ctx, "decode_task_progress")
		return
	}
	if err := s.queue.UpdateProgress(ctx, f.TaskID); err != nil {
		s.logger.Error("update_progress failed", "task_id", f.TaskID, "error", err)
	}
	s.recordHeartbeat(ctx)
}

func (s *Session) onTaskComplete(ctx context.Context, raw json.RawMessage) {
	var f TaskCompleteFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		s.recordViolation(ctx, "decode_task_complete")
		return
	}
	_, err := s.queue.CompleteTask(ctx, f.TaskID, f.Generation, taskqueue.CompleteParams{
		Result:             f.Result,
		TokensUsed:         f.TokensUsed,
		VerificationReport: f.VerificationReport,
	})
	if errors.Is(err, coreerr.ErrStaleGeneration) {
		// Zombie result from a superseded generation: dropped silently.
		return
	}
	if err != nil {
		s.logger.Error("complete_task failed", "task_id", f.TaskID, "error", err)
		return
	}
	delete(s.deliveredGen, f.TaskID)
}

func (s *Session) onTaskFailed(ctx context.Context, raw json.RawMessage) {
	var f TaskFailedFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		s.recordViolation(ctx, "decode_task_failed")
		return
	}
	_, _, err := s.queue.FailTask(ctx, f.TaskID, f.Generation, f.Reason)
	if errors.Is(err, coreerr.ErrStaleGeneration) {
		return
	}
	if err != nil {
		s.logger.Error("fail_task failed", "task_id", f.TaskID, "error", err)
		return
	}
	delete(s.deliveredGen, f.TaskID)
}

func (s *Session) onTaskRecovering(ctx context.Context, raw json.RawMessage) {
	var f TaskRecoveringFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		s.recordViolation(ctx, "decode_task_recovering")
		return
	}
	outcome, task, err := s.queue.RecoverTask(ctx, f.TaskID)
	if err != nil {
		if errors.Is(err, coreerr.ErrNotFound) {
			_ = s.write(ctx, TaskCancelledFrame{Type: FrameTaskCancelled, TaskID: f.TaskID})
		}
		return
	}
	switch outcome {
	case taskqueue.RecoverContinue:
		s.deliveredGen[f.TaskID] = task.Generation
		_ = s.write(ctx, TaskContinueFrame{Type: FrameTaskContinue, TaskID: f.TaskID, Generation: task.Generation})
	case taskqueue.RecoverReassign:
		delete(s.deliveredGen, f.TaskID)
		_ = s.write(ctx, TaskCancelledFrame{Type: FrameTaskCancelled, TaskID: f.TaskID})
		if _, err := s.queue.ReclaimTask(ctx, f.TaskID, "recover_reassign"); err != nil && !errors.Is(err, coreerr.ErrNotAssigned) {
			s.logger.Error("reclaim on recover_reassign failed", "task_id", f.TaskID, "error", err)
		}
	}
}

// maxWakeAttempts bounds wake_result retries before the session reclaims
// the task instead of waiting for another attempt.
const maxWakeAttempts = 3

func (s *Session) onWakeResult(ctx context.Context, raw json.RawMessage) {
	var f WakeResultFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		s.recordViolation(ctx, "decode_wake_result")
		return
	}
	_ = s.write(ctx, WakeAckFrame{Type: FrameWakeAck, TaskID: f.TaskID})
	if f.Status == "failed" && f.Attempt >= maxWakeAttempts {
		if _, err := s.queue.ReclaimTask(ctx, f.TaskID, "wake_exhausted"); err != nil && !errors.Is(err, coreerr.ErrNotAssigned) {
			s.logger.Error("reclaim on wake exhaustion failed", "task_id", f.TaskID, "error", err)
		}
	}
}

func (s *Session) onResourceReport(_ context.Context, raw json.RawMessage) {
	var f ResourceReportFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return
	}
	if s.metricsSink != nil {
		s.metricsSink.Report(s.agentID, f.Metrics)
	}
}
