package agentsession

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/agentcom/agentcom/internal/actor"
	"github.com/agentcom/agentcom/internal/audit"
	"github.com/agentcom/agentcom/internal/bus"
	"github.com/agentcom/agentcom/internal/store"
)

const (
	heartbeatInterval = 30 * time.Second
	pongWatchdog      = 10 * time.Second
	maxMissedPongs    = 2

	defaultViolationWindowMs = 60_000
	defaultViolationLimit    = 10
)

// defaultBackoffLadderMs is the 30s / 60s / 300s ladder used when config.yaml
// doesn't override backoff_ladder_ms.
var defaultBackoffLadderMs = []int64{30_000, 60_000, 300_000}

// Session is the single-threaded actor owning one connection's state:
// handshake, delivered generations, violation counting, heartbeat timers.
// The blocking read loop runs on its own goroutine and re-enters the
// actor via mailbox.Cast for every decoded frame, preserving the
// per-connection sequential-actor contract.
type Session struct {
	mailbox *actor.Mailbox

	conn    *websocket.Conn
	writeMu sync.Mutex

	queue       TaskQueue
	fsm         AgentFSM
	auth        Authenticator
	eventBus    *bus.Bus
	store       *store.Store
	metricsSink ResourceMetricsSink
	validator   *FrameValidator
	registry    *Registry
	logger      *slog.Logger

	agentID      string
	handshaken   bool
	capabilities []string
	deliveredGen map[string]int64

	violationTimes    []int64
	violationLimit    int
	violationWindowMs int64
	backoffLadderMs   []int64

	pingTimer    *time.Timer
	pongDeadline *time.Timer
	missedPongs  int

	closeOnce sync.Once
	closed    chan struct{}
}

// Config bundles a new session's collaborators.
type Config struct {
	Conn        *websocket.Conn
	Queue       TaskQueue
	FSM         AgentFSM
	Auth        Authenticator
	EventBus    *bus.Bus
	Store       *store.Store
	MetricsSink ResourceMetricsSink
	Validator   *FrameValidator
	Registry    *Registry
	Logger      *slog.Logger

	// ViolationLimit and ViolationWindowMs bound the sliding-window protocol
	// violation counter; BackoffLadderMs is the per-offense cooldown ladder.
	// Zero/nil falls back to the spec defaults (10 violations / 60s window,
	// 30s/60s/300s ladder).
	ViolationLimit    int
	ViolationWindowMs int64
	BackoffLadderMs   []int64
}

func newSession(cfg Config) *Session {
	if cfg.Auth == nil {
		cfg.Auth = AllowAllAuth{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	violationLimit := cfg.ViolationLimit
	if violationLimit == 0 {
		violationLimit = defaultViolationLimit
	}
	violationWindowMs := cfg.ViolationWindowMs
	if violationWindowMs == 0 {
		violationWindowMs = defaultViolationWindowMs
	}
	backoffLadderMs := cfg.BackoffLadderMs
	if len(backoffLadderMs) == 0 {
		backoffLadderMs = defaultBackoffLadderMs
	}
	return &Session{
		mailbox:           actor.NewMailbox("agentsession", actor.DefaultMailboxWarnWatermark),
		conn:              cfg.Conn,
		queue:             cfg.Queue,
		fsm:               cfg.FSM,
		auth:              cfg.Auth,
		eventBus:          cfg.EventBus,
		store:             cfg.Store,
		metricsSink:       cfg.MetricsSink,
		validator:         cfg.Validator,
		registry:          cfg.Registry,
		logger:            cfg.Logger.With("component", "agentsession"),
		deliveredGen:      make(map[string]int64),
		closed:            make(chan struct{}),
		violationLimit:    violationLimit,
		violationWindowMs: violationWindowMs,
		backoffLadderMs:   backoffLadderMs,
	}
}

func nowMs() int64 { return time.Now().UnixMilli() }

// Serve drains inbound frames until the connection closes or ctx is
// cancelled. It blocks; callers run it on its own goroutine per accepted
// websocket connection.
func Serve(ctx context.Context, cfg Config) {
	s := newSession(cfg)
	go s.mailbox.Run(ctx, func(r any) {
		s.logger.Error("agentsession actor recovered from panic", "recover", r)
	})
	defer s.shutdown(ctx)

	for {
		var env envelope
		_, raw, err := s.readRaw(ctx)
		if err != nil {
			return
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			s.mailbox.Cast(func() { s.recordViolation(ctx, "malformed_json") })
			continue
		}
		frameType := env.Type
		s.mailbox.Cast(func() { s.handleFrame(ctx, frameType, raw) })
	}
}

func (s *Session) readRaw(ctx context.Context) (websocket.MessageType, []byte, error) {
	return s.conn.Read(ctx)
}

func (s *Session) write(ctx context.Context, payload any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wsjson.Write(ctx, s.conn, payload)
}

// handleFrame validates then dispatches. Called only from the mailbox
// goroutine via Cast, so all session state mutation below is serialized.
func (s *Session) handleFrame(ctx context.Context, frameType FrameType, raw json.RawMessage) {
	if frameType == FrameIdentify {
		s.handleIdentify(ctx, raw)
		return
	}
	if !s.handshaken {
		s.recordViolation(ctx, "frame_before_identify")
		return
	}
	if err := s.validator.Validate(frameType, raw); err != nil {
		s.recordViolation(ctx, err.Error())
		return
	}

	switch frameType {
	case FrameTaskAccepted:
		s.onTaskAccepted(ctx, raw)
	case FrameTaskRejected:
		s.onTaskRejected(ctx, raw)
	case FrameTaskProgress:
		s.onTaskProgress(ctx, raw)
	case FrameTaskComplete:
		s.onTaskComplete(ctx, raw)
	case FrameTaskFailed:
		s.onTaskFailed(ctx, raw)
	case FrameTaskRecovering:
		s.onTaskRecovering(ctx, raw)
	case FrameWakeResult:
		s.onWakeResult(ctx, raw)
	case FrameResourceReport:
		s.onResourceReport(ctx, raw)
	case FramePing:
		s.recordHeartbeat(ctx)
		_ = s.write(ctx, PingPongFrame{Type: FramePong})
	case FramePong:
		s.onPong(ctx)
	default:
		s.recordViolation(ctx, "unknown_frame_type")
	}
}

// recordViolation tracks a protocol violation in the 60s sliding window; at
// the limit the session is closed and a durable backoff entry recorded.
func (s *Session) recordViolation(ctx context.Context, reason string) {
	now := nowMs()
	s.violationTimes = append(s.violationTimes, now)
	cutoff := now - s.violationWindowMs
	kept := s.violationTimes[:0]
	for _, t := range s.violationTimes {
		if t >= cutoff {
			kept = append(kept, t)
		}
	}
	s.violationTimes = kept
	audit.Record(s.agentID, "violation", reason, "")

	if len(s.violationTimes) >= s.violationLimit {
		s.closeTooManyViolations(ctx)
	}
}

func (s *Session) closeTooManyViolations(ctx context.Context) {
	offenseCount := 0
	if s.store != nil {
		if prior, err := s.store.GetSessionBackoff(ctx, s.agentID); err == nil && prior != nil {
			offenseCount = prior.OffenseCount
		}
	}
	untilMs := nowMs() + s.backoffDurationMs(offenseCount)
	if s.store != nil {
		_ = s.store.PutSessionBackoff(ctx, store.SessionBackoff{
			AgentID:      s.agentID,
			OffenseCount: offenseCount + 1,
			UntilMs:      untilMs,
		})
	}
	audit.Record(s.agentID, "disconnect", "too_many_violations", "")
	_ = s.conn.Close(websocket.StatusPolicyViolation, "too_many_violations")
}

// backoffDurationMs walks the configured ladder by prior offense count,
// holding at the ladder's last rung for every offense beyond its length.
func (s *Session) backoffDurationMs(priorOffenseCount int) int64 {
	ladder := s.backoffLadderMs
	if priorOffenseCount >= len(ladder) {
		return ladder[len(ladder)-1]
	}
	return ladder[priorOffenseCount]
}

func (s *Session) onPong(ctx context.Context) {
	s.missedPongs = 0
	if s.pongDeadline != nil {
		s.pongDeadline.Stop()
		s.pongDeadline = nil
	}
	s.recordHeartbeat(ctx)
}

// recordHeartbeat tells the FSM this agent is still alive, so ReapStale
// doesn't evict a connection that is actively answering pings but holds no
// in-flight task (the only other liveness signal, UpdateProgress, requires
// one). Called on every pong and inbound ping.
func (s *Session) recordHeartbeat(ctx context.Context) {
	if s.fsm == nil || !s.handshaken {
		return
	}
	if err := s.fsm.Heartbeat(ctx, s.agentID); err != nil {
		s.logger.Error("fsm heartbeat failed", "agent_id", s.agentID, "error", err)
	}
}

// shutdown is called once, whether the connection died naturally or a
// violation limit closed it. Informs the FSM so any held task is reclaimed.
func (s *Session) shutdown(ctx context.Context) {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.pingTimer != nil {
			s.pingTimer.Stop()
		}
		if s.pongDeadline != nil {
			s.pongDeadline.Stop()
		}
		if s.registry != nil && s.agentID != "" {
			s.registry.Remove(s.agentID, s)
		}
		if s.handshaken && s.fsm != nil {
			if err := s.fsm.Disconnect(ctx, s.agentID); err != nil {
				s.logger.Error("disconnect failed", "agent_id", s.agentID, "error", err)
			}
		}
		_ = s.conn.Close(websocket.StatusNormalClosure, "bye")
	})
}

// armHeartbeat starts the ping/pong watchdog: a ping every 30s, expecting
// a pong within 10s; two consecutive missed pongs terminate the session.
func (s *Session) armHeartbeat(ctx context.Context) {
	s.pingTimer = time.AfterFunc(heartbeatInterval, func() { s.mailbox.Cast(func() { s.onHeartbeatTick(ctx) }) })
}

func (s *Session) onHeartbeatTick(ctx context.Context) {
	select {
	case <-s.closed:
		return
	default:
	}
	if err := s.write(ctx, PingPongFrame{Type: FramePing}); err != nil {
		s.shutdown(ctx)
		return
	}
	s.missedPongs++
	if s.pongDeadline != nil {
		s.pongDeadline.Stop()
	}
	s.pongDeadline = time.AfterFunc(pongWatchdog, func() { s.mailbox.Cast(func() { s.onPongTimeout(ctx) }) })
	s.pingTimer = time.AfterFunc(heartbeatInterval, func() { s.mailbox.Cast(func() { s.onHeartbeatTick(ctx) }) })
}

func (s *Session) onPongTimeout(ctx context.Context) {
	select {
	case <-s.closed:
		return
	default:
	}
	if s.missedPongs >= maxMissedPongs {
		audit.Record(s.agentID, "disconnect", "heartbeat_timeout", "")
		s.shutdown(ctx)
	}
}
