package agentsession

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/agentcom/agentcom/internal/bus"
	"github.com/agentcom/agentcom/internal/store"
)

// ServerConfig bundles the collaborators every accepted connection's
// Session needs, plus transport-level settings.
type ServerConfig struct {
	Queue       TaskQueue
	FSM         AgentFSM
	Auth        Authenticator
	EventBus    *bus.Bus
	Store       *store.Store
	MetricsSink ResourceMetricsSink
	Registry    *Registry
	Logger      *slog.Logger

	// AllowOrigins controls accepted Origin headers for cross-origin
	// WebSocket upgrades. Empty means same-origin only.
	AllowOrigins []string

	// ViolationLimit, ViolationWindowMs, and BackoffLadderMs are forwarded to
	// every Session; see Config's fields of the same name for defaults.
	ViolationLimit    int
	ViolationWindowMs int64
	BackoffLadderMs   []int64
}

// Server accepts websocket upgrades at /agents/ws and spawns one Session
// per connection, grounded on the teacher's gateway.Server.handleWS.
type Server struct {
	cfg       ServerConfig
	validator *FrameValidator
	logger    *slog.Logger

	// tunablesMu guards the subset of ServerConfig a config hot-reload may
	// change at runtime (see UpdateTunables). Everything else in cfg is
	// fixed for the server's lifetime.
	tunablesMu sync.RWMutex
}

// NewServer compiles the frame validator and constructs a Server.
func NewServer(cfg ServerConfig) (*Server, error) {
	v, err := NewFrameValidator()
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	return &Server{cfg: cfg, validator: v, logger: cfg.Logger.With("component", "agentsession_server")}, nil
}

// Registry exposes the live-session registry so cmd/agentcomd can relay
// assignment pushes from the bus.
func (s *Server) Registry() *Registry { return s.cfg.Registry }

// UpdateTunables applies a config hot-reload's violation/backoff settings.
// Only sessions accepted after this call observe the new values; a
// connection already in flight keeps whatever it was handed at accept time.
func (s *Server) UpdateTunables(violationLimit int, violationWindowMs int64, backoffLadderMs []int64) {
	s.tunablesMu.Lock()
	defer s.tunablesMu.Unlock()
	s.cfg.ViolationLimit = violationLimit
	s.cfg.ViolationWindowMs = violationWindowMs
	s.cfg.BackoffLadderMs = backoffLadderMs
}

// Handler returns the HTTP handler exposing the websocket upgrade endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/agents/ws", s.handleWS)
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	s.logger.Info("agent session connected", "remote", r.RemoteAddr)

	s.tunablesMu.RLock()
	violationLimit, violationWindowMs, backoffLadderMs := s.cfg.ViolationLimit, s.cfg.ViolationWindowMs, s.cfg.BackoffLadderMs
	s.tunablesMu.RUnlock()

	Serve(r.Context(), Config{
		Conn:              conn,
		Queue:             s.cfg.Queue,
		FSM:               s.cfg.FSM,
		Auth:              s.cfg.Auth,
		EventBus:          s.cfg.EventBus,
		Store:             s.cfg.Store,
		MetricsSink:       s.cfg.MetricsSink,
		Validator:         s.validator,
		Registry:          s.cfg.Registry,
		Logger:            s.logger,
		ViolationLimit:    violationLimit,
		ViolationWindowMs: violationWindowMs,
		BackoffLadderMs:   backoffLadderMs,
	})
}
