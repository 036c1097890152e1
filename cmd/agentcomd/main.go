// Command agentcomd boots the coordination kernel: the durable task queue,
// the agent presence FSM, the scheduler, and the agent-facing websocket
// transport, wired together and exposed on a single listen address. It is
// deliberately thin — no admin REST surface, no auth policy, no TUI —
// grounded on the teacher's cmd/goclaw/main.go wiring order (config, audit,
// logger, otel, store, event bus, actors, listener, signal-driven shutdown)
// with everything outside the kernel's own scope left out.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/agentcom/agentcom/internal/agentfsm"
	"github.com/agentcom/agentcom/internal/agentsession"
	"github.com/agentcom/agentcom/internal/audit"
	"github.com/agentcom/agentcom/internal/bus"
	"github.com/agentcom/agentcom/internal/config"
	"github.com/agentcom/agentcom/internal/metrics"
	otelkernel "github.com/agentcom/agentcom/internal/otel"
	"github.com/agentcom/agentcom/internal/scheduler"
	"github.com/agentcom/agentcom/internal/store"
	"github.com/agentcom/agentcom/internal/sweep"
	"github.com/agentcom/agentcom/internal/taskqueue"
	"github.com/agentcom/agentcom/internal/telemetry"

	"golang.org/x/sync/errgroup"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

// reaperIntervalMs is the cadence ReapStale runs at. Not in the tunables
// table; 60s matches the stale-heartbeat default it sweeps against.
const reaperIntervalMs = 60_000

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s [flags]                  Start the coordination hub

FLAGS:
`, os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  AGENTCOM_HOME           Data directory for logs/audit trail (default: ~/.agentcom)

The hub exposes:
  /agents/ws              Agent session websocket endpoint
  /healthz                Liveness probe
  /metrics                Prometheus scrape endpoint
`)
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the kernel's YAML config file")
	homeFlag := flag.String("home", "", "data directory for logs and the audit trail (default: $AGENTCOM_HOME or ~/.agentcom)")
	dbFlag := flag.String("db", "", "override the configured db_path")
	listenFlag := flag.String("listen", "", "override the configured listen address")
	flag.Usage = printUsage
	flag.Parse()

	homeDir := resolveHomeDir(*homeFlag)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if *dbFlag != "" {
		cfg.DBPath = *dbFlag
	}
	if *listenFlag != "" {
		cfg.Listen = *listenFlag
	}

	if err := audit.Init(homeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(homeDir, cfg.LogLevel, cfg.Quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", homeDir)

	otelProvider, err := otelkernel.Init(ctx, otelkernel.Config{
		Enabled:     cfg.OTelEnabled,
		Exporter:    cfg.OTelExporter,
		ServiceName: "agentcom",
		SampleRate:  cfg.OTelSampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() { _ = otelProvider.Shutdown(ctx) }()

	otelMetrics, err := otelkernel.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS_INIT", err)
	}

	dbPath := cfg.DBPath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(homeDir, dbPath)
	}
	st, err := store.Open(dbPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer func() { _ = st.Close() }()
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", dbPath)

	eventBus := bus.NewWithLogger(logger)

	queue, err := taskqueue.New(st, eventBus, logger, otelMetrics)
	if err != nil {
		fatalStartup(logger, "E_QUEUE_INIT", err)
	}

	staleHeartbeatMs := int64(cfg.HeartbeatIntervalMs) * 2
	fsm := agentfsm.New(queue, eventBus, logger, int64(cfg.AcceptanceTimeoutMs), staleHeartbeatMs)

	sched := scheduler.New(scheduler.Config{
		Queue:            queue,
		Agents:           fsm,
		EventBus:         eventBus,
		Resolver:         scheduler.StaticResolver{},
		Limiter:          scheduler.AllowAll{},
		Logger:           logger,
		Metrics:          otelMetrics,
		StuckThresholdMs: int64(cfg.StuckThresholdMs),
		TTLMs:            int64(cfg.TaskTTLMs),
		FallbackWaitMs:   int64(cfg.FallbackWaitMs),
	})

	// The three actors and the assignment relay are supervised by one
	// errgroup so shutdown can wait for every mailbox to drain instead of
	// racing the process exit against an in-flight closure.
	actors, actorsCtx := errgroup.WithContext(ctx)
	actors.Go(func() error { queue.Run(actorsCtx); return nil })
	actors.Go(func() error { fsm.Run(actorsCtx); return nil })
	actors.Go(func() error { sched.Run(actorsCtx); return nil })
	logger.Info("startup phase", "phase", "actors_started")

	backoffLadderMs := make([]int64, len(cfg.BackoffLadderMs))
	for i, ms := range cfg.BackoffLadderMs {
		backoffLadderMs[i] = int64(ms)
	}
	sessionServer, err := agentsession.NewServer(agentsession.ServerConfig{
		Queue:             queue,
		FSM:               fsm,
		Auth:              agentsession.AllowAllAuth{},
		EventBus:          eventBus,
		Store:             st,
		Logger:            logger,
		ViolationLimit:    cfg.ViolationThreshold,
		ViolationWindowMs: int64(cfg.ViolationWindowMs),
		BackoffLadderMs:   backoffLadderMs,
	})
	if err != nil {
		fatalStartup(logger, "E_SESSION_SERVER_INIT", err)
	}

	metricsRegistry := metrics.NewRegistry(queue, fsm, sessionServer.Registry())

	sweepRunner := sweep.NewRunner(logger)
	mustAddSweep(sweepRunner, "queue_overdue", cfg.OverdueSweepIntervalMs, func() { queue.OverdueSweep(ctx) })
	mustAddSweep(sweepRunner, "scheduler_stuck", cfg.StuckSweepIntervalMs, func() { sched.StuckSweep(ctx) })
	mustAddSweep(sweepRunner, "scheduler_ttl", cfg.TTLSweepIntervalMs, func() { sched.TTLSweep(ctx) })
	mustAddSweep(sweepRunner, "agent_reaper", reaperIntervalMs, func() { fsm.ReapStale(ctx) })
	sweepRunner.Start()
	defer sweepRunner.Stop()

	actors.Go(func() error {
		relayAssignments(actorsCtx, eventBus, queue, sessionServer.Registry(), logger)
		return nil
	})

	configWatcher := config.NewWatcher(*configPath, logger)
	if err := configWatcher.Start(actorsCtx); err != nil {
		logger.Error("config watcher failed to start; hot reload disabled", "error", err)
	} else {
		actors.Go(func() error {
			watchConfigReload(actorsCtx, configWatcher, *configPath, sessionServer, logger)
			return nil
		})
	}

	sched.RunPassNow(ctx)

	mux := http.NewServeMux()
	mux.Handle("/agents/ws", sessionServer.Handler())
	mux.Handle("/metrics", metricsRegistry.Handler())
	mux.HandleFunc("/healthz", handleHealthz)

	httpServer := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("hub listening", "addr", cfg.Listen)
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("hub server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	stop() // cancel the root ctx so actorsCtx tears down even on a serverErr path
	if err := actors.Wait(); err != nil {
		logger.Error("actor supervisor exited with error", "error", err)
	}
	logger.Info("shutdown complete")
}

// resolveHomeDir applies the flag/env/default precedence for the data
// directory, creating it if missing.
func resolveHomeDir(flagValue string) string {
	home := flagValue
	if home == "" {
		home = os.Getenv("AGENTCOM_HOME")
	}
	if home == "" {
		if userHome, err := os.UserHomeDir(); err == nil {
			home = filepath.Join(userHome, ".agentcom")
		} else {
			home = ".agentcom"
		}
	}
	_ = os.MkdirAll(home, 0o755)
	return home
}

func mustAddSweep(r *sweep.Runner, name string, intervalMs int, fn func()) {
	if intervalMs <= 0 {
		intervalMs = 30_000
	}
	if err := r.AddIntervalFunc(name, intervalMs, fn); err != nil {
		fatalStartup(slog.Default(), "E_SWEEP_REGISTER", err)
	}
}

// relayAssignments subscribes to tasks.assigned and forwards each newly
// assigned task to the agent's live session, bridging the Queue/Scheduler's
// event-bus announcement to the per-connection push the transport owns. It
// blocks until ctx is cancelled, so it can run as one more goroutine in the
// actor errgroup alongside the Queue/FSM/Scheduler run loops.
func relayAssignments(ctx context.Context, eventBus *bus.Bus, queue *taskqueue.Queue, registry *agentsession.Registry, logger *slog.Logger) {
	sub := eventBus.Subscribe(bus.TopicTaskAssigned)
	defer eventBus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			te, ok := ev.Payload.(bus.TaskEvent)
			if !ok {
				continue
			}
			task, err := queue.Get(ctx, te.TaskID)
			if err != nil || task.AssignedTo == "" {
				continue
			}
			delivered := registry.PushAssign(ctx, task.AssignedTo, func(s *agentsession.Session) {
				s.PushAssign(ctx, task)
			})
			if !delivered {
				logger.Warn("assignment push had no live session", "task_id", te.TaskID, "agent_id", task.AssignedTo)
			}
		}
	}
}

// watchConfigReload re-reads configPath on every fsnotify event and pushes
// the violation/backoff tunables into the session server. DBPath, Listen,
// and the actor-constructor tunables (acceptance timeout, stale heartbeat,
// sweep intervals) are fixed at startup and intentionally not live-reloaded:
// changing them would mean re-binding a listener or rebuilding an actor
// mid-flight, well past what a config watcher should do on its own.
func watchConfigReload(ctx context.Context, w *config.Watcher, configPath string, sessionServer *agentsession.Server, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-w.Events():
			if !ok {
				return
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				logger.Error("config reload failed; keeping previous tunables", "error", err)
				continue
			}
			backoffLadderMs := make([]int64, len(cfg.BackoffLadderMs))
			for i, ms := range cfg.BackoffLadderMs {
				backoffLadderMs[i] = int64(ms)
			}
			sessionServer.UpdateTunables(cfg.ViolationThreshold, int64(cfg.ViolationWindowMs), backoffLadderMs)
			logger.Info("config reloaded", "path", configPath)
		}
	}
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, message)
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, `{"timestamp":"%s","level":"ERROR","component":"runtime","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano), reasonCode, message)
	}
	os.Exit(1)
}
