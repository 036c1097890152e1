// Package metrics exposes a Prometheus scrape endpoint alongside the OTLP
// push pipeline in internal/otel. Grounded on the teacher's dual
// /metrics (JSON) + /metrics/prometheus (text exposition) gateway
// endpoints, rebuilt on an actual prometheus.Registry + promhttp handler
// the way divinesense's ai/metrics.PrometheusExporter wires one, rather
// than the teacher's hand-formatted fmt.Fprintf lines.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentcom/agentcom/internal/agentfsm"
	"github.com/agentcom/agentcom/internal/audit"
	"github.com/agentcom/agentcom/internal/taskqueue"
)

// QueueStatsSource is the subset of taskqueue.Queue the collector scrapes.
type QueueStatsSource interface {
	Stats(ctx context.Context) (taskqueue.Stats, error)
}

// AgentStatsSource is the subset of agentfsm.FSM the collector scrapes.
type AgentStatsSource interface {
	ListAll(ctx context.Context) ([]*agentfsm.Agent, error)
}

// SessionStatsSource reports the number of live agent-session connections.
type SessionStatsSource interface {
	Count() int
}

const scrapeTimeout = 2 * time.Second

var (
	taskQueueDepth = prometheus.NewDesc(
		"agentcom_tasks_by_status",
		"Number of tasks currently in each lifecycle status.",
		[]string{"status"}, nil,
	)
	taskQueuePriority = prometheus.NewDesc(
		"agentcom_tasks_by_priority",
		"Number of tasks currently queued at each priority tier.",
		[]string{"priority"}, nil,
	)
	deadLetterSize = prometheus.NewDesc(
		"agentcom_dead_letter_size",
		"Number of tasks in the dead-letter table.",
		nil, nil,
	)
	agentsByState = prometheus.NewDesc(
		"agentcom_agents_by_state",
		"Number of connected agents in each lifecycle state.",
		[]string{"state"}, nil,
	)
	liveSessions = prometheus.NewDesc(
		"agentcom_live_sessions",
		"Number of open agent websocket sessions.",
		nil, nil,
	)
	violationsTotal = prometheus.NewDesc(
		"agentcom_violations_total",
		"Cumulative protocol violations recorded across all sessions.",
		nil, nil,
	)
)

// Collector pulls live state from the Queue, FSM, and session registry on
// every scrape rather than caching gauges, mirroring the teacher's
// handlePrometheusMetrics/handleMetrics handlers reading straight from the
// store and registry per request.
type Collector struct {
	queue    QueueStatsSource
	agents   AgentStatsSource
	sessions SessionStatsSource
}

// NewCollector builds a Collector. sessions may be nil if no session
// registry is wired (e.g. a queue-only test harness).
func NewCollector(queue QueueStatsSource, agents AgentStatsSource, sessions SessionStatsSource) *Collector {
	return &Collector{queue: queue, agents: agents, sessions: sessions}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- taskQueueDepth
	ch <- taskQueuePriority
	ch <- deadLetterSize
	ch <- agentsByState
	ch <- liveSessions
	ch <- violationsTotal
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
	defer cancel()

	if c.queue != nil {
		if stats, err := c.queue.Stats(ctx); err == nil {
			for status, n := range stats.ByStatus {
				ch <- prometheus.MustNewConstMetric(taskQueueDepth, prometheus.GaugeValue, float64(n), string(status))
			}
			for priority, n := range stats.ByPriority {
				ch <- prometheus.MustNewConstMetric(taskQueuePriority, prometheus.GaugeValue, float64(n), string(priority))
			}
			ch <- prometheus.MustNewConstMetric(deadLetterSize, prometheus.GaugeValue, float64(stats.DeadLetter))
		}
	}

	if c.agents != nil {
		if agents, err := c.agents.ListAll(ctx); err == nil {
			counts := make(map[agentfsm.State]int, 5)
			for _, a := range agents {
				counts[a.State]++
			}
			for state, n := range counts {
				ch <- prometheus.MustNewConstMetric(agentsByState, prometheus.GaugeValue, float64(n), string(state))
			}
		}
	}

	if c.sessions != nil {
		ch <- prometheus.MustNewConstMetric(liveSessions, prometheus.GaugeValue, float64(c.sessions.Count()))
	}

	ch <- prometheus.MustNewConstMetric(violationsTotal, prometheus.CounterValue, float64(audit.ViolationCount()))
}

// EventCounters holds the cumulative Prometheus counters that mirror the
// OTel instruments in internal/otel, so a scrape gets the same task
// lifecycle totals without depending on an OTLP collector being reachable.
type EventCounters struct {
	TasksSubmitted *prometheus.CounterVec
	Reclaims       *prometheus.CounterVec
	Retries        prometheus.Counter
	DeadLetters    prometheus.Counter
	Expired        prometheus.Counter
	BusDrops       *prometheus.CounterVec
}

// NewEventCounters registers the event counters on reg.
func NewEventCounters(reg prometheus.Registerer) *EventCounters {
	c := &EventCounters{
		TasksSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcom_tasks_submitted_total",
			Help: "Tasks submitted, by priority.",
		}, []string{"priority"}),
		Reclaims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcom_task_reclaims_total",
			Help: "Task reclaims, by reason.",
		}, []string{"reason"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentcom_task_retries_total",
			Help: "Task retries returned to the queue after failure.",
		}),
		DeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentcom_task_dead_letters_total",
			Help: "Tasks moved to dead-letter after exhausting retries.",
		}),
		Expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentcom_task_expired_total",
			Help: "Queued tasks expired by the TTL sweep.",
		}),
		BusDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcom_bus_drops_total",
			Help: "Events dropped due to a full subscriber buffer, by topic.",
		}, []string{"topic"}),
	}
	reg.MustRegister(c.TasksSubmitted, c.Reclaims, c.Retries, c.DeadLetters, c.Expired, c.BusDrops)
	return c
}

// Registry bundles the registry, collector, and event counters cmd/agentcomd
// wires at startup and hands to the queue/scheduler/bus call sites.
type Registry struct {
	reg      *prometheus.Registry
	Events   *EventCounters
	collectr *Collector
}

// NewRegistry builds a fresh registry, registers process/Go runtime
// collectors the way client_golang's default registry does, and attaches
// the live-state Collector plus event counters.
func NewRegistry(queue QueueStatsSource, agents AgentStatsSource, sessions SessionStatsSource) *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	collectr := NewCollector(queue, agents, sessions)
	reg.MustRegister(collectr)

	return &Registry{
		reg:      reg,
		Events:   NewEventCounters(reg),
		collectr: collectr,
	}
}

// Handler returns the scrape endpoint handler.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
