package metrics

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/agentcom/agentcom/internal/agentfsm"
	"github.com/agentcom/agentcom/internal/taskqueue"
)

type fakeQueueStats struct {
	stats taskqueue.Stats
	err   error
}

func (f fakeQueueStats) Stats(_ context.Context) (taskqueue.Stats, error) {
	return f.stats, f.err
}

type fakeAgentStats struct {
	agents []*agentfsm.Agent
}

func (f fakeAgentStats) ListAll(_ context.Context) ([]*agentfsm.Agent, error) {
	return f.agents, nil
}

type fakeSessionStats struct {
	count int
}

func (f fakeSessionStats) Count() int { return f.count }

func TestCollector_CollectReportsQueueAgentAndSessionGauges(t *testing.T) {
	queue := fakeQueueStats{stats: taskqueue.Stats{
		ByStatus:   map[taskqueue.Status]int{taskqueue.StatusQueued: 3, taskqueue.StatusAssigned: 1},
		ByPriority: map[taskqueue.Priority]int{taskqueue.PriorityHigh: 2},
		DeadLetter: 5,
	}}
	agents := fakeAgentStats{agents: []*agentfsm.Agent{
		{ID: "a1", State: agentfsm.StateIdle},
		{ID: "a2", State: agentfsm.StateWorking},
	}}
	sessions := fakeSessionStats{count: 2}

	c := NewCollector(queue, agents, sessions)

	count := testutil.CollectAndCount(c)
	// taskQueueDepth(2) + taskQueuePriority(1) + deadLetterSize(1) +
	// agentsByState(2) + liveSessions(1) + violationsTotal(1) = 8
	if count != 8 {
		t.Fatalf("metric count = %d, want 8", count)
	}

	if err := testutil.CollectAndCompare(c, strings.NewReader(`
# HELP agentcom_dead_letter_size Number of tasks in the dead-letter table.
# TYPE agentcom_dead_letter_size gauge
agentcom_dead_letter_size 5
`), "agentcom_dead_letter_size"); err != nil {
		t.Fatalf("unexpected dead letter gauge: %v", err)
	}

	if err := testutil.CollectAndCompare(c, strings.NewReader(`
# HELP agentcom_live_sessions Number of open agent websocket sessions.
# TYPE agentcom_live_sessions gauge
agentcom_live_sessions 2
`), "agentcom_live_sessions"); err != nil {
		t.Fatalf("unexpected live sessions gauge: %v", err)
	}
}

func TestCollector_CollectToleratesNilCollaborators(t *testing.T) {
	c := NewCollector(nil, nil, nil)
	// Should not panic with every source absent; only violationsTotal reports.
	count := testutil.CollectAndCount(c)
	if count != 1 {
		t.Fatalf("metric count = %d, want 1 (violations only)", count)
	}
}

func TestEventCounters_TasksSubmittedIncrementsByPriority(t *testing.T) {
	reg := NewRegistry(nil, nil, nil)
	reg.Events.TasksSubmitted.WithLabelValues("high").Inc()
	reg.Events.TasksSubmitted.WithLabelValues("high").Inc()
	reg.Events.TasksSubmitted.WithLabelValues("low").Inc()

	if got := testutil.ToFloat64(reg.Events.TasksSubmitted.WithLabelValues("high")); got != 2 {
		t.Fatalf("high priority submitted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(reg.Events.TasksSubmitted.WithLabelValues("low")); got != 1 {
		t.Fatalf("low priority submitted = %v, want 1", got)
	}
}
