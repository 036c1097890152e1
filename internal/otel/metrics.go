package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the instruments every actor records against.
type Metrics struct {
	TaskSubmitDuration   metric.Float64Histogram
	TaskAssignDuration   metric.Float64Histogram
	TaskCompleteDuration metric.Float64Histogram
	ReclaimsTotal        metric.Int64Counter
	RetriesTotal         metric.Int64Counter
	DeadLettersTotal     metric.Int64Counter
	ExpiredTotal         metric.Int64Counter
	BusDropsTotal        metric.Int64Counter
	MailboxDepth         metric.Int64Histogram
	ViolationsTotal      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskSubmitDuration, err = meter.Float64Histogram("agentcom.task.submit.duration",
		metric.WithDescription("Queue.submit call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskAssignDuration, err = meter.Float64Histogram("agentcom.task.assign.duration",
		metric.WithDescription("Scheduler-to-Queue assign_task round trip in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskCompleteDuration, err = meter.Float64Histogram("agentcom.task.lifetime",
		metric.WithDescription("Wall time from submit to terminal status in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ReclaimsTotal, err = meter.Int64Counter("agentcom.task.reclaims",
		metric.WithDescription("Task reclaims, by reason"),
	)
	if err != nil {
		return nil, err
	}

	m.RetriesTotal, err = meter.Int64Counter("agentcom.task.retries",
		metric.WithDescription("Task retries returned to the queue after failure"),
	)
	if err != nil {
		return nil, err
	}

	m.DeadLettersTotal, err = meter.Int64Counter("agentcom.task.dead_letters",
		metric.WithDescription("Tasks moved to dead-letter after exhausting retries"),
	)
	if err != nil {
		return nil, err
	}

	m.ExpiredTotal, err = meter.Int64Counter("agentcom.task.expired",
		metric.WithDescription("Queued tasks expired by the TTL sweep"),
	)
	if err != nil {
		return nil, err
	}

	m.BusDropsTotal, err = meter.Int64Counter("agentcom.bus.drops",
		metric.WithDescription("Events dropped due to a full subscriber buffer"),
	)
	if err != nil {
		return nil, err
	}

	m.MailboxDepth, err = meter.Int64Histogram("agentcom.actor.mailbox_depth",
		metric.WithDescription("Observed depth of an actor's inbound request channel"),
	)
	if err != nil {
		return nil, err
	}

	m.ViolationsTotal, err = meter.Int64Counter("agentcom.session.violations",
		metric.WithDescription("Protocol violations recorded across all agent sessions"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
