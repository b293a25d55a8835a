package otelobs

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the task-lifecycle instruments the scheduler and pool
// report against (spec §4.2 dispatch, §4.5 tick phases).
type Metrics struct {
	TaskDuration     metric.Float64Histogram
	TasksClaimed     metric.Int64Counter
	TasksCompleted   metric.Int64Counter
	TasksFailed      metric.Int64Counter
	DispatchBacklog  metric.Int64ObservableGauge
	DispatchHeadroom metric.Int64ObservableGauge
}

// NewMetrics creates every instrument from meter. backlog/headroom are
// callback-populated observable gauges; callers register their callback
// via meter.RegisterCallback once the pool/store are available.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.TaskDuration, err = meter.Float64Histogram("goclaw.task.duration",
		metric.WithDescription("Task end-to-end duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.TasksClaimed, err = meter.Int64Counter("goclaw.task.claimed",
		metric.WithDescription("Tasks claimed off the pending queue"),
	); err != nil {
		return nil, err
	}

	if m.TasksCompleted, err = meter.Int64Counter("goclaw.task.completed",
		metric.WithDescription("Tasks that completed successfully"),
	); err != nil {
		return nil, err
	}

	if m.TasksFailed, err = meter.Int64Counter("goclaw.task.failed",
		metric.WithDescription("Tasks that reached the failed terminal state"),
	); err != nil {
		return nil, err
	}

	if m.DispatchBacklog, err = meter.Int64ObservableGauge("goclaw.dispatch.backlog",
		metric.WithDescription("Pending tasks not yet claimed, by queue type"),
	); err != nil {
		return nil, err
	}

	if m.DispatchHeadroom, err = meter.Int64ObservableGauge("goclaw.dispatch.headroom",
		metric.WithDescription("Free worker slots remaining, by queue type"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// RegisterDispatchGauges wires backlogFn/headroomFn as the callbacks for
// DispatchBacklog/DispatchHeadroom — the composition root supplies
// closures reading live queue depth and free worker slots off the store
// and pool (spec §4.2/§4.5), since the metric package owns no state of
// its own to observe.
func (m *Metrics) RegisterDispatchGauges(meter metric.Meter, backlogFn, headroomFn func() int64) (metric.Registration, error) {
	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.DispatchBacklog, backlogFn())
		o.ObserveInt64(m.DispatchHeadroom, headroomFn())
		return nil
	}, m.DispatchBacklog, m.DispatchHeadroom)
}
