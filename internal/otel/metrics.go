package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all authcore metric instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	TaskRunDuration metric.Float64Histogram
	TaskQueueWait   metric.Float64Histogram
	TasksFinished   metric.Int64Counter
	QueueRejects    metric.Int64Counter
	CallDuration    metric.Float64Histogram
	CredentialOps   metric.Int64Counter
	GateConflicts   metric.Int64Counter
	LiveConnections metric.Int64UpDownCounter
	EventsBroadcast metric.Int64Counter
	EventsDropped   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskRunDuration, err = meter.Float64Histogram("authcore.task.run_duration",
		metric.WithDescription("Time from task start to finish in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskQueueWait, err = meter.Float64Histogram("authcore.task.queue_wait",
		metric.WithDescription("Time a task spent queued before starting in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFinished, err = meter.Int64Counter("authcore.task.finished",
		metric.WithDescription("Tasks that reached the finished state"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueRejects, err = meter.Int64Counter("authcore.queue.rejects",
		metric.WithDescription("Submissions rejected by queue backpressure"),
	)
	if err != nil {
		return nil, err
	}

	m.CallDuration, err = meter.Float64Histogram("authcore.call.duration",
		metric.WithDescription("Dispatched remote call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.CredentialOps, err = meter.Int64Counter("authcore.credential.operations",
		metric.WithDescription("Completed exclusive credential operations"),
	)
	if err != nil {
		return nil, err
	}

	m.GateConflicts, err = meter.Int64Counter("authcore.credential.conflicts",
		metric.WithDescription("Exclusive operations rejected because another was pending"),
	)
	if err != nil {
		return nil, err
	}

	m.LiveConnections, err = meter.Int64UpDownCounter("authcore.subscription.connections",
		metric.WithDescription("Open live connections held by the subscription hub"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsBroadcast, err = meter.Int64Counter("authcore.subscription.broadcast",
		metric.WithDescription("Inbound events delivered to subscribers"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsDropped, err = meter.Int64Counter("authcore.subscription.dropped",
		metric.WithDescription("Inbound events dropped because translation failed"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordTask records queue wait and run time for a finished task.
func (m *Metrics) RecordTask(ctx context.Context, queue string, wait, run time.Duration, failed bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrQueue.String(queue), attribute.Bool("failed", failed))
	m.TaskQueueWait.Record(ctx, wait.Seconds(), attrs)
	m.TaskRunDuration.Record(ctx, run.Seconds(), attrs)
	m.TasksFinished.Add(ctx, 1, attrs)
}

// RecordReject counts a backpressure rejection.
func (m *Metrics) RecordReject(ctx context.Context, queue string) {
	if m == nil {
		return
	}
	m.QueueRejects.Add(ctx, 1, metric.WithAttributes(AttrQueue.String(queue)))
}

// RecordCall records the end-to-end duration of a dispatched call.
func (m *Metrics) RecordCall(ctx context.Context, name, queue string, d time.Duration, errClass string) {
	if m == nil {
		return
	}
	m.CallDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		AttrCall.String(name), AttrQueue.String(queue), AttrErrorClass.String(errClass),
	))
}

// RecordCredentialOp counts a finished exclusive operation.
func (m *Metrics) RecordCredentialOp(ctx context.Context, kind string, ok bool) {
	if m == nil {
		return
	}
	m.CredentialOps.Add(ctx, 1, metric.WithAttributes(AttrOperation.String(kind), attribute.Bool("ok", ok)))
}

// RecordConflict counts a gate rejection.
func (m *Metrics) RecordConflict(ctx context.Context, attempted, running string) {
	if m == nil {
		return
	}
	m.GateConflicts.Add(ctx, 1, metric.WithAttributes(
		AttrOperation.String(attempted), attribute.String("authcore.credential.running", running),
	))
}

// ConnectionOpened / ConnectionClosed track live hub connections.
func (m *Metrics) ConnectionOpened(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.LiveConnections.Add(ctx, 1, metric.WithAttributes(AttrEventType.String(eventType)))
}

func (m *Metrics) ConnectionClosed(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.LiveConnections.Add(ctx, -1, metric.WithAttributes(AttrEventType.String(eventType)))
}

// RecordBroadcast counts deliveries of one inbound event.
func (m *Metrics) RecordBroadcast(ctx context.Context, eventType string, subscribers int) {
	if m == nil {
		return
	}
	m.EventsBroadcast.Add(ctx, int64(subscribers), metric.WithAttributes(AttrEventType.String(eventType)))
}

// RecordDrop counts an inbound event that could not be translated.
func (m *Metrics) RecordDrop(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.EventsDropped.Add(ctx, 1, metric.WithAttributes(AttrEventType.String(eventType)))
}
