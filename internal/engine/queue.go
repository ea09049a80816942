// Package engine runs tasks under admission control. A Queue rejects work
// once its depth bound is reached and runs at most MaxConcurrency tasks at a
// time in submission order, holding back tasks whose dependencies have not
// finished yet.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/authcore/internal/apperr"
	"github.com/basket/authcore/internal/bus"
	"github.com/basket/authcore/internal/otel"
	"github.com/basket/authcore/internal/shared"
	"github.com/basket/authcore/internal/task"
)

const (
	DefaultMaxQueueDepth       = 10
	DefaultParallelConcurrency = 3
)

type Config struct {
	Name           string
	MaxQueueDepth  int
	MaxConcurrency int
	Bus            *bus.Bus
	Metrics        *otel.Metrics
	Logger         *slog.Logger
}

// Status is a point-in-time view of a queue for diagnostics.
type Status struct {
	Name           string `json:"name"`
	MaxQueueDepth  int    `json:"max_queue_depth"`
	MaxConcurrency int    `json:"max_concurrency"`
	OperationCount int    `json:"operation_count"`
	Running        int    `json:"running"`
	Rejected       int64  `json:"rejected"`
	Completed      int64  `json:"completed"`
}

type Queue struct {
	name    string
	bus     *bus.Bus
	metrics *otel.Metrics
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	depth       int
	concurrency int
	pending     []*task.Task
	active      []*task.Task
	rejected    int64
	completed   int64
	idle        chan struct{}
}

func NewQueue(cfg Config) *Queue {
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = DefaultMaxQueueDepth
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.Name == "" {
		cfg.Name = "queue"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		name:        cfg.Name,
		bus:         cfg.Bus,
		metrics:     cfg.Metrics,
		logger:      logger.With("queue", cfg.Name),
		ctx:         ctx,
		cancel:      cancel,
		depth:       cfg.MaxQueueDepth,
		concurrency: cfg.MaxConcurrency,
	}
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) MaxQueueDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth
}

func (q *Queue) MaxConcurrency() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.concurrency
}

// OperationCount is the number of queued plus running tasks.
func (q *Queue) OperationCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + len(q.active)
}

// Tasks returns the running tasks followed by the queued ones in FIFO order.
func (q *Queue) Tasks() []*task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*task.Task, 0, len(q.active)+len(q.pending))
	out = append(out, q.active...)
	out = append(out, q.pending...)
	return out
}

func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Status{
		Name:           q.name,
		MaxQueueDepth:  q.depth,
		MaxConcurrency: q.concurrency,
		OperationCount: len(q.pending) + len(q.active),
		Running:        len(q.active),
		Rejected:       q.rejected,
		Completed:      q.completed,
	}
}

// AddTask admits t or fails immediately with apperr.ErrQueueSaturated.
func (q *Queue) AddTask(t *task.Task) error {
	return q.admit([]*task.Task{t})
}

// AddTasks admits the whole batch or none of it. When waitUntilFinished is
// set it blocks until every task has finished or ctx ends.
func (q *Queue) AddTasks(ctx context.Context, tasks []*task.Task, waitUntilFinished bool) error {
	if len(tasks) == 0 {
		return nil
	}
	if err := q.admit(tasks); err != nil {
		return err
	}
	if !waitUntilFinished {
		return nil
	}
	for _, t := range tasks {
		select {
		case <-t.Finished():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (q *Queue) admit(tasks []*task.Task) error {
	for _, t := range tasks {
		if t == nil {
			return fmt.Errorf("queue %s: nil task", q.name)
		}
	}

	q.mu.Lock()
	count := len(q.pending) + len(q.active)
	if count >= q.depth || count+len(tasks) > q.depth {
		q.rejected++
		depth := q.depth
		q.mu.Unlock()

		q.logger.Warn("queue backpressure applied", "operation_count", count, "batch", len(tasks), "max", depth)
		q.metrics.RecordReject(q.ctx, q.name)
		for _, t := range tasks {
			q.bus.Publish(bus.TopicTaskRejected, bus.TaskEvent{TaskID: t.ID(), Name: t.Name(), Queue: q.name, State: t.State().String()})
		}
		return fmt.Errorf("queue %s at depth %d/%d: %w", q.name, count, depth, apperr.ErrQueueSaturated)
	}
	for _, t := range tasks {
		t.MarkQueued()
		t.BeforeFinish(q.release)
		q.pending = append(q.pending, t)
		if !dependenciesFinished(t) {
			go q.awaitDependencies(t)
		}
	}
	q.dispatchLocked()
	q.mu.Unlock()

	for _, t := range tasks {
		q.bus.Publish(bus.TopicTaskQueued, bus.TaskEvent{TaskID: t.ID(), Name: t.Name(), Queue: q.name, State: "queued"})
	}
	return nil
}

// dispatchLocked starts pending tasks while slots are free, oldest ready
// task first. A task is ready once all its dependencies have finished.
// Caller holds q.mu.
func (q *Queue) dispatchLocked() {
	for len(q.active) < q.concurrency {
		i := q.nextReadyLocked()
		if i < 0 {
			return
		}
		t := q.pending[i]
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		q.active = append(q.active, t)
		go q.run(t)
	}
}

func (q *Queue) nextReadyLocked() int {
	for i, t := range q.pending {
		if dependenciesFinished(t) {
			return i
		}
	}
	return -1
}

func dependenciesFinished(t *task.Task) bool {
	if t.Cancelled() {
		return true
	}
	for _, d := range t.Dependencies() {
		if d.State() != task.StateFinished {
			return false
		}
	}
	return true
}

// awaitDependencies re-runs dispatch once every dependency of t has
// finished, which may happen on another queue, or once t is cancelled.
func (q *Queue) awaitDependencies(t *task.Task) {
wait:
	for _, d := range t.Dependencies() {
		select {
		case <-d.Finished():
		case <-t.CancelRequested():
			break wait
		case <-q.ctx.Done():
			return
		}
	}
	q.mu.Lock()
	q.dispatchLocked()
	q.mu.Unlock()
}

func (q *Queue) run(t *task.Task) {
	ctx := shared.WithTaskID(q.ctx, t.ID())
	q.bus.Publish(bus.TopicTaskStarted, bus.TaskEvent{TaskID: t.ID(), Name: t.Name(), Queue: q.name, State: "executing"})

	t.Start(ctx)
	t.Done(nil)
	// Tasks admitted already finished never fire their release hook.
	q.release(t)

	err := t.Err()
	q.metrics.RecordTask(ctx, q.name, t.QueueWait(), t.RunDuration(), err != nil)
	ev := bus.TaskEvent{
		TaskID:    t.ID(),
		Name:      t.Name(),
		Queue:     q.name,
		State:     t.State().String(),
		QueueWait: t.QueueWait(),
		RunTime:   t.RunDuration(),
	}
	if err != nil {
		ev.Error = err.Error()
		q.logger.Debug("task finished with error", "task_id", t.ID(), "name", t.Name(), "error_class", string(apperr.Classify(err)))
	}
	q.bus.Publish(bus.TopicTaskFinished, ev)
}

// release frees t's slot and starts whatever can run next. It runs from
// t's BeforeFinish hook, so the slot is free before t.Finished closes.
// Later calls for the same task are no-ops.
func (q *Queue) release(t *task.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !removeTask(&q.active, t) && !removeTask(&q.pending, t) {
		return
	}
	q.completed++
	q.dispatchLocked()
	if len(q.active) == 0 && len(q.pending) == 0 && q.idle != nil {
		close(q.idle)
		q.idle = nil
	}
}

func removeTask(list *[]*task.Task, t *task.Task) bool {
	for i, x := range *list {
		if x == t {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return true
		}
	}
	return false
}

// Reconfigure changes the depth bound and concurrency. Work already admitted
// is kept even if it exceeds a lowered bound.
func (q *Queue) Reconfigure(maxQueueDepth, maxConcurrency int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if maxQueueDepth > 0 {
		q.depth = maxQueueDepth
	}
	if maxConcurrency > 0 {
		q.concurrency = maxConcurrency
	}
	q.dispatchLocked()
}

// Drain waits up to timeout for all admitted work to finish. It reports
// whether the queue became idle.
func (q *Queue) Drain(timeout time.Duration) bool {
	q.mu.Lock()
	if len(q.active) == 0 && len(q.pending) == 0 {
		q.mu.Unlock()
		return true
	}
	if q.idle == nil {
		q.idle = make(chan struct{})
	}
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		q.logger.Info("queue drained cleanly")
		return true
	case <-time.After(timeout):
		q.logger.Warn("queue drain timeout", "timeout", timeout, "operation_count", q.OperationCount())
		return false
	}
}

// Close cancels the context handed to running tasks. Queued tasks still start
// and observe the cancelled context.
func (q *Queue) Close() {
	q.cancel()
}
