// Package task is the unit of asynchronous work run by the engine queues.
//
// A Task moves ready -> executing -> finished and never leaves finished.
// Cancellation is only honoured while the task is still ready; work that is
// already executing is bounded by the caller's context instead.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/authcore/internal/apperr"
)

type State int32

const (
	StateReady State = iota
	StateExecuting
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateExecuting:
		return "executing"
	case StateFinished:
		return "finished"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Func is the body of a task. Its returned error is recorded by Done.
type Func func(ctx context.Context, t *Task) error

// Task carries one unit of work, its dependencies and its result slot.
type Task struct {
	id    string
	name  string
	fn    Func
	deps  []*Task
	now   func() time.Time
	prep  func(deps []*Task) error
	check func(deps []*Task) error

	mu         sync.Mutex
	state      State
	claimed    bool
	cancelled  bool
	err        error
	output     any
	createdAt  time.Time
	queuedAt   time.Time
	startedAt  time.Time
	finishedAt time.Time
	onFinish   []func(*Task)
	release    []func(*Task)
	finished   chan struct{}
	cancelCh   chan struct{}
}

type Option func(*Task)

// WithDependencies sets the ordered list of tasks this one depends on.
func WithDependencies(deps ...*Task) Option {
	return func(t *Task) {
		for _, d := range deps {
			if d != nil {
				t.deps = append(t.deps, d)
			}
		}
	}
}

// WithPrepare registers a hook run at start, before preconditions, that
// builds this task's input from its dependencies. A returned error finishes
// the task with a precondition error.
func WithPrepare(fn func(deps []*Task) error) Option {
	return func(t *Task) { t.prep = fn }
}

// WithPreconditions replaces the default dependency check.
func WithPreconditions(fn func(deps []*Task) error) Option {
	return func(t *Task) { t.check = fn }
}

func WithClock(now func() time.Time) Option {
	return func(t *Task) {
		if now != nil {
			t.now = now
		}
	}
}

// OnFinish registers a callback fired once, after the task is finished.
func OnFinish(fn func(*Task)) Option {
	return func(t *Task) {
		if fn != nil {
			t.onFinish = append(t.onFinish, fn)
		}
	}
}

func New(name string, fn Func, opts ...Option) *Task {
	t := &Task{
		id:       uuid.NewString(),
		name:     name,
		fn:       fn,
		now:      time.Now,
		finished: make(chan struct{}),
		cancelCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.createdAt = t.now()
	return t
}

func (t *Task) ID() string   { return t.id }
func (t *Task) Name() string { return t.name }

// Dependencies returns a copy of the dependency list.
func (t *Task) Dependencies() []*Task {
	return append([]*Task(nil), t.deps...)
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Err returns the recorded error. It is only meaningful once finished.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Output returns the value stored by SetOutput.
func (t *Task) Output() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.output
}

func (t *Task) SetOutput(v any) {
	t.mu.Lock()
	t.output = v
	t.mu.Unlock()
}

// Finished is closed when the task reaches StateFinished.
func (t *Task) Finished() <-chan struct{} {
	return t.finished
}

// CancelRequested is closed when Cancel succeeds.
func (t *Task) CancelRequested() <-chan struct{} {
	return t.cancelCh
}

// BeforeFinish registers fn to run once the task is marked finished but
// before Finished is closed and OnFinish callbacks fire. Queues use it to
// free the task's slot before waiters wake. Registering on a task that has already finished has no effect.
func (t *Task) BeforeFinish(fn func(*Task)) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateFinished {
		return
	}
	t.release = append(t.release, fn)
}

// Wait blocks until the task finishes or ctx ends.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.finished:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel marks a ready task as cancelled. It reports whether the flag was
// set; tasks that have started or finished ignore it.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateReady || t.claimed {
		return false
	}
	if !t.cancelled {
		t.cancelled = true
		close(t.cancelCh)
	}
	return true
}

// MarkQueued records admission time. Queues call it once on submit.
func (t *Task) MarkQueued() {
	t.mu.Lock()
	if t.queuedAt.IsZero() {
		t.queuedAt = t.now()
	}
	t.mu.Unlock()
}

// Start runs the task once. It is a no-op unless the task is ready.
func (t *Task) Start(ctx context.Context) {
	t.mu.Lock()
	if t.state != StateReady || t.claimed {
		t.mu.Unlock()
		return
	}
	t.claimed = true
	t.startedAt = t.now()
	cancelled := t.cancelled
	t.mu.Unlock()

	if cancelled {
		t.Done(nil)
		return
	}
	if t.prep != nil {
		if err := t.prep(t.Dependencies()); err != nil {
			t.Done(apperr.Wrap(apperr.ErrPrecondition, err))
			return
		}
	}
	if err := t.EvaluatePreconditions(); err != nil {
		t.Done(apperr.Wrap(apperr.ErrPrecondition, err))
		return
	}

	t.mu.Lock()
	t.state = StateExecuting
	t.mu.Unlock()

	if t.fn == nil {
		t.Done(nil)
		return
	}
	err := t.runSafe(ctx)
	t.Done(err)
}

func (t *Task) runSafe(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperr.Wrap(apperr.ErrFatal, fmt.Errorf("task %s panicked: %v", t.name, r))
		}
	}()
	return t.fn(ctx, t)
}

// EvaluatePreconditions returns nil when every dependency finished without
// error, or the registered override's verdict.
func (t *Task) EvaluatePreconditions() error {
	if t.check != nil {
		return t.check(t.Dependencies())
	}
	return DependenciesSucceeded(t.deps)
}

// DependenciesSucceeded is the default precondition.
func DependenciesSucceeded(deps []*Task) error {
	for _, d := range deps {
		if d.State() != StateFinished {
			return fmt.Errorf("dependency %s (%s) has not finished", d.Name(), d.ID())
		}
		if err := d.Err(); err != nil {
			return fmt.Errorf("dependency %s (%s) failed: %v", d.Name(), d.ID(), err)
		}
	}
	return nil
}

// Done finishes the task with err. Only the first call has any effect.
// BeforeFinish hooks run first, then Finished is closed, then the OnFinish
// callbacks fire.
func (t *Task) Done(err error) {
	t.mu.Lock()
	if t.state == StateFinished {
		t.mu.Unlock()
		return
	}
	t.state = StateFinished
	t.claimed = true
	t.err = err
	t.finishedAt = t.now()
	if t.startedAt.IsZero() {
		t.startedAt = t.finishedAt
	}
	release := t.release
	callbacks := t.onFinish
	t.release = nil
	t.onFinish = nil
	t.mu.Unlock()

	for _, fn := range release {
		fn(t)
	}
	close(t.finished)
	for _, cb := range callbacks {
		cb(t)
	}
}

func (t *Task) CreatedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.createdAt
}

func (t *Task) QueuedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queuedAt
}

func (t *Task) StartedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startedAt
}

func (t *Task) FinishedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finishedAt
}

// RunDuration is the time between start and finish.
func (t *Task) RunDuration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finishedAt.IsZero() || t.startedAt.IsZero() {
		return 0
	}
	return t.finishedAt.Sub(t.startedAt)
}

// QueueWait is the time between admission and start.
func (t *Task) QueueWait() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.queuedAt.IsZero() || t.startedAt.IsZero() {
		return 0
	}
	return t.startedAt.Sub(t.queuedAt)
}

// ErrNoOutput is returned by OutputAs when a dependency stored nothing.
var ErrNoOutput = errors.New("task has no output")

// OutputAs returns t's output as T.
func OutputAs[T any](t *Task) (T, error) {
	var zero T
	out := t.Output()
	if out == nil {
		return zero, fmt.Errorf("%w: %s", ErrNoOutput, t.Name())
	}
	v, ok := out.(T)
	if !ok {
		return zero, fmt.Errorf("task %s output is %T, want %T", t.Name(), out, zero)
	}
	return v, nil
}

// MergeInputs folds the map outputs of deps into one map in dependency order;
// later dependencies win on key conflicts. Dependencies whose output is not a
// map[string]V are skipped.
func MergeInputs[V any](deps []*Task) map[string]V {
	merged := make(map[string]V)
	for _, d := range deps {
		m, ok := d.Output().(map[string]V)
		if !ok {
			continue
		}
		for k, v := range m {
			merged[k] = v
		}
	}
	return merged
}
