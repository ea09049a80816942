// Package dispatch wraps authenticated remote calls as tasks and picks the
// queue each one runs on from the call kind and current token freshness.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/authcore/internal/apperr"
	"github.com/basket/authcore/internal/credentials"
	"github.com/basket/authcore/internal/engine"
	"github.com/basket/authcore/internal/otel"
	"github.com/basket/authcore/internal/shared"
	"github.com/basket/authcore/internal/task"
)

// Kind says whether a call only reads remote state or mutates it.
type Kind int

const (
	KindRead Kind = iota
	KindMutate
)

func (k Kind) String() string {
	if k == KindMutate {
		return "mutate"
	}
	return "read"
}

const (
	DefaultReadFreshnessMargin = 2 * time.Minute
	DefaultRefreshMargin       = time.Minute
)

var errCallTimeout = errors.New("per-call timeout elapsed")

// Call is a typed remote call.
type Call[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

type Config struct {
	Scheduler *engine.Scheduler

	// State and Refresher are optional. Without State every caller counts
	// as signed in and reads always run in parallel.
	State     *credentials.State
	Refresher *credentials.Refresher

	ReadFreshnessMargin time.Duration
	RefreshMargin       time.Duration
	CallTimeout         time.Duration

	Tracer  trace.Tracer
	Metrics *otel.Metrics
	Logger  *slog.Logger
}

type Dispatcher struct {
	scheduler     *engine.Scheduler
	state         *credentials.State
	refresher     *credentials.Refresher
	readMargin    time.Duration
	refreshMargin time.Duration
	timeout       time.Duration
	tracer        trace.Tracer
	metrics       *otel.Metrics
	logger        *slog.Logger
}

func New(cfg Config) (*Dispatcher, error) {
	if cfg.Scheduler == nil {
		return nil, errors.New("dispatch: scheduler is nil")
	}
	if cfg.Refresher != nil && cfg.State == nil {
		cfg.State = cfg.Refresher.State()
	}
	if cfg.ReadFreshnessMargin <= 0 {
		cfg.ReadFreshnessMargin = DefaultReadFreshnessMargin
	}
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = DefaultRefreshMargin
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer(otel.TracerName)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		scheduler:     cfg.Scheduler,
		state:         cfg.State,
		refresher:     cfg.Refresher,
		readMargin:    cfg.ReadFreshnessMargin,
		refreshMargin: cfg.RefreshMargin,
		timeout:       cfg.CallTimeout,
		tracer:        cfg.Tracer,
		metrics:       cfg.Metrics,
		logger:        logger.With("component", "dispatch"),
	}, nil
}

// Route picks the queue for a call of the given kind. Callers that are not
// signed in get apperr.ErrNotSignedIn and no queue.
func (d *Dispatcher) Route(kind Kind) (*engine.Queue, error) {
	if d.state != nil && !d.state.IsSignedIn() {
		return nil, apperr.ErrNotSignedIn
	}
	if kind == KindMutate {
		return d.scheduler.Serial(), nil
	}
	if d.state == nil || d.state.IsFresh(d.readMargin) {
		return d.scheduler.Parallel(), nil
	}
	return d.scheduler.Serial(), nil
}

// Pending is the caller's handle on a submitted call.
type Pending[T any] struct {
	task  *task.Task
	queue string
}

func (p *Pending[T]) Task() *task.Task { return p.task }
func (p *Pending[T]) Queue() string    { return p.queue }

// Await blocks until the call finishes or ctx ends.
func (p *Pending[T]) Await(ctx context.Context) (T, error) {
	var zero T
	if err := p.task.Wait(ctx); err != nil {
		return zero, err
	}
	out := p.task.Output()
	if out == nil {
		return zero, nil
	}
	v, ok := out.(T)
	if !ok {
		return zero, apperr.Wrap(apperr.ErrFatal, fmt.Errorf("call %s produced %T, want %T", p.task.Name(), out, zero))
	}
	return v, nil
}

// Read submits a call that does not change remote state.
func Read[Req, Resp any](ctx context.Context, d *Dispatcher, name string, req Req, call Call[Req, Resp]) (*Pending[Resp], error) {
	return submit(ctx, d, KindRead, name, func() (Req, error) { return req, nil }, call, nil)
}

// Mutate submits a call that changes remote state. Mutations always run on
// the serial queue.
func Mutate[Req, Resp any](ctx context.Context, d *Dispatcher, name string, req Req, call Call[Req, Resp]) (*Pending[Resp], error) {
	return submit(ctx, d, KindMutate, name, func() (Req, error) { return req, nil }, call, nil)
}

// Do submits a call and waits for its result.
func Do[Req, Resp any](ctx context.Context, d *Dispatcher, kind Kind, name string, req Req, call Call[Req, Resp]) (Resp, error) {
	p, err := submit(ctx, d, kind, name, func() (Req, error) { return req, nil }, call, nil)
	if err != nil {
		var zero Resp
		return zero, err
	}
	return p.Await(ctx)
}

// Then submits a call whose request is built from upstream's result. If
// upstream fails, or build rejects its result, the call finishes with a
// precondition error without running.
func Then[Up, Req, Resp any](ctx context.Context, d *Dispatcher, kind Kind, name string, upstream *Pending[Up], build func(Up) (Req, error), call Call[Req, Resp]) (*Pending[Resp], error) {
	if upstream == nil {
		return nil, errors.New("dispatch: upstream is nil")
	}
	var req Req
	prepare := func(deps []*task.Task) error {
		up, err := task.OutputAs[Up](deps[0])
		if err != nil {
			return err
		}
		req, err = build(up)
		return err
	}
	// prepare runs before the precondition check; a failed upstream has no
	// output, so guard on its error first.
	guarded := func(deps []*task.Task) error {
		if err := task.DependenciesSucceeded(deps); err != nil {
			return err
		}
		return prepare(deps)
	}
	return submit(ctx, d, kind, name, func() (Req, error) { return req, nil }, call,
		[]task.Option{task.WithDependencies(upstream.task), task.WithPrepare(guarded)})
}

func submit[Req, Resp any](ctx context.Context, d *Dispatcher, kind Kind, name string, request func() (Req, error), call Call[Req, Resp], opts []task.Option) (*Pending[Resp], error) {
	if call == nil {
		return nil, fmt.Errorf("dispatch %s: call is nil", name)
	}
	q, err := d.Route(kind)
	if err != nil {
		d.logger.Debug("call not dispatched", "call", name, "kind", kind.String(), "error", err)
		return nil, err
	}
	traceID := shared.TraceID(shared.EnsureTraceID(ctx))

	body := func(tctx context.Context, t *task.Task) error {
		start := time.Now()
		callCtx := shared.WithCallName(shared.WithTraceID(ctx, traceID), name)
		callCtx, span := otel.StartClientSpan(callCtx, d.tracer, "dispatch."+name,
			otel.AttrCall.String(name),
			otel.AttrQueue.String(q.Name()),
			otel.AttrTaskID.String(t.ID()),
		)
		defer span.End()

		resp, err := invoke(callCtx, tctx, d, request, call)
		class := ""
		if err != nil {
			class = string(apperr.Classify(err))
			span.SetStatus(codes.Error, err.Error())
			span.SetAttributes(otel.AttrErrorClass.String(class))
		} else {
			t.SetOutput(resp)
		}
		d.metrics.RecordCall(callCtx, name, q.Name(), time.Since(start), class)
		return err
	}

	t := task.New(name, body, opts...)
	if err := q.AddTask(t); err != nil {
		return nil, err
	}
	return &Pending[Resp]{task: t, queue: q.Name()}, nil
}

// invoke runs one call under the refresh check and the per-call timeout.
// Cancelling the queue's context cancels the call too.
func invoke[Req, Resp any](ctx, queueCtx context.Context, d *Dispatcher, request func() (Req, error), call Call[Req, Resp]) (Resp, error) {
	var zero Resp
	req, err := request()
	if err != nil {
		return zero, apperr.Wrap(apperr.ErrPrecondition, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(queueCtx, cancel)
	defer stop()
	if d.timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeoutCause(ctx, d.timeout, errCallTimeout)
		defer cancelTimeout()
	}
	// Only the per-call timeout is reported as ErrTimeout; a deadline on the
	// caller's context passes through unchanged.
	timedOut := func() bool { return errors.Is(context.Cause(ctx), errCallTimeout) }

	if d.refresher != nil {
		if err := d.refresher.EnsureFresh(ctx, d.refreshMargin); err != nil {
			return zero, err
		}
	}

	type result struct {
		resp Resp
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := call(ctx, req)
		done <- result{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil {
			return r.resp, nil
		}
		switch {
		case timedOut():
			return zero, apperr.Wrap(apperr.ErrTimeout, r.err)
		case ctx.Err() != nil:
			return zero, ctx.Err()
		}
		return zero, apperr.Map(r.err)
	case <-ctx.Done():
		if timedOut() {
			d.logger.Warn("call timed out", "call", shared.CallName(ctx), "timeout", d.timeout)
			return zero, fmt.Errorf("%s after %s: %w", shared.CallName(ctx), d.timeout, apperr.ErrTimeout)
		}
		return zero, ctx.Err()
	}
}
