package isolation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/docstore/internal/store"
)

// DefaultShutdownTimeout bounds how long Shutdown waits for the running task.
const DefaultShutdownTimeout = 10 * time.Second

// ErrClosed is returned by Submit after Shutdown.
var ErrClosed = errors.New("isolation runner closed")

// ErrShutdownTimeout is returned by Shutdown when the worker did not finish
// its current task in time.
var ErrShutdownTimeout = errors.New("isolation runner shutdown timed out")

// Connection is the part of a Mapper the wrappers drive.
// *store.Mapper satisfies it.
type Connection interface {
	OpenConnection(ctx context.Context) error
	CloseConnection() error
	Acquire(ctx context.Context) (release func(), err error)
	Begin(ctx context.Context) error
	Commit() error
	Rollback() error
	InTransaction() bool
}

// Task is a unit of work run on the worker goroutine with exclusive access
// to the Connection.
type Task[M Connection, T any] func(ctx context.Context, m M) (T, error)

// Observer is notified after every task with its run time and result.
type Observer func(runner string, elapsed time.Duration, err error)

// workerKey marks contexts handed to tasks. The value is the owning Runner.
type workerKey struct{}

type job struct {
	ctx context.Context
	run func(ctx context.Context)
}

// Runner executes tasks serially on one goroutine that owns the mapper.
//
// Thread-safety: Submit and Shutdown may be called from any goroutine.
type Runner[M Connection] struct {
	name   string
	mapper M

	tasks chan job
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once

	shutdownTimeout time.Duration
	observer        Observer
}

// Option configures a Runner.
type Option func(*options)

type options struct {
	shutdownTimeout time.Duration
	observer        Observer
}

// WithShutdownTimeout overrides DefaultShutdownTimeout.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		o.shutdownTimeout = d
	}
}

// WithObserver installs a task observer, typically a metrics hook.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		o.observer = obs
	}
}

// New starts a Runner owning mapper. The mapper must not be used outside
// the Runner afterwards.
func New[M Connection](name string, mapper M, opts ...Option) *Runner[M] {
	o := options{shutdownTimeout: DefaultShutdownTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	r := &Runner[M]{
		name:            name,
		mapper:          mapper,
		tasks:           make(chan job),
		quit:            make(chan struct{}),
		done:            make(chan struct{}),
		shutdownTimeout: o.shutdownTimeout,
		observer:        o.observer,
	}
	go r.loop()
	return r
}

// Name returns the runner name.
func (r *Runner[M]) Name() string {
	return r.name
}

func (r *Runner[M]) loop() {
	defer close(r.done)
	slog.Debug("isolation runner started", "runner", r.name)
	for {
		select {
		case j := <-r.tasks:
			j.run(j.ctx)
		case <-r.quit:
			slog.Debug("isolation runner stopped", "runner", r.name)
			return
		}
	}
}

// Submit runs task on r's worker and blocks until it returns.
//
// If ctx is done before the task completes, Submit returns an interrupted
// store error wrapping ctx.Err(). A task the worker already accepted still
// runs to completion; it sees a context that is never cancelled so a
// backing-store mutation is not cut in half.
//
// Submit panics when called from inside a task running on r: the worker
// would wait for itself forever.
func Submit[M Connection, T any](ctx context.Context, r *Runner[M], task Task[M, T]) (T, error) {
	var zero T
	if owner, ok := ctx.Value(workerKey{}).(*Runner[M]); ok && owner == r {
		panic(fmt.Sprintf("isolation: re-entrant Submit on runner %q", r.name))
	}

	type result struct {
		v   T
		err error
	}
	res := make(chan result, 1)
	j := job{
		ctx: context.WithValue(context.WithoutCancel(ctx), workerKey{}, r),
		run: func(ctx context.Context) {
			start := time.Now()
			v, err := task(ctx, r.mapper)
			if r.observer != nil {
				r.observer(r.name, time.Since(start), err)
			}
			res <- result{v: v, err: err}
		},
	}

	select {
	case r.tasks <- j:
	case <-r.quit:
		return zero, fmt.Errorf("submit to %s: %w", r.name, ErrClosed)
	case <-ctx.Done():
		return zero, store.NewInterrupted("submit to "+r.name, ctx.Err())
	}

	select {
	case out := <-res:
		return out.v, out.err
	case <-ctx.Done():
		slog.Warn("caller stopped waiting, task continues",
			"runner", r.name,
			"error", ctx.Err())
		return zero, store.NewInterrupted("wait on "+r.name, ctx.Err())
	}
}

// Shutdown stops accepting tasks and waits for the current one to finish.
// It is safe to call more than once.
func (r *Runner[M]) Shutdown() error {
	r.once.Do(func() { close(r.quit) })
	select {
	case <-r.done:
		return nil
	case <-time.After(r.shutdownTimeout):
		return fmt.Errorf("%s: %w", r.name, ErrShutdownTimeout)
	}
}
