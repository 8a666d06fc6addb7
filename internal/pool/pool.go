package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

var (
	ErrWorkerTerminated = errors.New("worker terminated unexpectedly")
	ErrWorkerBusy       = errors.New("worker is busy")
	ErrClosed           = errors.New("pool is closed")
)

const closeTimeout = 5 * time.Second

// TaskError is a failure reported by the task itself.
type TaskError struct {
	Message string
}

func (e *TaskError) Error() string {
	return e.Message
}

// Command describes how to start a worker.
type Command struct {
	Path string
	Args []string
	// Env of the worker, nil inherits the environment of the pool
	Env []string
}

type StderrFunc func(ctx context.Context, pid int, line string)

// Stats is a snapshot of the pool.
type Stats struct {
	Live    int // running workers
	Idle    int // running workers without a task
	Spawned int // workers started since the pool was created
}

// Pool executes tasks of type T producing results of type R in worker
// processes.
type Pool[T, R any] struct {
	proto  Command
	stderr StderrFunc

	ctx    context.Context
	cancel context.CancelFunc

	mx      sync.Mutex
	closed  bool
	idle    []*worker
	live    map[*worker]struct{}
	spawned int
	wg      sync.WaitGroup
}

type Option func(*options)

type options struct {
	stderr StderrFunc
}

// WithStderr sets the function receiving the stderr lines of workers.
// By default they are logged at debug level.
func WithStderr(f StderrFunc) Option {
	return func(o *options) {
		o.stderr = f
	}
}

func logStderr(ctx context.Context, pid int, line string) {
	slog.DebugContext(ctx, line, "worker", pid)
}

// New returns an empty pool. Workers are started by Submit. The context
// is the one of the workers: cancelling it kills them.
func New[T, R any](ctx context.Context, proto Command, opts ...Option) *Pool[T, R] {
	o := options{stderr: logStderr}
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Pool[T, R]{
		proto:  proto,
		stderr: o.stderr,
		ctx:    ctx,
		cancel: cancel,
		live:   make(map[*worker]struct{}),
	}
}

// Submit sends the task to an idle worker, starting a new one when there
// is none.
func (p *Pool[T, R]) Submit(ctx context.Context, task T) (*Pending[R], error) {
	raw, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("encoding task: %w", err)
	}

	for retried := false; ; retried = true {
		w, reused, err := p.acquire(ctx)
		if err != nil {
			return nil, err
		}

		pending := newPending[R]()
		err = w.assign(raw, func(rep reply, err error) {
			if err == nil {
				p.release(ctx, w)
			}
			pending.resolve(decode[R](rep, err))
		})
		if err == nil {
			return pending, nil
		}
		// the worker is dead or misbehaving, it is never reused
		w.stop()
		// an idle worker may exit before it gets the task
		if !reused || retried || !errors.Is(err, ErrWorkerTerminated) {
			return nil, err
		}
		slog.DebugContext(ctx, "idle worker exited, starting another", "worker", w.pid)
	}
}

// Do submits the task and waits for its result.
func (p *Pool[T, R]) Do(ctx context.Context, task T) (R, error) {
	pending, err := p.Submit(ctx, task)
	if err != nil {
		var zero R
		return zero, err
	}
	return pending.Wait(ctx)
}

func decode[R any](rep reply, err error) (R, error) {
	var res R
	if err != nil {
		return res, err
	}
	if !rep.Success {
		return res, &TaskError{Message: rep.Error}
	}
	if err := json.Unmarshal(rep.Result, &res); err != nil {
		return res, fmt.Errorf("decoding result: %w", err)
	}
	return res, nil
}

// acquire returns an idle worker, or a new one. reused reports the former.
func (p *Pool[T, R]) acquire(ctx context.Context) (w *worker, reused bool, err error) {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.closed {
		return nil, false, ErrClosed
	}
	if n := len(p.idle); n > 0 {
		w := p.idle[n-1]
		p.idle = p.idle[:n-1]
		return w, true, nil
	}

	w, err = start(p.ctx, p.proto, p.stderr, func(w *worker) { p.remove(p.ctx, w) })
	if err != nil {
		return nil, false, fmt.Errorf("starting worker: %w", err)
	}
	p.live[w] = struct{}{}
	p.spawned++
	p.wg.Go(w.run)
	slog.DebugContext(ctx, "worker started", "worker", w.pid, "live", len(p.live))
	return w, false, nil
}

// release makes the worker available again.
func (p *Pool[T, R]) release(ctx context.Context, w *worker) {
	p.mx.Lock()
	defer p.mx.Unlock()
	if _, ok := p.live[w]; !ok {
		return
	}
	if p.closed {
		w.stop()
		return
	}
	p.idle = append(p.idle, w)
	slog.DebugContext(ctx, "worker idle", "worker", w.pid, "idle", len(p.idle))
}

// remove forgets a worker which exited.
func (p *Pool[T, R]) remove(ctx context.Context, w *worker) {
	p.mx.Lock()
	defer p.mx.Unlock()
	delete(p.live, w)
	p.idle = slices.DeleteFunc(p.idle, func(x *worker) bool { return x == w })
	slog.DebugContext(ctx, "worker exited", "worker", w.pid, "live", len(p.live))
}

func (p *Pool[T, R]) Stats() Stats {
	p.mx.Lock()
	defer p.mx.Unlock()
	return Stats{
		Live:    len(p.live),
		Idle:    len(p.idle),
		Spawned: p.spawned,
	}
}

// Close stops accepting tasks and asks all workers to exit once they have
// finished their current task. Workers still running after a timeout are
// killed.
func (p *Pool[T, R]) Close() {
	p.mx.Lock()
	p.closed = true
	workers := make([]*worker, 0, len(p.live))
	for w := range p.live {
		workers = append(workers, w)
	}
	p.idle = nil
	p.mx.Unlock()

	for _, w := range workers {
		w.stop()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(closeTimeout):
		slog.Warn("workers did not exit: killing them")
		p.cancel()
		<-done
	}
	p.cancel()
}
