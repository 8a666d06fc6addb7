package pool

import (
	"context"
	"sync"
)

// Pending is the future result of a submitted task.
type Pending[R any] struct {
	once   sync.Once
	done   chan struct{}
	result R
	err    error
}

func newPending[R any]() *Pending[R] {
	return &Pending[R]{done: make(chan struct{})}
}

// resolve sets the outcome, only the first call has an effect.
func (p *Pending[R]) resolve(result R, err error) {
	p.once.Do(func() {
		p.result = result
		p.err = err
		close(p.done)
	})
}

// Done is closed once the result is available.
func (p *Pending[R]) Done() <-chan struct{} {
	return p.done
}

// Result returns the outcome of a resolved task. It blocks until then.
func (p *Pending[R]) Result() (R, error) {
	<-p.done
	return p.result, p.err
}

// Wait returns the outcome, or the context error if the context is done
// first. The task keeps running in that case.
func (p *Pending[R]) Wait(ctx context.Context) (R, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}
