package vm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
)

var (
	ErrExists   = errors.New("virtual machine id already in use")
	ErrNotFound = errors.New("virtual machine not found")
)

// Registry maps ids to active sessions.
type Registry struct {
	mx  sync.RWMutex
	vms map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{vms: make(map[string]*Session)}
}

// Add registers the session under id. It fails with ErrExists when the id
// is taken.
func (r *Registry) Add(id string, s *Session) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.vms[id]; ok {
		return fmt.Errorf("%w: %s", ErrExists, id)
	}
	r.vms[id] = s
	return nil
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	s, ok := r.vms[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

func (r *Registry) Has(id string) bool {
	r.mx.RLock()
	defer r.mx.RUnlock()
	_, ok := r.vms[id]
	return ok
}

// Remove deletes id only if it still maps to s.
func (r *Registry) Remove(id string, s *Session) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	if cur, ok := r.vms[id]; !ok || cur != s {
		return false
	}
	delete(r.vms, id)
	return true
}

// Close removes the session from the registry and closes it. A session
// already replaced or removed by someone else is left alone. Once removed,
// the session is torn down even if ctx is cancelled: nothing else tracks
// it any more.
func (r *Registry) Close(ctx context.Context, id string, s *Session) error {
	if !r.Remove(id, s) {
		return nil
	}
	return s.Close(context.WithoutCancel(ctx))
}

func (r *Registry) IDs() []string {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return slices.Sorted(maps.Keys(r.vms))
}

func (r *Registry) Len() int {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return len(r.vms)
}

// CloseAll empties the registry and closes all sessions in parallel.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mx.Lock()
	vms := r.vms
	r.vms = make(map[string]*Session)
	r.mx.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, 0, len(vms))
	var emx sync.Mutex
	for id, s := range vms {
		wg.Go(func() {
			if err := s.Close(ctx); err != nil {
				emx.Lock()
				errs = append(errs, fmt.Errorf("closing %s: %w", id, err))
				emx.Unlock()
			}
		})
	}
	wg.Wait()
	return errors.Join(errs...)
}
