// Package registry keeps the process-wide table of live bot connections,
// keyed by account identity. At most one handle exists per identity.
//
// A configuration holds a Lease on its entry. Reloading the configuration
// renews the lease without touching the entry; removing the configuration
// stops the connection and releases the entry.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Lease identifies one configuration's claim on a registry entry.
type Lease struct {
	ID         string
	Identity   string
	Generation int
	IssuedAt   time.Time
}

// slot is a registry entry. ready is closed once the factory returned.
type slot[H any] struct {
	ready  chan struct{}
	handle H
	err    error
	lease  Lease
}

// Registry maps identities to handles of type H.
type Registry[H any] struct {
	mu    sync.Mutex
	slots map[string]*slot[H]
}

// New creates an empty registry.
func New[H any]() *Registry[H] {
	return &Registry[H]{slots: make(map[string]*slot[H])}
}

// Acquire returns the handle registered for identity, invoking factory to
// create it when absent. Concurrent callers for the same identity share a
// single factory call and receive the same handle. The factory runs
// without the registry lock held; if it fails the slot is freed and the
// error returned to every waiter. created is true only for the caller
// whose factory produced the handle.
func (r *Registry[H]) Acquire(identity string, factory func() (H, error)) (h H, lease Lease, created bool, err error) {
	if identity == "" {
		return h, Lease{}, false, fmt.Errorf("registry: empty identity")
	}

	r.mu.Lock()
	s, ok := r.slots[identity]
	if !ok {
		s = &slot[H]{ready: make(chan struct{})}
		r.slots[identity] = s
	}
	r.mu.Unlock()

	if !ok {
		s.handle, s.err = factory()
		r.mu.Lock()
		if s.err != nil {
			delete(r.slots, identity)
		} else {
			s.lease = newLease(identity, 1)
		}
		lease = s.lease
		r.mu.Unlock()
		close(s.ready)
		if s.err != nil {
			return h, Lease{}, false, s.err
		}
		return s.handle, lease, true, nil
	}

	<-s.ready
	if s.err != nil {
		return h, Lease{}, false, s.err
	}
	lease, _ = r.Renew(identity)
	return s.handle, lease, false, nil
}

// Renew issues a fresh lease for an existing entry. The previous lease
// stops being held.
func (r *Registry[H]) Renew(identity string) (Lease, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[identity]
	if !ok || !isReady(s) || s.err != nil {
		return Lease{}, false
	}
	s.lease = newLease(identity, s.lease.Generation+1)
	return s.lease, true
}

// Holds reports whether lease is the current lease of its entry.
func (r *Registry[H]) Holds(lease Lease) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[lease.Identity]
	return ok && isReady(s) && s.lease.ID == lease.ID
}

// Get returns the handle for identity without creating one.
func (r *Registry[H]) Get(identity string) (H, bool) {
	r.mu.Lock()
	s, ok := r.slots[identity]
	r.mu.Unlock()
	var zero H
	if !ok {
		return zero, false
	}
	<-s.ready
	if s.err != nil {
		return zero, false
	}
	return s.handle, true
}

// Release removes the entry for identity. The caller must have stopped
// the connection first; until Release is called the identity cannot be
// recreated.
func (r *Registry[H]) Release(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[identity]
	if !ok || !isReady(s) {
		return false
	}
	delete(r.slots, identity)
	return true
}

// Identities returns the registered identities, sorted.
func (r *Registry[H]) Identities() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.slots))
	for id, s := range r.slots {
		if isReady(s) && s.err == nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of live entries.
func (r *Registry[H]) Len() int {
	return len(r.Identities())
}

func isReady[H any](s *slot[H]) bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

func newLease(identity string, gen int) Lease {
	return Lease{
		ID:         uuid.NewString(),
		Identity:   identity,
		Generation: gen,
		IssuedAt:   time.Now(),
	}
}
