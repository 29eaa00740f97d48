package puppet

import "sync"

// DefaultRecentSize is how many received messages adapters remember for
// Reply and Forward.
const DefaultRecentSize = 512

// Recent remembers the last N values put, by message id. The oldest entry
// is evicted first. It is safe for concurrent use.
type Recent[V any] struct {
	mu    sync.Mutex
	size  int
	order []string
	items map[string]V
}

// NewRecent creates a cache holding at most size entries.
func NewRecent[V any](size int) *Recent[V] {
	if size <= 0 {
		size = DefaultRecentSize
	}
	return &Recent[V]{size: size, items: make(map[string]V, size)}
}

// Put stores v under id. Storing an existing id replaces the value without
// refreshing its age.
func (r *Recent[V]) Put(id string, v V) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		if len(r.order) >= r.size {
			delete(r.items, r.order[0])
			r.order = r.order[1:]
		}
		r.order = append(r.order, id)
	}
	r.items[id] = v
}

// Get returns the value stored under id.
func (r *Recent[V]) Get(id string) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.items[id]
	return v, ok
}

// Len returns the number of entries.
func (r *Recent[V]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}
