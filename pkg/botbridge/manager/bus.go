// Package manager – bus.go fans envelopes out to host listeners.
package manager

import (
	"sync"
	"sync/atomic"

	"github.com/jholhewres/botbridge/pkg/botbridge/bridge"
)

// Listener receives every envelope from every bot. It runs on the bot's
// event loop: it must not call Apply or Shutdown, which wait for that
// loop to drain.
type Listener func(env bridge.Envelope)

// Bus is a thread-safe pub/sub hub for envelopes. Listeners run
// synchronously on the emitting bot's event loop and must not block.
type Bus struct {
	listeners sync.Map // id (uint64) → Listener
	nextID    atomic.Uint64
	count     atomic.Int64
}

// Subscribe registers fn and returns its unsubscribe function.
func (b *Bus) Subscribe(fn Listener) func() {
	id := b.nextID.Add(1)
	b.listeners.Store(id, fn)
	b.count.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			b.listeners.Delete(id)
			b.count.Add(-1)
		})
	}
}

// Emit delivers env to every listener.
func (b *Bus) Emit(env bridge.Envelope) {
	b.listeners.Range(func(_, value any) bool {
		if fn, ok := value.(Listener); ok {
			fn(env)
		}
		return true
	})
}

// Len returns the number of listeners.
func (b *Bus) Len() int { return int(b.count.Load()) }
