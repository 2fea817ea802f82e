package realtime

import (
	"encoding/json"
	"sync"
	"sync/atomic"
)

// Handler receives the payload of an inbound event.
type Handler func(payload json.RawMessage)

type binding struct {
	id     uint64
	fn     Handler
	active atomic.Bool
}

// bus maps wire event names to bound handlers. It outlives any single
// transport so that subscriptions survive a reconnect.
type bus struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[string][]*binding
}

func newBus() *bus {
	return &bus{handlers: make(map[string][]*binding)}
}

// on binds fn to event and returns a func that unbinds it. The returned
// func is safe to call more than once.
func (b *bus) on(event string, fn Handler) func() {
	b.mu.Lock()
	b.next++
	bd := &binding{id: b.next, fn: fn}
	bd.active.Store(true)
	b.handlers[event] = append(b.handlers[event], bd)
	b.mu.Unlock()

	return func() { b.off(event, bd) }
}

func (b *bus) off(event string, bd *binding) {
	if !bd.active.Swap(false) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.handlers[event]
	for i, cur := range list {
		if cur.id == bd.id {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(b.handlers, event)
	} else {
		b.handlers[event] = list
	}
}

// emit runs every handler bound to event on the calling goroutine, in
// binding order. Handlers unbound while emit is running are skipped.
func (b *bus) emit(event string, payload json.RawMessage) {
	b.mu.RLock()
	list := make([]*binding, len(b.handlers[event]))
	copy(list, b.handlers[event])
	b.mu.RUnlock()

	for _, bd := range list {
		if bd.active.Load() {
			bd.fn(payload)
		}
	}
}

func (b *bus) count(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[event])
}

// countPrefix counts handlers whose event name starts with prefix.
func (b *bus) countPrefix(prefix string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for event, list := range b.handlers {
		if len(event) >= len(prefix) && event[:len(prefix)] == prefix {
			n += len(list)
		}
	}
	return n
}
