// Package events carries internal application events from the
// subsystems that produce them (store handlers, agent loop, workspace
// watcher, extension bridge) to the Broadcaster, which republishes a
// transformed subset to every connected client.
package events

import "sync"

// HandlerFunc receives an event payload. Handlers run synchronously on
// the emitter's goroutine; anything slow must spawn its own goroutine.
type HandlerFunc func(payload any)

// Subscription identifies one registered handler so it can be removed.
type Subscription struct {
	event string
	id    uint64
}

// Bus is the shared in-process event source. It outlives any single
// Broadcaster instance, which is why subscriptions are explicit handles.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]HandlerFunc
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[uint64]HandlerFunc)}
}

// Subscribe registers fn for event and returns its handle.
func (b *Bus) Subscribe(event string, fn HandlerFunc) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.subs[event] == nil {
		b.subs[event] = make(map[uint64]HandlerFunc)
	}
	b.subs[event][id] = fn
	return Subscription{event: event, id: id}
}

// Unsubscribe removes the handler behind sub. Unknown handles are a no-op.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	handlers, ok := b.subs[sub.event]
	if !ok {
		return
	}
	delete(handlers, sub.id)
	if len(handlers) == 0 {
		delete(b.subs, sub.event)
	}
}

// Emit delivers payload to every handler subscribed to event. The
// handler set is snapshotted under the read lock, then invoked without
// it, so handlers may subscribe or unsubscribe freely.
func (b *Bus) Emit(event string, payload any) {
	b.mu.RLock()
	handlers := make([]HandlerFunc, 0, len(b.subs[event]))
	for _, fn := range b.subs[event] {
		handlers = append(handlers, fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(payload)
	}
}

// ListenerCount reports how many handlers are subscribed to event.
func (b *Bus) ListenerCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[event])
}

// TotalListeners reports the number of handlers across all events.
func (b *Bus) TotalListeners() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := 0
	for _, handlers := range b.subs {
		total += len(handlers)
	}
	return total
}
