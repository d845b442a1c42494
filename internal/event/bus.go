package event

import (
	"log"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
)

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine.
type Handler func(Event)

type subscription struct {
	id      string
	handler Handler
}

// Bus is a synchronous pub-sub hub connecting the scheduler, controller,
// and stream machinery to observers without direct dependencies. Typed
// subscriptions match one EventType; wildcard subscriptions see every
// event and are kept in their own registry so Publish never consults the
// type map for them.
type Bus struct {
	mu       sync.RWMutex
	byType   map[string][]subscription
	wildcard []subscription
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{byType: make(map[string][]subscription)}
}

// Subscribe registers handler for events of the given type and returns
// an ID usable with Unsubscribe.
func (b *Bus) Subscribe(eventType string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := subscription{id: uuid.NewString(), handler: handler}
	b.byType[eventType] = append(b.byType[eventType], sub)
	return sub.id
}

// SubscribeAll registers handler for every published event and returns
// an ID usable with Unsubscribe.
func (b *Bus) SubscribeAll(handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := subscription{id: uuid.NewString(), handler: handler}
	b.wildcard = append(b.wildcard, sub)
	return sub.id
}

// Unsubscribe removes the subscription with the given ID, reporting
// whether it existed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.byType {
		if kept, found := drop(subs, id); found {
			b.byType[eventType] = kept
			return true
		}
	}
	kept, found := drop(b.wildcard, id)
	if found {
		b.wildcard = kept
	}
	return found
}

func drop(subs []subscription, id string) ([]subscription, bool) {
	for i, sub := range subs {
		if sub.id == id {
			return append(subs[:i], subs[i+1:]...), true
		}
	}
	return subs, false
}

// Publish delivers e to every matching handler: typed subscribers first,
// then wildcard subscribers, each group in registration order. A
// panicking handler is recovered and logged; delivery continues.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	typed := append([]subscription(nil), b.byType[e.EventType()]...)
	wild := append([]subscription(nil), b.wildcard...)
	b.mu.RUnlock()

	for _, sub := range typed {
		b.deliver(sub.handler, e)
	}
	for _, sub := range wild {
		b.deliver(sub.handler, e)
	}
}

func (b *Bus) deliver(handler Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: event handler panicked for event %s: %v\n%s",
				e.EventType(), r, debug.Stack())
		}
	}()
	handler(e)
}

// Clear removes every subscription.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byType = make(map[string][]subscription)
	b.wildcard = nil
}

// SubscriptionCount returns the number of active subscriptions, typed
// and wildcard combined.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.wildcard)
	for _, subs := range b.byType {
		count += len(subs)
	}
	return count
}
