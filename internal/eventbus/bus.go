// Package eventbus implements the synchronous publish/subscribe fabric that
// ties the SDK components together.
//
// Delivery is synchronous and ordered: Emit invokes every handler registered
// for the event name in registration order, then every wildcard handler, on
// the calling goroutine. A handler that panics is recovered and logged; the
// remaining handlers still run and the panic never reaches the emitter.
package eventbus

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/matt-riley/flagz-go/internal/logging"
)

// Handler receives the payload of a named event.
type Handler func(payload any)

// WildcardHandler receives every emitted event together with its name.
type WildcardHandler func(name string, payload any)

type namedSub struct {
	id   uint64
	fn   Handler
	once bool
}

type wildcardSub struct {
	id uint64
	fn WildcardHandler
}

// Bus is a typed event-name to handler registry plus a wildcard list.
// The zero value is not usable; create one with New.
type Bus struct {
	log *slog.Logger

	mu       sync.RWMutex
	nextID   uint64
	named    map[string][]namedSub
	wildcard []wildcardSub
}

// New returns an empty Bus. A nil logger discards handler failures.
func New(log *slog.Logger) *Bus {
	return &Bus{
		log:   logging.Component(log, "eventbus"),
		named: make(map[string][]namedSub),
	}
}

// On registers fn for events called name. The returned function removes the
// registration and is safe to call more than once.
func (b *Bus) On(name string, fn Handler) func() {
	return b.add(name, fn, false)
}

// Once registers fn for the next event called name only.
func (b *Bus) Once(name string, fn Handler) func() {
	return b.add(name, fn, true)
}

// OnAny registers fn for every event.
func (b *Bus) OnAny(fn WildcardHandler) func() {
	if fn == nil {
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.wildcard = append(b.wildcard, wildcardSub{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.wildcard = slices.DeleteFunc(b.wildcard, func(s wildcardSub) bool { return s.id == id })
	}
}

// Off removes every handler registered for name.
func (b *Bus) Off(name string) {
	b.mu.Lock()
	delete(b.named, name)
	b.mu.Unlock()
}

// ListenerCount returns the number of handlers registered for name,
// excluding wildcard handlers.
func (b *Bus) ListenerCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.named[name])
}

// Emit delivers payload to the handlers of name and to every wildcard
// handler. The handler lists are snapshotted first, so handlers may
// subscribe or unsubscribe while being invoked.
func (b *Bus) Emit(name string, payload any) {
	b.mu.Lock()
	subs := slices.Clone(b.named[name])
	if slices.ContainsFunc(subs, func(s namedSub) bool { return s.once }) {
		b.named[name] = slices.DeleteFunc(b.named[name], func(s namedSub) bool { return s.once })
		if len(b.named[name]) == 0 {
			delete(b.named, name)
		}
	}
	wildcards := slices.Clone(b.wildcard)
	b.mu.Unlock()

	for _, s := range subs {
		b.invoke(name, func() { s.fn(payload) })
	}
	for _, s := range wildcards {
		b.invoke(name, func() { s.fn(name, payload) })
	}
}

func (b *Bus) add(name string, fn Handler, once bool) func() {
	if fn == nil {
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.named[name] = append(b.named[name], namedSub{id: id, fn: fn, once: once})
	b.mu.Unlock()

	return func() { b.remove(name, id) }
}

func (b *Bus) remove(name string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := slices.DeleteFunc(b.named[name], func(s namedSub) bool { return s.id == id })
	if len(subs) == 0 {
		delete(b.named, name)
		return
	}
	b.named[name] = subs
}

// Deliver calls fn with payload outside of any subscription, recovering a
// panic the same way Emit does. name is only used for logging.
func (b *Bus) Deliver(name string, fn Handler, payload any) {
	b.invoke(name, func() { fn(payload) })
}

func (b *Bus) invoke(name string, call func()) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked", "event", name, "panic", fmt.Sprint(r))
		}
	}()
	call()
}
