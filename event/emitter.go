// Package event provides the observer registry used across the voice
// session subsystem.
//
// Components emit named events to registered listeners synchronously and
// in subscription order. A listener that panics is isolated: the panic is
// logged and delivery continues to the remaining listeners. This mirrors
// the callback fan-out every component of the session core relies on for
// state-change notification.
package event

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Handler receives the payload of an emitted event.
type Handler func(payload interface{})

// Subscription identifies a registered handler so it can be removed.
type Subscription struct {
	name string
	id   uint64
}

// Emitter is a registry of event listeners keyed by event name.
//
// Dispatch is synchronous and ordered: Emit invokes every handler
// registered for the event name, in the order they subscribed, before
// returning. Emitter is safe for concurrent use, but handlers themselves
// run on the emitting goroutine and must not block for long.
type Emitter struct {
	mu     sync.RWMutex
	nextID uint64
	lists  map[string][]entry
}

type entry struct {
	id      uint64
	handler Handler
}

// NewEmitter creates an empty event registry.
func NewEmitter() *Emitter {
	return &Emitter{
		lists: make(map[string][]entry),
	}
}

// On registers handler for the named event and returns a Subscription
// that can be passed to Off.
func (e *Emitter) On(name string, handler Handler) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	e.lists[name] = append(e.lists[name], entry{id: e.nextID, handler: handler})

	return Subscription{name: name, id: e.nextID}
}

// Once registers handler for a single delivery. The handler is removed
// before it is invoked, so re-emitting from inside the handler cannot
// trigger it again. The subscription id is allocated before the wrapper
// is registered, so a concurrent emit always sees a removable id.
func (e *Emitter) Once(name string, handler Handler) Subscription {
	e.mu.Lock()
	e.nextID++
	sub := Subscription{name: name, id: e.nextID}
	wrapper := func(payload interface{}) {
		e.Off(sub)
		handler(payload)
	}
	e.lists[name] = append(e.lists[name], entry{id: sub.id, handler: wrapper})
	e.mu.Unlock()
	return sub
}

// Off removes a previously registered handler. Removing an unknown or
// already removed subscription is a no-op.
func (e *Emitter) Off(sub Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()

	list := e.lists[sub.name]
	for i, ent := range list {
		if ent.id == sub.id {
			e.lists[sub.name] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Emit delivers payload to every handler registered for name, in
// subscription order. A panicking handler is logged and skipped; it does
// not prevent delivery to the handlers after it.
func (e *Emitter) Emit(name string, payload interface{}) {
	e.mu.RLock()
	list := make([]entry, len(e.lists[name]))
	copy(list, e.lists[name])
	e.mu.RUnlock()

	for _, ent := range list {
		e.dispatch(name, ent, payload)
	}
}

// dispatch invokes a single handler with panic isolation.
func (e *Emitter) dispatch(name string, ent entry, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Emitter.Emit",
				"event":    name,
				"panic":    r,
			}).Error("Event listener panicked, continuing delivery")
		}
	}()
	ent.handler(payload)
}

// ListenerCount returns the number of handlers registered for name.
func (e *Emitter) ListenerCount(name string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.lists[name])
}

// RemoveAll drops every registered handler. Used during teardown so no
// late events escape a destroyed component.
func (e *Emitter) RemoveAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lists = make(map[string][]entry)
}
