package speech

import (
	"sync"
	"sync/atomic"
)

// Handler receives events of the kind it was registered for.
type Handler func(Event)

// Subscription is one (kind, handler) registration.
type Subscription struct {
	kind    EventKind
	handler Handler
	emitter *emitter
	active  atomic.Bool
}

// Kind returns the event kind the subscription listens to.
func (s *Subscription) Kind() EventKind {
	return s.kind
}

// Remove releases the registration. Calling it more than once is a no-op.
func (s *Subscription) Remove() {
	if s == nil || !s.active.CompareAndSwap(true, false) {
		return
	}
	s.emitter.detach(s)
}

type emitter struct {
	mu        sync.RWMutex
	listeners map[EventKind][]*Subscription
}

func newEmitter() *emitter {
	return &emitter{listeners: make(map[EventKind][]*Subscription)}
}

func (e *emitter) add(kind EventKind, handler Handler) *Subscription {
	sub := &Subscription{kind: kind, handler: handler, emitter: e}
	sub.active.Store(true)

	e.mu.Lock()
	e.listeners[kind] = append(e.listeners[kind], sub)
	e.mu.Unlock()
	return sub
}

func (e *emitter) detach(sub *Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()

	current := e.listeners[sub.kind]
	for i, candidate := range current {
		if candidate != sub {
			continue
		}
		next := make([]*Subscription, 0, len(current)-1)
		next = append(next, current[:i]...)
		next = append(next, current[i+1:]...)
		if len(next) == 0 {
			delete(e.listeners, sub.kind)
		} else {
			e.listeners[sub.kind] = next
		}
		return
	}
}

// removeAll returns how many listeners were detached.
func (e *emitter) removeAll(kind EventKind) int {
	e.mu.Lock()
	subs := e.listeners[kind]
	delete(e.listeners, kind)
	e.mu.Unlock()

	for _, sub := range subs {
		sub.active.Store(false)
	}
	return len(subs)
}

func (e *emitter) count(kind EventKind) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[kind])
}

// emit calls the listeners of evt's kind in registration order. Listener
// slices are never mutated in place, so the snapshot stays valid while
// handlers add or remove registrations.
func (e *emitter) emit(evt Event) int {
	e.mu.RLock()
	subs := e.listeners[evt.Kind()]
	e.mu.RUnlock()

	delivered := 0
	for _, sub := range subs {
		if !sub.active.Load() || sub.handler == nil {
			continue
		}
		sub.handler(evt)
		delivered++
	}
	return delivered
}
