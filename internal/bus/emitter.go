package bus

import (
	"encoding/json"
	"sync"
)

type listener struct {
	fn   ListenerFunc
	once bool
	dead bool
}

// emitter is a minimal event dispatcher keyed by string. Once listeners
// are consumed on first fire; both On and Once return a cancel func so a
// losing listener in a reply race can be deregistered instead of leaking.
type emitter struct {
	mu        sync.Mutex
	listeners map[string][]*listener
}

func newEmitter() *emitter {
	return &emitter{listeners: make(map[string][]*listener)}
}

func (e *emitter) add(event string, fn ListenerFunc, once bool) (cancel func()) {
	l := &listener{fn: fn, once: once}
	e.mu.Lock()
	e.listeners[event] = append(e.listeners[event], l)
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		l.dead = true
		e.compact(event)
	}
}

// compact drops dead listeners; callers must hold e.mu.
func (e *emitter) compact(event string) {
	live := e.listeners[event][:0]
	for _, l := range e.listeners[event] {
		if !l.dead {
			live = append(live, l)
		}
	}
	if len(live) == 0 {
		delete(e.listeners, event)
		return
	}
	e.listeners[event] = live
}

func (e *emitter) emit(event string, payload json.RawMessage) {
	e.mu.Lock()
	var fire []ListenerFunc
	for _, l := range e.listeners[event] {
		if l.dead {
			continue
		}
		fire = append(fire, l.fn)
		if l.once {
			l.dead = true
		}
	}
	if _, ok := e.listeners[event]; ok {
		e.compact(event)
	}
	e.mu.Unlock()

	for _, fn := range fire {
		fn(payload)
	}
}
