package bus

import (
	"sync"
	"sync/atomic"
)

type HandlerID uint64

// Handler receives inbound Payload messages. It runs on the delivering
// channel's goroutine and must not block for long.
type Handler func(msg *Message)

type registration struct {
	id HandlerID
	fn Handler
}

// registry maps topic -> handlers in registration order. Wildcard handlers
// see every payload after the topic handlers.
type registry struct {
	mu       sync.RWMutex
	topics   map[string][]registration
	wildcard []registration
	nextID   atomic.Uint64
}

func newRegistry() *registry {
	return &registry{topics: make(map[string][]registration)}
}

func (r *registry) add(topic string, fn Handler) HandlerID {
	id := HandlerID(r.nextID.Add(1))

	r.mu.Lock()
	r.topics[topic] = append(r.topics[topic], registration{id: id, fn: fn})
	r.mu.Unlock()
	return id
}

func (r *registry) addWildcard(fn Handler) HandlerID {
	id := HandlerID(r.nextID.Add(1))

	r.mu.Lock()
	r.wildcard = append(r.wildcard, registration{id: id, fn: fn})
	r.mu.Unlock()
	return id
}

func (r *registry) remove(id HandlerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for topic, regs := range r.topics {
		if out, ok := without(regs, id); ok {
			if len(out) == 0 {
				delete(r.topics, topic)
			} else {
				r.topics[topic] = out
			}
			return true
		}
	}

	out, ok := without(r.wildcard, id)
	if ok {
		r.wildcard = out
	}
	return ok
}

// lookup returns a copy so handlers run without the registry lock held.
func (r *registry) lookup(topic string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regs := r.topics[topic]
	out := make([]Handler, 0, len(regs)+len(r.wildcard))
	for _, reg := range regs {
		out = append(out, reg.fn)
	}
	for _, reg := range r.wildcard {
		out = append(out, reg.fn)
	}
	return out
}

func without(regs []registration, id HandlerID) ([]registration, bool) {
	for i, reg := range regs {
		if reg.id == id {
			out := make([]registration, 0, len(regs)-1)
			out = append(out, regs[:i]...)
			return append(out, regs[i+1:]...), true
		}
	}
	return regs, false
}
