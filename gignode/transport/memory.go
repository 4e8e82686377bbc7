package transport

import (
	"context"
	"sync"
)

// MemoryHub is an in-process relay shared by a set of nodes, used by tests
// and local single-process deployments. Non-ephemeral events are stored and
// replayed to later subscribers the way a relay answers a subscription with
// matching history.
type MemoryHub struct {
	mx     sync.Mutex
	nextId int
	subs   map[int]*memorySub
	stored []*Event
}

type memorySub struct {
	filters []Filter
	ch      chan *Event
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		subs: map[int]*memorySub{},
	}
}

// NewProvider returns a RelayProvider backed by this hub.
func (h *MemoryHub) NewProvider() RelayProvider {
	return &memoryRelay{hub: h}
}

func (h *MemoryHub) publish(ev *Event) {
	h.mx.Lock()
	defer h.mx.Unlock()

	if ev.Kind != KindEphemeral {
		// replaceable kinds keep only the latest event per author
		if ev.Kind == KindContactList || ev.Kind == KindSettings {
			kept := h.stored[:0]
			for _, old := range h.stored {
				if !(old.Kind == ev.Kind && old.PubKey == ev.PubKey) {
					kept = append(kept, old)
				}
			}
			h.stored = kept
		}
		h.stored = append(h.stored, ev)
	}

	for _, sub := range h.subs {
		for _, f := range sub.filters {
			if f.Matches(ev) {
				select {
				case sub.ch <- ev:
				default:
					// slow consumer, relay drops
				}
				break
			}
		}
	}
}

func (h *MemoryHub) subscribe(ctx context.Context, filters []Filter) <-chan *Event {
	h.mx.Lock()

	id := h.nextId
	h.nextId++

	sub := &memorySub{
		filters: filters,
		ch:      make(chan *Event, 1024),
	}
	h.subs[id] = sub

	// replay stored history matching the filters
	for _, ev := range h.stored {
		for _, f := range filters {
			if f.Matches(ev) {
				select {
				case sub.ch <- ev:
				default:
				}
				break
			}
		}
	}
	h.mx.Unlock()

	go func() {
		<-ctx.Done()
		h.mx.Lock()
		if h.subs[id] == sub {
			delete(h.subs, id)
			close(sub.ch)
		}
		h.mx.Unlock()
	}()

	return sub.ch
}

type memoryRelay struct {
	hub *MemoryHub

	mx      sync.Mutex
	cancels []func()
}

func (r *memoryRelay) Publish(_ context.Context, ev *Event) error {
	r.hub.publish(ev)
	return nil
}

func (r *memoryRelay) Subscribe(ctx context.Context, filters []Filter) (<-chan *Event, error) {
	subCtx, cancel := context.WithCancel(ctx)

	r.mx.Lock()
	r.cancels = append(r.cancels, cancel)
	r.mx.Unlock()

	return r.hub.subscribe(subCtx, filters), nil
}

func (r *memoryRelay) Close() {
	r.mx.Lock()
	cancels := r.cancels
	r.cancels = nil
	r.mx.Unlock()

	for _, c := range cancels {
		c()
	}
}
