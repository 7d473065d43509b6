package platform

import (
	"sort"
	"sync"
)

// Handler processes one event.
type Handler func(Event) Response

// Dispatcher fans shell events out to subscribed handlers. It is safe for
// concurrent use; handlers run on the dispatching goroutine in subscription
// order.
type Dispatcher struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[EventType]map[uint64]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[EventType]map[uint64]Handler)}
}

// Subscribe registers h for events of type t. The returned function removes
// the handler and may be called more than once.
func (d *Dispatcher) Subscribe(t EventType, h Handler) (unsubscribe func()) {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	if d.handlers[t] == nil {
		d.handlers[t] = make(map[uint64]Handler)
	}
	d.handlers[t][id] = h
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.handlers[t], id)
			if len(d.handlers[t]) == 0 {
				delete(d.handlers, t)
			}
			d.mu.Unlock()
		})
	}
}

// Dispatch delivers e to every handler of its type and merges the verdicts.
// Events without subscribers are allowed through.
func (d *Dispatcher) Dispatch(e Event) Response {
	d.mu.RLock()
	subs := d.handlers[e.Type]
	ids := make([]uint64, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	hs := make([]Handler, 0, len(ids))
	for _, id := range ids {
		hs = append(hs, subs[id])
	}
	d.mu.RUnlock()

	var resp Response
	for _, h := range hs {
		resp = resp.Merge(h(e))
	}
	return resp
}

// Subscribers returns the number of handlers registered for t.
func (d *Dispatcher) Subscribers(t EventType) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[t])
}

// Total returns the number of registered handlers across all types.
func (d *Dispatcher) Total() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, hs := range d.handlers {
		n += len(hs)
	}
	return n
}
