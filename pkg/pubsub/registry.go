package pubsub

import (
	"context"
	"sync"
)

// Binding identifies one handler bound to one event on a channel.
type Binding struct {
	id    uint64
	event string
}

// Event returns the event name the binding listens to.
func (b *Binding) Event() string {
	if b == nil {
		return ""
	}
	return b.event
}

type boundHandler struct {
	binding *Binding
	handler Handler
}

// channel is the Channel handed to subscribers. One instance exists per
// channel name for as long as at least one subscriber holds it.
type channel struct {
	name string

	mu       sync.RWMutex
	nextID   uint64
	handlers map[string][]boundHandler
}

func newChannel(name string) *channel {
	return &channel{name: name, handlers: make(map[string][]boundHandler)}
}

func (c *channel) Name() string {
	return c.name
}

func (c *channel) Bind(event string, handler Handler) *Binding {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	b := &Binding{id: c.nextID, event: event}
	c.handlers[event] = append(c.handlers[event], boundHandler{binding: b, handler: handler})
	return b
}

func (c *channel) Unbind(b *Binding) {
	if b == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.handlers[b.event]
	for i, bh := range list {
		if bh.binding.id == b.id {
			c.handlers[b.event] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(c.handlers[b.event]) == 0 {
		delete(c.handlers, b.event)
	}
}

func (c *channel) bindingCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, list := range c.handlers {
		n += len(list)
	}
	return n
}

// dispatch runs the handlers bound to msg.Event. Handlers are called without
// holding the channel lock so they may unbind or unsubscribe.
func (c *channel) dispatch(ctx context.Context, msg Message) int {
	c.mu.RLock()
	list := append([]boundHandler(nil), c.handlers[msg.Event]...)
	c.mu.RUnlock()

	for _, bh := range list {
		bh.handler(ctx, msg)
	}
	return len(list)
}

type registryEntry struct {
	ch   *channel
	refs int
}

// registry tracks live channels and their subscriber counts.
type registry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*registryEntry)}
}

// acquire returns the channel for name, creating it on first use.
func (r *registry) acquire(name string) (*channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		e.refs++
		return e.ch, false
	}
	e := &registryEntry{ch: newChannel(name), refs: 1}
	r.entries[name] = e
	return e.ch, true
}

// release drops one reference and reports whether the channel is gone.
func (r *registry) release(name string) (found, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return false, false
	}
	e.refs--
	if e.refs > 0 {
		return true, false
	}
	delete(r.entries, name)
	return true, true
}

func (r *registry) lookup(name string) *channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		return e.ch
	}
	return nil
}

func (r *registry) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	return out
}
