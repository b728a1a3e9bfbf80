package transport

import (
	"log/slog"
	"sync"
)

// Bus is the in-process broadcast channel: every port joined to the bus
// receives every message sent by any other port. Delivery is synchronous
// and never reaches the sender's own handler, matching BroadcastChannel
// semantics.
type Bus struct {
	mu    sync.RWMutex
	ports map[*Port]struct{}
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{ports: make(map[*Port]struct{})}
}

// Join attaches a new port to the bus.
func (b *Bus) Join() *Port {
	p := &Port{bus: b}
	b.mu.Lock()
	b.ports[p] = struct{}{}
	b.mu.Unlock()
	return p
}

// publish delivers to every port except the sender.
func (b *Bus) publish(from *Port, m Message) {
	b.mu.RLock()
	targets := make([]*Port, 0, len(b.ports))
	for p := range b.ports {
		if p != from {
			targets = append(targets, p)
		}
	}
	b.mu.RUnlock()

	for _, p := range targets {
		p.deliver(m)
	}
}

func (b *Bus) leave(p *Port) {
	b.mu.Lock()
	delete(b.ports, p)
	b.mu.Unlock()
}

// Port is one window's attachment to the bus.
type Port struct {
	bus *Bus

	mu      sync.Mutex
	handler func(Message)
	closed  bool
}

// OnMessage sets the receive handler. Handlers run synchronously on the
// sender's goroutine and must not block.
func (p *Port) OnMessage(fn func(Message)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = fn
}

// Send broadcasts to every other port on the bus.
func (p *Port) Send(m Message) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		slog.Debug("send on closed broadcast port dropped", "type", m.Type)
		return
	}
	p.mu.Unlock()

	m.Transport = TransportBroadcast
	p.bus.publish(p, m)
}

// Close detaches the port. Further sends and deliveries are dropped.
func (p *Port) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.handler = nil
	p.mu.Unlock()
	p.bus.leave(p)
}

func (p *Port) deliver(m Message) {
	p.mu.Lock()
	fn := p.handler
	closed := p.closed
	p.mu.Unlock()
	if closed || fn == nil {
		return
	}
	fn(m)
}
