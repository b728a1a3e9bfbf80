package transport

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is a snapshot of both transport legs for UI/diagnostic display.
type Status struct {
	Broadcast         bool
	WebSocket         ConnState
	ReconnectAttempts int
	LastError         error
}

// Identity names this engine instance on the wire and filters inbound
// targeted messages.
type Identity struct {
	Role         string // "conductor", "performer", "visuals"
	PlayerNumber int    // 1-based, 0 when not a numbered performer
}

// Source renders the wire source string, e.g. "performer-2" or "conductor".
func (id Identity) Source() string {
	if id.PlayerNumber > 0 {
		return fmt.Sprintf("%s-%d", id.Role, id.PlayerNumber)
	}
	return id.Role
}

// Accepts reports whether a message target addresses this identity.
// Targets are "all", a role name, or "player-N".
func (id Identity) Accepts(target string) bool {
	switch target {
	case "", TargetAll:
		return true
	case id.Role:
		return true
	case fmt.Sprintf("player-%d", id.PlayerNumber):
		return id.PlayerNumber > 0
	}
	return false
}

// Handler receives accepted, deduplicated messages.
type Handler func(Message)

// Messenger fans outbound messages across the in-process bus and the
// WebSocket relay, and merges the inbound sides through a single
// deduplicating receive path. A message arriving on both transports is
// delivered to handlers exactly once.
type Messenger struct {
	identity Identity

	mu       sync.Mutex
	port     *Port
	ws       *WSClient
	dedup    *dedupSet
	handlers []Handler
	onStatus func(Status)
	status   Status
	pings    map[string]pendingPing
	closed   bool
}

type pendingPing struct {
	sentAt time.Time
	result func(rtt time.Duration, err error)
}

// MessengerOption configures the messenger.
type MessengerOption func(*Messenger)

// WithStatusFunc registers a callback invoked on every transport state change.
func WithStatusFunc(fn func(Status)) MessengerOption {
	return func(m *Messenger) { m.onStatus = fn }
}

// NewMessenger wires the messenger to an optional bus and an optional
// WebSocket client. Either may be nil; with both nil the messenger is a
// local no-op sink, which is still valid for offline rehearsal.
func NewMessenger(identity Identity, bus *Bus, ws *WSClient, opts ...MessengerOption) *Messenger {
	m := &Messenger{
		identity: identity,
		ws:       ws,
		dedup:    newDedupSet(defaultDedupCapacity),
		pings:    make(map[string]pendingPing),
		status:   Status{WebSocket: StateDisconnected},
	}
	for _, opt := range opts {
		opt(m)
	}
	if bus != nil {
		m.port = bus.Join()
		m.port.OnMessage(m.receive)
		m.status.Broadcast = true
	}
	if ws != nil {
		ws.OnMessage(m.receive)
		ws.OnState(m.wsStateChanged)
	}
	return m
}

// OnMessage registers a handler for accepted inbound messages.
func (m *Messenger) OnMessage(fn Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, fn)
}

// Status returns the current transport snapshot.
func (m *Messenger) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Send stamps the message with an id, timestamp, and this identity's
// source, then publishes on every configured transport. The id is what
// lets far-side receivers collapse the dual delivery back to one.
func (m *Messenger) Send(typ Type, target string, payload any) (Message, error) {
	msg, err := New(typ, target, payload)
	if err != nil {
		return Message{}, err
	}
	msg.ID = uuid.NewString()
	msg.Timestamp = nowMillis()
	msg.Source = m.identity.Source()
	m.publish(msg)
	return msg, nil
}

// Broadcast sends to all connected clients.
func (m *Messenger) Broadcast(typ Type, payload any) (Message, error) {
	return m.Send(typ, TargetAll, payload)
}

func (m *Messenger) publish(msg Message) {
	m.mu.Lock()
	port := m.port
	ws := m.ws
	// Own sends count as seen so a relay echo cannot come back around.
	m.dedup.observe(msg.ID)
	m.mu.Unlock()

	if port != nil {
		port.Send(msg)
	}
	if ws != nil {
		ws.Send(msg)
	}
}

// receive is the single merge point for both transports.
func (m *Messenger) receive(msg Message) {
	if msg.ID == "" {
		slog.Debug("dropping message without id", "type", msg.Type)
		return
	}
	if !m.identity.Accepts(msg.Target) {
		return
	}

	m.mu.Lock()
	if !m.dedup.observe(msg.ID) {
		m.mu.Unlock()
		return
	}
	handlers := append([]Handler(nil), m.handlers...)
	m.mu.Unlock()

	if m.handleDiagnostic(msg) {
		return
	}
	for _, fn := range handlers {
		fn(msg)
	}
}

// handleDiagnostic answers pings and resolves outstanding pongs. Returns
// true when the message was consumed by the diagnostic path.
func (m *Messenger) handleDiagnostic(msg Message) bool {
	switch msg.Type {
	case TypeDiagnosticPing:
		var p DiagnosticPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			slog.Debug("malformed diagnostic ping", "error", err)
			return true
		}
		if _, err := m.Send(TypeDiagnosticPong, msg.Source, p); err != nil {
			slog.Warn("pong failed", "error", err)
		}
		return true
	case TypeDiagnosticPong:
		var p DiagnosticPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return true
		}
		m.mu.Lock()
		pending, ok := m.pings[p.Nonce]
		if ok {
			delete(m.pings, p.Nonce)
		}
		m.mu.Unlock()
		if ok && pending.result != nil {
			pending.result(time.Since(pending.sentAt), nil)
		}
		return true
	}
	return false
}

// Ping measures round-trip time to whichever peer answers first. The
// result callback fires once, or with an error after the timeout.
func (m *Messenger) Ping(timeout time.Duration, result func(rtt time.Duration, err error)) error {
	nonce := uuid.NewString()
	m.mu.Lock()
	m.pings[nonce] = pendingPing{sentAt: time.Now(), result: result}
	m.mu.Unlock()

	_, err := m.Broadcast(TypeDiagnosticPing, DiagnosticPayload{
		Nonce:    nonce,
		SentAtMS: nowMillis(),
	})
	if err != nil {
		m.mu.Lock()
		delete(m.pings, nonce)
		m.mu.Unlock()
		return err
	}

	time.AfterFunc(timeout, func() {
		m.mu.Lock()
		pending, ok := m.pings[nonce]
		if ok {
			delete(m.pings, nonce)
		}
		m.mu.Unlock()
		if ok && pending.result != nil {
			pending.result(0, fmt.Errorf("ping %s timed out after %s", nonce, timeout))
		}
	})
	return nil
}

func (m *Messenger) wsStateChanged(state ConnState, err error, attempts int) {
	m.mu.Lock()
	m.status.WebSocket = state
	m.status.ReconnectAttempts = attempts
	if err != nil {
		m.status.LastError = err
	}
	snapshot := m.status
	fn := m.onStatus
	m.mu.Unlock()
	if fn != nil {
		fn(snapshot)
	}
}

// Close detaches from the bus and shuts the WebSocket client down.
func (m *Messenger) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	port := m.port
	ws := m.ws
	m.port = nil
	m.ws = nil
	m.mu.Unlock()

	if port != nil {
		port.Close()
	}
	if ws != nil {
		ws.Close()
	}
}
