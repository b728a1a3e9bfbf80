package transport

import (
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ConnState describes the WebSocket leg's health for the status callback.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateError        ConnState = "error"
)

// Queue and backoff tuning.
const (
	maxQueuedMessages = 200
	defaultBaseDelay  = 500 * time.Millisecond
	defaultMaxDelay   = 10 * time.Second
)

// WSClient maintains a WebSocket connection to the relay, reconnecting
// with capped backoff and queueing outbound messages while disconnected.
//
// All writes go through one queue drained by a single writer goroutine
// per connection; gorilla allows exactly one concurrent writer, and
// sends arrive here from many goroutines (scheduler callbacks, cue
// timers, the CLI). Backoff grows as min(maxDelay, baseDelay * attempts)
// and resets on a successful open. The queue holds the most recent 200
// messages; older ones are dropped, which is the documented
// lossy-under-pressure behavior for extended outages.
type WSClient struct {
	url       string
	baseDelay time.Duration
	maxDelay  time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	queue     []Message
	attempts  int
	closed    bool
	onMessage func(Message)
	onState   func(state ConnState, err error, attempts int)

	// wake signals the writer that the queue went non-empty.
	wake chan struct{}
	done chan struct{}
}

// WSOption configures the client.
type WSOption func(*WSClient)

// WithBackoff overrides the reconnect delays (tests use millisecond values).
func WithBackoff(base, max time.Duration) WSOption {
	return func(c *WSClient) {
		c.baseDelay = base
		c.maxDelay = max
	}
}

// RelayURL assembles the relay endpoint with role/player query params.
func RelayURL(host string, port int, path, role string, player int) string {
	q := url.Values{}
	q.Set("role", role)
	if player > 0 {
		q.Set("player", strconv.Itoa(player))
	}
	u := url.URL{Scheme: "ws", Host: fmt.Sprintf("%s:%d", host, port), Path: path, RawQuery: q.Encode()}
	return u.String()
}

// NewWSClient creates a client for the given ws:// URL. Call Run to start.
func NewWSClient(wsURL string, opts ...WSOption) *WSClient {
	c := &WSClient{
		url:       wsURL,
		baseDelay: defaultBaseDelay,
		maxDelay:  defaultMaxDelay,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnMessage sets the receive handler.
func (c *WSClient) OnMessage(fn func(Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

// OnState sets the connection state callback.
func (c *WSClient) OnState(fn func(state ConnState, err error, attempts int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

// Run drives the connect/read/reconnect loop until Close. Call in its own
// goroutine.
func (c *WSClient) Run() {
	for {
		if c.isClosed() {
			return
		}
		c.notify(StateConnecting, nil)

		conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
		if err != nil {
			attempts := c.bumpAttempts()
			c.notify(StateError, err)
			slog.Warn("relay dial failed", "url", c.url, "attempt", attempts, "error", err)
			if !c.sleepBackoff(attempts) {
				return
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.attempts = 0
		pending := len(c.queue)
		c.mu.Unlock()

		c.notify(StateConnected, nil)
		slog.Info("relay connected", "url", c.url, "flushing", pending)

		// The writer drains any queued backlog first, in send order, then
		// keeps going with live sends. The read loop runs on this
		// goroutine; either side failing retires the connection.
		connDone := make(chan struct{})
		writerDone := make(chan struct{})
		go c.writeLoop(conn, connDone, writerDone)
		c.readLoop(conn)
		close(connDone)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
		<-writerDone

		if c.isClosed() {
			return
		}
		attempts := c.bumpAttempts()
		c.notify(StateDisconnected, nil)
		if !c.sleepBackoff(attempts) {
			return
		}
	}
}

// writeLoop is the connection's only writer. A failed write puts the
// message back at the head of the queue for the next connection.
func (c *WSClient) writeLoop(conn *websocket.Conn, connDone, writerDone chan struct{}) {
	defer close(writerDone)
	for {
		m, ok := c.nextMessage(connDone)
		if !ok {
			return
		}
		if err := conn.WriteJSON(m); err != nil {
			slog.Warn("relay write failed, requeueing", "type", m.Type, "error", err)
			c.pushFront(m)
			_ = conn.Close() // unblocks the read loop, which drives the reconnect
			return
		}
	}
}

// nextMessage blocks until a message is queued or the connection retires.
func (c *WSClient) nextMessage(connDone chan struct{}) (Message, bool) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			m := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return m, true
		}
		c.mu.Unlock()

		select {
		case <-connDone:
			return Message{}, false
		case <-c.done:
			return Message{}, false
		case <-c.wake:
		}
	}
}

func (c *WSClient) readLoop(conn *websocket.Conn) {
	for {
		var m Message
		if err := conn.ReadJSON(&m); err != nil {
			if !c.isClosed() {
				slog.Warn("relay read failed", "error", err)
			}
			return
		}
		m.Transport = TransportWebSocket
		c.mu.Lock()
		fn := c.onMessage
		c.mu.Unlock()
		if fn != nil {
			fn(m)
		}
	}
}

// Send queues the message for the writer goroutine. Safe to call from
// any goroutine; while disconnected the queue simply accumulates for
// the next flush.
func (c *WSClient) Send(m Message) {
	m.Transport = TransportWebSocket

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		slog.Debug("send on closed client dropped", "type", m.Type)
		return
	}
	c.enqueueLocked(m)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// QueueLen reports the number of messages waiting to be written.
func (c *WSClient) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Close stops the loop and closes any open connection.
func (c *WSClient) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *WSClient) enqueueLocked(m Message) {
	c.queue = append(c.queue, m)
	if len(c.queue) > maxQueuedMessages {
		// Oldest dropped first; the newest state is the one worth keeping.
		over := len(c.queue) - maxQueuedMessages
		c.queue = c.queue[over:]
		slog.Debug("outbound queue full, dropped oldest", "dropped", over)
	}
}

// pushFront reinstates a message whose write failed. If the queue is at
// capacity the reinstated message is itself the oldest and gets dropped.
func (c *WSClient) pushFront(m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append([]Message{m}, c.queue...)
	if over := len(c.queue) - maxQueuedMessages; over > 0 {
		c.queue = c.queue[over:]
	}
}

func (c *WSClient) bumpAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	return c.attempts
}

// Attempts returns the current reconnect attempt count.
func (c *WSClient) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *WSClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *WSClient) notify(state ConnState, err error) {
	c.mu.Lock()
	fn := c.onState
	attempts := c.attempts
	c.mu.Unlock()
	if fn != nil {
		fn(state, err, attempts)
	}
}

// backoffDelay computes min(maxDelay, baseDelay * attempts).
func (c *WSClient) backoffDelay(attempts int) time.Duration {
	d := c.baseDelay * time.Duration(attempts)
	if d > c.maxDelay {
		d = c.maxDelay
	}
	return d
}

// sleepBackoff waits out the backoff; false means the client closed.
func (c *WSClient) sleepBackoff(attempts int) bool {
	select {
	case <-c.done:
		return false
	case <-time.After(c.backoffDelay(attempts)):
		return true
	}
}
