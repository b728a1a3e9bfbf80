// Package relay implements the WebSocket rendezvous server. Every engine
// instance in a performance connects here; the relay rebroadcasts each
// message to every other client, stamping a server timestamp on the way
// through. It holds no performance state and makes no ordering promises
// beyond per-connection FIFO.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/automaton/internal/transport"
)

const (
	// DefaultPort is where engines expect to find the relay.
	DefaultPort = 1421
	// DefaultPath is the WebSocket endpoint path.
	DefaultPath = "/performance"

	writeWait = 10 * time.Second
)

// ServerSource is stamped onto every relayed message.
const ServerSource = "relay"

// Server accepts WebSocket clients and fans messages out between them.
type Server struct {
	path     string
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	relayed int64

	http *http.Server
}

type client struct {
	conn   *websocket.Conn
	role   string
	player int

	// out serializes writes; gorilla allows one concurrent writer.
	out    chan transport.Message
	closed chan struct{}
	once   sync.Once
}

func (c *client) label() string {
	if c.player > 0 {
		return fmt.Sprintf("%s-%d", c.role, c.player)
	}
	return c.role
}

// target is the wire address the client's engine filters on: numbered
// performers listen on player-N, everyone else on their role.
func (c *client) target() string {
	if c.player > 0 {
		return fmt.Sprintf("player-%d", c.player)
	}
	return c.role
}

// New creates a relay serving the given endpoint path.
func New(path string) *Server {
	if path == "" {
		path = DefaultPath
	}
	return &Server{
		path: path,
		upgrader: websocket.Upgrader{
			// Performance machines and displays live on arbitrary
			// origins (file://, localhost dev servers), so origin
			// checks stay off.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Handler returns the HTTP handler for mounting under a larger mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.serveWS)
	return mux
}

// ListenAndServe blocks serving on addr until ctx is cancelled, then
// drains clients and shuts the listener down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.Handler()}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("relay listen on %s: %w", addr, err)
	}
	slog.Info("relay listening", "addr", ln.Addr().String(), "path", s.path)

	errc := make(chan error, 1)
	go func() { errc <- s.http.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.closeClients()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("relay shutdown: %w", err)
		}
		return nil
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("relay serve: %w", err)
	}
}

// ClientCount reports the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Relayed reports the total number of messages rebroadcast.
func (s *Server) Relayed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relayed
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	role := r.URL.Query().Get("role")
	if role == "" {
		role = "unknown"
	}
	player, _ := strconv.Atoi(r.URL.Query().Get("player"))

	c := &client{
		conn:   conn,
		role:   role,
		player: player,
		out:    make(chan transport.Message, 64),
		closed: make(chan struct{}),
	}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	slog.Info("client joined", "client", c.label(), "remote", r.RemoteAddr, "total", n)

	go s.writeLoop(c)
	s.welcome(c)
	s.readLoop(c)

	s.mu.Lock()
	delete(s.clients, c)
	n = len(s.clients)
	s.mu.Unlock()
	c.shutdown()
	slog.Info("client left", "client", c.label(), "total", n)
}

// welcome greets a new client so it can confirm the relay round-trip
// before the performance starts.
func (s *Server) welcome(c *client) {
	m := transport.MustNew(transport.TypeRelayWelcome, c.target(), transport.WelcomePayload{
		Role:    c.role,
		Player:  c.player,
		Message: "connected to performance relay",
	})
	m.ID = fmt.Sprintf("welcome-%s-%d", c.label(), time.Now().UnixNano())
	m.Timestamp = time.Now().UnixMilli()
	m.ServerTimestamp = m.Timestamp
	m.ServerSource = ServerSource
	c.send(m)
}

func (s *Server) readLoop(c *client) {
	for {
		var m transport.Message
		if err := c.conn.ReadJSON(&m); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("client read failed", "client", c.label(), "error", err)
			}
			return
		}
		if m.ID == "" || m.Type == "" {
			// Malformed traffic is dropped here, never propagated.
			slog.Warn("dropping malformed message", "client", c.label(), "type", m.Type)
			continue
		}
		s.rebroadcast(c, m)
	}
}

// rebroadcast stamps the message and fans it out to every other client.
// The sender is excluded; its own engine already delivered locally.
func (s *Server) rebroadcast(from *client, m transport.Message) {
	m.ServerTimestamp = time.Now().UnixMilli()
	m.ServerSource = ServerSource

	s.mu.Lock()
	s.relayed++
	peers := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		if c != from {
			peers = append(peers, c)
		}
	}
	s.mu.Unlock()

	for _, c := range peers {
		c.send(m)
	}
}

func (s *Server) closeClients() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.shutdown()
	}
}

// send queues without blocking; a slow consumer loses messages rather
// than stalling the performance for everyone else.
func (c *client) send(m transport.Message) {
	select {
	case c.out <- m:
	case <-c.closed:
	default:
		slog.Warn("slow client, dropping message", "client", c.label(), "type", m.Type)
	}
}

func (c *client) shutdown() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

func (s *Server) writeLoop(c *client) {
	for {
		select {
		case m := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(m); err != nil {
				c.shutdown()
				return
			}
		case <-c.closed:
			return
		}
	}
}
