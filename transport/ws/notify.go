// Package ws delivers change notifications over WebSocket. Notifications are
// hints only: a replica that receives one requests a sync pass, and a replica
// that misses them all still converges through its periodic pull.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/carebridge/medsync/logging"
)

// Notification announces that new change records are available at the hub.
type Notification struct {
	Endpoint   string    `json:"endpoint"`
	EntityType string    `json:"entity_type,omitempty"`
	At         time.Time `json:"at"`
}

// ListenerConfig configures the notification listener.
type ListenerConfig struct {
	// URL is the hub's notification endpoint, e.g. "wss://hub.example.org/notify".
	URL string

	// ReconnectDelay is the wait between reconnect attempts after the
	// connection drops. Defaults to 5s.
	ReconnectDelay time.Duration

	// PingInterval is how often to ping the hub. Defaults to 30s.
	PingInterval time.Duration
}

func (c *ListenerConfig) setDefaults() {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
}

// Listener maintains a WebSocket connection to the hub and invokes the
// handler for every notification received. Connection loss is tolerated;
// the listener reconnects until its context is cancelled.
type Listener struct {
	config  ListenerConfig
	handler func(Notification)
	logger  *logging.Logger
	dialer  *websocket.Dialer
}

// NewListener creates a listener that calls handler on each notification.
func NewListener(config ListenerConfig, handler func(Notification)) (*Listener, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("notification URL is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	config.setDefaults()
	return &Listener{
		config:  config,
		handler: handler,
		logger:  logging.WithComponent(logging.Component("ws-listener")),
		dialer:  websocket.DefaultDialer,
	}, nil
}

// Run connects and dispatches notifications until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	for {
		if err := l.runOnce(ctx); err != nil {
			l.logger.WarnContext(ctx, "notification connection lost",
				slog.String("url", l.config.URL),
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.config.ReconnectDelay):
		}
	}
}

func (l *Listener) runOnce(ctx context.Context) error {
	conn, _, err := l.dialer.DialContext(ctx, l.config.URL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	// Close the connection when ctx is cancelled so ReadMessage unblocks.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	go l.pingLoop(ctx, conn, stop)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		var n Notification
		if err := json.Unmarshal(msg, &n); err != nil {
			l.logger.WarnContext(ctx, "malformed notification", slog.String("error", err.Error()))
			continue
		}
		l.handler(n)
	}
}

func (l *Listener) pingLoop(ctx context.Context, conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(l.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

// --- server-side hub -------------------------------------------------------

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans change notifications out to connected replicas. Writes to each
// connection are serialized through a per-connection mutex: Broadcast may be
// called from concurrent goroutines, and gorilla/websocket permits at most
// one concurrent writer per connection.
type Hub struct {
	logger *logging.Logger

	mu    sync.RWMutex
	conns map[*websocket.Conn]*sync.Mutex
}

// NewHub creates an empty notification hub.
func NewHub() *Hub {
	return &Hub{
		logger: logging.WithComponent(logging.Component("ws-hub")),
		conns:  make(map[*websocket.Conn]*sync.Mutex),
	}
}

// ServeHTTP upgrades the request and keeps the connection registered until
// the peer goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WarnContext(r.Context(), "websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	h.mu.Lock()
	h.conns[conn] = &sync.Mutex{}
	h.mu.Unlock()

	// Drain reads so pings and close frames are processed.
	go func() {
		defer h.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Broadcast sends a notification to every connected replica. Slow or dead
// connections are dropped rather than blocking the rest.
func (h *Hub) Broadcast(n Notification) {
	msg, err := json.Marshal(n)
	if err != nil {
		return
	}

	type peer struct {
		conn *websocket.Conn
		mu   *sync.Mutex
	}
	h.mu.RLock()
	peers := make([]peer, 0, len(h.conns))
	for c, mu := range h.conns {
		peers = append(peers, peer{conn: c, mu: mu})
	}
	h.mu.RUnlock()

	for _, p := range peers {
		p.mu.Lock()
		p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		err := p.conn.WriteMessage(websocket.TextMessage, msg)
		p.mu.Unlock()
		if err != nil {
			h.drop(p.conn)
		}
	}
}

// Close disconnects every peer.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		c.Close()
	}
	h.conns = make(map[*websocket.Conn]*sync.Mutex)
	return nil
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	conn.Close()
}
