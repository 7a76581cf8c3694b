// Package ws streams engine events to WebSocket clients. Clients pick the
// channels they want with glob patterns; private channels (shares:{user},
// orders:{user}) only reach the connection opened by that user.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/efreitasn/predex/internal/pubsub"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096

	defaultSendBuffer = 256
	maxPatterns       = 64
)

// UserHeader carries the upstream-authenticated address of the connecting
// user.
const UserHeader = "X-User-Address"

var privatePrefixes = []string{"shares:", "orders:"}

// Config tunes the hub.
type Config struct {
	// AllowedOrigins restricts the Origin header on upgrade. Empty allows any.
	AllowedOrigins []string
	SendBuffer     int
}

// Hub fans bus messages out to connected clients.
type Hub struct {
	sub        pubsub.Subscriber
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	sendBuffer int

	clients    map[*client]struct{}
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a hub reading from sub. Run must be started before
// clients connect.
func NewHub(sub pubsub.Subscriber, logger *slog.Logger, cfg Config) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	h := &Hub{
		sub:        sub,
		logger:     logger.With(slog.String("component", "ws")),
		sendBuffer: cfg.SendBuffer,
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
	origins := slices.Clone(cfg.AllowedOrigins)
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(origins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(origins, origin)
		},
	}
	return h
}

// Run subscribes to every channel and serves clients until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	msgs, err := h.sub.Subscribe(ctx, "*")
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.stop()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", slog.String("user", c.user), slog.Int("clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.stop()
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", slog.String("user", c.user), slog.Int("clients", n))

		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg pubsub.Message) {
	frame, err := json.Marshal(outbound{Type: "event", Channel: msg.Channel, Data: json.RawMessage(msg.Data)})
	if err != nil {
		h.logger.Warn("dropping undecodable event", slog.String("channel", msg.Channel), slog.String("error", err.Error()))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(msg.Channel) {
			continue
		}
		select {
		case c.send <- frame:
		default:
			h.logger.Warn("dropping message for slow client", slog.String("user", c.user), slog.String("channel", msg.Channel))
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and registers the connection.
// GET /ws
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		user: strings.TrimSpace(r.Header.Get(UserHeader)),
		send: make(chan []byte, h.sendBuffer),
		quit: make(chan struct{}),
		subs: make(map[string]struct{}),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// request is a subscription management message sent by a client.
type request struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

// outbound is every frame the hub writes.
type outbound struct {
	Type     string          `json:"type"`
	Channel  string          `json:"channel,omitempty"`
	Channels []string        `json:"channels,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Message  string          `json:"message,omitempty"`
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	user string
	send chan []byte
	quit chan struct{}
	once sync.Once

	mu   sync.RWMutex
	subs map[string]struct{}
}

// stop makes writePump close the connection. send is never closed, so
// late replies from readPump cannot panic.
func (c *client) stop() {
	c.once.Do(func() { close(c.quit) })
}

// wants reports whether any subscribed pattern matches channel and the
// channel is visible to this client.
func (c *client) wants(channel string) bool {
	for _, prefix := range privatePrefixes {
		if owner, ok := strings.CutPrefix(channel, prefix); ok && (c.user == "" || owner != c.user) {
			return false
		}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for pattern := range c.subs {
		if pubsub.Match(pattern, channel) {
			return true
		}
	}
	return false
}

func (c *client) handle(req request) outbound {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch req.Action {
	case "subscribe":
		for _, p := range req.Channels {
			if !pubsub.ValidPattern(p) {
				return outbound{Type: "error", Message: "invalid channel pattern: " + p}
			}
		}
		if len(c.subs)+len(req.Channels) > maxPatterns {
			return outbound{Type: "error", Message: "too many subscriptions"}
		}
		for _, p := range req.Channels {
			c.subs[p] = struct{}{}
		}
	case "unsubscribe":
		for _, p := range req.Channels {
			delete(c.subs, p)
		}
	default:
		return outbound{Type: "error", Message: "action must be one of: subscribe, unsubscribe"}
	}

	subs := make([]string, 0, len(c.subs))
	for p := range c.subs {
		subs = append(subs, p)
	}
	slices.Sort(subs)
	return outbound{Type: "subscriptions", Channels: subs}
}

func (c *client) reply(v outbound) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- b:
	default:
	}
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			c.reply(outbound{Type: "error", Message: "malformed message"})
			continue
		}
		c.reply(c.handle(req))
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.quit:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
