// Package wshub implements the WebSocket hub: client connection
// lifecycle, per-message classification and fan-out, connect-time
// state snapshot, and heartbeat.
//
// The teacher's client transport is Server-Sent Events
// (internal/web/sse.go — a connection set of channels guarded by a
// mutex, "send on connect, remove on close/error"). Spec §4.8 calls
// for handleUpgrade/heartbeat/close semantics SSE cannot express, so
// this repo swaps the transport for github.com/gorilla/websocket
// (sourced from r3e-network-service_layer's dependency set) while
// keeping the teacher's connection-set-plus-mutex lifecycle shape.
package wshub

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ensemble/events"
)

// DefaultHeartbeatMs is the spec's default heartbeat interval.
const DefaultHeartbeatMs = 30_000

// StateProvider returns the current state-sync payload fields sent to
// a client immediately upon connecting; its keys are spread directly
// onto the state_sync message, per spec §4.8 ({ type:'state_sync',
// ...getState() }).
type StateProvider func() map[string]any

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type client struct {
	conn  *websocket.Conn
	mu    sync.Mutex // guards writes; gorilla conns are not write-concurrent-safe
	alive bool
}

func (c *client) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// Hub is the process-singleton WebSocket hub.
type Hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}

	stateProvider StateProvider

	heartbeatInterval time.Duration
	stopHeartbeat     chan struct{}
	heartbeatOnce     sync.Once
}

// Config configures a new Hub.
type Config struct {
	Logger        *slog.Logger
	StateProvider StateProvider
	HeartbeatMs   int
}

// New constructs a Hub and starts its heartbeat loop.
func New(cfg Config) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HeartbeatMs <= 0 {
		cfg.HeartbeatMs = DefaultHeartbeatMs
	}
	h := &Hub{
		logger:            cfg.Logger,
		clients:           make(map[*client]struct{}),
		stateProvider:     cfg.StateProvider,
		heartbeatInterval: time.Duration(cfg.HeartbeatMs) * time.Millisecond,
		stopHeartbeat:     make(chan struct{}),
	}
	go h.heartbeatLoop()
	return h
}

// HandleUpgrade upgrades an HTTP request to a WebSocket connection,
// tags it alive, adds it to the connection set, and immediately sends
// a state_sync message.
func (h *Hub) HandleUpgrade(w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &client{conn: conn, alive: true}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		h.mu.Lock()
		c.alive = true
		h.mu.Unlock()
		return nil
	})

	msg := map[string]any{"type": "state_sync"}
	if h.stateProvider != nil {
		for k, v := range h.stateProvider() {
			msg[k] = v
		}
	}
	if err := c.writeJSON(msg); err != nil {
		h.logger.Warn("state_sync write failed, dropping socket", "error", err)
		h.removeClient(c)
		conn.Close()
		return nil
	}

	go h.readLoop(c)
	return nil
}

// readLoop drains inbound frames (the command plane is HTTP, per spec
// §4.8, so inbound messages are not interpreted) until the connection
// closes, at which point the client is removed.
func (h *Hub) readLoop(c *client) {
	defer func() {
		h.removeClient(c)
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// Broadcast sends message to every open socket; closed/failing sockets
// are dropped (not treated as an error affecting other sockets).
func (h *Hub) Broadcast(message any) {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if err := c.writeJSON(message); err != nil {
			h.logger.Warn("client write failed, dropping socket", "error", err)
			h.removeClient(c)
			c.conn.Close()
		}
	}
}

// PublishClassifiedEvent wraps env with its classification and
// broadcasts it. preview, when non-empty, is a document artifact's
// rendered HTML (per spec §11's "optional preview payload") and is
// attached alongside the required fields.
func (h *Hub) PublishClassifiedEvent(env events.EventEnvelope, classified Classified, preview string) {
	msg := map[string]any{
		"type":                "event",
		"workspace":           classified.Workspace,
		"secondaryWorkspaces": classified.SecondaryWorkspaces,
		"envelope":            env,
	}
	if preview != "" {
		msg["preview"] = preview
	}
	h.Broadcast(msg)
}

// GetConnectionCount returns the number of currently open sockets.
func (h *Hub) GetConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close terminates every socket and stops the heartbeat loop.
func (h *Hub) Close() {
	h.heartbeatOnce.Do(func() { close(h.stopHeartbeat) })

	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

// heartbeatLoop pings every socket once per heartbeatInterval (30s by
// default); sockets that have not
// responded (via pong) since the previous ping are terminated.
func (h *Hub) heartbeatLoop() {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopHeartbeat:
			return
		case <-ticker.C:
			h.pingAll()
		}
	}
}

func (h *Hub) pingAll() {
	h.mu.Lock()
	var toDrop []*client
	for c := range h.clients {
		if !c.alive {
			toDrop = append(toDrop, c)
			continue
		}
		c.alive = false
	}
	for _, c := range toDrop {
		delete(h.clients, c)
	}
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range toDrop {
		c.conn.Close()
	}
	for _, c := range clients {
		c.mu.Lock()
		err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		c.mu.Unlock()
		if err != nil {
			h.removeClient(c)
			c.conn.Close()
		}
	}
}
