// Package hub fans out session events to connected browser clients over a
// one-direction push channel. Each client gets a bounded queue; publishing
// never blocks — a client that cannot keep up is dropped and reconnects.
package hub

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// pingInterval keeps idle connections alive.
const pingInterval = 30 * time.Second

// writeTimeout bounds a single frame write so one stuck socket cannot wedge
// its write pump forever.
const writeTimeout = 10 * time.Second

// Client is one connected push-channel consumer.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan Event
	once sync.Once
}

func newClient(conn *websocket.Conn, queueSize int) *Client {
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan Event, queueSize),
	}
}

// ID returns the client's connection ID.
func (c *Client) ID() string { return c.id }

// writePump drains the client queue onto the socket, emitting a ping after
// 30 s of idleness. Returns on any write error.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.write(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(Event{Name: EvPing}); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub is the set of connected clients.
type Hub struct {
	mu        sync.Mutex
	clients   map[*Client]bool
	queueSize int
}

func New(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Hub{
		clients:   make(map[*Client]bool),
		queueSize: queueSize,
	}
}

// AddClient registers the connection and starts its write pump. The caller
// has already performed catchup writes on the raw connection.
func (h *Hub) AddClient(conn *websocket.Conn) *Client {
	c := newClient(conn, h.queueSize)
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	go c.writePump()
	return c
}

// RemoveClient unregisters and closes the client.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast publishes an event to every client. The hub lock is held only
// long enough to collect the client set; the per-client enqueue is
// non-blocking, and a full queue drops the client.
func (h *Hub) Broadcast(ev Event) {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		select {
		case c.send <- ev:
		default:
			log.Printf("[hub] client %s too slow, dropping", c.id)
			h.RemoveClient(c)
		}
	}
}

// Send publishes an event to a single client, dropping it on a full queue.
func (h *Hub) Send(c *Client, ev Event) {
	select {
	case c.send <- ev:
	default:
		log.Printf("[hub] client %s too slow, dropping", c.id)
		h.RemoveClient(c)
	}
}

// BroadcastMessage publishes one transcript message.
func (h *Hub) BroadcastMessage(p MessagePayload) {
	h.Broadcast(Event{Name: EvMessage, Data: p})
}

// BroadcastSessionAdded announces a newly tracked session.
func (h *Hub) BroadcastSessionAdded(v SessionView) {
	h.Broadcast(Event{Name: EvSessionAdded, Data: v})
}

// BroadcastSessionRemoved announces an untracked session.
func (h *Hub) BroadcastSessionRemoved(sessionID string) {
	h.Broadcast(Event{Name: EvSessionRemoved, Data: map[string]string{"session_id": sessionID}})
}

// BroadcastStatus publishes liveness flags.
func (h *Hub) BroadcastStatus(p StatusPayload) {
	h.Broadcast(Event{Name: EvSessionStatus, Data: p})
}

// BroadcastTokenUsage publishes updated cumulative usage.
func (h *Hub) BroadcastTokenUsage(p TokenUsagePayload) {
	h.Broadcast(Event{Name: EvTokenUsageUpdated, Data: p})
}

// BroadcastSummaryUpdated publishes reloaded summary fields.
func (h *Hub) BroadcastSummaryUpdated(p SummaryPayload) {
	h.Broadcast(Event{Name: EvSummaryUpdated, Data: p})
}

// BroadcastPermissionDenied publishes CLI permission denials.
func (h *Hub) BroadcastPermissionDenied(p PermissionDeniedPayload) {
	h.Broadcast(Event{Name: EvPermissionDenied, Data: p})
}
