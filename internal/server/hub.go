package server

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/opencanvas/placed/internal/grid"
	"github.com/opencanvas/placed/internal/observability"
	"github.com/opencanvas/placed/internal/protocol"
)

// sendBuffer is the per-connection outbound queue. A subscriber that cannot
// drain this many messages is dropped rather than allowed to stall the fanout.
const sendBuffer = 256

// Conn is one websocket session. Reads happen on the session goroutine;
// writes go through the send queue so hub fanout never blocks on a socket.
type Conn struct {
	ws     *websocket.Conn
	send   chan []byte
	userID string

	mu    sync.Mutex
	tiles map[string]struct{}

	// sendMu serializes enqueue against close. Broadcasters hold conn
	// references outside the hub lock, so the channel may only be closed
	// once no sender can reach it.
	sendMu sync.Mutex
	closed bool
}

func newConn(ws *websocket.Conn, userID string) *Conn {
	return &Conn{
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		userID: userID,
		tiles:  make(map[string]struct{}),
	}
}

// enqueue queues a message without blocking. Reports false when the queue is
// full or the connection already closed; a full queue means the connection is
// too slow to keep.
func (c *Conn) enqueue(msg []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Conn) close() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Conn) tileKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.tiles))
	for k := range c.tiles {
		keys = append(keys, k)
	}
	return keys
}

// Hub tracks open connections and their tile subscriptions, and owns all
// fanout: tile deltas to subscribers, presence to tiles, user counts to
// everyone.
type Hub struct {
	node string
	log  zerolog.Logger

	mu    sync.Mutex
	conns map[*Conn]struct{}
	subs  map[string]map[*Conn]struct{}
}

func NewHub(node string, log zerolog.Logger) *Hub {
	return &Hub{
		node:  node,
		log:   log,
		conns: make(map[*Conn]struct{}),
		subs:  make(map[string]map[*Conn]struct{}),
	}
}

// add registers a connection and broadcasts the new user count.
func (h *Hub) add(c *Conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()
	observability.SetWSConnections(h.node, n)
	h.broadcastUserCount(n)
}

// remove drops a connection, its subscriptions, and broadcasts presence
// updates for every tile it was watching.
func (h *Hub) remove(c *Conn) {
	keys := c.tileKeys()
	h.mu.Lock()
	delete(h.conns, c)
	n := len(h.conns)
	counts := make(map[string]int, len(keys))
	for _, key := range keys {
		if set, ok := h.subs[key]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.subs, key)
			}
			counts[key] = len(set)
		}
	}
	h.mu.Unlock()
	c.close()
	observability.SetWSConnections(h.node, n)
	h.broadcastUserCount(n)
	for key, count := range counts {
		h.broadcastPop(key, count)
	}
}

// subscribe attaches c to a tile and returns the new subscriber count.
func (h *Hub) subscribe(c *Conn, key string) int {
	c.mu.Lock()
	c.tiles[key] = struct{}{}
	c.mu.Unlock()
	h.mu.Lock()
	set, ok := h.subs[key]
	if !ok {
		set = make(map[*Conn]struct{})
		h.subs[key] = set
	}
	set[c] = struct{}{}
	n := len(set)
	h.mu.Unlock()
	return n
}

// unsubscribe detaches c from a tile and returns the new subscriber count.
// Messages already queued for c are not recalled.
func (h *Hub) unsubscribe(c *Conn, key string) int {
	c.mu.Lock()
	delete(c.tiles, key)
	c.mu.Unlock()
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[key]
	if !ok {
		return 0
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.subs, key)
		return 0
	}
	return len(set)
}

// broadcastTile fans a message out to every subscriber of a tile, dropping
// connections whose queues are full.
func (h *Hub) broadcastTile(key string, msg []byte) int {
	h.mu.Lock()
	set := h.subs[key]
	targets := make([]*Conn, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	h.mu.Unlock()
	sent := 0
	for _, c := range targets {
		if c.enqueue(msg) {
			sent++
		} else {
			h.log.Warn().Str("tile", key).Str("user", c.userID).Msg("slow_subscriber_dropped")
			h.remove(c)
		}
	}
	return sent
}

func (h *Hub) broadcastAll(msg []byte) {
	h.mu.Lock()
	targets := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.Unlock()
	for _, c := range targets {
		if !c.enqueue(msg) {
			h.remove(c)
		}
	}
}

func (h *Hub) broadcastPop(key string, count int) {
	t, err := grid.ParseKey(key)
	if err != nil {
		return
	}
	msg, err := protocol.Encode(protocol.KindPop, protocol.PopPayload{TX: t.TX, TY: t.TY, Count: count})
	if err != nil {
		return
	}
	h.broadcastTile(key, msg)
}

func (h *Hub) broadcastUserCount(count int) {
	msg, err := protocol.Encode(protocol.KindUserCount, protocol.UserCountPayload{Count: count})
	if err != nil {
		return
	}
	h.broadcastAll(msg)
}
