// Package client is a reference canvas subscriber: it gates on the
// handshake, tracks per-tile delta streams, resynchronizes on sequence gaps
// with backoff, and falls back to conditional snapshot fetches when history
// has been compacted away.
package client

import (
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/opencanvas/placed/internal/delta"
	"github.com/opencanvas/placed/internal/grid"
	"github.com/opencanvas/placed/internal/palette"
	"github.com/opencanvas/placed/internal/protocol"
)

// ErrIncompatible is returned when the server's declared wire parameters
// fail the strict v1 equality gate. There is no remediation path.
var ErrIncompatible = fmt.Errorf("client: server handshake incompatible")

// Handlers receive decoded server events. Nil handlers are skipped. All
// handlers run on the read loop goroutine.
type Handlers struct {
	OnTile      func(t grid.Tile, state *delta.TileState)
	OnPop       func(p protocol.PopPayload)
	OnUserCount func(p protocol.UserCountPayload)
	OnError     func(f protocol.ErrorFrame)
	OnRateLimit func(h protocol.RateLimitHint)
	OnPong      func(p protocol.PongPayload)
}

type Client struct {
	log      zerolog.Logger
	httpc    *http.Client
	baseURL  string
	conn     *websocket.Conn
	handlers Handlers
	backoff  BackoffConfig
	rng      *rand.Rand

	writeMu sync.Mutex

	mu       sync.Mutex
	streams  map[string]*delta.Stream
	attempts map[string]int
	etags    map[string]string
	blobs    map[string][]int

	baseline int
	userID   string
}

// Dial checks the server handshake and opens the websocket. baseURL is the
// http(s) root of the node.
func Dial(baseURL, userID string, handlers Handlers, log zerolog.Logger) (*Client, error) {
	baseURL = strings.TrimSuffix(baseURL, "/")
	httpc := &http.Client{Timeout: 10 * time.Second}

	resp, err := httpc.Get(baseURL + "/handshake")
	if err != nil {
		return nil, fmt.Errorf("client: handshake request: %w", err)
	}
	defer resp.Body.Close()
	var info protocol.HandshakeInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("client: handshake decode: %w", err)
	}
	if !protocol.IsCompatible(info) {
		log.Error().
			Int("server_protocol", info.ProtocolVersion).
			Int("server_tile_size", info.TileSize).
			Msg("handshake_rejected")
		return nil, ErrIncompatible
	}

	if userID == "" {
		userID = uuid.NewString()
	}
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws?user=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", wsURL, err)
	}

	return &Client{
		log:      log,
		httpc:    httpc,
		baseURL:  baseURL,
		conn:     conn,
		handlers: handlers,
		backoff:  DefaultBackoff(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		streams:  make(map[string]*delta.Stream),
		attempts: make(map[string]int),
		etags:    make(map[string]string),
		blobs:    make(map[string][]int),
		baseline: palette.Std().BaselineIndex(),
		userID:   userID,
	}, nil
}

// Close shuts the websocket down.
func (c *Client) Close() error {
	return c.conn.Close()
}

// UserID returns the identity this session paints as.
func (c *Client) UserID() string { return c.userID }

// Subscribe asks for a set of tiles, carrying the last applied seq for any
// tile we already track so the server can replay exactly what we missed.
func (c *Client) Subscribe(tiles []grid.Tile) error {
	since := make(map[string]uint64)
	c.mu.Lock()
	for _, t := range tiles {
		key := t.Key()
		if st, ok := c.streams[key]; ok && st.SinceSeq() > 0 {
			since[key] = st.SinceSeq()
		}
	}
	c.mu.Unlock()
	if len(since) == 0 {
		since = nil
	}
	return c.send(protocol.KindSub, protocol.SubPayload{
		Tiles:    tiles,
		SinceSeq: since,
		Protocol: protocol.ProtocolVersion,
	})
}

// SubscribeView subscribes to every tile covering the pixel rectangle.
func (c *Client) SubscribeView(min, max grid.Pixel) ([]grid.Tile, error) {
	tiles := grid.Cover(min, max)
	return tiles, c.Subscribe(tiles)
}

// Unsubscribe stops delivery for tiles. In-flight messages may still arrive.
func (c *Client) Unsubscribe(tiles []grid.Tile) error {
	return c.send(protocol.KindUnsub, protocol.UnsubPayload{Tiles: tiles})
}

// Paint submits one pixel. A fresh clientOpId makes retries safe inside the
// server's dedup window.
func (c *Client) Paint(p grid.Pixel, color int, paletteID string) error {
	return c.send(protocol.KindPaint, protocol.PaintPayload{
		X:          p.X,
		Y:          p.Y,
		Color:      color,
		PaletteID:  paletteID,
		ClientOpID: uuid.NewString(),
	})
}

// Ping round-trips a timestamp for latency measurement.
func (c *Client) Ping() error {
	return c.send(protocol.KindPing, protocol.PingPayload{TS: time.Now().UnixMilli()})
}

// Tile returns the tracked state for a tile, if subscribed.
func (c *Client) Tile(t grid.Tile) (*delta.TileState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.streams[t.Key()]
	if !ok {
		return nil, false
	}
	return st.State(), true
}

// Run consumes server messages until the connection closes.
func (c *Client) Run() error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("client: read: %w", err)
		}
		env, err := protocol.Decode(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("bad_server_message")
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env protocol.Envelope) {
	switch env.T {
	case protocol.KindDelta:
		var d protocol.TileDelta
		if err := json.Unmarshal(env.P, &d); err != nil {
			c.log.Warn().Err(err).Msg("bad_delta_payload")
			return
		}
		c.onDelta(d)
	case protocol.KindInitTile:
		var meta protocol.TileSnapshotMeta
		if err := json.Unmarshal(env.P, &meta); err != nil {
			c.log.Warn().Err(err).Msg("bad_init_tile_payload")
			return
		}
		c.onInitTile(meta)
	case protocol.KindPop:
		var p protocol.PopPayload
		if err := json.Unmarshal(env.P, &p); err == nil && c.handlers.OnPop != nil {
			c.handlers.OnPop(p)
		}
	case protocol.KindUserCount:
		var p protocol.UserCountPayload
		if err := json.Unmarshal(env.P, &p); err == nil && c.handlers.OnUserCount != nil {
			c.handlers.OnUserCount(p)
		}
	case protocol.KindError:
		var f protocol.ErrorFrame
		if err := json.Unmarshal(env.P, &f); err == nil && c.handlers.OnError != nil {
			c.handlers.OnError(f)
		}
	case protocol.KindRateLimit:
		var h protocol.RateLimitHint
		if err := json.Unmarshal(env.P, &h); err == nil && c.handlers.OnRateLimit != nil {
			c.handlers.OnRateLimit(h)
		}
	case protocol.KindPong:
		var p protocol.PongPayload
		if err := json.Unmarshal(env.P, &p); err == nil && c.handlers.OnPong != nil {
			c.handlers.OnPong(p)
		}
	}
}

func (c *Client) onDelta(d protocol.TileDelta) {
	t := d.Tile()
	st := c.stream(t)
	switch st.Offer(d) {
	case delta.Applied:
		c.mu.Lock()
		c.attempts[t.Key()] = 0
		c.mu.Unlock()
		if c.handlers.OnTile != nil {
			c.handlers.OnTile(t, st.State())
		}
	case delta.Duplicate:
		// Redelivery; already folded in.
	case delta.GapDetected:
		c.resync(t, st)
	}
}

// resync closes a sequence gap by resubscribing with the last applied seq.
// The delta that exposed the gap stays parked and is folded in when the
// replay catches up.
func (c *Client) resync(t grid.Tile, st *delta.Stream) {
	key := t.Key()
	c.mu.Lock()
	c.attempts[key]++
	attempt := c.attempts[key]
	c.mu.Unlock()
	d := NextBackoffDelay(c.backoff, attempt, c.rng)
	c.log.Warn().Str("tile", key).Uint64("since", st.SinceSeq()).Int("attempt", attempt).Dur("delay", d).Msg("seq_gap_resync")
	time.AfterFunc(d, func() {
		if err := c.Subscribe([]grid.Tile{t}); err != nil {
			c.log.Error().Err(err).Str("tile", key).Msg("resync_failed")
		}
	})
}

// onInitTile resets local state from a snapshot baseline, fetching the blob
// over the side-channel with conditional headers so an unchanged image costs
// one 304.
func (c *Client) onInitTile(meta protocol.TileSnapshotMeta) {
	t := meta.Tile()
	pixels, err := c.fetchSnapshot(t, meta)
	if err != nil {
		c.log.Error().Err(err).Str("tile", t.Key()).Msg("snapshot_fetch_failed")
		return
	}
	st := c.stream(t)
	if err := st.ResetToSnapshot(meta.Seq, pixels); err != nil {
		c.log.Error().Err(err).Str("tile", t.Key()).Msg("snapshot_reset_failed")
		return
	}
	c.mu.Lock()
	c.attempts[t.Key()] = 0
	c.mu.Unlock()
	if c.handlers.OnTile != nil {
		c.handlers.OnTile(t, st.State())
	}
}

func (c *Client) fetchSnapshot(t grid.Tile, meta protocol.TileSnapshotMeta) ([]int, error) {
	key := t.Key()
	url := meta.SnapshotURL
	switch {
	case url == "":
		url = c.baseURL + "/snapshots/" + key
	case strings.HasPrefix(url, "/"):
		// Nodes without a configured public base advertise a bare path.
		url = c.baseURL + url
	}
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	etag := c.etags[key]
	cached := c.blobs[key]
	c.mu.Unlock()
	if etag != "" && cached != nil {
		req.Header.Set("If-None-Match", etag)
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		return cached, nil
	case http.StatusOK:
		blob, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		pixels, err := delta.DecodeSnapshot(blob)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.etags[key] = resp.Header.Get("ETag")
		c.blobs[key] = pixels
		c.mu.Unlock()
		return pixels, nil
	default:
		return nil, fmt.Errorf("client: snapshot %s: http %d", key, resp.StatusCode)
	}
}

func (c *Client) stream(t grid.Tile) *delta.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := t.Key()
	st, ok := c.streams[key]
	if !ok {
		st = delta.NewStream(delta.NewTileState(t, c.baseline))
		c.streams[key] = st
	}
	return st
}

func (c *Client) send(kind string, payload any) error {
	msg, err := protocol.Encode(kind, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}
