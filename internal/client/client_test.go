package client

import (
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/opencanvas/placed/internal/canvas"
	"github.com/opencanvas/placed/internal/config"
	"github.com/opencanvas/placed/internal/delta"
	"github.com/opencanvas/placed/internal/grid"
	"github.com/opencanvas/placed/internal/palette"
	"github.com/opencanvas/placed/internal/protocol"
	"github.com/opencanvas/placed/internal/server"
	"github.com/opencanvas/placed/internal/store"
	"github.com/opencanvas/placed/internal/testutil/testlog"
)

func TestNextBackoffDelayWithoutJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 250 * time.Millisecond},
		{2, 500 * time.Millisecond},
		{3, time.Second},
		{4, 2 * time.Second},
		{5, 4 * time.Second},
		{6, 5 * time.Second},
		{20, 5 * time.Second},
	}
	for _, c := range cases {
		if got := NextBackoffDelay(cfg, c.attempt, nil); got != c.want {
			t.Fatalf("attempt %d: %v want %v", c.attempt, got, c.want)
		}
	}
	if got := NextBackoffDelay(BackoffConfig{}, 3, nil); got != 0 {
		t.Fatalf("zero config: %v", got)
	}
}

func TestNextBackoffDelayJitterStaysBounded(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultBackoff()
	rng := rand.New(rand.NewSource(1))
	for attempt := 2; attempt <= 8; attempt++ {
		base := NextBackoffDelay(BackoffConfig{
			InitialDelay: cfg.InitialDelay,
			Multiplier:   cfg.Multiplier,
			MaxDelay:     cfg.MaxDelay,
		}, attempt, nil)
		for i := 0; i < 50; i++ {
			d := NextBackoffDelay(cfg, attempt, rng)
			if d < base/2 || d > base+base/2 {
				t.Fatalf("attempt %d: jittered %v outside [%v, %v]", attempt, d, base/2, base+base/2)
			}
		}
	}
}

func TestDialRejectsIncompatibleServer(t *testing.T) {
	testlog.Start(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(protocol.HandshakeInfo{
			ProtocolVersion: protocol.ProtocolVersion + 1,
			PaletteVersion:  palette.CatalogVersion,
			TileSize:        grid.TileSize,
		})
	}))
	defer ts.Close()

	_, err := Dial(ts.URL, "alice", Handlers{}, zerolog.Nop())
	if !errors.Is(err, ErrIncompatible) {
		t.Fatalf("err=%v want ErrIncompatible", err)
	}
}

func startNode(t *testing.T) *httptest.Server {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "canvas"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultServerConfig()
	cfg.RateLimit.PerSec = 1000
	cfg.RateLimit.Burst = 1000
	svc, err := canvas.New(canvas.Config{
		Node:        cfg.Name,
		Registry:    palette.Std(),
		Store:       st,
		RatePerSec:  cfg.RateLimit.PerSec,
		RateBurst:   cfg.RateLimit.Burst,
		DedupWindow: cfg.DedupWindow(),
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	srv := server.New(cfg, svc, st, zerolog.Nop())
	ts := httptest.NewServer(srv.Engine())
	t.Cleanup(ts.Close)
	return ts
}

func TestClientSubscribePaintObserve(t *testing.T) {
	testlog.Start(t)
	ts := startNode(t)

	tiles := make(chan *delta.TileState, 16)
	c, err := Dial(ts.URL, "alice", Handlers{
		OnTile: func(_ grid.Tile, state *delta.TileState) {
			tiles <- state
		},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	go c.Run()

	tile := grid.Tile{TX: 0, TY: 0}
	if err := c.Subscribe([]grid.Tile{tile}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// First callback is the snapshot baseline at seq 0.
	state := waitTile(t, tiles)
	if state.LastSeq() != 0 {
		t.Fatalf("baseline seq=%d", state.LastSeq())
	}
	baseline := palette.Std().BaselineIndex()
	if px := state.Pixel(grid.Offset{OX: 5, OY: 5}); px != baseline {
		t.Fatalf("baseline pixel=%d", px)
	}

	if err := c.Paint(grid.Pixel{X: 5, Y: 5}, 3, ""); err != nil {
		t.Fatalf("paint: %v", err)
	}
	state = waitTile(t, tiles)
	if state.LastSeq() != 1 {
		t.Fatalf("post-paint seq=%d", state.LastSeq())
	}
	if px := state.Pixel(grid.Offset{OX: 5, OY: 5}); px != 3 {
		t.Fatalf("painted pixel=%d", px)
	}

	got, ok := c.Tile(tile)
	if !ok || got.LastSeq() != 1 {
		t.Fatalf("tracked tile: ok=%v", ok)
	}
}

func TestClientSeesOtherPainters(t *testing.T) {
	testlog.Start(t)
	ts := startNode(t)
	tile := grid.Tile{TX: 0, TY: 0}

	tiles := make(chan *delta.TileState, 16)
	watcher, err := Dial(ts.URL, "watcher", Handlers{
		OnTile: func(_ grid.Tile, state *delta.TileState) { tiles <- state },
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("dial watcher: %v", err)
	}
	defer watcher.Close()
	go watcher.Run()
	if err := watcher.Subscribe([]grid.Tile{tile}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitTile(t, tiles)

	painter, err := Dial(ts.URL, "painter", Handlers{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("dial painter: %v", err)
	}
	defer painter.Close()
	if err := painter.Subscribe([]grid.Tile{tile}); err != nil {
		t.Fatalf("painter subscribe: %v", err)
	}
	go painter.Run()
	if err := painter.Paint(grid.Pixel{X: 10, Y: 10}, 5, ""); err != nil {
		t.Fatalf("paint: %v", err)
	}

	state := waitTile(t, tiles)
	if px := state.Pixel(grid.Offset{OX: 10, OY: 10}); px != 5 {
		t.Fatalf("watcher pixel=%d want 5", px)
	}
}

func TestSubscribeDuringPaintConverges(t *testing.T) {
	testlog.Start(t)
	ts := startNode(t)
	tile := grid.Tile{TX: 2, TY: 2}

	painter, err := Dial(ts.URL, "painter", Handlers{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("dial painter: %v", err)
	}
	defer painter.Close()
	go painter.Run()

	// A paint racing a fresh subscription must still reach the subscriber:
	// either folded into the replay or queued live after the hub attach and
	// discarded as a duplicate if the replay already carried it. Repeat to
	// give the race a chance to land inside the replay window.
	for round := 1; round <= 10; round++ {
		tiles := make(chan *delta.TileState, 16)
		watcher, err := Dial(ts.URL, "watcher", Handlers{
			OnTile: func(_ grid.Tile, state *delta.TileState) { tiles <- state },
		}, zerolog.Nop())
		if err != nil {
			t.Fatalf("round %d dial: %v", round, err)
		}
		go watcher.Run()

		painted := make(chan error, 1)
		go func() {
			painted <- painter.Paint(grid.Pixel{X: 128 + round, Y: 130}, 3, "")
		}()
		if err := watcher.Subscribe([]grid.Tile{tile}); err != nil {
			t.Fatalf("round %d subscribe: %v", round, err)
		}
		if err := <-painted; err != nil {
			t.Fatalf("round %d paint: %v", round, err)
		}

		want := uint64(round)
		deadline := time.After(5 * time.Second)
		for caught := false; !caught; {
			select {
			case state := <-tiles:
				caught = state.LastSeq() >= want
			case <-deadline:
				t.Fatalf("round %d: subscriber never reached seq %d", round, want)
			}
		}
		watcher.Close()
	}
}

func TestClientErrorHandler(t *testing.T) {
	testlog.Start(t)
	ts := startNode(t)

	frames := make(chan protocol.ErrorFrame, 1)
	c, err := Dial(ts.URL, "alice", Handlers{
		OnError: func(f protocol.ErrorFrame) { frames <- f },
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	go c.Run()

	// Color 999 is outside every catalog palette.
	if err := c.Paint(grid.Pixel{X: 0, Y: 0}, 999, ""); err != nil {
		t.Fatalf("paint: %v", err)
	}
	select {
	case f := <-frames:
		if f.Code != protocol.CodeValidation {
			t.Fatalf("code=%s", f.Code)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no error frame")
	}
}

func TestSubscribeViewCoversViewport(t *testing.T) {
	testlog.Start(t)
	ts := startNode(t)

	tiles := make(chan *delta.TileState, 16)
	c, err := Dial(ts.URL, "alice", Handlers{
		OnTile: func(_ grid.Tile, state *delta.TileState) { tiles <- state },
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	go c.Run()

	subscribed, err := c.SubscribeView(grid.Pixel{X: -1, Y: -1}, grid.Pixel{X: 1, Y: 1})
	if err != nil {
		t.Fatalf("subscribe view: %v", err)
	}
	if len(subscribed) != 4 {
		t.Fatalf("viewport tiles=%d want 4", len(subscribed))
	}
	for i := 0; i < 4; i++ {
		waitTile(t, tiles)
	}
	for _, tile := range subscribed {
		if _, ok := c.Tile(tile); !ok {
			t.Fatalf("tile %s not tracked", tile.Key())
		}
	}
}

func waitTile(t *testing.T, ch <-chan *delta.TileState) *delta.TileState {
	t.Helper()
	select {
	case state := <-ch:
		return state
	case <-time.After(5 * time.Second):
		t.Fatalf("no tile update")
		return nil
	}
}
