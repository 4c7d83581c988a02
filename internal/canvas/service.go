// Package canvas is the authoritative paint pipeline: it validates paint
// requests into the three-way outcome, assigns per-tile sequence numbers
// through the store, and resolves subscriptions into snapshot metadata or
// delta replays.
package canvas

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/opencanvas/placed/internal/delta"
	"github.com/opencanvas/placed/internal/grid"
	"github.com/opencanvas/placed/internal/observability"
	"github.com/opencanvas/placed/internal/palette"
	"github.com/opencanvas/placed/internal/protocol"
	"github.com/opencanvas/placed/internal/store"
)

// Config wires the service dependencies.
type Config struct {
	Node            string
	Registry        *palette.Registry
	Store           *store.Store
	Regions         []protocol.ProtectedRegion
	RatePerSec      float64
	RateBurst       int
	DedupWindow     time.Duration
	SnapshotBaseURL string
}

// Service is safe for concurrent use.
type Service struct {
	log     zerolog.Logger
	node    string
	reg     *palette.Registry
	store   *store.Store
	regions []protocol.ProtectedRegion

	perSec float64
	burst  int

	mu       sync.Mutex
	limiters *ristretto.Cache[string, *rate.Limiter]

	dedup    *ristretto.Cache[string, struct{}]
	dedupTTL time.Duration

	baseURL string
}

func New(cfg Config, log zerolog.Logger) (*Service, error) {
	if cfg.Registry == nil || cfg.Store == nil {
		return nil, fmt.Errorf("canvas: registry and store are required")
	}
	if cfg.RatePerSec <= 0 || cfg.RateBurst <= 0 {
		return nil, fmt.Errorf("canvas: rate limit must be positive")
	}
	dedup, err := ristretto.NewCache[string, struct{}](&ristretto.Config[string, struct{}]{
		NumCounters: 100_000,
		MaxCost:     10_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("canvas: dedup cache: %w", err)
	}
	limiters, err := ristretto.NewCache[string, *rate.Limiter](&ristretto.Config[string, *rate.Limiter]{
		NumCounters: 100_000,
		MaxCost:     10_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("canvas: limiter cache: %w", err)
	}
	return &Service{
		log:      log,
		node:     cfg.Node,
		reg:      cfg.Registry,
		store:    cfg.Store,
		regions:  cfg.Regions,
		perSec:   cfg.RatePerSec,
		burst:    cfg.RateBurst,
		limiters: limiters,
		dedup:    dedup,
		dedupTTL: cfg.DedupWindow,
		baseURL:  cfg.SnapshotBaseURL,
	}, nil
}

// Registry exposes the palette catalog this canvas validates against.
func (s *Service) Registry() *palette.Registry { return s.reg }

// Paint runs one request through the full pipeline. The delta is non-nil
// only for a freshly accepted paint; a deduplicated retry is accepted with
// no new delta to broadcast.
func (s *Service) Paint(userID string, req protocol.PaintPayload) (protocol.PaintOutcome, *protocol.TileDelta) {
	pal := s.reg.Resolve(req.PaletteID)

	if !palette.ValidColorIndex(float64(req.Color), pal) {
		s.log.Debug().Str("user", userID).Int("color", req.Color).Str("palette", pal.ID).Msg("paint_invalid_color")
		observability.RecordPaintOutcome(s.node, "rejected")
		return protocol.RejectedWith(protocol.CodeValidation,
			fmt.Sprintf("color index %d is not valid for palette %s", req.Color, pal.ID),
			map[string]any{"paletteId": pal.ID, "colors": len(pal.Colors)},
		), nil
	}

	p := grid.Pixel{X: req.X, Y: req.Y}
	for _, region := range s.regions {
		if region.Contains(p) {
			observability.RecordPaintOutcome(s.node, "rejected")
			return protocol.RejectedWith(protocol.CodeForbidden,
				"pixel is inside a protected region",
				map[string]any{"reason": region.Reason},
			), nil
		}
	}

	dedupKey := ""
	if req.ClientOpID != "" {
		dedupKey = userID + "|" + req.ClientOpID
		if _, seen := s.dedup.Get(dedupKey); seen {
			// Same logical paint resubmitted inside the window: ack it,
			// broadcast nothing, bill no tokens.
			observability.RecordPaintOutcome(s.node, "deduplicated")
			return protocol.Accepted{}, nil
		}
	}

	lim := s.limiter(userID)
	res := lim.Reserve()
	if d := res.Delay(); d > 0 {
		res.Cancel()
		observability.RecordPaintOutcome(s.node, "throttled")
		return protocol.Throttled{Hint: s.hint(lim, d)}, nil
	}

	ev, err := s.store.RecordPaint(store.PaintEvent{
		UserID:    userID,
		X:         req.X,
		Y:         req.Y,
		Color:     req.Color,
		PaletteID: pal.ID,
	})
	if err != nil {
		s.log.Error().Err(err).Str("user", userID).Msg("paint_audit_failed")
		observability.RecordPaintOutcome(s.node, "rejected")
		return protocol.RejectedWith(protocol.CodeInternal, "paint could not be recorded", nil), nil
	}

	tile := grid.TileOf(p)
	off := grid.OffsetOf(p)
	d, err := s.store.AppendDelta(tile, []protocol.PixelChange{{
		OX:        off.OX,
		OY:        off.OY,
		Color:     req.Color,
		PaletteID: pal.ID,
	}})
	if err != nil {
		s.log.Error().Err(err).Str("tile", tile.Key()).Msg("paint_append_failed")
		observability.RecordPaintOutcome(s.node, "rejected")
		return protocol.RejectedWith(protocol.CodeInternal, "paint could not be applied", nil), nil
	}

	if dedupKey != "" {
		s.dedup.SetWithTTL(dedupKey, struct{}{}, 1, s.dedupTTL)
		s.dedup.Wait()
	}
	s.log.Debug().Str("user", userID).Str("tile", tile.Key()).Uint64("seq", d.Seq).Str("event", ev.ID).Msg("paint_accepted")
	observability.RecordPaintOutcome(s.node, "accepted")
	return protocol.Accepted{}, &d
}

// limiterIdleTTL is how long a user's token bucket survives without a paint.
// Eviction hands the user a full bucket again, which a bucket idle this long
// would have refilled to anyway.
const limiterIdleTTL = 15 * time.Minute

func (s *Service) limiter(userID string) *rate.Limiter {
	if lim, ok := s.limiters.Get(userID); ok {
		s.limiters.SetWithTTL(userID, lim, 1, limiterIdleTTL)
		return lim
	}
	// Creation is serialized so two concurrent first paints share one bucket.
	s.mu.Lock()
	defer s.mu.Unlock()
	if lim, ok := s.limiters.Get(userID); ok {
		return lim
	}
	lim := rate.NewLimiter(rate.Limit(s.perSec), s.burst)
	s.limiters.SetWithTTL(userID, lim, 1, limiterIdleTTL)
	s.limiters.Wait()
	return lim
}

func (s *Service) hint(lim *rate.Limiter, wait time.Duration) protocol.RateLimitHint {
	retry := wait.Milliseconds()
	if retry < 1 {
		retry = 1
	}
	tokens := lim.Tokens()
	if tokens < 0 {
		tokens = 0
	}
	bucket := s.burst
	refill := s.perSec
	return protocol.RateLimitHint{
		RetryAfterMs:    retry,
		TokensRemaining: &tokens,
		BucketSize:      &bucket,
		RefillPerSec:    &refill,
	}
}

// ResolveTile answers one subscription entry. With a usable sinceSeq it
// returns the gap-free delta replay; otherwise (no prior state, or history
// compacted below the requested point) it returns snapshot metadata plus the
// deltas accepted after the capture.
func (s *Service) ResolveTile(t grid.Tile, since uint64, haveSince bool) (*protocol.TileSnapshotMeta, []protocol.TileDelta, error) {
	if haveSince {
		deltas, compacted, err := s.store.DeltasSince(t, since)
		if err != nil {
			return nil, nil, err
		}
		if !compacted {
			return nil, deltas, nil
		}
	}

	row, blob, err := s.ensureSnapshot(t)
	if err != nil {
		return nil, nil, err
	}
	meta := s.snapshotMeta(row, blob)
	tail, _, err := s.store.DeltasSince(t, row.Seq)
	if err != nil {
		return nil, nil, err
	}
	return &meta, tail, nil
}

// CaptureSnapshot materializes the tile's current state server-side and
// registers it as the new snapshot baseline.
func (s *Service) CaptureSnapshot(t grid.Tile) (store.TileSnapshotRow, []byte, error) {
	deltas, compacted, err := s.store.DeltasSince(t, 0)
	if err != nil {
		return store.TileSnapshotRow{}, nil, err
	}

	var state *delta.TileState
	if compacted {
		// Retention floor is above seq 1, so replay must start from the
		// previous snapshot rather than the empty baseline. Compaction only
		// ever runs after a capture, so the previous snapshot exists.
		prev, ok, err := s.store.LatestSnapshot(t)
		if err != nil {
			return store.TileSnapshotRow{}, nil, err
		}
		if !ok {
			return store.TileSnapshotRow{}, nil, fmt.Errorf("canvas: history compacted for %s but no snapshot registered", t.Key())
		}
		prevBlob, found, err := s.store.SnapshotBlob(t, prev.Version)
		if err != nil {
			return store.TileSnapshotRow{}, nil, err
		}
		if !found {
			return store.TileSnapshotRow{}, nil, fmt.Errorf("canvas: snapshot blob missing for %s v%d", t.Key(), prev.Version)
		}
		pixels, err := delta.DecodeSnapshot(prevBlob)
		if err != nil {
			return store.TileSnapshotRow{}, nil, err
		}
		state = delta.NewTileState(t, s.reg.BaselineIndex())
		st := delta.NewStream(state)
		if err := st.ResetToSnapshot(prev.Seq, pixels); err != nil {
			return store.TileSnapshotRow{}, nil, err
		}
		tail, _, err := s.store.DeltasSince(t, prev.Seq)
		if err != nil {
			return store.TileSnapshotRow{}, nil, err
		}
		for _, d := range tail {
			st.Offer(d)
		}
	} else {
		state = delta.Materialize(t, s.reg.BaselineIndex(), deltas)
	}

	blob, err := delta.EncodeSnapshot(state.Pixels())
	if err != nil {
		return store.TileSnapshotRow{}, nil, err
	}
	row, err := s.store.PutSnapshot(t, blob, s.snapshotURL(t), s.reg.Version())
	if err != nil {
		return store.TileSnapshotRow{}, nil, err
	}
	return row, blob, nil
}

// CompactTile captures a fresh snapshot and drops the delta history it
// covers. Subscribers holding older seqs are served the snapshot on their
// next resubscription.
func (s *Service) CompactTile(t grid.Tile) error {
	row, _, err := s.CaptureSnapshot(t)
	if err != nil {
		return err
	}
	return s.store.CompactBefore(t, row.Seq+1)
}

func (s *Service) ensureSnapshot(t grid.Tile) (store.TileSnapshotRow, []byte, error) {
	row, ok, err := s.store.LatestSnapshot(t)
	if err != nil {
		return store.TileSnapshotRow{}, nil, err
	}
	if !ok {
		return s.CaptureSnapshot(t)
	}
	blob, found, err := s.store.SnapshotBlob(t, row.Version)
	if err != nil {
		return store.TileSnapshotRow{}, nil, err
	}
	if !found {
		return store.TileSnapshotRow{}, nil, fmt.Errorf("canvas: snapshot blob missing for %s v%d", t.Key(), row.Version)
	}
	return row, blob, nil
}

func (s *Service) snapshotMeta(row store.TileSnapshotRow, blob []byte) protocol.TileSnapshotMeta {
	return protocol.TileSnapshotMeta{
		TX:             row.TX,
		TY:             row.TY,
		Seq:            row.Seq,
		SnapshotURL:    row.ImageURL,
		PaletteVersion: row.PaletteVersion,
		PaletteID:      s.reg.DefaultID(),
		ETag:           BlobETag(blob),
		LastModified:   row.CreatedAt.UTC().Format(http.TimeFormat),
	}
}

func (s *Service) snapshotURL(t grid.Tile) string {
	return s.baseURL + "/snapshots/" + t.Key()
}

// BlobETag derives the strong validator served alongside a snapshot blob.
func BlobETag(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:8])
}
