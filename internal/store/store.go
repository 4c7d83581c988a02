// Package store persists the canvas behind pebble and owns per-tile sequence
// assignment. Each tile's seq is linearized by a single in-process mutex
// (one ordering authority per tile), so every subscriber observes one
// strictly increasing delta stream per tile. No ordering exists across
// tiles.
package store

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/opencanvas/placed/internal/grid"
	"github.com/opencanvas/placed/internal/protocol"
)

// Store wraps a pebble database. Safe for concurrent use.
type Store struct {
	db *pebble.DB

	mu    sync.Mutex
	tiles map[string]*tileEntry

	paintSeq uint64
}

type tileEntry struct {
	mu     sync.Mutex
	loaded bool
	meta   tileMeta
}

// Open opens (or creates) the canvas database at path.
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	log.Info().Str("path", path).Msg("store_opened")
	return &Store{db: db, tiles: make(map[string]*tileEntry)}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	log.Info().Msg("store_closed")
	return nil
}

// Key layout. Seqs and versions are zero-padded so byte order matches
// numeric order under prefix iteration.
func deltaKey(key string, seq uint64) []byte {
	return []byte(fmt.Sprintf("tile:%s:delta:%020d", key, seq))
}

func deltaBound(key string) ([]byte, []byte) {
	prefix := "tile:" + key + ":delta:"
	return []byte(prefix), []byte(prefix[:len(prefix)-1] + ";")
}

func metaKey(key string) []byte {
	return []byte("tile:" + key + ":meta")
}

func snapKey(key string, version uint64) []byte {
	return []byte(fmt.Sprintf("tile:%s:snap:%020d", key, version))
}

func snapBlobKey(key string, version uint64) []byte {
	return []byte(fmt.Sprintf("tile:%s:snapblob:%020d", key, version))
}

func paintKey(ts int64, seq uint64) []byte {
	return []byte(fmt.Sprintf("paint:%020d-%06d", ts, seq))
}

// entry returns the per-tile authority, creating it on first touch.
func (s *Store) entry(key string) *tileEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tiles[key]
	if !ok {
		e = &tileEntry{}
		s.tiles[key] = e
	}
	return e
}

// load reads persisted bookkeeping under the entry lock. A tile never
// painted starts at last=0, floor=1.
func (s *Store) load(key string, e *tileEntry) error {
	if e.loaded {
		return nil
	}
	raw, closer, err := s.db.Get(metaKey(key))
	switch err {
	case nil:
		defer closer.Close()
		if err := json.Unmarshal(raw, &e.meta); err != nil {
			return fmt.Errorf("store: tile %s meta corrupt: %w", key, err)
		}
	case pebble.ErrNotFound:
		e.meta = tileMeta{LastSeq: 0, FloorSeq: 1}
	default:
		return fmt.Errorf("store: tile %s meta: %w", key, err)
	}
	e.loaded = true
	return nil
}

func (s *Store) putMeta(b *pebble.Batch, key string, meta tileMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return b.Set(metaKey(key), raw, nil)
}

// AppendDelta assigns the next seq for the tile and persists the batch
// atomically with the bookkeeping update. changes must already be validated.
func (s *Store) AppendDelta(t grid.Tile, changes []protocol.PixelChange) (protocol.TileDelta, error) {
	key := t.Key()
	e := s.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.load(key, e); err != nil {
		return protocol.TileDelta{}, err
	}

	seq := e.meta.LastSeq + 1
	row := TileDeltaRow{
		ID:        uuid.NewString(),
		TX:        t.TX,
		TY:        t.TY,
		Seq:       seq,
		Changes:   changes,
		CreatedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(row)
	if err != nil {
		return protocol.TileDelta{}, fmt.Errorf("store: marshal delta row: %w", err)
	}

	meta := e.meta
	meta.LastSeq = seq

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(deltaKey(key, seq), raw, nil); err != nil {
		return protocol.TileDelta{}, err
	}
	if err := s.putMeta(b, key, meta); err != nil {
		return protocol.TileDelta{}, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return protocol.TileDelta{}, fmt.Errorf("store: append delta %s seq=%d: %w", key, seq, err)
	}
	e.meta = meta
	log.Debug().Str("tile", key).Uint64("seq", seq).Int("changes", len(changes)).Msg("delta_appended")
	return row.Delta(), nil
}

// LastSeq returns the last assigned seq for the tile (0 if never painted).
func (s *Store) LastSeq(t grid.Tile) (uint64, error) {
	key := t.Key()
	e := s.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.load(key, e); err != nil {
		return 0, err
	}
	return e.meta.LastSeq, nil
}

// Tiles returns every tile touched since the store opened, in no particular
// order. The maintenance sweeper uses this as its working set; tiles idle
// across restarts rejoin it on their next paint or subscription.
func (s *Store) Tiles() []grid.Tile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]grid.Tile, 0, len(s.tiles))
	for key := range s.tiles {
		t, err := grid.ParseKey(key)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out
}

// RetainedDeltas returns how many delta rows are currently retained for the
// tile (0 when everything up to the last seq has been compacted away).
func (s *Store) RetainedDeltas(t grid.Tile) (uint64, error) {
	key := t.Key()
	e := s.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.load(key, e); err != nil {
		return 0, err
	}
	if e.meta.LastSeq < e.meta.FloorSeq {
		return 0, nil
	}
	return e.meta.LastSeq - e.meta.FloorSeq + 1, nil
}

// DeltasSince returns every retained delta with seq strictly greater than
// since, in ascending order with no gaps. compacted is true when the replay
// would have to start below the retention floor; callers must fall back to a
// snapshot in that case.
func (s *Store) DeltasSince(t grid.Tile, since uint64) (deltas []protocol.TileDelta, compacted bool, err error) {
	key := t.Key()
	e := s.entry(key)
	e.mu.Lock()
	if lerr := s.load(key, e); lerr != nil {
		e.mu.Unlock()
		return nil, false, lerr
	}
	if since+1 < e.meta.FloorSeq {
		e.mu.Unlock()
		return nil, true, nil
	}
	if since >= e.meta.LastSeq {
		e.mu.Unlock()
		return nil, false, nil
	}

	// The iterator's snapshot must be taken while the floor check still
	// holds. A compaction committing after the unlock would delete rows the
	// check assumed present and the replay would silently skip seqs.
	lower := deltaKey(key, since+1)
	_, upper := deltaBound(key)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	e.mu.Unlock()
	if err != nil {
		return nil, false, fmt.Errorf("store: iterate deltas %s: %w", key, err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		var row TileDeltaRow
		if err := json.Unmarshal(iter.Value(), &row); err != nil {
			return nil, false, fmt.Errorf("store: delta row corrupt %s: %w", key, err)
		}
		deltas = append(deltas, row.Delta())
	}
	if err := iter.Error(); err != nil {
		return nil, false, fmt.Errorf("store: iterate deltas %s: %w", key, err)
	}
	return deltas, false, nil
}

// CompactBefore drops retained deltas with seq < keepFrom and raises the
// retention floor. Subscribers asking for history below the floor are served
// a snapshot instead.
func (s *Store) CompactBefore(t grid.Tile, keepFrom uint64) error {
	key := t.Key()
	e := s.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.load(key, e); err != nil {
		return err
	}
	if keepFrom <= e.meta.FloorSeq {
		return nil
	}

	meta := e.meta
	meta.FloorSeq = keepFrom

	lower, _ := deltaBound(key)
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.DeleteRange(lower, deltaKey(key, keepFrom), nil); err != nil {
		return err
	}
	if err := s.putMeta(b, key, meta); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("store: compact %s before=%d: %w", key, keepFrom, err)
	}
	e.meta = meta
	log.Info().Str("tile", key).Uint64("keep_from", keepFrom).Msg("deltas_compacted")
	return nil
}

// RecordPaint appends one accepted paint to the audit log. The event id is
// assigned here when the caller left it empty.
func (s *Store) RecordPaint(ev PaintEvent) (PaintEvent, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return PaintEvent{}, fmt.Errorf("store: marshal paint event: %w", err)
	}
	s.mu.Lock()
	s.paintSeq++
	n := s.paintSeq
	s.mu.Unlock()
	key := paintKey(ev.CreatedAt.UnixNano(), n)
	if err := s.db.Set(key, raw, pebble.Sync); err != nil {
		return PaintEvent{}, fmt.Errorf("store: record paint: %w", err)
	}
	return ev, nil
}

// PutSnapshot registers a new snapshot capture for the tile: the blob served
// over the HTTP side-channel plus its registry row. The row's seq is the
// tile's current last seq.
func (s *Store) PutSnapshot(t grid.Tile, blob []byte, imageURL string, paletteVersion int) (TileSnapshotRow, error) {
	key := t.Key()
	e := s.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.load(key, e); err != nil {
		return TileSnapshotRow{}, err
	}

	meta := e.meta
	meta.SnapshotVers++
	row := TileSnapshotRow{
		TX:             t.TX,
		TY:             t.TY,
		Version:        meta.SnapshotVers,
		ImageURL:       imageURL,
		Seq:            meta.LastSeq,
		PaletteVersion: paletteVersion,
		CreatedAt:      time.Now().UTC(),
	}
	raw, err := json.Marshal(row)
	if err != nil {
		return TileSnapshotRow{}, fmt.Errorf("store: marshal snapshot row: %w", err)
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(snapKey(key, row.Version), raw, nil); err != nil {
		return TileSnapshotRow{}, err
	}
	if err := b.Set(snapBlobKey(key, row.Version), blob, nil); err != nil {
		return TileSnapshotRow{}, err
	}
	if err := s.putMeta(b, key, meta); err != nil {
		return TileSnapshotRow{}, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return TileSnapshotRow{}, fmt.Errorf("store: put snapshot %s: %w", key, err)
	}
	e.meta = meta
	log.Info().Str("tile", key).Uint64("version", row.Version).Uint64("seq", row.Seq).Msg("snapshot_registered")
	return row, nil
}

// LatestSnapshot returns the most recent snapshot row for the tile, if any.
func (s *Store) LatestSnapshot(t grid.Tile) (TileSnapshotRow, bool, error) {
	key := t.Key()
	e := s.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.load(key, e); err != nil {
		return TileSnapshotRow{}, false, err
	}
	if e.meta.SnapshotVers == 0 {
		return TileSnapshotRow{}, false, nil
	}
	raw, closer, err := s.db.Get(snapKey(key, e.meta.SnapshotVers))
	if err != nil {
		return TileSnapshotRow{}, false, fmt.Errorf("store: snapshot row %s: %w", key, err)
	}
	defer closer.Close()
	var row TileSnapshotRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return TileSnapshotRow{}, false, fmt.Errorf("store: snapshot row corrupt %s: %w", key, err)
	}
	return row, true, nil
}

// SnapshotBlob returns the stored blob for one snapshot version.
func (s *Store) SnapshotBlob(t grid.Tile, version uint64) ([]byte, bool, error) {
	raw, closer, err := s.db.Get(snapBlobKey(t.Key(), version))
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: snapshot blob %s v%d: %w", t.Key(), version, err)
	}
	defer closer.Close()
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, true, nil
}
