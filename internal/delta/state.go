// Package delta applies sequence-numbered tile deltas on top of snapshot
// baselines and enforces the per-tile delivery contract: apply seq+1
// directly, discard duplicates, and stop the world on a gap until the caller
// resynchronizes.
package delta

import (
	"fmt"

	"github.com/opencanvas/placed/internal/grid"
	"github.com/opencanvas/placed/internal/protocol"
)

// PixelCount is the number of pixels materialized per tile.
const PixelCount = grid.TileSize * grid.TileSize

// TileState is a client-side materialization of one tile: a row-major grid
// of palette color indexes plus the seq it is current at.
type TileState struct {
	tile    grid.Tile
	lastSeq uint64
	pixels  []int
}

// NewTileState returns an empty tile at seq 0 with every pixel set to the
// baseline color index.
func NewTileState(t grid.Tile, baseline int) *TileState {
	px := make([]int, PixelCount)
	if baseline != 0 {
		for i := range px {
			px[i] = baseline
		}
	}
	return &TileState{tile: t, pixels: px}
}

// Tile returns the tile this state materializes.
func (s *TileState) Tile() grid.Tile { return s.tile }

// LastSeq is the seq of the last applied batch (0 before any).
func (s *TileState) LastSeq() uint64 { return s.lastSeq }

// Pixel returns the color index at o.
func (s *TileState) Pixel(o grid.Offset) int {
	return s.pixels[o.OY*grid.TileSize+o.OX]
}

// Pixels returns a copy of the full row-major index grid.
func (s *TileState) Pixels() []int {
	out := make([]int, len(s.pixels))
	copy(out, s.pixels)
	return out
}

// ResetToSnapshot replaces all local state with a snapshot captured at seq.
// pixels must hold exactly PixelCount row-major indexes.
func (s *TileState) ResetToSnapshot(seq uint64, pixels []int) error {
	if len(pixels) != PixelCount {
		return fmt.Errorf("delta: snapshot for %s has %d pixels, want %d",
			s.tile.Key(), len(pixels), PixelCount)
	}
	copy(s.pixels, pixels)
	s.lastSeq = seq
	return nil
}

// apply writes one batch into the grid and advances lastSeq. The caller has
// already established d.Seq == lastSeq+1; this is not checked again here.
func (s *TileState) apply(d protocol.TileDelta) {
	for _, c := range d.Changes {
		if c.OX < 0 || c.OX >= grid.TileSize || c.OY < 0 || c.OY >= grid.TileSize {
			continue
		}
		s.pixels[c.OY*grid.TileSize+c.OX] = c.Color
	}
	s.lastSeq = d.Seq
}
