package delta

import (
	"encoding/json"
	"fmt"

	"github.com/opencanvas/placed/internal/grid"
	"github.com/opencanvas/placed/internal/protocol"
)

// Materialize replays deltas onto a baseline tile. Deltas must belong to t
// and be in ascending seq order starting at the baseline's seq + 1; anything
// else is discarded by the stream contract.
func Materialize(t grid.Tile, baseline int, deltas []protocol.TileDelta) *TileState {
	st := NewStream(NewTileState(t, baseline))
	for _, d := range deltas {
		st.Offer(d)
	}
	return st.State()
}

// EncodeSnapshot serializes a row-major pixel index grid for the snapshot
// side-channel. Rendering a viewable image from it is out of scope here;
// the blob is the palette-index baseline, nothing more.
func EncodeSnapshot(pixels []int) ([]byte, error) {
	if len(pixels) != PixelCount {
		return nil, fmt.Errorf("delta: encode snapshot: %d pixels, want %d", len(pixels), PixelCount)
	}
	return json.Marshal(pixels)
}

// DecodeSnapshot is the inverse of EncodeSnapshot.
func DecodeSnapshot(blob []byte) ([]int, error) {
	var pixels []int
	if err := json.Unmarshal(blob, &pixels); err != nil {
		return nil, fmt.Errorf("delta: decode snapshot: %w", err)
	}
	if len(pixels) != PixelCount {
		return nil, fmt.Errorf("delta: decode snapshot: %d pixels, want %d", len(pixels), PixelCount)
	}
	return pixels, nil
}
