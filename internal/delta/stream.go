package delta

import (
	"github.com/opencanvas/placed/internal/grid"
	"github.com/opencanvas/placed/internal/protocol"
)

// Disposition classifies one received delta relative to the stream position.
type Disposition int

const (
	// Applied means the delta (and possibly buffered successors) advanced
	// the tile state.
	Applied Disposition = iota
	// Duplicate means seq <= last applied: a redelivery, discarded without
	// effect.
	Duplicate
	// GapDetected means seq > last applied + 1: one or more batches were
	// missed. The delta is parked in the reorder buffer, the state is left
	// untouched, and the caller must resynchronize (resubscribe with
	// SinceSeq, or reset from a snapshot when history is compacted).
	GapDetected
)

// maxPending bounds the reorder buffer. Overflow sheds the highest parked
// seqs; the resync replay redelivers them anyway.
const maxPending = 256

// Stream enforces the per-tile delivery contract over a TileState. Deltas
// may arrive in any network order; only contiguous seqs are ever applied, so
// the final grid matches an in-order replay exactly.
type Stream struct {
	state   *TileState
	pending map[uint64]protocol.TileDelta
}

// NewStream wraps state in a delivery guard.
func NewStream(state *TileState) *Stream {
	return &Stream{state: state, pending: make(map[uint64]protocol.TileDelta)}
}

// State exposes the underlying tile state.
func (st *Stream) State() *TileState { return st.state }

// Tile returns the tile this stream guards.
func (st *Stream) Tile() grid.Tile { return st.state.Tile() }

// SinceSeq is the value to carry in a resubscription: the last applied seq.
func (st *Stream) SinceSeq() uint64 { return st.state.LastSeq() }

// Offer feeds one received delta through the contract. After an in-order
// apply, any parked successors are drained in ascending seq, so deltas that
// arrived during a gap converge once the gap closes.
func (st *Stream) Offer(d protocol.TileDelta) Disposition {
	last := st.state.LastSeq()
	switch {
	case d.Seq <= last:
		return Duplicate
	case d.Seq == last+1:
		st.state.apply(d)
		st.drain()
		return Applied
	default:
		st.park(d)
		return GapDetected
	}
}

// ResetToSnapshot rebases the stream on a snapshot, then drains any parked
// deltas newer than the snapshot. Parked deltas at or below the snapshot seq
// are already folded into the image and are dropped.
func (st *Stream) ResetToSnapshot(seq uint64, pixels []int) error {
	if err := st.state.ResetToSnapshot(seq, pixels); err != nil {
		return err
	}
	for s := range st.pending {
		if s <= seq {
			delete(st.pending, s)
		}
	}
	st.drain()
	return nil
}

// PendingGap reports whether parked deltas are waiting behind a gap.
func (st *Stream) PendingGap() bool { return len(st.pending) > 0 }

func (st *Stream) drain() {
	for {
		next, ok := st.pending[st.state.LastSeq()+1]
		if !ok {
			return
		}
		delete(st.pending, next.Seq)
		st.state.apply(next)
	}
}

func (st *Stream) park(d protocol.TileDelta) {
	st.pending[d.Seq] = d
	if len(st.pending) <= maxPending {
		return
	}
	// Evict the highest seq: the lowest parked seq is the first one the
	// drain needs, so shedding from the tail preserves the longest
	// contiguous run. The resync replay redelivers whatever is shed.
	var highest uint64
	for s := range st.pending {
		if s > highest {
			highest = s
		}
	}
	delete(st.pending, highest)
}
