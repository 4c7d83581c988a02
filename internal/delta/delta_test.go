package delta

import (
	"testing"

	"github.com/opencanvas/placed/internal/grid"
	"github.com/opencanvas/placed/internal/protocol"
	"github.com/opencanvas/placed/internal/testutil/testlog"
)

func change(ox, oy, color int) protocol.PixelChange {
	return protocol.PixelChange{OX: ox, OY: oy, Color: color, PaletteID: "classic"}
}

func batch(t grid.Tile, seq uint64, changes ...protocol.PixelChange) protocol.TileDelta {
	return protocol.TileDelta{TX: t.TX, TY: t.TY, Seq: seq, Changes: changes}
}

func TestInOrderApply(t *testing.T) {
	testlog.Start(t)
	tile := grid.Tile{TX: 0, TY: 0}
	st := NewStream(NewTileState(tile, 0))
	if got := st.Offer(batch(tile, 1, change(5, 5, 3))); got != Applied {
		t.Fatalf("seq 1: %v", got)
	}
	if got := st.Offer(batch(tile, 2, change(5, 5, 7))); got != Applied {
		t.Fatalf("seq 2: %v", got)
	}
	if px := st.State().Pixel(grid.Offset{OX: 5, OY: 5}); px != 7 {
		t.Fatalf("pixel=%d want 7", px)
	}
	if st.SinceSeq() != 2 {
		t.Fatalf("sinceSeq=%d", st.SinceSeq())
	}
}

func TestDuplicateDiscardedWithoutEffect(t *testing.T) {
	testlog.Start(t)
	tile := grid.Tile{TX: 1, TY: -1}
	st := NewStream(NewTileState(tile, 0))
	st.Offer(batch(tile, 1, change(0, 0, 4)))
	st.Offer(batch(tile, 2, change(0, 0, 9)))
	// Redelivery of seq 1 must not roll the pixel back.
	if got := st.Offer(batch(tile, 1, change(0, 0, 4))); got != Duplicate {
		t.Fatalf("redelivery: %v", got)
	}
	if px := st.State().Pixel(grid.Offset{}); px != 9 {
		t.Fatalf("pixel=%d want 9", px)
	}
}

func TestReorderOverflowShedsNewestFirst(t *testing.T) {
	testlog.Start(t)
	tile := grid.Tile{TX: 0, TY: 0}
	st := NewStream(NewTileState(tile, 0))

	// Park one more batch than the buffer holds. The overflow must shed
	// from the tail so the run contiguous with the eventual gap fill is
	// kept intact.
	for seq := uint64(2); seq <= maxPending+2; seq++ {
		if got := st.Offer(batch(tile, seq, change(0, 0, int(seq%16)))); got != GapDetected {
			t.Fatalf("seq %d: %v", seq, got)
		}
	}

	if got := st.Offer(batch(tile, 1, change(0, 0, 1))); got != Applied {
		t.Fatalf("gap fill: %v", got)
	}
	// Everything parked except the shed tail drains in one pass.
	if st.SinceSeq() != maxPending+1 {
		t.Fatalf("drained to seq %d, want %d", st.SinceSeq(), maxPending+1)
	}
	if st.PendingGap() {
		t.Fatalf("parked deltas left behind after drain")
	}
}

func TestGapDetection(t *testing.T) {
	testlog.Start(t)
	tile := grid.Tile{TX: 0, TY: 0}
	st := NewStream(NewTileState(tile, 0))
	for seq := uint64(1); seq <= 3; seq++ {
		st.Offer(batch(tile, seq, change(1, 1, int(seq))))
	}
	// lastApplied=3, seq 6 arrives: 6 != 4, so nothing is applied and the
	// caller must resynchronize.
	if got := st.Offer(batch(tile, 6, change(1, 1, 60))); got != GapDetected {
		t.Fatalf("gap: %v", got)
	}
	if px := st.State().Pixel(grid.Offset{OX: 1, OY: 1}); px != 3 {
		t.Fatalf("pixel=%d, gap delta must not apply", px)
	}
	if st.SinceSeq() != 3 {
		t.Fatalf("sinceSeq=%d want 3", st.SinceSeq())
	}
	if !st.PendingGap() {
		t.Fatalf("pending gap not reported")
	}
}

func TestConvergenceUnderNetworkReordering(t *testing.T) {
	testlog.Start(t)
	tile := grid.Tile{TX: 2, TY: 2}
	deltas := []protocol.TileDelta{
		batch(tile, 5, change(0, 0, 5), change(1, 0, 5)),
		batch(tile, 6, change(0, 0, 6)),
		batch(tile, 7, change(1, 0, 7), change(2, 0, 7)),
	}

	inOrder := NewStream(NewTileState(tile, 0))
	seed := batch(tile, 1, change(9, 9, 1))
	pad := []protocol.TileDelta{seed, batch(tile, 2), batch(tile, 3), batch(tile, 4)}
	for _, d := range pad {
		inOrder.Offer(d)
	}
	for _, d := range deltas {
		if got := inOrder.Offer(d); got != Applied {
			t.Fatalf("in-order seq %d: %v", d.Seq, got)
		}
	}

	reordered := NewStream(NewTileState(tile, 0))
	for _, d := range pad {
		reordered.Offer(d)
	}
	// Network order 7, 5, 6: 7 parks behind the gap, 5 applies, 6 applies
	// and drains 7.
	if got := reordered.Offer(deltas[2]); got != GapDetected {
		t.Fatalf("seq 7 first: %v", got)
	}
	if got := reordered.Offer(deltas[0]); got != Applied {
		t.Fatalf("seq 5: %v", got)
	}
	if got := reordered.Offer(deltas[1]); got != Applied {
		t.Fatalf("seq 6: %v", got)
	}

	want := inOrder.State().Pixels()
	got := reordered.State().Pixels()
	for i := range want {
		if want[i] != got[i] {
			t.Fatalf("pixel %d diverged: in-order=%d reordered=%d", i, want[i], got[i])
		}
	}
	if reordered.SinceSeq() != 7 {
		t.Fatalf("sinceSeq=%d want 7", reordered.SinceSeq())
	}
}

func TestSnapshotComposition(t *testing.T) {
	testlog.Start(t)
	tile := grid.Tile{TX: 0, TY: 0}

	// Build authoritative state through seq 3, capture it, then verify a
	// fresh client starting from the snapshot plus the tail converges.
	authority := NewStream(NewTileState(tile, 0))
	authority.Offer(batch(tile, 1, change(0, 0, 1)))
	authority.Offer(batch(tile, 2, change(1, 0, 2)))
	authority.Offer(batch(tile, 3, change(2, 0, 3)))
	snapPixels := authority.State().Pixels()
	authority.Offer(batch(tile, 4, change(0, 0, 4)))
	authority.Offer(batch(tile, 5, change(3, 0, 5)))

	fresh := NewStream(NewTileState(tile, 0))
	if err := fresh.ResetToSnapshot(3, snapPixels); err != nil {
		t.Fatalf("reset: %v", err)
	}
	fresh.Offer(batch(tile, 4, change(0, 0, 4)))
	fresh.Offer(batch(tile, 5, change(3, 0, 5)))

	want := authority.State().Pixels()
	got := fresh.State().Pixels()
	for i := range want {
		if want[i] != got[i] {
			t.Fatalf("pixel %d diverged after snapshot composition", i)
		}
	}
}

func TestResetDropsStalePendingAndDrainsNewer(t *testing.T) {
	testlog.Start(t)
	tile := grid.Tile{TX: 0, TY: 0}
	st := NewStream(NewTileState(tile, 0))
	// Deltas 2 and 5 park behind a gap (nothing applied yet).
	st.Offer(batch(tile, 2, change(0, 0, 2)))
	st.Offer(batch(tile, 5, change(1, 1, 5)))

	snap := make([]int, PixelCount)
	snap[3] = 9
	if err := st.ResetToSnapshot(4, snap); err != nil {
		t.Fatalf("reset: %v", err)
	}
	// Seq 2 predates the snapshot and is dropped; seq 5 drains on top.
	if st.SinceSeq() != 5 {
		t.Fatalf("sinceSeq=%d want 5", st.SinceSeq())
	}
	if px := st.State().Pixel(grid.Offset{OX: 1, OY: 1}); px != 5 {
		t.Fatalf("drained pixel=%d", px)
	}
	if px := st.State().Pixel(grid.Offset{}); px != 0 {
		t.Fatalf("stale pending applied: %d", px)
	}
}

func TestResetRejectsWrongLength(t *testing.T) {
	testlog.Start(t)
	st := NewTileState(grid.Tile{}, 0)
	if err := st.ResetToSnapshot(1, make([]int, 10)); err == nil {
		t.Fatalf("short snapshot should fail")
	}
}

func TestBaselineFill(t *testing.T) {
	testlog.Start(t)
	st := NewTileState(grid.Tile{}, 6)
	if px := st.Pixel(grid.Offset{OX: 63, OY: 63}); px != 6 {
		t.Fatalf("baseline=%d", px)
	}
}

func TestMaterializeAndSnapshotCodec(t *testing.T) {
	testlog.Start(t)
	tile := grid.Tile{TX: -3, TY: 4}
	state := Materialize(tile, 0, []protocol.TileDelta{
		batch(tile, 1, change(0, 0, 2)),
		batch(tile, 2, change(63, 63, 8)),
	})
	blob, err := EncodeSnapshot(state.Pixels())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	pixels, err := DecodeSnapshot(blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pixels[0] != 2 || pixels[PixelCount-1] != 8 {
		t.Fatalf("corner pixels %d, %d", pixels[0], pixels[PixelCount-1])
	}
	if _, err := DecodeSnapshot([]byte(`[1,2,3]`)); err == nil {
		t.Fatalf("short blob should fail")
	}
}
