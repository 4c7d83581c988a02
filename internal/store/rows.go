package store

import (
	"time"

	"github.com/opencanvas/placed/internal/protocol"
)

// PaintEvent is one row of the append-only paint audit log.
type PaintEvent struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	X         int       `json:"x"`
	Y         int       `json:"y"`
	Color     int       `json:"color"`
	PaletteID string    `json:"paletteId"`
	CreatedAt time.Time `json:"createdAt"`
}

// TileDeltaRow is the persisted form of one accepted delta batch.
type TileDeltaRow struct {
	ID        string                 `json:"id"`
	TX        int                    `json:"tx"`
	TY        int                    `json:"ty"`
	Seq       uint64                 `json:"seq"`
	Changes   []protocol.PixelChange `json:"changes"`
	CreatedAt time.Time              `json:"createdAt"`
}

// Delta converts the row back to its wire shape.
func (r TileDeltaRow) Delta() protocol.TileDelta {
	return protocol.TileDelta{TX: r.TX, TY: r.TY, Seq: r.Seq, Changes: r.Changes}
}

// TileSnapshotRow registers one captured tile snapshot. ImageURL points into
// the HTTP side-channel; Seq is the per-tile sequence number the capture
// includes.
type TileSnapshotRow struct {
	TX             int       `json:"tx"`
	TY             int       `json:"ty"`
	Version        uint64    `json:"version"`
	ImageURL       string    `json:"imageUrl"`
	Seq            uint64    `json:"seq"`
	PaletteVersion int       `json:"paletteVersion"`
	CreatedAt      time.Time `json:"createdAt"`
}

// tileMeta is the per-tile bookkeeping row: the last assigned seq, the
// lowest seq still retained (floor), and the latest snapshot version.
type tileMeta struct {
	LastSeq      uint64 `json:"lastSeq"`
	FloorSeq     uint64 `json:"floorSeq"`
	SnapshotVers uint64 `json:"snapshotVers"`
}
