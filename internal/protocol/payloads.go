package protocol

import (
	"github.com/opencanvas/placed/internal/grid"
)

// SubPayload subscribes the connection to a set of tiles. SinceSeq, when
// present, carries the last applied sequence number per tile key; the server
// answers each entry with either every delta strictly after that seq, in
// ascending order with no gaps, or a fresh snapshot when that history has
// been compacted away. Protocol, when non-zero, lets the server hard-reject
// an incompatible client on first contact.
type SubPayload struct {
	Tiles    []grid.Tile       `json:"tiles"`
	SinceSeq map[string]uint64 `json:"sinceSeq,omitempty"`
	Protocol int               `json:"protocol,omitempty"`
}

// UnsubPayload stops delivery for a set of tiles. Unsubscribing does not
// suppress messages already queued for the connection.
type UnsubPayload struct {
	Tiles []grid.Tile `json:"tiles"`
}

// PaintPayload is one paint action: a global pixel coordinate plus a color
// index into the named palette (default palette when PaletteID is empty).
// ClientOpID, when set, lets the server discard duplicate submissions of the
// same logical paint within its dedup window.
type PaintPayload struct {
	X          int    `json:"x"`
	Y          int    `json:"y"`
	Color      int    `json:"color"`
	PaletteID  string `json:"paletteId,omitempty"`
	ClientOpID string `json:"clientOpId,omitempty"`
}

// PingPayload carries a client timestamp echoed back inside the pong;
// correlation is payload-level, the protocol imposes no request ids.
type PingPayload struct {
	TS int64 `json:"ts"`
}

// PongPayload answers a ping.
type PongPayload struct {
	TS       int64 `json:"ts"`
	ServerTS int64 `json:"serverTs"`
}

// PixelChange is the atomic unit inside a delta batch: one intra-tile offset
// painted to a palette color index.
type PixelChange struct {
	OX        int    `json:"ox"`
	OY        int    `json:"oy"`
	Color     int    `json:"color"`
	PaletteID string `json:"paletteId"`
}

// TileDelta is one accepted batch of changes for one tile. Seq increases by
// exactly one per accepted batch for that tile, is never reused, and never
// decreases. There is no ordering relation between deltas of different tiles.
type TileDelta struct {
	TX      int           `json:"tx"`
	TY      int           `json:"ty"`
	Seq     uint64        `json:"seq"`
	Changes []PixelChange `json:"changes"`
}

// Tile returns the tile this delta belongs to.
func (d TileDelta) Tile() grid.Tile {
	return grid.Tile{TX: d.TX, TY: d.TY}
}

// TileSnapshotMeta is the baseline a client must hold before applying any
// delta with a higher seq. The snapshot image itself travels over the HTTP
// side-channel at SnapshotURL; ETag and LastModified support conditional
// refetch.
type TileSnapshotMeta struct {
	TX             int    `json:"tx"`
	TY             int    `json:"ty"`
	Seq            uint64 `json:"seq"`
	SnapshotURL    string `json:"snapshotUrl"`
	PaletteVersion int    `json:"paletteVersion"`
	PaletteID      string `json:"paletteId,omitempty"`
	ETag           string `json:"etag,omitempty"`
	LastModified   string `json:"lastModified,omitempty"`
}

// Tile returns the tile this snapshot describes.
func (m TileSnapshotMeta) Tile() grid.Tile {
	return grid.Tile{TX: m.TX, TY: m.TY}
}

// PopPayload reports the subscriber count for one tile.
type PopPayload struct {
	TX    int `json:"tx"`
	TY    int `json:"ty"`
	Count int `json:"count"`
}

// UserCountPayload reports the connection count for the whole canvas.
type UserCountPayload struct {
	Count int `json:"count"`
}

// ProtectedRegion is a paint exclusion rectangle, inclusive on both corners.
// Enforcement lives in the server; the shape is part of the contract.
type ProtectedRegion struct {
	X1     int    `json:"x1"`
	Y1     int    `json:"y1"`
	X2     int    `json:"x2"`
	Y2     int    `json:"y2"`
	Reason string `json:"reason,omitempty"`
}

// Contains reports whether p falls inside the region. Corners given in
// either order are honored.
func (r ProtectedRegion) Contains(p grid.Pixel) bool {
	x1, x2 := r.X1, r.X2
	if x1 > x2 {
		x1, x2 = x2, x1
	}
	y1, y2 := r.Y1, r.Y2
	if y1 > y2 {
		y1, y2 = y2, y1
	}
	return p.X >= x1 && p.X <= x2 && p.Y >= y1 && p.Y <= y2
}
