package protocol

import (
	"github.com/opencanvas/placed/internal/grid"
	"github.com/opencanvas/placed/internal/palette"
)

// HandshakeInfo is exchanged once per connection before any subscription.
type HandshakeInfo struct {
	ProtocolVersion int `json:"protocolVersion"`
	PaletteVersion  int `json:"paletteVersion"`
	TileSize        int `json:"tileSize"`
}

// Local describes this build's wire parameters.
func Local() HandshakeInfo {
	return HandshakeInfo{
		ProtocolVersion: ProtocolVersion,
		PaletteVersion:  palette.Std().Version(),
		TileSize:        grid.TileSize,
	}
}

// IsCompatible gates a connection against a server's declared parameters:
// protocol version and tile size must match exactly. Any mismatch is a hard
// rejection; v1 has no negotiated-downgrade path. Palette version skew is
// tolerated because ordinals are append-only.
func IsCompatible(server HandshakeInfo) bool {
	return server.ProtocolVersion == ProtocolVersion && server.TileSize == grid.TileSize
}
