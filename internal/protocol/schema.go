package protocol

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/opencanvas/placed/internal/grid"
)

// ValidationError pinpoints the payload field that failed schema validation.
type ValidationError struct {
	Kind   string
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("schema: kind=%s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("schema: kind=%s field=%s: %s", e.Kind, e.Field, e.Reason)
}

// DecodeSub validates and types a sub payload. Tiles is required and
// non-empty; sinceSeq keys must be canonical tile keys. Unknown payload
// fields are ignored by design.
func DecodeSub(raw json.RawMessage) (SubPayload, error) {
	var p SubPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return SubPayload{}, ValidationError{Kind: KindSub, Reason: "malformed payload"}
	}
	if len(p.Tiles) == 0 {
		return SubPayload{}, ValidationError{Kind: KindSub, Field: "tiles", Reason: "required"}
	}
	for key := range p.SinceSeq {
		if _, err := grid.ParseKey(key); err != nil {
			return SubPayload{}, ValidationError{Kind: KindSub, Field: "sinceSeq", Reason: "malformed tile key"}
		}
	}
	if p.Protocol < 0 {
		return SubPayload{}, ValidationError{Kind: KindSub, Field: "protocol", Reason: "negative"}
	}
	return p, nil
}

// DecodeUnsub validates and types an unsub payload.
func DecodeUnsub(raw json.RawMessage) (UnsubPayload, error) {
	var p UnsubPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return UnsubPayload{}, ValidationError{Kind: KindUnsub, Reason: "malformed payload"}
	}
	if len(p.Tiles) == 0 {
		return UnsubPayload{}, ValidationError{Kind: KindUnsub, Field: "tiles", Reason: "required"}
	}
	return p, nil
}

// rawPaint mirrors PaintPayload with the color left as a JSON number so a
// fractional index is caught here instead of being silently truncated.
type rawPaint struct {
	X          *int     `json:"x"`
	Y          *int     `json:"y"`
	Color      *float64 `json:"color"`
	PaletteID  string   `json:"paletteId"`
	ClientOpID string   `json:"clientOpId"`
}

// DecodePaint validates and types a paint payload. x, y, and color are
// required; color must be a non-negative integer (range against the resolved
// palette is the service's concern, not the schema's).
func DecodePaint(raw json.RawMessage) (PaintPayload, error) {
	var p rawPaint
	if err := json.Unmarshal(raw, &p); err != nil {
		return PaintPayload{}, ValidationError{Kind: KindPaint, Reason: "malformed payload"}
	}
	if p.X == nil {
		return PaintPayload{}, ValidationError{Kind: KindPaint, Field: "x", Reason: "required"}
	}
	if p.Y == nil {
		return PaintPayload{}, ValidationError{Kind: KindPaint, Field: "y", Reason: "required"}
	}
	if p.Color == nil {
		return PaintPayload{}, ValidationError{Kind: KindPaint, Field: "color", Reason: "required"}
	}
	c := *p.Color
	if c != math.Trunc(c) || math.IsInf(c, 0) || math.IsNaN(c) {
		return PaintPayload{}, ValidationError{Kind: KindPaint, Field: "color", Reason: "not an integer"}
	}
	if c < 0 {
		return PaintPayload{}, ValidationError{Kind: KindPaint, Field: "color", Reason: "negative"}
	}
	return PaintPayload{
		X:          *p.X,
		Y:          *p.Y,
		Color:      int(c),
		PaletteID:  p.PaletteID,
		ClientOpID: p.ClientOpID,
	}, nil
}

// DecodePing validates and types a ping payload.
func DecodePing(raw json.RawMessage) (PingPayload, error) {
	var p PingPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return PingPayload{}, ValidationError{Kind: KindPing, Reason: "malformed payload"}
	}
	return p, nil
}
