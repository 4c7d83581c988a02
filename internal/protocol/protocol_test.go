package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/opencanvas/placed/internal/grid"
	"github.com/opencanvas/placed/internal/testutil/testlog"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	testlog.Start(t)
	msg, err := Encode(KindPing, PingPayload{TS: 1234})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	env, err := Decode(msg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.T != KindPing {
		t.Fatalf("kind=%q", env.T)
	}
	p, err := DecodePing(env.P)
	if err != nil {
		t.Fatalf("decode ping: %v", err)
	}
	if p.TS != 1234 {
		t.Fatalf("ts=%d", p.TS)
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	testlog.Start(t)
	if _, err := Decode([]byte(`{"t":"mystery","p":{}}`)); err == nil {
		t.Fatalf("unknown kind should fail")
	}
	if _, err := Decode([]byte(`{"p":{}}`)); err == nil {
		t.Fatalf("missing kind should fail")
	}
	if _, err := Encode("mystery", nil); err == nil {
		t.Fatalf("encode unknown kind should fail")
	}
}

func TestDecodeSub(t *testing.T) {
	testlog.Start(t)
	raw := json.RawMessage(`{"tiles":[{"tx":3,"ty":-2}],"sinceSeq":{"3:-2":7},"protocol":1}`)
	p, err := DecodeSub(raw)
	if err != nil {
		t.Fatalf("decode sub: %v", err)
	}
	if len(p.Tiles) != 1 || p.Tiles[0] != (grid.Tile{TX: 3, TY: -2}) {
		t.Fatalf("tiles=%v", p.Tiles)
	}
	if p.SinceSeq["3:-2"] != 7 {
		t.Fatalf("sinceSeq=%v", p.SinceSeq)
	}

	if _, err := DecodeSub(json.RawMessage(`{"tiles":[]}`)); err == nil {
		t.Fatalf("empty tiles should fail")
	}
	if _, err := DecodeSub(json.RawMessage(`{"tiles":[{"tx":0,"ty":0}],"sinceSeq":{"bogus":1}}`)); err == nil {
		t.Fatalf("bad sinceSeq key should fail")
	}
	var verr ValidationError
	_, err = DecodeSub(json.RawMessage(`{}`))
	if !errors.As(err, &verr) || verr.Field != "tiles" {
		t.Fatalf("expected tiles validation error, got %v", err)
	}
}

func TestDecodePaintRejectsFractionalColor(t *testing.T) {
	testlog.Start(t)
	p, err := DecodePaint(json.RawMessage(`{"x":-1,"y":-1,"color":3,"paletteId":"classic","clientOpId":"op-1"}`))
	if err != nil {
		t.Fatalf("decode paint: %v", err)
	}
	if p.X != -1 || p.Y != -1 || p.Color != 3 || p.PaletteID != "classic" || p.ClientOpID != "op-1" {
		t.Fatalf("payload=%+v", p)
	}

	if _, err := DecodePaint(json.RawMessage(`{"x":0,"y":0,"color":1.5}`)); err == nil {
		t.Fatalf("fractional color should fail")
	}
	if _, err := DecodePaint(json.RawMessage(`{"x":0,"y":0,"color":-1}`)); err == nil {
		t.Fatalf("negative color should fail")
	}
	for _, missing := range []string{
		`{"y":0,"color":0}`,
		`{"x":0,"color":0}`,
		`{"x":0,"y":0}`,
	} {
		if _, err := DecodePaint(json.RawMessage(missing)); err == nil {
			t.Fatalf("payload %s should fail", missing)
		}
	}
}

func TestHandshakeGate(t *testing.T) {
	testlog.Start(t)
	if !IsCompatible(HandshakeInfo{ProtocolVersion: 1, PaletteVersion: 3, TileSize: 64}) {
		t.Fatalf("matching handshake rejected")
	}
	if IsCompatible(HandshakeInfo{ProtocolVersion: 2, PaletteVersion: 3, TileSize: 64}) {
		t.Fatalf("protocol mismatch accepted")
	}
	if IsCompatible(HandshakeInfo{ProtocolVersion: 1, PaletteVersion: 3, TileSize: 128}) {
		t.Fatalf("tile size mismatch accepted")
	}
	// Palette version skew alone is tolerated: ordinals are append-only.
	if !IsCompatible(HandshakeInfo{ProtocolVersion: 1, PaletteVersion: 99, TileSize: 64}) {
		t.Fatalf("palette skew rejected")
	}
	local := Local()
	if local.ProtocolVersion != ProtocolVersion || local.TileSize != grid.TileSize {
		t.Fatalf("local=%+v", local)
	}
}

func TestPaintOutcomeIsThreeWay(t *testing.T) {
	testlog.Start(t)
	outcomes := []PaintOutcome{
		Accepted{},
		RejectedWith(CodeForbidden, "protected", map[string]any{"reason": "memorial"}),
		Throttled{Hint: RateLimitHint{RetryAfterMs: 200}},
	}
	var accepted, rejected, throttled int
	for _, o := range outcomes {
		switch v := o.(type) {
		case Accepted:
			accepted++
		case Rejected:
			rejected++
			if v.Frame.Code != CodeForbidden {
				t.Fatalf("code=%s", v.Frame.Code)
			}
		case Throttled:
			throttled++
			if v.Hint.RetryAfterMs != 200 {
				t.Fatalf("retryAfterMs=%d", v.Hint.RetryAfterMs)
			}
		default:
			t.Fatalf("unexpected variant %T", o)
		}
	}
	if accepted != 1 || rejected != 1 || throttled != 1 {
		t.Fatalf("variants: %d/%d/%d", accepted, rejected, throttled)
	}
}

func TestErrorCodeEnumeration(t *testing.T) {
	testlog.Start(t)
	valid := []ErrorCode{
		CodeBadRequest, CodeUnauthorized, CodeForbidden, CodeNotFound,
		CodeRateLimit, CodeValidation, CodeInternal,
	}
	for _, c := range valid {
		if !c.Valid() {
			t.Fatalf("code %s should be valid", c)
		}
	}
	if ErrorCode("TEAPOT").Valid() {
		t.Fatalf("unknown code should be invalid")
	}
}

func TestProtectedRegionContains(t *testing.T) {
	testlog.Start(t)
	r := ProtectedRegion{X1: 10, Y1: 10, X2: -10, Y2: -10, Reason: "spawn"}
	if !r.Contains(grid.Pixel{X: 0, Y: 0}) {
		t.Fatalf("origin should be inside (corners given in either order)")
	}
	if !r.Contains(grid.Pixel{X: 10, Y: -10}) {
		t.Fatalf("corners are inclusive")
	}
	if r.Contains(grid.Pixel{X: 11, Y: 0}) {
		t.Fatalf("outside point reported inside")
	}
}
