// Package protocol defines the wire contract between canvas clients and
// servers: the JSON message envelope, the catalog of message kinds and their
// payload shapes, the version handshake, and the three-way paint validation
// outcome. Anything that must stay byte-for-byte consistent across
// implementations lives here.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion identifies the wire contract. Incremented only on breaking
// wire changes; v1 compatibility is strict equality, no range negotiation.
const ProtocolVersion = 1

// Client to server message kinds.
const (
	KindSub   = "sub"
	KindUnsub = "unsub"
	KindPaint = "paint"
	KindPing  = "ping"
)

// Server to client message kinds.
const (
	KindInitTile  = "init_tile"
	KindDelta     = "delta"
	KindError     = "error"
	KindRateLimit = "rate_limit"
	KindPop       = "pop"
	KindUserCount = "user_count"
	KindPong      = "pong"
)

// Envelope is the outer frame of every message: a kind tag plus the raw
// payload bytes for that kind.
type Envelope struct {
	T string          `json:"t"`
	P json.RawMessage `json:"p,omitempty"`
}

// Encode wraps payload in an envelope of the given kind.
func Encode(kind string, payload any) ([]byte, error) {
	if !KnownKind(kind) {
		return nil, fmt.Errorf("protocol: unknown kind %q", kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", kind, err)
	}
	return json.Marshal(Envelope{T: kind, P: raw})
}

// Decode parses one envelope. The payload is left raw; use the per-kind
// decoders to validate and type it.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: malformed envelope: %w", err)
	}
	if env.T == "" {
		return Envelope{}, fmt.Errorf("protocol: envelope missing kind")
	}
	if !KnownKind(env.T) {
		return Envelope{}, fmt.Errorf("protocol: unknown kind %q", env.T)
	}
	return env, nil
}

var kinds = map[string]struct{}{
	KindSub:       {},
	KindUnsub:     {},
	KindPaint:     {},
	KindPing:      {},
	KindInitTile:  {},
	KindDelta:     {},
	KindError:     {},
	KindRateLimit: {},
	KindPop:       {},
	KindUserCount: {},
	KindPong:      {},
}

// KnownKind reports whether kind is part of the v1 message catalog.
func KnownKind(kind string) bool {
	_, ok := kinds[kind]
	return ok
}
