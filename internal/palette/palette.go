// Package palette holds the ordered catalog of color palettes shared by every
// participant. A pixel's color travels on the wire as an index into one of
// these palettes, so entry order and catalog position (ordinal) are part of
// the wire contract: the catalog is append-only across deployments and never
// mutated at runtime.
package palette

import (
	"fmt"
	"math"
	"strings"
)

// ColorNotFound is the sentinel returned by FindColorIndex when a color has
// no entry in the palette. It is never a valid index.
const ColorNotFound = -1

// Palette is one ordered, versioned list of colors. Entries are 8-hex-digit
// RGBA strings; slice position is the wire encoding of the color.
type Palette struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Version int      `json:"version"`
	Colors  []string `json:"colors"`
}

// Registry is the immutable, ordered palette catalog plus a designated
// default. Build one at process start and share it by reference.
type Registry struct {
	palettes  []Palette
	ordinals  map[string]int
	defaultID string
	version   int
}

// NewRegistry builds a catalog from palettes in catalog order. The order
// given here assigns ordinals, so callers must only ever append.
func NewRegistry(defaultID string, version int, palettes ...Palette) (*Registry, error) {
	if len(palettes) == 0 {
		return nil, fmt.Errorf("palette: empty catalog")
	}
	ordinals := make(map[string]int, len(palettes))
	for i, p := range palettes {
		if p.ID == "" {
			return nil, fmt.Errorf("palette: catalog entry %d missing id", i)
		}
		if len(p.Colors) == 0 {
			return nil, fmt.Errorf("palette: %s has no colors", p.ID)
		}
		if _, dup := ordinals[p.ID]; dup {
			return nil, fmt.Errorf("palette: duplicate id %s", p.ID)
		}
		for _, c := range p.Colors {
			if len(c) != 8 {
				return nil, fmt.Errorf("palette: %s color %q is not 8-hex RGBA", p.ID, c)
			}
		}
		ordinals[p.ID] = i
	}
	if _, ok := ordinals[defaultID]; !ok {
		return nil, fmt.Errorf("palette: default %s not in catalog", defaultID)
	}
	return &Registry{
		palettes:  palettes,
		ordinals:  ordinals,
		defaultID: defaultID,
		version:   version,
	}, nil
}

// Version is the catalog version advertised in the handshake.
func (r *Registry) Version() int { return r.version }

// DefaultID returns the designated default palette id.
func (r *Registry) DefaultID() string { return r.defaultID }

// Default returns the designated default palette.
func (r *Registry) Default() Palette {
	return r.palettes[r.ordinals[r.defaultID]]
}

// ByID resolves a palette by exact id. An unknown id is absent, not an error.
func (r *Registry) ByID(id string) (Palette, bool) {
	i, ok := r.ordinals[id]
	if !ok {
		return Palette{}, false
	}
	return r.palettes[i], true
}

// Resolve returns the palette for id, or the default palette when id is
// unknown or empty. Same leniency policy as OrdinalOf.
func (r *Registry) Resolve(id string) Palette {
	if p, ok := r.ByID(id); ok {
		return p
	}
	return r.Default()
}

// OrdinalOf returns the catalog position of id. An unknown id silently
// resolves to the default palette's ordinal; this leniency is deliberate and
// must not become an error path.
func (r *Registry) OrdinalOf(id string) int {
	if i, ok := r.ordinals[id]; ok {
		return i
	}
	return r.ordinals[r.defaultID]
}

// IDForOrdinal is the inverse of OrdinalOf. An out-of-range ordinal silently
// resolves to the default palette's id.
func (r *Registry) IDForOrdinal(ordinal int) string {
	if ordinal < 0 || ordinal >= len(r.palettes) {
		return r.defaultID
	}
	return r.palettes[ordinal].ID
}

// List returns the catalog in ordinal order. The slice is a copy; the
// palettes it holds share the registry's color slices and must be treated as
// read-only.
func (r *Registry) List() []Palette {
	out := make([]Palette, len(r.palettes))
	copy(out, r.palettes)
	return out
}

// BaselineIndex is the color index assigned to every untouched pixel: the
// index of pure white in the default palette, or 0 when the default palette
// carries no white entry.
func (r *Registry) BaselineIndex() int {
	if idx := FindColorIndex("#FFFFFF", r.Default()); idx != ColorNotFound {
		return idx
	}
	return 0
}

// FindColorIndex resolves a hex color to its index in p. A 6-hex-digit color
// is normalized to 8 digits by appending FF alpha; comparison is
// case-insensitive against entries in order. Returns ColorNotFound when the
// color has no entry.
func FindColorIndex(color string, p Palette) int {
	norm := strings.TrimPrefix(color, "#")
	if len(norm) == 6 {
		norm += "FF"
	}
	for i, c := range p.Colors {
		if strings.EqualFold(c, norm) {
			return i
		}
	}
	return ColorNotFound
}

// ValidColorIndex reports whether idx encodes a valid color in p. JSON
// numbers arrive as float64, so fractional values are rejected explicitly
// rather than truncated.
func ValidColorIndex(idx float64, p Palette) bool {
	if math.IsNaN(idx) || math.IsInf(idx, 0) || idx != math.Trunc(idx) {
		return false
	}
	return idx >= 0 && idx < float64(len(p.Colors))
}
