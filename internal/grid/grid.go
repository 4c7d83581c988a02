// Package grid converts between unbounded world pixel coordinates, tile
// coordinates, and intra-tile offsets. Tile keys produced here are the
// canonical identifiers for every tile-indexed map, cache, and storage
// namespace in the system.
package grid

import (
	"fmt"
	"strconv"
	"strings"
)

// TileSize is the fixed edge length of one canvas tile in pixels. It is a
// compatibility constant shared by every participant: changing it invalidates
// all previously stored tile addressing and requires a coordinated migration,
// not a protocol version bump.
const TileSize = 64

// Pixel is a point in unbounded world coordinates. Both axes are signed and
// unrestricted.
type Pixel struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Tile addresses one TileSize x TileSize region of the canvas. Tile and Pixel
// are deliberately distinct struct types so one cannot be passed where the
// other is expected without an explicit conversion.
type Tile struct {
	TX int `json:"tx"`
	TY int `json:"ty"`
}

// Offset is a position inside a tile. Each axis is always in [0, TileSize),
// including for negative world coordinates.
type Offset struct {
	OX int `json:"ox"`
	OY int `json:"oy"`
}

// TileOf returns the tile containing p. Floor division keeps negative world
// coordinates on the correct tile; truncating division does not.
func TileOf(p Pixel) Tile {
	return Tile{TX: floorDiv(p.X), TY: floorDiv(p.Y)}
}

// OffsetOf returns p's position inside its tile. Euclidean modulo guarantees
// a result in [0, TileSize) for any integer input.
func OffsetOf(p Pixel) Offset {
	return Offset{OX: euclidMod(p.X), OY: euclidMod(p.Y)}
}

// Origin returns the world coordinate of t's top-left pixel. For any pixel p,
// Origin(TileOf(p)) plus OffsetOf(p) componentwise reconstructs p exactly.
func Origin(t Tile) Pixel {
	return Pixel{X: t.TX * TileSize, Y: t.TY * TileSize}
}

// Center returns the world coordinate of t's midpoint. Used for viewport
// centering only; Origin is the addressing identity.
func Center(t Tile) Pixel {
	return Pixel{X: t.TX*TileSize + TileSize/2, Y: t.TY*TileSize + TileSize/2}
}

// Key returns the canonical key for t, "{tx}:{ty}" with no padding.
// Injective over all integer pairs, including negatives.
func (t Tile) Key() string {
	return strconv.Itoa(t.TX) + ":" + strconv.Itoa(t.TY)
}

// ParseKey is the inverse of Tile.Key.
func ParseKey(key string) (Tile, error) {
	tx, ty, ok := strings.Cut(key, ":")
	if !ok {
		return Tile{}, fmt.Errorf("grid: malformed tile key %q", key)
	}
	x, err := strconv.Atoi(tx)
	if err != nil {
		return Tile{}, fmt.Errorf("grid: malformed tile key %q", key)
	}
	y, err := strconv.Atoi(ty)
	if err != nil {
		return Tile{}, fmt.Errorf("grid: malformed tile key %q", key)
	}
	return Tile{TX: x, TY: y}, nil
}

// Cover returns every tile touched by the axis-aligned pixel rectangle
// spanning min..max inclusive, row-major. Axes with min > max are swapped.
func Cover(min, max Pixel) []Tile {
	if min.X > max.X {
		min.X, max.X = max.X, min.X
	}
	if min.Y > max.Y {
		min.Y, max.Y = max.Y, min.Y
	}
	lo := TileOf(min)
	hi := TileOf(max)
	tiles := make([]Tile, 0, (hi.TX-lo.TX+1)*(hi.TY-lo.TY+1))
	for ty := lo.TY; ty <= hi.TY; ty++ {
		for tx := lo.TX; tx <= hi.TX; tx++ {
			tiles = append(tiles, Tile{TX: tx, TY: ty})
		}
	}
	return tiles
}

func floorDiv(v int) int {
	q := v / TileSize
	if v%TileSize != 0 && v < 0 {
		q--
	}
	return q
}

func euclidMod(v int) int {
	return ((v % TileSize) + TileSize) % TileSize
}
