// Package tile defines tile coordinates, the Web Mercator tile grid and
// the tile-local feature model shared by the index, the sources and the
// renderer.
package tile

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

const (
	// Size is the tile edge in CSS pixels used to derive resolutions.
	Size = 256

	// HalfWorld is half the EPSG:3857 world width in meters.
	HalfWorld = 20037508.342789244

	// MaxZoom is the deepest zoom level the grid addresses.
	MaxZoom = 24
)

// Coord identifies one tile in the XYZ scheme (y grows southwards).
type Coord struct {
	Z int `json:"z"`
	X int `json:"x"`
	Y int `json:"y"`
}

// NewCoord returns the coordinate for z/x/y.
func NewCoord(z, x, y int) Coord {
	return Coord{Z: z, X: x, Y: y}
}

// String formats the coordinate as z/x/y.
func (c Coord) String() string {
	return fmt.Sprintf("%d/%d/%d", c.Z, c.X, c.Y)
}

// Valid reports whether the coordinate addresses a tile of the grid.
func (c Coord) Valid() bool {
	if c.Z < 0 || c.Z > MaxZoom {
		return false
	}
	n := 1 << c.Z
	return c.X >= 0 && c.X < n && c.Y >= 0 && c.Y < n
}

// Parent returns the enclosing tile one level up. The root is its own parent.
func (c Coord) Parent() Coord {
	if c.Z == 0 {
		return c
	}
	return Coord{Z: c.Z - 1, X: c.X >> 1, Y: c.Y >> 1}
}

// Ancestor returns the enclosing tile at zoom z (z <= c.Z).
func (c Coord) Ancestor(z int) Coord {
	if z >= c.Z {
		return c
	}
	shift := uint(c.Z - z)
	return Coord{Z: z, X: c.X >> shift, Y: c.Y >> shift}
}

// Children returns the four tiles one level down in NW, NE, SW, SE order.
func (c Coord) Children() [4]Coord {
	z, x, y := c.Z+1, c.X*2, c.Y*2
	return [4]Coord{
		{Z: z, X: x, Y: y},
		{Z: z, X: x + 1, Y: y},
		{Z: z, X: x, Y: y + 1},
		{Z: z, X: x + 1, Y: y + 1},
	}
}

// Maptile converts the coordinate to an orb maptile.
func (c Coord) Maptile() maptile.Tile {
	return maptile.New(uint32(c.X), uint32(c.Y), maptile.Zoom(c.Z))
}

// LonLatBound returns the geographic bounds of the tile.
func (c Coord) LonLatBound() orb.Bound {
	return c.Maptile().Bound()
}

// Span returns the tile edge length in EPSG:3857 meters.
func (c Coord) Span() float64 {
	return 2 * HalfWorld / float64(int64(1)<<uint(c.Z))
}

// Bound returns the tile bounds in EPSG:3857 meters.
func (c Coord) Bound() orb.Bound {
	span := c.Span()
	minX := -HalfWorld + float64(c.X)*span
	maxY := HalfWorld - float64(c.Y)*span
	return orb.Bound{
		Min: orb.Point{minX, maxY - span},
		Max: orb.Point{minX + span, maxY},
	}
}

// Center returns the tile center in EPSG:3857 meters.
func (c Coord) Center() orb.Point {
	return c.Bound().Center()
}

// UnitBound returns the tile bounds in the unit square used by the index
// (x and y in [0, 1], y grows southwards).
func (c Coord) UnitBound() orb.Bound {
	n := float64(int64(1) << uint(c.Z))
	return orb.Bound{
		Min: orb.Point{float64(c.X) / n, float64(c.Y) / n},
		Max: orb.Point{float64(c.X+1) / n, float64(c.Y+1) / n},
	}
}

// ParseCoord parses a z/x/y string.
func ParseCoord(s string) (Coord, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return Coord{}, fmt.Errorf("invalid tile coordinate %q", s)
	}
	var vals [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return Coord{}, fmt.Errorf("invalid tile coordinate %q: %w", s, err)
		}
		vals[i] = v
	}
	c := Coord{Z: vals[0], X: vals[1], Y: vals[2]}
	if !c.Valid() {
		return Coord{}, fmt.Errorf("tile out of range: %s", c)
	}
	return c, nil
}

// Resolution returns meters per CSS pixel at zoom z.
func Resolution(z int) float64 {
	return 2 * HalfWorld / (Size * float64(int64(1)<<uint(z)))
}

// ZoomForResolution returns the integer zoom whose resolution is closest
// to res, clamped to [0, maxZoom].
func ZoomForResolution(res float64, maxZoom int) int {
	if res <= 0 || math.IsNaN(res) || math.IsInf(res, 0) {
		return 0
	}
	z := int(math.Round(math.Log2(Resolution(0) / res)))
	if z < 0 {
		z = 0
	}
	if z > maxZoom {
		z = maxZoom
	}
	return z
}

// Range is an inclusive range of tile columns and rows at one zoom.
type Range struct {
	Z          int
	MinX, MaxX int
	MinY, MaxY int
}

// RangeForBound returns the tiles at zoom z covering an EPSG:3857 bound.
func RangeForBound(b orb.Bound, z int) Range {
	n := 1 << z
	span := 2 * HalfWorld / float64(n)
	clamp := func(v int) int {
		if v < 0 {
			return 0
		}
		if v >= n {
			return n - 1
		}
		return v
	}
	return Range{
		Z:    z,
		MinX: clamp(int(math.Floor((b.Min[0] + HalfWorld) / span))),
		MaxX: clamp(int(math.Floor((b.Max[0] + HalfWorld) / span))),
		MinY: clamp(int(math.Floor((HalfWorld - b.Max[1]) / span))),
		MaxY: clamp(int(math.Floor((HalfWorld - b.Min[1]) / span))),
	}
}

// Coords lists the range row by row.
func (r Range) Coords() []Coord {
	if r.MaxX < r.MinX || r.MaxY < r.MinY {
		return nil
	}
	out := make([]Coord, 0, (r.MaxX-r.MinX+1)*(r.MaxY-r.MinY+1))
	for y := r.MinY; y <= r.MaxY; y++ {
		for x := r.MinX; x <= r.MaxX; x++ {
			out = append(out, Coord{Z: r.Z, X: x, Y: y})
		}
	}
	return out
}

// Contains reports whether c is inside the range.
func (r Range) Contains(c Coord) bool {
	return c.Z == r.Z && c.X >= r.MinX && c.X <= r.MaxX && c.Y >= r.MinY && c.Y <= r.MaxY
}
