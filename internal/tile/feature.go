package tile

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// DefaultExtent is the tile-local coordinate range of a tile edge.
const DefaultExtent = 4096

// GeomType is the small integer tag of a tile-local geometry.
type GeomType int

const (
	GeomUnknown GeomType = 0
	GeomPoint   GeomType = 1
	GeomLine    GeomType = 2
	GeomPolygon GeomType = 3
)

func (t GeomType) String() string {
	switch t {
	case GeomPoint:
		return "point"
	case GeomLine:
		return "line"
	case GeomPolygon:
		return "polygon"
	default:
		return "unknown"
	}
}

var (
	// ErrEmptyGeometry is returned when a feature carries no coordinates.
	ErrEmptyGeometry = errors.New("tile: empty geometry")
	// ErrUnknownType is returned for tags outside 1..3.
	ErrUnknownType = errors.New("tile: unknown geometry type")
)

// Tile is the payload returned for one tile coordinate.
type Tile struct {
	Coord    Coord     `json:"coord"`
	Extent   int       `json:"extent"`
	Features []Feature `json:"features"`
}

// Empty returns a tile with no features. It is a valid cache entry and
// differs from a nil tile, which means the coordinate is outside the data.
func Empty(c Coord, extent int) *Tile {
	return &Tile{Coord: c, Extent: extent, Features: []Feature{}}
}

// Feature is a geometry in tile pixel space plus its attributes.
//
// For GeomPoint each part holds a single point. For GeomLine each part is
// a line, for GeomPolygon each part is a ring.
type Feature struct {
	ID    any
	Type  GeomType
	Parts [][]orb.Point
	Tags  map[string]any
	Layer string
}

type featureJSON struct {
	ID       any             `json:"id,omitempty"`
	Type     GeomType        `json:"type"`
	Geometry json.RawMessage `json:"geometry"`
	Tags     map[string]any  `json:"tags,omitempty"`
	Layer    string          `json:"layer,omitempty"`
}

// MarshalJSON writes the compact payload form: type 1 geometry is a list of
// points, types 2 and 3 a list of point lists.
func (f Feature) MarshalJSON() ([]byte, error) {
	var geom any
	if f.Type == GeomPoint {
		pts := make([]orb.Point, 0, len(f.Parts))
		for _, part := range f.Parts {
			pts = append(pts, part...)
		}
		geom = pts
	} else {
		parts := f.Parts
		if parts == nil {
			parts = [][]orb.Point{}
		}
		geom = parts
	}
	raw, err := json.Marshal(geom)
	if err != nil {
		return nil, err
	}
	return json.Marshal(featureJSON{ID: f.ID, Type: f.Type, Geometry: raw, Tags: f.Tags, Layer: f.Layer})
}

// UnmarshalJSON reads the compact payload form.
func (f *Feature) UnmarshalJSON(data []byte) error {
	var raw featureJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := Feature{ID: raw.ID, Type: raw.Type, Tags: raw.Tags, Layer: raw.Layer}
	if len(raw.Geometry) > 0 && string(raw.Geometry) != "null" {
		if raw.Type == GeomPoint {
			var pts []orb.Point
			if err := json.Unmarshal(raw.Geometry, &pts); err != nil {
				return fmt.Errorf("tile: point geometry: %w", err)
			}
			out.Parts = make([][]orb.Point, len(pts))
			for i, p := range pts {
				out.Parts[i] = []orb.Point{p}
			}
		} else {
			if err := json.Unmarshal(raw.Geometry, &out.Parts); err != nil {
				return fmt.Errorf("tile: %s geometry: %w", raw.Type, err)
			}
		}
	}
	*f = out
	return nil
}

// Decode rebuilds the geometry of a tile-local feature. The single or
// multi variant is chosen from the number of parts: one part yields the
// singular type, several parts the plural one. A polygon with several
// rings becomes a MultiPolygon holding one single-ring polygon per ring.
func Decode(f Feature) (orb.Geometry, error) {
	switch f.Type {
	case GeomPoint:
		var pts []orb.Point
		for _, part := range f.Parts {
			pts = append(pts, part...)
		}
		switch len(pts) {
		case 0:
			return nil, ErrEmptyGeometry
		case 1:
			return pts[0], nil
		default:
			return orb.MultiPoint(pts), nil
		}

	case GeomLine:
		switch len(f.Parts) {
		case 0:
			return nil, ErrEmptyGeometry
		case 1:
			return orb.LineString(f.Parts[0]), nil
		default:
			mls := make(orb.MultiLineString, len(f.Parts))
			for i, part := range f.Parts {
				mls[i] = orb.LineString(part)
			}
			return mls, nil
		}

	case GeomPolygon:
		switch len(f.Parts) {
		case 0:
			return nil, ErrEmptyGeometry
		case 1:
			return orb.Polygon{orb.Ring(f.Parts[0])}, nil
		default:
			mp := make(orb.MultiPolygon, len(f.Parts))
			for i, part := range f.Parts {
				mp[i] = orb.Polygon{orb.Ring(part)}
			}
			return mp, nil
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownType, int(f.Type))
}

// Encode flattens a geometry into its tag and parts. Collections are not
// representable and report ok=false; callers split them first.
func Encode(g orb.Geometry) (GeomType, [][]orb.Point, bool) {
	switch g := g.(type) {
	case orb.Point:
		return GeomPoint, [][]orb.Point{{g}}, true
	case orb.MultiPoint:
		if len(g) == 0 {
			return GeomPoint, nil, false
		}
		parts := make([][]orb.Point, len(g))
		for i, p := range g {
			parts[i] = []orb.Point{p}
		}
		return GeomPoint, parts, true
	case orb.LineString:
		if len(g) == 0 {
			return GeomLine, nil, false
		}
		return GeomLine, [][]orb.Point{g}, true
	case orb.MultiLineString:
		parts := make([][]orb.Point, 0, len(g))
		for _, ls := range g {
			if len(ls) > 0 {
				parts = append(parts, ls)
			}
		}
		return GeomLine, parts, len(parts) > 0
	case orb.Ring:
		if len(g) == 0 {
			return GeomPolygon, nil, false
		}
		return GeomPolygon, [][]orb.Point{g}, true
	case orb.Polygon:
		parts := make([][]orb.Point, 0, len(g))
		for _, r := range g {
			if len(r) > 0 {
				parts = append(parts, r)
			}
		}
		return GeomPolygon, parts, len(parts) > 0
	case orb.MultiPolygon:
		var parts [][]orb.Point
		for _, p := range g {
			for _, r := range p {
				if len(r) > 0 {
					parts = append(parts, r)
				}
			}
		}
		return GeomPolygon, parts, len(parts) > 0
	case orb.Bound:
		return Encode(g.ToPolygon())
	}
	return GeomUnknown, nil, false
}

// Flatten splits collections into their members, dropping nil entries.
func Flatten(g orb.Geometry) []orb.Geometry {
	if g == nil {
		return nil
	}
	c, ok := g.(orb.Collection)
	if !ok {
		return []orb.Geometry{g}
	}
	var out []orb.Geometry
	for _, m := range c {
		out = append(out, Flatten(m)...)
	}
	return out
}

// CountPoints returns the number of vertices of a geometry.
func CountPoints(g orb.Geometry) int {
	switch g := g.(type) {
	case orb.Point:
		return 1
	case orb.MultiPoint:
		return len(g)
	case orb.LineString:
		return len(g)
	case orb.Ring:
		return len(g)
	case orb.MultiLineString:
		n := 0
		for _, ls := range g {
			n += len(ls)
		}
		return n
	case orb.Polygon:
		n := 0
		for _, r := range g {
			n += len(r)
		}
		return n
	case orb.MultiPolygon:
		n := 0
		for _, p := range g {
			n += CountPoints(p)
		}
		return n
	case orb.Collection:
		n := 0
		for _, m := range g {
			n += CountPoints(m)
		}
		return n
	case orb.Bound:
		return 5
	}
	return 0
}

// GeoJSON converts the tile into a feature collection in tile pixel
// coordinates. Features that cannot be decoded are skipped.
func (t *Tile) GeoJSON() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, f := range t.Features {
		g, err := Decode(f)
		if err != nil {
			continue
		}
		gf := geojson.NewFeature(g)
		gf.ID = f.ID
		for k, v := range f.Tags {
			gf.Properties[k] = v
		}
		if f.Layer != "" {
			gf.Properties["layer"] = f.Layer
		}
		fc.Append(gf)
	}
	return fc
}
