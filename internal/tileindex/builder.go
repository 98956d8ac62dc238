// Package tileindex builds a hierarchical tile index over a GeoJSON feature
// set and serves tile-local payloads for any z/x/y up to the configured
// maximum zoom.
package tileindex

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/project"
	"github.com/sirupsen/logrus"

	"github.com/atlasmap-sc/vtrender/internal/logging"
	"github.com/atlasmap-sc/vtrender/internal/tile"
)

// Options controls index depth and tile output.
type Options struct {
	MaxZoom        int     `yaml:"max_zoom" json:"maxZoom"`
	IndexMaxZoom   int     `yaml:"index_max_zoom" json:"indexMaxZoom"`
	IndexMaxPoints int     `yaml:"index_max_points" json:"indexMaxPoints"`
	Extent         int     `yaml:"extent" json:"extent"`
	Buffer         int     `yaml:"buffer" json:"buffer"`
	Tolerance      float64 `yaml:"tolerance" json:"tolerance"`
}

// DefaultOptions returns the default build parameters. IndexMaxPoints of 0
// keeps splitting down to IndexMaxZoom regardless of tile density.
func DefaultOptions() Options {
	return Options{
		MaxZoom:        24,
		IndexMaxZoom:   5,
		IndexMaxPoints: 0,
		Extent:         tile.DefaultExtent,
		Buffer:         64,
	}
}

func (o Options) normalized() Options {
	if o.MaxZoom <= 0 || o.MaxZoom > tile.MaxZoom {
		o.MaxZoom = tile.MaxZoom
	}
	if o.IndexMaxZoom < 0 {
		o.IndexMaxZoom = 0
	}
	if o.IndexMaxZoom > o.MaxZoom {
		o.IndexMaxZoom = o.MaxZoom
	}
	if o.IndexMaxPoints < 0 {
		o.IndexMaxPoints = 0
	}
	if o.Extent <= 0 {
		o.Extent = tile.DefaultExtent
	}
	if o.Buffer < 0 {
		o.Buffer = 0
	}
	return o
}

// ErrUnsupportedSRS is returned for source reference systems the builder
// cannot reproject.
var ErrUnsupportedSRS = errors.New("tileindex: unsupported source SRS")

// IndexBuildError reports input that cannot be indexed at all.
type IndexBuildError struct {
	Reason string
	Err    error
}

func (e *IndexBuildError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("index build failed: %s: %v", e.Reason, e.Err)
	}
	return "index build failed: " + e.Reason
}

func (e *IndexBuildError) Unwrap() error {
	return e.Err
}

// reprojector converts a source coordinate to longitude/latitude.
type reprojector func(orb.Point) orb.Point

func reprojectorFor(srs string) (reprojector, error) {
	switch strings.ToUpper(strings.TrimSpace(srs)) {
	case "", "EPSG:4326", "CRS:84", "OGC:CRS84", "WGS84":
		return nil, nil
	case "EPSG:3857", "EPSG:900913", "EPSG:102100", "EPSG:102113":
		return reprojector(project.Mercator.ToWGS84), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedSRS, srs)
}

// maxLat is the latitude at which Web Mercator reaches the world edge.
const maxLat = 85.0511287798066

// toUnit projects longitude/latitude into the unit square (y southwards).
func toUnit(p orb.Point) orb.Point {
	lat := math.Max(-maxLat, math.Min(maxLat, p[1]))
	m := project.WGS84.ToMercator(orb.Point{p[0], lat})
	x := (m[0] + tile.HalfWorld) / (2 * tile.HalfWorld)
	y := (tile.HalfWorld - m[1]) / (2 * tile.HalfWorld)
	return orb.Point{math.Max(0, math.Min(1, x)), math.Max(0, math.Min(1, y))}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// prepare reprojects a geometry into unit space. ok is false when any
// coordinate cannot be reprojected.
func prepare(g orb.Geometry, rp reprojector) (orb.Geometry, bool) {
	valid := true
	out := project.Geometry(orb.Clone(g), func(p orb.Point) orb.Point {
		if !finite(p[0]) || !finite(p[1]) {
			valid = false
			return p
		}
		if rp != nil {
			p = rp(p)
		}
		if !finite(p[0]) || !finite(p[1]) || math.Abs(p[0]) > 180 || math.Abs(p[1]) > 90 {
			valid = false
			return p
		}
		return toUnit(p)
	})
	return out, valid
}

// BuildJSON parses GeoJSON (a FeatureCollection, a Feature or a bare
// geometry) and builds an index. Features that fail to parse are dropped;
// only input that is not GeoJSON at all fails the build.
func BuildJSON(data []byte, srs string, opts Options, log logrus.FieldLogger) (*Index, error) {
	log = logging.Component(log, "tileindex")

	var head struct {
		Type     string            `json:"type"`
		Features []json.RawMessage `json:"features"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, &IndexBuildError{Reason: "input is not valid JSON", Err: err}
	}

	fc := geojson.NewFeatureCollection()
	dropped := 0
	switch head.Type {
	case "FeatureCollection":
		for i, raw := range head.Features {
			f, err := geojson.UnmarshalFeature(raw)
			if err != nil {
				dropped++
				log.Warnf("dropping feature %d: %v", i, err)
				continue
			}
			fc.Append(f)
		}
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, &IndexBuildError{Reason: "malformed feature", Err: err}
		}
		fc.Append(f)
	case "":
		return nil, &IndexBuildError{Reason: "missing GeoJSON type"}
	default:
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, &IndexBuildError{Reason: "malformed geometry", Err: err}
		}
		fc.Append(geojson.NewFeature(g.Geometry()))
	}

	idx, err := Build(fc, srs, opts, log)
	if err != nil {
		return nil, err
	}
	idx.dropped += dropped
	return idx, nil
}

// Build indexes an already parsed feature collection. Coordinates are
// reprojected from srs first; a feature that cannot be reprojected is
// dropped and logged. Build is deterministic for identical inputs.
func Build(fc *geojson.FeatureCollection, srs string, opts Options, log logrus.FieldLogger) (*Index, error) {
	log = logging.OrDiscard(log)
	if fc == nil {
		return nil, &IndexBuildError{Reason: "nil feature collection"}
	}
	rp, err := reprojectorFor(srs)
	if err != nil {
		return nil, &IndexBuildError{Reason: "cannot reproject input", Err: err}
	}

	idx := &Index{
		opts:  opts.normalized(),
		nodes: make(map[tile.Coord]*node),
		log:   log,
	}

	features := make([]feature, 0, len(fc.Features))
	points := 0
	for i, f := range fc.Features {
		if f == nil || f.Geometry == nil {
			idx.dropped++
			log.Warnf("dropping feature %d: no geometry", i)
			continue
		}
		g, ok := prepare(f.Geometry, rp)
		if !ok {
			idx.dropped++
			log.Warnf("dropping feature %d: coordinates cannot be reprojected from %s", i, srs)
			continue
		}
		for _, part := range tile.Flatten(g) {
			n := tile.CountPoints(part)
			if n == 0 {
				continue
			}
			b := part.Bound()
			if len(features) == 0 {
				idx.bound = b
			} else {
				idx.bound = idx.bound.Union(b)
			}
			features = append(features, feature{id: f.ID, tags: f.Properties, geom: part, bound: b, points: n})
			points += n
		}
	}
	idx.features = len(features)

	if len(features) > 0 {
		idx.split(&node{coord: tile.NewCoord(0, 0, 0), features: features, points: points})
	}

	log.Debugf("indexed %d features (%d dropped) into %d tiles", idx.features, idx.dropped, len(idx.nodes))
	return idx, nil
}
