package tileindex

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/project"

	"github.com/atlasmap-sc/vtrender/internal/tile"
)

// europe is a 10-feature dataset; features 1-4 and 8 fall inside tile
// 5/16/11 (lon 0..11.25, lat 40.98..49.02).
const europe = `{
  "type": "FeatureCollection",
  "features": [
    {"type":"Feature","id":1,"properties":{"name":"paris"},"geometry":{"type":"Point","coordinates":[2.35,48.85]}},
    {"type":"Feature","id":2,"properties":{"name":"lyon"},"geometry":{"type":"Point","coordinates":[4.83,45.76]}},
    {"type":"Feature","id":3,"properties":{"name":"geneva"},"geometry":{"type":"Point","coordinates":[6.14,46.20]}},
    {"type":"Feature","id":4,"properties":{"name":"milan"},"geometry":{"type":"Point","coordinates":[9.19,45.46]}},
    {"type":"Feature","id":5,"properties":{"name":"madrid"},"geometry":{"type":"Point","coordinates":[-3.70,40.42]}},
    {"type":"Feature","id":6,"properties":{"name":"berlin"},"geometry":{"type":"Point","coordinates":[13.40,52.52]}},
    {"type":"Feature","id":7,"properties":{"name":"rome"},"geometry":{"type":"Point","coordinates":[12.50,41.90]}},
    {"type":"Feature","id":8,"properties":{"name":"rhone"},"geometry":{"type":"LineString","coordinates":[[4.83,45.76],[6.14,46.20]]}},
    {"type":"Feature","id":9,"properties":{"name":"bordeaux"},"geometry":{"type":"Polygon","coordinates":[[[-1.0,44.6],[-0.3,44.6],[-0.3,45.0],[-1.0,45.0],[-1.0,44.6]]]}},
    {"type":"Feature","id":10,"properties":{"name":"warsaw"},"geometry":{"type":"Point","coordinates":[21.01,52.23]}}
  ]
}`

func testOptions() Options {
	opts := DefaultOptions()
	opts.MaxZoom = 5
	return opts
}

func buildEurope(t *testing.T, opts Options) *Index {
	t.Helper()

	idx, err := BuildJSON([]byte(europe), "EPSG:4326", opts, nil)
	if err != nil {
		t.Fatalf("failed to build index: %v", err)
	}
	return idx
}

func featureIDs(tl *tile.Tile) []string {
	ids := make([]string, 0, len(tl.Features))
	for _, f := range tl.Features {
		ids = append(ids, fmt.Sprint(f.ID))
	}
	return ids
}

func TestGetTileEndToEnd(t *testing.T) {
	idx := buildEurope(t, testOptions())

	tl := idx.GetTile(5, 16, 11)
	if tl == nil {
		t.Fatal("expected tile 5/16/11")
	}
	got := featureIDs(tl)
	want := []string{"1", "2", "3", "4", "8"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected features (-want +got):\n%s", diff)
	}

	for _, f := range tl.Features {
		for _, part := range f.Parts {
			for _, p := range part {
				if p[0] < 0 || p[0] > 4096 || p[1] < 0 || p[1] > 4096 {
					t.Fatalf("feature %v has coordinate %v outside the tile extent", f.ID, p)
				}
			}
		}
	}

	// Paris sits in the upper-left part of the tile.
	paris := tl.Features[0]
	if paris.Type != tile.GeomPoint || paris.Parts[0][0][0] != 856 {
		t.Fatalf("unexpected paris feature %+v", paris)
	}
	if paris.Tags["name"] != "paris" {
		t.Fatalf("expected tags to be carried, got %v", paris.Tags)
	}
}

func TestGetTileNilVersusEmpty(t *testing.T) {
	idx := buildEurope(t, testOptions())

	outside := []tile.Coord{
		tile.NewCoord(5, 0, 0),   // far from the data
		tile.NewCoord(6, 32, 22), // beyond max zoom
		tile.NewCoord(5, 40, 11), // outside the grid
		tile.NewCoord(-1, 0, 0),
	}
	for _, c := range outside {
		if got := idx.GetTile(c.Z, c.X, c.Y); got != nil {
			t.Errorf("expected nil for %s, got %d features", c, len(got.Features))
		}
	}

	empty := idx.GetTile(5, 15, 10)
	if empty == nil {
		t.Fatal("expected empty tile inside the data extent, got nil")
	}
	if len(empty.Features) != 0 {
		t.Fatalf("expected no features, got %v", featureIDs(empty))
	}
}

func TestGetTileDeterministic(t *testing.T) {
	a := buildEurope(t, testOptions())
	b := buildEurope(t, testOptions())

	for _, c := range []tile.Coord{tile.NewCoord(0, 0, 0), tile.NewCoord(3, 4, 2), tile.NewCoord(5, 16, 11)} {
		first := a.GetTile(c.Z, c.X, c.Y)
		second := a.GetTile(c.Z, c.X, c.Y)
		other := b.GetTile(c.Z, c.X, c.Y)
		if diff := cmp.Diff(first, second); diff != "" {
			t.Fatalf("repeated GetTile(%s) differs:\n%s", c, diff)
		}
		if diff := cmp.Diff(first, other); diff != "" {
			t.Fatalf("rebuilt index differs at %s:\n%s", c, diff)
		}
	}
}

func TestOnDemandMatchesPrebuilt(t *testing.T) {
	prebuilt := buildEurope(t, testOptions())

	opts := testOptions()
	opts.IndexMaxPoints = 1000 // stop splitting at the root
	lazy := buildEurope(t, opts)
	if n := lazy.StoredTiles(); n != 1 {
		t.Fatalf("expected only the root tile, got %d", n)
	}

	want := prebuilt.GetTile(5, 16, 11)
	got := lazy.GetTile(5, 16, 11)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("drilled tile differs from pre-built tile:\n%s", diff)
	}
	if lazy.StoredTiles() <= 1 {
		t.Fatal("expected drilled tiles to be memoized")
	}
}

func TestIndexMaxPointsZeroSplitsToIndexMaxZoom(t *testing.T) {
	opts := testOptions()
	opts.IndexMaxZoom = 3
	idx := buildEurope(t, opts)

	idx.mu.Lock()
	defer idx.mu.Unlock()
	deepest := 0
	for c := range idx.nodes {
		if c.Z > deepest {
			deepest = c.Z
		}
	}
	if deepest != 3 {
		t.Fatalf("expected split down to zoom 3, deepest stored tile is %d", deepest)
	}
}

func TestReprojectedInput(t *testing.T) {
	fc, err := geojson.UnmarshalFeatureCollection([]byte(europe))
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, f := range fc.Features {
		f.Geometry = project.Geometry(orb.Clone(f.Geometry), project.WGS84.ToMercator)
	}

	merc, err := Build(fc, "EPSG:3857", testOptions(), nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	geo := buildEurope(t, testOptions())

	want := geo.GetTile(5, 16, 11)
	got := merc.GetTile(5, 16, 11)
	if diff := cmp.Diff(featureIDs(want), featureIDs(got)); diff != "" {
		t.Fatalf("reprojected features differ:\n%s", diff)
	}
	for i := range want.Features {
		wp := want.Features[i].Parts[0][0]
		gp := got.Features[i].Parts[0][0]
		if abs(wp[0]-gp[0]) > 1 || abs(wp[1]-gp[1]) > 1 {
			t.Fatalf("feature %d moved: %v vs %v", i, wp, gp)
		}
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func TestBuildDropsBadFeatures(t *testing.T) {
	data := `{"type":"FeatureCollection","features":[
		{"type":"Feature","properties":{},"geometry":{"type":"Point","coordinates":[2.35,48.85]}},
		{"type":"Feature","properties":{},"geometry":{"type":"Point","coordinates":[2.35,95]}},
		{"type":"Feature","properties":{},"geometry":{"type":"Point","coordinates":"bad"}}
	]}`
	idx, err := BuildJSON([]byte(data), "EPSG:4326", testOptions(), nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if idx.Features() != 1 {
		t.Fatalf("expected 1 indexed feature, got %d", idx.Features())
	}
	if idx.Dropped() != 2 {
		t.Fatalf("expected 2 dropped features, got %d", idx.Dropped())
	}
}

func TestMultiPolygonStaysOneFeature(t *testing.T) {
	data := `{"type":"FeatureCollection","features":[
		{"type":"Feature","id":"parks","properties":{},"geometry":{"type":"MultiPolygon","coordinates":[
			[[[-60,-30],[-10,-30],[-10,30],[-60,30],[-60,-30]],[[-40,-10],[-30,-10],[-30,10],[-40,10],[-40,-10]]],
			[[[10,-30],[60,-30],[60,30],[10,30],[10,-30]]]
		]}}
	]}`
	idx, err := BuildJSON([]byte(data), "EPSG:4326", testOptions(), nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if idx.Features() != 1 {
		t.Fatalf("expected 1 indexed feature, got %d", idx.Features())
	}

	tl := idx.GetTile(0, 0, 0)
	if tl == nil || len(tl.Features) != 1 {
		t.Fatalf("expected one feature in 0/0/0, got %+v", tl)
	}
	f := tl.Features[0]
	if f.Type != tile.GeomPolygon || len(f.Parts) != 3 {
		t.Fatalf("expected a polygon feature carrying all 3 rings, got type %v with %d parts", f.Type, len(f.Parts))
	}
	// Many rings decode as single-ring polygons; the hole survives as a ring.
	g, err := tile.Decode(f)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if mp, ok := g.(orb.MultiPolygon); !ok || len(mp) != 3 {
		t.Fatalf("expected a MultiPolygon of 3 rings, got %#v", g)
	}
}

func TestBuildFatalErrors(t *testing.T) {
	t.Run("notJSON", func(t *testing.T) {
		_, err := BuildJSON([]byte("not json"), "EPSG:4326", testOptions(), nil)
		var buildErr *IndexBuildError
		if !errors.As(err, &buildErr) {
			t.Fatalf("expected IndexBuildError, got %v", err)
		}
	})

	t.Run("unsupportedSRS", func(t *testing.T) {
		_, err := BuildJSON([]byte(europe), "EPSG:27700", testOptions(), nil)
		if !errors.Is(err, ErrUnsupportedSRS) {
			t.Fatalf("expected ErrUnsupportedSRS, got %v", err)
		}
	})
}

func TestBuildBareGeometry(t *testing.T) {
	idx, err := BuildJSON([]byte(`{"type":"Point","coordinates":[2.35,48.85]}`), "", testOptions(), nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	tl := idx.GetTile(5, 16, 11)
	if tl == nil || len(tl.Features) != 1 {
		t.Fatalf("expected the point in 5/16/11, got %+v", tl)
	}
	data, err := json.Marshal(tl.Features[0])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"type":1`) {
		t.Fatalf("unexpected payload %s", data)
	}
}
