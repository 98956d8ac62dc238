package source

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/gzip"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"

	"github.com/atlasmap-sc/vtrender/internal/cache"
	"github.com/atlasmap-sc/vtrender/internal/tile"
)

func testMVT(t *testing.T) []byte {
	t.Helper()

	fc := geojson.NewFeatureCollection()
	pt := geojson.NewFeature(orb.Point{100, 200})
	pt.Properties["name"] = "a"
	fc.Append(pt)
	fc.Append(geojson.NewFeature(orb.MultiPoint{{10, 10}, {20, 20}}))
	fc.Append(geojson.NewFeature(orb.LineString{{0, 0}, {50, 50}, {100, 0}}))

	layer := mvt.NewLayer("places", fc)
	data, err := mvt.Marshal(mvt.Layers{layer})
	if err != nil {
		t.Fatalf("failed to marshal mvt: %v", err)
	}
	return data
}

func gzipped(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatalf("gzip: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip: %v", err)
	}
	return buf.Bytes()
}

func checkDecoded(t *testing.T, tl *tile.Tile) {
	t.Helper()
	if tl == nil {
		t.Fatal("expected a tile")
	}
	if len(tl.Features) != 3 {
		t.Fatalf("expected 3 features, got %d", len(tl.Features))
	}
	want := []tile.GeomType{tile.GeomPoint, tile.GeomPoint, tile.GeomLine}
	for i, f := range tl.Features {
		if f.Type != want[i] {
			t.Fatalf("feature %d: expected %s, got %s", i, want[i], f.Type)
		}
		if f.Layer != "places" {
			t.Fatalf("expected layer %q, got %q", "places", f.Layer)
		}
	}
	g, err := tile.Decode(tl.Features[1])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(orb.MultiPoint{{10, 10}, {20, 20}}, g); diff != "" {
		t.Fatalf("unexpected multipoint (-want +got):\n%s", diff)
	}
	if tl.Features[0].Tags["name"] != "a" {
		t.Fatalf("expected tags, got %v", tl.Features[0].Tags)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"geojsonInline", Config{Type: TypeGeoJSON, Data: []byte(`{}`)}, true},
		{"geojsonEmpty", Config{Type: TypeGeoJSON}, false},
		{"remote", Config{Type: TypeRemote, URL: "http://x/{z}/{x}/{y}.pbf"}, true},
		{"remoteTMS", Config{Type: TypeRemote, URL: "http://x/{z}/{x}/{-y}.pbf"}, true},
		{"remoteNoY", Config{Type: TypeRemote, URL: "http://x/{z}/{x}.pbf"}, false},
		{"mbtiles", Config{Type: TypeMBTiles, Path: "a.mbtiles"}, true},
		{"unknown", Config{Type: "wms"}, false},
		{"missing", Config{}, false},
		{"badZoom", Config{Type: TypeMBTiles, Path: "a", MaxZoom: 40}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestIndexSource(t *testing.T) {
	cfg := Config{
		Type:    TypeGeoJSON,
		Key:     "points",
		MaxZoom: 5,
		Data:    []byte(`{"type":"FeatureCollection","features":[{"type":"Feature","properties":{},"geometry":{"type":"Point","coordinates":[2.35,48.85]}}]}`),
	}
	src, err := Open(context.Background(), cfg, Deps{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer src.Close()

	if src.Key() != "points" || src.MaxZoom() != 5 {
		t.Fatalf("unexpected key/max zoom %q/%d", src.Key(), src.MaxZoom())
	}
	tl, err := src.Load(context.Background(), tile.NewCoord(5, 16, 11))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tl == nil || len(tl.Features) != 1 {
		t.Fatalf("expected one feature, got %+v", tl)
	}
	if tl, _ := src.Load(context.Background(), tile.NewCoord(5, 0, 0)); tl != nil {
		t.Fatalf("expected nil tile outside the data, got %+v", tl)
	}
}

func TestDecodeMVTGzip(t *testing.T) {
	c := tile.NewCoord(3, 1, 2)
	plain, err := DecodeMVT(c, testMVT(t))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	checkDecoded(t, plain)

	zipped, err := DecodeMVT(c, gzipped(t, testMVT(t)))
	if err != nil {
		t.Fatalf("decode gzip: %v", err)
	}
	if diff := cmp.Diff(plain, zipped); diff != "" {
		t.Fatalf("gzip payload decoded differently:\n%s", diff)
	}
}

func TestRemote(t *testing.T) {
	payload := gzipped(t, testMVT(t))
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("X-Token") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/2/1/1.pbf":
			w.Write(payload)
		case "/2/0/0.pbf":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	mgr, err := cache.NewManager(cache.Config{PayloadSizeMB: 1, PayloadTTL: time.Minute, DecodedTiles: 8})
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	defer mgr.Close()

	cfg := Config{
		Type:    TypeRemote,
		URL:     srv.URL + "/{z}/{x}/{y}.pbf",
		Headers: map[string]string{"X-Token": "secret"},
		MaxZoom: 14,
	}
	src, err := Open(context.Background(), cfg, Deps{Cache: mgr, Client: srv.Client()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	ctx := context.Background()
	t.Run("ok", func(t *testing.T) {
		tl, err := src.Load(ctx, tile.NewCoord(2, 1, 1))
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		checkDecoded(t, tl)

		before := hits.Load()
		if _, err := src.Load(ctx, tile.NewCoord(2, 1, 1)); err != nil {
			t.Fatalf("load: %v", err)
		}
		if hits.Load() != before {
			t.Fatal("expected the cached payload to be reused")
		}
	})

	t.Run("notFound", func(t *testing.T) {
		tl, err := src.Load(ctx, tile.NewCoord(2, 3, 3))
		if err != nil || tl != nil {
			t.Fatalf("expected absent tile, got %+v, %v", tl, err)
		}
	})

	t.Run("serverError", func(t *testing.T) {
		_, err := src.Load(ctx, tile.NewCoord(2, 0, 0))
		var loadErr *TileLoadError
		if !errors.As(err, &loadErr) {
			t.Fatalf("expected TileLoadError, got %v", err)
		}
		if loadErr.Coord != tile.NewCoord(2, 0, 0) {
			t.Fatalf("unexpected coord %s", loadErr.Coord)
		}
	})

	t.Run("beyondMaxZoom", func(t *testing.T) {
		tl, err := src.Load(ctx, tile.NewCoord(15, 0, 0))
		if err != nil || tl != nil {
			t.Fatalf("expected nil, got %+v, %v", tl, err)
		}
	})
}

func TestRemoteRequest(t *testing.T) {
	r := NewRemote(Config{Type: TypeRemote, URL: "http://x/{z}/{x}/{-y}", Method: "post", Body: `{"q":1}`}, Deps{})
	got := r.Request(tile.NewCoord(3, 2, 1))
	want := FetchRequest{BaseURL: "http://x/3/2/6", Method: "POST", Data: `{"q":1}`, ResponseType: "arraybuffer"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected request (-want +got):\n%s", diff)
	}
}

func TestRemoteRevisionRefetches(t *testing.T) {
	payload := testMVT(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(payload)
	}))
	defer srv.Close()

	mgr, err := cache.NewManager(cache.Config{PayloadSizeMB: 1, PayloadTTL: time.Minute, DecodedTiles: 8})
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	defer mgr.Close()

	ctx := context.Background()
	c := tile.NewCoord(2, 1, 1)
	load := func(revision int) {
		t.Helper()
		cfg := Config{Type: TypeRemote, URL: srv.URL + "/{z}/{x}/{y}.pbf", Revision: revision}
		src, err := Open(ctx, cfg, Deps{Cache: mgr, Client: srv.Client()})
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if _, err := src.Load(ctx, c); err != nil {
			t.Fatalf("load: %v", err)
		}
	}

	load(1)
	load(1)
	if got := hits.Load(); got != 1 {
		t.Fatalf("expected 1 fetch for the same revision, got %d", got)
	}
	load(2)
	if got := hits.Load(); got != 2 {
		t.Fatalf("expected a refetch after the revision bump, got %d fetches", got)
	}
}

func writeMBTiles(t *testing.T, data []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.mbtiles")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	stmts := []string{
		`CREATE TABLE metadata (name TEXT, value TEXT)`,
		`CREATE TABLE tiles (zoom_level INTEGER, tile_column INTEGER, tile_row INTEGER, tile_data BLOB)`,
		`INSERT INTO metadata VALUES ('name', 'test'), ('format', 'pbf'), ('maxzoom', '6')`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("exec %q: %v", s, err)
		}
	}
	// 3/2/1 in XYZ is row 6 in TMS.
	if _, err := db.Exec(`INSERT INTO tiles VALUES (3, 2, 6, ?)`, data); err != nil {
		t.Fatalf("insert: %v", err)
	}
	return path
}

func TestMBTiles(t *testing.T) {
	path := writeMBTiles(t, gzipped(t, testMVT(t)))

	src, err := Open(context.Background(), Config{Type: TypeMBTiles, Path: path}, Deps{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer src.Close()

	if src.MaxZoom() != 6 {
		t.Fatalf("expected max zoom from metadata, got %d", src.MaxZoom())
	}

	tl, err := src.Load(context.Background(), tile.NewCoord(3, 2, 1))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	checkDecoded(t, tl)

	tl, err = src.Load(context.Background(), tile.NewCoord(3, 2, 6))
	if err != nil || tl != nil {
		t.Fatalf("expected missing row to be absent, got %+v, %v", tl, err)
	}
}

func TestMBTilesMissingFile(t *testing.T) {
	_, err := Open(context.Background(), Config{Type: TypeMBTiles, Path: filepath.Join(t.TempDir(), "nope.mbtiles")}, Deps{})
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}
