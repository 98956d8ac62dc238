package service

import (
	"bytes"
	"context"
	"image/png"
	"math"
	"testing"

	"github.com/atlasmap-sc/vtrender/internal/cache"
	"github.com/atlasmap-sc/vtrender/internal/render"
	"github.com/atlasmap-sc/vtrender/internal/source"
	"github.com/atlasmap-sc/vtrender/internal/tile"
)

const lakes = `{"type":"FeatureCollection","features":[
	{"type":"Feature","properties":{"name":"geneva"},"geometry":{"type":"Polygon","coordinates":[[[6.1,46.2],[6.9,46.2],[6.9,46.5],[6.1,46.5],[6.1,46.2]]]}}
]}`

func newService(t *testing.T, mgr *cache.Manager) *TileService {
	t.Helper()
	src, err := source.Open(context.Background(), source.Config{Type: source.TypeGeoJSON, Key: "lakes", MaxZoom: 8, Data: []byte(lakes)}, source.Deps{})
	if err != nil {
		t.Fatalf("failed to open source: %v", err)
	}
	t.Cleanup(func() { src.Close() })

	style := render.DefaultStyle()
	style.Fill = "#0000ffff"
	svc, err := NewTileService(TileServiceConfig{LayerID: "lakes", Source: src, Style: style, Cache: mgr})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return svc
}

func decode(t *testing.T, data []byte) (w, h, opaque int) {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("failed to decode png: %v", err)
	}
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a != 0 {
				opaque++
			}
		}
	}
	return b.Dx(), b.Dy(), opaque
}

func TestTileFrame(t *testing.T) {
	c := tile.NewCoord(5, 16, 11)
	fs := TileFrame(c, 256)
	if math.Abs(fs.View.Resolution-tile.Resolution(5)) > 1e-9 {
		t.Fatalf("expected zoom 5 resolution, got %v", fs.View.Resolution)
	}
	ext := fs.Extent()
	if b := c.Bound(); math.Abs(ext.Min[0]-b.Min[0]) > 1e-6 || math.Abs(ext.Max[1]-b.Max[1]) > 1e-6 {
		t.Fatalf("expected the frame to cover the tile, got %v vs %v", ext, b)
	}
}

func TestGetTile(t *testing.T) {
	mgr, err := cache.NewManager(cache.DefaultConfig())
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	defer mgr.Close()
	svc := newService(t, mgr)

	// 3/4/2 holds the whole lake
	data, err := svc.GetTile(context.Background(), 3, 4, 2)
	if err != nil {
		t.Fatalf("GetTile: %v", err)
	}
	w, h, opaque := decode(t, data)
	if w != 256 || h != 256 {
		t.Fatalf("expected a 256x256 tile, got %dx%d", w, h)
	}
	if opaque == 0 {
		t.Fatal("expected the lake to be drawn")
	}

	again, err := svc.GetTile(context.Background(), 3, 4, 2)
	if err != nil {
		t.Fatalf("GetTile: %v", err)
	}
	if !bytes.Equal(data, again) {
		t.Fatal("expected the cached tile to be returned")
	}

	empty, err := svc.GetTile(context.Background(), 3, 0, 0)
	if err != nil {
		t.Fatalf("GetTile: %v", err)
	}
	if _, _, opaque := decode(t, empty); opaque != 0 {
		t.Fatalf("expected an empty tile, got %d drawn pixels", opaque)
	}

	if _, err := svc.GetTile(context.Background(), 3, 9, 0); err == nil {
		t.Fatal("expected an error for a coordinate outside the grid")
	}
}

func TestGetTileWithoutCache(t *testing.T) {
	svc := newService(t, nil)
	if _, err := svc.GetTile(context.Background(), 0, 0, 0); err != nil {
		t.Fatalf("GetTile: %v", err)
	}
}
