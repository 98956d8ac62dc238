package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/atlasmap-sc/vtrender/internal/tile"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{PayloadSizeMB: 1, PayloadTTL: time.Minute, DecodedTiles: 4})
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestPayloadKey(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		got := PayloadKey("http://x/1/0/0.pbf")
		want := "payload:http://x/1/0/0.pbf"
		if got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	})

	t.Run("extra", func(t *testing.T) {
		a := PayloadKey("http://x", "POST", `{"q":1}`)
		b := PayloadKey("http://x", "POST", `{"q":2}`)
		if a == b {
			t.Fatalf("expected distinct keys, got %q", a)
		}
		if a != PayloadKey("http://x", "POST", `{"q":1}`) {
			t.Fatalf("expected stable key for %q", a)
		}
	})
}

func TestTileKey(t *testing.T) {
	got := TileKey("roads", 2, tile.NewCoord(5, 16, 11))
	want := "tile:roads@2:5/16/11"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestTiles(t *testing.T) {
	m := newTestManager(t)
	c := tile.NewCoord(1, 0, 1)

	if _, ok := m.GetTile("missing"); ok {
		t.Fatal("expected miss")
	}

	m.AddTile("a", tile.Empty(c, 4096))
	e, ok := m.GetTile("a")
	if !ok || e.Tile == nil || e.Err != nil {
		t.Fatalf("unexpected entry %+v", e)
	}

	m.AddTile("absent", nil)
	e, ok = m.GetTile("absent")
	if !ok || e.Tile != nil || e.Err != nil {
		t.Fatalf("expected cached absent tile, got %+v", e)
	}

	boom := errors.New("boom")
	m.AddError("bad", boom)
	e, ok = m.GetTile("bad")
	if !ok || !errors.Is(e.Err, boom) {
		t.Fatalf("expected cached failure, got %+v", e)
	}

	m.Purge()
	if _, ok := m.GetTile("a"); ok {
		t.Fatal("expected purge to drop tiles")
	}
}

func TestPayloads(t *testing.T) {
	m := newTestManager(t)
	if err := m.SetPayload("k", []byte("data")); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok := m.GetPayload("k")
	if !ok || string(got) != "data" {
		t.Fatalf("expected %q, got %q", "data", got)
	}
	if stats := m.Stats(); stats["payload_cache_len"] != 1 {
		t.Fatalf("unexpected stats %v", stats)
	}
}
