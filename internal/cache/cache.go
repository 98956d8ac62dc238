// Package cache holds fetched tile payloads and decoded tiles.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/atlasmap-sc/vtrender/internal/tile"
)

// Config contains cache configuration.
type Config struct {
	PayloadSizeMB int
	PayloadTTL    time.Duration
	DecodedTiles  int
}

// DefaultConfig returns the sizes used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		PayloadSizeMB: 64,
		PayloadTTL:    10 * time.Minute,
		DecodedTiles:  512,
	}
}

// Entry is a decoded tile lookup result. A nil Tile with a nil Err is a
// tile the source does not have; a non-nil Err is a cached failure.
type Entry struct {
	Tile *tile.Tile
	Err  error
}

// Manager keeps raw payload bytes in bigcache and decoded tiles in an LRU.
type Manager struct {
	payloads *bigcache.BigCache
	tiles    *lru.Cache[string, Entry]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	def := DefaultConfig()
	if cfg.PayloadSizeMB <= 0 {
		cfg.PayloadSizeMB = def.PayloadSizeMB
	}
	if cfg.PayloadTTL <= 0 {
		cfg.PayloadTTL = def.PayloadTTL
	}
	if cfg.DecodedTiles <= 0 {
		cfg.DecodedTiles = def.DecodedTiles
	}

	payloadConfig := bigcache.Config{
		Shards:             16,
		LifeWindow:         cfg.PayloadTTL,
		CleanWindow:        cfg.PayloadTTL / 2,
		MaxEntriesInWindow: 256,
		MaxEntrySize:       16 * 1024,
		HardMaxCacheSize:   cfg.PayloadSizeMB,
		Verbose:            false,
	}
	payloads, err := bigcache.New(context.Background(), payloadConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create payload cache: %w", err)
	}

	tiles, err := lru.New[string, Entry](cfg.DecodedTiles)
	if err != nil {
		payloads.Close()
		return nil, fmt.Errorf("failed to create tile cache: %w", err)
	}

	return &Manager{payloads: payloads, tiles: tiles}, nil
}

// GetPayload retrieves raw tile bytes.
func (m *Manager) GetPayload(key string) ([]byte, bool) {
	data, err := m.payloads.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetPayload stores raw tile bytes.
func (m *Manager) SetPayload(key string, data []byte) error {
	return m.payloads.Set(key, data)
}

// GetTile retrieves a decoded tile or a cached failure.
func (m *Manager) GetTile(key string) (Entry, bool) {
	return m.tiles.Get(key)
}

// AddTile stores a decoded tile. t may be nil for an absent tile.
func (m *Manager) AddTile(key string, t *tile.Tile) {
	m.tiles.Add(key, Entry{Tile: t})
}

// AddError stores a negative entry so the tile is not fetched again.
func (m *Manager) AddError(key string, err error) {
	if err == nil {
		err = errors.New("tile load failed")
	}
	m.tiles.Add(key, Entry{Err: err})
}

// Purge drops every decoded tile and payload.
func (m *Manager) Purge() {
	m.tiles.Purge()
	_ = m.payloads.Reset()
}

// TileKey generates a cache key for a decoded tile.
func TileKey(source string, revision int, c tile.Coord) string {
	return fmt.Sprintf("tile:%s@%d:%s", source, revision, c)
}

// PayloadKey generates a cache key for a fetched payload. The request body
// and headers are hashed so that distinct queries never collide.
func PayloadKey(url string, extra ...string) string {
	if len(extra) == 0 {
		return "payload:" + url
	}
	h := sha256.New()
	h.Write([]byte(url))
	for _, e := range extra {
		h.Write([]byte{0})
		h.Write([]byte(e))
	}
	return "payload:" + url + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"payload_cache_len":  m.payloads.Len(),
		"payload_cache_size": humanize.IBytes(uint64(m.payloads.Capacity())),
		"tile_cache_len":     m.tiles.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.payloads.Close()
}
