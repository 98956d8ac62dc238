// Package source provides the tile sources a render context pulls from:
// an in-memory index over GeoJSON, remote Mapbox Vector Tiles over HTTP,
// and MBTiles files.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/atlasmap-sc/vtrender/internal/cache"
	"github.com/atlasmap-sc/vtrender/internal/tile"
	"github.com/atlasmap-sc/vtrender/internal/tileindex"
)

const (
	TypeGeoJSON = "geojson"
	TypeRemote  = "remote"
	TypeMBTiles = "mbtiles"
)

// ErrInvalidConfig is returned when a source configuration is incomplete.
var ErrInvalidConfig = errors.New("source: invalid config")

// Config describes where tiles come from. It travels inside render
// messages, so it is plain data.
type Config struct {
	Type     string `json:"type" yaml:"type"`
	Key      string `json:"key,omitempty" yaml:"key"`
	Revision int    `json:"revision" yaml:"revision"`
	MaxZoom  int    `json:"maxZoom,omitempty" yaml:"max_zoom"`

	// geojson
	Path  string            `json:"path,omitempty" yaml:"path"`
	Data  json.RawMessage   `json:"data,omitempty" yaml:"-"`
	SRS   string            `json:"srs,omitempty" yaml:"srs"`
	Index tileindex.Options `json:"index" yaml:"index"`

	// remote
	URL     string            `json:"url,omitempty" yaml:"url"`
	Method  string            `json:"method,omitempty" yaml:"method"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers"`
	Body    string            `json:"body,omitempty" yaml:"body"`
}

// Validate checks the fields required by the source type.
func (c Config) Validate() error {
	switch c.Type {
	case TypeGeoJSON:
		if c.Path == "" && len(c.Data) == 0 {
			return fmt.Errorf("%w: geojson source needs path or data", ErrInvalidConfig)
		}
	case TypeRemote:
		if c.URL == "" {
			return fmt.Errorf("%w: remote source needs url", ErrInvalidConfig)
		}
		for _, p := range []string{"{z}", "{x}"} {
			if !strings.Contains(c.URL, p) {
				return fmt.Errorf("%w: url template %q lacks %s", ErrInvalidConfig, c.URL, p)
			}
		}
		if !strings.Contains(c.URL, "{y}") && !strings.Contains(c.URL, "{-y}") {
			return fmt.Errorf("%w: url template %q lacks {y}", ErrInvalidConfig, c.URL)
		}
	case TypeMBTiles:
		if c.Path == "" {
			return fmt.Errorf("%w: mbtiles source needs path", ErrInvalidConfig)
		}
	case "":
		return fmt.Errorf("%w: missing type", ErrInvalidConfig)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidConfig, c.Type)
	}
	if c.MaxZoom < 0 || c.MaxZoom > tile.MaxZoom {
		return fmt.Errorf("%w: maxZoom %d out of range", ErrInvalidConfig, c.MaxZoom)
	}
	return nil
}

// CacheKey identifies the dataset for cache keys.
func (c Config) CacheKey() string {
	if c.Key != "" {
		return c.Key
	}
	switch c.Type {
	case TypeRemote:
		return c.Type + ":" + c.URL
	case TypeGeoJSON:
		if c.Path == "" {
			return c.Type + ":inline"
		}
	}
	return c.Type + ":" + c.Path
}

// Source serves tile payloads for a dataset.
type Source interface {
	Key() string
	MaxZoom() int
	// Load returns the tile at c. A nil tile with a nil error means the
	// source has no data there.
	Load(ctx context.Context, c tile.Coord) (*tile.Tile, error)
	Close() error
}

// TileLoadError reports a failed tile load.
type TileLoadError struct {
	Coord tile.Coord
	Err   error
}

func (e *TileLoadError) Error() string {
	return fmt.Sprintf("failed to load tile %s: %v", e.Coord, e.Err)
}

func (e *TileLoadError) Unwrap() error {
	return e.Err
}

// Deps are shared services a source may use.
type Deps struct {
	Cache  *cache.Manager
	Client *http.Client
	Log    logrus.FieldLogger
}

// Open builds the source described by cfg.
func Open(ctx context.Context, cfg Config, deps Deps) (Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case TypeGeoJSON:
		s, err := OpenIndex(cfg, deps.Log)
		if err != nil {
			return nil, err
		}
		return s, nil
	case TypeRemote:
		return NewRemote(cfg, deps), nil
	default:
		s, err := OpenMBTiles(ctx, cfg, deps.Log)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

func maxZoomOr(v, def int) int {
	if v <= 0 || v > tile.MaxZoom {
		return def
	}
	return v
}
