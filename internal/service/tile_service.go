// Package service renders standalone map tiles for layers that are also
// served as live frames.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/atlasmap-sc/vtrender/internal/cache"
	"github.com/atlasmap-sc/vtrender/internal/frame"
	"github.com/atlasmap-sc/vtrender/internal/logging"
	"github.com/atlasmap-sc/vtrender/internal/render"
	"github.com/atlasmap-sc/vtrender/internal/source"
	"github.com/atlasmap-sc/vtrender/internal/tile"
)

// TileServiceConfig contains tile service configuration.
type TileServiceConfig struct {
	LayerID  string
	Source   source.Source
	Style    render.Style
	Cache    *cache.Manager
	TileSize int
	Log      logrus.FieldLogger
}

// TileService renders single tiles of a source to PNG. Rendered tiles are
// cached by layer, coordinate and style.
type TileService struct {
	layerID  string
	source   source.Source
	cache    *cache.Manager
	tileSize int
	styleKey string
	log      logrus.FieldLogger

	// renderer and its surface are reused across requests
	mu       sync.Mutex
	surface  *render.Offscreen
	renderer *render.Renderer
}

// NewTileService creates a new tile service.
func NewTileService(cfg TileServiceConfig) (*TileService, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("tile service %q: no source", cfg.LayerID)
	}
	tileSize := cfg.TileSize
	if tileSize <= 0 {
		tileSize = tile.Size
	}
	surface := render.NewOffscreen(tileSize, tileSize)
	renderer, err := render.NewRenderer(surface, cfg.Style)
	if err != nil {
		return nil, fmt.Errorf("tile service %q: %w", cfg.LayerID, err)
	}
	styleKey, err := json.Marshal(cfg.Style)
	if err != nil {
		return nil, err
	}

	return &TileService{
		layerID:  cfg.LayerID,
		source:   cfg.Source,
		cache:    cfg.Cache,
		tileSize: tileSize,
		styleKey: string(styleKey),
		log:      logging.Component(cfg.Log, "tiles").WithField("layer", cfg.LayerID),
		surface:  surface,
		renderer: renderer,
	}, nil
}

// TileFrame returns the frame state that shows exactly tile c at size
// pixels per side.
func TileFrame(c tile.Coord, size int) frame.State {
	return frame.State{
		View: frame.View{
			Center:     c.Center(),
			Resolution: c.Span() / float64(size),
			Projection: frame.DefaultProjection,
		},
		PixelRatio: 1,
		Size:       [2]int{size, size},
	}
}

// GetTile returns a rendered tile PNG. A coordinate the source has no data
// for renders as an empty tile.
func (s *TileService) GetTile(ctx context.Context, z, x, y int) ([]byte, error) {
	c := tile.NewCoord(z, x, y)
	if !c.Valid() {
		return nil, fmt.Errorf("invalid tile %s", c)
	}

	cacheKey := cache.PayloadKey("png:"+s.layerID+"/"+c.String(), s.styleKey)
	if s.cache != nil {
		if data, ok := s.cache.GetPayload(cacheKey); ok {
			return data, nil
		}
	}

	t, err := s.source.Load(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("failed to load tile: %w", err)
	}

	s.mu.Lock()
	_, drawn := s.renderer.RenderFrame(TileFrame(c, s.tileSize), []*tile.Tile{t})
	img := s.surface.Transfer()
	s.mu.Unlock()

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode tile: %w", err)
	}
	data := buf.Bytes()
	s.log.Debugf("rendered %s with %d features", c, drawn)

	if s.cache != nil {
		if err := s.cache.SetPayload(cacheKey, data); err != nil {
			s.log.Warnf("failed to cache tile %s: %v", c, err)
		}
	}
	return data, nil
}
