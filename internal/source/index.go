package source

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/atlasmap-sc/vtrender/internal/logging"
	"github.com/atlasmap-sc/vtrender/internal/tile"
	"github.com/atlasmap-sc/vtrender/internal/tileindex"
)

// Index serves tiles cut from an in-memory GeoJSON index.
type Index struct {
	key string
	idx *tileindex.Index
}

// OpenIndex reads the GeoJSON named by cfg and indexes it.
func OpenIndex(cfg Config, log logrus.FieldLogger) (*Index, error) {
	log = logging.Component(log, "source")

	data := []byte(cfg.Data)
	if len(data) == 0 {
		var err error
		data, err = os.ReadFile(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", cfg.Path, err)
		}
	}

	opts := cfg.Index
	if opts == (tileindex.Options{}) {
		opts = tileindex.DefaultOptions()
	}
	if cfg.MaxZoom > 0 {
		opts.MaxZoom = cfg.MaxZoom
	}

	idx, err := tileindex.BuildJSON(data, cfg.SRS, opts, log)
	if err != nil {
		return nil, err
	}
	log.Infof("indexed %s: %d features, %d dropped", cfg.CacheKey(), idx.Features(), idx.Dropped())

	return &Index{key: cfg.CacheKey(), idx: idx}, nil
}

func (s *Index) Key() string  { return s.key }
func (s *Index) MaxZoom() int { return s.idx.Options().MaxZoom }
func (s *Index) Close() error { return nil }

// Load cuts the tile from the index.
func (s *Index) Load(ctx context.Context, c tile.Coord) (*tile.Tile, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TileLoadError{Coord: c, Err: err}
	}
	return s.idx.GetTile(c.Z, c.X, c.Y), nil
}

// Stats reports the index size.
func (s *Index) Stats() map[string]interface{} {
	return map[string]interface{}{
		"features":     s.idx.Features(),
		"dropped":      s.idx.Dropped(),
		"stored_tiles": s.idx.StoredTiles(),
	}
}
