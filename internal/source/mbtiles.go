package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/atlasmap-sc/vtrender/internal/logging"
	"github.com/atlasmap-sc/vtrender/internal/tile"
)

// MBTiles serves vector tiles stored in an MBTiles SQLite file.
type MBTiles struct {
	db      *sql.DB
	key     string
	maxZoom int
	meta    map[string]string
	log     logrus.FieldLogger
}

// OpenMBTiles opens the file named by cfg.Path. The file must exist.
func OpenMBTiles(ctx context.Context, cfg Config, log logrus.FieldLogger) (*MBTiles, error) {
	if _, err := os.Stat(cfg.Path); err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.Path, err)
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open %s: %w", cfg.Path, err)
	}

	s := &MBTiles{
		db:   db,
		key:  cfg.CacheKey(),
		meta: make(map[string]string),
		log:  logging.Component(log, "source").WithField("source", cfg.CacheKey()),
	}
	if err := s.readMetadata(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s.maxZoom = tile.MaxZoom
	if v, ok := s.meta["maxzoom"]; ok {
		if z, err := strconv.Atoi(v); err == nil {
			s.maxZoom = maxZoomOr(z, tile.MaxZoom)
		}
	}
	if cfg.MaxZoom > 0 && cfg.MaxZoom < s.maxZoom {
		s.maxZoom = cfg.MaxZoom
	}
	if f := s.meta["format"]; f != "" && f != "pbf" && f != "mvt" {
		db.Close()
		return nil, fmt.Errorf("%w: mbtiles format %q is not vector", ErrInvalidConfig, f)
	}

	s.log.Infof("opened %s (%s), max zoom %d", cfg.Path, s.meta["name"], s.maxZoom)
	return s, nil
}

func (s *MBTiles) readMetadata(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM metadata`)
	if err != nil {
		return fmt.Errorf("failed to read metadata: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return fmt.Errorf("failed to scan metadata: %w", err)
		}
		s.meta[name] = value
	}
	return rows.Err()
}

func (s *MBTiles) Key() string  { return s.key }
func (s *MBTiles) MaxZoom() int { return s.maxZoom }

// Metadata returns the metadata table.
func (s *MBTiles) Metadata() map[string]string { return s.meta }

// Close closes the database connection.
func (s *MBTiles) Close() error {
	return s.db.Close()
}

// Load reads tile c. Rows are stored in the TMS scheme.
func (s *MBTiles) Load(ctx context.Context, c tile.Coord) (*tile.Tile, error) {
	if c.Z > s.maxZoom {
		return nil, nil
	}
	row := (1 << c.Z) - 1 - c.Y

	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT tile_data FROM tiles
		WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?
	`, c.Z, c.X, row).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &TileLoadError{Coord: c, Err: err}
	}

	t, err := DecodeMVT(c, data)
	if err != nil {
		return nil, &TileLoadError{Coord: c, Err: err}
	}
	return t, nil
}
