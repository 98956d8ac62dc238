// Package config handles configuration loading for the vtrender preview server.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
	"gopkg.in/yaml.v3"

	"github.com/atlasmap-sc/vtrender/internal/cache"
	"github.com/atlasmap-sc/vtrender/internal/frame"
	"github.com/atlasmap-sc/vtrender/internal/logging"
	"github.com/atlasmap-sc/vtrender/internal/render"
	"github.com/atlasmap-sc/vtrender/internal/source"
	"github.com/atlasmap-sc/vtrender/internal/tile"
	"github.com/atlasmap-sc/vtrender/internal/tileindex"
)

// Config represents the server configuration.
type Config struct {
	Server    ServerConfig      `yaml:"server"`
	Scheduler SchedulerConfig   `yaml:"scheduler"`
	Render    RenderConfig      `yaml:"render"`
	Cache     CacheConfig       `yaml:"cache"`
	Index     tileindex.Options `yaml:"index"`
	Log       logging.Config    `yaml:"log"`
	Layers    []LayerConfig     `yaml:"layers"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	// TickMS is the host animation interval.
	TickMS   int    `yaml:"tick_ms"`
	ImageDir string `yaml:"image_dir"`
}

// SchedulerConfig caps concurrent tile loads per layer.
type SchedulerConfig struct {
	MaxTotal           int `yaml:"max_total"`
	MaxNew             int `yaml:"max_new"`
	LoadTimeoutSeconds int `yaml:"load_timeout_seconds"`
}

// RenderConfig contains viewport settings.
type RenderConfig struct {
	Width         int     `yaml:"width"`
	Height        int     `yaml:"height"`
	PixelRatio    float64 `yaml:"pixel_ratio"`
	MinIntervalMS int     `yaml:"min_interval_ms"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	PayloadSizeMB     int `yaml:"payload_size_mb"`
	PayloadTTLMinutes int `yaml:"payload_ttl_minutes"`
	DecodedTiles      int `yaml:"decoded_tiles"`
}

// LayerConfig describes one rendered layer. Center is longitude/latitude.
type LayerConfig struct {
	ID       string        `yaml:"id"`
	Source   source.Config `yaml:"source"`
	Style    *render.Style `yaml:"style"`
	Center   [2]float64    `yaml:"center"`
	Zoom     float64       `yaml:"zoom"`
	Rotation float64       `yaml:"rotation"`
}

// Load reads configuration from a YAML file. A missing file yields the
// default configuration. Relative source paths are resolved against the
// directory of the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	applyDefaults(&cfg)

	dir := filepath.Dir(path)
	for i := range cfg.Layers {
		src := &cfg.Layers[i].Source
		if src.Path != "" && !filepath.IsAbs(src.Path) {
			src.Path = filepath.Join(dir, src.Path)
		}
	}
	if cfg.Server.ImageDir != "" && !filepath.IsAbs(cfg.Server.ImageDir) {
		cfg.Server.ImageDir = filepath.Join(dir, cfg.Server.ImageDir)
	}

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	cc := cache.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			TickMS:      16,
		},
		Scheduler: SchedulerConfig{
			MaxTotal:           16,
			MaxNew:             4,
			LoadTimeoutSeconds: 30,
		},
		Render: RenderConfig{
			Width:         512,
			Height:        512,
			PixelRatio:    1,
			MinIntervalMS: 50,
		},
		Cache: CacheConfig{
			PayloadSizeMB:     cc.PayloadSizeMB,
			PayloadTTLMinutes: int(cc.PayloadTTL / time.Minute),
			DecodedTiles:      cc.DecodedTiles,
		},
		Index: tileindex.DefaultOptions(),
		Log:   logging.Config{Level: "info", Terminal: true},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.TickMS <= 0 {
		cfg.Server.TickMS = defaults.Server.TickMS
	}
	if cfg.Scheduler.MaxTotal <= 0 {
		cfg.Scheduler.MaxTotal = defaults.Scheduler.MaxTotal
	}
	if cfg.Scheduler.MaxNew <= 0 {
		cfg.Scheduler.MaxNew = defaults.Scheduler.MaxNew
	}
	if cfg.Scheduler.LoadTimeoutSeconds <= 0 {
		cfg.Scheduler.LoadTimeoutSeconds = defaults.Scheduler.LoadTimeoutSeconds
	}
	if cfg.Render.Width <= 0 {
		cfg.Render.Width = defaults.Render.Width
	}
	if cfg.Render.Height <= 0 {
		cfg.Render.Height = defaults.Render.Height
	}
	if cfg.Render.PixelRatio <= 0 {
		cfg.Render.PixelRatio = defaults.Render.PixelRatio
	}
	if cfg.Render.MinIntervalMS < 0 {
		cfg.Render.MinIntervalMS = 0
	}
	if cfg.Cache.PayloadSizeMB == 0 {
		cfg.Cache.PayloadSizeMB = defaults.Cache.PayloadSizeMB
	}
	if cfg.Cache.PayloadTTLMinutes == 0 {
		cfg.Cache.PayloadTTLMinutes = defaults.Cache.PayloadTTLMinutes
	}
	if cfg.Cache.DecodedTiles == 0 {
		cfg.Cache.DecodedTiles = defaults.Cache.DecodedTiles
	}
	if cfg.Index == (tileindex.Options{}) {
		cfg.Index = defaults.Index
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}

	for i := range cfg.Layers {
		l := &cfg.Layers[i]
		if l.Source.Key == "" {
			l.Source.Key = l.ID
		}
		if l.Source.Index == (tileindex.Options{}) {
			l.Source.Index = cfg.Index
		}
		if l.Style == nil {
			style := render.DefaultStyle()
			l.Style = &style
		}
	}
}

// Validate checks the layer list.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Layers))
	for i, l := range c.Layers {
		if l.ID == "" {
			return fmt.Errorf("layer %d: missing id", i)
		}
		if seen[l.ID] {
			return fmt.Errorf("layer %q: duplicate id", l.ID)
		}
		seen[l.ID] = true
		if err := l.Source.Validate(); err != nil {
			return fmt.Errorf("layer %q: %w", l.ID, err)
		}
		if l.Style != nil {
			if err := l.Style.Validate(); err != nil {
				return fmt.Errorf("layer %q: %w", l.ID, err)
			}
		}
	}
	return nil
}

// ManagerConfig converts the cache section for cache.NewManager.
func (c CacheConfig) ManagerConfig() cache.Config {
	return cache.Config{
		PayloadSizeMB: c.PayloadSizeMB,
		PayloadTTL:    time.Duration(c.PayloadTTLMinutes) * time.Minute,
		DecodedTiles:  c.DecodedTiles,
	}
}

// MinInterval returns the shortest time between render requests.
func (r RenderConfig) MinInterval() time.Duration {
	return time.Duration(r.MinIntervalMS) * time.Millisecond
}

// View returns the initial frame state of the layer for the viewport.
func (l LayerConfig) View(r RenderConfig) frame.State {
	lat := math.Max(-85.0511287798066, math.Min(85.0511287798066, l.Center[1]))
	center := project.WGS84.ToMercator(orb.Point{l.Center[0], lat})
	return frame.State{
		View: frame.View{
			Center:     center,
			Resolution: tile.Resolution(0) / math.Pow(2, l.Zoom),
			Rotation:   l.Rotation,
			Projection: frame.DefaultProjection,
		},
		PixelRatio: r.PixelRatio,
		Size:       [2]int{r.Width, r.Height},
	}
}
