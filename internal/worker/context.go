// Package worker runs a render context: a goroutine that owns a tile
// source, a load scheduler and an off-screen renderer, and answers render
// requests arriving over a bridge port with bitmaps.
package worker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/atlasmap-sc/vtrender/internal/bridge"
	"github.com/atlasmap-sc/vtrender/internal/cache"
	"github.com/atlasmap-sc/vtrender/internal/frame"
	"github.com/atlasmap-sc/vtrender/internal/logging"
	"github.com/atlasmap-sc/vtrender/internal/render"
	"github.com/atlasmap-sc/vtrender/internal/scheduler"
	"github.com/atlasmap-sc/vtrender/internal/source"
	"github.com/atlasmap-sc/vtrender/internal/tile"
	"github.com/atlasmap-sc/vtrender/pkg/affine"
)

// Options configures a render context.
type Options struct {
	ID          string
	MaxTotal    int
	MaxNew      int
	LoadTimeout time.Duration
	Cache       *cache.Manager
	Client      *http.Client
	Log         logrus.FieldLogger

	// drawHook runs on the render goroutine before each frame is drawn.
	drawHook func()
}

// Stats are cumulative counters of a render context.
type Stats struct {
	Requests     int64 `json:"requests"`
	Renders      int64 `json:"renders"`
	RenderFailed int64 `json:"render_failed"`
	Coalesced    int64 `json:"coalesced"`
	TilesLoaded  int64 `json:"tiles_loaded"`
	TilesErrored int64 `json:"tiles_errored"`
	Canceled     int64 `json:"canceled"`
	Dropped      int64 `json:"dropped_messages"`
	SourceBuilds int64 `json:"source_builds"`
	LastFeatures int64 `json:"last_features"`
}

type counters struct {
	requests, renders, coalesced       atomic.Int64
	renderFailed                       atomic.Int64
	loaded, errored, canceled, dropped atomic.Int64
	builds, lastFeatures               atomic.Int64
}

type loadResult struct {
	generation int
	key        string
	coord      tile.Coord
	tile       *tile.Tile
	err        error
}

type renderResult struct {
	frame     frame.State
	transform affine.Matrix
	bitmap    *image.RGBA
	features  int
	err       error
}

// Context is one background render context. All fields below log are
// owned by the Run goroutine.
type Context struct {
	opts  Options
	id    string
	log   logrus.FieldLogger
	stats counters

	port   *bridge.Port
	runCtx context.Context

	tiles      *cache.Manager
	ownCache   bool
	src        source.Source
	srcCfg     *source.Config
	generation int
	sched      *scheduler.Scheduler

	style         render.Style
	rendererStyle render.Style
	surface       *render.Offscreen
	renderer      *render.Renderer
	icons         map[string]image.Image
	iconRequested map[string]bool

	view      *frame.State
	rendering bool
	pending   bool
	requested bool

	loads chan loadResult
	done  chan renderResult
}

// New creates a render context. Nothing is built until the first render
// request arrives.
func New(opts Options) *Context {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.MaxTotal <= 0 {
		opts.MaxTotal = 16
	}
	if opts.MaxNew <= 0 {
		opts.MaxNew = 4
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 30 * time.Second
	}
	return &Context{
		opts:          opts,
		id:            opts.ID,
		log:           logging.Component(opts.Log, "worker").WithField("context", opts.ID),
		icons:         make(map[string]image.Image),
		iconRequested: make(map[string]bool),
		loads:         make(chan loadResult),
		done:          make(chan renderResult, 1),
	}
}

// ID returns the context identifier.
func (c *Context) ID() string { return c.id }

// Stats returns a snapshot of the counters. It is safe to call from any
// goroutine.
func (c *Context) Stats() Stats {
	return Stats{
		Requests:     c.stats.requests.Load(),
		Renders:      c.stats.renders.Load(),
		RenderFailed: c.stats.renderFailed.Load(),
		Coalesced:    c.stats.coalesced.Load(),
		TilesLoaded:  c.stats.loaded.Load(),
		TilesErrored: c.stats.errored.Load(),
		Canceled:     c.stats.canceled.Load(),
		Dropped:      c.stats.dropped.Load(),
		SourceBuilds: c.stats.builds.Load(),
		LastFeatures: c.stats.lastFeatures.Load(),
	}
}

// Run serves port until ctx ends, the host closes its side, or a close
// message arrives.
func (c *Context) Run(ctx context.Context, port *bridge.Port) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.port = port
	c.runCtx = ctx
	defer c.shutdown()

	c.log.Debug("render context started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case pkt, ok := <-port.C():
			if !ok {
				return nil
			}
			m, err := bridge.Unpack(pkt)
			if err != nil {
				c.stats.dropped.Add(1)
				c.log.Warnf("dropping message: %v", err)
				continue
			}
			if m.Action == bridge.ActionClose {
				return nil
			}
			c.handle(m)

		case res := <-c.loads:
			c.finishLoad(res)

		case res := <-c.done:
			c.finishRender(res)
		}
	}
}

func (c *Context) shutdown() {
	if c.src != nil {
		c.src.Close()
	}
	if c.ownCache && c.tiles != nil {
		c.tiles.Close()
	}
	c.port.Close()
	c.log.Debug("render context stopped")
}

func (c *Context) handle(m *bridge.Message) {
	switch m.Action {
	case bridge.ActionRender:
		c.stats.requests.Add(1)
		if m.Style != nil {
			c.style = *m.Style
		}
		c.ensureSource(*m.Source)
		c.view = m.Frame
		if c.rendering {
			c.pending = true
			c.stats.coalesced.Add(1)
			return
		}
		c.startRender()

	case bridge.ActionImageLoaded:
		if m.Error != "" {
			c.log.Warnf("image %s failed to load: %s", m.Src, m.Error)
			return
		}
		c.icons[m.Src] = m.Transfer()
		c.requestRender()

	default:
		c.stats.dropped.Add(1)
		c.log.Warnf("unexpected %s message", m.Action)
	}
}

// ensureSource builds the source on first use and rebuilds everything when
// the dataset changes.
func (c *Context) ensureSource(cfg source.Config) {
	if c.srcCfg != nil && c.srcCfg.CacheKey() == cfg.CacheKey() && c.srcCfg.Revision == cfg.Revision {
		return
	}
	if c.srcCfg != nil {
		c.log.Infof("dataset changed (%s rev %d -> %s rev %d), rebuilding",
			c.srcCfg.CacheKey(), c.srcCfg.Revision, cfg.CacheKey(), cfg.Revision)
	}

	if c.src != nil {
		c.src.Close()
		c.src = nil
	}
	if c.tiles == nil {
		c.tiles = c.opts.Cache
		if c.tiles == nil {
			mgr, err := cache.NewManager(cache.DefaultConfig())
			if err != nil {
				c.log.Errorf("failed to create tile cache: %v", err)
			} else {
				c.tiles = mgr
				c.ownCache = true
			}
		}
	} else if c.ownCache {
		// shared caches key tiles by generation, old entries age out
		c.tiles.Purge()
	}

	c.generation++
	c.sched = scheduler.New()
	c.srcCfg = &cfg
	c.stats.builds.Add(1)

	src, err := source.Open(c.runCtx, cfg, source.Deps{Cache: c.tiles, Client: c.opts.Client, Log: c.log})
	if err != nil {
		c.log.Errorf("failed to build source %s: %v", cfg.CacheKey(), err)
		return
	}
	c.src = src
}

// startRender plans the frame on the loop goroutine and draws it on
// another one.
func (c *Context) startRender() {
	fs := *c.view
	tiles := c.plan(fs)

	if c.renderer == nil || c.style != c.rendererStyle {
		if c.surface == nil {
			c.surface = render.NewOffscreen(0, 0)
		}
		r, err := render.NewRenderer(c.surface, c.style)
		if err != nil {
			c.log.Warnf("invalid style, using defaults: %v", err)
			r, _ = render.NewRenderer(c.surface, render.DefaultStyle())
		}
		c.renderer = r
		c.rendererStyle = c.style
	}
	for src, img := range c.icons {
		c.renderer.SetIcon(src, img)
	}
	if src, missing := c.renderer.MissingIcon(); missing && !c.iconRequested[src] {
		c.iconRequested[src] = true
		if err := c.port.TrySend(&bridge.Message{Action: bridge.ActionLoadImage, Src: src}); err != nil {
			c.log.Warnf("failed to request image %s: %v", src, err)
			c.iconRequested[src] = false
		}
	}

	c.rendering = true
	c.requested = false
	renderer, surface, hook := c.renderer, c.surface, c.opts.drawHook
	go func() {
		res := renderResult{frame: fs}
		defer func() {
			if r := recover(); r != nil {
				res = renderResult{frame: fs, err: fmt.Errorf("render panic: %v", r)}
			}
			c.done <- res
		}()
		if hook != nil {
			hook()
		}
		res.transform, res.features = renderer.RenderFrame(fs, tiles)
		res.bitmap = surface.Transfer()
	}()
}

// plan returns the tiles to draw for fs, fallbacks first, and starts loads
// for the missing ones.
func (c *Context) plan(fs frame.State) []*tile.Tile {
	if c.src == nil || c.tiles == nil {
		return nil
	}
	key := c.src.Key()
	z := tile.ZoomForResolution(fs.View.Resolution, c.src.MaxZoom())
	rng := tile.RangeForBound(fs.Extent(), z)

	var exact []*tile.Tile
	fallback := make(map[tile.Coord]*tile.Tile)
	for _, tc := range rng.Coords() {
		if e, ok := c.tiles.GetTile(cache.TileKey(key, c.generation, tc)); ok {
			if e.Tile != nil {
				exact = append(exact, e.Tile)
				continue
			}
			if e.Err == nil {
				// the source has nothing here
				continue
			}
		} else if !c.sched.Has(key, tc) {
			c.sched.Enqueue(&scheduler.LoadTask{
				Coord:     tc,
				SourceKey: key,
				Priority:  scheduler.Priority(fs, tc, z),
			})
		}
		for zz := tc.Z - 1; zz >= 0; zz-- {
			anc := tc.Ancestor(zz)
			if e, ok := c.tiles.GetTile(cache.TileKey(key, c.generation, anc)); ok && e.Tile != nil {
				fallback[anc] = e.Tile
				break
			}
		}
	}

	c.sched.Reprioritize(fs, z)
	c.pump()

	out := make([]*tile.Tile, 0, len(fallback)+len(exact))
	for _, t := range fallback {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Coord, out[j].Coord
		if a.Z != b.Z {
			return a.Z < b.Z
		}
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.X < b.X
	})
	return append(out, exact...)
}

func (c *Context) pump() {
	for _, task := range c.sched.Pump(c.opts.MaxTotal, c.opts.MaxNew) {
		go c.load(c.src, c.generation, task)
	}
	c.stats.canceled.Store(int64(c.sched.Stats().Canceled))
}

func (c *Context) load(src source.Source, generation int, task *scheduler.LoadTask) {
	ctx, cancel := context.WithTimeout(c.runCtx, c.opts.LoadTimeout)
	defer cancel()

	t, err := src.Load(ctx, task.Coord)
	if err != nil {
		var loadErr *source.TileLoadError
		if !errors.As(err, &loadErr) {
			err = &source.TileLoadError{Coord: task.Coord, Err: err}
		}
	}
	select {
	case c.loads <- loadResult{generation: generation, key: task.Key(), coord: task.Coord, tile: t, err: err}:
	case <-c.runCtx.Done():
	}
}

func (c *Context) finishLoad(res loadResult) {
	if res.generation != c.generation {
		return
	}
	wanted := c.sched.Finish(res.key, res.err)
	cacheKey := cache.TileKey(c.src.Key(), c.generation, res.coord)
	if res.err != nil {
		c.stats.errored.Add(1)
		c.tiles.AddError(cacheKey, res.err)
		c.log.Warnf("%v", res.err)
	} else {
		c.stats.loaded.Add(1)
		c.tiles.AddTile(cacheKey, res.tile)
		if wanted && res.tile != nil {
			c.requestRender()
		}
	}
	c.pump()
}

// requestRender asks the host for a frame, once per rendered frame.
func (c *Context) requestRender() {
	if c.requested {
		return
	}
	if err := c.port.TrySend(&bridge.Message{Action: bridge.ActionRequestRender}); err != nil {
		c.log.Debugf("render request not sent: %v", err)
		return
	}
	c.requested = true
}

func (c *Context) finishRender(res renderResult) {
	c.rendering = false
	if res.err != nil {
		// The surface may hold a partial buffer; start over with a fresh one.
		c.stats.renderFailed.Add(1)
		c.log.Errorf("frame %d failed: %v", res.frame.Timestamp, res.err)
		c.renderer, c.surface = nil, nil
		if c.pending {
			c.pending = false
			c.startRender()
		}
		return
	}
	c.stats.renders.Add(1)
	c.stats.lastFeatures.Store(int64(res.features))

	fs, transform := res.frame, res.transform
	msg := &bridge.Message{
		Action:    bridge.ActionRendered,
		Frame:     &fs,
		Transform: &transform,
		Bitmap:    res.bitmap,
	}
	if err := c.port.Send(c.runCtx, msg); err != nil {
		c.log.Warnf("failed to deliver frame %d: %v", fs.Timestamp, err)
	}

	if c.pending {
		c.pending = false
		c.startRender()
	}
}
