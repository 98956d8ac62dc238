// Package host is the display side of the pipeline: it starts a render
// context for a layer, feeds it view changes, and keeps the displayed
// bitmap aligned with the live view between frames.
package host

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/atlasmap-sc/vtrender/internal/bridge"
	"github.com/atlasmap-sc/vtrender/internal/cache"
	"github.com/atlasmap-sc/vtrender/internal/frame"
	"github.com/atlasmap-sc/vtrender/internal/logging"
	"github.com/atlasmap-sc/vtrender/internal/render"
	"github.com/atlasmap-sc/vtrender/internal/source"
	"github.com/atlasmap-sc/vtrender/internal/worker"
	"github.com/atlasmap-sc/vtrender/pkg/affine"
)

// Config describes one layer.
type Config struct {
	ID          string
	Source      source.Config
	Style       render.Style
	View        frame.State
	MinInterval time.Duration
	MaxTotal    int
	MaxNew      int
	LoadTimeout time.Duration
	Cache       *cache.Manager
	Client      *http.Client
	Images      ImageLoader
	Log         logrus.FieldLogger
}

// Stats describes the state of a layer.
type Stats struct {
	ID        string       `json:"id"`
	Displayed int64        `json:"displayed_timestamp"`
	Live      int64        `json:"live_timestamp"`
	InFlight  bool         `json:"in_flight"`
	Stale     int64        `json:"stale_frames"`
	Worker    worker.Stats `json:"worker"`
}

// Host owns the display surface and the render context of one layer.
type Host struct {
	id     string
	cfg    Config
	log    logrus.FieldLogger
	port   *bridge.Port
	worker *worker.Context
	images ImageLoader
	clock  func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan error

	closeOnce sync.Once
	closeErr  error

	mu      sync.Mutex
	live    frame.State
	rec     *Reconciler
	display *render.Display
	stale   int64
	closed  bool
	// sourceSent is set once the render context has been handed the
	// source inline data; later requests carry only its identity.
	sourceSent bool
}

// Start validates the layer configuration and starts its render context.
func Start(ctx context.Context, cfg Config) (*Host, error) {
	if err := cfg.Style.Validate(); err != nil {
		return nil, fmt.Errorf("invalid style: %w", err)
	}
	if err := cfg.Source.Validate(); err != nil {
		return nil, fmt.Errorf("invalid source: %w", err)
	}
	if cfg.View.View.Projection == "" {
		cfg.View.View.Projection = frame.DefaultProjection
	}
	if err := cfg.View.Validate(); err != nil {
		return nil, fmt.Errorf("invalid view: %w", err)
	}
	if cfg.Images == nil {
		cfg.Images = FileLoader{Client: cfg.Client}
	}

	wctx := worker.New(worker.Options{
		ID:          cfg.ID,
		MaxTotal:    cfg.MaxTotal,
		MaxNew:      cfg.MaxNew,
		LoadTimeout: cfg.LoadTimeout,
		Cache:       cfg.Cache,
		Client:      cfg.Client,
		Log:         cfg.Log,
	})
	hostPort, workerPort := bridge.NewPipe(8)

	ctx, cancel := context.WithCancel(ctx)
	h := &Host{
		id:     wctx.ID(),
		cfg:    cfg,
		log:    logging.Component(cfg.Log, "host").WithField("context", wctx.ID()),
		port:   hostPort,
		worker: wctx,
		images: cfg.Images,
		clock:  time.Now,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan error, 1),
		live:   cfg.View,
	}
	w, hh := cfg.View.BitmapSize()
	h.display = render.NewDisplay(w, hh)
	h.rec = NewReconciler(h.requestFrame, cfg.MinInterval, cfg.Log)
	h.live.Timestamp = h.stamp()

	go func() { h.done <- wctx.Run(ctx, workerPort) }()
	h.log.Infof("started %s source %s", cfg.Source.Type, cfg.Source.CacheKey())
	return h, nil
}

// ID returns the render context identifier.
func (h *Host) ID() string { return h.id }

// requestFrame is called with h.mu held.
func (h *Host) requestFrame(fs frame.State) error {
	src := h.cfg.Source
	if h.sourceSent {
		// same key and revision, the render context keeps its built source
		src.Data = nil
	}
	style := h.cfg.Style
	err := h.port.TrySend(&bridge.Message{
		Action: bridge.ActionRender,
		Frame:  &fs,
		Style:  &style,
		Source: &src,
	})
	if err == nil {
		h.sourceSent = true
	}
	return err
}

// stamp returns a millisecond timestamp larger than the live one.
func (h *Host) stamp() int64 {
	ts := h.clock().UnixMilli()
	if ts <= h.live.Timestamp {
		ts = h.live.Timestamp + 1
	}
	return ts
}

// SetView moves the live view.
func (h *Host) SetView(v frame.View) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	next := h.live
	next.View = v
	if next.View.Projection == "" {
		next.View.Projection = frame.DefaultProjection
	}
	if err := next.Validate(); err != nil {
		return err
	}
	next.Timestamp = h.stamp()
	h.live = next
	return nil
}

// SetSize resizes the viewport in CSS pixels.
func (h *Host) SetSize(w, hh int, pixelRatio float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	next := h.live
	next.Size = [2]int{w, hh}
	next.PixelRatio = pixelRatio
	if err := next.Validate(); err != nil {
		return err
	}
	next.Timestamp = h.stamp()
	h.live = next
	return nil
}

// View returns the live frame state.
func (h *Host) View() frame.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.live
}

// Tick drains messages from the render context without blocking, then
// updates the corrective transform and requests a frame when due.
func (h *Host) Tick() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	for {
		m, ok, err := h.port.Poll()
		if errors.Is(err, bridge.ErrClosed) {
			h.closed = true
			h.log.Warn("render context closed")
			return
		}
		if err != nil {
			h.log.Warnf("dropping message: %v", err)
			continue
		}
		if !ok {
			break
		}
		h.handle(m)
	}

	m, _ := h.rec.OnHostTick(h.live)
	h.display.Resize(h.live.BitmapSize())
	h.display.SetTransform(m)
}

func (h *Host) handle(m *bridge.Message) {
	switch m.Action {
	case bridge.ActionRendered:
		if !h.rec.Accept(*m.Frame) {
			h.stale++
			return
		}
		h.display.Present(m.Transfer(), affine.Identity())

	case bridge.ActionRequestRender:
		h.rec.Invalidate()

	case bridge.ActionLoadImage:
		go h.loadImage(m.Src)

	default:
		h.log.Warnf("unexpected %s message", m.Action)
	}
}

func (h *Host) loadImage(src string) {
	reply := &bridge.Message{Action: bridge.ActionImageLoaded, Src: src}
	img, err := h.images.Load(h.ctx, src)
	if err != nil {
		h.log.Warnf("failed to load image %s: %v", src, err)
		reply.Error = err.Error()
	} else {
		reply.Bitmap = img
	}
	if err := h.port.Send(h.ctx, reply); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, bridge.ErrClosed) {
		h.log.Warnf("failed to deliver image %s: %v", src, err)
	}
}

// Animate ticks every interval until ctx ends.
func (h *Host) Animate(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Tick()
		}
	}
}

// Snapshot returns the composited display.
func (h *Host) Snapshot() *image.RGBA {
	return h.display.Snapshot()
}

// Stats returns the layer state.
func (h *Host) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	displayed, _ := h.rec.Displayed()
	return Stats{
		ID:        h.id,
		Displayed: displayed.Timestamp,
		Live:      h.live.Timestamp,
		InFlight:  h.rec.InFlight(),
		Stale:     h.stale,
		Worker:    h.worker.Stats(),
	}
}

// Close stops the render context and waits for it. It is safe to call
// more than once.
func (h *Host) Close() error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		_ = h.port.TrySend(&bridge.Message{Action: bridge.ActionClose})
		h.mu.Unlock()

		var err error
		select {
		case err = <-h.done:
		case <-time.After(time.Second):
			h.cancel()
			err = <-h.done
		}
		h.cancel()
		h.port.Close()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		h.closeErr = err
	})
	return h.closeErr
}
