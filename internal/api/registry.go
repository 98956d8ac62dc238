package api

import (
	"sync"

	"github.com/atlasmap-sc/vtrender/internal/frame"
	"github.com/atlasmap-sc/vtrender/internal/host"
	"github.com/atlasmap-sc/vtrender/internal/service"
	"github.com/atlasmap-sc/vtrender/internal/source"
)

// Layer is one served layer: the host that renders it, a source used to
// inspect its tiles and a renderer for standalone tiles.
type Layer struct {
	ID     string
	Host   *host.Host
	Source source.Source
	Tiles  *service.TileService
}

// LayerInfo describes a layer for the API response.
type LayerInfo struct {
	ID      string      `json:"id"`
	Context string      `json:"context"`
	MaxZoom int         `json:"max_zoom"`
	View    frame.State `json:"view"`
}

// LayerRegistry holds the configured layers in config order.
type LayerRegistry struct {
	mu     sync.RWMutex
	layers map[string]*Layer
	order  []string
}

// NewLayerRegistry creates an empty registry.
func NewLayerRegistry() *LayerRegistry {
	return &LayerRegistry{layers: make(map[string]*Layer)}
}

// Register adds a layer, replacing one with the same ID.
func (r *LayerRegistry) Register(l *Layer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.layers[l.ID]; !ok {
		r.order = append(r.order, l.ID)
	}
	r.layers[l.ID] = l
}

// Get returns a layer, or nil if not found.
func (r *LayerRegistry) Get(id string) *Layer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.layers[id]
}

// IDs returns all layer IDs in registration order.
func (r *LayerRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Layers returns info for all registered layers.
func (r *LayerRegistry) Layers() []LayerInfo {
	ids := r.IDs()
	infos := make([]LayerInfo, 0, len(ids))
	for _, id := range ids {
		l := r.Get(id)
		info := LayerInfo{ID: id}
		if l.Host != nil {
			info.Context = l.Host.ID()
			info.View = l.Host.View()
		}
		if l.Source != nil {
			info.MaxZoom = l.Source.MaxZoom()
		}
		infos = append(infos, info)
	}
	return infos
}

// Close stops every layer.
func (r *LayerRegistry) Close() error {
	var first error
	for _, id := range r.IDs() {
		l := r.Get(id)
		if l.Host != nil {
			if err := l.Host.Close(); err != nil && first == nil {
				first = err
			}
		}
		if l.Source != nil {
			l.Source.Close()
		}
	}
	return first
}
