// Package api provides the HTTP preview server for rendered layers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"math"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"

	"github.com/atlasmap-sc/vtrender/internal/tile"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *LayerRegistry
	CORSOrigins []string
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/layers", layersHandler(cfg.Registry))

	r.Route("/layers/{layer}", func(r chi.Router) {
		r.Use(layerMiddleware(cfg.Registry))

		r.Get("/frame.png", frameHandler)
		r.Post("/view", viewHandler)
		r.Get("/stats", statsHandler)
		// {file} is "{y}.json" or "{y}.png"; the extension selects the format.
		r.Get("/tiles/{z}/{x}/{file}", tileHandler)
	})

	return r
}

type ctxKey string

const layerKey ctxKey = "layer"

// layerMiddleware resolves the layer from the URL and injects it into the context.
func layerMiddleware(registry *LayerRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "layer")
			l := registry.Get(id)
			if l == nil {
				http.Error(w, "layer not found: "+id, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), layerKey, l)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getLayer(r *http.Request) *Layer {
	if l, ok := r.Context().Value(layerKey).(*Layer); ok {
		return l
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func layersHandler(registry *LayerRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"layers": registry.Layers(),
		})
	}
}

// frameHandler returns the displayed bitmap of a layer, composited under
// its current corrective transform.
func frameHandler(w http.ResponseWriter, r *http.Request) {
	l := getLayer(r)
	if l.Host == nil {
		http.Error(w, "layer is not rendered", http.StatusNotFound)
		return
	}
	img := l.Host.Snapshot()

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := png.Encode(w, img); err != nil {
		http.Error(w, "failed to encode frame", http.StatusInternalServerError)
	}
}

// viewRequest moves a layer's view. Center is longitude/latitude; zoom
// takes precedence over resolution. Omitted fields keep their value.
type viewRequest struct {
	Center     *[2]float64 `json:"center"`
	Zoom       *float64    `json:"zoom"`
	Resolution *float64    `json:"resolution"`
	Rotation   *float64    `json:"rotation"`
	Size       *[2]int     `json:"size"`
	PixelRatio *float64    `json:"pixelRatio"`
}

func viewHandler(w http.ResponseWriter, r *http.Request) {
	l := getLayer(r)
	if l.Host == nil {
		http.Error(w, "layer is not rendered", http.StatusNotFound)
		return
	}

	var req viewRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	current := l.Host.View()
	v := current.View
	if req.Center != nil {
		lat := math.Max(-85.0511287798066, math.Min(85.0511287798066, req.Center[1]))
		v.Center = project.WGS84.ToMercator(orb.Point{req.Center[0], lat})
	}
	if req.Resolution != nil {
		v.Resolution = *req.Resolution
	}
	if req.Zoom != nil {
		v.Resolution = tile.Resolution(0) / math.Pow(2, *req.Zoom)
	}
	if req.Rotation != nil {
		v.Rotation = *req.Rotation
	}

	if req.Size != nil || req.PixelRatio != nil {
		size, ratio := current.Size, current.PixelRatio
		if req.Size != nil {
			size = *req.Size
		}
		if req.PixelRatio != nil {
			ratio = *req.PixelRatio
		}
		if err := l.Host.SetSize(size[0], size[1], ratio); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if err := l.Host.SetView(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, l.Host.View())
}

func statsHandler(w http.ResponseWriter, r *http.Request) {
	l := getLayer(r)
	if l.Host == nil {
		http.Error(w, "layer is not rendered", http.StatusNotFound)
		return
	}
	writeJSON(w, l.Host.Stats())
}

// tileHandler returns a source tile as GeoJSON in tile pixel coordinates,
// or rendered as PNG.
func tileHandler(w http.ResponseWriter, r *http.Request) {
	l := getLayer(r)

	file := chi.URLParam(r, "file")
	ext := path.Ext(file)
	z, errZ := strconv.Atoi(chi.URLParam(r, "z"))
	x, errX := strconv.Atoi(chi.URLParam(r, "x"))
	y, errY := strconv.Atoi(strings.TrimSuffix(file, ext))
	if err := errors.Join(errZ, errX, errY); err != nil {
		http.Error(w, "invalid tile coordinates", http.StatusBadRequest)
		return
	}
	c := tile.NewCoord(z, x, y)
	if !c.Valid() {
		http.Error(w, "invalid tile coordinates", http.StatusBadRequest)
		return
	}

	switch ext {
	case ".json":
		tileJSON(w, r, l, c)
	case ".png":
		tilePNG(w, r, l, c)
	default:
		http.Error(w, "unsupported tile format: "+ext, http.StatusNotFound)
	}
}

func tileJSON(w http.ResponseWriter, r *http.Request, l *Layer, c tile.Coord) {
	if l.Source == nil {
		http.Error(w, "layer has no inspectable source", http.StatusNotFound)
		return
	}
	t, err := l.Source.Load(r.Context(), c)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if t == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, t.GeoJSON())
}

func tilePNG(w http.ResponseWriter, r *http.Request, l *Layer, c tile.Coord) {
	if l.Tiles == nil {
		http.Error(w, "layer has no tile renderer", http.StatusNotFound)
		return
	}
	data, err := l.Tiles.GetTile(r.Context(), c.Z, c.X, c.Y)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=60")
	w.Write(data)
}
