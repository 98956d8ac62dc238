package render

import (
	"image"
	"image/color"
	"math"

	"github.com/fogleman/gg"
	"github.com/paulmach/orb"

	"github.com/atlasmap-sc/vtrender/internal/frame"
	"github.com/atlasmap-sc/vtrender/internal/tile"
	"github.com/atlasmap-sc/vtrender/pkg/affine"
)

// Renderer draws tiles for a frame into a surface.
type Renderer struct {
	surface Surface
	style   *compiledStyle
	icons   map[string]image.Image
}

// NewRenderer binds a style to a surface.
func NewRenderer(s Surface, style Style) (*Renderer, error) {
	cs, err := style.Compile()
	if err != nil {
		return nil, err
	}
	return &Renderer{surface: s, style: cs, icons: make(map[string]image.Image)}, nil
}

// Surface returns the surface the renderer draws into.
func (r *Renderer) Surface() Surface { return r.surface }

// SetIcon stores a decoded image for an icon source.
func (r *Renderer) SetIcon(src string, img image.Image) {
	r.icons[src] = img
}

// MissingIcon returns the icon source the style needs but the renderer
// does not have yet.
func (r *Renderer) MissingIcon() (string, bool) {
	if r.style.Icon == "" {
		return "", false
	}
	_, ok := r.icons[r.style.Icon]
	return r.style.Icon, !ok
}

// TileTransform maps tile pixel coordinates of c to EPSG:3857.
func TileTransform(c tile.Coord, extent int) affine.Matrix {
	b := c.Bound()
	s := c.Span() / float64(extent)
	return affine.Compose(affine.Translate(b.Min[0], b.Max[1]), affine.Scale(s, -s))
}

// RenderFrame resizes the surface for fs and draws tiles in order, each
// clipped to its own bounds. Callers pass fallback tiles before exact
// ones. It returns the coordinate to bitmap pixel transform of the frame
// and the number of features drawn.
func (r *Renderer) RenderFrame(fs frame.State, tiles []*tile.Tile) (affine.Matrix, int) {
	w, h := fs.BitmapSize()
	r.surface.Resize(w, h)
	dc := r.surface.Canvas()

	dc.ResetClip()
	dc.SetColor(r.style.background)
	dc.Clear()

	pixel := fs.PixelTransform()
	ratio := fs.Ratio()
	drawn := 0
	for _, t := range tiles {
		if t == nil || len(t.Features) == 0 {
			continue
		}
		extent := t.Extent
		if extent <= 0 {
			extent = tile.DefaultExtent
		}
		m := pixel.Multiply(TileTransform(t.Coord, extent))

		// gg keeps the mask across Pop, so each tile resets it.
		dc.ResetClip()
		clipTo(dc, m, float64(extent))
		for _, f := range t.Features {
			if r.drawFeature(dc, m, ratio, f) {
				drawn++
			}
		}
	}
	dc.ResetClip()
	return pixel, drawn
}

func clipTo(dc *gg.Context, m affine.Matrix, extent float64) {
	dc.NewSubPath()
	for i, p := range [4][2]float64{{0, 0}, {extent, 0}, {extent, extent}, {0, extent}} {
		x, y := m.TransformPoint(p[0], p[1])
		if i == 0 {
			dc.MoveTo(x, y)
		} else {
			dc.LineTo(x, y)
		}
	}
	dc.ClosePath()
	dc.Clip()
}

func (r *Renderer) drawFeature(dc *gg.Context, m affine.Matrix, ratio float64, f tile.Feature) bool {
	g, err := tile.Decode(f)
	if err != nil {
		return false
	}
	fill, stroke := r.style.colors(f)
	dc.SetLineWidth(r.style.StrokeWidth * ratio)
	dc.SetLineJoinRound()
	dc.SetLineCapRound()

	switch g := g.(type) {
	case orb.Point:
		r.drawPoint(dc, m, ratio, g, fill, stroke)
	case orb.MultiPoint:
		for _, p := range g {
			r.drawPoint(dc, m, ratio, p, fill, stroke)
		}
	case orb.LineString:
		linePath(dc, m, g)
		dc.SetColor(stroke)
		dc.Stroke()
	case orb.MultiLineString:
		for _, ls := range g {
			linePath(dc, m, ls)
		}
		dc.SetColor(stroke)
		dc.Stroke()
	case orb.Polygon:
		for _, ring := range g {
			ringPath(dc, m, ring)
		}
		fillAndStroke(dc, fill, stroke)
	case orb.MultiPolygon:
		for _, poly := range g {
			for _, ring := range poly {
				ringPath(dc, m, ring)
			}
		}
		fillAndStroke(dc, fill, stroke)
	default:
		return false
	}
	return true
}

func (r *Renderer) drawPoint(dc *gg.Context, m affine.Matrix, ratio float64, p orb.Point, fill, stroke color.Color) {
	x, y := m.TransformPoint(p[0], p[1])
	if icon, ok := r.icons[r.style.Icon]; ok && r.style.Icon != "" {
		dc.Push()
		s := r.style.IconScale * ratio
		dc.ScaleAbout(s, s, x, y)
		dc.DrawImageAnchored(icon, int(math.Round(x)), int(math.Round(y)), 0.5, 0.5)
		dc.Pop()
		return
	}
	dc.DrawCircle(x, y, r.style.PointRadius*ratio)
	fillAndStroke(dc, fill, stroke)
}

func linePath(dc *gg.Context, m affine.Matrix, ls orb.LineString) {
	for i, p := range ls {
		x, y := m.TransformPoint(p[0], p[1])
		if i == 0 {
			dc.MoveTo(x, y)
		} else {
			dc.LineTo(x, y)
		}
	}
}

func ringPath(dc *gg.Context, m affine.Matrix, ring orb.Ring) {
	dc.NewSubPath()
	linePath(dc, m, orb.LineString(ring))
	dc.ClosePath()
}

// fillAndStroke uses the even-odd rule so that holes flattened into
// separate rings still render as holes.
func fillAndStroke(dc *gg.Context, fill, stroke color.Color) {
	dc.SetFillRuleEvenOdd()
	dc.SetColor(fill)
	dc.FillPreserve()
	dc.SetColor(stroke)
	dc.Stroke()
}
