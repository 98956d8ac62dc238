// Package frame describes the viewport snapshot that travels between the
// host and the background render context, and the pixel transforms derived
// from it.
package frame

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"

	"github.com/atlasmap-sc/vtrender/pkg/affine"
)

// DefaultProjection is the only view projection the renderer draws in.
const DefaultProjection = "EPSG:3857"

// Limits on the device pixel size of a frame bitmap.
const (
	MaxBitmapSide   = 16384
	MaxBitmapPixels = 1 << 26
)

// View is the part of the frame state that positions the map.
type View struct {
	Center     orb.Point `json:"center" yaml:"center"`
	Resolution float64   `json:"resolution" yaml:"resolution"`
	Rotation   float64   `json:"rotation" yaml:"rotation"`
	Projection string    `json:"projectionCode" yaml:"projection"`
}

// State is a serializable frame-state snapshot. It holds no references, so
// a copy is fully independent of the original.
type State struct {
	View       View    `json:"viewState"`
	PixelRatio float64 `json:"pixelRatio"`
	Size       [2]int  `json:"size"`
	Timestamp  int64   `json:"timestamp"`
}

// Validate checks that the state can be rendered.
func (s State) Validate() error {
	if s.Size[0] <= 0 || s.Size[1] <= 0 {
		return fmt.Errorf("frame: invalid size %dx%d", s.Size[0], s.Size[1])
	}
	if !(s.View.Resolution > 0) || math.IsInf(s.View.Resolution, 0) {
		return fmt.Errorf("frame: invalid resolution %v", s.View.Resolution)
	}
	if s.PixelRatio < 0 || math.IsNaN(s.PixelRatio) || math.IsInf(s.PixelRatio, 0) {
		return fmt.Errorf("frame: invalid pixel ratio %v", s.PixelRatio)
	}
	r := s.Ratio()
	w, h := float64(s.Size[0])*r, float64(s.Size[1])*r
	if math.Round(w) > MaxBitmapSide || math.Round(h) > MaxBitmapSide || math.Round(w)*math.Round(h) > MaxBitmapPixels {
		return fmt.Errorf("frame: bitmap %.0fx%.0f exceeds the %dx%d, %d pixel limit", w, h, MaxBitmapSide, MaxBitmapSide, MaxBitmapPixels)
	}
	if bw, bh := s.BitmapSize(); bw <= 0 || bh <= 0 {
		return fmt.Errorf("frame: empty bitmap %dx%d", bw, bh)
	}
	if p := s.View.Projection; p != "" && p != DefaultProjection {
		return fmt.Errorf("frame: unsupported view projection %q", p)
	}
	for _, v := range []float64{s.View.Center[0], s.View.Center[1], s.View.Rotation} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("frame: non-finite view parameter")
		}
	}
	return nil
}

// Ratio returns the pixel ratio, defaulting to 1.
func (s State) Ratio() float64 {
	if s.PixelRatio <= 0 {
		return 1
	}
	return s.PixelRatio
}

// BitmapSize returns the device pixel size of a bitmap rendered for s.
func (s State) BitmapSize() (int, int) {
	r := s.Ratio()
	return int(math.Round(float64(s.Size[0]) * r)), int(math.Round(float64(s.Size[1]) * r))
}

// SameView reports whether two states render identical pixels, ignoring
// the timestamp.
func (s State) SameView(o State) bool {
	return s.View == o.View && s.Ratio() == o.Ratio() && s.Size == o.Size
}

// CoordinateToPixel maps view coordinates to CSS pixels: translate to the
// view center, rotate, flip y and scale by resolution, then move the origin
// to the top-left corner.
func (s State) CoordinateToPixel() affine.Matrix {
	res := s.View.Resolution
	return affine.Compose(
		affine.Translate(float64(s.Size[0])/2, float64(s.Size[1])/2),
		affine.Scale(1/res, -1/res),
		affine.Rotate(-s.View.Rotation),
		affine.Translate(-s.View.Center[0], -s.View.Center[1]),
	)
}

// PixelTransform maps view coordinates to device pixels of the bitmap.
func (s State) PixelTransform() affine.Matrix {
	r := s.Ratio()
	return affine.Scale(r, r).Multiply(s.CoordinateToPixel())
}

// Extent returns the view coordinates covered by the viewport, enlarged to
// the bounding box of the rotated rectangle.
func (s State) Extent() orb.Bound {
	res := s.View.Resolution
	hw := float64(s.Size[0]) * res / 2
	hh := float64(s.Size[1]) * res / 2
	rot := affine.Rotate(s.View.Rotation)
	cx, cy := s.View.Center[0], s.View.Center[1]

	b := orb.Bound{Min: orb.Point{math.Inf(1), math.Inf(1)}, Max: orb.Point{math.Inf(-1), math.Inf(-1)}}
	for _, corner := range [4][2]float64{{-hw, -hh}, {hw, -hh}, {hw, hh}, {-hw, hh}} {
		x, y := rot.TransformPoint(corner[0], corner[1])
		b = b.Extend(orb.Point{cx + x, cy + y})
	}
	return b
}

// Corrective maps device pixels of a bitmap rendered for from onto device
// pixels of the live view to. It is exact for any pair of states but only
// looks right when both share the same rotation.
func Corrective(from, to State) (affine.Matrix, bool) {
	inv, ok := from.PixelTransform().Invert()
	if !ok {
		return affine.Identity(), false
	}
	return to.PixelTransform().Multiply(inv), true
}
