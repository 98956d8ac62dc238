// Package render draws tile features into a raster surface with
// fogleman/gg. The same renderer drives an off-screen surface inside a
// background render context and the display surface on the host.
package render

import (
	"image"
	"image/draw"
	"sync"

	"github.com/fogleman/gg"
	xdraw "golang.org/x/image/draw"

	"github.com/atlasmap-sc/vtrender/pkg/affine"
)

// Surface is a drawable raster. The renderer only needs a sized canvas;
// whether the pixels end up on screen or in a transferable bitmap is the
// surface's business.
type Surface interface {
	Resize(w, h int)
	Size() (int, int)
	Canvas() *gg.Context
}

// Offscreen is a surface whose bitmap can be handed to another goroutine.
type Offscreen struct {
	w, h int
	img  *image.RGBA
	dc   *gg.Context
}

// NewOffscreen creates an off-screen surface of the given size.
func NewOffscreen(w, h int) *Offscreen {
	return &Offscreen{w: w, h: h}
}

func (s *Offscreen) Resize(w, h int) {
	if w == s.w && h == s.h {
		return
	}
	s.w, s.h = w, h
	s.img, s.dc = nil, nil
}

func (s *Offscreen) Size() (int, int) { return s.w, s.h }

// Canvas returns the drawing context, allocating a buffer when the
// previous one was transferred.
func (s *Offscreen) Canvas() *gg.Context {
	if s.dc == nil {
		s.img = image.NewRGBA(image.Rect(0, 0, s.w, s.h))
		s.dc = gg.NewContextForRGBA(s.img)
	}
	return s.dc
}

// Transfer moves the current bitmap out of the surface. The caller owns
// the result; the next Canvas call starts from a fresh buffer.
func (s *Offscreen) Transfer() *image.RGBA {
	img := s.img
	s.img, s.dc = nil, nil
	return img
}

// Display is the host surface. It shows a bitmap produced elsewhere under
// a corrective transform, and can also be drawn into directly.
type Display struct {
	mu        sync.Mutex
	w, h      int
	bitmap    *image.RGBA
	transform affine.Matrix
	out       *image.RGBA
	dc        *gg.Context
}

// NewDisplay creates a display surface of the given device pixel size.
func NewDisplay(w, h int) *Display {
	return &Display{w: w, h: h, transform: affine.Identity()}
}

func (d *Display) Resize(w, h int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w == d.w && h == d.h {
		return
	}
	d.w, d.h = w, h
	d.out, d.dc = nil, nil
}

func (d *Display) Size() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.w, d.h
}

func (d *Display) ensure() {
	if d.out == nil {
		d.out = image.NewRGBA(image.Rect(0, 0, d.w, d.h))
		d.dc = gg.NewContextForRGBA(d.out)
	}
}

// Canvas returns a context over the display buffer for drawing in place.
// Drawing directly replaces any presented bitmap.
func (d *Display) Canvas() *gg.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensure()
	d.bitmap = nil
	return d.dc
}

// Present takes ownership of bitmap and shows it under transform.
func (d *Display) Present(bitmap *image.RGBA, transform affine.Matrix) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bitmap = bitmap
	d.transform = transform
}

// SetTransform replaces the corrective transform of the presented bitmap.
func (d *Display) SetTransform(m affine.Matrix) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transform = m
}

// Transform returns the current corrective transform.
func (d *Display) Transform() affine.Matrix {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transform
}

// Composite redraws the display buffer from the presented bitmap and
// returns it. Without a presented bitmap the buffer is left as drawn.
func (d *Display) Composite() *image.RGBA {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensure()
	if d.bitmap == nil {
		return d.out
	}
	draw.Draw(d.out, d.out.Bounds(), image.Transparent, image.Point{}, draw.Src)
	if d.transform.IsIdentity(1e-9) && d.bitmap.Bounds() == d.out.Bounds() {
		draw.Draw(d.out, d.out.Bounds(), d.bitmap, image.Point{}, draw.Over)
		return d.out
	}
	xdraw.BiLinear.Transform(d.out, d.transform.Aff3(), d.bitmap, d.bitmap.Bounds(), xdraw.Over, nil)
	return d.out
}

// Snapshot returns a copy of the composited display.
func (d *Display) Snapshot() *image.RGBA {
	out := d.Composite()
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := image.NewRGBA(out.Bounds())
	copy(cp.Pix, out.Pix)
	return cp
}
