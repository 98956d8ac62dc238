package render

import (
	"fmt"
	"image/color"
	"strconv"

	"github.com/atlasmap-sc/vtrender/internal/tile"
	"github.com/atlasmap-sc/vtrender/pkg/colormap"
)

// Style is the serializable description of how features are drawn.
type Style struct {
	Background  string     `json:"background,omitempty" yaml:"background"`
	Fill        string     `json:"fill,omitempty" yaml:"fill"`
	Stroke      string     `json:"stroke,omitempty" yaml:"stroke"`
	StrokeWidth float64    `json:"strokeWidth,omitempty" yaml:"stroke_width"`
	PointRadius float64    `json:"pointRadius,omitempty" yaml:"point_radius"`
	ColorBy     string     `json:"colorBy,omitempty" yaml:"color_by"`
	Colormap    string     `json:"colormap,omitempty" yaml:"colormap"`
	Domain      [2]float64 `json:"domain,omitempty" yaml:"domain"`
	// Icon is an image source drawn at point features instead of a circle.
	Icon      string  `json:"icon,omitempty" yaml:"icon"`
	IconScale float64 `json:"iconScale,omitempty" yaml:"icon_scale"`
}

// DefaultStyle returns the style used when a layer configures none.
func DefaultStyle() Style {
	return Style{
		Fill:        "#3388ff66",
		Stroke:      "#3388ff",
		StrokeWidth: 1.25,
		PointRadius: 5,
		Colormap:    "viridis",
		Domain:      [2]float64{0, 1},
	}
}

// compiledStyle is a Style with parsed colors.
type compiledStyle struct {
	Style
	background color.Color
	fill       color.Color
	stroke     color.Color
	cmap       colormap.Colormap
}

// Compile validates the style and resolves its colors.
func (s Style) Compile() (*compiledStyle, error) {
	def := DefaultStyle()
	if s.StrokeWidth <= 0 {
		s.StrokeWidth = def.StrokeWidth
	}
	if s.PointRadius <= 0 {
		s.PointRadius = def.PointRadius
	}
	if s.IconScale <= 0 {
		s.IconScale = 1
	}
	if s.Fill == "" {
		s.Fill = def.Fill
	}
	if s.Stroke == "" {
		s.Stroke = def.Stroke
	}
	if s.Colormap == "" {
		s.Colormap = def.Colormap
	}
	if s.Domain[0] == s.Domain[1] {
		s.Domain = def.Domain
	}

	cs := &compiledStyle{Style: s, background: color.Transparent}
	var err error
	if s.Background != "" {
		if cs.background, err = colormap.ParseHex(s.Background); err != nil {
			return nil, fmt.Errorf("style background: %w", err)
		}
	}
	if cs.fill, err = colormap.ParseHex(s.Fill); err != nil {
		return nil, fmt.Errorf("style fill: %w", err)
	}
	if cs.stroke, err = colormap.ParseHex(s.Stroke); err != nil {
		return nil, fmt.Errorf("style stroke: %w", err)
	}
	cmap, ok := colormap.Lookup(s.Colormap)
	if !ok {
		return nil, fmt.Errorf("style: unknown colormap %q", s.Colormap)
	}
	cs.cmap = cmap
	return cs, nil
}

// Validate reports whether the style can be compiled.
func (s Style) Validate() error {
	_, err := s.Compile()
	return err
}

// colors returns the fill and stroke colors of a feature.
func (cs *compiledStyle) colors(f tile.Feature) (color.Color, color.Color) {
	if cs.ColorBy == "" {
		return cs.fill, cs.stroke
	}
	v, ok := f.Tags[cs.ColorBy]
	if !ok {
		return cs.fill, cs.stroke
	}

	var c color.Color
	if n, ok := number(v); ok {
		t := (n - cs.Domain[0]) / (cs.Domain[1] - cs.Domain[0])
		c = cs.cmap.At(t)
	} else {
		c = colormap.Categorical.AtKey(fmt.Sprint(v))
	}
	return withAlpha(c, alphaOf(cs.fill)), c
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func alphaOf(c color.Color) uint8 {
	_, _, _, a := c.RGBA()
	return uint8(a >> 8)
}

func withAlpha(c color.Color, a uint8) color.NRGBA {
	n := color.NRGBAModel.Convert(c).(color.NRGBA)
	n.A = a
	return n
}
