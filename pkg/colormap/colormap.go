// Package colormap maps feature attributes to colors for the vector
// renderer: continuous schemes for numeric values, a categorical palette
// for keys, and hex color parsing for style fields.
package colormap

import (
	"fmt"
	"hash/fnv"
	"image/color"
	"sort"
	"strings"

	"github.com/lucasb-eyer/go-colorful"
)

// Colormap maps normalized values [0, 1] to colors.
type Colormap interface {
	At(t float64) color.Color
	AtIndex(i int) color.Color
}

// LinearColormap interpolates between evenly spaced stops in Lab space.
type LinearColormap struct {
	stops []colorful.Color
}

// NewLinear builds a colormap from hex stops. It panics on malformed input
// and is meant for package-level tables.
func NewLinear(hexStops ...string) LinearColormap {
	stops := make([]colorful.Color, len(hexStops))
	for i, h := range hexStops {
		c, err := colorful.Hex(h)
		if err != nil {
			panic(fmt.Sprintf("colormap: bad stop %q: %v", h, err))
		}
		stops[i] = c
	}
	return LinearColormap{stops: stops}
}

// At returns the color at position t (0-1).
func (c LinearColormap) At(t float64) color.Color {
	n := len(c.stops)
	if t <= 0 {
		return toRGBA(c.stops[0])
	}
	if t >= 1 {
		return toRGBA(c.stops[n-1])
	}

	pos := t * float64(n-1)
	lower := int(pos)
	if lower >= n-1 {
		return toRGBA(c.stops[n-1])
	}
	return toRGBA(c.stops[lower].BlendLab(c.stops[lower+1], pos-float64(lower)).Clamped())
}

// AtIndex returns stop i (wraps around).
func (c LinearColormap) AtIndex(i int) color.Color {
	if i < 0 {
		i = -i
	}
	return toRGBA(c.stops[i%len(c.stops)])
}

// CategoricalColormap provides distinct colors for categories.
type CategoricalColormap struct {
	colors []colorful.Color
}

// NewCategorical builds a palette from hex colors.
func NewCategorical(hexColors ...string) CategoricalColormap {
	return CategoricalColormap{colors: NewLinear(hexColors...).stops}
}

// At returns the color at position t.
func (c CategoricalColormap) At(t float64) color.Color {
	idx := int(t * float64(len(c.colors)))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(c.colors) {
		idx = len(c.colors) - 1
	}
	return toRGBA(c.colors[idx])
}

// AtIndex returns color at index.
func (c CategoricalColormap) AtIndex(i int) color.Color {
	if i < 0 {
		i = -i
	}
	return toRGBA(c.colors[i%len(c.colors)])
}

// AtKey returns a stable color for an arbitrary attribute value.
func (c CategoricalColormap) AtKey(key string) color.Color {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.AtIndex(int(h.Sum32() % uint32(len(c.colors))))
}

func toRGBA(c colorful.Color) color.RGBA {
	r, g, b := c.RGB255()
	return color.RGBA{R: r, G: g, B: b, A: 255}
}

var (
	Viridis = NewLinear("#440154", "#482374", "#404387", "#345e8d", "#29788e", "#20908c", "#22a784", "#44be70", "#79d151", "#bdde26", "#fde725")
	Plasma  = NewLinear("#0d0887", "#4b03a1", "#7d03a8", "#a82296", "#cb4679", "#e56b5d", "#f89441", "#fdc328", "#f0f921")
	Inferno = NewLinear("#000004", "#280b54", "#65156e", "#9f2a63", "#d44842", "#f57d15", "#fac127", "#fcffa4")
	Magma   = NewLinear("#000004", "#1c1044", "#4f127b", "#812581", "#b5367a", "#e55064", "#fb8761", "#fec287", "#fcfdbf")
	Greys   = NewLinear("#d3d3d3", "#000000")

	// Categorical has 20 distinct colors.
	Categorical = NewCategorical(
		"#1f77b4", "#ff7f0e", "#2ca02c", "#d62728", "#9467bd",
		"#8c564b", "#e377c2", "#7f7f7f", "#bcbd22", "#17becf",
		"#aec7e8", "#ffbb78", "#98df8a", "#ff9896", "#c5b0d5",
		"#c49c94", "#f7b6d2", "#c7c7c7", "#dbdb8d", "#9edae5",
	)
)

var registry = map[string]Colormap{
	"viridis":     Viridis,
	"plasma":      Plasma,
	"inferno":     Inferno,
	"magma":       Magma,
	"greys":       Greys,
	"categorical": Categorical,
}

// Lookup returns the named colormap.
func Lookup(name string) (Colormap, bool) {
	c, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	return c, ok
}

// Names lists the registered colormaps.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseHex parses #rgb, #rrggbb or #rrggbbaa into a non-premultiplied
// color.
func ParseHex(s string) (color.NRGBA, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "#") {
		return color.NRGBA{}, fmt.Errorf("colormap: invalid color %q", s)
	}
	alpha := uint8(255)
	switch len(s) {
	case 4:
		s = "#" + strings.Repeat(s[1:2], 2) + strings.Repeat(s[2:3], 2) + strings.Repeat(s[3:4], 2)
	case 9:
		var a uint8
		if _, err := fmt.Sscanf(s[7:], "%02x", &a); err != nil {
			return color.NRGBA{}, fmt.Errorf("colormap: invalid alpha in %q: %w", s, err)
		}
		alpha = a
		s = s[:7]
	}
	c, err := colorful.Hex(s)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("colormap: %w", err)
	}
	r, g, b := c.RGB255()
	return color.NRGBA{R: r, G: g, B: b, A: alpha}, nil
}
