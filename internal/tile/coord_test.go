package tile

import (
	"math"
	"testing"
)

func TestCoordBound(t *testing.T) {
	root := NewCoord(0, 0, 0).Bound()
	if root.Min[0] != -HalfWorld || root.Max[1] != HalfWorld {
		t.Fatalf("unexpected root bound %v", root)
	}

	b := NewCoord(1, 1, 0).Bound()
	if b.Min[0] != 0 || b.Min[1] != 0 || b.Max[0] != HalfWorld || b.Max[1] != HalfWorld {
		t.Fatalf("unexpected NE quadrant bound %v", b)
	}
}

func TestParentAndChildren(t *testing.T) {
	c := NewCoord(5, 16, 11)
	for _, child := range c.Children() {
		if child.Parent() != c {
			t.Fatalf("child %s does not map back to %s", child, c)
		}
	}
	if got := c.Ancestor(3); got != NewCoord(3, 4, 2) {
		t.Fatalf("unexpected ancestor %s", got)
	}
}

func TestZoomForResolution(t *testing.T) {
	for z := 0; z <= 20; z++ {
		if got := ZoomForResolution(Resolution(z), MaxZoom); got != z {
			t.Fatalf("zoom %d: got %d", z, got)
		}
	}
	if got := ZoomForResolution(Resolution(10)*0.9, 8); got != 8 {
		t.Fatalf("expected clamp to 8, got %d", got)
	}
	if got := ZoomForResolution(math.NaN(), 8); got != 0 {
		t.Fatalf("expected 0 for NaN, got %d", got)
	}
}

func TestRangeForBound(t *testing.T) {
	b := NewCoord(3, 2, 5).Bound()
	// shrink slightly so the range does not spill into neighbours
	b.Min[0] += 1
	b.Min[1] += 1
	b.Max[0] -= 1
	b.Max[1] -= 1

	r := RangeForBound(b, 3)
	coords := r.Coords()
	if len(coords) != 1 || coords[0] != NewCoord(3, 2, 5) {
		t.Fatalf("unexpected coords %v", coords)
	}
	if !r.Contains(NewCoord(3, 2, 5)) || r.Contains(NewCoord(4, 2, 5)) {
		t.Fatalf("unexpected Contains result for %v", r)
	}
}

func TestParseCoord(t *testing.T) {
	c, err := ParseCoord("5/16/11")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c != NewCoord(5, 16, 11) {
		t.Fatalf("unexpected coord %s", c)
	}
	for _, bad := range []string{"", "1/2", "a/b/c", "1/2/3"} {
		if _, err := ParseCoord(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}
