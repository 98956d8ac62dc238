package tileindex

import (
	"math"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/project"
	"github.com/paulmach/orb/simplify"
	"github.com/sirupsen/logrus"

	"github.com/atlasmap-sc/vtrender/internal/tile"
)

// feature is one indexed geometry in unit space.
type feature struct {
	id     any
	tags   map[string]any
	geom   orb.Geometry
	bound  orb.Bound
	points int
}

// node is one stored tile of the partition.
type node struct {
	coord    tile.Coord
	features []feature
	points   int
	// split is set once all four children were produced during the build;
	// a missing child of a split node is an empty tile.
	split bool
	out   *tile.Tile
}

// Index is a hierarchical partition of features keyed by tile coordinate.
// It is safe for concurrent use; tiles below the pre-built depth are cut on
// demand and memoized.
type Index struct {
	opts     Options
	bound    orb.Bound
	features int
	dropped  int
	log      logrus.FieldLogger

	mu    sync.Mutex
	nodes map[tile.Coord]*node
}

// Options returns the effective build options.
func (idx *Index) Options() Options { return idx.opts }

// Features returns the number of indexed geometries.
func (idx *Index) Features() int { return idx.features }

// Dropped returns the number of input features excluded from the index.
func (idx *Index) Dropped() int { return idx.dropped }

// Bound returns the data extent in the unit square.
func (idx *Index) Bound() orb.Bound { return idx.bound }

// StoredTiles returns the number of tiles currently held.
func (idx *Index) StoredTiles() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.nodes)
}

// split partitions the root recursively down to IndexMaxZoom, stopping early
// where a tile holds no more than IndexMaxPoints points.
func (idx *Index) split(root *node) {
	stack := []*node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		idx.nodes[n.coord] = n

		if n.coord.Z >= idx.opts.IndexMaxZoom {
			continue
		}
		if idx.opts.IndexMaxPoints > 0 && n.points <= idx.opts.IndexMaxPoints {
			continue
		}

		children := n.coord.Children()
		for i := len(children) - 1; i >= 0; i-- {
			child := idx.clipNode(n, children[i])
			if len(child.features) > 0 {
				stack = append(stack, child)
			}
		}
		n.split = true
		n.out = idx.transform(n)
		n.features = nil
	}
}

// clipNode cuts the features of parent to the buffered bounds of c.
func (idx *Index) clipNode(parent *node, c tile.Coord) *node {
	k := float64(idx.opts.Buffer) / float64(idx.opts.Extent) / float64(int64(1)<<uint(c.Z))
	b := c.UnitBound().Pad(k)

	child := &node{coord: c}
	for _, f := range parent.features {
		if !b.Intersects(f.bound) {
			continue
		}
		g := f.geom
		if !(b.Contains(f.bound.Min) && b.Contains(f.bound.Max)) {
			g = clip.Geometry(b, orb.Clone(f.geom))
		}
		if g == nil {
			continue
		}
		n := tile.CountPoints(g)
		if n == 0 {
			continue
		}
		child.features = append(child.features, feature{id: f.id, tags: f.tags, geom: g, bound: g.Bound(), points: n})
		child.points += n
	}
	return child
}

// GetTile returns the payload for z/x/y. It returns nil for coordinates
// outside the grid or whose bounds do not touch the indexed data, and an
// empty tile for coordinates inside the data extent with no features. The
// returned tile is shared and must not be modified.
func (idx *Index) GetTile(z, x, y int) *tile.Tile {
	c := tile.NewCoord(z, x, y)
	if z < 0 || z > idx.opts.MaxZoom || !c.Valid() {
		return nil
	}
	if idx.features == 0 || !c.UnitBound().Intersects(idx.bound) {
		return nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if n, ok := idx.nodes[c]; ok {
		return idx.output(n)
	}

	var anc *node
	for zz := z - 1; zz >= 0; zz-- {
		if n, ok := idx.nodes[c.Ancestor(zz)]; ok {
			anc = n
			break
		}
	}
	if anc == nil || anc.split || len(anc.features) == 0 {
		return tile.Empty(c, idx.opts.Extent)
	}

	cur := anc
	for cur.coord.Z < z {
		next := c.Ancestor(cur.coord.Z + 1)
		child := idx.clipNode(cur, next)
		idx.nodes[next] = child
		if len(child.features) == 0 {
			return tile.Empty(c, idx.opts.Extent)
		}
		cur = child
	}
	return idx.output(cur)
}

func (idx *Index) output(n *node) *tile.Tile {
	if n.out == nil {
		n.out = idx.transform(n)
	}
	return n.out
}

// transform converts the unit-space features of a node into tile pixels.
func (idx *Index) transform(n *node) *tile.Tile {
	out := tile.Empty(n.coord, idx.opts.Extent)
	z2 := float64(int64(1) << uint(n.coord.Z))
	tx, ty := float64(n.coord.X), float64(n.coord.Y)
	ext := float64(idx.opts.Extent)

	toTile := func(p orb.Point) orb.Point {
		return orb.Point{
			math.Round((p[0]*z2 - tx) * ext),
			math.Round((p[1]*z2 - ty) * ext),
		}
	}

	for _, f := range n.features {
		g := project.Geometry(orb.Clone(f.geom), toTile)
		if idx.opts.Tolerance > 0 {
			switch g.(type) {
			case orb.LineString, orb.MultiLineString, orb.Polygon, orb.MultiPolygon:
				g = simplify.DouglasPeucker(idx.opts.Tolerance).Simplify(g)
			}
		}
		typ, parts, ok := tile.Encode(g)
		if !ok {
			continue
		}
		parts = cleanParts(typ, parts)
		if len(parts) == 0 {
			continue
		}
		out.Features = append(out.Features, tile.Feature{
			ID:    f.id,
			Type:  typ,
			Parts: parts,
			Tags:  f.tags,
		})
	}
	return out
}

// cleanParts removes repeated vertices introduced by rounding and drops
// lines and rings that collapsed.
func cleanParts(typ tile.GeomType, parts [][]orb.Point) [][]orb.Point {
	if typ == tile.GeomPoint {
		return parts
	}
	minLen := 2
	if typ == tile.GeomPolygon {
		minLen = 4
	}
	out := parts[:0]
	for _, part := range parts {
		dedup := part[:0]
		for i, p := range part {
			if i > 0 && p == dedup[len(dedup)-1] {
				continue
			}
			dedup = append(dedup, p)
		}
		if len(dedup) >= minLen {
			out = append(out, dedup)
		}
	}
	return out
}
