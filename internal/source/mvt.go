package source

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"

	"github.com/atlasmap-sc/vtrender/internal/tile"
)

func isGzip(data []byte) bool {
	return len(data) > 2 && data[0] == 0x1f && data[1] == 0x8b
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// DecodeMVT converts a Mapbox Vector Tile, optionally gzipped, into a tile
// at c. Every layer is rescaled to tile.DefaultExtent and features keep
// their layer name.
func DecodeMVT(c tile.Coord, data []byte) (*tile.Tile, error) {
	if isGzip(data) {
		var err error
		data, err = gunzip(data)
		if err != nil {
			return nil, fmt.Errorf("failed to gunzip tile: %w", err)
		}
	}

	layers, err := mvt.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode mvt: %w", err)
	}

	out := tile.Empty(c, tile.DefaultExtent)
	for _, layer := range layers {
		scale := 1.0
		if layer.Extent > 0 && layer.Extent != tile.DefaultExtent {
			scale = float64(tile.DefaultExtent) / float64(layer.Extent)
		}
		for _, f := range layer.Features {
			if f == nil || f.Geometry == nil {
				continue
			}
			for _, g := range tile.Flatten(f.Geometry) {
				typ, parts, ok := tile.Encode(g)
				if !ok {
					continue
				}
				if scale != 1 {
					parts = scaleParts(parts, scale)
				}
				out.Features = append(out.Features, tile.Feature{
					ID:    f.ID,
					Type:  typ,
					Parts: parts,
					Tags:  f.Properties,
					Layer: layer.Name,
				})
			}
		}
	}
	return out, nil
}

func scaleParts(parts [][]orb.Point, s float64) [][]orb.Point {
	out := make([][]orb.Point, len(parts))
	for i, part := range parts {
		out[i] = make([]orb.Point, len(part))
		for j, p := range part {
			out[i][j] = orb.Point{p[0] * s, p[1] * s}
		}
	}
	return out
}
