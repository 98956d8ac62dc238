package host

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/webp"
)

// ImageLoader fetches and decodes images requested by a render context.
type ImageLoader interface {
	Load(ctx context.Context, src string) (*image.RGBA, error)
}

// FileLoader loads images from http(s) URLs or from files below Dir, which
// defaults to the working directory.
type FileLoader struct {
	Dir    string
	Client *http.Client
}

// Load fetches src and decodes it as PNG, JPEG, GIF or WebP.
func (l FileLoader) Load(ctx context.Context, src string) (*image.RGBA, error) {
	var data []byte
	var err error
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		data, err = l.fetch(ctx, src)
	} else {
		dir := l.Dir
		if dir == "" {
			dir = "."
		}
		data, err = os.ReadFile(filepath.Join(dir, filepath.Clean("/"+src)))
	}
	if err != nil {
		return nil, err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", src, err)
	}
	return toRGBA(img), nil
}

func (l FileLoader) fetch(ctx context.Context, url string) ([]byte, error) {
	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s from %s", resp.Status, url)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 8<<20))
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}
