package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/atlasmap-sc/vtrender/internal/cache"
	"github.com/atlasmap-sc/vtrender/internal/logging"
	"github.com/atlasmap-sc/vtrender/internal/tile"
)

// maxPayload bounds the size of one fetched tile.
const maxPayload = 16 << 20

// FetchRequest is the description of one tile fetch.
type FetchRequest struct {
	BaseURL      string            `json:"base_url"`
	Method       string            `json:"method"`
	Headers      map[string]string `json:"headers,omitempty"`
	Data         string            `json:"data,omitempty"`
	ResponseType string            `json:"responseType"`
	// Revision of the source the request was built for. Bumping it
	// invalidates cached payloads of earlier revisions.
	Revision int `json:"revision,omitempty"`
}

// CacheKey returns the payload cache key of the request.
func (r FetchRequest) CacheKey() string {
	if r.Method == http.MethodGet && r.Data == "" && r.Revision == 0 {
		return cache.PayloadKey(r.BaseURL)
	}
	return cache.PayloadKey(r.BaseURL, r.Method, r.Data, strconv.Itoa(r.Revision))
}

// Remote fetches Mapbox Vector Tiles over HTTP.
type Remote struct {
	cfg    Config
	key    string
	client *http.Client
	cache  *cache.Manager
	group  singleflight.Group
	log    logrus.FieldLogger
}

// NewRemote creates a remote source. deps.Cache may be nil.
func NewRemote(cfg Config, deps Deps) *Remote {
	client := deps.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	return &Remote{
		cfg:    cfg,
		key:    cfg.CacheKey(),
		client: client,
		cache:  deps.Cache,
		log:    logging.Component(deps.Log, "source").WithField("source", cfg.CacheKey()),
	}
}

func (s *Remote) Key() string  { return s.key }
func (s *Remote) MaxZoom() int { return maxZoomOr(s.cfg.MaxZoom, tile.MaxZoom) }
func (s *Remote) Close() error { return nil }

// Request builds the fetch for tile c from the URL template. {-y} is the
// TMS row.
func (s *Remote) Request(c tile.Coord) FetchRequest {
	url := strings.NewReplacer(
		"{z}", strconv.Itoa(c.Z),
		"{x}", strconv.Itoa(c.X),
		"{y}", strconv.Itoa(c.Y),
		"{-y}", strconv.Itoa((1<<c.Z)-1-c.Y),
	).Replace(s.cfg.URL)

	return FetchRequest{
		BaseURL:      url,
		Method:       strings.ToUpper(s.cfg.Method),
		Headers:      s.cfg.Headers,
		Data:         s.cfg.Body,
		ResponseType: "arraybuffer",
		Revision:     s.cfg.Revision,
	}
}

// Load fetches and decodes tile c. A 404 or 204 response is an absent tile.
func (s *Remote) Load(ctx context.Context, c tile.Coord) (*tile.Tile, error) {
	if c.Z > s.MaxZoom() {
		return nil, nil
	}
	req := s.Request(c)
	data, err := s.fetch(ctx, req)
	if err != nil {
		return nil, &TileLoadError{Coord: c, Err: err}
	}
	if data == nil {
		return nil, nil
	}
	t, err := DecodeMVT(c, data)
	if err != nil {
		return nil, &TileLoadError{Coord: c, Err: err}
	}
	return t, nil
}

func (s *Remote) fetch(ctx context.Context, req FetchRequest) ([]byte, error) {
	key := req.CacheKey()
	if s.cache != nil {
		if data, ok := s.cache.GetPayload(key); ok {
			return data, nil
		}
	}

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		data, err := s.do(ctx, req)
		if err != nil || data == nil {
			return data, err
		}
		if s.cache != nil {
			if err := s.cache.SetPayload(key, data); err != nil {
				s.log.Debugf("payload not cached: %v", err)
			}
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	data, _ := v.([]byte)
	return data, nil
}

func (s *Remote) do(ctx context.Context, req FetchRequest) ([]byte, error) {
	var body io.Reader
	if req.Data != "" {
		body = strings.NewReader(req.Data)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.BaseURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("unexpected status %s from %s", resp.Status, req.BaseURL)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPayload+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if len(data) > maxPayload {
		return nil, errors.New("tile payload too large")
	}
	s.log.Debugf("fetched %s (%s) in %v", req.BaseURL, humanize.Bytes(uint64(len(data))), time.Since(start))
	return data, nil
}
