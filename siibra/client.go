// Package siibra is a client for the siibra-api v3 atlas service. It
// implements interfaces.AtlasSource: atlas lookup, parcellation keys, and
// labelled or statistical maps whose volumes are fetched lazily as NIfTI.
package siibra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/juju/ratelimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/encoding/charmap"

	"github.com/julichbrain/atlas-export/atlas"
	"github.com/julichbrain/atlas-export/interfaces"
	"github.com/julichbrain/atlas-export/logging"
	"github.com/julichbrain/atlas-export/metrics"
)

const (
	DefaultBaseURL = "https://siibra-api-stable.apps.hbp.eu/v3_0"

	pageSize = 100

	mapTypeLabelled    = "LABELLED"
	mapTypeStatistical = "STATISTICAL"
)

// ErrNotFound is returned when the service does not know an atlas,
// parcellation, space or map.
var ErrNotFound = errors.New("not found")

// Options configures a Client. Zero values fall back to the defaults.
type Options struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

// Client talks to the atlas service. Requests are paced by a token bucket
// and are never retried.
type Client struct {
	baseURL string
	http    *http.Client
	bucket  *ratelimit.Bucket
	tracer  trace.Tracer

	mu            sync.Mutex
	parcellations map[string]string // key -> @id
	spaces        map[string]string // requested name -> @id
}

var _ interfaces.AtlasSource = (*Client)(nil)

// NewClient validates opts and builds a client.
func NewClient(opts Options) (*Client, error) {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid atlas service URL %q", opts.BaseURL)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	rate := opts.RequestsPerSecond
	if rate <= 0 {
		rate = 2
	}

	return &Client{
		baseURL:       base,
		http:          httpClient,
		bucket:        ratelimit.NewBucketWithRate(rate, 1),
		tracer:        otel.Tracer("github.com/julichbrain/atlas-export/siibra"),
		parcellations: make(map[string]string),
		spaces:        make(map[string]string),
	}, nil
}

// wait blocks until the bucket grants a request or ctx ends.
func (c *Client) wait(ctx context.Context) error {
	d := c.bucket.Take(1)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// fetch performs one paced GET and returns the body and status code.
func (c *Client) fetch(ctx context.Context, endpoint, rawURL string) ([]byte, int, error) {
	ctx, span := c.tracer.Start(ctx, "siibra."+endpoint,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("url.full", rawURL)),
	)
	defer span.End()

	if err := c.wait(ctx); err != nil {
		return nil, 0, err
	}

	start := time.Now()
	status := "error"
	defer func() {
		metrics.AtlasRequestsTotal.WithLabelValues(endpoint, status).Inc()
		metrics.AtlasRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, 0, fmt.Errorf("build request for %s: %w", rawURL, err)
	}
	req.Header.Set("Accept", "application/json, application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, 0, fmt.Errorf("failed to download %s: %w", rawURL, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logging.Warn("Failed to close response body", "error", err)
		}
	}()

	status = strconv.Itoa(resp.StatusCode)
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body from %s: %w", rawURL, err)
	}
	logging.Debug("Atlas service request", "endpoint", endpoint, "status", resp.StatusCode, "bytes", len(body))
	return body, resp.StatusCode, nil
}

// getJSON fetches path relative to the base URL and decodes the JSON body.
func (c *Client) getJSON(ctx context.Context, endpoint, path string, query url.Values, v any) error {
	rawURL := c.baseURL + path
	if len(query) > 0 {
		rawURL += "?" + query.Encode()
	}

	body, status, err := c.fetch(ctx, endpoint, rawURL)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return fmt.Errorf("%s: %w", rawURL, ErrNotFound)
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("%s: unexpected status %d", rawURL, status)
	}

	// Some service responses are latin-1
	if !utf8.Valid(body) {
		body, err = charmap.ISO8859_1.NewDecoder().Bytes(body)
		if err != nil {
			return fmt.Errorf("decode latin-1 body from %s: %w", rawURL, err)
		}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode %s: %w", rawURL, err)
	}
	return nil
}

// listAll walks every page of a paginated endpoint.
func listAll[T any](ctx context.Context, c *Client, endpoint, path string) ([]T, error) {
	var all []T
	for p := 1; ; p++ {
		var resp page[T]
		query := url.Values{"page": {strconv.Itoa(p)}, "size": {strconv.Itoa(pageSize)}}
		if err := c.getJSON(ctx, endpoint, path, query, &resp); err != nil {
			return nil, err
		}
		all = append(all, resp.Items...)
		if len(resp.Items) == 0 || (resp.Pages > 0 && p >= resp.Pages) || (resp.Pages == 0 && len(resp.Items) < pageSize) {
			return all, nil
		}
	}
}

// Atlas returns the first atlas whose name contains name (case-insensitive),
// with its parcellations keyed the way siibra keys them.
func (c *Client) Atlas(ctx context.Context, name string) (*atlas.Atlas, error) {
	atlases, err := listAll[atlasDTO](ctx, c, "atlases", "/atlases")
	if err != nil {
		return nil, fmt.Errorf("list atlases: %w", err)
	}

	var found *atlasDTO
	needle := strings.ToLower(name)
	for i := range atlases {
		if strings.Contains(strings.ToLower(atlases[i].Name), needle) {
			found = &atlases[i]
			break
		}
	}
	if found == nil {
		return nil, fmt.Errorf("atlas %q: %w", name, ErrNotFound)
	}

	byID, err := c.loadParcellations(ctx)
	if err != nil {
		return nil, err
	}

	a := &atlas.Atlas{ID: found.ID, Name: found.Name}
	for _, ref := range found.Parcellations {
		p, ok := byID[ref.ID]
		if !ok {
			logging.Warn("Atlas references an unknown parcellation", "atlas", found.Name, "parcellation_id", ref.ID)
			continue
		}
		a.Parcellations = append(a.Parcellations, atlas.Key(p.Name))
	}
	return a, nil
}

// loadParcellations lists every parcellation and refreshes the key cache.
func (c *Client) loadParcellations(ctx context.Context) (map[string]parcellationDTO, error) {
	parcellations, err := listAll[parcellationDTO](ctx, c, "parcellations", "/parcellations")
	if err != nil {
		return nil, fmt.Errorf("list parcellations: %w", err)
	}

	byID := make(map[string]parcellationDTO, len(parcellations))
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range parcellations {
		byID[p.ID] = p
		c.parcellations[atlas.Key(p.Name)] = p.ID
	}
	return byID, nil
}

func (c *Client) parcellationID(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	id, ok := c.parcellations[key]
	c.mu.Unlock()
	if ok {
		return id, nil
	}

	if _, err := c.loadParcellations(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.parcellations[key]; ok {
		return id, nil
	}
	return "", fmt.Errorf("parcellation %q: %w", key, ErrNotFound)
}

func (c *Client) spaceID(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	id, ok := c.spaces[name]
	c.mu.Unlock()
	if ok {
		return id, nil
	}

	spaces, err := listAll[spaceDTO](ctx, c, "spaces", "/spaces")
	if err != nil {
		return "", fmt.Errorf("list spaces: %w", err)
	}
	needle := normalize(name)
	for _, s := range spaces {
		if strings.Contains(normalize(s.Name), needle) {
			c.mu.Lock()
			c.spaces[name] = s.ID
			c.mu.Unlock()
			return s.ID, nil
		}
	}
	return "", fmt.Errorf("space %q: %w", name, ErrNotFound)
}

// normalize lowercases s and drops everything but letters and digits.
func normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (c *Client) getMap(ctx context.Context, parcellation, space, mapType string) (*mapDTO, error) {
	pid, err := c.parcellationID(ctx, parcellation)
	if err != nil {
		return nil, err
	}
	sid, err := c.spaceID(ctx, space)
	if err != nil {
		return nil, err
	}

	var m mapDTO
	query := url.Values{
		"parcellation_id": {pid},
		"space_id":        {sid},
		"maptype":         {mapType},
	}
	if err := c.getJSON(ctx, "map", "/map", query, &m); err != nil {
		return nil, fmt.Errorf("%s map of %s in %s: %w", strings.ToLower(mapType), parcellation, space, err)
	}
	return &m, nil
}

// LabelledMap returns the discrete region-label map of a parcellation.
// Fragmented volumes (e.g. one per hemisphere) become separate volumes.
func (c *Client) LabelledMap(ctx context.Context, parcellation, space string) (*atlas.LabelledMap, error) {
	m, err := c.getMap(ctx, parcellation, space, mapTypeLabelled)
	if err != nil {
		return nil, err
	}

	flat, err := flatten(m.Volumes)
	if err != nil {
		return nil, fmt.Errorf("labelled map of %s: %w", parcellation, err)
	}

	var indices []atlas.MapIndex
	for _, region := range m.Indices {
		for _, e := range region.Entries {
			if e.Label == nil {
				return nil, fmt.Errorf("labelled map of %s: region %q has no label", parcellation, region.Region)
			}
			targets, err := flat.resolve(e)
			if err != nil {
				return nil, fmt.Errorf("labelled map of %s: region %q: %w", parcellation, region.Region, err)
			}
			for _, t := range targets {
				indices = append(indices, atlas.MapIndex{
					Region:   region.Region,
					Volume:   t.volume,
					Label:    *e.Label,
					Fragment: t.fragment,
				})
			}
		}
	}

	return &atlas.LabelledMap{
		Parcellation: parcellation,
		Space:        space,
		Indices:      indices,
		Volumes:      c.volumes(flat),
	}, nil
}

// StatisticalMap returns one probability volume per region.
func (c *Client) StatisticalMap(ctx context.Context, parcellation, space string) (*atlas.StatisticalMap, error) {
	m, err := c.getMap(ctx, parcellation, space, mapTypeStatistical)
	if err != nil {
		return nil, err
	}

	flat, err := flatten(m.Volumes)
	if err != nil {
		return nil, fmt.Errorf("statistical map of %s: %w", parcellation, err)
	}

	regions := make([]string, len(flat.entries))
	for _, region := range m.Indices {
		for _, e := range region.Entries {
			targets, err := flat.resolve(e)
			if err != nil {
				return nil, fmt.Errorf("statistical map of %s: region %q: %w", parcellation, region.Region, err)
			}
			for _, t := range targets {
				if regions[t.volume] == "" {
					regions[t.volume] = region.Region
				}
			}
		}
	}

	return &atlas.StatisticalMap{
		Parcellation: parcellation,
		Space:        space,
		Regions:      regions,
		Volumes:      c.volumes(flat),
	}, nil
}

func (c *Client) volumes(flat *flatVolumes) []atlas.Volume {
	out := make([]atlas.Volume, len(flat.entries))
	for i, e := range flat.entries {
		out[i] = &remoteVolume{client: c, url: e.url, name: e.name}
	}
	return out
}
