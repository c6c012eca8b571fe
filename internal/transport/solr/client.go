// Package solr implements transport.Client over the grid's RESTful search
// protocol. Every index node exposes the same search endpoint and answers
// in Solr JSON:
//
//	{"response": {"numFound": N, "docs": [{...}, ...]},
//	 "facet_counts": {"facet_fields": {"project": ["CMIP5", 12, ...]}}}
//
// Requests to one node are rate limited, identical concurrent requests are
// deduplicated, and compressed responses (gzip, br, zstd) are decoded.
package solr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/theory/jsonpath"
	"golang.org/x/time/rate"

	"gridharvest/internal/callgroup"
	"gridharvest/internal/descriptor"
	"gridharvest/internal/logging"
	"gridharvest/internal/record"
	"gridharvest/internal/transport"
)

const (
	// SearchPath is appended to bare index node host names.
	SearchPath = "/esg-search/search"
	// ResponseFormat is the response format requested from nodes.
	ResponseFormat = "application/solr+json"

	defaultTimeout  = 60 * time.Second
	defaultMaxBody  = 64 << 20
	defaultRate     = rate.Limit(5)
	defaultBurst    = 5
	limiterIdleTime = 10 * time.Minute
)

var (
	numFoundPath    = jsonpath.MustParse("$.response.numFound")
	docsPath        = jsonpath.MustParse("$.response.docs[*]")
	facetFieldsPath = jsonpath.MustParse("$.facet_counts.facet_fields")
)

// Config configures a Client.
type Config struct {
	// HTTPClient performs requests. Defaults to a client with Timeout.
	HTTPClient *http.Client
	// Timeout bounds a single request when HTTPClient is nil.
	Timeout time.Duration
	// Scheme is used for index nodes given as bare host names. Default https.
	Scheme string
	// RateLimit and Burst bound requests per index node.
	RateLimit rate.Limit
	Burst     int
	// MaxBodyBytes bounds the decompressed response size.
	MaxBodyBytes int64
	// UserAgent is sent on every request.
	UserAgent string
	Logger    *slog.Logger
}

// Client talks to index nodes over HTTP.
type Client struct {
	http      *http.Client
	scheme    string
	rate      rate.Limit
	burst     int
	maxBody   int64
	userAgent string
	logger    *slog.Logger

	mu       sync.Mutex
	limiters map[string]*nodeLimiter

	inflight callgroup.Group[string, []byte]
}

// nodeLimiter tracks the rate limiter and last use of one index node.
type nodeLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var _ transport.Client = (*Client)(nil)

// New creates a Client.
func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	c := &Client{
		http:      hc,
		scheme:    cfg.Scheme,
		rate:      cfg.RateLimit,
		burst:     cfg.Burst,
		maxBody:   cfg.MaxBodyBytes,
		userAgent: cfg.UserAgent,
		logger:    logging.Default(cfg.Logger).With("component", "transport"),
		limiters:  make(map[string]*nodeLimiter),
	}
	if c.scheme == "" {
		c.scheme = "https"
	}
	if c.rate <= 0 {
		c.rate = defaultRate
	}
	if c.burst <= 0 {
		c.burst = defaultBurst
	}
	if c.maxBody <= 0 {
		c.maxBody = defaultMaxBody
	}
	if c.userAgent == "" {
		c.userAgent = "gridharvest"
	}
	return c
}

// Endpoint returns the search URL of an index node.
func (c *Client) Endpoint(indexNode string) string {
	if strings.Contains(indexNode, "://") {
		return indexNode
	}
	return c.scheme + "://" + strings.TrimSuffix(indexNode, "/") + SearchPath
}

// limiter returns the rate limiter for node, evicting idle ones.
func (c *Client) limiter(node string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for n, l := range c.limiters {
		if now.Sub(l.lastSeen) > limiterIdleTime {
			delete(c.limiters, n)
		}
	}
	entry, ok := c.limiters[node]
	if !ok {
		entry = &nodeLimiter{limiter: rate.NewLimiter(c.rate, c.burst)}
		c.limiters[node] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}

// fetch runs the search request for d and returns the decoded body.
// Concurrent identical requests share one round trip.
func (c *Client) fetch(ctx context.Context, d *descriptor.Descriptor) ([]byte, error) {
	v := d.Values()
	v.Set("format", ResponseFormat)
	u := c.Endpoint(d.IndexNode) + "?" + v.Encode()

	body, shared, err := c.inflight.Do(ctx, u, func() ([]byte, error) {
		// The shared request must not die with the first caller.
		return c.get(context.WithoutCancel(ctx), d.IndexNode, u)
	})
	if shared && err == nil {
		c.logger.Debug("joined in-flight query", "node", d.IndexNode)
	}
	return body, err
}

func (c *Client) get(ctx context.Context, node, u string) ([]byte, error) {
	if err := c.limiter(node).Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limit %s: %w", transport.ErrTransport, node, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %w", transport.ErrTransport, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", acceptEncoding)
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := c.http.Do(req) //nolint:gosec // URL built from the configured index node
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", transport.ErrTransport, node, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s returned %d", transport.ErrUnauthorized, node, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &transport.HTTPStatusError{Code: resp.StatusCode, URL: u}
	}

	body, err := readBody(resp.Body, resp.Header.Get("Content-Encoding"), c.maxBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", transport.ErrTransport, node, err)
	}
	c.logger.Debug("search request", "node", node, "bytes", len(body), "duration", time.Since(start))
	return body, nil
}

// decode parses a JSON body, keeping numbers exact.
func decode(body []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", transport.ErrTransport, err)
	}
	return v, nil
}

// Query implements transport.Client.
func (c *Client) Query(ctx context.Context, d *descriptor.Descriptor) ([]record.Metadata, error) {
	body, err := c.fetch(ctx, d)
	if err != nil {
		return nil, err
	}
	doc, err := decode(body)
	if err != nil {
		return nil, err
	}
	nodes := docsPath.Select(doc)
	out := make([]record.Metadata, 0, len(nodes))
	for _, n := range nodes {
		fields, ok := n.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, docMetadata(fields))
	}
	return out, nil
}

// CountMatches implements transport.Client.
func (c *Client) CountMatches(ctx context.Context, d *descriptor.Descriptor) (int, error) {
	q := countQuery(d)
	q.SetFields(descriptor.InstanceIDField...)
	q.Facets = nil
	body, err := c.fetch(ctx, q)
	if err != nil {
		return 0, err
	}
	doc, err := decode(body)
	if err != nil {
		return 0, err
	}
	nodes := numFoundPath.Select(doc)
	if len(nodes) != 1 {
		return 0, fmt.Errorf("%w: response has no numFound", transport.ErrTransport)
	}
	n, ok := nodes[0].(json.Number)
	if !ok {
		return 0, fmt.Errorf("%w: numFound is %T", transport.ErrTransport, nodes[0])
	}
	i, err := n.Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: numFound: %w", transport.ErrTransport, err)
	}
	return int(i), nil
}

// countQuery requests a single document; the node still reports numFound
// and facet counts.
func countQuery(d *descriptor.Descriptor) *descriptor.Descriptor {
	q := d.Clone()
	q.Offset = 0
	q.Limit = 1
	return q
}

// FacetCounts implements transport.Client.
func (c *Client) FacetCounts(ctx context.Context, d *descriptor.Descriptor) (descriptor.FacetCounts, error) {
	if len(d.Facets) == 0 {
		return descriptor.FacetCounts{}, nil
	}
	body, err := c.fetch(ctx, countQuery(d))
	if err != nil {
		return nil, err
	}
	doc, err := decode(body)
	if err != nil {
		return nil, err
	}
	out := make(descriptor.FacetCounts)
	nodes := facetFieldsPath.Select(doc)
	if len(nodes) == 0 {
		return out, nil
	}
	fields, ok := nodes[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: facet_fields is %T", transport.ErrTransport, nodes[0])
	}
	for name, raw := range fields {
		flat, ok := raw.([]any)
		if !ok {
			continue
		}
		vals := make([]descriptor.FacetValue, 0, len(flat)/2)
		for i := 0; i+1 < len(flat); i += 2 {
			v, _ := flat[i].(string)
			n, _ := flat[i+1].(json.Number)
			cnt, _ := n.Int64()
			vals = append(vals, descriptor.FacetValue{Value: v, Count: int(cnt)})
		}
		out[name] = vals
	}
	return out, nil
}

// FileInstanceIDsSatisfying implements transport.Client.
func (c *Client) FileInstanceIDsSatisfying(ctx context.Context, d *descriptor.Descriptor, replicaID string) ([]string, error) {
	mds, err := transport.QueryAll(ctx, c, transport.FileQuery(d, replicaID))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(mds))
	for _, md := range mds {
		if id := md.String(record.KeyInstanceID); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// docMetadata converts one Solr document into a metadata bag. Unknown
// fields are dropped.
func docMetadata(fields map[string]any) record.Metadata {
	md := record.NewMetadata()
	for name, raw := range fields {
		k, ok := record.ParseKey(name)
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case nil:
			md.SetNull(k)
		case []any:
			items := make([]string, 0, len(v))
			for _, item := range v {
				items = append(items, scalarString(item))
			}
			md.Set(k, record.List(items...))
		default:
			md.SetString(k, scalarString(v))
		}
	}
	return md
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// IsRetryable reports whether err is a transient transport failure rather
// than a rejection by the node.
func IsRetryable(err error) bool {
	if errors.Is(err, transport.ErrUnauthorized) {
		return false
	}
	var se *transport.HTTPStatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	return errors.Is(err, transport.ErrTransport)
}
