package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"gridharvest/internal/logging"
	"gridharvest/internal/record"
	"gridharvest/internal/transport"
)

// ErrUnsupportedService is returned by fetchers for services they cannot
// transfer.
var ErrUnsupportedService = errors.New("unsupported download service")

const (
	defaultRate  = rate.Limit(4)
	defaultBurst = 4
)

// HTTPFetcherConfig configures an HTTPFetcher.
type HTTPFetcherConfig struct {
	// HTTPClient performs requests. Downloads are long lived, so the default
	// client has no overall timeout; cancel the context instead.
	HTTPClient *http.Client
	// RateLimit and Burst bound request starts per data node.
	RateLimit rate.Limit
	Burst     int
	UserAgent string
	// Token is sent as a bearer token when set.
	Token  string
	Logger *slog.Logger
}

// HTTPFetcher downloads HTTPSERVER URLs.
type HTTPFetcher struct {
	http      *http.Client
	rate      rate.Limit
	burst     int
	userAgent string
	token     string
	logger    *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

var _ Fetcher = (*HTTPFetcher)(nil)

// NewHTTPFetcher creates an HTTPFetcher.
func NewHTTPFetcher(cfg HTTPFetcherConfig) *HTTPFetcher {
	f := &HTTPFetcher{
		http:      cfg.HTTPClient,
		rate:      cfg.RateLimit,
		burst:     cfg.Burst,
		userAgent: cfg.UserAgent,
		token:     cfg.Token,
		logger:    logging.Default(cfg.Logger).With("component", "fetcher"),
		limiters:  make(map[string]*rate.Limiter),
	}
	if f.http == nil {
		f.http = &http.Client{}
	}
	if f.rate <= 0 {
		f.rate = defaultRate
	}
	if f.burst <= 0 {
		f.burst = defaultBurst
	}
	if f.userAgent == "" {
		f.userAgent = "gridharvest"
	}
	return f
}

func (f *HTTPFetcher) limiter(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[host]
	if !ok {
		l = rate.NewLimiter(f.rate, f.burst)
		f.limiters[host] = l
	}
	return l
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, svc record.Service, rawURL string, dst io.Writer) (int64, error) {
	if svc != record.ServiceHTTPServer {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedService, svc)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, fmt.Errorf("%w: parse url: %w", transport.ErrTransport, err)
	}
	if err := f.limiter(u.Host).Wait(ctx); err != nil {
		return 0, fmt.Errorf("%w: rate limit %s: %w", transport.ErrTransport, u.Host, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: create request: %w", transport.ErrTransport, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	start := time.Now()
	resp, err := f.http.Do(req) //nolint:gosec // URL comes from harvested replica metadata
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", transport.ErrTransport, u.Host, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return 0, fmt.Errorf("%w: %s returned %d", transport.ErrUnauthorized, u.Host, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return 0, &transport.HTTPStatusError{Code: resp.StatusCode, URL: rawURL}
	}

	n, err := io.Copy(dst, resp.Body)
	if err != nil {
		return n, fmt.Errorf("%w: read %s: %w", transport.ErrTransport, u.Host, err)
	}
	f.logger.Debug("file fetched", "url", rawURL, "bytes", n, "duration", time.Since(start))
	return n, nil
}
