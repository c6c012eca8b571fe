// Package config provides configuration persistence for gridharvest.
//
// A Config is the operator's desired setup: which index node to search,
// how wide the worker pool is, how aggressively to talk to the grid, where
// state is persisted and how downloads are chosen. It is loaded once at
// start; the CLI writes it back when flags change it.
//
// Durations and sizes are kept as strings in the document (e.g. "2s",
// "64MB") and parsed by the accessor methods, so the JSON stays readable.
package config

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Store types.
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Store persists and loads the configuration.
type Store interface {
	// Load reads the configuration. Returns nil if nothing exists (bootstrap signal).
	Load(ctx context.Context) (*Config, error)
	// Save replaces the stored configuration.
	Save(ctx context.Context, cfg *Config) error
}

// Config describes how the engine runs.
type Config struct {
	// IndexNode is the node searched by default.
	IndexNode string `json:"indexNode"`
	// Facets requested with every live search update.
	Facets []string `json:"facets,omitempty"`
	// PageSize is the number of results per page.
	PageSize int `json:"pageSize"`

	// PoolSize bounds concurrent harvesting and download jobs.
	PoolSize int `json:"poolSize"`
	// LockPollInterval is how often a worker waiting for a dataset lock
	// re-checks it. Go duration format.
	LockPollInterval string `json:"lockPollInterval"`

	// RateLimit and RateBurst bound requests per index node.
	RateLimit float64 `json:"rateLimit"`
	RateBurst int     `json:"rateBurst"`
	// RequestTimeout bounds one search request. Go duration format.
	RequestTimeout string `json:"requestTimeout"`
	// MaxResponseSize bounds a decompressed search response.
	// Supports suffixes: B, KB, MB, GB.
	MaxResponseSize string `json:"maxResponseSize,omitempty"`

	// AutoUpdate refreshes counts and facets after every descriptor change.
	AutoUpdate bool `json:"autoUpdate"`
	// RetryCron, when set, retries failed datasets of every saved search on
	// this schedule. Standard 5-field or 6-field (seconds) cron syntax.
	RetryCron string `json:"retryCron,omitempty"`

	// StoreType selects the state backend: file, sqlite or memory.
	StoreType string `json:"storeType"`

	Download DownloadConfig `json:"download"`
}

// DownloadConfig controls the download coordinator.
type DownloadConfig struct {
	// Dir is the download root. Empty means <home>/downloads.
	Dir string `json:"dir,omitempty"`
	// Services in preference order (HTTPServer, GridFTP, OPENDAP).
	Services []string `json:"services,omitempty"`
	// Include and Exclude are glob patterns over file names.
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
	// Token is sent as a bearer token to data nodes.
	Token string `json:"token,omitempty"`
}

// Defaults returns the first-run configuration.
func Defaults() *Config {
	return &Config{
		IndexNode:        "esgf-node.llnl.gov",
		Facets:           []string{"project", "model", "experiment", "time_frequency", "variable"},
		PageSize:         10,
		PoolSize:         7,
		LockPollInterval: "2s",
		RateLimit:        5,
		RateBurst:        5,
		RequestTimeout:   "60s",
		MaxResponseSize:  "64MB",
		AutoUpdate:       true,
		StoreType:        StoreFile,
		Download: DownloadConfig{
			Services: []string{"HTTPServer", "GridFTP", "OPENDAP"},
		},
	}
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	out := *c
	out.Facets = slices.Clone(c.Facets)
	out.Download.Services = slices.Clone(c.Download.Services)
	out.Download.Include = slices.Clone(c.Download.Include)
	out.Download.Exclude = slices.Clone(c.Download.Exclude)
	return &out
}

// LockPoll returns the parsed lock poll interval.
func (c *Config) LockPoll() (time.Duration, error) {
	return parsePositive("lockPollInterval", c.LockPollInterval)
}

// Timeout returns the parsed request timeout.
func (c *Config) Timeout() (time.Duration, error) {
	return parsePositive("requestTimeout", c.RequestTimeout)
}

// ResponseLimit returns the parsed response size limit, 0 when unset.
func (c *Config) ResponseLimit() (int64, error) {
	if c.MaxResponseSize == "" {
		return 0, nil
	}
	n, err := ParseBytes(c.MaxResponseSize)
	if err != nil {
		return 0, fmt.Errorf("invalid maxResponseSize: %w", err)
	}
	return int64(n), nil
}

func parsePositive(field, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", field)
	}
	return d, nil
}

// Validate checks the semantic constraints of c.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.IndexNode) == "" {
		errs = append(errs, errors.New("indexNode is required"))
	}
	if c.PoolSize <= 0 {
		errs = append(errs, errors.New("invalid poolSize: must be positive"))
	}
	if c.PageSize <= 0 {
		errs = append(errs, errors.New("invalid pageSize: must be positive"))
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		errs = append(errs, errors.New("invalid rate limit: must not be negative"))
	}
	if _, err := c.LockPoll(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Timeout(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ResponseLimit(); err != nil {
		errs = append(errs, err)
	}
	if err := ValidateCron(c.RetryCron); err != nil {
		errs = append(errs, err)
	}
	switch c.StoreType {
	case StoreFile, StoreSQLite, StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown storeType %q", c.StoreType))
	}
	return errors.Join(errs...)
}

// ValidateCron checks whether expr is a valid cron expression.
// Supports both 5-field (minute-level) and 6-field (second-level) syntax.
// Returns nil if expr is empty.
func ValidateCron(expr string) error {
	if expr == "" {
		return nil
	}
	cr := gocron.NewDefaultCron(true)
	if err := cr.IsValid(expr, time.UTC, time.Now()); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// ParseBytes parses a byte size string with optional suffix (B, KB, MB, GB).
func ParseBytes(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}

	s = strings.ToUpper(s)

	var multiplier uint64 = 1
	var numStr string

	switch {
	case strings.HasSuffix(s, "GB"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "B"):
		numStr = strings.TrimSuffix(s, "B")
	default:
		numStr = s
	}

	n, err := strconv.ParseUint(strings.TrimSpace(numStr), 10, 64)
	if err != nil {
		return 0, err
	}
	return n * multiplier, nil
}
