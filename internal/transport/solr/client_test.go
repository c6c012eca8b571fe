package solr

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/time/rate"

	"gridharvest/internal/descriptor"
	"gridharvest/internal/record"
	"gridharvest/internal/transport"
)

const sampleResponse = `{
  "responseHeader": {"status": 0},
  "response": {
    "numFound": 2,
    "start": 0,
    "docs": [
      {
        "id": "cmip5.a.v1|dn1.example.org",
        "instance_id": "cmip5.a.v1",
        "data_node": "dn1.example.org",
        "replica": false,
        "size": 1048576,
        "url": ["http://dn1.example.org/a.xml|application/xml+thredds|THREDDS"],
        "unknown_field": "dropped"
      },
      {
        "id": "cmip5.a.v1|dn2.example.org",
        "instance_id": "cmip5.a.v1",
        "data_node": "dn2.example.org",
        "replica": true
      }
    ]
  },
  "facet_counts": {
    "facet_fields": {
      "project": ["CMIP5", 12, "CMIP6", 3],
      "variable": ["tas", 7]
    }
  }
}`

func newTestClient(t *testing.T, h http.Handler) (*Client, string) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := New(Config{RateLimit: rate.Inf, Burst: 100})
	return c, srv.URL + SearchPath
}

func jsonHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}
}

func TestEndpoint(t *testing.T) {
	c := New(Config{})
	if got := c.Endpoint("esgf-node.example.org"); got != "https://esgf-node.example.org/esg-search/search" {
		t.Errorf("bare host: got %q", got)
	}
	if got := c.Endpoint("http://localhost:8080/search"); got != "http://localhost:8080/search" {
		t.Errorf("full url: got %q", got)
	}
}

func TestQueryParsesDocs(t *testing.T) {
	var gotQuery atomic.Value
	c, node := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.Query())
		jsonHandler(sampleResponse)(w, r)
	}))

	d := descriptor.New(node)
	d.SetConstraint("project", "CMIP5")
	mds, err := c.Query(context.Background(), d)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(mds) != 2 {
		t.Fatalf("got %d docs, want 2", len(mds))
	}

	first := mds[0]
	if got := first.String(record.KeyInstanceID); got != "cmip5.a.v1" {
		t.Errorf("instance_id: got %q", got)
	}
	if got, _ := first.Int64(record.KeySize); got != 1048576 {
		t.Errorf("size: got %d", got)
	}
	if isReplica, ok := first.Bool(record.KeyReplica); !ok || isReplica {
		t.Errorf("replica: got %v ok=%v", isReplica, ok)
	}
	if v, _ := first.Get(record.KeyURL); !v.Multi || len(v.Items) != 1 {
		t.Errorf("url should be a one-item list, got %+v", v)
	}

	q := gotQuery.Load().(url.Values)
	if q["format"][0] != ResponseFormat {
		t.Errorf("format: got %v", q["format"])
	}
	if q["project"][0] != "CMIP5" {
		t.Errorf("project: got %v", q["project"])
	}
}

func TestCountMatches(t *testing.T) {
	c, node := newTestClient(t, jsonHandler(sampleResponse))
	n, err := c.CountMatches(context.Background(), descriptor.New(node))
	if err != nil {
		t.Fatalf("CountMatches: %v", err)
	}
	if n != 2 {
		t.Errorf("got %d, want 2", n)
	}
}

func TestFacetCounts(t *testing.T) {
	c, node := newTestClient(t, jsonHandler(sampleResponse))
	d := descriptor.New(node)
	d.SetFacets("project", "variable")
	counts, err := c.FacetCounts(context.Background(), d)
	if err != nil {
		t.Fatalf("FacetCounts: %v", err)
	}
	project := counts["project"]
	if len(project) != 2 || project[0] != (descriptor.FacetValue{Value: "CMIP5", Count: 12}) {
		t.Errorf("project counts: got %+v", project)
	}
	if len(counts["variable"]) != 1 {
		t.Errorf("variable counts: got %+v", counts["variable"])
	}
}

func TestFileInstanceIDsPages(t *testing.T) {
	var calls atomic.Int32
	c, node := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Query().Get("dataset_id") != "ds|dn1" || r.URL.Query().Get("type") != "File" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		jsonHandler(`{"response":{"numFound":2,"docs":[{"instance_id":"ds.f1.nc"},{"instance_id":"ds.f2.nc_1"}]}}`)(w, r)
	}))

	ids, err := c.FileInstanceIDsSatisfying(context.Background(), descriptor.New(node), "ds|dn1")
	if err != nil {
		t.Fatalf("FileInstanceIDsSatisfying: %v", err)
	}
	if len(ids) != 2 || ids[1] != "ds.f2.nc_1" {
		t.Errorf("got %v", ids)
	}
	// A short page ends pagination.
	if got := calls.Load(); got != 1 {
		t.Errorf("got %d requests, want 1", got)
	}
}

func TestErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{"unauthorized", http.StatusUnauthorized, func(err error) bool { return errors.Is(err, transport.ErrUnauthorized) }},
		{"forbidden", http.StatusForbidden, func(err error) bool { return errors.Is(err, transport.ErrUnauthorized) }},
		{"server error", http.StatusInternalServerError, func(err error) bool {
			var se *transport.HTTPStatusError
			return errors.As(err, &se) && se.Code == 500 && errors.Is(err, transport.ErrHTTPStatus)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, node := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			_, err := c.Query(context.Background(), descriptor.New(node))
			if err == nil || !tt.check(err) {
				t.Fatalf("got %v", err)
			}
		})
	}

	t.Run("malformed body", func(t *testing.T) {
		c, node := newTestClient(t, jsonHandler(`{"response":`))
		_, err := c.Query(context.Background(), descriptor.New(node))
		if !errors.Is(err, transport.ErrTransport) {
			t.Fatalf("got %v, want ErrTransport", err)
		}
	})

	t.Run("connection refused", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		node := srv.URL + SearchPath
		srv.Close()
		c := New(Config{RateLimit: rate.Inf})
		_, err := c.Query(context.Background(), descriptor.New(node))
		if !errors.Is(err, transport.ErrTransport) {
			t.Fatalf("got %v, want ErrTransport", err)
		}
		if !IsRetryable(err) {
			t.Error("network failure should be retryable")
		}
	})
}

func TestCompressedResponses(t *testing.T) {
	encoders := map[string]func([]byte) []byte{
		"zstd": func(b []byte) []byte {
			enc, err := zstd.NewWriter(nil)
			if err != nil {
				t.Fatal(err)
			}
			defer func() { _ = enc.Close() }()
			return enc.EncodeAll(b, nil)
		},
		"br": func(b []byte) []byte {
			var buf bytes.Buffer
			w := brotli.NewWriter(&buf)
			_, _ = w.Write(b)
			_ = w.Close()
			return buf.Bytes()
		},
	}
	for encoding, encode := range encoders {
		t.Run(encoding, func(t *testing.T) {
			payload := encode([]byte(sampleResponse))
			c, node := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Accept-Encoding") != acceptEncoding {
					t.Errorf("Accept-Encoding: got %q", r.Header.Get("Accept-Encoding"))
				}
				w.Header().Set("Content-Encoding", encoding)
				_, _ = w.Write(payload)
			}))
			mds, err := c.Query(context.Background(), descriptor.New(node))
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if len(mds) != 2 {
				t.Errorf("got %d docs, want 2", len(mds))
			}
		})
	}
}

func TestIdenticalRequestsShareRoundTrip(t *testing.T) {
	var calls atomic.Int32
	hit := make(chan struct{}, 1)
	release := make(chan struct{})
	c, node := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		hit <- struct{}{}
		<-release
		jsonHandler(sampleResponse)(w, r)
	}))

	d := descriptor.New(node)
	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Go(func() {
		_, errs[0] = c.Query(context.Background(), d)
	})
	<-hit
	wg.Go(func() {
		_, errs[1] = c.Query(context.Background(), d.Clone())
	})
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server saw %d requests, want 1", got)
	}
}

func TestCallerCancellation(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	c, node := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Query(ctx, descriptor.New(node))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}
}
