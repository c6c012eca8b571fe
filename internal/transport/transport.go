// Package transport defines the contract between the harvesting engine and
// the index nodes of the search grid.
//
// A Client executes one query against one index node. Implementations live
// in sub-packages: solr (the RESTful HTTP search protocol) and memory (an
// in-process grid used by tests and demos).
package transport

import (
	"context"
	"errors"
	"fmt"

	"gridharvest/internal/descriptor"
	"gridharvest/internal/record"
)

var (
	// ErrTransport reports a network or IO failure talking to a node.
	ErrTransport = errors.New("transport failure")
	// ErrHTTPStatus reports a non-success status from a node.
	ErrHTTPStatus = errors.New("http status failure")
	// ErrUnauthorized reports missing or rejected credentials.
	ErrUnauthorized = errors.New("unauthorized")
)

// HTTPStatusError carries the status code of a failed request.
type HTTPStatusError struct {
	Code int
	URL  string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http status %d from %s", e.Code, e.URL)
}

// Is makes errors.Is(err, ErrHTTPStatus) match any status error.
func (e *HTTPStatusError) Is(target error) bool {
	return target == ErrHTTPStatus
}

// Client queries an index node.
type Client interface {
	// Query returns the raw records matching d (one page, per d's offset
	// and limit).
	Query(ctx context.Context, d *descriptor.Descriptor) ([]record.Metadata, error)

	// CountMatches returns the total number of records matching d.
	CountMatches(ctx context.Context, d *descriptor.Descriptor) (int, error)

	// FacetCounts returns the value counts of d's requested facets.
	FacetCounts(ctx context.Context, d *descriptor.Descriptor) (descriptor.FacetCounts, error)

	// FileInstanceIDsSatisfying returns the instance ids of the files of the
	// given dataset replica that satisfy d's constraints.
	FileInstanceIDsSatisfying(ctx context.Context, d *descriptor.Descriptor, replicaID string) ([]string, error)
}

// DefaultPageSize is the page size used by QueryAll when d has no limit.
const DefaultPageSize = 100

// QueryAll pages through every record matching d, starting at offset 0.
// d is not modified.
func QueryAll(ctx context.Context, c Client, d *descriptor.Descriptor) ([]record.Metadata, error) {
	q := d.Clone()
	if q.Limit <= 0 {
		q.Limit = DefaultPageSize
	}
	q.Offset = 0

	var out []record.Metadata
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := c.Query(ctx, q)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < q.Limit {
			return out, nil
		}
		q.Offset += q.Limit
	}
}

// FileQuery builds the file-level query used to resolve which files of a
// dataset replica satisfy base's constraints.
func FileQuery(base *descriptor.Descriptor, replicaID string) *descriptor.Descriptor {
	q := base.Clone()
	q.Type = descriptor.TypeFile
	q.SetConstraint("dataset_id", replicaID)
	q.SetFields(descriptor.InstanceIDField...)
	q.Facets = nil
	q.Limit = DefaultPageSize
	q.Offset = 0
	return q
}
