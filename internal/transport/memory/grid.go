// Package memory provides an in-process search grid implementing
// transport.Client. Records are published to named index nodes; distributed
// queries see every node, local queries only their own.
//
// It is the collaborator used by tests and by the CLI demo mode.
package memory

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"

	"gridharvest/internal/descriptor"
	"gridharvest/internal/record"
	"gridharvest/internal/transport"
)

// Hook runs before every query. A non-nil error fails the query. Hooks may
// block; they receive the caller's context.
type Hook func(ctx context.Context, op string, d *descriptor.Descriptor) error

// Call records one query for inspection.
type Call struct {
	Op         string
	Descriptor *descriptor.Descriptor
}

type entry struct {
	node string
	md   record.Metadata
}

// Grid is an in-memory set of index nodes.
type Grid struct {
	mu      sync.Mutex
	entries []entry
	hooks   []Hook
	calls   []Call
}

var _ transport.Client = (*Grid)(nil)

// New returns an empty grid.
func New() *Grid {
	return &Grid{}
}

// Publish adds a record to an index node.
func (g *Grid) Publish(node string, md record.Metadata) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries = append(g.entries, entry{node: node, md: md.Clone()})
}

// Unpublish removes every record whose instance id equals id.
func (g *Grid) Unpublish(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries = slices.DeleteFunc(g.entries, func(e entry) bool {
		return e.md.String(record.KeyInstanceID) == id
	})
}

// AddHook installs a hook run before every query.
func (g *Grid) AddHook(h Hook) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hooks = append(g.hooks, h)
}

// Calls returns every query issued so far.
func (g *Grid) Calls() []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.calls)
}

// CountCalls returns how many queries of op targeted records of type t.
func (g *Grid) CountCalls(op string, t descriptor.RecordType) int {
	n := 0
	for _, c := range g.Calls() {
		if c.Op == op && c.Descriptor.Type == t {
			n++
		}
	}
	return n
}

func (g *Grid) before(ctx context.Context, op string, d *descriptor.Descriptor) error {
	g.mu.Lock()
	g.calls = append(g.calls, Call{Op: op, Descriptor: d.Clone()})
	hooks := slices.Clone(g.hooks)
	g.mu.Unlock()

	for _, h := range hooks {
		if err := h(ctx, op, d); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// match returns every record matching d, ordered by instance id then node.
func (g *Grid) match(d *descriptor.Descriptor) []record.Metadata {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []entry
	for _, e := range g.entries {
		if !d.Distributed && e.node != d.IndexNode {
			continue
		}
		if !matches(e.md, d) {
			continue
		}
		out = append(out, e)
	}
	slices.SortStableFunc(out, func(a, b entry) int {
		return cmp.Or(
			cmp.Compare(a.md.String(record.KeyInstanceID), b.md.String(record.KeyInstanceID)),
			cmp.Compare(a.node, b.node),
		)
	})
	mds := make([]record.Metadata, len(out))
	for i, e := range out {
		mds[i] = e.md.Clone()
	}
	return mds
}

func matches(md record.Metadata, d *descriptor.Descriptor) bool {
	if t := md.String(record.KeyType); t != "" && !strings.EqualFold(t, d.Type.String()) {
		return false
	}
	for name, want := range d.Constraints {
		k, ok := record.ParseKey(name)
		if !ok {
			return false
		}
		if !slices.ContainsFunc(md.Strings(k), func(v string) bool { return slices.Contains(want, v) }) {
			return false
		}
	}
	if d.Replica != nil {
		if isReplica, _ := md.Bool(record.KeyReplica); isReplica != *d.Replica {
			return false
		}
	}
	if d.Latest != nil {
		if latest, ok := md.Bool(record.KeyLatest); ok && latest != *d.Latest {
			return false
		}
	}
	if d.Query != "" {
		text := strings.ToLower(md.String(record.KeyTitle) + " " + md.String(record.KeyDescription))
		if !strings.Contains(text, strings.ToLower(d.Query)) {
			return false
		}
	}
	return true
}

func project(md record.Metadata, fields []string) record.Metadata {
	if len(fields) == 0 || slices.Contains(fields, "*") {
		return md
	}
	out := record.NewMetadata()
	for _, f := range fields {
		if k, ok := record.ParseKey(f); ok {
			if v, present := md.Get(k); present {
				out.Set(k, v)
			}
		}
	}
	return out
}

// Query implements transport.Client.
func (g *Grid) Query(ctx context.Context, d *descriptor.Descriptor) ([]record.Metadata, error) {
	if err := g.before(ctx, "query", d); err != nil {
		return nil, err
	}
	all := g.match(d)
	limit := d.Limit
	if limit <= 0 {
		limit = descriptor.DefaultLimit
	}
	if d.Offset >= len(all) {
		return nil, nil
	}
	page := all[d.Offset:min(d.Offset+limit, len(all))]
	out := make([]record.Metadata, len(page))
	for i, md := range page {
		out[i] = project(md, d.Fields)
	}
	return out, nil
}

// CountMatches implements transport.Client.
func (g *Grid) CountMatches(ctx context.Context, d *descriptor.Descriptor) (int, error) {
	if err := g.before(ctx, "count", d); err != nil {
		return 0, err
	}
	return len(g.match(d)), nil
}

// FacetCounts implements transport.Client.
func (g *Grid) FacetCounts(ctx context.Context, d *descriptor.Descriptor) (descriptor.FacetCounts, error) {
	if err := g.before(ctx, "facets", d); err != nil {
		return nil, err
	}
	all := g.match(d)
	out := make(descriptor.FacetCounts, len(d.Facets))
	for _, facet := range d.Facets {
		k, ok := record.ParseKey(facet)
		if !ok {
			continue
		}
		counts := make(map[string]int)
		for _, md := range all {
			for _, v := range md.Strings(k) {
				counts[v]++
			}
		}
		vals := make([]descriptor.FacetValue, 0, len(counts))
		for v, n := range counts {
			vals = append(vals, descriptor.FacetValue{Value: v, Count: n})
		}
		slices.SortFunc(vals, func(a, b descriptor.FacetValue) int {
			return cmp.Or(cmp.Compare(b.Count, a.Count), cmp.Compare(a.Value, b.Value))
		})
		out[facet] = vals
	}
	return out, nil
}

// FileInstanceIDsSatisfying implements transport.Client.
func (g *Grid) FileInstanceIDsSatisfying(ctx context.Context, d *descriptor.Descriptor, replicaID string) ([]string, error) {
	q := transport.FileQuery(d, replicaID)
	if err := g.before(ctx, "files", q); err != nil {
		return nil, err
	}
	var ids []string
	for _, md := range g.match(q) {
		ids = append(ids, md.String(record.KeyInstanceID))
	}
	return ids, nil
}
