// Package descriptor defines the search descriptor: the set of query
// parameters sent to an index node, plus the node itself.
//
// A Descriptor is a plain value. Sessions keep their own deep copy (Clone),
// so later edits to a live descriptor never leak into a saved search.
package descriptor

import (
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// DefaultLimit is the page size used when none is set.
const DefaultLimit = 10

// RecordType selects which kind of record a query returns.
type RecordType int

const (
	TypeDataset RecordType = iota
	TypeFile
	TypeAggregation
)

func (t RecordType) String() string {
	switch t {
	case TypeDataset:
		return "Dataset"
	case TypeFile:
		return "File"
	case TypeAggregation:
		return "Aggregation"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// ParseRecordType resolves a record type name case-insensitively.
func ParseRecordType(s string) (RecordType, bool) {
	switch strings.ToLower(s) {
	case "dataset":
		return TypeDataset, true
	case "file":
		return TypeFile, true
	case "aggregation":
		return TypeAggregation, true
	}
	return 0, false
}

// Field presets.
var (
	// PartialFields are the fields needed to drive downloads.
	PartialFields = []string{
		"id", "instance_id", "master_id", "dataset_id", "data_node", "index_node",
		"replica", "title", "version", "checksum", "checksum_type", "size", "url",
		"number_of_files",
	}
	// AllFields requests every stored field.
	AllFields = []string{"*"}
	// InstanceIDField requests identifiers only.
	InstanceIDField = []string{"instance_id"}
)

// Descriptor is a set of query parameters targeting one index node.
type Descriptor struct {
	IndexNode   string              `json:"indexNode" msgpack:"node"`
	Type        RecordType          `json:"type" msgpack:"type"`
	Distributed bool                `json:"distributed" msgpack:"distrib"`
	Query       string              `json:"query,omitempty" msgpack:"q,omitempty"`
	Constraints map[string][]string `json:"constraints,omitempty" msgpack:"c,omitempty"`
	Facets      []string            `json:"facets,omitempty" msgpack:"facets,omitempty"`
	Fields      []string            `json:"fields,omitempty" msgpack:"fields,omitempty"`
	Offset      int                 `json:"offset,omitempty" msgpack:"off,omitempty"`
	Limit       int                 `json:"limit,omitempty" msgpack:"lim,omitempty"`
	Replica     *bool               `json:"replica,omitempty" msgpack:"rep,omitempty"`
	Latest      *bool               `json:"latest,omitempty" msgpack:"latest,omitempty"`
	Start       string              `json:"start,omitempty" msgpack:"start,omitempty"`
	End         string              `json:"end,omitempty" msgpack:"end,omitempty"`
}

// New returns a distributed dataset search against indexNode.
func New(indexNode string) *Descriptor {
	return &Descriptor{
		IndexNode:   indexNode,
		Type:        TypeDataset,
		Distributed: true,
		Limit:       DefaultLimit,
	}
}

// canonicalName maps facet aliases to their field name; other names are
// lowercased and kept.
func canonicalName(name string) string {
	if f, ok := ParseFacet(name); ok {
		return f.String()
	}
	return strings.ToLower(strings.TrimSpace(name))
}

// SetConstraint replaces every value of a constraint. An empty value list
// removes it.
func (d *Descriptor) SetConstraint(name string, values ...string) {
	name = canonicalName(name)
	if len(values) == 0 {
		delete(d.Constraints, name)
		return
	}
	if d.Constraints == nil {
		d.Constraints = make(map[string][]string)
	}
	vals := slices.Clone(values)
	slices.Sort(vals)
	d.Constraints[name] = slices.Compact(vals)
}

// AddConstraint adds values to a constraint. Values of one constraint are
// alternatives.
func (d *Descriptor) AddConstraint(name string, values ...string) {
	name = canonicalName(name)
	d.SetConstraint(name, append(slices.Clone(d.Constraints[name]), values...)...)
}

// RemoveConstraint removes values from a constraint, or the whole constraint
// when no values are given.
func (d *Descriptor) RemoveConstraint(name string, values ...string) {
	name = canonicalName(name)
	if len(values) == 0 {
		delete(d.Constraints, name)
		return
	}
	kept := slices.DeleteFunc(slices.Clone(d.Constraints[name]), func(v string) bool {
		return slices.Contains(values, v)
	})
	d.SetConstraint(name, kept...)
}

// ClearConstraints removes every constraint.
func (d *Descriptor) ClearConstraints() {
	d.Constraints = nil
}

// Constraint returns the values of a constraint.
func (d *Descriptor) Constraint(name string) []string {
	return slices.Clone(d.Constraints[canonicalName(name)])
}

// SetFacets sets the facets whose counts are requested.
func (d *Descriptor) SetFacets(names ...string) {
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, canonicalName(n))
	}
	slices.Sort(out)
	d.Facets = slices.Compact(out)
}

// SetFields sets the returned field list.
func (d *Descriptor) SetFields(fields ...string) {
	d.Fields = slices.Clone(fields)
}

// SetLimit sets the page size; non-positive values select DefaultLimit.
func (d *Descriptor) SetLimit(n int) {
	if n <= 0 {
		n = DefaultLimit
	}
	d.Limit = n
}

func (d *Descriptor) limit() int {
	if d.Limit <= 0 {
		return DefaultLimit
	}
	return d.Limit
}

// Page returns the zero-based page index of the current offset.
func (d *Descriptor) Page() int {
	return d.Offset / d.limit()
}

// SetPage moves the offset to the start of page n.
func (d *Descriptor) SetPage(n int) {
	if n < 0 {
		n = 0
	}
	d.Offset = n * d.limit()
}

// NextPage advances one page unless total records are exhausted. It reports
// whether the offset moved.
func (d *Descriptor) NextPage(total int) bool {
	if d.Page()+1 >= d.PageCount(total) {
		return false
	}
	d.SetPage(d.Page() + 1)
	return true
}

// PrevPage moves one page back. It reports whether the offset moved.
func (d *Descriptor) PrevPage() bool {
	if d.Page() == 0 {
		return false
	}
	d.SetPage(d.Page() - 1)
	return true
}

// PageCount returns the number of pages needed for total records.
func (d *Descriptor) PageCount(total int) int {
	if total <= 0 {
		return 0
	}
	l := d.limit()
	return (total + l - 1) / l
}

// SetTemporal sets the temporal range constraint. Empty strings clear a bound.
func (d *Descriptor) SetTemporal(start, end string) {
	d.Start, d.End = start, end
}

// Clone returns a deep copy.
func (d *Descriptor) Clone() *Descriptor {
	c := *d
	if d.Constraints != nil {
		c.Constraints = make(map[string][]string, len(d.Constraints))
		for k, v := range d.Constraints {
			c.Constraints[k] = slices.Clone(v)
		}
	}
	c.Facets = slices.Clone(d.Facets)
	c.Fields = slices.Clone(d.Fields)
	if d.Replica != nil {
		v := *d.Replica
		c.Replica = &v
	}
	if d.Latest != nil {
		v := *d.Latest
		c.Latest = &v
	}
	return &c
}

// Values renders the query parameters.
func (d *Descriptor) Values() url.Values {
	v := url.Values{}
	v.Set("type", d.Type.String())
	v.Set("distrib", strconv.FormatBool(d.Distributed))
	if d.Query != "" {
		v.Set("query", d.Query)
	}
	for name, vals := range d.Constraints {
		for _, val := range vals {
			v.Add(name, val)
		}
	}
	if len(d.Facets) > 0 {
		v.Set("facets", strings.Join(d.Facets, ","))
	}
	if len(d.Fields) > 0 {
		v.Set("fields", strings.Join(d.Fields, ","))
	}
	v.Set("offset", strconv.Itoa(d.Offset))
	v.Set("limit", strconv.Itoa(d.limit()))
	if d.Replica != nil {
		v.Set("replica", strconv.FormatBool(*d.Replica))
	}
	if d.Latest != nil {
		v.Set("latest", strconv.FormatBool(*d.Latest))
	}
	if d.Start != "" {
		v.Set("start", d.Start)
	}
	if d.End != "" {
		v.Set("end", d.End)
	}
	return v
}

// Canonical returns a stable string form of the descriptor. Two descriptors
// with equal canonical forms issue identical queries.
func (d *Descriptor) Canonical() string {
	return d.IndexNode + "?" + d.Values().Encode()
}

// Equal reports whether two descriptors issue identical queries.
func (d *Descriptor) Equal(o *Descriptor) bool {
	return d.Canonical() == o.Canonical()
}

// String implements fmt.Stringer.
func (d *Descriptor) String() string { return d.Canonical() }

// Bool returns a pointer to b, for the optional boolean filters.
func Bool(b bool) *bool { return &b }
