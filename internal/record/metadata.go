// Package record defines the entity graph shared by every other package:
// metadata bags, replicas, services, datasets and dataset files.
//
// Records are identified by their instance identifier, which is stable across
// all replicas of the same logical object. Replica identifiers are node
// specific and never used as identity.
package record

import (
	"slices"
	"strconv"
	"strings"
)

// Key is a metadata key from the fixed enumeration understood by the grid.
type Key int

// Metadata keys, in canonical bag order.
const (
	KeyID Key = iota
	KeyInstanceID
	KeyMasterID
	KeyDatasetID
	KeyDataNode
	KeyIndexNode
	KeyReplica
	KeyLatest
	KeyVersion
	KeyType
	KeyTitle
	KeyDescription
	KeyChecksum
	KeyChecksumType
	KeySize
	KeyURL
	KeyAccess
	KeyTrackingID
	KeyProject
	KeyActivity
	KeyInstitute
	KeyModel
	KeyExperiment
	KeyTimeFrequency
	KeyProduct
	KeyRealm
	KeyCMORTable
	KeyEnsemble
	KeyVariable
	KeyVariableLongName
	KeyCFStandardName
	KeyNumberOfFiles
	KeyNumberOfAggregations
	KeyDatetimeStart
	KeyDatetimeStop
	KeyTimestamp
	KeyFormat
	KeyXlink

	numKeys
)

// keyNames are the grid field names for each key.
var keyNames = [numKeys]string{
	KeyID:                   "id",
	KeyInstanceID:           "instance_id",
	KeyMasterID:             "master_id",
	KeyDatasetID:            "dataset_id",
	KeyDataNode:             "data_node",
	KeyIndexNode:            "index_node",
	KeyReplica:              "replica",
	KeyLatest:               "latest",
	KeyVersion:              "version",
	KeyType:                 "type",
	KeyTitle:                "title",
	KeyDescription:          "description",
	KeyChecksum:             "checksum",
	KeyChecksumType:         "checksum_type",
	KeySize:                 "size",
	KeyURL:                  "url",
	KeyAccess:               "access",
	KeyTrackingID:           "tracking_id",
	KeyProject:              "project",
	KeyActivity:             "activity",
	KeyInstitute:            "institute",
	KeyModel:                "model",
	KeyExperiment:           "experiment",
	KeyTimeFrequency:        "time_frequency",
	KeyProduct:              "product",
	KeyRealm:                "realm",
	KeyCMORTable:            "cmor_table",
	KeyEnsemble:             "ensemble",
	KeyVariable:             "variable",
	KeyVariableLongName:     "variable_long_name",
	KeyCFStandardName:       "cf_standard_name",
	KeyNumberOfFiles:        "number_of_files",
	KeyNumberOfAggregations: "number_of_aggregations",
	KeyDatetimeStart:        "datetime_start",
	KeyDatetimeStop:         "datetime_stop",
	KeyTimestamp:            "timestamp",
	KeyFormat:               "format",
	KeyXlink:                "xlink",
}

// keyAliases maps lowercase field names, including historical spellings used
// by some index nodes, to keys.
var keyAliases = map[string]Key{
	"parent_id":        KeyDatasetID,
	"source_id":        KeyModel,
	"experiment_id":    KeyExperiment,
	"institution_id":   KeyInstitute,
	"frequency":        KeyTimeFrequency,
	"modeling_realm":   KeyRealm,
	"table_id":         KeyCMORTable,
	"member_id":        KeyEnsemble,
	"variable_id":      KeyVariable,
	"activity_id":      KeyActivity,
	"_timestamp":       KeyTimestamp,
	"variable_long_nm": KeyVariableLongName,
}

func init() {
	for k := Key(0); k < numKeys; k++ {
		keyAliases[keyNames[k]] = k
	}
}

// String returns the grid field name of k.
func (k Key) String() string {
	if k < 0 || k >= numKeys {
		return "key(" + strconv.Itoa(int(k)) + ")"
	}
	return keyNames[k]
}

// ParseKey resolves a grid field name (case-insensitive, any known alias).
func ParseKey(name string) (Key, bool) {
	k, ok := keyAliases[strings.ToLower(strings.TrimSpace(name))]
	return k, ok
}

// AllKeys returns every key in canonical order.
func AllKeys() []Key {
	keys := make([]Key, numKeys)
	for i := range keys {
		keys[i] = Key(i)
	}
	return keys
}

// ReplicaOnlyKeys are meaningful per replica only. They are stripped from the
// conceptual record once a complete harvest finishes.
var ReplicaOnlyKeys = []Key{
	KeyDataNode,
	KeyIndexNode,
	KeyReplica,
	KeyID,
	KeyURL,
	KeyAccess,
	KeyDatasetID,
}

// Value is a metadata value: a scalar (one item), a list, or an explicit null.
type Value struct {
	Items []string `json:"items,omitempty" msgpack:"i,omitempty"`
	Multi bool     `json:"multi,omitempty" msgpack:"m,omitempty"`
	Null  bool     `json:"null,omitempty" msgpack:"n,omitempty"`
}

// Scalar builds a single-valued Value.
func Scalar(s string) Value { return Value{Items: []string{s}} }

// List builds a multi-valued Value.
func List(items ...string) Value { return Value{Items: slices.Clone(items), Multi: true} }

// Null is the explicit null value.
func Null() Value { return Value{Null: true} }

// First returns the first item, or "" for null or empty values.
func (v Value) First() string {
	if len(v.Items) == 0 {
		return ""
	}
	return v.Items[0]
}

func (v Value) clone() Value {
	return Value{Items: slices.Clone(v.Items), Multi: v.Multi, Null: v.Null}
}

// Equal reports whether two values are identical.
func (v Value) Equal(o Value) bool {
	return v.Null == o.Null && v.Multi == o.Multi && slices.Equal(v.Items, o.Items)
}

// Metadata is an ordered bag from Key to Value. Absent keys are unknown,
// which is distinct from a key explicitly set to Null. The zero value is
// ready to use.
type Metadata struct {
	vals map[Key]Value
}

// NewMetadata returns an empty bag.
func NewMetadata() Metadata {
	return Metadata{vals: make(map[Key]Value)}
}

// Get returns the value for k and whether it is present.
func (m Metadata) Get(k Key) (Value, bool) {
	v, ok := m.vals[k]
	return v, ok
}

// Has reports whether k is present (including explicit nulls).
func (m Metadata) Has(k Key) bool {
	_, ok := m.vals[k]
	return ok
}

// Set stores v under k, overwriting any previous value.
func (m *Metadata) Set(k Key, v Value) {
	if m.vals == nil {
		m.vals = make(map[Key]Value)
	}
	m.vals[k] = v.clone()
}

// SetString is shorthand for Set(k, Scalar(s)).
func (m *Metadata) SetString(k Key, s string) { m.Set(k, Scalar(s)) }

// SetNull marks k as explicitly null.
func (m *Metadata) SetNull(k Key) { m.Set(k, Null()) }

// SetIfAbsent stores v only if k is not yet present. It reports whether the
// value was stored.
func (m *Metadata) SetIfAbsent(k Key, v Value) bool {
	if m.Has(k) {
		return false
	}
	m.Set(k, v)
	return true
}

// Delete removes k.
func (m *Metadata) Delete(k Key) {
	delete(m.vals, k)
}

// Strip removes every given key.
func (m *Metadata) Strip(keys ...Key) {
	for _, k := range keys {
		delete(m.vals, k)
	}
}

// Len returns the number of present keys.
func (m Metadata) Len() int { return len(m.vals) }

// Keys returns the present keys in canonical order.
func (m Metadata) Keys() []Key {
	keys := make([]Key, 0, len(m.vals))
	for k := range m.vals {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Merge copies every key of src that is absent from m. Existing keys are
// never overwritten: the first writer wins. It returns the keys added.
func (m *Metadata) Merge(src Metadata) []Key {
	var added []Key
	for _, k := range src.Keys() {
		if m.SetIfAbsent(k, src.vals[k]) {
			added = append(added, k)
		}
	}
	return added
}

// Clone returns a deep copy.
func (m Metadata) Clone() Metadata {
	c := Metadata{vals: make(map[Key]Value, len(m.vals))}
	for k, v := range m.vals {
		c.vals[k] = v.clone()
	}
	return c
}

// String returns the first item stored under k.
func (m Metadata) String(k Key) string {
	return m.vals[k].First()
}

// Strings returns all items stored under k.
func (m Metadata) Strings(k Key) []string {
	return slices.Clone(m.vals[k].Items)
}

// Int64 parses the first item under k as an integer.
func (m Metadata) Int64(k Key) (int64, bool) {
	s := m.String(k)
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Bool parses the first item under k as a boolean.
func (m Metadata) Bool(k Key) (bool, bool) {
	s := m.String(k)
	if s == "" {
		return false, false
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, false
	}
	return b, true
}

// ToMap returns the bag keyed by field name, for encoding.
func (m Metadata) ToMap() map[string]Value {
	out := make(map[string]Value, len(m.vals))
	for k, v := range m.vals {
		out[k.String()] = v.clone()
	}
	return out
}

// MetadataFromMap rebuilds a bag from ToMap output. Unknown names are dropped.
func MetadataFromMap(in map[string]Value) Metadata {
	m := NewMetadata()
	for name, v := range in {
		if k, ok := ParseKey(name); ok {
			m.Set(k, v)
		}
	}
	return m
}
