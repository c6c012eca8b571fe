package record

import (
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
)

// ErrStatusRegression is returned when a harvest status would move backwards
// without an explicit reset.
var ErrStatusRegression = errors.New("harvest status cannot regress")

// corruptedFileID matches file instance ids with a numeric suffix appended
// after the real extension, e.g. "tas_2000.nc_1".
var corruptedFileID = regexp.MustCompile(`^(.*\.nc)_[0-9]+$`)

// NormalizeFileID returns the canonical form of a file instance id. It is
// idempotent and leaves canonical ids untouched.
func NormalizeFileID(id string) string {
	if m := corruptedFileID.FindStringSubmatch(id); m != nil {
		return m[1]
	}
	return id
}

// HarvestStatus describes how much of a dataset has been harvested.
type HarvestStatus int

const (
	StatusEmpty HarvestStatus = iota
	StatusPartialHarvested
	StatusHarvested
)

func (s HarvestStatus) String() string {
	switch s {
	case StatusEmpty:
		return "EMPTY"
	case StatusPartialHarvested:
		return "PARTIAL_HARVESTED"
	case StatusHarvested:
		return "HARVESTED"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Replica is one node-specific copy of a record.
type Replica struct {
	ID        string             `json:"id" msgpack:"id"`
	DataNode  string             `json:"dataNode,omitempty" msgpack:"dn,omitempty"`
	IndexNode string             `json:"indexNode,omitempty" msgpack:"in,omitempty"`
	Master    bool               `json:"master,omitempty" msgpack:"m,omitempty"`
	Services  map[Service]string `json:"services,omitempty" msgpack:"s,omitempty"`
}

// NewReplicaFromMetadata builds a replica from a raw grid record.
func NewReplicaFromMetadata(m Metadata) *Replica {
	r := &Replica{
		ID:        m.String(KeyID),
		DataNode:  m.String(KeyDataNode),
		IndexNode: m.String(KeyIndexNode),
		Services:  ServicesFromMetadata(m),
	}
	if isReplica, ok := m.Bool(KeyReplica); ok {
		r.Master = !isReplica
	}
	return r
}

// URL returns the access url for svc on this replica.
func (r *Replica) URL(svc Service) (string, bool) {
	u, ok := r.Services[svc]
	return u, ok
}

// Clone returns a deep copy.
func (r *Replica) Clone() *Replica {
	c := *r
	c.Services = maps.Clone(r.Services)
	return &c
}

// Record is the common part of datasets and files.
type Record struct {
	InstanceID string     `json:"instanceId" msgpack:"iid"`
	Metadata   Metadata   `json:"metadata" msgpack:"md"`
	Replicas   []*Replica `json:"replicas,omitempty" msgpack:"rep,omitempty"`

	// byService is the derived Service → replica ids index, rebuilt from
	// Replicas when absent.
	byService map[Service][]string
}

// Replica returns the replica with the given node-specific id.
func (r *Record) Replica(id string) (*Replica, bool) {
	for _, rep := range r.Replicas {
		if rep.ID == id {
			return rep, true
		}
	}
	return nil, false
}

// HasReplica reports whether a replica with id is attached.
func (r *Record) HasReplica(id string) bool {
	_, ok := r.Replica(id)
	return ok
}

// AddReplica attaches rep and extends the service index. It returns false if
// a replica with the same id is already attached.
func (r *Record) AddReplica(rep *Replica) bool {
	if r.HasReplica(rep.ID) {
		return false
	}
	r.ensureIndex()
	r.Replicas = append(r.Replicas, rep)
	r.indexReplica(rep)
	return true
}

// AppendReplica attaches rep unconditionally. Files accumulate one replica
// per (file, dataset replica) pair.
func (r *Record) AppendReplica(rep *Replica) {
	r.ensureIndex()
	r.Replicas = append(r.Replicas, rep)
	r.indexReplica(rep)
}

func (r *Record) indexReplica(rep *Replica) {
	for _, svc := range AllServices() {
		if _, ok := rep.Services[svc]; !ok {
			continue
		}
		if !slices.Contains(r.byService[svc], rep.ID) {
			r.byService[svc] = append(r.byService[svc], rep.ID)
		}
	}
}

func (r *Record) ensureIndex() {
	if r.byService != nil {
		return
	}
	r.byService = make(map[Service][]string)
	for _, rep := range r.Replicas {
		r.indexReplica(rep)
	}
}

// ReplicasFor returns the replicas offering svc, in discovery order.
func (r *Record) ReplicasFor(svc Service) []*Replica {
	r.ensureIndex()
	var out []*Replica
	for _, id := range r.byService[svc] {
		for _, rep := range r.Replicas {
			if rep.ID == id {
				out = append(out, rep)
			}
		}
	}
	return out
}

// Services returns every service offered by at least one replica.
func (r *Record) Services() []Service {
	r.ensureIndex()
	var out []Service
	for _, svc := range AllServices() {
		if len(r.byService[svc]) > 0 {
			out = append(out, svc)
		}
	}
	return out
}

// MergeMetadata copies absent keys from m (first writer wins).
func (r *Record) MergeMetadata(m Metadata) []Key {
	return r.Metadata.Merge(m)
}

func (r Record) clone() Record {
	c := Record{
		InstanceID: r.InstanceID,
		Metadata:   r.Metadata.Clone(),
		Replicas:   make([]*Replica, len(r.Replicas)),
	}
	for i, rep := range r.Replicas {
		c.Replicas[i] = rep.Clone()
	}
	return c
}

// DatasetFile is one output variable's data slice within a dataset.
type DatasetFile struct {
	Record    `msgpack:",inline"`
	DatasetID string `json:"datasetId" msgpack:"did"`
}

// NewDatasetFile creates a file seeded with the metadata of a raw record.
func NewDatasetFile(datasetID string, m Metadata) *DatasetFile {
	return &DatasetFile{
		Record: Record{
			InstanceID: NormalizeFileID(m.String(KeyInstanceID)),
			Metadata:   m.Clone(),
		},
		DatasetID: datasetID,
	}
}

// Name returns a display name for the file.
func (f *DatasetFile) Name() string {
	if t := f.Metadata.String(KeyTitle); t != "" {
		return t
	}
	return f.InstanceID
}

// Size returns the file size in bytes, if known.
func (f *DatasetFile) Size() (int64, bool) {
	return f.Metadata.Int64(KeySize)
}

// Checksum returns the checksum and its type, if known.
func (f *DatasetFile) Checksum() (sum, typ string) {
	return f.Metadata.String(KeyChecksum), f.Metadata.String(KeyChecksumType)
}

// Clone returns a deep copy.
func (f *DatasetFile) Clone() *DatasetFile {
	return &DatasetFile{Record: f.Record.clone(), DatasetID: f.DatasetID}
}

// Dataset is a logical dataset with its replicas and files.
type Dataset struct {
	Record `msgpack:",inline"`
	Status HarvestStatus  `json:"status" msgpack:"st"`
	Files  []*DatasetFile `json:"files,omitempty" msgpack:"f,omitempty"`

	fileIndex map[string]int
}

// NewDataset creates an EMPTY dataset.
func NewDataset(instanceID string) *Dataset {
	return &Dataset{
		Record: Record{InstanceID: instanceID, Metadata: NewMetadata()},
		Status: StatusEmpty,
	}
}

func (d *Dataset) ensureFileIndex() {
	if d.fileIndex != nil && len(d.fileIndex) == len(d.Files) {
		return
	}
	d.fileIndex = make(map[string]int, len(d.Files))
	for i, f := range d.Files {
		d.fileIndex[NormalizeFileID(f.InstanceID)] = i
	}
}

// File looks up a file by instance id; the id is normalized first.
func (d *Dataset) File(id string) (*DatasetFile, bool) {
	d.ensureFileIndex()
	i, ok := d.fileIndex[NormalizeFileID(id)]
	if !ok {
		return nil, false
	}
	return d.Files[i], true
}

// AddFile attaches f, keyed by its normalized instance id. It returns false
// if a file with the same id already exists.
func (d *Dataset) AddFile(f *DatasetFile) bool {
	f.InstanceID = NormalizeFileID(f.InstanceID)
	d.ensureFileIndex()
	if _, ok := d.fileIndex[f.InstanceID]; ok {
		return false
	}
	d.fileIndex[f.InstanceID] = len(d.Files)
	d.Files = append(d.Files, f)
	return true
}

// FileIDs returns the normalized ids of all files.
func (d *Dataset) FileIDs() []string {
	ids := make([]string, len(d.Files))
	for i, f := range d.Files {
		ids[i] = f.InstanceID
	}
	return ids
}

// Advance moves the harvest status forward. Moving backwards fails with
// ErrStatusRegression; use Reset instead.
func (d *Dataset) Advance(s HarvestStatus) error {
	if s < d.Status {
		return fmt.Errorf("%w: %s -> %s", ErrStatusRegression, d.Status, s)
	}
	d.Status = s
	return nil
}

// Reset drops everything harvested and returns the dataset to EMPTY.
func (d *Dataset) Reset() {
	d.Metadata = NewMetadata()
	d.Replicas = nil
	d.byService = nil
	d.Files = nil
	d.fileIndex = nil
	d.Status = StatusEmpty
}

// StripReplicaOnly removes per-replica keys from the dataset and every file.
func (d *Dataset) StripReplicaOnly() {
	d.Metadata.Strip(ReplicaOnlyKeys...)
	for _, f := range d.Files {
		f.Metadata.Strip(ReplicaOnlyKeys...)
	}
}

// Clone returns a deep copy.
func (d *Dataset) Clone() *Dataset {
	c := &Dataset{
		Record: d.Record.clone(),
		Status: d.Status,
		Files:  make([]*DatasetFile, len(d.Files)),
	}
	for i, f := range d.Files {
		c.Files[i] = f.Clone()
	}
	return c
}
