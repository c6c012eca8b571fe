// Package manifest renders harvested datasets as Metalink 4 download
// manifests (RFC 5854).
//
// Each qualifying file lists its display name, its parent dataset id and
// normalized instance id, its size, its checksum, and one URL per download
// service (HTTPSERVER, OPENDAP, GRIDFTP). Files offering none of those
// services are logged and skipped.
package manifest

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"gridharvest/internal/logging"
	"gridharvest/internal/record"
	"gridharvest/internal/session"
)

// Namespace is the Metalink 4 XML namespace.
const Namespace = "urn:ietf:params:xml:ns:metalink"

// ErrNoFiles is returned when an export would produce an empty manifest.
var ErrNoFiles = errors.New("no downloadable files")

// DownloadServices are the services rendered as URLs, in priority order.
var DownloadServices = []record.Service{
	record.ServiceHTTPServer,
	record.ServiceOPeNDAP,
	record.ServiceGridFTP,
}

// Metalink is the document root.
type Metalink struct {
	XMLName   xml.Name  `xml:"urn:ietf:params:xml:ns:metalink metalink"`
	Generator string    `xml:"generator,omitempty"`
	Published time.Time `xml:"published"`
	Files     []File    `xml:"file"`
}

// File is one downloadable file.
type File struct {
	Name string `xml:"name,attr"`
	// Identity is the parent dataset instance id.
	Identity string `xml:"identity,omitempty"`
	// Description is the normalized file instance id.
	Description string `xml:"description,omitempty"`
	Size        int64  `xml:"size,omitempty"`
	Hashes      []Hash `xml:"hash,omitempty"`
	URLs        []URL  `xml:"url"`
}

// Hash is a checksum with its IANA hash name.
type Hash struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

// URL is one access location.
type URL struct {
	Priority int    `xml:"priority,attr,omitempty"`
	Location string `xml:",chardata"`
}

// hashNames maps grid checksum types to Metalink hash names.
var hashNames = map[string]string{
	"md5":     "md5",
	"sha1":    "sha-1",
	"sha-1":   "sha-1",
	"sha256":  "sha-256",
	"sha-256": "sha-256",
	"sha512":  "sha-512",
	"sha-512": "sha-512",
}

// HashName returns the Metalink name for a grid checksum type. Unknown
// types are lowercased.
func HashName(checksumType string) string {
	t := strings.ToLower(strings.TrimSpace(checksumType))
	if n, ok := hashNames[t]; ok {
		return n
	}
	return t
}

// OPeNDAPURL turns an OPENDAP browse URL into a data access URL: the
// trailing ".html" is removed and an "http://" scheme becomes "dods://".
func OPeNDAPURL(u string) string {
	u = strings.TrimSuffix(u, ".html")
	if rest, ok := strings.CutPrefix(u, "http://"); ok {
		return "dods://" + rest
	}
	return u
}

// Exporter builds manifests.
type Exporter struct {
	generator string
	now       func() time.Time
	logger    *slog.Logger
}

// NewExporter creates an exporter stamping manifests with generator.
func NewExporter(generator string, logger *slog.Logger) *Exporter {
	return &Exporter{
		generator: generator,
		now:       time.Now,
		logger:    logging.Default(logger).With("component", "manifest"),
	}
}

// ExportSession renders every file selected by a completed session. It fails
// with session.ErrNotComplete while the session is still incomplete.
func (e *Exporter) ExportSession(s *session.Session) (*Metalink, error) {
	if !s.IsCompleted() {
		p, t := s.Progress()
		return nil, fmt.Errorf("%w: session %s is %s (%d/%d)", session.ErrNotComplete, s.Name(), s.Status(), p, t)
	}

	ml := e.document()
	for _, info := range s.Datasets() {
		if info.Status != session.StatusCompleted {
			continue
		}
		ids, err := s.GetFilesToDownload(info.ID)
		if err != nil {
			return nil, err
		}
		ds, err := s.GetDataset(info.ID)
		if err != nil {
			return nil, err
		}
		ml.Files = append(ml.Files, e.files(ds, ids)...)
	}
	if len(ml.Files) == 0 {
		return nil, fmt.Errorf("%w in session %s", ErrNoFiles, s.Name())
	}
	return ml, nil
}

// ExportDataset renders the files of ds whose ids are in fileIDs, or every
// file when fileIDs is nil.
func (e *Exporter) ExportDataset(ds *record.Dataset, fileIDs []string) (*Metalink, error) {
	if fileIDs == nil {
		fileIDs = ds.FileIDs()
	}
	ml := e.document()
	ml.Files = e.files(ds, fileIDs)
	if len(ml.Files) == 0 {
		return nil, fmt.Errorf("%w in dataset %s", ErrNoFiles, ds.InstanceID)
	}
	return ml, nil
}

func (e *Exporter) document() *Metalink {
	return &Metalink{Generator: e.generator, Published: e.now().UTC()}
}

func (e *Exporter) files(ds *record.Dataset, ids []string) []File {
	var out []File
	for _, id := range ids {
		f, ok := ds.File(id)
		if !ok {
			e.logger.Warn("selected file not in dataset", "dataset", ds.InstanceID, "file", id)
			continue
		}
		mf, ok := e.file(f)
		if !ok {
			e.logger.Warn("file has no download service", "dataset", ds.InstanceID, "file", f.InstanceID)
			continue
		}
		out = append(out, mf)
	}
	return out
}

func (e *Exporter) file(f *record.DatasetFile) (File, bool) {
	mf := File{
		Name:        f.Name(),
		Identity:    f.DatasetID,
		Description: record.NormalizeFileID(f.InstanceID),
	}
	if size, ok := f.Size(); ok {
		mf.Size = size
	}
	if sum, typ := f.Checksum(); sum != "" && typ != "" {
		mf.Hashes = append(mf.Hashes, Hash{Type: HashName(typ), Value: strings.ToLower(sum)})
	}
	for i, svc := range DownloadServices {
		rep := PreferredReplica(f.ReplicasFor(svc))
		if rep == nil {
			continue
		}
		u, _ := rep.URL(svc)
		if svc == record.ServiceOPeNDAP {
			u = OPeNDAPURL(u)
		}
		mf.URLs = append(mf.URLs, URL{Priority: i + 1, Location: u})
	}
	return mf, len(mf.URLs) > 0
}

// PreferredReplica returns the first master replica, or the first replica
// when none is a master.
func PreferredReplica(reps []*record.Replica) *record.Replica {
	for _, r := range reps {
		if r.Master {
			return r
		}
	}
	if len(reps) > 0 {
		return reps[0]
	}
	return nil
}

// Write encodes ml as an indented XML document.
func Write(w io.Writer, ml *Metalink) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(ml); err != nil {
		return fmt.Errorf("encode metalink: %w", err)
	}
	if err := enc.Close(); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}
