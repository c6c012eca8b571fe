package manifest

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"gridharvest/internal/cache"
	"gridharvest/internal/descriptor"
	"gridharvest/internal/lockreg"
	"gridharvest/internal/logging"
	"gridharvest/internal/record"
	"gridharvest/internal/scheduler"
	"gridharvest/internal/session"
	"gridharvest/internal/transport/memory"
)

func TestOPeNDAPURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"http://dn1.example.org/thredds/dodsC/ds/tas.nc.html", "dods://dn1.example.org/thredds/dodsC/ds/tas.nc"},
		{"http://dn1.example.org/thredds/dodsC/ds/tas.nc", "dods://dn1.example.org/thredds/dodsC/ds/tas.nc"},
		{"https://dn1.example.org/thredds/dodsC/ds/tas.nc.html", "https://dn1.example.org/thredds/dodsC/ds/tas.nc"},
		{"dods://dn1.example.org/ds/tas.nc", "dods://dn1.example.org/ds/tas.nc"},
	}
	for _, tt := range tests {
		if got := OPeNDAPURL(tt.in); got != tt.want {
			t.Errorf("OPeNDAPURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHashName(t *testing.T) {
	for in, want := range map[string]string{
		"SHA256": "sha-256",
		"MD5":    "md5",
		"sha1":   "sha-1",
		"ADLER":  "adler",
	} {
		if got := HashName(in); got != want {
			t.Errorf("HashName(%q) = %q, want %q", in, got, want)
		}
	}
}

func testDataset() *record.Dataset {
	ds := record.NewDataset("cmip5.ds1.v1")
	ds.Status = record.StatusHarvested

	full := record.NewDatasetFile(ds.InstanceID, record.NewMetadata())
	full.InstanceID = "cmip5.ds1.v1.tas_2000.nc_2"
	full.Metadata.SetString(record.KeyTitle, "tas_2000.nc")
	full.Metadata.SetString(record.KeySize, "2048")
	full.Metadata.SetString(record.KeyChecksum, "ABCDEF")
	full.Metadata.SetString(record.KeyChecksumType, "SHA256")
	full.AppendReplica(&record.Replica{
		ID: "r2", DataNode: "dn2.example.org",
		Services: map[record.Service]string{
			record.ServiceHTTPServer: "http://dn2.example.org/fileServer/tas_2000.nc",
			record.ServiceGridFTP:    "gsiftp://dn2.example.org:2811//tas_2000.nc",
		},
	})
	full.AppendReplica(&record.Replica{
		ID: "r1", DataNode: "dn1.example.org", Master: true,
		Services: map[record.Service]string{
			record.ServiceHTTPServer: "http://dn1.example.org/fileServer/tas_2000.nc",
			record.ServiceOPeNDAP:    "http://dn1.example.org/dodsC/tas_2000.nc.html",
		},
	})
	ds.AddFile(full)

	las := record.NewDatasetFile(ds.InstanceID, record.NewMetadata())
	las.InstanceID = "cmip5.ds1.v1.tas_2001.nc"
	las.AppendReplica(&record.Replica{
		ID: "r1", DataNode: "dn1.example.org", Master: true,
		Services: map[record.Service]string{
			record.ServiceLAS: "http://dn1.example.org/las/getUI.do",
		},
	})
	ds.AddFile(las)
	return ds
}

func TestExportDataset(t *testing.T) {
	e := NewExporter("gridharvest", logging.Discard())
	e.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	ml, err := e.ExportDataset(testDataset(), nil)
	if err != nil {
		t.Fatalf("ExportDataset: %v", err)
	}
	if len(ml.Files) != 1 {
		t.Fatalf("files: got %d, want 1 (LAS-only file skipped)", len(ml.Files))
	}
	f := ml.Files[0]
	if f.Name != "tas_2000.nc" || f.Identity != "cmip5.ds1.v1" || f.Description != "cmip5.ds1.v1.tas_2000.nc" {
		t.Errorf("identity fields: %+v", f)
	}
	if f.Size != 2048 {
		t.Errorf("size: %d", f.Size)
	}
	if !slices.Equal(f.Hashes, []Hash{{Type: "sha-256", Value: "abcdef"}}) {
		t.Errorf("hashes: %+v", f.Hashes)
	}
	want := []URL{
		{Priority: 1, Location: "http://dn1.example.org/fileServer/tas_2000.nc"},
		{Priority: 2, Location: "dods://dn1.example.org/dodsC/tas_2000.nc"},
		{Priority: 3, Location: "gsiftp://dn2.example.org:2811//tas_2000.nc"},
	}
	if !slices.Equal(f.URLs, want) {
		t.Errorf("urls:\n got %+v\nwant %+v", f.URLs, want)
	}

	if _, err := e.ExportDataset(testDataset(), []string{"cmip5.ds1.v1.tas_2001.nc"}); !errors.Is(err, ErrNoFiles) {
		t.Errorf("LAS-only selection: got %v, want ErrNoFiles", err)
	}
}

func TestWrite(t *testing.T) {
	e := NewExporter("gridharvest", logging.Discard())
	ml, err := e.ExportDataset(testDataset(), []string{"cmip5.ds1.v1.tas_2000.nc"})
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := Write(&buf, ml); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out := buf.String()
	for _, s := range []string{
		`<?xml version="1.0" encoding="UTF-8"?>`,
		`<metalink xmlns="urn:ietf:params:xml:ns:metalink">`,
		`<file name="tas_2000.nc">`,
		`<hash type="sha-256">abcdef</hash>`,
		`<url priority="2">dods://dn1.example.org/dodsC/tas_2000.nc</url>`,
	} {
		if !strings.Contains(out, s) {
			t.Errorf("output missing %q:\n%s", s, out)
		}
	}

	var back Metalink
	if err := xml.Unmarshal(buf.Bytes(), &back); err != nil {
		t.Fatalf("output does not parse: %v", err)
	}
	if len(back.Files) != 1 || len(back.Files[0].URLs) != 3 {
		t.Errorf("parsed back: %+v", back)
	}
}

func newSession(t *testing.T, g *memory.Grid) *session.Session {
	t.Helper()
	pool := scheduler.NewPool(7, logging.Discard())
	t.Cleanup(pool.Close)
	d := descriptor.New("idx1.example.org")
	d.SetConstraint("project", "CMIP5")
	s := session.New(session.Config{
		Name:         "export",
		Descriptor:   d,
		Client:       g,
		Cache:        cache.New(logging.Discard()),
		Locks:        lockreg.New(),
		Pool:         pool,
		PollInterval: 5 * time.Millisecond,
		Logger:       logging.Discard(),
	})
	t.Cleanup(s.Terminate)
	return s
}

func TestExportSessionNotComplete(t *testing.T) {
	s := newSession(t, memory.New())
	_, err := NewExporter("gridharvest", logging.Discard()).ExportSession(s)
	if !errors.Is(err, session.ErrNotComplete) {
		t.Fatalf("got %v, want ErrNotComplete", err)
	}
}

func TestExportSessionOPeNDAPOnly(t *testing.T) {
	g := memory.New()
	g.PublishDataset(memory.DatasetSpec{
		InstanceID: "cmip5.dap.v1",
		Title:      "OPeNDAP only",
		Project:    "CMIP5",
		Replicas: []memory.ReplicaSpec{{
			DataNode:     "dn1.example.org",
			IndexNode:    "idx1.example.org",
			Master:       true,
			FileServices: []record.Service{record.ServiceOPeNDAP},
			FileIDSuffix: "_1",
		}},
		Files: []memory.FileSpec{{Name: "tas_2000.nc", Size: 5}},
	})
	g.PublishDataset(memory.DatasetSpec{
		InstanceID: "cmip5.las.v1",
		Title:      "LAS only",
		Project:    "CMIP5",
		Replicas: []memory.ReplicaSpec{{
			DataNode:     "dn1.example.org",
			IndexNode:    "idx1.example.org",
			Master:       true,
			FileServices: []record.Service{record.ServiceLAS},
		}},
		Files: []memory.FileSpec{{Name: "pr_2000.nc", Size: 5}},
	})

	s := newSession(t, g)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.StartPartialHarvesting(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Wait(ctx); err != nil || !s.IsCompleted() {
		t.Fatalf("harvest: %v %v", s.Status(), err)
	}

	ml, err := NewExporter("gridharvest", logging.Discard()).ExportSession(s)
	if err != nil {
		t.Fatalf("ExportSession: %v", err)
	}
	if len(ml.Files) != 1 {
		t.Fatalf("files: got %d, want 1", len(ml.Files))
	}
	f := ml.Files[0]
	if f.Description != "cmip5.dap.v1.tas_2000.nc" {
		t.Errorf("file id not normalized: %q", f.Description)
	}
	want := []URL{{Priority: 2, Location: "dods://dn1.example.org/thredds/dodsC/cmip5.dap.v1/tas_2000.nc"}}
	if !slices.Equal(f.URLs, want) {
		t.Errorf("urls: got %+v, want %+v", f.URLs, want)
	}
}
