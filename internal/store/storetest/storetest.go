// Package storetest provides a shared conformance suite for store.Store
// implementations. Each backend wires this suite to verify it satisfies the
// full Store contract.
package storetest

import (
	"context"
	"slices"
	"testing"
	"time"

	"gridharvest/internal/descriptor"
	"gridharvest/internal/harvest"
	"gridharvest/internal/record"
	"gridharvest/internal/session"
	"gridharvest/internal/store"
)

// Sample returns a snapshot exercising every persisted field.
func Sample() *store.Snapshot {
	d := descriptor.New("esgf-index1.example.org")
	d.SetConstraint("project", "CMIP5")
	d.SetConstraint("variable", "tas", "pr")
	d.SetFacets("project", "model")
	d.Query = "historical"
	d.Latest = descriptor.Bool(true)

	ds := record.NewDataset("cmip5.ds1.v1")
	ds.Metadata.SetString(record.KeyTitle, "Dataset one")
	ds.Metadata.Set(record.KeyVariable, record.List("tas", "pr"))
	ds.AddReplica(&record.Replica{
		ID:        "cmip5.ds1.v1|dn1.example.org",
		DataNode:  "dn1.example.org",
		IndexNode: "esgf-index1.example.org",
		Master:    true,
		Services: map[record.Service]string{
			record.ServiceHTTPServer: "http://dn1.example.org/thredds/fileServer/ds1",
		},
	})
	f := record.NewDatasetFile("cmip5.ds1.v1", record.NewMetadata())
	f.InstanceID = "cmip5.ds1.v1.tas_2000.nc"
	f.Metadata.SetString(record.KeySize, "1024")
	f.Metadata.SetString(record.KeyChecksum, "abc123")
	f.Metadata.SetString(record.KeyChecksumType, "SHA256")
	f.AppendReplica(&record.Replica{
		ID:       "cmip5.ds1.v1.tas_2000.nc|dn1.example.org",
		DataNode: "dn1.example.org",
		Master:   true,
		Services: map[record.Service]string{
			record.ServiceHTTPServer: "http://dn1.example.org/thredds/fileServer/ds1/tas_2000.nc",
			record.ServiceOPeNDAP:    "http://dn1.example.org/thredds/dodsC/ds1/tas_2000.nc.html",
		},
	})
	ds.AddFile(f)
	ds.Status = record.StatusPartialHarvested

	return &store.Snapshot{
		Saved:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Descriptor: d,
		Sessions: []session.State{
			{
				ID:          "0190a1b2-0000-7000-8000-000000000001",
				Name:        "tas-search",
				Created:     time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
				Descriptor:  d.Clone(),
				Status:      session.StatusCompleted,
				HarvestType: harvest.Partial,
				Datasets: []session.DatasetState{
					{ID: "cmip5.ds1.v1", Status: session.StatusCompleted, Type: harvest.Partial, Files: []string{"cmip5.ds1.v1.tas_2000.nc"}},
					{ID: "cmip5.ds2.v1", Status: session.StatusFailed, Error: "no replicas"},
				},
			},
			{
				ID:         "0190a1b2-0000-7000-8000-000000000002",
				Name:       "empty",
				Created:    time.Date(2026, 3, 1, 11, 30, 0, 0, time.UTC),
				Descriptor: descriptor.New("esgf-index2.example.org"),
				Status:     session.StatusCreated,
			},
		},
		Datasets: []*record.Dataset{ds},
	}
}

// TestStore runs the conformance suite. newStore must return a fresh, empty
// store for each sub-test.
func TestStore(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("LoadEmpty", func(t *testing.T) {
		s := newStore(t)
		snap, err := s.Load(context.Background())
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if snap != nil {
			t.Fatalf("expected nil snapshot from empty store, got %+v", snap)
		}
	})

	t.Run("SaveLoad", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		want := Sample()
		if err := s.Save(ctx, want); err != nil {
			t.Fatalf("Save: %v", err)
		}
		got, err := s.Load(ctx)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if got == nil {
			t.Fatal("expected snapshot, got nil")
		}
		AssertEqual(t, got, want)
	})

	t.Run("SaveReplaces", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if err := s.Save(ctx, Sample()); err != nil {
			t.Fatalf("first Save: %v", err)
		}
		next := Sample()
		next.Sessions = next.Sessions[1:]
		next.Datasets = nil
		if err := s.Save(ctx, next); err != nil {
			t.Fatalf("second Save: %v", err)
		}
		got, err := s.Load(ctx)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(got.Sessions) != 1 || got.Sessions[0].Name != "empty" {
			t.Errorf("sessions: got %+v", got.Sessions)
		}
		if len(got.Datasets) != 0 {
			t.Errorf("datasets: expected none, got %d", len(got.Datasets))
		}
	})

	t.Run("SaveDoesNotAlias", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		snap := Sample()
		if err := s.Save(ctx, snap); err != nil {
			t.Fatalf("Save: %v", err)
		}
		snap.Sessions[0].Name = "mutated"
		snap.Descriptor.SetConstraint("project", "CMIP6")
		got, err := s.Load(ctx)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if got.Sessions[0].Name != "tas-search" {
			t.Errorf("session name changed through caller: %q", got.Sessions[0].Name)
		}
		if !slices.Equal(got.Descriptor.Constraint("project"), []string{"CMIP5"}) {
			t.Errorf("descriptor changed through caller: %v", got.Descriptor.Constraint("project"))
		}
	})
}

// AssertEqual compares the persisted fields of two snapshots.
func AssertEqual(t *testing.T, got, want *store.Snapshot) {
	t.Helper()
	if !got.Saved.Equal(want.Saved) {
		t.Errorf("Saved: expected %v, got %v", want.Saved, got.Saved)
	}
	if (got.Descriptor == nil) != (want.Descriptor == nil) ||
		(want.Descriptor != nil && !got.Descriptor.Equal(want.Descriptor)) {
		t.Errorf("Descriptor: expected %v, got %v", want.Descriptor, got.Descriptor)
	}

	if len(got.Sessions) != len(want.Sessions) {
		t.Fatalf("Sessions: expected %d, got %d", len(want.Sessions), len(got.Sessions))
	}
	for i, w := range want.Sessions {
		g := got.Sessions[i]
		if g.ID != w.ID || g.Name != w.Name || g.Status != w.Status || g.HarvestType != w.HarvestType || g.Error != w.Error {
			t.Errorf("session %d: expected %+v, got %+v", i, w, g)
		}
		if !g.Created.Equal(w.Created) {
			t.Errorf("session %d Created: expected %v, got %v", i, w.Created, g.Created)
		}
		if !g.Descriptor.Equal(w.Descriptor) {
			t.Errorf("session %d descriptor: expected %v, got %v", i, w.Descriptor, g.Descriptor)
		}
		if len(g.Datasets) != len(w.Datasets) {
			t.Fatalf("session %d datasets: expected %d, got %d", i, len(w.Datasets), len(g.Datasets))
		}
		for j, wd := range w.Datasets {
			gd := g.Datasets[j]
			if gd.ID != wd.ID || gd.Status != wd.Status || gd.Type != wd.Type || gd.Error != wd.Error || !slices.Equal(gd.Files, wd.Files) {
				t.Errorf("session %d dataset %d: expected %+v, got %+v", i, j, wd, gd)
			}
		}
	}

	if len(got.Datasets) != len(want.Datasets) {
		t.Fatalf("Datasets: expected %d, got %d", len(want.Datasets), len(got.Datasets))
	}
	for i, w := range want.Datasets {
		g := got.Datasets[i]
		if g.InstanceID != w.InstanceID || g.Status != w.Status {
			t.Errorf("dataset %d: expected %s/%v, got %s/%v", i, w.InstanceID, w.Status, g.InstanceID, g.Status)
		}
		for _, k := range w.Metadata.Keys() {
			wv, _ := w.Metadata.Get(k)
			if gv, ok := g.Metadata.Get(k); !ok || !gv.Equal(wv) {
				t.Errorf("dataset %d metadata %s: expected %v, got %v", i, k, wv, gv)
			}
		}
		if len(g.Replicas) != len(w.Replicas) {
			t.Errorf("dataset %d replicas: expected %d, got %d", i, len(w.Replicas), len(g.Replicas))
		}
		if !slices.Equal(g.Services(), w.Services()) {
			t.Errorf("dataset %d services: expected %v, got %v", i, w.Services(), g.Services())
		}
		if !slices.Equal(g.FileIDs(), w.FileIDs()) {
			t.Fatalf("dataset %d files: expected %v, got %v", i, w.FileIDs(), g.FileIDs())
		}
		for _, wf := range w.Files {
			gf, ok := g.File(wf.InstanceID)
			if !ok {
				t.Fatalf("dataset %d: file %s missing", i, wf.InstanceID)
			}
			gs, gt := gf.Checksum()
			ws, wt := wf.Checksum()
			if gs != ws || gt != wt {
				t.Errorf("file %s checksum: expected %s/%s, got %s/%s", wf.InstanceID, ws, wt, gs, gt)
			}
			if !slices.Equal(gf.Services(), wf.Services()) {
				t.Errorf("file %s services: expected %v, got %v", wf.InstanceID, wf.Services(), gf.Services())
			}
			if gf.DatasetID != wf.DatasetID {
				t.Errorf("file %s parent: expected %s, got %s", wf.InstanceID, wf.DatasetID, gf.DatasetID)
			}
		}
	}
}
