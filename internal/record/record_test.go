package record

import (
	"encoding/json"
	"errors"
	"slices"
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

func TestNormalizeFileID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"foo_2000.nc_1", "foo_2000.nc"},
		{"cmip5.output1.tas_Amon_200001-200512.nc_12", "cmip5.output1.tas_Amon_200001-200512.nc"},
		{"foo_2000.nc", "foo_2000.nc"},
		{"foo.nc_x", "foo.nc_x"},
		{"foo.txt_1", "foo.txt_1"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := NormalizeFileID(tt.in)
			if got != tt.want {
				t.Errorf("NormalizeFileID(%q) = %q, want %q", tt.in, got, tt.want)
			}
			if again := NormalizeFileID(got); again != got {
				t.Errorf("not idempotent: %q -> %q", got, again)
			}
		})
	}
}

func TestMetadataMergeFirstWriterWins(t *testing.T) {
	m := NewMetadata()
	m.SetString(KeyTitle, "first")
	m.SetNull(KeyDescription)

	src := NewMetadata()
	src.SetString(KeyTitle, "second")
	src.SetString(KeyDescription, "ignored")
	src.SetString(KeyVersion, "20120101")

	added := m.Merge(src)
	if !slices.Equal(added, []Key{KeyVersion}) {
		t.Fatalf("added = %v, want [version]", added)
	}
	if got := m.String(KeyTitle); got != "first" {
		t.Errorf("title = %q, want first", got)
	}
	v, ok := m.Get(KeyDescription)
	if !ok || !v.Null {
		t.Errorf("explicit null description was overwritten: %+v", v)
	}
}

func TestMetadataKeysOrdered(t *testing.T) {
	m := NewMetadata()
	m.SetString(KeySize, "1")
	m.SetString(KeyID, "a")
	m.SetString(KeyTitle, "t")
	want := []Key{KeyID, KeyTitle, KeySize}
	if got := m.Keys(); !slices.Equal(got, want) {
		t.Fatalf("Keys() = %v, want %v", got, want)
	}
}

func TestParseKeyAliases(t *testing.T) {
	for name, want := range map[string]Key{
		"experiment_id": KeyExperiment,
		"EXPERIMENT":    KeyExperiment,
		"source_id":     KeyModel,
		"instance_id":   KeyInstanceID,
	} {
		got, ok := ParseKey(name)
		if !ok || got != want {
			t.Errorf("ParseKey(%q) = %v, %v; want %v", name, got, ok, want)
		}
	}
	if _, ok := ParseKey("nope"); ok {
		t.Error("ParseKey accepted unknown name")
	}
}

func TestParseURLField(t *testing.T) {
	tests := []struct {
		field string
		url   string
		svc   Service
		ok    bool
	}{
		{"http://dn/f.nc|application/netcdf|HTTPServer", "http://dn/f.nc", ServiceHTTPServer, true},
		{"http://dn/f.nc.html|application/opendap-html|OPENDAP", "http://dn/f.nc.html", ServiceOPeNDAP, true},
		{"gsiftp://dn:2811/f.nc|application/gridftp|GridFTP", "gsiftp://dn:2811/f.nc", ServiceGridFTP, true},
		{"http://dn/cat.xml|application/xml+thredds|THREDDS", "http://dn/cat.xml", ServiceCatalog, true},
		{"http://dn/x|application/x|Unknown", "", 0, false},
		{"no-separator", "", 0, false},
	}
	for _, tt := range tests {
		url, svc, ok := ParseURLField(tt.field)
		if ok != tt.ok || url != tt.url || (ok && svc != tt.svc) {
			t.Errorf("ParseURLField(%q) = %q, %v, %v", tt.field, url, svc, ok)
		}
	}
}

func TestReplicaServiceIndex(t *testing.T) {
	d := NewDataset("ds.v1")

	a := NewMetadata()
	a.SetString(KeyID, "ds.v1|node-a")
	a.SetString(KeyReplica, "false")
	a.Set(KeyURL, List("http://a/cat.xml|application/xml+thredds|THREDDS"))
	b := NewMetadata()
	b.SetString(KeyID, "ds.v1|node-b")
	b.SetString(KeyReplica, "true")
	b.Set(KeyURL, List(
		"http://b/cat.xml|application/xml+thredds|THREDDS",
		"http://b/las|application/las|LAS",
	))

	if !d.AddReplica(NewReplicaFromMetadata(a)) || !d.AddReplica(NewReplicaFromMetadata(b)) {
		t.Fatal("AddReplica rejected new replica")
	}
	if d.AddReplica(NewReplicaFromMetadata(a)) {
		t.Fatal("AddReplica accepted duplicate replica")
	}

	if got := len(d.ReplicasFor(ServiceCatalog)); got != 2 {
		t.Errorf("catalog replicas = %d, want 2", got)
	}
	las := d.ReplicasFor(ServiceLAS)
	if len(las) != 1 || las[0].ID != "ds.v1|node-b" {
		t.Errorf("las replicas = %+v", las)
	}
	rep, _ := d.Replica("ds.v1|node-a")
	if !rep.Master {
		t.Error("replica=false should be master")
	}
}

func TestDatasetFileLookupNormalizes(t *testing.T) {
	d := NewDataset("ds.v1")
	m := NewMetadata()
	m.SetString(KeyInstanceID, "ds.v1.tas.nc_3")
	f := NewDatasetFile(d.InstanceID, m)
	if !d.AddFile(f) {
		t.Fatal("AddFile failed")
	}
	if _, ok := d.File("ds.v1.tas.nc"); !ok {
		t.Error("lookup by canonical id failed")
	}
	if _, ok := d.File("ds.v1.tas.nc_7"); !ok {
		t.Error("lookup by corrupted id failed")
	}
	if d.AddFile(NewDatasetFile(d.InstanceID, m)) {
		t.Error("duplicate file accepted")
	}
}

func TestDatasetAdvance(t *testing.T) {
	d := NewDataset("ds")
	if err := d.Advance(StatusHarvested); err != nil {
		t.Fatal(err)
	}
	if err := d.Advance(StatusPartialHarvested); !errors.Is(err, ErrStatusRegression) {
		t.Fatalf("err = %v, want ErrStatusRegression", err)
	}
	d.Reset()
	if d.Status != StatusEmpty {
		t.Fatalf("status after reset = %v", d.Status)
	}
}

func TestStripReplicaOnly(t *testing.T) {
	d := NewDataset("ds")
	d.Metadata.SetString(KeyDataNode, "dn")
	d.Metadata.SetString(KeyTitle, "title")
	f := NewDatasetFile("ds", NewMetadata())
	f.InstanceID = "ds.f.nc"
	f.Metadata.SetString(KeyURL, "u")
	f.Metadata.SetString(KeySize, "10")
	d.AddFile(f)

	d.StripReplicaOnly()

	if d.Metadata.Has(KeyDataNode) || !d.Metadata.Has(KeyTitle) {
		t.Errorf("dataset keys = %v", d.Metadata.Keys())
	}
	if f.Metadata.Has(KeyURL) || !f.Metadata.Has(KeySize) {
		t.Errorf("file keys = %v", f.Metadata.Keys())
	}
}

func sampleDataset() *Dataset {
	d := NewDataset("ds.v1")
	d.Metadata.SetString(KeyTitle, "Sample")
	d.Metadata.Set(KeyChecksum, List("a", "b"))
	d.Metadata.SetNull(KeyDescription)
	d.AddReplica(&Replica{ID: "ds.v1|a", DataNode: "a", Master: true, Services: map[Service]string{ServiceHTTPServer: "http://a/x"}})
	f := NewDatasetFile("ds.v1", NewMetadata())
	f.InstanceID = "ds.v1.f.nc"
	f.Metadata.SetString(KeySize, "42")
	f.AppendReplica(&Replica{ID: "ds.v1.f.nc|a", Services: map[Service]string{ServiceOPeNDAP: "http://a/f.nc.html"}})
	d.AddFile(f)
	_ = d.Advance(StatusHarvested)
	return d
}

func assertSameDataset(t *testing.T, got, want *Dataset) {
	t.Helper()
	if got.InstanceID != want.InstanceID || got.Status != want.Status {
		t.Fatalf("identity/status mismatch: %s/%s vs %s/%s", got.InstanceID, got.Status, want.InstanceID, want.Status)
	}
	if !slices.Equal(got.Metadata.Keys(), want.Metadata.Keys()) {
		t.Fatalf("keys = %v, want %v", got.Metadata.Keys(), want.Metadata.Keys())
	}
	for _, k := range want.Metadata.Keys() {
		a, _ := got.Metadata.Get(k)
		b, _ := want.Metadata.Get(k)
		if !a.Equal(b) {
			t.Errorf("%s = %+v, want %+v", k, a, b)
		}
	}
	f, ok := got.File("ds.v1.f.nc")
	if !ok {
		t.Fatal("file missing after round trip")
	}
	if n, _ := f.Size(); n != 42 {
		t.Errorf("size = %d", n)
	}
	if reps := f.ReplicasFor(ServiceOPeNDAP); len(reps) != 1 {
		t.Errorf("file opendap replicas = %d", len(reps))
	}
	if reps := got.ReplicasFor(ServiceHTTPServer); len(reps) != 1 || !reps[0].Master {
		t.Errorf("dataset http replicas = %+v", reps)
	}
}

func TestDatasetEncodingRoundTrip(t *testing.T) {
	want := sampleDataset()

	t.Run("msgpack", func(t *testing.T) {
		b, err := msgpack.Marshal(want)
		if err != nil {
			t.Fatal(err)
		}
		var got Dataset
		if err := msgpack.Unmarshal(b, &got); err != nil {
			t.Fatal(err)
		}
		assertSameDataset(t, &got, want)
	})

	t.Run("json", func(t *testing.T) {
		b, err := json.Marshal(want)
		if err != nil {
			t.Fatal(err)
		}
		var got Dataset
		if err := json.Unmarshal(b, &got); err != nil {
			t.Fatal(err)
		}
		assertSameDataset(t, &got, want)
	})
}

func TestCloneIsDeep(t *testing.T) {
	d := sampleDataset()
	c := d.Clone()
	c.Metadata.SetString(KeyTitle, "changed")
	c.Files[0].Metadata.SetString(KeySize, "1")
	c.Replicas[0].Services[ServiceGridFTP] = "gsiftp://x"

	if d.Metadata.String(KeyTitle) != "Sample" {
		t.Error("clone shares dataset metadata")
	}
	if n, _ := d.Files[0].Size(); n != 42 {
		t.Error("clone shares file metadata")
	}
	if _, ok := d.Replicas[0].Services[ServiceGridFTP]; ok {
		t.Error("clone shares replica services")
	}
}
