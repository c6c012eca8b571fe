package home

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNew(t *testing.T) {
	d := New("/tmp/gridharvest-test")
	if d.Root() != "/tmp/gridharvest-test" {
		t.Errorf("expected root /tmp/gridharvest-test, got %s", d.Root())
	}
}

func TestDefault(t *testing.T) {
	d, err := Default()
	if err != nil {
		t.Skipf("no user config dir: %v", err)
	}
	if filepath.Base(d.Root()) != "gridharvest" {
		t.Errorf("expected root to end with 'gridharvest', got %s", d.Root())
	}
}

func TestPaths(t *testing.T) {
	d := New("/data")
	tests := []struct {
		got, want string
	}{
		{d.ConfigPath(), "/data/config.json"},
		{d.StatePath("file"), "/data/state.msgpack.zst"},
		{d.StatePath("sqlite"), "/data/state.db"},
		{d.StatePath("memory"), ""},
		{d.ManifestDir(), "/data/manifests"},
		{d.DownloadDir(), "/data/downloads"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestEnsureExists(t *testing.T) {
	root := filepath.Join(t.TempDir(), "a", "b")
	d := New(root)
	if err := d.EnsureExists(); err != nil {
		t.Fatalf("EnsureExists: %v", err)
	}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		t.Fatalf("home not created: %v", err)
	}
}

func TestInstanceIDIsStable(t *testing.T) {
	d := New(t.TempDir())
	first, err := d.InstanceID()
	if err != nil {
		t.Fatalf("InstanceID: %v", err)
	}
	if first == "" {
		t.Fatal("empty instance id")
	}
	second, err := d.InstanceID()
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("instance id changed: %s then %s", first, second)
	}
}
