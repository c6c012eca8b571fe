package cache

import (
	"testing"

	"gridharvest/internal/record"
)

func TestPutGetIsolated(t *testing.T) {
	c := New(nil)
	ds := record.NewDataset("ds1")
	ds.Metadata.SetString(record.KeyTitle, "original")
	c.Put(ds)

	// Mutating the caller's copy after Put must not leak into the cache.
	ds.Metadata.SetString(record.KeyTitle, "changed")

	got, ok := c.Get("ds1")
	if !ok {
		t.Fatal("ds1 not cached")
	}
	if title := got.Metadata.String(record.KeyTitle); title != "original" {
		t.Fatalf("title: got %q, want original", title)
	}

	// Nor may mutating a returned copy.
	got.Metadata.SetString(record.KeyTitle, "mutated")
	again, _ := c.Get("ds1")
	if title := again.Metadata.String(record.KeyTitle); title != "original" {
		t.Fatalf("title after mutating Get copy: got %q", title)
	}
}

func TestStatusAndKeys(t *testing.T) {
	c := New(nil)
	if got := c.Status("missing"); got != record.StatusEmpty {
		t.Errorf("missing status: got %v", got)
	}

	b := record.NewDataset("b")
	if err := b.Advance(record.StatusPartialHarvested); err != nil {
		t.Fatal(err)
	}
	c.Put(b)
	c.Put(record.NewDataset("a"))

	if got := c.Status("b"); got != record.StatusPartialHarvested {
		t.Errorf("status: got %v", got)
	}
	keys := c.Keys()
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("keys: got %v", keys)
	}
	if all := c.All(); len(all) != 2 || all[0].InstanceID != "a" {
		t.Errorf("All: got %d entries", len(all))
	}

	c.Delete("a")
	if c.Has("a") || c.Len() != 1 {
		t.Errorf("after Delete: has=%v len=%d", c.Has("a"), c.Len())
	}
}

func TestResetNotifiesSubscribers(t *testing.T) {
	c := New(nil)
	c.Put(record.NewDataset("ds1"))

	var events []Event
	cancel := c.Subscribe(func(ev Event) { events = append(events, ev) })

	c.Reset("ds1", "session-a")
	if c.Has("ds1") {
		t.Fatal("ds1 still cached after Reset")
	}
	if len(events) != 1 || events[0] != (Event{DatasetID: "ds1", Origin: "session-a"}) {
		t.Fatalf("events: got %+v", events)
	}

	cancel()
	c.Reset("ds1", "session-a")
	if len(events) != 1 {
		t.Fatalf("cancelled subscriber still notified: %+v", events)
	}
}
