package manager

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"gridharvest/internal/cache"
	"gridharvest/internal/descriptor"
	"gridharvest/internal/lockreg"
	"gridharvest/internal/logging"
	"gridharvest/internal/record"
	"gridharvest/internal/scheduler"
	"gridharvest/internal/session"
	"gridharvest/internal/transport"
	"gridharvest/internal/transport/memory"
)

const indexNode = "idx1.example.org"

func publish(g *memory.Grid, ids ...string) {
	for _, id := range ids {
		g.PublishDataset(memory.DatasetSpec{
			InstanceID: id,
			Title:      "Dataset " + id,
			Project:    "CMIP5",
			Variable:   "tas",
			Replicas: []memory.ReplicaSpec{
				{DataNode: "dn1.example.org", IndexNode: indexNode, Master: true,
					FileServices: []record.Service{record.ServiceHTTPServer}},
				{DataNode: "dn2.example.org", IndexNode: "idx2.example.org",
					FileServices: []record.Service{record.ServiceGridFTP}},
			},
			Files: []memory.FileSpec{{Name: "tas_2000.nc", Size: 10}},
		})
	}
}

func newManager(t *testing.T, g *memory.Grid, c *cache.Cache, cron *scheduler.Cron) *Manager {
	t.Helper()
	pool := scheduler.NewPool(7, logging.Discard())
	t.Cleanup(pool.Close)
	m := New(Config{
		IndexNode:    indexNode,
		Facets:       []string{"project", "variable"},
		Client:       g,
		Cache:        c,
		Locks:        lockreg.New(),
		Pool:         pool,
		Cron:         cron,
		PollInterval: 5 * time.Millisecond,
		Logger:       logging.Discard(),
	})
	t.Cleanup(m.Close)
	return m
}

func harvest(t *testing.T, s *session.Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.StartPartialHarvesting(ctx); err != nil {
		t.Fatalf("StartPartialHarvesting: %v", err)
	}
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestAutoUpdate(t *testing.T) {
	g := memory.New()
	publish(g, "ds1", "ds2", "ds3")
	m := newManager(t, g, cache.New(logging.Discard()), nil)
	ctx := context.Background()

	if err := m.SetConstraint(ctx, "project", "CMIP5"); err != nil {
		t.Fatalf("SetConstraint without auto-update: %v", err)
	}
	if g.CountCalls("count", descriptor.TypeDataset) != 0 {
		t.Fatal("update issued while auto-update is off")
	}

	m.SetAutoUpdate(true)
	if err := m.SetReplica(ctx, descriptor.Bool(false)); err != nil {
		t.Fatalf("SetReplica: %v", err)
	}
	sum := m.Summary()
	if sum.Matches != 3 {
		t.Errorf("matches: got %d, want 3", sum.Matches)
	}
	want := []descriptor.FacetValue{{Value: "CMIP5", Count: 3}}
	if got := sum.Facets["project"]; !slices.Equal(got, want) {
		t.Errorf("project facet: got %v, want %v", got, want)
	}

	if err := m.SetConstraint(ctx, "project", "CMIP6"); err != nil {
		t.Fatalf("SetConstraint: %v", err)
	}
	if got := m.Summary().Matches; got != 0 {
		t.Errorf("matches after narrowing: got %d, want 0", got)
	}
}

func TestAutoUpdateSurfacesTransportErrors(t *testing.T) {
	g := memory.New()
	g.AddHook(func(ctx context.Context, op string, d *descriptor.Descriptor) error {
		if op == "count" {
			return &transport.HTTPStatusError{Code: 503, URL: "http://" + indexNode}
		}
		return nil
	})
	m := newManager(t, g, cache.New(logging.Discard()), nil)
	m.SetAutoUpdate(true)

	err := m.SetQuery(context.Background(), "historical")
	if !errors.Is(err, transport.ErrHTTPStatus) {
		t.Fatalf("got %v, want ErrHTTPStatus", err)
	}
	if got := m.Descriptor().Query; got != "historical" {
		t.Errorf("query not kept after failed update: %q", got)
	}
}

func TestResults(t *testing.T) {
	g := memory.New()
	publish(g, "ds1", "ds2", "ds3")
	m := newManager(t, g, cache.New(logging.Discard()), nil)
	ctx := context.Background()

	if err := m.SetReplica(ctx, descriptor.Bool(false)); err != nil {
		t.Fatal(err)
	}
	if err := m.SetLimit(ctx, 2); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Update(ctx); err != nil {
		t.Fatal(err)
	}

	page, err := m.Results(ctx)
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("first page: got %d records", len(page))
	}
	if !m.NextPage() {
		t.Fatal("NextPage did not move")
	}
	page, err = m.Results(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].String(record.KeyInstanceID) != "ds3" {
		t.Fatalf("second page: %v", page)
	}
	if m.NextPage() {
		t.Error("NextPage moved past the last page")
	}
	if !m.PrevPage() || m.Descriptor().Page() != 0 {
		t.Error("PrevPage did not return to the first page")
	}
}

func TestSaveSearchClonesDescriptor(t *testing.T) {
	g := memory.New()
	m := newManager(t, g, cache.New(logging.Discard()), nil)
	ctx := context.Background()

	if err := m.SetConstraint(ctx, "variable", "tas"); err != nil {
		t.Fatal(err)
	}
	s, err := m.SaveSearch("tas")
	if err != nil {
		t.Fatalf("SaveSearch: %v", err)
	}
	if err := m.SetConstraint(ctx, "variable", "pr"); err != nil {
		t.Fatal(err)
	}
	if got := s.Descriptor().Constraint("variable"); !slices.Equal(got, []string{"tas"}) {
		t.Fatalf("saved descriptor changed with the live one: %v", got)
	}

	if _, err := m.SaveSearch("tas"); !errors.Is(err, ErrSearchExists) {
		t.Fatalf("duplicate name: got %v", err)
	}

	generated, err := m.SaveSearch("")
	if err != nil {
		t.Fatalf("SaveSearch with empty name: %v", err)
	}
	if generated.Name() == "" || generated.Name() == "tas" {
		t.Fatalf("generated name: %q", generated.Name())
	}

	names := []string{}
	for _, s := range m.Searches() {
		names = append(names, s.Name())
	}
	if !slices.Equal(names, []string{"tas", generated.Name()}) {
		t.Errorf("searches: %v", names)
	}
}

func TestRenameAndRemove(t *testing.T) {
	m := newManager(t, memory.New(), cache.New(logging.Discard()), nil)
	if _, err := m.SaveSearch("a"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.SaveSearch("b"); err != nil {
		t.Fatal(err)
	}

	if err := m.RenameSearch("a", "b"); !errors.Is(err, ErrSearchExists) {
		t.Errorf("rename onto existing: got %v", err)
	}
	if err := m.RenameSearch("missing", "c"); !errors.Is(err, ErrSearchNotFound) {
		t.Errorf("rename missing: got %v", err)
	}
	if err := m.RenameSearch("a", "c"); err != nil {
		t.Fatalf("RenameSearch: %v", err)
	}
	s, err := m.Search("c")
	if err != nil || s.Name() != "c" {
		t.Fatalf("renamed search: %v %v", s, err)
	}
	if _, err := m.Search("a"); !errors.Is(err, ErrSearchNotFound) {
		t.Errorf("old name still resolves: %v", err)
	}

	if err := m.RemoveSearch("c"); err != nil {
		t.Fatalf("RemoveSearch: %v", err)
	}
	if err := m.RemoveSearch("c"); !errors.Is(err, ErrSearchNotFound) {
		t.Errorf("second remove: got %v", err)
	}
	if n := len(m.Searches()); n != 1 {
		t.Errorf("searches left: %d", n)
	}
}

func TestSnapshotRestore(t *testing.T) {
	g := memory.New()
	publish(g, "ds1", "ds2")
	m := newManager(t, g, cache.New(logging.Discard()), nil)
	if err := m.SetConstraint(context.Background(), "project", "CMIP5"); err != nil {
		t.Fatal(err)
	}
	s, err := m.SaveSearch("cmip5")
	if err != nil {
		t.Fatal(err)
	}
	harvest(t, s)
	snap := m.Snapshot()

	t.Run("Complete", func(t *testing.T) {
		c := cache.New(logging.Discard())
		r := newManager(t, g, c, nil)
		if err := r.Restore(snap); err != nil {
			t.Fatalf("Restore: %v", err)
		}
		if c.Len() != 2 {
			t.Fatalf("cache entries: %d", c.Len())
		}
		if !r.Descriptor().Equal(m.Descriptor()) {
			t.Errorf("live descriptor: got %v", r.Descriptor())
		}
		rs, err := r.Search("cmip5")
		if err != nil {
			t.Fatal(err)
		}
		if rs.ID() != s.ID() || !rs.IsCompleted() {
			t.Fatalf("restored session: id %s status %v", rs.ID(), rs.Status())
		}
		files, err := rs.GetFilesToDownload("ds1")
		if err != nil || !slices.Equal(files, []string{memory.FileInstanceID("ds1", "tas_2000.nc")}) {
			t.Fatalf("restored files: %v %v", files, err)
		}
	})

	t.Run("MissingCache", func(t *testing.T) {
		partial := *snap
		partial.Datasets = partial.Datasets[:1]
		r := newManager(t, g, cache.New(logging.Discard()), nil)
		if err := r.Restore(&partial); err != nil {
			t.Fatalf("Restore: %v", err)
		}
		rs, err := r.Search("cmip5")
		if err != nil {
			t.Fatal(err)
		}
		if rs.Status() != session.StatusPaused {
			t.Fatalf("status: %v, want PAUSED", rs.Status())
		}
		if st, _ := rs.DatasetStatus("ds2"); st != session.StatusCreated {
			t.Fatalf("uncached dataset: %v", st)
		}
	})
}

func TestScheduleRetries(t *testing.T) {
	g := memory.New()
	publish(g, "ds1", "ds2")
	var broken atomic.Bool
	broken.Store(true)
	g.AddHook(func(ctx context.Context, op string, d *descriptor.Descriptor) error {
		if broken.Load() && op == "query" && slices.Contains(d.Constraint("instance_id"), "ds2") {
			return fmt.Errorf("%w: connection reset", transport.ErrTransport)
		}
		return nil
	})

	cron, err := scheduler.NewCron(logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cron.Stop() })
	m := newManager(t, g, cache.New(logging.Discard()), cron)

	s, err := m.SaveSearch("all")
	if err != nil {
		t.Fatal(err)
	}
	harvest(t, s)
	if st, _ := s.DatasetStatus("ds2"); st != session.StatusFailed {
		t.Fatalf("ds2: %v, want FAILED", st)
	}

	if err := m.ScheduleRetries("not a cron"); err == nil {
		t.Fatal("invalid expression accepted")
	}
	broken.Store(false)
	if err := m.ScheduleRetries("* * * * * *"); err != nil {
		t.Fatalf("ScheduleRetries: %v", err)
	}
	if !cron.HasJob(retryJobName) {
		t.Fatal("retry job not registered")
	}
	cron.Start()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if st, _ := s.DatasetStatus("ds2"); st == session.StatusCompleted {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if st, _ := s.DatasetStatus("ds2"); st != session.StatusCompleted {
		t.Fatalf("ds2 after scheduled retry: %v", st)
	}

	if err := m.ScheduleRetries(""); err != nil {
		t.Fatal(err)
	}
	if cron.HasJob(retryJobName) {
		t.Error("retry job still registered")
	}
}

func TestScheduleRetriesNeedsCron(t *testing.T) {
	m := newManager(t, memory.New(), cache.New(logging.Discard()), nil)
	if err := m.ScheduleRetries("* * * * * *"); !errors.Is(err, ErrNoCron) {
		t.Fatalf("got %v, want ErrNoCron", err)
	}
}
