// Package manager owns the live search descriptor and the saved searches
// built from it.
//
// Every descriptor setter optionally triggers an immediate refresh of the
// match count and facet counts (auto-update); transport failures from that
// round trip are returned to the caller. SaveSearch clones the live
// descriptor into a new session.Session. All sessions share one worker pool,
// one dataset cache and one lock registry, supplied through Config.
package manager

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	"golang.org/x/sync/errgroup"

	"gridharvest/internal/cache"
	"gridharvest/internal/descriptor"
	"gridharvest/internal/lockreg"
	"gridharvest/internal/logging"
	"gridharvest/internal/record"
	"gridharvest/internal/scheduler"
	"gridharvest/internal/session"
	"gridharvest/internal/store"
	"gridharvest/internal/transport"
)

var (
	// ErrSearchExists is returned when a saved search name is taken.
	ErrSearchExists = errors.New("search already exists")
	// ErrSearchNotFound is returned for unknown saved search names.
	ErrSearchNotFound = errors.New("search not found")
	// ErrNoCron is returned by ScheduleRetries when no cron scheduler was
	// configured.
	ErrNoCron = errors.New("no cron scheduler configured")
)

// retryJobName is the cron job that retries failed datasets.
const retryJobName = "retry-failed-datasets"

// Config holds the shared collaborators of a Manager.
type Config struct {
	// IndexNode is the initial target of the live descriptor.
	IndexNode string
	// Facets requested on every update. Empty selects every known facet.
	Facets []string

	Client transport.Client
	Cache  *cache.Cache
	Locks  *lockreg.Registry
	Pool   *scheduler.Pool
	// Cron is optional; ScheduleRetries needs it.
	Cron *scheduler.Cron

	AutoUpdate   bool
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Summary is the result of one update round trip.
type Summary struct {
	Matches int
	Facets  descriptor.FacetCounts
	Updated time.Time
}

// Manager owns the live descriptor and the saved searches.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	desc       *descriptor.Descriptor
	autoUpdate bool
	summary    Summary
	searches   map[string]*session.Session
}

// New creates a Manager whose live descriptor targets cfg.IndexNode.
func New(cfg Config) *Manager {
	d := descriptor.New(cfg.IndexNode)
	facets := cfg.Facets
	if len(facets) == 0 {
		for _, f := range descriptor.AllFacets() {
			facets = append(facets, f.String())
		}
	}
	d.SetFacets(facets...)
	return &Manager{
		cfg:        cfg,
		logger:     logging.Default(cfg.Logger).With("component", "manager"),
		desc:       d,
		autoUpdate: cfg.AutoUpdate,
		searches:   make(map[string]*session.Session),
	}
}

// Descriptor returns a copy of the live descriptor.
func (m *Manager) Descriptor() *descriptor.Descriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.desc.Clone()
}

// SetAutoUpdate enables or disables refresh on every descriptor change.
func (m *Manager) SetAutoUpdate(on bool) {
	m.mu.Lock()
	m.autoUpdate = on
	m.mu.Unlock()
}

// AutoUpdate reports whether descriptor changes trigger a refresh.
func (m *Manager) AutoUpdate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.autoUpdate
}

// Summary returns the result of the last successful update.
func (m *Manager) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.summary
}

// mutate applies fn to the live descriptor and refreshes the summary when
// auto-update is on. The change is kept even if the refresh fails.
func (m *Manager) mutate(ctx context.Context, fn func(d *descriptor.Descriptor)) error {
	m.mu.Lock()
	fn(m.desc)
	auto := m.autoUpdate
	m.mu.Unlock()
	if !auto {
		return nil
	}
	_, err := m.Update(ctx)
	return err
}

// SetIndexNode retargets the live descriptor.
func (m *Manager) SetIndexNode(ctx context.Context, node string) error {
	return m.mutate(ctx, func(d *descriptor.Descriptor) { d.IndexNode = node })
}

// SetQuery sets the free-text query.
func (m *Manager) SetQuery(ctx context.Context, q string) error {
	return m.mutate(ctx, func(d *descriptor.Descriptor) { d.Query = q })
}

// SetConstraint replaces the values of a constraint.
func (m *Manager) SetConstraint(ctx context.Context, name string, values ...string) error {
	return m.mutate(ctx, func(d *descriptor.Descriptor) { d.SetConstraint(name, values...) })
}

// AddConstraint adds alternative values to a constraint.
func (m *Manager) AddConstraint(ctx context.Context, name string, values ...string) error {
	return m.mutate(ctx, func(d *descriptor.Descriptor) { d.AddConstraint(name, values...) })
}

// RemoveConstraint removes values, or the whole constraint when none are
// given.
func (m *Manager) RemoveConstraint(ctx context.Context, name string, values ...string) error {
	return m.mutate(ctx, func(d *descriptor.Descriptor) { d.RemoveConstraint(name, values...) })
}

// ClearConstraints removes every constraint.
func (m *Manager) ClearConstraints(ctx context.Context) error {
	return m.mutate(ctx, func(d *descriptor.Descriptor) { d.ClearConstraints() })
}

// SetDistributed selects a distributed or local search.
func (m *Manager) SetDistributed(ctx context.Context, on bool) error {
	return m.mutate(ctx, func(d *descriptor.Descriptor) { d.Distributed = on })
}

// SetType selects the record type searched.
func (m *Manager) SetType(ctx context.Context, t descriptor.RecordType) error {
	return m.mutate(ctx, func(d *descriptor.Descriptor) { d.Type = t })
}

// SetFacets selects the facets counted on update.
func (m *Manager) SetFacets(ctx context.Context, names ...string) error {
	return m.mutate(ctx, func(d *descriptor.Descriptor) { d.SetFacets(names...) })
}

// SetPage moves to page n of the results.
func (m *Manager) SetPage(ctx context.Context, n int) error {
	return m.mutate(ctx, func(d *descriptor.Descriptor) { d.SetPage(n) })
}

// SetLimit sets the page size.
func (m *Manager) SetLimit(ctx context.Context, n int) error {
	return m.mutate(ctx, func(d *descriptor.Descriptor) { d.SetLimit(n) })
}

// SetReplica restricts results to replicas (true), masters (false) or
// neither (nil).
func (m *Manager) SetReplica(ctx context.Context, v *bool) error {
	return m.mutate(ctx, func(d *descriptor.Descriptor) { d.Replica = cloneBool(v) })
}

// SetLatest restricts results to latest versions when v is true.
func (m *Manager) SetLatest(ctx context.Context, v *bool) error {
	return m.mutate(ctx, func(d *descriptor.Descriptor) { d.Latest = cloneBool(v) })
}

// SetTemporal sets the temporal range.
func (m *Manager) SetTemporal(ctx context.Context, start, end string) error {
	return m.mutate(ctx, func(d *descriptor.Descriptor) { d.SetTemporal(start, end) })
}

func cloneBool(v *bool) *bool {
	if v == nil {
		return nil
	}
	return descriptor.Bool(*v)
}

// Update fetches the match count and facet counts of the live descriptor.
func (m *Manager) Update(ctx context.Context) (Summary, error) {
	d := m.Descriptor()

	var sum Summary
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := m.cfg.Client.CountMatches(gctx, d)
		if err != nil {
			return fmt.Errorf("count matches: %w", err)
		}
		sum.Matches = n
		return nil
	})
	if len(d.Facets) > 0 {
		g.Go(func() error {
			fc, err := m.cfg.Client.FacetCounts(gctx, d)
			if err != nil {
				return fmt.Errorf("facet counts: %w", err)
			}
			sum.Facets = fc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Summary{}, err
	}
	sum.Updated = time.Now()

	m.mu.Lock()
	m.summary = sum
	m.mu.Unlock()
	m.logger.Debug("search updated", "matches", sum.Matches, "facets", len(sum.Facets))
	return sum, nil
}

// Results returns the current page of the live search.
func (m *Manager) Results(ctx context.Context) ([]record.Metadata, error) {
	return m.cfg.Client.Query(ctx, m.Descriptor())
}

// NextPage advances the live descriptor one page using the last known match
// count. It reports whether the page moved.
func (m *Manager) NextPage() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.desc.NextPage(m.summary.Matches)
}

// PrevPage moves the live descriptor one page back.
func (m *Manager) PrevPage() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.desc.PrevPage()
}

func (m *Manager) sessionConfig(id, name string, d *descriptor.Descriptor) session.Config {
	return session.Config{
		ID:           id,
		Name:         name,
		Descriptor:   d,
		Client:       m.cfg.Client,
		Cache:        m.cfg.Cache,
		Locks:        m.cfg.Locks,
		Pool:         m.cfg.Pool,
		PollInterval: m.cfg.PollInterval,
		Logger:       m.cfg.Logger,
	}
}

// SaveSearch creates a session from a deep copy of the live descriptor.
// An empty name is replaced by a generated one.
func (m *Manager) SaveSearch(name string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if name == "" {
		name = m.freeNameLocked()
	}
	if _, ok := m.searches[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrSearchExists, name)
	}

	d := m.desc.Clone()
	d.Offset = 0
	s := session.New(m.sessionConfig("", name, d))
	m.searches[name] = s
	m.logger.Info("search saved", "name", name, "session", s.ID(), "descriptor", d.Canonical())
	return s, nil
}

// freeNameLocked returns a generated name not used by any saved search.
// Caller holds m.mu.
func (m *Manager) freeNameLocked() string {
	for {
		name := petname.Generate(2, "-")
		if _, ok := m.searches[name]; !ok {
			return name
		}
	}
}

// Search returns the saved search called name.
func (m *Manager) Search(name string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.searches[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSearchNotFound, name)
	}
	return s, nil
}

// Searches returns every saved search, oldest first.
func (m *Manager) Searches() []*session.Session {
	m.mu.Lock()
	out := make([]*session.Session, 0, len(m.searches))
	for _, s := range m.searches {
		out = append(out, s)
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b *session.Session) int {
		return cmp.Or(a.Created().Compare(b.Created()), cmp.Compare(a.Name(), b.Name()))
	})
	return out
}

// RemoveSearch terminates and forgets a saved search. Cached datasets are
// left in place for other sessions.
func (m *Manager) RemoveSearch(name string) error {
	m.mu.Lock()
	s, ok := m.searches[name]
	delete(m.searches, name)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrSearchNotFound, name)
	}
	s.Terminate()
	m.logger.Info("search removed", "name", name, "session", s.ID())
	return nil
}

// RenameSearch renames a saved search.
func (m *Manager) RenameSearch(from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.searches[from]
	if !ok {
		return fmt.Errorf("%w: %q", ErrSearchNotFound, from)
	}
	if from == to {
		return nil
	}
	if _, ok := m.searches[to]; ok {
		return fmt.Errorf("%w: %q", ErrSearchExists, to)
	}
	delete(m.searches, from)
	m.searches[to] = s
	s.SetName(to)
	return nil
}

// Snapshot captures the live descriptor, every saved search and every
// cached dataset.
func (m *Manager) Snapshot() *store.Snapshot {
	snap := &store.Snapshot{
		Version:    store.Version,
		Saved:      time.Now(),
		Descriptor: m.Descriptor(),
		Datasets:   m.cfg.Cache.All(),
	}
	for _, s := range m.Searches() {
		snap.Sessions = append(snap.Sessions, s.State())
	}
	return snap
}

// Restore replaces the saved searches and live descriptor with those of
// snap and loads its datasets into the cache. Restored sessions do not
// resume on their own.
func (m *Manager) Restore(snap *store.Snapshot) error {
	if err := store.CheckVersion(snap.Version); err != nil {
		return err
	}
	for _, s := range m.Searches() {
		s.Terminate()
	}
	for _, ds := range snap.Datasets {
		m.cfg.Cache.Put(ds)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Descriptor != nil {
		m.desc = snap.Descriptor.Clone()
	}
	m.searches = make(map[string]*session.Session, len(snap.Sessions))
	for _, st := range snap.Sessions {
		if _, taken := m.searches[st.Name]; taken || st.Name == "" {
			st.Name = m.freeNameLocked()
		}
		m.searches[st.Name] = session.Restore(st, m.sessionConfig(st.ID, st.Name, st.Descriptor))
	}
	m.logger.Info("state restored", "searches", len(snap.Sessions), "datasets", len(snap.Datasets))
	return nil
}

// Save persists a snapshot to st.
func (m *Manager) Save(ctx context.Context, st store.Store) error {
	return st.Save(ctx, m.Snapshot())
}

// Load restores the snapshot held by st. It reports false when st is empty.
func (m *Manager) Load(ctx context.Context, st store.Store) (bool, error) {
	snap, err := st.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("load state: %w", err)
	}
	if snap == nil {
		return false, nil
	}
	return true, m.Restore(snap)
}

// RetryFailed resubmits the failed datasets of every saved search and
// returns how many were resubmitted.
func (m *Manager) RetryFailed() int {
	total := 0
	for _, s := range m.Searches() {
		n, err := s.RetryFailedDatasets()
		if err != nil {
			if !errors.Is(err, session.ErrNotStarted) {
				m.logger.Warn("retry failed datasets", "name", s.Name(), "error", err)
			}
			continue
		}
		total += n
	}
	return total
}

// ScheduleRetries installs a cron job retrying failed datasets in every
// saved search. An empty expression removes the job.
func (m *Manager) ScheduleRetries(cronExpr string) error {
	if m.cfg.Cron == nil {
		return ErrNoCron
	}
	if cronExpr == "" {
		m.cfg.Cron.RemoveJob(retryJobName)
		return nil
	}
	fn := func() {
		if n := m.RetryFailed(); n > 0 {
			m.logger.Info("scheduled retry", "datasets", n)
		}
	}
	if err := m.cfg.Cron.UpdateJob(retryJobName, cronExpr, fn); err != nil {
		return fmt.Errorf("schedule retries: %w", err)
	}
	return nil
}

// Close terminates every saved search and removes scheduled jobs.
func (m *Manager) Close() {
	if m.cfg.Cron != nil {
		m.cfg.Cron.RemoveJob(retryJobName)
	}
	for _, s := range m.Searches() {
		s.Terminate()
	}
}
