// Package session tracks the harvest of every dataset matched by one saved
// search.
//
// A Session discovers the dataset ids matching its descriptor, then submits
// one harvest.Worker per dataset to the shared pool and aggregates their
// reports. It moves through CREATED → HARVESTING ⇄ PAUSED → COMPLETED, or
// FAILED when discovery itself fails. Datasets move through the same
// statuses individually; a FAILED dataset does not fail the session.
//
// Observers are invoked synchronously on the goroutine that caused the
// change, usually a pool worker. Observers must not call back into the
// session's mutating operations.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"gridharvest/internal/cache"
	"gridharvest/internal/descriptor"
	"gridharvest/internal/harvest"
	"gridharvest/internal/lockreg"
	"gridharvest/internal/logging"
	"gridharvest/internal/notify"
	"gridharvest/internal/record"
	"gridharvest/internal/scheduler"
	"gridharvest/internal/transport"
)

// Config holds a session's collaborators. Client, Cache, Locks and Pool
// are shared by every session of a process.
type Config struct {
	// ID defaults to a new UUID.
	ID   string
	Name string
	// Descriptor is cloned; later edits by the caller have no effect.
	Descriptor *descriptor.Descriptor

	Client transport.Client
	Cache  *cache.Cache
	Locks  *lockreg.Registry
	Pool   *scheduler.Pool

	// PollInterval is the lock re-check interval used by workers.
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Event describes a status change. DatasetID is empty for session-level
// changes.
type Event struct {
	SessionID string
	DatasetID string
	Status    Status
	Processed int
	Total     int
}

// Observer receives session events.
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Notify implements Observer.
func (f ObserverFunc) Notify(e Event) { f(e) }

// DatasetInfo is a snapshot of one dataset's state in a session.
type DatasetInfo struct {
	ID     string
	Status Status
	// Type is the harvest type the dataset last completed under.
	Type  harvest.Type
	Files int
	Error string
}

type datasetState struct {
	status Status
	typ    harvest.Type
	files  []string
	err    string
}

// Session is one saved search and the harvest state of its datasets.
type Session struct {
	id      string
	desc    *descriptor.Descriptor
	created time.Time
	deps    harvest.Deps
	pool    *scheduler.Pool
	logger  *slog.Logger
	changed *notify.Signal

	unsubscribe func()

	mu          sync.Mutex
	name        string
	status      Status
	harvestType harvest.Type
	order       []string
	datasets    map[string]*datasetState
	processed   int
	workers     map[string]*harvest.Worker
	lastErr     error
	observers   map[int]Observer
	nextObs     int
	// discoveryGen identifies the latest start; a discovery finishing
	// under an older generation is discarded.
	discoveryGen uint64
	discovering  bool
}

// New creates a session in CREATED state.
func New(cfg Config) *Session {
	id := cfg.ID
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}
	desc := cfg.Descriptor
	if desc == nil {
		desc = descriptor.New("")
	}
	s := &Session{
		id:      id,
		name:    cfg.Name,
		desc:    desc.Clone(),
		created: time.Now(),
		deps: harvest.Deps{
			Client:       cfg.Client,
			Cache:        cfg.Cache,
			Locks:        cfg.Locks,
			PollInterval: cfg.PollInterval,
			Logger:       cfg.Logger,
		},
		pool:      cfg.Pool,
		logger:    logging.Default(cfg.Logger).With("component", "session", "session", id),
		changed:   notify.NewSignal(),
		datasets:  make(map[string]*datasetState),
		workers:   make(map[string]*harvest.Worker),
		observers: make(map[int]Observer),
	}
	s.unsubscribe = cfg.Cache.Subscribe(s.OnHarvestStateChange)
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Name returns the session's display name.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// SetName renames the session.
func (s *Session) SetName(name string) {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
}

// Created returns the creation time.
func (s *Session) Created() time.Time { return s.created }

// Descriptor returns a copy of the session's search descriptor.
func (s *Session) Descriptor() *descriptor.Descriptor { return s.desc.Clone() }

// Status returns the session status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// HarvestType returns the type of the current or most recent harvest.
func (s *Session) HarvestType() harvest.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.harvestType
}

// Err returns the discovery error that failed the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// IsCompleted reports whether every dataset reached a terminal status.
func (s *Session) IsCompleted() bool {
	return s.Status() == StatusCompleted
}

// Progress returns the processed and total dataset counts.
func (s *Session) Progress() (processed, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed, len(s.order)
}

// Datasets returns the state of every dataset in discovery order.
func (s *Session) Datasets() []DatasetInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DatasetInfo, 0, len(s.order))
	for _, id := range s.order {
		st := s.datasets[id]
		out = append(out, DatasetInfo{
			ID:     id,
			Status: st.status,
			Type:   st.typ,
			Files:  len(st.files),
			Error:  st.err,
		})
	}
	return out
}

// DatasetStatus returns the status of one dataset.
func (s *Session) DatasetStatus(id string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.datasets[id]
	if !ok {
		return 0, false
	}
	return st.status, true
}

// GetDataset returns the cached dataset for id.
func (s *Session) GetDataset(id string) (*record.Dataset, error) {
	s.mu.Lock()
	_, ok := s.datasets[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s not in session", ErrNotFound, id)
	}
	ds, ok := s.deps.Cache.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s not cached", ErrNotFound, id)
	}
	return ds, nil
}

// GetFilesToDownload returns the normalized ids of the files of id that
// satisfy the session's constraints.
func (s *Session) GetFilesToDownload(id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.datasets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s not in session", ErrNotFound, id)
	}
	if st.status != StatusCompleted {
		return nil, fmt.Errorf("%w: dataset %s is %s", ErrNotComplete, id, st.status)
	}
	return slices.Clone(st.files), nil
}

// AddObserver registers o. The returned function removes it.
func (s *Session) AddObserver(o Observer) (remove func()) {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = o
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// event builds an event for the current counters. Caller holds s.mu.
func (s *Session) event(datasetID string, status Status) Event {
	return Event{
		SessionID: s.id,
		DatasetID: datasetID,
		Status:    status,
		Processed: s.processed,
		Total:     len(s.order),
	}
}

// emit delivers events to a snapshot of the observers and wakes waiters.
// Caller must not hold s.mu.
func (s *Session) emit(events ...Event) {
	if len(events) == 0 {
		return
	}
	s.mu.Lock()
	obs := make([]Observer, 0, len(s.observers))
	keys := make([]int, 0, len(s.observers))
	for k := range s.observers {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		obs = append(obs, s.observers[k])
	}
	s.mu.Unlock()

	for _, ev := range events {
		for _, o := range obs {
			o.Notify(ev)
		}
	}
	s.changed.Notify()
}

// setStatus changes the session status and returns the event to emit, or
// nil if unchanged. Caller holds s.mu.
func (s *Session) setStatus(status Status) []Event {
	if s.status == status {
		return nil
	}
	s.status = status
	s.logger.Info("session status changed", "status", status, "processed", s.processed, "total", len(s.order))
	return []Event{s.event("", status)}
}

// maybeComplete flips a harvesting session to COMPLETED once every dataset
// is processed. Caller holds s.mu.
func (s *Session) maybeComplete() []Event {
	if s.status != StatusHarvesting || s.processed != len(s.order) {
		return nil
	}
	return s.setStatus(StatusCompleted)
}

// StartPartialHarvesting discovers the matching datasets and harvests
// what downloads need.
func (s *Session) StartPartialHarvesting(ctx context.Context) error {
	return s.start(ctx, harvest.Partial)
}

// StartCompleteHarvesting discovers the matching datasets and harvests
// their full metadata.
func (s *Session) StartCompleteHarvesting(ctx context.Context) error {
	return s.start(ctx, harvest.Complete)
}

func (s *Session) start(ctx context.Context, typ harvest.Type) error {
	s.mu.Lock()
	switch {
	case s.status == StatusHarvesting:
		s.mu.Unlock()
		return ErrHarvestInProgress
	case s.status == StatusCompleted && s.harvestType.Covers(typ):
		s.mu.Unlock()
		return fmt.Errorf("%w: %s harvest finished", ErrAlreadyHarvested, s.harvestType)
	}
	s.status = StatusHarvesting
	s.harvestType = typ
	s.lastErr = nil
	s.discoveryGen++
	gen := s.discoveryGen
	s.discovering = true
	events := []Event{s.event("", StatusHarvesting)}
	s.mu.Unlock()
	s.emit(events...)

	s.logger.Info("harvest started", "type", typ)
	ids, err := s.discover(ctx)

	s.mu.Lock()
	if gen != s.discoveryGen {
		// Reset or restarted while discovering.
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("discover datasets: %w", err)
		}
		return nil
	}
	s.discovering = false
	if err != nil {
		s.lastErr = err
		events = s.setStatus(StatusFailed)
		s.mu.Unlock()
		s.emit(events...)
		return fmt.Errorf("discover datasets: %w", err)
	}

	datasets := make(map[string]*datasetState, len(ids))
	var submit []string
	s.processed = 0
	for _, id := range ids {
		st, ok := s.datasets[id]
		if !ok {
			st = &datasetState{}
		}
		if st.status == StatusCompleted && st.typ.Covers(typ) {
			s.processed++
		} else {
			st.status = StatusCreated
			st.err = ""
			submit = append(submit, id)
		}
		datasets[id] = st
	}
	s.order = ids
	s.datasets = datasets
	events = nil
	// Paused during discovery: the datasets stay CREATED until Resume.
	if s.status == StatusHarvesting {
		events = s.maybeComplete()
		s.submitLocked(submit)
	}
	s.mu.Unlock()
	s.emit(events...)
	return nil
}

// discover returns the distinct dataset ids matching the descriptor, in
// result order.
func (s *Session) discover(ctx context.Context) ([]string, error) {
	q := s.desc.Clone()
	q.Type = descriptor.TypeDataset
	q.SetFields(descriptor.InstanceIDField...)
	q.Facets = nil
	q.Limit = transport.DefaultPageSize
	mds, err := transport.QueryAll(ctx, s.deps.Client, q)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(mds))
	ids := make([]string, 0, len(mds))
	for _, md := range mds {
		id := md.String(record.KeyInstanceID)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

// submitLocked creates and queues one worker per id. Caller holds s.mu.
func (s *Session) submitLocked(ids []string) {
	for _, id := range ids {
		w := harvest.NewWorker(id, s.harvestType, s.desc, s.deps, sink{s})
		s.workers[id] = w
		s.pool.Submit("harvest "+id, func(ctx context.Context) error {
			if err := w.Run(ctx); err != nil && !errors.Is(err, harvest.ErrTerminated) {
				return err
			}
			return nil
		})
	}
}

// terminateLocked stops every worker and demotes their datasets to
// CREATED. Caller holds s.mu.
func (s *Session) terminateLocked() []*harvest.Worker {
	workers := make([]*harvest.Worker, 0, len(s.workers))
	for id, w := range s.workers {
		workers = append(workers, w)
		if st, ok := s.datasets[id]; ok && st.status == StatusHarvesting {
			st.status = StatusCreated
		}
	}
	clear(s.workers)
	return workers
}

// Pause terminates in-flight workers. Their datasets return to CREATED and
// the counters are unchanged. Terminated workers never write to the cache.
func (s *Session) Pause() error {
	s.mu.Lock()
	if s.status != StatusHarvesting {
		s.mu.Unlock()
		return fmt.Errorf("%w: session is %s", ErrNotHarvesting, s.status)
	}
	workers := s.terminateLocked()
	events := s.setStatus(StatusPaused)
	s.mu.Unlock()

	for _, w := range workers {
		w.Terminate()
	}
	s.emit(events...)
	return nil
}

// Resume resubmits every dataset that is neither COMPLETED nor FAILED.
func (s *Session) Resume() error {
	s.mu.Lock()
	if s.status != StatusPaused {
		s.mu.Unlock()
		return fmt.Errorf("%w: session is %s", ErrNotPaused, s.status)
	}
	if s.discovering {
		// The running discovery submits the datasets once it returns.
		events := s.setStatus(StatusHarvesting)
		s.mu.Unlock()
		s.emit(events...)
		return nil
	}
	var submit []string
	for _, id := range s.order {
		if !s.datasets[id].status.Terminal() {
			submit = append(submit, id)
		}
	}
	events := s.setStatus(StatusHarvesting)
	events = append(events, s.maybeComplete()...)
	s.submitLocked(submit)
	s.mu.Unlock()
	s.emit(events...)
	return nil
}

// demoteLocked returns a dataset to CREATED, adjusting the processed count.
// Caller holds s.mu.
func (s *Session) demoteLocked(st *datasetState) {
	if st.status.Terminal() {
		s.processed--
	}
	st.status = StatusCreated
	st.err = ""
}

// resubmitLocked queues ids unless the session is paused, in which case
// Resume picks them up. Caller holds s.mu.
func (s *Session) resubmitLocked(ids []string) []Event {
	if s.status == StatusPaused {
		return nil
	}
	events := s.setStatus(StatusHarvesting)
	s.submitLocked(ids)
	return events
}

// RetryFailedDatasets resubmits every FAILED dataset and returns how many
// were resubmitted.
func (s *Session) RetryFailedDatasets() (int, error) {
	s.mu.Lock()
	if s.status == StatusCreated {
		s.mu.Unlock()
		return 0, ErrNotStarted
	}
	var retry []string
	for _, id := range s.order {
		if st := s.datasets[id]; st.status == StatusFailed {
			s.demoteLocked(st)
			retry = append(retry, id)
		}
	}
	if len(retry) == 0 {
		s.mu.Unlock()
		return 0, nil
	}
	events := s.resubmitLocked(retry)
	s.mu.Unlock()

	s.logger.Info("retrying failed datasets", "count", len(retry))
	s.emit(events...)
	return len(retry), nil
}

// RetryDataset resubmits one dataset whatever its terminal status.
func (s *Session) RetryDataset(id string) error {
	s.mu.Lock()
	st, ok := s.datasets[id]
	switch {
	case !ok:
		s.mu.Unlock()
		return fmt.Errorf("%w: %s not in session", ErrNotFound, id)
	case s.workers[id] != nil:
		s.mu.Unlock()
		return fmt.Errorf("%w: dataset %s", ErrHarvestInProgress, id)
	}
	s.demoteLocked(st)
	events := []Event{s.event(id, StatusCreated)}
	events = append(events, s.resubmitLocked([]string{id})...)
	s.mu.Unlock()
	s.emit(events...)
	return nil
}

// ResetDataset discards the cached dataset and harvests it again from
// scratch. Other sessions holding it are notified through the cache.
func (s *Session) ResetDataset(id string) error {
	s.mu.Lock()
	st, ok := s.datasets[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s not in session", ErrNotFound, id)
	}
	w := s.workers[id]
	delete(s.workers, id)
	s.demoteLocked(st)
	st.files = nil
	s.mu.Unlock()

	if w != nil {
		w.Terminate()
	}
	s.deps.Cache.Reset(id, s.id)

	s.mu.Lock()
	events := []Event{s.event(id, StatusCreated)}
	if s.status != StatusCreated {
		events = append(events, s.resubmitLocked([]string{id})...)
	}
	s.mu.Unlock()
	s.emit(events...)
	return nil
}

// Reset terminates every worker, discards the cached datasets of this
// session and returns it to CREATED.
func (s *Session) Reset() {
	s.mu.Lock()
	workers := s.terminateLocked()
	ids := slices.Clone(s.order)
	s.order = nil
	clear(s.datasets)
	s.processed = 0
	s.harvestType = harvest.Partial
	s.lastErr = nil
	s.discoveryGen++
	s.discovering = false
	events := s.setStatus(StatusCreated)
	s.mu.Unlock()

	for _, w := range workers {
		w.Terminate()
	}
	for _, id := range ids {
		s.deps.Cache.Reset(id, s.id)
	}
	s.emit(events...)
}

// Terminate stops every worker and detaches the session from the cache.
// A harvesting session is left PAUSED.
func (s *Session) Terminate() {
	s.mu.Lock()
	workers := s.terminateLocked()
	var events []Event
	if s.status == StatusHarvesting {
		events = s.setStatus(StatusPaused)
	}
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	for _, w := range workers {
		w.Terminate()
	}
	s.emit(events...)
}

// OnHarvestStateChange handles a dataset invalidated in the shared cache.
// A COMPLETED dataset invalidated by another session is demoted to FAILED
// so it can be retried.
//
// processed is left unchanged: FAILED datasets count as processed, so
// processed == total still holds for a session that had completed.
func (s *Session) OnHarvestStateChange(ev cache.Event) {
	if ev.Origin == s.id {
		return
	}
	s.mu.Lock()
	st, ok := s.datasets[ev.DatasetID]
	if !ok || st.status != StatusCompleted {
		s.mu.Unlock()
		return
	}
	st.status = StatusFailed
	st.files = nil
	st.err = "invalidated by session " + ev.Origin
	events := []Event{s.event(ev.DatasetID, StatusFailed)}
	s.mu.Unlock()

	s.logger.Info("dataset invalidated", "dataset", ev.DatasetID, "origin", ev.Origin)
	s.emit(events...)
}

// Wait blocks until the session is not HARVESTING.
func (s *Session) Wait(ctx context.Context) error {
	return s.changed.WaitFor(ctx, time.Second, func() bool {
		return s.Status() != StatusHarvesting
	})
}

// sink adapts worker reports to the session. Reports from workers the
// session no longer tracks are ignored.
type sink struct{ s *Session }

func (k sink) HarvestStarted(w *harvest.Worker) {
	s := k.s
	s.mu.Lock()
	st, ok := s.datasets[w.DatasetID()]
	if s.workers[w.DatasetID()] != w || !ok {
		s.mu.Unlock()
		return
	}
	st.status = StatusHarvesting
	events := []Event{s.event(w.DatasetID(), StatusHarvesting)}
	s.mu.Unlock()
	s.emit(events...)
}

func (k sink) HarvestCompleted(w *harvest.Worker, fileIDs []string) {
	k.finish(w, StatusCompleted, fileIDs, nil)
}

func (k sink) HarvestFailed(w *harvest.Worker, err error) {
	k.finish(w, StatusFailed, nil, err)
}

func (k sink) finish(w *harvest.Worker, status Status, fileIDs []string, err error) {
	s := k.s
	id := w.DatasetID()
	s.mu.Lock()
	st, ok := s.datasets[id]
	if s.workers[id] != w || !ok || !w.Alive() {
		s.mu.Unlock()
		return
	}
	delete(s.workers, id)
	if st.status == status {
		s.mu.Unlock()
		return
	}
	if !st.status.Terminal() {
		s.processed++
	}
	st.status = status
	if status == StatusCompleted {
		st.typ = w.Type()
		st.files = fileIDs
		st.err = ""
	} else {
		st.err = err.Error()
	}
	events := []Event{s.event(id, status)}
	events = append(events, s.maybeComplete()...)
	s.mu.Unlock()
	s.emit(events...)
}
