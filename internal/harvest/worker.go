// Package harvest populates cached datasets from the search grid.
//
// A Worker harvests one dataset for one session. It discovers the dataset's
// replicas, merges their metadata, discovers the files of every replica,
// commits the result to the shared cache, and finally resolves which files
// satisfy the session's constraints.
//
// Discovery is guarded by the lock registry so two sessions never populate
// the same dataset at once. A worker that waited on the lock re-reads the
// cache and skips discovery when the other worker already did the job.
//
// Workers are cancelled cooperatively. Terminate clears the liveness flag,
// which is checked before and after locking, between replicas, between
// files and before the cache commit. A terminated worker releases its lock,
// writes nothing and reports nothing.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"gridharvest/internal/cache"
	"gridharvest/internal/descriptor"
	"gridharvest/internal/lockreg"
	"gridharvest/internal/logging"
	"gridharvest/internal/record"
	"gridharvest/internal/transport"
)

var (
	// ErrInvariant reports grid data that violates the harvesting model,
	// such as a dataset without replicas.
	ErrInvariant = errors.New("harvest invariant violation")
	// ErrTerminated is returned by Run when the worker was terminated.
	ErrTerminated = errors.New("harvest terminated")
)

// filterConcurrency bounds concurrent per-replica file queries.
const filterConcurrency = 4

// Sink receives a worker's reports. Calls are made on the worker's
// goroutine.
type Sink interface {
	// HarvestStarted is called once the worker begins.
	HarvestStarted(w *Worker)
	// HarvestCompleted is called with the normalized ids of the files that
	// satisfy the session's constraints.
	HarvestCompleted(w *Worker, fileIDs []string)
	// HarvestFailed is called when any step fails.
	HarvestFailed(w *Worker, err error)
}

// Deps are the shared collaborators of every worker.
type Deps struct {
	Client transport.Client
	Cache  *cache.Cache
	Locks  *lockreg.Registry
	// PollInterval is the lock re-check interval.
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Worker harvests one dataset for one session.
type Worker struct {
	datasetID string
	typ       Type
	search    *descriptor.Descriptor
	deps      Deps
	sink      Sink
	logger    *slog.Logger

	alive atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc

	// discovered is set when this worker ran replica discovery.
	discovered atomic.Bool
}

// NewWorker creates a live worker. search is the session's descriptor; it
// is used for file filtering and its index node for replica discovery.
func NewWorker(datasetID string, typ Type, search *descriptor.Descriptor, deps Deps, sink Sink) *Worker {
	w := &Worker{
		datasetID: datasetID,
		typ:       typ,
		search:    search.Clone(),
		deps:      deps,
		sink:      sink,
		logger: logging.Default(deps.Logger).With(
			"component", "harvest",
			"dataset", datasetID,
			"type", typ,
		),
	}
	w.alive.Store(true)
	return w
}

// DatasetID returns the dataset instance id.
func (w *Worker) DatasetID() string { return w.datasetID }

// Type returns the harvest type.
func (w *Worker) Type() Type { return w.typ }

// Alive reports whether the worker has not been terminated.
func (w *Worker) Alive() bool { return w.alive.Load() }

// Discovered reports whether this worker ran replica discovery rather than
// reusing a cached dataset.
func (w *Worker) Discovered() bool { return w.discovered.Load() }

// Terminate asks the worker to stop at its next checkpoint. In-flight
// transport calls are cancelled.
func (w *Worker) Terminate() {
	w.alive.Store(false)
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (w *Worker) checkpoint() error {
	if !w.alive.Load() {
		return ErrTerminated
	}
	return nil
}

// Run harvests the dataset and reports the outcome to the sink. It returns
// nil on success, ErrTerminated when terminated (nothing is reported), or
// the failure that was reported.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	if err := w.checkpoint(); err != nil {
		return err
	}

	start := time.Now()
	w.sink.HarvestStarted(w)
	w.logger.Debug("harvest started")

	files, err := w.harvest(ctx)
	if err == nil {
		err = w.checkpoint()
	}
	switch {
	case err == nil:
		w.logger.Debug("harvest completed", "files", len(files), "duration", time.Since(start))
		w.sink.HarvestCompleted(w, files)
		return nil
	case !w.Alive() || errors.Is(err, ErrTerminated) || ctx.Err() != nil:
		w.logger.Debug("harvest terminated", "duration", time.Since(start))
		return ErrTerminated
	default:
		w.logger.Warn("harvest failed", "error", err)
		w.sink.HarvestFailed(w, err)
		return err
	}
}

func (w *Worker) harvest(ctx context.Context) ([]string, error) {
	ds, err := w.acquire(ctx)
	if err != nil {
		return nil, err
	}
	return w.filterFiles(ctx, ds)
}

// acquire returns the dataset at the status this worker's type needs,
// populating it under the dataset lock unless another worker finishes it
// first.
func (w *Worker) acquire(ctx context.Context) (*record.Dataset, error) {
	for {
		if err := w.checkpoint(); err != nil {
			return nil, err
		}
		err := w.deps.Locks.Lock(w.datasetID)
		if err == nil {
			return w.populate(ctx)
		}
		if !errors.Is(err, lockreg.ErrAlreadyLocked) {
			return nil, err
		}

		if err := w.deps.Locks.Wait(ctx, w.datasetID, w.deps.PollInterval); err != nil {
			return nil, err
		}
		if ds, ok := w.deps.Cache.Get(w.datasetID); ok && w.typ.SatisfiedBy(ds.Status) {
			w.logger.Debug("dataset harvested by another worker")
			return ds, nil
		}
	}
}

// populate runs replica and file discovery with the lock held and commits
// the result to the cache. The lock is released on every path.
func (w *Worker) populate(ctx context.Context) (*record.Dataset, error) {
	defer func() {
		if err := w.deps.Locks.Release(w.datasetID); err != nil {
			w.logger.Warn("release dataset lock", "error", err)
		}
	}()

	if err := w.checkpoint(); err != nil {
		return nil, err
	}

	ds, ok := w.deps.Cache.Get(w.datasetID)
	if !ok {
		ds = record.NewDataset(w.datasetID)
	}
	if w.typ.SatisfiedBy(ds.Status) {
		return ds, nil
	}

	w.discovered.Store(true)
	completing := ds.Status == record.StatusPartialHarvested

	if err := w.discoverReplicas(ctx, ds, completing); err != nil {
		return nil, err
	}
	if err := w.discoverFiles(ctx, ds, completing); err != nil {
		return nil, err
	}
	if w.typ == Complete {
		ds.StripReplicaOnly()
	}
	if err := ds.Advance(w.typ.Target()); err != nil {
		return nil, err
	}

	if err := w.checkpoint(); err != nil {
		return nil, err
	}
	w.deps.Cache.Put(ds)
	return ds, nil
}

// discoverReplicas queries every replica of the dataset across the grid.
// On an EMPTY dataset each record becomes a replica. When completing a
// partial dataset the replicas already exist, so only metadata is merged
// and an unknown replica is an invariant violation.
func (w *Worker) discoverReplicas(ctx context.Context, ds *record.Dataset, completing bool) error {
	q := descriptor.New(w.search.IndexNode)
	q.Distributed = true
	q.SetConstraint("instance_id", w.datasetID)
	q.SetFields(w.typ.Fields()...)
	q.Limit = transport.DefaultPageSize

	mds, err := transport.QueryAll(ctx, w.deps.Client, q)
	if err != nil {
		return fmt.Errorf("discover replicas: %w", err)
	}
	if len(mds) == 0 {
		return fmt.Errorf("%w: no replicas of %s", ErrInvariant, w.datasetID)
	}

	for _, md := range mds {
		if err := w.checkpoint(); err != nil {
			return err
		}
		rep := record.NewReplicaFromMetadata(md)
		if completing {
			if !ds.HasReplica(rep.ID) {
				return fmt.Errorf("%w: replica %s discovered on partially harvested %s", ErrInvariant, rep.ID, w.datasetID)
			}
			ds.MergeMetadata(md)
			continue
		}
		ds.MergeMetadata(md)
		ds.AddReplica(rep)
	}
	return nil
}

// discoverFiles queries the files of every dataset replica on that
// replica's own index node. Each file gains one replica per dataset
// replica that lists it.
func (w *Worker) discoverFiles(ctx context.Context, ds *record.Dataset, completing bool) error {
	for _, rep := range slices.Clone(ds.Replicas) {
		if err := w.checkpoint(); err != nil {
			return err
		}

		node := rep.IndexNode
		if node == "" {
			node = w.search.IndexNode
		}
		q := descriptor.New(node)
		q.Distributed = false
		q.Type = descriptor.TypeFile
		q.SetConstraint("dataset_id", rep.ID)
		q.SetFields(w.typ.Fields()...)
		q.Limit = transport.DefaultPageSize

		mds, err := transport.QueryAll(ctx, w.deps.Client, q)
		if err != nil {
			return fmt.Errorf("discover files of replica %s: %w", rep.ID, err)
		}

		for _, md := range mds {
			if err := w.checkpoint(); err != nil {
				return err
			}
			id := md.String(record.KeyInstanceID)
			if id == "" {
				continue
			}
			f, ok := ds.File(id)
			if !ok {
				f = record.NewDatasetFile(ds.InstanceID, md)
				ds.AddFile(f)
			} else {
				f.MergeMetadata(md)
			}

			frep := record.NewReplicaFromMetadata(md)
			if completing && f.HasReplica(frep.ID) {
				continue
			}
			f.AppendReplica(frep)
		}
	}
	if len(ds.Files) == 0 {
		return fmt.Errorf("%w: no files in %s", ErrInvariant, w.datasetID)
	}
	return nil
}

// filterFiles unions, over every dataset replica, the files that satisfy
// the session's constraints on that replica's index. Any failing replica
// fails the whole step.
func (w *Worker) filterFiles(ctx context.Context, ds *record.Dataset) ([]string, error) {
	if len(ds.Replicas) == 0 {
		return nil, fmt.Errorf("%w: no replicas of %s to filter", ErrInvariant, w.datasetID)
	}

	results := make([][]string, len(ds.Replicas))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(filterConcurrency)
	for i, rep := range ds.Replicas {
		g.Go(func() error {
			ids, err := w.deps.Client.FileInstanceIDsSatisfying(gctx, w.search, rep.ID)
			if err != nil {
				return fmt.Errorf("filter files of replica %s: %w", rep.ID, err)
			}
			results[i] = ids
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var out []string
	for _, ids := range results {
		for _, id := range ids {
			id = record.NormalizeFileID(id)
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}
