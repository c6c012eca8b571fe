// Package download drives per-file transfers of harvested datasets.
//
// A Coordinator takes the files selected by a completed session dataset,
// queues one job per file on the shared worker pool and moves each file
// through QUEUED → DOWNLOADING → COMPLETED | FAILED | UNAUTHORIZED. Paused
// files return to QUEUED on Resume; Reset re-queues any file from scratch.
//
// The byte transfer itself is delegated to a Fetcher. The coordinator picks
// sources by service preference, then master replicas first, falls back to
// the next source when one fails, and verifies the published size and
// checksum before moving the file into place.
//
// Observers are invoked synchronously on the goroutine that caused the
// change, usually a pool worker.
package download

import (
	"cmp"
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"gridharvest/internal/logging"
	"gridharvest/internal/notify"
	"gridharvest/internal/record"
	"gridharvest/internal/scheduler"
	"gridharvest/internal/session"
	"gridharvest/internal/transport"
)

// DefaultServices is the default source preference.
var DefaultServices = []record.Service{
	record.ServiceHTTPServer,
	record.ServiceGridFTP,
	record.ServiceOPeNDAP,
}

// enqueueConcurrency bounds concurrent dataset lookups in EnqueueSession.
const enqueueConcurrency = 4

// Fetcher transfers one file. It writes the content of url to dst and
// returns the number of bytes written. Credential failures must match
// transport.ErrUnauthorized under errors.Is.
type Fetcher interface {
	Fetch(ctx context.Context, svc record.Service, url string, dst io.Writer) (int64, error)
}

// Source is what the coordinator needs from a search session.
type Source interface {
	GetDataset(id string) (*record.Dataset, error)
	GetFilesToDownload(id string) ([]string, error)
	IsCompleted() bool
}

var _ Source = (*session.Session)(nil)

// File is a snapshot of one download.
type File struct {
	// ID is the normalized file instance id.
	ID        string
	DatasetID string
	Name      string
	Path      string
	Status    Status
	// Size is the published size, 0 when unknown.
	Size     int64
	Written  int64
	Service  record.Service
	URL      string
	Attempts int
	Error    string
	Updated  time.Time
}

// Observer receives download changes.
type Observer interface {
	Notify(File)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(File)

// Notify implements Observer.
func (f ObserverFunc) Notify(file File) { f(file) }

// Config holds a Coordinator's collaborators and policy.
type Config struct {
	// Dir is the download root; files land in Dir/<dataset>/<name>.
	Dir     string
	Fetcher Fetcher
	Pool    *scheduler.Pool
	// Services in preference order. Defaults to DefaultServices.
	Services []record.Service
	// Include and Exclude are doublestar patterns matched against file
	// names. An empty Include selects every file.
	Include []string
	Exclude []string
	Logger  *slog.Logger
}

type entry struct {
	info File
	file *record.DatasetFile
	// gen invalidates jobs queued before the last pause or reset.
	gen    int
	cancel context.CancelFunc
}

// Coordinator tracks file downloads.
type Coordinator struct {
	cfg     Config
	logger  *slog.Logger
	changed *notify.Signal

	mu        sync.Mutex
	files     map[string]*entry
	order     []string
	observers map[int]Observer
	nextObs   int
}

// New creates a Coordinator. It fails on malformed filter patterns.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Fetcher == nil || cfg.Pool == nil {
		return nil, errors.New("download: fetcher and pool are required")
	}
	for _, p := range slices.Concat(cfg.Include, cfg.Exclude) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid file pattern %q", p)
		}
	}
	if len(cfg.Services) == 0 {
		cfg.Services = DefaultServices
	}
	return &Coordinator{
		cfg:       cfg,
		logger:    logging.Default(cfg.Logger).With("component", "download"),
		changed:   notify.NewSignal(),
		files:     make(map[string]*entry),
		observers: make(map[int]Observer),
	}, nil
}

// Selected reports whether a file name passes the include and exclude
// filters.
func (c *Coordinator) Selected(name string) bool {
	for _, p := range c.cfg.Exclude {
		if ok, _ := doublestar.Match(p, name); ok {
			return false
		}
	}
	if len(c.cfg.Include) == 0 {
		return true
	}
	for _, p := range c.cfg.Include {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

// path returns where a file is stored. Path elements from the grid are
// reduced to their base name.
func (c *Coordinator) path(datasetID, name string) string {
	clean := func(s string) string {
		return filepath.Base(filepath.Clean("/" + strings.ReplaceAll(s, "\\", "/")))
	}
	return filepath.Join(c.cfg.Dir, clean(datasetID), clean(name))
}

// Enqueue queues every selected file of one dataset of src. Files already
// tracked are left alone. It returns how many files were queued.
func (c *Coordinator) Enqueue(ctx context.Context, src Source, datasetID string) (int, error) {
	ids, err := src.GetFilesToDownload(datasetID)
	if err != nil {
		return 0, err
	}
	ds, err := src.GetDataset(datasetID)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var (
		events []File
		added  []*entry
	)
	c.mu.Lock()
	for _, id := range ids {
		f, ok := ds.File(id)
		if !ok {
			c.logger.Warn("selected file not in dataset", "dataset", datasetID, "file", id)
			continue
		}
		if !c.Selected(f.Name()) {
			continue
		}
		if _, dup := c.files[f.InstanceID]; dup {
			continue
		}
		size, _ := f.Size()
		e := &entry{
			info: File{
				ID:        f.InstanceID,
				DatasetID: datasetID,
				Name:      f.Name(),
				Path:      c.path(datasetID, f.Name()),
				Status:    StatusQueued,
				Size:      size,
				Updated:   time.Now(),
			},
			file: f.Clone(),
		}
		c.files[e.info.ID] = e
		c.order = append(c.order, e.info.ID)
		added = append(added, e)
		events = append(events, e.info)
	}
	c.mu.Unlock()

	if len(events) == 0 {
		return 0, nil
	}
	c.logger.Info("files queued", "dataset", datasetID, "count", len(events))
	// Observers see QUEUED before any worker can report DOWNLOADING.
	c.emit(events...)
	c.mu.Lock()
	for _, e := range added {
		if e.gen == 0 && e.info.Status == StatusQueued {
			c.submitLocked(e)
		}
	}
	c.mu.Unlock()
	return len(events), nil
}

// EnqueueSession queues the selected files of every completed dataset of a
// completed session.
func (c *Coordinator) EnqueueSession(ctx context.Context, s *session.Session) (int, error) {
	if !s.IsCompleted() {
		return 0, fmt.Errorf("%w: session %s is %s", session.ErrNotComplete, s.Name(), s.Status())
	}
	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(enqueueConcurrency)
	for _, info := range s.Datasets() {
		if info.Status != session.StatusCompleted {
			continue
		}
		g.Go(func() error {
			n, err := c.Enqueue(gctx, s, info.ID)
			if err != nil {
				return fmt.Errorf("enqueue dataset %s: %w", info.ID, err)
			}
			total.Add(int64(n))
			return nil
		})
	}
	err := g.Wait()
	return int(total.Load()), err
}

// submitLocked queues a job for e under a new generation. Caller holds c.mu.
func (c *Coordinator) submitLocked(e *entry) {
	e.gen++
	gen, key := e.gen, e.info.ID
	c.cfg.Pool.Submit("download "+key, func(ctx context.Context) error {
		return c.run(ctx, key, gen)
	})
}

func (c *Coordinator) run(ctx context.Context, key string, gen int) error {
	c.mu.Lock()
	e, ok := c.files[key]
	if !ok || e.gen != gen || e.info.Status != StatusQueued {
		c.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.cancel = cancel
	e.info.Status = StatusDownloading
	e.info.Attempts++
	e.info.Error = ""
	e.info.Updated = time.Now()
	file, info := e.file, e.info
	c.mu.Unlock()
	c.emit(info)

	res := c.transfer(ctx, file, info.Path, info.Size)

	c.mu.Lock()
	if e.gen != gen {
		// Paused or reset while running.
		c.mu.Unlock()
		return nil
	}
	e.cancel = nil
	e.info.Status = res.status
	e.info.Service = res.svc
	e.info.URL = res.url
	e.info.Written = res.written
	if res.err != nil {
		e.info.Error = res.err.Error()
	}
	e.info.Updated = time.Now()
	info = e.info
	c.mu.Unlock()

	if res.err != nil {
		c.logger.Info("download ended", "file", key, "status", res.status, "error", res.err)
	} else {
		c.logger.Info("download completed", "file", key, "service", res.svc, "bytes", res.written)
	}
	c.emit(info)
	if res.status == StatusCompleted || res.status == StatusPaused {
		return nil
	}
	return res.err
}

type source struct {
	svc record.Service
	url string
}

// sources lists every (service, url) of f in preference order, master
// replicas first within a service.
func (c *Coordinator) sources(f *record.DatasetFile) []source {
	var out []source
	seen := make(map[string]struct{})
	for _, svc := range c.cfg.Services {
		reps := slices.Clone(f.ReplicasFor(svc))
		slices.SortStableFunc(reps, func(a, b *record.Replica) int {
			return cmp.Compare(boolRank(a.Master), boolRank(b.Master))
		})
		for _, rep := range reps {
			u, ok := rep.URL(svc)
			if !ok || u == "" {
				continue
			}
			if _, dup := seen[u]; dup {
				continue
			}
			seen[u] = struct{}{}
			out = append(out, source{svc: svc, url: u})
		}
	}
	return out
}

func boolRank(master bool) int {
	if master {
		return 0
	}
	return 1
}

type result struct {
	status  Status
	svc     record.Service
	url     string
	written int64
	err     error
}

// transfer tries every source in turn until one succeeds.
func (c *Coordinator) transfer(ctx context.Context, f *record.DatasetFile, path string, size int64) result {
	srcs := c.sources(f)
	if len(srcs) == 0 {
		return result{status: StatusFailed, err: ErrNoSource}
	}

	var errs []error
	unauthorized := false
	for _, src := range srcs {
		n, err := c.fetch(ctx, src, f, path, size)
		if err == nil {
			return result{status: StatusCompleted, svc: src.svc, url: src.url, written: n}
		}
		if ctx.Err() != nil {
			return result{status: StatusPaused, svc: src.svc, url: src.url, err: ctx.Err()}
		}
		c.logger.Debug("source failed", "file", f.InstanceID, "service", src.svc, "url", src.url, "error", err)
		if errors.Is(err, transport.ErrUnauthorized) {
			unauthorized = true
		}
		errs = append(errs, fmt.Errorf("%s %s: %w", src.svc, src.url, err))
	}

	last := srcs[len(srcs)-1]
	status := StatusFailed
	if unauthorized {
		status = StatusUnauthorized
	}
	return result{status: status, svc: last.svc, url: last.url, err: errors.Join(errs...)}
}

// fetch downloads one source into a temp file, verifies it and moves it to
// path.
func (c *Coordinator) fetch(ctx context.Context, src source, f *record.DatasetFile, path string, size int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create download directory: %w", err)
	}
	// A job cancelled by Pause may still be cleaning up when its successor
	// starts, so every attempt gets its own temp file.
	out, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.part")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmp := out.Name()

	sum, typ := f.Checksum()
	h := newHash(typ)
	var w io.Writer = out
	if h != nil && sum != "" {
		w = io.MultiWriter(out, h)
	}

	n, err := c.cfg.Fetcher.Fetch(ctx, src.svc, src.url, w)
	if cerr := out.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close temp file: %w", cerr)
	}
	if err == nil && size > 0 && n != size {
		err = fmt.Errorf("%w: got %d bytes, want %d", ErrSizeMismatch, n, size)
	}
	if err == nil && h != nil && sum != "" {
		if got := hex.EncodeToString(h.Sum(nil)); !strings.EqualFold(got, sum) {
			err = fmt.Errorf("%w: %s %s, want %s", ErrChecksumMismatch, typ, got, sum)
		}
	}
	if err != nil {
		os.Remove(tmp)
		return n, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return n, fmt.Errorf("move downloaded file: %w", err)
	}
	return n, nil
}

// newHash returns a hash for a grid checksum type, or nil if unsupported.
func newHash(typ string) hash.Hash {
	switch strings.ReplaceAll(strings.ToLower(typ), "-", "") {
	case "md5":
		return md5.New()
	case "sha1":
		return sha1.New()
	case "sha256":
		return sha256.New()
	case "sha512":
		return sha512.New()
	}
	return nil
}

// Pause stops a queued or running download. A partial transfer is
// discarded.
func (c *Coordinator) Pause(id string) error {
	c.mu.Lock()
	e, ok := c.files[record.NormalizeFileID(id)]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !e.info.Status.Active() {
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot pause %s download", ErrInvalidTransition, e.info.Status)
	}
	cancel := c.pauseLocked(e)
	info := e.info
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.emit(info)
	return nil
}

// pauseLocked marks e paused and returns the cancel func of its running
// job. Caller holds c.mu.
func (c *Coordinator) pauseLocked(e *entry) context.CancelFunc {
	e.gen++
	e.info.Status = StatusPaused
	e.info.Updated = time.Now()
	cancel := e.cancel
	e.cancel = nil
	return cancel
}

// PauseAll pauses every queued or running download and returns how many
// were paused.
func (c *Coordinator) PauseAll() int {
	var (
		cancels []context.CancelFunc
		events  []File
	)
	c.mu.Lock()
	for _, id := range c.order {
		e := c.files[id]
		if !e.info.Status.Active() {
			continue
		}
		if cancel := c.pauseLocked(e); cancel != nil {
			cancels = append(cancels, cancel)
		}
		events = append(events, e.info)
	}
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	c.emit(events...)
	return len(events)
}

// Resume re-queues a paused download.
func (c *Coordinator) Resume(id string) error {
	c.mu.Lock()
	e, ok := c.files[record.NormalizeFileID(id)]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.info.Status != StatusPaused {
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot resume %s download", ErrInvalidTransition, e.info.Status)
	}
	e.info.Status = StatusQueued
	e.info.Updated = time.Now()
	c.submitLocked(e)
	info := e.info
	c.mu.Unlock()
	c.emit(info)
	return nil
}

// ResumeAll re-queues every paused download and returns how many were
// resumed.
func (c *Coordinator) ResumeAll() int {
	var events []File
	c.mu.Lock()
	for _, id := range c.order {
		e := c.files[id]
		if e.info.Status != StatusPaused {
			continue
		}
		e.info.Status = StatusQueued
		e.info.Updated = time.Now()
		c.submitLocked(e)
		events = append(events, e.info)
	}
	c.mu.Unlock()
	c.emit(events...)
	return len(events)
}

// Reset discards any downloaded content of a file and queues it again from
// scratch, whatever its state.
func (c *Coordinator) Reset(id string) error {
	c.mu.Lock()
	e, ok := c.files[record.NormalizeFileID(id)]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cancel := e.cancel
	e.cancel = nil
	e.info.Status = StatusQueued
	e.info.Attempts = 0
	e.info.Written = 0
	e.info.Error = ""
	e.info.URL = ""
	e.info.Updated = time.Now()
	path := e.info.Path
	// A new generation makes any running job drop its result.
	e.gen++
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("remove downloaded file", "path", path, "error", err)
	}

	c.mu.Lock()
	if e.info.Status == StatusQueued {
		c.submitLocked(e)
	}
	info := e.info
	c.mu.Unlock()
	c.emit(info)
	return nil
}

// Status returns a snapshot of one download.
func (c *Coordinator) Status(id string) (File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.files[record.NormalizeFileID(id)]
	if !ok {
		return File{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.info, nil
}

// Files returns every tracked download in queue order.
func (c *Coordinator) Files() []File {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]File, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.files[id].info)
	}
	return out
}

// Counts returns how many downloads are in each status.
func (c *Coordinator) Counts() map[Status]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Status]int)
	for _, e := range c.files {
		out[e.info.Status]++
	}
	return out
}

// Wait blocks until no download is queued or running.
func (c *Coordinator) Wait(ctx context.Context) error {
	return c.changed.WaitFor(ctx, time.Second, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, e := range c.files {
			if e.info.Status.Active() {
				return false
			}
		}
		return true
	})
}

// AddObserver registers o. The returned function removes it.
func (c *Coordinator) AddObserver(o Observer) (remove func()) {
	c.mu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = o
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

// emit delivers events to a snapshot of the observers and wakes waiters.
// Caller must not hold c.mu.
func (c *Coordinator) emit(events ...File) {
	if len(events) == 0 {
		return
	}
	c.mu.Lock()
	keys := make([]int, 0, len(c.observers))
	for k := range c.observers {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	obs := make([]Observer, 0, len(keys))
	for _, k := range keys {
		obs = append(obs, c.observers[k])
	}
	c.mu.Unlock()

	for _, ev := range events {
		for _, o := range obs {
			o.Notify(ev)
		}
	}
	c.changed.Notify()
}
