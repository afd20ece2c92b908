package binary

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/roach88/docstore/internal/metrics"
)

// DefaultMargin covers filesystem timestamp resolution: a file marked less
// than this before the sweep started still counts as marked.
const DefaultMargin = 2 * time.Second

var (
	// ErrGCInProgress is returned by Start while a collection runs.
	ErrGCInProgress = errors.New("binary gc already in progress")

	// ErrGCNotStarted is returned by Stop without a running collection.
	ErrGCNotStarted = errors.New("binary gc not started")
)

// Status reports the totals of a collection. Binaries are the ones kept,
// BinariesGC the ones reclaimed (or reclaimable when not deleting).
type Status struct {
	NumBinaries    int64
	SizeBinaries   int64
	NumBinariesGC  int64
	SizeBinariesGC int64
	GCDuration     time.Duration
}

// GarbageCollector reclaims blobs not marked since Start.
//
// Usage: Start, Mark every digest still referenced, Stop. One collection
// at a time.
//
// Thread-safety: All methods are safe for concurrent use.
type GarbageCollector struct {
	store   *Store
	margin  time.Duration
	now     func() time.Time
	metrics *metrics.Metrics

	mu         sync.Mutex
	inProgress bool
	start      time.Time
	status     Status
}

// GCOption configures a GarbageCollector.
type GCOption func(*GarbageCollector)

// WithMargin overrides DefaultMargin.
func WithMargin(d time.Duration) GCOption {
	return func(gc *GarbageCollector) {
		gc.margin = d
	}
}

// WithClock replaces time.Now. Marks write the clock's time as mtime.
func WithClock(now func() time.Time) GCOption {
	return func(gc *GarbageCollector) {
		gc.now = now
	}
}

// WithGCMetrics installs metrics.
func WithGCMetrics(m *metrics.Metrics) GCOption {
	return func(gc *GarbageCollector) {
		gc.metrics = m
	}
}

func newGarbageCollector(s *Store, opts ...GCOption) *GarbageCollector {
	gc := &GarbageCollector{
		store:  s,
		margin: DefaultMargin,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(gc)
	}
	return gc
}

// Margin returns the safety margin.
func (gc *GarbageCollector) Margin() time.Duration {
	return gc.margin
}

// Start begins a collection.
func (gc *GarbageCollector) Start() error {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	if gc.inProgress {
		return ErrGCInProgress
	}
	gc.inProgress = true
	gc.start = gc.now()
	gc.status = Status{}
	slog.Info("binary gc started", "path", gc.store.base)
	return nil
}

// Mark records digest as still referenced by touching its file. Unknown
// or malformed digests are logged and ignored.
func (gc *GarbageCollector) Mark(digest string) {
	path, err := gc.store.FileForDigest(digest, false)
	if err != nil {
		slog.Warn("gc mark: invalid digest", "digest", digest, "error", err)
		return
	}
	now := gc.now()
	if err := os.Chtimes(path, now, now); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Warn("gc mark: unknown binary", "digest", digest)
			return
		}
		slog.Warn("gc mark failed", "digest", digest, "error", err)
	}
}

// Stop sweeps the data tree. Every file modified before start minus the
// margin is counted as garbage and, if del is set, removed. Empty shard
// directories are pruned. A file that cannot be inspected or removed is
// logged and skipped.
func (gc *GarbageCollector) Stop(del bool) (Status, error) {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	if !gc.inProgress {
		return Status{}, ErrGCNotStarted
	}
	defer func() { gc.inProgress = false }()

	threshold := gc.start.Add(-gc.margin)
	var st Status
	var dirs []string

	err := filepath.WalkDir(gc.store.data, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == gc.store.data {
				return err
			}
			slog.Warn("gc: cannot read", "path", path, "error", err)
			return nil
		}
		if d.IsDir() {
			if path != gc.store.data {
				dirs = append(dirs, path)
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			slog.Warn("gc: cannot stat", "path", path, "error", err)
			return nil
		}
		if !info.ModTime().Before(threshold) {
			st.NumBinaries++
			st.SizeBinaries += info.Size()
			return nil
		}
		if del {
			if err := os.Remove(path); err != nil {
				slog.Warn("gc: cannot delete", "path", path, "error", err)
				st.NumBinaries++
				st.SizeBinaries += info.Size()
				return nil
			}
		}
		st.NumBinariesGC++
		st.SizeBinariesGC += info.Size()
		return nil
	})
	if err != nil {
		return Status{}, err
	}

	// Deepest first, so a parent emptied by its children goes too.
	for i := len(dirs) - 1; i >= 0; i-- {
		entries, err := os.ReadDir(dirs[i])
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.Remove(dirs[i]); err != nil {
			slog.Warn("gc: cannot prune", "path", dirs[i], "error", err)
		}
	}

	st.GCDuration = gc.now().Sub(gc.start)
	gc.status = st
	gc.metrics.GCCompleted(st.NumBinaries, st.SizeBinaries, st.NumBinariesGC, st.SizeBinariesGC, st.GCDuration)
	slog.Info("binary gc done",
		"kept", st.NumBinaries,
		"kept_bytes", st.SizeBinaries,
		"reclaimed", st.NumBinariesGC,
		"reclaimed_bytes", st.SizeBinariesGC,
		"delete", del,
		"duration", st.GCDuration)
	return st, nil
}

// IsInProgress reports whether a collection is running.
func (gc *GarbageCollector) IsInProgress() bool {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.inProgress
}

// Status returns the totals of the last completed collection.
func (gc *GarbageCollector) Status() Status {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.status
}
