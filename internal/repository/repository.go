// Package repository wires the storage subsystems into one repository: a
// backing store, a cluster coordinator, a lock manager and a binary store,
// each with its own connection and isolation runner, plus the sessions
// that read and write fragments.
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/docstore/internal/binary"
	"github.com/roach88/docstore/internal/cluster"
	"github.com/roach88/docstore/internal/config"
	"github.com/roach88/docstore/internal/isolation"
	"github.com/roach88/docstore/internal/lock"
	"github.com/roach88/docstore/internal/metrics"
	"github.com/roach88/docstore/internal/store"
)

// ErrClosed is returned by NewSession after Close.
var ErrClosed = errors.New("repository closed")

// Repository owns every subsystem of one repository in this process.
//
// Thread-safety: All methods are safe for concurrent use.
type Repository struct {
	cfg     config.Config
	db      *store.DB
	metrics *metrics.Metrics
	policy  isolation.RetryPolicy

	clusterRunner *isolation.Runner[*store.Mapper]
	cluster       *cluster.Coordinator
	lockRunner    *isolation.Runner[*store.Mapper]
	locks         *lock.Manager
	binaries      *binary.Store

	pollCancel context.CancelFunc
	pollDone   chan struct{}

	mu       sync.Mutex
	closed   bool
	sessions map[*Session]struct{}
}

// Option configures Open.
type Option func(*options)

type options struct {
	reg    prometheus.Registerer
	noPoll bool
}

// WithRegisterer registers repository metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.reg = reg
	}
}

// WithoutPoller disables the background cluster poller. Sessions still
// pull peer invalidations in ProcessInvalidations.
func WithoutPoller() Option {
	return func(o *options) {
		o.noPoll = true
	}
}

// Open opens the backing store and binary store named by cfg and starts
// the lock manager and, when clustering is enabled, the cluster node.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*Repository, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := store.Open(cfg.Database, store.WithIDType(cfg.IDType))
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", cfg.Repository, err)
	}

	m := metrics.New(o.reg)
	policy := cfg.RetryPolicy()

	r := &Repository{
		cfg:      cfg,
		db:       db,
		metrics:  m,
		policy:   policy,
		sessions: make(map[*Session]struct{}),
	}

	r.binaries, err = binary.Open(cfg.BinaryStore.Path,
		binary.WithDepth(cfg.BinaryStore.Depth),
		binary.WithDigest(cfg.BinaryStore.Digest),
		binary.WithMetrics(m),
		binary.WithGCOptions(binary.WithMargin(cfg.GC.SafetyMargin.Std())),
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open repository %s: %w", cfg.Repository, err)
	}

	r.clusterRunner = r.newRunner("cluster")
	r.cluster = cluster.New(r.clusterRunner,
		cluster.WithDelay(cfg.Clustering.Delay.Std()),
		cluster.WithMetrics(m),
	)

	r.lockRunner = r.newRunner("locks")
	r.locks = lock.New(r.lockRunner,
		lock.WithRetryPolicy(policy),
		lock.WithMetrics(m),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.locks.Startup(gctx)
	})
	if cfg.Clustering.Enabled {
		g.Go(func() error {
			return r.cluster.Startup(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		_ = r.Close(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("start repository %s: %w", cfg.Repository, err)
	}

	if cfg.Clustering.Enabled && !o.noPoll {
		pollCtx, cancel := context.WithCancel(context.Background())
		r.pollCancel = cancel
		r.pollDone = make(chan struct{})
		go func() {
			defer close(r.pollDone)
			_ = r.cluster.Poll(pollCtx)
		}()
	}

	slog.Info("repository opened",
		"repository", cfg.Repository,
		"database", cfg.Database,
		"id_type", cfg.IDType,
		"clustering", cfg.Clustering.Enabled,
		"node", r.cluster.NodeID())
	return r, nil
}

func (r *Repository) newRunner(name string) *isolation.Runner[*store.Mapper] {
	return isolation.New(name, r.db.NewMapper(name), isolation.WithObserver(r.metrics.ObserveTask))
}

// Config returns the configuration the repository was opened with.
func (r *Repository) Config() config.Config {
	return r.cfg
}

// Locks returns the lock manager.
func (r *Repository) Locks() *lock.Manager {
	return r.locks
}

// Binaries returns the binary store.
func (r *Repository) Binaries() *binary.Store {
	return r.binaries
}

// Cluster returns the cluster coordinator. With clustering disabled it
// only fans out between local sessions.
func (r *Repository) Cluster() *cluster.Coordinator {
	return r.cluster
}

// Clustered reports whether the repository takes part in a cluster.
func (r *Repository) Clustered() bool {
	return r.cfg.Clustering.Enabled
}

// Close closes every open session, deregisters the cluster node and shuts
// down the subsystems. All errors are reported together.
func (r *Repository) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	if r.pollCancel != nil {
		r.pollCancel()
		<-r.pollDone
	}

	var result *multierror.Error
	for _, s := range sessions {
		result = multierror.Append(result, s.Close(ctx))
	}
	if r.cfg.Clustering.Enabled {
		result = multierror.Append(result, r.cluster.Shutdown(ctx))
	}
	result = multierror.Append(result,
		r.locks.Shutdown(ctx),
		r.clusterRunner.Shutdown(),
		r.lockRunner.Shutdown(),
		r.db.Close(),
	)

	if err := result.ErrorOrNil(); err != nil {
		slog.Error("repository closed with errors", "repository", r.cfg.Repository, "error", err)
		return err
	}
	slog.Info("repository closed", "repository", r.cfg.Repository)
	return nil
}

func (r *Repository) removeSession(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s)
}
