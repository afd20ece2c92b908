package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/roach88/docstore/internal/invalidation"
	"github.com/roach88/docstore/internal/isolation"
	"github.com/roach88/docstore/internal/row"
	"github.com/roach88/docstore/internal/store"
)

// Batch is the set of fragment changes one Save commits atomically.
type Batch struct {
	Inserts []*row.Row
	Updates []*row.Row
	Deletes []row.RowId
}

// Invalidations returns what committing b invalidates.
func (b Batch) Invalidations() *invalidation.Invalidations {
	inv := invalidation.New()
	for _, r := range b.Inserts {
		inv.AddModified(r.RowId)
	}
	for _, r := range b.Updates {
		inv.AddModified(r.RowId)
	}
	for _, id := range b.Deletes {
		inv.AddDeleted(id)
	}
	return inv
}

// Session reads and writes fragments on its own connection with a row
// cache kept fresh by invalidations from other sessions and nodes.
//
// Thread-safety: All methods are safe for concurrent use; calls are
// serialized on the session's runner.
type Session struct {
	id     string
	repo   *Repository
	runner *isolation.Runner[*store.Mapper]
	queue  *invalidation.Queue
}

// NewSession opens a session and registers its invalidation queue.
func (r *Repository) NewSession(ctx context.Context) (*Session, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.mu.Unlock()

	id := uuid.NewString()
	name := "session-" + id[:8]
	runner := isolation.New(name,
		r.db.NewMapper(name, store.WithRowCache()),
		isolation.WithObserver(r.metrics.ObserveTask))
	s := &Session{
		id:     id,
		repo:   r,
		runner: runner,
		queue:  invalidation.NewQueue(name),
	}

	if _, err := isolation.Submit(ctx, runner, isolation.Open(noop)); err != nil {
		_ = runner.Shutdown()
		return nil, fmt.Errorf("open session: %w", err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_, _ = isolation.Submit(context.WithoutCancel(ctx), runner, isolation.Close(noop))
		_ = runner.Shutdown()
		return nil, ErrClosed
	}
	r.sessions[s] = struct{}{}
	r.mu.Unlock()

	r.cluster.AddQueue(s.queue)
	slog.Debug("session opened", "session", name)
	return s, nil
}

func noop(context.Context, *store.Mapper) (struct{}, error) {
	return struct{}{}, nil
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// CreateTable creates a fragment table if it does not exist.
func (s *Session) CreateTable(ctx context.Context, table string, columns []string, collection bool) error {
	_, err := isolation.Submit(ctx, s.runner, isolation.InConnection(
		func(ctx context.Context, m *store.Mapper) (struct{}, error) {
			return struct{}{}, m.CreateFragmentTable(ctx, table, columns, collection)
		}))
	return err
}

// NextID returns a fresh id of the repository's id type.
func (s *Session) NextID(ctx context.Context) (any, error) {
	return isolation.Submit(ctx, s.runner, isolation.InConnection(
		func(ctx context.Context, m *store.Mapper) (any, error) {
			return m.NextID(ctx)
		}))
}

// Read returns the single-row fragment id, or nil if absent.
func (s *Session) Read(ctx context.Context, id row.RowId) (*row.Row, error) {
	return isolation.Submit(ctx, s.runner, isolation.InConnection(
		func(ctx context.Context, m *store.Mapper) (*row.Row, error) {
			return m.ReadSimpleRow(ctx, id)
		}))
}

// ReadCollection returns the collection fragment id stored in column.
func (s *Session) ReadCollection(ctx context.Context, id row.RowId, column string) (*row.Row, error) {
	return isolation.Submit(ctx, s.runner, isolation.InConnection(
		func(ctx context.Context, m *store.Mapper) (*row.Row, error) {
			return m.ReadCollectionRow(ctx, id, column)
		}))
}

// Save commits b in one transaction, retrying lost write races. After the
// commit its invalidations are sent to the cluster and delivered to every
// other local session. The invalidations are returned.
//
// Notification runs on the session worker right after the commit, so a
// caller that stops waiting cannot leave a committed write unannounced.
func (s *Session) Save(ctx context.Context, b Batch) (*invalidation.Invalidations, error) {
	inv := b.Invalidations()
	if inv.IsEmpty() {
		return inv, nil
	}

	policy := s.repo.policy
	policy.OnRetry = s.repo.metrics.RetryHook("session")
	commit := isolation.WithRetry(policy, isolation.InConnection(isolation.InTransaction(
		func(ctx context.Context, m *store.Mapper) (struct{}, error) {
			return struct{}{}, write(ctx, m, b)
		})))
	_, err := isolation.Submit(ctx, s.runner, func(ctx context.Context, m *store.Mapper) (struct{}, error) {
		if _, err := commit(ctx, m); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, s.announce(ctx, inv)
	})
	if err != nil {
		return nil, fmt.Errorf("save: %w", err)
	}
	return inv, nil
}

// announce hands committed invalidations to peers and local sessions.
func (s *Session) announce(ctx context.Context, inv *invalidation.Invalidations) error {
	// Local sessions first: a failed send must not keep them stale too.
	s.repo.cluster.Propagate(inv, s.queue)
	if s.repo.Clustered() {
		if err := s.repo.cluster.Send(ctx, inv); err != nil {
			return fmt.Errorf("send invalidations: %w", err)
		}
	}
	return nil
}

func write(ctx context.Context, m *store.Mapper, b Batch) error {
	for table, rows := range groupRows(b.Inserts) {
		if err := m.InsertSimpleRows(ctx, table, rows); err != nil {
			return err
		}
	}
	for _, r := range b.Updates {
		if _, err := m.UpdateSimpleRow(ctx, r); err != nil {
			return err
		}
	}
	deletes := make(map[string][]any)
	for _, id := range b.Deletes {
		deletes[id.Table] = append(deletes[id.Table], id.ID)
	}
	for table, ids := range deletes {
		if err := m.DeleteSimpleRows(ctx, table, ids); err != nil {
			return err
		}
	}
	return nil
}

func groupRows(rows []*row.Row) map[string][]*row.Row {
	out := make(map[string][]*row.Row)
	for _, r := range rows {
		out[r.Table] = append(out[r.Table], r)
	}
	return out
}

// ProcessInvalidations applies everything other local sessions and, when
// clustered, other nodes invalidated since the last call: the affected
// cached rows are evicted. Peer invalidations are also handed on to the
// other local sessions. The applied invalidations are returned.
func (s *Session) ProcessInvalidations(ctx context.Context) (*invalidation.Invalidations, error) {
	if s.repo.Clustered() {
		remote, err := s.repo.cluster.Receive(ctx)
		if err != nil {
			return nil, fmt.Errorf("process invalidations: %w", err)
		}
		s.repo.cluster.Propagate(remote, s.queue)
		s.queue.Add(remote)
	}
	inv := s.queue.Drain()
	if inv.IsEmpty() {
		return inv, nil
	}
	_, err := isolation.Submit(ctx, s.runner,
		func(ctx context.Context, m *store.Mapper) (struct{}, error) {
			m.Evict(inv)
			return struct{}{}, nil
		})
	if err != nil {
		// The eviction may not have run; keep inv for the next call.
		s.queue.Add(inv)
		return nil, fmt.Errorf("process invalidations: %w", err)
	}
	slog.Debug("session invalidations processed", "session", s.queue.Name(), "invalidations", inv)
	return inv, nil
}

// Close unregisters the session and releases its connection. It is safe
// to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.repo.cluster.RemoveQueue(s.queue)
	s.repo.removeSession(s)

	_, err := isolation.Submit(ctx, s.runner, isolation.Close(noop))
	if errors.Is(err, isolation.ErrClosed) {
		return nil
	}
	if serr := s.runner.Shutdown(); serr != nil && err == nil {
		err = serr
	}
	return err
}
