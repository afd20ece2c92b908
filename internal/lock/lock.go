// Package lock implements per-document pessimistic locks.
//
// A lock is one row in the locks table keyed by document id; absence means
// unlocked. The Manager runs on its own isolation runner so lock traffic
// never waits behind session work. Within a process, racing calls are
// ordered by the runner; across processes the table's primary key plus
// retry settle who wins.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/docstore/internal/isolation"
	"github.com/roach88/docstore/internal/metrics"
	"github.com/roach88/docstore/internal/row"
	"github.com/roach88/docstore/internal/store"
)

// Table is the lock table name.
const Table = "locks"

const (
	ownerKey   = "owner"
	createdKey = "created"
)

// Lock is the lock held on a document. Failed is set on the value returned
// by RemoveLock when the caller does not own the lock.
type Lock struct {
	Owner   string
	Created time.Time
	Failed  bool
}

func (l *Lock) String() string {
	if l == nil {
		return "Lock(none)"
	}
	if l.Failed {
		return fmt.Sprintf("Lock(%s, %s, failed)", l.Owner, l.Created.Format(time.RFC3339Nano))
	}
	return fmt.Sprintf("Lock(%s, %s)", l.Owner, l.Created.Format(time.RFC3339Nano))
}

// CanLockBeRemoved reports whether owner may remove lock: there must be a
// lock, and owner must be empty (no owner check) or equal to the lock
// owner. Owners are compared in Unicode NFC so equivalent spellings match.
func CanLockBeRemoved(lock *Lock, owner string) bool {
	if lock == nil {
		return false
	}
	return owner == "" || norm.NFC.String(owner) == norm.NFC.String(lock.Owner)
}

// Manager reads and writes locks through a dedicated runner.
//
// Thread-safety: All methods are safe for concurrent use.
type Manager struct {
	runner  *isolation.Runner[*store.Mapper]
	policy  isolation.RetryPolicy
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithRetryPolicy overrides isolation.DefaultRetryPolicy.
func WithRetryPolicy(p isolation.RetryPolicy) Option {
	return func(lm *Manager) {
		lm.policy = p
	}
}

// WithMetrics installs metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(lm *Manager) {
		lm.metrics = m
	}
}

// WithClock replaces time.Now for locks set without a creation time.
func WithClock(now func() time.Time) Option {
	return func(lm *Manager) {
		lm.now = now
	}
}

// New returns a Manager using runner, whose Mapper must be dedicated to
// the Manager.
func New(runner *isolation.Runner[*store.Mapper], opts ...Option) *Manager {
	lm := &Manager{
		runner: runner,
		policy: isolation.DefaultRetryPolicy(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(lm)
	}
	if lm.policy.OnRetry == nil {
		lm.policy.OnRetry = lm.metrics.RetryHook(runner.Name())
	}
	return lm
}

// Startup opens the Manager's connection and makes sure the lock table
// exists.
func (lm *Manager) Startup(ctx context.Context) error {
	_, err := isolation.Submit(ctx, lm.runner, isolation.Open(
		func(ctx context.Context, m *store.Mapper) (struct{}, error) {
			return struct{}{}, m.CreateFragmentTable(ctx, Table, []string{ownerKey, createdKey}, false)
		}))
	return err
}

// Shutdown closes the Manager's connection.
func (lm *Manager) Shutdown(ctx context.Context) error {
	_, err := isolation.Submit(ctx, lm.runner, isolation.Close(
		func(ctx context.Context, m *store.Mapper) (struct{}, error) {
			return struct{}{}, nil
		}))
	return err
}

// ClearCaches drops any row cached by the Manager's Mapper.
func (lm *Manager) ClearCaches(ctx context.Context) error {
	_, err := isolation.Submit(ctx, lm.runner,
		func(ctx context.Context, m *store.Mapper) (struct{}, error) {
			m.ClearCache()
			return struct{}{}, nil
		})
	return err
}

// GetLock returns the lock on id, or nil if unlocked. It runs without a
// transaction. A read interrupted by a connection reset is retried once on
// a fresh connection.
func (lm *Manager) GetLock(ctx context.Context, id any) (*Lock, error) {
	read := isolation.InConnection(func(ctx context.Context, m *store.Mapper) (*Lock, error) {
		return readLock(ctx, m, id)
	})
	lock, err := isolation.Submit(ctx, lm.runner, read)
	if store.IsConnectionReset(err) {
		slog.Debug("connection reset reading lock, retrying", "id", id, "error", err)
		lock, err = isolation.Submit(ctx, lm.runner, read)
	}
	if err != nil {
		lm.metrics.LockOp("get", "error")
		return nil, fmt.Errorf("get lock %v: %w", id, err)
	}
	lm.metrics.LockOp("get", "ok")
	return lock, nil
}

// SetLock locks id with lock if it is unlocked and returns nil. If id is
// already locked the existing lock is returned unchanged. A zero
// lock.Created is set to the current time.
func (lm *Manager) SetLock(ctx context.Context, id any, lock Lock) (*Lock, error) {
	if lock.Created.IsZero() {
		lock.Created = lm.now()
	}
	rid := row.RowId{Table: Table, ID: id}

	setIfAbsent := func(ctx context.Context, m *store.Mapper) (*Lock, error) {
		existing, err := readLock(ctx, m, id)
		if err != nil || existing != nil {
			return existing, err
		}
		r := row.New(Table, id)
		r.Put(ownerKey, lock.Owner)
		r.Put(createdKey, lock.Created.UnixNano())
		return nil, m.InsertSimpleRows(ctx, Table, []*row.Row{r})
	}

	existing, err := isolation.Submit(ctx, lm.runner, isolation.WithRetry(lm.policy, isolation.InConnection(
		func(ctx context.Context, m *store.Mapper) (*Lock, error) {
			// A cached row is answered without a transaction.
			if m.IsCached(rid) {
				return setIfAbsent(ctx, m)
			}
			return isolation.InTransaction(setIfAbsent)(ctx, m)
		})))
	if err != nil {
		lm.metrics.LockOp("set", "error")
		return nil, fmt.Errorf("set lock %v: %w", id, err)
	}
	if existing != nil {
		lm.metrics.LockOp("set", "conflict")
		slog.Debug("document already locked", "id", id, "lock", existing)
		return existing, nil
	}
	lm.metrics.LockOp("set", "ok")
	slog.Debug("document locked", "id", id, "owner", lock.Owner)
	return nil, nil
}

// RemoveLock unlocks id if CanLockBeRemoved allows owner to, and returns
// the removed lock. Otherwise it returns a copy of the existing lock with
// Failed set, or nil if id was not locked, and storage is left untouched.
// An empty owner removes any lock.
func (lm *Manager) RemoveLock(ctx context.Context, id any, owner string) (*Lock, error) {
	lock, err := isolation.Submit(ctx, lm.runner, isolation.WithRetry(lm.policy, isolation.InConnection(isolation.InTransaction(
		func(ctx context.Context, m *store.Mapper) (*Lock, error) {
			existing, err := readLock(ctx, m, id)
			if err != nil {
				return nil, err
			}
			if !CanLockBeRemoved(existing, owner) {
				if existing == nil {
					return nil, nil
				}
				failed := *existing
				failed.Failed = true
				return &failed, nil
			}
			return existing, m.DeleteSimpleRows(ctx, Table, []any{id})
		}))))
	switch {
	case err != nil:
		lm.metrics.LockOp("remove", "error")
		return nil, fmt.Errorf("remove lock %v: %w", id, err)
	case lock != nil && lock.Failed:
		lm.metrics.LockOp("remove", "conflict")
		slog.Debug("lock owned by someone else", "id", id, "owner", owner, "lock", lock)
	default:
		lm.metrics.LockOp("remove", "ok")
	}
	return lock, nil
}

func readLock(ctx context.Context, m *store.Mapper, id any) (*Lock, error) {
	r, err := m.ReadSimpleRow(ctx, row.RowId{Table: Table, ID: id})
	if err != nil || r == nil {
		return nil, err
	}
	return fromRow(r)
}

func fromRow(r *row.Row) (*Lock, error) {
	owner, _ := r.Get(ownerKey).(string)
	var created time.Time
	switch v := r.Get(createdKey).(type) {
	case int64:
		created = time.Unix(0, v).UTC()
	case nil:
	default:
		return nil, fmt.Errorf("lock %s: unexpected created value %T", r.RowId, v)
	}
	return &Lock{Owner: owner, Created: created}, nil
}
