package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/docstore/internal/invalidation"
	"github.com/roach88/docstore/internal/row"
)

// querier is satisfied by both *sql.Conn and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Mapper translates fragment reads and writes into SQL on one physical
// connection.
//
// Thread-safety: NOT safe for concurrent use. Confine each Mapper to one
// isolation.Runner.
type Mapper struct {
	name string
	db   *DB

	conn *sql.Conn
	tx   *sql.Tx

	// cache holds rows read or written through this Mapper. nil when row
	// caching is disabled.
	cache map[row.RowId]*row.Row
}

// MapperOption configures NewMapper.
type MapperOption func(*Mapper)

// WithRowCache enables the per-Mapper row cache. Only use it where cluster
// invalidations are applied through Evict; otherwise reads go stale.
func WithRowCache() MapperOption {
	return func(m *Mapper) {
		m.cache = make(map[row.RowId]*row.Row)
	}
}

// Name returns the Mapper name, used in logs.
func (m *Mapper) Name() string {
	return m.name
}

// IDType returns the id type of the backing store.
func (m *Mapper) IDType() IDType {
	return m.db.idType
}

func (m *Mapper) String() string {
	return fmt.Sprintf("Mapper(%s)", m.name)
}

// OpenConnection acquires a physical connection from the pool.
// It is a no-op when already connected.
func (m *Mapper) OpenConnection(ctx context.Context) error {
	if m.conn != nil {
		return nil
	}
	conn, err := m.db.db.Conn(ctx)
	if err != nil {
		return wrap("open connection", err)
	}
	m.conn = conn
	return nil
}

// CloseConnection rolls back any open transaction and returns the
// connection to the pool. It is a no-op when not connected.
func (m *Mapper) CloseConnection() error {
	if m.conn == nil {
		return nil
	}
	if m.tx != nil {
		_ = m.tx.Rollback()
		m.tx = nil
		m.ClearCache()
	}
	err := m.conn.Close()
	m.conn = nil
	return wrap("close connection", err)
}

// IsConnected reports whether the Mapper holds a connection.
func (m *Mapper) IsConnected() bool {
	return m.conn != nil
}

// Acquire connects if needed and returns a release func that disconnects
// only if this call connected. Call release on every exit path:
//
//	release, err := m.Acquire(ctx)
//	if err != nil {
//	    return err
//	}
//	defer release()
func (m *Mapper) Acquire(ctx context.Context) (release func(), err error) {
	if m.conn != nil {
		return func() {}, nil
	}
	if err := m.OpenConnection(ctx); err != nil {
		return nil, err
	}
	return func() { _ = m.CloseConnection() }, nil
}

// Begin starts a transaction on the current connection.
func (m *Mapper) Begin(ctx context.Context) error {
	if m.conn == nil {
		return wrap("begin", ErrNotConnected)
	}
	if m.tx != nil {
		return wrap("begin", ErrTxActive)
	}
	tx, err := m.conn.BeginTx(ctx, nil)
	if err != nil {
		return m.fail("begin", err)
	}
	m.tx = tx
	return nil
}

// Commit commits the open transaction.
func (m *Mapper) Commit() error {
	if m.tx == nil {
		return wrap("commit", ErrNoTx)
	}
	err := m.tx.Commit()
	m.tx = nil
	if err != nil {
		m.ClearCache()
		return m.fail("commit", err)
	}
	return nil
}

// Rollback aborts the open transaction. Cached rows may reflect the aborted
// writes, so the cache is cleared.
func (m *Mapper) Rollback() error {
	if m.tx == nil {
		return wrap("rollback", ErrNoTx)
	}
	err := m.tx.Rollback()
	m.tx = nil
	m.ClearCache()
	return m.fail("rollback", err)
}

// InTransaction reports whether a transaction is open.
func (m *Mapper) InTransaction() bool {
	return m.tx != nil
}

// IsCached reports whether id's row is resident in the row cache.
func (m *Mapper) IsCached(id row.RowId) bool {
	if m.cache == nil {
		return false
	}
	_, ok := m.cache[id]
	return ok
}

// ClearCache drops every cached row.
func (m *Mapper) ClearCache() {
	if m.cache == nil {
		return
	}
	clear(m.cache)
}

// Evict drops cached rows named by inv. An all value clears the cache.
// Pseudo-table entries are ignored here; they concern derived views.
func (m *Mapper) Evict(inv *invalidation.Invalidations) {
	if m.cache == nil || inv.IsEmpty() {
		return
	}
	if inv.IsAll() {
		m.ClearCache()
		return
	}
	for _, id := range inv.Modified() {
		delete(m.cache, id)
	}
	for _, id := range inv.Deleted() {
		delete(m.cache, id)
	}
}

func (m *Mapper) cachePut(r *row.Row) {
	if m.cache == nil {
		return
	}
	m.cache[r.RowId] = r.Clone()
}

func (m *Mapper) cacheGet(id row.RowId) (*row.Row, bool) {
	if m.cache == nil {
		return nil, false
	}
	r, ok := m.cache[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

func (m *Mapper) cacheDelete(id row.RowId) {
	if m.cache == nil {
		return
	}
	delete(m.cache, id)
}

// q returns the transaction if one is open, else the connection.
func (m *Mapper) q(op string) (querier, error) {
	if m.tx != nil {
		return m.tx, nil
	}
	if m.conn != nil {
		return m.conn, nil
	}
	return nil, wrap(op, ErrNotConnected)
}

// fail wraps err and, if the connection died, drops it so the next
// OpenConnection gets a fresh one.
func (m *Mapper) fail(op string, err error) error {
	if err == nil {
		return nil
	}
	werr := wrap(op, err)
	if IsConnectionReset(werr) {
		m.tx = nil
		if m.conn != nil {
			_ = m.conn.Close()
			m.conn = nil
		}
		m.ClearCache()
	}
	return werr
}
