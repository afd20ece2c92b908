package isolation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/roach88/docstore/internal/store"
)

// fakeConn records lifecycle calls. Its fields are deliberately
// unsynchronized: only the worker goroutine may touch them.
type fakeConn struct {
	connected bool
	inTx      bool

	opens, closes              int
	begins, commits, rollbacks int
	beginErr, commitErr, rbErr error
	counter                    int
}

func (f *fakeConn) OpenConnection(context.Context) error {
	if !f.connected {
		f.opens++
	}
	f.connected = true
	return nil
}

func (f *fakeConn) CloseConnection() error {
	if f.connected {
		f.closes++
	}
	f.connected = false
	f.inTx = false
	return nil
}

func (f *fakeConn) Acquire(ctx context.Context) (func(), error) {
	if f.connected {
		return func() {}, nil
	}
	_ = f.OpenConnection(ctx)
	return func() { _ = f.CloseConnection() }, nil
}

func (f *fakeConn) Begin(context.Context) error {
	if f.beginErr != nil {
		return f.beginErr
	}
	if f.inTx {
		return errors.New("already in tx")
	}
	f.begins++
	f.inTx = true
	return nil
}

func (f *fakeConn) Commit() error {
	f.inTx = false
	if f.commitErr != nil {
		return f.commitErr
	}
	f.commits++
	return nil
}

func (f *fakeConn) Rollback() error {
	f.inTx = false
	f.rollbacks++
	return f.rbErr
}

func (f *fakeConn) InTransaction() bool {
	return f.inTx
}

// newTestRunner starts a Runner over a fresh fakeConn and shuts it down on
// cleanup.
func newTestRunner(t *testing.T, opts ...Option) (*Runner[*fakeConn], *fakeConn) {
	t.Helper()
	f := &fakeConn{}
	r := New(t.Name(), f, opts...)
	t.Cleanup(func() { _ = r.Shutdown() })
	return r, f
}

// conflict returns a retryable store error.
func conflict() error {
	return store.NewError(store.ErrCodeConcurrentUpdate, "insert", errors.New("UNIQUE constraint failed"))
}

// fastPolicy keeps retry tests quick.
func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{Attempts: attempts, Initial: time.Millisecond, Increment: time.Millisecond}
}
