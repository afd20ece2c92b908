package cluster

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/roach88/docstore/internal/isolation"
	"github.com/roach88/docstore/internal/store"
)

// createTestDB creates a new database in a temp directory for testing.
func createTestDB(t *testing.T, opts ...store.Option) *store.DB {
	t.Helper()
	d, err := store.Open(filepath.Join(t.TempDir(), "test.db"), opts...)
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

// newTestCoordinator builds a Coordinator on its own runner. It is not
// started.
func newTestCoordinator(t *testing.T, d *store.DB, name string, opts ...Option) *Coordinator {
	t.Helper()
	r := isolation.New(name, d.NewMapper(name))
	c := New(r, opts...)
	t.Cleanup(func() {
		_ = c.Shutdown(context.Background())
		_ = r.Shutdown()
	})
	return c
}

// startTestCoordinator is newTestCoordinator plus Startup.
func startTestCoordinator(t *testing.T, d *store.DB, name string, opts ...Option) *Coordinator {
	t.Helper()
	c := newTestCoordinator(t, d, name, opts...)
	if err := c.Startup(context.Background()); err != nil {
		t.Fatalf("Startup() failed: %v", err)
	}
	return c
}

// holdWriteLock opens a transaction on its own connection so every other
// writer waits on the busy timeout until release is called.
func holdWriteLock(t *testing.T, d *store.DB) (release func()) {
	t.Helper()
	m := d.NewMapper("lock-holder")
	if err := m.OpenConnection(context.Background()); err != nil {
		t.Fatalf("OpenConnection() failed: %v", err)
	}
	if err := m.Begin(context.Background()); err != nil {
		t.Fatalf("Begin() failed: %v", err)
	}
	var once sync.Once
	release = func() {
		once.Do(func() {
			_ = m.Rollback()
			_ = m.CloseConnection()
		})
	}
	t.Cleanup(release)
	return release
}
