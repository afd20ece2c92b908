package lock

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/roach88/docstore/internal/isolation"
	"github.com/roach88/docstore/internal/store"
)

// testDBPath returns a database path in a temp directory.
func testDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

// openTestDB opens path, creating it if needed.
func openTestDB(t *testing.T, path string, opts ...store.Option) *store.DB {
	t.Helper()
	d, err := store.Open(path, opts...)
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

// startTestManager builds and starts a Manager on its own runner.
func startTestManager(t *testing.T, d *store.DB, opts ...Option) *Manager {
	t.Helper()
	r := isolation.New("locks", d.NewMapper("locks"))
	lm := New(r, opts...)
	if err := lm.Startup(context.Background()); err != nil {
		t.Fatalf("Startup() failed: %v", err)
	}
	t.Cleanup(func() {
		_ = lm.Shutdown(context.Background())
		_ = r.Shutdown()
	})
	return lm
}
