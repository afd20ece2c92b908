package repository

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/roach88/docstore/internal/config"
)

// testConfig returns a configuration rooted in dir with fast retries.
func testConfig(dir string) config.Config {
	cfg := config.Default()
	cfg.Database = filepath.Join(dir, "repo.db")
	cfg.BinaryStore.Path = filepath.Join(dir, "binaries")
	cfg.Retry = config.Retry{
		Attempts:  3,
		Initial:   config.Duration(time.Millisecond),
		Increment: config.Duration(time.Millisecond),
	}
	return cfg
}

// clusteredConfig is testConfig with clustering and no pull delay.
func clusteredConfig(dir string) config.Config {
	cfg := testConfig(dir)
	cfg.Clustering = config.Clustering{Enabled: true, Delay: 0}
	return cfg
}

// openTestRepository opens cfg and closes it on cleanup.
func openTestRepository(t *testing.T, cfg config.Config, opts ...Option) *Repository {
	t.Helper()
	r, err := Open(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

// openTestSession opens a session on r with the dublincore table.
func openTestSession(t *testing.T, r *Repository) *Session {
	t.Helper()
	ctx := context.Background()
	s, err := r.NewSession(ctx)
	if err != nil {
		t.Fatalf("NewSession() failed: %v", err)
	}
	if err := s.CreateTable(ctx, "dublincore", []string{"title"}, false); err != nil {
		t.Fatalf("CreateTable() failed: %v", err)
	}
	return s
}

// holdWriteLock opens a transaction on its own connection to r's database
// so every other writer waits on the busy timeout until release is called.
func holdWriteLock(t *testing.T, r *Repository) (release func()) {
	t.Helper()
	m := r.db.NewMapper("lock-holder")
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
