package store

import (
	"context"
	"path/filepath"
	"testing"
)

// createTestDB creates a new database in a temp directory for testing.
func createTestDB(t *testing.T, opts ...Option) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	d, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

// openTestMapper returns a connected Mapper that is closed on cleanup.
func openTestMapper(t *testing.T, d *DB, opts ...MapperOption) *Mapper {
	t.Helper()
	m := d.NewMapper(t.Name(), opts...)
	if err := m.OpenConnection(context.Background()); err != nil {
		t.Fatalf("OpenConnection() failed: %v", err)
	}
	t.Cleanup(func() { m.CloseConnection() })
	return m
}

// createDocTable creates the fragment table used across tests.
func createDocTable(t *testing.T, m *Mapper) {
	t.Helper()
	err := m.CreateFragmentTable(context.Background(), "dublincore", []string{"title", "rev"}, false)
	if err != nil {
		t.Fatalf("CreateFragmentTable() failed: %v", err)
	}
}
