package registry

import (
	"testing"
)

// openTestStore opens an in-memory SQLite store with all migrations applied.
// The store is closed when the test finishes.
func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
