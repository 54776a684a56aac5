package testutil

import (
	"path/filepath"
	"testing"

	"github.com/wesm/casevault/internal/store"
)

// NewTestStore creates a temporary case registry with its schema applied.
// The database is closed when the test completes.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.InitSchema(); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return st
}
