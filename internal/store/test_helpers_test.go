package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/vchain/internal/entity"
	"github.com/roach88/vchain/internal/value"
)

// createTestStore creates a new file-backed store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var testCreated = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

// createTestObs builds an unsaved observation with minimal audit fields.
func createTestObs(v int64) *entity.Entity {
	e := entity.New("Obs", value.Map{
		"concept": value.String("weight"),
		"value":   value.Int(v),
	})
	e.Creator = "alice"
	e.DateCreated = testCreated
	return e
}
