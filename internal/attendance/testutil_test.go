package attendance

import (
	"context"
	"testing"

	"presenza/internal/store"
)

func setupTestRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := store.NewDB(context.Background(), store.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewRepository(db.Client)
}
