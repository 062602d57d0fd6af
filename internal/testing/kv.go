package testing

import (
	"testing"

	"github.com/teranos/hub/kv"
)

// CreateTestKV opens an in-memory leveldb database.
// Automatically registers cleanup via t.Cleanup().
func CreateTestKV(t *testing.T) *kv.DB {
	t.Helper()

	db, err := kv.OpenMemory()
	if err != nil {
		t.Fatalf("Failed to create test kv store: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}
