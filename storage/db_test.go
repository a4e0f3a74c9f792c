package storage

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func exerciseDatabase(t *testing.T, db Database) {
	t.Helper()
	if _, err := db.Get([]byte("missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := db.Put([]byte("a/1"), []byte("one")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := db.Put([]byte("a/2"), []byte("two")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := db.Put([]byte("b/1"), []byte("other")); err != nil {
		t.Fatalf("put: %v", err)
	}

	value, err := db.Get([]byte("a/1"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(value, []byte("one")) {
		t.Fatalf("value %q, want one", value)
	}

	var keys []string
	err = db.IteratePrefix([]byte("a/"), func(key, _ []byte) bool {
		keys = append(keys, string(key))
		return true
	})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(keys) != 2 || keys[0] != "a/1" || keys[1] != "a/2" {
		t.Fatalf("prefix walk %v, want [a/1 a/2] in order", keys)
	}

	// Early stop.
	count := 0
	err = db.IteratePrefix([]byte("a/"), func(_, _ []byte) bool {
		count++
		return false
	})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if count != 1 {
		t.Fatalf("early stop visited %d keys, want 1", count)
	}

	if err := db.Delete([]byte("a/1")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.Get([]byte("a/1")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemDB(t *testing.T) {
	db := NewMemDB()
	defer db.Close()
	exerciseDatabase(t, db)
}

func TestLevelDB(t *testing.T) {
	db, err := NewLevelDB(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	defer db.Close()
	exerciseDatabase(t, db)
}
