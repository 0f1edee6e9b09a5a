package storage

import (
	"errors"
	"testing"
)

func exerciseDatabase(t *testing.T, db Database) {
	t.Helper()
	if _, err := db.Get([]byte("missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := db.Put([]byte("k"), []byte("v1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := db.Put([]byte("k"), []byte("v2")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := db.Get([]byte("k"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "v2" {
		t.Fatalf("expected v2, got %q", got)
	}
	if err := db.Delete([]byte("k")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.Get([]byte("k")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestMemDB(t *testing.T) {
	exerciseDatabase(t, NewMemDB())
}

func TestLevelDB(t *testing.T) {
	db, err := Open("leveldb", t.TempDir())
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	exerciseDatabase(t, db)
}

func TestBoltDB(t *testing.T) {
	db, err := Open("bolt", t.TempDir())
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	exerciseDatabase(t, db)
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open("redis", t.TempDir()); err == nil {
		t.Fatalf("expected unknown backend to fail")
	}
}

func TestMemDBCopiesValues(t *testing.T) {
	db := NewMemDB()
	value := []byte("abc")
	if err := db.Put([]byte("k"), value); err != nil {
		t.Fatalf("put: %v", err)
	}
	value[0] = 'z'
	got, _ := db.Get([]byte("k"))
	if string(got) != "abc" {
		t.Fatalf("stored value aliased caller slice: %q", got)
	}
}

func TestFileBackendsSurviveReopen(t *testing.T) {
	for _, backend := range []string{"leveldb", "bolt"} {
		dir := t.TempDir()
		db, err := Open(backend, dir)
		if err != nil {
			t.Fatalf("%s open: %v", backend, err)
		}
		if err := db.Put([]byte("session"), []byte("key")); err != nil {
			t.Fatalf("%s put: %v", backend, err)
		}
		if err := db.Close(); err != nil {
			t.Fatalf("%s close: %v", backend, err)
		}
		db, err = Open(backend, dir)
		if err != nil {
			t.Fatalf("%s reopen: %v", backend, err)
		}
		got, err := db.Get([]byte("session"))
		if err != nil || string(got) != "key" {
			t.Fatalf("%s after reopen: %q, %v", backend, got, err)
		}
		db.Close()
	}
}
