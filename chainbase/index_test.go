package chainbase

import (
	"encoding/binary"
	"testing"
)

type finalizerRow struct {
	ID  ID
	Key uint64
}

func TestHashIndexFindAndRemove(t *testing.T) {
	db := NewDatabase(nil)
	table := NewTable(db, "finalizers", func(r *finalizerRow) ID { return r.ID }, func(r *finalizerRow, id ID) { r.ID = id })
	idx := NewHashIndex(
		func(r *finalizerRow) uint64 { return r.Key },
		func(k uint64) []byte { b := make([]byte, 8); binary.LittleEndian.PutUint64(b, k); return b },
		func(id ID) (*finalizerRow, bool) { return table.Find(id) },
	)
	table.AddIndex(idx)

	row, err := table.Create(func(r *finalizerRow) { r.Key = 42 })
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, ok := idx.Get(42)
	if !ok || got.ID != row.ID {
		t.Fatalf("expected to find row by key 42")
	}

	if _, err := table.Create(func(r *finalizerRow) { r.Key = 42 }); err != ErrDuplicateKey {
		t.Fatalf("expected duplicate key rejection, got %v", err)
	}

	if err := table.Remove(row); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := idx.Get(42); ok {
		t.Fatalf("expected no row after removal")
	}
}

func TestHashIndexCollisionsResolveByEquality(t *testing.T) {
	db := NewDatabase(nil)
	table := NewTable(db, "rows", func(r *finalizerRow) ID { return r.ID }, func(r *finalizerRow, id ID) { r.ID = id })
	idx := NewHashIndex(
		func(r *finalizerRow) uint64 { return r.Key },
		func(k uint64) []byte { b := make([]byte, 8); binary.LittleEndian.PutUint64(b, k); return b },
		func(id ID) (*finalizerRow, bool) { return table.Find(id) },
	)
	table.AddIndex(idx)

	for _, k := range []uint64{1, 2, 3, 100, 12345} {
		if _, err := table.Create(func(r *finalizerRow) { r.Key = k }); err != nil {
			t.Fatalf("Create(%d): %v", k, err)
		}
	}

	for _, k := range []uint64{1, 2, 3, 100, 12345} {
		row, ok := idx.Get(k)
		if !ok || row.Key != k {
			t.Fatalf("lookup of key %d failed", k)
		}
	}
	if _, ok := idx.Get(999); ok {
		t.Fatalf("lookup of absent key should fail")
	}
}
