package chainbase

import "github.com/cespare/xxhash/v2"

// ID is a row's stable, monotonically increasing identity within its table.
// IDs that survive are never reused; an Undo rolls the counter back, so IDs
// minted inside an undone session are handed out again afterwards. A
// reference to a row captured before a session started stays meaningful if
// that session is rolled back.
type ID uint64

// index is the internal interface every secondary index satisfies so that
// Table can maintain them generically on Create/Modify/Remove without
// knowing their key type.
type index[T any] interface {
	insert(id ID, row *T)
	remove(id ID, row *T)
	// findRow reports the id of the existing row (if any) that collides
	// with row's current key, used for the uniqueness check Create/Modify
	// run before committing a mutation.
	findRow(row *T) (ID, bool)
}

type orderedEntry[K any] struct {
	key K
	id  ID
}

// OrderedIndex is a unique, key-ordered secondary index, the Go analogue of
// chainbase's ordered_unique<K> index tag: lookups and range scans are
// driven by a user-supplied comparator rather than a hash, mirroring the
// original's reliance on a key-ordered (red-black tree) container for
// indices that need Find/lower_bound semantics (e.g. "all blocks at or
// above height N").
type OrderedIndex[T any, K any] struct {
	keyFunc func(*T) K
	less    func(a, b K) bool
	entries []orderedEntry[K]
	resolve func(ID) (*T, bool)
}

// NewOrderedIndex builds an ordered index over T keyed by keyFunc, ordered
// by less, resolving IDs back to rows via resolve (normally Table.Find).
func NewOrderedIndex[T any, K any](keyFunc func(*T) K, less func(a, b K) bool, resolve func(ID) (*T, bool)) *OrderedIndex[T, K] {
	return &OrderedIndex[T, K]{keyFunc: keyFunc, less: less, resolve: resolve}
}

func (idx *OrderedIndex[T, K]) search(key K) int {
	lo, hi := 0, len(idx.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if idx.less(idx.entries[mid].key, key) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func (idx *OrderedIndex[T, K]) insert(id ID, row *T) {
	key := idx.keyFunc(row)
	pos := idx.search(key)
	idx.entries = append(idx.entries, orderedEntry[K]{})
	copy(idx.entries[pos+1:], idx.entries[pos:])
	idx.entries[pos] = orderedEntry[K]{key: key, id: id}
}

func (idx *OrderedIndex[T, K]) remove(id ID, row *T) {
	key := idx.keyFunc(row)
	pos := idx.search(key)
	for pos < len(idx.entries) && !idx.less(key, idx.entries[pos].key) {
		if idx.entries[pos].id == id {
			idx.entries = append(idx.entries[:pos], idx.entries[pos+1:]...)
			return
		}
		pos++
	}
}

func (idx *OrderedIndex[T, K]) findRow(row *T) (ID, bool) {
	return idx.Find(idx.keyFunc(row))
}

// Find looks up the row with exactly this key.
func (idx *OrderedIndex[T, K]) Find(key K) (ID, bool) {
	pos := idx.search(key)
	if pos < len(idx.entries) && !idx.less(key, idx.entries[pos].key) && !idx.less(idx.entries[pos].key, key) {
		return idx.entries[pos].id, true
	}
	return 0, false
}

// Get is Find followed by resolving the ID to a row.
func (idx *OrderedIndex[T, K]) Get(key K) (*T, bool) {
	id, ok := idx.Find(key)
	if !ok {
		return nil, false
	}
	return idx.resolve(id)
}

// LowerBound returns the IDs of all rows whose key is >= key, in ascending
// key order. Used for range scans such as "reversible blocks from height N".
func (idx *OrderedIndex[T, K]) LowerBound(key K) []ID {
	pos := idx.search(key)
	out := make([]ID, 0, len(idx.entries)-pos)
	for _, e := range idx.entries[pos:] {
		out = append(out, e.id)
	}
	return out
}

// Len reports the number of indexed rows.
func (idx *OrderedIndex[T, K]) Len() int { return len(idx.entries) }

type hashEntry[K comparable] struct {
	key K
	id  ID
}

// HashIndex is a unique, hash-ordered secondary index, the analogue of
// chainbase's hashed_unique<K> tag: O(1) point lookups with no ordering
// guarantee, backed by xxhash (the same hash family the teacher repo uses
// for its own hash-ordered index) to bucket entries before the equality
// comparison that resolves collisions.
type HashIndex[T any, K comparable] struct {
	keyFunc func(*T) K
	toBytes func(K) []byte
	buckets map[uint64][]hashEntry[K]
	resolve func(ID) (*T, bool)
}

// NewHashIndex builds a hash index over T keyed by keyFunc; toBytes encodes
// a key for hashing.
func NewHashIndex[T any, K comparable](keyFunc func(*T) K, toBytes func(K) []byte, resolve func(ID) (*T, bool)) *HashIndex[T, K] {
	return &HashIndex[T, K]{
		keyFunc: keyFunc,
		toBytes: toBytes,
		buckets: make(map[uint64][]hashEntry[K]),
		resolve: resolve,
	}
}

func (idx *HashIndex[T, K]) bucketOf(key K) uint64 {
	return xxhash.Sum64(idx.toBytes(key))
}

func (idx *HashIndex[T, K]) insert(id ID, row *T) {
	key := idx.keyFunc(row)
	b := idx.bucketOf(key)
	idx.buckets[b] = append(idx.buckets[b], hashEntry[K]{key: key, id: id})
}

func (idx *HashIndex[T, K]) remove(id ID, row *T) {
	key := idx.keyFunc(row)
	b := idx.bucketOf(key)
	entries := idx.buckets[b]
	for i, e := range entries {
		if e.id == id {
			idx.buckets[b] = append(entries[:i], entries[i+1:]...)
			if len(idx.buckets[b]) == 0 {
				delete(idx.buckets, b)
			}
			return
		}
	}
}

func (idx *HashIndex[T, K]) findRow(row *T) (ID, bool) {
	return idx.Find(idx.keyFunc(row))
}

// Find looks up the row with exactly this key.
func (idx *HashIndex[T, K]) Find(key K) (ID, bool) {
	for _, e := range idx.buckets[idx.bucketOf(key)] {
		if e.key == key {
			return e.id, true
		}
	}
	return 0, false
}

// Get is Find followed by resolving the ID to a row.
func (idx *HashIndex[T, K]) Get(key K) (*T, bool) {
	id, ok := idx.Find(key)
	if !ok {
		return nil, false
	}
	return idx.resolve(id)
}
