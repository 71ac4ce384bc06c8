package chainbase

// delta holds everything a single table needs to undo the mutations it saw
// during one revision: the pre-image of every row Modify touched (first
// write only, so repeated modifies within the session don't lose the
// original), the pre-image of every row Remove deleted, the set of IDs
// Create minted, and the nextID counter from before the session began.
type delta[T any] struct {
	oldValues      map[ID]T
	removedValues  map[ID]T
	newIDs         map[ID]struct{}
	oldNextID      ID
	nextIDCaptured bool
}

func newDelta[T any]() *delta[T] {
	return &delta[T]{
		oldValues:     make(map[ID]T),
		removedValues: make(map[ID]T),
		newIDs:        make(map[ID]struct{}),
	}
}

// tableController is the revision-agnostic face of Table[T] that Database
// uses to coordinate undo/squash/commit across every table it manages
// without needing Database itself to be generic.
type tableController interface {
	name() string
	hasDelta(rev int64) bool
	undo(rev int64)
	squash(childRev, parentRev int64)
	commit(uptoRev int64)
}

// Table is a generic, undo-aware object table: the Go counterpart of a
// chainbase multi_index_container instantiation. Rows are addressed by a
// monotonic ID and may carry any number of secondary indices.
type Table[T any] struct {
	db        *Database
	tableName string

	byID   map[ID]*T
	nextID ID

	indices []index[T]

	getID func(*T) ID
	setID func(*T, ID)

	deltas map[int64]*delta[T]
}

// NewTable registers a new table named name on db. getID/setID access the
// row's own ID field; Table needs them because Go generics have no portable
// way to require "T has a field named ID".
func NewTable[T any](db *Database, name string, getID func(*T) ID, setID func(*T, ID)) *Table[T] {
	t := &Table[T]{
		db:        db,
		tableName: name,
		byID:      make(map[ID]*T),
		getID:     getID,
		setID:     setID,
		deltas:    make(map[int64]*delta[T]),
	}
	db.register(t)
	return t
}

// AddIndex attaches a secondary index. Call this before inserting any rows
// the index is meant to cover; existing rows are not retroactively indexed.
func (t *Table[T]) AddIndex(idx index[T]) {
	t.indices = append(t.indices, idx)
}

func (t *Table[T]) name() string { return t.tableName }

// NextID reports the ID that the next Create will assign, without
// consuming it. Used when a row needs to reference "my own forthcoming ID"
// (genesis bootstrapping) or for diagnostics.
func (t *Table[T]) NextID() ID { return t.nextID }

// Find returns the row with the given ID, if present.
func (t *Table[T]) Find(id ID) (*T, bool) {
	v, ok := t.byID[id]
	return v, ok
}

// Get is Find but returns ErrNotFound instead of ok=false.
func (t *Table[T]) Get(id ID) (*T, error) {
	v, ok := t.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

// Len reports the number of live rows.
func (t *Table[T]) Len() int { return len(t.byID) }

// All calls fn for every live row. Iteration order is unspecified.
func (t *Table[T]) All(fn func(id ID, row *T)) {
	for id, row := range t.byID {
		fn(id, row)
	}
}

func (t *Table[T]) trackDelta() *delta[T] {
	rev := t.db.revision
	d, ok := t.deltas[rev]
	if !ok {
		d = newDelta[T]()
		t.deltas[rev] = d
	}
	if !d.nextIDCaptured {
		d.oldNextID = t.nextID
		d.nextIDCaptured = true
	}
	return d
}

func (t *Table[T]) checkUnique(row *T, excluding ID) error {
	for _, idx := range t.indices {
		if id, exists := idx.findRow(row); exists && id != excluding {
			return ErrDuplicateKey
		}
	}
	return nil
}

// Create mints a fresh ID, lets ctor populate the row, and inserts it into
// every index. Returns ErrDuplicateKey without mutating state if ctor
// produced a row colliding with an existing one on a unique index.
func (t *Table[T]) Create(ctor func(*T)) (*T, error) {
	var v T
	ctor(&v)
	id := t.nextID
	t.setID(&v, id)

	if err := t.checkUnique(&v, id); err != nil {
		return nil, err
	}

	d := t.trackDelta()
	d.newIDs[id] = struct{}{}
	t.nextID++

	row := &v
	t.byID[id] = row
	for _, idx := range t.indices {
		idx.insert(id, row)
	}
	return row, nil
}

// Modify mutates an existing row in place, recording its pre-mutation value
// in the active undo delta (unless the row was also created in this same
// session, in which case there is nothing to roll back to). If mutator's
// changes would collide with another row on a unique index, the row is
// restored to its pre-call value and ErrDuplicateKey is returned.
func (t *Table[T]) Modify(row *T, mutator func(*T)) error {
	id := t.getID(row)
	cur, ok := t.byID[id]
	if !ok {
		return ErrNotFound
	}

	d := t.trackDelta()
	if _, isNew := d.newIDs[id]; !isNew {
		if _, captured := d.oldValues[id]; !captured {
			d.oldValues[id] = *cur
		}
	}

	backup := *cur
	for _, idx := range t.indices {
		idx.remove(id, cur)
	}

	mutator(cur)
	t.setID(cur, id)

	if err := t.checkUnique(cur, id); err != nil {
		*cur = backup
		for _, idx := range t.indices {
			idx.insert(id, cur)
		}
		return err
	}

	for _, idx := range t.indices {
		idx.insert(id, cur)
	}
	return nil
}

// Remove deletes a row. If it was created in this same session the create
// and the removal cancel out of the undo delta entirely, matching the
// original's treatment of "created then removed in the same session never
// happened" for the purposes of undo bookkeeping.
func (t *Table[T]) Remove(row *T) error {
	id := t.getID(row)
	cur, ok := t.byID[id]
	if !ok {
		return ErrNotFound
	}

	d := t.trackDelta()
	if _, isNew := d.newIDs[id]; isNew {
		delete(d.newIDs, id)
	} else if _, captured := d.removedValues[id]; !captured {
		d.removedValues[id] = *cur
	}

	for _, idx := range t.indices {
		idx.remove(id, cur)
	}
	delete(t.byID, id)
	return nil
}

func (t *Table[T]) hasDelta(rev int64) bool {
	_, ok := t.deltas[rev]
	return ok
}

func (t *Table[T]) insertRow(id ID, v T) {
	row := new(T)
	*row = v
	t.byID[id] = row
	for _, idx := range t.indices {
		idx.insert(id, row)
	}
}

// undo reverts every mutation the delta at rev recorded: newly created rows
// are deleted, modified rows are restored to their captured pre-image, and
// removed rows are reinserted. The nextID counter is rolled back last, to
// where it stood before rev began, so the IDs minted during rev are issued
// again by later Creates.
func (t *Table[T]) undo(rev int64) {
	d, ok := t.deltas[rev]
	if !ok {
		return
	}

	for id := range d.newIDs {
		if row, exists := t.byID[id]; exists {
			for _, idx := range t.indices {
				idx.remove(id, row)
			}
			delete(t.byID, id)
		}
	}

	for id, oldVal := range d.oldValues {
		if cur, exists := t.byID[id]; exists {
			for _, idx := range t.indices {
				idx.remove(id, cur)
			}
		}
		t.insertRow(id, oldVal)
	}

	for id, val := range d.removedValues {
		t.insertRow(id, val)
	}

	if d.nextIDCaptured {
		t.nextID = d.oldNextID
	}
	delete(t.deltas, rev)
}

// squash folds the delta recorded at childRev into the delta at parentRev,
// per the three rules from the object-store module:
//   - a row modified in both keeps the OLDER (parent's, or if parent never
//     touched it, child's) pre-image: first write wins;
//   - a row created in the parent and removed in the child never existed
//     from the combined session's point of view, so both cancel;
//   - a row created in the child remains a new row of the merged session.
func (t *Table[T]) squash(childRev, parentRev int64) {
	child, ok := t.deltas[childRev]
	if !ok {
		return
	}
	defer delete(t.deltas, childRev)

	parent, ok := t.deltas[parentRev]
	if !ok {
		t.deltas[parentRev] = child
		return
	}

	for id, val := range child.oldValues {
		if _, exists := parent.oldValues[id]; !exists {
			if _, isNew := parent.newIDs[id]; !isNew {
				parent.oldValues[id] = val
			}
		}
	}

	for id, val := range child.removedValues {
		if _, wasNew := parent.newIDs[id]; wasNew {
			delete(parent.newIDs, id)
			delete(parent.oldValues, id)
		} else {
			parent.removedValues[id] = val
		}
	}

	for id := range child.newIDs {
		parent.newIDs[id] = struct{}{}
	}

	// parent.oldNextID already reflects the state before the parent
	// session began, which predates the child; nothing to merge there.
}

// commit discards undo history at or below uptoRev: those revisions can no
// longer be rolled back. Row data itself is untouched.
func (t *Table[T]) commit(uptoRev int64) {
	for rev := range t.deltas {
		if rev <= uptoRev {
			delete(t.deltas, rev)
		}
	}
}
