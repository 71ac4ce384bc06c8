package chainbase

import (
	"sync"

	"github.com/savanna-chain/savanna/metrics"
)

// undoDepthGauge tracks the number of open, un-squashed undo sessions on
// the most recently touched Database (SPEC_FULL.md §2 "chainbase exposes
// free-space/undo-depth gauges").
var undoDepthGauge = metrics.DefaultRegistry.Gauge("chainbase.undo_depth")

// Database coordinates revisions across every Table registered on it. A
// revision advances by exactly one each time an undo session is started and
// retreats by exactly one on Undo or Squash (a pushed session keeps its
// revision), so the current revision minus the last committed revision
// always equals the number of revisions that can still be undone.
type Database struct {
	mu        sync.Mutex
	revision  int64
	committed int64
	tables    []tableController
	seg       *Segment
}

// NewDatabase constructs an empty Database, optionally backed by a Segment
// for the durable header/allocator bookkeeping (seg may be nil for a
// purely in-memory database, as used by most tests).
func NewDatabase(seg *Segment) *Database {
	return &Database{seg: seg}
}

func (db *Database) register(t tableController) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.tables = append(db.tables, t)
}

// Revision returns the current revision counter.
func (db *Database) Revision() int64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.revision
}

// SetRevision forcibly sets the revision counter without touching any
// table's undo history. Used only to align a freshly loaded database's
// counter with state recovered from a snapshot; callers must ensure no
// session is open when calling this.
func (db *Database) SetRevision(rev int64) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.revision = rev
	db.committed = rev
	undoDepthGauge.Set(db.revision - db.committed)
}

// Session is a nested undo scope. By default, closing a session without
// calling Push reverts everything it did; Push retains the changes in the
// parent scope instead.
type Session struct {
	db     *Database
	rev    int64
	pushed bool
	closed bool
}

// StartUndoSession opens a new nested scope. When enabled is false, the
// returned session is a no-op whose Close never reverts anything -- used
// for read-only code paths that don't want the bookkeeping overhead of
// tracking a revision nobody will ever undo.
func (db *Database) StartUndoSession(enabled bool) *Session {
	if !enabled {
		return &Session{pushed: true, closed: false}
	}
	db.mu.Lock()
	db.revision++
	rev := db.revision
	undoDepthGauge.Set(db.revision - db.committed)
	db.mu.Unlock()
	return &Session{db: db, rev: rev}
}

func (db *Database) isTop(rev int64) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.revision == rev
}

// Push marks the session's changes to be retained in the parent scope when
// the session is closed, rather than undone.
func (s *Session) Push() {
	s.pushed = true
}

// Squash merges this session's changes into its parent's, collapsing two
// revisions into one. The session must be the innermost open session on its
// database.
func (s *Session) Squash() error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.db == nil {
		s.closed = true
		return nil
	}
	if !s.db.isTop(s.rev) {
		return ErrSessionNotTop
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	parentRev := s.rev - 1
	for _, t := range s.db.tables {
		if t.hasDelta(s.rev) {
			t.squash(s.rev, parentRev)
		}
	}
	s.db.revision--
	undoDepthGauge.Set(s.db.revision - s.db.committed)
	s.closed = true
	return nil
}

// Undo reverts this session's changes. The session must be the innermost
// open session on its database.
func (s *Session) Undo() error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.db == nil {
		s.closed = true
		return nil
	}
	if !s.db.isTop(s.rev) {
		return ErrSessionNotTop
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, t := range s.db.tables {
		t.undo(s.rev)
	}
	s.db.revision--
	undoDepthGauge.Set(s.db.revision - s.db.committed)
	s.closed = true
	return nil
}

// Close ends the session: Undo if Push was never called, otherwise a no-op.
// Safe to call multiple times. Typical use is `defer sess.Close()`
// immediately after StartUndoSession, with an explicit Push on the success
// path.
func (s *Session) Close() {
	if s.closed {
		return
	}
	if s.pushed {
		s.closed = true
		return
	}
	_ = s.Undo()
}

// UndoAll rolls back every open session down to the last Commit point, in
// innermost-first order.
func (db *Database) UndoAll() {
	db.mu.Lock()
	defer db.mu.Unlock()
	for db.revision > db.committed {
		rev := db.revision
		for _, t := range db.tables {
			t.undo(rev)
		}
		db.revision--
	}
	undoDepthGauge.Set(db.revision - db.committed)
}

// Commit discards undo history at or below the given revision: those
// changes become permanent and can no longer be rolled back. Typically
// called with Revision() after a block has reached irreversibility.
func (db *Database) Commit(revision int64) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if revision > db.revision {
		revision = db.revision
	}
	if revision <= db.committed {
		return
	}
	for _, t := range db.tables {
		t.commit(revision)
	}
	db.committed = revision
	undoDepthGauge.Set(db.revision - db.committed)
}
