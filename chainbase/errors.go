// Package chainbase implements the versioned, undo-aware object store
// described by the object-store module of this engine: typed tables over a
// shared segment, nested undo sessions, and copy-on-write payloads for the
// variable-length fields rows carry.
package chainbase

import "errors"

var (
	// ErrNotFound is returned when a lookup by primary ID or by a secondary
	// index key matches no row.
	ErrNotFound = errors.New("chainbase: not found")

	// ErrDuplicateKey is returned by Create/Modify when the resulting row
	// would collide with an existing row on a unique index.
	ErrDuplicateKey = errors.New("chainbase: duplicate key")

	// ErrOutOfMemory is returned by the segment allocator when a segment has
	// no free region large enough to satisfy a request and cannot grow
	// further (it is fixed-size once mapped, per Open).
	ErrOutOfMemory = errors.New("chainbase: segment out of memory")

	// ErrSessionNotTop is returned by Session.Squash/Session.Undo when the
	// session is not the innermost (most recently started) open session on
	// its database. Only the innermost session may be squashed or undone,
	// matching the nesting discipline of the C++ original.
	ErrSessionNotTop = errors.New("chainbase: session is not the innermost open session")

	// ErrSessionClosed is returned when Squash/Undo is called on a session
	// that has already been closed.
	ErrSessionClosed = errors.New("chainbase: session already closed")

	// ErrSegmentLocked is returned by Open when another process already
	// holds the exclusive file lock on the segment.
	ErrSegmentLocked = errors.New("chainbase: segment is locked by another process")

	// ErrBadMagic is returned by Open when an existing segment file's header
	// does not carry the expected magic number.
	ErrBadMagic = errors.New("chainbase: segment header has unexpected magic")

	// ErrDirty is returned by Open when an existing segment's header is
	// marked dirty, meaning the previous process exited without a clean
	// Close and the segment's contents cannot be trusted.
	ErrDirty = errors.New("chainbase: segment was not closed cleanly")
)
