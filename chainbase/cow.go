package chainbase

import "sync/atomic"

// CowBytes is a copy-on-write byte payload: {refcount, size, payload}.
// Clone shares the backing array and bumps the refcount, so a clone costs
// O(1) and bytes are only duplicated when a shared copy is Set. A plain Go
// assignment of a CowBytes (including the by-value row copies Table makes
// for its undo snapshots) shares the payload without bumping the refcount,
// so a later Set on either copy modifies the payload both of them see.
//
// The zero value is an empty, unshared CowBytes and is ready to use.
type CowBytes struct {
	ref *cowRef
}

type cowRef struct {
	count   atomic.Int32
	payload []byte
}

// NewCowBytes copies b into a freshly owned CowBytes.
func NewCowBytes(b []byte) CowBytes {
	if len(b) == 0 {
		return CowBytes{}
	}
	payload := make([]byte, len(b))
	copy(payload, b)
	r := &cowRef{payload: payload}
	r.count.Store(1)
	return CowBytes{ref: r}
}

// Bytes returns the shared payload. Callers must not mutate the returned
// slice directly; use Set to install new contents under copy-on-write.
func (c CowBytes) Bytes() []byte {
	if c.ref == nil {
		return nil
	}
	return c.ref.payload
}

// Len reports the payload length.
func (c CowBytes) Len() int {
	if c.ref == nil {
		return 0
	}
	return len(c.ref.payload)
}

// Clone returns a CowBytes sharing this payload's backing array, with the
// refcount incremented, without copying bytes.
func (c CowBytes) Clone() CowBytes {
	if c.ref == nil {
		return CowBytes{}
	}
	c.ref.count.Add(1)
	return CowBytes{ref: c.ref}
}

// Set replaces the payload. If this CowBytes is the sole owner of its
// backing array (refcount == 1) the array is reused in place when large
// enough; otherwise a new array is allocated and the old one's refcount is
// released, which is the copy-on-write fork.
func (c *CowBytes) Set(b []byte) {
	if c.ref != nil && c.ref.count.Load() == 1 {
		c.ref.payload = append(c.ref.payload[:0], b...)
		return
	}
	if c.ref != nil {
		c.ref.count.Add(-1)
	}
	*c = NewCowBytes(b)
}

// IsShared reports whether this payload's backing array has more than one
// owner, i.e. whether the next Set will have to fork.
func (c CowBytes) IsShared() bool {
	return c.ref != nil && c.ref.count.Load() > 1
}
