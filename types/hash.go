// Package types defines the small set of shared value types used across the
// savanna finality engine: block identity hashes and the block-timestamp
// slot type.
package types

import (
	"encoding/hex"
	"fmt"
)

// HashLength is the size in bytes of a SHA-256 digest.
const HashLength = 32

// Hash represents a 32-byte SHA-256 digest: a block ID, a finality digest,
// or any other commitment produced by the engine.
type Hash [HashLength]byte

// BytesToHash converts bytes to Hash, left-padding if shorter than 32 bytes
// and truncating to the trailing 32 bytes if longer.
func BytesToHash(b []byte) Hash {
	var h Hash
	h.SetBytes(b)
	return h
}

// HexToHash converts a "0x"-prefixed (or bare) hex string to a Hash.
func HexToHash(s string) Hash {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	b, _ := hex.DecodeString(s)
	return BytesToHash(b)
}

// Bytes returns the byte representation of the hash.
func (h Hash) Bytes() []byte { return h[:] }

// Hex returns the "0x"-prefixed hex representation of the hash.
func (h Hash) Hex() string { return fmt.Sprintf("0x%x", h[:]) }

// String implements fmt.Stringer.
func (h Hash) String() string { return h.Hex() }

// SetBytes sets the hash from a byte slice, left-padding if necessary.
func (h *Hash) SetBytes(b []byte) {
	if len(b) > HashLength {
		b = b[len(b)-HashLength:]
	}
	copy(h[HashLength-len(b):], b)
}

// IsZero returns whether the hash is all zeros. The zero hash is used as
// the block_ref for the genesis block's latest_qc_claim lookup (spec §4.2.3).
func (h Hash) IsZero() bool {
	return h == Hash{}
}
