// Package crypto provides the BLS12-381 signature oracle used by the
// aggregating QC (spec §4.5) and the finalizer vote path (spec §4.4).
//
// Per spec §1/§9, BLS signature internals are treated as an opaque oracle:
// this package never implements curve or pairing arithmetic itself. It
// defines the BLSBackend interface the rest of the engine programs against,
// a production backend bound to github.com/supranational/blst
// (bls_blst_adapter.go, build tag "blst"), and a deterministic stand-in used
// by tests that don't carry that build tag.
package crypto

import (
	"crypto/sha256"
	"errors"
	"sync"
)

// BLS12-381 MinPk wire sizes, matching the scheme used throughout this
// engine: public keys in G1 (48 bytes compressed), signatures in G2 (96
// bytes compressed).
const (
	PubkeySize   = 48
	SignatureSize = 96
)

// ErrBLSNoSignatures is returned when aggregation is attempted over an
// empty signature set.
var ErrBLSNoSignatures = errors.New("bls: no signatures to aggregate")

// BLSBackend is the oracle interface for BLS12-381 signature operations.
// Implementations may be a production library (blst) or, in tests, a
// deterministic stand-in.
type BLSBackend interface {
	// Verify checks a single signature: sig over msg under pubkey.
	Verify(pubkey, msg, sig []byte) bool

	// AggregateVerify checks an aggregate signature where each signer
	// signed a distinct message: pubkeys[i] signed msgs[i].
	AggregateVerify(pubkeys, msgs [][]byte, sig []byte) bool

	// FastAggregateVerify checks an aggregate signature where every
	// signer signed the same message.
	FastAggregateVerify(pubkeys [][]byte, msg, sig []byte) bool

	// Aggregate combines compressed signatures into one compressed
	// aggregate signature.
	Aggregate(sigs [][]byte) ([]byte, error)

	// Name identifies the backend, for logging.
	Name() string
}

var (
	activeMu      sync.RWMutex
	activeBackend BLSBackend = &StubBackend{}
)

// ActiveBackend returns the process-wide BLS backend. Defaults to StubBackend
// until an embedder calls SetActiveBackend(&BlstRealBackend{}) (typically
// gated behind the "blst" build tag at the binary's entry point).
func ActiveBackend() BLSBackend {
	activeMu.RLock()
	defer activeMu.RUnlock()
	return activeBackend
}

// SetActiveBackend installs the process-wide BLS backend. Passing nil
// resets to StubBackend.
func SetActiveBackend(b BLSBackend) {
	activeMu.Lock()
	defer activeMu.Unlock()
	if b == nil {
		b = &StubBackend{}
	}
	activeBackend = b
}

// StubBackend is a deterministic, test-only BLS oracle: it never performs
// elliptic-curve arithmetic, it only needs to behave consistently so that
// finalizer/aggregator tests can exercise the voting state machine without
// linking blst. "Signatures" are SHA-256 MACs over (pubkey || msg);
// "aggregation" XORs them. This is not a cryptographic construction and
// must never back a production binary.
type StubBackend struct{}

func (StubBackend) Name() string { return "stub" }

func stubSign(pubkey, msg []byte) []byte {
	h := sha256.New()
	h.Write(pubkey)
	h.Write(msg)
	sum := h.Sum(nil)
	out := make([]byte, SignatureSize)
	copy(out, sum)
	copy(out[sha256.Size:], sum)
	return out
}

func (StubBackend) Verify(pubkey, msg, sig []byte) bool {
	want := stubSign(pubkey, msg)
	if len(sig) != len(want) {
		return false
	}
	for i := range want {
		if sig[i] != want[i] {
			return false
		}
	}
	return true
}

func xorInto(dst, src []byte) {
	for i := range dst {
		if i < len(src) {
			dst[i] ^= src[i]
		}
	}
}

func (s StubBackend) AggregateVerify(pubkeys, msgs [][]byte, sig []byte) bool {
	if len(pubkeys) == 0 || len(pubkeys) != len(msgs) {
		return false
	}
	want := make([]byte, SignatureSize)
	for i := range pubkeys {
		xorInto(want, stubSign(pubkeys[i], msgs[i]))
	}
	return bytesEqual(sig, want)
}

func (s StubBackend) FastAggregateVerify(pubkeys [][]byte, msg []byte, sig []byte) bool {
	if len(pubkeys) == 0 {
		return false
	}
	want := make([]byte, SignatureSize)
	for _, pk := range pubkeys {
		xorInto(want, stubSign(pk, msg))
	}
	return bytesEqual(sig, want)
}

func (StubBackend) Aggregate(sigs [][]byte) ([]byte, error) {
	if len(sigs) == 0 {
		return nil, ErrBLSNoSignatures
	}
	out := make([]byte, SignatureSize)
	for _, s := range sigs {
		xorInto(out, s)
	}
	return out, nil
}

// Sign produces a StubBackend signature; exposed for tests that need to
// construct votes without a real keypair.
func (StubBackend) Sign(pubkey, msg []byte) []byte { return stubSign(pubkey, msg) }

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
