package types

import "testing"

func TestBytesToHash(t *testing.T) {
	h := BytesToHash([]byte{1, 2, 3})
	if h[HashLength-1] != 3 || h[HashLength-2] != 2 || h[HashLength-3] != 1 {
		t.Fatalf("unexpected padding: %x", h)
	}
	for i := 0; i < HashLength-3; i++ {
		if h[i] != 0 {
			t.Fatalf("expected leading zero padding at %d, got %x", i, h[i])
		}
	}
}

func TestHashHexRoundTrip(t *testing.T) {
	h := BytesToHash([]byte("abcdefghijklmnopqrstuvwxyz012345"))
	h2 := HexToHash(h.Hex())
	if h != h2 {
		t.Fatalf("round trip mismatch: %x != %x", h, h2)
	}
}

func TestHashIsZero(t *testing.T) {
	var h Hash
	if !h.IsZero() {
		t.Fatalf("zero-value Hash should be IsZero")
	}
	h[0] = 1
	if h.IsZero() {
		t.Fatalf("non-zero Hash reported IsZero")
	}
}

func TestBlockNumRoundTrip(t *testing.T) {
	digest := BytesToHash([]byte("some-digest-bytes-for-testing-x"))
	id := SetBlockNum(digest, 12345)
	if got := BlockNumFromID(id); got != 12345 {
		t.Fatalf("BlockNumFromID = %d, want 12345", got)
	}
}

func TestSlotRounds(t *testing.T) {
	const rep = 12
	if !Slot(5).InSameRound(Slot(11), rep) {
		t.Fatalf("slots 5 and 11 should be in the same round of size %d", rep)
	}
	if Slot(5).InSameRound(Slot(12), rep) {
		t.Fatalf("slots 5 and 12 should not be in the same round")
	}
	if got := Slot(25).RoundStart(rep); got != 24 {
		t.Fatalf("RoundStart(25) = %d, want 24", got)
	}
	if got := Slot(25).PriorRoundStart(rep); got != 12 {
		t.Fatalf("PriorRoundStart(25) = %d, want 12", got)
	}
}
