package chainbase

import "testing"

func TestCowBytesCloneShares(t *testing.T) {
	a := NewCowBytes([]byte("hello"))
	b := a.Clone()

	if !a.IsShared() || !b.IsShared() {
		t.Fatalf("clone should mark both copies as shared")
	}
	if string(a.Bytes()) != string(b.Bytes()) {
		t.Fatalf("clone should observe the same payload")
	}
}

func TestCowBytesSetForks(t *testing.T) {
	a := NewCowBytes([]byte("hello"))
	b := a.Clone()

	b.Set([]byte("world"))

	if string(a.Bytes()) != "hello" {
		t.Fatalf("mutating the clone must not affect the original, got %q", a.Bytes())
	}
	if string(b.Bytes()) != "world" {
		t.Fatalf("expected forked payload 'world', got %q", b.Bytes())
	}
	if a.IsShared() {
		t.Fatalf("original should no longer be shared after the clone forked")
	}
}

func TestCowBytesSetInPlaceWhenUnshared(t *testing.T) {
	a := NewCowBytes([]byte("short"))
	a.Set([]byte("longer value"))
	if string(a.Bytes()) != "longer value" {
		t.Fatalf("expected in-place update, got %q", a.Bytes())
	}
}

func TestEmptyCowBytes(t *testing.T) {
	var c CowBytes
	if c.Len() != 0 || c.Bytes() != nil {
		t.Fatalf("zero-value CowBytes should be empty")
	}
}
