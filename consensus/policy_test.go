package consensus

import "testing"

func weightedFinalizers(weights ...uint64) []Finalizer {
	out := make([]Finalizer, len(weights))
	for i, w := range weights {
		out[i] = Finalizer{PublicKey: []byte{byte(i)}, Weight: w, Description: "f"}
	}
	return out
}

// TestMaxWeakSumBeforeWeakFinal reproduces the worked example: threshold 67
// out of a 101-weight set of {34,33,33,1} gives max_weak_sum of 33.
func TestMaxWeakSumBeforeWeakFinal(t *testing.T) {
	p, err := NewFinalizerPolicy(1, 67, weightedFinalizers(34, 33, 33, 1))
	if err != nil {
		t.Fatalf("NewFinalizerPolicy: %v", err)
	}
	if p.TotalWeight() != 101 {
		t.Fatalf("total weight = %d, want 101", p.TotalWeight())
	}
	if got := p.MaxWeakSumBeforeWeakFinal(); got != 33 {
		t.Fatalf("MaxWeakSumBeforeWeakFinal = %d, want 33", got)
	}
}

func TestNewFinalizerPolicyRejectsZeroGeneration(t *testing.T) {
	if _, err := NewFinalizerPolicy(0, 1, weightedFinalizers(1)); err == nil {
		t.Fatalf("expected error for generation 0")
	}
}

func TestNewFinalizerPolicyRejectsThresholdAboveTotal(t *testing.T) {
	if _, err := NewFinalizerPolicy(1, 100, weightedFinalizers(1, 1)); err == nil {
		t.Fatalf("expected error for threshold exceeding total weight")
	}
}

func TestFinalizerPolicyDiffRequiresIncreasingGeneration(t *testing.T) {
	base, err := NewFinalizerPolicy(1, 2, weightedFinalizers(1, 1, 1))
	if err != nil {
		t.Fatalf("NewFinalizerPolicy: %v", err)
	}
	diff := &FinalizerPolicyDiff{Generation: 1, Threshold: 2}
	if _, err := diff.Apply(base); err != ErrPolicyGenerationNotIncreasing {
		t.Fatalf("expected ErrPolicyGenerationNotIncreasing, got %v", err)
	}
}

func TestFinalizerPolicyDiffRemoveAndInsert(t *testing.T) {
	base, err := NewFinalizerPolicy(1, 2, weightedFinalizers(1, 1, 1))
	if err != nil {
		t.Fatalf("NewFinalizerPolicy: %v", err)
	}
	diff := &FinalizerPolicyDiff{
		Generation:    2,
		Threshold:     2,
		RemoveIndices: []int{1},
		Inserts:       []Finalizer{{PublicKey: []byte{9}, Weight: 5}},
	}
	next, err := diff.Apply(base)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(next.Finalizers) != 3 {
		t.Fatalf("expected 3 finalizers after remove+insert, got %d", len(next.Finalizers))
	}
	if next.IndexOf([]byte{1}) != -1 {
		t.Fatalf("removed finalizer should not be found")
	}
	if next.IndexOf([]byte{9}) == -1 {
		t.Fatalf("inserted finalizer should be found")
	}
}

func TestProposerPolicyDiffRejectsNonIncreasingVersion(t *testing.T) {
	base := NewProposerPolicy(0, 5, []Producer{{Name: "a"}})
	diff := &ProposerPolicyDiff{ProposalTime: 1, Version: 5, Inserts: []Producer{{Name: "b"}}}
	if _, err := diff.Apply(base); err == nil {
		t.Fatalf("expected error for non-increasing version")
	}
}

func TestProposerPolicyExpectedProducerRotates(t *testing.T) {
	p := NewProposerPolicy(0, 1, []Producer{{Name: "a"}, {Name: "b"}})
	got0 := p.ExpectedProducer(0)
	got1 := p.ExpectedProducer(12)
	if got0 == got1 {
		t.Fatalf("expected producer to rotate across rounds, both were %q", got0)
	}
}

func TestProposerPolicyEqualNilHandling(t *testing.T) {
	var a, b *ProposerPolicy
	if !a.Equal(b) {
		t.Fatalf("two nil policies should be equal")
	}
	p := NewProposerPolicy(0, 1, nil)
	if p.Equal(nil) {
		t.Fatalf("non-nil policy should not equal nil")
	}
}
