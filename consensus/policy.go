package consensus

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/savanna-chain/savanna/types"
)

// Finalizer is one weighted BLS keyholder within a FinalizerPolicy.
type Finalizer struct {
	PublicKey   []byte
	Weight      uint64
	Description string
}

// FinalizerPolicy is an immutable, reference-counted-by-pointer-sharing set
// of finalizers with a weight threshold (spec §3 "Finalizer policy").
// Once constructed via NewFinalizerPolicy it is never mutated; promotion
// and diff application always produce a new value, so the same
// *FinalizerPolicy is safely shared across every block-header-state fork
// that references it (spec §9 "shared ownership of policies").
type FinalizerPolicy struct {
	Generation  uint64
	Threshold   uint64
	Finalizers  []Finalizer
	totalWeight uint64
	maxWeakSum  uint64
}

// NewFinalizerPolicy validates and constructs a FinalizerPolicy, computing
// and caching MaxWeakSumBeforeWeakFinal once rather than per vote (§5
// "Supplemented features").
func NewFinalizerPolicy(generation, threshold uint64, finalizers []Finalizer) (*FinalizerPolicy, error) {
	if generation == 0 {
		return nil, fmt.Errorf("consensus: finalizer policy generation must be >= 1")
	}
	var total uint64
	for _, f := range finalizers {
		total += f.Weight
	}
	if threshold > total {
		return nil, fmt.Errorf("consensus: finalizer policy threshold %d exceeds total weight %d", threshold, total)
	}
	fCopy := make([]Finalizer, len(finalizers))
	copy(fCopy, finalizers)

	var maxWeak uint64
	spread := 2 * (total - threshold)
	if spread < total {
		maxWeak = total - spread
	}
	return &FinalizerPolicy{
		Generation:  generation,
		Threshold:   threshold,
		Finalizers:  fCopy,
		totalWeight: total,
		maxWeakSum:  maxWeak,
	}, nil
}

// TotalWeight is the sum of every finalizer's weight.
func (p *FinalizerPolicy) TotalWeight() uint64 { return p.totalWeight }

// MaxWeakSumBeforeWeakFinal returns total_weight - 2*(total_weight -
// threshold): once the aggregator's weak_sum exceeds this, no strong QC can
// ever be reached for the block in question (spec §3).
func (p *FinalizerPolicy) MaxWeakSumBeforeWeakFinal() uint64 { return p.maxWeakSum }

// IndexOf returns the position of pubkey in the finalizer list, or -1.
func (p *FinalizerPolicy) IndexOf(pubkey []byte) int {
	for i, f := range p.Finalizers {
		if bytesEqual(f.PublicKey, pubkey) {
			return i
		}
	}
	return -1
}

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

// Digest returns a canonical SHA-256 commitment to the policy's contents,
// used for last_pending_finalizer_policy_digest (§4.2 step 6).
func (p *FinalizerPolicy) Digest() types.Hash {
	h := sha256.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], p.Generation)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], p.Threshold)
	h.Write(buf[:])
	for _, f := range p.Finalizers {
		h.Write(f.PublicKey)
		binary.BigEndian.PutUint64(buf[:], f.Weight)
		h.Write(buf[:])
		h.Write([]byte(f.Description))
	}
	return types.BytesToHash(h.Sum(nil))
}

// FinalizerPolicyDiff is a structural diff against a predecessor policy, as
// carried in a block header's finality_extension (spec §6): remove the
// listed indices (by position in the predecessor's Finalizers slice, applied
// high-to-low so earlier indices stay valid), then append Inserts.
type FinalizerPolicyDiff struct {
	Generation    uint64
	Threshold     uint64
	RemoveIndices []int
	Inserts       []Finalizer
}

// Apply produces the new policy that results from applying d to base.
func (d *FinalizerPolicyDiff) Apply(base *FinalizerPolicy) (*FinalizerPolicy, error) {
	if d.Generation <= base.Generation {
		return nil, ErrPolicyGenerationNotIncreasing
	}
	remaining := make([]Finalizer, len(base.Finalizers))
	copy(remaining, base.Finalizers)

	removeSet := make(map[int]struct{}, len(d.RemoveIndices))
	for _, idx := range d.RemoveIndices {
		removeSet[idx] = struct{}{}
	}
	kept := remaining[:0]
	for i, f := range remaining {
		if _, drop := removeSet[i]; !drop {
			kept = append(kept, f)
		}
	}
	kept = append(kept, d.Inserts...)
	return NewFinalizerPolicy(d.Generation, d.Threshold, kept)
}

// Producer is one entry in a ProposerPolicy's schedule.
type Producer struct {
	Name      string
	Authority []byte
}

// ProposerPolicy is an immutable, shared proposer schedule (spec §3
// "Proposer policy"). Version strictly increases across distinct accepted
// policies.
type ProposerPolicy struct {
	ProposalTime types.Slot
	Version      uint32
	Producers    []Producer
}

// NewProposerPolicy constructs a ProposerPolicy, copying producers so the
// caller's slice may be reused.
func NewProposerPolicy(proposalTime types.Slot, version uint32, producers []Producer) *ProposerPolicy {
	p := make([]Producer, len(producers))
	copy(p, producers)
	return &ProposerPolicy{ProposalTime: proposalTime, Version: version, Producers: p}
}

// Equal reports whether two proposer policies have identical content (used
// by the promotion algorithm's "newly active equals previously pending"
// checks in §4.2.1). nil policies are equal only to nil.
func (p *ProposerPolicy) Equal(o *ProposerPolicy) bool {
	if p == o {
		return true
	}
	if p == nil || o == nil {
		return false
	}
	if p.ProposalTime != o.ProposalTime || p.Version != o.Version || len(p.Producers) != len(o.Producers) {
		return false
	}
	for i := range p.Producers {
		if p.Producers[i].Name != o.Producers[i].Name || !bytesEqual(p.Producers[i].Authority, o.Producers[i].Authority) {
			return false
		}
	}
	return true
}

// ExpectedProducer returns the name of the producer scheduled for the given
// slot under this policy.
func (p *ProposerPolicy) ExpectedProducer(slot types.Slot) string {
	if len(p.Producers) == 0 {
		return ""
	}
	cfg := DefaultProposerScheduleConfig()
	roundStart := slot.RoundStart(cfg.ProducerRepetitions)
	round := uint64(roundStart) / uint64(cfg.ProducerRepetitions)
	return p.Producers[round%uint64(len(p.Producers))].Name
}

// ProposerPolicyDiff is a structural diff against a predecessor proposer
// policy (spec §6).
type ProposerPolicyDiff struct {
	ProposalTime  types.Slot
	Version       uint32
	RemoveIndices []int
	Inserts       []Producer
}

// Apply produces the new policy that results from applying d to base. base
// may be nil, meaning "no predecessor schedule yet".
func (d *ProposerPolicyDiff) Apply(base *ProposerPolicy) (*ProposerPolicy, error) {
	if base != nil && d.Version <= base.Version {
		return nil, fmt.Errorf("consensus: proposer policy version %d must exceed predecessor version %d", d.Version, base.Version)
	}
	var remaining []Producer
	if base != nil {
		remaining = make([]Producer, len(base.Producers))
		copy(remaining, base.Producers)
	}
	removeSet := make(map[int]struct{}, len(d.RemoveIndices))
	for _, idx := range d.RemoveIndices {
		removeSet[idx] = struct{}{}
	}
	kept := remaining[:0]
	for i, p := range remaining {
		if _, drop := removeSet[i]; !drop {
			kept = append(kept, p)
		}
	}
	kept = append(kept, d.Inserts...)
	return NewProposerPolicy(d.ProposalTime, d.Version, kept), nil
}
