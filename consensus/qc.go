package consensus

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"

	"github.com/savanna-chain/savanna/crypto"
	"github.com/savanna-chain/savanna/log"
	"github.com/savanna-chain/savanna/metrics"
	"github.com/savanna-chain/savanna/types"
)

var (
	qcLogger           = log.Default().Module("consensus.qc")
	votesAggregated    = metrics.DefaultRegistry.Counter("consensus.qc.votes_aggregated")
	strongQCsFormed    = metrics.DefaultRegistry.Counter("consensus.qc.strong_formed")
	weakFinalQCsFormed = metrics.DefaultRegistry.Counter("consensus.qc.weak_final_formed")
)

// qcState is the aggregating QC's vote-collection state machine (spec §4.5
// "States"). States only move forward: unrestricted -> restricted or
// weak_achieved; restricted -> weak_final; weak_achieved -> strong or
// weak_final.
type qcState int

const (
	qcUnrestricted qcState = iota
	qcRestricted
	qcWeakAchieved
	qcWeakFinal
	qcStrong
)

func (s qcState) String() string {
	switch s {
	case qcUnrestricted:
		return "unrestricted"
	case qcRestricted:
		return "restricted"
	case qcWeakAchieved:
		return "weak_achieved"
	case qcWeakFinal:
		return "weak_final"
	case qcStrong:
		return "strong"
	default:
		return "unknown"
	}
}

// QCSig is an extracted, self-contained quorum certificate signature: an
// aggregate BLS signature plus the bitsets identifying which finalizers
// contributed a strong or weak vote (spec §4.5 "Extraction").
type QCSig struct {
	Generation       uint64
	StrongVotes      *bitset.BitSet
	WeakVotes        *bitset.BitSet
	StrongAggregate  []byte
	WeakAggregate    []byte
}

// IsStrong reports whether this QC meets the strong threshold (any weak
// votes present means it does not, by construction in ExtractQCSig).
func (q *QCSig) IsStrong() bool { return q.WeakAggregate == nil && q.WeakVotes.Count() == 0 }

// AggregatingQCSig collects finalizer votes for a single block's QC,
// maintaining running strong/weak weight sums and the bitsets of who voted,
// until the policy's thresholds are met (spec §4.5). One instance exists
// per (block, finalizer policy generation) pair the fork database tracks.
type AggregatingQCSig struct {
	mu sync.Mutex

	policy *FinalizerPolicy
	state  qcState

	strongVotes *bitset.BitSet
	weakVotes   *bitset.BitSet
	strongSigs  [][]byte
	weakSigs    [][]byte

	strongWeight uint64
	weakWeight   uint64

	// voted is a lock-free fast path for HasVoted, indexed by finalizer
	// position; kept in sync with the bitsets under mu.
	voted []atomic.Bool
}

// NewAggregatingQCSig creates a fresh, empty aggregator for policy.
func NewAggregatingQCSig(policy *FinalizerPolicy) *AggregatingQCSig {
	n := uint(len(policy.Finalizers))
	return &AggregatingQCSig{
		policy:      policy,
		state:       qcUnrestricted,
		strongVotes: bitset.New(n),
		weakVotes:   bitset.New(n),
		voted:       make([]atomic.Bool, n),
	}
}

// HasVoted reports whether the finalizer at index idx has already
// contributed a vote. Safe to call without holding the aggregator's lock.
func (a *AggregatingQCSig) HasVoted(idx int) bool {
	if idx < 0 || idx >= len(a.voted) {
		return false
	}
	return a.voted[idx].Load()
}

// AddVote records a vote from the finalizer at idx, strong if isStrong,
// signing sig. It implements the state machine from spec §4.5: a strong
// vote always advances toward qcStrong if the threshold is met; a weak
// vote can only ever push the aggregator toward qcWeakFinal or
// qcWeakAchieved, never toward qcStrong, and once
// max_weak_sum_before_weak_final is breached no strong QC is reachable
// ever again for this block (the aggregator moves to qcRestricted, or to
// qcWeakFinal once the combined weight meets the threshold).
func (a *AggregatingQCSig) AddVote(idx int, isStrong bool, sig []byte) error {
	if idx < 0 || idx >= len(a.policy.Finalizers) {
		return fmt.Errorf("consensus: finalizer index %d out of range", idx)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.voted[idx].Load() {
		return ErrDuplicateVote
	}

	weight := a.policy.Finalizers[idx].Weight
	if isStrong {
		a.strongVotes.Set(uint(idx))
		a.strongSigs = append(a.strongSigs, sig)
		a.strongWeight += weight
	} else {
		a.weakVotes.Set(uint(idx))
		a.weakSigs = append(a.weakSigs, sig)
		a.weakWeight += weight
	}
	a.voted[idx].Store(true)
	votesAggregated.Inc()

	before := a.state
	a.advanceLocked()
	if a.state != before {
		qcLogger.Debug("aggregating QC state transition", "from", before, "to", a.state, "generation", a.policy.Generation)
		switch a.state {
		case qcStrong:
			strongQCsFormed.Inc()
		case qcWeakFinal:
			weakFinalQCsFormed.Inc()
		}
	}
	return nil
}

// advanceLocked recomputes a.state from the current weight sums. Must be
// called with a.mu held.
func (a *AggregatingQCSig) advanceLocked() {
	total := a.strongWeight + a.weakWeight

	if a.state == qcStrong || a.state == qcWeakFinal {
		return
	}

	if a.strongWeight >= a.policy.Threshold {
		a.state = qcStrong
		return
	}

	if total >= a.policy.Threshold {
		if a.state == qcUnrestricted {
			a.state = qcWeakAchieved
		} else if a.state == qcRestricted {
			a.state = qcWeakFinal
			return
		}
	}

	if a.weakWeight > a.policy.MaxWeakSumBeforeWeakFinal() {
		if a.state == qcWeakAchieved {
			a.state = qcWeakFinal
			return
		}
		a.state = qcRestricted
	}
}

// IsQuorumMet reports whether enough weight has accumulated that a QC (of
// either strength) can now be extracted.
func (a *AggregatingQCSig) IsQuorumMet() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == qcStrong || a.state == qcWeakAchieved || a.state == qcWeakFinal
}

// IsStrongQuorumMet reports whether the strong threshold has been reached.
func (a *AggregatingQCSig) IsStrongQuorumMet() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == qcStrong
}

// ExtractQCSig produces the self-contained QCSig for the best QC currently
// extractable, or an error if no quorum has been met yet. A strong
// extraction never includes any weak votes, even if some were received
// (spec §4.5 "a strong QC only aggregates strong votes").
func (a *AggregatingQCSig) ExtractQCSig(backend crypto.BLSBackend) (*QCSig, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.state {
	case qcStrong:
		agg, err := backend.Aggregate(a.strongSigs)
		if err != nil {
			return nil, err
		}
		return &QCSig{
			Generation:      a.policy.Generation,
			StrongVotes:     a.strongVotes.Clone(),
			WeakVotes:       bitset.New(uint(len(a.policy.Finalizers))),
			StrongAggregate: agg,
		}, nil
	case qcWeakAchieved, qcWeakFinal:
		strongAgg, err := aggregateOrNil(backend, a.strongSigs)
		if err != nil {
			return nil, err
		}
		weakAgg, err := aggregateOrNil(backend, a.weakSigs)
		if err != nil {
			return nil, err
		}
		return &QCSig{
			Generation:      a.policy.Generation,
			StrongVotes:     a.strongVotes.Clone(),
			WeakVotes:       a.weakVotes.Clone(),
			StrongAggregate: strongAgg,
			WeakAggregate:   weakAgg,
		}, nil
	default:
		return nil, fmt.Errorf("%w: quorum not yet met (state %s)", ErrInvalidQC, a.state)
	}
}

func aggregateOrNil(backend crypto.BLSBackend, sigs [][]byte) ([]byte, error) {
	if len(sigs) == 0 {
		return nil, nil
	}
	return backend.Aggregate(sigs)
}

// GetBestQC picks the stronger of two extracted QCs for the same block,
// applying the tie-break rule from spec §4.5: a strong QC always beats a
// weak one; between two weak QCs, the one with the larger combined weight
// wins; ties keep the existing QC.
func GetBestQC(existing, candidate *QCSig, policy *FinalizerPolicy) *QCSig {
	if existing == nil {
		return candidate
	}
	if candidate == nil {
		return existing
	}
	if existing.IsStrong() {
		return existing
	}
	if candidate.IsStrong() {
		return candidate
	}
	existingWeight := weightOf(existing, policy)
	candidateWeight := weightOf(candidate, policy)
	if candidateWeight > existingWeight {
		return candidate
	}
	return existing
}

func weightOf(q *QCSig, policy *FinalizerPolicy) uint64 {
	var w uint64
	for i, f := range policy.Finalizers {
		if q.StrongVotes != nil && q.StrongVotes.Test(uint(i)) {
			w += f.Weight
		} else if q.WeakVotes != nil && q.WeakVotes.Test(uint(i)) {
			w += f.Weight
		}
	}
	return w
}

// VerifyQC checks a received QCSig's shape and cryptographic validity
// against the policy and the strong/weak digests it was signed over (spec
// §4.5 "Verification"). A finalizer counted in both the strong and weak
// bitsets is rejected outright: the two sets must be disjoint. The
// cross-policy dual-finalizer check is not done here; it is
// VerifyDualFinalizerVotes, which ValidateQCBlockExtension calls.
func VerifyQC(backend crypto.BLSBackend, policy *FinalizerPolicy, strongDigest, weakDigest types.Hash, qc *QCSig) error {
	if qc.Generation != policy.Generation {
		return fmt.Errorf("%w: QC generation %d does not match policy generation %d", ErrInvalidQC, qc.Generation, policy.Generation)
	}
	n := uint(len(policy.Finalizers))
	if qc.StrongVotes.Len() != n || qc.WeakVotes.Len() != n {
		return fmt.Errorf("%w: vote bitset length does not match finalizer count", ErrInvalidQC)
	}
	if qc.StrongVotes.IntersectionCardinality(qc.WeakVotes) != 0 {
		return fmt.Errorf("%w: a finalizer voted both strong and weak", ErrInvalidQC)
	}

	var strongWeight, weakWeight uint64
	var strongPubkeys, weakPubkeys [][]byte
	for i, f := range policy.Finalizers {
		switch {
		case qc.StrongVotes.Test(uint(i)):
			strongWeight += f.Weight
			strongPubkeys = append(strongPubkeys, f.PublicKey)
		case qc.WeakVotes.Test(uint(i)):
			weakWeight += f.Weight
			weakPubkeys = append(weakPubkeys, f.PublicKey)
		}
	}

	if strongWeight+weakWeight < policy.Threshold {
		return fmt.Errorf("%w: combined weight %d below threshold %d", ErrInvalidQC, strongWeight+weakWeight, policy.Threshold)
	}

	if len(strongPubkeys) > 0 {
		if qc.StrongAggregate == nil {
			return fmt.Errorf("%w: strong votes present but no strong aggregate signature", ErrInvalidQC)
		}
		if !backend.FastAggregateVerify(strongPubkeys, strongDigest.Bytes(), qc.StrongAggregate) {
			return ErrInvalidQCSignature
		}
	}
	if len(weakPubkeys) > 0 {
		if qc.WeakAggregate == nil {
			return fmt.Errorf("%w: weak votes present but no weak aggregate signature", ErrInvalidQC)
		}
		if !backend.FastAggregateVerify(weakPubkeys, weakDigest.Bytes(), qc.WeakAggregate) {
			return ErrInvalidQCSignature
		}
	}
	if strongWeight >= policy.Threshold && weakWeight != 0 {
		return fmt.Errorf("%w: a strong QC must not carry any weak votes", ErrInvalidQC)
	}
	return nil
}

// QCBlockExtension is the block-level extension carrying the actual
// aggregated QC signature(s) that attest to a block's finality claim (spec
// §6 "QC extension on block"). It is distinct from the header's
// FinalityExtension, which carries only the lightweight QCClaim
// (block_num, is_strong_qc) the block producer asserts; this extension
// carries the BLS proof backing that claim, aggregated separately against
// whichever finalizer policies were active and pending at vote time.
// PendingPolicySig is nil whenever there was no pending finalizer policy to
// vote under.
type QCBlockExtension struct {
	BlockNum         uint32
	ActivePolicySig  *QCSig
	PendingPolicySig *QCSig
}

// voteKind classifies how (or whether) a finalizer voted in a QCSig, used
// by VerifyDualFinalizerVotes to compare a finalizer's vote across the
// active and pending policy bitsets.
type voteKind int

const (
	voteAbsent voteKind = iota
	voteStrongKind
	voteWeakKind
)

func voteKindAt(qc *QCSig, idx int) voteKind {
	if qc == nil || idx < 0 {
		return voteAbsent
	}
	if qc.StrongVotes != nil && qc.StrongVotes.Test(uint(idx)) {
		return voteStrongKind
	}
	if qc.WeakVotes != nil && qc.WeakVotes.Test(uint(idx)) {
		return voteWeakKind
	}
	return voteAbsent
}

// VerifyDualFinalizerVotes enforces the dual-finalizer invariant (spec
// §4.5 "Dual-finalizer invariant", spec §8 Universal invariants, ported
// from qc.cpp's qc_sig_t::vote_same_at/verify_dual_finalizers_votes): any
// finalizer public key present in both activePolicy and pendingPolicy must
// vote identically (both strong, both weak, or both absent) at its
// respective bitset index in activeSig and pendingSig. A finalizer who
// votes strong under one policy and weak (or not at all) under the other
// makes the whole QC invalid.
func VerifyDualFinalizerVotes(activePolicy, pendingPolicy *FinalizerPolicy, activeSig, pendingSig *QCSig) error {
	if pendingPolicy == nil || pendingSig == nil {
		return nil
	}
	for activeIdx, f := range activePolicy.Finalizers {
		pendingIdx := pendingPolicy.IndexOf(f.PublicKey)
		if pendingIdx == -1 {
			continue
		}
		if voteKindAt(activeSig, activeIdx) != voteKindAt(pendingSig, pendingIdx) {
			return fmt.Errorf("%w: finalizer %x voted differently at its active and pending policy bitset positions", ErrInvalidQC, f.PublicKey)
		}
	}
	return nil
}

// ValidateQCBlockExtension verifies an incoming block's QC extension in
// full: each present policy signature against its own policy's strong/weak
// digests (spec §4.5 "Verification"), and the dual-finalizer invariant
// between the active and pending policy signatures when both are present.
func ValidateQCBlockExtension(backend crypto.BLSBackend, activePolicy, pendingPolicy *FinalizerPolicy, strongDigest, weakDigest types.Hash, ext *QCBlockExtension) error {
	if ext.ActivePolicySig == nil {
		return fmt.Errorf("%w: QC block extension missing active policy signature", ErrInvalidQC)
	}
	if err := VerifyQC(backend, activePolicy, strongDigest, weakDigest, ext.ActivePolicySig); err != nil {
		return err
	}
	if ext.PendingPolicySig != nil {
		if pendingPolicy == nil {
			return fmt.Errorf("%w: QC block extension carries a pending-policy signature but no pending policy is active", ErrInvalidQC)
		}
		if err := VerifyQC(backend, pendingPolicy, strongDigest, weakDigest, ext.PendingPolicySig); err != nil {
			return err
		}
	}
	return VerifyDualFinalizerVotes(activePolicy, pendingPolicy, ext.ActivePolicySig, ext.PendingPolicySig)
}
