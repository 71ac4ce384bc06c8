package consensus

import (
	"crypto/sha256"

	"github.com/savanna-chain/savanna/log"
	"github.com/savanna-chain/savanna/metrics"
	"github.com/savanna-chain/savanna/types"
)

var (
	finalizerLogger  = log.Default().Module("consensus.finalizer")
	votesCastByKind  = map[VoteDecision]*metrics.Counter{
		VoteNone:   metrics.DefaultRegistry.Counter("consensus.finalizer.abstentions"),
		VoteWeak:   metrics.DefaultRegistry.Counter("consensus.finalizer.weak_votes"),
		VoteStrong: metrics.DefaultRegistry.Counter("consensus.finalizer.strong_votes"),
	}
)

// weakVoteSuffix is appended to a block's finality digest before hashing
// to derive the message a weak vote signs, so strong and weak votes over
// the same block are never the same signed message (spec §4.4.2).
const weakVoteSuffix = "WEAK"

// WeakDigest derives the message a weak vote signs over from the block's
// finality digest.
func WeakDigest(finalityDigest types.Hash) types.Hash {
	h := sha256.New()
	h.Write(finalityDigest[:])
	h.Write([]byte(weakVoteSuffix))
	return types.BytesToHash(h.Sum(nil))
}

// FinalizerSafetyInfo (FSI) is the per-finalizer persistent record that
// makes the vote decision safe across restarts (spec §3 "Finalizer safety
// info").
type FinalizerSafetyInfo struct {
	LastVote              types.BlockRef
	Lock                  types.BlockRef
	OtherBranchLatestTime types.Slot
}

// VoteDecision is the outcome of DecideVote: whether to vote, and if so
// with what strength.
type VoteDecision int

const (
	VoteNone VoteDecision = iota
	VoteWeak
	VoteStrong
)

func (d VoteDecision) String() string {
	switch d {
	case VoteNone:
		return "none"
	case VoteWeak:
		return "weak"
	case VoteStrong:
		return "strong"
	default:
		return "unknown"
	}
}

// DecideVote implements the per-finalizer vote decision of spec §4.4: given
// the current FSI and the candidate block's header state, it returns the
// vote to cast (if any) and the FSI mutations to persist before that vote
// may be broadcast. fsi is never mutated in place; the caller commits the
// returned value.
func DecideVote(fsi FinalizerSafetyInfo, bsp *BlockHeaderState) (VoteDecision, FinalizerSafetyInfo) {
	decision, next := decideVote(fsi, bsp)
	votesCastByKind[decision].Inc()
	finalizerLogger.Debug("vote decision", "block_num", bsp.BlockNum, "decision", decision)
	return decision, next
}

func decideVote(fsi FinalizerSafetyInfo, bsp *BlockHeaderState) (VoteDecision, FinalizerSafetyInfo) {
	// Step 1: monotony.
	if !fsi.LastVote.Empty() && bsp.Header.Timestamp <= fsi.LastVote.Timestamp {
		return VoteNone, fsi
	}

	// Step 2: lock must be present to proceed (defensive; should not
	// happen once the local finalizer set has been initialized past
	// activation).
	if fsi.Lock.Empty() {
		return VoteNone, fsi
	}

	latestQCBlockTimestamp := bsp.Core.LatestQCBlockTimestamp()

	// Step 3: liveness.
	live := latestQCBlockTimestamp > fsi.Lock.Timestamp
	if !live {
		// Step 4: safety.
		if !bsp.Core.Extends(fsi.Lock.BlockID) {
			return VoteNone, fsi
		}
	}

	// Steps 5-6: decide strong vs weak.
	var strong bool
	next := fsi
	switch {
	case fsi.LastVote.Timestamp <= latestQCBlockTimestamp:
		strong = true
	case bsp.Core.Extends(fsi.LastVote.BlockID):
		strong = next.OtherBranchLatestTime <= latestQCBlockTimestamp
	default:
		strong = false
		next.OtherBranchLatestTime = fsi.LastVote.Timestamp
	}

	// Step 7: on a strong vote, clear other_branch_latest_time and
	// possibly advance the lock.
	if strong {
		next.OtherBranchLatestTime = 0
		if latestQCBlockTimestamp > next.Lock.Timestamp {
			if ref, err := bsp.Core.GetBlockReference(bsp.Core.LatestQCClaim.BlockNum); err == nil {
				next.Lock = ref
			}
		}
	}

	// Step 8.
	next.LastVote = bsp.MakeBlockRef()

	if strong {
		return VoteStrong, next
	}
	return VoteWeak, next
}

// MaybeUpdateFSI implements the also-update path of spec §4.4: when a
// strong QC is observed that includes this finalizer's bit, advance
// fsi.Lock and fsi.LastVote to the QC'd block's reference, provided doing
// so strictly advances both timestamps. This runs independent of whether a
// local vote decision was made, and is how a restarted finalizer recovers
// its safety info from network-observed QCs rather than only its own
// votes.
func MaybeUpdateFSI(fsi FinalizerSafetyInfo, qcBlockRef types.BlockRef) FinalizerSafetyInfo {
	if qcBlockRef.Timestamp > fsi.Lock.Timestamp && qcBlockRef.Timestamp > fsi.LastVote.Timestamp {
		fsi.Lock = qcBlockRef
		fsi.LastVote = qcBlockRef
	}
	return fsi
}
