// Package consensus implements the Savanna two-phase BFT finality engine:
// block header state derivation, the finality core's 2-chain bookkeeping,
// per-finalizer vote decisions with persisted safety info, and online BLS
// quorum-certificate aggregation.
package consensus

import "errors"

// Error kinds, one sentinel per failure named in the error taxonomy.
// Reject-and-keep-fork-db errors surface from header validation; the rest
// come from the finality core, the finalizer, and the aggregating QC.
var (
	ErrUnlinkableBlock              = errors.New("consensus: block does not link to parent")
	ErrWrongProducer                = errors.New("consensus: block producer does not match expected schedule")
	ErrInvalidBlockHeaderExtension  = errors.New("consensus: missing or malformed finality header extension")
	ErrInvalidQCClaim               = errors.New("consensus: invalid QC claim")
	ErrInvalidQCSignature           = errors.New("consensus: QC signature verification failed")
	ErrInvalidQC                    = errors.New("consensus: QC shape or dual-finalizer vote consistency violated")
	ErrFinalizerSafety               = errors.New("consensus: finalizer safety info load/save failure")
	ErrBlockValidate                = errors.New("consensus: block header failed validation")
	ErrDuplicateVote                = errors.New("consensus: finalizer has already voted on this policy")
	ErrPolicyGenerationNotIncreasing = errors.New("consensus: new policy generation must exceed the previous one")
)
