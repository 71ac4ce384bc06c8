package consensus

import "github.com/savanna-chain/savanna/types"

// FinalityExtension is the header-extension carrying the QC claim and any
// policy diffs for this block (spec §6 "Header extension encoding").
type FinalityExtension struct {
	QCClaim                 QCClaim
	NewFinalizerPolicyDiff  *FinalizerPolicyDiff
	NewProposerPolicyDiff   *ProposerPolicyDiff
}

// BlockHeader is the portion of a block's header this engine derives and
// validates (spec §4.2 step 1). Fields outside this scope (transaction
// payload, signature) are the concern of external collaborators.
type BlockHeader struct {
	Timestamp        types.Slot
	Producer         string
	Previous         types.Hash
	Confirmed        uint32
	TransactionMroot types.Hash
	ActionMroot      types.Hash
	ScheduleVersion  uint32
	// NewProducers is the legacy pre-Savanna schedule-change field; Savanna
	// requires it stay empty (spec §4.2.4).
	NewProducers []Producer
	Extension    *FinalityExtension
}

// BlockHeaderInput is the caller-supplied data Next needs beyond the
// parent state (spec §4.2).
type BlockHeaderInput struct {
	Timestamp                  types.Slot
	Producer                   string
	ParentID                   types.Hash
	TransactionMroot           types.Hash
	FinalityMrootClaim         types.Hash
	QCClaim                    QCClaim
	NewFinalizerPolicy         *FinalizerPolicyDiff
	NewProposerPolicy          *ProposerPolicyDiff
	NewProtocolFeatureActivations []string

	// ResolveFinalizerPolicyByGeneration looks up a historical finalizer
	// policy by generation number, used only when the active policy at the
	// block referenced by the new QC claim differs from the current active
	// policy (spec §4.2 step 8). The fork database, which owns the full
	// arena of historical block states (spec §9), is expected to supply
	// this; it may be left nil, in which case step 8 is skipped and
	// LatestQCClaimBlockActiveFinalizerPolicy is always nil.
	ResolveFinalizerPolicyByGeneration func(generation uint64) (*FinalizerPolicy, error)
}
