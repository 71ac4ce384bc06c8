package consensus

import (
	"fmt"
	"sort"

	"github.com/savanna-chain/savanna/crypto"
	"github.com/savanna-chain/savanna/log"
	"github.com/savanna-chain/savanna/metrics"
	"github.com/savanna-chain/savanna/types"
)

var (
	blockstateLogger = log.Default().Module("consensus.blockstate")
	blocksProduced   = metrics.DefaultRegistry.Counter("consensus.blocks_derived")
)

// PendingFinalizerPolicy is a finalizer policy queued to become active at
// PromotionBlockNum (spec §3 "pending: optional{promotion_block_num,
// policy}").
type PendingFinalizerPolicy struct {
	PromotionBlockNum uint32
	Policy            *FinalizerPolicy
}

// ProposedFinalizerPolicy is a finalizer policy proposed at
// ProposalBlockNum, still waiting for a pending slot to open up (spec §3
// "proposed_finalizer_policies").
type ProposedFinalizerPolicy struct {
	ProposalBlockNum uint32
	Policy           *FinalizerPolicy
}

// BlockHeaderState is the per-block immutable snapshot of policies, core,
// and digests (spec §3 "Block header state"). Created by Next, read-only
// thereafter; parent states may be referenced by multiple children (spec
// §9 "shared ownership").
type BlockHeaderState struct {
	BlockID types.Hash
	BlockNum uint32
	Header  BlockHeader
	Core    FinalityCore

	ActiveProposerPolicy          *ProposerPolicy
	LatestProposedProposerPolicy *ProposerPolicy
	LatestPendingProposerPolicy  *ProposerPolicy

	ActiveFinalizerPolicy     *FinalizerPolicy
	PendingFinalizerPolicy    *PendingFinalizerPolicy
	ProposedFinalizerPolicies []ProposedFinalizerPolicy

	LastPendingFinalizerPolicyDigest         types.Hash
	LastPendingFinalizerPolicyStartTimestamp types.Slot

	LatestQCClaimBlockActiveFinalizerPolicy *FinalizerPolicy

	ActivatedProtocolFeatures *ProtocolFeatureSet
	FinalizerPolicyGeneration uint64

	// FinalityDigest is this block's own finality_digest (§4.2.3), cached
	// because every descendant's block_ref needs it.
	FinalityDigest types.Hash
}

// NewGenesisBlockHeaderState constructs the Savanna activation block's
// state from its initial finalizer and proposer policies.
func NewGenesisBlockHeaderState(genesisTimestamp types.Slot, producer string, finalizerPolicy *FinalizerPolicy, proposerPolicy *ProposerPolicy) *BlockHeaderState {
	s := &BlockHeaderState{
		BlockNum: GenesisBlockNum,
		Header: BlockHeader{
			Timestamp:       genesisTimestamp,
			Producer:        producer,
			ScheduleVersion: SavannaScheduleVersion,
			Extension:       &FinalityExtension{QCClaim: QCClaim{BlockNum: GenesisBlockNum, IsStrongQC: false}},
		},
		Core:                      NewGenesisFinalityCore(),
		ActiveProposerPolicy:      proposerPolicy,
		ActiveFinalizerPolicy:     finalizerPolicy,
		ActivatedProtocolFeatures: NewProtocolFeatureSet(),
		FinalizerPolicyGeneration: finalizerPolicy.Generation,
	}
	s.LastPendingFinalizerPolicyDigest = finalizerPolicy.Digest()
	s.LastPendingFinalizerPolicyStartTimestamp = genesisTimestamp
	s.FinalityDigest = finalityDigest(s, types.Hash{})
	s.BlockID = computeBlockID(s.Header, s.BlockNum)
	return s
}

// GetLastProposedFinalizerPolicy returns the most recently proposed
// finalizer policy: the tail of ProposedFinalizerPolicies, or the pending
// policy, or the active one.
func (s *BlockHeaderState) GetLastProposedFinalizerPolicy() *FinalizerPolicy {
	if n := len(s.ProposedFinalizerPolicies); n > 0 {
		return s.ProposedFinalizerPolicies[n-1].Policy
	}
	if s.PendingFinalizerPolicy != nil {
		return s.PendingFinalizerPolicy.Policy
	}
	return s.ActiveFinalizerPolicy
}

// GetLastProposedProposerPolicy returns the most recently proposed proposer
// policy: latest proposed, or latest pending, or active.
func (s *BlockHeaderState) GetLastProposedProposerPolicy() *ProposerPolicy {
	if s.LatestProposedProposerPolicy != nil {
		return s.LatestProposedProposerPolicy
	}
	if s.LatestPendingProposerPolicy != nil {
		return s.LatestPendingProposerPolicy
	}
	return s.ActiveProposerPolicy
}

// MakeBlockRef returns this block's compact reference, as handed to
// children for finality-core and finalizer bookkeeping (spec §3 "Block
// reference").
func (s *BlockHeaderState) MakeBlockRef() types.BlockRef {
	var pendingGen uint32
	if s.PendingFinalizerPolicy != nil {
		pendingGen = uint32(s.PendingFinalizerPolicy.Policy.Generation)
	}
	return types.BlockRef{
		BlockID:                 s.BlockID,
		Timestamp:               s.Header.Timestamp,
		FinalityDigest:          s.FinalityDigest,
		ActivePolicyGeneration:  uint32(s.ActiveFinalizerPolicy.Generation),
		PendingPolicyGeneration: pendingGen,
	}
}

func computeBlockID(h BlockHeader, blockNum uint32) types.Hash {
	w := newDigestWriter()
	writeHeader(w, h)
	return types.SetBlockNum(w.sum(), blockNum)
}

// Next derives the child block header state from parent and in, implementing
// spec §4.2 steps 1-9.
func Next(parent *BlockHeaderState, in BlockHeaderInput, cfg ProposerScheduleConfig) (*BlockHeaderState, error) {
	if in.Timestamp <= parent.Header.Timestamp {
		return nil, fmt.Errorf("%w: timestamp %d does not advance past parent %d", ErrBlockValidate, in.Timestamp, parent.Header.Timestamp)
	}

	next := &BlockHeaderState{
		BlockNum: parent.BlockNum + 1,
	}

	// Step 2: protocol feature set.
	next.ActivatedProtocolFeatures = parent.ActivatedProtocolFeatures.Fork(in.NewProtocolFeatureActivations)

	// Step 3: proposer policy promotion.
	activeProposer, latestProposed, latestPending, err := promoteProposerPolicy(parent, in.Timestamp, cfg, in.NewProposerPolicy)
	if err != nil {
		return nil, err
	}
	next.ActiveProposerPolicy = activeProposer
	next.LatestProposedProposerPolicy = latestProposed
	next.LatestPendingProposerPolicy = latestPending

	// Step 4: advance finality core.
	parentRef := parent.MakeBlockRef()
	core, err := parent.Core.Next(parentRef, in.QCClaim)
	if err != nil {
		return nil, err
	}
	next.Core = core

	// Step 5: finalizer policy promotion.
	lib := next.Core.LastFinalBlockNum
	activeFin, pendingFin, proposedFin := promoteFinalizerPolicy(parent, next.BlockNum, lib)
	next.ActiveFinalizerPolicy = activeFin
	next.PendingFinalizerPolicy = pendingFin
	next.ProposedFinalizerPolicies = proposedFin
	next.FinalizerPolicyGeneration = activeFin.Generation

	// Step 6: last_pending_finalizer_policy_digest, from next's own state
	// (pending if present, else active).
	lastPendingOrActive := activeFin
	lastPendingStart := in.Timestamp
	if pendingFin != nil {
		lastPendingOrActive = pendingFin.Policy
		lastPendingStart = parent.LastPendingFinalizerPolicyStartTimestamp
		if parent.PendingFinalizerPolicy == nil || parent.PendingFinalizerPolicy.Policy.Generation != pendingFin.Policy.Generation {
			lastPendingStart = in.Timestamp
		}
	}
	next.LastPendingFinalizerPolicyDigest = lastPendingOrActive.Digest()
	next.LastPendingFinalizerPolicyStartTimestamp = lastPendingStart

	// Step 7: apply new finalizer policy diff, if present.
	if in.NewFinalizerPolicy != nil {
		base := next.GetLastProposedFinalizerPolicy()
		newPolicy, err := in.NewFinalizerPolicy.Apply(base)
		if err != nil {
			return nil, err
		}
		next.ProposedFinalizerPolicies = append(next.ProposedFinalizerPolicies, ProposedFinalizerPolicy{
			ProposalBlockNum: next.BlockNum,
			Policy:           newPolicy,
		})
	}

	// Step 8: latest_qc_claim_block_active_finalizer_policy.
	if ref, err := next.Core.GetBlockReference(next.Core.LatestQCClaim.BlockNum); err == nil {
		if ref.ActivePolicyGeneration != uint32(next.ActiveFinalizerPolicy.Generation) && in.ResolveFinalizerPolicyByGeneration != nil {
			older, err := in.ResolveFinalizerPolicyByGeneration(uint64(ref.ActivePolicyGeneration))
			if err != nil {
				return nil, err
			}
			next.LatestQCClaimBlockActiveFinalizerPolicy = older
		}
	}

	// Step 1 (assembled last so every derived field is available for the
	// extension/digest): the header itself.
	next.Header = BlockHeader{
		Timestamp:        in.Timestamp,
		Producer:         in.Producer,
		Previous:         in.ParentID,
		Confirmed:        0,
		TransactionMroot: in.TransactionMroot,
		ActionMroot:      in.FinalityMrootClaim,
		ScheduleVersion:  SavannaScheduleVersion,
		Extension: &FinalityExtension{
			QCClaim:                in.QCClaim,
			NewFinalizerPolicyDiff: in.NewFinalizerPolicy,
			NewProposerPolicyDiff:  in.NewProposerPolicy,
		},
	}

	// Step 9: block_id and finality_digest.
	next.FinalityDigest = finalityDigest(next, in.FinalityMrootClaim)
	next.BlockID = computeBlockID(next.Header, next.BlockNum)

	if next.ActiveFinalizerPolicy.Generation != parent.ActiveFinalizerPolicy.Generation {
		blockstateLogger.Info("finalizer policy activated",
			"block_num", next.BlockNum, "generation", next.ActiveFinalizerPolicy.Generation)
	}
	blocksProduced.Inc()
	blockstateLogger.Debug("derived next block header state",
		"block_num", next.BlockNum, "producer", in.Producer, "last_final_block_num", next.Core.LastFinalBlockNum)

	return next, nil
}

// ValidateHeader implements spec §4.2.4: validates an incoming signed
// header against parent, re-deriving the canonical child state via Next.
// qcExt is the block-level QC extension (spec §6 "QC extension on block"),
// distinct from the header's own lightweight QCClaim; pass nil when the
// block carries none (e.g. it does not advance the claim). When non-nil it
// is verified against the child state's active/pending finalizer policies,
// including the dual-finalizer cross-policy vote-consistency check.
func ValidateHeader(parent *BlockHeaderState, h BlockHeader, expectedProducer string, cfg ProposerScheduleConfig, qcExt *QCBlockExtension, backend crypto.BLSBackend) (*BlockHeaderState, error) {
	if h.Previous != parent.BlockID {
		return nil, ErrUnlinkableBlock
	}
	if h.Producer != expectedProducer {
		return nil, ErrWrongProducer
	}
	if len(h.NewProducers) != 0 {
		return nil, fmt.Errorf("%w: legacy new_producers field must be empty under Savanna", ErrInvalidBlockHeaderExtension)
	}
	if h.Extension == nil {
		return nil, ErrInvalidBlockHeaderExtension
	}

	in := BlockHeaderInput{
		Timestamp:          h.Timestamp,
		Producer:           h.Producer,
		ParentID:           h.Previous,
		TransactionMroot:   h.TransactionMroot,
		FinalityMrootClaim: h.ActionMroot,
		QCClaim:            h.Extension.QCClaim,
		NewFinalizerPolicy: h.Extension.NewFinalizerPolicyDiff,
		NewProposerPolicy:  h.Extension.NewProposerPolicyDiff,
	}
	next, err := Next(parent, in, cfg)
	if err != nil {
		return nil, err
	}

	if next.Core.IsGenesisBlockNum(next.Core.LatestQCClaim.BlockNum) {
		if h.ActionMroot != (types.Hash{}) {
			return nil, fmt.Errorf("%w: action_mroot must be empty while latest QC claim is still genesis", ErrBlockValidate)
		}
	}

	if qcExt != nil {
		if qcExt.BlockNum != next.Core.LatestQCClaim.BlockNum {
			return nil, fmt.Errorf("%w: QC block extension targets block %d, header claims %d", ErrInvalidQCClaim, qcExt.BlockNum, next.Core.LatestQCClaim.BlockNum)
		}
		claimRef, err := next.Core.GetBlockReference(qcExt.BlockNum)
		if err != nil {
			return nil, fmt.Errorf("%w: resolving QC claim target: %v", ErrInvalidQCClaim, err)
		}
		var pendingPolicy *FinalizerPolicy
		if next.PendingFinalizerPolicy != nil {
			pendingPolicy = next.PendingFinalizerPolicy.Policy
		}
		weakDigest := WeakDigest(claimRef.FinalityDigest)
		if err := ValidateQCBlockExtension(backend, next.ActiveFinalizerPolicy, pendingPolicy, claimRef.FinalityDigest, weakDigest, qcExt); err != nil {
			return nil, err
		}
	}

	return next, nil
}

// promoteProposerPolicy implements spec §4.2.1.
func promoteProposerPolicy(parent *BlockHeaderState, tNext types.Slot, cfg ProposerScheduleConfig, diff *ProposerPolicyDiff) (*ProposerPolicy, *ProposerPolicy, *ProposerPolicy, error) {
	tParent := parent.Header.Timestamp
	active := parent.ActiveProposerPolicy
	proposed := parent.LatestProposedProposerPolicy
	pending := parent.LatestPendingProposerPolicy

	inSameRound := tNext.InSameRound(tParent, cfg.ProducerRepetitions)
	if !inSameRound {
		lastFinalTimestamp := parentLastFinalTimestamp(parent)
		priorRoundStart := tParent.PriorRoundStart(cfg.ProducerRepetitions)
		switch {
		case proposed == nil && pending == nil:
			// active stays.
		case proposed != nil && proposed.ProposalTime < priorRoundStart && proposed.ProposalTime <= lastFinalTimestamp:
			active = proposed
		case pending != nil && pending.ProposalTime <= lastFinalTimestamp:
			active = pending
		default:
			// active stays.
		}
	}

	if active.Equal(pending) {
		pending = nil
	}
	if active.Equal(proposed) {
		proposed = nil
		pending = nil
	}

	firstBlockOfRound := !inSameRound && tNext == tNext.RoundStart(cfg.ProducerRepetitions)
	if firstBlockOfRound && proposed != nil && pending == nil {
		pending = proposed
		proposed = nil
	}

	if diff != nil {
		base := proposed
		if base == nil {
			base = pending
		}
		if base == nil {
			base = active
		}
		newProposed, err := diff.Apply(base)
		if err != nil {
			return nil, nil, nil, err
		}
		proposed = newProposed
	}

	return active, proposed, pending, nil
}

func parentLastFinalTimestamp(parent *BlockHeaderState) types.Slot {
	ref, err := parent.Core.GetBlockReference(parent.Core.LastFinalBlockNum)
	if err != nil {
		return 0
	}
	return ref.Timestamp
}

// promoteFinalizerPolicy implements spec §4.2.2, steps 1-4 (the new-diff
// append of step 7 happens separately in Next, after this promotion runs).
func promoteFinalizerPolicy(parent *BlockHeaderState, nextBlockNum uint32, lib uint32) (*FinalizerPolicy, *PendingFinalizerPolicy, []ProposedFinalizerPolicy) {
	active := parent.ActiveFinalizerPolicy
	pending := parent.PendingFinalizerPolicy
	proposed := append([]ProposedFinalizerPolicy{}, parent.ProposedFinalizerPolicies...)

	pendingSlotOpen := pending == nil
	if pending != nil && pending.PromotionBlockNum <= lib {
		active = pending.Policy
		pending = nil
		pendingSlotOpen = true
	}

	if len(proposed) == 0 {
		return active, pending, proposed
	}

	targetIdx := -1
	for i, pp := range proposed {
		if pp.ProposalBlockNum <= lib {
			if targetIdx == -1 || proposed[i].ProposalBlockNum > proposed[targetIdx].ProposalBlockNum {
				targetIdx = i
			}
		}
	}
	if targetIdx == -1 {
		return active, pending, proposed
	}

	target := proposed[targetIdx]
	var carried []ProposedFinalizerPolicy
	for i, pp := range proposed {
		if i == targetIdx {
			continue
		}
		if pp.ProposalBlockNum > target.ProposalBlockNum {
			carried = append(carried, pp)
		}
	}
	sort.Slice(carried, func(i, j int) bool { return carried[i].ProposalBlockNum < carried[j].ProposalBlockNum })

	if pendingSlotOpen {
		pending = &PendingFinalizerPolicy{PromotionBlockNum: nextBlockNum, Policy: target.Policy}
		proposed = carried
	} else {
		proposed = append(carried, target)
		sort.Slice(proposed, func(i, j int) bool { return proposed[i].ProposalBlockNum < proposed[j].ProposalBlockNum })
	}

	return active, pending, proposed
}
