package consensus

import (
	"testing"

	"github.com/savanna-chain/savanna/types"
)

func genesisState(t *testing.T) *BlockHeaderState {
	t.Helper()
	finPolicy, err := NewFinalizerPolicy(1, 2, weightedFinalizers(1, 1, 1))
	if err != nil {
		t.Fatalf("NewFinalizerPolicy: %v", err)
	}
	propPolicy := NewProposerPolicy(0, 1, []Producer{{Name: "alice"}, {Name: "bob"}})
	return NewGenesisBlockHeaderState(0, "alice", finPolicy, propPolicy)
}

func TestGenesisBlockHeaderState(t *testing.T) {
	g := genesisState(t)
	if g.BlockNum != GenesisBlockNum {
		t.Fatalf("genesis block num = %d, want %d", g.BlockNum, GenesisBlockNum)
	}
	if g.ActiveFinalizerPolicy.Generation != 1 {
		t.Fatalf("expected active finalizer policy generation 1")
	}
	if g.BlockID == (types.Hash{}) {
		t.Fatalf("genesis block id should not be zero")
	}
}

func TestNextAdvancesBlockNumAndRejectsStaleTimestamp(t *testing.T) {
	g := genesisState(t)
	cfg := DefaultProposerScheduleConfig()

	in := BlockHeaderInput{
		Timestamp: 1,
		Producer:  "alice",
		ParentID:  g.BlockID,
		QCClaim:   QCClaim{BlockNum: GenesisBlockNum, IsStrongQC: false},
	}
	next, err := Next(g, in, cfg)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if next.BlockNum != g.BlockNum+1 {
		t.Fatalf("block num did not advance")
	}

	stale := in
	stale.Timestamp = 0
	if _, err := Next(g, stale, cfg); err == nil {
		t.Fatalf("expected error for non-advancing timestamp")
	}
}

func TestValidateHeaderRejectsWrongPrevious(t *testing.T) {
	g := genesisState(t)
	cfg := DefaultProposerScheduleConfig()
	h := BlockHeader{
		Timestamp: 1,
		Producer:  "alice",
		Previous:  types.Hash{0xff},
		Extension: &FinalityExtension{QCClaim: QCClaim{BlockNum: GenesisBlockNum}},
	}
	if _, err := ValidateHeader(g, h, "alice", cfg, nil, nil); err != ErrUnlinkableBlock {
		t.Fatalf("expected ErrUnlinkableBlock, got %v", err)
	}
}

func TestValidateHeaderRejectsWrongProducer(t *testing.T) {
	g := genesisState(t)
	cfg := DefaultProposerScheduleConfig()
	h := BlockHeader{
		Timestamp: 1,
		Producer:  "mallory",
		Previous:  g.BlockID,
		Extension: &FinalityExtension{QCClaim: QCClaim{BlockNum: GenesisBlockNum}},
	}
	if _, err := ValidateHeader(g, h, "alice", cfg, nil, nil); err != ErrWrongProducer {
		t.Fatalf("expected ErrWrongProducer, got %v", err)
	}
}

func TestValidateHeaderRequiresExtension(t *testing.T) {
	g := genesisState(t)
	cfg := DefaultProposerScheduleConfig()
	h := BlockHeader{
		Timestamp: 1,
		Producer:  "alice",
		Previous:  g.BlockID,
	}
	if _, err := ValidateHeader(g, h, "alice", cfg, nil, nil); err != ErrInvalidBlockHeaderExtension {
		t.Fatalf("expected ErrInvalidBlockHeaderExtension, got %v", err)
	}
}

func TestMakeBlockRefReflectsPendingGeneration(t *testing.T) {
	g := genesisState(t)
	ref := g.MakeBlockRef()
	if ref.PendingPolicyGeneration != 0 {
		t.Fatalf("genesis has no pending policy, expected 0 generation")
	}
	if ref.ActivePolicyGeneration != uint32(g.ActiveFinalizerPolicy.Generation) {
		t.Fatalf("active policy generation mismatch")
	}
}

func TestFinalizerPolicyDiffPromotionFlow(t *testing.T) {
	g := genesisState(t)
	cfg := DefaultProposerScheduleConfig()

	diff := &FinalizerPolicyDiff{Generation: 2, Threshold: 2, Inserts: []Finalizer{{PublicKey: []byte{9}, Weight: 5}}}
	in := BlockHeaderInput{
		Timestamp:          1,
		Producer:           "alice",
		ParentID:           g.BlockID,
		QCClaim:            QCClaim{BlockNum: GenesisBlockNum, IsStrongQC: false},
		NewFinalizerPolicy: diff,
	}
	next, err := Next(g, in, cfg)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(next.ProposedFinalizerPolicies) != 1 {
		t.Fatalf("expected the new diff to be queued as proposed, got %d entries", len(next.ProposedFinalizerPolicies))
	}
	if next.ProposedFinalizerPolicies[0].Policy.Generation != 2 {
		t.Fatalf("proposed policy generation = %d, want 2", next.ProposedFinalizerPolicies[0].Policy.Generation)
	}
	// Active policy is unaffected until promoted through a pending slot.
	if next.ActiveFinalizerPolicy.Generation != 1 {
		t.Fatalf("active policy should remain at generation 1 immediately after proposal")
	}
}
