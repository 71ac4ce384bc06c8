package consensus

import (
	"crypto/sha256"
	"fmt"

	"github.com/savanna-chain/savanna/metrics"
	"github.com/savanna-chain/savanna/types"
)

// blocksFinalizedCounter tracks cumulative finalized block height advances
// across every FinalityCore.Next call in the process (spec.md §8's "blocks
// finalized" observable, SPEC_FULL.md §2 "consensus exposes ... a 'blocks
// finalized' counter").
var blocksFinalizedCounter = metrics.DefaultRegistry.Counter("consensus.blocks_finalized")

// QCClaim is what a block header claims about the QC certifying some
// earlier block: its number and whether the certifying signature set met
// the strong threshold (spec §3 "latest_qc_claim").
type QCClaim struct {
	BlockNum   uint32
	IsStrongQC bool
}

// Link is one entry of the finality core's link chain: a record that
// source_block_num's own QC claim targeted target_block_num, and whether
// that claim was strong (spec §3 "links").
type Link struct {
	SourceBlockNum uint32
	TargetBlockNum uint32
	IsLinkStrong   bool
}

// FinalityCore holds the compact 2-chain window between LastFinalBlockNum
// and the block it belongs to (spec §3/§4.3). One core is embedded in every
// BlockHeaderState.
type FinalityCore struct {
	Links                   []Link
	LatestQCClaim           QCClaim
	LastFinalBlockNum       uint32
	FinalOnStrongQCBlockNum uint32
	CurrentBlockNum         uint32

	// refs holds a BlockRef for every height in
	// [LastFinalBlockNum, CurrentBlockNum): Next records the parent's
	// reference, so the current block's own height has no entry (except in
	// the genesis core, which holds a zero reference at GenesisBlockNum).
	refs map[uint32]types.BlockRef
}

// NewGenesisFinalityCore returns the core for the Savanna activation block:
// every counter pinned at GenesisBlockNum, no links yet.
func NewGenesisFinalityCore() FinalityCore {
	return FinalityCore{
		LatestQCClaim:           QCClaim{BlockNum: GenesisBlockNum, IsStrongQC: false},
		LastFinalBlockNum:       GenesisBlockNum,
		FinalOnStrongQCBlockNum: GenesisBlockNum,
		CurrentBlockNum:         GenesisBlockNum,
		refs:                    map[uint32]types.BlockRef{GenesisBlockNum: {}},
	}
}

// IsGenesisBlockNum reports whether n is the Savanna activation block
// number.
func (c FinalityCore) IsGenesisBlockNum(n uint32) bool { return n == GenesisBlockNum }

// IsGenesisCore reports whether this core is still at the activation
// block, i.e. no real block has advanced it yet.
func (c FinalityCore) IsGenesisCore() bool { return c.CurrentBlockNum == GenesisBlockNum }

// LatestQCBlockTimestamp returns the timestamp of the block referenced by
// LatestQCClaim, used throughout the finalizer's liveness check (§4.4).
func (c FinalityCore) LatestQCBlockTimestamp() types.Slot {
	ref, err := c.GetBlockReference(c.LatestQCClaim.BlockNum)
	if err != nil {
		return 0
	}
	return ref.Timestamp
}

// GetBlockReference returns the BlockRef stored for block number num. num
// must lie in [LastFinalBlockNum, CurrentBlockNum].
func (c FinalityCore) GetBlockReference(num uint32) (types.BlockRef, error) {
	if num < c.LastFinalBlockNum || num > c.CurrentBlockNum {
		return types.BlockRef{}, fmt.Errorf("consensus: block number %d outside reversible window [%d,%d]", num, c.LastFinalBlockNum, c.CurrentBlockNum)
	}
	ref, ok := c.refs[num]
	if !ok {
		return types.BlockRef{}, fmt.Errorf("consensus: no reference recorded for block number %d", num)
	}
	return ref, nil
}

// Extends reports whether id appears as the stored reference at its own
// height within this core's window.
func (c FinalityCore) Extends(id types.Hash) bool {
	num := types.BlockNumFromID(id)
	ref, err := c.GetBlockReference(num)
	if err != nil {
		return false
	}
	return ref.BlockID == id
}

// GetReversibleBlocksMroot computes a commitment to every block reference
// above LastFinalBlockNum, in ascending height order.
func (c FinalityCore) GetReversibleBlocksMroot() types.Hash {
	h := sha256.New()
	for n := c.LastFinalBlockNum + 1; n <= c.CurrentBlockNum; n++ {
		ref, ok := c.refs[n]
		if !ok {
			continue
		}
		h.Write(ref.BlockID[:])
	}
	return types.BytesToHash(h.Sum(nil))
}

// linkFrom returns the most recent link whose source is blockNum: i.e. the
// claim that block blockNum itself made when it was produced.
func (c FinalityCore) linkFrom(blockNum uint32) (Link, bool) {
	for i := len(c.Links) - 1; i >= 0; i-- {
		if c.Links[i].SourceBlockNum == blockNum {
			return c.Links[i], true
		}
	}
	return Link{}, false
}

// Next advances the core to describe the block following parentRef, given
// the new block's QC claim. Implements spec §3/§4.3's advancement rule:
// two consecutive strong links finalize the older one's target, the
// standard 2-chain commit rule.
func (c FinalityCore) Next(parentRef types.BlockRef, newClaim QCClaim) (FinalityCore, error) {
	if newClaim.BlockNum < c.LatestQCClaim.BlockNum {
		return FinalityCore{}, fmt.Errorf("%w: claim block num %d regresses past current claim %d", ErrInvalidQCClaim, newClaim.BlockNum, c.LatestQCClaim.BlockNum)
	}
	if newClaim.BlockNum > c.CurrentBlockNum {
		return FinalityCore{}, fmt.Errorf("%w: claim block num %d exceeds parent's current block num %d", ErrInvalidQCClaim, newClaim.BlockNum, c.CurrentBlockNum)
	}
	if !newClaim.IsStrongQC {
		if link, ok := c.linkFrom(newClaim.BlockNum); ok && link.IsLinkStrong {
			return FinalityCore{}, fmt.Errorf("%w: weak claim on block %d already known strong", ErrInvalidQCClaim, newClaim.BlockNum)
		}
	}

	next := FinalityCore{
		LatestQCClaim:           newClaim,
		LastFinalBlockNum:       c.LastFinalBlockNum,
		FinalOnStrongQCBlockNum: c.FinalOnStrongQCBlockNum,
		CurrentBlockNum:         c.CurrentBlockNum + 1,
		refs:                    make(map[uint32]types.BlockRef, len(c.refs)+1),
	}
	for n, ref := range c.refs {
		next.refs[n] = ref
	}
	next.refs[c.CurrentBlockNum] = parentRef

	next.Links = append(append([]Link{}, c.Links...), Link{
		SourceBlockNum: next.CurrentBlockNum,
		TargetBlockNum: newClaim.BlockNum,
		IsLinkStrong:   newClaim.IsStrongQC,
	})

	if newClaim.IsStrongQC {
		next.FinalOnStrongQCBlockNum = newClaim.BlockNum
		if linkB, ok := c.linkFrom(newClaim.BlockNum); ok && linkB.IsLinkStrong {
			next.LastFinalBlockNum = maxUint32(next.LastFinalBlockNum, linkB.TargetBlockNum)
		}
	}

	// Trim refs below the new last-final boundary: GetBlockReference's
	// contract only promises the window down to LastFinalBlockNum.
	for n := range next.refs {
		if n < next.LastFinalBlockNum {
			delete(next.refs, n)
		}
	}

	if next.LastFinalBlockNum > c.LastFinalBlockNum {
		blocksFinalizedCounter.Add(int64(next.LastFinalBlockNum - c.LastFinalBlockNum))
	}

	return next, nil
}

func maxUint32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
