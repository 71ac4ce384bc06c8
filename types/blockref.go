package types

// BlockRef is a compact pointer to a past block: enough identity and
// context to drive the finalizer's safety/liveness checks without holding
// the full block header state (spec §3 "Block reference").
type BlockRef struct {
	BlockID                 Hash
	Timestamp               Slot
	FinalityDigest          Hash
	ActivePolicyGeneration  uint32
	PendingPolicyGeneration uint32
}

// Empty reports whether r is the zero block_ref, meaning "no reference yet"
// (e.g. a finalizer that has never voted, or the genesis parent).
func (r BlockRef) Empty() bool {
	return r == BlockRef{}
}

// BlockNum extracts the block number encoded in the first four bytes of
// BlockID, following the Antelope convention that a block ID's first four
// bytes are its big-endian block number. Block IDs in this engine are
// produced by SetBlockNum so this round-trips.
func (r BlockRef) BlockNum() uint32 {
	return BlockNumFromID(r.BlockID)
}

// BlockNumFromID extracts the big-endian block number stored in the first
// four bytes of a block ID.
func BlockNumFromID(id Hash) uint32 {
	return uint32(id[0])<<24 | uint32(id[1])<<16 | uint32(id[2])<<8 | uint32(id[3])
}

// SetBlockNum overwrites the first four bytes of a block ID with the given
// block number, big-endian. Used when computing a block's own ID from its
// header digest.
func SetBlockNum(digest Hash, num uint32) Hash {
	id := digest
	id[0] = byte(num >> 24)
	id[1] = byte(num >> 16)
	id[2] = byte(num >> 8)
	id[3] = byte(num)
	return id
}
