package chainbase

import "github.com/savanna-chain/savanna/metrics"

// freeSpaceGauge tracks bytes remaining in the most recently touched
// FreeList's backing region (SPEC_FULL.md §2 "chainbase exposes
// free-space/undo-depth gauges").
var freeSpaceGauge = metrics.DefaultRegistry.Gauge("chainbase.free_space")

// chunkBytes is the granularity at which the allocator carves free space
// out of its backing region: every Alloc reserves one whole chunk of
// chunkSlots*slotSize bytes, trading some internal fragmentation
// for a free list whose length stays proportional to live allocation count
// rather than to churn.
const (
	chunkSlots = 64
	slotSize   = 64 // bytes per slot; a chunk is chunkSlots*slotSize bytes.
	chunkBytes = chunkSlots * slotSize
)

// FreeList is a bump allocator with a free list, carving fixed-size chunks
// out of a backing byte region. It models the segment's typed node
// allocator: rather than general malloc/free, space is handed out and
// reclaimed in uniform chunks sized to amortize the free-list bookkeeping
// across many small node allocations.
type FreeList struct {
	region []byte
	cursor int
	free   []int // offsets, within region, of freed chunks available for reuse
}

// NewFreeList wraps region as an allocation arena.
func NewFreeList(region []byte) *FreeList {
	return &FreeList{region: region}
}

// Alloc reserves one chunk and returns its offset within the backing
// region. Returns ErrOutOfMemory if the region has no free chunk and no
// room left to carve a new one.
func (f *FreeList) Alloc() (int, error) {
	if n := len(f.free); n > 0 {
		off := f.free[n-1]
		f.free = f.free[:n-1]
		freeSpaceGauge.Set(int64(f.Capacity() - f.Used()))
		return off, nil
	}
	if f.cursor+chunkBytes > len(f.region) {
		return 0, ErrOutOfMemory
	}
	off := f.cursor
	f.cursor += chunkBytes
	freeSpaceGauge.Set(int64(f.Capacity() - f.Used()))
	return off, nil
}

// Free returns a previously allocated chunk to the free list for reuse.
func (f *FreeList) Free(offset int) {
	f.free = append(f.free, offset)
	freeSpaceGauge.Set(int64(f.Capacity() - f.Used()))
}

// Chunk returns the byte slice backing the chunk at offset.
func (f *FreeList) Chunk(offset int) []byte {
	return f.region[offset : offset+chunkBytes]
}

// Used reports how many bytes are currently allocated (not on the free
// list), for capacity metrics.
func (f *FreeList) Used() int {
	return f.cursor - len(f.free)*chunkBytes
}

// Capacity reports the total size of the backing region.
func (f *FreeList) Capacity() int {
	return len(f.region)
}
