package chainbase

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"github.com/savanna-chain/savanna/log"
	"github.com/savanna-chain/savanna/metrics"
)

var (
	segmentLogger      = log.Default().Module("chainbase")
	segmentOpenCount   = metrics.DefaultRegistry.Counter("chainbase.segment_opens")
	segmentDirtyRejects = metrics.DefaultRegistry.Counter("chainbase.segment_dirty_rejections")
)

// segmentMagic identifies a chainbase segment file, written at header
// offset 0. Guards against Open mistaking an unrelated file for a segment.
const segmentMagic uint64 = 0x53415641_4e4e4100 // "SAVANNA\0"

// segmentHeaderSize is the fixed size of the segment header region at the
// front of the mapped file. Only magic (bytes 0-7) and the dirty flag
// (byte 8) are written; the rest of the 512 bytes is unused room to grow
// the header without an on-disk format migration.
const segmentHeaderSize = 512

// Segment is a memory-mapped, file-backed region used for the object
// store's durable bookkeeping: the dirty flag that detects an unclean
// shutdown. The FreeList allocator over the region after the header is
// not persisted; it starts empty on every Open. It is guarded by an
// exclusive file lock so two node processes never open the same database
// directory at once.
//
// Row data itself lives in ordinary Go heap memory (see Table); Segment
// backs only the header and the FreeList allocator, which is sufficient to
// exercise and test the allocator and crash-detection semantics without
// requiring unsafe, cross-process pointer graphs inside the mapping, which
// Go's memory model does not support the way the original's placement-new
// node allocator does.
type Segment struct {
	path  string
	file  *os.File
	lock  *flock.Flock
	data  []byte
	alloc *FreeList
}

// Open maps (creating if necessary) the segment file at path, sized to
// size bytes, after acquiring an exclusive lock. If the file already
// exists and its header is marked dirty, Open returns ErrDirty: the caller
// is expected to discard the segment and rebuild from genesis rather than
// trust a torn write.
func Open(path string, size int) (*Segment, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("chainbase: acquiring lock: %w", err)
	}
	if !locked {
		return nil, ErrSegmentLocked
	}

	existed := true
	if _, err := os.Stat(path); os.IsNotExist(err) {
		existed = false
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("chainbase: opening segment: %w", err)
	}

	if !existed {
		if err := f.Truncate(int64(size)); err != nil {
			_ = f.Close()
			_ = lock.Unlock()
			return nil, fmt.Errorf("chainbase: sizing segment: %w", err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		_ = lock.Unlock()
		return nil, fmt.Errorf("chainbase: mmap: %w", err)
	}

	s := &Segment{path: path, file: f, lock: lock, data: data}

	if existed {
		if binary.LittleEndian.Uint64(data[0:8]) != segmentMagic {
			s.cleanup()
			return nil, ErrBadMagic
		}
		if data[8] != 0 {
			s.cleanup()
			segmentDirtyRejects.Inc()
			segmentLogger.Warn("segment marked dirty, refusing to open", "path", path)
			return nil, ErrDirty
		}
	} else {
		binary.LittleEndian.PutUint64(data[0:8], segmentMagic)
		data[8] = 0
	}

	data[8] = 1 // mark dirty; cleared by a clean Close.
	s.alloc = NewFreeList(data[segmentHeaderSize:])
	segmentOpenCount.Inc()
	segmentLogger.Info("segment opened", "path", path, "size", size, "existed", existed)
	return s, nil
}

// Close flushes the mapping, clears the dirty flag, and releases the file
// lock. An interrupted process (killed before Close runs) leaves the dirty
// flag set, and the next Open call reports ErrDirty.
func (s *Segment) Close() error {
	s.data[8] = 0
	if err := unix.Msync(s.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("chainbase: msync: %w", err)
	}
	segmentLogger.Info("segment closed", "path", s.path)
	return s.cleanup()
}

func (s *Segment) cleanup() error {
	var firstErr error
	if err := unix.Munmap(s.data); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.lock.Unlock(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Allocator exposes the segment's FreeList for components that need raw
// scratch space within the mapping (currently unused by Table, which keeps
// row data on the Go heap; reserved for future resident structures such as
// a persisted vote-aggregation scratch buffer).
func (s *Segment) Allocator() *FreeList { return s.alloc }
