package consensus

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/savanna-chain/savanna/crypto"
	"github.com/savanna-chain/savanna/log"
	"github.com/savanna-chain/savanna/types"
)

// PubkeySize is the packed size of a finalizer BLS public key in the safety
// file, matching crypto.PubkeySize.
const PubkeySize = crypto.PubkeySize

var safetyFileLogger = log.Default().Module("consensus.safetyfile")

// safetyFileMagic identifies a finalizer safety persistence file.
const safetyFileMagic uint64 = 0x6662736166657479 // "fbsafety" in ASCII; written big-endian, so the file starts with those bytes in order

// Safety file format versions (spec §6 "FSI file format"). v0 is a legacy
// layout with a boolean "votes forked since latest strong vote" field in
// place of other_branch_latest_time; v1 is current.
const (
	safetyFileVersionV0 byte = 0
	safetyFileVersionV1 byte = 1
)

// blockRefV0Size is the packed size of a block_ref_v0 record: block_id (32)
// + timestamp (4) + finality_digest (32).
const blockRefV0Size = types.HashLength + 4 + types.HashLength

// SafetyFile persists FinalizerSafetyInfo for every locally-configured
// finalizer, surviving process restarts (spec §3/§6 "Finalizer safety
// info"/"FSI file format"). A single writer per process is assumed; an
// external file lock (as chainbase.Segment uses) is the caller's
// responsibility for multi-process exclusion.
type SafetyFile struct {
	mu   sync.Mutex
	path string

	// order is the fixed ordering of configured finalizer public keys
	// this process writes, as strings for map-friendliness.
	order []string

	// inactivePrefix holds records read from the file for finalizers not
	// configured in this process; preserved verbatim across writes (spec
	// §4.4 "Persistence" - "preserves a cached inactive finalizers
	// prefix region").
	inactivePrefix []byte
	inactiveCRC    uint32
	prefixCached   bool
}

// OpenSafetyFile opens or creates the safety file at path, for the given
// ordered set of locally-configured finalizer public keys. Any records
// found for keys not in pubkeys are retained as the inactive prefix.
func OpenSafetyFile(path string, pubkeys [][]byte) (*SafetyFile, map[string]FinalizerSafetyInfo, error) {
	order := make([]string, len(pubkeys))
	want := make(map[string]struct{}, len(pubkeys))
	for i, pk := range pubkeys {
		s := string(pk)
		order[i] = s
		want[s] = struct{}{}
	}

	sf := &SafetyFile{path: path, order: order}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("%w: creating directory %s: %v", ErrFinalizerSafety, dir, err)
			}
		}
		return sf, map[string]FinalizerSafetyInfo{}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: opening %s: %v", ErrFinalizerSafety, path, err)
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: reading %s: %v", ErrFinalizerSafety, path, err)
	}

	active, inactiveBytes, err := parseSafetyFile(raw, want)
	if err != nil {
		return nil, nil, err
	}
	sf.inactivePrefix = inactiveBytes
	sf.inactiveCRC = crc32.ChecksumIEEE(inactiveBytes)
	sf.prefixCached = true
	return sf, active, nil
}

// byteCursor is a minimal forward-only reader over an in-memory buffer,
// used so the whole file can be hashed and parsed without bufio's
// read-ahead racing the CRC boundary.
type byteCursor struct {
	buf []byte
	pos int
}

func (c *byteCursor) take(n int) ([]byte, error) {
	if c.pos+n > len(c.buf) {
		return nil, fmt.Errorf("unexpected end of file")
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

func (c *byteCursor) u64() (uint64, error) {
	b, err := c.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (c *byteCursor) u32() (uint32, error) {
	b, err := c.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (c *byteCursor) byte() (byte, error) {
	b, err := c.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// parseSafetyFile parses the whole file body, separating records whose
// pubkey is in want (returned keyed by string(pubkey)) from inactive
// records (whose raw v1-shaped bytes are preserved for round-tripping),
// and verifies the trailing CRC32 over everything preceding it.
func parseSafetyFile(raw []byte, want map[string]struct{}) (map[string]FinalizerSafetyInfo, []byte, error) {
	if len(raw) < 4 {
		return nil, nil, fmt.Errorf("%w: file too short", ErrFinalizerSafety)
	}
	body := raw[:len(raw)-4]
	trailingCRC := binary.BigEndian.Uint32(raw[len(raw)-4:])
	if got := crc32.ChecksumIEEE(body); got != trailingCRC {
		return nil, nil, fmt.Errorf("%w: CRC32 mismatch: file corrupt", ErrFinalizerSafety)
	}

	c := &byteCursor{buf: body}

	magic, err := c.u64()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: reading magic: %v", ErrFinalizerSafety, err)
	}
	if magic != safetyFileMagic {
		return nil, nil, fmt.Errorf("%w: bad magic number", ErrFinalizerSafety)
	}

	version, err := c.byte()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: reading version: %v", ErrFinalizerSafety, err)
	}

	count, err := c.u64()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: reading count: %v", ErrFinalizerSafety, err)
	}

	active := make(map[string]FinalizerSafetyInfo, count)
	var inactiveBuf []byte

	for i := uint64(0); i < count; i++ {
		pubkey, err := c.take(PubkeySize)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: reading finalizer %d pubkey: %v", ErrFinalizerSafety, i, err)
		}

		var fsi FinalizerSafetyInfo
		var encoded []byte
		if version == safetyFileVersionV0 {
			fsi, encoded, err = readSafetyRecordV0(c)
		} else {
			fsi, encoded, err = readSafetyRecordV1(c)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%w: reading finalizer %d record: %v", ErrFinalizerSafety, i, err)
		}

		key := string(pubkey)
		if _, ok := want[key]; ok {
			active[key] = fsi
		} else {
			inactiveBuf = append(inactiveBuf, pubkey...)
			inactiveBuf = append(inactiveBuf, encoded...)
		}
	}

	return active, inactiveBuf, nil
}

func readBlockRefV0(c *byteCursor) (types.BlockRef, []byte, error) {
	buf, err := c.take(blockRefV0Size)
	if err != nil {
		return types.BlockRef{}, nil, err
	}
	var ref types.BlockRef
	copy(ref.BlockID[:], buf[0:types.HashLength])
	ref.Timestamp = types.Slot(binary.BigEndian.Uint32(buf[types.HashLength : types.HashLength+4]))
	copy(ref.FinalityDigest[:], buf[types.HashLength+4:])
	return ref, buf, nil
}

func writeBlockRefV0(w io.Writer, ref types.BlockRef) ([]byte, error) {
	buf := make([]byte, blockRefV0Size)
	copy(buf[0:types.HashLength], ref.BlockID[:])
	binary.BigEndian.PutUint32(buf[types.HashLength:types.HashLength+4], uint32(ref.Timestamp))
	copy(buf[types.HashLength+4:], ref.FinalityDigest[:])
	_, err := w.Write(buf)
	return buf, err
}

func readSafetyRecordV1(c *byteCursor) (FinalizerSafetyInfo, []byte, error) {
	var fsi FinalizerSafetyInfo
	var out []byte

	lastVote, b, err := readBlockRefV0(c)
	if err != nil {
		return fsi, nil, err
	}
	out = append(out, b...)
	fsi.LastVote = lastVote

	lock, b, err := readBlockRefV0(c)
	if err != nil {
		return fsi, nil, err
	}
	out = append(out, b...)
	fsi.Lock = lock

	ts, err := c.u32()
	if err != nil {
		return fsi, nil, err
	}
	out = binary.BigEndian.AppendUint32(out, ts)
	fsi.OtherBranchLatestTime = types.Slot(ts)

	return fsi, out, nil
}

// readSafetyRecordV0 reads the legacy layout, whose last field is a bool
// ("votes forked since latest strong vote") instead of a timestamp. On
// load it is upgraded in memory: true maps to last_vote.timestamp, false
// to 0 (spec §6 "v0 legacy ... v0 on load is upgraded in memory").
func readSafetyRecordV0(c *byteCursor) (FinalizerSafetyInfo, []byte, error) {
	var fsi FinalizerSafetyInfo
	var out []byte

	lastVote, b, err := readBlockRefV0(c)
	if err != nil {
		return fsi, nil, err
	}
	out = append(out, b...)
	fsi.LastVote = lastVote

	lock, b, err := readBlockRefV0(c)
	if err != nil {
		return fsi, nil, err
	}
	out = append(out, b...)
	fsi.Lock = lock

	votesForked, err := c.byte()
	if err != nil {
		return fsi, nil, err
	}
	if votesForked != 0 {
		fsi.OtherBranchLatestTime = fsi.LastVote.Timestamp
	}

	// Re-encode in v1 shape for the in-memory inactive-prefix cache, since
	// writers always emit v1.
	v1 := make([]byte, 0, blockRefV0Size*2+4)
	v1 = append(v1, out[:blockRefV0Size*2]...)
	v1 = binary.BigEndian.AppendUint32(v1, uint32(fsi.OtherBranchLatestTime))
	return fsi, v1, nil
}

// Save persists active, a map of configured finalizer pubkey (as a string,
// matching the order/keys passed to OpenSafetyFile) to FinalizerSafetyInfo,
// writing the file from scratch: magic, version, count, the cached
// inactive prefix, then every configured finalizer's current record, then
// a trailing CRC32 over the whole body. Per spec §4.4 "Suspension/
// blocking", this must complete before the caller broadcasts a vote that
// depends on it.
func (sf *SafetyFile) Save(active map[string]FinalizerSafetyInfo) error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	f, err := os.Create(sf.path)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %v", ErrFinalizerSafety, sf.path, err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	crcWriter := crc32.NewIEEE()
	w := io.MultiWriter(bw, crcWriter)

	if err := binary.Write(w, binary.BigEndian, safetyFileMagic); err != nil {
		return err
	}
	if _, err := w.Write([]byte{safetyFileVersionV1}); err != nil {
		return err
	}

	inactiveCount := 0
	if sf.prefixCached {
		// Each inactive record is pubkey (PubkeySize) + blockRefV0Size*2 + 4.
		recSize := PubkeySize + blockRefV0Size*2 + 4
		if recSize > 0 {
			inactiveCount = len(sf.inactivePrefix) / recSize
		}
	}
	count := uint64(inactiveCount + len(sf.order))
	if err := binary.Write(w, binary.BigEndian, count); err != nil {
		return err
	}

	if _, err := w.Write(sf.inactivePrefix); err != nil {
		return err
	}

	for _, key := range sf.order {
		if _, err := w.Write([]byte(key)); err != nil {
			return err
		}
		fsi := active[key]
		if _, err := writeBlockRefV0(w, fsi.LastVote); err != nil {
			return err
		}
		if _, err := writeBlockRefV0(w, fsi.Lock); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, uint32(fsi.OtherBranchLatestTime)); err != nil {
			return err
		}
	}

	if err := binary.Write(bw, binary.BigEndian, crcWriter.Sum32()); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	safetyFileLogger.Debug("finalizer safety info saved", "path", sf.path, "active_finalizers", len(sf.order))
	return nil
}
