package consensus

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"github.com/savanna-chain/savanna/types"
)

// digestWriter accumulates a canonical byte encoding for hashing. Every
// optional field is preceded by an explicit presence byte (spec §4.2.3
// "All optional fields are encoded with an explicit presence byte"), so two
// states that differ only in whether an optional field is present never
// collide.
type digestWriter struct {
	h []byte
}

func newDigestWriter() *digestWriter { return &digestWriter{} }

func (w *digestWriter) bytes(b []byte) *digestWriter {
	w.h = append(w.h, b...)
	return w
}

func (w *digestWriter) u32(v uint32) *digestWriter {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return w.bytes(buf[:])
}

func (w *digestWriter) u64(v uint64) *digestWriter {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return w.bytes(buf[:])
}

func (w *digestWriter) str(s string) *digestWriter {
	w.u32(uint32(len(s)))
	return w.bytes([]byte(s))
}

func (w *digestWriter) present(ok bool) *digestWriter {
	if ok {
		w.h = append(w.h, 1)
	} else {
		w.h = append(w.h, 0)
	}
	return w
}

func (w *digestWriter) sum() types.Hash {
	return types.BytesToHash(sha256Sum(w.h))
}

func sha256Sum(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

func writeHeader(w *digestWriter, h BlockHeader) {
	w.u32(uint32(h.Timestamp)).str(h.Producer).bytes(h.Previous[:]).u32(h.Confirmed)
	w.bytes(h.TransactionMroot[:]).bytes(h.ActionMroot[:]).u32(h.ScheduleVersion)
	w.present(h.Extension != nil)
	if h.Extension != nil {
		writeFinalityExtension(w, *h.Extension)
	}
}

func writeFinalityExtension(w *digestWriter, ext FinalityExtension) {
	w.u32(ext.QCClaim.BlockNum).present(ext.QCClaim.IsStrongQC)
	w.present(ext.NewFinalizerPolicyDiff != nil)
	if ext.NewFinalizerPolicyDiff != nil {
		writeFinalizerPolicyDiff(w, ext.NewFinalizerPolicyDiff)
	}
	w.present(ext.NewProposerPolicyDiff != nil)
	if ext.NewProposerPolicyDiff != nil {
		writeProposerPolicyDiff(w, ext.NewProposerPolicyDiff)
	}
}

func writeFinalizerPolicyDiff(w *digestWriter, d *FinalizerPolicyDiff) {
	w.u64(d.Generation).u64(d.Threshold)
	w.u32(uint32(len(d.RemoveIndices)))
	for _, idx := range d.RemoveIndices {
		w.u32(uint32(idx))
	}
	w.u32(uint32(len(d.Inserts)))
	for _, f := range d.Inserts {
		w.bytes(f.PublicKey).u64(f.Weight).str(f.Description)
	}
}

func writeProposerPolicyDiff(w *digestWriter, d *ProposerPolicyDiff) {
	w.u32(uint32(d.ProposalTime)).u32(d.Version)
	w.u32(uint32(len(d.RemoveIndices)))
	for _, idx := range d.RemoveIndices {
		w.u32(uint32(idx))
	}
	w.u32(uint32(len(d.Inserts)))
	for _, p := range d.Inserts {
		w.str(p.Name).bytes(p.Authority)
	}
}

func writeFinalizerPolicy(w *digestWriter, p *FinalizerPolicy) {
	w.present(p != nil)
	if p != nil {
		w.bytes(p.Digest()[:])
	}
}

func writeProposerPolicy(w *digestWriter, p *ProposerPolicy) {
	w.present(p != nil)
	if p != nil {
		w.u32(uint32(p.ProposalTime)).u32(p.Version)
		w.u32(uint32(len(p.Producers)))
		for _, pr := range p.Producers {
			w.str(pr.Name).bytes(pr.Authority)
		}
	}
}

// baseDigest implements spec §4.2.3's base_digest.
func baseDigest(s *BlockHeaderState) types.Hash {
	w := newDigestWriter()
	writeHeader(w, s.Header)
	w.bytes(s.Core.GetReversibleBlocksMroot()[:]).u32(s.Core.LatestQCClaim.BlockNum).present(s.Core.LatestQCClaim.IsStrongQC)

	w.u32(uint32(len(s.ProposedFinalizerPolicies)))
	for _, pp := range s.ProposedFinalizerPolicies {
		w.u32(pp.ProposalBlockNum)
		writeFinalizerPolicy(w, pp.Policy)
	}

	w.present(s.PendingFinalizerPolicy != nil)
	if s.PendingFinalizerPolicy != nil {
		w.u32(s.PendingFinalizerPolicy.PromotionBlockNum)
		writeFinalizerPolicy(w, s.PendingFinalizerPolicy.Policy)
	}

	writeProposerPolicy(w, s.ActiveProposerPolicy)
	writeProposerPolicy(w, s.LatestProposedProposerPolicy)
	writeProposerPolicy(w, s.LatestPendingProposerPolicy)

	names := s.ActivatedProtocolFeatures.Names()
	sort.Strings(names)
	w.u32(uint32(len(names)))
	for _, n := range names {
		w.str(n)
	}
	return w.sum()
}

// finalityDigest implements spec §4.2.3's finality_digest, built from three
// nested commitment levels.
func finalityDigest(s *BlockHeaderState, finalityMroot types.Hash) types.Hash {
	lastPendingOrActiveGeneration := s.ActiveFinalizerPolicy.Generation
	if s.PendingFinalizerPolicy != nil {
		lastPendingOrActiveGeneration = s.PendingFinalizerPolicy.Policy.Generation
	}

	var claimRef types.BlockRef
	if !s.Core.IsGenesisBlockNum(s.Core.LatestQCClaim.BlockNum) {
		if ref, err := s.Core.GetBlockReference(s.Core.LatestQCClaim.BlockNum); err == nil {
			claimRef = ref
		}
	}

	level3 := newDigestWriter()
	level3.bytes(s.Core.GetReversibleBlocksMroot()[:]).u32(s.Core.LatestQCClaim.BlockNum)
	level3.bytes(claimRef.FinalityDigest[:]).u32(uint32(claimRef.Timestamp))
	level3.u32(uint32(s.Header.Timestamp)).bytes(baseDigest(s)[:])
	level3Sum := level3.sum()

	level2 := newDigestWriter()
	level2.bytes(s.LastPendingFinalizerPolicyDigest[:]).u32(uint32(s.LastPendingFinalizerPolicyStartTimestamp))
	level2.bytes(level3Sum[:])
	level2Sum := level2.sum()

	top := newDigestWriter()
	top.u64(s.ActiveFinalizerPolicy.Generation).u64(lastPendingOrActiveGeneration)
	top.bytes(finalityMroot[:]).bytes(level2Sum[:])
	return top.sum()
}
