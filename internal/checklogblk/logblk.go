// Package checklogblk implements the log and blk superblock check step
// (C6), sharing the field-range helpers the original check_pmemx.c
// shared between its log- and blk-specific validation paths instead of
// duplicating them.
package checklogblk

import (
	"github.com/ryspol/pmpool/internal/checkdriver"
	"github.com/ryspol/pmpool/internal/pmcodec"
	"github.com/ryspol/pmpool/internal/pmlayout"
)

const (
	QLogStartOffset = iota
	QLogEndOffset
	QLogWriteOffset
	QBlkBsizeFromBTT
	QBlkBsizeRange
)

// MinLBASize is the smallest permitted blk block size.
const MinLBASize = 512

type logFieldFix struct {
	kind  int
	value uint64
}

type scratch struct {
	fixes []logFieldFix
}

// BTTInfoLookup is implemented by internal/btt so this package can read
// a pool's first arena's external_lbasize without importing internal/btt
// directly (which would create a cycle through checkdriver's step list
// assembly in pmpool).
type BTTInfoLookup interface {
	FirstArenaExternalLBASize(ps *pmlayout.PoolSet) (size uint64, ok bool)
}

// Step returns the C6 log/blk header check/fix pair.
func Step(ps *pmlayout.PoolSet, btt BTTInfoLookup) checkdriver.Step {
	return checkdriver.Step{
		Name: "log-blk-header",
		Applies: func(t pmlayout.PoolType, isBTTDevice bool) bool {
			return !isBTTDevice && (t.Has(pmlayout.PoolTypeLog) || t.Has(pmlayout.PoolTypeBlk))
		},
		Check: func(s *checkdriver.Session) error {
			if s.PoolType.Has(pmlayout.PoolTypeLog) {
				return checkLog(s, ps)
			}
			return checkBlk(s, ps, btt)
		},
		Fix: func(s *checkdriver.Session) error {
			if s.PoolType.Has(pmlayout.PoolTypeLog) {
				return fixLog(s, ps)
			}
			return fixBlk(s, ps)
		},
	}
}

func canonicalStartOffset() uint64 {
	const hdrSize = uint64(pmlayout.PoolHeaderSize + 8 + 8 + 8) // pool hdr + 3 log fields
	return roundUp(hdrSize, pmlayout.LogFormatDataAlign)
}

func roundUp(v, align uint64) uint64 {
	return (v + align - 1) / align * align
}

func checkLog(s *checkdriver.Session, ps *pmlayout.PoolSet) error {
	sc := &scratch{}
	s.Scratch = sc

	part, _ := ps.Part(0, 0)
	hdr, flat := readLogHeader(part)

	wantStart := canonicalStartOffset()
	wantEnd := uint64(part.Filesize)

	if hdr.StartOffset != wantStart {
		s.EnqueueQuestion(QLogStartOffset, "log start_offset is wrong|set to the canonical aligned offset?")
		sc.fixes = append(sc.fixes, logFieldFix{QLogStartOffset, wantStart})
	}
	if hdr.EndOffset != wantEnd {
		s.EnqueueQuestion(QLogEndOffset, "log end_offset does not match pool size|set to the pool size?")
		sc.fixes = append(sc.fixes, logFieldFix{QLogEndOffset, wantEnd})
	}
	if hdr.WriteOffset < wantStart || hdr.WriteOffset > wantEnd {
		s.EnqueueQuestion(QLogWriteOffset, "log write_offset is out of range|set to end_offset?")
		sc.fixes = append(sc.fixes, logFieldFix{QLogWriteOffset, wantEnd})
	}
	_ = flat
	return nil
}

func fixLog(s *checkdriver.Session, ps *pmlayout.PoolSet) error {
	sc, _ := s.Scratch.(*scratch)
	part, _ := ps.Part(0, 0)
	hdr, _ := readLogHeader(part)

	answers := s.Answers()
	for idx, f := range sc.fixes {
		if answers[idx].Answer != "yes" {
			continue
		}
		switch f.kind {
		case QLogStartOffset:
			hdr.StartOffset = f.value
		case QLogEndOffset:
			hdr.EndOffset = f.value
		case QLogWriteOffset:
			hdr.WriteOffset = f.value
		}
	}
	writeLogHeader(part, hdr)
	return nil
}

func readLogHeader(part *pmlayout.Part) (pmlayout.LogHeader, []byte) {
	buf := append(append([]byte{}, part.HdrAddr[:pmlayout.PoolHeaderSize]...), part.MappedAddr[:24]...)
	h, _ := pmcodec.DecodeLogHeader(buf)
	return h, buf
}

func writeLogHeader(part *pmlayout.Part, h pmlayout.LogHeader) {
	out, err := pmcodec.EncodeLogHeader(&h)
	if err != nil {
		return
	}
	copy(part.HdrAddr[:pmlayout.PoolHeaderSize], out[:pmlayout.PoolHeaderSize])
	copy(part.MappedAddr[:24], out[pmlayout.PoolHeaderSize:])
}

func checkBlk(s *checkdriver.Session, ps *pmlayout.PoolSet, btt BTTInfoLookup) error {
	sc := &scratch{}
	s.Scratch = sc

	part, _ := ps.Part(0, 0)
	hdr, _ := readBlkHeader(part)

	if btt != nil {
		if extSize, ok := btt.FirstArenaExternalLBASize(ps); ok {
			if uint64(hdr.Bsize) != extSize {
				s.EnqueueQuestion(QBlkBsizeFromBTT, "bsize disagrees with the BTT's external_lbasize|set bsize to match the BTT?")
				sc.fixes = append(sc.fixes, logFieldFix{QBlkBsizeFromBTT, extSize})
			}
			return nil
		}
	}

	maxBsize := maxBsizeForFile(part.Filesize)
	if uint64(hdr.Bsize) < MinLBASize || uint64(hdr.Bsize) > maxBsize {
		if maxBsize < MinLBASize {
			return checkdriver.ErrCannotRepair
		}
		s.EnqueueQuestion(QBlkBsizeRange, "bsize is out of the permitted range|set to the maximum size this file can host?")
		sc.fixes = append(sc.fixes, logFieldFix{QBlkBsizeRange, maxBsize})
	}
	return nil
}

func fixBlk(s *checkdriver.Session, ps *pmlayout.PoolSet) error {
	sc, _ := s.Scratch.(*scratch)
	part, _ := ps.Part(0, 0)
	hdr, _ := readBlkHeader(part)

	answers := s.Answers()
	for idx, f := range sc.fixes {
		if answers[idx].Answer != "yes" {
			continue
		}
		hdr.Bsize = uint32(f.value)
	}
	writeBlkHeader(part, hdr)
	return nil
}

func readBlkHeader(part *pmlayout.Part) (pmlayout.BlkHeader, []byte) {
	buf := append(append([]byte{}, part.HdrAddr[:pmlayout.PoolHeaderSize]...), part.MappedAddr[:8]...)
	h, _ := pmcodec.DecodeBlkHeader(buf)
	return h, buf
}

func writeBlkHeader(part *pmlayout.Part, h pmlayout.BlkHeader) {
	out, err := pmcodec.EncodeBlkHeader(&h)
	if err != nil {
		return
	}
	copy(part.HdrAddr[:pmlayout.PoolHeaderSize], out[:pmlayout.PoolHeaderSize])
	copy(part.MappedAddr[:8], out[pmlayout.PoolHeaderSize:])
}

// maxBsizeForFile derives the largest bsize a file of this size can host,
// per spec.md §4.6: subtract the pmemblk superblock, two BTT info
// headers, and the flog from file size; divide by 2·nfree; subtract the
// map-entry size; align down.
func maxBsizeForFile(filesize int64) uint64 {
	const defaultNfree = 32
	overhead := int64(pmlayout.PoolHeaderSize) + 2*int64(pmlayout.BTTInfoSize)
	flogSize := int64(defaultNfree) * 2 * 32 // 2 flog records per free slot, 32 bytes each
	overhead += roundUpI64(flogSize, pmlayout.BTTAlignment)

	usable := filesize - overhead
	if usable <= 0 {
		return 0
	}
	perBlock := usable / (2 * defaultNfree)
	perBlock -= pmlayout.BTTMapEntrySize
	if perBlock <= 0 {
		return 0
	}
	return uint64(perBlock) / pmlayout.BTTAlignment * pmlayout.BTTAlignment
}

func roundUpI64(v, align int64) int64 {
	return (v + align - 1) / align * align
}
