// Package btt implements the BTT info-header check (C7) and the BTT
// map/flog check (C8): arena discovery and chaining, backup recovery,
// donor-based reconstruction, and map/flog duplicate/invalid detection
// and repair.
//
// Grounded on check_btt_info.c (Q_RESTORE_FROM_BACKUP, Q_REGENERATE,
// Q_REGENERATE_CHECKSUM, the BTT_ALIGNMENT/2*BTT_ALIGNMENT arena-walk
// offsets) and check_btt_map_flog.c (the Nseq cycle table and bitmap
// duplicate detection).
package btt

import (
	"github.com/ryspol/pmpool/internal/checkdriver"
	"github.com/ryspol/pmpool/internal/pmcodec"
	"github.com/ryspol/pmpool/internal/pmlayout"
)

const (
	QRestoreFromBackup = iota
	QRegenerate
	QRegenerateChecksum
)

// ErrCannotRepair is returned when the BTT info post-condition check
// (see regenerateInfo's donor-match comparison) fails. Per spec.md §9's
// open-question decision, a post-condition mismatch is a defensive
// check that surfaces CANNOT_REPAIR rather than panicking the process.
var ErrCannotRepair = checkdriver.ErrCannotRepair

type arenaFix struct {
	kind      int
	arenaIdx  int
	donor     *pmlayout.BTTInfo
	backupBuf []byte
}

type scratch struct {
	fixes []arenaFix
	blkNoLayout bool
}

// Scanner implements checkpool.BTTScanner and checklogblk.BTTInfoLookup
// against a discovered arena list, without those packages importing
// this one directly (arenas are discovered lazily during this step, so
// both consult the Scanner through the driver session's Scratch).
type Scanner struct {
	Arenas []pmlayout.Arena
}

// FirstValidInfo scans data for the first valid BTT info header,
// returning its parent UUID. Used by checkpool to infer a BLK type and
// recover poolset_uuid for a part with a corrupt pool header.
func (s *Scanner) FirstValidInfo(data []byte) (pmlayout.UUID, bool) {
	for off := int64(0); off+pmlayout.BTTInfoSize <= int64(len(data)); off += pmlayout.BTTAlignment {
		buf := data[off : off+pmlayout.BTTInfoSize]
		if pmlayout.AllZero(buf) {
			continue
		}
		if !pmcodec.VerifyBTTInfoChecksum(buf) {
			continue
		}
		info, err := pmcodec.DecodeBTTInfo(buf)
		if err != nil || info.Sig != pmlayout.SigBTTInfo {
			continue
		}
		return info.ParentUUID, true
	}
	return pmlayout.UUID{}, false
}

// FirstArenaExternalLBASize returns the first replica's first arena's
// external_lbasize, for the blk header check's bsize-from-BTT path.
//
// The log/blk header check (step 2) runs before the BTT info step (step
// 3) in the driver's step order, so this cannot rely on scanner.Arenas
// having been populated yet: it independently reads the first arena at
// its canonical offset, exactly as check_pmemx.c's bsize check does
// ahead of check_btt_info.c's own arena walk.
func (s *Scanner) FirstArenaExternalLBASize(ps *pmlayout.PoolSet) (uint64, bool) {
	part, ok := ps.Part(0, 0)
	if !ok {
		return 0, false
	}
	data := part.MappedAddr
	offset := arenaStartOffset(false)
	if int64(offset)+pmlayout.BTTInfoSize > int64(len(data)) {
		return 0, false
	}
	buf := data[offset : offset+pmlayout.BTTInfoSize]
	if pmlayout.AllZero(buf) || !pmcodec.VerifyBTTInfoChecksum(buf) {
		return 0, false
	}
	info, err := pmcodec.DecodeBTTInfo(buf)
	if err != nil {
		return 0, false
	}
	return info.ExternalLBASize, true
}

// arenaStartOffset returns the file offset of the first arena: a raw
// BTT device's arenas start at BTT_ALIGNMENT; a blk pool's (which carry
// a pool header before the BTT region) start one alignment unit later.
func arenaStartOffset(isBTTDevice bool) uint64 {
	if isBTTDevice {
		return pmlayout.BTTAlignment
	}
	return 2 * pmlayout.BTTAlignment
}

// NewScanner constructs the arena scanner shared by InfoStep and
// MapFlogStep (BTT map/flog discovery depends on the arena list the
// info step builds).
func NewScanner() *Scanner { return &Scanner{} }

// InfoStep returns the C7 BTT info-header check/fix pair.
func InfoStep(ps *pmlayout.PoolSet, scanner *Scanner) checkdriver.Step {
	return checkdriver.Step{
		Name: "btt-info",
		Applies: func(t pmlayout.PoolType, isBTTDevice bool) bool {
			return isBTTDevice || t.Has(pmlayout.PoolTypeBlk)
		},
		Check: func(s *checkdriver.Session) error {
			return checkArenas(s, ps, scanner)
		},
		Fix: func(s *checkdriver.Session) error {
			return fixArenas(s, ps, scanner)
		},
	}
}

func checkArenas(s *checkdriver.Session, ps *pmlayout.PoolSet, scanner *Scanner) error {
	part, _ := ps.Part(0, 0)
	data := part.MappedAddr

	st := &scratch{}
	s.Scratch = st
	scanner.Arenas = nil

	offset := arenaStartOffset(s.IsBTTDevice)
	id := uint32(0)

	for int64(offset)+pmlayout.BTTInfoSize <= int64(len(data)) {
		buf := data[offset : offset+pmlayout.BTTInfoSize]

		if pmlayout.AllZero(buf) && !s.IsBTTDevice {
			st.blkNoLayout = true
			break
		}

		if pmcodec.VerifyBTTInfoChecksum(buf) {
			info, err := pmcodec.DecodeBTTInfo(buf)
			if err != nil {
				return checkdriver.ErrCannotRepair
			}
			arena := pmlayout.Arena{ID: id, Offset: offset, Info: info, Valid: true}
			scanner.Arenas = append(scanner.Arenas, arena)
			if info.NextOff == 0 {
				break
			}
			offset = offset + info.NextOff
			id++
			continue
		}

		// Checksum invalid: try the backup copy at the arena tail.
		backupOff, ok := backupOffset(data, offset)
		if ok && pmcodec.VerifyBTTInfoChecksum(data[backupOff:backupOff+pmlayout.BTTInfoSize]) {
			s.EnqueueQuestion(QRestoreFromBackup, "arena BTT info checksum is invalid|restore from the backup copy?")
			backupBuf := make([]byte, pmlayout.BTTInfoSize)
			copy(backupBuf, data[backupOff:backupOff+pmlayout.BTTInfoSize])
			st.fixes = append(st.fixes, arenaFix{kind: QRestoreFromBackup, arenaIdx: len(scanner.Arenas), backupBuf: backupBuf})
			scanner.Arenas = append(scanner.Arenas, pmlayout.Arena{ID: id, Offset: offset})
			break // arenas after this one are not walked in this session
		}

		donor := scanDonor(data, offset)
		if donor == nil {
			return checkdriver.ErrCannotRepair
		}
		s.EnqueueQuestion(QRegenerate, "arena BTT info is unreadable|regenerate it from a donor arena's geometry?")
		st.fixes = append(st.fixes, arenaFix{kind: QRegenerate, arenaIdx: len(scanner.Arenas), donor: donor})
		scanner.Arenas = append(scanner.Arenas, pmlayout.Arena{ID: id, Offset: offset})
		break
	}

	return nil
}

func backupOffset(data []byte, arenaStart uint64) (uint64, bool) {
	// The backup sits sizeof(btt_info) before the arena's nextoff-derived
	// tail; since nextoff is exactly what's in question, approximate the
	// tail as the next BTT_MAX_ARENA-capped alignment boundary or file
	// end, whichever is sooner.
	maxEnd := arenaStart + pmlayout.BTTMaxArena
	fileEnd := uint64(len(data))
	tail := maxEnd
	if fileEnd < tail {
		tail = fileEnd
	}
	if tail < pmlayout.BTTInfoSize {
		return 0, false
	}
	backupOff := tail - pmlayout.BTTInfoSize
	if backupOff <= arenaStart || backupOff+pmlayout.BTTInfoSize > fileEnd {
		return 0, false
	}
	return backupOff, true
}

// scanDonor scans forward past the broken arena for the next valid BTT
// info header to use as a reconstruction donor.
func scanDonor(data []byte, brokenOffset uint64) *pmlayout.BTTInfo {
	for off := brokenOffset + pmlayout.BTTAlignment; int64(off)+pmlayout.BTTInfoSize <= int64(len(data)); off += pmlayout.BTTAlignment {
		buf := data[off : off+pmlayout.BTTInfoSize]
		if pmlayout.AllZero(buf) {
			continue
		}
		if pmcodec.VerifyBTTInfoChecksum(buf) {
			info, err := pmcodec.DecodeBTTInfo(buf)
			if err == nil {
				return &info
			}
		}
	}
	return nil
}

func fixArenas(s *checkdriver.Session, ps *pmlayout.PoolSet, scanner *Scanner) error {
	st, _ := s.Scratch.(*scratch)
	part, _ := ps.Part(0, 0)
	data := part.MappedAddr

	answers := s.Answers()
	for idx, f := range st.fixes {
		if answers[idx].Answer != "yes" {
			continue
		}
		arena := &scanner.Arenas[f.arenaIdx]
		buf := data[arena.Offset : arena.Offset+pmlayout.BTTInfoSize]

		switch f.kind {
		case QRestoreFromBackup:
			copy(buf, f.backupBuf)

		case QRegenerate:
			regenerated, err := regenerateInfo(f.donor, arena.Offset, uint64(len(data)))
			if err != nil {
				return checkdriver.ErrCannotRepair
			}
			out, err := pmcodec.EncodeBTTInfo(regenerated)
			if err != nil {
				return checkdriver.ErrCannotRepair
			}
			copy(buf, out)
			pmcodec.StoreBTTInfoChecksum(buf)
		}

		if !pmcodec.VerifyBTTInfoChecksum(buf) {
			s.EnqueueQuestion(QRegenerateChecksum, "arena checksum still mismatches after repair|recompute it?")
			pmcodec.StoreBTTInfoChecksum(buf)
			if !pmcodec.VerifyBTTInfoChecksum(buf) {
				return checkdriver.ErrCannotRepair
			}
		}

		info, err := pmcodec.DecodeBTTInfo(buf)
		if err != nil {
			return checkdriver.ErrCannotRepair
		}
		arena.Info = info
		arena.Valid = true
	}
	return nil
}

// regenerateInfo rebuilds an arena's BTT info header from a donor
// arena's geometry constants, recomputing the size-dependent fields for
// this arena's actual remaining space, per spec.md §4.7 step 4.
//
// Post-conditions (external_lbasize, internal_lbasize, nfree, infosize,
// dataoff matching the donor) are checked defensively: per spec.md §9's
// open question, a residue-tail arena smaller than the donor can
// legitimately fail this equality, so a mismatch here returns
// ErrCannotRepair instead of asserting/panicking.
func regenerateInfo(donor *pmlayout.BTTInfo, arenaOffset, fileSize uint64) (*pmlayout.BTTInfo, error) {
	remaining := fileSize - arenaOffset
	if remaining > pmlayout.BTTMaxArena {
		remaining = pmlayout.BTTMaxArena
	}

	info := &pmlayout.BTTInfo{
		Sig:             pmlayout.SigBTTInfo,
		UUID:            donor.UUID,
		ParentUUID:      donor.ParentUUID,
		Flags:           donor.Flags,
		Major:           donor.Major,
		Minor:           donor.Minor,
		ExternalLBASize: donor.ExternalLBASize,
		Nfree:           donor.Nfree,
	}

	internalLBASize := donor.InternalLBASize
	info.InternalLBASize = internalLBASize

	// dataoff / mapoff / flogoff / infooff are derived from how many
	// internal blocks fit in the remaining space after the primary and
	// backup info headers and the flog region. The backup copy lives at
	// the arena's tail (see backupOffset), so only the primary header's
	// size shifts flogoff/mapoff/dataoff forward; both headers still
	// count against the arena's usable budget.
	flogSize := uint64(info.Nfree) * 2 * 32
	flogSize = roundUp(flogSize, pmlayout.BTTFlogPairAlign)
	bothHeaders := 2 * uint64(pmlayout.BTTInfoSize)

	usable := remaining - bothHeaders - flogSize
	// internalNLBA is the total internal-block count the arena's usable
	// space supports, free-pool slots included; external_nlba is what's
	// left for addressable data once the free pool is reserved, and the
	// map array (§4.8 step 1) is sized off external_nlba, not this raw
	// count.
	internalNLBA := usable / (internalLBASize + pmlayout.BTTMapEntrySize)
	if internalNLBA <= uint64(info.Nfree) {
		return nil, checkdriver.ErrCannotRepair
	}
	externalNLBA := internalNLBA - uint64(info.Nfree)

	mapSize := roundUp(externalNLBA*pmlayout.BTTMapEntrySize, pmlayout.BTTAlignment)

	info.InternalNLBA = internalNLBA
	info.ExternalNLBA = externalNLBA
	info.Infosize = pmlayout.BTTInfoSize
	info.DataOff = pmlayout.BTTInfoSize + flogSize + mapSize
	info.MapOff = pmlayout.BTTInfoSize + flogSize
	info.FlogOff = pmlayout.BTTInfoSize
	info.InfoOff = remaining - pmlayout.BTTInfoSize
	if remaining < pmlayout.BTTMaxArena && arenaOffset+remaining < fileSize {
		info.NextOff = remaining
	}

	if info.ExternalLBASize != donor.ExternalLBASize || info.InternalLBASize != donor.InternalLBASize ||
		info.Nfree != donor.Nfree || info.Infosize != donor.Infosize || info.DataOff != donor.DataOff {
		return nil, checkdriver.ErrCannotRepair
	}

	return info, nil
}

func roundUp(v, align uint64) uint64 {
	return (v + align - 1) / align * align
}
