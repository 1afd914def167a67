package btt

import (
	"github.com/ryspol/pmpool/internal/checkdriver"
	"github.com/ryspol/pmpool/internal/pmcodec"
	"github.com/ryspol/pmpool/internal/pmlayout"
)

const (
	QRepairMap = iota + 100
	QRepairFlog
)

// nextInCycle is the flog sequence cycle table: 0 means "not yet
// written"; among {1,2,3} each value's successor is fixed.
var nextInCycle = map[uint32]uint32{1: 2, 2: 3, 3: 1}

type arenaMapFlogResult struct {
	invalidMap  []int // map slot indices
	invalidFlog []int // flog pair indices
	unmapped    []int // internal LBAs with used_by_map == false
}

type mapFlogScratch struct {
	perArena []arenaMapFlogResult
	mapBuf   [][]uint32
	flogBuf  [][2]pmlayout.BTTFlog // pairs, flattened 2 per pair below
	flogRaw  [][]pmlayout.BTTFlog
}

// MapFlogStep returns the C8 BTT map/flog check/fix pair. It consumes
// the arena list InfoStep populated on scanner.
func MapFlogStep(ps *pmlayout.PoolSet, scanner *Scanner) checkdriver.Step {
	return checkdriver.Step{
		Name: "btt-map-flog",
		Applies: func(t pmlayout.PoolType, isBTTDevice bool) bool {
			return isBTTDevice || t.Has(pmlayout.PoolTypeBlk)
		},
		Check: func(s *checkdriver.Session) error {
			return checkMapFlog(s, ps, scanner)
		},
		Fix: func(s *checkdriver.Session) error {
			return fixMapFlog(s, ps, scanner)
		},
	}
}

func checkMapFlog(s *checkdriver.Session, ps *pmlayout.PoolSet, scanner *Scanner) error {
	part, _ := ps.Part(0, 0)
	data := part.MappedAddr

	sc := &mapFlogScratch{}
	s.Scratch = sc

	for ai := range scanner.Arenas {
		arena := &scanner.Arenas[ai]
		if !arena.Valid {
			continue
		}
		info := &arena.Info

		flogPairs := int(info.Nfree)
		flogEntries := loadFlog(data, arena.Offset+info.FlogOff, flogPairs)
		mapEntries := loadMap(data, arena.Offset+info.MapOff, int(info.ExternalNLBA))

		sc.flogRaw = append(sc.flogRaw, flogEntries)
		sc.mapBuf = append(sc.mapBuf, mapEntries)

		usedByMap := make([]bool, info.InternalNLBA)
		usedByFlog := make([]bool, info.InternalNLBA)

		var invalidMap []int
		for i, raw := range mapEntries {
			entry := raw &^ pmlayout.BTTMapEntryFlagsMask
			flags := raw & pmlayout.BTTMapEntryFlagsMask
			target := entry
			if raw&pmlayout.BTTMapEntryFlagsMask == 0 {
				target = uint32(i)
			}
			invalid := target >= uint32(info.InternalNLBA) ||
				(s.IsBTTDevice && flags == pmlayout.BTTDevMapEntryInvalid) ||
				usedByMap[target]
			if invalid {
				invalidMap = append(invalidMap, i)
				continue
			}
			usedByMap[target] = true
		}

		var invalidFlog []int
		for pi := 0; pi < flogPairs; pi++ {
			a := flogEntries[2*pi]
			b := flogEntries[2*pi+1]
			cur, ok := selectCurrentFlog(a, b)
			if !ok {
				invalidFlog = append(invalidFlog, pi)
				continue
			}
			if uint64(cur.LBA) >= info.ExternalNLBA || uint64(cur.OldMap) >= info.InternalNLBA || uint64(cur.NewMap) >= info.InternalNLBA {
				invalidFlog = append(invalidFlog, pi)
				continue
			}
			if usedByFlog[cur.OldMap] {
				invalidFlog = append(invalidFlog, pi)
				continue
			}
			if usedByMap[cur.OldMap] {
				if usedByMap[cur.NewMap] {
					invalidFlog = append(invalidFlog, pi)
					continue
				}
				usedByMap[cur.NewMap] = true
				usedByFlog[cur.OldMap] = true
			} else {
				pristine := cur.LBA == uint32(pi) && cur.Seq == 1 && cur.OldMap == cur.NewMap &&
					uint64(cur.OldMap) == info.ExternalNLBA+uint64(pi)
				mapsToNew := usedByMap[cur.NewMap]
				if !pristine && !mapsToNew {
					invalidFlog = append(invalidFlog, pi)
					continue
				}
				usedByMap[cur.OldMap] = true
				usedByFlog[cur.OldMap] = true
			}
		}

		var unmapped []int
		for i, used := range usedByMap {
			if !used {
				unmapped = append(unmapped, i)
			}
		}

		if len(unmapped) != len(invalidMap)+len(invalidFlog) {
			return checkdriver.ErrCannotRepair
		}

		sc.perArena = append(sc.perArena, arenaMapFlogResult{
			invalidMap:  invalidMap,
			invalidFlog: invalidFlog,
			unmapped:    unmapped,
		})

		if len(invalidMap) > 0 {
			s.EnqueueQuestion(QRepairMap, "BTT map has invalid/duplicate entries|pair them with unmapped blocks and mark them ERROR?")
		}
		if len(invalidFlog) > 0 {
			s.EnqueueQuestion(QRepairFlog, "BTT flog has invalid/duplicate entries|rewrite them as pristine free slots?")
		}
	}

	return nil
}

// selectCurrentFlog picks the pair's current entry per spec.md §4.8
// step 4: a valid seq is in {1,2,3}; if both are valid and distinct,
// the current one's seq is the successor of the other's in the cycle
// 1→2→3→1; if exactly one is zero, the other is current.
func selectCurrentFlog(a, b pmlayout.BTTFlog) (pmlayout.BTTFlog, bool) {
	aValid := a.Seq >= 1 && a.Seq <= 3
	bValid := b.Seq >= 1 && b.Seq <= 3

	switch {
	case aValid && bValid && a.Seq != b.Seq:
		if nextInCycle[b.Seq] == a.Seq {
			return a, true
		}
		if nextInCycle[a.Seq] == b.Seq {
			return b, true
		}
		return pmlayout.BTTFlog{}, false
	case aValid && !bValid && b.Seq == 0:
		return a, true
	case bValid && !aValid && a.Seq == 0:
		return b, true
	default:
		return pmlayout.BTTFlog{}, false
	}
}

func fixMapFlog(s *checkdriver.Session, ps *pmlayout.PoolSet, scanner *Scanner) error {
	sc, _ := s.Scratch.(*mapFlogScratch)
	part, _ := ps.Part(0, 0)
	data := part.MappedAddr

	answers := s.Answers()
	ansIdx := 0

	for ai, res := range sc.perArena {
		arena := &scanner.Arenas[ai]
		info := &arena.Info
		mapEntries := sc.mapBuf[ai]
		flogEntries := sc.flogRaw[ai]

		wantRepairMap := len(res.invalidMap) > 0
		wantRepairFlog := len(res.invalidFlog) > 0

		doMap := false
		if wantRepairMap {
			doMap = answers[ansIdx].Answer == "yes"
			ansIdx++
		}
		doFlog := false
		if wantRepairFlog {
			doFlog = answers[ansIdx].Answer == "yes"
			ansIdx++
		}

		unmapped := append([]int{}, res.unmapped...)

		if doMap {
			for _, slot := range res.invalidMap {
				if len(unmapped) == 0 {
					return checkdriver.ErrCannotRepair
				}
				target := unmapped[0]
				unmapped = unmapped[1:]
				mapEntries[slot] = uint32(target) | pmlayout.BTTMapEntryError
			}
			storeMap(data, arena.Offset+info.MapOff, mapEntries)
		}

		if doFlog {
			for _, pi := range res.invalidFlog {
				if len(unmapped) == 0 {
					return checkdriver.ErrCannotRepair
				}
				target := unmapped[0]
				unmapped = unmapped[1:]
				flogEntries[2*pi] = pmlayout.BTTFlog{LBA: uint32(pi), OldMap: uint32(target) | pmlayout.BTTMapEntryError, NewMap: uint32(target) | pmlayout.BTTMapEntryError, Seq: 1}
				flogEntries[2*pi+1] = pmlayout.BTTFlog{}
			}
			storeFlog(data, arena.Offset+info.FlogOff, flogEntries)
		}
	}
	return nil
}

func loadMap(data []byte, offset uint64, n int) []uint32 {
	out := make([]uint32, n)
	for i := 0; i < n; i++ {
		off := offset + uint64(i)*pmlayout.BTTMapEntrySize
		out[i] = pmcodec.DecodeMapEntry(data[off : off+pmlayout.BTTMapEntrySize])
	}
	return out
}

func storeMap(data []byte, offset uint64, entries []uint32) {
	for i, e := range entries {
		off := offset + uint64(i)*pmlayout.BTTMapEntrySize
		copy(data[off:off+pmlayout.BTTMapEntrySize], pmcodec.EncodeMapEntry(e))
	}
}

func loadFlog(data []byte, offset uint64, pairs int) []pmlayout.BTTFlog {
	out := make([]pmlayout.BTTFlog, pairs*2)
	recSize := uint64(32)
	for i := range out {
		off := offset + uint64(i)*recSize
		out[i] = pmcodec.DecodeBTTFlog(data[off : off+recSize])
	}
	return out
}

func storeFlog(data []byte, offset uint64, entries []pmlayout.BTTFlog) {
	recSize := uint64(32)
	for i, e := range entries {
		off := offset + uint64(i)*recSize
		copy(data[off:off+recSize], pmcodec.EncodeBTTFlog(&e))
	}
}
