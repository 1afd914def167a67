// Package checkpool implements the pool-header check and repair step
// (C5): per-part checksum gating, type inference for UNKNOWN pools, the
// default-value field comparison, and the six-field UUID web repair
// across parts and replicas.
//
// Grounded on check_pool_hdr.c's question enumeration
// (Q_DEFAULT_SIGNATURE ... Q_SET_PREV_REPL_UUID), reproduced here as a Go
// const block in the same relative order.
package checkpool

import (
	"os"

	"github.com/pkg/errors"

	"github.com/ryspol/pmpool/internal/checkdriver"
	"github.com/ryspol/pmpool/internal/pmcodec"
	"github.com/ryspol/pmpool/internal/pmlayout"
)

// Question kinds, ported 1:1 from check_pool_hdr.c's enum ordering.
const (
	QDefaultSignature = iota
	QDefaultMajor
	QDefaultCompatFeatures
	QDefaultIncompatFeatures
	QDefaultRoCompatFeatures
	QDefaultUnused
	QPoolsetUUIDFromBTT
	QPoolsetUUIDFromPart
	QUUIDRegenerate
	QUUIDSetMajority
	QSetPrevPartUUID
	QSetNextPartUUID
	QSetPrevReplUUID
	QSetNextReplUUID
	QCRTime
	QChecksum
)

// fix describes one enqueued question's repair action, queued in the
// same FIFO order the questions were asked in.
type fix struct {
	kind       int
	replica    int
	part       int
	fieldValue interface{}
}

type scratch struct {
	fixes []fix
	// bttParentUUID is set when a BLK part was found to carry a valid BTT info
	// during step 2, so the fix phase can pull parent_uuid without
	// re-scanning.
	bttParentUUID map[[2]int]pmlayout.UUID
}

// BTTScanner is implemented by internal/btt to let this package recover
// a parent UUID / infer BLK type without an import cycle.
type BTTScanner interface {
	// FirstValidInfo scans a part's data region for the first valid BTT
	// info header and returns its parent UUID, or false if none found.
	FirstValidInfo(data []byte) (parentUUID pmlayout.UUID, ok bool)
}

// Step returns the C5 pool-header check/fix pair for the driver's step
// table. scanner may be nil if BTT type-inference support isn't wired
// (the step then fails CANNOT_REPAIR for UNKNOWN-type pools instead of
// inferring BLK).
func Step(ps *pmlayout.PoolSet, scanner BTTScanner) checkdriver.Step {
	return checkdriver.Step{
		Name: "pool-header",
		Applies: func(t pmlayout.PoolType, isBTTDevice bool) bool {
			return !isBTTDevice && (t.Has(pmlayout.PoolTypeLog) || t.Has(pmlayout.PoolTypeBlk) || t == pmlayout.PoolTypeUnknown)
		},
		Check: func(s *checkdriver.Session) error {
			return check(s, ps, scanner)
		},
		Fix: func(s *checkdriver.Session) error {
			return applyFix(s, ps)
		},
	}
}

func check(s *checkdriver.Session, ps *pmlayout.PoolSet, scanner BTTScanner) error {
	sc := &scratch{bttParentUUID: map[[2]int]pmlayout.UUID{}}
	s.Scratch = sc

	for r := range ps.Replicas {
		for i := range ps.Replicas[r].Parts {
			p := &ps.Replicas[r].Parts[i]
			if len(p.HdrAddr) < pmlayout.PoolHeaderSize {
				return errors.Errorf("checkpool: part %s header not mapped", p.Path)
			}
			buf := p.HdrAddr[:pmlayout.PoolHeaderSize]

			empty := pmlayout.AllZero(buf)
			validChecksum := pmcodec.VerifyPoolHeaderChecksum(buf)

			if empty {
				if !s.Args.Repair {
					return checkdriver.ErrNotConsistent
				}
				// Repair path: treat as UNKNOWN and fall through to
				// type inference / default-field questions below.
			} else if validChecksum {
				hdr, err := pmcodec.DecodePoolHeader(buf)
				if err != nil {
					return errors.Wrap(err, "checkpool: decode header")
				}
				t := pmlayout.TypeFromSignature(hdr.Signature)
				if t != pmlayout.PoolTypeUnknown {
					continue // checksum valid, signature known: pass
				}
				if !s.Args.Repair {
					return checkdriver.ErrNotConsistent
				}
			} else {
				// Not empty, checksum invalid: same consistency failure
				// unless repair was requested.
				if !s.Args.Repair {
					return checkdriver.ErrNotConsistent
				}
			}

			inferred := s.PoolType
			if inferred == pmlayout.PoolTypeUnknown {
				if scanner == nil {
					return checkdriver.ErrCannotRepair
				}
				if parentUUID, ok := scanner.FirstValidInfo(p.MappedAddr); ok {
					inferred = pmlayout.PoolTypeBlk
					sc.bttParentUUID[[2]int{r, i}] = parentUUID
				} else {
					return checkdriver.ErrCannotRepair
				}
			}

			enqueueDefaultFieldQuestions(s, sc, buf, r, i, inferred)
			enqueuePoolsetUUIDQuestion(s, sc, ps, r, i)
			enqueueUUIDWebQuestions(s, sc, ps, r, i)
			enqueueChecksumRetryQuestion(s, sc, p, r, i)
		}
	}
	return nil
}

func enqueueDefaultFieldQuestions(s *checkdriver.Session, sc *scratch, buf []byte, r, i int, t pmlayout.PoolType) {
	def := pmlayout.DefaultHeader(t)
	hdr, _ := pmcodec.DecodePoolHeader(buf)

	if hdr.Signature != def.Signature {
		s.EnqueueQuestion(QDefaultSignature, "pool header signature is invalid|set to the default for the inferred type?")
		sc.fixes = append(sc.fixes, fix{QDefaultSignature, r, i, def.Signature})
	}
	if hdr.MajorVersion != def.MajorVersion {
		s.EnqueueQuestion(QDefaultMajor, "pool header major version is invalid|set to the default?")
		sc.fixes = append(sc.fixes, fix{QDefaultMajor, r, i, def.MajorVersion})
	}
	if hdr.CompatFeatures != def.CompatFeatures {
		s.EnqueueQuestion(QDefaultCompatFeatures, "compat_features is invalid|set to the default?")
		sc.fixes = append(sc.fixes, fix{QDefaultCompatFeatures, r, i, def.CompatFeatures})
	}
	if hdr.IncompatFeatures != def.IncompatFeatures {
		s.EnqueueQuestion(QDefaultIncompatFeatures, "incompat_features is invalid|set to the default?")
		sc.fixes = append(sc.fixes, fix{QDefaultIncompatFeatures, r, i, def.IncompatFeatures})
	}
	if hdr.RoCompatFeatures != def.RoCompatFeatures {
		s.EnqueueQuestion(QDefaultRoCompatFeatures, "ro_compat_features is invalid|set to the default?")
		sc.fixes = append(sc.fixes, fix{QDefaultRoCompatFeatures, r, i, def.RoCompatFeatures})
	}
	if !pmlayout.AllZero(hdr.Unused[:]) {
		s.EnqueueQuestion(QDefaultUnused, "unused region is not zeroed|zero it?")
		sc.fixes = append(sc.fixes, fix{QDefaultUnused, r, i, nil})
	}
}

func enqueuePoolsetUUIDQuestion(s *checkdriver.Session, sc *scratch, ps *pmlayout.PoolSet, r, i int) {
	hdr, _ := pmcodec.DecodePoolHeader(ps.Replicas[r].Parts[i].HdrAddr[:pmlayout.PoolHeaderSize])
	if !hdr.PoolsetUUID.IsZero() {
		return
	}
	if parent, ok := sc.bttParentUUID[[2]int{r, i}]; ok {
		s.EnqueueQuestion(QPoolsetUUIDFromBTT, "poolset_uuid is unset|copy from the part's BTT info parent_uuid?")
		sc.fixes = append(sc.fixes, fix{QPoolsetUUIDFromBTT, r, i, parent})
		return
	}
	for j := range ps.Replicas[r].Parts {
		if j == i {
			continue
		}
		other := &ps.Replicas[r].Parts[j]
		if pmcodec.VerifyPoolHeaderChecksum(other.HdrAddr[:pmlayout.PoolHeaderSize]) {
			otherHdr, _ := pmcodec.DecodePoolHeader(other.HdrAddr[:pmlayout.PoolHeaderSize])
			s.EnqueueQuestion(QPoolsetUUIDFromPart, "poolset_uuid is unset|copy from another valid part?")
			sc.fixes = append(sc.fixes, fix{QPoolsetUUIDFromPart, r, i, otherHdr.PoolsetUUID})
			return
		}
	}
}

func enqueueUUIDWebQuestions(s *checkdriver.Session, sc *scratch, ps *pmlayout.PoolSet, r, i int) {
	single := ps.NReplicas() == 1 && len(ps.Replicas[0].Parts) == 1
	hdr, _ := pmcodec.DecodePoolHeader(ps.Replicas[r].Parts[i].HdrAddr[:pmlayout.PoolHeaderSize])

	if single {
		fields := []pmlayout.UUID{hdr.UUID, hdr.PoolsetUUID, hdr.PrevPartUUID, hdr.NextPartUUID, hdr.PrevReplUUID, hdr.NextReplUUID}
		agree, majority := uuidMajority(fields)
		if agree {
			return
		}
		if majority != (pmlayout.UUID{}) {
			s.EnqueueQuestion(QUUIDSetMajority, "uuid web disagrees|set all six fields to the majority value?")
			sc.fixes = append(sc.fixes, fix{QUUIDSetMajority, r, i, majority})
		} else {
			s.EnqueueQuestion(QUUIDRegenerate, "uuid web disagrees|regenerate a fresh uuid for all six fields?")
			sc.fixes = append(sc.fixes, fix{QUUIDRegenerate, r, i, pmlayout.NewUUID()})
		}
		return
	}

	if prev, ok := ps.NeighbourPart(r, i, -1); ok && neighbourTrusted(prev) {
		prevHdr, _ := pmcodec.DecodePoolHeader(prev.HdrAddr[:pmlayout.PoolHeaderSize])
		if hdr.PrevPartUUID != prevHdr.UUID {
			s.EnqueueQuestion(QSetPrevPartUUID, "prev_part_uuid disagrees with neighbour|set to the neighbour's uuid?")
			sc.fixes = append(sc.fixes, fix{QSetPrevPartUUID, r, i, prevHdr.UUID})
		}
	}
	if next, ok := ps.NeighbourPart(r, i, 1); ok && neighbourTrusted(next) {
		nextHdr, _ := pmcodec.DecodePoolHeader(next.HdrAddr[:pmlayout.PoolHeaderSize])
		if hdr.NextPartUUID != nextHdr.UUID {
			s.EnqueueQuestion(QSetNextPartUUID, "next_part_uuid disagrees with neighbour|set to the neighbour's uuid?")
			sc.fixes = append(sc.fixes, fix{QSetNextPartUUID, r, i, nextHdr.UUID})
		}
	}
	if i == 0 {
		if prevR, ok := ps.NeighbourReplicaFirstPart(r, -1); ok && neighbourTrusted(prevR) {
			prevHdr, _ := pmcodec.DecodePoolHeader(prevR.HdrAddr[:pmlayout.PoolHeaderSize])
			if hdr.PrevReplUUID != prevHdr.UUID {
				s.EnqueueQuestion(QSetPrevReplUUID, "prev_repl_uuid disagrees with neighbour replica|set to its first part's uuid?")
				sc.fixes = append(sc.fixes, fix{QSetPrevReplUUID, r, i, prevHdr.UUID})
			}
		}
		if nextR, ok := ps.NeighbourReplicaFirstPart(r, 1); ok && neighbourTrusted(nextR) {
			nextHdr, _ := pmcodec.DecodePoolHeader(nextR.HdrAddr[:pmlayout.PoolHeaderSize])
			if hdr.NextReplUUID != nextHdr.UUID {
				s.EnqueueQuestion(QSetNextReplUUID, "next_repl_uuid disagrees with neighbour replica|set to its first part's uuid?")
				sc.fixes = append(sc.fixes, fix{QSetNextReplUUID, r, i, nextHdr.UUID})
			}
		}
	}
}

// enqueueChecksumRetryQuestion always asks whether to regenerate a
// part's checksum once it's reached the field-repair path: any header
// that needed type inference or field questions at all is by
// definition not already known-good, so its checksum gets a fresh
// consented regeneration pass on top of whatever field fixes apply.
// crtime is only offered ahead of it when the header's own crtime
// postdates the file's mtime.
func enqueueChecksumRetryQuestion(s *checkdriver.Session, sc *scratch, p *pmlayout.Part, r, i int) {
	hdr, err := pmcodec.DecodePoolHeader(p.HdrAddr[:pmlayout.PoolHeaderSize])
	if err != nil {
		return
	}
	if fi, statErr := os.Stat(p.Path); statErr == nil {
		mtime := uint64(fi.ModTime().Unix())
		if hdr.CrTime > mtime {
			s.EnqueueQuestion(QCRTime, "pool_hdr.crtime postdates the file's modtime|set it to the file's modtime?")
			sc.fixes = append(sc.fixes, fix{QCRTime, r, i, mtime})
		}
	}
	s.EnqueueQuestion(QChecksum, "pool header checksum needs to be regenerated|regenerate it?")
	sc.fixes = append(sc.fixes, fix{QChecksum, r, i, nil})
}

func neighbourTrusted(p *pmlayout.Part) bool {
	if len(p.HdrAddr) < pmlayout.PoolHeaderSize {
		return false
	}
	return pmcodec.VerifyPoolHeaderChecksum(p.HdrAddr[:pmlayout.PoolHeaderSize])
}

// uuidMajority reports whether all of fields already agree, and
// otherwise the majority value when at least two fields agree.
func uuidMajority(fields []pmlayout.UUID) (agree bool, majority pmlayout.UUID) {
	counts := map[pmlayout.UUID]int{}
	for _, f := range fields {
		counts[f]++
	}
	if len(counts) == 1 {
		return true, fields[0]
	}
	best, bestCount := pmlayout.UUID{}, 0
	for u, c := range counts {
		if c > bestCount {
			best, bestCount = u, c
		}
	}
	if bestCount >= 2 {
		return false, best
	}
	return false, pmlayout.UUID{}
}

func applyFix(s *checkdriver.Session, ps *pmlayout.PoolSet) error {
	sc, _ := s.Scratch.(*scratch)
	if sc == nil {
		return errors.New("checkpool: missing scratch state")
	}
	answers := s.Answers()
	if len(answers) != len(sc.fixes) {
		return errors.New("checkpool: answer/fix count mismatch")
	}

	for idx, f := range sc.fixes {
		if answers[idx].Answer != "yes" {
			continue
		}
		p, ok := ps.Part(f.replica, f.part)
		if !ok {
			return checkdriver.ErrCannotRepair
		}
		buf := p.HdrAddr[:pmlayout.PoolHeaderSize]

		// Q_CHECKSUM is the only question that touches the checksum
		// field itself; ordinary field fixes below re-encode the header
		// but leave the checksum to be addressed by its own question.
		if f.kind == QChecksum {
			pmcodec.StorePoolHeaderChecksum(buf)
			continue
		}

		hdr, err := pmcodec.DecodePoolHeader(buf)
		if err != nil {
			return errors.Wrap(err, "checkpool: decode header for fix")
		}

		switch f.kind {
		case QDefaultSignature:
			hdr.Signature = f.fieldValue.([pmlayout.SigLen]byte)
		case QDefaultMajor:
			hdr.MajorVersion = f.fieldValue.(uint32)
		case QDefaultCompatFeatures:
			hdr.CompatFeatures = f.fieldValue.(uint32)
		case QDefaultIncompatFeatures:
			hdr.IncompatFeatures = f.fieldValue.(uint32)
		case QDefaultRoCompatFeatures:
			hdr.RoCompatFeatures = f.fieldValue.(uint32)
		case QDefaultUnused:
			hdr.Unused = [len(hdr.Unused)]byte{}
		case QPoolsetUUIDFromBTT, QPoolsetUUIDFromPart:
			hdr.PoolsetUUID = f.fieldValue.(pmlayout.UUID)
		case QUUIDRegenerate:
			u := f.fieldValue.(pmlayout.UUID)
			hdr.UUID, hdr.PoolsetUUID = u, u
			hdr.PrevPartUUID, hdr.NextPartUUID = u, u
			hdr.PrevReplUUID, hdr.NextReplUUID = u, u
		case QUUIDSetMajority:
			u := f.fieldValue.(pmlayout.UUID)
			hdr.UUID, hdr.PoolsetUUID = u, u
			hdr.PrevPartUUID, hdr.NextPartUUID = u, u
			hdr.PrevReplUUID, hdr.NextReplUUID = u, u
		case QSetPrevPartUUID:
			hdr.PrevPartUUID = f.fieldValue.(pmlayout.UUID)
		case QSetNextPartUUID:
			hdr.NextPartUUID = f.fieldValue.(pmlayout.UUID)
		case QSetPrevReplUUID:
			hdr.PrevReplUUID = f.fieldValue.(pmlayout.UUID)
		case QSetNextReplUUID:
			hdr.NextReplUUID = f.fieldValue.(pmlayout.UUID)
		case QCRTime:
			hdr.CrTime = f.fieldValue.(uint64)
		}

		out, err := pmcodec.EncodePoolHeader(&hdr)
		if err != nil {
			return errors.Wrap(err, "checkpool: re-encode header")
		}
		copy(buf, out)
	}
	return nil
}
