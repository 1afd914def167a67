// Package poolset implements the in-memory pool-set model: parsing a
// pool-set descriptor or bare file into replicas and parts, mmap'ing
// their header and data regions, and presenting a flat byte-addressable
// view of a replica regardless of how many parts back it.
//
// Generalised from the teacher's BlockBackend (single driver-backed
// file) to N parts across M replicas; the geometry helpers in this file
// are shared by the sync and transform engines the way the original's
// replica.c is shared by sync.c and transform.c.
package poolset

import (
	"github.com/pkg/errors"

	"github.com/ryspol/pmpool/internal/pmlayout"
)

// PartDataLen returns the portion of a part's file usable for pool data,
// excluding its PoolHeaderSize-byte header region.
func PartDataLen(p *pmlayout.Part) int64 {
	return p.Filesize - pmlayout.PoolHeaderSize
}

// ReplicaDataLen returns the sum of every part's data length in r.
func ReplicaDataLen(r *pmlayout.Replica) int64 {
	var total int64
	for i := range r.Parts {
		total += PartDataLen(&r.Parts[i])
	}
	return total
}

// PartByteOffset returns the byte offset, within the replica's flat data
// view, at which part i begins.
func PartByteOffset(r *pmlayout.Replica, i int) int64 {
	var off int64
	for j := 0; j < i; j++ {
		off += PartDataLen(&r.Parts[j])
	}
	return off
}

// PartRange resolves the inclusive [firstPart, lastPart] index range of
// r whose data overlaps the byte range [offset, offset+length). Mirrors
// replica_get_part_data_len-style accounting used by both sync's
// byte-range resolution and transform's region discovery.
func PartRange(r *pmlayout.Replica, offset, length int64) (first, last int, err error) {
	if length < 0 || offset < 0 {
		return 0, 0, errors.Errorf("poolset: negative range offset=%d length=%d", offset, length)
	}
	total := ReplicaDataLen(r)
	if offset+length > total {
		return 0, 0, errors.Errorf("poolset: range [%d,%d) exceeds replica data length %d", offset, offset+length, total)
	}

	first, last = -1, -1
	var cursor int64
	for i := range r.Parts {
		partLen := PartDataLen(&r.Parts[i])
		partStart, partEnd := cursor, cursor+partLen
		if partEnd > offset && first == -1 {
			first = i
		}
		if partStart < offset+length {
			last = i
		}
		cursor = partEnd
	}
	if first == -1 || last == -1 {
		return 0, 0, errors.Errorf("poolset: range [%d,%d) matches no parts", offset, offset+length)
	}
	return first, last, nil
}

// DiffRegion is one divergent span between two replicas' part lists, as
// discovered by DiffReplicas.
type DiffRegion struct {
	PartFirstIn, PartLastIn   int
	PartFirstOut, PartLastOut int
	Length                    int64
}

// DiffReplicas walks in and out in parallel by accumulated data size,
// per spec's region-discovery algorithm (ported from transform.c's
// process_equal_parts/process_different_parts): parts whose boundaries
// and paths agree are skipped as an equal prefix; the first disagreement
// opens a region that is extended until the two cursors realign.
func DiffReplicas(in, out *pmlayout.Replica) []DiffRegion {
	var regions []DiffRegion

	i, o := 0, 0
	var inCursor, outCursor int64

	for i < len(in.Parts) && o < len(out.Parts) {
		inLen := PartDataLen(&in.Parts[i])
		outLen := PartDataLen(&out.Parts[o])

		if inCursor == outCursor && inLen == outLen && in.Parts[i].Path == out.Parts[o].Path {
			inCursor += inLen
			outCursor += outLen
			i++
			o++
			continue
		}

		firstIn, firstOut := i, o
		regionStart := inCursor
		if outCursor < regionStart {
			regionStart = outCursor
		}

		// Advance whichever cursor is behind (or, when they're tied, the
		// "in" side by convention) until the two realign; this must make
		// progress on the very first step even though inCursor==outCursor
		// here; unlike the loop below there is no "already equal" exit to
		// check before advancing at least once.
		for {
			if inCursor <= outCursor {
				inCursor += PartDataLen(&in.Parts[i])
				i++
			} else {
				outCursor += PartDataLen(&out.Parts[o])
				o++
			}
			if i >= len(in.Parts) || o >= len(out.Parts) || inCursor == outCursor {
				break
			}
		}
		// Absorb any trailing part needed so both cursors land on the
		// same boundary even when one side runs out first.
		for inCursor < outCursor && i < len(in.Parts) {
			inCursor += PartDataLen(&in.Parts[i])
			i++
		}
		for outCursor < inCursor && o < len(out.Parts) {
			outCursor += PartDataLen(&out.Parts[o])
			o++
		}

		length := inCursor - regionStart
		regions = append(regions, DiffRegion{
			PartFirstIn:  firstIn,
			PartLastIn:   i - 1,
			PartFirstOut: firstOut,
			PartLastOut:  o - 1,
			Length:       length,
		})
	}

	return regions
}
