// Package replicasync implements the replica sync engine (C10):
// re-materialising a destination replica's parts from a healthy source
// replica, generating fresh UUIDs, copying data, and stitching neighbour
// UUID links.
//
// Grounded on sync.c (part_modify, replica_alloc, update_uuids), using
// google/uuid for the regenerated part UUIDs and os.Chmod for the 0600
// permission grant (grant_part_perm).
package replicasync

import (
	"os"

	"github.com/pkg/errors"

	"github.com/ryspol/pmpool/internal/plog"
	"github.com/ryspol/pmpool/internal/pmcodec"
	"github.com/ryspol/pmpool/internal/pmlayout"
	"github.com/ryspol/pmpool/internal/poolset"
)

// Options mirrors spec.md §4.10's input bundle.
type Options struct {
	ReplTo, ReplFrom int
	PartTo, PartFrom *int // nil selects "whole replica"
	DryRun           bool
	Truncate         bool
	KeepOrig         bool
}

// TargetPerm is the permission mode recreated parts are chmod'd to.
const TargetPerm = 0600

// Sync performs the C10 algorithm against an already-Parse'd (but not
// yet opened) pool-set descriptor.
func Sync(ps *pmlayout.PoolSet, opts Options) error {
	plog.Infof("replicasync: sync replto=%d replfrom=%d dry-run=%v truncate=%v", opts.ReplTo, opts.ReplFrom, opts.DryRun, opts.Truncate)

	if opts.ReplTo == opts.ReplFrom {
		return errors.New("replicasync: replto must differ from replfrom")
	}
	if opts.ReplTo < 0 || opts.ReplTo >= ps.NReplicas() || opts.ReplFrom < 0 || opts.ReplFrom >= ps.NReplicas() {
		return errors.New("replicasync: replica index out of range")
	}

	src := &ps.Replicas[opts.ReplFrom]
	dst := &ps.Replicas[opts.ReplTo]

	firstPart, lastPart, err := resolveRange(src, dst, opts)
	if err != nil {
		return err
	}
	plog.Debugf("replicasync: rebuilding parts [%d,%d] of replica %d", firstPart, lastPart, opts.ReplTo)

	if !opts.DryRun {
		for i := firstPart; i <= lastPart; i++ {
			dst.Parts[i].UUID = pmlayout.NewUUID()
			if err := poolset.CreatePart(&dst.Parts[i], TargetPerm); err != nil {
				plog.Errorf("replicasync: recreate part %s failed: %v", dst.Parts[i].Path, err)
				return errors.Wrap(err, "replicasync: recreate target part")
			}
		}
	}

	// Mapped writable: when the source is a ring neighbour of the target,
	// stitchNeighbourUUIDs rewrites its first part's header.
	srcWrap := &pmlayout.PoolSet{Replicas: []pmlayout.Replica{*src}}
	if err := poolset.OpenNoCheck(srcWrap, false); err != nil {
		return errors.Wrap(err, "replicasync: open source replica")
	}
	defer poolset.Close(srcWrap)

	if opts.DryRun {
		return nil
	}

	dstWrap := &pmlayout.PoolSet{Replicas: []pmlayout.Replica{*dst}}
	if err := poolset.OpenNoCheck(dstWrap, false); err != nil {
		return errors.Wrap(err, "replicasync: open target replica")
	}
	defer poolset.Close(dstWrap)

	if err := copyDataRange(src, dst, firstPart, lastPart, opts.Truncate); err != nil {
		return err
	}

	poolsetUUID, err := firstPoolsetUUID(src)
	if err != nil {
		return err
	}

	// The ring neighbours whose headers stitchNeighbourUUIDs patches may
	// be neither the source nor the target replica (any pool-set with
	// three or more replicas), so they need their own mapping, distinct
	// from src/dst above, before their bytes can be modified and synced.
	neighWraps, err := openRingNeighbours(ps, opts.ReplTo, opts.ReplFrom, firstPart)
	if err != nil {
		return errors.Wrap(err, "replicasync: open ring neighbour replica")
	}
	defer func() {
		for _, w := range neighWraps {
			poolset.Close(w)
		}
	}()

	writeTargetHeaders(ps, opts.ReplTo, src, dst, firstPart, lastPart, poolsetUUID)

	stitchNeighbourUUIDs(ps, opts.ReplTo, opts.ReplFrom, firstPart, lastPart)

	for _, w := range neighWraps {
		if err := poolset.Msync(w); err != nil {
			return errors.Wrap(err, "replicasync: msync ring neighbour replica")
		}
	}
	if err := poolset.Msync(srcWrap); err != nil {
		return errors.Wrap(err, "replicasync: msync source replica")
	}

	for i := firstPart; i <= lastPart; i++ {
		if err := os.Chmod(dst.Parts[i].Path, TargetPerm); err != nil {
			return errors.Wrap(err, "replicasync: chmod target part")
		}
	}

	if err := poolset.Msync(dstWrap); err != nil {
		return errors.Wrap(err, "replicasync: msync target")
	}
	plog.Infof("replicasync: replica %d rebuilt from replica %d", opts.ReplTo, opts.ReplFrom)
	return nil
}

// resolveRange determines the [first,last] part index range in the
// target replica to rebuild, per spec.md §4.10 step 2.
func resolveRange(src, dst *pmlayout.Replica, opts Options) (first, last int, err error) {
	switch {
	case opts.PartFrom != nil:
		off := poolset.PartByteOffset(src, *opts.PartFrom)
		length := poolset.PartDataLen(&src.Parts[*opts.PartFrom])
		return poolset.PartRange(dst, off, length)
	case opts.PartTo != nil:
		return *opts.PartTo, *opts.PartTo, nil
	default:
		return 0, len(dst.Parts) - 1, nil
	}
}

func copyDataRange(src, dst *pmlayout.Replica, first, last int, truncate bool) error {
	srcLen := poolset.ReplicaDataLen(src)
	dstLen := poolset.ReplicaDataLen(dst)
	if srcLen > dstLen && !truncate {
		return errors.New("replicasync: source replica larger than target and truncate not set")
	}
	n := srcLen
	if truncate && dstLen < n {
		n = dstLen
	}

	buf := make([]byte, n)
	if err := poolset.Read(src, buf, n, 0); err != nil {
		return errors.Wrap(err, "replicasync: read source data")
	}
	if err := poolset.Write(dst, buf, n, 0); err != nil {
		return errors.Wrap(err, "replicasync: write target data")
	}
	return nil
}

func firstPoolsetUUID(src *pmlayout.Replica) (pmlayout.UUID, error) {
	if len(src.Parts) == 0 || len(src.Parts[0].HdrAddr) < pmlayout.PoolHeaderSize {
		return pmlayout.UUID{}, errors.New("replicasync: source first part header not mapped")
	}
	hdr, err := pmcodec.DecodePoolHeader(src.Parts[0].HdrAddr[:pmlayout.PoolHeaderSize])
	if err != nil {
		return pmlayout.UUID{}, err
	}
	return hdr.PoolsetUUID, nil
}

// openRingNeighbours maps the replica ring neighbours of replTo's first
// part that stitchNeighbourUUIDs will rewrite, skipping any that coincide
// with replFrom or replTo (already mapped by the caller) or with each
// other (a two-replica ring has both directions resolve to replFrom).
// Only relevant when first == 0: interior-range syncs never touch ring
// links at all.
func openRingNeighbours(ps *pmlayout.PoolSet, replTo, replFrom, first int) ([]*pmlayout.PoolSet, error) {
	if first != 0 {
		return nil, nil
	}

	seen := map[int]bool{replFrom: true, replTo: true}
	var wraps []*pmlayout.PoolSet
	for _, delta := range [2]int{-1, 1} {
		idx, ok := ps.NeighbourReplicaIndex(replTo, delta)
		if !ok || seen[idx] {
			continue
		}
		seen[idx] = true

		w := &pmlayout.PoolSet{Replicas: []pmlayout.Replica{ps.Replicas[idx]}}
		if err := poolset.OpenNoCheck(w, false); err != nil {
			for _, prior := range wraps {
				poolset.Close(prior)
			}
			return nil, err
		}
		wraps = append(wraps, w)
	}
	return wraps, nil
}

// writeTargetHeaders synthesises default headers for the recreated
// parts: poolset_uuid from the source, freshly generated part uuids,
// the correct prev/next chain within [first,last], and (for the
// replica's first part) prev/next_repl_uuid derived from the target
// replica's own position in ps's replica ring — not copied from the
// source replica, whose ring neighbours will generally differ from
// the target's in any pool-set with more than two replicas.
func writeTargetHeaders(ps *pmlayout.PoolSet, replTo int, src, dst *pmlayout.Replica, first, last int, poolsetUUID pmlayout.UUID) {
	for i := first; i <= last; i++ {
		p := &dst.Parts[i]
		hdr, _ := pmcodec.DecodePoolHeader(src.Parts[0].HdrAddr[:pmlayout.PoolHeaderSize])
		hdr.UUID = p.UUID
		hdr.PoolsetUUID = poolsetUUID

		if i > 0 {
			hdr.PrevPartUUID = dst.Parts[i-1].UUID
		}
		if i < len(dst.Parts)-1 {
			hdr.NextPartUUID = dst.Parts[i+1].UUID
		}

		// prev/next_repl_uuid are only meaningful on a replica's first
		// part; the template above came from the source replica and
		// carries its own values, so they're reset here and replaced
		// with the target's actual neighbours.
		hdr.PrevReplUUID = pmlayout.UUID{}
		hdr.NextReplUUID = pmlayout.UUID{}
		if i == 0 {
			if prevR, ok := ps.NeighbourReplicaFirstPart(replTo, -1); ok && len(prevR.HdrAddr) >= pmlayout.PoolHeaderSize {
				if prevHdr, err := pmcodec.DecodePoolHeader(prevR.HdrAddr[:pmlayout.PoolHeaderSize]); err == nil {
					hdr.PrevReplUUID = prevHdr.UUID
				}
			}
			if nextR, ok := ps.NeighbourReplicaFirstPart(replTo, 1); ok && len(nextR.HdrAddr) >= pmlayout.PoolHeaderSize {
				if nextHdr, err := pmcodec.DecodePoolHeader(nextR.HdrAddr[:pmlayout.PoolHeaderSize]); err == nil {
					hdr.NextReplUUID = nextHdr.UUID
				}
			}
		}

		out, err := pmcodec.EncodePoolHeader(&hdr)
		if err != nil {
			continue
		}
		copy(p.HdrAddr[:pmlayout.PoolHeaderSize], out)
		pmcodec.StorePoolHeaderChecksum(p.HdrAddr[:pmlayout.PoolHeaderSize])
	}
}

// stitchNeighbourUUIDs rewrites neighbour-replica prev/next_repl_uuid
// to point at the rebuilt replica's first part, and within the target
// replica stitches prev/next_part_uuid of the parts adjacent to the
// rebuilt range, per spec.md §4.10 step 9. Both ring directions are
// patched: the replica behind the target gets its next_repl_uuid
// updated, and the replica ahead of it gets its prev_repl_uuid
// updated — a pool-set with only two replicas has both directions
// resolve to the same neighbour, which then picks up both fields.
func stitchNeighbourUUIDs(ps *pmlayout.PoolSet, replTo, replFrom, first, last int) {
	dst := &ps.Replicas[replTo]

	if first == 0 {
		if prevR, ok := ps.NeighbourReplicaFirstPart(replTo, -1); ok && len(prevR.HdrAddr) >= pmlayout.PoolHeaderSize {
			hdr, err := pmcodec.DecodePoolHeader(prevR.HdrAddr[:pmlayout.PoolHeaderSize])
			if err == nil {
				hdr.NextReplUUID = dst.Parts[0].UUID
				if out, encErr := pmcodec.EncodePoolHeader(&hdr); encErr == nil {
					copy(prevR.HdrAddr[:pmlayout.PoolHeaderSize], out)
					pmcodec.StorePoolHeaderChecksum(prevR.HdrAddr[:pmlayout.PoolHeaderSize])
				}
			}
		}
		if nextR, ok := ps.NeighbourReplicaFirstPart(replTo, 1); ok && len(nextR.HdrAddr) >= pmlayout.PoolHeaderSize {
			hdr, err := pmcodec.DecodePoolHeader(nextR.HdrAddr[:pmlayout.PoolHeaderSize])
			if err == nil {
				hdr.PrevReplUUID = dst.Parts[0].UUID
				if out, encErr := pmcodec.EncodePoolHeader(&hdr); encErr == nil {
					copy(nextR.HdrAddr[:pmlayout.PoolHeaderSize], out)
					pmcodec.StorePoolHeaderChecksum(nextR.HdrAddr[:pmlayout.PoolHeaderSize])
				}
			}
		}
	}

	if first > 0 {
		prev := &dst.Parts[first-1]
		if len(prev.HdrAddr) >= pmlayout.PoolHeaderSize {
			hdr, err := pmcodec.DecodePoolHeader(prev.HdrAddr[:pmlayout.PoolHeaderSize])
			if err == nil {
				hdr.NextPartUUID = dst.Parts[first].UUID
				if out, encErr := pmcodec.EncodePoolHeader(&hdr); encErr == nil {
					copy(prev.HdrAddr[:pmlayout.PoolHeaderSize], out)
					pmcodec.StorePoolHeaderChecksum(prev.HdrAddr[:pmlayout.PoolHeaderSize])
				}
			}
		}
	}
	if last < len(dst.Parts)-1 {
		next := &dst.Parts[last+1]
		if len(next.HdrAddr) >= pmlayout.PoolHeaderSize {
			hdr, err := pmcodec.DecodePoolHeader(next.HdrAddr[:pmlayout.PoolHeaderSize])
			if err == nil {
				hdr.PrevPartUUID = dst.Parts[last].UUID
				if out, encErr := pmcodec.EncodePoolHeader(&hdr); encErr == nil {
					copy(next.HdrAddr[:pmlayout.PoolHeaderSize], out)
					pmcodec.StorePoolHeaderChecksum(next.HdrAddr[:pmlayout.PoolHeaderSize])
				}
			}
		}
	}
}
