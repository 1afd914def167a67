// Package transform implements the replica transform engine (C11):
// diffing two pool-set descriptors into divergent regions, staging new
// parts under a "_temp" suffix, copying data, reconstructing headers,
// and renaming staged files into place.
//
// Grounded on transform.c's region discovery (part_search_context,
// process_equal_parts/process_different_parts) and the teacher's
// create.go temp-file-then-rename staging pattern.
package transform

import (
	"os"

	"github.com/pkg/errors"

	"github.com/ryspol/pmpool/internal/plog"
	"github.com/ryspol/pmpool/internal/pmcodec"
	"github.com/ryspol/pmpool/internal/pmlayout"
	"github.com/ryspol/pmpool/internal/poolset"
)

const tempSuffix = "_temp"
const oldSuffix = "_old"

// Flags mirrors spec.md §4.11's input flags.
type Flags struct {
	DryRun   bool
	KeepOrig bool
}

// Validate rejects dry-run and keep-orig together, and mismatched
// replica counts, per spec.md §4.11.
func Validate(in, out *pmlayout.PoolSet, flags Flags) error {
	if flags.DryRun && flags.KeepOrig {
		return errors.New("transform: dry-run and keep-orig are mutually exclusive")
	}
	if in.NReplicas() != out.NReplicas() {
		return errors.New("transform: replica counts must match")
	}
	return nil
}

// Transform performs the C11 algorithm, operating on already-Parse'd
// (not yet opened) source and destination pool-set descriptors.
func Transform(in, out *pmlayout.PoolSet, flags Flags) error {
	plog.Infof("transform: dry-run=%v keep-orig=%v replicas=%d", flags.DryRun, flags.KeepOrig, in.NReplicas())

	if err := Validate(in, out, flags); err != nil {
		plog.Errorf("transform: validate failed: %v", err)
		return err
	}

	for r := range in.Replicas {
		regions := poolset.DiffReplicas(&in.Replicas[r], &out.Replicas[r])
		if len(regions) == 0 {
			plog.Debugf("transform: replica %d unchanged", r)
			continue
		}
		plog.Debugf("transform: replica %d has %d divergent region(s)", r, len(regions))

		if err := stageOutputParts(&out.Replicas[r], regions); err != nil {
			plog.Errorf("transform: stage replica %d failed: %v", r, err)
			return err
		}

		if err := openInputParts(&in.Replicas[r], regions); err != nil {
			return err
		}
		defer closeInputParts(&in.Replicas[r], regions)

		if flags.DryRun {
			continue
		}

		if err := openStagedParts(&out.Replicas[r], regions); err != nil {
			return err
		}

		for _, reg := range regions {
			if err := copyRegion(&in.Replicas[r], &out.Replicas[r], reg); err != nil {
				return err
			}
			reconstructHeaders(&in.Replicas[r], &out.Replicas[r], reg)
		}

		if err := poolset.Msync(&pmlayout.PoolSet{Replicas: []pmlayout.Replica{out.Replicas[r]}}); err != nil {
			return errors.Wrap(err, "transform: msync staged replica")
		}
	}

	if flags.DryRun {
		return nil
	}

	for r := range in.Replicas {
		regions := poolset.DiffReplicas(&in.Replicas[r], &out.Replicas[r])
		if err := finalizeReplica(&in.Replicas[r], &out.Replicas[r], regions, flags); err != nil {
			plog.Errorf("transform: finalize replica %d failed: %v", r, err)
			return err
		}
	}
	plog.Infof("transform: complete")
	return nil
}

func stageOutputParts(out *pmlayout.Replica, regions []poolset.DiffRegion) error {
	for _, reg := range regions {
		for i := reg.PartFirstOut; i <= reg.PartLastOut; i++ {
			p := &out.Parts[i]
			staged := pmlayout.Part{Path: p.Path + tempSuffix, Filesize: p.Filesize, UUID: pmlayout.NewUUID()}
			if err := poolset.CreatePart(&staged, 0644); err != nil {
				return errors.Wrap(err, "transform: stage output part")
			}
			p.UUID = staged.UUID
		}
	}
	return nil
}

func openInputParts(in *pmlayout.Replica, regions []poolset.DiffRegion) error {
	for _, reg := range regions {
		wrap := &pmlayout.PoolSet{Replicas: []pmlayout.Replica{{Parts: in.Parts[reg.PartFirstIn : reg.PartLastIn+1]}}}
		if err := poolset.OpenNoCheck(wrap, true); err != nil {
			return errors.Wrap(err, "transform: open input parts")
		}
	}
	return nil
}

func closeInputParts(in *pmlayout.Replica, regions []poolset.DiffRegion) {
	for _, reg := range regions {
		wrap := &pmlayout.PoolSet{Replicas: []pmlayout.Replica{{Parts: in.Parts[reg.PartFirstIn : reg.PartLastIn+1]}}}
		poolset.Close(wrap)
	}
}

func openStagedParts(out *pmlayout.Replica, regions []poolset.DiffRegion) error {
	for _, reg := range regions {
		for i := reg.PartFirstOut; i <= reg.PartLastOut; i++ {
			p := &out.Parts[i]
			stagedPath := p.Path
			p.Path = p.Path + tempSuffix
			wrap := &pmlayout.PoolSet{Replicas: []pmlayout.Replica{{Parts: []pmlayout.Part{*p}}}}
			if err := poolset.OpenNoCheck(wrap, false); err != nil {
				p.Path = stagedPath
				return errors.Wrap(err, "transform: open staged output part")
			}
			*p = wrap.Replicas[0].Parts[0]
			p.Path = stagedPath
		}
	}
	return nil
}

func copyRegion(in, out *pmlayout.Replica, reg poolset.DiffRegion) error {
	inSub := &pmlayout.Replica{Parts: in.Parts[reg.PartFirstIn : reg.PartLastIn+1]}
	outSub := &pmlayout.Replica{Parts: out.Parts[reg.PartFirstOut : reg.PartLastOut+1]}

	buf := make([]byte, reg.Length)
	if err := poolset.Read(inSub, buf, reg.Length, 0); err != nil {
		return errors.Wrap(err, "transform: read input region")
	}
	if err := poolset.Write(outSub, buf, reg.Length, 0); err != nil {
		return errors.Wrap(err, "transform: write output region")
	}
	return nil
}

// reconstructHeaders implements spec.md §4.11 step 6's three sub-cases.
func reconstructHeaders(in, out *pmlayout.Replica, reg poolset.DiffRegion) {
	nIn := reg.PartLastIn - reg.PartFirstIn + 1
	nOut := reg.PartLastOut - reg.PartFirstOut + 1

	switch {
	case nIn == nOut:
		for k := 0; k < nIn; k++ {
			copyHeader(&in.Parts[reg.PartFirstIn+k], &out.Parts[reg.PartFirstOut+k])
		}
	case nOut < nIn:
		copyHeader(&in.Parts[reg.PartFirstIn], &out.Parts[reg.PartFirstOut])
		copyHeader(&in.Parts[reg.PartLastIn], &out.Parts[reg.PartLastOut])
		repairBoundaryChain(out, reg.PartFirstOut, reg.PartLastOut)
	default: // nOut > nIn
		copyHeader(&in.Parts[reg.PartFirstIn], &out.Parts[reg.PartFirstOut])
		if nIn == 1 {
			// Only one input part donates a header; every output part
			// past the first is brand new and gets a synthesized header
			// rather than a second copy of the same donor (which would
			// leave two output parts sharing one part uuid).
			for k := reg.PartFirstOut + 1; k <= reg.PartLastOut; k++ {
				synthesizeHeader(&out.Parts[reg.PartFirstOut], &out.Parts[k])
			}
		} else {
			copyHeader(&in.Parts[reg.PartLastIn], &out.Parts[reg.PartLastOut])
			for k := reg.PartFirstOut + 1; k < reg.PartLastOut; k++ {
				synthesizeHeader(&out.Parts[reg.PartFirstOut], &out.Parts[k])
			}
		}
		repairBoundaryChain(out, reg.PartFirstOut, reg.PartLastOut)
	}
}

func copyHeader(src, dst *pmlayout.Part) {
	if len(src.HdrAddr) < pmlayout.PoolHeaderSize || len(dst.HdrAddr) < pmlayout.PoolHeaderSize {
		return
	}
	copy(dst.HdrAddr[:pmlayout.PoolHeaderSize], src.HdrAddr[:pmlayout.PoolHeaderSize])
}

func synthesizeHeader(ref, dst *pmlayout.Part) {
	if len(ref.HdrAddr) < pmlayout.PoolHeaderSize || len(dst.HdrAddr) < pmlayout.PoolHeaderSize {
		return
	}
	hdr, err := pmcodec.DecodePoolHeader(ref.HdrAddr[:pmlayout.PoolHeaderSize])
	if err != nil {
		return
	}
	hdr.UUID = pmlayout.NewUUID()
	dst.UUID = hdr.UUID
	out, err := pmcodec.EncodePoolHeader(&hdr)
	if err != nil {
		return
	}
	copy(dst.HdrAddr[:pmlayout.PoolHeaderSize], out)
	pmcodec.StorePoolHeaderChecksum(dst.HdrAddr[:pmlayout.PoolHeaderSize])
}

// repairBoundaryChain stitches prev/next_part_uuid across the
// reconstructed [first,last] range and into its immediate neighbours.
func repairBoundaryChain(out *pmlayout.Replica, first, last int) {
	for i := first; i <= last; i++ {
		if len(out.Parts[i].HdrAddr) < pmlayout.PoolHeaderSize {
			continue
		}
		hdr, err := pmcodec.DecodePoolHeader(out.Parts[i].HdrAddr[:pmlayout.PoolHeaderSize])
		if err != nil {
			continue
		}
		if i > 0 {
			hdr.PrevPartUUID = out.Parts[i-1].UUID
		}
		if i < len(out.Parts)-1 {
			hdr.NextPartUUID = out.Parts[i+1].UUID
		}
		out.Parts[i].UUID = hdr.UUID
		encoded, err := pmcodec.EncodePoolHeader(&hdr)
		if err != nil {
			continue
		}
		copy(out.Parts[i].HdrAddr[:pmlayout.PoolHeaderSize], encoded)
		pmcodec.StorePoolHeaderChecksum(out.Parts[i].HdrAddr[:pmlayout.PoolHeaderSize])
	}
}

func finalizeReplica(in, out *pmlayout.Replica, regions []poolset.DiffRegion, flags Flags) error {
	for _, reg := range regions {
		for i := reg.PartFirstIn; i <= reg.PartLastIn; i++ {
			path := in.Parts[i].Path
			if flags.KeepOrig {
				if err := os.Rename(path, path+oldSuffix); err != nil && !os.IsNotExist(err) {
					return errors.Wrap(err, "transform: rename original input part")
				}
			} else {
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					return errors.Wrap(err, "transform: remove original input part")
				}
			}
		}
		for i := reg.PartFirstOut; i <= reg.PartLastOut; i++ {
			finalPath := out.Parts[i].Path
			if err := os.Rename(finalPath+tempSuffix, finalPath); err != nil {
				return errors.Wrap(err, "transform: rename staged output part")
			}
			if err := os.Chmod(finalPath, 0644); err != nil {
				return errors.Wrap(err, "transform: chmod output part")
			}
		}
	}
	return nil
}
