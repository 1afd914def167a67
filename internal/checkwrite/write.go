// Package checkwrite implements the write-back step (C9): at session
// end, every dirty in-memory structure is already little-endian (each
// prior step's Fix writes directly through the mapped region via
// pmcodec), so this step's remaining job is to sync each arena's
// parent_uuid to a regenerated poolset_uuid, recompute its checksum,
// and msync the whole pool-set.
//
// Grounded on check_write.c and on the teacher's write.go field-by-field
// WriteAt discipline, generalised from one WriteAt call per field to one
// msync per mapped part.
package checkwrite

import (
	"github.com/pkg/errors"

	"github.com/ryspol/pmpool/internal/btt"
	"github.com/ryspol/pmpool/internal/checkdriver"
	"github.com/ryspol/pmpool/internal/pmcodec"
	"github.com/ryspol/pmpool/internal/pmlayout"
	"github.com/ryspol/pmpool/internal/poolset"
)

// Step returns the C9 writer step. It never asks questions: its work is
// unconditional once reached, and it runs on LOG|BLK pool files (the
// parent_uuid fixup has no meaning on a raw BTT device).
func Step(ps *pmlayout.PoolSet, scanner *btt.Scanner) checkdriver.Step {
	return checkdriver.Step{
		Name: "write-back",
		Applies: func(t pmlayout.PoolType, isBTTDevice bool) bool {
			return !isBTTDevice && (t.Has(pmlayout.PoolTypeLog) || t.Has(pmlayout.PoolTypeBlk))
		},
		Check: func(s *checkdriver.Session) error {
			if s.Args.DryRun || !s.Args.Repair {
				return nil
			}
			return writeBack(ps, scanner)
		},
		Fix: func(s *checkdriver.Session) error { return nil },
	}
}

func writeBack(ps *pmlayout.PoolSet, scanner *btt.Scanner) error {
	part, ok := ps.Part(0, 0)
	if !ok {
		return errors.New("checkwrite: no first part")
	}
	hdr, err := pmcodec.DecodePoolHeader(part.HdrAddr[:pmlayout.PoolHeaderSize])
	if err != nil {
		return errors.Wrap(err, "checkwrite: decode pool header")
	}
	poolsetUUID := hdr.PoolsetUUID

	data := part.MappedAddr
	for i := range scanner.Arenas {
		arena := &scanner.Arenas[i]
		if !arena.Valid {
			continue
		}
		if arena.Info.ParentUUID == poolsetUUID {
			continue
		}
		arena.Info.ParentUUID = poolsetUUID
		buf := data[arena.Offset : arena.Offset+pmlayout.BTTInfoSize]
		out, err := pmcodec.EncodeBTTInfo(&arena.Info)
		if err != nil {
			return errors.Wrap(err, "checkwrite: encode btt info")
		}
		copy(buf, out)
		pmcodec.StoreBTTInfoChecksum(buf)
	}

	if err := poolset.Msync(ps); err != nil {
		return checkdriver.ErrCannotRepair
	}
	return nil
}
