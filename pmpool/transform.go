package pmpool

import (
	"github.com/ryspol/pmpool/internal/poolset"
	"github.com/ryspol/pmpool/internal/transform"
)

// TransformFlags are the replica-transform bit flags, ported from
// libpmempool_replica.c.
type TransformFlags uint32

const (
	TransformFlagVerify   TransformFlags = 1 << 0 // dry-run
	TransformFlagKeepOrig TransformFlags = 1 << 1
)

// Transform restructures poolsetInPath's layout into poolsetOutPath's,
// per spec.md §4.11.
func Transform(poolsetInPath, poolsetOutPath string, flags TransformFlags) error {
	in, err := poolset.Parse(poolsetInPath)
	if err != nil {
		return wrapf(KindInvalidArgument, err, "pmpool: parse input poolset %s", poolsetInPath)
	}
	out, err := poolset.Parse(poolsetOutPath)
	if err != nil {
		return wrapf(KindInvalidArgument, err, "pmpool: parse output poolset %s", poolsetOutPath)
	}

	tFlags := transform.Flags{
		DryRun:   flags&TransformFlagVerify != 0,
		KeepOrig: flags&TransformFlagKeepOrig != 0,
	}

	if err := transform.Transform(in, out, tFlags); err != nil {
		return wrapf(KindIOError, err, "pmpool: transform %s -> %s", poolsetInPath, poolsetOutPath)
	}
	return nil
}
