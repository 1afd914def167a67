package pmpool

import (
	"github.com/ryspol/pmpool/internal/poolset"
	"github.com/ryspol/pmpool/internal/replicasync"
)

// SyncFlags are the replica-sync bit flags, ported from
// libpmempool_replica.c's PMEMPOOL_REPLICA_* flag parsing.
type SyncFlags uint32

const (
	SyncFlagVerify   SyncFlags = 1 << 0 // dry-run
	SyncFlagKeepOrig SyncFlags = 1 << 1
	SyncFlagTruncate SyncFlags = 1 << 2
)

// SyncOptions mirrors spec.md §4.10's input bundle.
type SyncOptions struct {
	ReplTo, ReplFrom int
	PartTo, PartFrom *int
	Flags            SyncFlags
}

// SyncResult is the enumeration named in spec.md §6, ported from the
// original header's result codes.
type SyncResult int

const (
	SyncCopySuccessful SyncResult = iota
	SyncInternalErr
	SyncWrongArg
	SyncWrongReplNum
	SyncPartFileDelErr
	SyncPartFileCreateErr
	SyncRepCreateErr
	SyncRepOpenErr
	SyncInsufTargetMem
	SyncCannotUUIDsUpdate
	SyncInPoolsetErr
)

// Sync rebuilds replica opts.ReplTo's (possibly partial) part range from
// opts.ReplFrom.
func Sync(poolsetPath string, opts SyncOptions) (SyncResult, error) {
	ps, err := poolset.Parse(poolsetPath)
	if err != nil {
		return SyncInPoolsetErr, wrapf(KindInvalidArgument, err, "pmpool: parse poolset %s", poolsetPath)
	}

	syncOpts := replicasync.Options{
		ReplTo:   opts.ReplTo,
		ReplFrom: opts.ReplFrom,
		PartTo:   opts.PartTo,
		PartFrom: opts.PartFrom,
		DryRun:   opts.Flags&SyncFlagVerify != 0,
		Truncate: opts.Flags&SyncFlagTruncate != 0,
		KeepOrig: opts.Flags&SyncFlagKeepOrig != 0,
	}

	if err := replicasync.Sync(ps, syncOpts); err != nil {
		return SyncInternalErr, wrapf(KindIOError, err, "pmpool: sync %s", poolsetPath)
	}
	return SyncCopySuccessful, nil
}
