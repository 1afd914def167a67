// Package pmpool is the public surface of the persistent-memory pool
// diagnostic and recovery engine: CheckInit/Step/End/ErrorMsg drive the
// check pipeline (C4-C9), and Sync/Transform are the independent
// replica-maintenance entry points (C10/C11). Mirrors
// libpmempool.c/libpmempool_replica.c's entry points as this package's
// exported Go functions.
package pmpool

import (
	"github.com/ryspol/pmpool/internal/btt"
	"github.com/ryspol/pmpool/internal/checkbackup"
	"github.com/ryspol/pmpool/internal/checkdriver"
	"github.com/ryspol/pmpool/internal/checklogblk"
	"github.com/ryspol/pmpool/internal/checkpool"
	"github.com/ryspol/pmpool/internal/checkwrite"
	"github.com/ryspol/pmpool/internal/plog"
	"github.com/ryspol/pmpool/internal/pmlayout"
	"github.com/ryspol/pmpool/internal/poolset"
)

// CheckArgs mirrors spec.md §6's check_init argument bundle.
type CheckArgs struct {
	Path       string
	PoolType   pmlayout.PoolType
	Repair     bool
	DryRun     bool
	Advanced   bool
	AlwaysYes  bool
	BackupPath string
}

// Status is one unit of caller-visible check output.
type Status = checkdriver.Status

// Status types a Step call can surface.
const (
	StatusInfo     = checkdriver.StatusInfo
	StatusError    = checkdriver.StatusError
	StatusQuestion = checkdriver.StatusQuestion
)

// Result is the terminal (or current) outcome of a check session.
type Result int

const (
	ResultConsistent Result = iota
	ResultNotConsistent
	ResultRepaired
	ResultCannotRepair
	ResultError
	ResultInternalError
)

func (r Result) String() string {
	switch r {
	case ResultConsistent:
		return "CONSISTENT"
	case ResultNotConsistent:
		return "NOT_CONSISTENT"
	case ResultRepaired:
		return "REPAIRED"
	case ResultCannotRepair:
		return "CANNOT_REPAIR"
	case ResultError:
		return "ERROR"
	case ResultInternalError:
		return "INTERNAL_ERROR"
	default:
		return "UNKNOWN"
	}
}

func fromDriverResult(r checkdriver.Result) Result {
	switch r {
	case checkdriver.ResultNotConsistent:
		return ResultNotConsistent
	case checkdriver.ResultRepaired:
		return ResultRepaired
	case checkdriver.ResultCannotRepair:
		return ResultCannotRepair
	case checkdriver.ResultError:
		return ResultError
	case checkdriver.ResultInternalError:
		return ResultInternalError
	default:
		return ResultConsistent
	}
}

// CheckSession drives the check pipeline against a single pool file.
// Not safe for concurrent use from multiple goroutines, matching
// spec.md §5's single-threaded cooperative model.
type CheckSession struct {
	drv *checkdriver.Session
	ps  *pmlayout.PoolSet
	err error
}

// CheckInit validates args, parses and opens the pool-set, and builds
// the ordered check-driver session. Invalid combinations are rejected
// synchronously, per spec.md §6.
func CheckInit(args CheckArgs) (*CheckSession, error) {
	plog.Infof("check init: path=%s pooltype=%v repair=%v dry-run=%v", args.Path, args.PoolType, args.Repair, args.DryRun)

	dArgs := checkdriver.Args{
		Path:       args.Path,
		PoolType:   args.PoolType,
		Repair:     args.Repair,
		DryRun:     args.DryRun,
		Advanced:   args.Advanced,
		AlwaysYes:  args.AlwaysYes,
		BackupPath: args.BackupPath,
	}
	if err := dArgs.Validate(); err != nil {
		plog.Errorf("check init: invalid args for %s: %v", args.Path, err)
		return nil, newError(KindInvalidArgument, err)
	}

	ps, err := poolset.Parse(args.Path)
	if err != nil {
		plog.Errorf("check init: parse %s failed: %v", args.Path, err)
		return nil, wrapf(KindInvalidArgument, err, "pmpool: parse %s", args.Path)
	}

	isBTTDevice := args.PoolType == pmlayout.PoolTypeBTTDev
	rdonly := !args.Repair
	plog.Debugf("check init: %s has %d replica(s), bttdev=%v rdonly=%v", args.Path, ps.NReplicas(), isBTTDevice, rdonly)

	if isBTTDevice {
		if err := poolset.OpenNoCheck(ps, rdonly); err != nil {
			plog.Errorf("check init: open %s failed: %v", args.Path, err)
			return nil, wrapf(KindIOError, err, "pmpool: open %s", args.Path)
		}
	} else {
		if err := poolset.Open(ps, rdonly); err != nil {
			plog.Errorf("check init: open %s failed: %v", args.Path, err)
			return nil, wrapf(KindIOError, err, "pmpool: open %s", args.Path)
		}
	}

	poolType := args.PoolType
	if poolType == 0 {
		poolType = pmlayout.PoolTypeUnknown
	}

	scanner := btt.NewScanner()
	steps := []checkdriver.Step{
		checkbackup.Step(args.Path),
		checkpool.Step(ps, scanner),
		checklogblk.Step(ps, scanner),
		btt.InfoStep(ps, scanner),
		btt.MapFlogStep(ps, scanner),
		checkwrite.Step(ps, scanner),
	}

	drv := checkdriver.NewSession(dArgs, steps, poolType, isBTTDevice)
	return &CheckSession{drv: drv, ps: ps}, nil
}

// Step advances the check pipeline by one unit of caller-visible work.
func (s *CheckSession) Step() (*Status, error) {
	st, err := s.drv.Step()
	if err != nil {
		plog.Warnf("check step: %v", err)
		s.err = err
		return st, err
	}
	if st != nil {
		plog.Debugf("check step: question %d: %s", st.QuestionID, st.Msg)
	}
	return st, err
}

// SetAnswer records the caller's answer to the most recently surfaced
// question.
func (s *CheckSession) SetAnswer(answer string) error {
	if err := s.drv.SetAnswer(answer); err != nil {
		return newError(KindUnanswerableQuestion, err)
	}
	return nil
}

// End finalises the session: unmaps and closes the pool-set and returns
// the final result.
func (s *CheckSession) End(last *Status) (Result, error) {
	result := fromDriverResult(s.drv.End())
	plog.Infof("check end: result=%s", result)
	poolset.Close(s.ps)
	return result, s.err
}

// ErrorMsg returns the last formatted error recorded on the session.
func (s *CheckSession) ErrorMsg() string {
	return s.drv.ErrorMsg()
}
