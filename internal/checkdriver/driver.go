// Package checkdriver implements the check session's question/answer
// state machine: an ordered sequence of steps, each advancing a cursor
// and exchanging questions/answers through FIFO queues, surfaced to the
// caller one Status at a time via Step.
//
// A Session is not safe for concurrent use from multiple goroutines —
// the core is single-threaded cooperative by design (spec.md §5); this
// is documented here rather than enforced with a mutex, matching how
// the original C sources carry no internal locking.
package checkdriver

import (
	"github.com/pkg/errors"

	"github.com/ryspol/pmpool/internal/pmlayout"
)

// Result is the terminal (or current) outcome of a check session.
type Result int

const (
	ResultConsistent Result = iota
	ResultNotConsistent
	ResultAskQuestions
	ResultProcessAnswers
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
	case ResultAskQuestions:
		return "ASK_QUESTIONS"
	case ResultProcessAnswers:
		return "PROCESS_ANSWERS"
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

// StatusType distinguishes the three kinds of status a step() call can
// surface to the caller.
type StatusType int

const (
	StatusInfo StatusType = iota
	StatusError
	StatusQuestion
)

// Status is one unit of caller-visible output from Step. A Question
// status expects the caller to set Answer before the next Step call.
type Status struct {
	Type       StatusType
	QuestionID int
	Msg        string
	Answer     string // caller-set for StatusQuestion
}

// Args mirrors spec.md §6's check_init argument bundle.
type Args struct {
	Path       string
	PoolType   pmlayout.PoolType
	Repair     bool
	DryRun     bool
	Advanced   bool
	AlwaysYes  bool
	BackupPath string
}

// Validate rejects the argument combinations spec.md §6 names as
// invalid: (dry_run ∨ advanced) without repair, and dry_run with a
// backup path requested.
func (a Args) Validate() error {
	if (a.DryRun || a.Advanced) && !a.Repair {
		return errors.New("checkdriver: dry_run/advanced require repair")
	}
	if a.DryRun && a.BackupPath != "" {
		return errors.New("checkdriver: dry_run is incompatible with backup_path")
	}
	return nil
}

// Question is a single pending question belonging to a step.
type Question struct {
	ID     int
	Msg    string
	Answer string
}

// Step is one named phase of the driver's step table.
type Step struct {
	Name string
	// Applies reports whether this step runs for the pool's type.
	Applies func(t pmlayout.PoolType, isBTTDevice bool) bool
	// Check runs the step's check substep. It either completes, returns
	// a NotConsistent error, or enqueues questions onto the session.
	Check func(s *Session) error
	// Fix consumes answers (FIFO, already copied into s.Answers) and
	// applies them. Called once all of the step's questions have been
	// answered.
	Fix func(s *Session) error
}

// ErrNotConsistent signals that a check substep found a defect but
// repair is disabled; it demotes the session's result to NOT_CONSISTENT
// rather than asking a question.
var ErrNotConsistent = errors.New("checkdriver: not consistent")

// ErrCannotRepair signals a step could not find any valid peer or
// donor to recover from; terminal for the session.
var ErrCannotRepair = errors.New("checkdriver: cannot repair")

// Session drives the ordered step table against a single pool/pool-set,
// per spec.md §4.4's state machine.
type Session struct {
	Args Args

	Steps       []Step
	stepIdx     int
	instep      int // per-step cursor ("instep location") into the step's own sub-iteration (e.g. part index)
	questions   []Question
	answerIdx   int
	phase       phase
	result      Result
	errMsg      string
	IsBTTDevice bool
	PoolType    pmlayout.PoolType

	// Scratch is step-local state a Check/Fix pair can stash between
	// calls to Step (the "instep location" the spec describes); steps
	// type-assert it to their own private struct.
	Scratch interface{}
}

type phase int

const (
	phaseCheck phase = iota
	phaseAsking
	phaseProcessing
)

// NewSession constructs a driver over the given step table.
func NewSession(args Args, steps []Step, poolType pmlayout.PoolType, isBTTDevice bool) *Session {
	return &Session{
		Args:        args,
		Steps:       steps,
		PoolType:    poolType,
		IsBTTDevice: isBTTDevice,
		result:      ResultConsistent,
	}
}

// Result returns the session's current (possibly non-terminal) result.
func (s *Session) Result() Result { return s.result }

// ErrorMsg returns the last formatted error recorded on the session.
func (s *Session) ErrorMsg() string { return s.errMsg }

func (s *Session) fail(result Result, err error) error {
	s.result = result
	if err != nil {
		s.errMsg = err.Error()
	}
	return err
}

// EnqueueQuestion appends a question to the current step's pending
// queue. If AlwaysYes is set, it is immediately auto-answered.
func (s *Session) EnqueueQuestion(id int, msg string) {
	q := Question{ID: id, Msg: msg}
	if s.Args.AlwaysYes {
		q.Answer = "yes"
	}
	s.questions = append(s.questions, q)
}

// Answers returns the answers recorded so far for the current step, in
// FIFO order, for a Fix function to consume.
func (s *Session) Answers() []Question { return s.questions }

// Step advances the state machine by one unit of caller-visible work,
// per spec.md §4.4. It returns nil when the session has run to
// completion (callers should then call End).
func (s *Session) Step() (*Status, error) {
	for {
		if s.stepIdx >= len(s.Steps) {
			return nil, nil
		}

		step := s.Steps[s.stepIdx]
		if !step.Applies(s.PoolType, s.IsBTTDevice) {
			s.advanceStep()
			continue
		}

		switch s.phase {
		case phaseCheck:
			s.questions = nil
			s.answerIdx = 0
			err := step.Check(s)
			if err == nil {
				if len(s.questions) == 0 {
					s.advanceStep()
					continue
				}
				s.phase = phaseAsking
				continue
			}
			if errors.Is(err, ErrNotConsistent) {
				return nil, s.fail(ResultNotConsistent, err)
			}
			if errors.Is(err, ErrCannotRepair) {
				return nil, s.fail(ResultCannotRepair, err)
			}
			return nil, s.fail(ResultError, err)

		case phaseAsking:
			if s.answerIdx >= len(s.questions) {
				s.phase = phaseProcessing
				continue
			}
			q := &s.questions[s.answerIdx]
			if q.Answer != "" {
				// Pre-answered (always_yes); surface as INFO, not a
				// blocking question, but still count toward FIFO order.
				s.answerIdx++
				return &Status{Type: StatusInfo, QuestionID: q.ID, Msg: q.Msg, Answer: q.Answer}, nil
			}
			s.result = ResultAskQuestions
			return &Status{Type: StatusQuestion, QuestionID: q.ID, Msg: q.Msg}, nil

		case phaseProcessing:
			s.result = ResultProcessAnswers
			if s.Args.DryRun {
				// dry_run forbids modification: questions were asked
				// and answered, but the fix is never applied.
				s.result = ResultNotConsistent
				s.advanceStep()
				continue
			}
			if err := step.Fix(s); err != nil {
				if errors.Is(err, ErrCannotRepair) {
					return nil, s.fail(ResultCannotRepair, err)
				}
				return nil, s.fail(ResultError, err)
			}
			s.result = ResultRepaired
			s.advanceStep()
			continue
		}
	}
}

// SetAnswer records the caller's answer string to the question most
// recently surfaced by Step, validating it is "yes" or "no".
func (s *Session) SetAnswer(answer string) error {
	if s.answerIdx >= len(s.questions) {
		return errors.New("checkdriver: no pending question")
	}
	if answer != "yes" && answer != "no" {
		return errors.Errorf("checkdriver: unanswerable_question: %q is not yes/no", answer)
	}
	s.questions[s.answerIdx].Answer = answer
	s.answerIdx++
	return nil
}

func (s *Session) advanceStep() {
	s.stepIdx++
	s.instep = 0
	s.phase = phaseCheck
	s.questions = nil
	s.answerIdx = 0
}

// End finalises the session: if repair succeeded for at least one step
// and the session never hit an error, the result is REPAIRED rather
// than CONSISTENT when any step actually asked/fixed something.
func (s *Session) End() Result {
	if s.stepIdx >= len(s.Steps) && s.result != ResultRepaired &&
		s.result != ResultNotConsistent && s.result != ResultCannotRepair &&
		s.result != ResultError && s.result != ResultInternalError {
		s.result = ResultConsistent
	}
	return s.result
}
