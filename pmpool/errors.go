package pmpool

import "github.com/pkg/errors"

// CheckErrorKind is the taxonomy spec.md §7 names for check/sync/
// transform failures.
type CheckErrorKind int

const (
	KindInvalidArgument CheckErrorKind = iota
	KindIOError
	KindFormatError
	KindRepairRefused
	KindUnanswerableQuestion
	KindInternalError
)

func (k CheckErrorKind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindIOError:
		return "io_error"
	case KindFormatError:
		return "format_error"
	case KindRepairRefused:
		return "repair_refused"
	case KindUnanswerableQuestion:
		return "unanswerable_question"
	case KindInternalError:
		return "internal_error"
	default:
		return "unknown"
	}
}

// CheckError wraps an underlying error with its taxonomy kind, so
// callers can errors.As/errors.Unwrap to the original cause.
type CheckError struct {
	Kind CheckErrorKind
	Err  error
}

func (e *CheckError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *CheckError) Unwrap() error { return e.Err }

func newError(kind CheckErrorKind, err error) *CheckError {
	return &CheckError{Kind: kind, Err: err}
}

func wrapf(kind CheckErrorKind, err error, format string, args ...interface{}) *CheckError {
	return &CheckError{Kind: kind, Err: errors.Wrapf(err, format, args...)}
}
