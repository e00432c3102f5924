package persistence

import "github.com/pkg/errors"

// Writer contract violations. They are returned before any shared state is mutated.
var (
	ErrStreamEmpty          = errors.New("stream name cannot empty")
	ErrStreamNameTooLong    = errors.New("stream name is too long")
	ErrDataEmpty            = errors.New("data cannot empty")
	ErrWrongExpectedVersion = errors.New("wrong expected version")
	ErrStreamDeleted        = errors.New("stream is deleted")
	ErrOrderingViolation    = errors.New("event number is not the next in stream")
	ErrClosed               = errors.New("storage is closed")
)

// Caller errors
var (
	ErrInvalidPosition    = errors.New("invalid position")
	ErrInvalidMaxCount    = errors.New("max count must be positive")
	ErrPositionOutOfRange = errors.New("position is out of range")
)

// Consistency violations. They mean the index and the log disagree, or the log is damaged,
// and are never reported as an absence.
var (
	ErrCorruptRecord     = errors.New("corrupt record")
	ErrIndexInconsistent = errors.New("index does not match log")
	ErrEventNumberGap    = errors.New("event number gap")
)

// IsConsistencyViolation reports whether err signals index/log divergence or on-disk corruption.
func IsConsistencyViolation(err error) bool {
	return errors.Is(err, ErrCorruptRecord) ||
		errors.Is(err, ErrIndexInconsistent) ||
		errors.Is(err, ErrEventNumberGap)
}
