package persistence

import (
	"strings"
)

// MaxStreamNameLength bounds the byte length of a stream name
const MaxStreamNameLength = 1024

// ValidateStreamName checks a stream name before it reaches the write path.
func ValidateStreamName(streamID string) error {
	if CheckStringEmpty(streamID) {
		return ErrStreamEmpty
	}
	if len(streamID) > MaxStreamNameLength {
		return ErrStreamNameTooLong
	}
	return nil
}

func CheckStringEmpty(name string) bool {
	name = strings.TrimSpace(name)
	return len(name) == 0
}
