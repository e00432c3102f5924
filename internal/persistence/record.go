package persistence

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	// NoStream is the last event number of a stream that has never been written.
	NoStream int64 = -1
	// DeletedStream is the last event number reported for a deleted stream.
	// Appends never assign it to a live event, so it cannot collide with a real event number.
	DeletedStream int64 = math.MaxInt64
	// ExpectedVersionAny disables the optimistic concurrency check on writes.
	ExpectedVersionAny int64 = -2

	// StreamDeletedEventType is the event type of a deletion tombstone.
	StreamDeletedEventType = "$streamDeleted"

	positionStringLength = 32
)

// StartPosition is the origin of the global log.
var StartPosition = Position{}

// Position is a point in the global order of all committed records.
// CommitPosition groups the records of one committed batch,
// PreparePosition is the physical location of a single record.
type Position struct {
	CommitPosition  int64
	PreparePosition int64
}

// NewPosition creates a position
func NewPosition(commit, prepare int64) Position {
	return Position{CommitPosition: commit, PreparePosition: prepare}
}

// Compare orders positions by commit position first, then prepare position.
func (p Position) Compare(other Position) int {
	switch {
	case p.CommitPosition < other.CommitPosition:
		return -1
	case p.CommitPosition > other.CommitPosition:
		return 1
	case p.PreparePosition < other.PreparePosition:
		return -1
	case p.PreparePosition > other.PreparePosition:
		return 1
	}
	return 0
}

// String renders the position as an opaque paging cursor.
func (p Position) String() string {
	return fmt.Sprintf("%016X%016X", uint64(p.CommitPosition), uint64(p.PreparePosition))
}

// ParsePosition parses a cursor produced by Position.String
func ParsePosition(s string) (Position, error) {
	if len(s) != positionStringLength {
		return Position{}, errors.Wrapf(ErrInvalidPosition, "cursor %q", s)
	}
	commit, err := strconv.ParseUint(s[:16], 16, 64)
	if err != nil {
		return Position{}, errors.Wrapf(ErrInvalidPosition, "cursor %q", s)
	}
	prepare, err := strconv.ParseUint(s[16:], 16, 64)
	if err != nil {
		return Position{}, errors.Wrapf(ErrInvalidPosition, "cursor %q", s)
	}
	if commit > math.MaxInt64 || prepare > math.MaxInt64 {
		return Position{}, errors.Wrapf(ErrInvalidPosition, "cursor %q out of range", s)
	}
	return Position{CommitPosition: int64(commit), PreparePosition: int64(prepare)}, nil
}

// LogRecord is a committed event, or the tombstone of a deleted stream, as stored in the log.
// A LogRecord is immutable once written.
type LogRecord struct {
	StreamID    string
	EventNumber int64
	EventID     uuid.UUID
	Position    Position

	EventType string
	Data      []byte
	Metadata  []byte
	Timestamp time.Time
	IsJSON    bool

	IsDeleteTombstone bool
}

// EventData is an event submitted by a writer, before it has a stream position.
type EventData struct {
	EventID   uuid.UUID
	EventType string
	Data      []byte
	Metadata  []byte
	IsJSON    bool
}

// WriteResult reports where a committed write landed
type WriteResult struct {
	FirstEventNumber int64
	LastEventNumber  int64
	Position         Position
}

// NewEventRecord builds the record for the event written as eventNumber of streamID.
func NewEventRecord(streamID string, eventNumber int64, event EventData, timestamp time.Time) LogRecord {
	id := event.EventID
	if id == uuid.Nil {
		id = uuid.New()
	}
	return LogRecord{
		StreamID:    streamID,
		EventNumber: eventNumber,
		EventID:     id,
		EventType:   event.EventType,
		Data:        NilIfEmpty(event.Data),
		Metadata:    NilIfEmpty(event.Metadata),
		Timestamp:   timestamp.UTC(),
		IsJSON:      event.IsJSON,
	}
}

// NewTombstone builds the synthetic record that marks streamID as deleted.
func NewTombstone(streamID string, timestamp time.Time) LogRecord {
	return LogRecord{
		StreamID:          streamID,
		EventNumber:       DeletedStream,
		EventID:           uuid.New(),
		EventType:         StreamDeletedEventType,
		Timestamp:         timestamp.UTC(),
		IsDeleteTombstone: true,
	}
}

func (r LogRecord) String() string {
	if r.IsDeleteTombstone {
		return fmt.Sprintf("deleted@%s", r.StreamID)
	}
	return fmt.Sprintf("%d@%s", r.EventNumber, r.StreamID)
}

// NilIfEmpty normalises zero-length payloads to nil so records compare equal across backends.
func NilIfEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
