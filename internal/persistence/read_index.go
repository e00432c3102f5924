package persistence

// ReadEventStatus is the outcome of a single event lookup.
type ReadEventStatus int

const (
	ReadEventSuccess ReadEventStatus = iota
	ReadEventNotFound
	ReadEventNoStream
	ReadEventStreamDeleted
)

func (s ReadEventStatus) String() string {
	switch s {
	case ReadEventSuccess:
		return "Success"
	case ReadEventNotFound:
		return "NotFound"
	case ReadEventNoStream:
		return "NoStream"
	case ReadEventStreamDeleted:
		return "StreamDeleted"
	}
	return "Unknown"
}

// ReadStreamStatus is the outcome of a range read within a stream.
type ReadStreamStatus int

const (
	ReadStreamSuccess ReadStreamStatus = iota
	ReadStreamNoStream
	ReadStreamStreamDeleted
)

func (s ReadStreamStatus) String() string {
	switch s {
	case ReadStreamSuccess:
		return "Success"
	case ReadStreamNoStream:
		return "NoStream"
	case ReadStreamStreamDeleted:
		return "StreamDeleted"
	}
	return "Unknown"
}

// ReadEventResult holds the record only when Status is ReadEventSuccess.
type ReadEventResult struct {
	Status ReadEventStatus
	Record LogRecord
}

// StreamEventsSlice is one page of a stream.
type StreamEventsSlice struct {
	Status          ReadStreamStatus
	StreamID        string
	FromEventNumber int64
	Records         []LogRecord
	NextEventNumber int64
	LastEventNumber int64
	IsEndOfStream   bool
}

// AllEventsSlice is one page of the global log.
// Reading forward from NextPosition continues a forward page; reading backward from it
// continues a backward page. PrevPosition turns around the direction of travel.
type AllEventsSlice struct {
	Records      []LogRecord
	From         Position
	NextPosition Position
	PrevPosition Position
}

// ReadIndex answers point, range and global reads against the log.
// Absence is reported through statuses; errors are consistency violations or caller mistakes.
type ReadIndex interface {
	ReadEvent(streamID string, eventNumber int64) (ReadEventResult, error)
	ReadStreamEventsForward(streamID string, fromEventNumber int64, maxCount int) (StreamEventsSlice, error)
	// ReadStreamEventsBackward starts at the last event when fromEventNumber is negative.
	ReadStreamEventsBackward(streamID string, fromEventNumber int64, maxCount int) (StreamEventsSlice, error)
	ReadAllEventsForward(from Position, maxCount int) (AllEventsSlice, error)
	ReadAllEventsBackward(from Position, maxCount int) (AllEventsSlice, error)

	// GetStreamLastEventNumber returns NoStream, DeletedStream or the last event number.
	GetStreamLastEventNumber(streamID string) int64
	// ListStreams returns the sorted names of known streams matching pattern
	ListStreams(pattern SearchPattern) []string
	// LastPosition is the position to read the global log backward from.
	LastPosition() Position
}
