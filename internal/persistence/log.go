package persistence

// TransactionLog is the durable log the read index is built on.
// Records are appended in batches and addressed by their Position;
// scans walk the log by prepare position, which is its physical order.
type TransactionLog interface {
	// Append writes the records as one atomic batch and returns the position assigned to each.
	// The Position field of the given records is ignored.
	Append(records []LogRecord) ([]Position, error)

	// ReadAt returns the record stored at pos.
	// A position beyond the end of the log yields ErrPositionOutOfRange,
	// damaged bytes yield ErrCorruptRecord.
	ReadAt(pos Position) (LogRecord, error)

	// IterateForward yields records whose prepare position is >= from, ascending.
	IterateForward(from Position) LogIterator

	// IterateBackward yields records whose prepare position is < from, descending.
	IterateBackward(from Position) LogIterator

	// End returns the position just past the last record
	End() Position

	Close() error
}

// LogIterator walks a TransactionLog. Records appended after the iterator was created are not yielded.
type LogIterator interface {
	Next() bool
	Record() LogRecord
	// Pos is the resume cursor: past the last yielded record when iterating forward,
	// the position of the last yielded record when iterating backward.
	Pos() Position
	Err() error
}
