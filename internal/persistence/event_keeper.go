package persistence

import "context"

// EventKeeper is the single write path of the store.
// All writes are serialized; a write is visible to readers once it has been indexed.
type EventKeeper interface {
	// AppendEvents appends events to a stream.
	// expectedVersion is ExpectedVersionAny, NoStream, or the stream's current last event number;
	// a mismatch returns ErrWrongExpectedVersion. Writing to a deleted stream returns ErrStreamDeleted.
	AppendEvents(ctx context.Context, streamID string, expectedVersion int64, events []EventData) (WriteResult, error)

	// DeleteStream writes a tombstone for the stream. The deletion is permanent.
	DeleteStream(ctx context.Context, streamID string, expectedVersion int64) (WriteResult, error)
}
