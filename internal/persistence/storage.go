package persistence

// Storage is a complete event store: the write path plus the read index over a durable log.
// The implementation of this interface must use the package "testsuite" for unit-testing, so that we can make sure
// the implementation satisfies all requirements
type Storage interface {
	EventKeeper
	ReadIndex
	// ForceFlush persists whatever index state the backend keeps outside the log.
	ForceFlush() error
	Close() error
}
