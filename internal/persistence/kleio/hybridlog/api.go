package hybridlog

import (
	"time"

	"github.com/pkg/errors"
)

type SyncPolicy int

const (
	// NoSync leaves flushing to the operating system. The log is synced on Close.
	NoSync SyncPolicy = iota
	AlwaysSync
	SyncEverySecond
)

var (
	ErrClosed    = errors.New("hybrid log is closed")
	ErrLocked    = errors.New("hybrid log is locked by another process")
	ErrCorrupted = errors.New("hybrid log is corrupted")
)

// HybridLog is an append-only byte log. Offsets passed to ReadAt are logical:
// they count written data only, never the checkpoints kept in between.
type HybridLog interface {
	// Write appends p atomically. After a crash either all of p or none of it is recovered.
	Write(p []byte) error
	ReadAt(b []byte, off int64) (int, error)
	// Size is the logical size, i.e. the sum of all written data.
	Size() int64
	Sync() error
	Close() error
}

type Config struct {
	// Path simply locates where to store the data. The file extension needs to be provided.
	Path string
	// HighWaterMark defines the fullness of buffer (in percent) at which the remapping process will be started
	HighWaterMark int
	// The size of buffer (in bytes) for keeping the new written data in memory.
	// The larger the buffer size is, the more memory will be consumed.
	BufferSize int
	// OpenTimeout bounds the wait for the file lock. Zero fails at once if the log is locked.
	OpenTimeout time.Duration
	// SyncPolicy denotes when to perform fdatasync
	SyncPolicy SyncPolicy
}

// Open opens a hybrid log at the given path in config.
// If the log does not exist, it creates a new one.
func Open(cfg Config) (HybridLog, error) {
	return open(cfg)
}
