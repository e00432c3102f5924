package readindex

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/snowflk/kleiostore/internal/persistence"
)

const replayBatchSize = 4096

// Options configures an Engine. Zero values select the defaults.
type Options struct {
	Hasher                  Hasher
	ResolverCacheTTL        time.Duration
	ResolverCleanupInterval time.Duration
}

// Engine wires the read index and the committer around one TransactionLog.
// It is a complete persistence.Storage for logs that need no extra index persistence.
type Engine struct {
	*ReadIndex
	*Committer

	log      persistence.TransactionLog
	Index    *StreamHashIndex
	Meta     *StreamMetaCache
	Resolver *CollisionResolver
}

var _ persistence.Storage = (*Engine)(nil)

// NewEngine creates an empty engine over tlog. Records already in the log are not indexed
// until Rebuild is called.
func NewEngine(tlog persistence.TransactionLog, opts Options) *Engine {
	index := NewStreamHashIndex(opts.Hasher)
	meta := NewStreamMetaCache()
	resolver := NewCollisionResolver(tlog, opts.ResolverCacheTTL, opts.ResolverCleanupInterval)
	return &Engine{
		ReadIndex: NewReadIndex(tlog, index, resolver, meta),
		Committer: NewCommitter(tlog, index, meta, resolver),
		log:       tlog,
		Index:     index,
		Meta:      meta,
		Resolver:  resolver,
	}
}

// Rebuild replays the log from the given position into the index and the metadata cache.
// It returns the number of records replayed.
func (e *Engine) Rebuild(ctx context.Context, from persistence.Position) (int, error) {
	iter := e.log.IterateForward(from)
	batch := make([]persistence.LogRecord, 0, replayBatchSize)
	total := 0
	for iter.Next() {
		batch = append(batch, iter.Record())
		if len(batch) == replayBatchSize {
			if err := e.Replay(ctx, batch); err != nil {
				return total, err
			}
			total += len(batch)
			batch = make([]persistence.LogRecord, 0, replayBatchSize)
		}
	}
	if err := iter.Err(); err != nil {
		return total, errors.Wrapf(err, "replay from %s", from)
	}
	if err := e.Replay(ctx, batch); err != nil {
		return total, err
	}
	total += len(batch)
	log.WithFields(log.Fields{
		"component": "engine",
		"from":      from.String(),
		"records":   total,
	}).Info("log replayed into read index")
	return total, nil
}

// Verify checks every known stream against the hash index and returns the first inconsistency.
func (e *Engine) Verify() error {
	for _, streamID := range e.Meta.Find(persistence.Pattern("*")) {
		if err := e.CheckStream(streamID); err != nil {
			return err
		}
	}
	return nil
}

// ForceFlush has nothing to persist: the log is the only state of a bare engine.
func (e *Engine) ForceFlush() error {
	return nil
}

// Close stops the writer and closes the log.
func (e *Engine) Close() error {
	e.Committer.Close()
	return e.log.Close()
}
