package readindex

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/snowflk/kleiostore/internal/persistence"
)

var _ persistence.EventKeeper = (*Committer)(nil)

// CommitObserver is called on the writer goroutine after a batch has been indexed and
// the metadata cache advanced. records carry their assigned positions.
type CommitObserver func(records []persistence.LogRecord, entries []IndexEntry)

type commitRequest struct {
	fn   func() error
	done chan error
}

// Committer is the only mutator of the log, the hash index and the metadata cache.
// Every write runs on its goroutine, one at a time, in log order.
type Committer struct {
	log      persistence.TransactionLog
	index    *StreamHashIndex
	meta     *StreamMetaCache
	resolver *CollisionResolver
	observer CommitObserver
	now      func() time.Time

	requests chan commitRequest
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewCommitter(tlog persistence.TransactionLog, index *StreamHashIndex, meta *StreamMetaCache, resolver *CollisionResolver) *Committer {
	c := &Committer{
		log:      tlog,
		index:    index,
		meta:     meta,
		resolver: resolver,
		now:      time.Now,
		requests: make(chan commitRequest),
		stop:     make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// SetObserver installs fn as the commit observer. It must be called before the first write.
func (c *Committer) SetObserver(fn CommitObserver) {
	c.observer = fn
}

func (c *Committer) run() {
	defer c.wg.Done()
	for {
		select {
		case req := <-c.requests:
			req.done <- req.fn()
		case <-c.stop:
			return
		}
	}
}

// Do runs fn on the writer goroutine, after every write submitted before it.
func (c *Committer) Do(ctx context.Context, fn func() error) error {
	req := commitRequest{fn: fn, done: make(chan error, 1)}
	select {
	case c.requests <- req:
	case <-c.stop:
		return persistence.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	// once accepted the request runs to completion, so its outcome is always reported
	return <-req.done
}

func (c *Committer) AppendEvents(ctx context.Context, streamID string, expectedVersion int64, events []persistence.EventData) (persistence.WriteResult, error) {
	if err := persistence.ValidateStreamName(streamID); err != nil {
		return persistence.WriteResult{}, err
	}
	if len(events) == 0 {
		return persistence.WriteResult{}, persistence.ErrDataEmpty
	}
	for i, ev := range events {
		if persistence.CheckStringEmpty(ev.EventType) {
			return persistence.WriteResult{}, errors.Wrapf(persistence.ErrDataEmpty, "event %d has no type", i)
		}
	}
	var result persistence.WriteResult
	err := c.Do(ctx, func() error {
		state := c.meta.State(streamID)
		if err := checkExpectedVersion(streamID, state, expectedVersion); err != nil {
			return err
		}
		first := state.LastEventNumber() + 1
		if !state.Exists() {
			first = 0
		}
		if err := c.meta.CheckAppend(streamID, first); err != nil {
			return errors.WithMessagef(err, "stream %s", streamID)
		}
		if first > persistence.DeletedStream-1-int64(len(events)) {
			return errors.Wrapf(persistence.ErrOrderingViolation, "stream %s would reach the deleted marker", streamID)
		}
		ts := c.now()
		records := make([]persistence.LogRecord, len(events))
		for i, ev := range events {
			records[i] = persistence.NewEventRecord(streamID, first+int64(i), ev, ts)
		}
		positions, err := c.commit(records)
		if err != nil {
			return err
		}
		result = persistence.WriteResult{
			FirstEventNumber: first,
			LastEventNumber:  first + int64(len(events)) - 1,
			Position:         positions[0],
		}
		return nil
	})
	return result, err
}

func (c *Committer) DeleteStream(ctx context.Context, streamID string, expectedVersion int64) (persistence.WriteResult, error) {
	if err := persistence.ValidateStreamName(streamID); err != nil {
		return persistence.WriteResult{}, err
	}
	var result persistence.WriteResult
	err := c.Do(ctx, func() error {
		state := c.meta.State(streamID)
		if err := checkExpectedVersion(streamID, state, expectedVersion); err != nil {
			return err
		}
		positions, err := c.commit([]persistence.LogRecord{persistence.NewTombstone(streamID, c.now())})
		if err != nil {
			return err
		}
		result = persistence.WriteResult{
			FirstEventNumber: persistence.DeletedStream,
			LastEventNumber:  persistence.DeletedStream,
			Position:         positions[0],
		}
		return nil
	})
	return result, err
}

// commit appends records to the log and then applies them. It must run on the writer goroutine.
func (c *Committer) commit(records []persistence.LogRecord) ([]persistence.Position, error) {
	positions, err := c.log.Append(records)
	if err != nil {
		return nil, errors.Wrap(err, "append to log")
	}
	for i := range records {
		records[i].Position = positions[i]
	}
	if err := c.apply(records); err != nil {
		// the records are durable but the in-memory state no longer follows the log
		log.WithFields(log.Fields{
			"component": "committer",
			"error":     err,
		}).Error("cannot apply committed records")
		return nil, err
	}
	return positions, nil
}

// apply indexes records that are already in the log, then advances the metadata cache.
func (c *Committer) apply(records []persistence.LogRecord) error {
	entries := make([]IndexEntry, len(records))
	for i, rec := range records {
		entries[i] = IndexEntry{
			Hash:        c.index.Hash(rec.StreamID),
			EventNumber: rec.EventNumber,
			Position:    rec.Position,
		}
	}
	c.index.AddEntries(entries)
	for _, rec := range records {
		var err error
		if rec.IsDeleteTombstone {
			err = c.meta.RecordDeletion(rec.StreamID)
		} else {
			err = c.meta.RecordAppend(rec.StreamID, rec.EventNumber)
		}
		if err != nil {
			return err
		}
		c.resolver.Remember(rec.Position, rec.StreamID)
	}
	if c.observer != nil {
		c.observer(records, entries)
	}
	return nil
}

// Replay rebuilds the hash index and the metadata cache from records read back from the log.
// Nothing is appended. Records must be passed in log order.
func (c *Committer) Replay(ctx context.Context, records []persistence.LogRecord) error {
	if len(records) == 0 {
		return nil
	}
	return c.Do(ctx, func() error {
		return c.apply(records)
	})
}

// Close stops the writer goroutine. Writes submitted afterwards fail with ErrClosed.
func (c *Committer) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	c.wg.Wait()
}

func checkExpectedVersion(streamID string, state StreamState, expected int64) error {
	if state.Deleted() {
		return errors.Wrapf(persistence.ErrStreamDeleted, "stream %s", streamID)
	}
	switch {
	case expected == persistence.ExpectedVersionAny:
		return nil
	case expected == persistence.NoStream && !state.Exists():
		return nil
	case expected >= 0 && state.Exists() && state.LastEventNumber() == expected:
		return nil
	}
	return errors.Wrapf(persistence.ErrWrongExpectedVersion,
		"stream %s: expected %d, current %d", streamID, expected, state.LastEventNumber())
}
