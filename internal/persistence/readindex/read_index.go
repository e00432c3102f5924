package readindex

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/snowflk/kleiostore/internal/persistence"
)

var _ persistence.ReadIndex = (*ReadIndex)(nil)

// ReadIndex answers reads by composing the metadata cache, the hash index and the collision resolver.
// It never mutates any of them.
type ReadIndex struct {
	log      persistence.TransactionLog
	index    *StreamHashIndex
	resolver *CollisionResolver
	meta     *StreamMetaCache
}

func NewReadIndex(tlog persistence.TransactionLog, index *StreamHashIndex, resolver *CollisionResolver, meta *StreamMetaCache) *ReadIndex {
	return &ReadIndex{
		log:      tlog,
		index:    index,
		resolver: resolver,
		meta:     meta,
	}
}

func (ri *ReadIndex) ReadEvent(streamID string, eventNumber int64) (persistence.ReadEventResult, error) {
	state := ri.meta.State(streamID)
	if state.Deleted() {
		return persistence.ReadEventResult{Status: persistence.ReadEventStreamDeleted}, nil
	}
	if !state.Exists() {
		return persistence.ReadEventResult{Status: persistence.ReadEventNoStream}, nil
	}
	if eventNumber < 0 || eventNumber > state.LastEventNumber() {
		return persistence.ReadEventResult{Status: persistence.ReadEventNotFound}, nil
	}
	for _, entry := range ri.index.LookupRange(streamID, eventNumber, eventNumber) {
		rec, ok, err := ri.resolver.Verify(entry, streamID)
		if err != nil {
			return persistence.ReadEventResult{}, err
		}
		if ok {
			return persistence.ReadEventResult{Status: persistence.ReadEventSuccess, Record: rec}, nil
		}
	}
	log.WithFields(log.Fields{
		"stream": streamID,
		"event":  eventNumber,
		"last":   state.LastEventNumber(),
	}).Warn("event below last event number is missing from the index")
	return persistence.ReadEventResult{Status: persistence.ReadEventNotFound}, nil
}

func (ri *ReadIndex) ReadStreamEventsForward(streamID string, fromEventNumber int64, maxCount int) (persistence.StreamEventsSlice, error) {
	slice, state, err := ri.startSlice(streamID, fromEventNumber, maxCount)
	if err != nil || !state.Exists() {
		return slice, err
	}
	from := fromEventNumber
	if from < 0 {
		from = 0
	}
	last := state.LastEventNumber()
	if from > last {
		slice.NextEventNumber = last + 1
		slice.IsEndOfStream = true
		return slice, nil
	}
	to := last
	if last-from >= int64(maxCount) {
		to = from + int64(maxCount) - 1
	}
	records, err := ri.collect(streamID, from, to)
	if err != nil {
		return persistence.StreamEventsSlice{}, err
	}
	slice.Records = records
	slice.NextEventNumber = to + 1
	slice.IsEndOfStream = to == last
	return slice, nil
}

func (ri *ReadIndex) ReadStreamEventsBackward(streamID string, fromEventNumber int64, maxCount int) (persistence.StreamEventsSlice, error) {
	slice, state, err := ri.startSlice(streamID, fromEventNumber, maxCount)
	if err != nil || !state.Exists() {
		return slice, err
	}
	last := state.LastEventNumber()
	from := fromEventNumber
	if from < 0 {
		from = last
		slice.FromEventNumber = last
	}
	lo := int64(0)
	if from >= int64(maxCount) {
		lo = from - int64(maxCount) + 1
	}
	if lo > last {
		slice.NextEventNumber = last
		return slice, nil
	}
	if from > last {
		from = last
	}
	records, err := ri.collect(streamID, lo, from)
	if err != nil {
		return persistence.StreamEventsSlice{}, err
	}
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	slice.Records = records
	slice.NextEventNumber = lo - 1
	slice.IsEndOfStream = lo == 0
	return slice, nil
}

// startSlice validates the request and fills in the slice for streams that do not exist or are deleted.
func (ri *ReadIndex) startSlice(streamID string, from int64, maxCount int) (persistence.StreamEventsSlice, StreamState, error) {
	if maxCount <= 0 {
		return persistence.StreamEventsSlice{}, StreamState{}, errors.Wrapf(persistence.ErrInvalidMaxCount, "max count %d", maxCount)
	}
	state := ri.meta.State(streamID)
	slice := persistence.StreamEventsSlice{
		Status:          persistence.ReadStreamSuccess,
		StreamID:        streamID,
		FromEventNumber: from,
		Records:         make([]persistence.LogRecord, 0),
		LastEventNumber: state.LastEventNumber(),
	}
	switch {
	case state.Deleted():
		slice.Status = persistence.ReadStreamStreamDeleted
		slice.NextEventNumber = persistence.NoStream
		slice.IsEndOfStream = true
	case !state.Exists():
		slice.Status = persistence.ReadStreamNoStream
		slice.NextEventNumber = persistence.NoStream
		slice.IsEndOfStream = true
	}
	return slice, state, nil
}

// collect returns the verified records of streamID numbered from..to, ascending.
// to must not exceed the last event number observed in the metadata cache, so every number must be present.
func (ri *ReadIndex) collect(streamID string, from, to int64) ([]persistence.LogRecord, error) {
	found := make(map[int64]persistence.LogRecord, to-from+1)
	for _, entry := range ri.index.LookupRange(streamID, from, to) {
		if _, dup := found[entry.EventNumber]; dup {
			continue
		}
		rec, ok, err := ri.resolver.Verify(entry, streamID)
		if err != nil {
			return nil, err
		}
		if ok {
			found[entry.EventNumber] = rec
		}
	}
	records := make([]persistence.LogRecord, 0, len(found))
	for n := from; n <= to; n++ {
		rec, ok := found[n]
		if !ok {
			log.WithFields(log.Fields{
				"stream": streamID,
				"event":  n,
			}).Error("event number gap in stream")
			return nil, errors.Wrapf(persistence.ErrEventNumberGap, "stream %s is missing event %d", streamID, n)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (ri *ReadIndex) ReadAllEventsForward(from persistence.Position, maxCount int) (persistence.AllEventsSlice, error) {
	if maxCount <= 0 {
		return persistence.AllEventsSlice{}, errors.Wrapf(persistence.ErrInvalidMaxCount, "max count %d", maxCount)
	}
	iter := ri.log.IterateForward(from)
	records := ri.drain(iter, maxCount)
	if err := iter.Err(); err != nil {
		log.WithFields(log.Fields{"from": from.String(), "error": err}).Error("forward scan of the log failed")
		return persistence.AllEventsSlice{}, err
	}
	slice := persistence.AllEventsSlice{
		Records:      records,
		From:         from,
		NextPosition: iter.Pos(),
		PrevPosition: from,
	}
	if len(records) > 0 {
		slice.PrevPosition = records[0].Position
	}
	return slice, nil
}

func (ri *ReadIndex) ReadAllEventsBackward(from persistence.Position, maxCount int) (persistence.AllEventsSlice, error) {
	if maxCount <= 0 {
		return persistence.AllEventsSlice{}, errors.Wrapf(persistence.ErrInvalidMaxCount, "max count %d", maxCount)
	}
	iter := ri.log.IterateBackward(from)
	records := ri.drain(iter, maxCount)
	if err := iter.Err(); err != nil {
		log.WithFields(log.Fields{"from": from.String(), "error": err}).Error("backward scan of the log failed")
		return persistence.AllEventsSlice{}, err
	}
	return persistence.AllEventsSlice{
		Records:      records,
		From:         from,
		NextPosition: iter.Pos(),
		PrevPosition: from,
	}, nil
}

func (ri *ReadIndex) drain(iter persistence.LogIterator, maxCount int) []persistence.LogRecord {
	capacity := maxCount
	if capacity > 1024 {
		capacity = 1024
	}
	records := make([]persistence.LogRecord, 0, capacity)
	for len(records) < maxCount && iter.Next() {
		records = append(records, iter.Record())
	}
	return records
}

func (ri *ReadIndex) GetStreamLastEventNumber(streamID string) int64 {
	return ri.meta.GetLastEventNumber(streamID)
}

func (ri *ReadIndex) ListStreams(pattern persistence.SearchPattern) []string {
	return ri.meta.Find(pattern)
}

func (ri *ReadIndex) LastPosition() persistence.Position {
	return ri.log.End()
}

// CheckStream compares the metadata cache with what the hash index says about streamID.
// It walks the bucket from the top and stops at the first entry that belongs to the stream.
func (ri *ReadIndex) CheckStream(streamID string) error {
	fromIndex := persistence.NoStream
	var walkErr error
	ri.index.DescendBucket(streamID, func(e IndexEntry) bool {
		owned, err := ri.resolver.Owns(e, streamID)
		if err != nil {
			walkErr = err
			return false
		}
		if owned {
			fromIndex = e.EventNumber
			return false
		}
		return true
	})
	if walkErr != nil {
		return walkErr
	}
	if cached := ri.meta.GetLastEventNumber(streamID); cached != fromIndex {
		return errors.Wrapf(persistence.ErrIndexInconsistent,
			"stream %s: metadata says %d, index says %d", streamID, cached, fromIndex)
	}
	return nil
}
