package readindex

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/snowflk/kleiostore/internal/persistence"
)

type streamStateKind uint8

const (
	stateNoStream streamStateKind = iota
	stateLive
	stateDeleted
)

// StreamState is the lifecycle of a stream: no stream, live with a last event number, or deleted.
// There is no transition out of the deleted state.
type StreamState struct {
	kind streamStateKind
	last int64
}

func NoStreamState() StreamState {
	return StreamState{kind: stateNoStream, last: persistence.NoStream}
}

func LiveState(lastEventNumber int64) StreamState {
	return StreamState{kind: stateLive, last: lastEventNumber}
}

func DeletedState() StreamState {
	return StreamState{kind: stateDeleted, last: persistence.DeletedStream}
}

// StateFromLastEventNumber decodes the sentinel representation used on disk
func StateFromLastEventNumber(n int64) StreamState {
	switch {
	case n == persistence.DeletedStream:
		return DeletedState()
	case n < 0:
		return NoStreamState()
	}
	return LiveState(n)
}

func (s StreamState) Exists() bool  { return s.kind == stateLive }
func (s StreamState) Deleted() bool { return s.kind == stateDeleted }

// LastEventNumber returns NoStream, DeletedStream or the last event number.
func (s StreamState) LastEventNumber() int64 {
	return s.last
}

// append returns the state after eventNumber is appended
func (s StreamState) append(eventNumber int64) (StreamState, error) {
	switch s.kind {
	case stateDeleted:
		return s, persistence.ErrStreamDeleted
	case stateNoStream:
		if eventNumber != 0 {
			return s, errors.Wrapf(persistence.ErrOrderingViolation, "first event must be 0, got %d", eventNumber)
		}
	default:
		if s.last >= persistence.DeletedStream-1 || eventNumber != s.last+1 {
			return s, errors.Wrapf(persistence.ErrOrderingViolation, "expected event %d, got %d", s.last+1, eventNumber)
		}
	}
	return LiveState(eventNumber), nil
}

func (s StreamState) delete() (StreamState, error) {
	if s.kind == stateDeleted {
		return s, persistence.ErrStreamDeleted
	}
	return DeletedState(), nil
}

// StreamMetaCache is the authority on the last event number and deletion state of every stream.
// Only the write path mutates it.
type StreamMetaCache struct {
	mu      sync.RWMutex
	streams map[string]StreamState
}

func NewStreamMetaCache() *StreamMetaCache {
	return &StreamMetaCache{streams: make(map[string]StreamState)}
}

func (c *StreamMetaCache) State(streamID string) StreamState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.streams[streamID]; ok {
		return s
	}
	return NoStreamState()
}

// GetLastEventNumber returns NoStream, DeletedStream or the last event number of streamID.
func (c *StreamMetaCache) GetLastEventNumber(streamID string) int64 {
	return c.State(streamID).LastEventNumber()
}

// CheckAppend reports whether eventNumber may be appended to streamID, without changing anything.
func (c *StreamMetaCache) CheckAppend(streamID string, eventNumber int64) error {
	_, err := c.State(streamID).append(eventNumber)
	return err
}

// RecordAppend advances streamID to eventNumber, which must directly follow the current last event.
func (c *StreamMetaCache) RecordAppend(streamID string, eventNumber int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.streams[streamID]
	if !ok {
		cur = NoStreamState()
	}
	next, err := cur.append(eventNumber)
	if err != nil {
		return errors.WithMessagef(err, "stream %s", streamID)
	}
	c.streams[streamID] = next
	return nil
}

// RecordDeletion moves streamID to the deleted state for good.
func (c *StreamMetaCache) RecordDeletion(streamID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.streams[streamID]
	if !ok {
		cur = NoStreamState()
	}
	next, err := cur.delete()
	if err != nil {
		return errors.WithMessagef(err, "stream %s", streamID)
	}
	c.streams[streamID] = next
	return nil
}

// Restore installs a state loaded from a checkpoint. It is only used while opening a store.
func (c *StreamMetaCache) Restore(streamID string, state StreamState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streams[streamID] = state
}

// Find returns the sorted names of known streams matching pattern
func (c *StreamMetaCache) Find(pattern persistence.SearchPattern) []string {
	c.mu.RLock()
	matches := make([]string, 0)
	for name := range c.streams {
		if pattern.Match(name) {
			matches = append(matches, name)
		}
	}
	c.mu.RUnlock()
	sort.Strings(matches)
	return matches
}

func (c *StreamMetaCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.streams)
}
