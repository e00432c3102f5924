package readindex

import (
	"testing"
	"time"

	"github.com/snowflk/kleiostore/internal/persistence"
	"github.com/snowflk/kleiostore/internal/persistence/memlog"
	_assert "github.com/stretchr/testify/assert"
)

// countingLog counts how often records are dereferenced
type countingLog struct {
	*memlog.Log
	reads int
}

func (l *countingLog) ReadAt(pos persistence.Position) (persistence.LogRecord, error) {
	l.reads++
	return l.Log.ReadAt(pos)
}

func appendRecords(t *testing.T, tlog persistence.TransactionLog, records ...persistence.LogRecord) []persistence.Position {
	positions, err := tlog.Append(records)
	if err != nil {
		t.Fatal(err)
	}
	return positions
}

func record(streamID string, n int64) persistence.LogRecord {
	return persistence.NewEventRecord(streamID, n, persistence.EventData{EventType: "test"}, time.Now())
}

func TestCollisionResolver_Verify(t *testing.T) {
	assert := _assert.New(t)
	tlog := &countingLog{Log: memlog.New()}
	positions := appendRecords(t, tlog, record("AB", 0), record("CD", 0))
	r := NewCollisionResolver(tlog, 0, 0)

	rec, ok, err := r.Verify(IndexEntry{EventNumber: 0, Position: positions[0]}, "AB")
	assert.NoError(err)
	assert.True(ok)
	assert.Equal("AB", rec.StreamID)

	rec, ok, err = r.Verify(IndexEntry{EventNumber: 0, Position: positions[1]}, "AB")
	assert.NoError(err)
	assert.False(ok, "a foreign record is a mismatch, not an error")
	assert.Equal(persistence.LogRecord{}, rec)
	assert.Equal(2, tlog.reads)

	// the owner of positions[1] is known now, so the second mismatch costs no read
	_, ok, err = r.Verify(IndexEntry{EventNumber: 0, Position: positions[1]}, "AB")
	assert.NoError(err)
	assert.False(ok)
	assert.Equal(2, tlog.reads)

	owned, err := r.Owns(IndexEntry{EventNumber: 0, Position: positions[1]}, "CD")
	assert.NoError(err)
	assert.True(owned)
	assert.Equal(2, tlog.reads)
}

func TestCollisionResolver_Remember(t *testing.T) {
	assert := _assert.New(t)
	tlog := &countingLog{Log: memlog.New()}
	positions := appendRecords(t, tlog, record("AB", 0))
	r := NewCollisionResolver(tlog, time.Minute, time.Minute)

	r.Remember(positions[0], "AB")
	_, ok, err := r.Verify(IndexEntry{EventNumber: 0, Position: positions[0]}, "CD")
	assert.NoError(err)
	assert.False(ok)
	assert.Equal(0, tlog.reads)
}

func TestCollisionResolver_Inconsistencies(t *testing.T) {
	assert := _assert.New(t)
	tlog := memlog.New()
	positions := appendRecords(t, tlog, record("AB", 0), record("AB", 1))
	r := NewCollisionResolver(tlog, 0, 0)

	// an entry that claims the wrong event number for its own stream
	_, ok, err := r.Verify(IndexEntry{EventNumber: 5, Position: positions[1]}, "AB")
	assert.False(ok)
	assert.ErrorIs(err, persistence.ErrIndexInconsistent)
	assert.True(persistence.IsConsistencyViolation(err))

	// an entry beyond the end of the log
	_, _, err = r.Verify(IndexEntry{EventNumber: 2, Position: persistence.NewPosition(9, 9)}, "AB")
	assert.ErrorIs(err, persistence.ErrIndexInconsistent)

	// an entry whose position does not match the record stored there
	_, _, err = r.Verify(IndexEntry{EventNumber: 1, Position: persistence.NewPosition(1, 1)}, "AB")
	assert.ErrorIs(err, persistence.ErrCorruptRecord)
}
