package readindex

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/snowflk/kleiostore/internal/persistence"
	"github.com/snowflk/kleiostore/internal/persistence/memlog"
	_assert "github.com/stretchr/testify/assert"
)

// corruptLog fails reads of chosen positions the way a damaged log would
type corruptLog struct {
	*memlog.Log
	damaged map[int64]bool
}

func (l *corruptLog) ReadAt(pos persistence.Position) (persistence.LogRecord, error) {
	if l.damaged[pos.PreparePosition] {
		return persistence.LogRecord{}, errors.Wrapf(persistence.ErrCorruptRecord, "checksum mismatch at %s", pos)
	}
	return l.Log.ReadAt(pos)
}

// fixture fills the hash index by hand so tests can leave holes in it
type fixture struct {
	log   *corruptLog
	index *StreamHashIndex
	meta  *StreamMetaCache
	ri    *ReadIndex
}

func newFixture(t *testing.T, records ...persistence.LogRecord) (*fixture, []persistence.Position) {
	tlog := &corruptLog{Log: memlog.New(), damaged: make(map[int64]bool)}
	positions := appendRecords(t, tlog, records...)
	f := &fixture{
		log:   tlog,
		index: NewStreamHashIndex(constantHasher),
		meta:  NewStreamMetaCache(),
	}
	f.ri = NewReadIndex(tlog, f.index, NewCollisionResolver(tlog, 0, 0), f.meta)
	return f, positions
}

func TestReadIndex_CorruptRecordIsNotAbsence(t *testing.T) {
	assert := _assert.New(t)
	f, positions := newFixture(t, record("s", 0), record("s", 1))
	for i, pos := range positions {
		f.index.Add("s", int64(i), pos)
		assert.NoError(f.meta.RecordAppend("s", int64(i)))
	}
	f.log.damaged[positions[1].PreparePosition] = true

	res, err := f.ri.ReadEvent("s", 0)
	assert.NoError(err)
	assert.Equal(persistence.ReadEventSuccess, res.Status)

	_, err = f.ri.ReadEvent("s", 1)
	assert.ErrorIs(err, persistence.ErrCorruptRecord)
	assert.True(persistence.IsConsistencyViolation(err))

	_, err = f.ri.ReadStreamEventsForward("s", 0, 10)
	assert.ErrorIs(err, persistence.ErrCorruptRecord)
	_, err = f.ri.ReadStreamEventsBackward("s", -1, 10)
	assert.ErrorIs(err, persistence.ErrCorruptRecord)
}

func TestReadIndex_GapInIndex(t *testing.T) {
	assert := _assert.New(t)
	f, positions := newFixture(t, record("s", 0), record("s", 1), record("s", 2))
	f.index.Add("s", 0, positions[0])
	f.index.Add("s", 2, positions[2])
	for n := int64(0); n < 3; n++ {
		assert.NoError(f.meta.RecordAppend("s", n))
	}

	res, err := f.ri.ReadEvent("s", 1)
	assert.NoError(err)
	assert.Equal(persistence.ReadEventNotFound, res.Status)

	_, err = f.ri.ReadStreamEventsForward("s", 0, 3)
	assert.ErrorIs(err, persistence.ErrEventNumberGap)
	_, err = f.ri.ReadStreamEventsBackward("s", 2, 3)
	assert.ErrorIs(err, persistence.ErrEventNumberGap)

	// ranges that avoid the hole still succeed
	slice, err := f.ri.ReadStreamEventsBackward("s", 2, 1)
	assert.NoError(err)
	assert.Len(slice.Records, 1)

	assert.NoError(f.ri.CheckStream("s"))
}

func TestReadIndex_CollisionFiltering(t *testing.T) {
	assert := _assert.New(t)
	f, positions := newFixture(t, record("AB", 0), record("CD", 0), record("AB", 1), record("CD", 1))
	for _, rec := range []struct {
		stream string
		n      int64
		pos    persistence.Position
	}{
		{"AB", 0, positions[0]}, {"CD", 0, positions[1]}, {"AB", 1, positions[2]}, {"CD", 1, positions[3]},
	} {
		f.index.Add(rec.stream, rec.n, rec.pos)
		assert.NoError(f.meta.RecordAppend(rec.stream, rec.n))
	}

	slice, err := f.ri.ReadStreamEventsForward("CD", 0, 10)
	assert.NoError(err)
	assert.Equal([]string{"0@CD", "1@CD"}, []string{slice.Records[0].String(), slice.Records[1].String()})

	res, err := f.ri.ReadEvent("AB", 1)
	assert.NoError(err)
	assert.Equal(positions[2], res.Record.Position)

	assert.NoError(f.ri.CheckStream("AB"))
	assert.NoError(f.ri.CheckStream("CD"))
	assert.NoError(f.ri.CheckStream("ZZ"))

	// metadata ahead of the index is reported
	assert.NoError(f.meta.RecordAppend("CD", 2))
	assert.ErrorIs(f.ri.CheckStream("CD"), persistence.ErrIndexInconsistent)
}

func TestReadIndex_ReadAllSingleRecord(t *testing.T) {
	assert := _assert.New(t)
	f, _ := newFixture(t, record("s", 0))
	slice, err := f.ri.ReadAllEventsForward(persistence.StartPosition, 10)
	assert.NoError(err)
	assert.Len(slice.Records, 1)
	assert.Equal(persistence.StartPosition, slice.From)
	assert.Equal(f.ri.LastPosition(), slice.NextPosition)
	assert.Equal(slice.Records[0].Position, slice.PrevPosition)
}
