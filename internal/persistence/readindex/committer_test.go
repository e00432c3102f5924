package readindex

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/snowflk/kleiostore/internal/persistence"
	"github.com/snowflk/kleiostore/internal/persistence/memlog"
	_assert "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingLog refuses every append
type failingLog struct {
	*memlog.Log
}

func (failingLog) Append([]persistence.LogRecord) ([]persistence.Position, error) {
	return nil, errors.New("disk full")
}

func TestCommitter_UpdateOrder(t *testing.T) {
	assert := _assert.New(t)
	engine := NewEngine(memlog.New(), Options{})
	defer engine.Close()

	// the observer runs after the index and the metadata have both been updated
	var observed []string
	engine.SetObserver(func(records []persistence.LogRecord, entries []IndexEntry) {
		for i, rec := range records {
			observed = append(observed, rec.String())
			assert.Equal(rec.Position, entries[i].Position)
			assert.Equal(rec.EventNumber, engine.Meta.GetLastEventNumber(rec.StreamID)-int64(len(records)-1-i))
			assert.Len(engine.Index.LookupRange(rec.StreamID, rec.EventNumber, rec.EventNumber), 1)
		}
	})

	res, err := engine.AppendEvents(context.Background(), "s", persistence.NoStream, []persistence.EventData{
		{EventType: "a"}, {EventType: "b"},
	})
	require.NoError(t, err)
	assert.Equal(persistence.WriteResult{FirstEventNumber: 0, LastEventNumber: 1, Position: persistence.NewPosition(0, 0)}, res)
	assert.Equal([]string{"0@s", "1@s"}, observed)
}

func TestCommitter_FailedAppendLeavesStateUntouched(t *testing.T) {
	assert := _assert.New(t)
	engine := NewEngine(failingLog{memlog.New()}, Options{})
	defer engine.Close()

	_, err := engine.AppendEvents(context.Background(), "s", persistence.ExpectedVersionAny, []persistence.EventData{{EventType: "a"}})
	assert.Error(err)
	assert.Equal(persistence.NoStream, engine.GetStreamLastEventNumber("s"))
	assert.Equal(0, engine.Index.Len())

	_, err = engine.DeleteStream(context.Background(), "s", persistence.ExpectedVersionAny)
	assert.Error(err)
	assert.False(engine.Meta.State("s").Deleted())
}

func TestCommitter_Replay(t *testing.T) {
	assert := _assert.New(t)
	ctx := context.Background()
	tlog := memlog.New()

	writer := NewEngine(tlog, Options{})
	_, err := writer.AppendEvents(ctx, "a", persistence.NoStream, []persistence.EventData{{EventType: "x"}, {EventType: "y"}})
	require.NoError(t, err)
	_, err = writer.DeleteStream(ctx, "b", persistence.NoStream)
	require.NoError(t, err)
	_, err = writer.AppendEvents(ctx, "c", persistence.NoStream, []persistence.EventData{{EventType: "z"}})
	require.NoError(t, err)
	writer.Committer.Close()

	reader := NewEngine(tlog, Options{})
	defer reader.Close()
	n, err := reader.Rebuild(ctx, persistence.StartPosition)
	require.NoError(t, err)
	assert.Equal(4, n)
	assert.Equal(int64(1), reader.GetStreamLastEventNumber("a"))
	assert.Equal(persistence.DeletedStream, reader.GetStreamLastEventNumber("b"))
	assert.Equal(int64(0), reader.GetStreamLastEventNumber("c"))
	assert.NoError(reader.Verify())

	res, err := reader.ReadEvent("a", 1)
	require.NoError(t, err)
	assert.Equal("y", res.Record.EventType)

	// replaying a record twice is an ordering violation
	err = reader.Replay(ctx, []persistence.LogRecord{res.Record})
	assert.ErrorIs(err, persistence.ErrOrderingViolation)
}

func TestCommitter_Close(t *testing.T) {
	assert := _assert.New(t)
	engine := NewEngine(memlog.New(), Options{})
	assert.NoError(engine.Close())
	engine.Committer.Close()

	_, err := engine.AppendEvents(context.Background(), "s", persistence.NoStream, []persistence.EventData{{EventType: "a"}})
	assert.ErrorIs(err, persistence.ErrClosed)
	assert.ErrorIs(engine.Do(context.Background(), func() error { return nil }), persistence.ErrClosed)
}

func TestCommitter_DoHonoursContext(t *testing.T) {
	assert := _assert.New(t)
	engine := NewEngine(memlog.New(), Options{})
	defer engine.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = engine.Do(context.Background(), func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := engine.Do(ctx, func() error { return nil })
	assert.ErrorIs(err, context.DeadlineExceeded)
	close(release)
}

func TestCheckExpectedVersion(t *testing.T) {
	assert := _assert.New(t)
	tests := []struct {
		state    StreamState
		expected int64
		err      error
	}{
		{state: NoStreamState(), expected: persistence.NoStream},
		{state: NoStreamState(), expected: persistence.ExpectedVersionAny},
		{state: NoStreamState(), expected: 0, err: persistence.ErrWrongExpectedVersion},
		{state: LiveState(3), expected: 3},
		{state: LiveState(3), expected: persistence.ExpectedVersionAny},
		{state: LiveState(3), expected: persistence.NoStream, err: persistence.ErrWrongExpectedVersion},
		{state: LiveState(3), expected: 2, err: persistence.ErrWrongExpectedVersion},
		{state: LiveState(3), expected: -7, err: persistence.ErrWrongExpectedVersion},
		{state: DeletedState(), expected: persistence.ExpectedVersionAny, err: persistence.ErrStreamDeleted},
		{state: DeletedState(), expected: persistence.DeletedStream, err: persistence.ErrStreamDeleted},
	}
	for _, test := range tests {
		err := checkExpectedVersion("s", test.state, test.expected)
		if test.err == nil {
			assert.NoError(err)
		} else {
			assert.ErrorIs(err, test.err)
		}
	}
}
