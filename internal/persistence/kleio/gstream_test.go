package kleio

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/snowflk/kleiostore/internal/persistence"
	_assert "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStream(t *testing.T, dir string) *GlobalStream {
	gStream, err := OpenGlobalStream("gstream", GlobalStreamOpts{
		RootDir:    dir,
		BufferSize: 4096,
	})
	require.NoError(t, err)
	return gStream
}

func testRecords(streamID string, from int64, n int) []persistence.LogRecord {
	records := make([]persistence.LogRecord, n)
	for i := range records {
		records[i] = persistence.NewEventRecord(streamID, from+int64(i), persistence.EventData{
			EventType: "test",
			Data:      []byte(fmt.Sprintf("test-%02d", i+1)),
			Metadata:  []byte(`{"seq":true}`),
			IsJSON:    i%2 == 0,
		}, time.Now())
	}
	return records
}

func TestGlobalStream(t *testing.T) {
	assert := _assert.New(t)
	gStream := openTestStream(t, t.TempDir())
	defer gStream.Close()

	nEvents := 20
	nReq := 100
	positions := make([][]persistence.Position, 0)
	var posLock sync.Mutex
	var wg sync.WaitGroup
	wg.Add(nReq)
	for req := 0; req < nReq; req++ {
		go func(req int) {
			defer wg.Done()
			p, err := gStream.Append(testRecords(fmt.Sprintf("stream-%d", req), 0, nEvents))
			assert.NoError(err)
			posLock.Lock()
			positions = append(positions, p)
			posLock.Unlock()
		}(req)
	}
	wg.Wait()

	for _, batch := range positions {
		require.Len(t, batch, nEvents)
		for i, pos := range batch {
			// a batch shares the commit position of its first record
			assert.Equal(batch[0].PreparePosition, pos.CommitPosition)
			rec, err := gStream.ReadAt(pos)
			assert.NoError(err)
			assert.Equal(pos, rec.Position)
			assert.Equal(int64(i), rec.EventNumber)
			assert.Equal(fmt.Sprintf("test-%02d", i+1), string(rec.Data))
		}
	}
}

func TestGlobalStream_RoundTrip(t *testing.T) {
	assert := _assert.New(t)
	gStream := openTestStream(t, t.TempDir())
	defer gStream.Close()

	records := append(testRecords("orders", 0, 2), persistence.NewTombstone("orders", time.Now()))
	records[1].Data = nil
	positions, err := gStream.Append(records)
	require.NoError(t, err)

	for i, pos := range positions {
		want := records[i]
		want.Position = pos
		got, err := gStream.ReadAt(pos)
		assert.NoError(err)
		assert.Equal(want, got)
	}

	_, err = gStream.Append(nil)
	assert.ErrorIs(err, persistence.ErrDataEmpty)
}

func TestGlobalStream_ReadAtWrongPosition(t *testing.T) {
	assert := _assert.New(t)
	gStream := openTestStream(t, t.TempDir())
	defer gStream.Close()

	positions, err := gStream.Append(testRecords("a", 0, 3))
	require.NoError(t, err)

	_, err = gStream.ReadAt(gStream.End())
	assert.ErrorIs(err, persistence.ErrPositionOutOfRange)
	_, err = gStream.ReadAt(persistence.StartPosition)
	assert.ErrorIs(err, persistence.ErrPositionOutOfRange)

	// inside a frame
	_, err = gStream.ReadAt(persistence.NewPosition(positions[1].CommitPosition, positions[1].PreparePosition+3))
	assert.ErrorIs(err, persistence.ErrCorruptRecord)
	// right offset, wrong commit position
	_, err = gStream.ReadAt(persistence.NewPosition(positions[1].PreparePosition, positions[1].PreparePosition))
	assert.ErrorIs(err, persistence.ErrCorruptRecord)
}

func TestGlobalStream_Reopen(t *testing.T) {
	assert := _assert.New(t)
	dir := t.TempDir()
	gStream := openTestStream(t, dir)
	positions, err := gStream.Append(testRecords("a", 0, 5))
	require.NoError(t, err)
	end := gStream.End()
	require.NoError(t, gStream.Close())

	_, err = gStream.Append(testRecords("a", 5, 1))
	assert.ErrorIs(err, persistence.ErrClosed)

	gStream = openTestStream(t, dir)
	defer gStream.Close()
	assert.Equal(end, gStream.End())
	rec, err := gStream.ReadAt(positions[4])
	assert.NoError(err)
	assert.Equal("4@a", rec.String())
}
