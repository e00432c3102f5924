package kleio

import (
	"fmt"
	"sync"
	"testing"

	"github.com/snowflk/kleiostore/internal/persistence"
	_assert "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamIterator_Next(t *testing.T) {
	assert := _assert.New(t)
	gStream := openTestStream(t, t.TempDir())
	defer gStream.Close()

	nRequests := 100
	nEvents := 20
	var wg sync.WaitGroup
	wg.Add(nRequests)
	for reqNum := 0; reqNum < nRequests; reqNum++ {
		go func(reqNum int) {
			defer wg.Done()
			_, err := gStream.Append(testRecords(fmt.Sprintf("req-%d", reqNum), 0, nEvents))
			assert.NoError(err)
		}(reqNum)
	}
	wg.Wait()

	iter := gStream.IterateForward(persistence.StartPosition)
	counter := 0
	var prev persistence.Position
	for iter.Next() {
		if counter > 0 {
			assert.Equal(1, iter.Record().Position.Compare(prev))
		}
		prev = iter.Record().Position
		counter++
	}
	assert.NoError(iter.Err())
	assert.Equal(nRequests*nEvents, counter, "total number of events doesn't match")
	assert.Equal(gStream.End(), iter.Pos())

	back := gStream.IterateBackward(gStream.End())
	counter = 0
	for back.Next() {
		counter++
		assert.Equal(back.Record().Position, back.Pos())
	}
	assert.NoError(back.Err())
	assert.Equal(nRequests*nEvents, counter)
}

func TestStreamIterator_Pos(t *testing.T) {
	assert := _assert.New(t)
	gStream := openTestStream(t, t.TempDir())
	defer gStream.Close()

	first, err := gStream.Append(testRecords("a", 0, 2))
	require.NoError(t, err)
	second, err := gStream.Append(testRecords("a", 2, 2))
	require.NoError(t, err)

	iter := gStream.IterateForward(first[1])
	// the cursor of a fresh iterator is its starting record
	assert.Equal(first[1], iter.Pos())
	require.True(t, iter.Next())
	assert.Equal("1@a", iter.Record().String())
	assert.Equal(second[0], iter.Pos())

	// appends after creation stay invisible
	_, err = gStream.Append(testRecords("a", 4, 1))
	require.NoError(t, err)
	n := 0
	for iter.Next() {
		n++
	}
	assert.Equal(2, n)

	back := gStream.IterateBackward(second[1])
	require.True(t, back.Next())
	assert.Equal(second[0], back.Record().Position)
	assert.Equal(second[0], back.Pos())

	back = gStream.IterateBackward(persistence.StartPosition)
	assert.False(back.Next())
	assert.NoError(back.Err())
}

func TestStreamIterator_MisalignedStart(t *testing.T) {
	assert := _assert.New(t)
	gStream := openTestStream(t, t.TempDir())
	defer gStream.Close()

	positions, err := gStream.Append(testRecords("a", 0, 3))
	require.NoError(t, err)
	inside := persistence.NewPosition(positions[1].CommitPosition, positions[1].PreparePosition+5)

	for _, iter := range []persistence.LogIterator{gStream.IterateForward(inside), gStream.IterateBackward(inside)} {
		assert.False(iter.Next())
		assert.ErrorIs(iter.Err(), persistence.ErrInvalidPosition)
		assert.False(persistence.IsConsistencyViolation(iter.Err()))
	}

	iter := gStream.IterateForward(positions[1])
	require.True(t, iter.Next())
	assert.NoError(iter.Err())
	assert.Equal("1@a", iter.Record().String())
}
