package kleio

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/snowflk/kleiostore/internal/persistence"
	"github.com/snowflk/kleiostore/internal/persistence/readindex"
	"github.com/snowflk/kleiostore/internal/persistence/testsuite"
	_assert "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

func TestStorage(t *testing.T) {
	testSuite := testsuite.NewTestSuite(func(hasher readindex.Hasher) persistence.Storage {
		storage, err := New(Options{
			RootDir:    t.TempDir(),
			BufferSize: 64 * 1024,
			Index:      readindex.Options{Hasher: hasher},
		})
		require.NoError(t, err)
		return storage
	})
	suite.Run(t, testSuite)
}

func openTestStorage(t *testing.T, dir string) *Storage {
	storage, err := New(Options{RootDir: dir, FlushInterval: -1})
	require.NoError(t, err)
	return storage
}

func appendTypes(t *testing.T, s *Storage, streamID string, types ...string) persistence.WriteResult {
	events := make([]persistence.EventData, len(types))
	for i, typ := range types {
		events[i] = persistence.EventData{EventType: typ, Data: []byte(streamID + "/" + typ)}
	}
	res, err := s.AppendEvents(context.Background(), streamID, persistence.ExpectedVersionAny, events)
	require.NoError(t, err)
	return res
}

func TestStorage_Reopen(t *testing.T) {
	assert := _assert.New(t)
	dir := t.TempDir()

	s := openTestStorage(t, dir)
	appendTypes(t, s, "orders", "created", "paid")
	appendTypes(t, s, "users", "registered")
	_, err := s.DeleteStream(context.Background(), "users", persistence.ExpectedVersionAny)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = openTestStorage(t, dir)
	defer s.Close()
	assert.Equal(0, s.manager.Pending(), "nothing to replay after a clean close")
	assert.Equal(int64(1), s.GetStreamLastEventNumber("orders"))
	assert.Equal(persistence.DeletedStream, s.GetStreamLastEventNumber("users"))

	res, err := s.ReadEvent("orders", 1)
	assert.NoError(err)
	assert.Equal(persistence.ReadEventSuccess, res.Status)
	assert.Equal("orders/paid", string(res.Record.Data))

	_, err = s.AppendEvents(context.Background(), "users", persistence.ExpectedVersionAny,
		[]persistence.EventData{{EventType: "again"}})
	assert.ErrorIs(err, persistence.ErrStreamDeleted)

	appendTypes(t, s, "orders", "shipped")
	slice, err := s.ReadStreamEventsForward("orders", 0, 10)
	assert.NoError(err)
	assert.Len(slice.Records, 3)
	assert.NoError(s.Verify())
}

func TestStorage_ReplayAfterCrash(t *testing.T) {
	assert := _assert.New(t)
	dir := t.TempDir()

	s := openTestStorage(t, dir)
	appendTypes(t, s, "a", "1", "2")
	require.NoError(t, s.ForceFlush())
	appendTypes(t, s, "a", "3")
	appendTypes(t, s, "b", "1")
	assert.Equal(2, s.manager.Pending())
	// crash: nothing flushed since the checkpoint
	require.NoError(t, s.release())

	s = openTestStorage(t, dir)
	defer s.Close()
	// the records after the checkpoint are indexed again and wait for the next flush
	assert.Equal(2, s.manager.Pending())
	assert.Equal(int64(2), s.GetStreamLastEventNumber("a"))
	assert.Equal(int64(0), s.GetStreamLastEventNumber("b"))
	assert.Equal(4, s.Index.Len())
	assert.NoError(s.Verify())
}

func TestStorage_UncommittedIndexEntries(t *testing.T) {
	assert := _assert.New(t)
	dir := t.TempDir()

	s := openTestStorage(t, dir)
	appendTypes(t, s, "a", "1", "2")
	require.NoError(t, s.ForceFlush())
	require.NoError(t, s.release())

	// a flush that wrote index entries but died before saving its checkpoint
	f, err := os.OpenFile(filepath.Join(dir, indexFilename), os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write(make([]byte, 3*sizeIndexEntry+5))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s = openTestStorage(t, dir)
	defer s.Close()
	assert.Equal(2, s.Index.Len())
	assert.Equal(uint64(2), s.index.Total())
	info, err := os.Stat(filepath.Join(dir, indexFilename))
	require.NoError(t, err)
	assert.Equal(int64(2*sizeIndexEntry), info.Size())
}

func TestStorage_TornWrite(t *testing.T) {
	assert := _assert.New(t)
	dir := t.TempDir()

	s := openTestStorage(t, dir)
	appendTypes(t, s, "a", "1", "2")
	require.NoError(t, s.Close())

	f, err := os.OpenFile(filepath.Join(dir, globalStreamName+".kls"), os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte("half a batch"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s = openTestStorage(t, dir)
	defer s.Close()
	assert.Equal(int64(1), s.GetStreamLastEventNumber("a"))
	res := appendTypes(t, s, "a", "3")
	assert.Equal(int64(2), res.FirstEventNumber)
}

func TestStorage_CorruptRecord(t *testing.T) {
	assert := _assert.New(t)
	dir := t.TempDir()

	s := openTestStorage(t, dir)
	appendTypes(t, s, "a", "before", "corrupt-me", "after")
	require.NoError(t, s.Close())

	path := filepath.Join(dir, globalStreamName+".kls")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	at := bytes.Index(raw, []byte("a/corrupt-me"))
	require.True(t, at > 0)
	raw[at+2] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0644))

	s = openTestStorage(t, dir)
	defer s.Close()
	_, err = s.ReadEvent("a", 1)
	assert.True(persistence.IsConsistencyViolation(err), "got %v", err)
	_, err = s.ReadStreamEventsForward("a", 0, 10)
	assert.True(persistence.IsConsistencyViolation(err), "got %v", err)

	res, err := s.ReadEvent("a", 2)
	assert.NoError(err)
	assert.Equal(persistence.ReadEventSuccess, res.Status)
}

func TestStorage_Locked(t *testing.T) {
	dir := t.TempDir()
	s := openTestStorage(t, dir)
	defer s.Close()

	_, err := New(Options{RootDir: dir})
	_assert.ErrorIs(t, err, ErrStorageLocked)
}
