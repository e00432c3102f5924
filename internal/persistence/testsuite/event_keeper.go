package testsuite

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/snowflk/kleiostore/internal/persistence"
)

// Concurrent writers append batches to their own streams.
// Afterwards every stream must read back contiguous and in order, and every batch must be
// contiguous in the global log.
func (s *persistenceModuleTestSuite) TestEventKeeper_Append_Ordering() {
	nWriters := 20
	nBatches := 10
	batchSize := 5

	var wg sync.WaitGroup
	wg.Add(nWriters)
	for w := 0; w < nWriters; w++ {
		go func(w int) {
			defer wg.Done()
			streamID := fmt.Sprintf("writer-%d", w)
			for b := 0; b < nBatches; b++ {
				payloads := make([]persistence.EventData, batchSize)
				for i := range payloads {
					payloads[i] = persistence.EventData{
						EventType: "written",
						Data:      []byte(fmt.Sprintf("%d_%d_%d", w, b, i)),
					}
				}
				res, err := s.storage.AppendEvents(s.ctx, streamID, persistence.ExpectedVersionAny, payloads)
				if !s.Assert().NoError(err, "writer %d batch %d", w, b) {
					return
				}
				s.Assert().Equal(int64(b*batchSize), res.FirstEventNumber)
				s.Assert().Equal(int64(b*batchSize+batchSize-1), res.LastEventNumber)
			}
		}(w)
	}
	wg.Wait()

	all := s.readAll(37)
	s.Require().Len(all, nWriters*nBatches*batchSize)

	// global order: strictly increasing positions, batches contiguous and sharing one commit position
	next := make(map[string]int64)
	for i, rec := range all {
		if i > 0 {
			s.Assert().Equal(1, rec.Position.Compare(all[i-1].Position), "global ordering is not satisfied at %d", i)
		}
		s.Assert().Equal(next[rec.StreamID], rec.EventNumber, "local ordering of %s", rec.StreamID)
		next[rec.StreamID] = rec.EventNumber + 1
		if rec.EventNumber%int64(batchSize) != 0 {
			prev := all[i-1]
			s.Assert().Equal(rec.StreamID, prev.StreamID, "batch of %s is interleaved", rec.StreamID)
			s.Assert().Equal(prev.Position.CommitPosition, rec.Position.CommitPosition)
		}
	}

	for w := 0; w < nWriters; w++ {
		streamID := fmt.Sprintf("writer-%d", w)
		slice, err := s.storage.ReadStreamEventsForward(streamID, 0, nBatches*batchSize)
		s.Require().NoError(err)
		s.Assert().Equal(persistence.ReadStreamSuccess, slice.Status)
		s.Assert().True(slice.IsEndOfStream)
		s.Require().Len(slice.Records, nBatches*batchSize)
		for n, rec := range slice.Records {
			parts := strings.Split(string(rec.Data), "_")
			s.Assert().Equal(fmt.Sprint(w), parts[0])
			s.Assert().Equal(fmt.Sprintf("%d_%d_%d", w, n/batchSize, n%batchSize), string(rec.Data))
		}
	}
}

func (s *persistenceModuleTestSuite) TestEventKeeper_ExpectedVersion() {
	streamID := "account-7"

	res := s.mustAppend(streamID, persistence.NoStream, "opened")
	s.Assert().Equal(int64(0), res.FirstEventNumber)
	s.Assert().Equal(int64(0), res.LastEventNumber)

	_, err := s.storage.AppendEvents(s.ctx, streamID, persistence.NoStream, events("opened-again"))
	s.Assert().ErrorIs(err, persistence.ErrWrongExpectedVersion)

	res = s.mustAppend(streamID, 0, "deposited", "withdrawn")
	s.Assert().Equal(int64(1), res.FirstEventNumber)
	s.Assert().Equal(int64(2), res.LastEventNumber)

	_, err = s.storage.AppendEvents(s.ctx, streamID, 1, events("stale"))
	s.Assert().ErrorIs(err, persistence.ErrWrongExpectedVersion)
	_, err = s.storage.AppendEvents(s.ctx, streamID, 5, events("future"))
	s.Assert().ErrorIs(err, persistence.ErrWrongExpectedVersion)
	_, err = s.storage.AppendEvents(s.ctx, "account-8", 0, events("missing"))
	s.Assert().ErrorIs(err, persistence.ErrWrongExpectedVersion)

	res = s.mustAppend(streamID, persistence.ExpectedVersionAny, "closed")
	s.Assert().Equal(int64(3), res.FirstEventNumber)
	s.Assert().Equal(int64(3), s.storage.GetStreamLastEventNumber(streamID))
}

// Rejected writes must leave the log, the index and the metadata untouched
func (s *persistenceModuleTestSuite) TestEventKeeper_RejectedWrites() {
	s.mustAppend("cart-1", persistence.NoStream, "created")
	end := s.storage.LastPosition()

	tests := []struct {
		streamID string
		events   []persistence.EventData
		expected int64
		err      error
	}{
		{streamID: "", events: events("x"), expected: persistence.ExpectedVersionAny, err: persistence.ErrStreamEmpty},
		{streamID: "   ", events: events("x"), expected: persistence.ExpectedVersionAny, err: persistence.ErrStreamEmpty},
		{streamID: strings.Repeat("s", persistence.MaxStreamNameLength+1), events: events("x"), expected: persistence.ExpectedVersionAny, err: persistence.ErrStreamNameTooLong},
		{streamID: "cart-1", events: nil, expected: persistence.ExpectedVersionAny, err: persistence.ErrDataEmpty},
		{streamID: "cart-1", events: []persistence.EventData{{EventType: " "}}, expected: persistence.ExpectedVersionAny, err: persistence.ErrDataEmpty},
		{streamID: "cart-1", events: events("x"), expected: 3, err: persistence.ErrWrongExpectedVersion},
	}
	for _, test := range tests {
		_, err := s.storage.AppendEvents(s.ctx, test.streamID, test.expected, test.events)
		s.Assert().ErrorIs(err, test.err, "stream %q", test.streamID)
	}

	s.Assert().Equal(end, s.storage.LastPosition())
	s.Assert().Equal(int64(0), s.storage.GetStreamLastEventNumber("cart-1"))
	s.Assert().Equal([]string{"cart-1"}, s.storage.ListStreams(persistence.Pattern("*")))
}

func (s *persistenceModuleTestSuite) TestEventKeeper_DeleteStream() {
	s.mustAppend("session-1", persistence.NoStream, "started", "pinged", "pinged")

	_, err := s.storage.DeleteStream(s.ctx, "session-1", 1)
	s.Assert().ErrorIs(err, persistence.ErrWrongExpectedVersion)

	res := s.mustDelete("session-1", 2)
	s.Assert().Equal(persistence.DeletedStream, res.FirstEventNumber)
	s.Assert().Equal(persistence.DeletedStream, s.storage.GetStreamLastEventNumber("session-1"))

	_, err = s.storage.AppendEvents(s.ctx, "session-1", persistence.ExpectedVersionAny, events("resumed"))
	s.Assert().ErrorIs(err, persistence.ErrStreamDeleted)
	_, err = s.storage.AppendEvents(s.ctx, "session-1", persistence.NoStream, events("recreated"))
	s.Assert().ErrorIs(err, persistence.ErrStreamDeleted)
	_, err = s.storage.DeleteStream(s.ctx, "session-1", persistence.ExpectedVersionAny)
	s.Assert().ErrorIs(err, persistence.ErrStreamDeleted)

	// a stream that was never written can be deleted, and stays deleted
	s.mustDelete("session-2", persistence.NoStream)
	s.Assert().Equal(persistence.DeletedStream, s.storage.GetStreamLastEventNumber("session-2"))
	_, err = s.storage.AppendEvents(s.ctx, "session-2", persistence.NoStream, events("started"))
	s.Assert().ErrorIs(err, persistence.ErrStreamDeleted)
}

func (s *persistenceModuleTestSuite) TestEventKeeper_RecordContent() {
	id := uuid.New()
	written := []persistence.EventData{
		{EventID: id, EventType: "typed", Data: []byte(`{"a":1}`), Metadata: []byte(`{"m":true}`), IsJSON: true},
		{EventType: "binary", Data: []byte{0, 1, 2, 255}},
		{EventType: "empty", Data: []byte{}, Metadata: []byte{}},
	}
	res, err := s.storage.AppendEvents(s.ctx, "content-1", persistence.NoStream, written)
	s.Require().NoError(err)

	slice, err := s.storage.ReadStreamEventsForward("content-1", 0, 10)
	s.Require().NoError(err)
	s.Require().Len(slice.Records, 3)

	first := slice.Records[0]
	s.Assert().Equal(id, first.EventID)
	s.Assert().Equal("typed", first.EventType)
	s.Assert().Equal([]byte(`{"a":1}`), first.Data)
	s.Assert().Equal([]byte(`{"m":true}`), first.Metadata)
	s.Assert().True(first.IsJSON)
	s.Assert().False(first.IsDeleteTombstone)
	s.Assert().Equal(res.Position, first.Position)
	s.Assert().False(first.Timestamp.IsZero())

	s.Assert().NotEqual(uuid.Nil, slice.Records[1].EventID)
	s.Assert().Equal([]byte{0, 1, 2, 255}, slice.Records[1].Data)
	s.Assert().Nil(slice.Records[1].Metadata)
	s.Assert().False(slice.Records[1].IsJSON)

	s.Assert().Nil(slice.Records[2].Data)
	s.Assert().Nil(slice.Records[2].Metadata)

	for _, rec := range slice.Records {
		s.Assert().Equal(res.Position.CommitPosition, rec.Position.CommitPosition)
		s.Assert().Equal(first.Timestamp.UnixNano(), rec.Timestamp.UnixNano())
	}
}

func (s *persistenceModuleTestSuite) TestEventKeeper_ListStreams() {
	s.mustAppend("user-1", persistence.NoStream, "registered")
	s.mustAppend("user-2", persistence.NoStream, "registered")
	s.mustAppend("order-1", persistence.NoStream, "placed")
	s.mustDelete("user-2", 0)

	s.Assert().Equal([]string{"order-1", "user-1", "user-2"}, s.storage.ListStreams(persistence.Pattern("*")))
	s.Assert().Equal([]string{"user-1", "user-2"}, s.storage.ListStreams(persistence.Pattern("user-*")))
	s.Assert().Equal([]string{"order-1"}, s.storage.ListStreams(persistence.Pattern("order-1")))
	s.Assert().Empty(s.storage.ListStreams(persistence.Pattern("invoice-*")))
	s.Assert().NoError(s.storage.ForceFlush())
}
