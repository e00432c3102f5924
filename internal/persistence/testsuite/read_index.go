package testsuite

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/snowflk/kleiostore/internal/persistence"
)

// Three streams share one bucket, one of them is deleted, and a fourth name in the same
// bucket was never written. None of them may ever observe another's records.
func (s *persistenceModuleTestSuite) TestReadIndex_HashCollisions() {
	s.useHasher(byLength)

	s.mustAppend("AB", persistence.NoStream, "ab-created")
	s.mustAppend("CD", persistence.NoStream, "cd-created")
	s.mustDelete("CD", 0)
	s.mustAppend("EF", persistence.NoStream, "ef-created")

	s.Assert().Equal(int64(0), s.storage.GetStreamLastEventNumber("AB"))
	s.Assert().Equal(persistence.DeletedStream, s.storage.GetStreamLastEventNumber("CD"))
	s.Assert().Equal(int64(0), s.storage.GetStreamLastEventNumber("EF"))
	s.Assert().Equal(persistence.NoStream, s.storage.GetStreamLastEventNumber("ZZ"))

	res, err := s.storage.ReadEvent("CD", 0)
	s.Require().NoError(err)
	s.Assert().Equal(persistence.ReadEventStreamDeleted, res.Status)

	for _, streamID := range []string{"AB", "EF"} {
		res, err := s.storage.ReadEvent(streamID, 0)
		s.Require().NoError(err)
		s.Require().Equal(persistence.ReadEventSuccess, res.Status, streamID)
		s.Assert().Equal(streamID, res.Record.StreamID)
		s.Assert().Equal(fmt.Sprintf("%s-created", strings.ToLower(streamID)), res.Record.EventType)

		res, err = s.storage.ReadEvent(streamID, 1)
		s.Require().NoError(err)
		s.Assert().Equal(persistence.ReadEventNotFound, res.Status, streamID)
	}

	slice, err := s.storage.ReadStreamEventsForward("AB", 0, 1)
	s.Require().NoError(err)
	s.Assert().Equal(persistence.ReadStreamSuccess, slice.Status)
	s.Require().Len(slice.Records, 1)
	s.Assert().Equal("0@AB", slice.Records[0].String())
	s.Assert().True(slice.IsEndOfStream)
	s.Assert().Equal(int64(1), slice.NextEventNumber)

	res, err = s.storage.ReadEvent("ZZ", 0)
	s.Require().NoError(err)
	s.Assert().Equal(persistence.ReadEventNoStream, res.Status)
	slice, err = s.storage.ReadStreamEventsForward("ZZ", 0, 10)
	s.Require().NoError(err)
	s.Assert().Equal(persistence.ReadStreamNoStream, slice.Status)
	s.Assert().Empty(slice.Records)
	slice, err = s.storage.ReadStreamEventsBackward("ZZ", -1, 10)
	s.Require().NoError(err)
	s.Assert().Equal(persistence.ReadStreamNoStream, slice.Status)

	all, err := s.storage.ReadAllEventsForward(persistence.StartPosition, 100)
	s.Require().NoError(err)
	s.Assert().Equal([]string{"0@AB", "0@CD", "deleted@CD", "0@EF"}, labels(all.Records))
	s.Assert().True(all.Records[2].IsDeleteTombstone)
	s.Assert().Equal(persistence.StreamDeletedEventType, all.Records[2].EventType)
}

// Colliding streams written in interleaved batches read back as if they had a bucket each
func (s *persistenceModuleTestSuite) TestReadIndex_InterleavedCollisions() {
	s.useHasher(byLength)

	streams := []string{"red-1", "blu-2", "grn-3"}
	for round := 0; round < 6; round++ {
		for i, streamID := range streams {
			s.mustAppend(streamID, persistence.ExpectedVersionAny, repeat(fmt.Sprintf("r%d", round), i+1)...)
		}
	}
	for i, streamID := range streams {
		total := 6 * (i + 1)
		s.Assert().Equal(int64(total-1), s.storage.GetStreamLastEventNumber(streamID))

		forward, err := s.storage.ReadStreamEventsForward(streamID, 0, 1000)
		s.Require().NoError(err)
		s.Require().Len(forward.Records, total)
		for n, rec := range forward.Records {
			s.Assert().Equal(streamID, rec.StreamID)
			s.Assert().Equal(int64(n), rec.EventNumber)
		}

		backward, err := s.storage.ReadStreamEventsBackward(streamID, -1, 1000)
		s.Require().NoError(err)
		s.Assert().Equal(eventNumbers(reversed(forward.Records)), eventNumbers(backward.Records))
		s.Assert().Equal([]string{streamID}, unique(streamIDs(backward.Records)))

		for n := 0; n < total; n++ {
			res, err := s.storage.ReadEvent(streamID, int64(n))
			s.Require().NoError(err)
			s.Require().Equal(persistence.ReadEventSuccess, res.Status)
			s.Assert().Equal(streamID, res.Record.StreamID)
			s.Assert().Equal(forward.Records[n].EventID, res.Record.EventID)
		}
	}

	// deleting one colliding stream leaves its neighbours readable
	s.mustDelete("blu-2", persistence.ExpectedVersionAny)
	res, err := s.storage.ReadEvent("blu-2", 3)
	s.Require().NoError(err)
	s.Assert().Equal(persistence.ReadEventStreamDeleted, res.Status)
	res, err = s.storage.ReadEvent("grn-3", 17)
	s.Require().NoError(err)
	s.Assert().Equal(persistence.ReadEventSuccess, res.Status)
	s.Assert().Equal("17@grn-3", res.Record.String())
}

func (s *persistenceModuleTestSuite) TestReadIndex_ReadEvent() {
	res := s.mustAppend("orders-1", persistence.NoStream, "placed", "paid", "packed", "shipped", "delivered")
	s.Assert().Equal(int64(4), res.LastEventNumber)

	for k, eventType := range []string{"placed", "paid", "packed", "shipped", "delivered"} {
		res, err := s.storage.ReadEvent("orders-1", int64(k))
		s.Require().NoError(err)
		s.Require().Equal(persistence.ReadEventSuccess, res.Status)
		s.Assert().Equal(int64(k), res.Record.EventNumber)
		s.Assert().Equal(eventType, res.Record.EventType)
		s.Assert().Equal([]byte(fmt.Sprintf(`{"type":%q,"i":%d}`, eventType, k)), res.Record.Data)
	}

	for _, n := range []int64{5, 6, -1, persistence.DeletedStream} {
		res, err := s.storage.ReadEvent("orders-1", n)
		s.Require().NoError(err)
		s.Assert().Equal(persistence.ReadEventNotFound, res.Status, "event %d", n)
	}

	s.Assert().Equal(persistence.NoStream, s.storage.GetStreamLastEventNumber("orders-2"))
	miss, err := s.storage.ReadEvent("orders-2", 0)
	s.Require().NoError(err)
	s.Assert().Equal(persistence.ReadEventNoStream, miss.Status)
}

func (s *persistenceModuleTestSuite) TestReadIndex_ReadStreamForward() {
	for i := 0; i < 10; i++ {
		s.mustAppend("stream-1", persistence.ExpectedVersionAny, fmt.Sprintf("e%d", i))
		s.mustAppend("stream-2", persistence.ExpectedVersionAny, fmt.Sprintf("other%d", i))
	}

	tests := []struct {
		from    int64
		max     int
		numbers []int64
		next    int64
		isEnd   bool
	}{
		{from: 0, max: 3, numbers: []int64{0, 1, 2}, next: 3},
		{from: 3, max: 3, numbers: []int64{3, 4, 5}, next: 6},
		{from: 8, max: 5, numbers: []int64{8, 9}, next: 10, isEnd: true},
		{from: 9, max: 1, numbers: []int64{9}, next: 10, isEnd: true},
		{from: 10, max: 5, numbers: []int64{}, next: 10, isEnd: true},
		{from: 1000, max: 5, numbers: []int64{}, next: 10, isEnd: true},
		{from: -5, max: 2, numbers: []int64{0, 1}, next: 2},
	}
	for _, test := range tests {
		slice, err := s.storage.ReadStreamEventsForward("stream-1", test.from, test.max)
		s.Require().NoError(err)
		s.Assert().Equal(persistence.ReadStreamSuccess, slice.Status)
		s.Assert().Equal(test.numbers, eventNumbers(slice.Records), "from %d max %d", test.from, test.max)
		s.Assert().Equal(test.next, slice.NextEventNumber, "from %d max %d", test.from, test.max)
		s.Assert().Equal(test.isEnd, slice.IsEndOfStream, "from %d max %d", test.from, test.max)
		s.Assert().Equal(int64(9), slice.LastEventNumber)
		s.Assert().Equal([]string{}, nonMatching(slice.Records, "stream-1"))
	}

	// paging reaches every event exactly once
	seen := make([]int64, 0)
	from := int64(0)
	for {
		slice, err := s.storage.ReadStreamEventsForward("stream-1", from, 4)
		s.Require().NoError(err)
		seen = append(seen, eventNumbers(slice.Records)...)
		if slice.IsEndOfStream {
			break
		}
		from = slice.NextEventNumber
	}
	s.Assert().Equal([]int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, seen)

	_, err := s.storage.ReadStreamEventsForward("stream-1", 0, 0)
	s.Assert().ErrorIs(err, persistence.ErrInvalidMaxCount)
}

func (s *persistenceModuleTestSuite) TestReadIndex_ReadStreamBackward() {
	s.mustAppend("stream-1", persistence.NoStream, repeat("e", 10)...)
	s.mustAppend("stream-2", persistence.NoStream, repeat("other", 3)...)

	tests := []struct {
		from    int64
		max     int
		numbers []int64
		next    int64
		isEnd   bool
	}{
		{from: 9, max: 3, numbers: []int64{9, 8, 7}, next: 6},
		{from: 6, max: 3, numbers: []int64{6, 5, 4}, next: 3},
		{from: 2, max: 5, numbers: []int64{2, 1, 0}, next: -1, isEnd: true},
		{from: 0, max: 1, numbers: []int64{0}, next: -1, isEnd: true},
		{from: -1, max: 2, numbers: []int64{9, 8}, next: 7},
		{from: 20, max: 5, numbers: []int64{}, next: 9},
		{from: 11, max: 5, numbers: []int64{9, 8, 7}, next: 6},
	}
	for _, test := range tests {
		slice, err := s.storage.ReadStreamEventsBackward("stream-1", test.from, test.max)
		s.Require().NoError(err)
		s.Assert().Equal(persistence.ReadStreamSuccess, slice.Status)
		s.Assert().Equal(test.numbers, eventNumbers(slice.Records), "from %d max %d", test.from, test.max)
		s.Assert().Equal(test.next, slice.NextEventNumber, "from %d max %d", test.from, test.max)
		s.Assert().Equal(test.isEnd, slice.IsEndOfStream, "from %d max %d", test.from, test.max)
		s.Assert().Equal(int64(9), slice.LastEventNumber)
	}

	seen := make([]int64, 0)
	from := int64(-1)
	for {
		slice, err := s.storage.ReadStreamEventsBackward("stream-1", from, 3)
		s.Require().NoError(err)
		seen = append(seen, eventNumbers(slice.Records)...)
		if slice.IsEndOfStream {
			break
		}
		from = slice.NextEventNumber
	}
	s.Assert().Equal([]int64{9, 8, 7, 6, 5, 4, 3, 2, 1, 0}, seen)

	_, err := s.storage.ReadStreamEventsBackward("stream-1", -1, -3)
	s.Assert().ErrorIs(err, persistence.ErrInvalidMaxCount)
}

// Deletion is permanent and hides every event of the stream from its own reads
func (s *persistenceModuleTestSuite) TestReadIndex_Tombstone() {
	s.mustAppend("basket-9", persistence.NoStream, "created", "item-added", "item-added")
	s.mustDelete("basket-9", 2)

	for _, n := range []int64{0, 2, 3, 100, -1} {
		res, err := s.storage.ReadEvent("basket-9", n)
		s.Require().NoError(err)
		s.Assert().Equal(persistence.ReadEventStreamDeleted, res.Status, "event %d", n)
	}
	forward, err := s.storage.ReadStreamEventsForward("basket-9", 0, 10)
	s.Require().NoError(err)
	s.Assert().Equal(persistence.ReadStreamStreamDeleted, forward.Status)
	s.Assert().Empty(forward.Records)
	s.Assert().Equal(persistence.DeletedStream, forward.LastEventNumber)

	backward, err := s.storage.ReadStreamEventsBackward("basket-9", -1, 10)
	s.Require().NoError(err)
	s.Assert().Equal(persistence.ReadStreamStreamDeleted, backward.Status)

	// writes after deletion are rejected, so reads keep answering StreamDeleted
	_, err = s.storage.AppendEvents(s.ctx, "basket-9", persistence.ExpectedVersionAny, events("revived"))
	s.Assert().ErrorIs(err, persistence.ErrStreamDeleted)
	res, err := s.storage.ReadEvent("basket-9", 3)
	s.Require().NoError(err)
	s.Assert().Equal(persistence.ReadEventStreamDeleted, res.Status)

	all := s.readAll(2)
	s.Assert().Equal([]string{"0@basket-9", "1@basket-9", "2@basket-9", "deleted@basket-9"}, labels(all))
}

// Paging forward from the start and backward from the end both reproduce the whole log,
// in opposite orders, with tombstones included
func (s *persistenceModuleTestSuite) TestReadIndex_ReadAll() {
	written := make([]string, 0)
	for i := 0; i < 7; i++ {
		streamID := fmt.Sprintf("global-%d", i%3)
		res := s.mustAppend(streamID, persistence.ExpectedVersionAny, "a", "b")
		written = append(written,
			fmt.Sprintf("%d@%s", res.FirstEventNumber, streamID),
			fmt.Sprintf("%d@%s", res.LastEventNumber, streamID))
	}
	s.mustDelete("global-1", persistence.ExpectedVersionAny)
	written = append(written, "deleted@global-1")
	s.mustAppend("global-3", persistence.NoStream, "late")
	written = append(written, "0@global-3")

	forward := s.readAll(4)
	s.Assert().Equal(written, labels(forward))
	for i := 1; i < len(forward); i++ {
		s.Assert().Equal(1, forward[i].Position.Compare(forward[i-1].Position))
	}

	backward := make([]persistence.LogRecord, 0)
	pos := s.storage.LastPosition()
	for {
		slice, err := s.storage.ReadAllEventsBackward(pos, 3)
		s.Require().NoError(err)
		if len(slice.Records) == 0 {
			break
		}
		backward = append(backward, slice.Records...)
		pos = slice.NextPosition
	}
	s.Assert().Equal(labels(reversed(forward)), labels(backward))

	_, err := s.storage.ReadAllEventsForward(persistence.StartPosition, 0)
	s.Assert().ErrorIs(err, persistence.ErrInvalidMaxCount)
	_, err = s.storage.ReadAllEventsBackward(s.storage.LastPosition(), 0)
	s.Assert().ErrorIs(err, persistence.ErrInvalidMaxCount)

	empty, err := s.storage.ReadAllEventsForward(s.storage.LastPosition(), 10)
	s.Require().NoError(err)
	s.Assert().Empty(empty.Records)
	s.Assert().Equal(s.storage.LastPosition(), empty.NextPosition)
}

// A page read forward and the page read backward from its NextPosition are inverse traversals
func (s *persistenceModuleTestSuite) TestReadIndex_ReadAll_TurnAround() {
	for i := 0; i < 4; i++ {
		s.mustAppend(fmt.Sprintf("turn-%d", i), persistence.NoStream, "x", "y", "z")
	}

	first, err := s.storage.ReadAllEventsForward(persistence.StartPosition, 5)
	s.Require().NoError(err)
	s.Require().Len(first.Records, 5)
	back, err := s.storage.ReadAllEventsBackward(first.NextPosition, 5)
	s.Require().NoError(err)
	s.Assert().Equal(labels(reversed(first.Records)), labels(back.Records))

	second, err := s.storage.ReadAllEventsForward(first.NextPosition, 5)
	s.Require().NoError(err)
	s.Require().Len(second.Records, 5)
	s.Assert().Equal("2@turn-1", second.Records[0].String())

	last, err := s.storage.ReadAllEventsBackward(s.storage.LastPosition(), 4)
	s.Require().NoError(err)
	s.Require().Len(last.Records, 4)
	again, err := s.storage.ReadAllEventsForward(last.NextPosition, 4)
	s.Require().NoError(err)
	s.Assert().Equal(labels(reversed(last.Records)), labels(again.Records))
	s.Assert().Equal(s.storage.LastPosition(), again.NextPosition)
}

// Readers running next to the writer must find every event up to the last number they observe
func (s *persistenceModuleTestSuite) TestReadIndex_ReadYourWrites() {
	const nEvents = 200
	var done int32
	var wg sync.WaitGroup
	wg.Add(4)
	for r := 0; r < 4; r++ {
		go func() {
			defer wg.Done()
			for atomic.LoadInt32(&done) == 0 {
				last := s.storage.GetStreamLastEventNumber("live-1")
				if last == persistence.NoStream {
					continue
				}
				res, err := s.storage.ReadEvent("live-1", last)
				if !s.Assert().NoError(err) || !s.Assert().Equal(persistence.ReadEventSuccess, res.Status, "event %d", last) {
					return
				}
				slice, err := s.storage.ReadStreamEventsBackward("live-1", last, 10)
				if !s.Assert().NoError(err) {
					return
				}
				s.Assert().Equal(last, slice.Records[0].EventNumber)
			}
		}()
	}
	for i := 0; i < nEvents; i++ {
		s.mustAppend("live-1", int64(i-1), "tick")
	}
	atomic.StoreInt32(&done, 1)
	wg.Wait()
	s.Assert().Equal(int64(nEvents-1), s.storage.GetStreamLastEventNumber("live-1"))
}

func unique(a []string) []string {
	out := make([]string, 0)
	seen := make(map[string]bool)
	for _, v := range a {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func nonMatching(records []persistence.LogRecord, streamID string) []string {
	out := make([]string, 0)
	for _, r := range records {
		if r.StreamID != streamID {
			out = append(out, r.String())
		}
	}
	return out
}
