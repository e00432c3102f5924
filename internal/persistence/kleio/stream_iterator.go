package kleio

import (
	"github.com/pkg/errors"
	"github.com/snowflk/kleiostore/internal/persistence"
)

// streamIterator walks the frames of a GlobalStream in either direction.
// The end of the stream is captured on creation, later appends are not visited.
type streamIterator struct {
	gStream *GlobalStream
	forward bool
	curPos  int64
	end     int64
	value   persistence.LogRecord
	yielded bool
	err     error
}

func newStreamIterator(gStream *GlobalStream, fromPos int64, forward bool) *streamIterator {
	end := gStream.f.Size()
	if fromPos < sizeStreamHeader {
		fromPos = sizeStreamHeader
	}
	if fromPos > end {
		fromPos = end
	}
	iter := &streamIterator{
		gStream: gStream,
		forward: forward,
		curPos:  fromPos,
		end:     end,
	}
	if fromPos > sizeStreamHeader && fromPos < end {
		iter.err = gStream.checkFrameBoundary(fromPos)
	}
	return iter
}

func (iter *streamIterator) Next() bool {
	if iter.err != nil {
		return false
	}
	if iter.forward {
		if iter.curPos >= iter.end {
			return false
		}
		rec, size, err := iter.gStream.readSingleFromPos(iter.curPos)
		if err != nil {
			iter.err = err
			return false
		}
		iter.curPos += size
		iter.value = rec
		iter.yielded = true
		return true
	}

	if iter.curPos <= sizeStreamHeader {
		return false
	}
	start, err := iter.gStream.frameStartBefore(iter.curPos)
	if err != nil {
		iter.err = err
		return false
	}
	rec, size, err := iter.gStream.readSingleFromPos(start)
	if err != nil {
		iter.err = err
		return false
	}
	if start+size != iter.curPos {
		iter.err = errors.Wrapf(persistence.ErrCorruptRecord, "frame at %d does not end at %d", start, iter.curPos)
		return false
	}
	iter.curPos = start
	iter.value = rec
	iter.yielded = true
	return true
}

func (iter *streamIterator) Record() persistence.LogRecord {
	return iter.value
}

func (iter *streamIterator) Pos() persistence.Position {
	if !iter.forward && iter.yielded {
		return iter.value.Position
	}
	if iter.curPos >= iter.end {
		return persistence.NewPosition(iter.end, iter.end)
	}
	pos, err := iter.gStream.peekPosition(iter.curPos)
	if err != nil {
		return persistence.NewPosition(iter.curPos, iter.curPos)
	}
	return pos
}

func (iter *streamIterator) Err() error {
	return iter.err
}
