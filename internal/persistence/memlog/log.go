// Package memlog keeps the transaction log in memory.
// Each record occupies one slot; its prepare position is the slot number.
package memlog

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/snowflk/kleiostore/internal/persistence"
)

var _ persistence.TransactionLog = (*Log)(nil)

type Log struct {
	mu      sync.RWMutex
	records []persistence.LogRecord
	closed  bool
}

func New() *Log {
	return &Log{records: make([]persistence.LogRecord, 0)}
}

func (l *Log) Append(records []persistence.LogRecord) ([]persistence.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, persistence.ErrClosed
	}
	commit := int64(len(l.records))
	positions := make([]persistence.Position, len(records))
	for i, rec := range records {
		rec.Position = persistence.NewPosition(commit, commit+int64(i))
		rec.Data = persistence.NilIfEmpty(rec.Data)
		rec.Metadata = persistence.NilIfEmpty(rec.Metadata)
		positions[i] = rec.Position
		l.records = append(l.records, rec)
	}
	return positions, nil
}

func (l *Log) ReadAt(pos persistence.Position) (persistence.LogRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p := pos.PreparePosition
	if p < 0 || p >= int64(len(l.records)) {
		return persistence.LogRecord{}, errors.Wrapf(persistence.ErrPositionOutOfRange, "position %s", pos)
	}
	rec := l.records[p]
	if rec.Position != pos {
		return persistence.LogRecord{}, errors.Wrapf(persistence.ErrCorruptRecord,
			"record at %d has position %s, expected %s", p, rec.Position, pos)
	}
	return rec, nil
}

func (l *Log) End() persistence.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := int64(len(l.records))
	return persistence.NewPosition(n, n)
}

func (l *Log) IterateForward(from persistence.Position) persistence.LogIterator {
	end := l.End().PreparePosition
	cur := from.PreparePosition
	if cur < 0 {
		cur = 0
	}
	return &iterator{log: l, cur: cur, end: end, forward: true}
}

func (l *Log) IterateBackward(from persistence.Position) persistence.LogIterator {
	end := l.End().PreparePosition
	cur := from.PreparePosition
	if cur > end {
		cur = end
	}
	if cur < 0 {
		cur = 0
	}
	return &iterator{log: l, cur: cur, end: end}
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

type iterator struct {
	log     *Log
	cur     int64
	end     int64
	forward bool
	value   persistence.LogRecord
}

func (iter *iterator) Next() bool {
	if iter.forward {
		if iter.cur >= iter.end {
			return false
		}
		iter.value = iter.log.at(iter.cur)
		iter.cur++
		return true
	}
	if iter.cur <= 0 {
		return false
	}
	iter.cur--
	iter.value = iter.log.at(iter.cur)
	return true
}

func (iter *iterator) Record() persistence.LogRecord {
	return iter.value
}

func (iter *iterator) Pos() persistence.Position {
	if iter.forward {
		if iter.cur >= iter.end {
			return persistence.NewPosition(iter.end, iter.end)
		}
		return iter.log.at(iter.cur).Position
	}
	if iter.cur >= iter.end {
		return persistence.NewPosition(iter.end, iter.end)
	}
	return iter.log.at(iter.cur).Position
}

func (iter *iterator) Err() error {
	return nil
}

func (l *Log) at(p int64) persistence.LogRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.records[p]
}
