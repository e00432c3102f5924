package sqlstorage

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/snowflk/kleiostore/internal/persistence"
)

const iteratorPageSize = 256

var _ persistence.TransactionLog = (*Log)(nil)

// Log keeps the transaction log in the log_records table. The prepare position of a record is
// its auto incremented key, the commit position is the key of the first record of its batch.
// Only one Log may write to a table at a time.
type Log struct {
	db dbConn

	mu     sync.RWMutex
	end    int64
	closed bool
}

func openLog(db dbConn) (*Log, error) {
	var last sql.NullInt64
	if err := db.queryOne("SELECT MAX(prepare_position) FROM log_records;").Scan(&last); err != nil {
		return nil, errors.Wrap(err, "failed to read log end")
	}
	l := &Log{db: db}
	if last.Valid {
		l.end = last.Int64 + 1
	}
	return l, nil
}

func (l *Log) Append(records []persistence.LogRecord) ([]persistence.Position, error) {
	if len(records) == 0 {
		return nil, persistence.ErrDataEmpty
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, persistence.ErrClosed
	}

	tx, err := l.db.begin()
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	prepares := make([]int64, len(records))
	for i, rec := range records {
		if prepares[i], err = l.db.insertRecord(tx, rec); err != nil {
			_ = tx.Rollback()
			return nil, errors.Wrapf(err, "failed to insert %s", rec)
		}
	}
	commit := prepares[0]
	q := l.db.rebind("UPDATE log_records SET commit_position = ? WHERE prepare_position >= ? AND prepare_position <= ?;")
	if _, err := tx.Exec(q, commit, prepares[0], prepares[len(prepares)-1]); err != nil {
		_ = tx.Rollback()
		return nil, errors.Wrap(err, "failed to set commit position")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit")
	}

	positions := make([]persistence.Position, len(records))
	for i := range records {
		positions[i] = persistence.NewPosition(commit, prepares[i])
	}
	l.end = prepares[len(prepares)-1] + 1
	return positions, nil
}

func (l *Log) ReadAt(pos persistence.Position) (persistence.LogRecord, error) {
	end := l.End().PreparePosition
	if pos.PreparePosition < 0 || pos.PreparePosition >= end {
		return persistence.LogRecord{}, errors.Wrapf(persistence.ErrPositionOutOfRange, "position %s", pos)
	}
	rows, err := l.db.query(fmt.Sprintf("SELECT %s FROM log_records WHERE prepare_position = ?;", recordColumns), pos.PreparePosition)
	if err != nil {
		return persistence.LogRecord{}, errors.Wrapf(err, "read %s", pos)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return persistence.LogRecord{}, errors.Wrapf(err, "read %s", pos)
		}
		return persistence.LogRecord{}, errors.Wrapf(persistence.ErrCorruptRecord, "no record at %s", pos)
	}
	rec, err := scanRecord(rows)
	if err != nil {
		return persistence.LogRecord{}, err
	}
	if rec.Position != pos {
		return persistence.LogRecord{}, errors.Wrapf(persistence.ErrCorruptRecord,
			"record at %d has position %s, expected %s", pos.PreparePosition, rec.Position, pos)
	}
	return rec, nil
}

// readPage returns up to limit records with a prepare position in [from, to), in the requested order.
func (l *Log) readPage(from, to int64, forward bool, limit int) ([]persistence.LogRecord, error) {
	order := "ASC"
	if !forward {
		order = "DESC"
	}
	q := fmt.Sprintf(`SELECT %s FROM log_records
						WHERE prepare_position >= ? AND prepare_position < ?
						ORDER BY prepare_position %s LIMIT %d;`, recordColumns, order, limit)
	rows, err := l.db.query(q, from, to)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query log records")
	}
	defer rows.Close()
	records := make([]persistence.LogRecord, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, errors.Wrap(rows.Err(), "failed to query log records")
}

func scanRecord(rows *sql.Rows) (persistence.LogRecord, error) {
	var (
		rec       persistence.LogRecord
		eventID   string
		createdAt int64
	)
	err := rows.Scan(
		&rec.Position.PreparePosition,
		&rec.Position.CommitPosition,
		&rec.StreamID,
		&rec.EventNumber,
		&eventID,
		&rec.EventType,
		&rec.Data,
		&rec.Metadata,
		&rec.IsJSON,
		&rec.IsDeleteTombstone,
		&createdAt,
	)
	if err != nil {
		return rec, errors.Wrap(err, "failed to scan log record")
	}
	if rec.EventID, err = uuid.Parse(eventID); err != nil {
		log.WithFields(log.Fields{
			"position": rec.Position.String(),
			"event_id": eventID,
		}).Error("stored event id is not a uuid")
		return rec, errors.Wrapf(persistence.ErrCorruptRecord, "event id %q", eventID)
	}
	rec.Timestamp = time.Unix(0, createdAt).UTC()
	rec.Data = persistence.NilIfEmpty(rec.Data)
	rec.Metadata = persistence.NilIfEmpty(rec.Metadata)
	return rec, nil
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

func (l *Log) End() persistence.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return persistence.NewPosition(l.end, l.end)
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.db.close()
}

// iterator pages through log_records. cur is the next prepare position to visit going forward,
// or the exclusive upper bound going backward.
type iterator struct {
	log     *Log
	cur     int64
	end     int64
	forward bool

	page    []persistence.LogRecord
	value   persistence.LogRecord
	yielded bool
	err     error
}

func (iter *iterator) fill() bool {
	if len(iter.page) > 0 {
		return true
	}
	if iter.err != nil {
		return false
	}
	var from, to int64
	if iter.forward {
		from, to = iter.cur, iter.end
	} else {
		from, to = 0, iter.cur
	}
	if from >= to {
		return false
	}
	iter.page, iter.err = iter.log.readPage(from, to, iter.forward, iteratorPageSize)
	return len(iter.page) > 0
}

func (iter *iterator) Next() bool {
	if !iter.fill() {
		return false
	}
	iter.value = iter.page[0]
	iter.page = iter.page[1:]
	iter.yielded = true
	if iter.forward {
		iter.cur = iter.value.Position.PreparePosition + 1
	} else {
		iter.cur = iter.value.Position.PreparePosition
	}
	return true
}

func (iter *iterator) Record() persistence.LogRecord {
	return iter.value
}

func (iter *iterator) Pos() persistence.Position {
	if !iter.forward {
		if iter.yielded {
			return iter.value.Position
		}
		if iter.cur >= iter.end {
			return persistence.NewPosition(iter.end, iter.end)
		}
		// the record at the starting point, if there is one
		page, err := iter.log.readPage(iter.cur, iter.end, true, 1)
		if err != nil || len(page) == 0 {
			return persistence.NewPosition(iter.end, iter.end)
		}
		return page[0].Position
	}
	if iter.fill() {
		return iter.page[0].Position
	}
	return persistence.NewPosition(iter.end, iter.end)
}

func (iter *iterator) Err() error {
	return iter.err
}
