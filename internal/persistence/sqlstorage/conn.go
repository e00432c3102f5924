package sqlstorage

import (
	"database/sql"

	"github.com/snowflk/kleiostore/internal/persistence"
)

// dbConn hides the dialect differences between the supported databases.
// Queries are written with '?' placeholders and rebound by the connection.
type dbConn interface {
	initTables() error
	dropTables() error
	// insertRecord stores rec in tx and returns the prepare position the database assigned to it
	insertRecord(tx *sql.Tx, rec persistence.LogRecord) (int64, error)
	query(q string, args ...interface{}) (*sql.Rows, error)
	queryOne(q string, args ...interface{}) *sql.Row
	exec(q string, args ...interface{}) error
	begin() (*sql.Tx, error)
	rebind(q string) string
	close() error
}

const (
	recordColumns = `prepare_position, commit_position, stream_id, event_number, event_id,
					event_type, data, metadata, is_json, is_tombstone, created_at`
	insertColumns = `commit_position, stream_id, event_number, event_id,
					event_type, data, metadata, is_json, is_tombstone, created_at`
	insertPlaceholders = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
)

func insertArgs(rec persistence.LogRecord) []interface{} {
	return []interface{}{
		rec.Position.CommitPosition,
		rec.StreamID,
		rec.EventNumber,
		rec.EventID.String(),
		rec.EventType,
		rec.Data,
		rec.Metadata,
		rec.IsJSON,
		rec.IsDeleteTombstone,
		rec.Timestamp.UnixNano(),
	}
}
