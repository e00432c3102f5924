package sqlstorage

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	"github.com/snowflk/kleiostore/internal/persistence"
)

type postgresConn struct {
	conn *sql.DB
}

func (c *postgresConn) initTables() error {
	err := c.exec(`
			CREATE TABLE IF NOT EXISTS log_records
			(
				prepare_position BIGSERIAL PRIMARY KEY,
				commit_position  BIGINT        NOT NULL,
				stream_id        VARCHAR(1024) NOT NULL,
				event_number     BIGINT        NOT NULL,
				event_id         VARCHAR(36)   NOT NULL,
				event_type       TEXT          NOT NULL,
				data             BYTEA,
				metadata         BYTEA,
				is_json          BOOLEAN       NOT NULL DEFAULT FALSE,
				is_tombstone     BOOLEAN       NOT NULL DEFAULT FALSE,
				created_at       BIGINT        NOT NULL
			);
	`)
	if err != nil {
		return err
	}
	return c.exec(`CREATE INDEX IF NOT EXISTS index_log_records_commit ON log_records(commit_position);`)
}

func (c *postgresConn) dropTables() error {
	return c.exec("DROP TABLE IF EXISTS log_records CASCADE;")
}

func (c *postgresConn) insertRecord(tx *sql.Tx, rec persistence.LogRecord) (int64, error) {
	q := fmt.Sprintf("INSERT INTO log_records (%s) VALUES %s RETURNING prepare_position;", insertColumns, insertPlaceholders)
	var prepare int64
	err := tx.QueryRow(c.rebind(q), insertArgs(rec)...).Scan(&prepare)
	return prepare, err
}

func (c *postgresConn) query(q string, args ...interface{}) (*sql.Rows, error) {
	return c.conn.Query(c.rebind(q), args...)
}

func (c *postgresConn) queryOne(q string, args ...interface{}) *sql.Row {
	return c.conn.QueryRow(c.rebind(q), args...)
}

func (c *postgresConn) exec(q string, args ...interface{}) error {
	_, err := c.conn.Exec(c.rebind(q), args...)
	return err
}

func (c *postgresConn) begin() (*sql.Tx, error) {
	return c.conn.Begin()
}

func (c *postgresConn) rebind(q string) string {
	return makeQuery(q)
}

func (c *postgresConn) close() error {
	return c.conn.Close()
}

func newPostgresConnection(opts Options) (dbConn, error) {
	connStr := opts.DSN
	if connStr == "" {
		connStr = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			opts.Host, opts.Port, opts.User, opts.Password, opts.Database)
	}
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(MaxOpenConnections)
	db.SetMaxIdleConns(MaxIdleConnections)
	return &postgresConn{conn: db}, nil
}

// makeQuery turns '?' placeholders into the numbered ones postgres expects
func makeQuery(q string) string {
	counter := 1
	for i := strings.Index(q, "?"); i >= 0; i = strings.Index(q, "?") {
		q = strings.Replace(q, "?", fmt.Sprintf("$%d", counter), 1)
		counter++
	}
	return q
}
