package sqlstorage

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	"github.com/snowflk/kleiostore/internal/persistence"
)

type mysqlConn struct {
	conn *sql.DB
}

func (c *mysqlConn) initTables() error {
	err := c.exec(`
			CREATE TABLE IF NOT EXISTS log_records
			(
				prepare_position BIGINT AUTO_INCREMENT PRIMARY KEY,
				commit_position  BIGINT        NOT NULL,
				stream_id        VARCHAR(1024) NOT NULL,
				event_number     BIGINT        NOT NULL,
				event_id         VARCHAR(36)   NOT NULL,
				event_type       TEXT          NOT NULL,
				data             LONGBLOB,
				metadata         LONGBLOB,
				is_json          BOOLEAN       NOT NULL DEFAULT FALSE,
				is_tombstone     BOOLEAN       NOT NULL DEFAULT FALSE,
				created_at       BIGINT        NOT NULL
			);
	`)
	if err != nil {
		return err
	}
	return c.createIndex("log_records", "index_log_records_commit", []string{"commit_position"})
}

func (c *mysqlConn) dropTables() error {
	return c.exec("DROP TABLE IF EXISTS log_records;")
}

func (c *mysqlConn) insertRecord(tx *sql.Tx, rec persistence.LogRecord) (int64, error) {
	q := fmt.Sprintf("INSERT INTO log_records (%s) VALUES %s;", insertColumns, insertPlaceholders)
	res, err := tx.Exec(q, insertArgs(rec)...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (c *mysqlConn) query(q string, args ...interface{}) (*sql.Rows, error) {
	return c.conn.Query(q, args...)
}

func (c *mysqlConn) queryOne(q string, args ...interface{}) *sql.Row {
	return c.conn.QueryRow(q, args...)
}

func (c *mysqlConn) exec(q string, args ...interface{}) error {
	_, err := c.conn.Exec(q, args...)
	return err
}

func (c *mysqlConn) begin() (*sql.Tx, error) {
	return c.conn.Begin()
}

func (c *mysqlConn) rebind(q string) string {
	return q
}

func (c *mysqlConn) close() error {
	return c.conn.Close()
}

func (c *mysqlConn) createIndex(tableName, indexName string, columns []string) error {
	existed, err := c.isIndexExisted(tableName, indexName)
	if err != nil {
		return err
	}
	if !existed {
		return c.exec(fmt.Sprintf("CREATE INDEX %s ON %s(%s);", indexName, tableName, strings.Join(columns, ",")))
	}
	return nil
}

func (c *mysqlConn) isIndexExisted(tableName, indexName string) (bool, error) {
	row := c.queryOne(`
						SELECT COUNT(*)
						FROM information_schema.statistics
						WHERE TABLE_SCHEMA = DATABASE()
  							AND TABLE_NAME = ?
  							AND INDEX_NAME = ?;`, tableName, indexName)
	var counter uint64
	if err := row.Scan(&counter); err != nil {
		return false, err
	}
	return counter >= 1, nil
}

func newMySQLConnection(opts Options) (dbConn, error) {
	connStr := opts.DSN
	if connStr == "" {
		connStr = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s",
			opts.User, opts.Password, opts.Host, opts.Port, opts.Database)
	}
	db, err := sql.Open("mysql", connStr)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(MaxOpenConnections)
	db.SetMaxIdleConns(MaxIdleConnections)
	return &mysqlConn{conn: db}, nil
}
