package sqlstorage

import (
	"context"
	"os"
	"testing"

	"github.com/snowflk/kleiostore/internal/persistence"
	"github.com/snowflk/kleiostore/internal/persistence/readindex"
	"github.com/snowflk/kleiostore/internal/persistence/testsuite"
	_assert "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// The database tests need a server and run only when its DSN is exported, e.g.
// KLEIO_POSTGRES_DSN="host=localhost user=postgres password=example dbname=kleio sslmode=disable"
// KLEIO_MYSQL_DSN="user:example@tcp(localhost:3306)/kleio"
func testOptions(t *testing.T, driver, env string) Options {
	dsn := os.Getenv(env)
	if dsn == "" {
		t.Skipf("%s is not set", env)
	}
	return Options{Driver: driver, DSN: dsn}
}

// emptyStorage drops the log table so every test starts from an empty log
func emptyStorage(t *testing.T, opts Options) *Storage {
	db, err := connect(opts)
	require.NoError(t, err)
	require.NoError(t, db.dropTables())
	require.NoError(t, db.close())
	storage, err := New(opts)
	require.NoError(t, err)
	return storage
}

func runSuite(t *testing.T, opts Options) {
	suite.Run(t, testsuite.NewTestSuite(func(hasher readindex.Hasher) persistence.Storage {
		opts.Index = readindex.Options{Hasher: hasher}
		return emptyStorage(t, opts)
	}))
}

func TestPostgres(t *testing.T) {
	runSuite(t, testOptions(t, "postgres", "KLEIO_POSTGRES_DSN"))
}

func TestMySQL(t *testing.T) {
	runSuite(t, testOptions(t, "mysql", "KLEIO_MYSQL_DSN"))
}

func TestStorage_RebuildOnOpen(t *testing.T) {
	for _, tc := range []struct{ driver, env string }{
		{"postgres", "KLEIO_POSTGRES_DSN"},
		{"mysql", "KLEIO_MYSQL_DSN"},
	} {
		t.Run(tc.driver, func(t *testing.T) {
			assert := _assert.New(t)
			opts := testOptions(t, tc.driver, tc.env)
			s := emptyStorage(t, opts)
			_, err := s.AppendEvents(context.Background(), "orders", persistence.NoStream,
				[]persistence.EventData{{EventType: "created"}, {EventType: "paid"}})
			require.NoError(t, err)
			_, err = s.DeleteStream(context.Background(), "carts", persistence.ExpectedVersionAny)
			require.NoError(t, err)
			end := s.LastPosition()
			require.NoError(t, s.Close())

			s, err = New(opts)
			require.NoError(t, err)
			defer s.Close()
			assert.Equal(end, s.LastPosition())
			assert.Equal(int64(1), s.GetStreamLastEventNumber("orders"))
			assert.Equal(persistence.DeletedStream, s.GetStreamLastEventNumber("carts"))
			assert.NoError(s.Verify())
		})
	}
}

func TestMakeQuery(t *testing.T) {
	assert := _assert.New(t)
	assert.Equal("SELECT 1", makeQuery("SELECT 1"))
	assert.Equal("UPDATE t SET a = $1 WHERE b >= $2 AND b <= $3;",
		makeQuery("UPDATE t SET a = ? WHERE b >= ? AND b <= ?;"))
}

func TestConnect_UnknownDriver(t *testing.T) {
	_, err := New(Options{Driver: "sqlite"})
	_assert.ErrorIs(t, err, ErrUnknownDriver)
}
