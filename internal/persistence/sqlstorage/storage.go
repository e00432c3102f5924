package sqlstorage

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/snowflk/kleiostore/internal/persistence"
	"github.com/snowflk/kleiostore/internal/persistence/readindex"
)

const MaxOpenConnections = 20
const MaxIdleConnections = 0

var ErrUnknownDriver = errors.New("unknown database driver")

type Options struct {
	// Driver is either "postgres" or "mysql"
	Driver   string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	// DSN, when set, is passed to the driver as is and the connection fields above are ignored
	DSN   string
	Index readindex.Options
}

// Storage keeps the log in a SQL database. The read index lives in memory
// and is rebuilt from the log_records table when the storage is opened.
type Storage struct {
	*readindex.Engine
}

var _ persistence.Storage = (*Storage)(nil)

func New(options Options) (*Storage, error) {
	db, err := connect(options)
	if err != nil {
		return nil, err
	}
	if err := db.initTables(); err != nil {
		_ = db.close()
		return nil, errors.Wrap(err, "failed to create tables")
	}
	tlog, err := openLog(db)
	if err != nil {
		_ = db.close()
		return nil, err
	}
	s := &Storage{
		Engine: readindex.NewEngine(tlog, options.Index),
	}
	replayed, err := s.Engine.Rebuild(context.Background(), persistence.StartPosition)
	if err != nil {
		_ = s.Engine.Close()
		return nil, errors.WithMessage(err, "rebuild read index")
	}
	log.WithFields(log.Fields{
		"component": "sqlstorage",
		"driver":    options.Driver,
		"replayed":  replayed,
	}).Info("storage opened")
	return s, nil
}

func connect(options Options) (dbConn, error) {
	switch options.Driver {
	case "postgres":
		return newPostgresConnection(options)
	case "mysql":
		return newMySQLConnection(options)
	}
	return nil, errors.Wrap(ErrUnknownDriver, options.Driver)
}
