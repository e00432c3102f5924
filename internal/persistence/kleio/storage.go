package kleio

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/snowflk/kleiostore/internal/persistence"
	"github.com/snowflk/kleiostore/internal/persistence/kleio/hybridlog"
	"github.com/snowflk/kleiostore/internal/persistence/readindex"
)

const (
	globalStreamName     = "data"
	lockFilename         = "LOCK"
	defaultFlushInterval = 5 * time.Second
	defaultHighWaterMark = 50
)

var ErrStorageLocked = errors.New("data directory is used by another process")

type Options struct {
	// RootDir is the data directory. It is created if it does not exist.
	RootDir string
	// BufferSize and HighWaterMark tune the hybrid log of the global stream
	BufferSize    int
	HighWaterMark int
	SyncPolicy    hybridlog.SyncPolicy
	// FlushInterval is the period of the background index flush. Negative disables it.
	FlushInterval time.Duration
	// OpenTimeout bounds the wait for the locks of the data directory
	OpenTimeout time.Duration
	Index       readindex.Options
}

// Storage is the file backed store. The global stream is the source of truth,
// the read index is persisted next to it and caught up from the log on open.
type Storage struct {
	*readindex.Engine

	rootDir string
	lock    *flock.Flock
	gStream *GlobalStream
	kv      *KVKeeper
	index   *Index
	manager *IndexManager

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

var _ persistence.Storage = (*Storage)(nil)

func New(options Options) (*Storage, error) {
	if options.RootDir == "" {
		return nil, ErrRootDirNotSpecified
	}
	if options.FlushInterval == 0 {
		options.FlushInterval = defaultFlushInterval
	}
	if options.HighWaterMark == 0 {
		options.HighWaterMark = defaultHighWaterMark
	}
	if err := os.MkdirAll(options.RootDir, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to open data directory")
	}

	lock := flock.New(filepath.Join(options.RootDir, lockFilename))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "failed to lock data directory")
	}
	if !locked {
		return nil, errors.Wrap(ErrStorageLocked, options.RootDir)
	}

	s := &Storage{
		rootDir: options.RootDir,
		lock:    lock,
		stop:    make(chan struct{}),
	}
	if err := s.open(options); err != nil {
		_ = s.release()
		return nil, err
	}
	if options.FlushInterval > 0 {
		s.startFlusher(options.FlushInterval)
	}
	return s, nil
}

func (s *Storage) open(options Options) error {
	var err error
	s.gStream, err = OpenGlobalStream(globalStreamName, GlobalStreamOpts{
		RootDir:       options.RootDir,
		BufferSize:    options.BufferSize,
		HighWaterMark: options.HighWaterMark,
		SyncPolicy:    options.SyncPolicy,
		OpenTimeout:   options.OpenTimeout,
	})
	if err != nil {
		return err
	}
	if s.kv, err = NewKVKeeper(options.RootDir, options.OpenTimeout); err != nil {
		return err
	}
	if s.index, err = openIndex(options.RootDir); err != nil {
		return err
	}

	s.Engine = readindex.NewEngine(s.gStream, options.Index)
	s.manager = NewIndexManager(s.gStream, s.index, s.kv, s.Engine.Meta)
	ckpt, err := s.manager.Load(s.Engine.Index)
	if err != nil {
		return errors.WithMessage(err, "load read index")
	}
	s.Engine.SetObserver(s.manager.OnCommit)

	// catch up with records written after the last flush
	replayed, err := s.Engine.Rebuild(context.Background(), ckpt.Position)
	if err != nil {
		return errors.WithMessage(err, "replay global stream")
	}
	log.WithFields(log.Fields{
		"component": "storage",
		"root":      options.RootDir,
		"replayed":  replayed,
		"streams":   s.Engine.Meta.Len(),
	}).Info("storage opened")
	return nil
}

// ForceFlush persists the read index up to the current end of the log.
func (s *Storage) ForceFlush() error {
	return s.Engine.Do(context.Background(), s.manager.Flush)
}

func (s *Storage) startFlusher(interval time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.ForceFlush(); err != nil {
					log.WithFields(log.Fields{
						"component": "storage",
						"error":     err,
					}).Warn("periodic index flush failed")
				}
			case <-s.stop:
				return
			}
		}
	}()
}

// Close flushes the read index and releases every file of the store.
func (s *Storage) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		s.closeErr = s.ForceFlush()
		if err := s.release(); s.closeErr == nil {
			s.closeErr = err
		}
	})
	return s.closeErr
}

// release closes whatever has been opened, without flushing.
func (s *Storage) release() error {
	var errs []error
	if s.Engine != nil {
		errs = append(errs, s.Engine.Close())
	} else if s.gStream != nil {
		errs = append(errs, s.gStream.Close())
	}
	if s.index != nil {
		errs = append(errs, s.index.Close())
	}
	if s.kv != nil {
		errs = append(errs, s.kv.Close())
	}
	errs = append(errs, s.lock.Unlock())
	for _, err := range errs {
		if err != nil {
			return errors.Wrap(err, "failed to close storage")
		}
	}
	return nil
}
