package kleio

import (
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/snowflk/kleiostore/internal/persistence"
	"go.etcd.io/bbolt"
)

const (
	storeFileName    = "meta.kv"
	sizeCheckpointKV = 8 + 8 + 8
)

var (
	streamsBucketKey    = []byte("streams")
	checkpointBucketKey = []byte("checkpoint")
	indexCheckpointKey  = []byte("index")
)

// indexCheckpoint records how far the log has been persisted into the index file.
// Records from Position on must be replayed when the store is opened.
type indexCheckpoint struct {
	Position persistence.Position
	Entries  uint64
}

// KVKeeper keeps the stream metadata and the index checkpoint in a bbolt file.
type KVKeeper struct {
	rootDir string
	store   *bbolt.DB
}

func NewKVKeeper(rootDir string, openTimeout time.Duration) (*KVKeeper, error) {
	filePath := filepath.Join(rootDir, storeFileName)
	store, err := bbolt.Open(filePath, 0600, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open metadata store")
	}
	err = store.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{streamsBucketKey, checkpointBucketKey} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = store.Close()
		return nil, errors.Wrap(err, "failed to create buckets")
	}
	return &KVKeeper{
		rootDir: rootDir,
		store:   store,
	}, nil
}

// Checkpoint returns the last saved index checkpoint, or the start of the log if there is none.
func (s *KVKeeper) Checkpoint() (indexCheckpoint, error) {
	var ckpt indexCheckpoint
	err := s.store.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(checkpointBucketKey).Get(indexCheckpointKey)
		if v == nil {
			return nil
		}
		if len(v) != sizeCheckpointKV {
			return errors.Wrapf(persistence.ErrIndexInconsistent, "checkpoint of %d bytes", len(v))
		}
		ckpt.Position = persistence.NewPosition(int64(ByteOrdering.Uint64(v[0:])), int64(ByteOrdering.Uint64(v[8:])))
		ckpt.Entries = ByteOrdering.Uint64(v[16:])
		return nil
	})
	return ckpt, err
}

// ForEachStream calls fn with the last event number saved for every stream.
func (s *KVKeeper) ForEachStream(fn func(streamID string, lastEventNumber int64) error) error {
	return s.store.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(streamsBucketKey).ForEach(func(k, v []byte) error {
			if len(v) != 8 {
				return errors.Wrapf(persistence.ErrIndexInconsistent, "metadata of stream %s has %d bytes", k, len(v))
			}
			return fn(string(k), int64(ByteOrdering.Uint64(v)))
		})
	})
}

// SaveCheckpoint stores the given stream states together with the checkpoint in one transaction.
func (s *KVKeeper) SaveCheckpoint(streams map[string]int64, ckpt indexCheckpoint) error {
	return s.store.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(streamsBucketKey)
		for streamID, last := range streams {
			v := make([]byte, 8)
			ByteOrdering.PutUint64(v, uint64(last))
			if err := bkt.Put([]byte(streamID), v); err != nil {
				return errors.Wrapf(err, "save stream %s", streamID)
			}
		}
		v := make([]byte, 0, sizeCheckpointKV)
		v = ByteOrdering.AppendUint64(v, uint64(ckpt.Position.CommitPosition))
		v = ByteOrdering.AppendUint64(v, uint64(ckpt.Position.PreparePosition))
		v = ByteOrdering.AppendUint64(v, ckpt.Entries)
		return tx.Bucket(checkpointBucketKey).Put(indexCheckpointKey, v)
	})
}

func (s *KVKeeper) Close() error {
	return s.store.Close()
}
