package kleio

import (
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/snowflk/kleiostore/internal/persistence"
	"github.com/snowflk/kleiostore/internal/persistence/readindex"
)

const loadChunkSize = 64 * 1024

// IndexManager persists the in-memory read index. It collects the entries and the streams touched
// by every commit and writes them out on Flush, together with a checkpoint telling how far the
// log is covered. Everything after the checkpoint is replayed from the log on open.
type IndexManager struct {
	mu      sync.Mutex
	gStream *GlobalStream
	index   *Index
	kv      *KVKeeper
	meta    *readindex.StreamMetaCache

	pending []readindex.IndexEntry
	dirty   map[string]struct{}
}

func NewIndexManager(gStream *GlobalStream, index *Index, kv *KVKeeper, meta *readindex.StreamMetaCache) *IndexManager {
	return &IndexManager{
		gStream: gStream,
		index:   index,
		kv:      kv,
		meta:    meta,
		pending: make([]readindex.IndexEntry, 0),
		dirty:   make(map[string]struct{}),
	}
}

// Load restores the hash index and the stream metadata saved by the last flush
// and returns the checkpoint to replay the log from.
func (m *IndexManager) Load(hashIndex *readindex.StreamHashIndex) (indexCheckpoint, error) {
	ckpt, err := m.kv.Checkpoint()
	if err != nil {
		return ckpt, err
	}
	if err := m.index.Truncate(ckpt.Entries); err != nil {
		return ckpt, err
	}
	for offset := uint64(0); offset < ckpt.Entries; offset += loadChunkSize {
		entries, err := m.index.Read(offset, loadChunkSize)
		if err != nil {
			return ckpt, err
		}
		hashIndex.AddEntries(entries)
	}
	streams := 0
	err = m.kv.ForEachStream(func(streamID string, lastEventNumber int64) error {
		m.meta.Restore(streamID, readindex.StateFromLastEventNumber(lastEventNumber))
		streams++
		return nil
	})
	if err != nil {
		return ckpt, errors.Wrap(err, "load stream metadata")
	}
	log.WithFields(log.Fields{
		"component":  "index_manager",
		"checkpoint": ckpt.Position.String(),
		"entries":    ckpt.Entries,
		"streams":    streams,
	}).Info("read index loaded")
	return ckpt, nil
}

// OnCommit is the commit observer of the store.
func (m *IndexManager) OnCommit(records []persistence.LogRecord, entries []readindex.IndexEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, entries...)
	for _, rec := range records {
		m.dirty[rec.StreamID] = struct{}{}
	}
}

// Flush writes pending entries and dirty stream metadata to disk.
// It must run on the writer goroutine so that the log end is exactly what has been indexed.
func (m *IndexManager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 && len(m.dirty) == 0 {
		return nil
	}
	// the checkpoint must never cover log data that could still be lost
	if err := m.gStream.Sync(); err != nil {
		return errors.Wrap(err, "sync global stream")
	}
	end := m.gStream.End()
	total, err := m.index.WriteBatch(m.pending)
	if err != nil {
		return err
	}
	m.pending = m.pending[:0]

	streams := make(map[string]int64, len(m.dirty))
	for streamID := range m.dirty {
		streams[streamID] = m.meta.GetLastEventNumber(streamID)
	}
	if err := m.kv.SaveCheckpoint(streams, indexCheckpoint{Position: end, Entries: total}); err != nil {
		return errors.Wrap(err, "save checkpoint")
	}
	m.dirty = make(map[string]struct{})
	log.WithFields(log.Fields{
		"component":  "index_manager",
		"checkpoint": end.String(),
		"entries":    total,
		"streams":    len(streams),
	}).Debug("read index flushed")
	return nil
}

// Pending returns the number of entries waiting for the next flush
func (m *IndexManager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
