package kleio

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/snowflk/kleiostore/internal/persistence"
	"github.com/snowflk/kleiostore/internal/persistence/readindex"
)

const (
	indexFilename = "streams.idx"
	// hash | event number | commit position | prepare position
	sizeIndexEntry = 8 + 8 + 8 + 8
)

// Index is the on-disk copy of the stream hash index: a flat file of fixed size entries
// in the order they were committed.
type Index struct {
	f     *os.File
	path  string
	total uint64
}

func openIndex(rootDir string) (*Index, error) {
	indexPath := filepath.Join(rootDir, indexFilename)

	file, err := os.OpenFile(indexPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open file")
	}
	fileInfo, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, errors.Wrap(err, "stat file failed")
	}
	return &Index{
		path:  indexPath,
		f:     file,
		total: uint64(fileInfo.Size()) / sizeIndexEntry,
	}, nil
}

// WriteBatch writes the entries onto disk and returns the total number of entries stored in the file
func (idx *Index) WriteBatch(entries []readindex.IndexEntry) (uint64, error) {
	if len(entries) == 0 {
		return idx.total, nil
	}
	buf := make([]byte, 0, len(entries)*sizeIndexEntry)
	for _, e := range entries {
		buf = ByteOrdering.AppendUint64(buf, e.Hash)
		buf = ByteOrdering.AppendUint64(buf, uint64(e.EventNumber))
		buf = ByteOrdering.AppendUint64(buf, uint64(e.Position.CommitPosition))
		buf = ByteOrdering.AppendUint64(buf, uint64(e.Position.PreparePosition))
	}
	_, err := idx.f.Write(buf)
	if err == nil {
		err = idx.f.Sync()
	}
	if err != nil {
		// drop a partially written batch so the file stays a whole number of entries
		_ = idx.f.Truncate(int64(idx.total * sizeIndexEntry))
		return 0, errors.Wrap(err, "write index to disk failed")
	}
	idx.total += uint64(len(entries))
	return idx.total, nil
}

// Read returns up to limit entries starting at offset
func (idx *Index) Read(offset, limit uint64) ([]readindex.IndexEntry, error) {
	entries := make([]readindex.IndexEntry, 0)
	// boundary check
	if idx.total <= offset {
		return entries, nil
	}
	// clip limit
	if offset+limit > idx.total {
		limit = idx.total - offset
	}
	buf := make([]byte, sizeIndexEntry*limit)
	if _, err := idx.f.ReadAt(buf, int64(offset*sizeIndexEntry)); err != nil {
		return nil, errors.Wrap(err, "error while reading index")
	}
	for b := buf; len(b) >= sizeIndexEntry; b = b[sizeIndexEntry:] {
		entries = append(entries, readindex.IndexEntry{
			Hash:        ByteOrdering.Uint64(b[0:]),
			EventNumber: int64(ByteOrdering.Uint64(b[8:])),
			Position: persistence.NewPosition(
				int64(ByteOrdering.Uint64(b[16:])),
				int64(ByteOrdering.Uint64(b[24:])),
			),
		})
	}
	return entries, nil
}

// Truncate drops every entry from n on. Entries past the last checkpoint were written by a flush
// that never completed, they are indexed again when the log is replayed.
func (idx *Index) Truncate(n uint64) error {
	info, err := idx.f.Stat()
	if err != nil {
		return errors.Wrap(err, "stat file failed")
	}
	size := int64(n * sizeIndexEntry)
	if info.Size() == size {
		return nil
	}
	if info.Size() < size {
		return errors.Wrapf(persistence.ErrIndexInconsistent, "index file holds %d bytes, checkpoint expects %d", info.Size(), size)
	}
	log.WithFields(log.Fields{
		"path":    idx.path,
		"entries": n,
		"dropped": info.Size() - size,
	}).Warn("truncating index entries written after the last checkpoint")
	if err := idx.f.Truncate(size); err != nil {
		return errors.Wrap(err, "truncate index failed")
	}
	idx.total = n
	return nil
}

func (idx *Index) Total() uint64 {
	return idx.total
}

func (idx *Index) Close() error {
	return idx.f.Close()
}
