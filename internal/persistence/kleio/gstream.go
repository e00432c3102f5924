package kleio

import (
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/snowflk/kleiostore/internal/persistence"
	"github.com/snowflk/kleiostore/internal/persistence/kleio/hybridlog"
)

const (
	gStreamFilenameFormat = "%s.kls"
	gStreamVersion        = 1
	maxRecordsInBatch     = int(^uint16(0))
)

var (
	ErrEmptyStreamName     = errors.New("stream name cannot be empty")
	ErrRootDirNotSpecified = errors.New("root directory is not specified")
)

var _ persistence.TransactionLog = (*GlobalStream)(nil)

// GlobalStream represents the global stream of the store.
// Basically, each store contains only one GlobalStream. This allows the store to maintain ordering of events
// across all streams.
//
// All events that occurred in every stream will all be appended to the global stream, framed one after another.
// The prepare position of a record is the logical offset of its frame in the hybrid log,
// the commit position is the offset of the first frame of its batch.
type GlobalStream struct {
	mu sync.Mutex

	f    hybridlog.HybridLog
	name string
}

type GlobalStreamOpts struct {
	// root directory to store the data
	RootDir       string
	BufferSize    int
	HighWaterMark int
	SyncPolicy    hybridlog.SyncPolicy
	OpenTimeout   time.Duration
}

// OpenGlobalStream opens the stream at the given path
func OpenGlobalStream(streamName string, opts GlobalStreamOpts) (*GlobalStream, error) {
	// validate configurations
	if streamName == "" {
		return nil, ErrEmptyStreamName
	} else if opts.RootDir == "" {
		return nil, ErrRootDirNotSpecified
	}
	gStreamPath := filepath.Join(opts.RootDir, fmt.Sprintf(gStreamFilenameFormat, streamName))
	log.WithFields(log.Fields{"path": gStreamPath}).Info("open global stream")
	file, err := hybridlog.Open(hybridlog.Config{
		Path:          gStreamPath,
		BufferSize:    opts.BufferSize,
		HighWaterMark: opts.HighWaterMark,
		SyncPolicy:    opts.SyncPolicy,
		OpenTimeout:   opts.OpenTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open file")
	}

	s := &GlobalStream{
		f:    file,
		name: streamName,
	}
	if err := s.initHeader(); err != nil {
		_ = file.Close()
		return nil, err
	}
	return s, nil
}

func (s *GlobalStream) initHeader() error {
	if s.f.Size() == 0 {
		header := streamFileHeader{
			Magic:     magicStreamFile,
			Version:   gStreamVersion,
			Timestamp: time.Now().Unix(),
		}
		copy(header.Name[:], s.name)
		if err := s.f.Write(header.encode()); err != nil {
			return errors.Wrap(err, "failed to write stream header")
		}
		return nil
	}
	b := make([]byte, sizeStreamHeader)
	if _, err := s.f.ReadAt(b, 0); err != nil {
		return errors.Wrapf(persistence.ErrCorruptRecord, "cannot read stream header: %v", err)
	}
	header := decodeStreamFileHeader(b)
	if header.Magic != magicStreamFile {
		return errors.Wrapf(persistence.ErrCorruptRecord, "stream header magic %x", header.Magic)
	}
	if header.Version != gStreamVersion {
		return errors.Errorf("unsupported stream version %d", header.Version)
	}
	return nil
}

// Append frames the records and writes them with a single hybrid log write,
// so a batch is recovered completely or not at all.
// Returns the positions of the records in the stream.
func (s *GlobalStream) Append(records []persistence.LogRecord) ([]persistence.Position, error) {
	numRecords := len(records)
	if numRecords == 0 {
		return nil, persistence.ErrDataEmpty
	}
	if numRecords > maxRecordsInBatch {
		return nil, errors.New("max number of events in a batch exceeded")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	commit := s.f.Size()
	positions := make([]persistence.Position, numRecords)
	buf := make([]byte, 0)
	for i, rec := range records {
		rec.Position = persistence.NewPosition(commit, commit+int64(len(buf)))
		frame := encodeRecord(rec)
		if len(frame)-sizeFrameOverhead > maxBodySize {
			return nil, errors.Errorf("record %s exceeds %d bytes", rec, maxBodySize)
		}
		positions[i] = rec.Position
		buf = append(buf, frame...)
	}

	// flush to disk
	if err := s.f.Write(buf); err != nil {
		if errors.Is(err, hybridlog.ErrClosed) {
			return nil, persistence.ErrClosed
		}
		return nil, errors.Wrap(err, "failed to write")
	}
	return positions, nil
}

func (s *GlobalStream) ReadAt(pos persistence.Position) (persistence.LogRecord, error) {
	p := pos.PreparePosition
	if p < sizeStreamHeader || p >= s.f.Size() {
		return persistence.LogRecord{}, errors.Wrapf(persistence.ErrPositionOutOfRange, "position %s", pos)
	}
	rec, _, err := s.readSingleFromPos(p)
	if err != nil {
		return persistence.LogRecord{}, errors.WithMessagef(err, "position %s", pos)
	}
	if rec.Position != pos {
		return persistence.LogRecord{}, errors.Wrapf(persistence.ErrCorruptRecord,
			"record at %d has position %s, expected %s", p, rec.Position, pos)
	}
	return rec, nil
}

// readSingleFromPos decodes the frame starting at position and returns the record and the frame size.
func (s *GlobalStream) readSingleFromPos(position int64) (persistence.LogRecord, int64, error) {
	head := make([]byte, sizeFrameHead)
	if err := s.readFull(head, position); err != nil {
		return persistence.LogRecord{}, 0, err
	}
	// verify if those bytes are really an event
	if magic := ByteOrdering.Uint32(head[0:]); magic != magicEventEntry {
		return persistence.LogRecord{}, 0, errors.Wrapf(persistence.ErrCorruptRecord,
			"wrong read position or the file is corrupted, magic %x", magic)
	}
	bodySize := int64(ByteOrdering.Uint32(head[4:]))
	frameSize := sizeFrameOverhead + bodySize
	if bodySize > maxBodySize || position+frameSize > s.f.Size() {
		return persistence.LogRecord{}, 0, errors.Wrapf(persistence.ErrCorruptRecord, "frame length %d out of bounds", bodySize)
	}
	rest := make([]byte, bodySize+sizeFrameTail)
	if err := s.readFull(rest, position+sizeFrameHead); err != nil {
		return persistence.LogRecord{}, 0, err
	}
	rec, err := decodeBody(rest[:bodySize], rest[bodySize:])
	if err != nil {
		return persistence.LogRecord{}, 0, err
	}
	if rec.Position.PreparePosition != position {
		return persistence.LogRecord{}, 0, errors.Wrapf(persistence.ErrCorruptRecord,
			"frame at %d claims prepare position %d", position, rec.Position.PreparePosition)
	}
	return rec, frameSize, nil
}

// frameStartBefore uses the trailing length of the frame ending at end to find where it starts.
func (s *GlobalStream) frameStartBefore(end int64) (int64, error) {
	tail := make([]byte, sizeFrameTail)
	if err := s.readFull(tail, end-sizeFrameTail); err != nil {
		return 0, err
	}
	start := end - sizeFrameOverhead - int64(ByteOrdering.Uint32(tail[4:]))
	if start < sizeStreamHeader {
		return 0, errors.Wrapf(persistence.ErrCorruptRecord, "frame ending at %d starts before the data", end)
	}
	return start, nil
}

// peekPosition reads only the position stored in the frame at offset.
func (s *GlobalStream) peekPosition(offset int64) (persistence.Position, error) {
	b := make([]byte, sizeFrameHead+16)
	if err := s.readFull(b, offset); err != nil {
		return persistence.Position{}, err
	}
	if ByteOrdering.Uint32(b[0:]) != magicEventEntry {
		return persistence.Position{}, errors.Wrapf(persistence.ErrCorruptRecord, "no frame at %d", offset)
	}
	return persistence.NewPosition(
		int64(ByteOrdering.Uint64(b[sizeFrameHead:])),
		int64(ByteOrdering.Uint64(b[sizeFrameHead+8:])),
	), nil
}

// checkFrameBoundary fails with ErrInvalidPosition unless a frame starts at offset.
func (s *GlobalStream) checkFrameBoundary(offset int64) error {
	pos, err := s.peekPosition(offset)
	if errors.Is(err, persistence.ErrCorruptRecord) || (err == nil && pos.PreparePosition != offset) {
		return errors.Wrapf(persistence.ErrInvalidPosition, "no record starts at %d", offset)
	}
	return err
}

func (s *GlobalStream) readFull(b []byte, off int64) error {
	if _, err := s.f.ReadAt(b, off); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.Wrapf(persistence.ErrCorruptRecord, "short read at %d", off)
		}
		return errors.Wrapf(err, "read at %d", off)
	}
	return nil
}

func (s *GlobalStream) IterateForward(from persistence.Position) persistence.LogIterator {
	return newStreamIterator(s, from.PreparePosition, true)
}

func (s *GlobalStream) IterateBackward(from persistence.Position) persistence.LogIterator {
	return newStreamIterator(s, from.PreparePosition, false)
}

// End returns the position just past the last record.
func (s *GlobalStream) End() persistence.Position {
	end := s.f.Size()
	return persistence.NewPosition(end, end)
}

// Sync flushes the stream to disk
func (s *GlobalStream) Sync() error {
	return s.f.Sync()
}

// Close the stream
func (s *GlobalStream) Close() error {
	return s.f.Close()
}
