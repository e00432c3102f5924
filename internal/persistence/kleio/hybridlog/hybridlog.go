package hybridlog

import (
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tysontate/gommap"
)

const (
	checkpointByteAlignment = 8
	defaultBufferSize       = 16 * 1024 * 1024 // 16MB
	defaultHighWaterMark    = 75               // 75% of buffer capacity
)

// fragment is the data written by one Write call.
// Logical range [dStart, dEnd) is stored in the file from real position rStart on.
type fragment struct {
	dStart int64
	dEnd   int64
	rStart int64
}

// SimpleHybridLog represents an append-only file that supports extremely fast read / write operations.
// A SimpleHybridLog reads data from memory most of the time: from the mmap for the part of the file that was
// mapped, from a buffer for data written since. If the data in the buffer exceed a defined high water mark,
// a re-mapping process will be performed. This task is done by a worker goroutine.
// Data that is neither mapped nor buffered is read directly from disk.
type SimpleHybridLog struct {
	mu   sync.RWMutex
	opts Config

	f    *os.File
	lock *flock.Flock

	pos         int64 // logical size
	realpos     int64 // file size
	prevCkptPos int64

	data   gommap.MMap
	datasz int64

	// buf mirrors the file from datasz to datasz+bufpos while bufValid is set
	buf      []byte
	bufpos   int
	bufValid bool

	fragments []fragment

	remapQueue chan struct{}
	stopChan   chan struct{}
	wg         sync.WaitGroup
	closed     bool
}

func open(opts Config) (*SimpleHybridLog, error) {
	if opts.Path == "" {
		return nil, errors.New("hybrid log path cannot be empty")
	}
	// Default config
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.HighWaterMark <= 0 || opts.HighWaterMark > 100 {
		opts.HighWaterMark = defaultHighWaterMark
	}

	lock, err := lockFile(opts.Path, opts.OpenTimeout)
	if err != nil {
		return nil, err
	}

	fileFlags := os.O_RDWR | os.O_CREATE | os.O_APPEND
	// Use O_SYNC flag for always sync policy
	if opts.SyncPolicy == AlwaysSync {
		fileFlags |= os.O_SYNC
	}
	file, err := os.OpenFile(opts.Path, fileFlags, 0644)
	if err != nil {
		_ = lock.Unlock()
		return nil, errors.Wrap(err, "failed to open file")
	}

	l := &SimpleHybridLog{
		opts:        opts,
		f:           file,
		lock:        lock,
		prevCkptPos: -1,
		remapQueue:  make(chan struct{}, 1),
		stopChan:    make(chan struct{}),
		buf:         make([]byte, opts.BufferSize),
		fragments:   make([]fragment, 0),
	}

	if err := l.recoverFromFile(); err != nil {
		_ = file.Close()
		_ = lock.Unlock()
		return nil, errors.Wrap(err, "failed to recover from file")
	}
	if err := l.mmap(); err != nil {
		_ = file.Close()
		_ = lock.Unlock()
		return nil, errors.Wrap(err, "failed to mmap")
	}

	l.startRemappingWorker()
	// Start worker for 'every 1s' sync policy
	if opts.SyncPolicy == SyncEverySecond {
		l.startSyncWorker()
	}
	return l, nil
}

// recoverFromFile scans the file and rehydrates the last state.
// This function also detects corrupted write operation (caused by system failure) and removes it.
func (l *SimpleHybridLog) recoverFromFile() error {
	info, err := l.f.Stat()
	if err != nil {
		return errors.Wrap(err, "failed to stat file")
	}
	fileSize := info.Size()
	// If the file is empty, there is nothing to do
	if fileSize == 0 {
		return nil
	}

	// Search for the last checkpoint, starting from the end of the file.
	// The checkpoints form a linked list, if we find the last one, we find the whole chain.
	ckptBytes := make([]byte, checkpointSize)
	cursor := (fileSize - checkpointSize) / checkpointByteAlignment * checkpointByteAlignment
	last := int64(-1)
	for ; cursor >= 0; cursor -= checkpointByteAlignment {
		if _, err := l.f.ReadAt(ckptBytes, cursor); err != nil {
			return errors.Wrap(err, "failed to read checkpoint")
		}
		ckpt := decodeCheckpoint(ckptBytes)
		if ckpt.ChecksumValid() && ckpt.prevpos < cursor && ckpt.dpos >= 0 {
			last = cursor
			break
		}
	}

	end := last + checkpointSize
	if last < 0 {
		end = 0
	}
	if end < fileSize {
		// a write was interrupted, drop what it left behind
		log.WithFields(log.Fields{
			"path":    l.opts.Path,
			"dropped": fileSize - end,
		}).Warn("truncating torn write at the end of the log")
		if err := l.f.Truncate(end); err != nil {
			return errors.Wrap(err, "failed to truncate torn write")
		}
	}
	if last < 0 {
		return nil
	}

	// Now read all checkpoints back into memory
	chain := make([]int64, 0)
	ckpts := make([]checkpoint, 0)
	for cursor = last; cursor >= 0; {
		if _, err := l.f.ReadAt(ckptBytes, cursor); err != nil {
			return errors.Wrap(err, "failed to read checkpoint")
		}
		ckpt := decodeCheckpoint(ckptBytes)
		if !ckpt.ChecksumValid() || ckpt.prevpos >= cursor {
			return errors.Wrapf(ErrCorrupted, "invalid checkpoint at %d", cursor)
		}
		chain = append(chain, cursor)
		ckpts = append(ckpts, ckpt)
		cursor = ckpt.prevpos
	}

	// the chain was read backwards
	dStart, rStart := int64(0), int64(0)
	for i := len(ckpts) - 1; i >= 0; i-- {
		ckpt := ckpts[i]
		if ckpt.dpos < dStart || ckpt.dpos-dStart > chain[i]-rStart {
			return errors.Wrapf(ErrCorrupted, "checkpoint at %d does not match its data", chain[i])
		}
		l.fragments = append(l.fragments, fragment{dStart: dStart, dEnd: ckpt.dpos, rStart: rStart})
		dStart = ckpt.dpos
		rStart = chain[i] + checkpointSize
	}
	l.pos = dStart
	l.realpos = end
	l.prevCkptPos = last
	log.WithFields(log.Fields{
		"path":      l.opts.Path,
		"size":      l.pos,
		"fragments": len(l.fragments),
	}).Info("hybrid log recovered")
	return nil
}

// ReadAt reads len(b) bytes starting at the logical offset off.
// A hybrid log file contains multiple checkpoints in between, therefore it ends up having fragments of data.
// This function reads only the fragments and concatenate them, leaving the checkpoints unread.
// Like io.ReaderAt, it returns io.EOF when fewer than len(b) bytes are available.
func (l *SimpleHybridLog) ReadAt(b []byte, off int64) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return 0, ErrClosed
	}
	if off < 0 {
		return 0, errors.Errorf("negative offset %d", off)
	}
	end := off + int64(len(b))
	if end > l.pos {
		end = l.pos
	}
	n := 0
	// the first fragment that ends after off
	i := sort.Search(len(l.fragments), func(i int) bool { return l.fragments[i].dEnd > off })
	for cur := off; cur < end; i++ {
		frag := l.fragments[i]
		chunkEnd := frag.dEnd
		if chunkEnd > end {
			chunkEnd = end
		}
		if chunkEnd <= cur {
			continue
		}
		size := int(chunkEnd - cur)
		if err := l.readFragment(b[n:n+size], frag.rStart+(cur-frag.dStart)); err != nil {
			return n, err
		}
		n += size
		cur = chunkEnd
	}
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

// readFragment reads real bytes from wherever they are available: the mmap, the buffer or the file.
// The caller must hold the read lock.
func (l *SimpleHybridLog) readFragment(b []byte, fromRealPos int64) error {
	size := int64(len(b))
	toRealPos := fromRealPos + size
	switch {
	case toRealPos <= l.datasz:
		copy(b, l.data[fromRealPos:toRealPos])
	case l.bufValid && fromRealPos >= l.datasz && toRealPos <= l.datasz+int64(l.bufpos):
		bufPos := fromRealPos - l.datasz
		copy(b, l.buf[bufPos:bufPos+size])
	default:
		if _, err := l.f.ReadAt(b, fromRealPos); err != nil {
			return errors.Wrap(err, "failed to read from file")
		}
	}
	return nil
}

// Write performs the write operation on the file without buffering.
// The data is followed by a padding to align the checkpoint, then the checkpoint itself.
//
// If a system failure occurs while writing and causes the program to suddenly stop,
// only that write data are affected. When the program starts again, recoverFromFile removes
// the incomplete write.
func (l *SimpleHybridLog) Write(p []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	dataSize := int64(len(p))
	padding := (checkpointByteAlignment - (l.realpos+dataSize)%checkpointByteAlignment) % checkpointByteAlignment
	ckptPos := l.realpos + dataSize + padding
	ckpt := makeCheckpoint(l.prevCkptPos, l.pos+dataSize)

	frame := make([]byte, 0, dataSize+padding+checkpointSize)
	frame = append(frame, p...)
	frame = append(frame, make([]byte, padding)...)
	frame = append(frame, ckpt.encode()...)

	// Write data to the file and move cursors
	if _, err := l.f.Write(frame); err != nil {
		// drop whatever part of the frame reached the file
		if terr := l.f.Truncate(l.realpos); terr != nil {
			log.WithFields(log.Fields{"path": l.opts.Path, "error": terr}).Error("failed to roll back partial write")
		}
		return errors.Wrap(err, "failed to write")
	}
	l.fragments = append(l.fragments, fragment{dStart: l.pos, dEnd: l.pos + dataSize, rStart: l.realpos})
	l.buffer(frame)
	l.pos += dataSize
	l.realpos += int64(len(frame))
	l.prevCkptPos = ckptPos
	return nil
}

// buffer keeps a copy of a freshly written frame so it can be read without touching the disk.
// The caller must hold the write lock.
func (l *SimpleHybridLog) buffer(frame []byte) {
	if l.bufValid && l.realpos == l.datasz+int64(l.bufpos) && l.bufpos+len(frame) <= len(l.buf) {
		copy(l.buf[l.bufpos:], frame)
		l.bufpos += len(frame)
	} else {
		l.bufValid = false
	}
	// If those data exceed the buffer high water mark, request a remap
	if !l.bufValid || l.bufpos*100/len(l.buf) > l.opts.HighWaterMark {
		l.requestRemap()
	}
}

func (l *SimpleHybridLog) Size() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pos
}

func (l *SimpleHybridLog) Sync() error {
	return l.f.Sync()
}

func (l *SimpleHybridLog) requestRemap() {
	select {
	case l.remapQueue <- struct{}{}:
	default:
		// a remap is already pending
	}
}

// remap maps the whole file again and empties the buffer.
func (l *SimpleHybridLog) remap() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	if err := l.munmap(); err != nil {
		return err
	}
	return l.mmap()
}

// mmap maps the file up to its current size. The caller must hold the write lock, or be opening the log.
func (l *SimpleHybridLog) mmap() error {
	l.bufpos = 0
	l.bufValid = true
	if l.realpos == 0 {
		return nil
	}
	data, err := mmap(l.f, l.realpos)
	if err != nil {
		l.bufValid = false
		return err
	}
	l.data = data
	l.datasz = l.realpos
	return nil
}

func (l *SimpleHybridLog) munmap() error {
	// Ignore the unmap if we have no mapped data.
	if l.data == nil {
		return nil
	}
	err := munmap(l.data)
	l.data = nil
	l.datasz = 0
	l.bufValid = false
	return err
}

func (l *SimpleHybridLog) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	// Signal the workers to stop
	close(l.stopChan)
	l.mu.Unlock()
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	errs := []error{l.munmap(), l.f.Sync(), l.f.Close(), l.lock.Unlock()}
	for _, err := range errs {
		if err != nil {
			return errors.Wrap(err, "failed to close hybrid log")
		}
	}
	return nil
}

func (l *SimpleHybridLog) startRemappingWorker() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case <-l.remapQueue:
				if err := l.remap(); err != nil {
					// reads fall back to the file until the next remap succeeds
					log.WithFields(log.Fields{"path": l.opts.Path, "error": err}).Error("failed to remap hybrid log")
				}
			case <-l.stopChan:
				return
			}
		}
	}()
}

func (l *SimpleHybridLog) startSyncWorker() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := l.f.Sync(); err != nil {
					log.WithFields(log.Fields{"path": l.opts.Path, "error": err}).Warn("failed to sync hybrid log")
				}
			case <-l.stopChan:
				return
			}
		}
	}()
}
