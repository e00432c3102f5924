package hybridlog

import (
	"context"
	"os"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/tysontate/gommap"
)

const lockRetryDelay = 50 * time.Millisecond

func mmap(f *os.File, size int64) (gommap.MMap, error) {
	m, err := gommap.MapRegion(f.Fd(), 0, size, gommap.PROT_READ, gommap.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	if err := m.Advise(gommap.MADV_RANDOM); err != nil {
		_ = m.UnsafeUnmap()
		return nil, err
	}
	return m, nil
}

func munmap(m gommap.MMap) error {
	return m.UnsafeUnmap()
}

// lockFile takes an exclusive lock next to path. Only 1 process can acquire the lock.
func lockFile(path string, timeout time.Duration) (*flock.Flock, error) {
	lock := flock.New(path + ".lock")
	var locked bool
	var err error
	if timeout > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		locked, err = lock.TryLockContext(ctx, lockRetryDelay)
	} else {
		locked, err = lock.TryLock()
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, errors.Wrap(err, "failed to acquire file lock")
	}
	if !locked {
		return nil, errors.Wrap(ErrLocked, path)
	}
	return lock, nil
}
