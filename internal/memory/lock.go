package memory

import (
	"context"
	"errors"
	"os"
	"time"

	apperrors "github.com/off-context/off-context/internal/errors"
)

// errWouldBlock is returned by tryLockFile when another process holds the lock.
var errWouldBlock = errors.New("lock held by another process")

// FileLock is an exclusive advisory lock on a file, shared across processes.
type FileLock struct {
	path string
	f    *os.File
}

// AcquireLock polls for the exclusive lock on path until timeout elapses or ctx
// is done. Timeouts are reported as LockTimeout errors.
func AcquireLock(ctx context.Context, path string, timeout time.Duration) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, apperrors.IOFailure("open lock file", err)
	}
	deadline := time.Now().Add(timeout)
	backoff := 2 * time.Millisecond
	for {
		errLock := tryLockFile(f)
		if errLock == nil {
			return &FileLock{path: path, f: f}, nil
		}
		if !errors.Is(errLock, errWouldBlock) {
			_ = f.Close()
			return nil, apperrors.IOFailure("lock project", errLock)
		}
		if time.Now().After(deadline) {
			_ = f.Close()
			return nil, apperrors.LockTimeout(path, nil)
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, apperrors.LockTimeout(path, ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < 50*time.Millisecond {
			backoff *= 2
		}
	}
}

// Release unlocks and closes the lock file. Safe to call more than once.
func (l *FileLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	errUnlock := unlockFile(l.f)
	errClose := l.f.Close()
	l.f = nil
	if errUnlock != nil {
		return errUnlock
	}
	return errClose
}
