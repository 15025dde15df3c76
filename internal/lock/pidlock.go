//go:build linux || darwin

package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// ErrLocked is returned by TryAcquire when another holder owns the lock.
var ErrLocked = errors.New("lock held by another process")

// FileLock is an exclusive flock(2) on a file. The lock lives as long as the
// descriptor stays open; the kernel drops it if the process dies.
type FileLock struct {
	path string
	f    *os.File
}

// AcquirePIDLock acquires an exclusive non-blocking lock at lockPath and writes
// the current PID into the file. Used for single-instance `serve`.
func AcquirePIDLock(lockPath string) (*FileLock, error) {
	l, err := TryAcquire(lockPath)
	if err != nil {
		return nil, err
	}

	if err := l.f.Truncate(0); err != nil {
		_ = l.Release()
		return nil, fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := l.f.Seek(0, 0); err != nil {
		_ = l.Release()
		return nil, fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(l.f, "%d\n", os.Getpid()); err != nil {
		_ = l.Release()
		return nil, fmt.Errorf("write pid: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		_ = l.Release()
		return nil, fmt.Errorf("sync lock file: %w", err)
	}

	return l, nil
}

// TryAcquire takes the lock at lockPath without blocking. It returns ErrLocked
// (wrapped) when the lock is already held.
func TryAcquire(lockPath string) (*FileLock, error) {
	if lockPath == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s: %w", lockPath, ErrLocked)
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	return &FileLock{path: lockPath, f: f}, nil
}

// Acquire blocks until the lock is taken or ctx is done, retrying every poll.
func Acquire(ctx context.Context, lockPath string, poll time.Duration) (*FileLock, error) {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	for {
		l, err := TryAcquire(lockPath)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, ErrLocked) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s: %w", lockPath, ctx.Err())
		case <-time.After(poll):
		}
	}
}

func (l *FileLock) Path() string { return l.path }

func (l *FileLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
