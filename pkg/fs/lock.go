package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrWouldBlock is returned by TryLock when another descriptor holds the
	// lock, and by LockWithTimeout when the timeout expires.
	ErrWouldBlock = errors.New("lock would block")

	// ErrInvalidTimeout is returned for timeouts <= 0.
	ErrInvalidTimeout = errors.New("invalid lock timeout")

	errInodeMismatch = errors.New("inode mismatch")
)

// Locker takes advisory flock(2) locks on dedicated lock files.
//
// flock binds to an inode, not a path. After locking, Locker checks that the
// descriptor still refers to the file at path and retries if it was replaced
// in between. Lock files must not be replaced or unlinked while held.
//
// Unix only. The FS must hand out real descriptors and Stat results backed by
// *syscall.Stat_t.
type Locker struct {
	fs    FS
	flock func(fd int, how int) error
}

// NewLocker returns a Locker over fs.
func NewLocker(fs FS) *Locker {
	return &Locker{fs: fs, flock: unix.Flock}
}

// Lock is a held lock. Close releases it.
type Lock struct {
	mu    sync.Mutex
	file  File
	flock func(fd int, how int) error
}

// Close unlocks and closes the descriptor. It is idempotent.
func (lk *Lock) Close() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return nil
	}

	unlockErr := flockRetryEINTR(lk.flock, int(lk.file.Fd()), unix.LOCK_UN)
	closeErr := lk.file.Close()
	lk.file = nil

	if unlockErr != nil {
		unlockErr = fmt.Errorf("unlocking lock: %w", unlockErr)
	}

	if closeErr != nil {
		closeErr = fmt.Errorf("closing lock fd: %w", closeErr)
	}

	return errors.Join(unlockErr, closeErr)
}

// TryLock takes an exclusive lock without waiting. Missing parent
// directories and the lock file itself are created.
func (l *Locker) TryLock(path string) (*Lock, error) {
	return l.poll(path, 0)
}

// LockWithTimeout polls for an exclusive lock with 1ms..25ms backoff until
// timeout. On expiry the error wraps [ErrWouldBlock].
func (l *Locker) LockWithTimeout(path string, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be > 0", ErrInvalidTimeout)
	}

	return l.poll(path, timeout)
}

// Held reports whether some other descriptor currently holds an exclusive
// lock on path. A missing lock file means not held.
func (l *Locker) Held(path string) (bool, error) {
	f, err := l.fs.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("opening lockfile: %w", err)
	}

	defer func() { _ = f.Close() }()

	err = flockRetryEINTR(l.flock, int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		_ = flockRetryEINTR(l.flock, int(f.Fd()), unix.LOCK_UN)

		return false, nil
	}

	if isWouldBlock(err) {
		return true, nil
	}

	return false, fmt.Errorf("flock: %w", err)
}

const (
	lockFilePerm = 0o600
	lockDirPerm  = 0o755
	maxBackoff   = 25 * time.Millisecond
)

func (l *Locker) poll(path string, timeout time.Duration) (*Lock, error) {
	deadline := time.Now().Add(timeout)
	backoff := time.Millisecond

	for {
		f, err := l.openLockFile(path)
		if err != nil {
			return nil, fmt.Errorf("opening lockfile: %w", err)
		}

		err = l.acquire(f, path)
		if err == nil {
			return &Lock{file: f, flock: l.flock}, nil
		}

		_ = f.Close()

		if !errors.Is(err, ErrWouldBlock) && !errors.Is(err, errInodeMismatch) {
			return nil, err
		}

		remaining := time.Until(deadline)
		if timeout == 0 || remaining <= 0 {
			if timeout == 0 {
				return nil, ErrWouldBlock
			}

			return nil, fmt.Errorf("%w: timed out after %s", ErrWouldBlock, timeout)
		}

		time.Sleep(min(backoff, remaining))

		backoff = min(backoff*2, maxBackoff)
	}
}

func (l *Locker) acquire(f File, path string) error {
	fd := int(f.Fd())

	if err := flockRetryEINTR(l.flock, fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if isWouldBlock(err) {
			return ErrWouldBlock
		}

		return fmt.Errorf("flock: %w", err)
	}

	same, err := l.sameInode(path, f)
	if err != nil || !same {
		_ = flockRetryEINTR(l.flock, fd, unix.LOCK_UN)

		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("verifying inode match: %w", err)
		}

		return errInodeMismatch
	}

	return nil
}

func (l *Locker) openLockFile(path string) (File, error) {
	f, err := l.fs.OpenFile(path, os.O_RDWR|os.O_CREATE, lockFilePerm)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return f, err
	}

	if err := l.fs.MkdirAll(filepath.Dir(path), lockDirPerm); err != nil {
		return nil, err
	}

	return l.fs.OpenFile(path, os.O_RDWR|os.O_CREATE, lockFilePerm)
}

// sameInode compares (dev, ino) of the open descriptor and of path.
func (l *Locker) sameInode(path string, f File) (bool, error) {
	open, err := f.Stat()
	if err != nil {
		return false, err
	}

	cur, err := l.fs.Stat(path)
	if err != nil {
		return false, err
	}

	a, okA := open.Sys().(*syscall.Stat_t)
	b, okB := cur.Sys().(*syscall.Stat_t)

	if !okA || !okB || a == nil || b == nil {
		return false, fmt.Errorf("stat sys %T/%T, want *syscall.Stat_t", open.Sys(), cur.Sys())
	}

	return a.Dev == b.Dev && a.Ino == b.Ino, nil
}

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN)
}

// flockRetryEINTR retries flock interrupted by signals, capped so a signal
// storm cannot spin forever.
func flockRetryEINTR(flock func(fd int, how int) error, fd int, how int) error {
	const maxRetries = 10000

	var err error
	for range maxRetries {
		err = flock(fd, how)
		if err == nil || !errors.Is(err, unix.EINTR) {
			return err
		}
	}

	return err
}
