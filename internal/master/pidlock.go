package master

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// PidLock is the exclusive advisory lock a supervisor takes on its
// pidfile before it will bind the Unix socket, matching spec.md §4.3's
// "one master per node" contract exactly: the file's content is the
// locking process's pid, and the lock itself (not the content) is what
// a second supervisor blocks on.
//
// Grounded on original_source/src/executables/master.c's pidfile
// handling, realized with flock(2) via golang.org/x/sys/unix.Flock
// rather than fcntl byte-range locks since the whole file is always
// single-owner.
type PidLock struct {
	path string
	file *os.File
}

// Acquire opens (creating if absent) the pidfile at path and takes a
// non-blocking exclusive flock. Returns an error if another process
// already holds the lock.
func Acquire(path string) (*PidLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("master: open pidfile %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("master: another supervisor already holds %s: %w", path, err)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("master: truncate pidfile %s: %w", path, err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("master: write pidfile %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("master: sync pidfile %s: %w", path, err)
	}

	return &PidLock{path: path, file: f}, nil
}

// Release drops the flock and removes the pidfile. The file is left in
// place if removal fails (e.g. already gone), which is harmless: the
// next Acquire truncates and rewrites it regardless.
func (l *PidLock) Release() error {
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		l.file.Close()
		return fmt.Errorf("master: unlock pidfile %s: %w", l.path, err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("master: close pidfile %s: %w", l.path, err)
	}
	_ = os.Remove(l.path)
	return nil
}
