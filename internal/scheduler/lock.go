package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// DaemonLock holds an exclusive advisory lock on a well-known path,
// preventing a second scheduler daemon from starting for the same
// namespace (spec §4.5).
type DaemonLock struct {
	file *os.File
	path string
}

// DefaultLockPath returns the conventional lock file location for a namespace.
func DefaultLockPath(namespace string) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("%s-scheduler-daemon.lock", namespace))
}

// AcquireDaemonLock takes an exclusive, non-blocking lock on path. If
// another daemon already holds it, it returns an error identifying the
// conflict rather than blocking.
func AcquireDaemonLock(path string) (*DaemonLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("scheduler daemon already running (lock held on %s): %w", path, err)
	}
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteString(fmt.Sprintf("%d\n", os.Getpid()))
	}
	return &DaemonLock{file: f, path: path}, nil
}

// Release drops the lock and removes the file.
func (l *DaemonLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	err := l.file.Close()
	_ = os.Remove(l.path)
	return err
}
