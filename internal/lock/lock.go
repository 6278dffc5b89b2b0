// Package lock enforces one engine per profile with an advisory flock on
// a pid file.
package lock

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ErrHeld means another daemon owns the profile.
var ErrHeld = errors.New("profile is locked by another process")

type Lock struct {
	file *os.File
	path string
}

// Acquire takes the profile lock without blocking. On conflict the error
// wraps ErrHeld and names the owning pid when it can be read.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		owner := readPid(f)
		f.Close()
		if owner > 0 {
			return nil, fmt.Errorf("%w (pid %d)", ErrHeld, owner)
		}
		return nil, ErrHeld
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncating lock file: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing lock file: %w", err)
	}
	return &Lock{file: f, path: path}, nil
}

// Release drops the lock and removes the pid file.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	os.Remove(l.path)
	return err
}

func readPid(f *os.File) int {
	buf := make([]byte, 32)
	n, err := f.ReadAt(buf, 0)
	if n == 0 && err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	if err != nil {
		return 0
	}
	return pid
}
