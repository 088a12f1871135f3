//go:build !unix

package persistence

import (
	"errors"
	"fmt"
	"os"
)

// ErrLocked is returned when another process holds the disk store's lock file
var ErrLocked = errors.New("disk store path is locked by another process")

// fileLock only marks the directory on platforms without flock
type fileLock struct {
	file *os.File
}

func lockFile(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	return &fileLock{file: f}, nil
}

func (l *fileLock) unlock(remove bool) error {
	if l == nil {
		return nil
	}
	err := l.file.Close()
	if remove {
		_ = os.Remove(l.file.Name())
	}
	return err
}
