//go:build windows

package thread

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

type fileLock struct {
	path string
}

// acquireLock uses O_EXCL creation of the lock file; a stale lock file left
// by a crashed process must be removed by hand.
func acquireLock(lockFile string) (*fileLock, error) {
	f, err := os.OpenFile(lockFile, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrStoreLocked, lockFile)
		}
		return nil, fmt.Errorf("thread store: lock: %w", err)
	}
	_ = f.Close()
	return &fileLock{path: lockFile}, nil
}

func (l *fileLock) release() {
	if l == nil || l.path == "" {
		return
	}
	_ = os.Remove(l.path)
	l.path = ""
}
