//go:build !unix

package db

import (
	"fmt"
	"io"
	"os"
	"sync"

	"embeddb/pkg/dberrors"
)

// Without flock only locks taken by this process are detected.
var (
	lockedMu sync.Mutex
	locked   = map[string]struct{}{}
)

type fileLock struct {
	path string
	f    *os.File
}

func lockFile(path string) (io.Closer, error) {
	lockedMu.Lock()
	defer lockedMu.Unlock()

	if _, ok := locked[path]; ok {
		return nil, fmt.Errorf("%w: %s", dberrors.ErrLocked, path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	locked[path] = struct{}{}
	return &fileLock{path: path, f: f}, nil
}

func (l *fileLock) Close() error {
	lockedMu.Lock()
	delete(locked, l.path)
	lockedMu.Unlock()
	return l.f.Close()
}
