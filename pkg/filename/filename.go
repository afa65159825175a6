// Package filename names the files inside a database directory:
//
//	CURRENT           name of the live manifest
//	LOCK              advisory process lock
//	IDENTITY          database UUID
//	MANIFEST-000005   version edits
//	000006.log        WAL segment
//	000007.sst        table
//	000008.dbtmp      scratch file, renamed into place
package filename

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"embeddb/pkg/types"
)

// Type classifies a directory entry.
type Type int

const (
	TypeUnknown Type = iota
	TypeCurrent
	TypeLock
	TypeIdentity
	TypeManifest
	TypeLog
	TypeTable
	TypeTemp
)

func (t Type) String() string {
	switch t {
	case TypeCurrent:
		return "current"
	case TypeLock:
		return "lock"
	case TypeIdentity:
		return "identity"
	case TypeManifest:
		return "manifest"
	case TypeLog:
		return "log"
	case TypeTable:
		return "table"
	case TypeTemp:
		return "temp"
	default:
		return "unknown"
	}
}

const (
	Current  = "CURRENT"
	Lock     = "LOCK"
	Identity = "IDENTITY"

	manifestPrefix = "MANIFEST-"
)

func Manifest(n types.FileNum) string { return fmt.Sprintf("%s%06d", manifestPrefix, n) }
func Log(n types.FileNum) string      { return fmt.Sprintf("%06d.log", n) }
func Table(n types.FileNum) string    { return fmt.Sprintf("%06d.sst", n) }
func Temp(n types.FileNum) string     { return fmt.Sprintf("%06d.dbtmp", n) }

// Path joins dir and name.
func Path(dir, name string) string {
	return filepath.Join(dir, name)
}

// Parse recognizes a file name produced by this package.
func Parse(name string) (Type, types.FileNum, bool) {
	switch name {
	case Current:
		return TypeCurrent, 0, true
	case Lock:
		return TypeLock, 0, true
	case Identity:
		return TypeIdentity, 0, true
	}

	if rest, ok := strings.CutPrefix(name, manifestPrefix); ok {
		n, err := strconv.ParseUint(rest, 10, 64)
		if err != nil {
			return TypeUnknown, 0, false
		}
		return TypeManifest, types.FileNum(n), true
	}

	ext := filepath.Ext(name)
	n, err := strconv.ParseUint(strings.TrimSuffix(name, ext), 10, 64)
	if err != nil {
		return TypeUnknown, 0, false
	}
	switch ext {
	case ".log":
		return TypeLog, types.FileNum(n), true
	case ".sst":
		return TypeTable, types.FileNum(n), true
	case ".dbtmp":
		return TypeTemp, types.FileNum(n), true
	}
	return TypeUnknown, 0, false
}

// SetCurrent atomically points CURRENT at MANIFEST-n: the new contents are
// written to a temp file, synced, renamed over CURRENT and the directory is
// synced.
func SetCurrent(dir string, n types.FileNum) error {
	tmp := Path(dir, Temp(n))
	contents := Manifest(n) + "\n"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	if _, err := f.WriteString(contents); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, Path(dir, Current)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to install CURRENT: %w", err)
	}
	return SyncDir(dir)
}

// ReadCurrent returns the manifest file name CURRENT points at.
func ReadCurrent(dir string) (string, error) {
	data, err := os.ReadFile(Path(dir, Current))
	if err != nil {
		return "", err
	}
	name, ok := strings.CutSuffix(string(data), "\n")
	if !ok || name == "" {
		return "", fmt.Errorf("CURRENT file is malformed: %q", data)
	}
	if t, _, ok := Parse(name); !ok || t != TypeManifest {
		return "", fmt.Errorf("CURRENT names %q, not a manifest", name)
	}
	return name, nil
}

// SyncDir flushes directory entries so created and renamed files survive a
// crash.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open dir for sync: %w", err)
	}
	defer d.Close()

	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync dir: %w", err)
	}
	return nil
}
