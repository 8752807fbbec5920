package storage

import (
	"os"
	"path/filepath"
)

// File names inside the data directory.
const (
	VolumeFileName    = "volume.dat"
	SnapshotFileName  = "index.json"
	SQLiteFileName    = "index.sqlite"
	DeleteLogFileName = "delete.log"
)

// EnsureDir creates dir if needed and returns its absolute form.
func EnsureDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", IOFailure("resolve data dir", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", IOFailure("create data dir", err)
	}

	return abs, nil
}

// SyncDir fsyncs a directory so that files created or renamed inside it
// survive a crash.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return IOFailure("open dir", err)
	}
	defer d.Close()

	if err := d.Sync(); err != nil {
		return IOFailure("sync dir", err)
	}
	return nil
}
