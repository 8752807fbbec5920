// Package index maps object keys to the volume range holding their payload.
//
// Two backends satisfy the same contract: Memory keeps the map in process and
// persists it as a JSON snapshot that is atomically replaced on every
// mutation, and SQLite keeps one row per key in an embedded database. In both,
// a mutation is durable by the time it returns, and a failed mutation leaves
// the index exactly as it was.
package index

import (
	"context"
	"fmt"
	"path/filepath"

	"haystack/internal/storage"
)

// Status is the liveness of an entry.
type Status int

const (
	Live Status = iota
	Tombstoned
)

func (s Status) String() string {
	if s == Tombstoned {
		return "tombstoned"
	}
	return "live"
}

// Entry locates one payload in the volume. Entries are values; a caller
// holding one never observes a later mutation.
type Entry struct {
	Offset int64
	Length int64
	Status Status
}

// End returns the first volume offset past the entry's range.
func (e Entry) End() int64 {
	return e.Offset + e.Length
}

// Index is the key to volume-range mapping.
type Index interface {
	// Lookup returns the live entry for key, if any.
	Lookup(ctx context.Context, key string) (Entry, bool, error)

	// Insert adds a live entry. It fails with storage.ErrKeyExists if key
	// already has one; concurrent inserts of one key admit exactly one winner.
	Insert(ctx context.Context, key string, entry Entry) error

	// Replace swaps the live entry for key. It fails with storage.ErrNotFound
	// if there is none.
	Replace(ctx context.Context, key string, entry Entry) error

	// Remove drops the live entry for key and returns it marked Tombstoned.
	// It fails with storage.ErrNotFound if there is none.
	Remove(ctx context.Context, key string) (Entry, error)

	// Entries returns a copy of every live entry.
	Entries(ctx context.Context) (map[string]Entry, error)

	Close() error
}

// Kind selects an index backend.
type Kind string

const (
	KindMemory Kind = "memory"
	KindSQLite Kind = "sqlite"
)

// ParseKind maps the command line spelling of a backend.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case "", KindMemory:
		return KindMemory, nil
	case KindSQLite:
		return KindSQLite, nil
	}
	return "", fmt.Errorf("unknown index backend %q", s)
}

// Open loads the index of the given kind from dataDir, creating an empty one
// if none exists yet.
func Open(ctx context.Context, kind Kind, dataDir string) (Index, error) {
	switch kind {
	case KindMemory, "":
		return OpenMemory(filepath.Join(dataDir, storage.SnapshotFileName))
	case KindSQLite:
		return OpenSQLite(ctx, filepath.Join(dataDir, storage.SQLiteFileName))
	}
	return nil, fmt.Errorf("unknown index backend %q", kind)
}
