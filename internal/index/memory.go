package index

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"unicode/utf8"

	"haystack/internal/storage"

	"github.com/natefinch/atomic"
)

// Memory is an in-process index persisted as a JSON snapshot.
//
// Mutations are serialized by writeMu. Each one builds the next map, writes
// it to a temporary file, fsyncs it, and renames it over the previous
// snapshot; only then is the new map published to readers. Lookups only take
// the read lock long enough to copy one entry, so they never wait on disk.
type Memory struct {
	path    string
	writeMu sync.Mutex
	mu      sync.RWMutex
	entries map[string]Entry
}

// snapshotRecord is one element of the on-disk snapshot, a JSON array
// sorted by key. Keys that are not valid UTF-8 would be rewritten by
// encoding/json, so they are stored base64-encoded in raw_key instead.
type snapshotRecord struct {
	Key    string `json:"key,omitempty"`
	RawKey []byte `json:"raw_key,omitempty"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
}

func (r snapshotRecord) key() string {
	if r.RawKey != nil {
		return string(r.RawKey)
	}
	return r.Key
}

// legacySnapshot is the older {"key": [offset, length], ...} form. It is
// still accepted on load and replaced by the record form on the next write.
type legacySnapshot map[string][2]int64

// OpenMemory loads the snapshot at path, or starts empty if there is none.
func OpenMemory(path string) (*Memory, error) {
	entries, err := loadSnapshot(path)
	if err != nil {
		return nil, err
	}

	return &Memory{
		path:    path,
		entries: entries,
	}, nil
}

func loadSnapshot(path string) (map[string]Entry, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]Entry{}, nil
	}
	if err != nil {
		return nil, storage.IOFailure("read index snapshot", err)
	}

	return decodeSnapshot(data)
}

func decodeSnapshot(data []byte) (map[string]Entry, error) {
	var records []snapshotRecord
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		var legacy legacySnapshot
		if err := json.Unmarshal(data, &legacy); err != nil {
			return nil, storage.SerializationFailure("decode index snapshot", err)
		}
		for key, loc := range legacy {
			records = append(records, snapshotRecord{Key: key, Offset: loc[0], Length: loc[1]})
		}
	} else if err := json.Unmarshal(data, &records); err != nil {
		return nil, storage.SerializationFailure("decode index snapshot", err)
	}

	entries := make(map[string]Entry, len(records))
	for _, rec := range records {
		key := rec.key()
		if rec.Offset < 0 || rec.Length < 0 {
			return nil, storage.SerializationFailure("decode index snapshot", fmt.Errorf("negative range for %q", key))
		}
		if _, ok := entries[key]; ok {
			return nil, storage.SerializationFailure("decode index snapshot", fmt.Errorf("duplicate key %q", key))
		}
		entries[key] = Entry{Offset: rec.Offset, Length: rec.Length, Status: Live}
	}
	return entries, nil
}

// EncodeSnapshot returns the snapshot encoding of entries. Every key,
// including ones that are not valid UTF-8, survives a decode unchanged.
func EncodeSnapshot(entries map[string]Entry) ([]byte, error) {
	records := make([]snapshotRecord, 0, len(entries))
	for _, key := range slices.Sorted(maps.Keys(entries)) {
		entry := entries[key]
		rec := snapshotRecord{Offset: entry.Offset, Length: entry.Length}
		if utf8.ValidString(key) {
			rec.Key = key
		} else {
			rec.RawKey = []byte(key)
		}
		records = append(records, rec)
	}

	data, err := json.Marshal(records)
	if err != nil {
		return nil, storage.SerializationFailure("encode index snapshot", err)
	}
	return data, nil
}

func (m *Memory) Lookup(_ context.Context, key string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[key]
	return entry, ok, nil
}

func (m *Memory) Insert(_ context.Context, key string, entry Entry) error {
	return m.mutate(func(next map[string]Entry) error {
		if _, ok := next[key]; ok {
			return storage.KeyError(storage.ErrKeyExists, key)
		}
		entry.Status = Live
		next[key] = entry
		return nil
	})
}

func (m *Memory) Replace(_ context.Context, key string, entry Entry) error {
	return m.mutate(func(next map[string]Entry) error {
		if _, ok := next[key]; !ok {
			return storage.KeyError(storage.ErrNotFound, key)
		}
		entry.Status = Live
		next[key] = entry
		return nil
	})
}

func (m *Memory) Remove(_ context.Context, key string) (Entry, error) {
	var removed Entry
	err := m.mutate(func(next map[string]Entry) error {
		entry, ok := next[key]
		if !ok {
			return storage.KeyError(storage.ErrNotFound, key)
		}
		delete(next, key)
		removed = entry
		removed.Status = Tombstoned
		return nil
	})
	return removed, err
}

func (m *Memory) Entries(_ context.Context) (map[string]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.entries), nil
}

// Close is a no-op; every mutation is already on disk.
func (m *Memory) Close() error {
	return nil
}

// mutate applies fn to a copy of the current map, persists the copy, and
// publishes it. If fn or the write fails the published map is unchanged.
func (m *Memory) mutate(fn func(next map[string]Entry) error) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	// writeMu makes this the only goroutine that replaces m.entries, so the
	// map can be read here without m.mu.
	next := maps.Clone(m.entries)
	if err := fn(next); err != nil {
		return err
	}

	if err := m.persist(next); err != nil {
		return err
	}

	m.mu.Lock()
	m.entries = next
	m.mu.Unlock()
	return nil
}

func (m *Memory) persist(entries map[string]Entry) error {
	data, err := EncodeSnapshot(entries)
	if err != nil {
		return err
	}

	// atomic.WriteFile writes a temp file in the same directory, fsyncs it,
	// and renames it over path.
	if err := atomic.WriteFile(m.path, bytes.NewReader(data)); err != nil {
		return storage.IOFailure("write index snapshot", err)
	}

	return storage.SyncDir(filepath.Dir(m.path))
}
