// Package engine is the haystack storage engine. It owns one volume, one
// index, and one delete log, and exposes Create, Update, Delete, and Get on
// top of them.
//
// Mutations are serialized by a single mutex that covers the existence
// check, the volume append, and the index update, so they are linearizable
// with respect to each other. Reads copy one index entry and then read the
// volume without that mutex; since volume ranges are never rewritten, the
// copied entry always names bytes that stay valid.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"haystack/internal/index"
	"haystack/internal/storage"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
)

// Config holds the engine's settings. Zero values are usable except DataDir.
type Config struct {
	// DataDir holds the volume, index, and delete log.
	DataDir string
	// IndexKind selects the index backend. Defaults to index.KindMemory.
	IndexKind index.Kind
	// SyncMode controls volume flushing. Defaults to storage.SyncAlways.
	SyncMode storage.SyncMode
	// CacheEntries bounds the read cache. Zero disables it.
	CacheEntries int
	// Clock stamps tombstone records. Defaults to the real clock.
	Clock clockwork.Clock
	// Index, when set, is used instead of opening IndexKind from DataDir.
	Index index.Index
}

// span identifies an immutable range of the volume.
type span struct {
	offset int64
	length int64
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg     Config
	mu      sync.Mutex
	volume  *storage.Volume
	index   index.Index
	deletes *storage.DeleteLog
	cache   *lru.Cache[span, []byte]
	clock   clockwork.Clock
}

// Open loads the engine's files from cfg.DataDir, creating any that do not
// exist yet.
func Open(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("DataDir must not be empty")
	}

	dataDir, err := storage.EnsureDir(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	cfg.DataDir = dataDir

	if cfg.IndexKind == "" {
		cfg.IndexKind = index.KindMemory
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	e := &Engine{cfg: cfg, clock: cfg.Clock}

	e.volume, err = storage.OpenVolume(filepath.Join(dataDir, storage.VolumeFileName), cfg.SyncMode)
	if err != nil {
		return nil, err
	}

	e.deletes, err = storage.OpenDeleteLog(filepath.Join(dataDir, storage.DeleteLogFileName))
	if err != nil {
		_ = e.volume.Close()
		return nil, err
	}

	e.index = cfg.Index
	if e.index == nil {
		e.index, err = index.Open(ctx, cfg.IndexKind, dataDir)
		if err != nil {
			_ = e.deletes.Close()
			_ = e.volume.Close()
			return nil, err
		}
	}

	// Newly created files must survive a crash before anything refers to them.
	if err := storage.SyncDir(dataDir); err != nil {
		_ = e.Close()
		return nil, err
	}

	if cfg.CacheEntries > 0 {
		e.cache, err = lru.New[span, []byte](cfg.CacheEntries)
		if err != nil {
			_ = e.Close()
			return nil, fmt.Errorf("create read cache: %w", err)
		}
	}

	if err := e.checkConsistency(ctx); err != nil {
		_ = e.Close()
		return nil, err
	}

	return e, nil
}

// checkConsistency reports entries that point past the end of the volume.
// Those keys stay in the index and fail reads with storage.ErrCorruptRead.
func (e *Engine) checkConsistency(ctx context.Context) error {
	entries, err := e.index.Entries(ctx)
	if err != nil {
		return err
	}

	size := e.volume.Size()
	var live int64
	for key, entry := range entries {
		live += entry.Length
		if entry.End() > size {
			slog.Warn("Index entry exceeds volume", "key", key, "offset", entry.Offset, "length", entry.Length, "volume_size", size)
		}
	}

	slog.Info("Opened haystack engine",
		"data_dir", e.cfg.DataDir,
		"index", e.cfg.IndexKind,
		"sync", e.cfg.SyncMode,
		"objects", len(entries),
		"volume_bytes", size,
		"orphaned_bytes", size-live,
		"tombstones", e.deletes.Len(),
	)
	return nil
}

// Close releases the engine's files. The engine must not be used afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	if e.index != nil {
		errs = append(errs, e.index.Close())
	}
	if e.deletes != nil {
		errs = append(errs, e.deletes.Close())
	}
	if e.volume != nil {
		errs = append(errs, e.volume.Close())
	}
	return errors.Join(errs...)
}

// Create stores data under key. It fails with storage.ErrKeyExists if key is
// live. On success the payload and index entry are both durable.
func (e *Engine) Create(ctx context.Context, key string, data []byte) (index.Entry, error) {
	if err := validate(key, data); err != nil {
		return index.Entry{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Checked before appending so a losing duplicate never writes bytes.
	if _, ok, err := e.index.Lookup(ctx, key); err != nil {
		return index.Entry{}, err
	} else if ok {
		return index.Entry{}, storage.KeyError(storage.ErrKeyExists, key)
	}

	entry, err := e.append(data)
	if err != nil {
		return index.Entry{}, err
	}

	if err := e.index.Insert(ctx, key, entry); err != nil {
		slog.Warn("Create left orphaned bytes", "key", key, "offset", entry.Offset, "length", entry.Length, "err", err)
		return index.Entry{}, err
	}

	slog.Debug("Created object", "key", key, "offset", entry.Offset, "length", entry.Length)
	return entry, nil
}

// Update stores data as a new range and points key at it. The previous
// range is left in the volume, unreferenced. It fails with
// storage.ErrNotFound if key is not live.
func (e *Engine) Update(ctx context.Context, key string, data []byte) (index.Entry, error) {
	if err := validate(key, data); err != nil {
		return index.Entry{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok, err := e.index.Lookup(ctx, key); err != nil {
		return index.Entry{}, err
	} else if !ok {
		return index.Entry{}, storage.KeyError(storage.ErrNotFound, key)
	}

	entry, err := e.append(data)
	if err != nil {
		return index.Entry{}, err
	}

	if err := e.index.Replace(ctx, key, entry); err != nil {
		slog.Warn("Update left orphaned bytes", "key", key, "offset", entry.Offset, "length", entry.Length, "err", err)
		return index.Entry{}, err
	}

	slog.Debug("Updated object", "key", key, "offset", entry.Offset, "length", entry.Length)
	return entry, nil
}

// Delete removes key from the index after durably recording the range it
// occupied in the delete log. The payload bytes stay in the volume. The key
// can be created again as soon as Delete returns.
func (e *Engine) Delete(ctx context.Context, key string) (storage.TombstoneRecord, error) {
	if key == "" {
		return storage.TombstoneRecord{}, fmt.Errorf("%w: empty key", storage.ErrMalformedInput)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok, err := e.index.Lookup(ctx, key)
	if err != nil {
		return storage.TombstoneRecord{}, err
	}
	if !ok {
		return storage.TombstoneRecord{}, storage.KeyError(storage.ErrNotFound, key)
	}

	rec := storage.TombstoneRecord{
		Key:       key,
		Offset:    entry.Offset,
		Length:    entry.Length,
		Timestamp: e.clock.Now().UTC(),
	}

	// The log record must be durable before the removal is, so a crash in
	// between still leaves the freed range on record.
	if err := e.deletes.Append(rec); err != nil {
		return storage.TombstoneRecord{}, err
	}

	if _, err := e.index.Remove(ctx, key); err != nil {
		return storage.TombstoneRecord{}, err
	}

	slog.Debug("Deleted object", "key", key, "offset", entry.Offset, "length", entry.Length)
	return rec, nil
}

// Get returns the payload stored under key. It fails with storage.ErrNotFound
// if key is not live and with storage.ErrCorruptRead if the index names bytes
// the volume does not have.
func (e *Engine) Get(ctx context.Context, key string) ([]byte, error) {
	entry, ok, err := e.index.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, storage.KeyError(storage.ErrNotFound, key)
	}

	s := span{offset: entry.Offset, length: entry.Length}
	if e.cache != nil {
		if data, ok := e.cache.Get(s); ok {
			return bytes.Clone(data), nil
		}
	}

	data, err := e.volume.ReadAt(entry.Offset, entry.Length)
	if err != nil {
		if errors.Is(err, storage.ErrCorruptRead) {
			slog.Error("Index and volume disagree", "key", key, "offset", entry.Offset, "length", entry.Length, "err", err)
		}
		return nil, err
	}

	if e.cache != nil {
		e.cache.Add(s, bytes.Clone(data))
	}
	return data, nil
}

// append writes data to the volume. Callers hold e.mu.
func (e *Engine) append(data []byte) (index.Entry, error) {
	offset, length, err := e.volume.Append(data)
	if err != nil {
		return index.Entry{}, err
	}
	return index.Entry{Offset: offset, Length: length, Status: index.Live}, nil
}

func validate(key string, data []byte) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", storage.ErrMalformedInput)
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", storage.ErrMalformedInput)
	}
	return nil
}
