package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
)

// SyncMode determines when volume appends are flushed to stable storage.
type SyncMode int

const (
	// SyncAlways fsyncs after every append. An append that returned
	// successfully survives power loss.
	SyncAlways SyncMode = iota

	// SyncNone leaves writeback to the operating system. Appends that returned
	// successfully survive a process crash but may be lost on power failure
	// until the kernel flushes them or the volume is closed.
	SyncNone
)

// ParseSyncMode maps the command line spelling of a sync mode.
func ParseSyncMode(s string) (SyncMode, error) {
	switch s {
	case "", "always":
		return SyncAlways, nil
	case "none":
		return SyncNone, nil
	}
	return 0, fmt.Errorf("unknown sync mode %q", s)
}

func (m SyncMode) String() string {
	if m == SyncNone {
		return "none"
	}
	return "always"
}

// Volume is a single append-only payload file. Bytes are only ever added at
// the end; nothing already written is truncated or overwritten.
//
// Appends are serialized by an internal mutex. Reads use pread and never take
// that mutex, so any number of readers can run alongside one appender.
type Volume struct {
	file     *os.File
	path     string
	mu       sync.Mutex
	size     atomic.Int64
	syncMode SyncMode
}

// OpenVolume opens or creates the volume file at path. The end of the
// existing file becomes the next append offset.
func OpenVolume(path string, syncMode SyncMode) (*Volume, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, IOFailure("open volume", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, IOFailure("stat volume", err)
	}

	v := &Volume{
		file:     file,
		path:     path,
		syncMode: syncMode,
	}
	v.size.Store(info.Size())
	return v, nil
}

// Append writes data at the current end of the volume and returns the offset
// it begins at. When SyncMode is SyncAlways the data is on stable storage
// before Append returns.
//
// If the write fails part way, whatever was written stays in the file as
// unreferenced bytes and the next append starts after it.
func (v *Volume) Append(data []byte) (offset int64, length int64, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	offset = v.size.Load()
	n, err := v.file.WriteAt(data, offset)
	if n > 0 {
		v.size.Add(int64(n))
	}
	if err != nil {
		return 0, 0, IOFailure("append volume", err)
	}

	if v.syncMode == SyncAlways {
		if err := v.file.Sync(); err != nil {
			return 0, 0, IOFailure("sync volume", err)
		}
	}

	return offset, int64(n), nil
}

// ReadAt returns exactly length bytes starting at offset. A range that
// extends past the end of the volume is reported as ErrCorruptRead rather
// than returning a short buffer.
func (v *Volume) ReadAt(offset int64, length int64) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, fmt.Errorf("%w: invalid range %d+%d", ErrCorruptRead, offset, length)
	}

	// Compared as length > size-offset so huge values cannot overflow.
	if size := v.size.Load(); offset > size || length > size-offset {
		return nil, fmt.Errorf("%w: range %d+%d exceeds volume size %d", ErrCorruptRead, offset, length, size)
	}

	buf := make([]byte, length)
	n, err := v.file.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, IOFailure("read volume", err)
	}

	if int64(n) != length {
		return nil, fmt.Errorf("%w: expected %d bytes at offset %d, got %d", ErrCorruptRead, length, offset, n)
	}

	return buf, nil
}

// Size returns the number of bytes appended so far.
func (v *Volume) Size() int64 {
	return v.size.Load()
}

// Path returns the file backing the volume.
func (v *Volume) Path() string {
	return v.path
}

// Sync flushes the volume to stable storage.
func (v *Volume) Sync() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.file.Sync(); err != nil {
		return IOFailure("sync volume", err)
	}
	return nil
}

// Close flushes and closes the volume file.
func (v *Volume) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.file.Sync(); err != nil {
		v.file.Close()
		return IOFailure("sync volume", err)
	}

	if err := v.file.Close(); err != nil {
		return IOFailure("close volume", err)
	}
	return nil
}
