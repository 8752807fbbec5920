package engine

import (
	"context"

	"haystack/internal/index"
	"haystack/internal/storage"
)

// Location is the public form of a live index entry.
type Location struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

// Stats summarizes space use. Orphaned bytes are volume bytes no live entry
// refers to: superseded by updates, freed by deletes, or appended by a
// mutation that failed before its index update.
type Stats struct {
	Objects       int   `json:"objects"`
	VolumeBytes   int64 `json:"volume_bytes"`
	LiveBytes     int64 `json:"live_bytes"`
	OrphanedBytes int64 `json:"orphaned_bytes"`
	Tombstones    int   `json:"tombstones"`
}

// Listing returns the location of every live key.
func (e *Engine) Listing(ctx context.Context) (map[string]Location, error) {
	entries, err := e.index.Entries(ctx)
	if err != nil {
		return nil, err
	}

	listing := make(map[string]Location, len(entries))
	for key, entry := range entries {
		listing[key] = Location{Offset: entry.Offset, Length: entry.Length}
	}
	return listing, nil
}

// ExportIndex returns every live entry in the index snapshot encoding,
// which keeps keys byte-exact.
func (e *Engine) ExportIndex(ctx context.Context) ([]byte, error) {
	entries, err := e.index.Entries(ctx)
	if err != nil {
		return nil, err
	}
	return index.EncodeSnapshot(entries)
}

// Stats returns a consistent space summary. It briefly blocks mutations.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entries, err := e.index.Entries(ctx)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		Objects:     len(entries),
		VolumeBytes: e.volume.Size(),
		Tombstones:  e.deletes.Len(),
	}
	for _, entry := range entries {
		stats.LiveBytes += entry.Length
	}
	stats.OrphanedBytes = stats.VolumeBytes - stats.LiveBytes
	return stats, nil
}

// Tombstones returns every delete log record, oldest first.
func (e *Engine) Tombstones() ([]storage.TombstoneRecord, error) {
	return e.deletes.Records()
}
