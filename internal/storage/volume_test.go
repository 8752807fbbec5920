package storage_test

import (
	"haystack/internal/storage"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestVolume(t *testing.T, mode storage.SyncMode) (*storage.Volume, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), storage.VolumeFileName)
	v, err := storage.OpenVolume(path, mode)
	require.NoError(t, err, "OpenVolume error")
	t.Cleanup(func() { _ = v.Close() })
	return v, path
}

func TestVolumeAppendOffsets(t *testing.T) {
	t.Parallel()

	v, _ := openTestVolume(t, storage.SyncAlways)

	off, n, err := v.Append([]byte("hello"))
	require.NoError(t, err, "first Append error")
	require.Equal(t, int64(0), off, "first offset")
	require.Equal(t, int64(5), n, "first length")

	off, n, err = v.Append([]byte("world!"))
	require.NoError(t, err, "second Append error")
	require.Equal(t, int64(5), off, "second offset")
	require.Equal(t, int64(6), n, "second length")

	require.Equal(t, int64(11), v.Size(), "volume size")

	got, err := v.ReadAt(0, 5)
	require.NoError(t, err, "ReadAt first")
	require.Equal(t, []byte("hello"), got)

	got, err = v.ReadAt(5, 6)
	require.NoError(t, err, "ReadAt second")
	require.Equal(t, []byte("world!"), got)
}

func TestVolumeReopenContinuesAtEnd(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), storage.VolumeFileName)

	v, err := storage.OpenVolume(path, storage.SyncNone)
	require.NoError(t, err, "OpenVolume error")
	_, _, err = v.Append([]byte("abc"))
	require.NoError(t, err, "Append error")
	require.NoError(t, v.Close(), "Close error")

	v, err = storage.OpenVolume(path, storage.SyncNone)
	require.NoError(t, err, "reopen error")
	defer v.Close()

	off, _, err := v.Append([]byte("def"))
	require.NoError(t, err, "Append after reopen error")
	require.Equal(t, int64(3), off, "append must continue at previous end")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "abcdef", string(raw), "existing bytes must be untouched")
}

func TestVolumeReadPastEndIsCorrupt(t *testing.T) {
	t.Parallel()

	v, _ := openTestVolume(t, storage.SyncAlways)
	_, _, err := v.Append([]byte("short"))
	require.NoError(t, err)

	_, err = v.ReadAt(2, 10)
	require.ErrorIs(t, err, storage.ErrCorruptRead)

	_, err = v.ReadAt(-1, 2)
	require.ErrorIs(t, err, storage.ErrCorruptRead)

	// offset+length would overflow int64.
	_, err = v.ReadAt(1, math.MaxInt64)
	require.ErrorIs(t, err, storage.ErrCorruptRead)

	_, err = v.ReadAt(math.MaxInt64, 1)
	require.ErrorIs(t, err, storage.ErrCorruptRead)
}

func TestVolumeConcurrentAppendsDoNotOverlap(t *testing.T) {
	t.Parallel()

	v, _ := openTestVolume(t, storage.SyncNone)

	const writers = 32
	payloads := make([][]byte, writers)
	offsets := make([]int64, writers)
	errs := make([]error, writers)

	var wg sync.WaitGroup
	for i := range writers {
		payloads[i] = []byte{byte(i), byte(i), byte(i), byte(i)}
		wg.Add(1)
		go func() {
			defer wg.Done()
			offsets[i], _, errs[i] = v.Append(payloads[i])
		}()
	}
	wg.Wait()

	for i, err := range errs {
		require.NoErrorf(t, err, "Append %d error", i)
	}

	require.Equal(t, int64(writers*4), v.Size(), "volume size")

	seen := map[int64]bool{}
	for i, off := range offsets {
		require.Falsef(t, seen[off], "offset %d handed out twice", off)
		seen[off] = true

		got, err := v.ReadAt(off, 4)
		require.NoError(t, err)
		require.Equalf(t, payloads[i], got, "payload %d interleaved", i)
	}
}

func TestVolumeOpenFailureIsIOFailure(t *testing.T) {
	t.Parallel()

	// A directory cannot be opened as the volume file.
	_, err := storage.OpenVolume(t.TempDir(), storage.SyncAlways)
	require.ErrorIs(t, err, storage.ErrIOFailure)
}

func TestParseSyncMode(t *testing.T) {
	t.Parallel()

	mode, err := storage.ParseSyncMode("always")
	require.NoError(t, err)
	require.Equal(t, storage.SyncAlways, mode)

	mode, err = storage.ParseSyncMode("none")
	require.NoError(t, err)
	require.Equal(t, storage.SyncNone, mode)
	require.Equal(t, "none", mode.String())

	_, err = storage.ParseSyncMode("sometimes")
	require.Error(t, err)
}
