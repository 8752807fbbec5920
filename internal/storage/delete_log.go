package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// maxRecordSize bounds a single encoded tombstone, matching the BSON
// document size limit.
const maxRecordSize = 16 << 20

// TombstoneRecord is written to the delete log once per successful delete.
// It names the volume range the deleted key used to occupy.
type TombstoneRecord struct {
	Key       string    `bson:"key" json:"key"`
	Offset    int64     `bson:"offset" json:"offset"`
	Length    int64     `bson:"length" json:"length"`
	Timestamp time.Time `bson:"ts" json:"timestamp"`
}

// DeleteLog is an append-only file of BSON-encoded TombstoneRecords. Every
// append is fsynced before it returns.
type DeleteLog struct {
	file  *os.File
	path  string
	mu    sync.Mutex
	size  int64
	count int
}

// OpenDeleteLog opens or creates the delete log at path. A record left
// half-written by a crash is cut off so later appends stay framed.
func OpenDeleteLog(path string) (*DeleteLog, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, IOFailure("open delete log", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, IOFailure("stat delete log", err)
	}

	records, good, err := readRecords(file, info.Size())
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		file.Close()
		return nil, err
	}

	if info.Size() != good {
		slog.Warn("Discarding torn delete log tail", "path", path, "size", info.Size(), "valid", good)
		if err := file.Truncate(good); err != nil {
			file.Close()
			return nil, IOFailure("truncate delete log", err)
		}
		if err := file.Sync(); err != nil {
			file.Close()
			return nil, IOFailure("sync delete log", err)
		}
	}

	return &DeleteLog{
		file:  file,
		path:  path,
		size:  good,
		count: len(records),
	}, nil
}

// Append durably writes rec to the end of the log.
func (l *DeleteLog) Append(rec TombstoneRecord) error {
	b, err := bson.Marshal(rec)
	if err != nil {
		return SerializationFailure("encode tombstone", err)
	}
	if len(b) > maxRecordSize {
		return SerializationFailure("encode tombstone", fmt.Errorf("record of %d bytes exceeds %d", len(b), maxRecordSize))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	n, err := l.file.WriteAt(b, l.size)
	if err != nil {
		// Leave size where it was; the partial record is overwritten by the
		// next append or cut off on the next open.
		return IOFailure("append delete log", err)
	}

	if err := l.file.Sync(); err != nil {
		return IOFailure("sync delete log", err)
	}

	l.size += int64(n)
	l.count++
	return nil
}

// Records reads every record in the log, oldest first.
func (l *DeleteLog) Records() ([]TombstoneRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	records, _, err := readRecords(io.NewSectionReader(l.file, 0, l.size), l.size)
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Len returns the number of records in the log.
func (l *DeleteLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Close closes the log file.
func (l *DeleteLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.file.Close(); err != nil {
		return IOFailure("close delete log", err)
	}
	return nil
}

// readRecords decodes records from r, which holds size bytes, until EOF. It
// returns the records read and the number of bytes they span. A truncated
// final record is reported as io.ErrUnexpectedEOF alongside everything
// before it.
func readRecords(r io.Reader, size int64) ([]TombstoneRecord, int64, error) {
	br := bufio.NewReader(r)

	var (
		records []TombstoneRecord
		good    int64
	)

	for {
		b, err := readOne(br, size-good)
		if errors.Is(err, io.EOF) {
			return records, good, nil
		}
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, ErrSerialization) {
				return records, good, err
			}
			return records, good, IOFailure("read delete log", err)
		}

		var rec TombstoneRecord
		if err := bson.Unmarshal(b, &rec); err != nil {
			return records, good, SerializationFailure("decode tombstone", err)
		}

		records = append(records, rec)
		good += int64(len(b))
	}
}

// readOne returns the next length-prefixed BSON document from r, which has
// remaining bytes left. A document running past the end is a torn write and
// is reported as io.ErrUnexpectedEOF without reading it.
// see: https://bsonspec.org/spec.html
func readOne(r io.Reader, remaining int64) ([]byte, error) {
	var sizeBytes [4]byte
	if _, err := io.ReadFull(r, sizeBytes[:]); err != nil {
		// io.EOF on a clean boundary is the normal end of the log.
		return nil, err
	}

	size := int64(binary.LittleEndian.Uint32(sizeBytes[:]))
	if size < 5 || size > maxRecordSize {
		return nil, SerializationFailure("read tombstone", fmt.Errorf("invalid BSON document length: %d", size))
	}
	if size > remaining {
		return nil, io.ErrUnexpectedEOF
	}

	doc := make([]byte, size)
	copy(doc[0:4], sizeBytes[:])
	if _, err := io.ReadFull(r, doc[4:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return doc, nil
}
