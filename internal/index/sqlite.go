package index

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"haystack/internal/storage"

	_ "github.com/mattn/go-sqlite3"
)

var (
	//go:embed migrations
	migrationsFS embed.FS
)

// SQLite keeps the index as rows of an embedded SQLite table. Each mutation
// is one committed statement or transaction, so it is durable on return.
// Check-and-set on insert is delegated to the table's primary key.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	// WAL lets lookups proceed while a writer holds the database, and
	// _txlock=immediate takes the write lock at BEGIN so a read-then-write
	// transaction cannot be invalidated half way.
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_txlock=immediate", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, storage.IOFailure("open sqlite db", err)
	}

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, storage.IOFailure("init sqlite schema", err)
	}

	return &SQLite{db: db}, nil
}

// initSchema applies every embedded migration in lexicographical order.
func initSchema(ctx context.Context, db *sql.DB) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, readError := migrationsFS.ReadFile(path)
		if readError != nil {
			return fmt.Errorf("error reading SQL file: %w", readError)
		}

		slog.Debug("Running migration", "path", path)
		_, execError := db.ExecContext(ctx, string(content))
		return execError
	})
}

// withTransaction runs a function within a database transaction.
func withTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return storage.IOFailure("begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return storage.IOFailure("commit transaction", err)
	}

	return nil
}

func (s *SQLite) Lookup(ctx context.Context, key string) (Entry, bool, error) {
	var entry Entry
	err := s.db.QueryRowContext(ctx,
		`SELECT byte_offset, byte_length FROM objects WHERE key = ?`, key,
	).Scan(&entry.Offset, &entry.Length)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, storage.IOFailure("lookup object", err)
	}

	entry.Status = Live
	return entry, true, nil
}

func (s *SQLite) Insert(ctx context.Context, key string, entry Entry) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO objects(key, byte_offset, byte_length, created_at, modified_at)
		 VALUES(?, ?, ?, ?, ?)`,
		key, entry.Offset, entry.Length, now, now,
	)
	if err != nil {
		return storage.IOFailure("insert object", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return storage.IOFailure("insert object", err)
	}
	if rows == 0 {
		return storage.KeyError(storage.ErrKeyExists, key)
	}
	return nil
}

func (s *SQLite) Replace(ctx context.Context, key string, entry Entry) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE objects SET byte_offset = ?, byte_length = ?, modified_at = ? WHERE key = ?`,
		entry.Offset, entry.Length, time.Now().UTC(), key,
	)
	if err != nil {
		return storage.IOFailure("replace object", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return storage.IOFailure("replace object", err)
	}
	if rows == 0 {
		return storage.KeyError(storage.ErrNotFound, key)
	}
	return nil
}

func (s *SQLite) Remove(ctx context.Context, key string) (Entry, error) {
	var removed Entry
	err := withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT byte_offset, byte_length FROM objects WHERE key = ?`, key,
		).Scan(&removed.Offset, &removed.Length)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.KeyError(storage.ErrNotFound, key)
		}
		if err != nil {
			return storage.IOFailure("lookup object", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM objects WHERE key = ?`, key); err != nil {
			return storage.IOFailure("delete object", err)
		}
		return nil
	})
	if err != nil {
		return Entry{}, err
	}

	removed.Status = Tombstoned
	return removed, nil
}

func (s *SQLite) Entries(ctx context.Context) (map[string]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, byte_offset, byte_length FROM objects ORDER BY key`)
	if err != nil {
		return nil, storage.IOFailure("list objects", err)
	}
	defer rows.Close()

	entries := map[string]Entry{}
	for rows.Next() {
		var (
			key   string
			entry Entry
		)
		if err := rows.Scan(&key, &entry.Offset, &entry.Length); err != nil {
			return nil, storage.IOFailure("scan object", err)
		}
		entry.Status = Live
		entries[key] = entry
	}

	if err := rows.Err(); err != nil {
		return nil, storage.IOFailure("list objects", err)
	}
	return entries, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	if err := s.db.Close(); err != nil {
		return storage.IOFailure("close sqlite db", err)
	}
	return nil
}
