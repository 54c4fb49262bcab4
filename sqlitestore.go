package blobpack

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS directories (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	name      TEXT    NOT NULL,
	parent_id INTEGER REFERENCES directories(id),
	UNIQUE (parent_id, name)
);
CREATE TABLE IF NOT EXISTS blobs (
	id   INTEGER PRIMARY KEY,
	hash BLOB    NOT NULL UNIQUE,
	size INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS files (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	name         TEXT    NOT NULL,
	extension    TEXT    NOT NULL DEFAULT '',
	mime         TEXT    NOT NULL DEFAULT '',
	blob_id      INTEGER NOT NULL REFERENCES blobs(id),
	directory_id INTEGER NOT NULL REFERENCES directories(id),
	UNIQUE (directory_id, name, extension)
);
CREATE INDEX IF NOT EXISTS files_blob ON files(blob_id);
`

// SQLiteStore is a MetadataStore backed by a SQLite database file.
type SQLiteStore struct {
	db      *sql.DB
	path    string
	tempDir string
}

// OpenSQLiteStore opens or creates the database at path. An empty path
// creates the database in a private temporary directory removed on Close.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	s := &SQLiteStore{path: path}
	if path == "" {
		dir, err := os.MkdirTemp("", "blobpack-index-")
		if err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
		s.tempDir = dir
		s.path = filepath.Join(dir, "index.db")
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := s.path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	db.SetMaxOpenConns(1)
	s.db = db

	if _, err := db.Exec(sqliteSchema); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialise index: %w", err)
	}
	return s, nil
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string {
	return s.path
}

// DB exposes the underlying handle for queries.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// InsertDirectories implements MetadataStore.
func (s *SQLiteStore) InsertDirectories(ctx context.Context, rows []DirectoryRow) ([]int64, error) {
	ids := make([]int64, 0, len(rows))
	err := s.inTx(ctx, "INSERT INTO directories (name, parent_id) VALUES (?, ?)", func(stmt *sql.Stmt) error {
		for _, row := range rows {
			parent := sql.NullInt64{Int64: row.ParentID, Valid: row.ParentID != 0}
			res, err := stmt.ExecContext(ctx, row.Name, parent)
			if err != nil {
				return fmt.Errorf("insert directory %q: %w", row.Name, err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// InsertBlob implements MetadataStore.
func (s *SQLiteStore) InsertBlob(ctx context.Context, blob BlobRow) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO blobs (id, hash, size) VALUES (?, ?, ?) ON CONFLICT(hash) DO NOTHING",
		blob.ID, []byte(blob.Hash), blob.Size)
	if err != nil {
		return fmt.Errorf("insert blob %s: %w", blob.Hash.Hex(), err)
	}
	return nil
}

// InsertFiles implements MetadataStore.
func (s *SQLiteStore) InsertFiles(ctx context.Context, files []FileRecord) error {
	if len(files) == 0 {
		return nil
	}
	return s.inTx(ctx, "INSERT INTO files (name, extension, mime, blob_id, directory_id) VALUES (?, ?, ?, ?, ?)", func(stmt *sql.Stmt) error {
		for _, f := range files {
			if _, err := stmt.ExecContext(ctx, f.Name, f.Extension, f.Mime, f.BlobID, f.DirectoryID); err != nil {
				return fmt.Errorf("insert file %q: %w", f.Name, err)
			}
		}
		return nil
	})
}

// Export implements MetadataStore. It writes a compacted standalone copy of the database.
func (s *SQLiteStore) Export(ctx context.Context, fs afero.Fs, path string) error {
	dir, err := os.MkdirTemp("", "blobpack-export-")
	if err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}
	defer os.RemoveAll(dir)

	snapshot := filepath.Join(dir, "index.db")
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", snapshot); err != nil {
		return fmt.Errorf("failed to snapshot index: %w", err)
	}

	src, err := os.Open(snapshot)
	if err != nil {
		return err
	}
	defer src.Close()

	if d := filepath.Dir(path); d != "." && d != "" {
		if err := fs.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("failed to create export directory: %w", err)
		}
	}
	dst, err := fs.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create export: %w", err)
	}

	bufPtr := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(bufPtr)
	if _, err := io.CopyBuffer(dst, src, *bufPtr); err != nil {
		dst.Close()
		return fmt.Errorf("failed to copy export: %w", err)
	}
	return dst.Close()
}

// Close implements MetadataStore.
func (s *SQLiteStore) Close() error {
	var err error
	if s.db != nil {
		err = s.db.Close()
	}
	s.cleanup()
	return err
}

func (s *SQLiteStore) cleanup() {
	if s.tempDir != "" {
		os.RemoveAll(s.tempDir)
	}
}

// inTx runs fn with query prepared inside one transaction.
func (s *SQLiteStore) inTx(ctx context.Context, query string, fn func(*sql.Stmt) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		tx.Rollback()
		return err
	}
	if err := fn(stmt); err != nil {
		stmt.Close()
		tx.Rollback()
		return err
	}
	stmt.Close()
	return tx.Commit()
}
