package blobpack

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/afero"
)

// DirectoryRow is one directory handed to a MetadataStore. ParentID 0 marks a root.
type DirectoryRow struct {
	Name     string
	ParentID int64
}

// BlobRow describes one unique content blob.
type BlobRow struct {
	ID   int64
	Hash Digest
	Size int64
}

// FileRecord links a file name inside a directory to the blob holding its content.
type FileRecord struct {
	Name        string `json:"name"`
	Extension   string `json:"extension,omitempty"`
	Mime        string `json:"mime,omitempty"`
	BlobID      int64  `json:"blobId"`
	DirectoryID int64  `json:"directoryId"`
}

// MetadataStore persists the directory/file/blob index of a run.
// Implementations must assign directory IDs greater than zero.
type MetadataStore interface {
	// InsertDirectories inserts rows in order and returns their IDs in the same order.
	InsertDirectories(ctx context.Context, rows []DirectoryRow) ([]int64, error)
	// InsertBlob records a blob. A hash already present is ignored.
	InsertBlob(ctx context.Context, blob BlobRow) error
	InsertFiles(ctx context.Context, files []FileRecord) error
	// Export writes a self-contained copy of the index to path on fs.
	Export(ctx context.Context, fs afero.Fs, path string) error
	Close() error
}

// MemoryStore is a MetadataStore kept in memory. Export writes a JSON manifest.
type MemoryStore struct {
	mu          sync.Mutex
	directories []DirectoryRow
	blobs       []BlobRow
	blobIndex   map[Digest]int
	files       []FileRecord
	nowFunc     NowFunc
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobIndex: make(map[Digest]int)}
}

// SetNowFunc sets the clock used to stamp exports.
func (s *MemoryStore) SetNowFunc(fn NowFunc) {
	s.mu.Lock()
	s.nowFunc = fn
	s.mu.Unlock()
}

// InsertDirectories implements MetadataStore. IDs are 1-based insertion positions.
func (s *MemoryStore) InsertDirectories(ctx context.Context, rows []DirectoryRow) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, len(rows))
	for i, row := range rows {
		if row.ParentID < 0 || row.ParentID > int64(len(s.directories)) {
			return nil, fmt.Errorf("directory %q: unknown parent %d", row.Name, row.ParentID)
		}
		s.directories = append(s.directories, row)
		ids[i] = int64(len(s.directories))
	}
	return ids, nil
}

// InsertBlob implements MetadataStore.
func (s *MemoryStore) InsertBlob(ctx context.Context, blob BlobRow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobIndex[blob.Hash]; ok {
		return nil
	}
	s.blobIndex[blob.Hash] = len(s.blobs)
	s.blobs = append(s.blobs, blob)
	return nil
}

// InsertFiles implements MetadataStore.
func (s *MemoryStore) InsertFiles(ctx context.Context, files []FileRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.files = append(s.files, files...)
	return nil
}

// Directories returns a copy of the inserted directories; row i has ID i+1.
func (s *MemoryStore) Directories() []DirectoryRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DirectoryRow(nil), s.directories...)
}

// Blobs returns a copy of the inserted blobs.
func (s *MemoryStore) Blobs() []BlobRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]BlobRow(nil), s.blobs...)
}

// Files returns a copy of the inserted file records.
func (s *MemoryStore) Files() []FileRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]FileRecord(nil), s.files...)
}

// DirectoryPath rebuilds the slash-joined path of directory id.
func (s *MemoryStore) DirectoryPath(id int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var parts []string
	for id != 0 {
		if id < 1 || id > int64(len(s.directories)) {
			return "", false
		}
		row := s.directories[id-1]
		parts = append(parts, row.Name)
		id = row.ParentID
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return joinTreePath(parts), true
}

// Export implements MetadataStore.
func (s *MemoryStore) Export(ctx context.Context, fs afero.Fs, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	m := s.manifestLocked()
	s.mu.Unlock()
	return saveManifest(fs, path, m)
}

// Close implements MetadataStore.
func (s *MemoryStore) Close() error {
	return nil
}
