package blobpack

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

// Manifest is the JSON form of an index exported by MemoryStore.
type Manifest struct {
	// Index content
	Directories []ManifestDirectory `json:"directories"`
	Blobs       []ManifestBlob      `json:"blobs"`
	Files       []FileRecord        `json:"files"`

	// Metadata
	CreatedAt time.Time `json:"createdAt"` // When the export was written
}

// ManifestDirectory is one directory row with its ID.
type ManifestDirectory struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	ParentID int64  `json:"parentId,omitempty"`
}

// ManifestBlob is one blob row with a hex hash.
type ManifestBlob struct {
	ID   int64  `json:"id"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// manifestLocked snapshots the store. Caller holds s.mu.
func (s *MemoryStore) manifestLocked() *Manifest {
	now := time.Now
	if s.nowFunc != nil {
		now = s.nowFunc
	}

	m := &Manifest{
		Directories: make([]ManifestDirectory, len(s.directories)),
		Blobs:       make([]ManifestBlob, len(s.blobs)),
		Files:       append([]FileRecord(nil), s.files...),
		CreatedAt:   now().UTC(),
	}
	for i, d := range s.directories {
		m.Directories[i] = ManifestDirectory{ID: int64(i + 1), Name: d.Name, ParentID: d.ParentID}
	}
	for i, b := range s.blobs {
		m.Blobs[i] = ManifestBlob{ID: b.ID, Hash: b.Hash.Hex(), Size: b.Size}
	}
	return m
}

// saveManifest writes a manifest to path on fs.
func saveManifest(fs afero.Fs, path string, manifest *Manifest) error {
	// Create the manifest directory if it doesn't exist
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create manifest directory: %w", err)
		}
	}

	// Marshal the manifest to JSON
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	// Write the manifest file
	if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	return nil
}

// LoadManifest reads a manifest written by MemoryStore.Export.
func LoadManifest(fs afero.Fs, path string) (*Manifest, error) {
	// Read the manifest file
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	// Unmarshal the manifest
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest: %w", err)
	}

	return &manifest, nil
}
