package blobpack

import "sync"

// Blob is one unique content item.
type Blob struct {
	ID   int64
	Hash Digest
	Size int64
}

// DedupCache maps content hashes to blobs. Every distinct hash gets exactly one
// Blob, no matter how many goroutines record it.
type DedupCache struct {
	mu         sync.Mutex
	blobs      map[Digest]Blob
	nextID     int64
	duplicates int
	saved      int64
}

// NewDedupCache creates an empty cache.
func NewDedupCache() *DedupCache {
	return &DedupCache{blobs: make(map[Digest]Blob), nextID: 1}
}

// Record returns the blob for hash, creating it when unseen. isNew is true for
// the first caller only. A known hash reported with a different size returns a
// *DedupInvariantError.
func (c *DedupCache) Record(hash Digest, size int64) (blob Blob, isNew bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.blobs[hash]; ok {
		if b.Size != size {
			return b, false, &DedupInvariantError{Hash: hash, Known: b.Size, Got: size}
		}
		c.duplicates++
		c.saved += size
		return b, false, nil
	}

	b := Blob{ID: c.nextID, Hash: hash, Size: size}
	c.nextID++
	c.blobs[hash] = b
	return b, true, nil
}

// Lookup returns the blob recorded for hash.
func (c *DedupCache) Lookup(hash Digest) (Blob, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.blobs[hash]
	return b, ok
}

// Len returns the number of distinct blobs.
func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.blobs)
}

// Savings returns how many records hit an existing blob and the bytes they did not add.
func (c *DedupCache) Savings() (duplicates int, bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duplicates, c.saved
}
