package blobpack

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Default size for the buffer used when copying file content
const defaultBufferSize = 32 * 1024 // 32KB

// bufferPool is a pool of byte slices used for archive copies
var bufferPool = sync.Pool{
	New: func() interface{} {
		buffer := make([]byte, defaultBufferSize)
		return &buffer
	},
}

// HashFunc defines a function that creates a new hash.Hash instance.
type HashFunc func() hash.Hash

// defaultHashFunc is SHA-256.
var defaultHashFunc HashFunc = sha256.New

// newXXHash adapts xxhash to HashFunc.
func newXXHash() hash.Hash {
	return xxhash.New()
}

// HashFuncByName returns the hash function registered under name.
// Known names are "sha256" and "xxh64".
func HashFuncByName(name string) (HashFunc, error) {
	switch strings.ToLower(name) {
	case "", "sha256", "sha-256":
		return sha256.New, nil
	case "xxh64", "xxhash", "xxhash64":
		return newXXHash, nil
	}
	return nil, fmt.Errorf("unknown hash algorithm %q", name)
}

// Digest is the raw output of a HashFunc. It is comparable and usable as a map key.
// All digests of a run come from the same HashFunc and share one width.
type Digest string

// Hex returns the lowercase hex encoding of d.
func (d Digest) Hex() string {
	return hex.EncodeToString([]byte(d))
}

// ArchivePath returns the content-addressed archive entry name for d,
// "files/<first two hex chars>/<full hex>".
func (d Digest) ArchivePath() string {
	h := d.Hex()
	if len(h) < 2 {
		return "files/" + h
	}
	return "files/" + h[:2] + "/" + h
}

// ParseDigest decodes a hex string produced by Digest.Hex.
func ParseDigest(s string) (Digest, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("parse digest: %w", err)
	}
	return Digest(b), nil
}

// sumDigest finalizes h into a Digest.
func sumDigest(h hash.Hash) Digest {
	return Digest(h.Sum(nil))
}

// EmptyDigest returns the digest of zero bytes of input under hf.
func EmptyDigest(hf HashFunc) Digest {
	return sumDigest(hf())
}

// hashStream reads r in blocks of len(buf) into h. Every time at least
// interval bytes accumulated since the last report, progress is called with
// the total bytes read so far. The final count is reported once more at the end.
func hashStream(ctx context.Context, r io.Reader, h hash.Hash, buf []byte, interval int64, progress func(int64)) (int64, error) {
	var total, sinceReport int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			total += int64(n)
			sinceReport += int64(n)
			if progress != nil && sinceReport >= interval {
				progress(total)
				sinceReport = 0
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return total, err
		}
	}
	if progress != nil && sinceReport > 0 {
		progress(total)
	}
	return total, nil
}
