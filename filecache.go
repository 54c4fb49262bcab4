package blobpack

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// CacheTier says where a Handle's bytes come from.
type CacheTier int

const (
	// TierDirect reads the source file through a buffered reader.
	TierDirect CacheTier = iota
	// TierMemory holds the whole file in a pooled buffer.
	TierMemory
	// TierStaged reads a scratch copy of the file.
	TierStaged
)

func (t CacheTier) String() string {
	switch t {
	case TierMemory:
		return "memory"
	case TierStaged:
		return "staged"
	}
	return "direct"
}

// Default FileCache limits.
const (
	DefaultRAMThreshold = 8 << 20  // 8MiB
	DefaultPoolCap      = 64 << 20 // 64MiB
	defaultReadBuffer   = 64 << 10
)

// FileCacheOptions configures a FileCache.
type FileCacheOptions struct {
	// RAMThreshold is the largest file loaded fully into memory.
	RAMThreshold int64
	// StagingThreshold is the largest file copied to ScratchDir. Zero disables staging.
	StagingThreshold int64
	ScratchDir       string
	// ScratchFs holds staged copies. Defaults to the source filesystem.
	ScratchFs afero.Fs
	// PoolCap is the largest buffer returned to the pool on Release.
	PoolCap int
	// ReadBuffer sizes the buffered reader of the staged and direct tiers.
	ReadBuffer int
}

func (o *FileCacheOptions) applyDefaults(fs afero.Fs) {
	if o.RAMThreshold == 0 {
		o.RAMThreshold = DefaultRAMThreshold
	}
	if o.PoolCap == 0 {
		o.PoolCap = DefaultPoolCap
	}
	if o.ReadBuffer == 0 {
		o.ReadBuffer = defaultReadBuffer
	}
	if o.ScratchFs == nil {
		o.ScratchFs = fs
	}
}

// FileCache opens files for repeated reading so a sniff and a full hash read
// touch the source once. It is safe for concurrent use.
type FileCache struct {
	fs   afero.Fs
	opts FileCacheOptions
	pool sync.Pool
}

// NewFileCache creates a FileCache reading from fs.
func NewFileCache(fs afero.Fs, opts FileCacheOptions) *FileCache {
	opts.applyDefaults(fs)
	return &FileCache{fs: fs, opts: opts}
}

// Handle is an open file served by a FileCache. Release it exactly once.
type Handle struct {
	tier    CacheTier
	size    int64
	buf     *[]byte
	mem     *bytes.Reader
	br      *bufio.Reader
	file    afero.File
	scratch string
	cache   *FileCache
}

// Acquire opens path and picks a tier by its size.
func (c *FileCache) Acquire(p string) (*Handle, error) {
	f, err := c.fs.Open(p)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s: is a directory", p)
	}
	size := info.Size()

	switch {
	case size <= c.opts.RAMThreshold:
		defer f.Close()
		bufPtr := c.getBuffer(int(size))
		if _, err := io.ReadFull(f, (*bufPtr)[:size]); err != nil {
			c.putBuffer(bufPtr)
			return nil, err
		}
		return &Handle{
			tier:  TierMemory,
			size:  size,
			buf:   bufPtr,
			mem:   bytes.NewReader((*bufPtr)[:size]),
			cache: c,
		}, nil

	case c.opts.ScratchDir != "" && size <= c.opts.StagingThreshold:
		defer f.Close()
		scratch, err := c.stage(f)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", p, err)
		}
		sf, err := c.opts.ScratchFs.Open(scratch)
		if err != nil {
			c.opts.ScratchFs.Remove(scratch)
			return nil, err
		}
		return &Handle{
			tier:    TierStaged,
			size:    size,
			file:    sf,
			br:      bufio.NewReaderSize(sf, c.opts.ReadBuffer),
			scratch: scratch,
			cache:   c,
		}, nil
	}

	return &Handle{
		tier:  TierDirect,
		size:  size,
		file:  f,
		br:    bufio.NewReaderSize(f, c.opts.ReadBuffer),
		cache: c,
	}, nil
}

// stage copies src into a uniquely named scratch file.
func (c *FileCache) stage(src io.Reader) (string, error) {
	sfs := c.opts.ScratchFs
	if err := sfs.MkdirAll(c.opts.ScratchDir, 0o755); err != nil {
		return "", err
	}
	name := path.Join(c.opts.ScratchDir, uuid.NewString())
	dst, err := sfs.Create(name)
	if err != nil {
		return "", err
	}

	bufPtr := bufferPool.Get().(*[]byte)
	_, err = io.CopyBuffer(dst, src, *bufPtr)
	bufferPool.Put(bufPtr)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		sfs.Remove(name)
		return "", err
	}
	return name, nil
}

func (c *FileCache) getBuffer(size int) *[]byte {
	if v := c.pool.Get(); v != nil {
		bufPtr := v.(*[]byte)
		if cap(*bufPtr) >= size {
			*bufPtr = (*bufPtr)[:size]
			return bufPtr
		}
		c.pool.Put(bufPtr)
	}
	buf := make([]byte, size)
	return &buf
}

func (c *FileCache) putBuffer(bufPtr *[]byte) {
	if cap(*bufPtr) > c.opts.PoolCap {
		return
	}
	c.pool.Put(bufPtr)
}

// Tier returns where the handle reads from.
func (h *Handle) Tier() CacheTier {
	return h.tier
}

// Size returns the file size observed at Acquire.
func (h *Handle) Size() int64 {
	return h.size
}

// Head returns up to n leading bytes without consuming them.
func (h *Handle) Head(n int) ([]byte, error) {
	if h.tier == TierMemory {
		buf := (*h.buf)[:h.size]
		if int64(n) > h.size {
			n = int(h.size)
		}
		return buf[:n], nil
	}
	b, err := h.br.Peek(n)
	if errors.Is(err, io.EOF) || errors.Is(err, bufio.ErrBufferFull) {
		err = nil
	}
	return b, err
}

// Read implements io.Reader.
func (h *Handle) Read(p []byte) (int, error) {
	if h.tier == TierMemory {
		return h.mem.Read(p)
	}
	return h.br.Read(p)
}

// Release closes the handle and frees its buffer or scratch copy.
func (h *Handle) Release() error {
	var err error
	switch h.tier {
	case TierMemory:
		if h.buf != nil {
			h.cache.putBuffer(h.buf)
			h.buf = nil
		}
	case TierStaged:
		err = h.file.Close()
		if rerr := h.cache.opts.ScratchFs.Remove(h.scratch); err == nil {
			err = rerr
		}
	default:
		err = h.file.Close()
	}
	return err
}
