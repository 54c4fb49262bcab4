package blobpack

import (
	"context"
	"runtime"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Scheduler defaults.
const (
	DefaultChunkSize      = 128
	DefaultBlockSize      = 16 << 10 // 16KiB
	DefaultReportInterval = 10 << 20 // 10MiB
	sniffSize             = 512
)

// SchedulerOptions configures a Scheduler. The zero value uses defaults.
type SchedulerOptions struct {
	Workers        int
	ChunkSize      int
	BlockSize      int
	ReportInterval int64
	HashFunc       HashFunc
	// Cache opens files. Defaults to a FileCache with default limits.
	Cache *FileCache
	// Classifier, when set, labels each file with a MIME type from its leading bytes.
	Classifier Classifier
	OnProgress ProgressFunc
	Logger     *zap.Logger
	Metrics    *Metrics
}

func (o *SchedulerOptions) applyDefaults(fs afero.Fs) {
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.BlockSize <= 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.ReportInterval <= 0 {
		o.ReportInterval = DefaultReportInterval
	}
	if o.HashFunc == nil {
		o.HashFunc = defaultHashFunc
	}
	if o.Cache == nil {
		o.Cache = NewFileCache(fs, FileCacheOptions{})
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Scheduler hashes batches of files on a fixed pool of workers.
type Scheduler struct {
	fs    afero.Fs
	opts  SchedulerOptions
	empty Digest
}

// NewScheduler creates a Scheduler reading from fs.
func NewScheduler(fs afero.Fs, opts SchedulerOptions) *Scheduler {
	opts.applyDefaults(fs)
	return &Scheduler{fs: fs, opts: opts, empty: EmptyDigest(opts.HashFunc)}
}

// chunkPool hands out whole chunks of paths to workers.
type chunkPool struct {
	mu     sync.Mutex
	chunks [][]int
}

func newChunkPool(n, size int) *chunkPool {
	p := &chunkPool{}
	for start := 0; start < n; start += size {
		end := min(start+size, n)
		chunk := make([]int, 0, end-start)
		for i := start; i < end; i++ {
			chunk = append(chunk, i)
		}
		p.chunks = append(p.chunks, chunk)
	}
	return p
}

func (p *chunkPool) take() ([]int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.chunks) == 0 {
		return nil, false
	}
	c := p.chunks[0]
	p.chunks = p.chunks[1:]
	return c, true
}

// resultQueue collects finished chunks for the emitting goroutine.
type resultQueue struct {
	mu     sync.Mutex
	chunks [][]HashResult
	notify chan struct{}
}

func (q *resultQueue) push(results []HashResult) {
	q.mu.Lock()
	q.chunks = append(q.chunks, results)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *resultQueue) drain() [][]HashResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.chunks
	q.chunks = nil
	return out
}

// Run hashes paths and calls emit once per finished path, from the calling
// goroutine only. It returns the final progress totals. Per-file failures are
// delivered as results; the returned error is only set when ctx ends the run
// early, in which case unfinished paths get no result.
func (s *Scheduler) Run(ctx context.Context, paths []string, emit func(HashResult)) (ProgressReport, error) {
	workers := min(s.opts.Workers, max(1, (len(paths)+s.opts.ChunkSize-1)/s.opts.ChunkSize))
	pool := newChunkPool(len(paths), s.opts.ChunkSize)
	board := newProgressBoard(workers, ProgressReport{FilesTotal: len(paths)}, s.opts.OnProgress)
	queue := &resultQueue{notify: make(chan struct{}, 1)}

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			return s.work(gctx, w, paths, pool, board, queue)
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var err error
	for waiting := true; waiting; {
		select {
		case <-queue.notify:
		case err = <-done:
			waiting = false
		}
		for _, chunk := range queue.drain() {
			for _, r := range chunk {
				emit(r)
			}
		}
	}

	final := board.final()
	s.opts.Logger.Debug("hashing finished",
		zap.Int("files", final.FilesProcessed),
		zap.Int("failed", final.FilesFailed),
		zap.Int64("bytes", final.BytesProcessed))
	return final, err
}

// work is one worker: it takes chunks until the pool is empty.
func (s *Scheduler) work(ctx context.Context, slot int, paths []string, pool *chunkPool, board *progressBoard, queue *resultQueue) error {
	buf := make([]byte, s.opts.BlockSize)
	committed := board.slot(slot)

	for {
		chunk, ok := pool.take()
		if !ok {
			return nil
		}
		results := make([]HashResult, 0, len(chunk))
		for _, idx := range chunk {
			if err := ctx.Err(); err != nil {
				queue.push(results)
				return err
			}

			r, err := s.hashOne(ctx, idx, paths[idx], buf, func(inFlight int64) {
				board.update(slot, committed.Add(ProgressReport{BytesProcessed: inFlight}))
			}, func(size int64) {
				committed.BytesTotal += size
			})
			if err != nil {
				queue.push(results)
				return err
			}

			if r.Err != nil {
				committed.FilesFailed++
				s.opts.Logger.Debug("cannot hash file", zap.String("path", r.Path), zap.Error(r.Err))
			} else {
				committed.FilesProcessed++
				committed.BytesProcessed += r.Size
			}
			s.opts.Metrics.fileHashed(r)
			board.update(slot, committed)
			results = append(results, r)
		}
		queue.push(results)
	}
}

// hashOne hashes a single file. The error return is reserved for cancellation;
// file problems go into HashResult.Err.
func (s *Scheduler) hashOne(ctx context.Context, idx int, p string, buf []byte, progress func(int64), opened func(int64)) (HashResult, error) {
	r := HashResult{Index: idx, Path: p}

	h, err := s.opts.Cache.Acquire(p)
	if err != nil {
		r.Err = newFileAccessError(p, err)
		return r, nil
	}
	defer h.Release()

	r.Size = h.Size()
	opened(r.Size)

	if s.opts.Classifier != nil {
		head, err := h.Head(sniffSize)
		if err != nil {
			r.Err = newFileAccessError(p, err)
			return r, nil
		}
		r.Mime = s.opts.Classifier.Classify(p, head)
	}

	if r.Size == 0 {
		r.Hash = s.empty
		return r, nil
	}

	hasher := s.opts.HashFunc()
	n, err := hashStream(ctx, h, hasher, buf, s.opts.ReportInterval, progress)
	if err != nil {
		if ctx.Err() != nil {
			return r, ctx.Err()
		}
		r.Err = newFileAccessError(p, err)
		return r, nil
	}
	r.Size = n
	r.Hash = sumDigest(hasher)
	return r, nil
}
