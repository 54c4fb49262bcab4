package blobpack

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// IndexEntryName is the archive path of the exported metadata index.
const IndexEntryName = "index.db"

const defaultBatchSize = 1024

// NowFunc defines a function that returns the current time.
type NowFunc func() time.Time

// Option defines a function that configures a Packer.
type Option func(*Packer)

// Packer turns a set of import roots into one archive plus a metadata index.
// Add roots first, then call Run once.
type Packer struct {
	fs         afero.Fs
	sink       Sink
	store      MetadataStore
	hashFunc   HashFunc
	nowFunc    NowFunc
	logger     *zap.Logger
	metrics    *Metrics
	classifier Classifier
	batchSize  int

	invalidRules []*PatternSyntaxError

	sched     SchedulerOptions
	crawl     CrawlerOptions
	archive   ArchiveOptions
	cacheOpts FileCacheOptions

	mu    sync.Mutex
	runID string
	trees map[string]*PathTree
	order []string
	ran   bool
}

// Open creates a Packer writing the archive to sink and the index to store.
func Open(sink Sink, store MetadataStore, options ...Option) (*Packer, error) {
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	if store == nil {
		return nil, errors.New("metadata store is required")
	}

	p := &Packer{
		fs:        afero.NewOsFs(),
		sink:      sink,
		store:     store,
		hashFunc:  defaultHashFunc,
		nowFunc:   time.Now,
		logger:    zap.NewNop(),
		batchSize: defaultBatchSize,
		runID:     uuid.NewString(),
		trees:     make(map[string]*PathTree),
	}

	// Apply options
	for _, option := range options {
		option(p)
	}

	if p.classifier == nil {
		c, err := NewContentClassifier(0)
		if err != nil {
			return nil, fmt.Errorf("failed to create classifier: %w", err)
		}
		p.classifier = c
	}
	if p.batchSize <= 0 {
		p.batchSize = defaultBatchSize
	}
	for _, perr := range p.invalidRules {
		p.logger.Warn("dropping ignore rule", zap.Error(perr))
	}
	return p, nil
}

// InvalidRules returns the configured rules that failed to compile and were dropped.
func (p *Packer) InvalidRules() []*PatternSyntaxError {
	return append([]*PatternSyntaxError(nil), p.invalidRules...)
}

// RunID identifies this packer's run in logs and stats.
func (p *Packer) RunID() string {
	return p.runID
}

// Add crawls root, a file or a directory, and records every accepted file.
// Files are grouped into one tree per volume. It returns the number of files added.
func (p *Packer) Add(ctx context.Context, root string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ran {
		return 0, errors.New("add after run")
	}

	abs := root
	if !filepath.IsAbs(abs) {
		var err error
		if abs, err = filepath.Abs(root); err != nil {
			return 0, fmt.Errorf("failed to resolve %s: %w", root, err)
		}
	}
	if _, err := p.fs.Stat(abs); err != nil {
		return 0, fmt.Errorf("import root %s: %w", root, err)
	}

	base := normalizePath(filepath.VolumeName(abs) + "/")
	tree, ok := p.trees[base]
	if !ok {
		tree = NewPathTree(base)
		p.trees[base] = tree
		p.order = append(p.order, base)
	}

	crawlOpts := p.crawl
	crawlOpts.Logger = p.logger
	crawler := NewCrawler(p.fs, []string{abs}, crawlOpts)

	added := 0
	err := crawler.Walk(ctx, func(file string) error {
		if _, err := tree.GetOrAdd(file); err != nil {
			return err
		}
		p.metrics.fileCrawled()
		added++
		return nil
	})
	p.logger.Info("import root crawled",
		zap.String("root", abs),
		zap.Int("files", added),
		zap.Int("invalid_rules", len(crawler.InvalidRules())))
	return added, err
}

// packFile locates one file slot of a tree.
type packFile struct {
	tree *PathTree
	id   FileID
}

// Run hashes every added file, deduplicates content, streams unique blobs into
// the archive, and appends the exported index as the last entry. When ctx is
// cancelled the archive is still closed cleanly with what was queued, and
// ctx's error is returned.
func (p *Packer) Run(ctx context.Context) (Stats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := p.nowFunc()
	stats := Stats{RunID: p.runID, Roots: len(p.order)}
	if p.ran {
		return stats, errors.New("packer already ran")
	}
	p.ran = true

	archiveOpts := p.archive
	archiveOpts.Logger = p.logger
	archiveOpts.Metrics = p.metrics
	archiveOpts.NowFunc = p.nowFunc
	streamer := NewArchiveStreamer(p.fs, p.sink, archiveOpts)
	if err := streamer.Start(ctx); err != nil {
		return stats, err
	}

	cleanup, err := p.pack(ctx, streamer, &stats)
	stopErr := streamer.Stop()
	if cleanup != nil {
		cleanup()
	}

	progress := streamer.Progress()
	stats.ArchiveFiles = progress.WrittenFiles
	stats.ArchiveBytes = progress.WrittenBytes
	stats.ArchiveSkips = progress.SkippedFiles
	if skipped := streamer.Skipped(); len(skipped) > 0 {
		p.logger.Warn("index references entries missing from the archive", zap.Strings("entries", skipped))
	}
	stats.Duration = p.nowFunc().Sub(start)

	if err != nil {
		if stopErr != nil {
			err = errors.Join(err, fmt.Errorf("close archive: %w", stopErr))
		}
		p.logger.Error("run aborted", zap.String("run", p.runID), zap.Error(err))
		return stats, err
	}
	if stopErr != nil {
		return stats, fmt.Errorf("close archive: %w", stopErr)
	}
	stats.log(p.logger)
	return stats, nil
}

// pack does the work between Start and Stop. The returned cleanup, if any,
// must run after the streamer stopped.
func (p *Packer) pack(ctx context.Context, streamer *ArchiveStreamer, stats *Stats) (func(), error) {
	// Directories first, so files can reference their IDs.
	phase := time.Now()
	for _, base := range p.order {
		tree := p.trees[base]
		if err := tree.Persist(ctx, p.store); err != nil {
			return nil, err
		}
		stats.Directories += tree.DirCount()
	}
	p.metrics.observePhase("persist", phase)

	var files []packFile
	var paths []string
	for _, base := range p.order {
		tree := p.trees[base]
		for id := 0; id < tree.FileCount(); id++ {
			files = append(files, packFile{tree: tree, id: FileID(id)})
			paths = append(paths, tree.File(FileID(id)).Path)
		}
	}

	phase = time.Now()
	schedOpts := p.sched
	schedOpts.HashFunc = p.hashFunc
	schedOpts.Cache = NewFileCache(p.fs, p.cacheOpts)
	schedOpts.Classifier = p.classifier
	schedOpts.Logger = p.logger
	schedOpts.Metrics = p.metrics
	report, err := NewScheduler(p.fs, schedOpts).Run(ctx, paths, func(r HashResult) {
		f := files[r.Index].tree.File(files[r.Index].id)
		f.Size, f.Hash, f.Mime, f.Err = r.Size, r.Hash, r.Mime, r.Err
		if r.Err != nil {
			p.logger.Warn("file skipped", zap.String("path", r.Path), zap.Error(r.Err))
		}
	})
	stats.Files = len(paths)
	stats.FilesFailed = report.FilesFailed
	stats.BytesHashed = report.BytesProcessed
	p.metrics.observePhase("hash", phase)
	if err != nil {
		return nil, err
	}

	phase = time.Now()
	if err := p.materialize(ctx, streamer, files, stats); err != nil {
		return nil, err
	}
	p.metrics.observePhase("materialize", phase)

	phase = time.Now()
	cleanup, err := p.exportIndex(ctx, streamer)
	p.metrics.observePhase("export", phase)
	return cleanup, err
}

// materialize records blobs and files in sorted order and queues new content.
func (p *Packer) materialize(ctx context.Context, streamer *ArchiveStreamer, files []packFile, stats *Stats) error {
	ok := make([]*TreeFile, 0, len(files))
	dirIDs := make(map[*TreeFile]int64, len(files))
	for _, f := range files {
		tf := f.tree.File(f.id)
		if tf.Err != nil {
			continue
		}
		ok = append(ok, tf)
		dirIDs[tf] = f.tree.DirDBID(tf.Dir)
	}
	SortFiles(ok, func(tf *TreeFile) SortKey {
		_, ext := SplitExtension(tf.Name)
		return SortKey{Mime: tf.Mime, Extension: ext, Size: tf.Size}
	})

	dedup := NewDedupCache()
	batch := make([]FileRecord, 0, p.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.store.InsertFiles(ctx, batch); err != nil {
			return fmt.Errorf("failed to insert files: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	for _, tf := range ok {
		if err := ctx.Err(); err != nil {
			return err
		}

		blob, isNew, err := dedup.Record(tf.Hash, tf.Size)
		if err != nil {
			return err
		}
		p.metrics.blobRecorded(isNew, tf.Size)

		if isNew {
			if err := p.store.InsertBlob(ctx, BlobRow{ID: blob.ID, Hash: blob.Hash, Size: blob.Size}); err != nil {
				return fmt.Errorf("failed to insert blob: %w", err)
			}
			if err := streamer.Enqueue(ArchiveEntry{
				SourcePath:  tf.Path,
				ArchivePath: blob.Hash.ArchivePath(),
				Size:        blob.Size,
			}); err != nil {
				return err
			}
			stats.BytesUnique += blob.Size
		}

		stem, ext := SplitExtension(tf.Name)
		batch = append(batch, FileRecord{
			Name:        stem,
			Extension:   ext,
			Mime:        tf.Mime,
			BlobID:      blob.ID,
			DirectoryID: dirIDs[tf],
		})
		if len(batch) >= p.batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	stats.Blobs = dedup.Len()
	stats.Duplicates, stats.BytesSaved = dedup.Savings()
	return nil
}

// exportIndex writes the index to a scratch file and queues it as the final entry.
func (p *Packer) exportIndex(ctx context.Context, streamer *ArchiveStreamer) (func(), error) {
	dir, err := afero.TempDir(p.fs, "", "blobpack-")
	if err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}
	cleanup := func() {
		if err := p.fs.RemoveAll(dir); err != nil {
			p.logger.Debug("cannot remove export directory", zap.String("path", dir), zap.Error(err))
		}
	}

	exported := path.Join(filepath.ToSlash(dir), IndexEntryName)
	if err := p.store.Export(ctx, p.fs, exported); err != nil {
		return cleanup, fmt.Errorf("failed to export index: %w", err)
	}
	info, err := p.fs.Stat(exported)
	if err != nil {
		return cleanup, fmt.Errorf("failed to export index: %w", err)
	}
	if err := streamer.Enqueue(ArchiveEntry{
		SourcePath:  exported,
		ArchivePath: IndexEntryName,
		Size:        info.Size(),
	}); err != nil {
		return cleanup, err
	}
	return cleanup, nil
}
