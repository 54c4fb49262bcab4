package blobpack

import (
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// WithFs sets the filesystem sources are read from.
// This is primarily useful for testing with in-memory filesystems.
//
// Example:
//
//	p, err := blobpack.Open(sink, store, blobpack.WithFs(afero.NewMemMapFs()))
func WithFs(fs afero.Fs) Option {
	return func(p *Packer) {
		p.fs = fs
	}
}

// WithHashFunc sets the content hash. The default is SHA-256.
//
// Note: blob identity in the index depends on the hash, so archives built with
// different hash functions do not share blobs.
func WithHashFunc(hashFunc HashFunc) Option {
	return func(p *Packer) {
		p.hashFunc = hashFunc
	}
}

// WithNowFunc sets a custom time function.
// This is primarily useful for testing with deterministic timestamps.
func WithNowFunc(nowFunc NowFunc) Option {
	return func(p *Packer) {
		p.nowFunc = nowFunc
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Packer) {
		p.logger = logger
	}
}

// WithMetrics records run metrics into m.
func WithMetrics(m *Metrics) Option {
	return func(p *Packer) {
		p.metrics = m
	}
}

// WithWorkers sets how many files are hashed in parallel.
func WithWorkers(n int) Option {
	return func(p *Packer) {
		p.sched.Workers = n
	}
}

// WithChunkSize sets how many paths a worker takes at once.
func WithChunkSize(n int) Option {
	return func(p *Packer) {
		p.sched.ChunkSize = n
	}
}

// WithBlockSize sets the read size used while hashing.
func WithBlockSize(n int) Option {
	return func(p *Packer) {
		p.sched.BlockSize = n
	}
}

// WithReportInterval sets how many bytes of one file are hashed between progress reports.
func WithReportInterval(n int64) Option {
	return func(p *Packer) {
		p.sched.ReportInterval = n
	}
}

// WithProgress observes hashing progress.
func WithProgress(fn ProgressFunc) Option {
	return func(p *Packer) {
		p.sched.OnProgress = fn
	}
}

// WithArchiveProgress observes the archive writer.
func WithArchiveProgress(fn func(ArchiveProgress)) Option {
	return func(p *Packer) {
		p.archive.OnProgress = fn
	}
}

// WithIgnoreFile sets the per-directory rule file name.
func WithIgnoreFile(name string) Option {
	return func(p *Packer) {
		p.crawl.IgnoreFile = name
	}
}

// WithBundles replaces the rule bundles checked in every directory.
// Calling it with no arguments disables bundles.
func WithBundles(bundles ...Bundle) Option {
	return func(p *Packer) {
		p.crawl.Bundles = append([]Bundle{}, bundles...)
	}
}

// WithRules adds rules applied at every import root.
func WithRules(rules RuleSet) Option {
	return func(p *Packer) {
		p.crawl.Rules = append(p.crawl.Rules, rules...)
	}
}

// withInvalidRules records rules that were dropped before the Packer existed.
func withInvalidRules(invalid []*PatternSyntaxError) Option {
	return func(p *Packer) {
		p.invalidRules = append(p.invalidRules, invalid...)
	}
}

// WithFileCache configures the read cache used while hashing.
func WithFileCache(opts FileCacheOptions) Option {
	return func(p *Packer) {
		p.cacheOpts = opts
	}
}

// WithClassifier replaces the MIME classifier.
func WithClassifier(c Classifier) Option {
	return func(p *Packer) {
		p.classifier = c
	}
}

// WithBatchSize sets how many file records are inserted per store call.
func WithBatchSize(n int) Option {
	return func(p *Packer) {
		p.batchSize = n
	}
}
