package blobpack

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
)

// ByteSize is a byte count written in TOML as a string such as "16KiB" or "10 MB".
type ByteSize int64

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *ByteSize) UnmarshalText(text []byte) error {
	n, err := humanize.ParseBytes(string(text))
	if err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(humanize.IBytes(uint64(b))), nil
}

// Config is the file form of a blobpack run.
type Config struct {
	Archive ArchiveConfig `toml:"archive"`
	Hashing HashingConfig `toml:"hashing"`
	Crawl   CrawlConfig   `toml:"crawl"`
	Cache   CacheConfig   `toml:"cache"`
	Index   IndexConfig   `toml:"index"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`
}

// ArchiveConfig selects the output.
type ArchiveConfig struct {
	Path        string `toml:"path"`
	Compression string `toml:"compression"` // store, fastest, fast, normal, max
}

// HashingConfig tunes the scheduler.
type HashingConfig struct {
	Algorithm      string   `toml:"algorithm"` // sha256 or xxh64
	Workers        int      `toml:"workers"`
	ChunkSize      int      `toml:"chunk_size"`
	BlockSize      ByteSize `toml:"block_size"`
	ReportInterval ByteSize `toml:"report_interval"`
}

// CrawlConfig controls file selection.
type CrawlConfig struct {
	IgnoreFile string   `toml:"ignore_file"`
	Bundles    []string `toml:"bundles"`
	Exclude    []string `toml:"exclude"` // extra rules applied at every root
}

// CacheConfig sets FileCache tiers.
type CacheConfig struct {
	RAMThreshold     ByteSize `toml:"ram_threshold"`
	StagingThreshold ByteSize `toml:"staging_threshold"`
	ScratchDir       string   `toml:"scratch_dir"`
	PoolCap          ByteSize `toml:"pool_cap"`
}

// IndexConfig locates the SQLite index. An empty path uses a temporary file.
type IndexConfig struct {
	Path string `toml:"path"`
}

// LogConfig configures the CLI logger.
type LogConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // json, console
}

// MetricsConfig enables a Prometheus text file written at the end of a run.
type MetricsConfig struct {
	Textfile string `toml:"textfile"`
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() *Config {
	return &Config{
		Archive: ArchiveConfig{
			Path:        "backup.tar.zst",
			Compression: "normal",
		},
		Hashing: HashingConfig{
			Algorithm:      "sha256",
			Workers:        runtime.NumCPU(),
			ChunkSize:      DefaultChunkSize,
			BlockSize:      DefaultBlockSize,
			ReportInterval: DefaultReportInterval,
		},
		Crawl: CrawlConfig{
			IgnoreFile: DefaultIgnoreFile,
			Bundles:    []string{UnityBundle.Name},
		},
		Cache: CacheConfig{
			RAMThreshold: DefaultRAMThreshold,
			PoolCap:      DefaultPoolCap,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig reads path over the defaults, then applies BLOBPACK_* environment
// overrides. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config %s: unknown key %s", path, undecoded[0])
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Archive.Path = envOr("BLOBPACK_ARCHIVE", c.Archive.Path)
	c.Archive.Compression = envOr("BLOBPACK_LEVEL", c.Archive.Compression)
	c.Hashing.Algorithm = envOr("BLOBPACK_HASH", c.Hashing.Algorithm)
	c.Hashing.Workers = envInt("BLOBPACK_WORKERS", c.Hashing.Workers)
	c.Hashing.ChunkSize = envInt("BLOBPACK_CHUNK_SIZE", c.Hashing.ChunkSize)
	c.Crawl.IgnoreFile = envOr("BLOBPACK_IGNORE_FILE", c.Crawl.IgnoreFile)
	c.Cache.ScratchDir = envOr("BLOBPACK_SCRATCH_DIR", c.Cache.ScratchDir)
	c.Cache.StagingThreshold = ByteSize(envInt64("BLOBPACK_STAGING_THRESHOLD", int64(c.Cache.StagingThreshold)))
	c.Index.Path = envOr("BLOBPACK_INDEX", c.Index.Path)
	c.Log.Level = envOr("BLOBPACK_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOr("BLOBPACK_LOG_FORMAT", c.Log.Format)
	c.Metrics.Textfile = envOr("BLOBPACK_METRICS_TEXTFILE", c.Metrics.Textfile)
	if envBool("BLOBPACK_NO_BUNDLES", false) {
		c.Crawl.Bundles = []string{}
	}
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Archive.Path == "" {
		errs = append(errs, errors.New("archive.path must not be empty"))
	}
	if _, err := ParseCompressionLevel(c.Archive.Compression); err != nil {
		errs = append(errs, fmt.Errorf("archive.compression: %w", err))
	}
	if _, err := HashFuncByName(c.Hashing.Algorithm); err != nil {
		errs = append(errs, fmt.Errorf("hashing.algorithm: %w", err))
	}
	if c.Hashing.Workers < 1 {
		errs = append(errs, fmt.Errorf("hashing.workers must be at least 1, got %d", c.Hashing.Workers))
	}
	if c.Hashing.ChunkSize < 1 {
		errs = append(errs, fmt.Errorf("hashing.chunk_size must be at least 1, got %d", c.Hashing.ChunkSize))
	}
	if c.Hashing.BlockSize < 512 {
		errs = append(errs, fmt.Errorf("hashing.block_size must be at least 512 bytes, got %d", c.Hashing.BlockSize))
	}
	if c.Crawl.IgnoreFile == "" {
		errs = append(errs, errors.New("crawl.ignore_file must not be empty"))
	}
	for _, name := range c.Crawl.Bundles {
		if _, ok := BundleByName(name); !ok {
			errs = append(errs, fmt.Errorf("crawl.bundles: unknown bundle %q", name))
		}
	}
	if c.Cache.StagingThreshold > 0 && c.Cache.ScratchDir == "" {
		errs = append(errs, errors.New("cache.staging_threshold requires cache.scratch_dir"))
	}
	return newValidationError(errs)
}

// Options translates the configuration into Packer options.
func (c *Config) Options() ([]Option, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	hashFunc, _ := HashFuncByName(c.Hashing.Algorithm)

	bundles := make([]Bundle, 0, len(c.Crawl.Bundles))
	for _, name := range c.Crawl.Bundles {
		b, _ := BundleByName(name)
		bundles = append(bundles, b)
	}

	// Malformed lines are dropped and reported by the Packer, like rule files on disk.
	rules, invalid, err := ParseRules(strings.NewReader(strings.Join(c.Crawl.Exclude, "\n")), "crawl.exclude", "")
	if err != nil {
		return nil, err
	}

	return []Option{
		WithHashFunc(hashFunc),
		WithWorkers(c.Hashing.Workers),
		WithChunkSize(c.Hashing.ChunkSize),
		WithBlockSize(int(c.Hashing.BlockSize)),
		WithReportInterval(int64(c.Hashing.ReportInterval)),
		WithIgnoreFile(c.Crawl.IgnoreFile),
		WithBundles(bundles...),
		WithRules(rules),
		withInvalidRules(invalid),
		WithFileCache(FileCacheOptions{
			RAMThreshold:     int64(c.Cache.RAMThreshold),
			StagingThreshold: int64(c.Cache.StagingThreshold),
			ScratchDir:       c.Cache.ScratchDir,
			PoolCap:          int(c.Cache.PoolCap),
		}),
	}, nil
}

// Sink returns the archive sink described by the configuration.
func (c *Config) Sink() (Sink, error) {
	level, err := ParseCompressionLevel(c.Archive.Compression)
	if err != nil {
		return nil, err
	}
	return NewSink(FileSink{Path: c.Archive.Path}, level), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
