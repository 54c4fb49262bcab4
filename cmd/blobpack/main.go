// Command blobpack packs directories into a deduplicated archive.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/gophersatwork/blobpack"
)

const version = "0.1.0"

const usage = `blobpack

Usage:
  blobpack pack [-c <config>] [-o <archive>] [--level=<lvl>] [--workers=<n>] [--hash=<algo>] <path>...
  blobpack rules <ignorefile> <path>...
  blobpack -h | --help
  blobpack --version

Options:
  -c <config>      TOML configuration file.
  -o <archive>     Archive to write [default from config].
  --level=<lvl>    Compression: store, fastest, fast, normal, max.
  --workers=<n>    Files hashed in parallel.
  --hash=<algo>    Content hash: sha256 or xxh64.
  -h --help        Show this screen.
  --version        Show version.
`

// Exit codes
const (
	exitOK          = 0
	exitFailure     = 1
	exitUsage       = 2
	exitInterrupted = 130
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	parser := &docopt.Parser{
		HelpHandler: func(err error, usage string) {
			if err != nil {
				fmt.Fprintln(stderr, usage)
				return
			}
			fmt.Fprintln(stdout, usage)
		},
		OptionsFirst: false,
	}
	opts, err := parser.ParseArgs(usage, args, version)
	if err != nil {
		return exitUsage
	}
	if opts == nil {
		// help or version was printed
		return exitOK
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	paths, _ := opts["<path>"].([]string)
	if isSet(opts, "rules") {
		file, _ := opts.String("<ignorefile>")
		return runRules(file, paths, stdout, stderr)
	}
	return runPack(ctx, opts, paths, stderr)
}

func runPack(ctx context.Context, opts docopt.Opts, paths []string, stderr io.Writer) int {
	configPath, _ := opts.String("-c")
	cfg, err := blobpack.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	// Flags win over file and environment.
	if s, _ := opts.String("-o"); s != "" {
		cfg.Archive.Path = s
	}
	if s, _ := opts.String("--level"); s != "" {
		cfg.Archive.Compression = s
	}
	if s, _ := opts.String("--hash"); s != "" {
		cfg.Hashing.Algorithm = s
	}
	if s, _ := opts.String("--workers"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			fmt.Fprintf(stderr, "--workers: %v\n", err)
			return exitUsage
		}
		cfg.Hashing.Workers = n
	}
	options, err := cfg.Options()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	options = append(options,
		blobpack.WithLogger(logger),
		blobpack.WithMetrics(blobpack.NewMetrics(reg)),
		blobpack.WithProgress(progressLogger(logger)),
	)

	sink, err := cfg.Sink()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	store, err := blobpack.OpenSQLiteStore(cfg.Index.Path)
	if err != nil {
		logger.Error("cannot open index", zap.Error(err))
		return exitFailure
	}
	defer store.Close()

	packer, err := blobpack.Open(sink, store, options...)
	if err != nil {
		logger.Error("cannot create packer", zap.Error(err))
		return exitFailure
	}

	for _, p := range paths {
		if _, err := packer.Add(ctx, p); err != nil {
			if errors.Is(err, context.Canceled) {
				return exitInterrupted
			}
			logger.Error("cannot add import root", zap.String("path", p), zap.Error(err))
			return exitFailure
		}
	}

	stats, err := packer.Run(ctx)
	if cfg.Metrics.Textfile != "" {
		if werr := prometheus.WriteToTextfile(cfg.Metrics.Textfile, reg); werr != nil {
			logger.Warn("cannot write metrics", zap.String("path", cfg.Metrics.Textfile), zap.Error(werr))
		}
	}
	switch {
	case errors.Is(err, context.Canceled):
		logger.Warn("interrupted", zap.Int("archived", stats.ArchiveFiles))
		return exitInterrupted
	case err != nil:
		return exitFailure
	}

	logger.Info("archive written",
		zap.String("path", cfg.Archive.Path),
		zap.String("content", humanize.IBytes(uint64(stats.ArchiveBytes))),
		zap.Float64("dedup_ratio", stats.DedupRatio()))
	return exitOK
}

// runRules prints the verdict of an ignore file for each path.
func runRules(file string, paths []string, stdout, stderr io.Writer) int {
	f, err := os.Open(file)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitFailure
	}
	defer f.Close()

	base, err := filepath.Abs(filepath.Dir(file))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitFailure
	}
	rules, invalid, err := blobpack.ParseRules(f, file, base)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitFailure
	}
	for _, perr := range invalid {
		fmt.Fprintf(stderr, "warning: %v\n", perr)
	}

	for _, p := range paths {
		isDir := strings.HasSuffix(p, "/")
		abs, err := filepath.Abs(p)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return exitFailure
		}
		if info, err := os.Stat(abs); err == nil {
			isDir = info.IsDir()
		}
		verdict := "keep"
		if rules.Ignored(abs, isDir) {
			verdict = "ignore"
		}
		fmt.Fprintf(stdout, "%s\t%s\n", verdict, p)
	}
	return exitOK
}

// progressLogger logs hashing progress at most once per finished percent.
func progressLogger(logger *zap.Logger) blobpack.ProgressFunc {
	last := -1
	return func(r blobpack.ProgressReport) {
		if r.FilesTotal == 0 {
			return
		}
		pct := (r.FilesProcessed + r.FilesFailed) * 100 / r.FilesTotal
		if pct == last {
			return
		}
		last = pct
		logger.Info("hashing",
			zap.Int("percent", pct),
			zap.Int("files", r.FilesProcessed),
			zap.Int("failed", r.FilesFailed),
			zap.String("bytes", humanize.IBytes(uint64(r.BytesProcessed))))
	}
}

func isSet(opts docopt.Opts, key string) bool {
	b, _ := opts.Bool(key)
	return b
}
