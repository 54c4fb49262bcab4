package blobpack

import (
	"context"
	"os"
	"path"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// DefaultIgnoreFile is the per-directory rule file name.
const DefaultIgnoreFile = ".gitignore"

// vcsDirs are skipped at any depth.
var vcsDirs = map[string]bool{
	".git": true,
	".hg":  true,
	".svn": true,
}

// systemDirs are skipped near the top of a volume only.
var systemDirs = map[string]bool{
	"$RECYCLE.BIN":              true,
	"System Volume Information": true,
}

// CrawlerOptions configures a Crawler. The zero value is usable.
type CrawlerOptions struct {
	// IgnoreFile is the rule file looked up in every directory.
	IgnoreFile string
	// Bundles are checked in every directory. nil means DefaultBundles.
	Bundles []Bundle
	// Rules apply at the roots in addition to rule files found on disk.
	Rules  RuleSet
	Logger *zap.Logger
}

func (o *CrawlerOptions) applyDefaults() {
	if o.IgnoreFile == "" {
		o.IgnoreFile = DefaultIgnoreFile
	}
	if o.Bundles == nil {
		o.Bundles = DefaultBundles()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// crawlFrame is one pending directory with the rules inherited from above.
type crawlFrame struct {
	dir   string
	rules RuleSet
}

// Crawler walks directory trees and yields the files not excluded by ignore rules.
// It keeps an explicit stack, so arbitrarily deep trees do not grow the goroutine stack.
// A Crawler is not safe for concurrent use.
type Crawler struct {
	fs      afero.Fs
	opts    CrawlerOptions
	stack   []crawlFrame
	pending []string
	invalid []*PatternSyntaxError
}

// NewCrawler creates a crawler over roots. A root that is a regular file is yielded as is.
func NewCrawler(fs afero.Fs, roots []string, opts CrawlerOptions) *Crawler {
	opts.applyDefaults()
	c := &Crawler{fs: fs, opts: opts}

	// Push in reverse so roots are visited in the given order.
	for i := len(roots) - 1; i >= 0; i-- {
		c.stack = append(c.stack, crawlFrame{dir: normalizePath(roots[i]), rules: opts.Rules})
	}
	return c
}

// InvalidRules returns the rule lines dropped so far.
func (c *Crawler) InvalidRules() []*PatternSyntaxError {
	return c.invalid
}

// Next returns the next accepted file. ok is false once the walk is complete.
func (c *Crawler) Next(ctx context.Context) (string, bool, error) {
	for {
		if len(c.pending) > 0 {
			p := c.pending[0]
			c.pending = c.pending[1:]
			return p, true, nil
		}
		if len(c.stack) == 0 {
			return "", false, nil
		}
		if err := ctx.Err(); err != nil {
			return "", false, err
		}

		frame := c.stack[len(c.stack)-1]
		c.stack = c.stack[:len(c.stack)-1]
		if err := c.visit(ctx, frame); err != nil {
			return "", false, err
		}
	}
}

// Walk calls fn for every accepted file until the walk completes, fn fails,
// or ctx is done.
func (c *Crawler) Walk(ctx context.Context, fn func(path string) error) error {
	for {
		p, ok, err := c.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := fn(p); err != nil {
			return err
		}
	}
}

// visit reads one directory, queues its accepted files and pushes accepted subdirectories.
func (c *Crawler) visit(ctx context.Context, frame crawlFrame) error {
	log := c.opts.Logger
	dir := frame.dir

	info, err := lstatIfPossible(c.fs, dir)
	if err != nil {
		log.Debug("skipping unreadable path", zap.String("path", dir), zap.Error(err))
		return nil
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil
	}
	if !info.IsDir() {
		if info.Mode().IsRegular() {
			c.pending = append(c.pending, dir)
		}
		return nil
	}
	if isSystemPath(dir) {
		return nil
	}

	entries, err := afero.ReadDir(c.fs, dir)
	if err != nil {
		log.Debug("skipping unreadable directory", zap.String("path", dir), zap.Error(err))
		return nil
	}

	active := frame.rules
	subdirs := make(map[string]bool)
	for _, e := range entries {
		if e.IsDir() {
			subdirs[e.Name()] = true
		} else if e.Name() == c.opts.IgnoreFile {
			active = append(active[:len(active):len(active)], c.loadRules(path.Join(dir, e.Name()), dir)...)
		}
	}
	for _, b := range c.opts.Bundles {
		if b.matches(c.fs, dir, subdirs) {
			rules, invalid := b.compile(dir)
			c.recordInvalid(invalid)
			active = append(active[:len(active):len(active)], rules...)
			log.Debug("applied rule bundle", zap.String("bundle", b.Name), zap.String("path", dir))
		}
	}

	inherited := active.Inherited()
	var dirs []string
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		name := e.Name()
		full := path.Join(dir, name)
		mode := e.Mode()
		switch {
		case mode&os.ModeSymlink != 0:
			continue
		case e.IsDir():
			if vcsDirs[name] || active.Ignored(full, true) {
				continue
			}
			dirs = append(dirs, full)
		case mode.IsRegular():
			if active.Ignored(full, false) {
				continue
			}
			c.pending = append(c.pending, full)
		}
	}

	for i := len(dirs) - 1; i >= 0; i-- {
		c.stack = append(c.stack, crawlFrame{dir: dirs[i], rules: inherited})
	}
	return nil
}

// loadRules parses the rule file at p. Failures are logged and yield no rules.
func (c *Crawler) loadRules(p, dir string) RuleSet {
	f, err := c.fs.Open(p)
	if err != nil {
		c.opts.Logger.Debug("cannot open ignore file", zap.String("path", p), zap.Error(err))
		return nil
	}
	defer f.Close()

	rules, invalid, err := ParseRules(f, p, dir)
	if err != nil {
		c.opts.Logger.Debug("cannot read ignore file", zap.String("path", p), zap.Error(err))
	}
	c.recordInvalid(invalid)
	return rules
}

func (c *Crawler) recordInvalid(invalid []*PatternSyntaxError) {
	for _, perr := range invalid {
		c.opts.Logger.Warn("dropping ignore rule", zap.Error(perr))
	}
	c.invalid = append(c.invalid, invalid...)
}

// isSystemPath reports volume housekeeping folders within the top two segments.
func isSystemPath(p string) bool {
	segments := strings.Split(strings.Trim(p, "/"), "/")
	if len(segments) > 2 {
		return false
	}
	return systemDirs[segments[len(segments)-1]]
}

func lstatIfPossible(fs afero.Fs, p string) (os.FileInfo, error) {
	if l, ok := fs.(afero.Lstater); ok {
		info, _, err := l.LstatIfPossible(p)
		return info, err
	}
	return fs.Stat(p)
}
