package blobpack

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"hash"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
)

func sha256Digest(content string) Digest {
	sum := sha256.Sum256([]byte(content))
	return Digest(sum[:])
}

func newProjectFs(t *testing.T) afero.Fs {
	t.Helper()
	memFs := afero.NewMemMapFs()
	writeFiles(t, memFs, map[string]string{
		"/home/me/proj/.gitignore":    "*.log\nbuild/\n",
		"/home/me/proj/a.txt":         "hello",
		"/home/me/proj/b.txt":         "hello",
		"/home/me/proj/empty.txt":     "",
		"/home/me/proj/debug.log":     "noise",
		"/home/me/proj/build/out.bin": "binary",
		"/home/me/proj/sub/c.txt":     "hello",
		"/home/me/proj/sub/d.json":    `{"k":1}`,
	})
	return memFs
}

func TestPacker_Run(t *testing.T) {
	ctx := context.Background()
	memFs := newProjectFs(t)
	sink := &BufferSink{}
	store := NewMemoryStore()
	store.SetNowFunc(fixedNowFunc)
	reg := prometheus.NewRegistry()

	p, err := Open(sink, store,
		WithFs(memFs),
		WithNowFunc(fixedNowFunc),
		WithWorkers(2),
		WithChunkSize(2),
		WithBatchSize(4),
		WithMetrics(NewMetrics(reg)),
	)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if p.RunID() == "" {
		t.Error("RunID() is empty")
	}

	added, err := p.Add(ctx, "/home/me/proj")
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if added != 6 {
		t.Errorf("Add() = %d files, want 6", added)
	}

	stats, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	wantStats := Stats{
		RunID:        p.RunID(),
		Roots:        1,
		Directories:  5, // "/", home, me, proj, sub
		Files:        6,
		Blobs:        4,
		Duplicates:   2,
		BytesHashed:  35,
		BytesUnique:  25,
		BytesSaved:   10,
		ArchiveFiles: 4,
		ArchiveBytes: stats.ArchiveBytes,
	}
	stats.Duration = 0
	if stats != wantStats {
		t.Errorf("Stats = %+v\nwant %+v", stats, wantStats)
	}
	if stats.DedupRatio() != 35.0/25.0 {
		t.Errorf("DedupRatio() = %v", stats.DedupRatio())
	}

	// Content first in materialization order, index last, empty content never stored.
	names, contents := readTar(t, sink.Bytes())
	want := []string{
		sha256Digest(`{"k":1}`).ArchivePath(),
		sha256Digest("*.log\nbuild/\n").ArchivePath(),
		sha256Digest("hello").ArchivePath(),
		IndexEntryName,
	}
	if len(names) != len(want) {
		t.Fatalf("archive entries = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("entry %d = %s, want %s", i, names[i], want[i])
		}
	}
	if string(contents[sha256Digest("hello").ArchivePath()]) != "hello" {
		t.Error("blob content mismatch")
	}

	var manifest Manifest
	if err := json.Unmarshal(contents[IndexEntryName], &manifest); err != nil {
		t.Fatalf("index is not a manifest: %v", err)
	}
	if len(manifest.Files) != 6 || len(manifest.Blobs) != 4 || len(manifest.Directories) != 5 {
		t.Errorf("manifest has %d files, %d blobs, %d directories",
			len(manifest.Files), len(manifest.Blobs), len(manifest.Directories))
	}
	if !manifest.CreatedAt.Equal(fixedNowFunc()) {
		t.Errorf("CreatedAt = %v, want %v", manifest.CreatedAt, fixedNowFunc())
	}

	files := store.Files()
	if files[0].Name != "d" || files[0].Extension != "json" || files[0].Mime != "application/json" {
		t.Errorf("first record = %+v, want the configuration file", files[0])
	}
	blobs := make(map[int64]BlobRow)
	for _, b := range store.Blobs() {
		blobs[b.ID] = b
	}
	hello := 0
	for _, f := range files {
		dir, ok := store.DirectoryPath(f.DirectoryID)
		if !ok {
			t.Errorf("record %+v references unknown directory", f)
		}
		if f.Extension == "txt" && f.Name != "empty" {
			hello++
			if blobs[f.BlobID].Hash != sha256Digest("hello") {
				t.Errorf("%s/%s.txt does not reference the shared blob", dir, f.Name)
			}
		}
	}
	if hello != 3 {
		t.Errorf("found %d records of the duplicated content, want 3", hello)
	}

	if got := counterValue(t, reg, "blobpack_files_crawled_total"); got != 6 {
		t.Errorf("crawled metric = %v, want 6", got)
	}
	if n, err := testutil.GatherAndCount(reg, "blobpack_phase_duration_seconds"); err != nil || n != 4 {
		t.Errorf("phase histograms = %d, %v, want 4", n, err)
	}

	if _, err := p.Add(ctx, "/home/me/proj"); err == nil {
		t.Error("Add() after Run should fail")
	}
	if _, err := p.Run(ctx); err == nil {
		t.Error("second Run() should fail")
	}
}

// counterValue reads one unlabelled counter from reg.
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("counter %s not registered", name)
	return 0
}

func TestPacker_MultipleRoots(t *testing.T) {
	ctx := context.Background()
	memFs := newProjectFs(t)
	writeFiles(t, memFs, map[string]string{"/srv/data/x.txt": "hello"})

	sink := &BufferSink{}
	store := NewMemoryStore()
	p, err := Open(sink, store, WithFs(memFs))
	if err != nil {
		t.Fatal(err)
	}
	for _, root := range []string{"/home/me/proj/sub", "/srv/data", "/home/me/proj/a.txt"} {
		if _, err := p.Add(ctx, root); err != nil {
			t.Fatalf("Add(%s) error = %v", root, err)
		}
	}

	stats, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stats.Roots != 1 {
		t.Errorf("Roots = %d, want one tree for the volume", stats.Roots)
	}
	if stats.Files != 4 || stats.Blobs != 2 || stats.Duplicates != 2 {
		t.Errorf("Stats = %+v", stats)
	}
}

func TestPacker_TrailingDotNames(t *testing.T) {
	ctx := context.Background()
	memFs := afero.NewMemMapFs()
	writeFiles(t, memFs, map[string]string{
		"/r/x":  "plain",
		"/r/x.": "dotted",
	})

	store, err := OpenSQLiteStore("")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	sink := &BufferSink{}
	p, err := Open(sink, store, WithFs(memFs), WithBundles())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Add(ctx, "/r"); err != nil {
		t.Fatal(err)
	}
	stats, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stats.Files != 2 || stats.Blobs != 2 {
		t.Errorf("Stats = %+v, want 2 files and 2 blobs", stats)
	}

	_, contents := readTar(t, sink.Bytes())
	if _, ok := contents[IndexEntryName]; !ok {
		t.Errorf("archive has no %s entry", IndexEntryName)
	}
}

func TestPacker_SourceRemovedBeforeArchiving(t *testing.T) {
	ctx := context.Background()
	memFs := afero.NewMemMapFs()
	writeFiles(t, memFs, map[string]string{
		"/r/keep.txt": "kept",
		"/r/gone.txt": "removed after hashing",
	})

	sink := &BufferSink{}
	p, err := Open(sink, NewMemoryStore(), WithFs(memFs), WithBundles(),
		WithProgress(func(r ProgressReport) {
			if r.Done() {
				memFs.Remove("/r/gone.txt")
			}
		}))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Add(ctx, "/r"); err != nil {
		t.Fatal(err)
	}

	stats, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stats.Blobs != 2 || stats.ArchiveSkips != 1 || stats.ArchiveFiles != 2 {
		t.Errorf("Stats = %+v, want 2 blobs, 1 skipped entry and 2 archive entries", stats)
	}
	names, _ := readTar(t, sink.Bytes())
	if len(names) != 2 || names[1] != IndexEntryName {
		t.Errorf("archive entries = %v", names)
	}
}

func TestPacker_SinkFailure(t *testing.T) {
	memFs := newProjectFs(t)
	store := NewMemoryStore()
	p, err := Open(failingSink{errors.New("read-only volume")}, store, WithFs(memFs))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Add(context.Background(), "/home/me/proj"); err != nil {
		t.Fatal(err)
	}

	stats, err := p.Run(context.Background())
	var serr *ArchiveSinkError
	if !errors.As(err, &serr) {
		t.Fatalf("Run() error = %v, want *ArchiveSinkError", err)
	}
	if stats.Files != 0 || len(store.Directories()) != 0 {
		t.Errorf("work happened before the sink opened: %+v", stats)
	}
}

func TestPacker_Cancelled(t *testing.T) {
	memFs := newProjectFs(t)
	sink := &BufferSink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := Open(sink, NewMemoryStore(),
		WithFs(memFs),
		WithWorkers(1),
		WithChunkSize(1),
		WithProgress(func(ProgressReport) { cancel() }),
	)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Add(ctx, "/home/me/proj"); err != nil {
		t.Fatal(err)
	}

	_, err = p.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if !sink.Closed() {
		t.Error("archive was not closed after cancellation")
	}
	names, _ := readTar(t, sink.Bytes())
	for _, n := range names {
		if n == IndexEntryName {
			t.Error("index exported for a cancelled run")
		}
	}
}

// constHash returns the same digest for every input.
type constHash struct{}

func (constHash) Write(p []byte) (int, error) { return len(p), nil }
func (constHash) Sum(b []byte) []byte         { return append(b, 0xde, 0xad, 0xbe, 0xef) }
func (constHash) Reset()                      {}
func (constHash) Size() int                   { return 4 }
func (constHash) BlockSize() int              { return 1 }

func TestPacker_DedupInvariant(t *testing.T) {
	memFs := afero.NewMemMapFs()
	writeFiles(t, memFs, map[string]string{
		"/d/short": "a",
		"/d/long":  "abc",
	})

	sink := &BufferSink{}
	p, err := Open(sink, NewMemoryStore(), WithFs(memFs), WithHashFunc(func() hash.Hash { return constHash{} }))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Add(context.Background(), "/d"); err != nil {
		t.Fatal(err)
	}

	_, err = p.Run(context.Background())
	if !errors.Is(err, ErrDedupInvariant) {
		t.Fatalf("Run() error = %v, want ErrDedupInvariant", err)
	}
	if !sink.Closed() {
		t.Error("archive was not closed after the failure")
	}
}

func TestOpen_Fail(t *testing.T) {
	if _, err := Open(nil, NewMemoryStore()); err == nil {
		t.Error("Open() without sink should fail")
	}
	if _, err := Open(&BufferSink{}, nil); err == nil {
		t.Error("Open() without store should fail")
	}

	p, err := Open(&BufferSink{}, NewMemoryStore(), WithFs(afero.NewMemMapFs()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Add(context.Background(), "/missing"); err == nil {
		t.Error("Add() of a missing root should fail")
	}
}
