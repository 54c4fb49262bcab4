package blobpack

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
)

// readTar lists entry names and contents of a tar stream.
func readTar(t *testing.T, data []byte) ([]string, map[string][]byte) {
	t.Helper()
	tr := tar.NewReader(bytes.NewReader(data))
	var names []string
	contents := make(map[string][]byte)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("reading tar: %v", err)
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("reading %s: %v", hdr.Name, err)
		}
		names = append(names, hdr.Name)
		contents[hdr.Name] = body
	}
	return names, contents
}

func TestArchiveStreamer_WritesInOrder(t *testing.T) {
	memFs := afero.NewMemMapFs()
	writeFiles(t, memFs, map[string]string{
		"/src/a": "alpha",
		"/src/b": "bravo!",
		"/src/e": "",
	})

	sink := &BufferSink{}
	var mu sync.Mutex
	var last ArchiveProgress
	s := NewArchiveStreamer(memFs, sink, ArchiveOptions{
		NowFunc: fixedNowFunc,
		OnProgress: func(p ArchiveProgress) {
			mu.Lock()
			last = p
			mu.Unlock()
		},
	})
	if s.State() != StateIdle {
		t.Fatalf("State() = %s, want idle", s.State())
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if s.State() != StateRunning {
		t.Fatalf("State() = %s, want running", s.State())
	}

	entries := []ArchiveEntry{
		{SourcePath: "/src/a", ArchivePath: "files/aa/a", Size: 5},
		{SourcePath: "/src/e", ArchivePath: "files/ee/e", Size: 0},
		{SourcePath: "/src/b", ArchivePath: "files/bb/b", Size: 6},
		{SourcePath: "/src/gone", ArchivePath: "files/00/gone", Size: 3},
	}
	for _, e := range entries {
		if err := s.Enqueue(e); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("State() = %s, want closed", s.State())
	}
	if !sink.Closed() {
		t.Error("sink was not closed")
	}

	names, contents := readTar(t, sink.Bytes())
	want := []string{"files/aa/a", "files/bb/b"}
	if len(names) != len(want) {
		t.Fatalf("archive entries = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("entry %d = %s, want %s", i, names[i], want[i])
		}
	}
	if string(contents["files/aa/a"]) != "alpha" || string(contents["files/bb/b"]) != "bravo!" {
		t.Errorf("unexpected contents %q", contents)
	}

	progress := s.Progress()
	wantProgress := ArchiveProgress{EnqueuedFiles: 3, EnqueuedBytes: 14, WrittenFiles: 2, WrittenBytes: 11, SkippedFiles: 1}
	if progress != wantProgress {
		t.Errorf("Progress() = %+v, want %+v", progress, wantProgress)
	}
	if skipped := s.Skipped(); len(skipped) != 1 || skipped[0] != "files/00/gone" {
		t.Errorf("Skipped() = %v, want [files/00/gone]", skipped)
	}
	mu.Lock()
	defer mu.Unlock()
	if last != wantProgress {
		t.Errorf("last OnProgress = %+v, want %+v", last, wantProgress)
	}
}

func TestArchiveStreamer_ConcurrentEnqueue(t *testing.T) {
	memFs := afero.NewMemMapFs()
	writeFiles(t, memFs, map[string]string{"/src/x": "x"})

	sink := &BufferSink{}
	s := NewArchiveStreamer(memFs, sink, ArchiveOptions{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Enqueue(ArchiveEntry{SourcePath: "/src/x", ArchivePath: "files/x", Size: 1}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	names, _ := readTar(t, sink.Bytes())
	if len(names) != 50 {
		t.Errorf("archive has %d entries, want 50", len(names))
	}
}

func TestArchiveStreamer_StateErrors(t *testing.T) {
	s := NewArchiveStreamer(afero.NewMemMapFs(), &BufferSink{}, ArchiveOptions{})

	if err := s.Enqueue(ArchiveEntry{Size: 1}); !errors.Is(err, ErrStreamerState) {
		t.Errorf("Enqueue() before Start error = %v, want ErrStreamerState", err)
	}
	if err := s.Stop(); !errors.Is(err, ErrStreamerState) {
		t.Errorf("Stop() before Start error = %v, want ErrStreamerState", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrStreamerState) {
		t.Errorf("second Start() error = %v, want ErrStreamerState", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop() error = %v, want nil", err)
	}
	if err := s.Enqueue(ArchiveEntry{Size: 1}); !errors.Is(err, ErrStreamerState) {
		t.Errorf("Enqueue() after Stop error = %v, want ErrStreamerState", err)
	}
}

// failingSink cannot be opened.
type failingSink struct{ err error }

func (s failingSink) Open() (io.WriteCloser, error) { return nil, s.err }

// brokenWriter fails every write and records how it was finished.
type brokenWriter struct {
	mu      sync.Mutex
	aborted bool
	closed  bool
}

func (w *brokenWriter) Write([]byte) (int, error) { return 0, errors.New("disk on fire") }

func (w *brokenWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *brokenWriter) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.aborted = true
	return nil
}

type brokenSink struct{ w *brokenWriter }

func (s brokenSink) Open() (io.WriteCloser, error) { return s.w, nil }

func TestArchiveStreamer_SinkErrors(t *testing.T) {
	t.Run("Open fails", func(t *testing.T) {
		boom := errors.New("no space")
		s := NewArchiveStreamer(afero.NewMemMapFs(), failingSink{boom}, ArchiveOptions{})
		err := s.Start(context.Background())
		var serr *ArchiveSinkError
		if !errors.As(err, &serr) {
			t.Fatalf("Start() error = %v, want *ArchiveSinkError", err)
		}
		if !errors.Is(err, boom) || !errors.Is(err, ErrArchiveSink) {
			t.Errorf("error %v does not wrap the cause and ErrArchiveSink", err)
		}
		if s.State() != StateIdle {
			t.Errorf("State() = %s, want idle", s.State())
		}
	})

	t.Run("Write fails", func(t *testing.T) {
		memFs := afero.NewMemMapFs()
		writeFiles(t, memFs, map[string]string{"/a": "aaaa", "/b": "bbbb"})

		w := &brokenWriter{}
		s := NewArchiveStreamer(memFs, brokenSink{w}, ArchiveOptions{})
		if err := s.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		for _, p := range []string{"/a", "/b"} {
			if err := s.Enqueue(ArchiveEntry{SourcePath: p, ArchivePath: p[1:], Size: 4}); err != nil {
				t.Fatal(err)
			}
		}
		if err := s.Stop(); err == nil {
			t.Fatal("Stop() should report the write failure")
		}

		w.mu.Lock()
		defer w.mu.Unlock()
		if !w.aborted || w.closed {
			t.Errorf("aborted = %v, closed = %v, want the stream aborted", w.aborted, w.closed)
		}
		if got := s.Progress(); got.WrittenFiles != 0 || got.SkippedFiles != 2 {
			t.Errorf("Progress() = %+v, want both entries skipped", got)
		}
	})

	t.Run("Cancelled before start", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		sink := &BufferSink{}
		s := NewArchiveStreamer(afero.NewMemMapFs(), sink, ArchiveOptions{})
		if err := s.Start(ctx); !errors.Is(err, context.Canceled) {
			t.Errorf("Start() error = %v, want context.Canceled", err)
		}
	})
}

func TestArchiveStreamer_Zstd(t *testing.T) {
	memFs := afero.NewMemMapFs()
	content := bytes.Repeat([]byte("compressible "), 1000)
	if err := afero.WriteFile(memFs, "/big", content, 0o644); err != nil {
		t.Fatal(err)
	}

	for _, level := range []CompressionLevel{LevelFastest, LevelFast, LevelNormal, LevelMax} {
		t.Run(level.String(), func(t *testing.T) {
			buf := &BufferSink{}
			s := NewArchiveStreamer(memFs, NewSink(buf, level), ArchiveOptions{})
			if err := s.Start(context.Background()); err != nil {
				t.Fatal(err)
			}
			if err := s.Enqueue(ArchiveEntry{SourcePath: "/big", ArchivePath: "files/big", Size: int64(len(content))}); err != nil {
				t.Fatal(err)
			}
			if err := s.Stop(); err != nil {
				t.Fatalf("Stop() error = %v", err)
			}

			compressed := buf.Bytes()
			if len(compressed) >= len(content) {
				t.Errorf("compressed size %d is not smaller than %d", len(compressed), len(content))
			}

			dec, err := zstd.NewReader(bytes.NewReader(compressed))
			if err != nil {
				t.Fatal(err)
			}
			defer dec.Close()
			raw, err := io.ReadAll(dec)
			if err != nil {
				t.Fatalf("decompress: %v", err)
			}
			_, contents := readTar(t, raw)
			if !bytes.Equal(contents["files/big"], content) {
				t.Error("round-tripped content differs")
			}
		})
	}
}
