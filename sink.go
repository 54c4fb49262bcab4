package blobpack

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/renameio"
	"github.com/klauspost/compress/zstd"
)

// Sink is the destination of an archive stream. Closing the returned writer
// flushes it and waits for the data to be durable.
type Sink interface {
	Open() (io.WriteCloser, error)
}

// aborter is implemented by writers that can discard a failed stream instead of committing it.
type aborter interface {
	Abort() error
}

// FileSink writes the archive to Path. The file appears at Path only once the
// stream is closed; until then readers see the previous content, if any.
type FileSink struct {
	Path string
}

// Open implements Sink.
func (s FileSink) Open() (io.WriteCloser, error) {
	pf, err := renameio.TempFile("", s.Path)
	if err != nil {
		return nil, err
	}
	return &pendingWriter{pf: pf}, nil
}

type pendingWriter struct {
	pf *renameio.PendingFile
}

func (w *pendingWriter) Write(p []byte) (int, error) {
	return w.pf.Write(p)
}

func (w *pendingWriter) Close() error {
	return w.pf.CloseAtomicallyReplace()
}

func (w *pendingWriter) Abort() error {
	return w.pf.Cleanup()
}

// CompressionLevel selects the zstd encoder level of an archive.
type CompressionLevel int

const (
	// LevelStore writes the tar stream uncompressed.
	LevelStore CompressionLevel = iota
	LevelFastest
	LevelFast
	LevelNormal
	LevelMax
)

var compressionLevelNames = map[string]CompressionLevel{
	"store":   LevelStore,
	"fastest": LevelFastest,
	"fast":    LevelFast,
	"normal":  LevelNormal,
	"max":     LevelMax,
}

// ParseCompressionLevel parses one of store, fastest, fast, normal or max.
func ParseCompressionLevel(s string) (CompressionLevel, error) {
	if l, ok := compressionLevelNames[strings.ToLower(s)]; ok {
		return l, nil
	}
	return 0, fmt.Errorf("unknown compression level %q", s)
}

func (l CompressionLevel) String() string {
	for name, v := range compressionLevelNames {
		if v == l {
			return name
		}
	}
	return fmt.Sprintf("level(%d)", int(l))
}

func (l CompressionLevel) encoderLevel() zstd.EncoderLevel {
	switch l {
	case LevelFastest:
		return zstd.SpeedFastest
	case LevelFast:
		return zstd.SpeedDefault
	case LevelMax:
		return zstd.SpeedBestCompression
	}
	return zstd.SpeedBetterCompression
}

// ZstdSink compresses everything written to it into Inner.
type ZstdSink struct {
	Inner Sink
	Level CompressionLevel
}

// NewSink returns a sink for level: Inner itself for LevelStore, otherwise a ZstdSink.
func NewSink(inner Sink, level CompressionLevel) Sink {
	if level == LevelStore {
		return inner
	}
	return ZstdSink{Inner: inner, Level: level}
}

// Open implements Sink.
func (s ZstdSink) Open() (io.WriteCloser, error) {
	w, err := s.Inner.Open()
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(s.Level.encoderLevel()))
	if err != nil {
		abortWriter(w)
		return nil, err
	}
	return &zstdWriter{enc: enc, inner: w}, nil
}

type zstdWriter struct {
	enc   *zstd.Encoder
	inner io.WriteCloser
}

func (w *zstdWriter) Write(p []byte) (int, error) {
	return w.enc.Write(p)
}

func (w *zstdWriter) Close() error {
	if err := w.enc.Close(); err != nil {
		abortWriter(w.inner)
		return err
	}
	return w.inner.Close()
}

func (w *zstdWriter) Abort() error {
	w.enc.Close()
	return abortWriter(w.inner)
}

// abortWriter discards w when it supports that and closes it otherwise.
func abortWriter(w io.WriteCloser) error {
	if a, ok := w.(aborter); ok {
		return a.Abort()
	}
	return w.Close()
}

// BufferSink keeps the archive in memory.
type BufferSink struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	opened bool
	closed bool
}

// Open implements Sink. A BufferSink can be opened once.
func (s *BufferSink) Open() (io.WriteCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil, fmt.Errorf("buffer sink already opened")
	}
	s.opened = true
	return bufferWriter{s}, nil
}

// Bytes returns the archive written so far.
func (s *BufferSink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...)
}

// Closed reports whether the writer was closed.
func (s *BufferSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type bufferWriter struct {
	s *BufferSink
}

func (w bufferWriter) Write(p []byte) (int, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	if w.s.closed {
		return 0, io.ErrClosedPipe
	}
	return w.s.buf.Write(p)
}

func (w bufferWriter) Close() error {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	w.s.closed = true
	return nil
}
