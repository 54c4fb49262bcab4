package blobpack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// StreamerState is the lifecycle stage of an ArchiveStreamer.
type StreamerState int

const (
	StateIdle StreamerState = iota
	StateRunning
	StateDraining
	StateClosed
)

func (s StreamerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ArchiveProgress counts entries accepted and written by an ArchiveStreamer.
type ArchiveProgress struct {
	EnqueuedFiles int
	EnqueuedBytes int64
	WrittenFiles  int
	WrittenBytes  int64
	SkippedFiles  int
}

// ArchiveOptions configures an ArchiveStreamer.
type ArchiveOptions struct {
	// OnProgress is called from the writer goroutine after every entry.
	OnProgress func(ArchiveProgress)
	NowFunc    NowFunc
	Logger     *zap.Logger
	Metrics    *Metrics
}

// ArchiveStreamer writes queued entries into a tar stream on a single goroutine.
// Enqueue may be called from any goroutine and never blocks on I/O.
type ArchiveStreamer struct {
	fs   afero.Fs
	sink Sink
	opts ArchiveOptions

	mu       sync.Mutex
	state    StreamerState
	queue    []ArchiveEntry
	progress ArchiveProgress
	skipped  []string
	err      error

	wake chan struct{}
	done chan struct{}
}

// NewArchiveStreamer creates an idle streamer reading sources from fs.
func NewArchiveStreamer(fs afero.Fs, sink Sink, opts ArchiveOptions) *ArchiveStreamer {
	if opts.NowFunc == nil {
		opts.NowFunc = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &ArchiveStreamer{
		fs:   fs,
		sink: sink,
		opts: opts,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// State returns the current lifecycle stage.
func (s *ArchiveStreamer) State() StreamerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Progress returns a snapshot of the counters.
func (s *ArchiveStreamer) Progress() ArchiveProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// Skipped returns the archive paths of entries dropped because their source
// could not be read at write time.
func (s *ArchiveStreamer) Skipped() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.skipped...)
}

// Start opens the sink and launches the writer. A sink failure is returned as
// *ArchiveSinkError. Cancelling ctx afterwards does not stop the writer; Stop
// still drains everything enqueued.
func (s *ArchiveStreamer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return fmt.Errorf("start: %w (%s)", ErrStreamerState, s.state)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	w, err := s.sink.Open()
	if err != nil {
		return &ArchiveSinkError{Err: err}
	}

	s.state = StateRunning
	go s.run(w)
	return nil
}

// Enqueue queues e for writing. Entries of size zero are accepted and dropped.
func (s *ArchiveStreamer) Enqueue(e ArchiveEntry) error {
	s.mu.Lock()
	if s.state != StateRunning {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("enqueue: %w (%s)", ErrStreamerState, state)
	}
	if e.Size == 0 {
		s.mu.Unlock()
		return nil
	}
	s.queue = append(s.queue, e)
	s.progress.EnqueuedFiles++
	s.progress.EnqueuedBytes += e.Size
	s.mu.Unlock()

	s.opts.Metrics.archiveQueued()
	s.signal()
	return nil
}

// Stop waits until every enqueued entry has been handled, then closes the tar
// stream and the sink. It returns the first write or close error.
//
// An entry whose source vanished or became unreadable after it was queued is
// not an error: it is dropped, counted in SkippedFiles and listed by Skipped.
// WrittenFiles then stays below EnqueuedFiles, and an index referencing that
// entry points at content missing from the archive.
func (s *ArchiveStreamer) Stop() error {
	s.mu.Lock()
	switch s.state {
	case StateRunning:
		s.state = StateDraining
	case StateDraining:
	case StateClosed:
		err := s.err
		s.mu.Unlock()
		return err
	default:
		s.mu.Unlock()
		return fmt.Errorf("stop: %w (%s)", ErrStreamerState, StateIdle)
	}
	s.mu.Unlock()

	s.signal()
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *ArchiveStreamer) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run is the writer goroutine.
func (s *ArchiveStreamer) run(w io.WriteCloser) {
	defer close(s.done)

	ew := newEntryWriter(s.fs, w, s.opts.NowFunc)
	var writeErr error

	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		draining := s.state == StateDraining
		s.mu.Unlock()

		if len(batch) == 0 {
			if draining {
				break
			}
			<-s.wake
			continue
		}

		for _, e := range batch {
			written := false
			if writeErr == nil {
				err := ew.write(e)
				switch {
				case err == nil:
					written = true
				case errors.Is(err, errSourceUnavailable):
					s.opts.Logger.Warn("skipping archive entry", zap.String("path", e.SourcePath), zap.Error(err))
				default:
					writeErr = err
					s.opts.Logger.Error("archive write failed", zap.String("path", e.SourcePath), zap.Error(err))
				}
			}
			s.record(e, written)
		}
	}

	// Drained: trailer, then the sink.
	if writeErr == nil {
		writeErr = ew.close()
	}
	var closeErr error
	if writeErr != nil {
		abortWriter(w)
	} else {
		closeErr = w.Close()
	}

	s.mu.Lock()
	s.state = StateClosed
	s.err = errors.Join(writeErr, closeErr)
	s.mu.Unlock()
}

// record updates counters after one entry and notifies the observer.
func (s *ArchiveStreamer) record(e ArchiveEntry, written bool) {
	s.mu.Lock()
	if written {
		s.progress.WrittenFiles++
		s.progress.WrittenBytes += e.Size
	} else {
		s.progress.SkippedFiles++
		s.skipped = append(s.skipped, e.ArchivePath)
	}
	snapshot := s.progress
	s.mu.Unlock()

	s.opts.Metrics.archiveDone(e.Size, written)
	if s.opts.OnProgress != nil {
		s.opts.OnProgress(snapshot)
	}
}
