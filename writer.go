package blobpack

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/afero"
)

// ArchiveEntry is one record queued for the archive.
type ArchiveEntry struct {
	SourcePath  string
	ArchivePath string
	Size        int64
}

// errSourceUnavailable marks an entry dropped before anything reached the stream.
var errSourceUnavailable = errors.New("archive source unavailable")

// entryWriter appends tar records read from a filesystem.
type entryWriter struct {
	fs      afero.Fs
	tw      *tar.Writer
	nowFunc NowFunc
}

func newEntryWriter(fs afero.Fs, w io.Writer, nowFunc NowFunc) *entryWriter {
	return &entryWriter{fs: fs, tw: tar.NewWriter(w), nowFunc: nowFunc}
}

// write appends e. An error wrapping errSourceUnavailable leaves the stream
// intact; any other error means the stream is unusable.
func (ew *entryWriter) write(e ArchiveEntry) error {
	srcFile, err := ew.fs.Open(e.SourcePath)
	if err != nil {
		return fmt.Errorf("%w: %w", errSourceUnavailable, err)
	}
	defer srcFile.Close()

	modTime := ew.nowFunc()
	if info, err := srcFile.Stat(); err == nil {
		modTime = info.ModTime()
	}

	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     e.ArchivePath,
		Size:     e.Size,
		Mode:     0o644,
		ModTime:  modTime,
		Format:   tar.FormatPAX,
	}
	if err := ew.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write header for %s: %w", e.ArchivePath, err)
	}

	bufPtr := bufferPool.Get().(*[]byte)
	buffer := *bufPtr
	defer bufferPool.Put(bufPtr)

	n, err := io.CopyBuffer(ew.tw, io.LimitReader(srcFile, e.Size), buffer)
	if err != nil {
		return fmt.Errorf("failed to copy %s: %w", e.SourcePath, err)
	}
	if n != e.Size {
		return fmt.Errorf("failed to copy %s: read %d of %d bytes", e.SourcePath, n, e.Size)
	}
	return nil
}

// close writes the tar trailer.
func (ew *entryWriter) close() error {
	return ew.tw.Close()
}
