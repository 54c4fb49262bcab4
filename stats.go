package blobpack

import (
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// Stats summarises one Packer run.
type Stats struct {
	RunID        string        // Unique identifier of the run
	Roots        int           // Import roots crawled
	Directories  int           // Directories recorded in the index
	Files        int           // Files accepted by the ignore rules
	FilesFailed  int           // Files that could not be read
	Blobs        int           // Distinct content blobs
	Duplicates   int           // Files whose content was already present
	BytesHashed  int64         // Bytes read while hashing
	BytesUnique  int64         // Bytes of distinct content
	BytesSaved   int64         // Bytes not archived thanks to dedup
	ArchiveFiles int           // Entries written to the archive, index included
	ArchiveBytes int64         // Content bytes written to the archive
	ArchiveSkips int           // Queued entries whose source was gone at write time
	Duration     time.Duration // Wall time of Run
}

// DedupRatio returns hashed bytes per unique byte, or 1 when nothing was hashed.
func (s Stats) DedupRatio() float64 {
	if s.BytesUnique == 0 {
		return 1
	}
	return float64(s.BytesHashed) / float64(s.BytesUnique)
}

// log writes the summary line of a run.
func (s Stats) log(logger *zap.Logger) {
	logger.Info("run finished",
		zap.String("run", s.RunID),
		zap.Int("files", s.Files),
		zap.Int("failed", s.FilesFailed),
		zap.Int("directories", s.Directories),
		zap.Int("blobs", s.Blobs),
		zap.Int("duplicates", s.Duplicates),
		zap.String("hashed", humanize.IBytes(uint64(s.BytesHashed))),
		zap.String("unique", humanize.IBytes(uint64(s.BytesUnique))),
		zap.String("saved", humanize.IBytes(uint64(s.BytesSaved))),
		zap.String("archived", humanize.IBytes(uint64(s.ArchiveBytes))),
		zap.Int("entries", s.ArchiveFiles),
		zap.Int("skipped_entries", s.ArchiveSkips),
		zap.Duration("took", s.Duration),
	)
}
