/*
Package blobpack packs directory trees into a single deduplicated archive.

Files are selected with gitignore-style rules, hashed in parallel, and every
distinct content is written to the archive exactly once. A metadata index of
directories, files and blobs is appended as the last archive entry so the
original layout can be rebuilt later.

# Archive Layout

The archive is a tar stream, optionally zstd-compressed:
  - files/<first two hex chars>/<hex digest> - one entry per distinct content
  - index.db - the metadata index, always last

Empty files have no content entry; they appear in the index only.

# Pipeline

A run goes through these stages:
  - Crawler walks each import root, honouring .gitignore files and rule bundles
  - PathTree keeps the accepted files and is persisted level by level
  - Scheduler hashes files on a worker pool, reporting progress as it goes
  - DedupCache assigns one Blob per distinct digest
  - ArchiveStreamer writes queued blobs from a single goroutine

# Basic Usage

	store, err := blobpack.OpenSQLiteStore("")
	if err != nil {
	    log.Fatal(err)
	}
	defer store.Close()

	sink := blobpack.NewSink(blobpack.FileSink{Path: "backup.tar.zst"}, blobpack.LevelNormal)
	p, err := blobpack.Open(sink, store, blobpack.WithLogger(logger))
	if err != nil {
	    log.Fatal(err)
	}

	if _, err := p.Add(ctx, "/home/me/projects"); err != nil {
	    log.Fatal(err)
	}
	stats, err := p.Run(ctx)

# Ignore Rules

Rule files use a gitignore subset: "*" and "?" stay within one path segment,
"**" crosses segments, "[...]" is a character class, a leading "!" negates and a
trailing "/" limits the rule to directories. A rule containing "/" applies only
to the directory holding the rule file. See RuleSet.Ignored for the exact
evaluation order.

# Errors

Per-file read problems never stop a run; they are reported as *FileAccessError
in HashResult and logged. An unusable archive destination (*ArchiveSinkError)
or a digest seen with two sizes (*DedupInvariantError) aborts the run.
*/
package blobpack
