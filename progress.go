package blobpack

import (
	"sync"
	"sync/atomic"
)

// ProgressReport counts files and bytes of a hashing run. Reports add pointwise;
// the zero value is the identity.
type ProgressReport struct {
	FilesTotal     int
	FilesProcessed int
	FilesFailed    int
	BytesTotal     int64
	BytesProcessed int64
}

// Add returns the pointwise sum of r and o.
func (r ProgressReport) Add(o ProgressReport) ProgressReport {
	return ProgressReport{
		FilesTotal:     r.FilesTotal + o.FilesTotal,
		FilesProcessed: r.FilesProcessed + o.FilesProcessed,
		FilesFailed:    r.FilesFailed + o.FilesFailed,
		BytesTotal:     r.BytesTotal + o.BytesTotal,
		BytesProcessed: r.BytesProcessed + o.BytesProcessed,
	}
}

// Done reports whether every file was processed or failed.
func (r ProgressReport) Done() bool {
	return r.FilesProcessed+r.FilesFailed == r.FilesTotal
}

// ProgressFunc observes progress snapshots. It is never called concurrently.
type ProgressFunc func(ProgressReport)

// progressBoard holds one report per worker and publishes merged snapshots.
type progressBoard struct {
	mu       sync.Mutex
	base     ProgressReport
	slots    []ProgressReport
	inFlight atomic.Bool
	fn       ProgressFunc
}

func newProgressBoard(workers int, base ProgressReport, fn ProgressFunc) *progressBoard {
	return &progressBoard{
		base:  base,
		slots: make([]ProgressReport, workers),
		fn:    fn,
	}
}

// update replaces worker i's slot and publishes the merged snapshot.
// A publish that overlaps one already running is dropped.
func (b *progressBoard) update(i int, r ProgressReport) {
	b.mu.Lock()
	b.slots[i] = r
	snapshot := b.sumLocked()
	b.mu.Unlock()

	if b.fn == nil || !b.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer b.inFlight.Store(false)
	b.fn(snapshot)
}

// final publishes the complete totals. It must be called after all workers returned.
func (b *progressBoard) final() ProgressReport {
	b.mu.Lock()
	snapshot := b.sumLocked()
	b.mu.Unlock()

	if b.fn != nil {
		b.fn(snapshot)
	}
	return snapshot
}

func (b *progressBoard) sumLocked() ProgressReport {
	total := b.base
	for _, s := range b.slots {
		total = total.Add(s)
	}
	return total
}

// slot returns a copy of worker i's report.
func (b *progressBoard) slot(i int) ProgressReport {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.slots[i]
}
