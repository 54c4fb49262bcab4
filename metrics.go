package blobpack

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of a Packer. A nil *Metrics records nothing.
type Metrics struct {
	filesCrawled   prometheus.Counter
	filesHashed    *prometheus.CounterVec
	bytesHashed    prometheus.Counter
	blobsTotal     *prometheus.CounterVec
	dedupBytes     prometheus.Counter
	archiveQueue   prometheus.Gauge
	archiveEntries prometheus.Counter
	archiveBytes   prometheus.Counter
	phaseDuration  *prometheus.HistogramVec
}

// NewMetrics registers the blobpack collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		// Crawl metrics
		filesCrawled: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "blobpack_files_crawled_total",
				Help: "Files accepted by the ignore rules",
			},
		),

		// Hashing metrics
		filesHashed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blobpack_files_hashed_total",
				Help: "Files hashed, by result",
			},
			[]string{"result"},
		),
		bytesHashed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "blobpack_bytes_hashed_total",
				Help: "Bytes read while hashing",
			},
		),

		// Dedup metrics
		blobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blobpack_blobs_total",
				Help: "Files recorded in the dedup cache, by outcome",
			},
			[]string{"outcome"},
		),
		dedupBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "blobpack_dedup_saved_bytes_total",
				Help: "Bytes not archived because the content was already present",
			},
		),

		// Archive metrics
		archiveQueue: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "blobpack_archive_queue_entries",
				Help: "Entries waiting for the archive writer",
			},
		),
		archiveEntries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "blobpack_archive_entries_total",
				Help: "Entries written to the archive",
			},
		),
		archiveBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "blobpack_archive_bytes_total",
				Help: "Content bytes written to the archive",
			},
		),

		phaseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "blobpack_phase_duration_seconds",
				Help:    "Duration of each run phase",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"phase"},
		),
	}
}

func (m *Metrics) fileCrawled() {
	if m == nil {
		return
	}
	m.filesCrawled.Inc()
}

func (m *Metrics) fileHashed(r HashResult) {
	if m == nil {
		return
	}
	if r.Err != nil {
		m.filesHashed.WithLabelValues("failed").Inc()
		return
	}
	m.filesHashed.WithLabelValues("ok").Inc()
	m.bytesHashed.Add(float64(r.Size))
}

func (m *Metrics) blobRecorded(isNew bool, size int64) {
	if m == nil {
		return
	}
	if isNew {
		m.blobsTotal.WithLabelValues("new").Inc()
		return
	}
	m.blobsTotal.WithLabelValues("duplicate").Inc()
	m.dedupBytes.Add(float64(size))
}

func (m *Metrics) archiveQueued() {
	if m == nil {
		return
	}
	m.archiveQueue.Inc()
}

func (m *Metrics) archiveDone(size int64, written bool) {
	if m == nil {
		return
	}
	m.archiveQueue.Dec()
	if !written {
		return
	}
	m.archiveEntries.Inc()
	m.archiveBytes.Add(float64(size))
}

// observePhase records how long a named phase took since start.
func (m *Metrics) observePhase(phase string, start time.Time) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
}
