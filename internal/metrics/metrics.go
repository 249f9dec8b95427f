package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Chunk store
	ChunksAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chunkd_chunks_accepted_total",
		Help: "Chunk uploads by result (stored, duplicate, failed)",
	}, []string{"result"})

	ChunkBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chunkd_chunk_bytes_total",
		Help: "Bytes persisted as new chunk records",
	})

	// Merge engine
	Merges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chunkd_merges_total",
		Help: "Merge calls by result (merged, already_merged, failed, missing)",
	}, []string{"result"})

	MergeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chunkd_merge_duration_seconds",
		Help:    "Duration of merges that reassembled an artifact",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~41s
	})

	MergedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chunkd_merged_bytes_total",
		Help: "Bytes written into committed artifacts",
	})

	MergesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chunkd_merges_in_flight",
		Help: "Merges currently reassembling an artifact",
	})

	CleanupFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chunkd_cleanup_failures_total",
		Help: "Post-merge housekeeping failures by target (chunk, staging)",
	}, []string{"target"})

	// Janitor
	SweptEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chunkd_janitor_swept_total",
		Help: "Entries removed by the janitor by kind (partial, temp, retired, staging)",
	}, []string{"kind"})

	// Archive
	ArchiveUploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chunkd_archive_uploads_total",
		Help: "Artifact archive copies by result (ok, failed)",
	}, []string{"result"})
)
