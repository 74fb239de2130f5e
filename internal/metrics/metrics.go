package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "analysisd_jobs_created_total",
		Help: "Total number of analysis jobs created",
	})

	JobsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analysisd_jobs_finished_total",
		Help: "Jobs that reached a terminal status, by status",
	}, []string{"status"})

	RunningWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "analysisd_running_workers",
		Help: "Worker processes currently supervised",
	})

	WorkerDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "analysisd_worker_duration_seconds",
		Help:    "Wall time of worker processes",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	SpawnFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "analysisd_spawn_failures_total",
		Help: "Workers that could not be launched",
	})

	EnvelopesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analysisd_envelopes_total",
		Help: "Worker output lines decoded, by kind",
	}, []string{"kind"})

	MalformedEnvelopesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "analysisd_malformed_envelopes_total",
		Help: "Envelopes dropped because they could not be decoded",
	})

	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "analysisd_subscribers",
		Help: "Active job subscriptions on the push channel",
	})

	SnapshotsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "analysisd_snapshots_superseded_total",
		Help: "Undelivered snapshots replaced by a newer one",
	})
)
