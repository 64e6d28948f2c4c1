package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	//nolint: revive
	ArchivesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archivedeployer_archives_processed",
			Help: "The total number of archives that finished the pipeline, by outcome",
		},
		[]string{"outcome"},
	)

	//nolint: revive
	PipelineTimer = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "archivedeployer_pipeline_timer",
			Help:    "The duration (seconds) for taking one archive through the pipeline",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"outcome"},
	)

	//nolint: revive
	PollErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "archivedeployer_poll_errors",
			Help: "The total number of failed storage listings",
		},
	)

	//nolint: revive
	PendingArchives = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "archivedeployer_pending_archives",
			Help: "The number of unprocessed archives seen by the last poll",
		},
	)

	//nolint: revive
	BuildJobTimer = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "archivedeployer_build_job_timer",
			Help:    "The duration (seconds) from build submission to a terminal phase",
			Buckets: prometheus.ExponentialBuckets(5, 2, 10),
		},
		[]string{"phase"},
	)

	//nolint: revive
	ReconcileActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archivedeployer_reconcile_actions",
			Help: "The total number of resource actions taken while deploying",
		},
		[]string{"kind", "action"},
	)

	//nolint: revive
	NotifyTimer = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "archivedeployer_notify_timer",
			Help: "The duration (seconds) for posting release records",
		},
	)

	//nolint: revive
	NotifyOk = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "archivedeployer_notify_ok",
			Help: "The total number of successful release record posts",
		},
	)

	//nolint: revive
	NotifySoftFail = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "archivedeployer_notify_soft_fail",
			Help: "The total number of soft (recoverable) release record post failures",
		},
	)

	//nolint: revive
	NotifyHardFail = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "archivedeployer_notify_hard_fail",
			Help: "The total number of hard release record post failures",
		},
	)

	//nolint: revive
	NotifyClientError = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "archivedeployer_notify_client_error",
			Help: "The total number of non-retryable release record post failures",
		},
	)
)
