package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BackupsTotal counts finished backup operations by result
	// (success, failure, timeout).
	BackupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmbackup_backups_total",
			Help: "Total number of finished backup operations",
		},
		[]string{"result"},
	)

	// RestoresTotal counts finished restore operations by result.
	RestoresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmbackup_restores_total",
			Help: "Total number of finished restore operations",
		},
		[]string{"result"},
	)

	BackupDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vmbackup_backup_duration_seconds",
			Help:    "Wall-clock duration of successful backups",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		},
	)

	BackupSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vmbackup_backup_size_bytes",
			Help:    "Archive size of successful backups",
			Buckets: prometheus.ExponentialBuckets(1<<20, 4, 10),
		},
	)

	StorageUsedBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vmbackup_storage_used_bytes",
			Help: "Total bytes of archived chunks currently retained",
		},
	)

	OperationsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vmbackup_operations_in_flight",
			Help: "Operations currently running, by type",
		},
		[]string{"type"},
	)

	ScheduledRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmbackup_scheduled_runs_total",
			Help: "Scheduled backup batches fired, by schedule class",
		},
		[]string{"schedule"},
	)

	RetentionDeletesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vmbackup_retention_deletes_total",
			Help: "Backups deleted by the retention pass",
		},
	)
)
