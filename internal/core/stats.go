package core

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/edvin/vmbackup/internal/metrics"
	"github.com/edvin/vmbackup/internal/model"
)

// aggregateStats mirrors the prometheus collectors as plain counters so
// the JSON metrics endpoint can report them without scraping. Guarded
// by Orchestrator.mu.
type aggregateStats struct {
	totalBackups      int64
	successfulBackups int64
	failedBackups     int64

	totalRestores      int64
	successfulRestores int64
	failedRestores     int64

	storageUsed       int64
	lastBackupTime    *time.Time
	sumBackupDuration time.Duration
	sumBackupSize     int64
}

// Metrics is the aggregate counters document served by the JSON
// metrics endpoint.
type Metrics struct {
	TotalBackups      int64 `json:"total_backups"`
	SuccessfulBackups int64 `json:"successful_backups"`
	FailedBackups     int64 `json:"failed_backups"`

	TotalRestores      int64 `json:"total_restores"`
	SuccessfulRestores int64 `json:"successful_restores"`
	FailedRestores     int64 `json:"failed_restores"`

	StorageUsed      int64  `json:"storage_used"`
	StorageUsedHuman string `json:"storage_used_human"`

	LastBackupTime *time.Time `json:"last_backup_time,omitempty"`

	// Averages cover successful backups only.
	AverageBackupSeconds float64 `json:"average_backup_seconds"`
	AverageBackupSize    int64   `json:"average_backup_size"`
}

// seedStats primes storage usage and last-backup time from persisted
// metadata so restarts don't zero the gauges. Operation counters start
// fresh; they describe this process.
func (o *Orchestrator) seedStats() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	backups, err := o.backups.List(ctx, model.BackupFilter{})
	if err != nil {
		o.logger.Warn().Err(err).Msg("failed to seed storage stats from metadata")
		return
	}
	for _, b := range backups {
		o.stats.storageUsed += b.Size
		if b.CompletedAt != nil && (o.stats.lastBackupTime == nil || b.CompletedAt.After(*o.stats.lastBackupTime)) {
			t := *b.CompletedAt
			o.stats.lastBackupTime = &t
		}
	}
	metrics.StorageUsedBytes.Set(float64(o.stats.storageUsed))
}

func (o *Orchestrator) recordBackupResult(b *model.Backup, took time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.stats.totalBackups++
	if err != nil {
		o.stats.failedBackups++
		metrics.BackupsTotal.WithLabelValues("failure").Inc()
		return
	}
	o.stats.successfulBackups++
	o.stats.storageUsed += b.Size
	o.stats.sumBackupDuration += took
	o.stats.sumBackupSize += b.Size
	if b.CompletedAt != nil {
		t := *b.CompletedAt
		o.stats.lastBackupTime = &t
	}
	metrics.BackupsTotal.WithLabelValues("success").Inc()
	metrics.BackupDurationSeconds.Observe(took.Seconds())
	metrics.BackupSizeBytes.Observe(float64(b.Size))
	metrics.StorageUsedBytes.Set(float64(o.stats.storageUsed))
}

func (o *Orchestrator) recordRestoreResult(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.stats.totalRestores++
	if err != nil {
		o.stats.failedRestores++
		metrics.RestoresTotal.WithLabelValues("failure").Inc()
		return
	}
	o.stats.successfulRestores++
	metrics.RestoresTotal.WithLabelValues("success").Inc()
}

func (o *Orchestrator) recordBackupDeleted(b *model.Backup) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.stats.storageUsed -= b.Size
	if o.stats.storageUsed < 0 {
		o.stats.storageUsed = 0
	}
	metrics.StorageUsedBytes.Set(float64(o.stats.storageUsed))
}

// Metrics returns a snapshot of the aggregate counters.
func (o *Orchestrator) Metrics() Metrics {
	o.mu.Lock()
	defer o.mu.Unlock()

	m := Metrics{
		TotalBackups:       o.stats.totalBackups,
		SuccessfulBackups:  o.stats.successfulBackups,
		FailedBackups:      o.stats.failedBackups,
		TotalRestores:      o.stats.totalRestores,
		SuccessfulRestores: o.stats.successfulRestores,
		FailedRestores:     o.stats.failedRestores,
		StorageUsed:        o.stats.storageUsed,
		StorageUsedHuman:   humanize.IBytes(uint64(o.stats.storageUsed)),
	}
	if o.stats.lastBackupTime != nil {
		t := *o.stats.lastBackupTime
		m.LastBackupTime = &t
	}
	if o.stats.successfulBackups > 0 {
		m.AverageBackupSeconds = o.stats.sumBackupDuration.Seconds() / float64(o.stats.successfulBackups)
		m.AverageBackupSize = o.stats.sumBackupSize / o.stats.successfulBackups
	}
	return m
}
