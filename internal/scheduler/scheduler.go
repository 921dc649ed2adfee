// Package scheduler fires periodic backup batches and applies the
// retention policy for each schedule class.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/edvin/vmbackup/internal/core"
	"github.com/edvin/vmbackup/internal/metrics"
	"github.com/edvin/vmbackup/internal/model"
	"github.com/edvin/vmbackup/internal/vm"
)

// Backups is the slice of the orchestrator the scheduler drives.
type Backups interface {
	CreateBackup(ctx context.Context, req core.CreateRequest) (*model.Operation, *model.Backup, error)
	ListBackups(ctx context.Context, filter model.BackupFilter) ([]*model.Backup, error)
	DeleteBackup(ctx context.Context, id string) error
}

// Options carries one cron expression per schedule class (empty
// disables the class) and the retention window per class in days
// (zero or negative keeps forever).
type Options struct {
	DailySpec   string
	WeeklySpec  string
	MonthlySpec string

	RetentionDaily   int
	RetentionWeekly  int
	RetentionMonthly int
	RetentionYearly  int
}

// JobStatus is the scheduler's own record of a schedule class. Run
// times are tracked here rather than read back out of cron so the
// status survives cron entry churn.
type JobStatus struct {
	Schedule string     `json:"schedule"`
	Spec     string     `json:"spec"`
	LastRun  *time.Time `json:"last_run,omitempty"`
	NextRun  *time.Time `json:"next_run,omitempty"`
	LastErr  string     `json:"last_error,omitempty"`
}

type Scheduler struct {
	logger  zerolog.Logger
	backups Backups
	vms     vm.Controller
	opts    Options
	cron    *cron.Cron

	mu      sync.Mutex
	jobs    map[string]*JobStatus
	started bool
}

func New(logger zerolog.Logger, backups Backups, vms vm.Controller, opts Options) *Scheduler {
	return &Scheduler{
		logger:  logger.With().Str("component", "scheduler").Logger(),
		backups: backups,
		vms:     vms,
		opts:    opts,
		jobs:    make(map[string]*JobStatus),
	}
}

// Start registers the enabled schedule classes and starts the cron
// loop. It fails fast on an invalid expression.
func (s *Scheduler) Start() error {
	s.cron = cron.New()

	classes := []struct {
		name string
		spec string
	}{
		{model.BackupTypeDaily, s.opts.DailySpec},
		{model.BackupTypeWeekly, s.opts.WeeklySpec},
		{model.BackupTypeMonthly, s.opts.MonthlySpec},
	}

	for _, c := range classes {
		if c.spec == "" {
			continue
		}
		sched, err := cron.ParseStandard(c.spec)
		if err != nil {
			return fmt.Errorf("parse %s schedule %q: %w", c.name, c.spec, err)
		}
		next := sched.Next(time.Now())
		s.jobs[c.name] = &JobStatus{Schedule: c.name, Spec: c.spec, NextRun: &next}

		class := c.name
		if _, err := s.cron.AddFunc(c.spec, func() { s.runClass(class) }); err != nil {
			return fmt.Errorf("register %s schedule: %w", c.name, err)
		}
	}

	s.cron.Start()
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	s.logger.Info().Int("schedules", len(s.jobs)).Msg("scheduler started")
	return nil
}

// Stop halts the cron loop and waits for a running batch to finish or
// the context to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	if s.cron == nil {
		return
	}
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.logger.Warn().Msg("gave up waiting for running scheduled batch")
	}
}

// Healthy implements core.Probe.
func (s *Scheduler) Healthy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return errors.New("scheduler not running")
	}
	return nil
}

// Jobs returns a snapshot of all schedule class records.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	return out
}

// runClass backs up every running VM with the class's backup type, then
// applies retention for the class. Per-VM failures are logged and the
// batch continues.
func (s *Scheduler) runClass(class string) {
	ctx := context.Background()
	metrics.ScheduledRunsTotal.WithLabelValues(class).Inc()
	s.logger.Info().Str("schedule", class).Msg("scheduled backup batch starting")

	var batchErr error
	vms, err := s.vms.List(ctx)
	if err != nil {
		batchErr = err
		s.logger.Error().Err(err).Str("schedule", class).Msg("failed to list running vms")
	}

	for _, name := range vms {
		_, _, err := s.backups.CreateBackup(ctx, core.CreateRequest{
			VMName: name,
			Type:   class,
			Tags:   []string{"scheduled:" + class},
		})
		if err != nil {
			batchErr = err
			s.logger.Error().Err(err).Str("schedule", class).Str("vm", name).Msg("scheduled backup failed to start")
		}
	}

	if err := s.applyRetention(ctx, class, s.retentionDays(class)); err != nil {
		batchErr = err
	}
	// The yearly class has no cron entry of its own, so its window is
	// enforced on the daily fire.
	if class == model.BackupTypeDaily {
		if err := s.applyRetention(ctx, model.BackupTypeYearly, s.opts.RetentionYearly); err != nil {
			batchErr = err
		}
	}

	s.recordRun(class, batchErr)
}

func (s *Scheduler) retentionDays(class string) int {
	switch class {
	case model.BackupTypeDaily:
		return s.opts.RetentionDaily
	case model.BackupTypeWeekly:
		return s.opts.RetentionWeekly
	case model.BackupTypeMonthly:
		return s.opts.RetentionMonthly
	case model.BackupTypeYearly:
		return s.opts.RetentionYearly
	default:
		return 0
	}
}

// applyRetention deletes completed backups of the class older than the
// window. A non-positive window keeps everything.
func (s *Scheduler) applyRetention(ctx context.Context, class string, days int) error {
	if days <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	backups, err := s.backups.ListBackups(ctx, model.BackupFilter{
		Type:   class,
		Status: model.BackupStatusCompleted,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("schedule", class).Msg("retention listing failed")
		return err
	}

	var lastErr error
	for _, b := range backups {
		if !b.CreatedAt.Before(cutoff) {
			continue
		}
		if err := s.backups.DeleteBackup(ctx, b.ID); err != nil {
			lastErr = err
			s.logger.Error().Err(err).Str("backup", b.ID).Msg("retention delete failed")
			continue
		}
		metrics.RetentionDeletesTotal.Inc()
		s.logger.Info().Str("backup", b.ID).Str("schedule", class).
			Time("created_at", b.CreatedAt).Msg("backup expired by retention")
	}
	return lastErr
}

func (s *Scheduler) recordRun(class string, runErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[class]
	if !ok {
		// Manually triggered class outside the cron entries.
		j = &JobStatus{Schedule: class}
		s.jobs[class] = j
	}
	now := time.Now().UTC()
	j.LastRun = &now
	j.LastErr = ""
	if runErr != nil {
		j.LastErr = runErr.Error()
	}
	if j.Spec != "" {
		if sched, err := cron.ParseStandard(j.Spec); err == nil {
			next := sched.Next(time.Now())
			j.NextRun = &next
		}
	}
}
