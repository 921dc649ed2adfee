package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/vmbackup/internal/api"
	"github.com/edvin/vmbackup/internal/archive"
	"github.com/edvin/vmbackup/internal/config"
	"github.com/edvin/vmbackup/internal/core"
	"github.com/edvin/vmbackup/internal/logging"
	"github.com/edvin/vmbackup/internal/scheduler"
	"github.com/edvin/vmbackup/internal/storage"
	"github.com/edvin/vmbackup/internal/store"
	"github.com/edvin/vmbackup/internal/vm"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, err := newBackend(ctx, logger, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize storage backend")
	}

	backups, err := store.NewFileStore(cfg.MetadataDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open metadata store")
	}

	vms := vm.NewLibvirt(logger)

	pipeline := archive.NewPipeline(logger, backend, vms, archive.Options{
		ScratchRoot:         cfg.ScratchDir,
		Passphrase:          cfg.EncryptionKey,
		CompressionLevel:    cfg.Backup.CompressionLevel,
		VerifyAfterUpload:   cfg.Backup.RequireIntegrityCheck,
		VerifyBeforeRestore: cfg.Backup.VerifyBeforeRestore,
	})

	orch := core.NewOrchestrator(logger, backups, backend, vms, pipeline, core.Options{
		MaxConcurrentBackups:  cfg.Backup.MaxConcurrent,
		MaxConcurrentRestores: cfg.Backup.MaxConcurrentRest,
		OperationTimeout:      cfg.Backup.OperationTimeout,
		DefaultCompression:    cfg.Backup.DefaultCompression,
		DefaultEncryption:     cfg.Backup.DefaultEncryption,
		DefaultChunkSize:      cfg.Backup.ChunkSize,
	})
	go orch.Run(ctx)

	sched := scheduler.New(logger, orch, vms, scheduler.Options{
		DailySpec:        cfg.Schedules.Daily,
		WeeklySpec:       cfg.Schedules.Weekly,
		MonthlySpec:      cfg.Schedules.Monthly,
		RetentionDaily:   cfg.Retention.Daily,
		RetentionWeekly:  cfg.Retention.Weekly,
		RetentionMonthly: cfg.Retention.Monthly,
		RetentionYearly:  cfg.Retention.Yearly,
	})
	if err := sched.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start scheduler")
	}
	orch.RegisterProbe("scheduler", sched)

	srv := api.NewServer(logger, orch, sched, backend.Name())

	httpServer := &http.Server{
		Addr:         cfg.HTTPListenAddr,
		Handler:      srv,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Str("backend", backend.Name()).Msg("starting backup API server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	httpServer.Shutdown(shutdownCtx)
	sched.Stop(shutdownCtx)
	cancel()
}

func newBackend(ctx context.Context, logger zerolog.Logger, cfg *config.Config) (storage.Backend, error) {
	switch cfg.Storage.Backend {
	case "local":
		return storage.NewLocal(cfg.Storage.LocalPath)
	case "s3", "minio":
		return storage.NewS3(ctx, logger, storage.S3Options{
			Bucket:    cfg.Storage.S3Bucket,
			Region:    cfg.Storage.S3Region,
			Prefix:    cfg.Storage.S3Prefix,
			Endpoint:  cfg.Storage.S3Endpoint,
			AccessKey: cfg.Storage.S3AccessKey,
			SecretKey: cfg.Storage.S3SecretKey,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
