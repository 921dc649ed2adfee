package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/edvin/vmbackup/internal/archive"
	"github.com/edvin/vmbackup/internal/model"
	"github.com/edvin/vmbackup/internal/platform"
	"github.com/edvin/vmbackup/internal/store"
)

// CreateRequest carries the caller-supplied parameters for a new backup.
// Zero values fall back to the orchestrator defaults.
type CreateRequest struct {
	VMName      string
	AppID       string
	Type        string
	Description string
	Tags        []string
	Compression string
	Encryption  string
	ChunkSize   int64
	// StopVM shuts the VM down for the disk copy instead of the
	// best-effort snapshot path.
	StopVM bool
	// Timeout overrides the orchestrator-wide operation timeout when
	// positive.
	Timeout time.Duration
}

// CreateBackup validates the request, claims the VM and starts the
// pipeline asynchronously. The returned operation and backup records
// describe work in progress; poll the operation for completion.
func (o *Orchestrator) CreateBackup(ctx context.Context, req CreateRequest) (*model.Operation, *model.Backup, error) {
	backupType := req.Type
	if backupType == "" {
		backupType = model.BackupTypeManual
	}
	switch backupType {
	case model.BackupTypeIncremental, model.BackupTypeDifferential:
		return nil, nil, fmt.Errorf("%s: %w", backupType, ErrNotImplemented)
	case model.BackupTypeManual, model.BackupTypeDaily, model.BackupTypeWeekly,
		model.BackupTypeMonthly, model.BackupTypeYearly:
	default:
		return nil, nil, fmt.Errorf("unknown backup type %q", backupType)
	}

	// The existence check doubles as a reachability probe for the VM
	// control backend.
	if _, err := o.vms.Status(ctx, req.VMName); err != nil {
		return nil, nil, fmt.Errorf("check vm %s: %w", req.VMName, err)
	}

	b := &model.Backup{
		ID:          platform.NewID(),
		VMName:      req.VMName,
		AppID:       req.AppID,
		Type:        backupType,
		Description: req.Description,
		Tags:        req.Tags,
		Compression: valueOr(req.Compression, o.opts.DefaultCompression),
		Encryption:  valueOr(req.Encryption, o.opts.DefaultEncryption),
		ChunkSize:   req.ChunkSize,
		StopVM:      req.StopVM,
		Status:      model.BackupStatusCreating,
		CreatedAt:   time.Now().UTC(),
	}
	if b.ChunkSize <= 0 {
		b.ChunkSize = o.opts.DefaultChunkSize
	}

	op := &model.Operation{
		ID:        platform.NewID(),
		Type:      model.OperationTypeBackup,
		VMName:    req.VMName,
		BackupID:  b.ID,
		Status:    model.OperationRunning,
		StartTime: time.Now().UTC(),
		Timeout:   req.Timeout,
	}

	opCtx, err := o.registerOperation(op)
	if err != nil {
		return nil, nil, err
	}

	if err := o.backups.Save(ctx, b); err != nil {
		o.finishOperation(op, err)
		return nil, nil, fmt.Errorf("persist backup metadata: %w", err)
	}

	o.wg.Add(1)
	go o.runBackup(opCtx, op, b)

	opCopy := *op
	bCopy := *b
	return &opCopy, &bCopy, nil
}

func (o *Orchestrator) runBackup(ctx context.Context, op *model.Operation, b *model.Backup) {
	defer o.wg.Done()
	start := time.Now()

	err := o.backupSem.Acquire(ctx, 1)
	if err == nil {
		defer o.backupSem.Release(1)
		progress := func(pct int) { o.setProgress(op.ID, pct) }
		warn := func(msg string) { o.addWarning(op.ID, msg) }
		err = o.pipeline.Backup(ctx, b, progress, warn)
	}

	now := time.Now().UTC()
	if err != nil {
		b.Status = model.BackupStatusFailed
		o.logger.Error().Err(err).Str("backup", b.ID).Str("vm", b.VMName).Msg("backup failed")
	} else {
		b.Status = model.BackupStatusCompleted
		b.CompletedAt = &now
		o.logger.Info().Str("backup", b.ID).Str("vm", b.VMName).
			Int64("size", b.Size).Int("chunks", len(b.Chunks)).
			Dur("duration", time.Since(start)).Msg("backup completed")
	}
	if saveErr := o.backups.Save(context.WithoutCancel(ctx), b); saveErr != nil {
		o.logger.Error().Err(saveErr).Str("backup", b.ID).Msg("failed to persist backup metadata")
		if err == nil {
			err = saveErr
		}
	}

	if o.finishOperation(op, err) {
		o.recordBackupResult(b, time.Since(start), err)
	}
}

// RestoreBackup starts an asynchronous restore of the given backup. The
// backup must exist and be completed before any VM is touched. An empty
// target restores onto the backup's source VM.
func (o *Orchestrator) RestoreBackup(ctx context.Context, backupID, targetVM string) (*model.Operation, error) {
	b, err := o.backups.Get(ctx, backupID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("backup %s: %w", backupID, ErrBackupNotFound)
		}
		return nil, fmt.Errorf("load backup %s: %w", backupID, err)
	}
	if b.Status != model.BackupStatusCompleted {
		return nil, fmt.Errorf("backup %s has status %s: %w", backupID, b.Status, ErrBackupIncomplete)
	}
	if targetVM == "" {
		targetVM = b.VMName
	}

	op := &model.Operation{
		ID:        platform.NewID(),
		Type:      model.OperationTypeRestore,
		VMName:    targetVM,
		BackupID:  b.ID,
		Status:    model.OperationRunning,
		StartTime: time.Now().UTC(),
	}
	opCtx, err := o.registerOperation(op)
	if err != nil {
		return nil, err
	}

	o.wg.Add(1)
	go o.runRestore(opCtx, op, b, targetVM)

	opCopy := *op
	return &opCopy, nil
}

func (o *Orchestrator) runRestore(ctx context.Context, op *model.Operation, b *model.Backup, targetVM string) {
	defer o.wg.Done()

	err := o.restoreSem.Acquire(ctx, 1)
	if err == nil {
		defer o.restoreSem.Release(1)
		progress := func(pct int) { o.setProgress(op.ID, pct) }
		err = o.pipeline.Restore(ctx, b, targetVM, progress)
	}

	if err != nil {
		o.logger.Error().Err(err).Str("backup", b.ID).Str("vm", targetVM).Msg("restore failed")
	} else {
		o.logger.Info().Str("backup", b.ID).Str("vm", targetVM).Msg("restore completed")
	}
	if o.finishOperation(op, err) {
		o.recordRestoreResult(err)
	}
}

// DeleteBackup removes the backup's chunks and metadata. Chunk deletes
// are best-effort; an unreachable chunk is logged and skipped so the
// metadata always goes away. Deleting an unknown backup returns
// ErrBackupNotFound.
func (o *Orchestrator) DeleteBackup(ctx context.Context, id string) error {
	b, err := o.backups.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("backup %s: %w", id, ErrBackupNotFound)
		}
		return fmt.Errorf("load backup %s: %w", id, err)
	}

	for _, c := range b.Chunks {
		if err := o.backend.Delete(ctx, archive.ChunkKey(b.ID, c.ID)); err != nil {
			o.logger.Warn().Err(err).Str("backup", b.ID).Str("chunk", c.ID).Msg("failed to delete chunk")
		}
	}

	if err := o.backups.Delete(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("backup %s: %w", id, ErrBackupNotFound)
		}
		return fmt.Errorf("delete backup metadata %s: %w", id, err)
	}

	o.recordBackupDeleted(b)
	o.logger.Info().Str("backup", b.ID).Str("vm", b.VMName).Int64("size", b.Size).Msg("backup deleted")
	return nil
}

// GetBackup returns the stored metadata for one backup.
func (o *Orchestrator) GetBackup(ctx context.Context, id string) (*model.Backup, error) {
	b, err := o.backups.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("backup %s: %w", id, ErrBackupNotFound)
		}
		return nil, err
	}
	return b, nil
}

// ListBackups returns stored backups matching the filter, newest first.
func (o *Orchestrator) ListBackups(ctx context.Context, filter model.BackupFilter) ([]*model.Backup, error) {
	return o.backups.List(ctx, filter)
}

// CountBackups reports the number of stored backup records.
func (o *Orchestrator) CountBackups(ctx context.Context) (int, error) {
	return o.backups.Count(ctx)
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
