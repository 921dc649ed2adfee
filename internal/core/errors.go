// Package core is the backup orchestrator: it owns the operation
// registry, enforces concurrency limits, runs the archive pipeline, and
// is the only writer of backup metadata.
package core

import "errors"

var (
	// ErrConflict is returned when an operation targets a VM that
	// already has one running. Conflicting requests are rejected, not
	// queued.
	ErrConflict = errors.New("operation already running for vm")

	// ErrBackupNotFound is returned for references to unknown backups.
	ErrBackupNotFound = errors.New("backup not found")

	// ErrOperationNotFound is returned for references to unknown
	// operation ids.
	ErrOperationNotFound = errors.New("operation not found")

	// ErrBackupIncomplete rejects restores from backups that never
	// reached completed status.
	ErrBackupIncomplete = errors.New("backup is not completed")

	// ErrNotImplemented rejects backup types that are accepted in the
	// metadata model but have no pipeline yet. Requests fail loudly
	// instead of silently degrading to a full backup.
	ErrNotImplemented = errors.New("backup type not implemented")
)
