// Package store persists backup metadata records. Each record is an
// independently addressable JSON document keyed by backup id, so
// concurrent pipelines never contend on a shared index file.
package store

import (
	"context"
	"errors"

	"github.com/edvin/vmbackup/internal/model"
)

// ErrNotFound is returned for lookups and deletes of unknown backup ids.
var ErrNotFound = errors.New("backup metadata not found")

// Store is the metadata persistence contract. The orchestrator is the
// sole writer.
type Store interface {
	Save(ctx context.Context, b *model.Backup) error
	Get(ctx context.Context, id string) (*model.Backup, error)
	List(ctx context.Context, filter model.BackupFilter) ([]*model.Backup, error)
	Delete(ctx context.Context, id string) error
	// Count returns the number of persisted records.
	Count(ctx context.Context) (int, error)
}
