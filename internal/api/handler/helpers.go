// Package handler implements the HTTP handlers of the management API.
package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/edvin/vmbackup/internal/api/response"
	"github.com/edvin/vmbackup/internal/core"
	"github.com/edvin/vmbackup/internal/model"
	"github.com/edvin/vmbackup/internal/vm"
)

// Service is the slice of the orchestrator the handlers consume.
type Service interface {
	CreateBackup(ctx context.Context, req core.CreateRequest) (*model.Operation, *model.Backup, error)
	RestoreBackup(ctx context.Context, backupID, targetVM string) (*model.Operation, error)
	DeleteBackup(ctx context.Context, id string) error
	GetBackup(ctx context.Context, id string) (*model.Backup, error)
	ListBackups(ctx context.Context, filter model.BackupFilter) ([]*model.Backup, error)
	GetOperation(id string) (*model.Operation, error)
	ListOperations() []*model.Operation
	OperationCount() int
	CountBackups(ctx context.Context) (int, error)
	Metrics() core.Metrics
	Health(ctx context.Context) core.Health
}

// writeServiceError maps orchestrator errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrBackupNotFound),
		errors.Is(err, core.ErrOperationNotFound),
		errors.Is(err, vm.ErrNotFound):
		response.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, core.ErrConflict),
		errors.Is(err, core.ErrBackupIncomplete):
		response.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, core.ErrNotImplemented):
		response.WriteError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		response.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
