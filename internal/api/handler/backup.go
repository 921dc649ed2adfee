package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/vmbackup/internal/api/request"
	"github.com/edvin/vmbackup/internal/api/response"
	"github.com/edvin/vmbackup/internal/core"
)

type Backup struct {
	svc Service
}

func NewBackup(svc Service) *Backup {
	return &Backup{svc: svc}
}

func (h *Backup) Create(w http.ResponseWriter, r *http.Request) {
	var req request.CreateBackup
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	op, b, err := h.svc.CreateBackup(r.Context(), core.CreateRequest{
		VMName:      req.VMName,
		AppID:       req.AppID,
		Type:        req.Type,
		Description: req.Description,
		Tags:        req.Tags,
		Compression: req.Compression,
		Encryption:  req.Encryption,
		ChunkSize:   req.ChunkSize,
		StopVM:      req.StopVM,
		Timeout:     time.Duration(req.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusAccepted, map[string]string{
		"operation_id": op.ID,
		"backup_id":    b.ID,
		"status":       b.Status,
	})
}

func (h *Backup) List(w http.ResponseWriter, r *http.Request) {
	filter := request.ParseBackupFilter(r)
	backups, err := h.svc.ListBackups(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response.WriteList(w, http.StatusOK, backups, len(backups))
}

func (h *Backup) Get(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	b, err := h.svc.GetBackup(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, b)
}

func (h *Backup) Restore(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req request.RestoreBackup
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	op, err := h.svc.RestoreBackup(r.Context(), id, req.VMName)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusAccepted, map[string]string{
		"operation_id": op.ID,
		"backup_id":    id,
		"vm_name":      op.VMName,
	})
}

func (h *Backup) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.svc.DeleteBackup(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
