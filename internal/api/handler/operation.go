package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/vmbackup/internal/api/request"
	"github.com/edvin/vmbackup/internal/api/response"
)

type Operation struct {
	svc Service
}

func NewOperation(svc Service) *Operation {
	return &Operation{svc: svc}
}

func (h *Operation) List(w http.ResponseWriter, r *http.Request) {
	ops := h.svc.ListOperations()
	response.WriteList(w, http.StatusOK, ops, len(ops))
}

func (h *Operation) Get(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	op, err := h.svc.GetOperation(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, op)
}
