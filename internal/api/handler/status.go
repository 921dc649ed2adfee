package handler

import (
	"net/http"

	"github.com/edvin/vmbackup/internal/api/response"
	"github.com/edvin/vmbackup/internal/scheduler"
)

// Jobs is the scheduler view the status handler consumes.
type Jobs interface {
	Jobs() []scheduler.JobStatus
}

type Status struct {
	svc         Service
	sched       Jobs
	backendName string
}

func NewStatus(svc Service, sched Jobs, backendName string) *Status {
	return &Status{svc: svc, sched: sched, backendName: backendName}
}

type statusResponse struct {
	IsRunning          bool   `json:"is_running"`
	BackupsCount       int    `json:"backups_count"`
	OperationsCount    int    `json:"operations_count"`
	ScheduledJobsCount int    `json:"scheduled_jobs_count"`
	StorageBackend     string `json:"storage_backend"`
}

func (h *Status) Status(w http.ResponseWriter, r *http.Request) {
	count, err := h.svc.CountBackups(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := statusResponse{
		IsRunning:       true,
		BackupsCount:    count,
		OperationsCount: h.svc.OperationCount(),
		StorageBackend:  h.backendName,
	}
	if h.sched != nil {
		resp.ScheduledJobsCount = len(h.sched.Jobs())
	}
	response.WriteJSON(w, http.StatusOK, resp)
}

func (h *Status) Metrics(w http.ResponseWriter, r *http.Request) {
	response.WriteJSON(w, http.StatusOK, h.svc.Metrics())
}

func (h *Status) Health(w http.ResponseWriter, r *http.Request) {
	health := h.svc.Health(r.Context())
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	response.WriteJSON(w, status, health)
}

func (h *Status) Schedules(w http.ResponseWriter, r *http.Request) {
	if h.sched == nil {
		response.WriteList(w, http.StatusOK, []scheduler.JobStatus{}, 0)
		return
	}
	jobs := h.sched.Jobs()
	response.WriteList(w, http.StatusOK, jobs, len(jobs))
}
