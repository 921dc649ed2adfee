package core

import (
	"context"
	"time"

	"github.com/edvin/vmbackup/internal/model"
)

// stuckThreshold is how far past the operation timeout a still-running
// operation must be before health reporting flags it. The sweep should
// have caught it well before this.
const stuckThreshold = 5 * time.Minute

// Probe is a named liveness check registered with the orchestrator,
// e.g. the scheduler reporting its cron loop is alive.
type Probe interface {
	Healthy() error
}

// Check is one component's health verdict.
type Check struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Health is the document served by the health endpoint.
type Health struct {
	Healthy         bool             `json:"healthy"`
	StorageBackend  string           `json:"storage_backend"`
	Checks          map[string]Check `json:"checks"`
	StuckOperations []string         `json:"stuck_operations,omitempty"`
}

// RegisterProbe adds a named liveness check consulted by Health.
func (o *Orchestrator) RegisterProbe(name string, p Probe) {
	o.probeMu.Lock()
	defer o.probeMu.Unlock()
	if o.probes == nil {
		o.probes = make(map[string]Probe)
	}
	o.probes[name] = p
}

// Health checks the storage backend, registered probes and the
// operation registry for operations stuck past the sweep.
func (o *Orchestrator) Health(ctx context.Context) Health {
	h := Health{
		StorageBackend: o.backend.Name(),
		Checks:         make(map[string]Check),
	}

	storageCheck := Check{Healthy: true}
	if err := o.backend.HealthCheck(ctx); err != nil {
		storageCheck = Check{Healthy: false, Detail: err.Error()}
	}
	h.Checks["storage"] = storageCheck

	o.probeMu.Lock()
	for name, p := range o.probes {
		c := Check{Healthy: true}
		if err := p.Healthy(); err != nil {
			c = Check{Healthy: false, Detail: err.Error()}
		}
		h.Checks[name] = c
	}
	o.probeMu.Unlock()

	now := time.Now()
	o.mu.Lock()
	for id, op := range o.ops {
		cutoff := now.Add(-(o.operationTimeout(op) + stuckThreshold))
		if op.Status == model.OperationRunning && op.StartTime.Before(cutoff) {
			h.StuckOperations = append(h.StuckOperations, id)
		}
	}
	o.mu.Unlock()

	h.Healthy = len(h.StuckOperations) == 0
	for _, c := range h.Checks {
		if !c.Healthy {
			h.Healthy = false
		}
	}
	return h
}
