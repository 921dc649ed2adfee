package model

import "time"

// Operation status constants. Timeout is terminal and distinct from
// failed: it means the underlying pipeline state is unknown.
const (
	OperationRunning   = "running"
	OperationCompleted = "completed"
	OperationFailed    = "failed"
	OperationTimeout   = "timeout"
)

// Operation kind constants.
const (
	OperationTypeBackup  = "backup"
	OperationTypeRestore = "restore"
)

// Operation is the ephemeral tracking record for one in-flight or
// recently finished backup/restore call. It is mutated only by the
// orchestrator task that owns it and becomes immutable once non-running.
type Operation struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	VMName   string `json:"vm_name"`
	BackupID string `json:"backup_id,omitempty"`

	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Error    string `json:"error,omitempty"`

	// Warnings surfaces best-effort degradations (snapshot skipped,
	// encryption skipped) to API consumers.
	Warnings []string `json:"warnings,omitempty"`

	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	// Timeout overrides the orchestrator-wide operation timeout when
	// positive. Not serialized; it only steers the sweep.
	Timeout time.Duration `json:"-"`
}

// Terminal reports whether the operation has reached a final state.
func (o *Operation) Terminal() bool {
	return o.Status != OperationRunning
}
