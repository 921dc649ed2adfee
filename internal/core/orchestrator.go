package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/edvin/vmbackup/internal/archive"
	"github.com/edvin/vmbackup/internal/metrics"
	"github.com/edvin/vmbackup/internal/model"
	"github.com/edvin/vmbackup/internal/storage"
	"github.com/edvin/vmbackup/internal/store"
	"github.com/edvin/vmbackup/internal/vm"
)

const (
	defaultMaxConcurrentBackups  = 3
	defaultMaxConcurrentRestores = 2
	defaultOperationTimeout      = time.Hour
	sweepInterval                = time.Minute
)

// Options tunes the orchestrator's concurrency and defaults.
type Options struct {
	MaxConcurrentBackups  int
	MaxConcurrentRestores int
	OperationTimeout      time.Duration

	DefaultCompression string
	DefaultEncryption  string
	DefaultChunkSize   int64
}

// Orchestrator coordinates backup and restore operations. Backup
// metadata is persisted through the store; operations live in memory
// for the lifetime of the process.
type Orchestrator struct {
	logger   zerolog.Logger
	backups  store.Store
	backend  storage.Backend
	vms      vm.Controller
	pipeline *archive.Pipeline
	opts     Options

	backupSem  *semaphore.Weighted
	restoreSem *semaphore.Weighted

	mu      sync.Mutex
	ops     map[string]*model.Operation
	cancels map[string]context.CancelFunc
	// activeVMs maps a VM name to its running operation id, enforcing
	// per-VM exclusivity.
	activeVMs map[string]string

	stats aggregateStats

	probeMu sync.Mutex
	probes  map[string]Probe

	// background goroutines started by Run
	wg sync.WaitGroup
}

func NewOrchestrator(logger zerolog.Logger, backups store.Store, backend storage.Backend, vms vm.Controller, pipeline *archive.Pipeline, opts Options) *Orchestrator {
	if opts.MaxConcurrentBackups <= 0 {
		opts.MaxConcurrentBackups = defaultMaxConcurrentBackups
	}
	if opts.MaxConcurrentRestores <= 0 {
		opts.MaxConcurrentRestores = defaultMaxConcurrentRestores
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = defaultOperationTimeout
	}
	if opts.DefaultCompression == "" {
		opts.DefaultCompression = model.CompressionGzip
	}
	if opts.DefaultEncryption == "" {
		opts.DefaultEncryption = model.EncryptionNone
	}
	o := &Orchestrator{
		logger:     logger.With().Str("component", "orchestrator").Logger(),
		backups:    backups,
		backend:    backend,
		vms:        vms,
		pipeline:   pipeline,
		opts:       opts,
		backupSem:  semaphore.NewWeighted(int64(opts.MaxConcurrentBackups)),
		restoreSem: semaphore.NewWeighted(int64(opts.MaxConcurrentRestores)),
		ops:        make(map[string]*model.Operation),
		cancels:    make(map[string]context.CancelFunc),
		activeVMs:  make(map[string]string),
	}
	o.seedStats()
	return o
}

// Run starts the timeout sweeper and blocks until ctx is cancelled,
// then waits for in-flight operation goroutines to observe cancellation.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			o.cancelAll()
			o.wg.Wait()
			return
		case <-ticker.C:
			o.sweepTimeouts()
		}
	}
}

// sweepTimeouts marks operations running past their timeout as timed
// out and cancels their pipeline contexts. The mark is advisory: the
// goroutine may still be unwinding, but it can no longer overwrite the
// terminal status.
func (o *Orchestrator) sweepTimeouts() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, op := range o.ops {
		timeout := o.operationTimeout(op)
		if op.Status != model.OperationRunning || !op.StartTime.Before(time.Now().Add(-timeout)) {
			continue
		}
		now := time.Now().UTC()
		op.Status = model.OperationTimeout
		op.Error = fmt.Sprintf("operation exceeded %s timeout", timeout)
		op.EndTime = &now
		if cancel, ok := o.cancels[id]; ok {
			cancel()
			delete(o.cancels, id)
		}
		delete(o.activeVMs, op.VMName)
		o.logger.Warn().Str("operation", id).Str("vm", op.VMName).Msg("operation timed out")

		switch op.Type {
		case model.OperationTypeBackup:
			metrics.BackupsTotal.WithLabelValues("timeout").Inc()
			o.stats.totalBackups++
			o.stats.failedBackups++
		case model.OperationTypeRestore:
			metrics.RestoresTotal.WithLabelValues("timeout").Inc()
			o.stats.totalRestores++
			o.stats.failedRestores++
		}
		metrics.OperationsInFlight.WithLabelValues(string(op.Type)).Dec()
	}
}

// operationTimeout resolves the per-request override against the
// configured default.
func (o *Orchestrator) operationTimeout(op *model.Operation) time.Duration {
	if op.Timeout > 0 {
		return op.Timeout
	}
	return o.opts.OperationTimeout
}

func (o *Orchestrator) cancelAll() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, cancel := range o.cancels {
		cancel()
		delete(o.cancels, id)
	}
}

// registerOperation claims the VM and records a new running operation.
// The returned context is detached from the request so the work outlives
// the HTTP call, but it is cancelled by the timeout sweep and shutdown.
func (o *Orchestrator) registerOperation(op *model.Operation) (context.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if running, ok := o.activeVMs[op.VMName]; ok {
		return nil, fmt.Errorf("%w %s: operation %s", ErrConflict, op.VMName, running)
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.ops[op.ID] = op
	o.cancels[op.ID] = cancel
	o.activeVMs[op.VMName] = op.ID
	metrics.OperationsInFlight.WithLabelValues(string(op.Type)).Inc()
	return ctx, nil
}

// finishOperation records the terminal status unless the sweep already
// timed the operation out. Returns false in that case so the caller
// skips result accounting; the sweep already counted the timeout.
func (o *Orchestrator) finishOperation(op *model.Operation, opErr error) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if cancel, ok := o.cancels[op.ID]; ok {
		cancel()
		delete(o.cancels, op.ID)
	}
	if o.activeVMs[op.VMName] == op.ID {
		delete(o.activeVMs, op.VMName)
	}
	if op.Terminal() {
		return false
	}

	now := time.Now().UTC()
	op.EndTime = &now
	if opErr != nil {
		op.Status = model.OperationFailed
		op.Error = opErr.Error()
	} else {
		op.Status = model.OperationCompleted
		op.Progress = 100
	}
	metrics.OperationsInFlight.WithLabelValues(string(op.Type)).Dec()
	return true
}

// GetOperation returns a copy of the operation record.
func (o *Orchestrator) GetOperation(id string) (*model.Operation, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	op, ok := o.ops[id]
	if !ok {
		return nil, fmt.Errorf("operation %s: %w", id, ErrOperationNotFound)
	}
	cp := *op
	return &cp, nil
}

// ListOperations returns copies of all operations, newest first.
func (o *Orchestrator) ListOperations() []*model.Operation {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*model.Operation, 0, len(o.ops))
	for _, op := range o.ops {
		cp := *op
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out
}

// OperationCount reports how many operations are currently running.
func (o *Orchestrator) OperationCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, op := range o.ops {
		if op.Status == model.OperationRunning {
			n++
		}
	}
	return n
}

// setProgress clamps and stores operation progress under the lock.
func (o *Orchestrator) setProgress(opID string, pct int) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if op, ok := o.ops[opID]; ok && op.Status == model.OperationRunning && pct > op.Progress {
		op.Progress = pct
	}
}

func (o *Orchestrator) addWarning(opID, msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if op, ok := o.ops[opID]; ok {
		op.Warnings = append(op.Warnings, msg)
	}
}
