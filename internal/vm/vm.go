// Package vm is the thin control interface to the machines being backed
// up. The orchestrator only depends on the Controller contract; the
// libvirt implementation shells out to virsh.
package vm

import (
	"context"
	"errors"
)

// State of a virtual machine as reported by the control backend.
type State string

const (
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateUnknown State = "unknown"
)

// ErrNotFound is returned for operations referencing an unknown machine.
var ErrNotFound = errors.New("vm not found")

// ErrCommand wraps a nonzero exit from the underlying control process.
var ErrCommand = errors.New("vm control command failed")

// ErrSnapshotUnsupported is returned when the backend cannot take
// point-in-time snapshots; callers treat it as a best-effort skip.
var ErrSnapshotUnsupported = errors.New("snapshots not supported")

// Controller exposes the VM operations the backup core consumes.
type Controller interface {
	// Status reports whether the named machine is running.
	Status(ctx context.Context, name string) (State, error)
	// Start boots the machine.
	Start(ctx context.Context, name string) error
	// Stop shuts the machine down, escalating to a hard stop if a
	// graceful shutdown does not complete in time.
	Stop(ctx context.Context, name string) error
	// DiskPath resolves the machine's primary disk image path.
	DiskPath(ctx context.Context, name string) (string, error)
	// List returns the names of all currently running machines.
	List(ctx context.Context) ([]string, error)
	// CreateSnapshot takes a point-in-time disk snapshot. May return
	// ErrSnapshotUnsupported.
	CreateSnapshot(ctx context.Context, name, snapshot string) error
	// DeleteSnapshot removes a snapshot taken by CreateSnapshot.
	DeleteSnapshot(ctx context.Context, name, snapshot string) error
}
