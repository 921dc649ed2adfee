package vm

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Libvirt drives machines through the virsh CLI.
type Libvirt struct {
	logger zerolog.Logger
	// virsh allows tests to point at a stub binary.
	virsh string
	// stopWait bounds how long a graceful shutdown may take before the
	// domain is destroyed.
	stopWait time.Duration
}

func NewLibvirt(logger zerolog.Logger) *Libvirt {
	return &Libvirt{
		logger:   logger.With().Str("component", "libvirt").Logger(),
		virsh:    "virsh",
		stopWait: 2 * time.Minute,
	}
}

// run executes a virsh command and returns the trimmed combined output.
func (l *Libvirt) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, l.virsh, args...)
	l.logger.Debug().Strs("args", args).Msg("executing virsh")
	output, err := cmd.CombinedOutput()
	out := strings.TrimSpace(string(output))
	if err != nil {
		if isNotFoundOutput(out) {
			return out, fmt.Errorf("%w: %s", ErrNotFound, args[len(args)-1])
		}
		return out, fmt.Errorf("%w: virsh %s: %v: %s", ErrCommand, args[0], err, out)
	}
	return out, nil
}

func isNotFoundOutput(out string) bool {
	return strings.Contains(out, "failed to get domain") ||
		strings.Contains(out, "Domain not found")
}

func (l *Libvirt) Status(ctx context.Context, name string) (State, error) {
	out, err := l.run(ctx, "domstate", name)
	if err != nil {
		return StateUnknown, err
	}
	switch out {
	case "running", "paused":
		return StateRunning, nil
	case "shut off", "shutoff":
		return StateStopped, nil
	default:
		return StateUnknown, nil
	}
}

func (l *Libvirt) Start(ctx context.Context, name string) error {
	_, err := l.run(ctx, "start", name)
	// Starting an already-running domain is fine.
	if err != nil && strings.Contains(err.Error(), "already active") {
		return nil
	}
	return err
}

func (l *Libvirt) Stop(ctx context.Context, name string) error {
	state, err := l.Status(ctx, name)
	if err != nil {
		return err
	}
	if state == StateStopped {
		return nil
	}

	if _, err := l.run(ctx, "shutdown", name); err != nil {
		return err
	}

	deadline := time.Now().Add(l.stopWait)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
		state, err := l.Status(ctx, name)
		if err != nil {
			return err
		}
		if state == StateStopped {
			return nil
		}
	}

	l.logger.Warn().Str("vm", name).Msg("graceful shutdown timed out, destroying domain")
	_, err = l.run(ctx, "destroy", name)
	return err
}

// DiskPath returns the source path of the first block device backed by a
// file. domblklist output is "Target  Source" rows after a two-line
// header.
func (l *Libvirt) DiskPath(ctx context.Context, name string) (string, error) {
	out, err := l.run(ctx, "domblklist", name)
	if err != nil {
		return "", err
	}
	lines := strings.Split(out, "\n")
	for i, line := range lines {
		if i < 2 {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[1] == "-" {
			continue
		}
		return fields[1], nil
	}
	return "", fmt.Errorf("%w: no disk device for %s", ErrCommand, name)
}

func (l *Libvirt) List(ctx context.Context) ([]string, error) {
	out, err := l.run(ctx, "list", "--name", "--state-running")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

func (l *Libvirt) CreateSnapshot(ctx context.Context, name, snapshot string) error {
	_, err := l.run(ctx, "snapshot-create-as", name, snapshot, "--disk-only", "--atomic")
	if err != nil && strings.Contains(err.Error(), "unsupported") {
		return fmt.Errorf("%w: %v", ErrSnapshotUnsupported, err)
	}
	return err
}

func (l *Libvirt) DeleteSnapshot(ctx context.Context, name, snapshot string) error {
	_, err := l.run(ctx, "snapshot-delete", name, snapshot)
	return err
}
