package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/edvin/vmbackup/internal/model"
)

func main() {
	cmd := &cli.Command{
		Name:    "vmbackupctl",
		Usage:   "Control the VM backup daemon",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Usage:   "Base URL of the backupd API",
				Value:   "http://127.0.0.1:8095",
				Sources: cli.EnvVars("VMBACKUP_SERVER"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "backup",
				Usage: "Start a backup of a VM",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "vm", Usage: "VM name", Required: true},
					&cli.StringFlag{Name: "type", Usage: "Backup type", Value: model.BackupTypeManual},
					&cli.StringFlag{Name: "description", Usage: "Free-form description"},
					&cli.StringSliceFlag{Name: "tag", Usage: "Tag to attach (repeatable)"},
					&cli.StringFlag{Name: "compression", Usage: "none, gzip or brotli"},
					&cli.StringFlag{Name: "encryption", Usage: "none, aes256 or age"},
					&cli.Int64Flag{Name: "chunk-size", Usage: "Chunk size in bytes"},
					&cli.BoolFlag{Name: "stop-vm", Usage: "Shut the VM down for the disk copy"},
					&cli.Int64Flag{Name: "timeout", Usage: "Operation timeout in seconds"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runBackup(ctx, cmd)
				},
			},
			{
				Name:  "restore",
				Usage: "Restore a backup onto a VM",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "backup", Usage: "Backup id", Required: true},
					&cli.StringFlag{Name: "vm", Usage: "Target VM (defaults to the backup's source VM)"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runRestore(ctx, cmd)
				},
			},
			{
				Name:  "list",
				Usage: "List backups",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "vm", Usage: "Filter by VM name"},
					&cli.StringFlag{Name: "type", Usage: "Filter by backup type"},
					&cli.StringFlag{Name: "status", Usage: "Filter by status"},
					&cli.StringSliceFlag{Name: "tag", Usage: "Filter by tag (repeatable, all must match)"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runList(ctx, cmd)
				},
			},
			{
				Name:      "show",
				Usage:     "Show one backup",
				ArgsUsage: "<backup-id>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runShow(ctx, cmd)
				},
			},
			{
				Name:      "delete",
				Usage:     "Delete a backup and its chunks",
				ArgsUsage: "<backup-id>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runDelete(ctx, cmd)
				},
			},
			{
				Name:  "operations",
				Usage: "List operations",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runOperations(ctx, cmd)
				},
			},
			{
				Name:  "status",
				Usage: "Show daemon status",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runStatus(ctx, cmd)
				},
			},
			{
				Name:  "metrics",
				Usage: "Show aggregate backup metrics",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runMetrics(ctx, cmd)
				},
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func apiClient(cmd *cli.Command) *client {
	return newClient(strings.TrimRight(cmd.String("server"), "/"))
}

func runBackup(ctx context.Context, cmd *cli.Command) error {
	c := apiClient(cmd)
	req := map[string]any{
		"vm_name": cmd.String("vm"),
		"type":    cmd.String("type"),
	}
	if v := cmd.String("description"); v != "" {
		req["description"] = v
	}
	if tags := cmd.StringSlice("tag"); len(tags) > 0 {
		req["tags"] = tags
	}
	if v := cmd.String("compression"); v != "" {
		req["compression"] = v
	}
	if v := cmd.String("encryption"); v != "" {
		req["encryption"] = v
	}
	if v := cmd.Int64("chunk-size"); v > 0 {
		req["chunk_size"] = v
	}
	if cmd.Bool("stop-vm") {
		req["stop_vm"] = true
	}
	if v := cmd.Int64("timeout"); v > 0 {
		req["timeout_seconds"] = v
	}

	var resp struct {
		OperationID string `json:"operation_id"`
		BackupID    string `json:"backup_id"`
		Status      string `json:"status"`
	}
	if err := c.post(ctx, "/api/v1/backups", req, &resp); err != nil {
		return err
	}
	fmt.Printf("backup %s started (operation %s)\n", resp.BackupID, resp.OperationID)
	return nil
}

func runRestore(ctx context.Context, cmd *cli.Command) error {
	c := apiClient(cmd)
	req := map[string]any{}
	if v := cmd.String("vm"); v != "" {
		req["vm_name"] = v
	}

	var resp struct {
		OperationID string `json:"operation_id"`
		VMName      string `json:"vm_name"`
	}
	path := "/api/v1/backups/" + url.PathEscape(cmd.String("backup")) + "/restore"
	if err := c.post(ctx, path, req, &resp); err != nil {
		return err
	}
	fmt.Printf("restore onto %s started (operation %s)\n", resp.VMName, resp.OperationID)
	return nil
}

func runList(ctx context.Context, cmd *cli.Command) error {
	c := apiClient(cmd)

	q := url.Values{}
	if v := cmd.String("vm"); v != "" {
		q.Set("vm_name", v)
	}
	if v := cmd.String("type"); v != "" {
		q.Set("type", v)
	}
	if v := cmd.String("status"); v != "" {
		q.Set("status", v)
	}
	for _, tag := range cmd.StringSlice("tag") {
		q.Add("tags", tag)
	}
	path := "/api/v1/backups"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Items []model.Backup `json:"items"`
		Count int            `json:"count"`
	}
	if err := c.get(ctx, path, &resp); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVM\tTYPE\tSTATUS\tSIZE\tCHUNKS\tCREATED")
	for _, b := range resp.Items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			b.ID, b.VMName, b.Type, b.Status,
			humanize.IBytes(uint64(b.Size)), len(b.Chunks),
			humanize.Time(b.CreatedAt))
	}
	return w.Flush()
}

func runShow(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("backup id required")
	}

	var b model.Backup
	if err := apiClient(cmd).get(ctx, "/api/v1/backups/"+url.PathEscape(id), &b); err != nil {
		return err
	}

	fmt.Printf("ID:           %s\n", b.ID)
	fmt.Printf("VM:           %s\n", b.VMName)
	fmt.Printf("Type:         %s\n", b.Type)
	fmt.Printf("Status:       %s\n", b.Status)
	fmt.Printf("Size:         %s\n", humanize.IBytes(uint64(b.Size)))
	fmt.Printf("Chunks:       %d\n", len(b.Chunks))
	fmt.Printf("Compression:  %s\n", b.Compression)
	fmt.Printf("Encryption:   %s\n", b.Encryption)
	fmt.Printf("Checksum:     %s\n", b.Checksum)
	fmt.Printf("Verified:     %t\n", b.IntegrityVerified)
	if len(b.Tags) > 0 {
		fmt.Printf("Tags:         %s\n", strings.Join(b.Tags, ", "))
	}
	if b.SnapshotSkipped {
		fmt.Printf("Warning:      snapshot skipped: %s\n", b.SnapshotSkipReason)
	}
	if b.EncryptionSkipped {
		fmt.Printf("Warning:      encryption skipped, archive stored in the clear\n")
	}
	fmt.Printf("Created:      %s\n", b.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	if b.CompletedAt != nil {
		fmt.Printf("Completed:    %s\n", b.CompletedAt.Format("2006-01-02 15:04:05 MST"))
	}
	return nil
}

func runDelete(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("backup id required")
	}
	if err := apiClient(cmd).delete(ctx, "/api/v1/backups/"+url.PathEscape(id)); err != nil {
		return err
	}
	fmt.Printf("backup %s deleted\n", id)
	return nil
}

func runOperations(ctx context.Context, cmd *cli.Command) error {
	var resp struct {
		Items []model.Operation `json:"items"`
	}
	if err := apiClient(cmd).get(ctx, "/api/v1/operations", &resp); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tVM\tBACKUP\tSTATUS\tPROGRESS\tSTARTED")
	for _, op := range resp.Items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d%%\t%s\n",
			op.ID, op.Type, op.VMName, op.BackupID, op.Status, op.Progress,
			humanize.Time(op.StartTime))
	}
	return w.Flush()
}

func runStatus(ctx context.Context, cmd *cli.Command) error {
	var resp struct {
		IsRunning          bool   `json:"is_running"`
		BackupsCount       int    `json:"backups_count"`
		OperationsCount    int    `json:"operations_count"`
		ScheduledJobsCount int    `json:"scheduled_jobs_count"`
		StorageBackend     string `json:"storage_backend"`
	}
	if err := apiClient(cmd).get(ctx, "/api/v1/status", &resp); err != nil {
		return err
	}

	fmt.Printf("Running:         %t\n", resp.IsRunning)
	fmt.Printf("Backups:         %d\n", resp.BackupsCount)
	fmt.Printf("Operations:      %d running\n", resp.OperationsCount)
	fmt.Printf("Schedules:       %d\n", resp.ScheduledJobsCount)
	fmt.Printf("Storage backend: %s\n", resp.StorageBackend)
	return nil
}

func runMetrics(ctx context.Context, cmd *cli.Command) error {
	var resp struct {
		TotalBackups       int64   `json:"total_backups"`
		SuccessfulBackups  int64   `json:"successful_backups"`
		FailedBackups      int64   `json:"failed_backups"`
		TotalRestores      int64   `json:"total_restores"`
		SuccessfulRestores int64   `json:"successful_restores"`
		FailedRestores     int64   `json:"failed_restores"`
		StorageUsedHuman   string  `json:"storage_used_human"`
		AverageSeconds     float64 `json:"average_backup_seconds"`
		AverageSize        int64   `json:"average_backup_size"`
	}
	if err := apiClient(cmd).get(ctx, "/api/v1/metrics", &resp); err != nil {
		return err
	}

	fmt.Printf("Backups:   %d total, %d ok, %d failed\n", resp.TotalBackups, resp.SuccessfulBackups, resp.FailedBackups)
	fmt.Printf("Restores:  %d total, %d ok, %d failed\n", resp.TotalRestores, resp.SuccessfulRestores, resp.FailedRestores)
	fmt.Printf("Storage:   %s used\n", resp.StorageUsedHuman)
	if resp.AverageSize > 0 {
		fmt.Printf("Averages:  %.1fs per backup, %s per archive\n", resp.AverageSeconds, humanize.IBytes(uint64(resp.AverageSize)))
	}
	return nil
}
