package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBackupFilter_Matches(t *testing.T) {
	b := &Backup{
		VMName: "web-1",
		Type:   BackupTypeDaily,
		Status: BackupStatusCompleted,
		Tags:   []string{"scheduled:daily", "env:prod"},
	}

	tests := []struct {
		name   string
		filter BackupFilter
		want   bool
	}{
		{"empty filter matches", BackupFilter{}, true},
		{"vm name match", BackupFilter{VMName: "web-1"}, true},
		{"vm name mismatch", BackupFilter{VMName: "web-2"}, false},
		{"type match", BackupFilter{Type: BackupTypeDaily}, true},
		{"type mismatch", BackupFilter{Type: BackupTypeManual}, false},
		{"status match", BackupFilter{Status: BackupStatusCompleted}, true},
		{"status mismatch", BackupFilter{Status: BackupStatusFailed}, false},
		{"single tag present", BackupFilter{Tags: []string{"env:prod"}}, true},
		{"all tags required", BackupFilter{Tags: []string{"env:prod", "scheduled:daily"}}, true},
		{"missing tag", BackupFilter{Tags: []string{"env:prod", "env:staging"}}, false},
		{"combined fields", BackupFilter{VMName: "web-1", Type: BackupTypeDaily, Tags: []string{"env:prod"}}, true},
		{"combined fields one mismatch", BackupFilter{VMName: "web-1", Type: BackupTypeManual}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(b))
		})
	}
}

func TestOperation_Terminal(t *testing.T) {
	op := &Operation{Status: OperationRunning}
	assert.False(t, op.Terminal())

	for _, status := range []string{OperationCompleted, OperationFailed, OperationTimeout} {
		op.Status = status
		assert.True(t, op.Terminal())
	}
}
