package request

import (
	"bytes"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeCreate(t *testing.T, body string) (CreateBackup, error) {
	t.Helper()
	r := httptest.NewRequest("POST", "/backups", bytes.NewBufferString(body))
	var req CreateBackup
	err := Decode(r, &req)
	return req, err
}

func TestDecodeCreateBackup(t *testing.T) {
	req, err := decodeCreate(t, `{"vm_name":"web-01","type":"daily","tags":["nightly"],"compression":"gzip","stop_vm":true,"timeout_seconds":600}`)
	require.NoError(t, err)
	assert.Equal(t, "web-01", req.VMName)
	assert.Equal(t, "daily", req.Type)
	assert.Equal(t, []string{"nightly"}, req.Tags)
	assert.True(t, req.StopVM)
	assert.Equal(t, int64(600), req.TimeoutSeconds)
}

func TestDecodeCreateBackupInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad json", `{`},
		{"missing vm_name", `{}`},
		{"bad vm name", `{"vm_name":"-leading-dash"}`},
		{"vm name with spaces", `{"vm_name":"web 01"}`},
		{"unknown type", `{"vm_name":"web-01","type":"hourly"}`},
		{"unknown compression", `{"vm_name":"web-01","compression":"zstd"}`},
		{"unknown encryption", `{"vm_name":"web-01","encryption":"rot13"}`},
		{"chunk size too small", `{"vm_name":"web-01","chunk_size":512}`},
		{"timeout too short", `{"vm_name":"web-01","timeout_seconds":10}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeCreate(t, tt.body)
			assert.Error(t, err)
		})
	}
}

func TestRequireID(t *testing.T) {
	id, err := RequireID("abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", id)

	_, err = RequireID("")
	assert.Error(t, err)
}
