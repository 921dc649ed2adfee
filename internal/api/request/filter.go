package request

import (
	"net/http"
	"strings"

	"github.com/edvin/vmbackup/internal/model"
)

// ParseBackupFilter reads list filter parameters from the query string.
// Tags may be given repeated or comma-separated; all must match.
func ParseBackupFilter(r *http.Request) model.BackupFilter {
	q := r.URL.Query()
	f := model.BackupFilter{
		VMName: q.Get("vm_name"),
		Type:   q.Get("type"),
		Status: q.Get("status"),
	}
	for _, raw := range q["tags"] {
		for _, tag := range strings.Split(raw, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				f.Tags = append(f.Tags, tag)
			}
		}
	}
	return f
}
