package model

import "time"

// Backup status constants.
const (
	BackupStatusCreating  = "creating"
	BackupStatusCompleted = "completed"
	BackupStatusFailed    = "failed"
)

// Backup type constants. Incremental and differential are recognized on
// the wire but rejected by the orchestrator until true incremental
// chunking exists.
const (
	BackupTypeManual       = "manual"
	BackupTypeDaily        = "daily"
	BackupTypeWeekly       = "weekly"
	BackupTypeMonthly      = "monthly"
	BackupTypeYearly       = "yearly"
	BackupTypeIncremental  = "incremental"
	BackupTypeDifferential = "differential"
)

// Compression codec constants.
const (
	CompressionNone   = "none"
	CompressionGzip   = "gzip"
	CompressionBrotli = "brotli"
)

// Encryption scheme constants. AES256 is the framed AES-256-GCM scheme
// used for all new backups; AES256CBC is a decrypt-only compatibility
// path for archives written by the legacy CBC format.
const (
	EncryptionNone      = "none"
	EncryptionAES256    = "aes256"
	EncryptionAES256CBC = "aes256-cbc"
	EncryptionAge       = "age"
)

// Chunk is one content-addressed slice of a backup archive. Index is the
// ordering key for reassembly; Checksum is the hex SHA-256 of the chunk
// bytes as stored.
type Chunk struct {
	ID       string `json:"id"`
	Index    int    `json:"index"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// Backup is the durable metadata record for one archive. Chunks stays
// empty and IntegrityVerified false until Status reaches completed; once
// completed the chunk list is immutable.
type Backup struct {
	ID          string   `json:"id"`
	VMName      string   `json:"vm_name"`
	AppID       string   `json:"app_id,omitempty"`
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`

	Compression string `json:"compression"`
	Encryption  string `json:"encryption"`
	ChunkSize   int64  `json:"chunk_size"`
	// StopVM records that the caller asked for the VM to be shut down
	// for the disk copy. A stop-mode backup needs no snapshot and is
	// always crash-consistent.
	StopVM bool `json:"stop_vm,omitempty"`

	Status string  `json:"status"`
	Size   int64   `json:"size"`
	Chunks []Chunk `json:"chunks,omitempty"`

	// Checksum is the whole-archive SHA-256, computed over the final
	// post-compression post-encryption byte stream before chunking.
	Checksum          string `json:"checksum,omitempty"`
	IntegrityVerified bool   `json:"integrity_verified"`

	// SnapshotSkipped records that the backup was taken without a
	// point-in-time snapshot, with the reason, so consumers can tell a
	// completed backup is not crash-consistent.
	SnapshotSkipped    bool   `json:"snapshot_skipped,omitempty"`
	SnapshotSkipReason string `json:"snapshot_skip_reason,omitempty"`
	// EncryptionSkipped records that encryption was requested but no
	// key was configured, so the archive is stored in the clear.
	EncryptionSkipped bool `json:"encryption_skipped,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// HasTag reports whether the backup carries the given tag.
func (b *Backup) HasTag(tag string) bool {
	for _, t := range b.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// BackupFilter narrows ListBackups results. All set fields are
// AND-combined; Tags requires every listed tag to be present.
type BackupFilter struct {
	VMName string
	Type   string
	Status string
	Tags   []string
}

// Matches reports whether the backup satisfies every set filter field.
func (f BackupFilter) Matches(b *Backup) bool {
	if f.VMName != "" && b.VMName != f.VMName {
		return false
	}
	if f.Type != "" && b.Type != f.Type {
		return false
	}
	if f.Status != "" && b.Status != f.Status {
		return false
	}
	for _, tag := range f.Tags {
		if !b.HasTag(tag) {
			return false
		}
	}
	return true
}
