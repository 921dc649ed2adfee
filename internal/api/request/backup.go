package request

type CreateBackup struct {
	VMName      string   `json:"vm_name" validate:"required,vmname"`
	AppID       string   `json:"app_id" validate:"omitempty,max=64"`
	Type        string   `json:"type" validate:"omitempty,oneof=manual daily weekly monthly yearly incremental differential"`
	Description string   `json:"description" validate:"omitempty,max=512"`
	Tags        []string `json:"tags" validate:"omitempty,dive,max=64"`
	Compression string   `json:"compression" validate:"omitempty,oneof=none gzip brotli"`
	Encryption  string   `json:"encryption" validate:"omitempty,oneof=none aes256 age"`
	ChunkSize   int64    `json:"chunk_size" validate:"omitempty,min=1048576,max=1073741824"`
	// StopVM shuts the VM down for the disk copy; the default is a
	// live copy behind a best-effort snapshot.
	StopVM bool `json:"stop_vm"`
	// TimeoutSeconds overrides the service-wide operation timeout for
	// this backup.
	TimeoutSeconds int64 `json:"timeout_seconds" validate:"omitempty,min=60,max=86400"`
}

type RestoreBackup struct {
	// VMName overrides the restore target; empty restores onto the
	// backup's source VM.
	VMName string `json:"vm_name" validate:"omitempty,vmname"`
}
