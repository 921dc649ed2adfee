package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all recognized options for the backup daemon. The flat
// connection/runtime settings come from environment variables; the
// structured parts (storage, retention, schedules) come from an optional
// YAML file pointed at by VMBACKUP_CONFIG.
type Config struct {
	ServiceName    string
	HTTPListenAddr string
	LogLevel       string

	Storage   StorageConfig   `yaml:"storage"`
	Backup    BackupConfig    `yaml:"backup"`
	Retention RetentionConfig `yaml:"retention"`
	Schedules ScheduleConfig  `yaml:"schedules"`

	// EncryptionKey is the passphrase archive keys are derived from.
	// Absent means backups requesting encryption proceed unencrypted,
	// with the skip surfaced on the operation record.
	EncryptionKey string

	ScratchDir  string
	MetadataDir string
}

type StorageConfig struct {
	// Backend is one of "local", "s3" or "minio". "minio" is the S3
	// backend with a custom endpoint and path-style addressing forced.
	Backend   string `yaml:"backend"`
	LocalPath string `yaml:"local_path"`

	S3Bucket    string `yaml:"s3_bucket"`
	S3Region    string `yaml:"s3_region"`
	S3Prefix    string `yaml:"s3_prefix"`
	S3Endpoint  string `yaml:"s3_endpoint"`
	S3AccessKey string `yaml:"s3_access_key"`
	S3SecretKey string `yaml:"s3_secret_key"`
}

type BackupConfig struct {
	DefaultCompression string        `yaml:"default_compression"`
	DefaultEncryption  string        `yaml:"default_encryption"`
	CompressionLevel   int           `yaml:"compression_level"`
	ChunkSize          int64         `yaml:"chunk_size"`
	MaxConcurrent      int           `yaml:"max_concurrent_backups"`
	MaxConcurrentRest  int           `yaml:"max_concurrent_restores"`
	OperationTimeout   time.Duration `yaml:"operation_timeout"`

	// RequireIntegrityCheck controls the post-upload verify pass. When
	// false, completed backups are left with integrity_verified=false.
	RequireIntegrityCheck bool `yaml:"require_integrity_check"`
	// VerifyBeforeRestore re-hashes downloaded chunks before the target
	// disk image is overwritten.
	VerifyBeforeRestore bool `yaml:"verify_before_restore"`
}

// RetentionConfig holds expiry windows in days, independent per class.
type RetentionConfig struct {
	Daily   int `yaml:"daily"`
	Weekly  int `yaml:"weekly"`
	Monthly int `yaml:"monthly"`
	Yearly  int `yaml:"yearly"`
}

// ScheduleConfig holds one cron expression per period class. An empty
// expression disables that class.
type ScheduleConfig struct {
	Daily   string `yaml:"daily"`
	Weekly  string `yaml:"weekly"`
	Monthly string `yaml:"monthly"`
}

const DefaultChunkSize = 64 << 20

func Load() (*Config, error) {
	cfg := &Config{
		ServiceName:    getEnv("SERVICE_NAME", "vmbackup"),
		HTTPListenAddr: getEnv("HTTP_LISTEN_ADDR", ":8095"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		EncryptionKey:  getEnv("VMBACKUP_ENCRYPTION_KEY", ""),
		ScratchDir:     getEnv("VMBACKUP_SCRATCH_DIR", "/var/tmp/vmbackup"),
		MetadataDir:    getEnv("VMBACKUP_METADATA_DIR", "/var/lib/vmbackup/metadata"),
		Storage: StorageConfig{
			Backend:   getEnv("VMBACKUP_STORAGE_BACKEND", "local"),
			LocalPath: getEnv("VMBACKUP_STORAGE_PATH", "/var/lib/vmbackup/chunks"),
		},
		Backup: BackupConfig{
			DefaultCompression:    getEnv("VMBACKUP_DEFAULT_COMPRESSION", "gzip"),
			DefaultEncryption:     getEnv("VMBACKUP_DEFAULT_ENCRYPTION", "none"),
			CompressionLevel:      getEnvInt("VMBACKUP_COMPRESSION_LEVEL", 6),
			ChunkSize:             int64(getEnvInt("VMBACKUP_CHUNK_SIZE", DefaultChunkSize)),
			MaxConcurrent:         getEnvInt("VMBACKUP_MAX_CONCURRENT_BACKUPS", 3),
			MaxConcurrentRest:     getEnvInt("VMBACKUP_MAX_CONCURRENT_RESTORES", 2),
			OperationTimeout:      getEnvDuration("VMBACKUP_OPERATION_TIMEOUT", time.Hour),
			RequireIntegrityCheck: getEnvBool("VMBACKUP_REQUIRE_INTEGRITY_CHECK", true),
			VerifyBeforeRestore:   getEnvBool("VMBACKUP_VERIFY_BEFORE_RESTORE", true),
		},
		Retention: RetentionConfig{
			Daily:   getEnvInt("VMBACKUP_RETENTION_DAILY", 7),
			Weekly:  getEnvInt("VMBACKUP_RETENTION_WEEKLY", 28),
			Monthly: getEnvInt("VMBACKUP_RETENTION_MONTHLY", 365),
			Yearly:  getEnvInt("VMBACKUP_RETENTION_YEARLY", 0),
		},
		Schedules: ScheduleConfig{
			Daily:   getEnv("VMBACKUP_SCHEDULE_DAILY", ""),
			Weekly:  getEnv("VMBACKUP_SCHEDULE_WEEKLY", ""),
			Monthly: getEnv("VMBACKUP_SCHEDULE_MONTHLY", ""),
		},
	}

	if path := os.Getenv("VMBACKUP_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// mergeFile overlays the YAML file on top of the env-derived config.
func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "local":
		if c.Storage.LocalPath == "" {
			return fmt.Errorf("storage.local_path is required for the local backend")
		}
	case "s3", "minio":
		if c.Storage.S3Bucket == "" {
			return fmt.Errorf("storage.s3_bucket is required for the %s backend", c.Storage.Backend)
		}
		if c.Storage.Backend == "minio" && c.Storage.S3Endpoint == "" {
			return fmt.Errorf("storage.s3_endpoint is required for the minio backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if c.Backup.CompressionLevel < 1 || c.Backup.CompressionLevel > 9 {
		return fmt.Errorf("backup.compression_level must be 1-9, got %d", c.Backup.CompressionLevel)
	}
	if c.Backup.ChunkSize <= 0 {
		return fmt.Errorf("backup.chunk_size must be positive")
	}
	if c.Backup.MaxConcurrent < 1 {
		return fmt.Errorf("backup.max_concurrent_backups must be at least 1")
	}
	if c.Backup.MaxConcurrentRest < 1 {
		return fmt.Errorf("backup.max_concurrent_restores must be at least 1")
	}
	if c.Backup.OperationTimeout <= 0 {
		return fmt.Errorf("backup.operation_timeout must be positive")
	}
	return nil
}

// RetentionDays returns the expiry window for a backup type, or 0 if the
// class has no retention configured.
func (c *Config) RetentionDays(backupType string) int {
	switch backupType {
	case "daily":
		return c.Retention.Daily
	case "weekly":
		return c.Retention.Weekly
	case "monthly":
		return c.Retention.Monthly
	case "yearly":
		return c.Retention.Yearly
	}
	return 0
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
