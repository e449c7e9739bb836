// Package config defines the on-disk configuration schema, validation
// bounds, and persistence for the sync engine, plus a debounced
// fsnotify watcher so an externally-edited file is picked up live.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/clipsyncd/clipsyncd/pkg/jsonx"
)

// BackendKind tags which storage backend variant Backend carries.
type BackendKind string

const (
	BackendFileSystem   BackendKind = "FileSystem"
	BackendS3           BackendKind = "S3"
	BackendS3Compatible BackendKind = "S3Compatible"
	BackendOss          BackendKind = "Oss"
	BackendCos          BackendKind = "Cos"
	BackendAzBlob       BackendKind = "AzBlob"
)

// Backend is a tagged union over the six backend variants in spec.md §6.
// Exactly one of the variant fields is populated, selected by Kind.
type Backend struct {
	Kind BackendKind `json:"kind"`

	FileSystem *FileSystemBackend `json:"file_system,omitempty"`
	S3         *S3Backend         `json:"s3,omitempty"`
	S3Compat   *S3Backend         `json:"s3_compatible,omitempty"`
	Oss        *OssBackend        `json:"oss,omitempty"`
	Cos        *CosBackend        `json:"cos,omitempty"`
	AzBlob     *AzBlobBackend     `json:"az_blob,omitempty"`
}

type FileSystemBackend struct {
	RootPath string `json:"root_path"`
}

type S3Backend struct {
	Bucket          string `json:"bucket"`
	Region          string `json:"region,omitempty"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Endpoint        string `json:"endpoint,omitempty"`
}

type OssBackend struct {
	Bucket          string `json:"bucket"`
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	AccessKeySecret string `json:"access_key_secret"`
}

type CosBackend struct {
	Bucket    string `json:"bucket"`
	Endpoint  string `json:"endpoint"`
	SecretID  string `json:"secret_id"`
	SecretKey string `json:"secret_key"`
}

type AzBlobBackend struct {
	Container   string `json:"container"`
	AccountName string `json:"account_name"`
	AccountKey  string `json:"account_key"`
}

// Config is the full persisted configuration schema, per spec.md §6.
type Config struct {
	Version int `json:"version,omitempty"`

	Backend Backend `json:"backend"`

	RetryAttempts       int `json:"retry_attempts"`
	TimeoutSeconds      int `json:"timeout_seconds"`
	SyncIntervalSeconds int `json:"sync_interval_seconds"`
	CompactThreshold    int `json:"compact_threshold"`

	UserID       string `json:"user_id"`
	DeviceIDPath string `json:"device_id_path"`

	// QuarantineCapacity bounds the in-memory ring of corrupt keys the
	// puller refuses to keep retrying; see SPEC_FULL.md's supplemented
	// get_sync_status fields.
	QuarantineCapacity int `json:"quarantine_capacity,omitempty"`
}

// Defaults returns a Config with every default from spec.md §6 applied,
// before the caller overlays user_id, device_id_path, and backend.
func Defaults() Config {
	return Config{
		RetryAttempts:       3,
		TimeoutSeconds:      30,
		SyncIntervalSeconds: 15,
		CompactThreshold:    200,
		DeviceIDPath:        "./device_id",
		QuarantineCapacity:  10000,
	}
}

// Validate checks the bounds from spec.md §6 and reports the first
// violation found.
func (c Config) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("config: user_id must not be empty")
	}
	if c.DeviceIDPath == "" {
		return fmt.Errorf("config: device_id_path must not be empty")
	}
	if c.RetryAttempts < 1 || c.RetryAttempts > 10 {
		return fmt.Errorf("config: retry_attempts must be in [1,10], got %d", c.RetryAttempts)
	}
	if c.TimeoutSeconds < 5 || c.TimeoutSeconds > 300 {
		return fmt.Errorf("config: timeout_seconds must be in [5,300], got %d", c.TimeoutSeconds)
	}
	if c.SyncIntervalSeconds < 5 || c.SyncIntervalSeconds > 3600 {
		return fmt.Errorf("config: sync_interval_seconds must be in [5,3600], got %d", c.SyncIntervalSeconds)
	}
	if c.CompactThreshold < 1 {
		return fmt.Errorf("config: compact_threshold must be positive, got %d", c.CompactThreshold)
	}
	return c.Backend.validate()
}

// Validate checks that the backend variant named by Kind carries the
// fields that variant requires, independent of the rest of Config. Used by
// the control surface's test_storage_connection, which exercises a
// backend without requiring a full, persistable configuration.
func (b Backend) Validate() error {
	return b.validate()
}

func (b Backend) validate() error {
	switch b.Kind {
	case BackendFileSystem:
		if b.FileSystem == nil || b.FileSystem.RootPath == "" {
			return fmt.Errorf("config: file_system backend requires root_path")
		}
	case BackendS3:
		if b.S3 == nil || b.S3.Bucket == "" {
			return fmt.Errorf("config: s3 backend requires bucket")
		}
	case BackendS3Compatible:
		if b.S3Compat == nil || b.S3Compat.Bucket == "" || b.S3Compat.Endpoint == "" {
			return fmt.Errorf("config: s3_compatible backend requires bucket and endpoint")
		}
	case BackendOss:
		if b.Oss == nil || b.Oss.Bucket == "" || b.Oss.Endpoint == "" {
			return fmt.Errorf("config: oss backend requires bucket and endpoint")
		}
	case BackendCos:
		if b.Cos == nil || b.Cos.Bucket == "" || b.Cos.Endpoint == "" {
			return fmt.Errorf("config: cos backend requires bucket and endpoint")
		}
	case BackendAzBlob:
		if b.AzBlob == nil || b.AzBlob.Container == "" || b.AzBlob.AccountName == "" {
			return fmt.Errorf("config: az_blob backend requires container and account_name")
		}
	default:
		return fmt.Errorf("config: unknown backend kind %q", b.Kind)
	}
	return nil
}

// Load reads and strictly decodes the config at path.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	var c Config
	if err := jsonx.ParseJSONObject(io.Reader(f), &c); err != nil {
		return Config{}, fmt.Errorf("config: parse %q: %w", path, err)
	}
	if c.Version == 0 {
		c.Version = 1
	}
	return c, nil
}

// Save persists c to path as indented JSON, overwriting any existing file.
func Save(path string, c Config) error {
	if c.Version == 0 {
		c.Version = 1
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %q: %w", path, err)
	}
	return nil
}
