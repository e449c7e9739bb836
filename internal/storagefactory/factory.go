// Package storagefactory builds a storage.Driver from a config.Backend
// tagged union, so the control surface's configure_storage and
// test_storage_connection operations and the entrypoint's startup wiring
// share one place that knows how to turn configuration into a live
// backend.
package storagefactory

import (
	"fmt"

	"github.com/clipsyncd/clipsyncd/internal/config"
	"github.com/clipsyncd/clipsyncd/internal/storage"
	"github.com/clipsyncd/clipsyncd/internal/storage/azblobbackend"
	"github.com/clipsyncd/clipsyncd/internal/storage/cosbackend"
	"github.com/clipsyncd/clipsyncd/internal/storage/fsbackend"
	"github.com/clipsyncd/clipsyncd/internal/storage/ossbackend"
	"github.com/clipsyncd/clipsyncd/internal/storage/s3backend"
)

// New constructs the storage.Driver selected by b.Kind. The returned
// driver is unwrapped: callers that need retry/backoff wrap it with
// storage.NewRetryPolicy themselves.
func New(b config.Backend) (storage.Driver, error) {
	switch b.Kind {
	case config.BackendFileSystem:
		if b.FileSystem == nil {
			return nil, fmt.Errorf("storagefactory: file_system backend missing config")
		}
		return fsbackend.New(b.FileSystem.RootPath), nil

	case config.BackendS3:
		if b.S3 == nil {
			return nil, fmt.Errorf("storagefactory: s3 backend missing config")
		}
		return s3backend.New(s3backend.Config{
			Bucket:          b.S3.Bucket,
			Region:          b.S3.Region,
			AccessKeyID:     b.S3.AccessKeyID,
			SecretAccessKey: b.S3.SecretAccessKey,
			Endpoint:        b.S3.Endpoint,
		}), nil

	case config.BackendS3Compatible:
		if b.S3Compat == nil {
			return nil, fmt.Errorf("storagefactory: s3_compatible backend missing config")
		}
		return s3backend.New(s3backend.Config{
			Bucket:          b.S3Compat.Bucket,
			Region:          b.S3Compat.Region,
			AccessKeyID:     b.S3Compat.AccessKeyID,
			SecretAccessKey: b.S3Compat.SecretAccessKey,
			Endpoint:        b.S3Compat.Endpoint,
			ForcePathStyle:  true,
		}), nil

	case config.BackendOss:
		if b.Oss == nil {
			return nil, fmt.Errorf("storagefactory: oss backend missing config")
		}
		return ossbackend.New(ossbackend.Config{
			Bucket:          b.Oss.Bucket,
			Endpoint:        b.Oss.Endpoint,
			AccessKeyID:     b.Oss.AccessKeyID,
			AccessKeySecret: b.Oss.AccessKeySecret,
		}), nil

	case config.BackendCos:
		if b.Cos == nil {
			return nil, fmt.Errorf("storagefactory: cos backend missing config")
		}
		return cosbackend.New(cosbackend.Config{
			Bucket:    b.Cos.Bucket,
			Endpoint:  b.Cos.Endpoint,
			SecretID:  b.Cos.SecretID,
			SecretKey: b.Cos.SecretKey,
		}), nil

	case config.BackendAzBlob:
		if b.AzBlob == nil {
			return nil, fmt.Errorf("storagefactory: az_blob backend missing config")
		}
		return azblobbackend.New(azblobbackend.Config{
			Container:   b.AzBlob.Container,
			AccountName: b.AzBlob.AccountName,
			AccountKey:  b.AzBlob.AccountKey,
			AccountURL:  fmt.Sprintf("https://%s.blob.core.windows.net", b.AzBlob.AccountName),
		}), nil

	default:
		return nil, fmt.Errorf("storagefactory: unknown backend kind %q", b.Kind)
	}
}
