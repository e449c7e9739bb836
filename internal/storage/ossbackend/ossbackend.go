// Package ossbackend implements storage.Driver over Aliyun Object
// Storage Service, shaped after s3backend's ensure-open-once client
// construction and error classification.
package ossbackend

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"

	"github.com/clipsyncd/clipsyncd/internal/storage"
)

// Config mirrors spec.md §6's Oss tagged backend variant.
type Config struct {
	Bucket          string
	Endpoint        string
	AccessKeyID     string
	AccessKeySecret string
}

type Backend struct {
	cfg Config

	mu     sync.Mutex
	bucket *oss.Bucket
	opened bool
}

func New(cfg Config) *Backend {
	return &Backend{cfg: cfg}
}

func (b *Backend) ensureOpen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.opened {
		return nil
	}
	client, err := oss.New(b.cfg.Endpoint, b.cfg.AccessKeyID, b.cfg.AccessKeySecret)
	if err != nil {
		return err
	}
	bucket, err := client.Bucket(b.cfg.Bucket)
	if err != nil {
		return err
	}
	b.bucket = bucket
	b.opened = true
	return nil
}

func classify(err error) storage.ErrKind {
	if svcErr, ok := err.(oss.ServiceError); ok {
		switch svcErr.Code {
		case "NoSuchKey":
			return storage.KindNotFound
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return storage.KindAuth
		case "PreconditionFailed", "FileAlreadyExists":
			return storage.KindAlreadyExists
		}
		if svcErr.StatusCode >= 500 {
			return storage.KindBackendTransient
		}
		if svcErr.StatusCode >= 400 {
			return storage.KindBackendPermanent
		}
	}
	return storage.KindNetwork
}

func (b *Backend) Put(_ context.Context, key string, data []byte, overwrite bool) error {
	if err := b.ensureOpen(); err != nil {
		return &storage.Error{Kind: storage.KindNetwork, Op: "put", Key: key, Err: err}
	}
	var opts []oss.Option
	if !overwrite {
		opts = append(opts, oss.ForbidOverWrite(true))
	}
	if err := b.bucket.PutObject(key, bytes.NewReader(data), opts...); err != nil {
		return &storage.Error{Kind: classify(err), Op: "put", Key: key, Err: err}
	}
	return nil
}

func (b *Backend) Get(_ context.Context, key string) ([]byte, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, &storage.Error{Kind: storage.KindNetwork, Op: "get", Key: key, Err: err}
	}
	rc, err := b.bucket.GetObject(key)
	if err != nil {
		return nil, &storage.Error{Kind: classify(err), Op: "get", Key: key, Err: err}
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, &storage.Error{Kind: storage.KindNetwork, Op: "get", Key: key, Err: err}
	}
	return data, nil
}

func (b *Backend) List(_ context.Context, prefix string) ([]string, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, &storage.Error{Kind: storage.KindNetwork, Op: "list", Key: prefix, Err: err}
	}
	var out []string
	marker := ""
	for {
		res, err := b.bucket.ListObjects(oss.Prefix(prefix), oss.Marker(marker))
		if err != nil {
			return nil, &storage.Error{Kind: classify(err), Op: "list", Key: prefix, Err: err}
		}
		for _, obj := range res.Objects {
			out = append(out, obj.Key)
		}
		if !res.IsTruncated {
			break
		}
		marker = res.NextMarker
	}
	sort.Strings(out)
	return out, nil
}

func (b *Backend) Delete(_ context.Context, key string) error {
	if err := b.ensureOpen(); err != nil {
		return &storage.Error{Kind: storage.KindNetwork, Op: "delete", Key: key, Err: err}
	}
	if err := b.bucket.DeleteObject(key); err != nil {
		kind := classify(err)
		if kind == storage.KindNotFound {
			return nil
		}
		return &storage.Error{Kind: kind, Op: "delete", Key: key, Err: err}
	}
	return nil
}

var _ storage.Driver = (*Backend)(nil)
