// Package cosbackend implements storage.Driver over Tencent Cloud
// Object Storage, shaped after s3backend's client construction and
// error classification.
package cosbackend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"

	"github.com/tencentyun/cos-go-sdk-v5"

	"github.com/clipsyncd/clipsyncd/internal/storage"
)

// Config mirrors spec.md §6's Cos tagged backend variant.
type Config struct {
	Bucket    string
	Endpoint  string
	SecretID  string
	SecretKey string
}

type Backend struct {
	cfg Config

	mu     sync.Mutex
	client *cos.Client
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
	u, err := url.Parse(b.cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("cosbackend: parse endpoint: %w", err)
	}
	base := &cos.BaseURL{BucketURL: u}
	b.client = cos.NewClient(base, &http.Client{
		Transport: &cos.AuthorizationTransport{
			SecretID:  b.cfg.SecretID,
			SecretKey: b.cfg.SecretKey,
		},
	})
	b.opened = true
	return nil
}

func classify(err error) storage.ErrKind {
	if cosErr, ok := err.(*cos.ErrorResponse); ok {
		switch cosErr.Code {
		case "NoSuchKey":
			return storage.KindNotFound
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return storage.KindAuth
		case "PreconditionFailed":
			return storage.KindAlreadyExists
		}
		if cosErr.Response != nil {
			switch {
			case cosErr.Response.StatusCode == http.StatusNotFound:
				return storage.KindNotFound
			case cosErr.Response.StatusCode == http.StatusPreconditionFailed:
				return storage.KindAlreadyExists
			case cosErr.Response.StatusCode >= 500:
				return storage.KindBackendTransient
			case cosErr.Response.StatusCode >= 400:
				return storage.KindBackendPermanent
			}
		}
	}
	return storage.KindNetwork
}

func (b *Backend) Put(ctx context.Context, key string, data []byte, overwrite bool) error {
	if err := b.ensureOpen(); err != nil {
		return &storage.Error{Kind: storage.KindNetwork, Op: "put", Key: key, Err: err}
	}
	opt := &cos.ObjectPutOptions{}
	if !overwrite {
		opt.ObjectPutHeaderOptions = &cos.ObjectPutHeaderOptions{XCosForbidOverWrite: true}
	}
	_, err := b.client.Object.Put(ctx, key, bytes.NewReader(data), opt)
	if err != nil {
		return &storage.Error{Kind: classify(err), Op: "put", Key: key, Err: err}
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, &storage.Error{Kind: storage.KindNetwork, Op: "get", Key: key, Err: err}
	}
	resp, err := b.client.Object.Get(ctx, key, nil)
	if err != nil {
		return nil, &storage.Error{Kind: classify(err), Op: "get", Key: key, Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &storage.Error{Kind: storage.KindNetwork, Op: "get", Key: key, Err: err}
	}
	return data, nil
}

func (b *Backend) List(ctx context.Context, prefix string) ([]string, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, &storage.Error{Kind: storage.KindNetwork, Op: "list", Key: prefix, Err: err}
	}
	var out []string
	marker := ""
	for {
		res, _, err := b.client.Bucket.Get(ctx, &cos.BucketGetOptions{
			Prefix: prefix,
			Marker: marker,
		})
		if err != nil {
			return nil, &storage.Error{Kind: classify(err), Op: "list", Key: prefix, Err: err}
		}
		for _, obj := range res.Contents {
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

func (b *Backend) Delete(ctx context.Context, key string) error {
	if err := b.ensureOpen(); err != nil {
		return &storage.Error{Kind: storage.KindNetwork, Op: "delete", Key: key, Err: err}
	}
	_, err := b.client.Object.Delete(ctx, key)
	if err != nil {
		kind := classify(err)
		if kind == storage.KindNotFound {
			return nil
		}
		return &storage.Error{Kind: kind, Op: "delete", Key: key, Err: err}
	}
	return nil
}

var _ storage.Driver = (*Backend)(nil)
