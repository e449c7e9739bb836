// Package s3backend implements storage.Driver over AWS S3 and
// S3-compatible stores (MinIO, etc.), adapted from the object-put/get
// client construction pattern in launix-de-memcp's S3Storage.
package s3backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/clipsyncd/clipsyncd/internal/storage"
)

// Config mirrors spec.md §6's S3 and S3Compatible tagged backend
// variants; Endpoint is optional for S3 and set for S3Compatible, Region
// is optional for S3Compatible.
type Config struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string // set for S3Compatible
	ForcePathStyle  bool
}

// Backend is a lazily-initialized S3 client, same ensure-open pattern as
// the teacher's S3Storage.ensureOpen.
type Backend struct {
	cfg Config

	mu     sync.Mutex
	client *s3.Client
	opened bool
}

func New(cfg Config) *Backend {
	return &Backend{cfg: cfg}
}

func (b *Backend) ensureOpen(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.opened {
		return nil
	}

	var opts []func(*config.LoadOptions) error
	if b.cfg.Region != "" {
		opts = append(opts, config.WithRegion(b.cfg.Region))
	}
	if b.cfg.AccessKeyID != "" && b.cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(b.cfg.AccessKeyID, b.cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("s3backend: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if b.cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(b.cfg.Endpoint)
		})
	}
	if b.cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	b.client = s3.NewFromConfig(awsCfg, s3Opts...)
	b.opened = true
	return nil
}

func classify(err error) storage.ErrKind {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return storage.KindNotFound
	}
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return storage.KindNotFound
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return storage.KindAuth
		case "PreconditionFailed":
			return storage.KindAlreadyExists
		}
	}
	return storage.KindNetwork
}

func (b *Backend) Put(ctx context.Context, key string, data []byte, overwrite bool) error {
	if err := b.ensureOpen(ctx); err != nil {
		return &storage.Error{Kind: storage.KindNetwork, Op: "put", Key: key, Err: err}
	}
	input := &s3.PutObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if !overwrite {
		input.IfNoneMatch = aws.String("*")
	}
	_, err := b.client.PutObject(ctx, input)
	if err != nil {
		kind := classify(err)
		if !overwrite && strings.Contains(err.Error(), "PreconditionFailed") {
			kind = storage.KindAlreadyExists
		}
		return &storage.Error{Kind: kind, Op: "put", Key: key, Err: err}
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := b.ensureOpen(ctx); err != nil {
		return nil, &storage.Error{Kind: storage.KindNetwork, Op: "get", Key: key, Err: err}
	}
	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(key),
	})
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
	if err := b.ensureOpen(ctx); err != nil {
		return nil, &storage.Error{Kind: storage.KindNetwork, Op: "list", Key: prefix, Err: err}
	}
	var out []string
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.cfg.Bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, &storage.Error{Kind: classify(err), Op: "list", Key: prefix, Err: err}
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				out = append(out, *obj.Key)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	if err := b.ensureOpen(ctx); err != nil {
		return &storage.Error{Kind: storage.KindNetwork, Op: "delete", Key: key, Err: err}
	}
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(key),
	})
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
