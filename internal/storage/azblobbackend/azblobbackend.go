// Package azblobbackend implements storage.Driver over Azure Blob
// Storage, adapted from the same ensure-open-once client construction
// pattern as s3backend/ossbackend.
package azblobbackend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/service"

	"github.com/clipsyncd/clipsyncd/internal/storage"
)

// Config mirrors spec.md §6's AzBlob tagged backend variant.
type Config struct {
	Container   string
	AccountURL  string // e.g. https://<account>.blob.core.windows.net
	AccountKey  string
	AccountName string
}

type Backend struct {
	cfg Config

	mu     sync.Mutex
	client *container.Client
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
	cred, err := service.NewSharedKeyCredential(b.cfg.AccountName, b.cfg.AccountKey)
	if err != nil {
		return fmt.Errorf("azblobbackend: shared key credential: %w", err)
	}
	svc, err := service.NewClientWithSharedKeyCredential(b.cfg.AccountURL, cred, nil)
	if err != nil {
		return fmt.Errorf("azblobbackend: new client: %w", err)
	}
	b.client = svc.NewContainerClient(b.cfg.Container)
	b.opened = true
	return nil
}

func classify(err error) storage.ErrKind {
	if bloberror.HasCode(err,
		bloberror.BlobNotFound, bloberror.ContainerNotFound, bloberror.ResourceNotFound) {
		return storage.KindNotFound
	}
	if bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.ConditionNotMet) {
		return storage.KindAlreadyExists
	}
	if bloberror.HasCode(err,
		bloberror.AuthenticationFailed, bloberror.InsufficientAccountPermissions,
		bloberror.AuthorizationFailure) {
		return storage.KindAuth
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.StatusCode >= 500:
			return storage.KindBackendTransient
		case respErr.StatusCode >= 400:
			return storage.KindBackendPermanent
		}
	}
	return storage.KindNetwork
}

func (b *Backend) Put(ctx context.Context, key string, data []byte, overwrite bool) error {
	if err := b.ensureOpen(); err != nil {
		return &storage.Error{Kind: storage.KindNetwork, Op: "put", Key: key, Err: err}
	}
	blobClient := b.client.NewBlockBlobClient(key)
	var opts *azblob.UploadBufferOptions
	if !overwrite {
		opts = &azblob.UploadBufferOptions{
			AccessConditions: &blob.AccessConditions{
				ModifiedAccessConditions: &blob.ModifiedAccessConditions{
					IfNoneMatch: to.Ptr(azcore.ETagAny),
				},
			},
		}
	}
	_, err := blobClient.UploadBuffer(ctx, data, opts)
	if err != nil {
		return &storage.Error{Kind: classify(err), Op: "put", Key: key, Err: err}
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, &storage.Error{Kind: storage.KindNetwork, Op: "get", Key: key, Err: err}
	}
	blobClient := b.client.NewBlobClient(key)
	resp, err := blobClient.DownloadStream(ctx, nil)
	if err != nil {
		return nil, &storage.Error{Kind: classify(err), Op: "get", Key: key, Err: err}
	}
	body := resp.Body
	defer body.Close()
	data, err := io.ReadAll(body)
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
	pager := b.client.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{
		Prefix: to.Ptr(prefix),
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, &storage.Error{Kind: classify(err), Op: "list", Key: prefix, Err: err}
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil && strings.HasPrefix(*item.Name, prefix) {
				out = append(out, *item.Name)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	if err := b.ensureOpen(); err != nil {
		return &storage.Error{Kind: storage.KindNetwork, Op: "delete", Key: key, Err: err}
	}
	blobClient := b.client.NewBlobClient(key)
	_, err := blobClient.Delete(ctx, nil)
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
