// Package fsbackend implements storage.Driver over a local directory
// tree, for single-device testing and for users who point the bulletin
// board at a shared network mount instead of a cloud object store.
package fsbackend

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/clipsyncd/clipsyncd/internal/storage"
)

// Backend stores one object per file under Root, mirroring the key's
// forward-slash segments as directories.
type Backend struct {
	Root string
}

func New(root string) *Backend {
	return &Backend{Root: root}
}

func (b *Backend) path(key string) string {
	clean := filepath.Clean("/" + key)
	return filepath.Join(b.Root, filepath.FromSlash(clean))
}

func (b *Backend) Put(_ context.Context, key string, data []byte, overwrite bool) error {
	p := b.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return &storage.Error{Kind: storage.KindBackendTransient, Op: "put", Key: key, Err: err}
	}
	flags := os.O_WRONLY | os.O_CREATE
	if overwrite {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(p, flags, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return &storage.Error{Kind: storage.KindAlreadyExists, Op: "put", Key: key, Err: err}
		}
		return &storage.Error{Kind: storage.KindBackendTransient, Op: "put", Key: key, Err: err}
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return &storage.Error{Kind: storage.KindBackendTransient, Op: "put", Key: key, Err: err}
	}
	return nil
}

func (b *Backend) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(b.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &storage.Error{Kind: storage.KindNotFound, Op: "get", Key: key, Err: err}
		}
		return nil, &storage.Error{Kind: storage.KindBackendTransient, Op: "get", Key: key, Err: err}
	}
	return data, nil
}

func (b *Backend) List(_ context.Context, prefix string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(b.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(b.Root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, &storage.Error{Kind: storage.KindBackendTransient, Op: "list", Key: prefix, Err: err}
	}
	sort.Strings(out)
	return out, nil
}

func (b *Backend) Delete(_ context.Context, key string) error {
	if err := os.Remove(b.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &storage.Error{Kind: storage.KindBackendTransient, Op: "delete", Key: key, Err: err}
	}
	return nil
}

var _ storage.Driver = (*Backend)(nil)
