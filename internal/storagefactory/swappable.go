package storagefactory

import (
	"context"
	"sync/atomic"

	"github.com/clipsyncd/clipsyncd/internal/storage"
)

// Swappable is a storage.Driver whose backing driver can be hot-swapped,
// the same capability-interface idiom spec.md §9 calls for ("dynamic
// dispatch over storage backends"). Every long-lived component (oplog
// writer, puller, compactor) is constructed once against a Swappable, so
// the control surface's configure_storage can rotate backends without
// restarting the process.
type Swappable struct {
	driver atomic.Pointer[storage.Driver]
}

// NewSwappable wraps an initial driver.
func NewSwappable(initial storage.Driver) *Swappable {
	s := &Swappable{}
	s.Swap(initial)
	return s
}

// Swap atomically replaces the backing driver. In-flight calls against the
// old driver run to completion; subsequent calls use next.
func (s *Swappable) Swap(next storage.Driver) {
	s.driver.Store(&next)
}

func (s *Swappable) current() storage.Driver {
	return *s.driver.Load()
}

func (s *Swappable) Put(ctx context.Context, key string, data []byte, overwrite bool) error {
	return s.current().Put(ctx, key, data, overwrite)
}

func (s *Swappable) Get(ctx context.Context, key string) ([]byte, error) {
	return s.current().Get(ctx, key)
}

func (s *Swappable) List(ctx context.Context, prefix string) ([]string, error) {
	return s.current().List(ctx, prefix)
}

func (s *Swappable) Delete(ctx context.Context, key string) error {
	return s.current().Delete(ctx, key)
}

var _ storage.Driver = (*Swappable)(nil)
