// Package puller periodically lists the bulletin board for new oplog
// entries and a fresher snapshot, downloading with bounded concurrency
// and feeding everything into the Merger. Concurrent sync_now calls are
// coalesced with singleflight, the same pattern the teacher's
// SummaryService uses to collapse concurrent cache refreshes.
package puller

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/clipsyncd/clipsyncd/internal/codec"
	"github.com/clipsyncd/clipsyncd/internal/merger"
	"github.com/clipsyncd/clipsyncd/internal/model"
	"github.com/clipsyncd/clipsyncd/internal/storage"
)

// maxConcurrentFetches bounds parallel downloads per spec.md §4.5.
const maxConcurrentFetches = 8

// defaultQuarantineCapacity bounds the in-memory ring of keys that failed to
// parse, per SPEC_FULL.md's supplemented quarantine_count field.
const defaultQuarantineCapacity = 10000

// Result summarizes one pull tick for status reporting and logging.
type Result struct {
	AppliedOps      int
	SnapshotApplied bool
	QuarantinedKeys []string
}

// Puller drives periodic and on-demand synchronization pulls.
type Puller struct {
	log       *zap.Logger
	driver    storage.Driver
	merger    *merger.Merger
	namespace string

	sg singleflight.Group

	mu                 sync.Mutex
	knownSnapshotKey   string
	quarantine         map[string]struct{}
	quarantineOrder    []string
	quarantineCapacity int
}

// New constructs a Puller. quarantineCapacity <= 0 uses the default.
func New(log *zap.Logger, driver storage.Driver, m *merger.Merger, namespace string, quarantineCapacity int) *Puller {
	if log == nil {
		log = zap.NewNop()
	}
	if quarantineCapacity <= 0 {
		quarantineCapacity = defaultQuarantineCapacity
	}
	return &Puller{
		log:                log.Named("puller"),
		driver:             driver,
		merger:             m,
		namespace:          namespace,
		quarantine:         make(map[string]struct{}),
		quarantineCapacity: quarantineCapacity,
	}
}

// SyncNow runs one pull tick, coalescing concurrent callers into a single
// underlying pull (spec.md §4.5 and the control surface's sync_now).
func (p *Puller) SyncNow(ctx context.Context) (Result, error) {
	v, err, _ := p.sg.Do("pull", func() (any, error) {
		return p.pullOnce(ctx)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (p *Puller) pullOnce(ctx context.Context) (Result, error) {
	var res Result

	snapApplied, err := p.pullSnapshot(ctx)
	if err != nil {
		p.log.Warn("snapshot pull failed", zap.Error(err))
	}
	res.SnapshotApplied = snapApplied

	applied, quarantined, err := p.pullOplog(ctx)
	res.AppliedOps = applied
	res.QuarantinedKeys = quarantined
	if err != nil {
		return res, err
	}
	return res, nil
}

func (p *Puller) pullSnapshot(ctx context.Context) (bool, error) {
	key := p.namespace + "/snapshots/latest"
	data, err := p.driver.Get(ctx, key)
	if err != nil {
		if kind, ok := storage.KindOf(err); ok && kind == storage.KindNotFound {
			return false, nil // no snapshot yet, per spec.md §7
		}
		return false, fmt.Errorf("puller: get latest pointer: %w", err)
	}

	ptr, err := codec.DecodeLatestPointer(data)
	if err != nil {
		return false, fmt.Errorf("puller: decode latest pointer: %w", err)
	}

	p.mu.Lock()
	known := p.knownSnapshotKey
	p.mu.Unlock()
	if ptr.Key == known {
		return false, nil
	}

	snapData, err := p.driver.Get(ctx, ptr.Key)
	if err != nil {
		return false, fmt.Errorf("puller: get snapshot %q: %w", ptr.Key, err)
	}
	snap, err := codec.DecodeSnapshot(snapData)
	if err != nil {
		return false, fmt.Errorf("puller: decode snapshot %q: %w", ptr.Key, err)
	}

	tombstones := make(map[string]model.Tombstone)
	p.merger.LoadSnapshot(snap.Items, tombstones, snap.CoveredOpIDs)

	p.mu.Lock()
	p.knownSnapshotKey = ptr.Key
	p.mu.Unlock()
	return true, nil
}

func (p *Puller) pullOplog(ctx context.Context) (applied int, quarantined []string, err error) {
	keys, err := p.driver.List(ctx, p.namespace+"/oplog/")
	if err != nil {
		return 0, nil, fmt.Errorf("puller: list oplog: %w", err)
	}

	var toFetch []string
	for _, key := range keys {
		opID := opIDFromKey(key)
		if opID == "" {
			continue
		}
		if p.merger.HasSeen(opID) {
			continue
		}
		if p.isQuarantined(key) {
			continue
		}
		toFetch = append(toFetch, key)
	}

	sem := semaphore.NewWeighted(maxConcurrentFetches)
	var (
		mu          sync.Mutex
		appliedN    int
		newQuarant  []string
		wg          sync.WaitGroup
		firstFailed error
	)

	for _, key := range toFetch {
		if err := sem.Acquire(ctx, 1); err != nil {
			firstFailed = err
			break
		}
		wg.Add(1)
		go func(key string) {
			defer sem.Release(1)
			defer wg.Done()

			data, err := p.driver.Get(ctx, key)
			if err != nil {
				p.log.Warn("oplog fetch failed", zap.String("key", key), zap.Error(err))
				return
			}
			op, err := codec.DecodeOperation(data)
			if err != nil {
				p.log.Error("corrupt oplog entry, quarantining", zap.String("key", key), zap.Error(err))
				p.quarantineKey(key)
				mu.Lock()
				newQuarant = append(newQuarant, key)
				mu.Unlock()
				return
			}
			p.merger.Apply(op)
			mu.Lock()
			appliedN++
			mu.Unlock()
		}(key)
	}
	wg.Wait()

	if firstFailed != nil {
		return appliedN, newQuarant, firstFailed
	}
	return appliedN, newQuarant, nil
}

func (p *Puller) isQuarantined(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.quarantine[key]
	return ok
}

func (p *Puller) quarantineKey(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.quarantine[key]; ok {
		return
	}
	if len(p.quarantineOrder) >= p.quarantineCapacity {
		oldest := p.quarantineOrder[0]
		p.quarantineOrder = p.quarantineOrder[1:]
		delete(p.quarantine, oldest)
	}
	p.quarantine[key] = struct{}{}
	p.quarantineOrder = append(p.quarantineOrder, key)
}

// QuarantineCount reports how many keys are currently quarantined, used
// by get_sync_status's supplemented quarantine_count field.
func (p *Puller) QuarantineCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.quarantine)
}

// opIDFromKey extracts the op_id from an "oplog/{op_id}.json" key.
func opIDFromKey(key string) string {
	const suffix = ".json"
	name := key
	if i := strings.LastIndexByte(key, '/'); i >= 0 {
		name = key[i+1:]
	}
	if !strings.HasSuffix(name, suffix) {
		return ""
	}
	return strings.TrimSuffix(name, suffix)
}
