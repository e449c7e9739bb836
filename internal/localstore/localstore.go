// Package localstore mirrors the merger's authoritative clipboard state
// into a Redis-backed, read-optimized cache for the control surface to
// query without taking the merger's lock, plus a notification fan-out
// for callers that want to react to changes as they happen (e.g. a
// future push-update transport). The write-then-mutate-memory path and
// reconcile-on-boot scan are adapted from the teacher's StringStore.
package localstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/clipsyncd/clipsyncd/internal/merger"
	"github.com/clipsyncd/clipsyncd/internal/model"
)

// Store holds a materialized copy of present clipboard items, durable in
// Redis and fast to read in memory.
type Store struct {
	log       *zap.Logger
	rdb       *redis.Client
	keyPrefix string // e.g. "clipboard-data:u1:items:"

	writeMu sync.Mutex
	stateRW sync.RWMutex
	items   map[string]model.ClipboardItem

	subMu     sync.Mutex
	nextSubID int
	subs      map[int]func(merger.Change)

	unsubscribeMerger func()
}

// New constructs a Store, reconciles its in-memory state from Redis, and
// subscribes to m so every subsequent Apply-produced Change is mirrored
// automatically. keyPrefix is namespaced per user, not shared across
// users the way the merger's state is not shared across namespaces.
func New(ctx context.Context, log *zap.Logger, rdb *redis.Client, m *merger.Merger, keyPrefix string) (*Store, error) {
	if rdb == nil {
		return nil, fmt.Errorf("localstore: nil redis client")
	}
	if keyPrefix == "" {
		return nil, fmt.Errorf("localstore: empty keyPrefix")
	}
	if !strings.HasSuffix(keyPrefix, ":") {
		keyPrefix += ":"
	}
	if log == nil {
		log = zap.NewNop()
	}

	s := &Store{
		log:       log.Named("localstore"),
		rdb:       rdb,
		keyPrefix: keyPrefix,
		items:     make(map[string]model.ClipboardItem),
		subs:      make(map[int]func(merger.Change)),
	}

	if err := s.reconcile(ctx); err != nil {
		return nil, fmt.Errorf("localstore: reconcile: %w", err)
	}

	if m != nil {
		s.unsubscribeMerger = m.Subscribe(s.onMergerChange)
	}
	return s, nil
}

// Close detaches the Store from the Merger it was subscribed to.
func (s *Store) Close() {
	if s.unsubscribeMerger != nil {
		s.unsubscribeMerger()
	}
}

// Subscribe registers fn to be called after every change this Store
// mirrors. Returns an unsubscribe func.
func (s *Store) Subscribe(fn func(merger.Change)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) onMergerChange(ch merger.Change) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch ch.Kind {
	case merger.ChangeItemAdded, merger.ChangeItemReplaced:
		if ch.Item == nil {
			s.log.Warn("merger change missing item payload, dropping mirror write", zap.String("id", ch.ID))
			return
		}
		if err := s.put(ctx, *ch.Item); err != nil {
			s.log.Error("mirror item write failed", zap.String("id", ch.ID), zap.Error(err))
			return
		}
	case merger.ChangeItemRemoved:
		if err := s.remove(ctx, ch.ID); err != nil {
			s.log.Error("mirror item delete failed", zap.String("id", ch.ID), zap.Error(err))
			return
		}
	default:
		return
	}
	s.fanout(ch)
}

func (s *Store) fanout(ch merger.Change) {
	s.subMu.Lock()
	fns := make([]func(merger.Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(ch)
	}
}

// put persists item to Redis then mutates in-memory state, in that
// order, so a reader never observes an in-memory item that isn't yet
// durable.
func (s *Store) put(ctx context.Context, item model.ClipboardItem) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := s.rdb.Set(ctx, s.itemKey(item.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}

	s.stateRW.Lock()
	s.items[item.ID] = item
	s.stateRW.Unlock()
	return nil
}

func (s *Store) remove(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.rdb.Del(ctx, s.itemKey(id)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}

	s.stateRW.Lock()
	delete(s.items, id)
	s.stateRW.Unlock()
	return nil
}

// GetOne returns a value copy of the cached item, if present.
func (s *Store) GetOne(id string) (model.ClipboardItem, bool) {
	s.stateRW.RLock()
	defer s.stateRW.RUnlock()
	item, ok := s.items[id]
	return item, ok
}

// GetList returns value copies of every cached item, in no particular
// order; callers that need display order sort by CreatedAt themselves.
func (s *Store) GetList() []model.ClipboardItem {
	s.stateRW.RLock()
	defer s.stateRW.RUnlock()
	out := make([]model.ClipboardItem, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, item)
	}
	return out
}

// Count returns the number of cached items.
func (s *Store) Count() int {
	s.stateRW.RLock()
	defer s.stateRW.RUnlock()
	return len(s.items)
}

func (s *Store) itemKey(id string) string { return s.keyPrefix + id }

// reconcile scans Redis for existing documents under keyPrefix and
// rebuilds in-memory state before the Store accepts reads. Read-only
// against Redis; malformed entries are logged and skipped rather than
// failing the whole reconcile, since a single bad key should not block
// startup.
func (s *Store) reconcile(ctx context.Context) error {
	pattern := s.keyPrefix + "*"
	var keys []string
	iter := s.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}

	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return fmt.Errorf("mget: %w", err)
	}

	recovered, errs := 0, 0
	items := make(map[string]model.ClipboardItem, len(keys))
	for i, raw := range vals {
		key := keys[i]
		if raw == nil {
			errs++
			continue
		}
		var b []byte
		switch v := raw.(type) {
		case string:
			b = []byte(v)
		case []byte:
			b = v
		default:
			s.log.Warn("reconcile: unexpected redis value type; skipping", zap.String("key", key))
			errs++
			continue
		}
		var item model.ClipboardItem
		if err := json.Unmarshal(b, &item); err != nil {
			s.log.Warn("reconcile: deserialization failed; skipping", zap.String("key", key), zap.Error(err))
			errs++
			continue
		}
		items[item.ID] = item
		recovered++
	}

	s.stateRW.Lock()
	s.items = items
	s.stateRW.Unlock()

	s.log.Info("reconcile complete", zap.String("prefix", s.keyPrefix), zap.Int("recovered", recovered), zap.Int("errors", errs))
	return nil
}
