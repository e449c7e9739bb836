// Package compactor reduces the oplog into a published snapshot under a
// cross-device lock, per spec.md §4.6. The heartbeat-renewed lock and
// abort-on-heartbeat-failure shape is adapted from the teacher's process
// supervision loop: a background ticker that, on failure, tears down the
// in-flight attempt rather than letting it run unsupervised.
package compactor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/clipsyncd/clipsyncd/internal/codec"
	"github.com/clipsyncd/clipsyncd/internal/merger"
	"github.com/clipsyncd/clipsyncd/internal/model"
	"github.com/clipsyncd/clipsyncd/internal/storage"
)

const (
	lockTTL           = 120 * time.Second
	heartbeatInterval = 30 * time.Second
)

// Compactor publishes reduced snapshots and garbage-collects the oplog
// entries they subsume.
type Compactor struct {
	log       *zap.Logger
	driver    storage.Driver
	merger    *merger.Merger
	namespace string
	deviceID  string
}

func New(log *zap.Logger, driver storage.Driver, m *merger.Merger, namespace, deviceID string) *Compactor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Compactor{
		log:       log.Named("compactor"),
		driver:    driver,
		merger:    m,
		namespace: namespace,
		deviceID:  deviceID,
	}
}

func (c *Compactor) lockKey() string { return c.namespace + "/locks/compact.lock" }

// Run executes the full compaction protocol: lock, heartbeat, collect
// (via the Merger's already-reduced state rather than re-downloading and
// re-reducing the oplog, since the Merger is kept current by the puller),
// publish, GC, unlock.
func (c *Compactor) Run(ctx context.Context) error {
	acquired, err := c.acquireLock(ctx)
	if err != nil {
		return fmt.Errorf("compactor: acquire lock: %w", err)
	}
	if !acquired {
		c.log.Info("compaction lock held by another device, skipping")
		return nil
	}

	hbCtx, cancelHeartbeat := context.WithCancel(ctx)
	hbFailed := make(chan struct{}, 1)
	go c.heartbeat(hbCtx, hbFailed)

	defer func() {
		cancelHeartbeat()
		if err := c.driver.Delete(ctx, c.lockKey()); err != nil {
			c.log.Warn("release compaction lock failed", zap.Error(err))
		}
	}()

	select {
	case <-hbFailed:
		return fmt.Errorf("compactor: heartbeat failed, aborting attempt")
	default:
	}

	// Tombstones are not persisted in the snapshot body: a reader applies
	// the snapshot's items via the same LWW dominance rule it applies to
	// oplog ADDs, so an item's absence from the snapshot is itself the
	// tombstone signal.
	items, _, coveredOpIDs := c.merger.Snapshot()
	snap := &model.Snapshot{
		Items:             items,
		SnapshotTimestamp: time.Now().UTC(),
		LastOpTimestamp:   time.Now().UTC(),
		DeviceID:          c.deviceID,
		CoveredOpIDs:      coveredOpIDs,
	}

	if err := c.publish(ctx, snap); err != nil {
		return fmt.Errorf("compactor: publish snapshot: %w", err)
	}

	c.garbageCollect(ctx, coveredOpIDs)
	c.merger.RemoveCoveredOpIDs(coveredOpIDs)

	select {
	case <-hbFailed:
		return fmt.Errorf("compactor: heartbeat failed during publish")
	default:
	}
	return nil
}

func (c *Compactor) acquireLock(ctx context.Context) (bool, error) {
	body, err := codec.EncodeLock(&codec.LockBody{
		DeviceID:   c.deviceID,
		AcquiredAt: codec.FormatTimestamp(time.Now().UTC()),
		ExpiresAt:  codec.FormatTimestamp(time.Now().UTC().Add(lockTTL)),
	})
	if err != nil {
		return false, err
	}

	err = c.driver.Put(ctx, c.lockKey(), body, false)
	if err == nil {
		return true, nil
	}
	kind, ok := storage.KindOf(err)
	if !ok || kind != storage.KindAlreadyExists {
		return false, err
	}

	// Lock held. Check whether it is stale.
	existing, getErr := c.driver.Get(ctx, c.lockKey())
	if getErr != nil {
		return false, nil // can't read the lock; treat conservatively as held
	}
	lock, decodeErr := codec.DecodeLock(existing)
	if decodeErr != nil {
		return false, nil
	}
	expiresAt, parseErr := codec.ParseTimestamp(lock.ExpiresAt)
	if parseErr != nil || time.Now().UTC().Before(expiresAt) {
		return false, nil // still valid, another device is compacting
	}

	// Stale. Overwrite-delete and retry once.
	if err := c.driver.Delete(ctx, c.lockKey()); err != nil {
		return false, err
	}
	if err := c.driver.Put(ctx, c.lockKey(), body, false); err != nil {
		kind, ok := storage.KindOf(err)
		if ok && kind == storage.KindAlreadyExists {
			return false, nil // lost the race to another device
		}
		return false, err
	}
	return true, nil
}

func (c *Compactor) heartbeat(ctx context.Context, failed chan<- struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			body, err := codec.EncodeLock(&codec.LockBody{
				DeviceID:   c.deviceID,
				AcquiredAt: codec.FormatTimestamp(time.Now().UTC()),
				ExpiresAt:  codec.FormatTimestamp(time.Now().UTC().Add(lockTTL)),
			})
			if err != nil {
				c.log.Error("encode heartbeat lock", zap.Error(err))
				select {
				case failed <- struct{}{}:
				default:
				}
				return
			}
			if err := c.driver.Put(ctx, c.lockKey(), body, true); err != nil {
				c.log.Error("heartbeat renewal failed", zap.Error(err))
				select {
				case failed <- struct{}{}:
				default:
				}
				return
			}
		}
	}
}

func (c *Compactor) publish(ctx context.Context, snap *model.Snapshot) error {
	body, err := codec.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	key := c.namespace + "/snapshots/" + codec.SnapshotKeyTimestamp(snap.SnapshotTimestamp) + "_" + c.deviceID + ".json"
	if err := c.driver.Put(ctx, key, body, false); err != nil {
		return fmt.Errorf("put snapshot body: %w", err)
	}

	ptrBody, err := codec.EncodeLatestPointer(&codec.LatestPointer{Key: key})
	if err != nil {
		return err
	}
	if err := c.driver.Put(ctx, c.namespace+"/snapshots/latest", ptrBody, true); err != nil {
		return fmt.Errorf("put latest pointer: %w", err)
	}
	return nil
}

func (c *Compactor) garbageCollect(ctx context.Context, coveredOpIDs []string) {
	for _, opID := range coveredOpIDs {
		key := c.namespace + "/oplog/" + opID + ".json"
		if err := c.driver.Delete(ctx, key); err != nil {
			c.log.Warn("gc oplog entry failed, will be absorbed by a future compaction", zap.String("op_id", opID), zap.Error(err))
		}
	}
}

// ShouldCompact reports whether any trigger from spec.md §4.6 fires:
// uncovered oplog count exceeds threshold, or 24h since the last
// acknowledged snapshot.
func ShouldCompact(uncoveredOplogCount, compactThreshold int, lastAcknowledged time.Time) bool {
	if uncoveredOplogCount > compactThreshold {
		return true
	}
	return time.Since(lastAcknowledged) >= 24*time.Hour
}
