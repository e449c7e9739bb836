// Package oplog constructs and durably uploads Operation records. Local
// events are applied to the Merger immediately so the UI sees them before
// the network round trip, then queued for background upload, with a
// disk-backed queue so a crash never loses an acknowledged local edit.
//
// The upload worker's supervised-retry-loop shape is adapted from the
// teacher's process supervision loop: a context-aware goroutine that
// blocks on a channel, attempts work, and backs off on failure instead of
// busy-looping.
package oplog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clipsyncd/clipsyncd/internal/codec"
	"github.com/clipsyncd/clipsyncd/internal/merger"
	"github.com/clipsyncd/clipsyncd/internal/model"
	"github.com/clipsyncd/clipsyncd/internal/storage"
)

// queueEntry is one line of the on-disk durable queue: an operation still
// awaiting upload acknowledgement.
type queueEntry struct {
	Operation json.RawMessage `json:"operation"`
}

// Writer constructs operations from local clipboard events, applies them
// to the Merger synchronously, and uploads them to the bulletin board in
// the background.
type Writer struct {
	log       *zap.Logger
	driver    storage.Driver
	merger    *merger.Merger
	deviceID  string
	namespace string

	queuePath string

	mu      sync.Mutex
	pending []*model.Operation

	wake chan struct{}
}

// New constructs a Writer and replays any unpublished entries left in
// queuePath from a prior crash.
func New(log *zap.Logger, driver storage.Driver, m *merger.Merger, deviceID, namespace, queuePath string) (*Writer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	w := &Writer{
		log:       log.Named("oplog"),
		driver:    driver,
		merger:    m,
		deviceID:  deviceID,
		namespace: namespace,
		queuePath: queuePath,
		wake:      make(chan struct{}, 1),
	}
	if err := w.replay(); err != nil {
		return nil, fmt.Errorf("oplog: replay queue: %w", err)
	}
	return w, nil
}

func (w *Writer) key(opID string) string {
	return w.namespace + "/oplog/" + opID + ".json"
}

// Add constructs and applies an ADD operation for item, then enqueues it
// for upload, per spec.md §4.4 steps 1-4.
func (w *Writer) Add(item model.ClipboardItem) (*model.Operation, error) {
	item.Metadata.SourceDevice = w.deviceID
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	op := &model.Operation{
		OpID:      newOpID(),
		OpType:    model.OpAdd,
		TargetID:  item.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  w.deviceID,
		Payload:   &item,
	}
	return op, w.apply(op)
}

// Delete constructs and applies a DELETE operation for targetID.
func (w *Writer) Delete(targetID string) (*model.Operation, error) {
	op := &model.Operation{
		OpID:      newOpID(),
		OpType:    model.OpDelete,
		TargetID:  targetID,
		Timestamp: time.Now().UTC(),
		DeviceID:  w.deviceID,
	}
	return op, w.apply(op)
}

// Event is one local clipboard mutation as the external clipboard-source
// collaborator (spec.md §1: "an OS-level watcher that delivers local
// 'copy' events as typed payloads") reports it. Exactly one of Item or
// DeleteID is set.
type Event struct {
	Item     *model.ClipboardItem
	DeleteID string
}

// Source is the interface the core requires of the clipboard-source
// collaborator. The core never touches the OS clipboard itself; a host
// supplies a concrete Source (platform clipboard polling/hooking) and
// hands it to RunSource.
type Source interface {
	Watch(ctx context.Context) <-chan Event
}

// RunSource drains src's event channel until ctx is cancelled or the
// channel closes, turning each Event into the matching Add/Delete call.
func (w *Writer) RunSource(ctx context.Context, src Source) {
	for ev := range src.Watch(ctx) {
		switch {
		case ev.Item != nil:
			if _, err := w.Add(*ev.Item); err != nil {
				w.log.Error("apply local add from clipboard source", zap.Error(err))
			}
		case ev.DeleteID != "":
			if _, err := w.Delete(ev.DeleteID); err != nil {
				w.log.Error("apply local delete from clipboard source", zap.Error(err))
			}
		}
	}
}

func newOpID() string {
	return uuidNoDashes()
}

func uuidNoDashes() string {
	id := uuid.New()
	return fmt.Sprintf("%x", id[:])
}

func (w *Writer) apply(op *model.Operation) error {
	if err := op.Validate(); err != nil {
		return fmt.Errorf("oplog: construct operation: %w", err)
	}
	w.merger.Apply(op)

	w.mu.Lock()
	w.pending = append(w.pending, op)
	pendingSnapshot := append([]*model.Operation(nil), w.pending...)
	w.mu.Unlock()

	if err := w.rewriteQueue(pendingSnapshot); err != nil {
		return fmt.Errorf("oplog: persist queue entry: %w", err)
	}

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

// rewriteQueue atomically overwrites the durable queue file with exactly
// the operations in pending, via write-to-temp-then-rename so a crash
// mid-write never leaves a truncated queue file behind.
func (w *Writer) rewriteQueue(pending []*model.Operation) error {
	if err := os.MkdirAll(filepath.Dir(w.queuePath), 0o755); err != nil {
		return err
	}
	tmp := w.queuePath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	writer := bufio.NewWriter(f)
	for _, op := range pending {
		body, err := codec.EncodeOperation(op)
		if err != nil {
			f.Close()
			return err
		}
		line, err := json.Marshal(queueEntry{Operation: body})
		if err != nil {
			f.Close()
			return err
		}
		if _, err := writer.Write(append(line, '\n')); err != nil {
			f.Close()
			return err
		}
	}
	if err := writer.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, w.queuePath)
}

// replay loads unpublished entries from the durable queue on startup, per
// spec.md §4.4's crash-safety requirement.
func (w *Writer) replay() error {
	f, err := os.Open(w.queuePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry queueEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			w.log.Error("corrupt queue entry on replay", zap.Error(err))
			return fmt.Errorf("corrupt local on-disk queue: %w", err)
		}
		if entry.Operation == nil {
			continue
		}
		op, err := codec.DecodeOperation(entry.Operation)
		if err != nil {
			w.log.Error("corrupt queued operation on replay", zap.Error(err))
			return fmt.Errorf("corrupt local on-disk queue: %w", err)
		}
		w.mu.Lock()
		w.pending = append(w.pending, op)
		w.mu.Unlock()
	}
	return scanner.Err()
}

// Run drains the pending queue into storage until ctx is cancelled. A
// failed upload stays at the head of the queue and is tried again on the
// next wake signal or after a fixed 5s interval -- the RetryPolicy already
// retries transient errors with backoff inside each call, so this loop
// only handles "try again later" at the queue level.
func (w *Writer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
			w.drain(ctx)
		case <-time.After(5 * time.Second):
			w.drain(ctx)
		}
	}
}

// Drain flushes as much of the pending queue as storage will currently
// accept, without blocking for the next wake signal. Exposed for the
// scheduler's upload-drain task and its shutdown grace period; Run's own
// wake-channel/5s-timer loop calls the same unexported drain internally.
func (w *Writer) Drain(ctx context.Context) {
	w.drain(ctx)
}

func (w *Writer) drain(ctx context.Context) {
	for {
		w.mu.Lock()
		if len(w.pending) == 0 {
			w.mu.Unlock()
			return
		}
		op := w.pending[0]
		w.mu.Unlock()

		body, err := codec.EncodeOperation(op)
		if err != nil {
			w.log.Error("encode queued operation", zap.String("op_id", op.OpID), zap.Error(err))
			w.popPending()
			continue
		}

		err = w.driver.Put(ctx, w.key(op.OpID), body, false)
		if err != nil {
			kind, _ := storage.KindOf(err)
			if kind == storage.KindAlreadyExists {
				w.log.Debug("oplog entry already present, treating as uploaded", zap.String("op_id", op.OpID))
				w.popPending()
				continue
			}
			w.log.Warn("oplog upload failed, will retry", zap.String("op_id", op.OpID), zap.Error(err))
			return
		}
		w.popPending()
	}
}

func (w *Writer) popPending() {
	w.mu.Lock()
	if len(w.pending) > 0 {
		w.pending = w.pending[1:]
	}
	pendingSnapshot := append([]*model.Operation(nil), w.pending...)
	w.mu.Unlock()

	if err := w.rewriteQueue(pendingSnapshot); err != nil {
		w.log.Error("rewrite durable queue after upload", zap.Error(err))
	}
}

// PendingCount reports how many operations are queued for upload, used by
// get_sync_status's supplemented pending_upload_count field.
func (w *Writer) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}
