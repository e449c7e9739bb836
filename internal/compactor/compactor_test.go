package compactor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/clipsyncd/clipsyncd/internal/codec"
	"github.com/clipsyncd/clipsyncd/internal/merger"
	"github.com/clipsyncd/clipsyncd/internal/model"
	"github.com/clipsyncd/clipsyncd/internal/storage/fsbackend"
)

func TestRunPublishesSnapshotAndGCs(t *testing.T) {
	dir := t.TempDir()
	driver := fsbackend.New(filepath.Join(dir, "store"))
	namespace := "clipboard-data/u1"

	m := merger.New(nil)
	op := &model.Operation{
		OpID: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", OpType: model.OpAdd, TargetID: "x1",
		Timestamp: time.Unix(1000, 0), DeviceID: "dd",
		Payload: &model.ClipboardItem{ID: "x1", ContentType: "text/plain", Content: []byte("v1"), Metadata: model.Metadata{SourceDevice: "dd"}},
	}
	m.Apply(op)

	ctx := context.Background()
	if err := driver.Put(ctx, namespace+"/oplog/"+op.OpID+".json", mustEncode(t, op), false); err != nil {
		t.Fatalf("seed oplog: %v", err)
	}

	c := New(nil, driver, m, namespace, "dd")
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, err := driver.Get(ctx, namespace+"/snapshots/latest")
	if err != nil {
		t.Fatalf("expected latest pointer to exist: %v", err)
	}
	ptr, err := codec.DecodeLatestPointer(data)
	if err != nil {
		t.Fatalf("decode latest pointer: %v", err)
	}
	if _, err := driver.Get(ctx, ptr.Key); err != nil {
		t.Fatalf("expected snapshot body at %q: %v", ptr.Key, err)
	}

	if _, err := driver.Get(ctx, namespace+"/oplog/"+op.OpID+".json"); err == nil {
		t.Fatal("expected covered oplog entry to be garbage collected")
	}

	if _, err := driver.Get(ctx, namespace+"/locks/compact.lock"); err == nil {
		t.Fatal("expected lock to be released after Run")
	}
}

func TestRunSkipsWhenLockHeld(t *testing.T) {
	dir := t.TempDir()
	driver := fsbackend.New(filepath.Join(dir, "store"))
	namespace := "clipboard-data/u1"
	ctx := context.Background()

	lockBody, err := codec.EncodeLock(&codec.LockBody{
		DeviceID:   "other",
		AcquiredAt: codec.FormatTimestamp(time.Now().UTC()),
		ExpiresAt:  codec.FormatTimestamp(time.Now().UTC().Add(time.Hour)),
	})
	if err != nil {
		t.Fatalf("encode lock: %v", err)
	}
	if err := driver.Put(ctx, namespace+"/locks/compact.lock", lockBody, false); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	m := merger.New(nil)
	c := New(nil, driver, m, namespace, "dd")
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run should not error when lock is held, got: %v", err)
	}

	// The held lock must be left untouched.
	data, err := driver.Get(ctx, namespace+"/locks/compact.lock")
	if err != nil {
		t.Fatalf("expected lock to remain: %v", err)
	}
	lock, err := codec.DecodeLock(data)
	if err != nil {
		t.Fatalf("decode lock: %v", err)
	}
	if lock.DeviceID != "other" {
		t.Fatalf("expected lock to remain owned by 'other', got %q", lock.DeviceID)
	}
}

func TestRunOverridesStaleLock(t *testing.T) {
	dir := t.TempDir()
	driver := fsbackend.New(filepath.Join(dir, "store"))
	namespace := "clipboard-data/u1"
	ctx := context.Background()

	staleLock, err := codec.EncodeLock(&codec.LockBody{
		DeviceID:   "other",
		AcquiredAt: codec.FormatTimestamp(time.Now().UTC().Add(-time.Hour)),
		ExpiresAt:  codec.FormatTimestamp(time.Now().UTC().Add(-time.Minute)),
	})
	if err != nil {
		t.Fatalf("encode stale lock: %v", err)
	}
	if err := driver.Put(ctx, namespace+"/locks/compact.lock", staleLock, false); err != nil {
		t.Fatalf("seed stale lock: %v", err)
	}

	m := merger.New(nil)
	c := New(nil, driver, m, namespace, "dd")
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := driver.Get(ctx, namespace+"/snapshots/latest"); err != nil {
		t.Fatalf("expected compaction to proceed after overriding stale lock: %v", err)
	}
}

func mustEncode(t *testing.T, op *model.Operation) []byte {
	t.Helper()
	data, err := codec.EncodeOperation(op)
	if err != nil {
		t.Fatalf("encode operation: %v", err)
	}
	return data
}
