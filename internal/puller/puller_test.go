package puller

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/clipsyncd/clipsyncd/internal/codec"
	"github.com/clipsyncd/clipsyncd/internal/merger"
	"github.com/clipsyncd/clipsyncd/internal/model"
	"github.com/clipsyncd/clipsyncd/internal/storage/fsbackend"
)

func putOp(t *testing.T, driver *fsbackend.Backend, namespace string, op *model.Operation) {
	t.Helper()
	data, err := codec.EncodeOperation(op)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := driver.Put(context.Background(), namespace+"/oplog/"+op.OpID+".json", data, false); err != nil {
		t.Fatalf("seed oplog entry: %v", err)
	}
}

func TestPullOplogAppliesNewEntries(t *testing.T) {
	dir := t.TempDir()
	driver := fsbackend.New(filepath.Join(dir, "store"))
	namespace := "clipboard-data/u1"
	m := merger.New(nil)
	p := New(nil, driver, m, namespace, 0)

	ts := time.Unix(1000, 0)
	putOp(t, driver, namespace, &model.Operation{
		OpID: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", OpType: model.OpAdd, TargetID: "x1",
		Timestamp: ts, DeviceID: "dd",
		Payload: &model.ClipboardItem{ID: "x1", ContentType: "text/plain", Content: []byte("v1"), Metadata: model.Metadata{SourceDevice: "dd"}},
	})

	res, err := p.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow: %v", err)
	}
	if res.AppliedOps != 1 {
		t.Fatalf("expected 1 applied op, got %d", res.AppliedOps)
	}
	if m.ItemCount() != 1 {
		t.Fatalf("expected merger to reflect pulled item")
	}
}

func TestPullSkipsAlreadySeenOps(t *testing.T) {
	dir := t.TempDir()
	driver := fsbackend.New(filepath.Join(dir, "store"))
	namespace := "clipboard-data/u1"
	m := merger.New(nil)
	p := New(nil, driver, m, namespace, 0)

	putOp(t, driver, namespace, &model.Operation{
		OpID: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", OpType: model.OpAdd, TargetID: "x1",
		Timestamp: time.Unix(1000, 0), DeviceID: "dd",
		Payload: &model.ClipboardItem{ID: "x1", ContentType: "text/plain", Content: []byte("v1"), Metadata: model.Metadata{SourceDevice: "dd"}},
	})

	if _, err := p.SyncNow(context.Background()); err != nil {
		t.Fatalf("first SyncNow: %v", err)
	}
	res, err := p.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("second SyncNow: %v", err)
	}
	if res.AppliedOps != 0 {
		t.Fatalf("expected 0 newly applied ops on second pull, got %d", res.AppliedOps)
	}
}

func TestCorruptEntryIsQuarantinedNotRetried(t *testing.T) {
	dir := t.TempDir()
	driver := fsbackend.New(filepath.Join(dir, "store"))
	namespace := "clipboard-data/u1"
	m := merger.New(nil)
	p := New(nil, driver, m, namespace, 0)

	if err := driver.Put(context.Background(), namespace+"/oplog/deadbeef.json", []byte("not json"), false); err != nil {
		t.Fatalf("seed corrupt entry: %v", err)
	}

	res, err := p.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow: %v", err)
	}
	if len(res.QuarantinedKeys) != 1 {
		t.Fatalf("expected 1 quarantined key, got %d", len(res.QuarantinedKeys))
	}
	if p.QuarantineCount() != 1 {
		t.Fatalf("expected quarantine count 1, got %d", p.QuarantineCount())
	}

	res2, err := p.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("second SyncNow: %v", err)
	}
	if len(res2.QuarantinedKeys) != 0 {
		t.Fatalf("expected corrupt key not to be retried, got %d newly quarantined", len(res2.QuarantinedKeys))
	}
}

func TestSyncNowCoalescesConcurrentCalls(t *testing.T) {
	dir := t.TempDir()
	driver := fsbackend.New(filepath.Join(dir, "store"))
	namespace := "clipboard-data/u1"
	m := merger.New(nil)
	p := New(nil, driver, m, namespace, 0)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = p.SyncNow(context.Background())
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			t.Fatalf("concurrent SyncNow failed: %v", err)
		}
	}
}
