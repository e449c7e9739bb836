package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/clipsyncd/clipsyncd/internal/config"
	"github.com/clipsyncd/clipsyncd/internal/merger"
	"github.com/clipsyncd/clipsyncd/internal/oplog"
	"github.com/clipsyncd/clipsyncd/internal/puller"
	"github.com/clipsyncd/clipsyncd/internal/scheduler"
	"github.com/clipsyncd/clipsyncd/internal/storage/fsbackend"
	"github.com/clipsyncd/clipsyncd/internal/storagefactory"
)

func newTestSyncer(t *testing.T) (*Syncer, context.CancelFunc) {
	t.Helper()
	dir := t.TempDir()
	driver := fsbackend.New(filepath.Join(dir, "bucket"))
	swappable := storagefactory.NewSwappable(driver)

	m := merger.New(nil)
	writer, err := oplog.New(nil, swappable, m, "dev1", "clipboard-data/u1", filepath.Join(dir, "queue.jsonl"))
	if err != nil {
		t.Fatalf("oplog.New: %v", err)
	}
	p := puller.New(nil, swappable, m, "clipboard-data/u1", 0)
	status := NewStatusTracker()

	sched := scheduler.New(nil, time.Hour, func(ctx context.Context) error {
		status.BeginPull()
		_, err := p.SyncNow(ctx)
		status.EndPull(err)
		return err
	}, func(ctx context.Context) error { return nil }, func(ctx context.Context) {})

	ctx, cancel := context.WithCancel(context.Background())
	go sched.Run(ctx)

	s := NewSyncer(nil, sched, m, writer, p, status, swappable, filepath.Join(dir, "config.json"), "clipboard-data/u1")
	return s, cancel
}

func TestSyncNowReturnsOK(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s, cancel := newTestSyncer(t)
	defer cancel()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/sync/now", nil)

	s.SyncNow(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetSyncStatusReportsCounts(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s, cancel := newTestSyncer(t)
	defer cancel()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/sync/status", nil)

	s.GetSyncStatus(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp syncStatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ItemCount != 0 {
		t.Fatalf("expected item_count 0, got %d", resp.ItemCount)
	}
}

func TestConfigureStorageSwapsDriverAndPersists(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s, cancel := newTestSyncer(t)
	defer cancel()

	newRoot := filepath.Join(t.TempDir(), "new-root")
	cfg := config.Defaults()
	cfg.UserID = "u1"
	cfg.Backend = config.Backend{Kind: config.BackendFileSystem, FileSystem: &config.FileSystemBackend{RootPath: newRoot}}
	body, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPut, "/api/config/storage", bytes.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")

	s.ConfigureStorage(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	ctx := context.Background()
	if err := s.swappable.Put(ctx, "probe", []byte("x"), true); err != nil {
		t.Fatalf("expected swapped driver to accept writes: %v", err)
	}
}

func TestTestStorageConnectionDoesNotMutateRunningDriver(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s, cancel := newTestSyncer(t)
	defer cancel()

	otherRoot := filepath.Join(t.TempDir(), "other-root")
	cfg := config.Defaults()
	cfg.UserID = "u1"
	cfg.Backend = config.Backend{Kind: config.BackendFileSystem, FileSystem: &config.FileSystemBackend{RootPath: otherRoot}}
	body, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/config/storage/test", bytes.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")

	s.TestStorageConnection(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	keys, err := s.swappable.List(context.Background(), "clipboard-data/u1/.probe/")
	if err != nil {
		t.Fatalf("list probe keys: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected no probe key written through the running driver, found %v", keys)
	}
}
