package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/clipsyncd/clipsyncd/internal/api/http/handlers"
	"github.com/clipsyncd/clipsyncd/internal/merger"
	"github.com/clipsyncd/clipsyncd/internal/oplog"
	"github.com/clipsyncd/clipsyncd/internal/puller"
	"github.com/clipsyncd/clipsyncd/internal/scheduler"
	"github.com/clipsyncd/clipsyncd/internal/storage/fsbackend"
	"github.com/clipsyncd/clipsyncd/internal/storagefactory"
	"go.uber.org/zap"
)

func TestRouterPing(t *testing.T) {
	dir := t.TempDir()
	driver := fsbackend.New(filepath.Join(dir, "bucket"))
	swappable := storagefactory.NewSwappable(driver)
	m := merger.New(nil)
	writer, err := oplog.New(nil, swappable, m, "dev1", "clipboard-data/u1", filepath.Join(dir, "queue.jsonl"))
	if err != nil {
		t.Fatalf("oplog.New: %v", err)
	}
	p := puller.New(nil, swappable, m, "clipboard-data/u1", 0)
	status := handlers.NewStatusTracker()
	sched := scheduler.New(nil, time.Hour,
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) {},
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	syncer := handlers.NewSyncer(zap.NewNop(), sched, m, writer, p, status, swappable, filepath.Join(dir, "config.json"), "clipboard-data/u1")
	router := NewRouter(zap.NewNop(), syncer)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/ping", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRouterSyncStatusEndToEnd(t *testing.T) {
	dir := t.TempDir()
	driver := fsbackend.New(filepath.Join(dir, "bucket"))
	swappable := storagefactory.NewSwappable(driver)
	m := merger.New(nil)
	writer, err := oplog.New(nil, swappable, m, "dev1", "clipboard-data/u1", filepath.Join(dir, "queue.jsonl"))
	if err != nil {
		t.Fatalf("oplog.New: %v", err)
	}
	p := puller.New(nil, swappable, m, "clipboard-data/u1", 0)
	status := handlers.NewStatusTracker()
	sched := scheduler.New(nil, time.Hour,
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) {},
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	syncer := handlers.NewSyncer(zap.NewNop(), sched, m, writer, p, status, swappable, filepath.Join(dir, "config.json"), "clipboard-data/u1")
	router := NewRouter(zap.NewNop(), syncer)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/sync/status", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}
