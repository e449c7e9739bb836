package oplog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/clipsyncd/clipsyncd/internal/merger"
	"github.com/clipsyncd/clipsyncd/internal/model"
	"github.com/clipsyncd/clipsyncd/internal/storage/fsbackend"
)

// fakeSource emits a fixed slice of Events on Watch, then closes its
// channel, simulating an OS-level clipboard watcher with a finite history.
type fakeSource struct {
	events []Event
}

func (f fakeSource) Watch(ctx context.Context) <-chan Event {
	ch := make(chan Event, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch
}

func TestRunSourceAppliesAddAndDeleteEvents(t *testing.T) {
	dir := t.TempDir()
	driver := fsbackend.New(filepath.Join(dir, "store"))
	m := merger.New(nil)

	w, err := New(nil, driver, m, "dd", "clipboard-data/u1", filepath.Join(dir, "queue.jsonl"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	src := fakeSource{events: []Event{
		{Item: &model.ClipboardItem{ID: "x1", ContentType: "text/plain", Content: []byte("v1")}},
		{Item: &model.ClipboardItem{ID: "x2", ContentType: "text/plain", Content: []byte("v2")}},
		{DeleteID: "x1"},
	}}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	w.RunSource(ctx, src)

	if m.ItemCount() != 1 {
		t.Fatalf("expected 1 surviving item after add/add/delete, got %d", m.ItemCount())
	}
	if _, ok := func() (model.ClipboardItem, bool) {
		for _, it := range m.Items() {
			if it.ID == "x2" {
				return it, true
			}
		}
		return model.ClipboardItem{}, false
	}(); !ok {
		t.Fatal("expected x2 to survive")
	}
	if w.PendingCount() != 3 {
		t.Fatalf("expected all 3 applied operations still queued for upload, got %d", w.PendingCount())
	}
}
