package storagefactory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/clipsyncd/clipsyncd/internal/storage/fsbackend"
)

func TestSwappableDelegatesToCurrentDriver(t *testing.T) {
	dir := t.TempDir()
	first := fsbackend.New(filepath.Join(dir, "first"))
	second := fsbackend.New(filepath.Join(dir, "second"))

	s := NewSwappable(first)
	ctx := context.Background()

	if err := s.Put(ctx, "k", []byte("v1"), true); err != nil {
		t.Fatalf("put via first: %v", err)
	}
	if got, err := first.Get(ctx, "k"); err != nil || string(got) != "v1" {
		t.Fatalf("expected first driver to hold v1, got %q err %v", got, err)
	}

	s.Swap(second)

	if err := s.Put(ctx, "k", []byte("v2"), true); err != nil {
		t.Fatalf("put via second: %v", err)
	}
	if got, err := second.Get(ctx, "k"); err != nil || string(got) != "v2" {
		t.Fatalf("expected second driver to hold v2, got %q err %v", got, err)
	}
	if _, err := first.Get(ctx, "k"); err != nil {
		t.Fatalf("expected first driver's key to be untouched after swap: %v", err)
	}
	if got, _ := first.Get(ctx, "k"); string(got) != "v1" {
		t.Fatalf("first driver's value should remain v1, got %q", got)
	}
}

func TestSwappableList(t *testing.T) {
	dir := t.TempDir()
	driver := fsbackend.New(dir)
	s := NewSwappable(driver)
	ctx := context.Background()

	if err := s.Put(ctx, "prefix/a", []byte("1"), true); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, "prefix/b", []byte("2"), true); err != nil {
		t.Fatalf("put: %v", err)
	}

	keys, err := s.List(ctx, "prefix/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d: %v", len(keys), keys)
	}

	if err := s.Delete(ctx, "prefix/a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	keys, err = s.List(ctx, "prefix/")
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("expected 1 key after delete, got %d: %v", len(keys), keys)
	}
}
