package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSyncNowTriggersImmediatePull(t *testing.T) {
	var pullCount int32
	s := New(nil, time.Hour, func(ctx context.Context) error {
		atomic.AddInt32(&pullCount, 1)
		return nil
	}, func(ctx context.Context) error {
		return nil
	}, func(ctx context.Context) {})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	callCtx, callCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer callCancel()
	if err := s.SyncNow(callCtx); err != nil {
		t.Fatalf("SyncNow: %v", err)
	}
	if atomic.LoadInt32(&pullCount) != 1 {
		t.Fatalf("expected exactly 1 pull, got %d", pullCount)
	}
}

func TestPeriodicPullFires(t *testing.T) {
	var pullCount int32
	s := New(nil, 50*time.Millisecond, func(ctx context.Context) error {
		atomic.AddInt32(&pullCount, 1)
		return nil
	}, func(ctx context.Context) error {
		return nil
	}, func(ctx context.Context) {})

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	time.Sleep(250 * time.Millisecond)
	cancel()

	if atomic.LoadInt32(&pullCount) < 2 {
		t.Fatalf("expected at least 2 periodic pulls in 250ms at 50ms interval, got %d", pullCount)
	}
}

func TestNotifyUploadPendingTriggersDrain(t *testing.T) {
	drained := make(chan struct{}, 1)
	s := New(nil, time.Hour, func(ctx context.Context) error { return nil }, func(ctx context.Context) error { return nil },
		func(ctx context.Context) {
			select {
			case drained <- struct{}{}:
			default:
			}
		})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.NotifyUploadPending()

	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("expected upload drain to run after NotifyUploadPending")
	}
}
