// Package handlers implements the control surface gin handlers for the
// sync engine: sync_now, get_sync_status, configure_storage, and
// test_storage_connection (spec.md §6).
package handlers

import (
	"sync"
	"time"
)

// StatusTracker holds the mutable state get_sync_status reports, updated
// by the pull wrapper the entrypoint installs on the scheduler and by the
// scheduler's sync-error callback. Guarded by one RWMutex, the same shape
// the merger uses for its authoritative state.
type StatusTracker struct {
	mu         sync.RWMutex
	isSyncing  bool
	lastPullAt time.Time
	lastError  string
}

// NewStatusTracker constructs an empty tracker.
func NewStatusTracker() *StatusTracker {
	return &StatusTracker{}
}

// BeginPull marks a pull as in flight.
func (t *StatusTracker) BeginPull() {
	t.mu.Lock()
	t.isSyncing = true
	t.mu.Unlock()
}

// EndPull marks the in-flight pull complete, recording its completion time
// and, on failure, the error text surfaced via get_sync_status's
// last_error field (spec.md §7: Network/Timeout are reflected only there,
// never pushed to the UI directly).
func (t *StatusTracker) EndPull(err error) {
	t.mu.Lock()
	t.isSyncing = false
	t.lastPullAt = time.Now().UTC()
	if err != nil {
		t.lastError = err.Error()
	} else {
		t.lastError = ""
	}
	t.mu.Unlock()
}

// RecordSyncError overwrites last_error without touching last_pull_at or
// is_syncing, used for errors surfaced outside the pull path (e.g. a
// failed compact check).
func (t *StatusTracker) RecordSyncError(detail string) {
	t.mu.Lock()
	t.lastError = detail
	t.mu.Unlock()
}

// Snapshot is a value copy of the tracker's current fields.
type Snapshot struct {
	IsSyncing  bool
	LastPullAt time.Time
	LastError  string
}

func (t *StatusTracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{IsSyncing: t.isSyncing, LastPullAt: t.lastPullAt, LastError: t.lastError}
}
