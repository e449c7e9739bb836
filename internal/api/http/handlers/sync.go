package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clipsyncd/clipsyncd/internal/config"
	"github.com/clipsyncd/clipsyncd/internal/merger"
	"github.com/clipsyncd/clipsyncd/internal/oplog"
	"github.com/clipsyncd/clipsyncd/internal/puller"
	"github.com/clipsyncd/clipsyncd/internal/scheduler"
	"github.com/clipsyncd/clipsyncd/internal/storage"
	"github.com/clipsyncd/clipsyncd/internal/storagefactory"
	"github.com/clipsyncd/clipsyncd/pkg/jsonx"
)

const syncNowTimeout = 30 * time.Second

// Syncer implements the control-surface handlers. It holds the components
// those handlers query or reconfigure, the config file path, and the
// identity-derived namespace probe keys are built under.
type Syncer struct {
	log       *zap.Logger
	sched     *scheduler.Scheduler
	merger    *merger.Merger
	writer    *oplog.Writer
	pull      *puller.Puller
	status    *StatusTracker
	swappable *storagefactory.Swappable
	cfgPath   string
	namespace string
}

// NewSyncer constructs the control-surface handler. namespace is the
// identity-derived key prefix ("clipboard-data/{user_id}") the probe key
// in test_storage_connection is written under.
func NewSyncer(log *zap.Logger, sched *scheduler.Scheduler, m *merger.Merger, writer *oplog.Writer, p *puller.Puller, status *StatusTracker, swappable *storagefactory.Swappable, cfgPath, namespace string) *Syncer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Syncer{
		log:       log.Named("api"),
		sched:     sched,
		merger:    m,
		writer:    writer,
		pull:      p,
		status:    status,
		swappable: swappable,
		cfgPath:   cfgPath,
		namespace: namespace,
	}
}

// SyncNow handles POST /api/sync/now. Status tracking (is_syncing,
// last_pull_at, last_error) happens inside the PullFunc the entrypoint
// wraps around puller.SyncNow, so it covers this call the same way it
// covers the scheduler's own periodic ticks.
func (h *Syncer) SyncNow(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), syncNowTimeout)
	defer cancel()

	err := h.sched.SyncNow(ctx)
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// syncStatusResponse is get_sync_status's wire shape, spec.md §6 plus the
// pending_upload_count / quarantine_count fields SPEC_FULL.md supplements.
type syncStatusResponse struct {
	ItemCount          int        `json:"item_count"`
	IsSyncing          bool       `json:"is_syncing"`
	LastPullAt         *time.Time `json:"last_pull_at,omitempty"`
	LastError          *string    `json:"last_error,omitempty"`
	PendingUploadCount int        `json:"pending_upload_count"`
	QuarantineCount    int        `json:"quarantine_count"`
}

// GetSyncStatus handles GET /api/sync/status.
func (h *Syncer) GetSyncStatus(c *gin.Context) {
	snap := h.status.Snapshot()

	resp := syncStatusResponse{
		ItemCount:          h.merger.ItemCount(),
		IsSyncing:          snap.IsSyncing,
		PendingUploadCount: h.writer.PendingCount(),
		QuarantineCount:    h.pull.QuarantineCount(),
	}
	if !snap.LastPullAt.IsZero() {
		t := snap.LastPullAt
		resp.LastPullAt = &t
	}
	if snap.LastError != "" {
		e := snap.LastError
		resp.LastError = &e
	}
	c.JSON(http.StatusOK, resp)
}

// ConfigureStorage handles PUT /api/config/storage. The body is the full
// configuration schema from spec.md §6; on success it is persisted to disk
// and the live storage driver is hot-swapped (internal/storagefactory's
// Swappable), so no restart is required to pick up a new backend.
func (h *Syncer) ConfigureStorage(c *gin.Context) {
	var cfg config.Config
	if err := jsonx.ParseStrictJSONBody(c.Request, &cfg); err != nil {
		c.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if err := cfg.Validate(); err != nil {
		c.Error(err)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"message": err.Error()})
		return
	}

	driver, err := storagefactory.New(cfg.Backend)
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"message": err.Error()})
		return
	}

	if err := config.Save(h.cfgPath, cfg); err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}

	retried := storage.NewRetryPolicy(driver, h.log, cfg.RetryAttempts, time.Duration(cfg.TimeoutSeconds)*time.Second)
	h.swappable.Swap(retried)
	h.log.Info("storage reconfigured", zap.String("backend_kind", string(cfg.Backend.Kind)))

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// TestStorageConnection handles POST /api/config/storage/test. It never
// mutates the running configuration: it builds a throwaway driver from the
// submitted config and exercises put/get/delete against a probe key under
// "{namespace}/.probe/{uuid}", per SPEC_FULL.md's supplemented probe-key
// semantics. Cleanup is always attempted even if put/get failed.
func (h *Syncer) TestStorageConnection(c *gin.Context) {
	var cfg config.Config
	if err := jsonx.ParseStrictJSONBody(c.Request, &cfg); err != nil {
		c.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if err := cfg.Backend.Validate(); err != nil {
		c.Error(err)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"message": err.Error()})
		return
	}

	driver, err := storagefactory.New(cfg.Backend)
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"message": err.Error()})
		return
	}

	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	probe := storage.NewRetryPolicy(driver, h.log, attempts, timeout)

	ctx := c.Request.Context()
	probeKey := fmt.Sprintf("%s/.probe/%s", h.namespace, uuid.NewString())
	probeBody := []byte("clipsyncd-connection-probe")

	testErr := func() error {
		if err := probe.Put(ctx, probeKey, probeBody, true); err != nil {
			return fmt.Errorf("put: %w", err)
		}
		got, err := probe.Get(ctx, probeKey)
		if err != nil {
			return fmt.Errorf("get: %w", err)
		}
		if string(got) != string(probeBody) {
			return fmt.Errorf("get: roundtrip mismatch")
		}
		return nil
	}()

	if delErr := probe.Delete(ctx, probeKey); delErr != nil {
		h.log.Warn("probe key cleanup failed", zap.String("key", probeKey), zap.Error(delErr))
	}

	if testErr != nil {
		c.Error(testErr)
		c.JSON(http.StatusBadGateway, gin.H{"message": testErr.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
