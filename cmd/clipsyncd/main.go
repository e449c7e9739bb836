// Command clipsyncd is the clipboard synchronization engine's entrypoint:
// it wires identity, config, storage, the oplog writer, merger, puller,
// compactor, scheduler, the local-store bridge, and the control surface
// together, then serves the control surface over HTTP until signalled to
// stop. Wiring order and the zap setup follow cmd/zmux-server/main.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	apihttp "github.com/clipsyncd/clipsyncd/internal/api/http"
	"github.com/clipsyncd/clipsyncd/internal/api/http/handlers"
	"github.com/clipsyncd/clipsyncd/internal/compactor"
	"github.com/clipsyncd/clipsyncd/internal/config"
	"github.com/clipsyncd/clipsyncd/internal/identity"
	"github.com/clipsyncd/clipsyncd/internal/localstore"
	"github.com/clipsyncd/clipsyncd/internal/merger"
	"github.com/clipsyncd/clipsyncd/internal/oplog"
	"github.com/clipsyncd/clipsyncd/internal/puller"
	"github.com/clipsyncd/clipsyncd/internal/scheduler"
	"github.com/clipsyncd/clipsyncd/internal/storage"
	"github.com/clipsyncd/clipsyncd/internal/storagefactory"
)

func main() {
	cfgPath := flag.String("config", "./clipsyncd.config.json", "path to the engine's configuration file")
	addr := flag.String("addr", "127.0.0.1:8090", "control surface listen address")
	flag.Parse()

	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	log := zap.Must(logConfig.Build())
	defer log.Sync()
	log = log.Named("main")

	cfg, err := loadOrInitConfig(*cfgPath)
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}

	id, err := identity.Load(cfg.DeviceIDPath, cfg.UserID)
	if err != nil {
		log.Fatal("resolve identity", zap.Error(err))
	}
	log.Info("identity resolved", zap.String("device_id", id.DeviceID), zap.String("user_id", id.UserID))

	rawDriver, err := storagefactory.New(cfg.Backend)
	if err != nil {
		log.Fatal("build storage backend", zap.Error(err))
	}
	retried := storage.NewRetryPolicy(rawDriver, log, cfg.RetryAttempts, time.Duration(cfg.TimeoutSeconds)*time.Second)
	swappable := storagefactory.NewSwappable(retried)

	m := merger.New(log)

	queuePath := "./clipsyncd.oplog_queue.jsonl"
	writer, err := oplog.New(log, swappable, m, id.DeviceID, id.Namespace(), queuePath)
	if err != nil {
		log.Fatal("construct oplog writer", zap.Error(err))
	}

	p := puller.New(log, swappable, m, id.Namespace(), cfg.QuarantineCapacity)
	comp := compactor.New(log, swappable, m, id.Namespace(), id.DeviceID)

	status := handlers.NewStatusTracker()

	pullFunc := func(ctx context.Context) error {
		status.BeginPull()
		res, err := p.SyncNow(ctx)
		status.EndPull(err)
		if err == nil {
			log.Debug("pull complete", zap.Int("applied_ops", res.AppliedOps), zap.Bool("snapshot_applied", res.SnapshotApplied))
		}
		return err
	}
	compactFunc := func(ctx context.Context) error {
		keys, err := swappable.List(ctx, id.Namespace()+"/oplog/")
		if err != nil {
			return fmt.Errorf("compact check: list oplog: %w", err)
		}
		if !compactor.ShouldCompact(len(keys), cfg.CompactThreshold, lastCompactAckTime) {
			return nil
		}
		if err := comp.Run(ctx); err != nil {
			return err
		}
		lastCompactAckTime = time.Now()
		return nil
	}
	drainFunc := func(ctx context.Context) { writer.Drain(ctx) }

	sched := scheduler.New(log, time.Duration(cfg.SyncIntervalSeconds)*time.Second, pullFunc, compactFunc, drainFunc)
	sched.SetSyncErrorHandler(func(kind, detail string) {
		status.RecordSyncError(fmt.Sprintf("%s: %s", kind, detail))
		log.Warn("sync-error", zap.String("kind", kind), zap.String("detail", detail))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := newRedisClient(log)
	defer rdb.Close()

	store, err := localstore.New(ctx, log, rdb, m, fmt.Sprintf("clipboard-data:%s:items:", id.UserID))
	if err != nil {
		log.Fatal("construct local store bridge", zap.Error(err))
	}
	defer store.Close()
	m.LoadExisting(store.GetList())
	store.Subscribe(func(ch merger.Change) {
		switch ch.Kind {
		case merger.ChangeItemAdded, merger.ChangeItemReplaced:
			log.Info("clipboard-update", zap.String("id", ch.ID))
		case merger.ChangeItemRemoved:
			log.Info("clipboard-delete", zap.String("id", ch.ID))
		}
	})

	syncer := handlers.NewSyncer(log, sched, m, writer, p, status, swappable, *cfgPath, id.Namespace())
	router := apihttp.NewRouter(log, syncer)

	watcher := config.NewWatcher(log, *cfgPath, func(newCfg config.Config) {
		driver, err := storagefactory.New(newCfg.Backend)
		if err != nil {
			log.Warn("reloaded config: rebuild backend failed", zap.Error(err))
			return
		}
		swappable.Swap(storage.NewRetryPolicy(driver, log, newCfg.RetryAttempts, time.Duration(newCfg.TimeoutSeconds)*time.Second))
		log.Info("storage backend reloaded from config file change")
	})
	go watcher.Run(ctx)
	schedDone := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(schedDone)
	}()
	go writer.Run(ctx)

	httpServer := &http.Server{
		Addr:           *addr,
		Handler:        router,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 15,
		ErrorLog:       zap.NewStdLog(log.Named("http").WithOptions(zap.AddCallerSkip(1))),
	}

	go func() {
		log.Info("control surface listening", zap.String("addr", *addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("control surface failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown", zap.Error(err))
	}

	cancel() // stops scheduler.Run, which flushes the upload queue itself
	<-schedDone
	log.Info("shutdown complete")
}

// lastCompactAckTime is a process-lifetime placeholder for "time of the
// last snapshot this device acknowledged" (spec.md §4.6's 24h trigger).
// It resets to process start on every restart, so a restart can only
// postpone the 24h trigger, never bring it forward; the oplog-count
// threshold trigger is unaffected by it.
var lastCompactAckTime = time.Now()

func loadOrInitConfig(path string) (config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Config{}, fmt.Errorf("config file %q not found; create one with backend/user_id before starting clipsyncd", path)
	}
	return config.Load(path)
}

func newRedisClient(log *zap.Logger) *redis.Client {
	addr := os.Getenv("CLIPSYNCD_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Named("redis").Warn("connection failed", zap.String("addr", addr), zap.Error(err))
	} else {
		log.Named("redis").Info("connection established", zap.String("addr", addr))
	}
	return rdb
}
