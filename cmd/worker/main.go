// Package main implements the worker binary: it registers with an
// executor, then serves assigned execution groups in its own sandboxed
// subprocesses until the executor disconnects it or it is signaled to
// stop.
//
// Configuration is environment-derived (see internal/config); there is
// no config file and no flags. Registration retries with backoff, since
// a worker is commonly started before its executor is reachable (e.g.
// as part of a fleet rollout).
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dreamware/taskexec/internal/config"
	"github.com/dreamware/taskexec/internal/logging"
	"github.com/dreamware/taskexec/internal/sandbox"
	"github.com/dreamware/taskexec/internal/store"
	"github.com/dreamware/taskexec/internal/transport"
	"github.com/dreamware/taskexec/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := logging.New("worker", cfg.Debug)
	defer logger.Sync()

	id := getenv("TM_WORKER_ID", uuid.NewString())
	displayName := getenv("TM_WORKER_NAME", id)
	baseDir := getenv("TM_WORKER_BASE_DIR", "./tm-worker")
	executorAddr := mustGetenv(logger, "TM_WORKER_CONNECT_ADDR")

	st, err := store.Open(store.Config{
		BaseDir:        getenv("TM_WORKER_STORE_PATH", "./tm-worker-store"),
		HighWaterBytes: cfg.StoreHighWaterBytes,
		LowWaterBytes:  cfg.StoreLowWaterBytes,
	}, logger)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())

	conn := dialWithRetry(ctx, logger, executorAddr)
	runner := sandbox.HelperRunner{BinPath: cfg.SandboxBin}
	w := worker.New(id, displayName, conn, st, runner, baseDir, logger)

	if err := w.Register(ctx); err != nil {
		log.Fatalf("register with executor: %v", err)
	}
	logger.Infow("registered with executor", "worker_id", id, "executor_addr", executorAddr)

	serveDone := make(chan error, 1)
	go func() { serveDone <- w.Serve(ctx) }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case <-stop:
		logger.Info("shutdown signal received")
	case err := <-serveDone:
		if err != nil {
			logger.Errorw("worker exited", "error", err)
		}
		cancel()
		return
	}

	cancel()
	select {
	case <-serveDone:
	case <-time.After(cfg.ShutdownGrace):
		logger.Warn("worker shutdown grace period elapsed")
	}
	conn.Close()
	logger.Info("worker stopped")
}

// dialWithRetry dials addr, backing off geometrically, until it
// succeeds or ctx is canceled. A worker commonly starts before its
// executor is reachable during a fleet rollout.
func dialWithRetry(ctx context.Context, logger *zap.SugaredLogger, addr string) transport.Conn {
	backoff := 500 * time.Millisecond
	const maxBackoff = 10 * time.Second
	for {
		conn, err := transport.Dial(ctx, addr)
		if err == nil {
			return conn
		}
		logger.Warnw("dial executor failed, retrying", "addr", addr, "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func mustGetenv(logger *zap.SugaredLogger, key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		logger.Fatalw("missing required environment variable", "key", key)
	}
	return v
}
