// Package main implements the executor binary: the server half of this
// module's client/worker protocol. It owns the file store, the
// execution cache, and the scheduler, and listens on two addresses —
// one for clients submitting DAGs, one for workers pulling work.
//
// Configuration is environment-derived (see internal/config); there is
// no config file and no flags.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dreamware/taskexec/internal/cache"
	"github.com/dreamware/taskexec/internal/config"
	"github.com/dreamware/taskexec/internal/executor"
	"github.com/dreamware/taskexec/internal/logging"
	"github.com/dreamware/taskexec/internal/store"
	"github.com/dreamware/taskexec/internal/transport"
)

func main() {
	cfg := config.Load()
	logger := logging.New("executor", cfg.Debug)
	defer logger.Sync()

	st, err := store.Open(store.Config{
		BaseDir:        cfg.StorePath,
		HighWaterBytes: cfg.StoreHighWaterBytes,
		LowWaterBytes:  cfg.StoreLowWaterBytes,
	}, logger)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	c, err := cache.Load(cfg.CachePath, logger)
	if err != nil {
		log.Fatalf("open cache: %v", err)
	}
	defer c.Flush()

	clientLn, err := transport.Listen(cfg.ClientAddr)
	if err != nil {
		log.Fatalf("listen client addr: %v", err)
	}
	workerLn, err := transport.Listen(cfg.WorkerAddr)
	if err != nil {
		log.Fatalf("listen worker addr: %v", err)
	}

	ex := executor.New(st, c, logger)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() {
		logger.Infow("executor listening", "client_addr", cfg.ClientAddr, "worker_addr", cfg.WorkerAddr)
		runDone <- ex.Run(ctx, clientLn, workerLn)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case <-stop:
		logger.Info("shutdown signal received")
	case err := <-runDone:
		if err != nil {
			logger.Errorw("executor exited", "error", err)
		}
		return
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(cfg.ShutdownGrace):
		logger.Warn("executor shutdown grace period elapsed")
	}
	logger.Info("executor stopped")
}
