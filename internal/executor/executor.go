package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/taskexec/internal/cache"
	"github.com/dreamware/taskexec/internal/scheduler"
	"github.com/dreamware/taskexec/internal/store"
	"github.com/dreamware/taskexec/internal/transport"
)

// chunkBytes bounds how much file content one FileChunk/SendFile message
// carries, so a multi-gigabyte output does not force a single
// unbounded-size frame (spec §4.H, frame length is a uint32 but messages
// should still stream).
const chunkBytes = 256 << 10

// Executor owns the store, cache and scheduler for one evaluation
// server and serves the client and worker channels over any
// transport.Listener (spec §4.F).
type Executor struct {
	log    *zap.SugaredLogger
	store  *store.Store
	cache  *cache.Cache
	sched  *scheduler.Scheduler
	health *workerHealthMonitor

	mu      sync.Mutex
	clients map[string]*clientSession
	workers map[string]*workerSession
}

// healthCheckInterval is how often the executor pings each connected
// worker to confirm it is still alive (health.go).
const healthCheckInterval = 10 * time.Second

// New creates an Executor. st and c may be shared with nothing else;
// the executor is their sole owner for the lifetime of the process
// (spec §5, "Shared resources").
func New(st *store.Store, c *cache.Cache, log *zap.SugaredLogger) *Executor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ex := &Executor{
		log:     log,
		store:   st,
		cache:   c,
		clients: map[string]*clientSession{},
		workers: map[string]*workerSession{},
	}
	ex.sched = scheduler.New(c, ex, log)
	ex.health = newWorkerHealthMonitor(healthCheckInterval, ex.disconnectWorker)
	return ex
}

// Run drives the scheduler and serves clientLn/workerLn until ctx is
// canceled or a listener errors.
func (ex *Executor) Run(ctx context.Context, clientLn, workerLn transport.Listener) error {
	go ex.sched.Run(ctx)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return ex.acceptLoop(ctx, clientLn, ex.handleClient) })
	eg.Go(func() error { return ex.acceptLoop(ctx, workerLn, ex.handleWorker) })
	eg.Go(func() error { ex.health.run(ctx, ex.workerSnapshot); return nil })

	<-ctx.Done()
	clientLn.Close()
	workerLn.Close()

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (ex *Executor) acceptLoop(ctx context.Context, ln transport.Listener, handle func(context.Context, transport.Conn)) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return fmt.Errorf("executor: accept: %w", err)
			}
		}
		go handle(ctx, conn)
	}
}

func newClientID() string {
	return uuid.New().String()
}

// workerSnapshot returns the currently connected worker sessions, used
// by the health monitor's periodic sweep (health.go).
func (ex *Executor) workerSnapshot() []*workerSession {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	out := make([]*workerSession, 0, len(ex.workers))
	for _, ws := range ex.workers {
		out = append(out, ws)
	}
	return out
}

// disconnectWorker forcibly closes a worker's connection after the
// health monitor declares it unresponsive. handleWorker's own Recv loop
// observes the resulting error and runs the usual disconnect cleanup
// (NotifyWorkerDisconnected, map removal), so this is the only thing
// the health monitor needs to do.
func (ex *Executor) disconnectWorker(workerID string) {
	ex.mu.Lock()
	ws, ok := ex.workers[workerID]
	ex.mu.Unlock()
	if !ok {
		return
	}
	ex.log.Warnw("worker failed health check, disconnecting", "worker", workerID)
	ws.conn.Close()
}
