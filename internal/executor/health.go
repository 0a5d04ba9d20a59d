package executor

import (
	"context"
	"sync"
	"time"

	"github.com/dreamware/taskexec/internal/transport"
)

// workerHealthMonitor periodically pings every registered worker and
// declares one gone if it stays quiet for too many checks in a row —
// the same "tick, probe, count consecutive failures, fire a callback on
// the transition to unhealthy" shape as the teacher's node health
// monitor, adapted from an HTTP GET against a /health endpoint to a
// TagPing/TagPong round trip plus any other traffic on the connection
// (spec §4.D, "a worker that stops responding is treated as
// disconnected").
//
// A dead TCP connection is usually caught immediately by a failed
// conn.Recv in handleWorker; this monitor exists for the slower case —
// a worker whose process is wedged but whose connection is still
// technically open — which a read loop alone cannot detect.
type workerHealthMonitor struct {
	interval    time.Duration
	staleAfter  time.Duration
	maxFailures int
	onUnhealthy func(workerID string)

	mu       sync.Mutex
	failures map[string]int
}

func newWorkerHealthMonitor(interval time.Duration, onUnhealthy func(workerID string)) *workerHealthMonitor {
	return &workerHealthMonitor{
		interval:    interval,
		staleAfter:  interval,
		maxFailures: 3,
		onUnhealthy: onUnhealthy,
		failures:    map[string]int{},
	}
}

// run pings every worker in provider() once per interval until ctx is
// done. It is meant to be started with `go`.
func (m *workerHealthMonitor) run(ctx context.Context, provider func() []*workerSession) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkAll(provider())
		}
	}
}

func (m *workerHealthMonitor) checkAll(sessions []*workerSession) {
	seen := map[string]bool{}
	for _, ws := range sessions {
		seen[ws.id] = true
		m.check(ws)
	}

	m.mu.Lock()
	for id := range m.failures {
		if !seen[id] {
			delete(m.failures, id)
		}
	}
	m.mu.Unlock()
}

func (m *workerHealthMonitor) check(ws *workerSession) {
	ws.conn.Send(transport.Envelope{Tag: transport.TagPing})

	m.mu.Lock()
	defer m.mu.Unlock()

	if ws.idleFor() <= m.staleAfter {
		delete(m.failures, ws.id)
		return
	}

	m.failures[ws.id]++
	if m.failures[ws.id] >= m.maxFailures {
		delete(m.failures, ws.id)
		if m.onUnhealthy != nil {
			go m.onUnhealthy(ws.id)
		}
	}
}
