package scheduler

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dreamware/taskexec/internal/cache"
	"github.com/dreamware/taskexec/internal/dag"
	"github.com/dreamware/taskexec/internal/store"
)

// Effects is how the scheduler's single owning goroutine drives the
// outside world: sending work to a worker, cancelling a group on a
// worker, or pushing an event to a client. Implementations must not block on
// anything that could, in turn, wait on the scheduler (spec §5,
// "must never hold locks across channel I/O").
type Effects interface {
	// Dispatch sends group to workerID, resolving each dependency to its
	// current store key.
	Dispatch(workerID string, group *dag.ExecutionGroup, inputs cache.InputHashes)
	// CancelOnWorker tells workerID to terminate the given group.
	CancelOnWorker(workerID string, groupID uuid.UUID)
	// Emit delivers an event to the client that submitted the event's group.
	Emit(clientID string, ev dag.Event)
}

// command is the sum type accepted by Run; external goroutines only
// ever produce one through the Scheduler's exported Submit*/Notify*
// methods, which send it on the Scheduler's cmds channel.
type command struct {
	kind commandKind

	clientID string
	d        *dag.DAG

	workerID string

	groupID uuid.UUID
	results map[uuid.UUID]dag.ExecutionResult // per-execution, set on completion
	failed  bool
	failMsg string
}

type commandKind int

const (
	cmdSubmitDAG commandKind = iota
	cmdWorkerRegistered
	cmdWorkerIdle
	cmdWorkerDisconnected
	cmdGroupCompleted
	cmdCancelClient
)

// Scheduler owns every piece of mutable dispatch state described in
// spec §4.E. All fields below cmds are touched only from inside
// Run's loop.
type Scheduler struct {
	log     *zap.SugaredLogger
	cache   *cache.Cache
	effects Effects

	cmds chan command

	groups     map[uuid.UUID]*trackedGroup
	ready      *readyQueue
	workers    map[string]*workerInfo
	files      map[uuid.UUID]*fileRecord
	dependents map[uuid.UUID][]uuid.UUID // file handle id -> group ids waiting on it
	nextSeq    int
}

// New creates a Scheduler. Run must be called (typically in its own
// goroutine) before any command sent through the Submit*/Notify*
// methods is processed.
func New(c *cache.Cache, effects Effects, log *zap.SugaredLogger) *Scheduler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Scheduler{
		log:        log,
		cache:      c,
		effects:    effects,
		cmds:       make(chan command, 256),
		groups:     map[uuid.UUID]*trackedGroup{},
		ready:      newReadyQueue(),
		workers:    map[string]*workerInfo{},
		files:      map[uuid.UUID]*fileRecord{},
		dependents: map[uuid.UUID][]uuid.UUID{},
	}
}

// Run processes commands until ctx is canceled. It is the scheduler's
// one owning goroutine (spec §5).
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-s.cmds:
			s.handle(c)
		}
	}
}

func (s *Scheduler) handle(c command) {
	switch c.kind {
	case cmdSubmitDAG:
		s.submitDAG(c.clientID, c.d)
	case cmdWorkerRegistered:
		s.workers[c.workerID] = &workerInfo{id: c.workerID, status: WorkerIdle}
		s.dispatchIfPossible()
	case cmdWorkerIdle:
		if w, ok := s.workers[c.workerID]; ok {
			w.status = WorkerIdle
			w.group = uuid.Nil
		}
		s.dispatchIfPossible()
	case cmdWorkerDisconnected:
		s.workerDisconnected(c.workerID)
	case cmdGroupCompleted:
		if c.failed {
			s.groupFailed(c.groupID, c.failMsg)
		} else {
			s.groupCompleted(c.groupID, c.results)
		}
		s.dispatchIfPossible()
	case cmdCancelClient:
		s.cancelClient(c.clientID)
	}
}

// SubmitDAG enqueues a whole DAG submitted by clientID. It is safe to
// call from any goroutine.
func (s *Scheduler) SubmitDAG(clientID string, d *dag.DAG) {
	s.cmds <- command{kind: cmdSubmitDAG, clientID: clientID, d: d}
}

// NotifyWorkerRegistered marks workerID as present and idle.
func (s *Scheduler) NotifyWorkerRegistered(workerID string) {
	s.cmds <- command{kind: cmdWorkerRegistered, workerID: workerID}
}

// NotifyWorkerIdle marks workerID as free to receive more work.
func (s *Scheduler) NotifyWorkerIdle(workerID string) {
	s.cmds <- command{kind: cmdWorkerIdle, workerID: workerID}
}

// NotifyWorkerDisconnected returns workerID's in-flight group, if any,
// to the ready queue (spec §4.E).
func (s *Scheduler) NotifyWorkerDisconnected(workerID string) {
	s.cmds <- command{kind: cmdWorkerDisconnected, workerID: workerID}
}

// NotifyGroupSucceeded reports a successful group result keyed by
// execution id.
func (s *Scheduler) NotifyGroupSucceeded(groupID uuid.UUID, results map[uuid.UUID]dag.ExecutionResult) {
	s.cmds <- command{kind: cmdGroupCompleted, groupID: groupID, results: results}
}

// NotifyGroupFailed reports that groupID failed (or the worker running
// it died) with msg as the human-readable cause.
func (s *Scheduler) NotifyGroupFailed(groupID uuid.UUID, msg string) {
	s.cmds <- command{kind: cmdGroupCompleted, groupID: groupID, failed: true, failMsg: msg}
}

// CancelClient marks every not-yet-dispatched group submitted by
// clientID as skipped, and asks workers running its in-flight groups to
// cancel (spec §5, "Cancellation").
func (s *Scheduler) CancelClient(clientID string) {
	s.cmds <- command{kind: cmdCancelClient, clientID: clientID}
}

func (s *Scheduler) submitDAG(clientID string, d *dag.DAG) {
	for id, pf := range d.Provided {
		s.files[id] = &fileRecord{status: fileAvailable, key: store.HashBytes(pf.Content)}
	}

groupLoop:
	for _, g := range d.Groups {
		tg := &trackedGroup{
			group:    g,
			clientID: clientID,
			status:   groupPending,
			unmet:    map[uuid.UUID]struct{}{},
			priority: g.Priority(),
			seq:      s.nextSeq,
		}
		s.nextSeq++
		s.groups[g.ID] = tg

		for _, h := range g.Dependencies() {
			rec, ok := s.files[h.ID]
			if !ok {
				rec = &fileRecord{status: filePending}
				s.files[h.ID] = rec
			}
			switch rec.status {
			case fileAvailable:
				continue
			case fileFailed:
				s.skipGroup(tg, "dependency failed")
				continue groupLoop
			default:
				tg.unmet[h.ID] = struct{}{}
				s.dependents[h.ID] = append(s.dependents[h.ID], g.ID)
			}
		}

		if len(tg.unmet) == 0 {
			s.tryCacheOrReady(tg)
		}
	}
}

// tryCacheOrReady checks the cache for tg before making it eligible for
// dispatch (spec §4.E, "DAG submitted: ... check the cache first").
func (s *Scheduler) tryCacheOrReady(tg *trackedGroup) {
	inputs := s.resolveInputs(tg.group)
	key := cache.Key{
		Data:    cache.ComputeDataHash(tg.group, inputs),
		Variant: cache.ComputeVariantHash(tg.group),
	}

	if s.cache != nil {
		if entry, ok := s.cache.Lookup(key, func(string) bool { return true }); ok {
			s.completeFromCache(tg, entry)
			return
		}
	}

	tg.status = groupReady
	s.ready.push(readyItem{groupID: tg.group.ID, priority: tg.priority, seq: tg.seq})
}

func (s *Scheduler) resolveInputs(g *dag.ExecutionGroup) cache.InputHashes {
	out := cache.InputHashes{}
	for _, h := range g.Dependencies() {
		if rec, ok := s.files[h.ID]; ok && rec.status == fileAvailable {
			out[h.ID.String()] = rec.key
		}
	}
	return out
}

func (s *Scheduler) completeFromCache(tg *trackedGroup, entry cache.Entry) {
	tg.status = groupDone
	for path, hexKey := range entry.Outputs {
		key, err := store.ParseKey(hexKey)
		if err != nil {
			continue
		}
		s.resolveOutputHandle(tg.group, path, key)
	}

	for _, e := range tg.group.Executions {
		result := entry.Result
		result.WasCached = true
		s.effects.Emit(tg.clientID, dag.Event{ExecutionID: e.ID, GroupID: tg.group.ID, Kind: dag.EventGroupCached, Result: &result})
	}
	s.onGroupResolved(tg)
}

func (s *Scheduler) resolveOutputHandle(g *dag.ExecutionGroup, path string, key store.Key) {
	for _, e := range g.Executions {
		var handle *dag.FileHandle
		switch {
		case path == "stdout" && e.CaptureStdout:
			handle = &e.StdoutHandle
		case path == "stderr" && e.CaptureStderr:
			handle = &e.StderrHandle
		default:
			if h, ok := e.OutputHandles[path]; ok {
				handle = &h
			}
		}
		if handle != nil {
			s.markFileAvailable(handle.ID, key)
			return
		}
	}
}

func (s *Scheduler) markFileAvailable(id uuid.UUID, key store.Key) {
	s.files[id] = &fileRecord{status: fileAvailable, key: key}
	s.resolveDependents(id, true)
}

func (s *Scheduler) markFileFailed(id uuid.UUID) {
	if rec, ok := s.files[id]; ok && rec.status == fileAvailable {
		return
	}
	s.files[id] = &fileRecord{status: fileFailed}
	s.resolveDependents(id, false)
}

// resolveDependents recomputes readiness for every group waiting on
// handle id, in constant time per dependent via the back-pointer list
// built at submission (spec §4.E).
func (s *Scheduler) resolveDependents(id uuid.UUID, available bool) {
	for _, groupID := range s.dependents[id] {
		tg, ok := s.groups[groupID]
		if !ok || tg.status != groupPending {
			continue
		}
		if !available {
			s.skipGroup(tg, "dependency failed")
			continue
		}
		delete(tg.unmet, id)
		if len(tg.unmet) == 0 {
			s.tryCacheOrReady(tg)
		}
	}
	delete(s.dependents, id)
}

func (s *Scheduler) skipGroup(tg *trackedGroup, reason string) {
	if tg.status == groupSkipped || tg.status == groupDone {
		return
	}
	tg.status = groupSkipped
	for _, e := range tg.group.Executions {
		s.effects.Emit(tg.clientID, dag.Event{ExecutionID: e.ID, GroupID: tg.group.ID, Kind: dag.EventSkipped})
	}
	for _, h := range tg.group.ProducedHandles() {
		if _, ok := s.files[h.ID]; !ok {
			s.files[h.ID] = &fileRecord{status: fileFailed}
		}
	}
	s.onGroupResolved(tg)
	s.log.Debugw("group skipped", "group", tg.group.ID, "reason", reason)
}

// onGroupResolved propagates a terminal (done/skipped/failed) group's
// produced handles onward to its dependents.
func (s *Scheduler) onGroupResolved(tg *trackedGroup) {
	for _, h := range tg.group.ProducedHandles() {
		rec := s.files[h.ID]
		if rec == nil {
			continue
		}
		if rec.status == fileAvailable {
			s.resolveDependents(h.ID, true)
		} else if rec.status == fileFailed {
			s.resolveDependents(h.ID, false)
		}
	}
}

// dispatchIfPossible pops ready groups while there is an idle,
// non-exclusive-conflicting worker available for them (spec §4.E,
// "worker idle and ready queue non-empty").
func (s *Scheduler) dispatchIfPossible() {
	for {
		w := s.pickIdleWorker()
		if w == nil {
			return
		}
		item, ok := s.ready.popBest()
		if !ok {
			return
		}
		tg, ok := s.groups[item.groupID]
		if !ok || tg.status != groupReady {
			continue
		}

		tg.status = groupDispatched
		tg.worker = w.id
		w.status = WorkerBusy
		w.group = tg.group.ID

		for _, e := range tg.group.Executions {
			s.effects.Emit(tg.clientID, dag.Event{ExecutionID: e.ID, GroupID: tg.group.ID, Kind: dag.EventStarted})
		}
		s.effects.Dispatch(w.id, tg.group, s.resolveInputs(tg.group))
	}
}

func (s *Scheduler) pickIdleWorker() *workerInfo {
	for _, w := range s.workers {
		if w.status == WorkerIdle {
			return w
		}
	}
	return nil
}

// groupCompleted handles a GroupResult the worker actually ran and
// reported on (as opposed to an infra-level failure, see groupFailed
// below). Every execution's real result — return code, signal, killed-
// by-limit, resource usage — is emitted as-is; a non-zero exit is a
// normal Done event, not a sandbox-internal error (spec §4.B invariant
// 2's "success, non-zero return code, terminating signal ... sandbox-
// internal error" are distinct statuses, and spec §8 S2 expects
// `Done(ReturnCode 1)` for a failing `/bin/false`, never an internal
// error). Outputs become available only when every execution of the
// group succeeded, and then only those an execution actually produced;
// every other handle the group produces is marked unavailable so
// dependents that consume it are skipped instead of hanging (spec §4.E
// "Group failed or skipped: mark its output handles as unavailable").
func (s *Scheduler) groupCompleted(groupID uuid.UUID, results map[uuid.UUID]dag.ExecutionResult) {
	tg, ok := s.groups[groupID]
	if !ok {
		return
	}

	tg.status = groupDone
	outputs := map[string]string{}
	allSucceeded := true
	for _, e := range tg.group.Executions {
		if !results[e.ID].Succeeded() {
			allSucceeded = false
		}
	}
	for _, e := range tg.group.Executions {
		result := results[e.ID]
		if allSucceeded {
			for path, hexKey := range result.Outputs {
				key, err := store.ParseKey(hexKey)
				if err != nil {
					continue
				}
				s.resolveOutputHandle(tg.group, path, key)
				outputs[path] = hexKey
			}
		}
		s.effects.Emit(tg.clientID, dag.Event{ExecutionID: e.ID, GroupID: groupID, Kind: dag.EventDone, Result: &result})
	}

	// markFileFailed no-ops on a handle resolveOutputHandle already
	// marked available above, so this only closes out handles nothing
	// produced and, when a member failed, every handle of the group.
	for _, h := range tg.group.ProducedHandles() {
		s.markFileFailed(h.ID)
	}

	if s.cache != nil && allSucceeded && len(results) > 0 {
		inputs := s.resolveInputs(tg.group)
		key := cache.Key{Data: cache.ComputeDataHash(tg.group, inputs), Variant: cache.ComputeVariantHash(tg.group)}
		var any dag.ExecutionResult
		for _, r := range results {
			any = r
			break
		}
		s.cache.Insert(key, cache.Entry{Result: any, Outputs: outputs})
	}

	s.onGroupResolved(tg)
}

func (s *Scheduler) groupFailed(groupID uuid.UUID, msg string) {
	tg, ok := s.groups[groupID]
	if !ok {
		return
	}
	tg.status = groupFailed
	for _, e := range tg.group.Executions {
		result := dag.ExecutionResult{Status: dag.StatusInternalError, ErrorMessage: msg}
		s.effects.Emit(tg.clientID, dag.Event{ExecutionID: e.ID, GroupID: groupID, Kind: dag.EventDone, Result: &result})
	}
	for _, h := range tg.group.ProducedHandles() {
		s.markFileFailed(h.ID)
	}
	s.onGroupResolved(tg)
}

func (s *Scheduler) workerDisconnected(workerID string) {
	w, ok := s.workers[workerID]
	if !ok {
		return
	}
	w.status = WorkerDisconnected

	if w.group != uuid.Nil {
		if tg, ok := s.groups[w.group]; ok && tg.status == groupDispatched {
			tg.status = groupReady
			tg.worker = ""
			s.ready.push(readyItem{groupID: tg.group.ID, priority: tg.priority, seq: tg.seq})
		}
	}
	delete(s.workers, workerID)
}

func (s *Scheduler) cancelClient(clientID string) {
	for _, tg := range s.groups {
		if tg.clientID != clientID {
			continue
		}
		switch tg.status {
		case groupPending, groupReady:
			s.skipGroup(tg, "canceled by client")
		case groupDispatched:
			s.effects.CancelOnWorker(tg.worker, tg.group.ID)
		}
	}
}
