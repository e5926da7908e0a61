// Copyright 2026 The tasktime Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package scheduler provides the trigger-driven scheduling engine: a
// fire-time heap, a dispatch loop, worker pools, and automatic retries, all
// persisted so the schedule survives restarts.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tasktime/tasktime/internal/executor"
	"github.com/tasktime/tasktime/internal/log"
	"github.com/tasktime/tasktime/internal/metrics"
	"github.com/tasktime/tasktime/internal/store"
	"github.com/tasktime/tasktime/internal/trigger"
)

// Retry policy for failed executions.
const (
	MaxRetries = 3
	RetryDelay = 30 * time.Second
)

// Default pool sizes.
const (
	DefaultWorkerPoolSize    = 20
	DefaultIsolationPoolSize = 5
)

// idlePark bounds how long the loop sleeps with nothing scheduled.
const idlePark = time.Hour

// Executor runs a task to completion. Satisfied by *executor.Dispatcher.
type Executor interface {
	Execute(ctx context.Context, ref executor.TaskRef) executor.Outcome
}

// Config configures the engine.
type Config struct {
	WorkerPoolSize    int
	IsolationPoolSize int
}

// Engine owns the schedule: entries, their fire times, and dispatch.
type Engine struct {
	store  *store.Store
	exec   Executor
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*Entry
	heap    entryHeap

	pool    *Pool
	isoPool *Pool

	wake   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}

	running bool
	// inflight tracks dispatched tasks across both pools.
	inflight sync.WaitGroup

	now        func() time.Time
	retryDelay time.Duration
}

// New creates an engine. Start must be called before entries fire.
func New(st *store.Store, exec Executor, cfg Config) *Engine {
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = DefaultWorkerPoolSize
	}
	if cfg.IsolationPoolSize <= 0 {
		cfg.IsolationPoolSize = DefaultIsolationPoolSize
	}

	return &Engine{
		store:   st,
		exec:    exec,
		logger:  slog.Default().With(slog.String("component", "scheduler")),
		entries: make(map[string]*Entry),
		pool:    NewPool(cfg.WorkerPoolSize),
		isoPool: NewPool(cfg.IsolationPoolSize),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		now:     time.Now,

		retryDelay: RetryDelay,
	}
}

// Start restores persisted entries and launches the dispatch loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	e.mu.Unlock()

	if err := e.restore(ctx); err != nil {
		return err
	}

	go e.loop(ctx)
	return nil
}

// Stop drains the loop and waits for in-flight tasks.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()

	<-e.doneCh
	e.inflight.Wait()
	e.pool.Close()
	e.isoPool.Close()
}

// restore rebuilds the schedule from the store. Entries keep their persisted
// fire time; late ones fall to the misfire policy on the first wake. Paused
// state survives restarts.
func (e *Engine) restore(ctx context.Context) error {
	records, err := e.store.ListEntries(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore schedule: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	for _, rec := range records {
		entry, err := entryFromRecord(rec)
		if err != nil {
			e.logger.Warn("dropping unreadable schedule entry",
				slog.String(log.EntryIDKey, rec.ID), log.Error(err))
			continue
		}
		if !entry.hasNext {
			if next, ok := entry.Trigger.NextFireTime(now); ok {
				entry.NextFire = next
				entry.hasNext = true
			}
		}
		e.entries[entry.ID] = entry
		if entry.hasNext {
			heap.Push(&e.heap, entry)
		}
	}

	metrics.ScheduledEntries.Set(float64(len(e.entries)))
	e.logger.Info("schedule restored", slog.Int("entries", len(e.entries)))
	return nil
}

// loop is the single dispatch goroutine.
func (e *Engine) loop(ctx context.Context) {
	defer close(e.doneCh)

	for {
		e.mu.Lock()
		wait := idlePark
		if len(e.heap) > 0 {
			wait = e.heap[0].NextFire.Sub(e.now())
		}
		e.mu.Unlock()

		if wait <= 0 {
			e.processDue(ctx)
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			e.processDue(ctx)
		case <-e.wake:
			timer.Stop()
		case <-e.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// signalWake nudges the loop to re-read the heap head.
func (e *Engine) signalWake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// dispatchReq is one planned execution, submitted after the lock is released
// so a full pool cannot deadlock against completion callbacks.
type dispatchReq struct {
	id       string
	ref      executor.TaskRef
	isolated bool
}

// processDue pops every entry whose fire time has arrived, applies the
// dispatch policy, and submits the surviving dispatches.
func (e *Engine) processDue(ctx context.Context) {
	var pending []dispatchReq

	e.mu.Lock()
	now := e.now()
	for len(e.heap) > 0 && !e.heap[0].NextFire.After(now) {
		entry := heap.Pop(&e.heap).(*Entry)
		pending = append(pending, e.fire(ctx, entry, now)...)
	}
	e.mu.Unlock()

	for _, req := range pending {
		e.submit(ctx, req)
	}
}

// fire handles one due entry under the engine lock and returns the dispatches
// that survived the misfire and max_instances checks.
func (e *Engine) fire(ctx context.Context, entry *Entry, now time.Time) []dispatchReq {
	logger := e.logger.With(slog.String(log.EntryIDKey, entry.ID))

	if entry.Paused {
		e.advance(ctx, entry, now)
		return nil
	}

	// Collect the fire instants that have come due. Coalesce folds a
	// backlog into a single dispatch at the most recent instant.
	fires := []time.Time{entry.NextFire}
	probe := entry.NextFire
	for {
		next, ok := entry.Trigger.NextFireTime(probe)
		if !ok || next.After(now) {
			break
		}
		fires = append(fires, next)
		probe = next
	}
	if entry.Coalesce && len(fires) > 1 {
		fires = fires[len(fires)-1:]
	}

	var pending []dispatchReq
	for _, fireTime := range fires {
		if entry.MisfireGrace != nil && now.Sub(fireTime) > *entry.MisfireGrace {
			logger.Warn("misfire: dispatch past grace, skipping",
				slog.Time("scheduled_for", fireTime),
				slog.Duration("late_by", now.Sub(fireTime)))
			metrics.MisfiresTotal.Inc()
			continue
		}
		if entry.running >= entry.MaxInstances {
			logger.Warn("skipping dispatch: max instances reached",
				slog.Int("running", entry.running),
				slog.Int("max_instances", entry.MaxInstances))
			metrics.SkippedMaxInstancesTotal.Inc()
			continue
		}

		entry.running++
		metrics.RunningTasks.Inc()
		e.inflight.Add(1)
		pending = append(pending, dispatchReq{id: entry.ID, ref: entry.Task, isolated: entry.Isolated})
	}

	e.advance(ctx, entry, now)
	return pending
}

// submit hands one planned execution to its pool. Must not hold the lock.
func (e *Engine) submit(ctx context.Context, req dispatchReq) {
	pool := e.pool
	if req.isolated {
		pool = e.isoPool
	}

	pool.Submit(func() {
		defer e.inflight.Done()
		defer metrics.RunningTasks.Dec()

		outcome := e.exec.Execute(ctx, req.ref)
		metrics.ExecutionsTotal.WithLabelValues(outcome.Status).Inc()
		e.completed(ctx, req.id, outcome)
	})
}

// completed runs after every execution: it decrements the running counter and
// drives the retry chain.
func (e *Engine) completed(ctx context.Context, id string, outcome executor.Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.entries[id]
	if !ok {
		return
	}
	if entry.running > 0 {
		entry.running--
	}

	// Retry entries are deleted after their terminal run; other one-shots
	// go once spent (advance leaves in-flight ones for us).
	if entry.Retry != nil {
		e.removeLocked(ctx, entry)
	} else if entry.oneShot() && !entry.hasNext && entry.running == 0 {
		e.removeLocked(ctx, entry)
	}

	if outcome.Status != store.StatusFailed {
		return
	}

	attempt := 1
	originalID := entry.ID
	if entry.Retry != nil {
		attempt = entry.Retry.Attempt + 1
		originalID = entry.Retry.OriginalID
	}
	if attempt > MaxRetries {
		e.logger.Error("giving up after max retries",
			slog.String(log.EntryIDKey, originalID),
			slog.Int("attempts", MaxRetries))
		return
	}

	retryAt := e.now().Add(e.retryDelay)
	retry := &Entry{
		ID:           fmt.Sprintf("%s_retry_%d", originalID, attempt),
		Trigger:      trigger.NewDate(retryAt),
		Task:         entry.Task,
		NextFire:     retryAt,
		hasNext:      true,
		MaxInstances: 1,
		Isolated:     entry.Isolated,
		Retry:        &RetryContext{Attempt: attempt, OriginalID: originalID},
		heapIndex:    -1,
	}
	e.installLocked(ctx, retry)
	metrics.RetriesTotal.Inc()
	e.logger.Info("scheduled retry",
		slog.String(log.EntryIDKey, originalID),
		slog.Int("attempt", attempt),
		slog.Time("at", retryAt))
	e.signalWake()
}

// advance recomputes the entry's next fire from now and re-installs it.
// Spent one-shots are removed entirely. Caller holds the lock.
func (e *Engine) advance(ctx context.Context, entry *Entry, now time.Time) {
	next, ok := entry.Trigger.NextFireTime(now)
	if !ok {
		entry.hasNext = false
		if entry.oneShot() {
			// Removal happens in completed() for retries still running;
			// anything not in flight goes now.
			if entry.running == 0 {
				e.removeLocked(ctx, entry)
			}
			return
		}
		// Keep the row so a pause/resume or trigger edit can revive it.
		e.persist(ctx, entry)
		return
	}

	entry.NextFire = next
	entry.hasNext = true
	if entry.heapIndex == -1 {
		heap.Push(&e.heap, entry)
	} else {
		heap.Fix(&e.heap, entry.heapIndex)
	}
	e.persist(ctx, entry)
}

// persist writes the entry's durable form. Caller holds the lock.
func (e *Engine) persist(ctx context.Context, entry *Entry) {
	rec, err := entry.toRecord()
	if err != nil {
		e.logger.Error("failed to serialize schedule entry",
			slog.String(log.EntryIDKey, entry.ID), log.Error(err))
		return
	}
	if err := e.store.PutEntry(ctx, rec); err != nil {
		e.logger.Error("failed to persist schedule entry",
			slog.String(log.EntryIDKey, entry.ID), log.Error(err))
	}
}

// installLocked adds or replaces an entry. Caller holds the lock.
func (e *Engine) installLocked(ctx context.Context, entry *Entry) {
	if old, ok := e.entries[entry.ID]; ok {
		// Preserve the running counter across replacement so
		// max_instances keeps meaning something mid-flight.
		entry.running = old.running
		if old.heapIndex != -1 {
			heap.Remove(&e.heap, old.heapIndex)
		}
	}
	e.entries[entry.ID] = entry
	if entry.hasNext {
		heap.Push(&e.heap, entry)
	}
	metrics.ScheduledEntries.Set(float64(len(e.entries)))
	e.persist(ctx, entry)
}

// removeLocked removes an entry and its store row. Caller holds the lock.
func (e *Engine) removeLocked(ctx context.Context, entry *Entry) {
	if entry.heapIndex != -1 {
		heap.Remove(&e.heap, entry.heapIndex)
	}
	delete(e.entries, entry.ID)
	metrics.ScheduledEntries.Set(float64(len(e.entries)))
	if err := e.store.DeleteEntry(ctx, entry.ID); err != nil {
		e.logger.Error("failed to delete schedule entry",
			slog.String(log.EntryIDKey, entry.ID), log.Error(err))
	}
}

// AddOrReplace installs an entry, computing its first fire from now. A
// replaced entry keeps its in-flight count but takes the new trigger, task,
// and policy.
func (e *Engine) AddOrReplace(ctx context.Context, entry *Entry) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if entry.MaxInstances <= 0 {
		entry.MaxInstances = 1
	}
	entry.heapIndex = -1
	// Paused entries keep a fire time too; fire() advances them without
	// dispatching.
	if next, ok := entry.Trigger.NextFireTime(e.now()); ok {
		entry.NextFire = next
		entry.hasNext = true
	} else {
		entry.hasNext = false
	}
	e.installLocked(ctx, entry)
	e.signalWake()
}

// Remove uninstalls an entry. Unknown ids are ignored.
func (e *Engine) Remove(ctx context.Context, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if entry, ok := e.entries[id]; ok {
		e.removeLocked(ctx, entry)
		e.signalWake()
	}
}

// Pause stops dispatching an entry without losing its schedule.
func (e *Engine) Pause(ctx context.Context, id string) error {
	return e.setPaused(ctx, id, true)
}

// Resume reactivates a paused entry, recomputing its next fire from now.
func (e *Engine) Resume(ctx context.Context, id string) error {
	return e.setPaused(ctx, id, false)
}

func (e *Engine) setPaused(ctx context.Context, id string, paused bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.entries[id]
	if !ok {
		return fmt.Errorf("schedule entry %s: %w", id, store.ErrNotFound)
	}
	entry.Paused = paused

	if !paused {
		if next, ok := entry.Trigger.NextFireTime(e.now()); ok {
			entry.NextFire = next
			entry.hasNext = true
			if entry.heapIndex == -1 {
				heap.Push(&e.heap, entry)
			} else {
				heap.Fix(&e.heap, entry.heapIndex)
			}
		}
	}
	e.persist(ctx, entry)
	e.signalWake()
	return nil
}

// ModifyNextRun overrides the entry's next fire time.
func (e *Engine) ModifyNextRun(ctx context.Context, id string, at time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.entries[id]
	if !ok {
		return fmt.Errorf("schedule entry %s: %w", id, store.ErrNotFound)
	}
	entry.NextFire = at
	entry.hasNext = true
	if entry.heapIndex == -1 {
		heap.Push(&e.heap, entry)
	} else {
		heap.Fix(&e.heap, entry.heapIndex)
	}
	e.persist(ctx, entry)
	e.signalWake()
	return nil
}

// RunNow fires the entry at the next loop wake, regardless of its schedule.
func (e *Engine) RunNow(ctx context.Context, id string) error {
	return e.ModifyNextRun(ctx, id, e.now())
}

// EntryStatus is a read-only snapshot of one installed entry.
type EntryStatus struct {
	ID           string     `json:"id"`
	Kind         string     `json:"trigger_kind"`
	TaskKind     string     `json:"task_kind"`
	NextRunTime  *time.Time `json:"next_run_time"`
	Paused       bool       `json:"paused"`
	Running      int        `json:"running"`
	MaxInstances int        `json:"max_instances"`
	Retry        bool       `json:"retry,omitempty"`
}

// Snapshot returns the installed entries, sorted by id.
func (e *Engine) Snapshot() []EntryStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]EntryStatus, 0, len(e.entries))
	for _, entry := range e.entries {
		st := EntryStatus{
			ID:           entry.ID,
			Kind:         entry.Trigger.Kind(),
			TaskKind:     entry.Task.Kind,
			Paused:       entry.Paused,
			Running:      entry.running,
			MaxInstances: entry.MaxInstances,
			Retry:        entry.Retry != nil,
		}
		if entry.hasNext {
			next := entry.NextFire
			st.NextRunTime = &next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the status of one entry.
func (e *Engine) Get(id string) (EntryStatus, bool) {
	for _, st := range e.Snapshot() {
		if st.ID == id {
			return st, true
		}
	}
	return EntryStatus{}, false
}

// FingerprintOf returns the installed entry's definition fingerprint.
func (e *Engine) FingerprintOf(id string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if entry, ok := e.entries[id]; ok {
		return entry.Fingerprint, true
	}
	return "", false
}

// SetPausedState flips an installed entry's paused flag without touching its
// schedule. Used by reconciliation when only is_enabled changed.
func (e *Engine) SetPausedState(ctx context.Context, id string, paused bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if entry, ok := e.entries[id]; ok && entry.Paused != paused {
		entry.Paused = paused
		e.persist(ctx, entry)
		e.signalWake()
	}
}

// Has reports whether an entry is installed.
func (e *Engine) Has(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.entries[id]
	return ok
}

// IDs returns installed entry ids, sorted.
func (e *Engine) IDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]string, 0, len(e.entries))
	for id := range e.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsRetryID reports whether an entry id belongs to a retry chain.
func IsRetryID(id string) bool {
	if i := strings.LastIndex(id, "_retry_"); i > 0 {
		rest := id[i+len("_retry_"):]
		if rest == "" {
			return false
		}
		for _, r := range rest {
			if r < '0' || r > '9' {
				return false
			}
		}
		return true
	}
	return false
}
