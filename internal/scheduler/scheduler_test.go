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

package scheduler

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasktime/tasktime/internal/executor"
	"github.com/tasktime/tasktime/internal/store"
	"github.com/tasktime/tasktime/internal/trigger"
)

// fakeExecutor records executions and returns scripted statuses.
type fakeExecutor struct {
	mu       sync.Mutex
	calls    []executor.TaskRef
	statuses []string
	notify   chan string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{notify: make(chan string, 64)}
}

func (f *fakeExecutor) Execute(ctx context.Context, ref executor.TaskRef) executor.Outcome {
	f.mu.Lock()
	f.calls = append(f.calls, ref)
	status := store.StatusCompleted
	if len(f.statuses) > 0 {
		status = f.statuses[0]
		f.statuses = f.statuses[1:]
	}
	f.mu.Unlock()

	f.notify <- ref.JobID
	code := 0
	if status == store.StatusFailed {
		code = 1
	}
	return executor.Outcome{Status: status, ExitCode: code}
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestEngine(t *testing.T, exec Executor) (*Engine, *store.Store) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(context.Background(), store.Config{Path: dbPath, WAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return New(st, exec, Config{WorkerPoolSize: 4, IsolationPoolSize: 2}), st
}

func shellEntry(id string) *Entry {
	params, _ := json.Marshal(executor.ShellParams{Command: "true"})
	return &Entry{
		ID:           id,
		Task:         executor.TaskRef{JobID: id, Kind: executor.KindShell, Params: params},
		MaxInstances: 1,
		heapIndex:    -1,
	}
}

func TestEngineDispatchesDueEntry(t *testing.T) {
	exec := newFakeExecutor()
	e, _ := newTestEngine(t, exec)
	ctx := context.Background()

	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	entry := shellEntry("soon")
	entry.Trigger = trigger.NewDate(time.Now().Add(100 * time.Millisecond))
	e.AddOrReplace(ctx, entry)

	select {
	case id := <-exec.notify:
		assert.Equal(t, "soon", id)
	case <-time.After(5 * time.Second):
		t.Fatal("entry never fired")
	}

	// Spent one-shots are uninstalled after completion.
	assert.Eventually(t, func() bool { return !e.Has("soon") }, 3*time.Second, 20*time.Millisecond)
}

func TestRetryChain(t *testing.T) {
	exec := newFakeExecutor()
	e, _ := newTestEngine(t, exec)
	ctx := context.Background()

	entry := shellEntry("flaky")
	entry.Trigger = mustTrigger(t, trigger.Spec{Type: trigger.KindInterval, Hours: 1})
	e.AddOrReplace(ctx, entry)

	// A failure installs retry attempt 1 firing after the retry delay.
	before := time.Now()
	e.completed(ctx, "flaky", executor.Outcome{Status: store.StatusFailed, ExitCode: 1})

	st, ok := e.Get("flaky_retry_1")
	require.True(t, ok)
	assert.True(t, st.Retry)
	require.NotNil(t, st.NextRunTime)
	assert.WithinDuration(t, before.Add(RetryDelay), *st.NextRunTime, time.Second)

	// A failed retry chains to the next attempt against the original id.
	e.completed(ctx, "flaky_retry_1", executor.Outcome{Status: store.StatusFailed, ExitCode: 1})
	assert.False(t, e.Has("flaky_retry_1"))
	assert.True(t, e.Has("flaky_retry_2"))

	e.completed(ctx, "flaky_retry_2", executor.Outcome{Status: store.StatusFailed, ExitCode: 1})
	assert.True(t, e.Has("flaky_retry_3"))

	// Attempt 3 failing gives up.
	e.completed(ctx, "flaky_retry_3", executor.Outcome{Status: store.StatusFailed, ExitCode: 1})
	assert.False(t, e.Has("flaky_retry_4"))

	// A success ends the chain without a new retry.
	e.completed(ctx, "flaky", executor.Outcome{Status: store.StatusCompleted})
	assert.False(t, e.Has("flaky_retry_1"))
}

func TestMisfirePastGraceSkipped(t *testing.T) {
	exec := newFakeExecutor()
	e, _ := newTestEngine(t, exec)
	ctx := context.Background()

	grace := time.Minute
	entry := shellEntry("late")
	entry.Trigger = mustTrigger(t, trigger.Spec{Type: trigger.KindInterval, Hours: 1})
	entry.MisfireGrace = &grace
	entry.Coalesce = true

	entry.NextFire = time.Now().Add(-10 * time.Minute)
	entry.hasNext = true
	e.mu.Lock()
	e.installLocked(ctx, entry)
	e.mu.Unlock()

	e.processDue(ctx)
	assert.Equal(t, 0, exec.callCount())

	// The entry advanced to a future fire instead of firing.
	st, ok := e.Get("late")
	require.True(t, ok)
	require.NotNil(t, st.NextRunTime)
	assert.True(t, st.NextRunTime.After(time.Now()))
}

func TestMaxInstancesSkipsDispatch(t *testing.T) {
	exec := newFakeExecutor()
	e, _ := newTestEngine(t, exec)
	ctx := context.Background()

	entry := shellEntry("busy")
	entry.Trigger = mustTrigger(t, trigger.Spec{Type: trigger.KindInterval, Hours: 1})

	entry.running = 1
	entry.NextFire = time.Now().Add(-time.Second)
	entry.hasNext = true
	e.mu.Lock()
	e.installLocked(ctx, entry)
	e.mu.Unlock()

	e.processDue(ctx)
	assert.Equal(t, 0, exec.callCount())
}

func TestCoalesceFoldsBacklog(t *testing.T) {
	for _, tc := range []struct {
		name     string
		coalesce bool
	}{
		{"coalesced", true},
		{"not coalesced", false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			exec := newFakeExecutor()
			e, _ := newTestEngine(t, exec)
			ctx := context.Background()

			anchor := time.Now().Add(-3500 * time.Millisecond)
			entry := shellEntry("backlog")
			entry.Trigger = mustTrigger(t, trigger.Spec{Type: trigger.KindInterval, Seconds: 1, StartAt: &anchor})
			entry.Coalesce = tc.coalesce
			entry.MaxInstances = 10

			entry.NextFire = anchor.Add(time.Second)
			entry.hasNext = true
			e.mu.Lock()
			e.installLocked(ctx, entry)
			e.mu.Unlock()

			e.processDue(ctx)
			e.inflight.Wait()
			// Three backlog instants are due; coalesce folds them into one.
			if tc.coalesce {
				assert.Equal(t, 1, exec.callCount())
			} else {
				assert.GreaterOrEqual(t, exec.callCount(), 3)
			}
		})
	}
}

func TestPauseSurvivesRestart(t *testing.T) {
	exec := newFakeExecutor()
	e, st := newTestEngine(t, exec)
	ctx := context.Background()

	entry := shellEntry("paused-job")
	entry.Trigger = mustTrigger(t, trigger.Spec{Type: trigger.KindInterval, Minutes: 5})
	e.AddOrReplace(ctx, entry)
	require.NoError(t, e.Pause(ctx, "paused-job"))

	// A second engine over the same store restores the paused flag.
	e2 := New(st, exec, Config{WorkerPoolSize: 2, IsolationPoolSize: 1})
	require.NoError(t, e2.restore(ctx))

	got, ok := e2.Get("paused-job")
	require.True(t, ok)
	assert.True(t, got.Paused)

	require.NoError(t, e2.Resume(ctx, "paused-job"))
	got, _ = e2.Get("paused-job")
	assert.False(t, got.Paused)
	require.NotNil(t, got.NextRunTime)
}

func TestPausedEntryAdvancesWithoutDispatch(t *testing.T) {
	exec := newFakeExecutor()
	e, _ := newTestEngine(t, exec)
	ctx := context.Background()

	entry := shellEntry("quiet")
	entry.Trigger = mustTrigger(t, trigger.Spec{Type: trigger.KindInterval, Hours: 1})
	entry.Paused = true

	entry.NextFire = time.Now().Add(-time.Second)
	entry.hasNext = true
	e.mu.Lock()
	e.installLocked(ctx, entry)
	e.mu.Unlock()

	e.processDue(ctx)
	assert.Equal(t, 0, exec.callCount())

	st, ok := e.Get("quiet")
	require.True(t, ok)
	require.NotNil(t, st.NextRunTime)
	assert.True(t, st.NextRunTime.After(time.Now()))
}

func TestRemoveAndModifyNextRun(t *testing.T) {
	exec := newFakeExecutor()
	e, st := newTestEngine(t, exec)
	ctx := context.Background()

	entry := shellEntry("movable")
	entry.Trigger = mustTrigger(t, trigger.Spec{Type: trigger.KindInterval, Hours: 1})
	e.AddOrReplace(ctx, entry)

	at := time.Now().Add(10 * time.Minute).UTC()
	require.NoError(t, e.ModifyNextRun(ctx, "movable", at))
	got, _ := e.Get("movable")
	assert.True(t, at.Equal(*got.NextRunTime))

	assert.Error(t, e.ModifyNextRun(ctx, "nope", at))
	assert.Error(t, e.Pause(ctx, "nope"))

	e.Remove(ctx, "movable")
	assert.False(t, e.Has("movable"))
	_, err := st.GetEntry(ctx, "movable")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIsRetryID(t *testing.T) {
	assert.True(t, IsRetryID("job_retry_1"))
	assert.True(t, IsRetryID("job_retry_12"))
	assert.False(t, IsRetryID("job"))
	assert.False(t, IsRetryID("job_retry_"))
	assert.False(t, IsRetryID("job_retry_x"))
	assert.False(t, IsRetryID("_retry_1"))
}

func TestPoolRunsSubmittedTasks(t *testing.T) {
	p := NewPool(3)

	var mu sync.Mutex
	seen := 0
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		p.Submit(func() {
			defer wg.Done()
			mu.Lock()
			seen++
			mu.Unlock()
		})
	}
	wg.Wait()
	p.Close()
	assert.Equal(t, 10, seen)
}

func mustTrigger(t *testing.T, spec trigger.Spec) trigger.Trigger {
	t.Helper()
	tr, err := spec.Build()
	require.NoError(t, err)
	return tr
}
