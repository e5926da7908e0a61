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

package reconciler

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasktime/tasktime/internal/executor"
	"github.com/tasktime/tasktime/internal/scheduler"
	"github.com/tasktime/tasktime/internal/store"
	"github.com/tasktime/tasktime/internal/trigger"
)

type nopExecutor struct{}

func (nopExecutor) Execute(ctx context.Context, ref executor.TaskRef) executor.Outcome {
	return executor.Outcome{Status: store.StatusCompleted}
}

func newTestReconciler(t *testing.T, deleteOrphans bool) (*Reconciler, *store.Store, *scheduler.Engine) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(context.Background(), store.Config{Path: dbPath, WAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	engine := scheduler.New(st, nopExecutor{}, scheduler.Config{WorkerPoolSize: 2, IsolationPoolSize: 1})
	return New(st, engine, deleteOrphans), st, engine
}

const seedYAML = `
- id: backup
  name: Nightly backup
  trigger:
    type: cron
    hour: "2"
    minute: "0"
  task_type: shell
  task_parameters:
    command: backup.sh
- id: "bad id!"
  trigger:
    type: interval
    seconds: 5
  task_type: shell
  task_parameters:
    command: x
- id: no-period
  trigger:
    type: interval
  task_type: shell
  task_parameters:
    command: x
- id: mystery
  trigger:
    type: interval
    seconds: 5
  task_type: carrier-pigeon
  task_parameters: {}
- id: heartbeat
  trigger:
    type: interval
    minutes: 1
  task_type: python
  task_parameters:
    module: tasks
    function: heartbeat
`

func TestSeedFromFileSkipsInvalid(t *testing.T) {
	r, st, _ := newTestReconciler(t, false)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o644))

	require.NoError(t, r.SeedFromFile(ctx, path))

	jobs, err := st.ListJobs(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2, "only the valid entries are stored")
	assert.Equal(t, "backup", jobs[0].ID)
	assert.Equal(t, "heartbeat", jobs[1].ID)
}

func TestSeedRespectsReplaceExisting(t *testing.T) {
	r, st, _ := newTestReconciler(t, false)
	ctx := context.Background()

	params, _ := json.Marshal(executor.ShellParams{Command: "original.sh"})
	require.NoError(t, st.UpsertJob(ctx, &store.JobDefinition{
		ID: "backup", Name: "existing", IsEnabled: true,
		Trigger:  trigger.Spec{Type: trigger.KindInterval, Minutes: 5},
		TaskType: store.TaskShell, TaskParams: params, MaxInstances: 1,
	}))

	dir := t.TempDir()
	keep := filepath.Join(dir, "keep.yaml")
	require.NoError(t, os.WriteFile(keep, []byte(`
- id: backup
  trigger: {type: interval, minutes: 1}
  task_type: shell
  task_parameters: {command: new.sh}
`), 0o644))
	require.NoError(t, r.SeedFromFile(ctx, keep))

	job, err := st.GetJob(ctx, "backup")
	require.NoError(t, err)
	assert.Equal(t, "existing", job.Name, "existing job kept without replace_existing")

	replace := filepath.Join(dir, "replace.yaml")
	require.NoError(t, os.WriteFile(replace, []byte(`
- id: backup
  name: replaced
  replace_existing: true
  trigger: {type: interval, minutes: 1}
  task_type: shell
  task_parameters: {command: new.sh}
`), 0o644))
	require.NoError(t, r.SeedFromFile(ctx, replace))

	job, err = st.GetJob(ctx, "backup")
	require.NoError(t, err)
	assert.Equal(t, "replaced", job.Name)
}

func TestValidateJob(t *testing.T) {
	valid := func() *store.JobDefinition {
		params, _ := json.Marshal(executor.ShellParams{Command: "echo hi"})
		return &store.JobDefinition{
			ID: "ok", Trigger: trigger.Spec{Type: trigger.KindInterval, Seconds: 30},
			TaskType: store.TaskShell, TaskParams: params,
		}
	}

	assert.NoError(t, ValidateJob(valid()))

	j := valid()
	j.ID = "spaces are bad"
	assert.Error(t, ValidateJob(j))

	j = valid()
	j.Trigger = trigger.Spec{Type: "lunar"}
	assert.Error(t, ValidateJob(j))

	j = valid()
	j.TaskParams, _ = json.Marshal(executor.ShellParams{Command: "x", Cwd: "../escape"})
	assert.Error(t, ValidateJob(j))

	j = valid()
	j.TaskParams, _ = json.Marshal(executor.ShellParams{Command: "   "})
	assert.Error(t, ValidateJob(j))

	j = valid()
	j.TaskType = store.TaskFunction
	j.TaskParams, _ = json.Marshal(executor.FunctionParams{Module: "m"})
	assert.Error(t, ValidateJob(j), "function without function name")

	j = valid()
	j.TaskType = store.TaskEmail
	j.TaskParams, _ = json.Marshal(executor.EmailParams{Subject: "no recipients"})
	assert.Error(t, ValidateJob(j))
}

func TestSyncFromStoreInstallsEntries(t *testing.T) {
	r, st, engine := newTestReconciler(t, false)
	ctx := context.Background()

	params, _ := json.Marshal(executor.ShellParams{Command: "run.sh"})
	require.NoError(t, st.UpsertJob(ctx, &store.JobDefinition{
		ID: "active", IsEnabled: true,
		Trigger:  trigger.Spec{Type: trigger.KindInterval, Minutes: 5},
		TaskType: store.TaskShell, TaskParams: params, MaxInstances: 2,
	}))
	require.NoError(t, st.UpsertJob(ctx, &store.JobDefinition{
		ID: "dormant", IsEnabled: false,
		Trigger:  trigger.Spec{Type: trigger.KindInterval, Minutes: 5},
		TaskType: store.TaskShell, TaskParams: params, MaxInstances: 1,
	}))

	require.NoError(t, r.SyncFromStore(ctx))

	active, ok := engine.Get("active")
	require.True(t, ok)
	assert.False(t, active.Paused)
	assert.Equal(t, 2, active.MaxInstances)
	require.NotNil(t, active.NextRunTime)

	dormant, ok := engine.Get("dormant")
	require.True(t, ok)
	assert.True(t, dormant.Paused, "disabled jobs install paused")
}

func TestSyncUnchangedJobKeepsFireTime(t *testing.T) {
	r, st, engine := newTestReconciler(t, false)
	ctx := context.Background()

	params, _ := json.Marshal(executor.ShellParams{Command: "run.sh"})
	require.NoError(t, st.UpsertJob(ctx, &store.JobDefinition{
		ID: "steady", IsEnabled: true,
		Trigger:  trigger.Spec{Type: trigger.KindInterval, Hours: 1},
		TaskType: store.TaskShell, TaskParams: params, MaxInstances: 1,
	}))

	require.NoError(t, r.SyncFromStore(ctx))
	first, ok := engine.Get("steady")
	require.True(t, ok)
	require.NotNil(t, first.NextRunTime)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.SyncFromStore(ctx))
	second, ok := engine.Get("steady")
	require.True(t, ok)
	assert.True(t, first.NextRunTime.Equal(*second.NextRunTime),
		"an unchanged definition must not reset its schedule")
}

func TestSyncOrphanRemoval(t *testing.T) {
	r, _, engine := newTestReconciler(t, true)
	ctx := context.Background()

	tr, err := trigger.Spec{Type: trigger.KindInterval, Minutes: 1}.Build()
	require.NoError(t, err)
	params, _ := json.Marshal(executor.ShellParams{Command: "x"})
	engine.AddOrReplace(ctx, &scheduler.Entry{
		ID: "ghost", Trigger: tr,
		Task:         executor.TaskRef{JobID: "ghost", Kind: executor.KindShell, Params: params},
		MaxInstances: 1,
	})
	engine.AddOrReplace(ctx, &scheduler.Entry{
		ID: "ghost_retry_1", Trigger: trigger.NewDate(time.Now().Add(time.Hour)),
		Task:         executor.TaskRef{JobID: "ghost", Kind: executor.KindShell, Params: params},
		MaxInstances: 1,
		Retry:        &scheduler.RetryContext{Attempt: 1, OriginalID: "ghost"},
	})

	require.NoError(t, r.SyncFromStore(ctx))

	assert.False(t, engine.Has("ghost"), "orphaned entries are removed")
	assert.True(t, engine.Has("ghost_retry_1"), "retry entries are never treated as orphans")
}

func TestSyncScheduledWorkflows(t *testing.T) {
	r, st, engine := newTestReconciler(t, false)
	ctx := context.Background()

	wf := &store.Workflow{
		Name: "nightly", Schedule: "0 3 * * *", IsEnabled: true,
		Steps: []store.WorkflowStep{{StepOrder: 1, Name: "s", JobType: "shell",
			Target: "true", OnFailure: store.OnFailureStop}},
	}
	require.NoError(t, st.UpsertWorkflowWithSteps(ctx, wf))
	require.NoError(t, r.SyncFromStore(ctx))

	id := "workflow_" + strconv.FormatInt(wf.ID, 10)
	entry, ok := engine.Get(id)
	require.True(t, ok)
	assert.Equal(t, executor.KindWorkflow, entry.TaskKind)

	// Disabling the workflow removes its entry on the next sync.
	wf.IsEnabled = false
	require.NoError(t, st.UpsertWorkflowWithSteps(ctx, wf))
	require.NoError(t, r.SyncFromStore(ctx))
	assert.False(t, engine.Has(id))

	// So does deleting it.
	wf.IsEnabled = true
	require.NoError(t, st.UpsertWorkflowWithSteps(ctx, wf))
	require.NoError(t, r.SyncFromStore(ctx))
	require.True(t, engine.Has(id))
	require.NoError(t, st.DeleteWorkflow(ctx, wf.ID))
	require.NoError(t, r.SyncFromStore(ctx))
	assert.False(t, engine.Has(id))
}

func TestPeriodicSyncEntryRunsInProcess(t *testing.T) {
	ctx := context.Background()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(ctx, store.Config{Path: dbPath, WAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	// A real dispatcher, not a stub: the sync entry must execute through the
	// same path as every other task.
	disp := executor.New(st, slog.Default(), executor.Config{WorkDir: t.TempDir()})
	engine := scheduler.New(st, disp, scheduler.Config{WorkerPoolSize: 2, IsolationPoolSize: 1})
	require.NoError(t, engine.Start(ctx))
	t.Cleanup(engine.Stop)

	r := New(st, engine, false)
	require.NoError(t, r.InstallPeriodicSync(ctx, time.Hour))

	// A job added behind the engine's back stays unknown until the sync
	// entry fires.
	params, _ := json.Marshal(executor.ShellParams{Command: "run.sh"})
	require.NoError(t, st.UpsertJob(ctx, &store.JobDefinition{
		ID: "late-arrival", IsEnabled: true,
		Trigger:  trigger.Spec{Type: trigger.KindInterval, Minutes: 5},
		TaskType: store.TaskShell, TaskParams: params, MaxInstances: 1,
	}))
	require.False(t, engine.Has("late-arrival"))

	require.NoError(t, engine.RunNow(ctx, SyncEntryID))

	require.Eventually(t, func() bool { return engine.Has("late-arrival") },
		5*time.Second, 20*time.Millisecond,
		"the dispatched sync must reconcile the store into the engine")

	// The sync execution is logged like any task and must have succeeded
	// without leaving the daemon process.
	require.Eventually(t, func() bool {
		logs, err := st.ListLogsByJob(ctx, SyncEntryID, 1)
		return err == nil && len(logs) == 1 && logs[0].Status == store.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatcherSyncsOnSeedChange(t *testing.T) {
	r, st, engine := newTestReconciler(t, false)
	ctx := context.Background()

	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("[]"), 0o644))

	w, err := NewWatcher(r, path)
	require.NoError(t, err)
	w.Start(ctx)
	defer w.Stop()

	// The watcher syncs DB state; a job added to the store appears in the
	// engine after the seed file is touched.
	params, _ := json.Marshal(executor.ShellParams{Command: "x"})
	require.NoError(t, st.UpsertJob(ctx, &store.JobDefinition{
		ID: "watched", IsEnabled: true,
		Trigger:  trigger.Spec{Type: trigger.KindInterval, Minutes: 1},
		TaskType: store.TaskShell, TaskParams: params, MaxInstances: 1,
	}))
	require.NoError(t, os.WriteFile(path, []byte("[] # touched"), 0o644))

	assert.Eventually(t, func() bool { return engine.Has("watched") },
		5*time.Second, 50*time.Millisecond)
}
