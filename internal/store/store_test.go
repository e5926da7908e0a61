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

package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasktime/tasktime/internal/trigger"
)

// createTestStore opens a store backed by a database in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(context.Background(), Config{Path: dbPath, WAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testJob(id string) *JobDefinition {
	return &JobDefinition{
		ID:           id,
		Name:         "Test job " + id,
		IsEnabled:    true,
		Trigger:      trigger.Spec{Type: trigger.KindInterval, Seconds: 30},
		TaskType:     TaskShell,
		TaskParams:   json.RawMessage(`{"command":"echo hello"}`),
		MaxInstances: 1,
	}
}

func TestJobUpsertGetDelete(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	job := testJob("job-1")
	grace := 120
	job.MisfireGraceSecs = &grace
	require.NoError(t, s.UpsertJob(ctx, job))

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.Name, got.Name)
	assert.Equal(t, trigger.KindInterval, got.Trigger.Type)
	assert.Equal(t, 30, got.Trigger.Seconds)
	require.NotNil(t, got.MisfireGraceSecs)
	assert.Equal(t, 120, *got.MisfireGraceSecs)
	assert.JSONEq(t, `{"command":"echo hello"}`, string(got.TaskParams))

	// Upsert replaces in place.
	job.Name = "renamed"
	job.IsEnabled = false
	require.NoError(t, s.UpsertJob(ctx, job))

	got, err = s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.False(t, got.IsEnabled)

	n, err := s.CountJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.DeleteJob(ctx, "job-1"))
	_, err = s.GetJob(ctx, "job-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteJob(ctx, "job-1"), ErrNotFound)
}

func TestListJobsPaging(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.UpsertJob(ctx, testJob(id)))
	}

	jobs, err := s.ListJobs(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 4)
	assert.Equal(t, "a", jobs[0].ID)

	jobs, err = s.ListJobs(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "b", jobs[0].ID)
	assert.Equal(t, "c", jobs[1].ID)

	jobs, err = s.ListJobs(ctx, 3, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "d", jobs[0].ID)
}

func TestWorkflowRoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	wf := &Workflow{
		Name:      "nightly-report",
		Schedule:  "0 2 * * *",
		IsEnabled: true,
		ParamsDef: []string{"region"},
		Steps: []WorkflowStep{
			{StepOrder: 1, Name: "extract", JobType: "shell",
				Target: "extract.sh {{ params.region }}", OnFailure: OnFailureStop},
			{StepOrder: 2, Name: "notify", JobType: "python",
				Target: "report:send", Kwargs: map[string]any{"retries": float64(2)},
				OnFailure: OnFailureContinue, TimeoutSecs: 60},
		},
	}
	require.NoError(t, s.UpsertWorkflowWithSteps(ctx, wf))
	require.NotZero(t, wf.ID)

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "nightly-report", got.Name)
	assert.Equal(t, []string{"region"}, got.ParamsDef)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, "extract", got.Steps[0].Name)
	assert.Equal(t, OnFailureContinue, got.Steps[1].OnFailure)
	assert.Equal(t, float64(2), got.Steps[1].Kwargs["retries"])

	byName, err := s.GetWorkflowByName(ctx, "nightly-report")
	require.NoError(t, err)
	assert.Equal(t, got.ID, byName.ID)

	// Updating replaces the step set wholesale.
	got.Steps = got.Steps[:1]
	require.NoError(t, s.UpsertWorkflowWithSteps(ctx, got))

	got, err = s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Len(t, got.Steps, 1)

	require.NoError(t, s.DeleteWorkflow(ctx, wf.ID))
	_, err = s.GetWorkflow(ctx, wf.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWorkflowRunLifecycle(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	wf := &Workflow{Name: "wf", IsEnabled: true}
	require.NoError(t, s.UpsertWorkflowWithSteps(ctx, wf))

	run, err := s.CreateWorkflowRun(ctx, wf.ID, StatusPending, map[string]any{"env": "prod"})
	require.NoError(t, err)
	require.NotZero(t, run.ID)

	got, err := s.GetWorkflowRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Nil(t, got.EndTime)

	require.NoError(t, s.UpdateWorkflowRun(ctx, run.ID, StatusRunning, 1, nil))

	end := time.Now().UTC()
	require.NoError(t, s.UpdateWorkflowRun(ctx, run.ID, StatusCompleted, 3, &end))

	got, err = s.GetWorkflowRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 3, got.CurrentStep)
	require.NotNil(t, got.EndTime)
	assert.Equal(t, "prod", got.ParamsVal["env"])

	runs, err := s.ListWorkflowRuns(ctx, wf.ID, time.Time{})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestExecutionLogs(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	for i, status := range []string{StatusCompleted, StatusFailed, StatusCompleted} {
		log := &ExecutionLog{
			ID:        string(rune('a' + i)),
			JobID:     "backup",
			Command:   "backup.sh",
			StartTime: base.Add(time.Duration(i) * time.Minute),
			Status:    status,
		}
		require.NoError(t, s.CreateLog(ctx, log))
	}

	// Terminal update records outcome fields.
	end := base.Add(5 * time.Minute)
	code := 1
	require.NoError(t, s.UpdateLog(ctx, &ExecutionLog{
		ID: "b", EndTime: &end, ExitCode: &code,
		Stderr: "disk full", Status: StatusFailed,
	}))

	got, err := s.GetLog(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "disk full", got.Stderr)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 1, *got.ExitCode)

	// Newest first.
	logs, err := s.ListLogs(ctx, LogFilter{JobID: "backup"})
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "c", logs[0].ID)

	logs, err = s.ListLogs(ctx, LogFilter{Status: StatusFailed})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "b", logs[0].ID)

	logs, err = s.ListLogs(ctx, LogFilter{Since: base.Add(90 * time.Second)})
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	last, err := s.LastLogForJob(ctx, "backup")
	require.NoError(t, err)
	assert.Equal(t, "c", last.ID)

	_, err = s.LastLogForJob(ctx, "never-ran")
	assert.ErrorIs(t, err, ErrNotFound)

	counts, err := s.CountLogsByStatus(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, counts[StatusCompleted])
	assert.Equal(t, 1, counts[StatusFailed])
}

func TestScheduleEntries(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	next := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)
	e := &ScheduleEntry{
		ID:           "job-1",
		TriggerBlob:  []byte(`{"type":"interval","seconds":30}`),
		NextFireTime: &next,
		StateBlob:    []byte(`{"paused":false}`),
	}
	require.NoError(t, s.PutEntry(ctx, e))

	got, err := s.GetEntry(ctx, "job-1")
	require.NoError(t, err)
	assert.JSONEq(t, string(e.TriggerBlob), string(got.TriggerBlob))
	require.NotNil(t, got.NextFireTime)
	assert.True(t, next.Equal(*got.NextFireTime))

	// Replaces on conflict.
	e.NextFireTime = nil
	e.StateBlob = []byte(`{"paused":true}`)
	require.NoError(t, s.PutEntry(ctx, e))

	got, err = s.GetEntry(ctx, "job-1")
	require.NoError(t, err)
	assert.Nil(t, got.NextFireTime)
	assert.JSONEq(t, `{"paused":true}`, string(got.StateBlob))

	entries, err := s.ListEntries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// Idempotent delete.
	require.NoError(t, s.DeleteEntry(ctx, "job-1"))
	require.NoError(t, s.DeleteEntry(ctx, "job-1"))
	_, err = s.GetEntry(ctx, "job-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWorkflowDeleteCascades(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	wf := &Workflow{
		Name:      "cascade",
		IsEnabled: true,
		Steps:     []WorkflowStep{{StepOrder: 1, Name: "s1", JobType: "shell", Target: "true", OnFailure: OnFailureStop}},
	}
	require.NoError(t, s.UpsertWorkflowWithSteps(ctx, wf))

	run, err := s.CreateWorkflowRun(ctx, wf.ID, StatusRunning, nil)
	require.NoError(t, err)

	require.NoError(t, s.DeleteWorkflow(ctx, wf.ID))

	_, err = s.GetWorkflowRun(ctx, run.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
