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

// Package workflow runs multi-step workflows: ordered steps sharing a
// sandboxed working directory, with runtime parameter substitution and
// per-step failure policy.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tasktime/tasktime/internal/executor"
	"github.com/tasktime/tasktime/internal/log"
	"github.com/tasktime/tasktime/internal/store"
)

// paramPattern matches {{ params.NAME }} with optional inner whitespace.
var paramPattern = regexp.MustCompile(`\{\{\s*params\.([a-zA-Z0-9_]+)\s*\}\}`)

// Runner executes workflows against the dispatcher.
type Runner struct {
	store   *store.Store
	exec    Executor
	workDir string
	logger  *slog.Logger
}

// Executor runs a single task. Satisfied by *executor.Dispatcher.
type Executor interface {
	Execute(ctx context.Context, ref executor.TaskRef) executor.Outcome
}

// NewRunner creates a Runner rooted at workDir.
func NewRunner(st *store.Store, exec Executor, workDir string) *Runner {
	return &Runner{
		store:   st,
		exec:    exec,
		workDir: workDir,
		logger:  slog.Default().With(slog.String("component", "workflow")),
	}
}

// Substitute replaces {{ params.NAME }} references in s. Unknown names are
// left intact.
func Substitute(s string, params map[string]any) string {
	return paramPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := paramPattern.FindStringSubmatch(match)[1]
		if v, ok := params[name]; ok {
			return fmt.Sprintf("%v", v)
		}
		return match
	})
}

// substituteValue applies Substitute recursively through decoded JSON values.
func substituteValue(v any, params map[string]any) any {
	switch val := v.(type) {
	case string:
		return Substitute(val, params)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = substituteValue(item, params)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = substituteValue(item, params)
		}
		return out
	default:
		return v
	}
}

// SanitizeName converts a workflow name into a directory token. Path
// separators, traversal, and quoting characters are replaced.
func SanitizeName(name string) string {
	replacer := strings.NewReplacer(
		"/", "_", "\\", "_", "..", "_", "'", "_", "\"", "_", " ", "_",
	)
	token := replacer.Replace(name)
	if token == "" || token == "." {
		token = "_"
	}
	return token
}

// Run executes one workflow to completion and returns the terminal run row.
// Orchestration failures are recorded on the run, not raised past it.
func (r *Runner) Run(ctx context.Context, workflowID int64, runParams map[string]any) (*store.WorkflowRun, error) {
	wf, err := r.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		r.logger.Error("workflow not found",
			slog.Int64("workflow_id", workflowID), log.Error(err))
		return nil, err
	}

	logger := r.logger.With(slog.String(log.WorkflowKey, wf.Name))

	token := SanitizeName(wf.Name)
	cwd := filepath.Join(r.workDir, token)
	if err := os.MkdirAll(cwd, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workflow directory: %w", err)
	}

	// Runs start PENDING; the first step transition flips them to RUNNING.
	run, err := r.store.CreateWorkflowRun(ctx, wf.ID, store.StatusPending, runParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow run: %w", err)
	}
	logger = logger.With(slog.Int64(log.RunIDKey, run.ID))
	logger.Info("workflow run started", slog.Int("steps", len(wf.Steps)))

	status := store.StatusCompleted
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("workflow orchestration panicked", slog.Any("panic", rec))
				status = store.StatusFailed
			}
		}()
		status = r.runSteps(ctx, wf, run, token, runParams, logger)
	}()

	end := time.Now().UTC()
	if err := r.store.UpdateWorkflowRun(ctx, run.ID, status, run.CurrentStep, &end); err != nil {
		logger.Error("failed to record workflow outcome", log.Error(err))
	}
	run.Status = status
	run.EndTime = &end

	logger.Info("workflow run finished", slog.String("status", status))
	return run, nil
}

// RunByName resolves a workflow by name and runs it.
func (r *Runner) RunByName(ctx context.Context, name string, runParams map[string]any) (*store.WorkflowRun, error) {
	wf, err := r.store.GetWorkflowByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx, wf.ID, runParams)
}

func (r *Runner) runSteps(ctx context.Context, wf *store.Workflow, run *store.WorkflowRun, token string, params map[string]any, logger *slog.Logger) string {
	for _, step := range wf.Steps {
		run.CurrentStep = step.StepOrder
		if err := r.store.UpdateWorkflowRun(ctx, run.ID, store.StatusRunning, step.StepOrder, nil); err != nil {
			logger.Warn("failed to update workflow progress", log.Error(err))
		}

		stepID := fmt.Sprintf("%s_%d_%s", token, step.StepOrder, step.Name)
		stepLogger := logger.With(slog.String("step", step.Name))

		ref, err := r.buildStepRef(step, stepID, run.ID, token, params)
		if err != nil {
			stepLogger.Error("invalid workflow step", log.Error(err))
			return store.StatusFailed
		}

		outcome := r.exec.Execute(ctx, ref)

		// The log row is the source of truth for the step result.
		failed := outcome.Status == store.StatusFailed
		if last, err := r.store.LastLogForJob(ctx, stepID); err == nil {
			failed = last.Status == store.StatusFailed
		}

		if failed {
			if step.OnFailure == store.OnFailureContinue {
				stepLogger.Warn("step failed, continuing")
				continue
			}
			stepLogger.Error("step failed, stopping workflow")
			return store.StatusFailed
		}
	}
	return store.StatusCompleted
}

// buildStepRef turns a workflow step into an executable task.
func (r *Runner) buildStepRef(step store.WorkflowStep, stepID string, runID int64, token string, params map[string]any) (executor.TaskRef, error) {
	target := Substitute(step.Target, params)

	var taskParams any
	var kind string

	switch step.JobType {
	case store.TaskShell:
		kind = executor.KindShell
		env := map[string]string{}
		if raw, ok := step.Kwargs["env"].(map[string]any); ok {
			for k, v := range substituteValue(raw, params).(map[string]any) {
				env[k] = fmt.Sprintf("%v", v)
			}
		}
		taskParams = executor.ShellParams{Command: target, Cwd: token, Env: env}

	case store.TaskFunction:
		kind = executor.KindFunction
		module, function, ok := strings.Cut(target, ":")
		if !ok {
			return executor.TaskRef{}, fmt.Errorf("python step target must be module:function, got %q", target)
		}
		args := substituteValue(step.Args, params)
		kwargs := substituteValue(step.Kwargs, params)
		p := executor.FunctionParams{Module: module, Function: function}
		if a, ok := args.([]any); ok {
			p.Args = a
		}
		if kw, ok := kwargs.(map[string]any); ok {
			p.Kwargs = kw
		}
		taskParams = p

	default:
		return executor.TaskRef{}, fmt.Errorf("unknown step job type %q", step.JobType)
	}

	payload, err := json.Marshal(taskParams)
	if err != nil {
		return executor.TaskRef{}, fmt.Errorf("failed to encode step parameters: %w", err)
	}

	return executor.TaskRef{
		JobID:           stepID,
		Kind:            kind,
		Params:          payload,
		WorkflowRunID:   &runID,
		Timeout:         time.Duration(step.TimeoutSecs) * time.Second,
		RunInBackground: step.RunInBackground,
	}, nil
}
