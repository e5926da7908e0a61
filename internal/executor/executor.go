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

// Package executor dispatches task executions to the shell, function, and
// email adapters and records every attempt as an execution log row.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tasktime/tasktime/internal/log"
	"github.com/tasktime/tasktime/internal/store"
)

// Task kinds the dispatcher understands. KindInternal runs a registered
// function inside the daemon process; housekeeping entries that need daemon
// state (such as the periodic store sync) use it instead of the re-exec
// isolation of KindFunction.
const (
	KindShell    = store.TaskShell
	KindFunction = store.TaskFunction
	KindEmail    = store.TaskEmail
	KindWorkflow = "workflow"
	KindInternal = "internal"
)

// maxCaptureBytes caps captured stdout/stderr per stream.
const maxCaptureBytes = 64 * 1024

// TaskRef is a resolved, ready-to-run task.
type TaskRef struct {
	// JobID is recorded on the execution log row. For workflow steps it is
	// the synthetic step id.
	JobID string

	// Kind selects the adapter (shell, python, email, workflow).
	Kind string

	// Params is the adapter-specific payload.
	Params json.RawMessage

	// WorkflowRunID links step executions to their run, nil for plain jobs.
	WorkflowRunID *int64

	// Timeout bounds the execution. Zero means no limit.
	Timeout time.Duration

	// RunInBackground launches the process without waiting for it.
	RunInBackground bool
}

// Outcome is the terminal result of one execution. Execute never fails at the
// Go level; failures are expressed here and in the log row.
type Outcome struct {
	LogID    string
	Status   string
	ExitCode int
}

// ShellParams is the payload for shell tasks.
type ShellParams struct {
	Command string            `json:"command" yaml:"command"`
	Cwd     string            `json:"cwd,omitempty" yaml:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// FunctionParams is the payload for function (python task kind) tasks.
type FunctionParams struct {
	Module   string         `json:"module" yaml:"module"`
	Function string         `json:"function" yaml:"function"`
	Args     []any          `json:"args,omitempty" yaml:"args,omitempty"`
	Kwargs   map[string]any `json:"kwargs,omitempty" yaml:"kwargs,omitempty"`
}

// Name returns the registry key, "module:function".
func (p FunctionParams) Name() string {
	return p.Module + ":" + p.Function
}

// EmailParams is the payload for email tasks.
type EmailParams struct {
	To              []string       `json:"to" yaml:"to"`
	Subject         string         `json:"subject" yaml:"subject"`
	Body            string         `json:"body,omitempty" yaml:"body,omitempty"`
	BodyType        string         `json:"body_type,omitempty" yaml:"body_type,omitempty"`
	Template        string         `json:"template,omitempty" yaml:"template,omitempty"`
	TemplateContext map[string]any `json:"template_context,omitempty" yaml:"template_context,omitempty"`
	Attachments     []string       `json:"attachments,omitempty" yaml:"attachments,omitempty"`
}

// WorkflowParams is the payload for scheduled workflow entries.
type WorkflowParams struct {
	WorkflowID int64          `json:"workflow_id"`
	Params     map[string]any `json:"params,omitempty"`
}

// WorkflowHook runs a workflow to completion. Installed by the workflow
// runner after construction to avoid a package cycle.
type WorkflowHook func(ctx context.Context, workflowID int64, params map[string]any) error

// Dispatcher executes tasks and records their outcomes.
type Dispatcher struct {
	store  *store.Store
	logger *slog.Logger

	// workDir sandboxes relative shell cwds.
	workDir string

	// selfPath is the daemon binary, re-exec'd for function isolation.
	selfPath string

	mailer *mailer
	hook   WorkflowHook
}

// Config configures a Dispatcher.
type Config struct {
	WorkDir  string
	SelfPath string

	SMTPHost    string
	SMTPPort    int
	Sender      string
	TemplateDir string
}

// New creates a Dispatcher.
func New(st *store.Store, logger *slog.Logger, cfg Config) *Dispatcher {
	return &Dispatcher{
		store:    st,
		logger:   logger.With(slog.String("component", "executor")),
		workDir:  cfg.WorkDir,
		selfPath: cfg.SelfPath,
		mailer: &mailer{
			host:        cfg.SMTPHost,
			port:        cfg.SMTPPort,
			sender:      cfg.Sender,
			templateDir: cfg.TemplateDir,
			logger:      logger.With(slog.String("component", "mailer")),
		},
	}
}

// SetWorkflowHook installs the workflow runner callback.
func (d *Dispatcher) SetWorkflowHook(hook WorkflowHook) {
	d.hook = hook
}

// result is what an adapter reports back.
type result struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
}

// Execute runs the task, recording a RUNNING log row before work starts and
// updating it once with the terminal outcome. It never returns an error;
// anything that goes wrong becomes a FAILED outcome.
func (d *Dispatcher) Execute(ctx context.Context, ref TaskRef) Outcome {
	logRow := &store.ExecutionLog{
		ID:            uuid.NewString(),
		JobID:         ref.JobID,
		WorkflowRunID: ref.WorkflowRunID,
		Command:       d.describe(ref),
		StartTime:     time.Now().UTC(),
		Status:        store.StatusRunning,
	}
	if err := d.store.CreateLog(ctx, logRow); err != nil {
		d.logger.Error("failed to record execution start",
			slog.String(log.JobIDKey, ref.JobID), log.Error(err))
	}

	var res result
	func() {
		defer func() {
			if r := recover(); r != nil {
				res = result{exitCode: -1, err: fmt.Errorf("task panicked: %v", r)}
			}
		}()
		res = d.run(ctx, ref)
	}()

	status := store.StatusCompleted
	if res.err != nil || res.exitCode != 0 {
		status = store.StatusFailed
	}

	end := time.Now().UTC()
	stderr := truncate(res.stderr)
	if res.err != nil {
		if stderr != "" {
			stderr += "\n"
		}
		stderr += res.err.Error()
	}

	logRow.EndTime = &end
	logRow.ExitCode = &res.exitCode
	logRow.Stdout = truncate(res.stdout)
	logRow.Stderr = stderr
	logRow.Status = status
	if err := d.store.UpdateLog(ctx, logRow); err != nil {
		d.logger.Error("failed to record execution outcome",
			slog.String(log.JobIDKey, ref.JobID), log.Error(err))
	}

	d.logger.Info("task finished",
		slog.String(log.JobIDKey, ref.JobID),
		slog.String("status", status),
		slog.Int("exit_code", res.exitCode),
		slog.Int64(log.DurationKey, end.Sub(logRow.StartTime).Milliseconds()))

	return Outcome{LogID: logRow.ID, Status: status, ExitCode: res.exitCode}
}

func (d *Dispatcher) run(ctx context.Context, ref TaskRef) result {
	if ref.Timeout > 0 && ref.Kind != KindShell {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ref.Timeout)
		defer cancel()
	}

	switch ref.Kind {
	case KindShell:
		var p ShellParams
		if err := json.Unmarshal(ref.Params, &p); err != nil {
			return result{exitCode: -1, err: fmt.Errorf("invalid shell parameters: %w", err)}
		}
		return d.runShell(ctx, p, ref.Timeout, ref.RunInBackground)
	case KindFunction:
		var p FunctionParams
		if err := json.Unmarshal(ref.Params, &p); err != nil {
			return result{exitCode: -1, err: fmt.Errorf("invalid function parameters: %w", err)}
		}
		return d.runFunction(ctx, p)
	case KindInternal:
		var p FunctionParams
		if err := json.Unmarshal(ref.Params, &p); err != nil {
			return result{exitCode: -1, err: fmt.Errorf("invalid function parameters: %w", err)}
		}
		return d.runInternal(ctx, p)
	case KindEmail:
		var p EmailParams
		if err := json.Unmarshal(ref.Params, &p); err != nil {
			return result{exitCode: -1, err: fmt.Errorf("invalid email parameters: %w", err)}
		}
		return d.mailer.send(ctx, p)
	case KindWorkflow:
		var p WorkflowParams
		if err := json.Unmarshal(ref.Params, &p); err != nil {
			return result{exitCode: -1, err: fmt.Errorf("invalid workflow parameters: %w", err)}
		}
		if d.hook == nil {
			return result{exitCode: -1, err: fmt.Errorf("no workflow runner installed")}
		}
		if err := d.hook(ctx, p.WorkflowID, p.Params); err != nil {
			return result{exitCode: 1, err: err}
		}
		return result{}
	default:
		return result{exitCode: -1, err: fmt.Errorf("unknown task kind %q", ref.Kind)}
	}
}

// describe builds the human-readable command column for the log row.
func (d *Dispatcher) describe(ref TaskRef) string {
	switch ref.Kind {
	case KindShell:
		var p ShellParams
		if json.Unmarshal(ref.Params, &p) == nil {
			return p.Command
		}
	case KindFunction, KindInternal:
		var p FunctionParams
		if json.Unmarshal(ref.Params, &p) == nil {
			return p.Name()
		}
	case KindEmail:
		var p EmailParams
		if json.Unmarshal(ref.Params, &p) == nil {
			return fmt.Sprintf("email: %s", p.Subject)
		}
	case KindWorkflow:
		var p WorkflowParams
		if json.Unmarshal(ref.Params, &p) == nil {
			return fmt.Sprintf("workflow %d", p.WorkflowID)
		}
	}
	return ref.Kind
}

func truncate(s string) string {
	if len(s) <= maxCaptureBytes {
		return s
	}
	return s[:maxCaptureBytes] + "\n[output truncated]"
}
