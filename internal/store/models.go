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
	"encoding/json"
	"time"

	"github.com/tasktime/tasktime/internal/trigger"
)

// Task kinds accepted by job definitions.
const (
	TaskShell    = "shell"
	TaskFunction = "python"
	TaskEmail    = "email"
)

// Execution and run statuses.
const (
	StatusPending   = "PENDING"
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// Step failure policies.
const (
	OnFailureStop     = "stop"
	OnFailureContinue = "continue"
)

// JobDefinition is a schedulable unit of work.
type JobDefinition struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IsEnabled   bool   `json:"is_enabled"`

	// Trigger is the tagged trigger specification.
	Trigger trigger.Spec `json:"trigger"`

	// TaskType discriminates TaskParams (shell, python, email).
	TaskType string `json:"task_type"`

	// TaskParams is the variant payload, decoded by the dispatcher.
	TaskParams json.RawMessage `json:"task_parameters"`

	MaxInstances int  `json:"max_instances"`
	Coalesce     bool `json:"coalesce"`

	// MisfireGraceSecs is the allowed lateness in seconds. Nil means unbounded.
	MisfireGraceSecs *int `json:"misfire_grace_time"`
}

// Workflow is an ordered sequence of steps sharing a working directory.
type Workflow struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Schedule is an optional five-field cron line (minute hour day month
	// day_of_week). Empty means the workflow only runs ad hoc.
	Schedule  string `json:"schedule,omitempty"`
	IsEnabled bool   `json:"is_enabled"`

	// ParamsDef names the runtime parameters the workflow accepts.
	ParamsDef []string `json:"params_def,omitempty"`

	Steps []WorkflowStep `json:"steps"`
}

// WorkflowStep is one step of a workflow.
type WorkflowStep struct {
	ID         int64  `json:"id"`
	WorkflowID int64  `json:"workflow_id"`
	StepOrder  int    `json:"step_order"`
	Name       string `json:"name"`

	// JobType is shell or python.
	JobType string `json:"job_type"`

	// Target is the command line (shell) or module:function (python).
	// May reference runtime parameters as {{ params.NAME }}.
	Target string `json:"target"`

	Args   []any          `json:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`

	OnFailure       string `json:"on_failure"`
	TimeoutSecs     int    `json:"timeout,omitempty"`
	RunInBackground bool   `json:"run_in_background,omitempty"`
}

// WorkflowRun is one execution of a workflow.
type WorkflowRun struct {
	ID          int64          `json:"id"`
	WorkflowID  int64          `json:"workflow_id"`
	Status      string         `json:"status"`
	CurrentStep int            `json:"current_step"`
	StartTime   time.Time      `json:"start_time"`
	EndTime     *time.Time     `json:"end_time,omitempty"`
	ParamsVal   map[string]any `json:"params_val,omitempty"`
}

// ExecutionLog is one execution of a single job or a single workflow step.
type ExecutionLog struct {
	ID            string     `json:"id"`
	JobID         string     `json:"job_id"`
	WorkflowRunID *int64     `json:"workflow_run_id,omitempty"`
	Command       string     `json:"command"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	ExitCode      *int       `json:"exit_code,omitempty"`
	Stdout        string     `json:"stdout,omitempty"`
	Stderr        string     `json:"stderr,omitempty"`
	Status        string     `json:"status"`
}

// LogFilter narrows log listings.
type LogFilter struct {
	JobID  string
	Status string
	Since  time.Time
	Skip   int
	Limit  int
}

// ScheduleEntry is the durable form of an in-memory scheduler entry. The
// engine rebuilds its schedule from these rows on startup.
type ScheduleEntry struct {
	ID           string
	TriggerBlob  []byte
	NextFireTime *time.Time
	StateBlob    []byte
	UpdatedAt    time.Time
}
