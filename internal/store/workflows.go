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
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// GetWorkflow retrieves a workflow with its steps eager-loaded.
func (s *Store) GetWorkflow(ctx context.Context, id int64) (*Workflow, error) {
	query := `
		SELECT id, name, description, schedule, is_enabled, params_def
		FROM workflows WHERE id = ?
	`
	row := s.db.QueryRowContext(ctx, query, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("workflow %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	if err := s.loadSteps(ctx, wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// GetWorkflowByName retrieves a workflow by its unique name, steps included.
func (s *Store) GetWorkflowByName(ctx context.Context, name string) (*Workflow, error) {
	query := `
		SELECT id, name, description, schedule, is_enabled, params_def
		FROM workflows WHERE name = ?
	`
	row := s.db.QueryRowContext(ctx, query, name)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("workflow %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	if err := s.loadSteps(ctx, wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// ListWorkflows returns all workflows with their steps.
func (s *Store) ListWorkflows(ctx context.Context) ([]*Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, schedule, is_enabled, params_def
		FROM workflows ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		workflows = append(workflows, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, wf := range workflows {
		if err := s.loadSteps(ctx, wf); err != nil {
			return nil, err
		}
	}
	return workflows, nil
}

// UpsertWorkflowWithSteps inserts or updates a workflow and atomically replaces
// its steps (delete-then-insert). The workflow's ID is populated on insert.
func (s *Store) UpsertWorkflowWithSteps(ctx context.Context, wf *Workflow) error {
	paramsJSON, err := json.Marshal(wf.ParamsDef)
	if err != nil {
		return fmt.Errorf("failed to marshal params_def: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)

	if wf.ID == 0 {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO workflows (name, description, schedule, is_enabled, params_def, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, wf.Name, nullString(wf.Description), nullString(wf.Schedule),
			boolToInt(wf.IsEnabled), string(paramsJSON), now)
		if err != nil {
			return fmt.Errorf("failed to insert workflow: %w", err)
		}
		wf.ID, err = result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read workflow id: %w", err)
		}
	} else {
		result, err := tx.ExecContext(ctx, `
			UPDATE workflows SET name = ?, description = ?, schedule = ?,
				is_enabled = ?, params_def = ?, updated_at = ?
			WHERE id = ?
		`, wf.Name, nullString(wf.Description), nullString(wf.Schedule),
			boolToInt(wf.IsEnabled), string(paramsJSON), now, wf.ID)
		if err != nil {
			return fmt.Errorf("failed to update workflow: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return fmt.Errorf("workflow %d: %w", wf.ID, ErrNotFound)
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM workflow_steps WHERE workflow_id = ?", wf.ID); err != nil {
		return fmt.Errorf("failed to delete steps: %w", err)
	}

	for i := range wf.Steps {
		step := &wf.Steps[i]
		step.WorkflowID = wf.ID

		argsJSON, err := json.Marshal(step.Args)
		if err != nil {
			return fmt.Errorf("failed to marshal step args: %w", err)
		}
		kwargsJSON, err := json.Marshal(step.Kwargs)
		if err != nil {
			return fmt.Errorf("failed to marshal step kwargs: %w", err)
		}

		result, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_steps (workflow_id, step_order, name, job_type,
				target, args, kwargs, on_failure, timeout_secs, run_in_background)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, step.WorkflowID, step.StepOrder, step.Name, step.JobType, step.Target,
			string(argsJSON), string(kwargsJSON), step.OnFailure,
			step.TimeoutSecs, boolToInt(step.RunInBackground))
		if err != nil {
			return fmt.Errorf("failed to insert step: %w", err)
		}
		step.ID, _ = result.LastInsertId()
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit workflow: %w", err)
	}
	return nil
}

// DeleteWorkflow removes a workflow and, via cascade, its steps and runs.
func (s *Store) DeleteWorkflow(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM workflows WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("workflow %d: %w", id, ErrNotFound)
	}
	return nil
}

// CreateWorkflowRun inserts a new run row and returns it with its ID set.
func (s *Store) CreateWorkflowRun(ctx context.Context, workflowID int64, status string, paramsVal map[string]any) (*WorkflowRun, error) {
	paramsJSON, err := json.Marshal(paramsVal)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params_val: %w", err)
	}

	run := &WorkflowRun{
		WorkflowID: workflowID,
		Status:     status,
		StartTime:  time.Now().UTC(),
		ParamsVal:  paramsVal,
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (workflow_id, status, current_step, start_time, params_val)
		VALUES (?, ?, 0, ?, ?)
	`, workflowID, status, run.StartTime.Format(time.RFC3339Nano), string(paramsJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow run: %w", err)
	}

	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read run id: %w", err)
	}
	return run, nil
}

// UpdateWorkflowRun updates a run's status, current step, and end time.
func (s *Store) UpdateWorkflowRun(ctx context.Context, id int64, status string, currentStep int, endTime *time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs SET status = ?, current_step = ?, end_time = ? WHERE id = ?
	`, status, currentStep, formatTime(endTime), id)
	if err != nil {
		return fmt.Errorf("failed to update workflow run: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("workflow run %d: %w", id, ErrNotFound)
	}
	return nil
}

// GetWorkflowRun retrieves a single run by id.
func (s *Store) GetWorkflowRun(ctx context.Context, id int64) (*WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, status, current_step, start_time, end_time, params_val
		FROM workflow_runs WHERE id = ?
	`, id)
	run, err := scanWorkflowRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("workflow run %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow run: %w", err)
	}
	return run, nil
}

// ListWorkflowRuns returns runs, newest first. workflowID 0 means all
// workflows; since zero means no lower bound.
func (s *Store) ListWorkflowRuns(ctx context.Context, workflowID int64, since time.Time) ([]*WorkflowRun, error) {
	query := `
		SELECT id, workflow_id, status, current_step, start_time, end_time, params_val
		FROM workflow_runs WHERE 1=1
	`
	args := []any{}
	if workflowID != 0 {
		query += " AND workflow_id = ?"
		args = append(args, workflowID)
	}
	if !since.IsZero() {
		query += " AND start_time >= ?"
		args = append(args, since.UTC().Format(time.RFC3339Nano))
	}
	query += " ORDER BY start_time DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow runs: %w", err)
	}
	defer rows.Close()

	var runs []*WorkflowRun
	for rows.Next() {
		run, err := scanWorkflowRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *Store) loadSteps(ctx context.Context, wf *Workflow) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, step_order, name, job_type, target, args, kwargs,
			on_failure, timeout_secs, run_in_background
		FROM workflow_steps WHERE workflow_id = ? ORDER BY step_order, id
	`, wf.ID)
	if err != nil {
		return fmt.Errorf("failed to load steps: %w", err)
	}
	defer rows.Close()

	wf.Steps = nil
	for rows.Next() {
		var step WorkflowStep
		var argsJSON, kwargsJSON sql.NullString
		var background int

		err := rows.Scan(&step.ID, &step.WorkflowID, &step.StepOrder, &step.Name,
			&step.JobType, &step.Target, &argsJSON, &kwargsJSON,
			&step.OnFailure, &step.TimeoutSecs, &background)
		if err != nil {
			return fmt.Errorf("failed to scan step: %w", err)
		}

		step.RunInBackground = background == 1
		if argsJSON.Valid && argsJSON.String != "" {
			if err := json.Unmarshal([]byte(argsJSON.String), &step.Args); err != nil {
				return fmt.Errorf("failed to unmarshal step args: %w", err)
			}
		}
		if kwargsJSON.Valid && kwargsJSON.String != "" {
			if err := json.Unmarshal([]byte(kwargsJSON.String), &step.Kwargs); err != nil {
				return fmt.Errorf("failed to unmarshal step kwargs: %w", err)
			}
		}

		wf.Steps = append(wf.Steps, step)
	}
	return rows.Err()
}

func scanWorkflow(sc scanner) (*Workflow, error) {
	var wf Workflow
	var description, schedule, paramsJSON sql.NullString
	var enabled int

	err := sc.Scan(&wf.ID, &wf.Name, &description, &schedule, &enabled, &paramsJSON)
	if err != nil {
		return nil, err
	}

	wf.Description = description.String
	wf.Schedule = schedule.String
	wf.IsEnabled = enabled == 1
	if paramsJSON.Valid && paramsJSON.String != "" && paramsJSON.String != "null" {
		if err := json.Unmarshal([]byte(paramsJSON.String), &wf.ParamsDef); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params_def: %w", err)
		}
	}
	return &wf, nil
}

func scanWorkflowRun(sc scanner) (*WorkflowRun, error) {
	var run WorkflowRun
	var startTime string
	var endTime, paramsJSON sql.NullString

	err := sc.Scan(&run.ID, &run.WorkflowID, &run.Status, &run.CurrentStep,
		&startTime, &endTime, &paramsJSON)
	if err != nil {
		return nil, err
	}

	if t, err := time.Parse(time.RFC3339Nano, startTime); err == nil {
		run.StartTime = t
	}
	run.EndTime = parseTime(endTime)
	if paramsJSON.Valid && paramsJSON.String != "" && paramsJSON.String != "null" {
		if err := json.Unmarshal([]byte(paramsJSON.String), &run.ParamsVal); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params_val: %w", err)
		}
	}
	return &run, nil
}
