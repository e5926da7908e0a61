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

// GetJob retrieves a job definition by id.
func (s *Store) GetJob(ctx context.Context, id string) (*JobDefinition, error) {
	query := `
		SELECT id, name, description, is_enabled, trigger, task_type, task_params,
			max_instances, coalesce, misfire_grace_secs
		FROM job_definitions WHERE id = ?
	`

	row := s.db.QueryRowContext(ctx, query, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobs returns job definitions ordered by id with paging.
func (s *Store) ListJobs(ctx context.Context, skip, limit int) ([]*JobDefinition, error) {
	query := `
		SELECT id, name, description, is_enabled, trigger, task_type, task_params,
			max_instances, coalesce, misfire_grace_secs
		FROM job_definitions ORDER BY id
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	if skip > 0 {
		if limit <= 0 {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, skip)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*JobDefinition
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountJobs returns the total number of job definitions.
func (s *Store) CountJobs(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM job_definitions").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return n, nil
}

// UpsertJob inserts or replaces a job definition.
func (s *Store) UpsertJob(ctx context.Context, job *JobDefinition) error {
	triggerJSON, err := json.Marshal(job.Trigger)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger: %w", err)
	}

	query := `
		INSERT INTO job_definitions (id, name, description, is_enabled, trigger,
			task_type, task_params, max_instances, coalesce, misfire_grace_secs, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			is_enabled = excluded.is_enabled,
			trigger = excluded.trigger,
			task_type = excluded.task_type,
			task_params = excluded.task_params,
			max_instances = excluded.max_instances,
			coalesce = excluded.coalesce,
			misfire_grace_secs = excluded.misfire_grace_secs,
			updated_at = excluded.updated_at
	`

	var grace any
	if job.MisfireGraceSecs != nil {
		grace = *job.MisfireGraceSecs
	}

	_, err = s.db.ExecContext(ctx, query,
		job.ID, job.Name, nullString(job.Description), boolToInt(job.IsEnabled),
		string(triggerJSON), job.TaskType, string(job.TaskParams),
		job.MaxInstances, boolToInt(job.Coalesce), grace,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert job: %w", err)
	}
	return nil
}

// DeleteJob deletes a job definition. Returns ErrNotFound if no row existed.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM job_definitions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (*JobDefinition, error) {
	var job JobDefinition
	var description, triggerJSON, taskParams sql.NullString
	var enabled, coalesce int
	var grace sql.NullInt64

	err := sc.Scan(&job.ID, &job.Name, &description, &enabled, &triggerJSON,
		&job.TaskType, &taskParams, &job.MaxInstances, &coalesce, &grace)
	if err != nil {
		return nil, err
	}

	job.Description = description.String
	job.IsEnabled = enabled == 1
	job.Coalesce = coalesce == 1
	if grace.Valid {
		g := int(grace.Int64)
		job.MisfireGraceSecs = &g
	}
	if taskParams.Valid {
		job.TaskParams = json.RawMessage(taskParams.String)
	}
	if triggerJSON.Valid && triggerJSON.String != "" {
		if err := json.Unmarshal([]byte(triggerJSON.String), &job.Trigger); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trigger: %w", err)
		}
	}

	return &job, nil
}
