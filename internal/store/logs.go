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
	"fmt"
	"time"
)

// CreateLog inserts an execution log row. The caller sets ID, JobID, Command,
// StartTime, and Status; the remaining fields are filled in by UpdateLog when
// the execution finishes.
func (s *Store) CreateLog(ctx context.Context, log *ExecutionLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_logs (id, job_id, workflow_run_id, command,
			start_time, end_time, exit_code, stdout, stderr, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, log.ID, nullString(log.JobID), nullInt64Ptr(log.WorkflowRunID), log.Command,
		log.StartTime.UTC().Format(time.RFC3339Nano), formatTime(log.EndTime),
		nullIntPtr(log.ExitCode), nullString(log.Stdout), nullString(log.Stderr),
		log.Status)
	if err != nil {
		return fmt.Errorf("failed to create execution log: %w", err)
	}
	return nil
}

// UpdateLog records the outcome of an execution.
func (s *Store) UpdateLog(ctx context.Context, log *ExecutionLog) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE execution_logs SET end_time = ?, exit_code = ?, stdout = ?,
			stderr = ?, status = ?
		WHERE id = ?
	`, formatTime(log.EndTime), nullIntPtr(log.ExitCode),
		nullString(log.Stdout), nullString(log.Stderr), log.Status, log.ID)
	if err != nil {
		return fmt.Errorf("failed to update execution log: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("execution log %s: %w", log.ID, ErrNotFound)
	}
	return nil
}

// GetLog retrieves a single execution log by id.
func (s *Store) GetLog(ctx context.Context, id string) (*ExecutionLog, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, workflow_run_id, command, start_time, end_time,
			exit_code, stdout, stderr, status
		FROM execution_logs WHERE id = ?
	`, id)
	log, err := scanLog(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("execution log %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution log: %w", err)
	}
	return log, nil
}

// ListLogs returns execution logs newest-first, narrowed by the filter.
func (s *Store) ListLogs(ctx context.Context, filter LogFilter) ([]*ExecutionLog, error) {
	query := `
		SELECT id, job_id, workflow_run_id, command, start_time, end_time,
			exit_code, stdout, stderr, status
		FROM execution_logs WHERE 1=1
	`
	args := []any{}
	if filter.JobID != "" {
		query += " AND job_id = ?"
		args = append(args, filter.JobID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if !filter.Since.IsZero() {
		query += " AND start_time >= ?"
		args = append(args, filter.Since.UTC().Format(time.RFC3339Nano))
	}
	query += " ORDER BY start_time DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Skip > 0 {
		if filter.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, filter.Skip)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution logs: %w", err)
	}
	defer rows.Close()

	var logs []*ExecutionLog
	for rows.Next() {
		log, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution log: %w", err)
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// ListLogsByJob returns the most recent logs for one job.
func (s *Store) ListLogsByJob(ctx context.Context, jobID string, limit int) ([]*ExecutionLog, error) {
	return s.ListLogs(ctx, LogFilter{JobID: jobID, Limit: limit})
}

// LastLogForJob returns the most recent execution log for a job, or
// ErrNotFound when the job has never run.
func (s *Store) LastLogForJob(ctx context.Context, jobID string) (*ExecutionLog, error) {
	logs, err := s.ListLogs(ctx, LogFilter{JobID: jobID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return nil, fmt.Errorf("no logs for job %s: %w", jobID, ErrNotFound)
	}
	return logs[0], nil
}

// CountLogs returns the number of logs matching the filter's job/status/since
// fields, ignoring paging.
func (s *Store) CountLogs(ctx context.Context, filter LogFilter) (int, error) {
	query := "SELECT COUNT(*) FROM execution_logs WHERE 1=1"
	args := []any{}
	if filter.JobID != "" {
		query += " AND job_id = ?"
		args = append(args, filter.JobID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if !filter.Since.IsZero() {
		query += " AND start_time >= ?"
		args = append(args, filter.Since.UTC().Format(time.RFC3339Nano))
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count execution logs: %w", err)
	}
	return n, nil
}

// CountLogsByStatus returns per-status counts of logs started at or after
// since. A zero since counts everything.
func (s *Store) CountLogsByStatus(ctx context.Context, since time.Time) (map[string]int, error) {
	query := "SELECT status, COUNT(*) FROM execution_logs"
	args := []any{}
	if !since.IsZero() {
		query += " WHERE start_time >= ?"
		args = append(args, since.UTC().Format(time.RFC3339Nano))
	}
	query += " GROUP BY status"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count execution logs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func scanLog(sc scanner) (*ExecutionLog, error) {
	var log ExecutionLog
	var jobID, endTime, stdout, stderr sql.NullString
	var runID, exitCode sql.NullInt64
	var startTime string

	err := sc.Scan(&log.ID, &jobID, &runID, &log.Command, &startTime, &endTime,
		&exitCode, &stdout, &stderr, &log.Status)
	if err != nil {
		return nil, err
	}

	log.JobID = jobID.String
	if runID.Valid {
		log.WorkflowRunID = &runID.Int64
	}
	if t, err := time.Parse(time.RFC3339Nano, startTime); err == nil {
		log.StartTime = t
	}
	log.EndTime = parseTime(endTime)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		log.ExitCode = &code
	}
	log.Stdout = stdout.String
	log.Stderr = stderr.String

	return &log, nil
}

// nullIntPtr returns nil for a nil *int, otherwise its value.
func nullIntPtr(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

// nullInt64Ptr returns nil for a nil *int64, otherwise its value.
func nullInt64Ptr(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}
