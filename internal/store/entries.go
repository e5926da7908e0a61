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

// PutEntry inserts or replaces a durable schedule entry.
func (s *Store) PutEntry(ctx context.Context, e *ScheduleEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule_entries (id, trigger_blob, next_fire_time, job_state_blob, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			trigger_blob = excluded.trigger_blob,
			next_fire_time = excluded.next_fire_time,
			job_state_blob = excluded.job_state_blob,
			updated_at = excluded.updated_at
	`, e.ID, string(e.TriggerBlob), formatTime(e.NextFireTime),
		nullBytes(e.StateBlob), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to put schedule entry: %w", err)
	}
	return nil
}

// GetEntry retrieves a schedule entry by id.
func (s *Store) GetEntry(ctx context.Context, id string) (*ScheduleEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, trigger_blob, next_fire_time, job_state_blob, updated_at
		FROM schedule_entries WHERE id = ?
	`, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("schedule entry %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule entry: %w", err)
	}
	return e, nil
}

// ListEntries returns all schedule entries ordered by id.
func (s *Store) ListEntries(ctx context.Context) ([]*ScheduleEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trigger_blob, next_fire_time, job_state_blob, updated_at
		FROM schedule_entries ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedule entries: %w", err)
	}
	defer rows.Close()

	var entries []*ScheduleEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteEntry removes a schedule entry. Missing rows are not an error so that
// removal is idempotent across restarts.
func (s *Store) DeleteEntry(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM schedule_entries WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule entry: %w", err)
	}
	return nil
}

func scanEntry(sc scanner) (*ScheduleEntry, error) {
	var e ScheduleEntry
	var triggerBlob string
	var nextFire, stateBlob sql.NullString
	var updatedAt string

	err := sc.Scan(&e.ID, &triggerBlob, &nextFire, &stateBlob, &updatedAt)
	if err != nil {
		return nil, err
	}

	e.TriggerBlob = []byte(triggerBlob)
	e.NextFireTime = parseTime(nextFire)
	if stateBlob.Valid {
		e.StateBlob = []byte(stateBlob.String)
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		e.UpdatedAt = t
	}
	return &e, nil
}
