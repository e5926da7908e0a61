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
	"encoding/json"
	"fmt"
	"time"

	"github.com/tasktime/tasktime/internal/executor"
	"github.com/tasktime/tasktime/internal/store"
	"github.com/tasktime/tasktime/internal/trigger"
)

// RetryContext marks an entry as a retry of a failed execution.
type RetryContext struct {
	// Attempt is 1-based: the first retry is attempt 1.
	Attempt int `json:"attempt"`

	// OriginalID is the entry the failure came from.
	OriginalID string `json:"original_id"`
}

// Entry is one schedulable unit installed in the engine.
type Entry struct {
	ID      string
	Trigger trigger.Trigger
	Task    executor.TaskRef

	// NextFire is only meaningful while hasNext is true.
	NextFire time.Time
	hasNext  bool

	MaxInstances int
	Coalesce     bool

	// MisfireGrace bounds how late a dispatch may run. Nil means unbounded.
	MisfireGrace *time.Duration

	Paused bool
	Retry  *RetryContext

	// Isolated pins the entry to the small isolation pool.
	Isolated bool

	// Fingerprint identifies the definition the entry was built from, so
	// reconciliation can skip unchanged jobs instead of resetting their
	// trigger anchors.
	Fingerprint string

	// running counts in-flight executions. Guarded by the engine mutex.
	running int

	// heapIndex is the entry's position in the fire-time heap, -1 when
	// uninstalled.
	heapIndex int
}

// oneShot reports whether the entry never fires again once spent.
func (e *Entry) oneShot() bool {
	return e.Retry != nil || e.Trigger.Kind() == trigger.KindDate
}

// entryHeap is a min-heap of entries keyed by NextFire.
type entryHeap []*Entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].NextFire.Before(h[j].NextFire) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*Entry)
	e.heapIndex = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIndex = -1
	*h = old[:n-1]
	return e
}

// taskState is the durable form of an executor.TaskRef.
type taskState struct {
	JobID           string          `json:"job_id"`
	Kind            string          `json:"kind"`
	Params          json.RawMessage `json:"params"`
	WorkflowRunID   *int64          `json:"workflow_run_id,omitempty"`
	TimeoutSecs     int             `json:"timeout_secs,omitempty"`
	RunInBackground bool            `json:"run_in_background,omitempty"`
}

// entryState is the durable scheduler state stored alongside the trigger.
type entryState struct {
	Paused           bool          `json:"paused"`
	MaxInstances     int           `json:"max_instances"`
	Coalesce         bool          `json:"coalesce"`
	MisfireGraceSecs *int          `json:"misfire_grace_secs,omitempty"`
	Isolated         bool          `json:"isolated,omitempty"`
	Fingerprint      string        `json:"fingerprint,omitempty"`
	Task             taskState     `json:"task"`
	Retry            *RetryContext `json:"retry,omitempty"`
}

// toRecord serializes an entry for store.PutEntry.
func (e *Entry) toRecord() (*store.ScheduleEntry, error) {
	triggerBlob, err := trigger.Marshal(e.Trigger)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize trigger for %s: %w", e.ID, err)
	}

	state := entryState{
		Paused:       e.Paused,
		MaxInstances: e.MaxInstances,
		Coalesce:     e.Coalesce,
		Isolated:     e.Isolated,
		Fingerprint:  e.Fingerprint,
		Retry:        e.Retry,
		Task: taskState{
			JobID:           e.Task.JobID,
			Kind:            e.Task.Kind,
			Params:          e.Task.Params,
			WorkflowRunID:   e.Task.WorkflowRunID,
			TimeoutSecs:     int(e.Task.Timeout / time.Second),
			RunInBackground: e.Task.RunInBackground,
		},
	}
	if e.MisfireGrace != nil {
		secs := int(*e.MisfireGrace / time.Second)
		state.MisfireGraceSecs = &secs
	}

	stateBlob, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize state for %s: %w", e.ID, err)
	}

	rec := &store.ScheduleEntry{ID: e.ID, TriggerBlob: triggerBlob, StateBlob: stateBlob}
	if e.hasNext {
		next := e.NextFire
		rec.NextFireTime = &next
	}
	return rec, nil
}

// entryFromRecord rebuilds an entry from its durable form.
func entryFromRecord(rec *store.ScheduleEntry) (*Entry, error) {
	tr, err := trigger.Unmarshal(rec.TriggerBlob)
	if err != nil {
		return nil, fmt.Errorf("failed to restore trigger for %s: %w", rec.ID, err)
	}

	var state entryState
	if len(rec.StateBlob) > 0 {
		if err := json.Unmarshal(rec.StateBlob, &state); err != nil {
			return nil, fmt.Errorf("failed to restore state for %s: %w", rec.ID, err)
		}
	}

	e := &Entry{
		ID:      rec.ID,
		Trigger: tr,
		Task: executor.TaskRef{
			JobID:           state.Task.JobID,
			Kind:            state.Task.Kind,
			Params:          state.Task.Params,
			WorkflowRunID:   state.Task.WorkflowRunID,
			Timeout:         time.Duration(state.Task.TimeoutSecs) * time.Second,
			RunInBackground: state.Task.RunInBackground,
		},
		MaxInstances: state.MaxInstances,
		Coalesce:     state.Coalesce,
		Isolated:     state.Isolated,
		Fingerprint:  state.Fingerprint,
		Paused:       state.Paused,
		Retry:        state.Retry,
		heapIndex:    -1,
	}
	if e.MaxInstances <= 0 {
		e.MaxInstances = 1
	}
	if state.MisfireGraceSecs != nil {
		grace := time.Duration(*state.MisfireGraceSecs) * time.Second
		e.MisfireGrace = &grace
	}
	if rec.NextFireTime != nil {
		e.NextFire = *rec.NextFireTime
		e.hasNext = true
	}
	return e, nil
}
