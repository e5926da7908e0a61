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

// Package reconciler keeps the scheduling engine consistent with the
// persistent store: it seeds job definitions from a YAML file, mirrors
// definitions into schedule entries, and watches the seed file for edits.
package reconciler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tasktime/tasktime/internal/executor"
	"github.com/tasktime/tasktime/internal/log"
	"github.com/tasktime/tasktime/internal/scheduler"
	"github.com/tasktime/tasktime/internal/store"
	"github.com/tasktime/tasktime/internal/trigger"
)

// DefaultMisfireGrace applies when a job definition leaves the grace unset.
const DefaultMisfireGrace = time.Hour

// DefaultSyncInterval is the period of the self-scheduled db_sync entry.
const DefaultSyncInterval = 60 * time.Second

// SyncEntryID is the engine entry driving periodic store-to-engine sync.
const SyncEntryID = "db_sync"

// WorkflowEntryPrefix prefixes engine entries owned by scheduled workflows.
const WorkflowEntryPrefix = "workflow_"

// idPattern constrains job ids to a filesystem- and URL-safe charset.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Reconciler mirrors store state into the engine.
type Reconciler struct {
	store  *store.Store
	engine *scheduler.Engine
	logger *slog.Logger

	// deleteOrphans removes engine entries with no backing definition.
	deleteOrphans bool
}

// New creates a Reconciler.
func New(st *store.Store, engine *scheduler.Engine, deleteOrphans bool) *Reconciler {
	return &Reconciler{
		store:         st,
		engine:        engine,
		logger:        slog.Default().With(slog.String("component", "reconciler")),
		deleteOrphans: deleteOrphans,
	}
}

// seedJob is one entry of the YAML seed file.
type seedJob struct {
	ID              string         `yaml:"id"`
	Name            string         `yaml:"name"`
	Description     string         `yaml:"description"`
	IsEnabled       *bool          `yaml:"is_enabled"`
	Trigger         trigger.Spec   `yaml:"trigger"`
	TaskType        string         `yaml:"task_type"`
	TaskParams      map[string]any `yaml:"task_parameters"`
	MaxInstances    int            `yaml:"max_instances"`
	Coalesce        bool           `yaml:"coalesce"`
	MisfireGrace    *int           `yaml:"misfire_grace_time"`
	ReplaceExisting bool           `yaml:"replace_existing"`
}

// SeedFromFile loads job definitions from a YAML list and upserts the valid
// ones. Invalid entries are logged and skipped; existing ids are kept unless
// the entry sets replace_existing.
func (r *Reconciler) SeedFromFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read seed file: %w", err)
	}

	var seeds []seedJob
	if err := yaml.Unmarshal(data, &seeds); err != nil {
		return fmt.Errorf("failed to parse seed file: %w", err)
	}

	applied := 0
	for _, seed := range seeds {
		job, err := seed.toJob()
		if err != nil {
			r.logger.Warn("skipping invalid seed entry",
				slog.String(log.JobIDKey, seed.ID), log.Error(err))
			continue
		}

		if !seed.ReplaceExisting {
			if _, err := r.store.GetJob(ctx, job.ID); err == nil {
				r.logger.Debug("seed entry exists, not replacing",
					slog.String(log.JobIDKey, job.ID))
				continue
			}
		}

		if err := r.store.UpsertJob(ctx, job); err != nil {
			r.logger.Error("failed to store seed entry",
				slog.String(log.JobIDKey, job.ID), log.Error(err))
			continue
		}
		applied++
	}

	r.logger.Info("seed file applied",
		slog.String("path", path),
		slog.Int("entries", len(seeds)),
		slog.Int("applied", applied))
	return nil
}

// toJob validates a seed entry and converts it to a job definition.
func (s seedJob) toJob() (*store.JobDefinition, error) {
	params, err := json.Marshal(s.TaskParams)
	if err != nil {
		return nil, fmt.Errorf("invalid task parameters: %w", err)
	}

	job := &store.JobDefinition{
		ID:               s.ID,
		Name:             s.Name,
		Description:      s.Description,
		IsEnabled:        s.IsEnabled == nil || *s.IsEnabled,
		Trigger:          s.Trigger,
		TaskType:         s.TaskType,
		TaskParams:       params,
		MaxInstances:     s.MaxInstances,
		Coalesce:         s.Coalesce,
		MisfireGraceSecs: s.MisfireGrace,
	}
	if job.Name == "" {
		job.Name = job.ID
	}
	if err := ValidateJob(job); err != nil {
		return nil, err
	}
	return job, nil
}

// ValidateJob checks a job definition: id charset, trigger validity, and the
// task parameter rules for its task type.
func ValidateJob(job *store.JobDefinition) error {
	if !idPattern.MatchString(job.ID) {
		return fmt.Errorf("invalid job id %q: allowed characters are A-Za-z0-9._-", job.ID)
	}
	if _, err := job.Trigger.Build(); err != nil {
		return fmt.Errorf("invalid trigger: %w", err)
	}
	if job.MaxInstances < 0 {
		return fmt.Errorf("max_instances must not be negative")
	}
	if job.MisfireGraceSecs != nil && *job.MisfireGraceSecs < 0 {
		return fmt.Errorf("misfire_grace_time must not be negative")
	}

	switch job.TaskType {
	case store.TaskShell:
		var p executor.ShellParams
		if err := json.Unmarshal(job.TaskParams, &p); err != nil {
			return fmt.Errorf("invalid shell parameters: %w", err)
		}
		if strings.TrimSpace(p.Command) == "" {
			return fmt.Errorf("shell tasks require a command")
		}
		if _, err := executor.ResolveCwd("/", p.Cwd); err != nil {
			return err
		}
	case store.TaskFunction:
		var p executor.FunctionParams
		if err := json.Unmarshal(job.TaskParams, &p); err != nil {
			return fmt.Errorf("invalid function parameters: %w", err)
		}
		if p.Module == "" || p.Function == "" {
			return fmt.Errorf("function tasks require module and function")
		}
	case store.TaskEmail:
		var p executor.EmailParams
		if err := json.Unmarshal(job.TaskParams, &p); err != nil {
			return fmt.Errorf("invalid email parameters: %w", err)
		}
		if len(p.To) == 0 {
			return fmt.Errorf("email tasks require at least one recipient")
		}
	default:
		return fmt.Errorf("unknown task type %q", job.TaskType)
	}
	return nil
}

// SyncFromStore mirrors job definitions and scheduled workflows into engine
// entries. Unchanged definitions are left alone so their trigger anchors and
// fire times survive; disabled definitions are installed paused.
func (r *Reconciler) SyncFromStore(ctx context.Context) error {
	jobs, err := r.store.ListJobs(ctx, 0, 0)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	wanted := map[string]bool{}
	for _, job := range jobs {
		wanted[job.ID] = true
		r.syncJob(ctx, job)
	}

	workflows, err := r.store.ListWorkflows(ctx)
	if err != nil {
		return fmt.Errorf("failed to list workflows: %w", err)
	}
	for _, wf := range workflows {
		if wf.Schedule == "" {
			continue
		}
		id := fmt.Sprintf("%s%d", WorkflowEntryPrefix, wf.ID)
		wanted[id] = true
		r.syncWorkflow(ctx, wf, id)
	}

	// Workflow entries always track their workflow row; a deleted or
	// unscheduled workflow takes its entry with it.
	for _, id := range r.engine.IDs() {
		if strings.HasPrefix(id, WorkflowEntryPrefix) && !wanted[id] {
			r.engine.Remove(ctx, id)
		}
	}

	if r.deleteOrphans {
		for _, id := range r.engine.IDs() {
			if wanted[id] || id == SyncEntryID ||
				strings.HasPrefix(id, WorkflowEntryPrefix) || scheduler.IsRetryID(id) {
				continue
			}
			r.logger.Info("removing orphaned schedule entry",
				slog.String(log.EntryIDKey, id))
			r.engine.Remove(ctx, id)
		}
	}
	return nil
}

func (r *Reconciler) syncJob(ctx context.Context, job *store.JobDefinition) {
	if err := ValidateJob(job); err != nil {
		r.logger.Warn("skipping invalid job definition",
			slog.String(log.JobIDKey, job.ID), log.Error(err))
		return
	}

	fp := fingerprintJob(job)
	if installed, ok := r.engine.FingerprintOf(job.ID); ok && installed == fp {
		// Only the enabled flag may have flipped.
		r.engine.SetPausedState(ctx, job.ID, !job.IsEnabled)
		return
	}

	tr, err := job.Trigger.Build()
	if err != nil {
		r.logger.Warn("skipping job with invalid trigger",
			slog.String(log.JobIDKey, job.ID), log.Error(err))
		return
	}

	entry := &scheduler.Entry{
		ID:      job.ID,
		Trigger: tr,
		Task: executor.TaskRef{
			JobID:  job.ID,
			Kind:   job.TaskType,
			Params: job.TaskParams,
		},
		MaxInstances: job.MaxInstances,
		Coalesce:     job.Coalesce,
		Paused:       !job.IsEnabled,
		Fingerprint:  fp,
		Isolated:     job.TaskType == store.TaskFunction,
	}

	grace := DefaultMisfireGrace
	if job.MisfireGraceSecs != nil {
		grace = time.Duration(*job.MisfireGraceSecs) * time.Second
	}
	entry.MisfireGrace = &grace

	r.engine.AddOrReplace(ctx, entry)
}

func (r *Reconciler) syncWorkflow(ctx context.Context, wf *store.Workflow, id string) {
	if !wf.IsEnabled {
		if r.engine.Has(id) {
			r.engine.Remove(ctx, id)
		}
		return
	}

	fp := fingerprintWorkflow(wf)
	if installed, ok := r.engine.FingerprintOf(id); ok && installed == fp {
		return
	}

	tr, err := trigger.ParseCronLine(wf.Schedule)
	if err != nil {
		r.logger.Warn("skipping workflow with invalid schedule",
			slog.String(log.WorkflowKey, wf.Name), log.Error(err))
		return
	}

	params, err := json.Marshal(executor.WorkflowParams{WorkflowID: wf.ID})
	if err != nil {
		r.logger.Error("failed to encode workflow entry",
			slog.String(log.WorkflowKey, wf.Name), log.Error(err))
		return
	}

	r.engine.AddOrReplace(ctx, &scheduler.Entry{
		ID:      id,
		Trigger: tr,
		Task: executor.TaskRef{
			JobID:  id,
			Kind:   executor.KindWorkflow,
			Params: params,
		},
		MaxInstances: 1,
		Coalesce:     true,
		Fingerprint:  fp,
	})
}

// InstallPeriodicSync installs the engine entry that re-runs SyncFromStore.
// The sync runs through the dispatcher like any other task, so it shows up in
// execution logs, but as an internal task: it must run inside the daemon
// process, where the engine lives.
func (r *Reconciler) InstallPeriodicSync(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}

	executor.Register("tasktime:db_sync", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return nil, r.SyncFromStore(ctx)
	})

	spec := trigger.Spec{Type: trigger.KindInterval, Seconds: int(interval / time.Second)}
	tr, err := spec.Build()
	if err != nil {
		return fmt.Errorf("failed to build sync trigger: %w", err)
	}

	params, err := json.Marshal(executor.FunctionParams{Module: "tasktime", Function: "db_sync"})
	if err != nil {
		return err
	}

	r.engine.AddOrReplace(ctx, &scheduler.Entry{
		ID:           SyncEntryID,
		Trigger:      tr,
		Task:         executor.TaskRef{JobID: SyncEntryID, Kind: executor.KindInternal, Params: params},
		MaxInstances: 1,
		Coalesce:     true,
	})
	return nil
}

func fingerprintJob(job *store.JobDefinition) string {
	blob, _ := json.Marshal(struct {
		Trigger      trigger.Spec    `json:"trigger"`
		TaskType     string          `json:"task_type"`
		Params       json.RawMessage `json:"params"`
		MaxInstances int             `json:"max_instances"`
		Coalesce     bool            `json:"coalesce"`
		Grace        *int            `json:"grace"`
	}{job.Trigger, job.TaskType, job.TaskParams, job.MaxInstances, job.Coalesce, job.MisfireGraceSecs})
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

func fingerprintWorkflow(wf *store.Workflow) string {
	sum := sha256.Sum256([]byte("workflow\x00" + wf.Schedule))
	return hex.EncodeToString(sum[:])
}
