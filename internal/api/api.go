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

// Package api provides the HTTP control plane: job and workflow CRUD,
// scheduler control, execution history, and dashboard data.
package api

import (
	"log/slog"
	"net/http"

	"github.com/tasktime/tasktime/internal/metrics"
	"github.com/tasktime/tasktime/internal/reconciler"
	"github.com/tasktime/tasktime/internal/scheduler"
	"github.com/tasktime/tasktime/internal/store"
	"github.com/tasktime/tasktime/internal/workflow"
)

// Server holds the handler dependencies.
type Server struct {
	store      *store.Store
	engine     *scheduler.Engine
	reconciler *reconciler.Reconciler
	runner     *workflow.Runner
	logger     *slog.Logger

	// workDir is the sandbox root exposed by /api/workdir.
	workDir string

	// seedPath backs the /api/jobs_yaml endpoint.
	seedPath string
}

// Config configures the Server.
type Config struct {
	WorkDir  string
	SeedPath string
}

// NewServer creates a Server.
func NewServer(st *store.Store, engine *scheduler.Engine, rec *reconciler.Reconciler, runner *workflow.Runner, cfg Config) *Server {
	return &Server{
		store:      st,
		engine:     engine,
		reconciler: rec,
		runner:     runner,
		logger:     slog.Default().With(slog.String("component", "api")),
		workDir:    cfg.WorkDir,
		seedPath:   cfg.SeedPath,
	}
}

// Router builds the ServeMux with all routes registered.
func (s *Server) Router() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/dashboard/summary", s.handleDashboardSummary)
	mux.HandleFunc("GET /api/logs", s.handleListLogs)
	mux.HandleFunc("GET /api/timeline/data", s.handleTimeline)
	mux.HandleFunc("GET /api/jobs_yaml", s.handleJobsYAML)
	mux.HandleFunc("GET /api/workdir", s.handleWorkdir)

	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("POST /api/jobs", s.handleCreateJob)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("PUT /api/jobs/{id}", s.handleUpdateJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", s.handleDeleteJob)
	mux.HandleFunc("GET /api/jobs/{id}/history", s.handleJobHistory)
	mux.HandleFunc("POST /api/jobs/bulk/delete", s.handleBulkDeleteJobs)

	mux.HandleFunc("GET /api/scheduler/jobs", s.handleSchedulerJobs)
	mux.HandleFunc("POST /api/scheduler/jobs/{id}/pause", s.handlePauseJob)
	mux.HandleFunc("POST /api/scheduler/jobs/{id}/resume", s.handleResumeJob)
	mux.HandleFunc("POST /api/scheduler/jobs/{id}/run", s.handleRunJobNow)
	mux.HandleFunc("POST /api/scheduler/jobs/bulk/pause", s.handleBulkPause)
	mux.HandleFunc("POST /api/scheduler/jobs/bulk/resume", s.handleBulkResume)

	mux.HandleFunc("GET /api/workflows", s.handleListWorkflows)
	mux.HandleFunc("POST /api/workflows", s.handleCreateWorkflow)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("PUT /api/workflows/{id}", s.handleUpdateWorkflow)
	mux.HandleFunc("DELETE /api/workflows/{id}", s.handleDeleteWorkflow)
	mux.HandleFunc("POST /api/workflows/{id}/run", s.handleRunWorkflow)
	mux.HandleFunc("GET /api/workflows/{id}/runs", s.handleWorkflowRuns)

	mux.Handle("GET /metrics", metrics.Handler())

	return mux
}

// resync mirrors store changes into the engine after a mutation.
func (s *Server) resync(r *http.Request) {
	if err := s.reconciler.SyncFromStore(r.Context()); err != nil {
		s.logger.Error("post-mutation sync failed", slog.Any("error", err))
	}
}
