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

package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/tasktime/tasktime/internal/httputil"
	"github.com/tasktime/tasktime/internal/reconciler"
	"github.com/tasktime/tasktime/internal/store"
)

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	skip, limit := paging(r, 0, 100)

	jobs, err := s.store.ListJobs(r.Context(), skip, limit)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := s.store.CountJobs(r.Context())
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if jobs == nil {
		jobs = []*store.JobDefinition{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"total": total,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, job)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var job store.JobDefinition
	if err := httputil.ReadJSON(r, &job); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid job payload: "+err.Error())
		return
	}
	if job.MaxInstances <= 0 {
		job.MaxInstances = 1
	}
	if err := reconciler.ValidateJob(&job); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := s.store.GetJob(r.Context(), job.ID); err == nil {
		httputil.WriteError(w, http.StatusConflict, "job already exists: "+job.ID)
		return
	}

	if err := s.store.UpsertJob(r.Context(), &job); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.resync(r)
	httputil.WriteJSON(w, http.StatusCreated, job)
}

func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetJob(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "job not found")
		return
	} else if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var job store.JobDefinition
	if err := httputil.ReadJSON(r, &job); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid job payload: "+err.Error())
		return
	}
	job.ID = id
	if job.MaxInstances <= 0 {
		job.MaxInstances = 1
	}
	if err := reconciler.ValidateJob(&job); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.UpsertJob(r.Context(), &job); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.resync(r)
	httputil.WriteJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.store.DeleteJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.engine.Remove(r.Context(), id)
	s.resync(r)
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"detail": "job deleted"})
}

func (s *Server) handleBulkDeleteJobs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}
	if len(req.IDs) == 0 {
		httputil.WriteError(w, http.StatusBadRequest, "ids is required")
		return
	}

	deleted := 0
	for _, id := range req.IDs {
		if err := s.store.DeleteJob(r.Context(), id); err == nil {
			s.engine.Remove(r.Context(), id)
			deleted++
		}
	}
	s.resync(r)
	httputil.WriteJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func (s *Server) handleJobHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	skip, limit := paging(r, 0, 50)

	logs, err := s.store.ListLogs(r.Context(), store.LogFilter{JobID: id, Skip: skip, Limit: limit})
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if logs == nil {
		logs = []*store.ExecutionLog{}
	}
	httputil.WriteJSON(w, http.StatusOK, logs)
}

// paging reads skip/limit query parameters with defaults.
func paging(r *http.Request, defaultSkip, defaultLimit int) (int, int) {
	skip, limit := defaultSkip, defaultLimit
	if v := r.URL.Query().Get("skip"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			skip = n
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	return skip, limit
}
