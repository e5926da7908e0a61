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
	"context"
	"errors"
	"net/http"

	"github.com/tasktime/tasktime/internal/httputil"
	"github.com/tasktime/tasktime/internal/store"
)

func (s *Server) handleSchedulerJobs(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handlePauseJob(w http.ResponseWriter, r *http.Request) {
	s.controlJob(w, r, s.engine.Pause, "paused")
}

func (s *Server) handleResumeJob(w http.ResponseWriter, r *http.Request) {
	s.controlJob(w, r, s.engine.Resume, "resumed")
}

func (s *Server) handleRunJobNow(w http.ResponseWriter, r *http.Request) {
	s.controlJob(w, r, s.engine.RunNow, "triggered")
}

func (s *Server) controlJob(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error, verb string) {
	id := r.PathValue("id")
	err := op(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "schedule entry not found")
		return
	}
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"detail": id + " " + verb})
}

func (s *Server) handleBulkPause(w http.ResponseWriter, r *http.Request) {
	s.bulkControl(w, r, s.engine.Pause)
}

func (s *Server) handleBulkResume(w http.ResponseWriter, r *http.Request) {
	s.bulkControl(w, r, s.engine.Resume)
}

func (s *Server) bulkControl(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error) {
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

	applied := 0
	for _, id := range req.IDs {
		if err := op(r.Context(), id); err == nil {
			applied++
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]int{"applied": applied})
}
