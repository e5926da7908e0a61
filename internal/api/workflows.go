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
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tasktime/tasktime/internal/httputil"
	"github.com/tasktime/tasktime/internal/log"
	"github.com/tasktime/tasktime/internal/store"
	"github.com/tasktime/tasktime/internal/trigger"
)

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := s.store.ListWorkflows(r.Context())
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if workflows == nil {
		workflows = []*store.Workflow{}
	}
	httputil.WriteJSON(w, http.StatusOK, workflows)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := workflowID(w, r)
	if !ok {
		return
	}
	wf, err := s.store.GetWorkflow(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, wf)
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf store.Workflow
	if err := httputil.ReadJSON(r, &wf); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid workflow payload: "+err.Error())
		return
	}
	wf.ID = 0
	if err := validateWorkflow(&wf); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := s.store.GetWorkflowByName(r.Context(), wf.Name); err == nil {
		httputil.WriteError(w, http.StatusConflict, "workflow already exists: "+wf.Name)
		return
	}

	if err := s.store.UpsertWorkflowWithSteps(r.Context(), &wf); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.resync(r)
	httputil.WriteJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := workflowID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetWorkflow(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "workflow not found")
		return
	} else if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var wf store.Workflow
	if err := httputil.ReadJSON(r, &wf); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid workflow payload: "+err.Error())
		return
	}
	wf.ID = id
	if err := validateWorkflow(&wf); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Steps are replaced as a unit.
	if err := s.store.UpsertWorkflowWithSteps(r.Context(), &wf); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.resync(r)
	httputil.WriteJSON(w, http.StatusOK, wf)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := workflowID(w, r)
	if !ok {
		return
	}
	err := s.store.DeleteWorkflow(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.resync(r)
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"detail": "workflow deleted"})
}

func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := workflowID(w, r)
	if !ok {
		return
	}

	var req struct {
		Params map[string]any `json:"params"`
	}
	if r.ContentLength > 0 {
		if err := httputil.ReadJSON(r, &req); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid payload: "+err.Error())
			return
		}
	}

	if _, err := s.store.GetWorkflow(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "workflow not found")
		return
	} else if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Ad-hoc runs are detached from the request lifetime.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 24*time.Hour)
		defer cancel()
		if _, err := s.runner.Run(ctx, id, req.Params); err != nil {
			s.logger.Error("ad-hoc workflow run failed",
				slog.Int64("workflow_id", id), log.Error(err))
		}
	}()

	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"detail": "workflow run started"})
}

func (s *Server) handleWorkflowRuns(w http.ResponseWriter, r *http.Request) {
	id, ok := workflowID(w, r)
	if !ok {
		return
	}
	runs, err := s.store.ListWorkflowRuns(r.Context(), id, time.Time{})
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []*store.WorkflowRun{}
	}
	httputil.WriteJSON(w, http.StatusOK, runs)
}

func workflowID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		httputil.WriteError(w, http.StatusBadRequest, "invalid workflow id")
		return 0, false
	}
	return id, true
}

func validateWorkflow(wf *store.Workflow) error {
	if wf.Name == "" {
		return errors.New("workflow name is required")
	}
	if wf.Schedule != "" {
		if _, err := trigger.ParseCronLine(wf.Schedule); err != nil {
			return err
		}
	}
	if len(wf.Steps) == 0 {
		return errors.New("workflow requires at least one step")
	}
	for i := range wf.Steps {
		step := &wf.Steps[i]
		if step.Name == "" {
			return errors.New("every step requires a name")
		}
		if step.Target == "" {
			return errors.New("every step requires a target")
		}
		switch step.JobType {
		case "shell", "python":
		default:
			return errors.New("step job_type must be shell or python")
		}
		switch step.OnFailure {
		case "":
			step.OnFailure = store.OnFailureStop
		case store.OnFailureStop, store.OnFailureContinue:
		default:
			return errors.New("on_failure must be stop or continue")
		}
		if step.StepOrder == 0 {
			step.StepOrder = i + 1
		}
	}
	return nil
}
