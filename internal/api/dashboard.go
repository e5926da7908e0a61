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
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/tasktime/tasktime/internal/executor"
	"github.com/tasktime/tasktime/internal/httputil"
	"github.com/tasktime/tasktime/internal/store"
)

func (s *Server) handleDashboardSummary(w http.ResponseWriter, r *http.Request) {
	total, err := s.store.CountJobs(r.Context())
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	running := 0
	for _, st := range s.engine.Snapshot() {
		running += st.Running
	}

	counts, err := s.store.CountLogsByStatus(r.Context(), time.Time{})
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]int{
		"total_jobs":      total,
		"running_jobs":    running,
		"successful_runs": counts[store.StatusCompleted],
		"failed_runs":     counts[store.StatusFailed],
	})
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	skip, limit := paging(r, 0, 100)
	filter := store.LogFilter{
		JobID:  r.URL.Query().Get("job_id"),
		Status: r.URL.Query().Get("status"),
		Skip:   skip,
		Limit:  limit,
	}

	logs, err := s.store.ListLogs(r.Context(), filter)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := s.store.CountLogs(r.Context(), store.LogFilter{JobID: filter.JobID, Status: filter.Status})
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if logs == nil {
		logs = []*store.ExecutionLog{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"logs":  logs,
		"total": total,
	})
}

// timelinePoint is a future scheduled fire.
type timelinePoint struct {
	ID   string    `json:"id"`
	Kind string    `json:"kind"`
	Time time.Time `json:"time"`
}

// timelineItem is a completed or in-flight execution rendered as a span.
type timelineItem struct {
	ID     string    `json:"id"`
	Group  string    `json:"group"`
	Status string    `json:"status"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	since := now.AddDate(0, 0, -7)

	scheduled := []timelinePoint{}
	for _, st := range s.engine.Snapshot() {
		if st.Paused || st.NextRunTime == nil {
			continue
		}
		scheduled = append(scheduled, timelinePoint{
			ID:   st.ID,
			Kind: st.TaskKind,
			Time: *st.NextRunTime,
		})
	}

	items := []timelineItem{}

	runs, err := s.store.ListWorkflowRuns(r.Context(), 0, since)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, run := range runs {
		end := now
		if run.EndTime != nil {
			end = *run.EndTime
		}
		items = append(items, timelineItem{
			ID:     "workflow_run_" + strconv.FormatInt(run.ID, 10),
			Group:  "workflow_" + strconv.FormatInt(run.WorkflowID, 10),
			Status: run.Status,
			Start:  run.StartTime,
			End:    end,
		})
	}

	logs, err := s.store.ListLogs(r.Context(), store.LogFilter{Since: since})
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, entry := range logs {
		// Step executions already appear inside their workflow run span.
		if entry.WorkflowRunID != nil {
			continue
		}
		end := now
		if entry.EndTime != nil {
			end = *entry.EndTime
		}
		items = append(items, timelineItem{
			ID:     entry.ID,
			Group:  entry.JobID,
			Status: entry.Status,
			Start:  entry.StartTime,
			End:    end,
		})
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Start.Before(items[j].Start) })

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"scheduled": scheduled,
		"items":     items,
	})
}

func (s *Server) handleJobsYAML(w http.ResponseWriter, r *http.Request) {
	if s.seedPath == "" {
		httputil.WriteError(w, http.StatusNotFound, "no seed file configured")
		return
	}
	data, err := os.ReadFile(s.seedPath)
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "seed file unavailable: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/x-yaml")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// workdirEntry describes one item in a working directory listing.
type workdirEntry struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	IsDir    bool      `json:"is_dir"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

func (s *Server) handleWorkdir(w http.ResponseWriter, r *http.Request) {
	rel := r.URL.Query().Get("path")
	abs, err := executor.ResolveCwd(s.workDir, rel)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	dirents, err := os.ReadDir(abs)
	if err != nil {
		if os.IsNotExist(err) {
			httputil.WriteError(w, http.StatusNotFound, "path not found")
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	entries := []workdirEntry{}
	for _, de := range dirents {
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, workdirEntry{
			Name:     de.Name(),
			Path:     filepath.Join(rel, de.Name()),
			IsDir:    de.IsDir(),
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"path":    rel,
		"entries": entries,
	})
}
