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

package cli

import (
	"fmt"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tasktime/tasktime/internal/store"
)

func newLogsCommand() *cobra.Command {
	var (
		jobID  string
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show execution history",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if jobID != "" {
				q.Set("job_id", jobID)
			}
			if status != "" {
				q.Set("status", status)
			}
			q.Set("limit", strconv.Itoa(limit))

			var out struct {
				Logs  []store.ExecutionLog `json:"logs"`
				Total int                  `json:"total"`
			}
			if err := client().Get("/api/logs?"+q.Encode(), &out); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JOB\tSTATUS\tSTART\tDURATION\tEXIT")
			for _, l := range out.Logs {
				duration := "-"
				if l.EndTime != nil {
					duration = l.EndTime.Sub(l.StartTime).Round(time.Millisecond).String()
				}
				exit := "-"
				if l.ExitCode != nil {
					exit = strconv.Itoa(*l.ExitCode)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					l.JobID, l.Status, l.StartTime.Local().Format(time.RFC3339), duration, exit)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d of %d shown\n", len(out.Logs), out.Total)
			return nil
		},
	}

	cmd.Flags().StringVar(&jobID, "job", "", "Filter by job id")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (PENDING, RUNNING, COMPLETED, FAILED)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of rows")
	return cmd
}

func newSummaryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Show dashboard counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			var sum map[string]int
			if err := client().Get("/api/dashboard/summary", &sum); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"jobs: %d\nrunning: %d\nsuccessful runs: %d\nfailed runs: %d\n",
				sum["total_jobs"], sum["running_jobs"],
				sum["successful_runs"], sum["failed_runs"])
			return nil
		},
	}
}
