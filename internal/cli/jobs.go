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
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tasktime/tasktime/internal/store"
)

func newJobsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage job definitions",
	}
	cmd.AddCommand(newJobsListCommand())
	cmd.AddCommand(newJobsShowCommand())
	cmd.AddCommand(newJobsApplyCommand())
	cmd.AddCommand(newJobsDeleteCommand())
	return cmd
}

func newJobsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List job definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Jobs  []store.JobDefinition `json:"jobs"`
				Total int                   `json:"total"`
			}
			if err := client().Get("/api/jobs?limit=1000", &out); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTYPE\tTRIGGER\tENABLED")
			for _, job := range out.Jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n",
					job.ID, job.Name, job.TaskType, job.Trigger.Type, job.IsEnabled)
			}
			return w.Flush()
		},
	}
}

func newJobsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a job definition as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var job json.RawMessage
			if err := client().Get("/api/jobs/"+args[0], &job); err != nil {
				return err
			}
			return printJSON(cmd, job)
		},
	}
}

func newJobsApplyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "apply <file>",
		Short: "Create or update a job definition from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var job store.JobDefinition
			if err := json.Unmarshal(data, &job); err != nil {
				return fmt.Errorf("invalid job file: %w", err)
			}
			if job.ID == "" {
				return fmt.Errorf("job file must set an id")
			}

			// Try update first; fall back to create for new ids.
			c := client()
			err = c.do(http.MethodPut, "/api/jobs/"+job.ID, job, nil)
			if err != nil {
				if err := c.Post("/api/jobs", job, nil); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", job.ID)
			return nil
		},
	}
}

func newJobsDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete job definitions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if err := client().Delete("/api/jobs/"+args[0], nil); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			}

			var out struct {
				Deleted int `json:"deleted"`
			}
			if err := client().Post("/api/jobs/bulk/delete", map[string]any{"ids": args}, &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d job(s)\n", out.Deleted)
			return nil
		},
	}
}

func printJSON(cmd *cobra.Command, raw json.RawMessage) error {
	var buf map[string]any
	if err := json.Unmarshal(raw, &buf); err != nil {
		return err
	}
	pretty, err := json.MarshalIndent(buf, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(pretty))
	return nil
}
