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
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tasktime/tasktime/internal/store"
)

func newWorkflowsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workflows",
		Aliases: []string{"wf"},
		Short:   "Manage workflows",
	}
	cmd.AddCommand(newWorkflowsListCommand())
	cmd.AddCommand(newWorkflowsRunCommand())
	cmd.AddCommand(newWorkflowsRunsCommand())
	return cmd
}

func newWorkflowsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			var workflows []store.Workflow
			if err := client().Get("/api/workflows", &workflows); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSCHEDULE\tSTEPS\tENABLED")
			for _, wf := range workflows {
				schedule := wf.Schedule
				if schedule == "" {
					schedule = "-"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%t\n",
					wf.ID, wf.Name, schedule, len(wf.Steps), wf.IsEnabled)
			}
			return w.Flush()
		},
	}
}

func newWorkflowsRunCommand() *cobra.Command {
	var params []string
	cmd := &cobra.Command{
		Use:   "run <id>",
		Short: "Start a workflow run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"params": parseParams(params)}
			if err := client().Post("/api/workflows/"+args[0]+"/run", body, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "run started")
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Runtime parameter as name=value (repeatable)")
	return cmd
}

func newWorkflowsRunsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "runs <id>",
		Short: "List runs of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var runs []store.WorkflowRun
			if err := client().Get("/api/workflows/"+args[0]+"/runs", &runs); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tSTATUS\tSTEP\tSTART\tDURATION")
			for _, run := range runs {
				duration := "-"
				if run.EndTime != nil {
					duration = run.EndTime.Sub(run.StartTime).Round(time.Millisecond).String()
				}
				fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n",
					run.ID, run.Status, run.CurrentStep,
					run.StartTime.Local().Format(time.RFC3339), duration)
			}
			return w.Flush()
		},
	}
}

// parseParams turns name=value pairs into a params map. Values that parse as
// numbers or booleans are typed accordingly.
func parseParams(pairs []string) map[string]any {
	out := map[string]any{}
	for _, pair := range pairs {
		name, value := pair, ""
		for i := 0; i < len(pair); i++ {
			if pair[i] == '=' {
				name, value = pair[:i], pair[i+1:]
				break
			}
		}
		if n, err := strconv.ParseFloat(value, 64); err == nil {
			out[name] = n
		} else if b, err := strconv.ParseBool(value); err == nil {
			out[name] = b
		} else {
			out[name] = value
		}
	}
	return out
}
