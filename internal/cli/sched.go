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
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tasktime/tasktime/internal/scheduler"
)

func newSchedCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sched",
		Short: "Inspect and control the live schedule",
	}
	cmd.AddCommand(newSchedListCommand())
	cmd.AddCommand(newSchedControlCommand("pause", "Pause schedule entries"))
	cmd.AddCommand(newSchedControlCommand("resume", "Resume paused schedule entries"))
	cmd.AddCommand(newSchedRunCommand())
	return cmd
}

func newSchedListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed schedule entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			var entries []scheduler.EntryStatus
			if err := client().Get("/api/scheduler/jobs", &entries); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTRIGGER\tTASK\tNEXT RUN\tPAUSED\tRUNNING")
			for _, e := range entries {
				next := "-"
				if e.NextRunTime != nil {
					next = e.NextRunTime.Local().Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%d/%d\n",
					e.ID, e.Kind, e.TaskKind, next, e.Paused, e.Running, e.MaxInstances)
			}
			return w.Flush()
		},
	}
}

func newSchedControlCommand(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if err := client().Post("/api/scheduler/jobs/"+args[0]+"/"+verb, nil, nil); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %sd\n", args[0], verb)
				return nil
			}

			var out struct {
				Applied int `json:"applied"`
			}
			if err := client().Post("/api/scheduler/jobs/bulk/"+verb, map[string]any{"ids": args}, &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%sd %d entr(ies)\n", verb, out.Applied)
			return nil
		},
	}
}

func newSchedRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run <id>",
		Short: "Trigger an entry to run immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().Post("/api/scheduler/jobs/"+args[0]+"/run", nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s triggered\n", args[0])
			return nil
		},
	}
}
