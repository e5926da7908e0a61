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

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// SetVersion records build-time version information for the version command.
func SetVersion(v, c, d string) {
	version, commit, buildDate = v, c, d
}

// serverFlag holds the --server value shared by all subcommands.
var serverFlag string

// client builds a Client from the global --server flag.
func client() *Client {
	return NewClient(serverFlag)
}

// NewRootCommand creates the root command with all subcommands attached.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "tasktime",
		Short: "Control a running tasktime daemon",
		Long: `tasktime is the command line client for the tasktime scheduler daemon.
It manages job definitions, workflows, and the live schedule over the HTTP API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&serverFlag, "server", "",
		"Daemon address (default TASKTIME_SERVER or "+DefaultServer+")")

	root.AddCommand(newJobsCommand())
	root.AddCommand(newSchedCommand())
	root.AddCommand(newLogsCommand())
	root.AddCommand(newWorkflowsCommand())
	root.AddCommand(newSummaryCommand())
	root.AddCommand(newVersionCommand())

	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "tasktime %s (commit: %s, built: %s)\n",
				version, commit, buildDate)
			return nil
		},
	}
}
