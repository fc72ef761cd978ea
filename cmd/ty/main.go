package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

const defaultConfigPath = "teamyard.yaml"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ty",
		Short:         "Teamyard: hierarchical multi-agent team sessions",
		Long:          "Teamyard runs teams of model-backed agents that coordinate through mailboxes and a shared task list.",
		SilenceUsage:  true,
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newDBCmd())
	cmd.AddCommand(newModelsCmd())
	cmd.AddCommand(newSessionsCmd())
	cmd.AddCommand(newInboxCmd())
	cmd.AddCommand(newTasksCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ty %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
