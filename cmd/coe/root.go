package main

import (
	"fmt"

	"coe/internal/version"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root coe command with all subcommands attached.
func newRootCmd() *cobra.Command {
	var logLevel string
	cmd := &cobra.Command{
		Use:           "coe",
		Short:         "Supervisory engine for an AI agent software factory",
		Long:          "coe drains a ticket queue through AI agent pipelines, verifies their output,\nescalates to a human when it has to, and walks plans through their phases.",
		Version:       fmt.Sprintf("coe %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	env := &cliEnv{logLevel: &logLevel}
	cmd.AddCommand(
		newRunCmd(env),
		newStatusCmd(env),
		newTicketCmd(env),
		newPlanCmd(env),
		newTaskCmd(env),
		newQuestionCmd(env),
		newRecoverCmd(env),
	)
	return cmd
}
