package main

import (
	"fmt"
	"io"
	"os"

	"coe/pkg/boss"
	"coe/pkg/config"

	"github.com/spf13/cobra"
)

// newRecoverCmd creates the "coe recover" subcommand.
func newRecoverCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Release tickets stuck in review so the engine picks them up again",
		Long: `Releases tickets stuck in review for longer than stale_processing_minutes
back to open, then wakes the engine so it queues them. Tickets that are still
within the threshold may belong to a running engine and are left alone; a
full recovery scan runs whenever "coe run" starts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := env.logger(os.Stderr)
			st, paths, err := env.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			cfg, err := config.Load(paths.ConfigPath)
			if err != nil {
				return err
			}
			e := buildEngine(st, config.Static(cfg), nil, logger)
			report, err := e.boss.RecoverStuck(cmd.Context())
			printReport(cmd.OutOrStdout(), report)
			if err != nil {
				return err
			}
			return touchKick(paths)
		},
	}
}

func printReport(w io.Writer, r boss.RecoveryReport) {
	fmt.Fprintf(w, "recovered %d ticket(s)\n", r.Total())
	rows := []struct {
		label string
		ids   []string
	}{
		{"in review", r.InReview},
		{"stale", r.Stale},
		{"orphaned", r.Orphaned},
		{"unqueued", r.Unqueued},
		{"skipped", r.Skipped},
	}
	for _, row := range rows {
		if len(row.ids) == 0 {
			continue
		}
		fmt.Fprintf(w, "  %-10s %d\n", row.label, len(row.ids))
		for _, id := range row.ids {
			fmt.Fprintf(w, "    %s\n", id)
		}
	}
}
