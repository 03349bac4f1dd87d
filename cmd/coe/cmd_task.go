package main

import (
	"fmt"
	"text/tabwriter"

	"coe/pkg/protocol"

	"github.com/spf13/cobra"
)

// newTaskCmd creates the "coe task" command group.
func newTaskCmd(env *cliEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage the tasks of a plan",
	}
	cmd.AddCommand(newTaskAddCmd(env), newTaskListCmd(env))
	return cmd
}

func newTaskAddCmd(env *cliEnv) *cobra.Command {
	var (
		planID      string
		description string
		criteria    string
		priority    string
		minutes     int
	)
	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Add a task to a plan (the active plan by default)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := env.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			var planArgs []string
			if planID != "" {
				planArgs = []string{planID}
			}
			p, err := planArg(cmd.Context(), st, planArgs)
			if err != nil {
				return err
			}
			task := &protocol.Task{
				PlanID:             p.ID,
				Title:              args[0],
				Description:        description,
				AcceptanceCriteria: criteria,
				Priority:           protocol.ParsePriority(priority),
				EstimatedMinutes:   minutes,
			}
			if err := st.CreateTask(cmd.Context(), task); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added task %s to %s\n", task.ID, p.Name)
			if minutes < protocol.MinTaskMinutes || minutes > protocol.MaxTaskMinutes {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: estimate %dm is outside %d-%dm; the planning gate will not pass\n",
					minutes, protocol.MinTaskMinutes, protocol.MaxTaskMinutes)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&planID, "plan", "", "plan ID (default: active plan)")
	cmd.Flags().StringVar(&description, "description", "", "what the task delivers")
	cmd.Flags().StringVar(&criteria, "criteria", "", "acceptance criteria")
	cmd.Flags().StringVarP(&priority, "priority", "p", "P2", "priority: P1, P2 or P3")
	cmd.Flags().IntVar(&minutes, "minutes", 30, "estimated minutes")
	return cmd
}

func newTaskListCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "list [plan-id]",
		Short: "List a plan's tasks",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := env.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			p, err := planArg(cmd.Context(), st, args)
			if err != nil {
				return err
			}
			tasks, err := st.ListTasks(cmd.Context(), p.ID)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PRI\tSTATUS\tEST\tTITLE\tID")
			for _, t := range tasks {
				fmt.Fprintf(tw, "%s\t%s\t%dm\t%s\t%s\n", t.Priority, t.Status, t.EstimatedMinutes, t.Title, t.ID)
			}
			return tw.Flush()
		},
	}
}
