package main

import (
	"fmt"
	"strings"

	"coe/pkg/boss"
	"coe/pkg/protocol"
	"coe/pkg/store"

	"github.com/spf13/cobra"
)

// newQuestionCmd creates the "coe question" command group.
func newQuestionCmd(env *cliEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "question",
		Short: "List and answer the engine's questions",
	}
	cmd.AddCommand(newQuestionListCmd(env), newQuestionAnswerCmd(env))
	return cmd
}

func newQuestionListCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List questions waiting for an answer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := env.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			qs, err := st.ListTickets(cmd.Context(), store.TicketFilter{
				Ghost:      protocol.Ptr(true),
				Statuses:   []protocol.TicketStatus{protocol.StatusOpen},
				Processing: []protocol.ProcessingStatus{protocol.ProcessingAwaitingUser},
			})
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(qs) == 0 {
				fmt.Fprintln(w, "no open questions")
				return nil
			}
			for _, q := range qs {
				fmt.Fprintf(w, "%s %s (%s)\n%s\n\n", q.Ref(), q.Title, q.ID, q.Body)
			}
			return nil
		},
	}
}

func newQuestionAnswerCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "answer <question> <answer>",
		Short: "Answer a question; the ticket it is about resumes",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, paths, err := env.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			q, err := resolveTicket(cmd.Context(), st, args[0])
			if err != nil {
				return err
			}
			answered, err := boss.ApplyAnswer(cmd.Context(), st, q.ID, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "answered %s\n", answered.Ref())
			return touchKick(paths)
		},
	}
}
