package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"coe/pkg/boss"
	"coe/pkg/protocol"
	"coe/pkg/store"

	"github.com/spf13/cobra"
)

// newTicketCmd creates the "coe ticket" command group.
func newTicketCmd(env *cliEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ticket",
		Short: "Create, list and reply to tickets",
	}
	cmd.AddCommand(newTicketCreateCmd(env), newTicketListCmd(env), newTicketReplyCmd(env))
	return cmd
}

type ticketFlags struct {
	body      string
	priority  string
	op        string
	criteria  string
	blockedBy string
	planID    string
	aiMode    string
}

func newTicketCreateCmd(env *cliEnv) *cobra.Command {
	var f ticketFlags
	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a ticket and wake the engine",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, paths, err := env.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			t, err := createTicket(cmd.Context(), st, strings.Join(args, " "), f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s %s\n", t.Ref(), t.ID)
			return touchKick(paths)
		},
	}
	cmd.Flags().StringVar(&f.body, "body", "", "ticket description")
	cmd.Flags().StringVarP(&f.priority, "priority", "p", "P2", "priority: P1, P2 or P3")
	cmd.Flags().StringVar(&f.op, "op", "", "operation type (code_generation, design, question, ...)")
	cmd.Flags().StringVar(&f.criteria, "criteria", "", "acceptance criteria")
	cmd.Flags().StringVar(&f.blockedBy, "blocked-by", "", "ticket that must resolve first")
	cmd.Flags().StringVar(&f.planID, "plan", "", "plan the ticket belongs to")
	cmd.Flags().StringVar(&f.aiMode, "ai-mode", "", "per-ticket AI mode override: manual, suggest, hybrid or smart")
	return cmd
}

func createTicket(ctx context.Context, st store.Store, title string, f ticketFlags) (*protocol.Ticket, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("ticket title is required")
	}
	t := &protocol.Ticket{
		Title:              title,
		Body:               f.body,
		Priority:           protocol.ParsePriority(f.priority),
		OperationType:      f.op,
		AcceptanceCriteria: f.criteria,
		PlanID:             f.planID,
	}
	if f.aiMode != "" {
		t.AIMode = protocol.ParseAIMode(f.aiMode)
		if t.AIMode == "" {
			return nil, fmt.Errorf("unknown ai mode %q", f.aiMode)
		}
	}
	if f.blockedBy != "" {
		blocker, err := resolveTicket(ctx, st, f.blockedBy)
		if err != nil {
			return nil, fmt.Errorf("blocked-by: %w", err)
		}
		t.BlockingTicketID = blocker.ID
	}
	created, err := st.CreateTicket(ctx, t)
	if err != nil {
		return nil, err
	}
	_ = st.Audit(ctx, protocol.AuditEntry{Kind: "ticket_created", Source: "cli", TicketID: created.ID, Detail: created.Title})
	return created, nil
}

func newTicketListCmd(env *cliEnv) *cobra.Command {
	var statuses []string
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tickets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := env.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			f := store.TicketFilter{}
			switch {
			case len(statuses) > 0:
				for _, s := range statuses {
					f.Statuses = append(f.Statuses, protocol.TicketStatus(strings.ToLower(s)))
				}
			case !all:
				f.Statuses = []protocol.TicketStatus{protocol.StatusOpen, protocol.StatusInReview, protocol.StatusOnHold, protocol.StatusEscalated}
			}
			ts, err := st.ListTickets(cmd.Context(), f)
			if err != nil {
				return err
			}
			printTickets(cmd.OutOrStdout(), ts)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only these statuses")
	cmd.Flags().BoolVar(&all, "all", false, "include resolved tickets")
	return cmd
}

func printTickets(w io.Writer, ts []*protocol.Ticket) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REF\tPRI\tSTATUS\tPROCESSING\tTITLE\tID")
	for _, t := range ts {
		proc := string(t.ProcessingStatus)
		if proc == "" {
			proc = "-"
		}
		title := t.Title
		if t.IsGhost {
			title = "? " + title
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", t.Ref(), t.Priority, t.Status, proc, title, t.ID)
	}
	_ = tw.Flush()
}

func newTicketReplyCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "reply <ticket> <message>",
		Short: "Reply on a ticket; escalated or held tickets are reopened",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, paths, err := env.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			target, err := resolveTicket(cmd.Context(), st, args[0])
			if err != nil {
				return err
			}
			t, err := boss.ApplyReply(cmd.Context(), st, target.ID, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replied on %s (%s)\n", t.Ref(), t.Status)
			return touchKick(paths)
		},
	}
}

// resolveTicket finds a ticket by ID or by number ("#12" or "12").
func resolveTicket(ctx context.Context, st store.Store, ref string) (*protocol.Ticket, error) {
	t, err := st.GetTicket(ctx, ref)
	if err == nil {
		return t, nil
	}
	if !protocol.IsNotFound(err) {
		return nil, err
	}
	n, convErr := strconv.Atoi(strings.TrimPrefix(ref, "#"))
	if convErr != nil {
		return nil, err
	}
	all, listErr := st.ListTickets(ctx, store.TicketFilter{})
	if listErr != nil {
		return nil, listErr
	}
	for _, t := range all {
		if t.Number == n {
			return t, nil
		}
	}
	return nil, err
}
