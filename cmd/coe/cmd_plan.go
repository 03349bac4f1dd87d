package main

import (
	"context"
	"fmt"
	"io"

	"coe/pkg/boss"
	"coe/pkg/phase"
	"coe/pkg/protocol"
	"coe/pkg/store"

	"github.com/spf13/cobra"
)

// newPlanCmd creates the "coe plan" command group.
func newPlanCmd(env *cliEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Create, approve and advance plans",
	}
	cmd.AddCommand(newPlanCreateCmd(env), newPlanApproveCmd(env), newPlanAdvanceCmd(env))
	return cmd
}

func newPlanCreateCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Create a plan and make it the active one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := env.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			p, err := st.CreatePlan(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created plan %s (%s), phase %s\n", p.Name, p.ID, p.Phase)
			return nil
		},
	}
}

func newPlanApproveCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "approve [plan-id]",
		Short: "Approve the plan's design and answer its pending approval questions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, paths, err := env.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			p, err := planArg(cmd.Context(), st, args)
			if err != nil {
				return err
			}
			n, err := approvePlan(cmd.Context(), st, p)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "approved design for %s (%d question(s) answered)\n", p.Name, n)
			return touchKick(paths)
		},
	}
}

// approvePlan marks the design approved and answers every open plan-level
// approval question.
func approvePlan(ctx context.Context, st store.Store, p *protocol.Plan) (int, error) {
	if err := st.SetDesignApproved(ctx, p.ID, true); err != nil {
		return 0, err
	}
	qs, err := st.ListTickets(ctx, store.TicketFilter{
		PlanID:         p.ID,
		Ghost:          protocol.Ptr(true),
		OperationTypes: []string{protocol.OpApproval},
		Processing:     []protocol.ProcessingStatus{protocol.ProcessingAwaitingUser},
	})
	if err != nil {
		return 0, err
	}
	answered := 0
	for _, q := range qs {
		if q.ParentTicketID != "" {
			continue
		}
		if _, err := boss.ApplyAnswer(ctx, st, q.ID, "approved"); err != nil {
			return answered, err
		}
		answered++
	}
	_ = st.Audit(ctx, protocol.AuditEntry{Kind: "design_approved", Source: "cli", Detail: p.Name})
	return answered, nil
}

func newPlanAdvanceCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "advance [plan-id]",
		Short: "Check the current phase gate and advance the plan when it passes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, paths, err := env.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			p, err := planArg(cmd.Context(), st, args)
			if err != nil {
				return err
			}
			res, advanced, err := phase.New(st, nil, nil, env.logger(cmd.ErrOrStderr())).CheckAndAdvance(cmd.Context(), p.ID)
			if err != nil {
				return err
			}
			printGate(cmd.OutOrStdout(), p, res, advanced)
			if advanced {
				return touchKick(paths)
			}
			return nil
		},
	}
}

func printGate(w io.Writer, p *protocol.Plan, res phase.GateResult, advanced bool) {
	if advanced {
		next, _ := res.Phase.Next()
		fmt.Fprintf(w, "%s: %s -> %s\n", p.Name, res.Phase, next)
		return
	}
	fmt.Fprintf(w, "%s stays in %s\n", p.Name, res.Phase)
	for _, b := range res.Blockers {
		fmt.Fprintf(w, "  - %s\n", b)
	}
}

// planArg loads the plan named by args[0], or the active plan.
func planArg(ctx context.Context, st store.Store, args []string) (*protocol.Plan, error) {
	if len(args) > 0 {
		return st.GetPlan(ctx, args[0])
	}
	p, err := st.GetActivePlan(ctx)
	if err != nil {
		return nil, fmt.Errorf("no plan given and no active plan: %w", err)
	}
	return p, nil
}
