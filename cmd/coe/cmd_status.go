package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"coe/pkg/phase"
	"coe/pkg/protocol"
	"coe/pkg/store"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

// newStatusCmd creates the "coe status" subcommand.
func newStatusCmd(env *cliEnv) *cobra.Command {
	var (
		watch    bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show ticket counts, the active plan and open questions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := env.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			if watch {
				return watchStatus(cmd.Context(), st, interval)
			}
			data, err := collectStatus(cmd.Context(), st)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderStatus(data, defaultTheme()))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep refreshing in a full-screen view")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "refresh interval for --watch")
	return cmd
}

// statusData is everything "coe status" shows.
type statusData struct {
	Counts       []statusCount
	Queued       int
	AwaitingUser int
	Plan         *protocol.Plan
	Gate         *phase.GateResult
	Questions    []*protocol.Ticket
	Recent       []protocol.AuditEntry
}

type statusCount struct {
	Status protocol.TicketStatus
	N      int
}

var statusOrder = []protocol.TicketStatus{
	protocol.StatusOpen,
	protocol.StatusInReview,
	protocol.StatusOnHold,
	protocol.StatusEscalated,
	protocol.StatusResolved,
}

func collectStatus(ctx context.Context, st store.Store) (statusData, error) {
	var d statusData
	for _, s := range statusOrder {
		ts, err := st.ListTickets(ctx, store.TicketFilter{Statuses: []protocol.TicketStatus{s}, Ghost: protocol.Ptr(false)})
		if err != nil {
			return d, fmt.Errorf("count %s tickets: %w", s, err)
		}
		d.Counts = append(d.Counts, statusCount{Status: s, N: len(ts)})
	}

	queued, err := st.ListTickets(ctx, store.TicketFilter{Processing: []protocol.ProcessingStatus{protocol.ProcessingQueued}})
	if err != nil {
		return d, err
	}
	d.Queued = len(queued)

	questions, err := st.ListTickets(ctx, store.TicketFilter{
		Ghost:      protocol.Ptr(true),
		Statuses:   []protocol.TicketStatus{protocol.StatusOpen},
		Processing: []protocol.ProcessingStatus{protocol.ProcessingAwaitingUser},
	})
	if err != nil {
		return d, err
	}
	d.Questions = questions

	awaiting, err := st.ListTickets(ctx, store.TicketFilter{
		Ghost:      protocol.Ptr(false),
		Processing: []protocol.ProcessingStatus{protocol.ProcessingAwaitingUser},
	})
	if err != nil {
		return d, err
	}
	d.AwaitingUser = len(awaiting)

	p, err := st.GetActivePlan(ctx)
	var nf *protocol.PlanNotFoundError
	switch {
	case err == nil:
		d.Plan = p
		gate, err := phase.New(st, nil, nil, nil).Evaluate(ctx, p.ID)
		if err != nil {
			return d, err
		}
		d.Gate = &gate
	case !errors.As(err, &nf):
		return d, err
	}

	d.Recent, err = st.ListAudit(ctx, "", 5)
	if err != nil {
		return d, err
	}
	return d, nil
}

// theme is the status palette.
type theme struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	Good    lipgloss.Style
	Warn    lipgloss.Style
	Muted   lipgloss.Style
	Section lipgloss.Style
}

func defaultTheme() theme {
	return theme{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		Label:   lipgloss.NewStyle().Width(14),
		Good:    lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		Warn:    lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		Muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		Section: lipgloss.NewStyle().MarginTop(1),
	}
}

func renderStatus(d statusData, th theme) string {
	sections := []string{renderTickets(d, th), renderPlan(d, th)}
	if len(d.Questions) > 0 {
		sections = append(sections, renderQuestions(d, th))
	}
	if len(d.Recent) > 0 {
		sections = append(sections, renderRecent(d, th))
	}
	for i := 1; i < len(sections); i++ {
		sections[i] = th.Section.Render(sections[i])
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func renderTickets(d statusData, th theme) string {
	lines := []string{th.Title.Render("Tickets")}
	for _, c := range d.Counts {
		lines = append(lines, th.Label.Render(string(c.Status))+fmt.Sprint(c.N))
	}
	lines = append(lines,
		th.Label.Render("queued")+fmt.Sprint(d.Queued),
		th.Label.Render("awaiting you")+fmt.Sprint(d.AwaitingUser),
	)
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderPlan(d statusData, th theme) string {
	title := th.Title.Render("Plan")
	if d.Plan == nil {
		return lipgloss.JoinVertical(lipgloss.Left, title, th.Muted.Render("no active plan"))
	}
	lines := []string{
		title,
		th.Label.Render("name") + d.Plan.Name,
		th.Label.Render("phase") + string(d.Plan.Phase),
	}
	if d.Gate != nil {
		if d.Gate.Passed {
			lines = append(lines, th.Label.Render("gate")+th.Good.Render("passed"))
		} else {
			lines = append(lines, th.Label.Render("gate")+th.Warn.Render("blocked"))
			for _, b := range d.Gate.Blockers {
				lines = append(lines, "  - "+b)
			}
		}
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderQuestions(d statusData, th theme) string {
	lines := []string{th.Title.Render(fmt.Sprintf("Questions (%d)", len(d.Questions)))}
	for _, q := range d.Questions {
		lines = append(lines, fmt.Sprintf("%s %s %s", q.Ref(), q.Title, th.Muted.Render(q.ID)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderRecent(d statusData, th theme) string {
	lines := []string{th.Title.Render("Recent activity")}
	for _, e := range d.Recent {
		detail := strings.ReplaceAll(e.Detail, "\n", " ")
		if len(detail) > 80 {
			detail = protocol.Truncate(detail, 77) + "..."
		}
		lines = append(lines, th.Muted.Render(e.CreatedAt.Local().Format("15:04:05"))+" "+e.Kind+": "+detail)
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}
