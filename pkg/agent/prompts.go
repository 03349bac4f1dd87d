package agent

import (
	"fmt"
	"strings"

	"coe/pkg/protocol"
)

// roleBriefs describes each agent role in one line.
var roleBriefs = map[string]string{
	protocol.AgentBoss:           "You are the boss agent supervising an AI software factory. You act only through structured actions.",
	protocol.AgentOrchestrator:   "You are the orchestrator. You assess tickets before work begins and review completed work.",
	protocol.AgentPlanning:       "You are the planning agent. You turn a ticket into a concrete numbered implementation plan.",
	protocol.AgentClarity:        "You are the clarity agent. You turn user answers into clear, actionable guidance for the team.",
	protocol.AgentCoding:         "You are the coding agent. You write complete, working code for the ticket.",
	protocol.AgentDesign:         "You are the design agent. You write structured design documents with headings.",
	protocol.AgentVerification:   "You are the verification agent. You check work against acceptance criteria and report PASS or FAIL per criterion.",
	protocol.AgentTaskGeneration: "You are the task generation agent. You break a design into tasks of 15-45 minutes, each with acceptance criteria.",
}

func buildAgentPrompt(req protocol.AgentRequest) string {
	var b strings.Builder
	brief, ok := roleBriefs[req.Agent]
	if !ok {
		brief = fmt.Sprintf("You are the %s agent.", req.Agent)
	}
	b.WriteString(brief)
	b.WriteString("\n\n")
	b.WriteString(req.Message)
	b.WriteString("\n")
	writeOutputFormat(&b, req.Agent == protocol.AgentBoss)
	return b.String()
}

func buildReviewPrompt(req protocol.ReviewRequest) string {
	var b strings.Builder
	b.WriteString("You are reviewing an agent's deliverable before it is verified and accepted.\n")
	b.WriteString("Escalate only when a human must decide: scope changes, risky data or security changes,\n")
	b.WriteString("or requirements the agents cannot resolve. Do not escalate for style.\n\n")

	b.WriteString("## Context\n")
	fmt.Fprintf(&b, "Ticket: %s", req.Ticket.Ref())
	if req.Ticket.Title != "" {
		fmt.Fprintf(&b, " — %s", req.Ticket.Title)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Deliverable: %s\n", strings.ReplaceAll(req.DeliverableType, "_", " "))
	if req.Ticket.AcceptanceCriteria != "" {
		fmt.Fprintf(&b, "Acceptance: %s\n", req.Ticket.AcceptanceCriteria)
	}
	b.WriteString("\n## Output Under Review\n")
	b.WriteString(req.Output)
	b.WriteString("\n")
	writeOutputFormat(&b, true)
	return b.String()
}

func buildHealthPrompt(snap protocol.HealthSnapshot) string {
	var b strings.Builder
	b.WriteString("You are the boss agent running a system health check.\n")
	fmt.Fprintf(&b, "Trigger: %s\n\n", snap.Trigger)

	b.WriteString("## System State\n")
	fmt.Fprintf(&b, "- Queue length: %d\n", snap.QueueLength)
	fmt.Fprintf(&b, "- Open tickets: %d\n", snap.OpenTickets)
	fmt.Fprintf(&b, "- In review: %d\n", snap.InReview)
	fmt.Fprintf(&b, "- Escalated: %d\n", snap.Escalated)
	fmt.Fprintf(&b, "- Awaiting user: %d\n", snap.AwaitingUser)
	if snap.ActivePlan != "" {
		fmt.Fprintf(&b, "- Active plan: %s (phase %s)\n", snap.ActivePlan, snap.ActivePhase)
	}
	if len(snap.RecentFailures) > 0 {
		b.WriteString("\n## Recent Failures\n")
		for _, f := range snap.RecentFailures {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}

	b.WriteString("\n## Playbook\n")
	b.WriteString("1. If work is missing for the active phase, create a ticket for it\n")
	b.WriteString("2. If something needs a human decision, escalate with a clear question\n")
	b.WriteString("3. Log anything noteworthy; return no actions when all is well\n")
	writeOutputFormat(&b, true)
	return b.String()
}

func buildSelectPrompt(candidates []*protocol.Ticket) string {
	var b strings.Builder
	b.WriteString("Choose which ticket the factory should work on next.\n")
	b.WriteString("Prefer work that unblocks other work, then higher priority.\n\n")
	b.WriteString("## Candidates\n")
	for _, t := range candidates {
		fmt.Fprintf(&b, "- id=%s %s [%s] %s\n", t.ID, t.Ref(), t.Priority, t.Title)
	}
	b.WriteString("\n## Output Format\n")
	b.WriteString("Reply with exactly one line:\n\nNEXT: <id>\n\nor NEXT: none if the current order is fine.\n")
	return b.String()
}

func buildRewritePrompt(text string) string {
	var b strings.Builder
	b.WriteString("Rewrite this message for a busy product owner. Keep every fact and the question itself,\n")
	b.WriteString("drop internal jargon, and keep it under 120 words. Reply with the rewritten text only.\n\n")
	b.WriteString(text)
	b.WriteString("\n")
	return b.String()
}

func writeOutputFormat(b *strings.Builder, withActions bool) {
	b.WriteString("\n## Output Format\n")
	b.WriteString("Reply with a single JSON object:\n\n")
	if withActions {
		b.WriteString(`{"content": "<your answer>", "confidence": <0-1>, "actions": [` + "\n")
		b.WriteString(`  {"type": "create_ticket", "title": "...", "body": "...", "priority": "P1|P2|P3"},` + "\n")
		b.WriteString(`  {"type": "escalate", "question": "...", "reason": "..."},` + "\n")
		b.WriteString(`  {"type": "log", "message": "..."}` + "\n")
		b.WriteString("]}\n")
		return
	}
	b.WriteString(`{"content": "<your deliverable>", "confidence": <0-1>}` + "\n")
}
