package executor

import (
	"fmt"
	"strings"

	"coe/pkg/protocol"
)

// PromptParams contains all inputs needed to assemble a ticket's base prompt.
type PromptParams struct {
	Ticket       *protocol.Ticket
	FailedRuns   []protocol.Run // newest first
	Conversation []protocol.ConversationEntry
	Documents    []protocol.Document
}

const (
	maxFailedRuns     = 3
	maxReplyChars     = 1500
	maxDocumentChars  = 4000
	maxPrevOutputChar = 8000
)

// section writes a markdown section (## header + body) to the builder.
func section(b *strings.Builder, header, body string) {
	fmt.Fprintf(b, "## %s\n\n%s\n\n", header, body)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return protocol.Truncate(s, n) + "…"
}

// AssemblePrompt builds the base prompt shared by every pipeline step.
func AssemblePrompt(p PromptParams) string {
	t := p.Ticket
	var b strings.Builder

	ticketBody := fmt.Sprintf("- **Ticket:** %s\n- **Title:** %s\n- **Priority:** %s",
		t.Ref(), t.Title, t.Priority)
	if t.OperationType != "" {
		ticketBody += "\n- **Operation:** " + t.OperationType
	}
	if t.RetryCount > 0 {
		ticketBody += fmt.Sprintf("\n\n> **Retry attempt %d.** Previous output failed verification. Address the feedback below first.", t.RetryCount)
	}
	section(&b, "Ticket", ticketBody)

	if body := strings.TrimSpace(t.Body); body != "" {
		section(&b, "Description", body)
	}
	if ac := strings.TrimSpace(t.AcceptanceCriteria); ac != "" {
		section(&b, "Acceptance Criteria", ac)
	}

	if len(p.FailedRuns) > 0 {
		var lines []string
		for i, r := range p.FailedRuns {
			if i == maxFailedRuns {
				break
			}
			lines = append(lines, fmt.Sprintf("- %s: %s", r.StartedAt.Format("2006-01-02 15:04"), truncate(r.Error, 300)))
		}
		section(&b, "Previous Failed Attempts", strings.Join(lines, "\n"))
	}

	if len(p.Conversation) > 0 {
		var lines []string
		for _, c := range p.Conversation {
			lines = append(lines, fmt.Sprintf("**%s:** %s", c.Author, truncate(c.Content, maxReplyChars)))
		}
		section(&b, "Recent Conversation", strings.Join(lines, "\n\n"))
	}

	for _, d := range p.Documents {
		section(&b, "Reference: "+d.Title, truncate(d.Content, maxDocumentChars))
	}

	return b.String()
}

// StepMessage builds the message sent to step i of pipeline. The first
// orchestrator step gets the assessment template, the last orchestrator
// step the completion-review template, and middle steps get the previous
// step's output prepended.
func StepMessage(base string, pipeline protocol.AgentPipeline, i int, prev string) string {
	route := pipeline[i]
	var b strings.Builder

	switch {
	case len(pipeline) == 1:
		return base
	case i == 0 && route.Agent == protocol.AgentOrchestrator:
		section(&b, "Role", "You are the orchestrator. Assess this ticket before work begins: "+
			"identify ambiguities, risks and missing information, and summarise what a complete deliverable must contain.")
		b.WriteString(base)
	case i == len(pipeline)-1 && route.Agent == protocol.AgentOrchestrator:
		section(&b, "Role", "You are the orchestrator. Review the completed work against the ticket "+
			"and its acceptance criteria. State clearly whether it is complete and list any gaps.")
		b.WriteString(base)
		section(&b, "Completed Work", truncate(prev, maxPrevOutputChar))
	default:
		if prev != "" {
			section(&b, "Previous Step Output", truncate(prev, maxPrevOutputChar))
		}
		section(&b, "Your Deliverable", strings.ReplaceAll(route.DeliverableType, "_", " "))
		b.WriteString(base)
	}
	return b.String()
}
