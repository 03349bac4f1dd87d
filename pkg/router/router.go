// Package router maps a ticket to the ordered agent pipeline it is
// dispatched through. Routing is a pure function of ticket attributes.
package router

import (
	"regexp"
	"strings"

	"coe/pkg/protocol"
)

// MinRichContextLength is the body length (after trimming) below which a
// ticket never counts as carrying rich context.
const MinRichContextLength = 100

var (
	// "1. do x", "2) do y", "step 3"
	stepMarkerRe = regexp.MustCompile(`(?mi)^\s*(\d+[.)]\s+\S|step\s+\d+)`)
	// "- item", "* item", "- [ ] item"
	listMarkerRe = regexp.MustCompile(`(?m)^\s*[-*]\s+\S`)
)

// HasRichContext reports whether body already specifies the work well
// enough that a planning step would be redundant: it must be long enough,
// mention acceptance criteria, and contain step or list markers.
func HasRichContext(body string) bool {
	body = strings.TrimSpace(body)
	if len(body) < MinRichContextLength {
		return false
	}
	if !strings.Contains(strings.ToLower(body), "acceptance criteria") {
		return false
	}
	return stepMarkerRe.MatchString(body) || listMarkerRe.MatchString(body)
}

// IsBossDirective reports whether t is addressed to the boss agent.
func IsBossDirective(t *protocol.Ticket) bool {
	return t.OperationType == protocol.OpBossDirective ||
		strings.HasPrefix(strings.TrimSpace(t.Title), protocol.BossDirectivePrefix)
}

// IsConfigPhase reports whether t carries the configuration-phase marker,
// meaning it was completed during setup and must not be dispatched.
func IsConfigPhase(t *protocol.Ticket) bool {
	title := strings.ToUpper(strings.TrimSpace(t.Title))
	return strings.HasPrefix(title, protocol.ConfigPhasePrefix)
}

// Route returns the pipeline for t, or nil when t must be skipped.
//
// Precedence: boss directive, configuration-phase marker, ghost question,
// then the wrapped work pipeline.
func Route(t *protocol.Ticket) protocol.AgentPipeline {
	switch {
	case IsBossDirective(t):
		return number([]protocol.AgentRoute{{Agent: protocol.AgentBoss, DeliverableType: protocol.DeliverableBossDirective}})
	case IsConfigPhase(t):
		return nil
	case t.IsGhost:
		return number([]protocol.AgentRoute{{Agent: protocol.AgentClarity, DeliverableType: protocol.DeliverableCommunication}})
	}

	routes := []protocol.AgentRoute{{Agent: protocol.AgentOrchestrator, DeliverableType: protocol.DeliverableAssessment}}
	if !HasRichContext(t.Body) {
		routes = append(routes, protocol.AgentRoute{Agent: protocol.AgentPlanning, DeliverableType: protocol.DeliverableImplementationPlan})
	}
	routes = append(routes, mainStep(t))
	routes = append(routes, protocol.AgentRoute{Agent: protocol.AgentOrchestrator, DeliverableType: protocol.DeliverableCompletionReview})
	return number(routes)
}

// Kind is the work category that picks a pipeline's main step.
type Kind string

// Work kinds.
const (
	KindTaskGeneration Kind = "task_generation"
	KindDesign         Kind = "design"
	KindVerification   Kind = "verification"
	KindCoding         Kind = "coding"
)

// Classify returns the work kind of t from its operation type, falling back
// to title prefixes.
func Classify(t *protocol.Ticket) Kind {
	switch strings.ToLower(t.OperationType) {
	case protocol.OpTaskGeneration:
		return KindTaskGeneration
	case protocol.OpDesign, protocol.OpDesignUpdate:
		return KindDesign
	case protocol.OpVerification, "verify":
		return KindVerification
	case "":
	default:
		return KindCoding
	}

	title := strings.ToLower(strings.TrimSpace(t.Title))
	switch {
	case strings.HasPrefix(title, "generate tasks"):
		return KindTaskGeneration
	case strings.HasPrefix(title, "design:"), strings.HasPrefix(title, "design update"):
		return KindDesign
	case strings.HasPrefix(title, "verify"):
		return KindVerification
	default:
		return KindCoding
	}
}

func mainStep(t *protocol.Ticket) protocol.AgentRoute {
	switch Classify(t) {
	case KindTaskGeneration:
		return protocol.AgentRoute{Agent: protocol.AgentTaskGeneration, DeliverableType: protocol.DeliverableTaskList}
	case KindDesign:
		return protocol.AgentRoute{Agent: protocol.AgentDesign, DeliverableType: protocol.DeliverableDesignDocument}
	case KindVerification:
		return protocol.AgentRoute{Agent: protocol.AgentVerification, DeliverableType: protocol.DeliverableVerification}
	default:
		return protocol.AgentRoute{Agent: protocol.AgentCoding, DeliverableType: protocol.DeliverableCodeGeneration}
	}
}

// number assigns 1-based stages.
func number(routes []protocol.AgentRoute) protocol.AgentPipeline {
	for i := range routes {
		routes[i].Stage = i + 1
	}
	return routes
}

// FinalDeliverable returns the deliverable type that verification judges:
// the last non-orchestrator step, or the only step.
func FinalDeliverable(p protocol.AgentPipeline) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i].Agent != protocol.AgentOrchestrator {
			return p[i].DeliverableType
		}
	}
	if len(p) > 0 {
		return p[len(p)-1].DeliverableType
	}
	return ""
}

var frontendKeywords = []string{
	"ui", "ux", "frontend", "front-end", "css", "html", "layout", "component",
	"react", "vue", "style", "design", "page", "button", "screen", "theme", "webview",
}

var wordRe = regexp.MustCompile(`[a-z0-9-]+`)

// IsFrontendWork is the keyword heuristic hybrid mode uses to decide
// whether a ticket needs human approval before dispatch.
func IsFrontendWork(t *protocol.Ticket) bool {
	text := strings.ToLower(t.Title + " " + t.OperationType + " " + t.Body)
	words := make(map[string]bool)
	for _, w := range wordRe.FindAllString(text, -1) {
		words[w] = true
		for _, part := range strings.Split(w, "-") {
			words[part] = true
		}
	}
	for _, kw := range frontendKeywords {
		if words[kw] {
			return true
		}
	}
	return false
}
