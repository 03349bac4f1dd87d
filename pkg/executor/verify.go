package executor

import (
	"fmt"
	"regexp"
	"strings"

	"coe/pkg/protocol"
)

// ClarityScore converts an agent confidence into a 0-100 score. Fractions
// are scaled, values above 1 are taken as already scaled, and a missing
// confidence scores DefaultClarityScore.
func ClarityScore(confidence *float64) int {
	if confidence == nil {
		return protocol.DefaultClarityScore
	}
	c := *confidence
	if c <= 1 {
		c *= 100
	}
	switch {
	case c < 0:
		return 0
	case c > 100:
		return 100
	default:
		return int(c + 0.5)
	}
}

var (
	codeMarkerRe  = regexp.MustCompile("(?m)(```|^\\s*(func|def|class|import|package|const|let|var|export|function|interface|type|public|private)\\s|=>|#include)")
	headingRe     = regexp.MustCompile(`(?m)^#{1,4}\s+\S`)
	listItemRe    = regexp.MustCompile(`(?m)^\s*(\d+[.)]|[-*])\s+\S`)
	verdictWordRe = regexp.MustCompile(`(?i)\b(pass(ed)?|fail(ed)?|verified)\b`)
)

// CheckDeliverable applies the content check for a deliverable type. It
// returns "" when the content passes, otherwise the reason it failed.
func CheckDeliverable(deliverable, content string) string {
	content = strings.TrimSpace(content)
	if content == "" {
		return "empty output"
	}
	switch deliverable {
	case protocol.DeliverableCodeGeneration:
		if !codeMarkerRe.MatchString(content) {
			return "no recognizable code in output"
		}
	case protocol.DeliverableDesignDocument:
		if !headingRe.MatchString(content) && len(content) < 200 {
			return "design document has no structure"
		}
	case protocol.DeliverableTaskList, protocol.DeliverableImplementationPlan:
		if len(listItemRe.FindAllString(content, -1)) < 2 {
			return "expected at least two list items"
		}
	case protocol.DeliverableVerification:
		if !verdictWordRe.MatchString(content) {
			return "verification report has no pass/fail verdict"
		}
	default:
		if len(content) < 20 {
			return "output too short"
		}
	}
	return ""
}

// Verify judges a final response. Communication deliverables only need the
// clarity threshold; everything else also needs the deliverable check and
// the work threshold. A nil result means the output passed.
func Verify(t *protocol.Ticket, deliverable string, resp protocol.Response, clarityThreshold, workThreshold int) *protocol.VerificationError {
	score := ClarityScore(resp.Confidence)
	var failed []string

	switch {
	case deliverable == protocol.DeliverableBossDirective && len(resp.Actions) > 0:
		// Actions are the deliverable; content may be empty.
	case deliverable == protocol.DeliverableCommunication:
		if score < clarityThreshold {
			failed = append(failed, fmt.Sprintf("clarity %d below threshold %d", score, clarityThreshold))
		}
	default:
		if reason := CheckDeliverable(deliverable, resp.Content); reason != "" {
			failed = append(failed, "deliverable_check=false: "+reason)
		}
		if score < workThreshold {
			failed = append(failed, fmt.Sprintf("clarity %d below threshold %d", score, workThreshold))
		}
	}

	if len(failed) == 0 {
		return nil
	}
	return &protocol.VerificationError{
		TicketID: t.ID,
		Score:    score,
		Checks:   failed,
		Attempt:  t.RetryCount + 1,
	}
}
