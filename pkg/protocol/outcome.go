package protocol

// Outcome is the result of one dispatch attempt.
type Outcome int

// Dispatch outcomes. Every outcome except OutcomeRetry means the ticket is
// handled and leaves the queue.
const (
	OutcomeResolved Outcome = iota
	OutcomeHeld
	OutcomeSkipped
	OutcomeEscalated
	OutcomeRetry
)

// Handled reports whether the ticket should be removed from the queue.
func (o Outcome) Handled() bool { return o != OutcomeRetry }

func (o Outcome) String() string {
	switch o {
	case OutcomeResolved:
		return "resolved"
	case OutcomeHeld:
		return "held"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeEscalated:
		return "escalated"
	case OutcomeRetry:
		return "retry"
	default:
		return "unknown"
	}
}
