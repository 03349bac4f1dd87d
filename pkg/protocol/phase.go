package protocol

// Phase is a project lifecycle phase of a plan.
type Phase string

// Phase constants in lifecycle order.
const (
	PhasePlanning       Phase = "planning"
	PhaseDesigning      Phase = "designing"
	PhaseDesignReview   Phase = "design_review"
	PhaseTaskGeneration Phase = "task_generation"
	PhaseCoding         Phase = "coding"
	PhaseVerification   Phase = "verification"
	PhaseDesignUpdate   Phase = "design_update"
	PhaseComplete       Phase = "complete"
)

// PhaseOrder lists every phase in lifecycle order.
var PhaseOrder = []Phase{
	PhasePlanning,
	PhaseDesigning,
	PhaseDesignReview,
	PhaseTaskGeneration,
	PhaseCoding,
	PhaseVerification,
	PhaseDesignUpdate,
	PhaseComplete,
}

// Index returns the position of p in PhaseOrder, or -1 if unknown.
func (p Phase) Index() int {
	for i, q := range PhaseOrder {
		if q == p {
			return i
		}
	}
	return -1
}

// Next returns the phase after p. The second result is false when p is
// terminal or unknown.
func (p Phase) Next() (Phase, bool) {
	i := p.Index()
	if i < 0 || i >= len(PhaseOrder)-1 {
		return p, false
	}
	return PhaseOrder[i+1], true
}

// Terminal reports whether p is the final phase.
func (p Phase) Terminal() bool { return p == PhaseComplete }
