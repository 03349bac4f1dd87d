package events

import (
	"encoding/json"
	"fmt"
	"time"

	"coe/pkg/protocol"
)

// Payload is the typed body of an event. Each payload belongs to exactly
// one event type.
type Payload interface {
	EventType() Type
}

// RetryTrack names the retry budget a requeue was charged to.
type RetryTrack string

// Retry tracks.
const (
	TrackInfrastructure RetryTrack = "infrastructure"
	TrackQuality        RetryTrack = "quality"
)

// RetryPayload accompanies TicketRetried.
type RetryPayload struct {
	Track   RetryTrack `json:"track"`
	Attempt int        `json:"attempt"`
	Max     int        `json:"max"`
	Reason  string     `json:"reason"`
}

// EscalationPayload accompanies TicketEscalated. QuestionID is empty when
// no plan could be resolved for the question.
type EscalationPayload struct {
	Kind       protocol.EscalationType `json:"kind"`
	Summary    string                  `json:"summary"`
	QuestionID string                  `json:"question_id,omitempty"`
	Message    string                  `json:"message"`
}

// HoldPayload accompanies TicketHeld.
type HoldPayload struct {
	Question string `json:"question"`
}

// ResolvePayload accompanies TicketResolved.
type ResolvePayload struct {
	Skipped bool `json:"skipped,omitempty"`
}

// UnblockPayload accompanies TicketUnblocked.
type UnblockPayload struct {
	BlockerID string `json:"blocker_id"`
}

// QuestionPayload accompanies QuestionAsked and QuestionAnswered; the
// event's TicketID is the question itself.
type QuestionPayload struct {
	SubjectID string `json:"subject_id,omitempty"`
	answered  bool
}

// PhasePayload accompanies PhaseAdvanced.
type PhasePayload struct {
	From protocol.Phase `json:"from"`
	To   protocol.Phase `json:"to"`
}

// CyclePayload accompanies CycleCompleted.
type CyclePayload struct {
	Dispatched int `json:"dispatched"`
}

// IdlePayload accompanies BossIdle.
type IdlePayload struct {
	Timeout time.Duration `json:"timeout"`
}

func (RetryPayload) EventType() Type      { return TicketRetried }
func (EscalationPayload) EventType() Type { return TicketEscalated }
func (HoldPayload) EventType() Type       { return TicketHeld }
func (ResolvePayload) EventType() Type    { return TicketResolved }
func (UnblockPayload) EventType() Type    { return TicketUnblocked }
func (PhasePayload) EventType() Type      { return PhaseAdvanced }
func (CyclePayload) EventType() Type      { return CycleCompleted }
func (IdlePayload) EventType() Type       { return BossIdle }

func (p QuestionPayload) EventType() Type {
	if p.answered {
		return QuestionAnswered
	}
	return QuestionAsked
}

// Asked returns the payload of a QuestionAsked event about subjectID.
func Asked(subjectID string) QuestionPayload { return QuestionPayload{SubjectID: subjectID} }

// Answered returns the payload of a QuestionAnswered event about subjectID.
func Answered(subjectID string) QuestionPayload {
	return QuestionPayload{SubjectID: subjectID, answered: true}
}

func decodeAs[T Payload](data []byte) (Payload, error) {
	var p T
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return p, nil
}

var payloadDecoders = map[Type]func([]byte) (Payload, error){
	TicketRetried:   decodeAs[RetryPayload],
	TicketEscalated: decodeAs[EscalationPayload],
	TicketHeld:      decodeAs[HoldPayload],
	TicketResolved:  decodeAs[ResolvePayload],
	TicketUnblocked: decodeAs[UnblockPayload],
	QuestionAsked:   decodeAs[QuestionPayload],
	QuestionAnswered: func(data []byte) (Payload, error) {
		var p QuestionPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		p.answered = true
		return p, nil
	},
	PhaseAdvanced:  decodeAs[PhasePayload],
	CycleCompleted: decodeAs[CyclePayload],
	BossIdle:       decodeAs[IdlePayload],
}

// UnmarshalJSON decodes a forwarded event, restoring the concrete payload
// type from the event type.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type     Type            `json:"type"`
		TicketID string          `json:"ticket_id"`
		PlanID   string          `json:"plan_id"`
		Payload  json.RawMessage `json:"payload"`
		At       time.Time       `json:"at"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Event{Type: raw.Type, TicketID: raw.TicketID, PlanID: raw.PlanID, At: raw.At}
	if len(raw.Payload) == 0 || string(raw.Payload) == "null" {
		return nil
	}
	decode, ok := payloadDecoders[raw.Type]
	if !ok {
		return fmt.Errorf("event %s carries no payload type", raw.Type)
	}
	p, err := decode(raw.Payload)
	if err != nil {
		return fmt.Errorf("decode %s payload: %w", raw.Type, err)
	}
	e.Payload = p
	return nil
}
