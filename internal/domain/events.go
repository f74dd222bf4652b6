package domain

import "time"

// Event name constants for the inbound trigger events. The names match the
// event bus topics emitted by the web application.
const (
	EventAnalysisRequested      = "analysis/request.sent"
	EventRecalculationRequested = "recalculation/case.requested"
)

// TriggerEvent is a validated inbound event that starts a workflow instance.
// Events arrive as a discriminated union keyed by Name; the listener validates
// the payload before the event reaches the workflow engine.
type TriggerEvent struct {
	// Name identifies the event kind (EventAnalysisRequested or
	// EventRecalculationRequested).
	Name string `json:"name" validate:"required,oneof=analysis/request.sent recalculation/case.requested"`

	// Data carries the event payload.
	Data TriggerPayload `json:"data"`

	// SentAt is the producer-side timestamp, if provided.
	SentAt time.Time `json:"sent_at,omitempty"`
}

// TriggerPayload is the payload shared by both trigger event kinds.
type TriggerPayload struct {
	// CaseID identifies the case to analyze. It is also the identity of the
	// workflow instance.
	CaseID string `json:"case_id" validate:"required,min=1,max=255"`
}
