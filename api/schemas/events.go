package schemas

import (
	"time"

	"github.com/google/uuid"
)

// -- Engine Event Schemas --

// EventType discriminates engine progress events. Using a custom type ensures
// only the predefined constants can appear on the wire to the front-end.
type EventType string

const (
	EventPlanning             EventType = "planning"
	EventPlanPublished        EventType = "plan_published"
	EventExecuting            EventType = "executing"
	EventStepCompleted        EventType = "step_completed"
	EventStepFailed           EventType = "step_failed"
	EventReplanning           EventType = "replanning"
	EventConfirmationRequired EventType = "confirmation_required"
	EventGuidanceRequired     EventType = "guidance_required"
	EventFinalResponse        EventType = "final_response"
	EventError                EventType = "error"
)

// EngineEvent is a single progress notification emitted by the execution
// engine. Events are fire-and-forget: the engine never waits for the
// front-end to acknowledge one, with the sole exception of confirmation and
// guidance requests, which carry a CorrelationID the front-end answers
// through the Confirmer.
type EngineEvent struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id"`
	Type      EventType `json:"type"`
	// Content is the human-readable narration for this event. For
	// executing events it carries the step's reasoning, not the raw tool
	// call.
	Content    string      `json:"content"`
	StepNumber int         `json:"step_number,omitempty"`
	ToolName   string      `json:"tool_name,omitempty"`
	Step       *ActionStep `json:"step,omitempty"`
	Plan       *ActionPlan `json:"plan,omitempty"`
	// CorrelationID links a confirmation or guidance request to its
	// response. Empty for all other event types.
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

func newEvent(requestID string, t EventType, content string) EngineEvent {
	return EngineEvent{
		ID:        uuid.New().String(),
		RequestID: requestID,
		Type:      t,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// NewPlanningEvent announces that planning has started for a request.
func NewPlanningEvent(requestID, content string) EngineEvent {
	return newEvent(requestID, EventPlanning, content)
}

// NewPlanPublishedEvent announces the validated plan before execution begins.
func NewPlanPublishedEvent(requestID string, plan *ActionPlan) EngineEvent {
	ev := newEvent(requestID, EventPlanPublished, plan.Goal)
	ev.Plan = plan
	return ev
}

// NewExecutingEvent narrates the step about to run, using its reasoning.
func NewExecutingEvent(requestID string, step *ActionStep) EngineEvent {
	ev := newEvent(requestID, EventExecuting, step.Reasoning)
	ev.StepNumber = step.StepNumber
	ev.ToolName = step.Tool
	ev.Step = step
	return ev
}

// NewStepCompletedEvent reports a successful step with its display message.
func NewStepCompletedEvent(requestID string, step *ActionStep, message string) EngineEvent {
	ev := newEvent(requestID, EventStepCompleted, message)
	ev.StepNumber = step.StepNumber
	ev.ToolName = step.Tool
	return ev
}

// NewStepFailedEvent reports a failed step with its error text.
func NewStepFailedEvent(requestID string, step *ActionStep, errMsg string) EngineEvent {
	ev := newEvent(requestID, EventStepFailed, errMsg)
	ev.StepNumber = step.StepNumber
	ev.ToolName = step.Tool
	return ev
}

// NewReplanningEvent announces that the engine is asking the oracle for a
// revised plan.
func NewReplanningEvent(requestID, reason string) EngineEvent {
	return newEvent(requestID, EventReplanning, reason)
}

// NewConfirmationRequiredEvent asks the front-end to confirm a gated step.
func NewConfirmationRequiredEvent(requestID, correlationID string, step *ActionStep) EngineEvent {
	ev := newEvent(requestID, EventConfirmationRequired, step.Reasoning)
	ev.StepNumber = step.StepNumber
	ev.ToolName = step.Tool
	ev.Step = step
	ev.CorrelationID = correlationID
	return ev
}

// NewGuidanceRequiredEvent asks the front-end for manual help, typically a
// selector for an element the engine could not locate.
func NewGuidanceRequiredEvent(requestID, correlationID, prompt string) EngineEvent {
	ev := newEvent(requestID, EventGuidanceRequired, prompt)
	ev.CorrelationID = correlationID
	return ev
}

// NewFinalResponseEvent carries the synthesized natural-language answer that
// ends the request.
func NewFinalResponseEvent(requestID, response string) EngineEvent {
	return newEvent(requestID, EventFinalResponse, response)
}

// NewErrorEvent reports a request-fatal error.
func NewErrorEvent(requestID, errMsg string) EngineEvent {
	return newEvent(requestID, EventError, errMsg)
}

// -- Confirmation Protocol Schemas --

// ConfirmationResponse is the front-end's answer to a confirmation or
// guidance request, correlated by the id the request carried.
type ConfirmationResponse struct {
	// Confirmed reports affirmative consent. A timeout is delivered to the
	// engine as Confirmed=false, indistinguishable from an explicit
	// decline.
	Confirmed bool `json:"confirmed"`
	// Selector carries the manually indicated target for a guidance
	// request. Empty for plain confirmations.
	Selector string `json:"selector,omitempty"`
	// Cancelled reports that the user dismissed the prompt outright.
	Cancelled bool `json:"cancelled,omitempty"`
}
