package schemas

import (
	"context"
)

// -- Tool Registry Interface --

// ToolRegistry is the execution engine's only view of the actuator surface.
// The engine depends on this shape alone, never on tool internals.
type ToolRegistry interface {
	// Execute runs the named tool against the resolved target. A tool
	// fault of any kind, including a panic inside the tool, is returned as
	// a failed ToolResult; Execute itself never panics.
	Execute(ctx context.Context, name string, params map[string]interface{}, targetID string) ToolResult
	// Get returns the schema of a single registered tool.
	Get(name string) (ToolSchema, bool)
	// Schemas returns every registered tool's schema, sorted by name, for
	// the planning prompt.
	Schemas() []ToolSchema
}

// -- Browser Session Interfaces --

// TabSession controls a single browser tab. It is the primitive actuator the
// tool layer is built on.
type TabSession interface {
	TargetID() string                                                   // Unique id of the underlying tab.
	Navigate(ctx context.Context, url string) error                     // Loads a URL and waits for the page to settle.
	Click(ctx context.Context, selector string) error                   // Clicks the first element matching the selector.
	TypeText(ctx context.Context, selector, text string) error          // Types text into an element.
	Fill(ctx context.Context, fields map[string]string) error           // Fills multiple fields keyed by selector.
	ReadContent(ctx context.Context) (string, error)                    // Returns the page's visible text.
	OuterHTML(ctx context.Context) (string, error)                      // Returns the full document markup.
	Evaluate(ctx context.Context, script string, out interface{}) error // Runs a script and unmarshals its result.
	Screenshot(ctx context.Context) ([]byte, error)                     // Captures the viewport as PNG.
	ScrollBy(ctx context.Context, dx, dy float64) error                 // Scrolls the page by pixel offsets.
	WaitVisible(ctx context.Context, selector string) error             // Blocks until the selector is visible.
	Location(ctx context.Context) (string, error)                       // Returns the current URL.
	Close() error                                                       // Releases the tab.
}

// SessionResolver maps a step's target to a live session. Resolution is
// deterministic: an explicit target id wins, otherwise the currently active
// tab is used. The engine re-resolves per step because the active tab may
// legitimately change between steps.
type SessionResolver interface {
	// Resolve returns the session for an explicit target id, or the active
	// session when id is empty.
	Resolve(ctx context.Context, targetID string) (TabSession, error)
	// Active returns the currently focused session, creating the default
	// one on first use.
	Active(ctx context.Context) (TabSession, error)
}

// -- Confirmation Interface --

// Confirmer implements the blocking request/response/timeout handshake that
// gates destructive tool calls and guided repairs. Implementations must treat
// a timeout exactly like an explicit decline and must unregister the pending
// wait on every outcome so no listener leaks across requests.
type Confirmer interface {
	// RequestConfirmation blocks until the user confirms or declines the
	// step, or the configured timeout elapses. The returned bool is true
	// only on affirmative consent.
	RequestConfirmation(ctx context.Context, requestID string, step *ActionStep) (bool, error)
	// RequestGuidance blocks until the user supplies the requested input,
	// typically a CSS selector. A timeout or decline returns an empty
	// string.
	RequestGuidance(ctx context.Context, requestID, prompt string) (string, error)
}

// -- Event Sink Interface --

// EventSink receives engine progress events. Publishing must never block the
// engine; slow consumers lose events rather than stalling execution.
type EventSink interface {
	Publish(ev EngineEvent)
}

// -- Recall Store Interface --

// RecallStore is the best-effort memory of past requests that seeds planning
// context. All methods degrade gracefully: an unavailable backend logs and
// returns empty results rather than failing the request.
type RecallStore interface {
	// Record saves a finished request's transcript summary.
	Record(ctx context.Context, entry RecallEntry) error
	// Recall returns up to limit entries relevant to the query, most
	// recent first.
	Recall(ctx context.Context, query string, limit int) ([]RecallEntry, error)
	// Stop releases backend resources. Safe to call more than once.
	Stop()
}

// -- LLM Client Schemas & Interface --

// ModelTier allows for selecting a large language model based on a preference
// for speed versus advanced capabilities.
type ModelTier string

const (
	TierFast     ModelTier = "fast"     // Prefers a faster, potentially less capable model.
	TierPowerful ModelTier = "powerful" // Prefers a more capable, potentially slower model.
)

// GenerationOptions provides detailed parameters to control the text
// generation process of the LLM, such as creativity (temperature) and output
// format.
type GenerationOptions struct {
	Temperature     float64 `json:"temperature"`       // Controls randomness. Lower is more deterministic.
	ForceJSONFormat bool    `json:"force_json_format"` // If true, forces the model to output valid JSON.
	TopP            float64 `json:"top_p"`             // Nucleus sampling parameter.
	TopK            int     `json:"top_k"`             // Top-k sampling parameter.
}

// GenerationRequest encapsulates a complete request to the LLM, including the
// system and user prompts, the desired model tier, and generation options.
type GenerationRequest struct {
	SystemPrompt string            `json:"system_prompt"` // Instructions for the model's persona and task.
	UserPrompt   string            `json:"user_prompt"`   // The specific query or input from the user.
	Tier         ModelTier         `json:"tier"`          // The desired model tier (fast or powerful).
	Options      GenerationOptions `json:"options"`       // Advanced generation parameters.
}

// LLMClient defines a standard interface for interacting with a Large
// Language Model, abstracting the specifics of the underlying provider. The
// engine consumes completions as plain text only; all structure is recovered
// by the JSON extraction pipeline.
type LLMClient interface {
	// Generate produces a text completion based on the provided request.
	Generate(ctx context.Context, req GenerationRequest) (string, error)
	// Close cleans up any resources held by the client.
	Close() error
}
