package schemas

// -- Plan Schemas --
//
// These types define the wire contract between the planning oracle and the
// execution engine. The JSON field names are part of the prompt contract: the
// model is instructed to emit exactly these keys, so they must not drift.

// ActionPlan is an ordered set of tool invocations plus the goal they serve.
// A plan with zero steps is valid and denotes a conversational request that
// needs no tool use. Once handed to the engine the plan is immutable, except
// that replanning may replace Steps wholesale; steps are never mutated in
// place, which keeps step numbers dense and stable.
type ActionPlan struct {
	Goal  string       `json:"goal"`
	Steps []ActionStep `json:"steps"`
}

// ActionStep is a single tool invocation within a plan.
type ActionStep struct {
	// StepNumber is 1-based and dense. Renumber after any insertion or
	// removal so the numbering never drifts from slice order.
	StepNumber int `json:"stepNumber"`
	// Tool names a registered tool. An unresolvable name is a
	// plan-validation failure, not a runtime error.
	Tool       string                 `json:"tool"`
	Parameters map[string]interface{} `json:"parameters"`
	// Reasoning is the human-readable justification for the step. It is
	// shown to the user as progress narration and fed back to the oracle
	// during repair, so it should describe intent, not mechanics.
	Reasoning string `json:"reasoning"`
	// RequiresConfirmation gates the step behind the confirmation
	// protocol. A declined or timed-out confirmation cancels the whole
	// plan, not just this step.
	RequiresConfirmation bool `json:"requiresConfirmation"`
}

// IsConversational reports whether the plan requires no tool use.
func (p *ActionPlan) IsConversational() bool {
	return p == nil || len(p.Steps) == 0
}

// Clone returns a deep copy of the plan. The engine clones the original plan
// before execution so replanning can never retroactively alter the reference
// copy kept for context.
func (p *ActionPlan) Clone() *ActionPlan {
	if p == nil {
		return nil
	}
	out := &ActionPlan{Goal: p.Goal, Steps: make([]ActionStep, len(p.Steps))}
	for i, s := range p.Steps {
		out.Steps[i] = s.Clone()
	}
	return out
}

// Clone returns a copy of the step with its own parameter map.
func (s ActionStep) Clone() ActionStep {
	out := s
	out.Parameters = make(map[string]interface{}, len(s.Parameters))
	for k, v := range s.Parameters {
		out.Parameters[k] = v
	}
	return out
}

// RenumberSteps rewrites StepNumber to match slice order, 1-based. Call after
// any insertion, removal, or filtering.
func RenumberSteps(steps []ActionStep) {
	for i := range steps {
		steps[i].StepNumber = i + 1
	}
}

// -- Tool Result Schemas --

// ToolResult is the uniform outcome of a tool execution. Exactly one of
// Result and Error carries the payload; Message is an optional human-readable
// summary that is always safe to display.
type ToolResult struct {
	Success bool        `json:"success"`
	Result  interface{} `json:"result,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// OkResult builds a successful ToolResult.
func OkResult(result interface{}, message string) ToolResult {
	return ToolResult{Success: true, Result: result, Message: message}
}

// FailResult builds a failed ToolResult from an error message.
func FailResult(errMsg string) ToolResult {
	return ToolResult{Success: false, Error: errMsg}
}

// -- Error Classification --

// ErrorKind classifies a failed step and selects its repair strategy. The set
// is closed; classification happens by ordered substring matching over the
// raw error text (see the agent package).
type ErrorKind string

const (
	// ErrKindUnrecoverable halts the whole run immediately. Covers
	// provider, network, auth and rate-limit failures that no amount of
	// step-level repair can fix.
	ErrKindUnrecoverable ErrorKind = "UNRECOVERABLE"
	// ErrKindElementNotFound means the tool could not locate its target
	// element. Repaired by re-analysis and candidate re-matching.
	ErrKindElementNotFound ErrorKind = "ELEMENT_NOT_FOUND"
	// ErrKindParameterError means the tool rejected its parameters.
	// Repaired by parameter-reshaping heuristics.
	ErrKindParameterError ErrorKind = "PARAMETER_ERROR"
	// ErrKindPartialSuccess means the tool completed some but not all of
	// its work. Left for replanning.
	ErrKindPartialSuccess ErrorKind = "PARTIAL_SUCCESS"
	// ErrKindUnknown is the fallback bucket. Left for replanning.
	ErrKindUnknown ErrorKind = "UNKNOWN"
)
