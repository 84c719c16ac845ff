// internal/agent/models.go
package agent

import (
	"sort"
	"time"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

// RunState represents the engine's current phase while processing one request.
// The engine owns exactly one RunState per request and transitions it through
// the plan-execute-observe-replan cycle.
type RunState string

const (
	StatePlanning       RunState = "PLANNING"       // The planner is asking the oracle for an action plan.
	StateConversational RunState = "CONVERSATIONAL" // The request needs no tools; a direct response is being composed.
	StateExecuting      RunState = "EXECUTING"      // The engine is stepping through the current plan.
	StateReplanning     RunState = "REPLANNING"     // The engine is asking the oracle for a revised plan.
	StateCompleted      RunState = "COMPLETED"      // Terminal: the request finished normally.
	StateCancelled      RunState = "CANCELLED"      // Terminal: the user declined a gated step or the context was cancelled.
	StateError          RunState = "ERROR"          // Terminal: planning failed or an unrecoverable step failure halted the run.
)

// Terminal reports whether the state admits no further transitions.
func (s RunState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateError
}

// Outcome maps a terminal RunState onto the coarse phase reported to callers.
// Non-terminal states map to error because a run that ends mid-phase did not
// finish cleanly.
func (s RunState) Outcome() schemas.RunPhase {
	switch s {
	case StateCompleted, StateConversational:
		return schemas.PhaseCompleted
	case StateCancelled:
		return schemas.PhaseCancelled
	default:
		return schemas.PhaseError
	}
}

// CompletedStep pairs a successfully executed step with the result it
// produced. The list is append-only and holds successes only.
type CompletedStep struct {
	Step   schemas.ActionStep `json:"step"`
	Result schemas.ToolResult `json:"result"`
}

// FailedStepInfo tracks the latest failure of a step plus its repair
// bookkeeping. The entry lives in ExecutionState.FailedSteps until the step
// later succeeds, at which point it is removed.
type FailedStepInfo struct {
	Step       schemas.ActionStep `json:"step"`
	Error      string             `json:"error"`
	RetryCount int                `json:"retry_count"`
	Kind       schemas.ErrorKind  `json:"kind"`
	ToolName   string             `json:"tool_name"`

	// triedFixes records which parameter-reshaping heuristics already ran
	// for this step so none runs twice.
	triedFixes map[string]bool
	// guidedUsed marks that the single guided attempt has been spent.
	guidedUsed bool
	// exhausted marks that every applicable repair strategy has been tried
	// or none exists for the kind. An exhausted current step triggers
	// replanning.
	exhausted bool
}

// Observation is a timestamped, human-readable note describing what a step
// changed in the environment. Observations are append-only and feed replan
// prompts and the final response synthesis.
type Observation struct {
	StepNumber int       `json:"step_number"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
}

// PageContext is the last-known-good snapshot of the page the run is working
// against. Every field is overwritten latest-wins as observations arrive.
type PageContext struct {
	CurrentURL   string                `json:"current_url"`
	Elements     []schemas.PageElement `json:"elements"`
	LastContent  string                `json:"last_content"`
	LastAnalysis *schemas.PageAnalysis `json:"last_analysis"`
}

// ExecutionState is the per-request working memory of the execution loop. It
// is created only when the plan has steps, owned exclusively by one request's
// loop, and discarded when the request ends. Nothing here is shared or
// persisted.
type ExecutionState struct {
	// UserMessage is the request text the plan was generated from. Kept so
	// synthesis and replanning can ground themselves in the original ask.
	UserMessage string

	OriginalPlan *schemas.ActionPlan
	CurrentPlan  *schemas.ActionPlan

	CompletedSteps []CompletedStep
	FailedSteps    map[int]*FailedStepInfo
	Observations   []Observation
	// TaskFailureCounts counts loop-observed failures per tool name. The
	// counts only ever grow within a run; repairs and replans never reset
	// them.
	TaskFailureCounts map[string]int
	Page              PageContext

	StepIndex    int
	Iterations   int
	Replans      int
	GoalAchieved bool

	// pinnedTarget is the tab an earlier step explicitly selected. It wins
	// over the active tab until another step overrides it.
	pinnedTarget string
}

// NewExecutionState builds the working state for a plan with steps. The plan
// is cloned twice so that replanning, which replaces CurrentPlan.Steps
// wholesale, can never reach back into the original reference copy.
func NewExecutionState(userMessage string, plan *schemas.ActionPlan) *ExecutionState {
	return &ExecutionState{
		UserMessage:       userMessage,
		OriginalPlan:      plan.Clone(),
		CurrentPlan:       plan.Clone(),
		FailedSteps:       make(map[int]*FailedStepInfo),
		TaskFailureCounts: make(map[string]int),
	}
}

// CurrentStep returns the step the loop is positioned on, or nil when the
// plan is exhausted.
func (s *ExecutionState) CurrentStep() *schemas.ActionStep {
	if s.CurrentPlan == nil || s.StepIndex < 0 || s.StepIndex >= len(s.CurrentPlan.Steps) {
		return nil
	}
	return &s.CurrentPlan.Steps[s.StepIndex]
}

// RecordSuccess appends the step to the completed list and clears any stale
// failure entry for its number.
func (s *ExecutionState) RecordSuccess(step schemas.ActionStep, result schemas.ToolResult) {
	s.CompletedSteps = append(s.CompletedSteps, CompletedStep{Step: step, Result: result})
	delete(s.FailedSteps, step.StepNumber)
}

// RecordFailure upserts the failure entry for the step and bumps the tool's
// run-wide failure count. The returned entry carries the repair bookkeeping
// accumulated across earlier failures of the same step.
func (s *ExecutionState) RecordFailure(step schemas.ActionStep, errMsg string, kind schemas.ErrorKind) *FailedStepInfo {
	info, ok := s.FailedSteps[step.StepNumber]
	if !ok {
		info = &FailedStepInfo{
			Step:       step,
			ToolName:   step.Tool,
			triedFixes: make(map[string]bool),
		}
		s.FailedSteps[step.StepNumber] = info
	}
	info.Error = errMsg
	info.Kind = kind
	s.TaskFailureCounts[step.Tool]++
	return info
}

// AddObservation appends a human-readable note about what just changed.
func (s *ExecutionState) AddObservation(stepNumber int, text string) {
	s.Observations = append(s.Observations, Observation{
		StepNumber: stepNumber,
		Text:       text,
		Timestamp:  time.Now().UTC(),
	})
}

// RecentObservations returns the newest n observations in chronological
// order.
func (s *ExecutionState) RecentObservations(n int) []Observation {
	if n <= 0 || len(s.Observations) == 0 {
		return nil
	}
	if len(s.Observations) <= n {
		return s.Observations
	}
	return s.Observations[len(s.Observations)-n:]
}

// sortedFailures orders failure records by step number for deterministic
// rendering in prompts and narration.
func sortedFailures(failures map[int]*FailedStepInfo) []*FailedStepInfo {
	keys := make([]int, 0, len(failures))
	for k := range failures {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	out := make([]*FailedStepInfo, 0, len(keys))
	for _, k := range keys {
		out = append(out, failures[k])
	}
	return out
}

// ExhaustedFailures counts failed steps whose repair options are spent,
// either by budget or because no strategy applies to their kind.
func (s *ExecutionState) ExhaustedFailures(retryBudget int) int {
	count := 0
	for _, info := range s.FailedSteps {
		if info.exhausted || info.RetryCount >= retryBudget {
			count++
		}
	}
	return count
}

// ApplyReplan swaps in the revised steps wholesale and rewinds the loop to
// the top of the new plan. Failure entries are dropped because they are keyed
// by the old plan's numbering; the per-tool failure counts survive so the
// task-level ceiling keeps its memory across replans. OriginalPlan is never
// touched.
func (s *ExecutionState) ApplyReplan(newPlan *schemas.ActionPlan) {
	steps := make([]schemas.ActionStep, len(newPlan.Steps))
	for i, st := range newPlan.Steps {
		steps[i] = st.Clone()
	}
	schemas.RenumberSteps(steps)
	s.CurrentPlan.Steps = steps
	if newPlan.Goal != "" {
		s.CurrentPlan.Goal = newPlan.Goal
	}
	s.StepIndex = 0
	s.FailedSteps = make(map[int]*FailedStepInfo)
	s.Replans++
}

// PinTarget remembers an explicitly selected tab for subsequent steps.
func (s *ExecutionState) PinTarget(targetID string) {
	if targetID != "" {
		s.pinnedTarget = targetID
	}
}

// TargetFor resolves the tab a step should run against: an explicit targetId
// parameter wins, then the pinned target from an earlier step, then empty,
// which the registry resolves to the active tab. Resolution happens per step
// because the active tab may legitimately change between steps.
func (s *ExecutionState) TargetFor(step schemas.ActionStep) string {
	if v, ok := step.Parameters["targetId"].(string); ok && v != "" {
		s.PinTarget(v)
		return v
	}
	return s.pinnedTarget
}

// RemainingSteps returns the steps at and after the loop position. This is
// the slice a replan would replace.
func (s *ExecutionState) RemainingSteps() []schemas.ActionStep {
	if s.CurrentPlan == nil || s.StepIndex < 0 || s.StepIndex >= len(s.CurrentPlan.Steps) {
		return nil
	}
	return s.CurrentPlan.Steps[s.StepIndex:]
}

// InsertSteps splices cloned steps into the current plan at the given index
// and renumbers. Steps before the index keep their numbers, so existing
// failure entries stay valid.
func (s *ExecutionState) InsertSteps(at int, steps []schemas.ActionStep) {
	if s.CurrentPlan == nil || len(steps) == 0 {
		return
	}
	if at < 0 {
		at = 0
	}
	if at > len(s.CurrentPlan.Steps) {
		at = len(s.CurrentPlan.Steps)
	}
	cloned := make([]schemas.ActionStep, len(steps))
	for i, st := range steps {
		cloned[i] = st.Clone()
	}
	merged := make([]schemas.ActionStep, 0, len(s.CurrentPlan.Steps)+len(cloned))
	merged = append(merged, s.CurrentPlan.Steps[:at]...)
	merged = append(merged, cloned...)
	merged = append(merged, s.CurrentPlan.Steps[at:]...)
	schemas.RenumberSteps(merged)
	s.CurrentPlan.Steps = merged
}
