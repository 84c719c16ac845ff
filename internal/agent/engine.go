// internal/agent/engine.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/config"
	"github.com/xkilldash9x/pilot-cli/internal/llmutil"
)

// uuidNewString is indirected for deterministic ids in tests.
var uuidNewString = uuid.NewString

// Engine is the plan-execute-observe-replan orchestrator. It is stateless
// across requests: every ProcessRequest call builds its own ExecutionState,
// so one Engine instance safely serves concurrent requests.
type Engine struct {
	logger    *zap.Logger
	cfg       config.EngineConfig
	llm       schemas.LLMClient
	registry  schemas.ToolRegistry
	planner   *Planner
	confirmer schemas.Confirmer
	sink      schemas.EventSink
	recall    schemas.RecallStore
}

// NewEngine wires the orchestrator. The sink and recall store may be nil;
// events and memory degrade to no-ops.
func NewEngine(
	logger *zap.Logger,
	cfg config.EngineConfig,
	llm schemas.LLMClient,
	registry schemas.ToolRegistry,
	planner *Planner,
	confirmer schemas.Confirmer,
	sink schemas.EventSink,
	recall schemas.RecallStore,
) *Engine {
	return &Engine{
		logger:    logger.Named("engine"),
		cfg:       cfg,
		llm:       llm,
		registry:  registry,
		planner:   planner,
		confirmer: confirmer,
		sink:      sink,
		recall:    recall,
	}
}

// ProcessRequest runs one natural-language request to completion. Run-level
// failures such as an unreachable oracle or an unrecoverable step are
// reported inside the outcome, not as a Go error; the error return is
// reserved for unusable requests.
func (e *Engine) ProcessRequest(ctx context.Context, req schemas.TaskRequest) (*schemas.TaskOutcome, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, errors.New("task request has no message")
	}
	requestID := req.ID
	if requestID == "" {
		requestID = uuidNewString()
	}
	logger := e.logger.With(zap.String("request_id", requestID))

	phase := StatePlanning
	e.publish(schemas.NewPlanningEvent(requestID, "Analyzing the request and drafting a plan."))

	plan, err := e.planner.GeneratePlan(ctx, req.Message)
	if err != nil {
		logger.Error("Plan generation failed", zap.Error(err))
		msg := fmt.Sprintf("I could not plan this request: %v", err)
		e.publish(schemas.NewErrorEvent(requestID, msg))
		return &schemas.TaskOutcome{RequestID: requestID, Phase: schemas.PhaseError, Response: msg}, nil
	}

	if plan.IsConversational() {
		return e.respondConversationally(ctx, logger, requestID, req.Message, plan), nil
	}

	e.publish(schemas.NewPlanPublishedEvent(requestID, plan))
	state := NewExecutionState(req.Message, plan)
	state.PinTarget(req.TargetID)
	e.transition(logger, &phase, StateExecuting)

	response := e.runPlan(ctx, logger, requestID, state, &phase)

	if !phase.Terminal() {
		e.transition(logger, &phase, StateCompleted)
	}
	e.publish(schemas.NewFinalResponseEvent(requestID, response))
	e.record(ctx, logger, requestID, state.CurrentPlan.Goal, response)

	return &schemas.TaskOutcome{
		RequestID:      requestID,
		Phase:          phase.Outcome(),
		Response:       response,
		GoalAchieved:   state.GoalAchieved,
		StepsCompleted: len(state.CompletedSteps),
		StepsFailed:    len(state.FailedSteps),
		Replans:        state.Replans,
		Iterations:     state.Iterations,
	}, nil
}

// respondConversationally handles a zero-step plan: the request needs words,
// not tools.
func (e *Engine) respondConversationally(ctx context.Context, logger *zap.Logger, requestID, userMessage string, plan *schemas.ActionPlan) *schemas.TaskOutcome {
	logger.Info("Request is conversational, no tool use planned")

	apiCtx, cancel := context.WithTimeout(ctx, oracleCallTimeout)
	defer cancel()
	response, err := e.llm.Generate(apiCtx, schemas.GenerationRequest{
		SystemPrompt: "You are a helpful task assistant. Reply naturally and briefly to the user's message.",
		UserPrompt:   userMessage,
		Tier:         schemas.TierFast,
		Options:      schemas.GenerationOptions{Temperature: 0.7},
	})
	if err != nil {
		logger.Error("Conversational completion failed", zap.Error(err))
		msg := fmt.Sprintf("I could not compose a reply: %v", err)
		e.publish(schemas.NewErrorEvent(requestID, msg))
		return &schemas.TaskOutcome{RequestID: requestID, Phase: schemas.PhaseError, Response: msg}
	}

	response = strings.TrimSpace(response)
	e.publish(schemas.NewFinalResponseEvent(requestID, response))
	e.record(ctx, logger, requestID, plan.Goal, response)
	return &schemas.TaskOutcome{
		RequestID:    requestID,
		Phase:        schemas.PhaseCompleted,
		Response:     response,
		GoalAchieved: true,
	}
}

// runPlan is the per-step cycle. It drives the state machine until the goal
// is achieved, the plan or iteration budget is exhausted, a gated step is
// declined, or an unrecoverable failure halts the run. Returns the final
// user-facing response.
func (e *Engine) runPlan(ctx context.Context, logger *zap.Logger, requestID string, state *ExecutionState, phase *RunState) string {
	for {
		if ctx.Err() != nil {
			e.transition(logger, phase, StateCancelled)
			return "Task cancelled."
		}
		if state.Iterations >= e.cfg.MaxIterations {
			logger.Warn("Iteration ceiling reached", zap.Int("iterations", state.Iterations))
			return e.composeFinal(ctx, state,
				fmt.Sprintf("I stopped after %d iterations to avoid looping. %d steps completed; the task may be incomplete.",
					state.Iterations, len(state.CompletedSteps)))
		}
		step := state.CurrentStep()
		if step == nil {
			// Plan exhausted.
			if state.GoalAchieved {
				return e.composeFinal(ctx, state, fmt.Sprintf("Goal achieved: %s", state.CurrentPlan.Goal))
			}
			return e.composeFinal(ctx, state,
				fmt.Sprintf("All steps completed: %d done, %d failed.", len(state.CompletedSteps), len(state.FailedSteps)))
		}
		state.Iterations++

		e.publish(schemas.NewExecutingEvent(requestID, step))
		logger.Info("Executing step",
			zap.Int("step", step.StepNumber),
			zap.String("tool", step.Tool),
		)

		if e.needsConfirmation(step) {
			confirmed, err := e.confirmer.RequestConfirmation(ctx, requestID, step)
			if err != nil {
				e.transition(logger, phase, StateCancelled)
				return "Task cancelled."
			}
			if !confirmed {
				logger.Info("Step declined, cancelling the plan", zap.Int("step", step.StepNumber))
				e.transition(logger, phase, StateCancelled)
				return fmt.Sprintf("Task cancelled by user at step %d (%s).", step.StepNumber, step.Tool)
			}
		}

		res := e.registry.Execute(ctx, step.Tool, step.Parameters, state.TargetFor(*step))

		if !res.Success {
			kind := ClassifyError(res.Error, step.Tool)
			info := state.RecordFailure(*step, res.Error, kind)
			e.publish(schemas.NewStepFailedEvent(requestID, step, res.Error))
			state.AddObservation(step.StepNumber, fmt.Sprintf("Step %d (%s) failed: %s", step.StepNumber, step.Tool, res.Error))
			logger.Warn("Step failed",
				zap.Int("step", step.StepNumber),
				zap.String("tool", step.Tool),
				zap.String("kind", string(kind)),
				zap.String("error", res.Error),
			)

			if kind == schemas.ErrKindUnrecoverable {
				msg := fmt.Sprintf("Stopped at step %d (%s): %s", step.StepNumber, step.Tool, res.Error)
				e.publish(schemas.NewErrorEvent(requestID, msg))
				e.transition(logger, phase, StateError)
				return msg
			}

			taskStopped := state.TaskFailureCounts[step.Tool] >= e.cfg.MaxTaskFailures
			repaired := false
			if !taskStopped {
				if fixed, ok := e.attemptRepair(ctx, requestID, state, step, info); ok {
					res = fixed
					repaired = true
				}
			} else {
				logger.Warn("Tool failure ceiling reached, suppressing step repair",
					zap.String("tool", step.Tool),
					zap.Int("failures", state.TaskFailureCounts[step.Tool]),
				)
			}

			if !repaired {
				if reason, should := e.shouldReplan(state, info, taskStopped); should {
					e.replan(ctx, logger, requestID, state, phase, reason)
				}
				continue
			}
		}

		synthesized := e.handleSuccess(logger, requestID, state, step, res)

		if e.goalAchieved(ctx, state) {
			state.GoalAchieved = true
			logger.Info("Goal achieved, ending the run early",
				zap.Int("completed_steps", len(state.CompletedSteps)),
			)
			return e.composeFinal(ctx, state, fmt.Sprintf("Goal achieved: %s", state.CurrentPlan.Goal))
		}

		state.StepIndex++

		// A completed analysis with nothing synthesized from it is an
		// inflection point: the remaining steps were written before the
		// structure was known.
		if step.Tool == toolAnalyze && !synthesized {
			e.replan(ctx, logger, requestID, state, phase, "page structure discovered, folding it into the plan")
		}
	}
}

// handleSuccess runs the observation and bookkeeping shared by first-try and
// repaired successes, including follow-up synthesis after an analysis step.
// Reports whether synthesis spliced new steps into the plan.
func (e *Engine) handleSuccess(logger *zap.Logger, requestID string, state *ExecutionState, step *schemas.ActionStep, res schemas.ToolResult) bool {
	e.observeResult(state, step, res)
	state.RecordSuccess(*step, res)
	e.publish(schemas.NewStepCompletedEvent(requestID, step, stepMessage(step, res)))

	if step.Tool != toolAnalyze {
		return false
	}
	followUps := SynthesizeFollowUps(state, state.Page.LastAnalysis)
	if len(followUps) == 0 {
		return false
	}
	state.InsertSteps(state.StepIndex+1, followUps)
	logger.Info("Synthesized follow-up steps from page structure",
		zap.Int("count", len(followUps)),
	)
	e.publish(schemas.NewPlanPublishedEvent(requestID, state.CurrentPlan))
	return true
}

// observeResult folds a successful result into the page context and the
// observation log. Later observations of the same aspect win.
func (e *Engine) observeResult(state *ExecutionState, step *schemas.ActionStep, res schemas.ToolResult) {
	switch step.Tool {
	case toolNavigate:
		if m, ok := res.Result.(map[string]interface{}); ok {
			if u, ok := m["url"].(string); ok && u != "" {
				state.Page.CurrentURL = u
			}
		}
	case toolAnalyze:
		if analysis, ok := res.Result.(*schemas.PageAnalysis); ok {
			state.Page.LastAnalysis = analysis
			state.Page.Elements = analysis.InteractiveElements()
			if analysis.URL != "" {
				state.Page.CurrentURL = analysis.URL
			}
		}
	case toolReadPage:
		if m, ok := res.Result.(map[string]interface{}); ok {
			if c, ok := m["content"].(string); ok {
				state.Page.LastContent = c
			}
			if u, ok := m["url"].(string); ok && u != "" {
				state.Page.CurrentURL = u
			}
		}
	}
	state.AddObservation(step.StepNumber, stepMessage(step, res))
}

func stepMessage(step *schemas.ActionStep, res schemas.ToolResult) string {
	if res.Message != "" {
		return res.Message
	}
	return fmt.Sprintf("Step %d (%s) succeeded.", step.StepNumber, step.Tool)
}

// needsConfirmation gates a step behind the confirmation protocol when the
// plan asked for it or the tool declares itself destructive.
func (e *Engine) needsConfirmation(step *schemas.ActionStep) bool {
	if step.RequiresConfirmation {
		return true
	}
	schema, ok := e.registry.Get(step.Tool)
	return ok && schema.Destructive
}

// shouldReplan evaluates the replan triggers after a failure whose repair did
// not succeed. Successful non-analysis steps never reach this.
func (e *Engine) shouldReplan(state *ExecutionState, info *FailedStepInfo, taskStopped bool) (string, bool) {
	if taskStopped {
		return fmt.Sprintf("the %s tool keeps failing across the run", info.ToolName), true
	}
	if info.exhausted || info.RetryCount >= e.cfg.MaxStepRetries {
		return fmt.Sprintf("step %d exhausted its repair budget", info.Step.StepNumber), true
	}
	if state.ExhaustedFailures(e.cfg.MaxStepRetries) >= 2 {
		return "multiple steps have exhausted their repair budgets", true
	}
	return "", false
}

// replan asks the planner for a revised plan and swaps it in. A failed
// replan is not fatal: the run continues on the current plan, skipping the
// current step when its budget is spent so the loop cannot spin on it.
func (e *Engine) replan(ctx context.Context, logger *zap.Logger, requestID string, state *ExecutionState, phase *RunState, reason string) {
	e.transition(logger, phase, StateReplanning)
	e.publish(schemas.NewReplanningEvent(requestID, reason))

	plan, err := e.planner.Replan(ctx, ReplanContext{
		UserMessage:    state.UserMessage,
		Goal:           state.CurrentPlan.Goal,
		CompletedSteps: state.CompletedSteps,
		FailedSteps:    state.FailedSteps,
		Observations:   state.RecentObservations(5),
		Page:           state.Page,
		RemainingSteps: state.RemainingSteps(),
		Reason:         reason,
	})
	e.transition(logger, phase, StateExecuting)
	if err != nil {
		logger.Warn("Replanning produced nothing usable, continuing with the current plan", zap.Error(err))
		if step := state.CurrentStep(); step != nil {
			if info, ok := state.FailedSteps[step.StepNumber]; ok && (info.exhausted || info.RetryCount >= e.cfg.MaxStepRetries) {
				logger.Info("Skipping step with spent repair budget", zap.Int("step", step.StepNumber))
				state.StepIndex++
			}
		}
		return
	}

	state.ApplyReplan(plan)
	logger.Info("Adopted revised plan",
		zap.String("goal", plan.Goal),
		zap.Int("steps", len(plan.Steps)),
		zap.Int("replans", state.Replans),
	)
	e.publish(schemas.NewPlanPublishedEvent(requestID, state.CurrentPlan))
}

// goalCheckResponse is the oracle's answer shape for the per-step goal check.
type goalCheckResponse struct {
	Achieved bool `json:"achieved"`
}

// goalAchieved asks the fast tier whether the goal is already met. Any
// failure counts as "no"; a wrong "yes" ends the run early, a wrong "no" only
// costs more steps.
func (e *Engine) goalAchieved(ctx context.Context, state *ExecutionState) bool {
	if !e.cfg.GoalCheckEnabled {
		return false
	}

	var sb strings.Builder
	sb.WriteString("GOAL:\n")
	sb.WriteString(state.CurrentPlan.Goal)
	sb.WriteString(fmt.Sprintf("\n\nPROGRESS: %d steps completed, %d failed.\n", len(state.CompletedSteps), len(state.FailedSteps)))
	if state.Page.CurrentURL != "" {
		sb.WriteString("CURRENT PAGE: " + state.Page.CurrentURL + "\n")
	}
	sb.WriteString("\nRECENT OBSERVATIONS:\n")
	for _, obs := range state.RecentObservations(3) {
		sb.WriteString("- ")
		sb.WriteString(llmutil.TruncateString(obs.Text, 200))
		sb.WriteString("\n")
	}

	apiCtx, cancel := context.WithTimeout(ctx, oracleCallTimeout)
	defer cancel()
	raw, err := e.llm.Generate(apiCtx, schemas.GenerationRequest{
		SystemPrompt: `You judge whether a task goal has been fully achieved based on execution progress. Respond with JSON only: {"achieved": true} or {"achieved": false}. When unsure, answer false.`,
		UserPrompt:   sb.String(),
		Tier:         schemas.TierFast,
		Options: schemas.GenerationOptions{
			Temperature:     0,
			ForceJSONFormat: true,
		},
	})
	if err != nil {
		e.logger.Debug("Goal check call failed, assuming not achieved", zap.Error(err))
		return false
	}
	parsed, err := llmutil.ParseJSONResponse[goalCheckResponse](raw)
	if err != nil {
		e.logger.Debug("Goal check response unparseable, assuming not achieved", zap.Error(err))
		return false
	}
	return parsed.Achieved
}

// composeFinal turns the run's history into the user-facing closing response.
// The oracle gets first shot at a readable summary; the deterministic text is
// both the fallback and the grounding for the oracle's version.
func (e *Engine) composeFinal(ctx context.Context, state *ExecutionState, deterministic string) string {
	var sb strings.Builder
	sb.WriteString("GOAL:\n")
	sb.WriteString(state.CurrentPlan.Goal)
	sb.WriteString("\n\nOUTCOME:\n")
	sb.WriteString(deterministic)
	sb.WriteString("\n\nOBSERVATIONS:\n")
	for _, obs := range state.RecentObservations(8) {
		sb.WriteString("- ")
		sb.WriteString(llmutil.TruncateString(obs.Text, 200))
		sb.WriteString("\n")
	}

	apiCtx, cancel := context.WithTimeout(ctx, oracleCallTimeout)
	defer cancel()
	raw, err := e.llm.Generate(apiCtx, schemas.GenerationRequest{
		SystemPrompt: "Summarize the outcome of an automated task for the user in one to three sentences. Mention what was accomplished and anything that failed. Plain text, no JSON.",
		UserPrompt:   sb.String(),
		Tier:         schemas.TierFast,
		Options:      schemas.GenerationOptions{Temperature: 0.3},
	})
	if err != nil || strings.TrimSpace(raw) == "" {
		return deterministic
	}
	return strings.TrimSpace(raw)
}

// transition moves the run to a new phase. Terminal phases admit no exit; a
// transition attempt out of one indicates a logic bug and is logged and
// dropped rather than obeyed.
func (e *Engine) transition(logger *zap.Logger, current *RunState, next RunState) {
	if current.Terminal() {
		logger.Warn("Ignoring transition out of terminal phase",
			zap.String("from", string(*current)),
			zap.String("to", string(next)),
		)
		return
	}
	logger.Debug("Run phase transition",
		zap.String("from", string(*current)),
		zap.String("to", string(next)),
	)
	*current = next
}

// record persists the finished request to the recall store, best-effort.
func (e *Engine) record(ctx context.Context, logger *zap.Logger, requestID, goal, response string) {
	if e.recall == nil {
		return
	}
	entry := schemas.RecallEntry{
		ID:        uuidNewString(),
		RequestID: requestID,
		Goal:      goal,
		Summary:   llmutil.TruncateString(response, 500),
		CreatedAt: time.Now().UTC(),
	}
	if err := e.recall.Record(ctx, entry); err != nil {
		logger.Debug("Recall store rejected the entry", zap.Error(err))
	}
}

func (e *Engine) publish(ev schemas.EngineEvent) {
	if e.sink != nil {
		e.sink.Publish(ev)
	}
}
