// internal/agent/planner.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/llmutil"
	"github.com/xkilldash9x/pilot-cli/internal/plandiff"
)

// Registered tool names the planner reasons about structurally. The registry
// remains the source of truth; these constants only mark the tools with
// special sequencing or repair semantics.
const (
	toolNavigate   = "navigate_to_url"
	toolClick      = "click_element"
	toolTypeText   = "type_text"
	toolFillForm   = "fill_form"
	toolReadPage   = "read_page_content"
	toolAnalyze    = "analyze_page_structure"
	toolScroll     = "scroll_page"
	toolScreenshot = "take_screenshot"
	toolWaitFor    = "wait_for_element"
	toolWriteFile  = "write_file"
)

// oracleCallTimeout bounds every single completion call. The surrounding
// request context still applies; this only prevents one hung call from
// consuming the whole iteration budget's worth of wall clock.
const oracleCallTimeout = 30 * time.Second

// recallLimit is how many past-request summaries are folded into the planning
// prompt.
const recallLimit = 3

// ErrNoActionablePlan means replanning produced nothing the engine can act
// on: either no valid steps survived validation, or the proposed steps are
// semantically identical to the ones that already failed.
var ErrNoActionablePlan = errors.New("replanning produced no actionable plan")

// PlanGenerationError wraps a failed attempt to obtain a plan from the
// completion oracle. Reason is one of "completion", "extraction",
// "validation".
type PlanGenerationError struct {
	Reason      string
	RawFragment string
	Err         error
}

func (e *PlanGenerationError) Error() string {
	if e.RawFragment != "" {
		return fmt.Sprintf("plan generation failed (%s): %v; fragment: %s", e.Reason, e.Err, e.RawFragment)
	}
	return fmt.Sprintf("plan generation failed (%s): %v", e.Reason, e.Err)
}

func (e *PlanGenerationError) Unwrap() error { return e.Err }

// Planner turns natural-language requests into ActionPlans and failed runs
// into revised ones. It owns the prompt contract with the oracle; the engine
// never builds planning prompts itself.
type Planner struct {
	logger   *zap.Logger
	llm      schemas.LLMClient
	registry schemas.ToolRegistry
	recall   schemas.RecallStore
	diff     *plandiff.Comparator
}

// NewPlanner wires a planner against the completion oracle and the tool
// registry. The recall store may be a no-op implementation.
func NewPlanner(logger *zap.Logger, llm schemas.LLMClient, registry schemas.ToolRegistry, recall schemas.RecallStore) *Planner {
	return &Planner{
		logger:   logger.Named("planner"),
		llm:      llm,
		registry: registry,
		recall:   recall,
		diff:     plandiff.NewComparator(logger),
	}
}

const plannerSystemPromptTemplate = `You are the planning component of a browser automation agent. You convert a user's request into a JSON action plan executed step by step by an engine.

AVAILABLE TOOLS:
%s

DECISION RULES:
1. If the request is conversational (a greeting, a question you can answer directly, small talk), return a plan with an empty "steps" array. Do not invent tool use for requests that need none.
2. If the request requires acting on a website, produce ordered steps. Navigate before interacting with a site, and run analyze_page_structure after navigation before clicking or filling anything, so selectors come from observed structure rather than guesses.
3. Set "requiresConfirmation": true on any step with effects outside the browser: writing files, submitting purchases, sending messages, deleting data.
4. Use only the tools listed above, with exactly the parameter names shown. Unknown tools make the whole plan unusable.
5. Each step needs a short "reasoning" sentence describing intent. It is shown to the user as progress narration.

OUTPUT FORMAT:
Respond with a single JSON object and nothing else:
{
  "goal": "one sentence restating what the user wants",
  "steps": [
    {
      "stepNumber": 1,
      "tool": "tool_name",
      "parameters": {"param": "value"},
      "reasoning": "why this step",
      "requiresConfirmation": false
    }
  ]
}`

// GeneratePlan asks the oracle for a fresh plan for the user's message. The
// returned plan is validated, normalized, and safe to hand to the engine; a
// plan with zero steps is the conversational signal, not an error.
func (p *Planner) GeneratePlan(ctx context.Context, userMessage string) (*schemas.ActionPlan, error) {
	systemPrompt := fmt.Sprintf(plannerSystemPromptTemplate, p.toolCatalog())
	userPrompt := p.foldRecall(ctx, userMessage) + "USER REQUEST:\n" + userMessage

	plan, err := p.completePlan(ctx, systemPrompt, userPrompt)
	if err != nil {
		return nil, err
	}

	if err := p.validateStrict(plan); err != nil {
		return nil, err
	}
	p.normalize(plan)

	p.logger.Info("Generated action plan",
		zap.String("goal", plan.Goal),
		zap.Int("steps", len(plan.Steps)),
	)
	return plan, nil
}

// ReplanContext carries everything the oracle needs to revise a failing run:
// what was asked, what happened, and what is left.
type ReplanContext struct {
	UserMessage    string
	Goal           string
	CompletedSteps []CompletedStep
	FailedSteps    map[int]*FailedStepInfo
	Observations   []Observation
	Page           PageContext
	RemainingSteps []schemas.ActionStep
	Reason         string
}

const replanSystemPromptTemplate = `You are the planning component of a browser automation agent. The current plan is failing and you must produce a revised plan that still reaches the user's goal.

AVAILABLE TOOLS:
%s

RULES:
1. Produce a complete replacement plan for the REMAINING work only. Completed steps are done; do not repeat them.
2. Learn from the failures listed: if a selector did not exist, re-analyze before interacting; if a tool kept rejecting parameters, approach the page differently.
3. Use only the tools listed above with exactly the parameter names shown.
4. If the goal is genuinely unreachable, return an empty "steps" array.

OUTPUT FORMAT: a single JSON object, {"goal": "...", "steps": [...]}, same step shape as before: stepNumber, tool, parameters, reasoning, requiresConfirmation.`

// Replan asks the oracle for a revised plan given the observed history.
// Unknown tools are filtered out rather than failing the whole attempt; a
// partially usable plan beats none mid-run. Returns ErrNoActionablePlan when
// nothing usable remains or the revision is equivalent to the steps it would
// replace.
func (p *Planner) Replan(ctx context.Context, rc ReplanContext) (*schemas.ActionPlan, error) {
	systemPrompt := fmt.Sprintf(replanSystemPromptTemplate, p.toolCatalog())

	plan, err := p.completePlan(ctx, systemPrompt, p.replanPrompt(rc))
	if err != nil {
		return nil, err
	}

	dropped := p.filterUnknownTools(plan)
	if len(dropped) > 0 {
		p.logger.Warn("Replan proposed unknown tools, dropping those steps",
			zap.Strings("tools", dropped),
		)
	}
	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("%w: no valid steps after filtering", ErrNoActionablePlan)
	}
	p.normalize(plan)

	if p.diff.Equivalent(rc.RemainingSteps, plan.Steps) {
		return nil, fmt.Errorf("%w: revision is equivalent to the failing steps", ErrNoActionablePlan)
	}

	p.logger.Info("Generated revised plan",
		zap.String("goal", plan.Goal),
		zap.Int("steps", len(plan.Steps)),
		zap.String("reason", rc.Reason),
	)
	return plan, nil
}

// completePlan runs one oracle call and extracts an ActionPlan from whatever
// text came back.
func (p *Planner) completePlan(ctx context.Context, systemPrompt, userPrompt string) (*schemas.ActionPlan, error) {
	apiCtx, cancel := context.WithTimeout(ctx, oracleCallTimeout)
	defer cancel()

	raw, err := p.llm.Generate(apiCtx, schemas.GenerationRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Tier:         schemas.TierPowerful,
		Options: schemas.GenerationOptions{
			Temperature:     0.2,
			ForceJSONFormat: true,
		},
	})
	if err != nil {
		return nil, &PlanGenerationError{Reason: "completion", Err: err}
	}

	plan, err := llmutil.ParseJSONResponse[schemas.ActionPlan](raw)
	if err != nil {
		return nil, &PlanGenerationError{
			Reason:      "extraction",
			RawFragment: llmutil.TruncateString(raw, 300),
			Err:         err,
		}
	}
	return plan, nil
}

// toolCatalog renders the registry's schemas for the prompt. JSON keeps the
// parameter specs unambiguous for the model.
func (p *Planner) toolCatalog() string {
	var sb strings.Builder
	for _, schema := range p.registry.Schemas() {
		sb.WriteString("- ")
		sb.WriteString(schema.Name)
		sb.WriteString(": ")
		sb.WriteString(schema.Description)
		if schema.Destructive {
			sb.WriteString(" (destructive, always requires confirmation)")
		}
		sb.WriteString("\n")
		if len(schema.Parameters) > 0 {
			if params, err := json.Marshal(schema.Parameters); err == nil {
				sb.WriteString("  parameters: ")
				sb.Write(params)
				sb.WriteString("\n")
			}
		}
	}
	return sb.String()
}

// foldRecall prepends summaries of relevant past requests. Recall is strictly
// best-effort: any failure degrades to an empty section.
func (p *Planner) foldRecall(ctx context.Context, query string) string {
	if p.recall == nil {
		return ""
	}
	entries, err := p.recall.Recall(ctx, query, recallLimit)
	if err != nil {
		p.logger.Debug("Recall lookup failed, planning without history", zap.Error(err))
		return ""
	}
	if len(entries) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("RELEVANT PAST REQUESTS:\n")
	for _, entry := range entries {
		sb.WriteString(fmt.Sprintf("- goal: %s; outcome: %s\n", entry.Goal, entry.Summary))
	}
	sb.WriteString("\n")
	return sb.String()
}

// replanPrompt renders the run history into the oracle's revision prompt.
func (p *Planner) replanPrompt(rc ReplanContext) string {
	var sb strings.Builder

	sb.WriteString("ORIGINAL REQUEST:\n")
	sb.WriteString(rc.UserMessage)
	sb.WriteString("\n\nGOAL:\n")
	sb.WriteString(rc.Goal)
	sb.WriteString("\n\nREPLAN REASON:\n")
	sb.WriteString(rc.Reason)

	sb.WriteString("\n\nCOMPLETED STEPS:\n")
	if len(rc.CompletedSteps) == 0 {
		sb.WriteString("(none)\n")
	}
	for _, done := range rc.CompletedSteps {
		sb.WriteString(fmt.Sprintf("- step %d %s: %s\n",
			done.Step.StepNumber, done.Step.Tool, llmutil.TruncateString(done.Result.Message, 200)))
	}

	sb.WriteString("\nFAILED STEPS:\n")
	if len(rc.FailedSteps) == 0 {
		sb.WriteString("(none)\n")
	}
	for _, info := range sortedFailures(rc.FailedSteps) {
		sb.WriteString(fmt.Sprintf("- step %d %s: %s (kind %s, retries %d)\n",
			info.Step.StepNumber, info.ToolName,
			llmutil.TruncateString(info.Error, 200), info.Kind, info.RetryCount))
	}

	sb.WriteString("\nRECENT OBSERVATIONS:\n")
	if len(rc.Observations) == 0 {
		sb.WriteString("(none)\n")
	}
	for _, obs := range rc.Observations {
		sb.WriteString("- ")
		sb.WriteString(llmutil.TruncateString(obs.Text, 200))
		sb.WriteString("\n")
	}

	if rc.Page.CurrentURL != "" {
		sb.WriteString("\nCURRENT PAGE:\n")
		sb.WriteString(rc.Page.CurrentURL)
		sb.WriteString("\n")
		if n := len(rc.Page.Elements); n > 0 {
			sb.WriteString(fmt.Sprintf("%d interactive elements known from the last analysis.\n", n))
		}
	}

	if remaining, err := json.Marshal(rc.RemainingSteps); err == nil {
		sb.WriteString("\nREMAINING STEPS OF THE FAILING PLAN:\n")
		sb.Write(remaining)
		sb.WriteString("\n")
	}

	return sb.String()
}

// validateStrict rejects a freshly generated plan with malformed steps. At
// planning time there is no run to salvage, so a loud failure that names the
// offending steps beats silently executing a half-usable plan.
func (p *Planner) validateStrict(plan *schemas.ActionPlan) error {
	var problems []string
	for i, step := range plan.Steps {
		switch {
		case step.Tool == "":
			problems = append(problems, fmt.Sprintf("step %d has no tool", i+1))
		case !p.knownTool(step.Tool):
			problems = append(problems, fmt.Sprintf("step %d uses unknown tool %q", i+1, step.Tool))
		}
		if step.Parameters == nil {
			problems = append(problems, fmt.Sprintf("step %d has no parameters object", i+1))
		}
		if strings.TrimSpace(step.Reasoning) == "" {
			problems = append(problems, fmt.Sprintf("step %d has no reasoning", i+1))
		}
	}
	if len(problems) > 0 {
		return &PlanGenerationError{
			Reason: "validation",
			Err:    errors.New(strings.Join(problems, "; ")),
		}
	}
	return nil
}

// filterUnknownTools removes steps naming unregistered tools and returns the
// dropped names. Nil parameter maps are normalized at the same time.
func (p *Planner) filterUnknownTools(plan *schemas.ActionPlan) []string {
	var dropped []string
	kept := plan.Steps[:0]
	for _, step := range plan.Steps {
		if step.Tool == "" || !p.knownTool(step.Tool) {
			dropped = append(dropped, step.Tool)
			continue
		}
		if step.Parameters == nil {
			step.Parameters = make(map[string]interface{})
		}
		kept = append(kept, step)
	}
	plan.Steps = kept
	return dropped
}

func (p *Planner) knownTool(name string) bool {
	_, ok := p.registry.Get(name)
	return ok
}

// normalize applies the structural fixups every plan gets before execution:
// an analysis step between navigation and interaction, then dense 1-based
// numbering. The engine is the numbering authority; whatever stepNumber the
// oracle emitted is overwritten here.
func (p *Planner) normalize(plan *schemas.ActionPlan) {
	plan.Steps = ensureAnalysisAfterNavigation(plan.Steps)
	schemas.RenumberSteps(plan.Steps)
}

var interactionTools = map[string]bool{
	toolClick:    true,
	toolFillForm: true,
	toolTypeText: true,
}

// ensureAnalysisAfterNavigation inserts an analyze_page_structure step
// wherever a navigation is immediately followed by an interaction. Selectors
// proposed before the page was ever observed are guesses; forcing an analysis
// in between gives the repair path observed structure to rank against.
func ensureAnalysisAfterNavigation(steps []schemas.ActionStep) []schemas.ActionStep {
	out := make([]schemas.ActionStep, 0, len(steps))
	for i, step := range steps {
		out = append(out, step)
		if step.Tool != toolNavigate || i+1 >= len(steps) {
			continue
		}
		if interactionTools[steps[i+1].Tool] {
			out = append(out, schemas.ActionStep{
				Tool:       toolAnalyze,
				Parameters: map[string]interface{}{},
				Reasoning:  "Analyze the page structure before interacting so selectors come from observed elements.",
			})
		}
	}
	return out
}
