// internal/agent/repair.go
package agent

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/llmutil"
)

// Repair strategies run inside a single dispatch: a strategy re-executes the
// step itself until it either succeeds or runs out of options. The loop sees
// only the final outcome, so per-tool failure counts grow once per observed
// failure, not once per probe. Exhaustion is recorded on the failure entry and
// feeds the replan triggers.

// attemptRepair dispatches the strategy for a classified failure and reports
// whether the step ended up executed successfully. Kinds without a strategy
// exhaust immediately so replanning takes over.
func (e *Engine) attemptRepair(ctx context.Context, requestID string, state *ExecutionState, step *schemas.ActionStep, info *FailedStepInfo) (schemas.ToolResult, bool) {
	switch info.Kind {
	case schemas.ErrKindParameterError:
		return e.repairParameters(ctx, state, step, info)
	case schemas.ErrKindElementNotFound:
		return e.repairElement(ctx, requestID, state, step, info)
	default:
		// PARTIAL_SUCCESS and UNKNOWN have no step-level strategy.
		info.exhausted = true
		return schemas.ToolResult{}, false
	}
}

// -- Parameter reshaping --

// paramHeuristic rewrites a parameter map into a shape the tool might accept.
// It returns the reshaped map and whether it changed anything.
type paramHeuristic struct {
	name  string
	apply func(e *Engine, tool string, params map[string]interface{}) (map[string]interface{}, bool)
}

// Ordered by how often models make the corresponding mistake. Each runs at
// most once per step across the whole run, so repeated failures walk down the
// list instead of looping on the first heuristic.
var paramHeuristics = []paramHeuristic{
	{name: "promote_field_value", apply: promoteFieldValue},
	{name: "lift_scalars_into_fields", apply: liftScalarsIntoFields},
	{name: "infer_selector", apply: inferSelector},
	{name: "coerce_numeric", apply: coerceNumeric},
}

// repairParameters walks the reshaping heuristics in order, re-executing the
// step after each applicable one, until an execution succeeds or the list is
// spent. The winning shape is persisted into the step so later re-executions
// and replan prompts see the corrected parameters.
func (e *Engine) repairParameters(ctx context.Context, state *ExecutionState, step *schemas.ActionStep, info *FailedStepInfo) (schemas.ToolResult, bool) {
	for _, h := range paramHeuristics {
		if ctx.Err() != nil {
			return schemas.ToolResult{}, false
		}
		if info.triedFixes[h.name] {
			continue
		}
		reshaped, changed := h.apply(e, step.Tool, cloneParams(step.Parameters))
		if !changed {
			continue
		}
		info.triedFixes[h.name] = true
		info.RetryCount++

		e.logger.Info("Retrying step with reshaped parameters",
			zap.Int("step", step.StepNumber),
			zap.String("tool", step.Tool),
			zap.String("heuristic", h.name),
		)
		res := e.registry.Execute(ctx, step.Tool, reshaped, state.TargetFor(*step))
		if res.Success {
			step.Parameters = reshaped
			return res, true
		}
		info.Error = res.Error
	}
	info.exhausted = true
	return schemas.ToolResult{}, false
}

// promoteFieldValue fixes the flat {"field": ..., "value": ...} shape models
// emit for fill_form instead of the nested fields map.
func promoteFieldValue(_ *Engine, tool string, params map[string]interface{}) (map[string]interface{}, bool) {
	if tool != toolFillForm {
		return params, false
	}
	if _, has := params["fields"]; has {
		return params, false
	}
	field, okF := params["field"].(string)
	value, okV := params["value"]
	if !okF || !okV || field == "" {
		return params, false
	}
	return map[string]interface{}{"fields": map[string]interface{}{field: value}}, true
}

// liftScalarsIntoFields wraps loose scalar parameters into the fields map
// fill_form expects, treating each key as a selector or field name.
func liftScalarsIntoFields(_ *Engine, tool string, params map[string]interface{}) (map[string]interface{}, bool) {
	if tool != toolFillForm {
		return params, false
	}
	if _, has := params["fields"]; has {
		return params, false
	}
	fields := make(map[string]interface{})
	for k, v := range params {
		switch v.(type) {
		case string, float64, int, bool:
			fields[k] = v
		}
	}
	if len(fields) == 0 {
		return params, false
	}
	return map[string]interface{}{"fields": fields}, true
}

// selectorTools take a top-level "selector" parameter and are eligible for
// selector inference and candidate re-matching.
var selectorTools = map[string]bool{
	toolClick:    true,
	toolTypeText: true,
	toolWaitFor:  true,
}

// inferSelector builds a selector from an id or name parameter when the model
// forgot the selector key itself.
func inferSelector(_ *Engine, tool string, params map[string]interface{}) (map[string]interface{}, bool) {
	if !selectorTools[tool] {
		return params, false
	}
	if sel, has := params["selector"].(string); has && sel != "" {
		return params, false
	}
	if id, ok := params["id"].(string); ok && id != "" {
		params["selector"] = "#" + id
		delete(params, "id")
		return params, true
	}
	if name, ok := params["element_id"].(string); ok && name != "" {
		params["selector"] = "#" + name
		delete(params, "element_id")
		return params, true
	}
	if name, ok := params["name"].(string); ok && name != "" {
		params["selector"] = fmt.Sprintf("[name=%q]", name)
		delete(params, "name")
		return params, true
	}
	return params, false
}

// coerceNumeric converts string values to numbers for parameters the tool's
// schema declares numeric.
func coerceNumeric(e *Engine, tool string, params map[string]interface{}) (map[string]interface{}, bool) {
	schema, ok := e.registry.Get(tool)
	if !ok {
		return params, false
	}
	changed := false
	for name, spec := range schema.Parameters {
		if spec.Type != "number" && spec.Type != "integer" {
			continue
		}
		raw, has := params[name].(string)
		if !has {
			continue
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			params[name] = f
			changed = true
		}
	}
	return params, changed
}

// -- Element re-matching --

// repairElement runs re-analysis rounds. Each round refreshes the page
// structure, ranks candidate elements against the step's intent, and probes
// them in order. When the automatic rounds are spent it escalates once to
// user-guided repair, then marks the step exhausted.
func (e *Engine) repairElement(ctx context.Context, requestID string, state *ExecutionState, step *schemas.ActionStep, info *FailedStepInfo) (schemas.ToolResult, bool) {
	if !selectorTools[step.Tool] {
		// fill_form and friends address fields internally; a selector swap
		// cannot repair them. Re-analysis alone gives them one fresh chance
		// per round in case the page simply loaded late.
		return e.repairByReexecution(ctx, state, step, info)
	}

	for info.RetryCount < e.cfg.MaxStepRetries {
		if ctx.Err() != nil {
			return schemas.ToolResult{}, false
		}
		info.RetryCount++

		pool := e.refreshAnalysis(ctx, state, step)
		if len(pool) == 0 {
			continue
		}
		for _, selector := range e.rankCandidates(ctx, state, step, pool) {
			if ctx.Err() != nil {
				return schemas.ToolResult{}, false
			}
			e.logger.Info("Probing candidate element",
				zap.Int("step", step.StepNumber),
				zap.String("tool", step.Tool),
				zap.String("selector", selector),
			)
			res := e.executeWithSelector(ctx, state, step, selector)
			if res.Success {
				step.Parameters["selector"] = selector
				return res, true
			}
			info.Error = res.Error
		}
	}

	if res, ok := e.guidedRepair(ctx, requestID, state, step, info); ok {
		return res, true
	}
	info.exhausted = true
	return schemas.ToolResult{}, false
}

// repairByReexecution is the degraded element strategy for tools without a
// swappable selector: re-analyze, then try the step again as-is.
func (e *Engine) repairByReexecution(ctx context.Context, state *ExecutionState, step *schemas.ActionStep, info *FailedStepInfo) (schemas.ToolResult, bool) {
	for info.RetryCount < e.cfg.MaxStepRetries {
		if ctx.Err() != nil {
			return schemas.ToolResult{}, false
		}
		info.RetryCount++
		e.refreshAnalysis(ctx, state, step)

		res := e.registry.Execute(ctx, step.Tool, step.Parameters, state.TargetFor(*step))
		if res.Success {
			return res, true
		}
		info.Error = res.Error
	}
	info.exhausted = true
	return schemas.ToolResult{}, false
}

// guidedRepair asks the user for the correct selector, once per step. The
// guidance prompt follows the confirmation protocol's timeout discipline, so
// no answer simply means no repair.
func (e *Engine) guidedRepair(ctx context.Context, requestID string, state *ExecutionState, step *schemas.ActionStep, info *FailedStepInfo) (schemas.ToolResult, bool) {
	if info.guidedUsed || e.cfg.GuidedAttempts <= 0 || e.confirmer == nil {
		return schemas.ToolResult{}, false
	}
	info.guidedUsed = true

	prompt := fmt.Sprintf(
		"Step %d (%s) cannot find its target element. Last error: %s. Please provide the correct CSS selector, or leave empty to skip.",
		step.StepNumber, step.Tool, llmutil.TruncateString(info.Error, 200),
	)
	selector, err := e.confirmer.RequestGuidance(ctx, requestID, prompt)
	if err != nil || selector == "" {
		e.logger.Info("No guidance received for failing step",
			zap.Int("step", step.StepNumber),
			zap.Error(err),
		)
		return schemas.ToolResult{}, false
	}

	res := e.executeWithSelector(ctx, state, step, selector)
	if res.Success {
		step.Parameters["selector"] = selector
		return res, true
	}
	info.Error = res.Error
	return schemas.ToolResult{}, false
}

// refreshAnalysis re-runs structural analysis on the step's target, folds the
// result into the page context, and returns the interactive element pool.
func (e *Engine) refreshAnalysis(ctx context.Context, state *ExecutionState, step *schemas.ActionStep) []schemas.PageElement {
	res := e.registry.Execute(ctx, toolAnalyze, map[string]interface{}{}, state.TargetFor(*step))
	if !res.Success {
		e.logger.Warn("Re-analysis during repair failed", zap.String("error", res.Error))
		return state.Page.LastAnalysis.InteractiveElements()
	}
	if analysis, ok := res.Result.(*schemas.PageAnalysis); ok {
		state.Page.LastAnalysis = analysis
		state.Page.Elements = analysis.InteractiveElements()
		if analysis.URL != "" {
			state.Page.CurrentURL = analysis.URL
		}
	}
	return state.Page.LastAnalysis.InteractiveElements()
}

// rankedSelectors is the oracle's response shape for candidate ranking.
type rankedSelectors struct {
	Selectors []string `json:"selectors"`
}

// rankCandidates orders the element pool by likely relevance to the step's
// intent, capped at the configured candidate budget. The fast oracle tier
// does the ranking; when it fails or returns nothing usable, a token-overlap
// heuristic against the element's descriptive attributes takes over.
func (e *Engine) rankCandidates(ctx context.Context, state *ExecutionState, step *schemas.ActionStep, pool []schemas.PageElement) []string {
	limit := e.cfg.MaxCandidateElements
	if limit <= 0 {
		limit = 5
	}

	if ranked := e.rankViaOracle(ctx, state, step, pool, limit); len(ranked) > 0 {
		return ranked
	}
	return rankByTokenOverlap(step, pool, limit)
}

func (e *Engine) rankViaOracle(ctx context.Context, state *ExecutionState, step *schemas.ActionStep, pool []schemas.PageElement, limit int) []string {
	var sb strings.Builder
	sb.WriteString("FAILING STEP:\n")
	sb.WriteString(fmt.Sprintf("tool: %s\nintent: %s\n", step.Tool, step.Reasoning))
	if sel, ok := step.Parameters["selector"].(string); ok {
		sb.WriteString(fmt.Sprintf("original selector: %s\n", sel))
	}
	sb.WriteString("\nUSER REQUEST:\n")
	sb.WriteString(state.UserMessage)
	sb.WriteString("\n\nELEMENTS ON THE PAGE:\n")
	for _, el := range pool {
		sb.WriteString(fmt.Sprintf("- selector: %s; tag: %s; type: %s; name: %s; label: %s; text: %s\n",
			el.Selector, el.Tag, el.Type, el.Name, el.Label, llmutil.TruncateString(el.Text, 80)))
	}

	apiCtx, cancel := context.WithTimeout(ctx, oracleCallTimeout)
	defer cancel()

	raw, err := e.llm.Generate(apiCtx, schemas.GenerationRequest{
		SystemPrompt: `You match a failing automation step to the element it most likely intended. Rank the page elements from most to least likely and respond with JSON only: {"selectors": ["best", "next", ...]}. Include only selectors from the provided list.`,
		UserPrompt:   sb.String(),
		Tier:         schemas.TierFast,
		Options: schemas.GenerationOptions{
			Temperature:     0.1,
			ForceJSONFormat: true,
		},
	})
	if err != nil {
		e.logger.Debug("Candidate ranking call failed, falling back to heuristic", zap.Error(err))
		return nil
	}
	parsed, err := llmutil.ParseJSONResponse[rankedSelectors](raw)
	if err != nil {
		e.logger.Debug("Candidate ranking response unparseable, falling back to heuristic", zap.Error(err))
		return nil
	}

	// Keep only selectors that actually exist on the page, in ranked order.
	known := make(map[string]bool, len(pool))
	for _, el := range pool {
		known[el.Selector] = true
	}
	out := make([]string, 0, limit)
	seen := make(map[string]bool)
	for _, sel := range parsed.Selectors {
		if !known[sel] || seen[sel] {
			continue
		}
		seen[sel] = true
		out = append(out, sel)
		if len(out) == limit {
			break
		}
	}
	return out
}

// rankByTokenOverlap scores elements by shared tokens with the step's intent
// and original selector. Elements with no overlap at all are not probed;
// clicking arbitrary elements does more harm than another analysis round.
func rankByTokenOverlap(step *schemas.ActionStep, pool []schemas.PageElement, limit int) []string {
	intent := step.Reasoning
	if sel, ok := step.Parameters["selector"].(string); ok {
		intent += " " + sel
	}
	vocabulary := tokenize(intent)

	type scored struct {
		selector string
		score    int
	}
	ranked := make([]scored, 0, len(pool))
	for _, el := range pool {
		if el.Selector == "" {
			continue
		}
		if score := overlapScore(fieldTokens(el), vocabulary); score > 0 {
			ranked = append(ranked, scored{selector: el.Selector, score: score})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	out := make([]string, 0, limit)
	for _, r := range ranked {
		out = append(out, r.selector)
		if len(out) == limit {
			break
		}
	}
	return out
}

// executeWithSelector re-runs the step with its selector swapped for a
// candidate, leaving the original parameters untouched unless it succeeds.
func (e *Engine) executeWithSelector(ctx context.Context, state *ExecutionState, step *schemas.ActionStep, selector string) schemas.ToolResult {
	params := cloneParams(step.Parameters)
	params["selector"] = selector
	return e.registry.Execute(ctx, step.Tool, params, state.TargetFor(*step))
}

func cloneParams(params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
