// internal/agent/synthesis.go
package agent

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

// Heuristic synthesis closes the loop between "what the page offers" and
// "what the user asked for" without an oracle call: after a structural
// analysis succeeds, entities extracted from the original message are matched
// against the discovered form fields and buttons, and concrete fill/click
// steps are spliced into the plan. Replanning stays reserved for the cases
// pattern matching cannot cover.

var (
	emailPattern    = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	pricePattern    = regexp.MustCompile(`(?i)(?:\$|usd\s?|eur\s?|€)\s?(\d+(?:[.,]\d+)?)|(?:under|below|budget of|at most)\s+\$?(\d+(?:[.,]\d+)?)`)
	quantityPattern = regexp.MustCompile(`(?i)\b(\d+)\s+(?:of|x\b|items?|tickets?|copies|units?|people|persons?|guests?|adults?|nights?|rooms?|seats?)`)
	isoDatePattern  = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`)
	wordDatePattern = regexp.MustCompile(`(?i)\b((?:jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s+\d{1,2}(?:st|nd|rd|th)?(?:,?\s+\d{4})?)\b`)
	relDatePattern  = regexp.MustCompile(`(?i)\b(today|tomorrow|tonight|next (?:week|month|monday|tuesday|wednesday|thursday|friday|saturday|sunday))\b`)
	locationPattern = regexp.MustCompile(`(?:\b(?:in|to|near|at|from)\s+)([A-Z][a-zA-Z]+(?:\s+[A-Z][a-zA-Z]+){0,2})`)
	quotedPattern   = regexp.MustCompile(`"([^"]{1,120})"|'([^']{1,120})'`)
)

// ExtractEntities pulls structured values out of a natural-language message
// using lightweight pattern extraction. The keys are stable entity names the
// synthesizer maps onto form fields: location, quantity, price, date, email,
// query.
func ExtractEntities(message string) map[string]string {
	entities := make(map[string]string)

	if m := emailPattern.FindString(message); m != "" {
		entities["email"] = m
	}
	if m := pricePattern.FindStringSubmatch(message); m != nil {
		if m[1] != "" {
			entities["price"] = m[1]
		} else if m[2] != "" {
			entities["price"] = m[2]
		}
	}
	if m := quantityPattern.FindStringSubmatch(message); m != nil {
		entities["quantity"] = m[1]
	}
	if m := isoDatePattern.FindStringSubmatch(message); m != nil {
		entities["date"] = m[1]
	} else if m := wordDatePattern.FindStringSubmatch(message); m != nil {
		entities["date"] = m[1]
	} else if m := relDatePattern.FindStringSubmatch(message); m != nil {
		entities["date"] = strings.ToLower(m[1])
	}
	if m := locationPattern.FindStringSubmatch(message); m != nil {
		entities["location"] = m[1]
	}
	if m := quotedPattern.FindStringSubmatch(message); m != nil {
		if m[1] != "" {
			entities["query"] = m[1]
		} else if m[2] != "" {
			entities["query"] = m[2]
		}
	}

	return entities
}

// entitySynonyms maps an entity name to the vocabulary a matching form field
// is likely to use in its name, id, label, or placeholder.
var entitySynonyms = map[string][]string{
	"location": {"location", "city", "place", "destination", "address", "where", "region", "area"},
	"quantity": {"quantity", "qty", "count", "amount", "number", "guests", "people", "adults", "rooms", "seats"},
	"price":    {"price", "budget", "max", "maximum", "cost", "amount"},
	"date":     {"date", "when", "day", "checkin", "check", "departure", "arrival", "time"},
	"email":    {"email", "mail"},
	"query":    {"search", "query", "q", "keyword", "keywords", "title", "name", "term", "find"},
}

// submitWords identify buttons that plausibly submit or trigger the matched
// form.
var submitWords = []string{"search", "submit", "go", "find", "apply", "continue", "next", "book", "add"}

// SynthesizeFollowUps derives concrete follow-up steps from a fresh page
// analysis: a fill_form step covering every entity that matched a discovered
// input, and a click_element step for a likely submit button when fields
// matched. Selectors already targeted by remaining or completed steps are
// skipped so repeated analyses cannot splice duplicate work. Returns nil when
// nothing matched.
func SynthesizeFollowUps(state *ExecutionState, analysis *schemas.PageAnalysis) []schemas.ActionStep {
	if analysis == nil || state == nil || state.OriginalPlan == nil {
		return nil
	}
	entities := ExtractEntities(state.OriginalPlan.Goal + " " + originalMessage(state))
	if len(entities) == 0 {
		return nil
	}

	used := targetedSelectors(state)

	fields := make(map[string]interface{})
	names := make([]string, 0, len(entities))
	for name := range entities {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		input := bestFieldMatch(name, analysis.Inputs, used)
		if input == nil {
			continue
		}
		fields[input.Selector] = entities[name]
		used[input.Selector] = true
	}
	if len(fields) == 0 {
		return nil
	}

	steps := []schemas.ActionStep{{
		Tool:       toolFillForm,
		Parameters: map[string]interface{}{"fields": fields},
		Reasoning:  fmt.Sprintf("Fill the discovered form fields with the details from the request (%s).", strings.Join(names, ", ")),
	}}

	if button := submitCandidate(analysis.Buttons, used); button != nil {
		steps = append(steps, schemas.ActionStep{
			Tool:       toolClick,
			Parameters: map[string]interface{}{"selector": button.Selector},
			Reasoning:  fmt.Sprintf("Click %q to submit the filled form.", buttonLabel(*button)),
		})
	}

	return steps
}

// originalMessage recovers the user's request text folded into the state. The
// goal usually restates it; observations from the first step occasionally
// carry more.
func originalMessage(state *ExecutionState) string {
	return state.UserMessage
}

// targetedSelectors collects every selector already addressed by a completed
// step or a step still pending in the current plan.
func targetedSelectors(state *ExecutionState) map[string]bool {
	used := make(map[string]bool)
	collect := func(step schemas.ActionStep) {
		if sel, ok := step.Parameters["selector"].(string); ok && sel != "" {
			used[sel] = true
		}
		if raw, ok := step.Parameters["fields"]; ok {
			if m, ok := raw.(map[string]interface{}); ok {
				for sel := range m {
					used[sel] = true
				}
			}
		}
	}
	for _, done := range state.CompletedSteps {
		collect(done.Step)
	}
	if state.CurrentPlan != nil {
		for _, step := range state.CurrentPlan.Steps {
			collect(step)
		}
	}
	return used
}

// bestFieldMatch scores each input against the entity vocabulary and returns
// the strongest match, or nil when nothing overlaps.
func bestFieldMatch(entity string, inputs []schemas.PageElement, used map[string]bool) *schemas.PageElement {
	vocabulary := append([]string{entity}, entitySynonyms[entity]...)

	var best *schemas.PageElement
	bestScore := 0
	for i := range inputs {
		input := &inputs[i]
		if input.Selector == "" || used[input.Selector] {
			continue
		}
		score := overlapScore(fieldTokens(*input), vocabulary)
		if score > bestScore {
			bestScore = score
			best = input
		}
	}
	return best
}

// submitCandidate returns the first button whose visible text or name reads
// like a submit action.
func submitCandidate(buttons []schemas.PageElement, used map[string]bool) *schemas.PageElement {
	for i := range buttons {
		button := &buttons[i]
		if button.Selector == "" || used[button.Selector] {
			continue
		}
		tokens := fieldTokens(*button)
		for _, token := range tokens {
			for _, word := range submitWords {
				if token == word {
					return button
				}
			}
		}
	}
	return nil
}

func buttonLabel(b schemas.PageElement) string {
	switch {
	case b.Text != "":
		return b.Text
	case b.Label != "":
		return b.Label
	case b.Name != "":
		return b.Name
	default:
		return b.Selector
	}
}

// fieldTokens lowercases and splits the descriptive attributes of an element
// into match tokens.
func fieldTokens(el schemas.PageElement) []string {
	return tokenize(strings.Join([]string{el.Name, el.ID, el.Label, el.Placeholder, el.Text, el.Type}, " "))
}

// tokenize splits text on every non-alphanumeric boundary and lowercases the
// parts. Shared by the synthesizer and the candidate ranking fallback.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
}

// overlapScore counts how many vocabulary words appear among the tokens.
func overlapScore(tokens, vocabulary []string) int {
	score := 0
	for _, token := range tokens {
		for _, word := range vocabulary {
			if token == word {
				score++
				break
			}
		}
	}
	return score
}
