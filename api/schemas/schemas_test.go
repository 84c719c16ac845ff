package schemas_test

import (
	"encoding/json"
	"testing"

	// Third party libraries for expressive and robust assertions.
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	// Import the package we are testing.
	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

// -- Test Cases --

// TestErrorKindConstants verifies the classification constants hold their
// expected wire values. These strings appear in logs and replanning prompts,
// so accidental changes would silently degrade oracle context.
func TestErrorKindConstants(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name     string
		kind     schemas.ErrorKind
		expected string
	}{
		{"Unrecoverable", schemas.ErrKindUnrecoverable, "UNRECOVERABLE"},
		{"ElementNotFound", schemas.ErrKindElementNotFound, "ELEMENT_NOT_FOUND"},
		{"ParameterError", schemas.ErrKindParameterError, "PARAMETER_ERROR"},
		{"PartialSuccess", schemas.ErrKindPartialSuccess, "PARTIAL_SUCCESS"},
		{"Unknown", schemas.ErrKindUnknown, "UNKNOWN"},
	}

	for _, tc := range testCases {
		tt := tc
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, string(tt.kind))
		})
	}
}

// TestActionPlanWireFormat verifies the JSON contract the planning prompt
// promises the oracle. The camelCase keys are part of the prompt text; the
// struct tags must match them exactly.
func TestActionPlanWireFormat(t *testing.T) {
	t.Parallel()

	raw := `{
		"goal": "Book a table",
		"steps": [
			{
				"stepNumber": 1,
				"tool": "navigate_to_url",
				"parameters": {"url": "https://example.com"},
				"reasoning": "Open the booking site",
				"requiresConfirmation": false
			},
			{
				"stepNumber": 2,
				"tool": "write_file",
				"parameters": {"path": "note.txt", "content": "done"},
				"reasoning": "Save the confirmation",
				"requiresConfirmation": true
			}
		]
	}`

	var plan schemas.ActionPlan
	require.NoError(t, json.Unmarshal([]byte(raw), &plan))

	require.Len(t, plan.Steps, 2)
	assert.Equal(t, "Book a table", plan.Goal)
	assert.Equal(t, 1, plan.Steps[0].StepNumber)
	assert.Equal(t, "navigate_to_url", plan.Steps[0].Tool)
	assert.Equal(t, "https://example.com", plan.Steps[0].Parameters["url"])
	assert.False(t, plan.Steps[0].RequiresConfirmation)
	assert.True(t, plan.Steps[1].RequiresConfirmation)
}

// TestActionPlanClone ensures clones share nothing with the original, since
// replanning replaces steps while the original plan must stay untouched.
func TestActionPlanClone(t *testing.T) {
	t.Parallel()

	original := &schemas.ActionPlan{
		Goal: "goal",
		Steps: []schemas.ActionStep{
			{StepNumber: 1, Tool: "click_element", Parameters: map[string]interface{}{"selector": "#go"}},
		},
	}

	clone := original.Clone()
	require.NotNil(t, clone)

	clone.Goal = "changed"
	clone.Steps[0].Tool = "fill_form"
	clone.Steps[0].Parameters["selector"] = "#other"

	assert.Equal(t, "goal", original.Goal)
	assert.Equal(t, "click_element", original.Steps[0].Tool)
	assert.Equal(t, "#go", original.Steps[0].Parameters["selector"])
}

func TestActionPlanIsConversational(t *testing.T) {
	t.Parallel()

	var nilPlan *schemas.ActionPlan
	assert.True(t, nilPlan.IsConversational())
	assert.True(t, (&schemas.ActionPlan{Goal: "chat"}).IsConversational())
	assert.False(t, (&schemas.ActionPlan{
		Steps: []schemas.ActionStep{{StepNumber: 1, Tool: "read_page_content"}},
	}).IsConversational())
}

// TestRenumberSteps verifies numbering stays dense and 1-based after the
// kinds of mutation the engine performs (insertion, filtering).
func TestRenumberSteps(t *testing.T) {
	t.Parallel()

	steps := []schemas.ActionStep{
		{StepNumber: 4, Tool: "navigate_to_url"},
		{StepNumber: 9, Tool: "analyze_page_structure"},
		{StepNumber: 2, Tool: "click_element"},
	}
	schemas.RenumberSteps(steps)

	for i, s := range steps {
		assert.Equal(t, i+1, s.StepNumber)
	}
}

func TestToolResultConstructors(t *testing.T) {
	t.Parallel()

	ok := schemas.OkResult(map[string]string{"url": "https://example.com"}, "navigated")
	assert.True(t, ok.Success)
	assert.Empty(t, ok.Error)
	assert.Equal(t, "navigated", ok.Message)

	fail := schemas.FailResult("element not found: #missing")
	assert.False(t, fail.Success)
	assert.Nil(t, fail.Result)
	assert.Equal(t, "element not found: #missing", fail.Error)
}

// TestEventConstructors checks each constructor stamps the discriminator and
// carries the step metadata the front-end renders.
func TestEventConstructors(t *testing.T) {
	t.Parallel()

	step := &schemas.ActionStep{
		StepNumber: 3,
		Tool:       "click_element",
		Reasoning:  "Press the submit button",
	}

	executing := schemas.NewExecutingEvent("req-1", step)
	assert.Equal(t, schemas.EventExecuting, executing.Type)
	assert.Equal(t, "req-1", executing.RequestID)
	assert.Equal(t, "Press the submit button", executing.Content)
	assert.Equal(t, 3, executing.StepNumber)
	assert.Equal(t, "click_element", executing.ToolName)
	assert.NotEmpty(t, executing.ID)
	assert.False(t, executing.Timestamp.IsZero())

	failed := schemas.NewStepFailedEvent("req-1", step, "element not found")
	assert.Equal(t, schemas.EventStepFailed, failed.Type)
	assert.Equal(t, "element not found", failed.Content)

	confirm := schemas.NewConfirmationRequiredEvent("req-1", "corr-9", step)
	assert.Equal(t, schemas.EventConfirmationRequired, confirm.Type)
	assert.Equal(t, "corr-9", confirm.CorrelationID)
	require.NotNil(t, confirm.Step)
	assert.Equal(t, step.Tool, confirm.Step.Tool)

	final := schemas.NewFinalResponseEvent("req-1", "All steps completed.")
	assert.Equal(t, schemas.EventFinalResponse, final.Type)
	assert.Equal(t, "All steps completed.", final.Content)
}

func TestPageAnalysisInteractiveElements(t *testing.T) {
	t.Parallel()

	analysis := &schemas.PageAnalysis{
		Inputs:  []schemas.PageElement{{Selector: "#city", Tag: "input"}},
		Buttons: []schemas.PageElement{{Selector: "#submit", Tag: "button"}},
		Links:   []schemas.PageElement{{Selector: "a.home", Tag: "a"}},
	}

	elems := analysis.InteractiveElements()
	require.Len(t, elems, 2)
	assert.Equal(t, "#city", elems[0].Selector)
	assert.Equal(t, "#submit", elems[1].Selector)

	var nilAnalysis *schemas.PageAnalysis
	assert.Nil(t, nilAnalysis.InteractiveElements())
}
