// internal/agent/mocks_test.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/config"
)

func setupTestLogger(t *testing.T) (*zap.Logger, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}

// -- Scripted oracle --

// fakeLLM routes calls by the system prompt's role and pops scripted
// responses per role. Roles without a script fall back to a safe default so
// an unexpected extra call degrades instead of panicking.
type fakeLLM struct {
	mu      sync.Mutex
	plans   []string
	replans []string
	goals   []string
	ranks   []string
	finals  []string
	replies []string
	// failWith makes every call error, simulating an unreachable provider.
	failWith error
	calls    []schemas.GenerationRequest
}

func (f *fakeLLM) Generate(_ context.Context, req schemas.GenerationRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.failWith != nil {
		return "", f.failWith
	}

	pop := func(q *[]string) (string, bool) {
		if len(*q) == 0 {
			return "", false
		}
		out := (*q)[0]
		*q = (*q)[1:]
		return out, true
	}

	sp := req.SystemPrompt
	switch {
	case strings.Contains(sp, "current plan is failing"):
		if out, ok := pop(&f.replans); ok {
			return out, nil
		}
		return "", errors.New("no scripted replan response")
	case strings.Contains(sp, "planning component"):
		if out, ok := pop(&f.plans); ok {
			return out, nil
		}
		return "", errors.New("no scripted plan response")
	case strings.Contains(sp, "judge whether a task goal"):
		if out, ok := pop(&f.goals); ok {
			return out, nil
		}
		return `{"achieved": false}`, nil
	case strings.Contains(sp, "match a failing automation step"):
		if out, ok := pop(&f.ranks); ok {
			return out, nil
		}
		return `{"selectors": []}`, nil
	case strings.Contains(sp, "Summarize the outcome"):
		if out, ok := pop(&f.finals); ok {
			return out, nil
		}
		return "", errors.New("no scripted summary response")
	default:
		if out, ok := pop(&f.replies); ok {
			return out, nil
		}
		return "Okay.", nil
	}
}

func (f *fakeLLM) Close() error { return nil }

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// promptsContaining returns the user prompts of calls whose system prompt
// contains the marker.
func (f *fakeLLM) promptsContaining(marker string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, call := range f.calls {
		if strings.Contains(call.SystemPrompt, marker) {
			out = append(out, call.UserPrompt)
		}
	}
	return out
}

// -- Scripted tool registry --

type registryCall struct {
	Name     string
	Params   map[string]interface{}
	TargetID string
}

// fakeRegistry records every execution and answers from per-tool handlers.
type fakeRegistry struct {
	mu        sync.Mutex
	schemaSet []schemas.ToolSchema
	handlers  map[string]func(call registryCall) schemas.ToolResult
	calls     []registryCall
}

func newFakeRegistry(schemaSet ...schemas.ToolSchema) *fakeRegistry {
	return &fakeRegistry{
		schemaSet: schemaSet,
		handlers:  make(map[string]func(call registryCall) schemas.ToolResult),
	}
}

func (r *fakeRegistry) handle(name string, fn func(call registryCall) schemas.ToolResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
}

func (r *fakeRegistry) Execute(_ context.Context, name string, params map[string]interface{}, targetID string) schemas.ToolResult {
	r.mu.Lock()
	call := registryCall{Name: name, Params: cloneParams(params), TargetID: targetID}
	r.calls = append(r.calls, call)
	h := r.handlers[name]
	r.mu.Unlock()
	if h == nil {
		return schemas.FailResult(fmt.Sprintf("no test handler for tool %s", name))
	}
	return h(call)
}

func (r *fakeRegistry) Get(name string) (schemas.ToolSchema, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.schemaSet {
		if s.Name == name {
			return s, true
		}
	}
	return schemas.ToolSchema{}, false
}

func (r *fakeRegistry) Schemas() []schemas.ToolSchema {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schemas.ToolSchema(nil), r.schemaSet...)
}

func (r *fakeRegistry) callNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.Name
	}
	return out
}

func (r *fakeRegistry) callsFor(name string) []registryCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []registryCall
	for _, c := range r.calls {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// browserToolSchemas mirrors the production tool catalog closely enough for
// planning and confirmation gating.
func browserToolSchemas() []schemas.ToolSchema {
	return []schemas.ToolSchema{
		{Name: toolAnalyze, Description: "Analyze the page structure.", Parameters: map[string]schemas.ParameterSpec{}},
		{Name: toolClick, Description: "Click an element.", Parameters: map[string]schemas.ParameterSpec{
			"selector": {Type: "string", Required: true},
		}},
		{Name: toolFillForm, Description: "Fill form fields.", Parameters: map[string]schemas.ParameterSpec{
			"fields": {Type: "object", Required: true},
		}},
		{Name: toolNavigate, Description: "Navigate to a URL.", Parameters: map[string]schemas.ParameterSpec{
			"url": {Type: "string", Required: true},
		}},
		{Name: toolReadPage, Description: "Read the page text.", Parameters: map[string]schemas.ParameterSpec{
			"max_chars": {Type: "number"},
		}},
		{Name: toolScroll, Description: "Scroll the page.", Parameters: map[string]schemas.ParameterSpec{
			"direction": {Type: "string", Required: true},
			"pixels":    {Type: "number"},
		}},
		{Name: toolTypeText, Description: "Type text into an element.", Parameters: map[string]schemas.ParameterSpec{
			"selector": {Type: "string", Required: true},
			"text":     {Type: "string", Required: true},
		}},
		{Name: toolWaitFor, Description: "Wait for an element.", Parameters: map[string]schemas.ParameterSpec{
			"selector":        {Type: "string", Required: true},
			"timeout_seconds": {Type: "number"},
		}},
		{Name: toolWriteFile, Description: "Write a local file.", Destructive: true, Parameters: map[string]schemas.ParameterSpec{
			"path":    {Type: "string", Required: true},
			"content": {Type: "string", Required: true},
		}},
	}
}

// -- Event capture --

type captureSink struct {
	mu     sync.Mutex
	events []schemas.EngineEvent
}

func (s *captureSink) Publish(ev schemas.EngineEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *captureSink) byType(t schemas.EventType) []schemas.EngineEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schemas.EngineEvent
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (s *captureSink) typeSequence() []schemas.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schemas.EventType, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

// -- testify mocks --

type MockConfirmer struct {
	mock.Mock
}

func (m *MockConfirmer) RequestConfirmation(ctx context.Context, requestID string, step *schemas.ActionStep) (bool, error) {
	args := m.Called(ctx, requestID, step)
	return args.Bool(0), args.Error(1)
}

func (m *MockConfirmer) RequestGuidance(ctx context.Context, requestID, prompt string) (string, error) {
	args := m.Called(ctx, requestID, prompt)
	return args.String(0), args.Error(1)
}

type MockRecallStore struct {
	mock.Mock
}

func (m *MockRecallStore) Record(ctx context.Context, entry schemas.RecallEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockRecallStore) Recall(ctx context.Context, query string, limit int) ([]schemas.RecallEntry, error) {
	args := m.Called(ctx, query, limit)
	var entries []schemas.RecallEntry
	if v := args.Get(0); v != nil {
		entries = v.([]schemas.RecallEntry)
	}
	return entries, args.Error(1)
}

func (m *MockRecallStore) Stop() {
	m.Called()
}

// -- Engine fixture --

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		MaxIterations:        25,
		MaxStepRetries:       3,
		MaxCandidateElements: 5,
		MaxTaskFailures:      3,
		GuidedAttempts:       1,
		ConfirmationTimeout:  50 * time.Millisecond,
		GoalCheckEnabled:     true,
		Concurrency:          2,
		QueueSize:            8,
	}
}

type engineFixture struct {
	engine    *Engine
	llm       *fakeLLM
	registry  *fakeRegistry
	confirmer *MockConfirmer
	sink      *captureSink
	recall    *MockRecallStore
	logs      *observer.ObservedLogs
}

func newEngineFixture(t *testing.T, cfg config.EngineConfig) *engineFixture {
	t.Helper()
	logger, logs := setupTestLogger(t)

	llm := &fakeLLM{}
	registry := newFakeRegistry(browserToolSchemas()...)
	confirmer := &MockConfirmer{}
	sink := &captureSink{}
	recall := &MockRecallStore{}
	recall.On("Recall", mock.Anything, mock.Anything, mock.Anything).Return(nil, nil).Maybe()
	recall.On("Record", mock.Anything, mock.Anything).Return(nil).Maybe()

	planner := NewPlanner(logger, llm, registry, recall)
	engine := NewEngine(logger, cfg, llm, registry, planner, confirmer, sink, recall)

	return &engineFixture{
		engine:    engine,
		llm:       llm,
		registry:  registry,
		confirmer: confirmer,
		sink:      sink,
		recall:    recall,
		logs:      logs,
	}
}

// testState builds an ExecutionState around a plan without going through the
// oracle.
func testState(message string, steps ...schemas.ActionStep) *ExecutionState {
	schemas.RenumberSteps(steps)
	return NewExecutionState(message, &schemas.ActionPlan{Goal: message, Steps: steps})
}
