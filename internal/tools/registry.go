// Package tools implements the actuator surface of the agent: the registry
// the execution engine dispatches through and the individual tools it can
// invoke. Tools report outcomes exclusively through schemas.ToolResult; the
// registry guarantees that dispatch never panics and never returns a Go error
// to the engine.
package tools

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

// Tool is a single callable actuator. Execute receives the resolved browser
// session for browser-bound tools and nil otherwise.
type Tool interface {
	Schema() schemas.ToolSchema
	Execute(ctx context.Context, params map[string]interface{}, session schemas.TabSession) schemas.ToolResult
}

// BrowserBound marks tools that require a live tab. The registry resolves a
// session only for tools carrying this marker, so local tools never launch a
// browser as a side effect.
type BrowserBound interface {
	BrowserBound()
}

// browserTool is embedded by browser-backed tools to carry the marker.
type browserTool struct{}

func (browserTool) BrowserBound() {}

// Registry maps tool names to implementations and dispatches engine calls to
// them. It implements schemas.ToolRegistry.
type Registry struct {
	logger *zap.Logger

	mu       sync.RWMutex
	tools    map[string]Tool
	sessions schemas.SessionResolver
}

var _ schemas.ToolRegistry = (*Registry)(nil)

// NewRegistry creates an empty registry. The resolver may be nil when no
// browser is available, in which case browser-bound tools fail at dispatch.
func NewRegistry(logger *zap.Logger, sessions schemas.SessionResolver) *Registry {
	return &Registry{
		logger:   logger.Named("tools"),
		tools:    make(map[string]Tool),
		sessions: sessions,
	}
}

// SetSessionResolver swaps the resolver used for browser-bound tools.
func (r *Registry) SetSessionResolver(sessions schemas.SessionResolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = sessions
}

// Register adds tools to the registry. A duplicate or empty name is a wiring
// bug and is reported immediately rather than silently shadowing a tool.
func (r *Registry) Register(ts ...Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range ts {
		name := t.Schema().Name
		if name == "" {
			return fmt.Errorf("tool registered with empty name: %T", t)
		}
		if _, exists := r.tools[name]; exists {
			return fmt.Errorf("tool '%s' is already registered", name)
		}
		r.tools[name] = t
	}
	return nil
}

// Get returns the schema of a registered tool.
func (r *Registry) Get(name string) (schemas.ToolSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return schemas.ToolSchema{}, false
	}
	return t.Schema(), true
}

// Schemas returns every registered tool's schema sorted by name. The planner
// folds the result into its system prompt, so the order must be stable.
func (r *Registry) Schemas() []schemas.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]schemas.ToolSchema, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Schema())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the sorted registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute dispatches one tool call. Every failure mode, including a panic
// inside the tool, surfaces as a failed ToolResult so the engine's repair
// loop always has an error string to classify.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]interface{}, targetID string) (res schemas.ToolResult) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Tool panicked",
				zap.String("tool", name),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()),
			)
			res = schemas.FailResult(fmt.Sprintf("tool '%s' panicked: %v", name, rec))
		}
	}()

	r.mu.RLock()
	t, ok := r.tools[name]
	sessions := r.sessions
	r.mu.RUnlock()

	if !ok {
		return schemas.FailResult(fmt.Sprintf("unknown tool '%s' (available: %s)", name, strings.Join(r.Names(), ", ")))
	}

	var session schemas.TabSession
	if _, needsBrowser := t.(BrowserBound); needsBrowser {
		if sessions == nil {
			return schemas.FailResult(fmt.Sprintf("tool '%s' requires a browser, but none is configured", name))
		}
		s, err := sessions.Resolve(ctx, targetID)
		if err != nil {
			return schemas.FailResult(fmt.Sprintf("browser session unavailable: %v", err))
		}
		session = s
	}

	r.logger.Debug("Executing tool", zap.String("tool", name), zap.String("target_id", targetID))
	result := t.Execute(ctx, params, session)
	if result.Success {
		r.logger.Debug("Tool succeeded", zap.String("tool", name))
	} else {
		r.logger.Debug("Tool failed", zap.String("tool", name), zap.String("error", result.Error))
	}
	return result
}
