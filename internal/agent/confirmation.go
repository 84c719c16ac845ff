// internal/agent/confirmation.go
package agent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

// defaultConfirmationTimeout bounds the wait for a user answer when the
// configuration does not supply one. No action runs without affirmative
// consent, so expiry counts as a decline.
const defaultConfirmationTimeout = 60 * time.Second

// ConfirmationManager implements the blocking request/response/timeout
// handshake that gates destructive steps and guided repairs. Each prompt is
// keyed by a fresh correlation id so concurrent prompts from independent
// requests can never cross-resolve. Every outcome, answer, timeout, or
// context cancellation, unregisters the pending wait; nothing leaks across
// requests.
type ConfirmationManager struct {
	logger  *zap.Logger
	sink    schemas.EventSink
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingPrompt
}

type pendingPrompt struct {
	responseCh chan schemas.ConfirmationResponse
	closeOnce  sync.Once
}

// Statically assert the Confirmer contract.
var _ schemas.Confirmer = (*ConfirmationManager)(nil)

// NewConfirmationManager creates the manager. Prompts are published to the
// sink as confirmation_required or guidance_required events; the front-end
// answers through Resolve with the event's correlation id.
func NewConfirmationManager(logger *zap.Logger, sink schemas.EventSink, timeout time.Duration) *ConfirmationManager {
	if timeout <= 0 {
		timeout = defaultConfirmationTimeout
	}
	return &ConfirmationManager{
		logger:  logger.Named("confirmation"),
		sink:    sink,
		timeout: timeout,
		pending: make(map[string]*pendingPrompt),
	}
}

// RequestConfirmation blocks until the user answers, the timeout elapses, or
// the context is cancelled. The returned bool is true only on affirmative
// consent; a timeout is indistinguishable from an explicit decline.
func (m *ConfirmationManager) RequestConfirmation(ctx context.Context, requestID string, step *schemas.ActionStep) (bool, error) {
	correlationID := uuid.NewString()
	prompt := m.register(correlationID)
	defer m.unregister(correlationID, prompt)

	m.sink.Publish(schemas.NewConfirmationRequiredEvent(requestID, correlationID, step))
	m.logger.Info("Awaiting user confirmation",
		zap.String("request_id", requestID),
		zap.String("correlation_id", correlationID),
		zap.Int("step_number", step.StepNumber),
		zap.String("tool", step.Tool),
	)

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
		m.logger.Warn("Confirmation timed out, treating as decline",
			zap.String("correlation_id", correlationID),
			zap.Duration("timeout", m.timeout),
		)
		return false, nil
	case resp, ok := <-prompt.responseCh:
		if !ok {
			return false, nil
		}
		return resp.Confirmed && !resp.Cancelled, nil
	}
}

// RequestGuidance blocks for a manually supplied value, typically a CSS
// selector for an element the engine could not locate. The same timeout
// discipline as confirmation applies; a timeout, decline, or cancellation
// returns an empty string.
func (m *ConfirmationManager) RequestGuidance(ctx context.Context, requestID, prompt string) (string, error) {
	correlationID := uuid.NewString()
	pending := m.register(correlationID)
	defer m.unregister(correlationID, pending)

	m.sink.Publish(schemas.NewGuidanceRequiredEvent(requestID, correlationID, prompt))
	m.logger.Info("Awaiting user guidance",
		zap.String("request_id", requestID),
		zap.String("correlation_id", correlationID),
	)

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		m.logger.Warn("Guidance request timed out",
			zap.String("correlation_id", correlationID),
			zap.Duration("timeout", m.timeout),
		)
		return "", nil
	case resp, ok := <-pending.responseCh:
		if !ok || resp.Cancelled {
			return "", nil
		}
		return resp.Selector, nil
	}
}

// Resolve delivers the front-end's answer for a pending prompt. Unknown or
// already-resolved correlation ids are ignored, which makes duplicate
// submissions harmless. Returns whether a waiting prompt accepted the
// response.
func (m *ConfirmationManager) Resolve(correlationID string, resp schemas.ConfirmationResponse) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	prompt, ok := m.pending[correlationID]
	if !ok {
		m.logger.Debug("Response for unknown or resolved prompt ignored",
			zap.String("correlation_id", correlationID))
		return false
	}

	select {
	case prompt.responseCh <- resp:
		return true
	default:
		// The buffer already holds an answer; first response wins.
		return false
	}
}

func (m *ConfirmationManager) register(correlationID string) *pendingPrompt {
	prompt := &pendingPrompt{
		responseCh: make(chan schemas.ConfirmationResponse, 1),
	}
	m.mu.Lock()
	m.pending[correlationID] = prompt
	m.mu.Unlock()
	return prompt
}

func (m *ConfirmationManager) unregister(correlationID string, prompt *pendingPrompt) {
	m.mu.Lock()
	delete(m.pending, correlationID)
	m.mu.Unlock()
	prompt.closeOnce.Do(func() {
		close(prompt.responseCh)
	})
}

// PendingCount reports how many prompts are currently awaiting answers. Used
// by shutdown diagnostics and tests.
func (m *ConfirmationManager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
