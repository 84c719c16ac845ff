package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

// LLMRouter implements the LLMClient interface and routes requests to a
// tiered client while enforcing a process wide request rate.
type LLMRouter struct {
	logger  *zap.Logger
	clients map[schemas.ModelTier]schemas.LLMClient
	limiter *rate.Limiter
}

// NewLLMRouter creates a new router with the specified clients for each tier.
// requestsPerMinute throttles all outbound oracle calls; zero or negative
// disables throttling.
func NewLLMRouter(logger *zap.Logger, fastClient, powerfulClient schemas.LLMClient, requestsPerMinute float64) (*LLMRouter, error) {
	if fastClient == nil || powerfulClient == nil {
		return nil, fmt.Errorf("both fast and powerful tier clients must be provided")
	}

	limit := rate.Inf
	if requestsPerMinute > 0 {
		limit = rate.Limit(requestsPerMinute / 60.0)
	}

	return &LLMRouter{
		logger: logger.Named("llm_router"),
		clients: map[schemas.ModelTier]schemas.LLMClient{
			schemas.TierFast:     fastClient,
			schemas.TierPowerful: powerfulClient,
		},
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

// Generate selects the appropriate client based on the request's Tier, after
// waiting for rate limiter clearance.
func (r *LLMRouter) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	tier := req.Tier
	if tier == "" {
		tier = schemas.TierPowerful // Default to the powerful tier if unspecified.
	}

	client, ok := r.clients[tier]
	if !ok {
		return "", fmt.Errorf("no LLM client configured for tier: %s", tier)
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter wait aborted: %w", err)
	}

	r.logger.Debug("Routing LLM request", zap.String("tier", string(tier)))
	return client.Generate(ctx, req)
}

// Close shuts down every registered client. The first error wins.
func (r *LLMRouter) Close() error {
	var firstErr error
	seen := make(map[schemas.LLMClient]bool)
	for _, client := range r.clients {
		if seen[client] {
			continue // The same client may back multiple tiers.
		}
		seen[client] = true
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
