// -- internal/llmclient/factory.go --
package llmclient

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/config"
)

// NewClient is a factory function that builds the tiered LLM router from
// configuration. Each tier resolves its model entry through
// LLMRouterConfig.ModelConfig, so a bare default config with just an API key
// produces working Gemini clients.
func NewClient(cfg config.LLMRouterConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	if cfg.DefaultFastModel == "" {
		return nil, fmt.Errorf("configuration error: DefaultFastModel is not specified in LLMRouterConfig")
	}
	if cfg.DefaultPowerfulModel == "" {
		return nil, fmt.Errorf("configuration error: DefaultPowerfulModel is not specified in LLMRouterConfig")
	}

	fastClient, err := newTierClient(cfg.ModelConfig(cfg.DefaultFastModel), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Fast tier LLM client (Model: %s): %w", cfg.DefaultFastModel, err)
	}

	powerfulClient, err := newTierClient(cfg.ModelConfig(cfg.DefaultPowerfulModel), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Powerful tier LLM client (Model: %s): %w", cfg.DefaultPowerfulModel, err)
	}

	return NewLLMRouter(logger, fastClient, powerfulClient, cfg.RequestsPerMinute)
}

// newTierClient instantiates the provider specific client for one tier.
func newTierClient(mc config.LLMModelConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	switch mc.Provider {
	case config.ProviderGemini:
		return NewGoogleClient(mc, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s]", mc.Provider, config.ProviderGemini)
	}
}
