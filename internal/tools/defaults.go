package tools

import (
	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/config"
)

// DefaultTools returns the standard tool set the agent ships with.
func DefaultTools(cfg config.BrowserConfig) []Tool {
	return []Tool{
		NavigateTool{},
		ClickTool{},
		TypeTextTool{},
		FillFormTool{},
		ReadContentTool{},
		AnalyzeTool{},
		ScrollTool{},
		WaitTool{},
		NewScreenshotTool(cfg.WorkspaceDir),
		NewWriteFileTool(cfg.WorkspaceDir),
	}
}

// NewDefaultRegistry builds a registry populated with the standard tool set.
func NewDefaultRegistry(logger *zap.Logger, sessions schemas.SessionResolver, cfg config.BrowserConfig) (*Registry, error) {
	r := NewRegistry(logger, sessions)
	if err := r.Register(DefaultTools(cfg)...); err != nil {
		return nil, err
	}
	return r, nil
}
