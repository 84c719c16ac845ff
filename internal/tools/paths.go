package tools

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
)

// resolveWorkspacePath maps a tool-supplied path onto the workspace
// directory and rejects anything that escapes it. Relative paths are rooted
// at the workspace; absolute and tilde paths are allowed only when they still
// land inside it. This is the single choke point for every tool that touches
// the filesystem.
func resolveWorkspacePath(workspaceDir, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("missing required parameter 'path'")
	}
	if workspaceDir == "" {
		return "", fmt.Errorf("no workspace directory is configured")
	}

	expanded, err := homedir.Expand(p)
	if err != nil {
		return "", fmt.Errorf("failed to expand path '%s': %v", p, err)
	}

	wsAbs, err := filepath.Abs(workspaceDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace directory: %v", err)
	}

	target := expanded
	if !filepath.IsAbs(target) {
		target = filepath.Join(wsAbs, target)
	}
	target = filepath.Clean(target)

	rel, err := filepath.Rel(wsAbs, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path '%s' escapes the workspace directory", p)
	}
	if rel == "." {
		return "", fmt.Errorf("path '%s' is the workspace directory itself, not a file", p)
	}
	return target, nil
}
