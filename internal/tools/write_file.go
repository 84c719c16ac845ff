package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

// WriteFileTool persists text to a file inside the workspace directory. It is
// the one tool whose effects outlive the browser session, so its schema is
// marked destructive and the engine always asks for confirmation before
// running it.
type WriteFileTool struct {
	workspaceDir string
}

// NewWriteFileTool creates the file-writing tool rooted at the given
// workspace directory.
func NewWriteFileTool(workspaceDir string) *WriteFileTool {
	return &WriteFileTool{workspaceDir: workspaceDir}
}

func (t *WriteFileTool) Schema() schemas.ToolSchema {
	return schemas.ToolSchema{
		Name:        "write_file",
		Description: "Write text content to a file in the workspace directory. Overwrites unless append is true.",
		Parameters: map[string]schemas.ParameterSpec{
			"path":    {Type: "string", Description: "Destination file path, relative to the workspace directory.", Required: true},
			"content": {Type: "string", Description: "Text content to write.", Required: true},
			"append":  {Type: "boolean", Description: "Append to the file instead of overwriting. Defaults to false.", Required: false},
		},
		Destructive: true,
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, params map[string]interface{}, _ schemas.TabSession) schemas.ToolResult {
	path, err := stringParam(params, "path")
	if err != nil {
		return schemas.FailResult(err.Error())
	}
	content, ok := params["content"].(string)
	if !ok {
		if _, present := params["content"]; !present {
			return schemas.FailResult("missing required parameter 'content'")
		}
		return schemas.FailResult(fmt.Sprintf("parameter 'content' must be a string, got %T", params["content"]))
	}
	appendMode, err := optionalBool(params, "append", false)
	if err != nil {
		return schemas.FailResult(err.Error())
	}

	target, err := resolveWorkspacePath(t.workspaceDir, path)
	if err != nil {
		return schemas.FailResult(err.Error())
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return schemas.FailResult(fmt.Sprintf("failed to create directory for '%s': %v", path, err))
	}

	if appendMode {
		f, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return schemas.FailResult(fmt.Sprintf("failed to open '%s' for append: %v", path, err))
		}
		defer f.Close()
		if _, err := f.WriteString(content); err != nil {
			return schemas.FailResult(fmt.Sprintf("failed to append to '%s': %v", path, err))
		}
	} else {
		if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
			return schemas.FailResult(fmt.Sprintf("failed to write '%s': %v", path, err))
		}
	}

	return schemas.OkResult(
		map[string]interface{}{"path": target, "bytes": len(content), "append": appendMode},
		fmt.Sprintf("Wrote %d bytes to %s", len(content), target),
	)
}
