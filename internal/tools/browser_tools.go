package tools

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/llmutil"
)

// defaultReadLimit bounds how much page text read_page_content returns. The
// content is fed back into oracle prompts, so an unbounded dump of a long
// page would crowd out everything else in the context window.
const defaultReadLimit = 20000

// -- navigate_to_url --

// NavigateTool loads a URL in the target tab.
type NavigateTool struct {
	browserTool
}

func (NavigateTool) Schema() schemas.ToolSchema {
	return schemas.ToolSchema{
		Name:        "navigate_to_url",
		Description: "Navigate the browser tab to a URL and wait for the page to load.",
		Parameters: map[string]schemas.ParameterSpec{
			"url": {Type: "string", Description: "Absolute URL to open. Scheme-less values get https:// prepended.", Required: true},
		},
	}
}

func (NavigateTool) Execute(ctx context.Context, params map[string]interface{}, session schemas.TabSession) schemas.ToolResult {
	rawURL, err := stringParam(params, "url")
	if err != nil {
		return schemas.FailResult(err.Error())
	}

	target, err := normalizeURL(rawURL)
	if err != nil {
		return schemas.FailResult(err.Error())
	}

	if err := session.Navigate(ctx, target); err != nil {
		return schemas.FailResult(err.Error())
	}

	// Report where we actually landed; redirects are common.
	loc, err := session.Location(ctx)
	if err != nil {
		loc = target
	}
	var title string
	_ = session.Evaluate(ctx, "document.title", &title)

	return schemas.OkResult(
		map[string]interface{}{"url": loc, "title": title},
		fmt.Sprintf("Navigated to %s", loc),
	)
}

// normalizeURL fills in a missing scheme and rejects non-web schemes. Models
// routinely emit bare hosts like "example.com".
func normalizeURL(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parameter 'url' must be a valid URL: %v", err)
	}
	if parsed.Scheme == "" {
		return "https://" + raw, nil
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported URL scheme '%s': only http and https are allowed", parsed.Scheme)
	}
	return raw, nil
}

// -- click_element --

// ClickTool clicks an element addressed by CSS selector.
type ClickTool struct {
	browserTool
}

func (ClickTool) Schema() schemas.ToolSchema {
	return schemas.ToolSchema{
		Name:        "click_element",
		Description: "Click the first visible element matching a CSS selector.",
		Parameters: map[string]schemas.ParameterSpec{
			"selector": {Type: "string", Description: "CSS selector of the element to click.", Required: true},
		},
	}
}

func (ClickTool) Execute(ctx context.Context, params map[string]interface{}, session schemas.TabSession) schemas.ToolResult {
	selector, err := stringParam(params, "selector")
	if err != nil {
		return schemas.FailResult(err.Error())
	}
	if err := session.Click(ctx, selector); err != nil {
		return schemas.FailResult(err.Error())
	}
	return schemas.OkResult(nil, fmt.Sprintf("Clicked '%s'", selector))
}

// -- type_text --

// TypeTextTool types text into a single element.
type TypeTextTool struct {
	browserTool
}

func (TypeTextTool) Schema() schemas.ToolSchema {
	return schemas.ToolSchema{
		Name:        "type_text",
		Description: "Clear an input element and type text into it.",
		Parameters: map[string]schemas.ParameterSpec{
			"selector": {Type: "string", Description: "CSS selector of the input element.", Required: true},
			"text":     {Type: "string", Description: "Text to type into the element.", Required: true},
		},
	}
}

func (TypeTextTool) Execute(ctx context.Context, params map[string]interface{}, session schemas.TabSession) schemas.ToolResult {
	selector, err := stringParam(params, "selector")
	if err != nil {
		return schemas.FailResult(err.Error())
	}
	text, ok := params["text"].(string)
	if !ok {
		if _, present := params["text"]; !present {
			return schemas.FailResult("missing required parameter 'text'")
		}
		return schemas.FailResult(fmt.Sprintf("parameter 'text' must be a string, got %T", params["text"]))
	}

	if err := session.TypeText(ctx, selector, text); err != nil {
		return schemas.FailResult(err.Error())
	}
	return schemas.OkResult(nil, fmt.Sprintf("Typed %d characters into '%s'", len(text), selector))
}

// -- fill_form --

// FillFormTool fills several fields in one step.
type FillFormTool struct {
	browserTool
}

func (FillFormTool) Schema() schemas.ToolSchema {
	return schemas.ToolSchema{
		Name:        "fill_form",
		Description: "Fill multiple form fields in one operation. Fields are an object mapping CSS selectors to the values to enter.",
		Parameters: map[string]schemas.ParameterSpec{
			"fields": {Type: "object", Description: "Map of CSS selector to the text value for that field.", Required: true},
		},
	}
}

func (FillFormTool) Execute(ctx context.Context, params map[string]interface{}, session schemas.TabSession) schemas.ToolResult {
	fields, err := stringMapParam(params, "fields")
	if err != nil {
		return schemas.FailResult(err.Error())
	}
	if err := session.Fill(ctx, fields); err != nil {
		return schemas.FailResult(err.Error())
	}
	return schemas.OkResult(
		map[string]interface{}{"fields_filled": len(fields)},
		fmt.Sprintf("Filled %d form fields", len(fields)),
	)
}

// -- read_page_content --

// ReadContentTool returns the page's visible text.
type ReadContentTool struct {
	browserTool
}

func (ReadContentTool) Schema() schemas.ToolSchema {
	return schemas.ToolSchema{
		Name:        "read_page_content",
		Description: "Read the visible text content of the current page.",
		Parameters: map[string]schemas.ParameterSpec{
			"max_chars": {Type: "number", Description: "Maximum number of characters to return. Defaults to 20000.", Required: false},
		},
	}
}

func (ReadContentTool) Execute(ctx context.Context, params map[string]interface{}, session schemas.TabSession) schemas.ToolResult {
	maxChars, err := optionalFloat(params, "max_chars", defaultReadLimit)
	if err != nil {
		return schemas.FailResult(err.Error())
	}
	if maxChars <= 0 {
		maxChars = defaultReadLimit
	}

	text, err := session.ReadContent(ctx)
	if err != nil {
		return schemas.FailResult(err.Error())
	}
	loc, err := session.Location(ctx)
	if err != nil {
		loc = ""
	}

	truncated := llmutil.TruncateString(text, int(maxChars))
	return schemas.OkResult(
		map[string]interface{}{"url": loc, "content": truncated, "total_chars": len(text)},
		fmt.Sprintf("Read %d characters of page content", len(truncated)),
	)
}

// -- scroll_page --

// ScrollTool scrolls the page by a pixel amount in a named direction.
type ScrollTool struct {
	browserTool
}

func (ScrollTool) Schema() schemas.ToolSchema {
	return schemas.ToolSchema{
		Name:        "scroll_page",
		Description: "Scroll the page to reveal content outside the viewport.",
		Parameters: map[string]schemas.ParameterSpec{
			"direction": {Type: "string", Description: "One of up, down, left, right. Defaults to down.", Required: false},
			"pixels":    {Type: "number", Description: "Distance to scroll in pixels. Defaults to 600.", Required: false},
		},
	}
}

func (ScrollTool) Execute(ctx context.Context, params map[string]interface{}, session schemas.TabSession) schemas.ToolResult {
	direction, err := optionalString(params, "direction", "down")
	if err != nil {
		return schemas.FailResult(err.Error())
	}
	pixels, err := optionalFloat(params, "pixels", 600)
	if err != nil {
		return schemas.FailResult(err.Error())
	}
	if pixels < 0 {
		pixels = -pixels
	}

	var dx, dy float64
	switch direction {
	case "down":
		dy = pixels
	case "up":
		dy = -pixels
	case "right":
		dx = pixels
	case "left":
		dx = -pixels
	default:
		return schemas.FailResult(fmt.Sprintf("parameter 'direction' must be one of up, down, left, right; got '%s'", direction))
	}

	if err := session.ScrollBy(ctx, dx, dy); err != nil {
		return schemas.FailResult(err.Error())
	}
	return schemas.OkResult(nil, fmt.Sprintf("Scrolled %s by %.0f pixels", direction, pixels))
}

// -- take_screenshot --

// ScreenshotTool captures the viewport and saves it under the workspace
// directory.
type ScreenshotTool struct {
	browserTool
	workspaceDir string
}

// NewScreenshotTool creates the screenshot tool rooted at the given workspace
// directory.
func NewScreenshotTool(workspaceDir string) *ScreenshotTool {
	return &ScreenshotTool{workspaceDir: workspaceDir}
}

func (t *ScreenshotTool) Schema() schemas.ToolSchema {
	return schemas.ToolSchema{
		Name:        "take_screenshot",
		Description: "Capture a screenshot of the current viewport and save it as a PNG in the workspace directory.",
		Parameters: map[string]schemas.ParameterSpec{
			"filename": {Type: "string", Description: "File name for the screenshot, relative to the workspace. Defaults to a timestamped name.", Required: false},
		},
	}
}

func (t *ScreenshotTool) Execute(ctx context.Context, params map[string]interface{}, session schemas.TabSession) schemas.ToolResult {
	filename, err := optionalString(params, "filename", "")
	if err != nil {
		return schemas.FailResult(err.Error())
	}
	if filename == "" {
		filename = fmt.Sprintf("screenshot-%s.png", time.Now().Format("20060102-150405"))
	}

	target, err := resolveWorkspacePath(t.workspaceDir, filename)
	if err != nil {
		return schemas.FailResult(err.Error())
	}

	png, err := session.Screenshot(ctx)
	if err != nil {
		return schemas.FailResult(err.Error())
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return schemas.FailResult(fmt.Sprintf("failed to create screenshot directory: %v", err))
	}
	if err := os.WriteFile(target, png, 0o644); err != nil {
		return schemas.FailResult(fmt.Sprintf("failed to save screenshot: %v", err))
	}

	return schemas.OkResult(
		map[string]interface{}{"path": target, "bytes": len(png)},
		fmt.Sprintf("Screenshot saved to %s", target),
	)
}

// -- wait_for_element --

// WaitTool blocks until an element becomes visible.
type WaitTool struct {
	browserTool
}

func (WaitTool) Schema() schemas.ToolSchema {
	return schemas.ToolSchema{
		Name:        "wait_for_element",
		Description: "Wait until an element matching a CSS selector is visible on the page.",
		Parameters: map[string]schemas.ParameterSpec{
			"selector":        {Type: "string", Description: "CSS selector of the element to wait for.", Required: true},
			"timeout_seconds": {Type: "number", Description: "How long to keep waiting. Defaults to the configured tool timeout.", Required: false},
		},
	}
}

func (WaitTool) Execute(ctx context.Context, params map[string]interface{}, session schemas.TabSession) schemas.ToolResult {
	selector, err := stringParam(params, "selector")
	if err != nil {
		return schemas.FailResult(err.Error())
	}
	seconds, err := optionalFloat(params, "timeout_seconds", 0)
	if err != nil {
		return schemas.FailResult(err.Error())
	}

	if seconds <= 0 {
		if err := session.WaitVisible(ctx, selector); err != nil {
			return schemas.FailResult(err.Error())
		}
		return schemas.OkResult(nil, fmt.Sprintf("Element '%s' is visible", selector))
	}

	// Custom budgets longer than the per operation timeout are honored by
	// retrying the wait until the overall deadline passes.
	deadline := time.Now().Add(time.Duration(seconds * float64(time.Second)))
	var waitErr error
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		wctx, cancel := context.WithTimeout(ctx, remaining)
		waitErr = session.WaitVisible(wctx, selector)
		cancel()
		if waitErr == nil {
			return schemas.OkResult(nil, fmt.Sprintf("Element '%s' is visible", selector))
		}
		if ctx.Err() != nil {
			break
		}
	}
	if waitErr == nil {
		waitErr = fmt.Errorf("element '%s' not found or not visible after %.0fs", selector, seconds)
	}
	return schemas.FailResult(waitErr.Error())
}
