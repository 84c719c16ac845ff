package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/pilot-cli/internal/config"
)

func TestNavigateTool(t *testing.T) {
	t.Run("success reports landing URL and title", func(t *testing.T) {
		session := new(MockTabSession)
		session.On("Navigate", mock.Anything, "https://example.com/start").Return(nil)
		session.On("Location", mock.Anything).Return("https://example.com/landed", nil)
		session.On("Evaluate", mock.Anything, "document.title", mock.Anything).
			Run(func(args mock.Arguments) {
				*(args.Get(2).(*string)) = "Example Domain"
			}).Return(nil)

		res := NavigateTool{}.Execute(context.Background(), map[string]interface{}{"url": "https://example.com/start"}, session)

		require.True(t, res.Success)
		assert.Contains(t, res.Message, "https://example.com/landed")
		payload := res.Result.(map[string]interface{})
		assert.Equal(t, "https://example.com/landed", payload["url"])
		assert.Equal(t, "Example Domain", payload["title"])
		session.AssertExpectations(t)
	})

	t.Run("scheme-less URL gets https prefix", func(t *testing.T) {
		session := new(MockTabSession)
		session.On("Navigate", mock.Anything, "https://example.com").Return(nil)
		session.On("Location", mock.Anything).Return("https://example.com/", nil)
		session.On("Evaluate", mock.Anything, mock.Anything, mock.Anything).Return(nil)

		res := NavigateTool{}.Execute(context.Background(), map[string]interface{}{"url": "example.com"}, session)
		require.True(t, res.Success)
		session.AssertExpectations(t)
	})

	t.Run("missing url", func(t *testing.T) {
		res := NavigateTool{}.Execute(context.Background(), map[string]interface{}{}, new(MockTabSession))
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "missing required parameter 'url'")
	})

	t.Run("non web scheme rejected", func(t *testing.T) {
		res := NavigateTool{}.Execute(context.Background(), map[string]interface{}{"url": "file:///etc/passwd"}, new(MockTabSession))
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "unsupported URL scheme 'file'")
	})

	t.Run("navigation failure propagates", func(t *testing.T) {
		session := new(MockTabSession)
		session.On("Navigate", mock.Anything, "https://down.example").
			Return(errors.New("navigation to 'https://down.example' timed out after 30s"))

		res := NavigateTool{}.Execute(context.Background(), map[string]interface{}{"url": "https://down.example"}, session)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "timed out")
	})
}

func TestClickTool(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		session := new(MockTabSession)
		session.On("Click", mock.Anything, "#submit").Return(nil)

		res := ClickTool{}.Execute(context.Background(), map[string]interface{}{"selector": "#submit"}, session)
		require.True(t, res.Success)
		assert.Equal(t, "Clicked '#submit'", res.Message)
	})

	t.Run("element not found error text survives", func(t *testing.T) {
		session := new(MockTabSession)
		session.On("Click", mock.Anything, "#gone").
			Return(errors.New("element '#gone' not found or not visible after 15s"))

		res := ClickTool{}.Execute(context.Background(), map[string]interface{}{"selector": "#gone"}, session)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "not found or not visible")
	})

	t.Run("missing selector", func(t *testing.T) {
		res := ClickTool{}.Execute(context.Background(), map[string]interface{}{}, new(MockTabSession))
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "missing required parameter 'selector'")
	})
}

func TestTypeTextTool(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		session := new(MockTabSession)
		session.On("TypeText", mock.Anything, "#q", "weather tomorrow").Return(nil)

		res := TypeTextTool{}.Execute(context.Background(), map[string]interface{}{
			"selector": "#q",
			"text":     "weather tomorrow",
		}, session)
		require.True(t, res.Success)
		assert.Contains(t, res.Message, "'#q'")
	})

	t.Run("empty text is allowed", func(t *testing.T) {
		session := new(MockTabSession)
		session.On("TypeText", mock.Anything, "#q", "").Return(nil)

		res := TypeTextTool{}.Execute(context.Background(), map[string]interface{}{"selector": "#q", "text": ""}, session)
		require.True(t, res.Success)
	})

	t.Run("missing text", func(t *testing.T) {
		res := TypeTextTool{}.Execute(context.Background(), map[string]interface{}{"selector": "#q"}, new(MockTabSession))
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "missing required parameter 'text'")
	})

	t.Run("non-string text", func(t *testing.T) {
		res := TypeTextTool{}.Execute(context.Background(), map[string]interface{}{"selector": "#q", "text": 5.0}, new(MockTabSession))
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "parameter 'text' must be a string")
	})
}

func TestFillFormTool(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		session := new(MockTabSession)
		session.On("Fill", mock.Anything, map[string]string{"#name": "Ada", "#email": "ada@example.com"}).Return(nil)

		res := FillFormTool{}.Execute(context.Background(), map[string]interface{}{
			"fields": map[string]interface{}{"#name": "Ada", "#email": "ada@example.com"},
		}, session)

		require.True(t, res.Success)
		assert.Equal(t, 2, res.Result.(map[string]interface{})["fields_filled"])
		session.AssertExpectations(t)
	})

	t.Run("first failing field aborts", func(t *testing.T) {
		session := new(MockTabSession)
		session.On("Fill", mock.Anything, mock.Anything).
			Return(errors.New("element '#email' not found or not visible after 15s"))

		res := FillFormTool{}.Execute(context.Background(), map[string]interface{}{
			"fields": map[string]interface{}{"#email": "x"},
		}, session)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "'#email'")
	})
}

func TestReadContentTool(t *testing.T) {
	t.Run("truncates to max_chars", func(t *testing.T) {
		session := new(MockTabSession)
		session.On("ReadContent", mock.Anything).Return("0123456789ABCDEF", nil)
		session.On("Location", mock.Anything).Return("https://example.com/doc", nil)

		res := ReadContentTool{}.Execute(context.Background(), map[string]interface{}{"max_chars": 10.0}, session)

		require.True(t, res.Success)
		payload := res.Result.(map[string]interface{})
		assert.Equal(t, "0123456789...", payload["content"])
		assert.Equal(t, 16, payload["total_chars"])
		assert.Equal(t, "https://example.com/doc", payload["url"])
	})

	t.Run("read failure propagates", func(t *testing.T) {
		session := new(MockTabSession)
		session.On("ReadContent", mock.Anything).Return("", errors.New("script evaluation failed: page crashed"))

		res := ReadContentTool{}.Execute(context.Background(), nil, session)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "page crashed")
	})
}

func TestScrollTool(t *testing.T) {
	testCases := []struct {
		direction string
		pixels    float64
		wantDx    float64
		wantDy    float64
	}{
		{"down", 600, 0, 600},
		{"up", 300, 0, -300},
		{"right", 120, 120, 0},
		{"left", 120, -120, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.direction, func(t *testing.T) {
			session := new(MockTabSession)
			session.On("ScrollBy", mock.Anything, tc.wantDx, tc.wantDy).Return(nil)

			res := ScrollTool{}.Execute(context.Background(), map[string]interface{}{
				"direction": tc.direction,
				"pixels":    tc.pixels,
			}, session)
			require.True(t, res.Success, res.Error)
			session.AssertExpectations(t)
		})
	}

	t.Run("defaults to scrolling down", func(t *testing.T) {
		session := new(MockTabSession)
		session.On("ScrollBy", mock.Anything, 0.0, 600.0).Return(nil)

		res := ScrollTool{}.Execute(context.Background(), nil, session)
		require.True(t, res.Success)
	})

	t.Run("invalid direction", func(t *testing.T) {
		res := ScrollTool{}.Execute(context.Background(), map[string]interface{}{"direction": "sideways"}, new(MockTabSession))
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "parameter 'direction' must be one of")
	})
}

func TestWaitTool(t *testing.T) {
	t.Run("default timeout waits once", func(t *testing.T) {
		session := new(MockTabSession)
		session.On("WaitVisible", mock.Anything, "#results").Return(nil).Once()

		res := WaitTool{}.Execute(context.Background(), map[string]interface{}{"selector": "#results"}, session)
		require.True(t, res.Success)
		session.AssertExpectations(t)
	})

	t.Run("custom budget retries until visible", func(t *testing.T) {
		session := new(MockTabSession)
		session.On("WaitVisible", mock.Anything, "#late").
			Return(errors.New("element '#late' not found or not visible after 15s")).Once()
		session.On("WaitVisible", mock.Anything, "#late").Return(nil).Once()

		res := WaitTool{}.Execute(context.Background(), map[string]interface{}{
			"selector":        "#late",
			"timeout_seconds": 5.0,
		}, session)
		require.True(t, res.Success)
		session.AssertExpectations(t)
	})

	t.Run("failure preserves not found phrasing", func(t *testing.T) {
		session := new(MockTabSession)
		session.On("WaitVisible", mock.Anything, "#never").
			Return(errors.New("element '#never' not found or not visible after 15s"))

		res := WaitTool{}.Execute(context.Background(), map[string]interface{}{"selector": "#never"}, session)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "not found or not visible")
	})
}

func TestScreenshotTool(t *testing.T) {
	t.Run("saves png under the workspace", func(t *testing.T) {
		workspace := t.TempDir()
		session := new(MockTabSession)
		png := []byte{0x89, 'P', 'N', 'G'}
		session.On("Screenshot", mock.Anything).Return(png, nil)

		res := NewScreenshotTool(workspace).Execute(context.Background(),
			map[string]interface{}{"filename": "shots/page.png"}, session)

		require.True(t, res.Success, res.Error)
		payload := res.Result.(map[string]interface{})
		saved := payload["path"].(string)
		assert.Equal(t, filepath.Join(workspace, "shots", "page.png"), saved)

		data, err := os.ReadFile(saved)
		require.NoError(t, err)
		assert.Equal(t, png, data)
	})

	t.Run("default filename is timestamped", func(t *testing.T) {
		workspace := t.TempDir()
		session := new(MockTabSession)
		session.On("Screenshot", mock.Anything).Return([]byte{1}, nil)

		res := NewScreenshotTool(workspace).Execute(context.Background(), nil, session)
		require.True(t, res.Success)
		saved := res.Result.(map[string]interface{})["path"].(string)
		assert.Contains(t, filepath.Base(saved), "screenshot-")
		assert.Contains(t, saved, workspace)
	})

	t.Run("escape attempt rejected before capture", func(t *testing.T) {
		workspace := t.TempDir()
		session := new(MockTabSession)

		res := NewScreenshotTool(workspace).Execute(context.Background(),
			map[string]interface{}{"filename": "../outside.png"}, session)

		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "escapes the workspace")
		session.AssertNotCalled(t, "Screenshot", mock.Anything)
	})
}

func TestToolSchemasDescribeRequiredParameters(t *testing.T) {
	for _, tool := range DefaultTools(testBrowserConfig(t)) {
		sch := tool.Schema()
		require.NotEmpty(t, sch.Name)
		require.NotEmpty(t, sch.Description, "tool %s needs a description for the planner prompt", sch.Name)
		for name, p := range sch.Parameters {
			assert.NotEmpty(t, p.Type, "parameter %s.%s needs a type", sch.Name, name)
			assert.NotEmpty(t, p.Description, "parameter %s.%s needs a description", sch.Name, name)
		}
	}
}

func testBrowserConfig(t *testing.T) config.BrowserConfig {
	t.Helper()
	return config.BrowserConfig{WorkspaceDir: t.TempDir()}
}
