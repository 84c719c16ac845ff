// Package browser drives a headless Chrome instance over the DevTools
// protocol and exposes each tab as a schemas.TabSession. The package owns the
// browser lifecycle; tools only ever see the TabSession interface.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

// Session is one browser tab. All operations run against the tab's chromedp
// context; a per-operation timeout is layered on top so a wedged page can
// never stall the execution loop indefinitely.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	navTimeout  time.Duration
	toolTimeout time.Duration

	onClose   func()
	closeOnce sync.Once
}

var _ schemas.TabSession = (*Session)(nil)

// TargetID returns the DevTools target id of the underlying tab.
func (s *Session) TargetID() string {
	return s.id
}

// SetOnClose registers a callback invoked exactly once when the session
// closes. The manager uses it to drop the session from its registry.
func (s *Session) SetOnClose(callback func()) {
	s.onClose = callback
}

// Close detaches the tab and releases its resources. Safe to call more than
// once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.logger.Debug("Closing browser tab")
		s.cancel()
		if s.onClose != nil {
			s.onClose()
		}
	})
	return nil
}

// run executes chromedp actions under the given timeout. The operation
// context derives from the tab context so CDP target information is
// preserved, while the caller's context can still abort the operation early.
func (s *Session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	opCtx, cancel := combineContext(s.ctx, ctx)
	defer cancel()

	opCtx, tcancel := context.WithTimeout(opCtx, timeout)
	defer tcancel()

	return chromedp.Run(opCtx, actions...)
}

// Navigate loads a URL and waits for the document to become ready.
func (s *Session) Navigate(ctx context.Context, url string) error {
	s.logger.Info("Navigating", zap.String("url", url))

	err := s.run(ctx, s.navTimeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("navigation to '%s' timed out after %s", url, s.navTimeout)
		}
		return fmt.Errorf("navigation to '%s' failed: %w", url, err)
	}
	return nil
}

// Click clicks the first visible element matching the selector.
func (s *Session) Click(ctx context.Context, selector string) error {
	err := s.run(ctx, s.toolTimeout,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible),
	)
	return wrapSelectorErr(err, "click", selector, s.toolTimeout)
}

// TypeText focuses the element matching the selector, clears it, and types
// the text into it key by key.
func (s *Session) TypeText(ctx context.Context, selector, text string) error {
	err := s.run(ctx, s.toolTimeout,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	)
	return wrapSelectorErr(err, "type", selector, s.toolTimeout)
}

// Fill sets multiple fields in one pass. Fields are keyed by selector and
// processed in sorted order so failures are reproducible. The first failing
// field aborts the pass.
func (s *Session) Fill(ctx context.Context, fields map[string]string) error {
	selectors := make([]string, 0, len(fields))
	for sel := range fields {
		selectors = append(selectors, sel)
	}
	sort.Strings(selectors)

	for _, sel := range selectors {
		if err := s.TypeText(ctx, sel, fields[sel]); err != nil {
			return err
		}
	}
	return nil
}

// ReadContent returns the page's visible text.
func (s *Session) ReadContent(ctx context.Context) (string, error) {
	var text string
	script := `document.body ? document.body.innerText : ""`
	if err := s.Evaluate(ctx, script, &text); err != nil {
		return "", fmt.Errorf("failed to read page content: %w", err)
	}
	return text, nil
}

// OuterHTML returns the full serialized document markup.
func (s *Session) OuterHTML(ctx context.Context) (string, error) {
	var markup string
	err := s.run(ctx, s.toolTimeout,
		chromedp.OuterHTML("html", &markup, chromedp.ByQuery),
	)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("reading document markup timed out after %s", s.toolTimeout)
		}
		return "", fmt.Errorf("failed to read document markup: %w", err)
	}
	return markup, nil
}

// Evaluate runs a script in the page and unmarshals its result into out.
// Results come back by value and promises are awaited, so async page code
// behaves the same as sync code to the caller.
func (s *Session) Evaluate(ctx context.Context, script string, out interface{}) error {
	err := s.run(ctx, s.toolTimeout,
		chromedp.Evaluate(script, out, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithReturnByValue(true).WithAwaitPromise(true).WithSilent(true)
		}),
	)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("script evaluation timed out after %s", s.toolTimeout)
		}
		return fmt.Errorf("script evaluation failed: %w", err)
	}
	return nil
}

// Screenshot captures the current viewport as a PNG.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := s.run(ctx, s.toolTimeout, chromedp.CaptureScreenshot(&buf))
	if err != nil {
		return nil, fmt.Errorf("screenshot capture failed: %w", err)
	}
	return buf, nil
}

// ScrollBy scrolls the page by pixel offsets.
func (s *Session) ScrollBy(ctx context.Context, dx, dy float64) error {
	script := fmt.Sprintf("window.scrollBy(%s, %s);", jsonEncode(dx), jsonEncode(dy))
	if err := s.Evaluate(ctx, script, nil); err != nil {
		return fmt.Errorf("scroll failed: %w", err)
	}
	return nil
}

// WaitVisible blocks until the selector matches a visible element or the tool
// timeout expires.
func (s *Session) WaitVisible(ctx context.Context, selector string) error {
	err := s.run(ctx, s.toolTimeout, chromedp.WaitVisible(selector, chromedp.ByQuery))
	return wrapSelectorErr(err, "wait for", selector, s.toolTimeout)
}

// Location returns the tab's current URL.
func (s *Session) Location(ctx context.Context) (string, error) {
	var loc string
	if err := s.run(ctx, s.toolTimeout, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("failed to read current location: %w", err)
	}
	return loc, nil
}

// wrapSelectorErr normalizes chromedp failures on selector-addressed
// operations. Timeouts almost always mean the element never appeared, so they
// are reported as the element not being found; that phrasing is what the
// error classifier keys on to trigger re-analysis.
func wrapSelectorErr(err error, verb, selector string, timeout time.Duration) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("element '%s' not found or not visible after %s", selector, timeout)
	}
	return fmt.Errorf("failed to %s element '%s': %w", verb, selector, err)
}

// jsonEncode marshals a value for safe injection into a script literal.
func jsonEncode(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

// combineContext derives an operation context from the tab context (which
// carries the CDP target) that is additionally cancelled when the caller's
// context is cancelled.
func combineContext(tabCtx, opCtx context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(tabCtx)
	go func() {
		select {
		case <-opCtx.Done():
			cancel()
		case <-combined.Done():
		}
	}()
	return combined, cancel
}
