package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/config"
)

// ErrManagerClosed is returned by session operations after Shutdown.
var ErrManagerClosed = errors.New("browser manager is shut down")

// Manager owns the Chrome process and its tabs. The browser launches lazily
// on the first session request, so runs that never touch a browser tool never
// pay the startup cost. Manager implements schemas.SessionResolver.
type Manager struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	allocCtx    context.Context
	allocCancel context.CancelFunc

	mu            sync.Mutex
	browserCtx    context.Context
	browserCancel context.CancelFunc
	sessions      map[string]*Session
	// order tracks tab creation order so the active tab can fall back to
	// the oldest surviving tab when the current one closes.
	order    []string
	activeID string
	closed   bool
}

var _ schemas.SessionResolver = (*Manager)(nil)

// NewManager prepares the browser allocator. No Chrome process is started
// until the first session is requested.
func NewManager(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) *Manager {
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocatorOptions(cfg)...)
	return &Manager{
		logger:      logger.Named("browser"),
		cfg:         cfg,
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		sessions:    make(map[string]*Session),
	}
}

// allocatorOptions translates BrowserConfig into chromedp allocator options.
// Later options override earlier ones, so config flags win over the defaults.
func allocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)

	if !cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.IgnoreTLSErrors {
		opts = append(opts, chromedp.Flag("ignore-certificate-errors", true))
	}
	for _, arg := range cfg.Args {
		name, value := parseChromeArg(arg)
		if name == "" {
			continue
		}
		opts = append(opts, chromedp.Flag(name, value))
	}
	return opts
}

// parseChromeArg splits a raw command line argument like "--proxy-server=host"
// into the flag name and value chromedp expects. Bare flags become boolean
// switches.
func parseChromeArg(arg string) (string, interface{}) {
	arg = strings.TrimLeft(strings.TrimSpace(arg), "-")
	if arg == "" {
		return "", nil
	}
	if name, value, ok := strings.Cut(arg, "="); ok {
		return name, value
	}
	return arg, true
}

// ensureBrowserLocked launches the shared browser on first use. The anchor
// context is never handed out as a session; cancelling it would take the
// whole browser down with it.
func (m *Manager) ensureBrowserLocked(ctx context.Context) error {
	if m.browserCtx != nil {
		return nil
	}

	ctxOpts := []chromedp.ContextOption{
		chromedp.WithErrorf(func(format string, args ...interface{}) {
			m.logger.Error(fmt.Sprintf(format, args...))
		}),
	}
	if m.cfg.Debug {
		ctxOpts = append(ctxOpts, chromedp.WithDebugf(func(format string, args ...interface{}) {
			m.logger.Debug(fmt.Sprintf(format, args...))
		}))
	}

	browserCtx, browserCancel := chromedp.NewContext(m.allocCtx, ctxOpts...)

	launchCtx, cancel := context.WithTimeout(browserCtx, m.launchTimeout())
	defer cancel()
	if err := chromedp.Run(launchCtx); err != nil {
		browserCancel()
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	m.logger.Info("Browser launched", zap.Bool("headless", m.cfg.Headless))
	m.browserCtx = browserCtx
	m.browserCancel = browserCancel
	return nil
}

func (m *Manager) launchTimeout() time.Duration {
	if m.cfg.NavigationTimeout > 0 {
		return m.cfg.NavigationTimeout
	}
	return 30 * time.Second
}

// NewSession opens a fresh tab and registers it. The first tab opened becomes
// the active one.
func (m *Manager) NewSession(ctx context.Context) (schemas.TabSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.newSessionLocked(ctx)
}

func (m *Manager) newSessionLocked(ctx context.Context) (*Session, error) {
	if m.closed {
		return nil, ErrManagerClosed
	}
	if err := m.ensureBrowserLocked(ctx); err != nil {
		return nil, err
	}

	tabCtx, tabCancel := chromedp.NewContext(m.browserCtx)

	setup := []chromedp.Action{network.Enable()}
	if m.cfg.DisableCache {
		setup = append(setup, network.SetCacheDisabled(true))
	}
	if w, h := m.viewport(); w > 0 && h > 0 {
		setup = append(setup, chromedp.EmulateViewport(w, h))
	}

	openCtx, cancel := context.WithTimeout(tabCtx, m.launchTimeout())
	defer cancel()
	if err := chromedp.Run(openCtx, setup...); err != nil {
		tabCancel()
		return nil, fmt.Errorf("failed to open browser tab: %w", err)
	}

	id := targetIDOf(tabCtx)
	s := &Session{
		id:          id,
		ctx:         tabCtx,
		cancel:      tabCancel,
		logger:      m.logger.With(zap.String("target_id", id)),
		navTimeout:  m.cfg.NavigationTimeout,
		toolTimeout: m.cfg.ToolTimeout,
	}
	s.SetOnClose(func() { m.dropSession(id) })

	m.sessions[id] = s
	m.order = append(m.order, id)
	if m.activeID == "" {
		m.activeID = id
	}
	m.logger.Info("Browser tab opened", zap.String("target_id", id), zap.Int("open_tabs", len(m.sessions)))
	return s, nil
}

func (m *Manager) viewport() (int64, int64) {
	return int64(m.cfg.Viewport["width"]), int64(m.cfg.Viewport["height"])
}

// targetIDOf extracts the DevTools target id from a tab context.
func targetIDOf(tabCtx context.Context) string {
	if c := chromedp.FromContext(tabCtx); c != nil && c.Target != nil {
		return string(c.Target.TargetID)
	}
	// The target should always be attached by now; a random id keeps the
	// registry consistent if it is not.
	return uuid.New().String()
}

// dropSession removes a closed session from the registry and repairs the
// active tab pointer.
func (m *Manager) dropSession(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if m.activeID == id {
		m.activeID = ""
		if len(m.order) > 0 {
			m.activeID = m.order[0]
		}
	}
}

// Resolve returns the session for an explicit target id, or the active
// session when the id is empty.
func (m *Manager) Resolve(ctx context.Context, targetID string) (schemas.TabSession, error) {
	if targetID == "" {
		return m.Active(ctx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	s, ok := m.sessions[targetID]
	if !ok {
		return nil, fmt.Errorf("unknown target id '%s'", targetID)
	}
	return s, nil
}

// Active returns the current active tab, opening the first tab on demand.
func (m *Manager) Active(ctx context.Context) (schemas.TabSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if m.activeID != "" {
		if s, ok := m.sessions[m.activeID]; ok {
			return s, nil
		}
	}
	return m.newSessionLocked(ctx)
}

// Shutdown closes every tab and then the browser itself. Safe to call more
// than once.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	browserCtx := m.browserCtx
	m.mu.Unlock()

	for _, s := range open {
		_ = s.Close()
	}
	if browserCtx != nil {
		if err := chromedp.Cancel(browserCtx); err != nil {
			m.logger.Warn("Browser did not close cleanly", zap.Error(err))
		}
	}
	m.allocCancel()
	m.logger.Info("Browser manager shut down")
}
