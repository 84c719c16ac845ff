package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

// MockTabSession is a testify mock of the browser tab primitive the tools
// drive.
type MockTabSession struct {
	mock.Mock
}

var _ schemas.TabSession = (*MockTabSession)(nil)

func (m *MockTabSession) TargetID() string {
	return m.Called().String(0)
}

func (m *MockTabSession) Navigate(ctx context.Context, url string) error {
	return m.Called(ctx, url).Error(0)
}

func (m *MockTabSession) Click(ctx context.Context, selector string) error {
	return m.Called(ctx, selector).Error(0)
}

func (m *MockTabSession) TypeText(ctx context.Context, selector, text string) error {
	return m.Called(ctx, selector, text).Error(0)
}

func (m *MockTabSession) Fill(ctx context.Context, fields map[string]string) error {
	return m.Called(ctx, fields).Error(0)
}

func (m *MockTabSession) ReadContent(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockTabSession) OuterHTML(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockTabSession) Evaluate(ctx context.Context, script string, out interface{}) error {
	return m.Called(ctx, script, out).Error(0)
}

func (m *MockTabSession) Screenshot(ctx context.Context) ([]byte, error) {
	args := m.Called(ctx)
	if b, ok := args.Get(0).([]byte); ok {
		return b, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockTabSession) ScrollBy(ctx context.Context, dx, dy float64) error {
	return m.Called(ctx, dx, dy).Error(0)
}

func (m *MockTabSession) WaitVisible(ctx context.Context, selector string) error {
	return m.Called(ctx, selector).Error(0)
}

func (m *MockTabSession) Location(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockTabSession) Close() error {
	return m.Called().Error(0)
}

// stubResolver hands out a fixed session, recording the target ids it was
// asked for.
type stubResolver struct {
	session  schemas.TabSession
	err      error
	resolved []string
}

func (r *stubResolver) Resolve(_ context.Context, targetID string) (schemas.TabSession, error) {
	r.resolved = append(r.resolved, targetID)
	if r.err != nil {
		return nil, r.err
	}
	return r.session, nil
}

func (r *stubResolver) Active(ctx context.Context) (schemas.TabSession, error) {
	return r.Resolve(ctx, "")
}

func setupTestLogger(t *testing.T) (*zap.Logger, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}
