package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/scalpel-audit/api/schemas"
	"github.com/xkilldash9x/scalpel-audit/internal/analysis/core"
	"github.com/xkilldash9x/scalpel-audit/internal/config"
	"github.com/xkilldash9x/scalpel-audit/internal/fuzzer"
	"github.com/xkilldash9x/scalpel-audit/internal/kb"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Database() config.DatabaseConfig {
	args := m.Called()
	return args.Get(0).(config.DatabaseConfig)
}

func (m *MockConfig) Network() config.NetworkConfig {
	args := m.Called()
	return args.Get(0).(config.NetworkConfig)
}

func (m *MockConfig) Engine() config.EngineConfig {
	args := m.Called()
	return args.Get(0).(config.EngineConfig)
}

func (m *MockConfig) Timing() config.TimingConfig {
	args := m.Called()
	return args.Get(0).(config.TimingConfig)
}

func (m *MockConfig) Plugins() config.PluginsConfig {
	args := m.Called()
	return args.Get(0).(config.PluginsConfig)
}

func (m *MockConfig) Metrics() config.MetricsConfig {
	args := m.Called()
	return args.Get(0).(config.MetricsConfig)
}

func (m *MockConfig) Report() config.ReportConfig {
	args := m.Called()
	return args.Get(0).(config.ReportConfig)
}

// NewMockConfigFrom returns a MockConfig answering every getter from cfg.
// Tests override individual sections with further On calls placed first.
func NewMockConfigFrom(cfg *config.Config) *MockConfig {
	m := new(MockConfig)
	m.On("Logger").Return(cfg.Logger()).Maybe()
	m.On("Database").Return(cfg.Database()).Maybe()
	m.On("Network").Return(cfg.Network()).Maybe()
	m.On("Engine").Return(cfg.Engine()).Maybe()
	m.On("Timing").Return(cfg.Timing()).Maybe()
	m.On("Plugins").Return(cfg.Plugins()).Maybe()
	m.On("Metrics").Return(cfg.Metrics()).Maybe()
	m.On("Report").Return(cfg.Report()).Maybe()
	return m
}

// -- Store Mock --

// MockStore mocks the findings persistence layer.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) PersistFindings(ctx context.Context, envelope *schemas.ResultEnvelope) error {
	args := m.Called(ctx, envelope)
	return args.Error(0)
}

func (m *MockStore) GetFindingsByScanID(ctx context.Context, scanID string) ([]schemas.Finding, error) {
	args := m.Called(ctx, scanID)
	findings, _ := args.Get(0).([]schemas.Finding)
	return findings, args.Error(1)
}

// -- Transport Mock --

// MockSender mocks network.Sender.
type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(ctx context.Context, req *fuzzer.RequestTemplate) (*schemas.Response, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*schemas.Response)
	return resp, args.Error(1)
}

// -- Plugin Mocks --

// MockAuditPlugin mocks core.AuditPlugin. Descriptive methods come from the
// embedded BasePlugin; only Audit is recorded.
type MockAuditPlugin struct {
	*core.BasePlugin
	mock.Mock
}

func NewMockAuditPlugin(name string, deps ...string) *MockAuditPlugin {
	return &MockAuditPlugin{BasePlugin: core.NewBasePlugin(name, "mock "+name, "", core.TypeAudit, deps, nil, nil)}
}

func (m *MockAuditPlugin) Audit(ctx context.Context, ac *core.AuditContext) error {
	args := m.Called(ctx, ac)
	return args.Error(0)
}

// MockGrepPlugin mocks core.GrepPlugin.
type MockGrepPlugin struct {
	*core.BasePlugin
	mock.Mock
}

func NewMockGrepPlugin(name string) *MockGrepPlugin {
	return &MockGrepPlugin{BasePlugin: core.NewBasePlugin(name, "mock "+name, "", core.TypeGrep, nil, nil, nil)}
}

func (m *MockGrepPlugin) Grep(ctx context.Context, store *kb.Store, req *fuzzer.RequestTemplate, resp *schemas.Response) {
	m.Called(ctx, store, req, resp)
}

func (m *MockGrepPlugin) End(ctx context.Context, store *kb.Store) []schemas.Summary {
	args := m.Called(ctx, store)
	summaries, _ := args.Get(0).([]schemas.Summary)
	return summaries
}
