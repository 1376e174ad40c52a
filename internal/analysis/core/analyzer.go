package core

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-audit/api/schemas"
	"github.com/xkilldash9x/scalpel-audit/internal/fuzzer"
	"github.com/xkilldash9x/scalpel-audit/internal/kb"
	"github.com/xkilldash9x/scalpel-audit/internal/observability"
)

// PluginType distinguishes plugins that send traffic from those that only inspect it.
type PluginType string

const (
	// TypeAudit plugins mutate requests and interact with the target.
	TypeAudit PluginType = "AUDIT"
	// TypeGrep plugins passively inspect every response the transport sees.
	TypeGrep PluginType = "GREP"
)

// Plugin is the contract shared by every detection module.
type Plugin interface {
	Name() string
	Description() string
	LongDescription() string
	Type() PluginType
	// Dependencies names plugins that must be enabled, and run, before this one.
	Dependencies() []string
	Options() *OptionList
	SetOptions(values map[string]string) error
}

// AuditPlugin actively tests one request template.
type AuditPlugin interface {
	Plugin
	Audit(ctx context.Context, ac *AuditContext) error
}

// GrepPlugin inspects traffic produced by the audit plugins. Grep is called
// concurrently and must be safe for that.
type GrepPlugin interface {
	Plugin
	Grep(ctx context.Context, store *kb.Store, req *fuzzer.RequestTemplate, resp *schemas.Response)
	// End is called once after all audit plugins finished and returns any
	// end-of-run summaries.
	End(ctx context.Context, store *kb.Store) []schemas.Summary
}

// ScanStarter is implemented by grep plugins that keep per-scan state.
// Begin is called before the first response of a scan is observed.
type ScanStarter interface {
	Begin(ctx context.Context)
}

// BasePlugin implements the descriptive half of Plugin. It is meant to be
// embedded in concrete plugins.
type BasePlugin struct {
	name            string
	description     string
	longDescription string
	pluginType      PluginType
	dependencies    []string
	options         *OptionList
	Logger          *zap.Logger // Named after the plugin.
}

// NewBasePlugin creates a BasePlugin. A nil options list means the plugin has no options.
func NewBasePlugin(name, description, longDescription string, pluginType PluginType, dependencies []string, options *OptionList, logger *zap.Logger) *BasePlugin {
	if options == nil {
		options = NewOptionList()
	}
	return &BasePlugin{
		name:            name,
		description:     description,
		longDescription: longDescription,
		pluginType:      pluginType,
		dependencies:    append([]string(nil), dependencies...),
		options:         options,
		Logger:          observability.OrNop(logger).Named(name),
	}
}

func (b *BasePlugin) Name() string            { return b.name }
func (b *BasePlugin) Description() string     { return b.description }
func (b *BasePlugin) LongDescription() string { return b.longDescription }
func (b *BasePlugin) Type() PluginType        { return b.pluginType }

// Dependencies returns a copy of the declared dependencies.
func (b *BasePlugin) Dependencies() []string {
	return append([]string(nil), b.dependencies...)
}

func (b *BasePlugin) Options() *OptionList { return b.options }

// SetOptions applies string values to the option list. Either all values are
// applied or, on error, none.
func (b *BasePlugin) SetOptions(values map[string]string) error {
	return b.options.Apply(values)
}
