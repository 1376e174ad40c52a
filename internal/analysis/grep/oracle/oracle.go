// Package oracle fingerprints pages generated by Oracle Application Server.
package oracle

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-audit/api/schemas"
	"github.com/xkilldash9x/scalpel-audit/internal/analysis/core"
	"github.com/xkilldash9x/scalpel-audit/internal/bloom"
	"github.com/xkilldash9x/scalpel-audit/internal/fuzzer"
	"github.com/xkilldash9x/scalpel-audit/internal/kb"
	"github.com/xkilldash9x/scalpel-audit/internal/matcher"
)

const (
	Name     = "oracle"
	Category = "oracle"
)

// Signatures are comments the application server leaves in generated pages.
var Signatures = []string{"<!-- Created by Oracle "}

type Plugin struct {
	*core.BasePlugin
	analyzed *bloom.Filter
	matcher  *matcher.Matcher
}

func New(logger *zap.Logger) *Plugin {
	return &Plugin{
		BasePlugin: core.NewBasePlugin(Name, "Find Oracle applications.",
			"This plugin greps every text or HTML page for messages left by Oracle application servers.",
			core.TypeGrep, nil, nil, logger),
		analyzed: newSeenSet(),
		matcher:  matcher.Build(Signatures),
	}
}

func newSeenSet() *bloom.Filter { return bloom.New(4096, 0.001) }

// Begin forgets the URLs analyzed during previous scans.
func (p *Plugin) Begin(context.Context) {
	p.analyzed = newSeenSet()
}

// Grep inspects each text or HTML URL once.
func (p *Plugin) Grep(_ context.Context, store *kb.Store, _ *fuzzer.RequestTemplate, resp *schemas.Response) {
	if !resp.IsTextOrHTML() || p.analyzed.TestAndAdd(resp.URL) {
		return
	}
	for _, sig := range p.matcher.QueryUnique(resp.Body) {
		store.Append(Name, Category, schemas.Finding{
			Target:            resp.URL,
			Method:            resp.Method,
			VulnerabilityName: "Oracle application",
			Severity:          schemas.SeverityInfo,
			Description:       "The URL: \"" + resp.URL + "\" was created using Oracle Application server.",
			ResponseIDs:       []int64{resp.ID},
			Highlight:         []string{sig},
		})
		p.Logger.Debug("Oracle application found", zap.String("url", resp.URL))
	}
}

func (p *Plugin) End(_ context.Context, store *kb.Store) []schemas.Summary {
	findings := store.Get(Name, Category)
	if len(findings) == 0 {
		return nil
	}
	s := schemas.Summary{Plugin: Name, Heading: "These URLs were created using Oracle Application server:"}
	for _, f := range findings {
		s.Items = append(s.Items, f.Target)
	}
	return []schemas.Summary{s}
}
