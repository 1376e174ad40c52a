// Package error500 records responses that failed with HTTP 500.
package error500

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-audit/api/schemas"
	"github.com/xkilldash9x/scalpel-audit/internal/analysis/core"
	"github.com/xkilldash9x/scalpel-audit/internal/bloom"
	"github.com/xkilldash9x/scalpel-audit/internal/fuzzer"
	"github.com/xkilldash9x/scalpel-audit/internal/kb"
)

const (
	Name     = "error_500"
	Category = "error_500"
)

// Plugin reports each URL at most once, whatever its query string.
type Plugin struct {
	*core.BasePlugin
	seen *bloom.Filter
}

func New(logger *zap.Logger) *Plugin {
	return &Plugin{
		BasePlugin: core.NewBasePlugin(Name, "Grep every response for HTTP 500 errors.",
			`This plugin records every URL that answered with an internal server error.
Unhandled errors often reveal injection points and are used as supporting
evidence by the audit plugins that depend on it.`,
			core.TypeGrep, nil, nil, logger),
		seen: bloom.New(1024, 0.001),
	}
}

// Begin forgets the URLs reported during previous scans.
func (p *Plugin) Begin(context.Context) {
	p.seen = bloom.New(1024, 0.001)
}

func (p *Plugin) Grep(_ context.Context, store *kb.Store, req *fuzzer.RequestTemplate, resp *schemas.Response) {
	if resp.StatusCode != http.StatusInternalServerError {
		return
	}
	url := resp.URLWithoutQuery()
	if p.seen.TestAndAdd(url) {
		return
	}
	store.Append(Name, Category, schemas.Finding{
		Target:            url,
		Method:            resp.Method,
		VulnerabilityName: "Unhandled error in web application",
		Severity:          schemas.SeverityMedium,
		Description:       "An unhandled error was returned by " + url + " for the request " + req.String() + ".",
		ResponseIDs:       []int64{resp.ID},
		Evidence:          core.Evidence(resp),
		Recommendation:    "Handle errors explicitly and return generic error pages.",
		CWE:               []string{"CWE-209"},
	})
	p.Logger.Debug("HTTP 500 recorded", zap.String("url", url), zap.Int64("response_id", resp.ID))
}

// End lists the URLs that returned HTTP 500.
func (p *Plugin) End(_ context.Context, store *kb.Store) []schemas.Summary {
	findings := store.Get(Name, Category)
	if len(findings) == 0 {
		return nil
	}
	items := make([]string, 0, len(findings))
	for _, f := range findings {
		items = append(items, f.Target)
	}
	return []schemas.Summary{{
		Plugin:  Name,
		Heading: "The following URLs returned an HTTP 500 error:",
		Items:   items,
	}}
}
