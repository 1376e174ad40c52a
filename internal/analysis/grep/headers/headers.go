// Package headers reports uncommon response headers and header anomalies.
package headers

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-audit/api/schemas"
	"github.com/xkilldash9x/scalpel-audit/internal/analysis/core"
	"github.com/xkilldash9x/scalpel-audit/internal/fuzzer"
	"github.com/xkilldash9x/scalpel-audit/internal/kb"
)

const (
	Name            = "strange_headers"
	Category        = "strange_headers"
	AnomalyCategory = "anomaly"

	AttrHeaderName  = "header_name"
	AttrHeaderValue = "header_value"
	// AttrURLs holds every URL, without query, that sent the header, newline separated.
	AttrURLs = "urls"
)

// commonHeaders are response headers considered unremarkable, upper case.
var commonHeaders = map[string]bool{
	"ACCEPT-RANGES":             true,
	"AGE":                       true,
	"ALLOW":                     true,
	"CONNECTION":                true,
	"CONTENT-ENCODING":          true,
	"CONTENT-LENGTH":            true,
	"CONTENT-TYPE":              true,
	"CONTENT-LANGUAGE":          true,
	"CONTENT-LOCATION":          true,
	"CACHE-CONTROL":             true,
	"DATE":                      true,
	"EXPIRES":                   true,
	"ETAG":                      true,
	"KEEP-ALIVE":                true,
	"LAST-MODIFIED":             true,
	"LOCATION":                  true,
	"PUBLIC":                    true,
	"PRAGMA":                    true,
	"PROXY-CONNECTION":          true,
	"SET-COOKIE":                true,
	"SERVER":                    true,
	"STRICT-TRANSPORT-SECURITY": true,
	"TRANSFER-ENCODING":         true,
	"VIA":                       true,
	"VARY":                      true,
	"WWW-AUTHENTICATE":          true,
	"X-FRAME-OPTIONS":           true,
	"X-CONTENT-TYPE-OPTIONS":    true,
	"X-POWERED-BY":              true,
	"X-ASPNET-VERSION":          true,
	"X-CACHE":                   true,
	"X-UA-COMPATIBLE":           true,
	"X-PAD":                     true,
	"X-XSS-PROTECTION":          true,
}

// IsCommon reports whether name is in the common header set.
func IsCommon(name string) bool {
	return commonHeaders[strings.ToUpper(name)]
}

type Plugin struct {
	*core.BasePlugin
}

func New(logger *zap.Logger) *Plugin {
	return &Plugin{
		BasePlugin: core.NewBasePlugin(Name, "Grep headers for uncommon headers sent in HTTP responses.",
			`This plugin greps all headers for non-common headers. This could be useful
to identify special modules and features added to the server. It also flags
Content-Location headers sent outside of a 3xx response.`,
			core.TypeGrep, nil, nil, logger),
	}
}

func (p *Plugin) Grep(_ context.Context, store *kb.Store, _ *fuzzer.RequestTemplate, resp *schemas.Response) {
	names := make([]string, 0, len(resp.Headers))
	for name := range resp.Headers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if IsCommon(name) {
			continue
		}
		p.recordStrangeHeader(store, resp, name, resp.Headers.Get(name))
	}
	p.checkContentLocation(store, resp)
}

// recordStrangeHeader merges into the finding for name if one exists.
func (p *Plugin) recordStrangeHeader(store *kb.Store, resp *schemas.Response, name, value string) {
	url := resp.URLWithoutQuery()
	created := store.Upsert(Name, Category,
		func(f schemas.Finding) bool {
			v, _ := f.Attributes.Get(AttrHeaderName)
			return v == name
		},
		func(f *schemas.Finding) {
			if !f.HasResponseID(resp.ID) {
				f.ResponseIDs = append(f.ResponseIDs, resp.ID)
			}
			urls, _ := f.Attributes.Get(AttrURLs)
			if !containsLine(urls, url) {
				f.Attributes = f.Attributes.Set(AttrURLs, urls+"\n"+url)
			}
		},
		func() schemas.Finding {
			return schemas.Finding{
				Target:            url,
				Method:            resp.Method,
				VulnerabilityName: "Strange header",
				Severity:          schemas.SeverityInfo,
				Description:       fmt.Sprintf("The remote web server sent the HTTP header: %q with value: %q.", name, value),
				ResponseIDs:       []int64{resp.ID},
				Highlight:         []string{value, name},
				Attributes: schemas.Attributes{
					{Key: AttrHeaderName, Value: name},
					{Key: AttrHeaderValue, Value: value},
					{Key: AttrURLs, Value: url},
				},
			}
		})
	if created {
		p.Logger.Debug("Strange header found", zap.String("header", name), zap.String("url", url))
	}
}

func containsLine(lines, s string) bool {
	for _, l := range strings.Split(lines, "\n") {
		if l == s {
			return true
		}
	}
	return false
}

// checkContentLocation flags Content-Location outside of 300-309.
func (p *Plugin) checkContentLocation(store *kb.Store, resp *schemas.Response) {
	loc := resp.Header("Content-Location")
	if loc == "" || (resp.StatusCode >= 300 && resp.StatusCode < 310) {
		return
	}
	store.Append(Name, AnomalyCategory, schemas.Finding{
		Target:            resp.URL,
		Method:            resp.Method,
		VulnerabilityName: "Content-Location HTTP header anomaly",
		Severity:          schemas.SeverityInfo,
		Description: fmt.Sprintf("The URL: %q sent the HTTP header: \"content-location\" with value: %q in an HTTP response with code %d which is a violation to the RFC.",
			resp.URL, loc, resp.StatusCode),
		ResponseIDs: []int64{resp.ID},
		Highlight:   []string{"content-location"},
	})
}

// End groups (header, URL) pairs by whichever side yields fewer headings.
func (p *Plugin) End(_ context.Context, store *kb.Store) []schemas.Summary {
	var pairs []kb.Pair
	for _, f := range store.Get(Name, Category) {
		name, _ := f.Attributes.Get(AttrHeaderName)
		urls, _ := f.Attributes.Get(AttrURLs)
		for _, u := range strings.Split(urls, "\n") {
			if u != "" {
				pairs = append(pairs, kb.Pair{Attribute: name, URL: u})
			}
		}
	}
	if len(pairs) == 0 {
		return nil
	}

	groups, dim := kb.GroupByMinKey(pairs)
	format := "The header: %q was sent by these URLs:"
	if dim == kb.ByURL {
		format = "The URL: %q sent these strange headers:"
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	summaries := make([]schemas.Summary, 0, len(keys))
	for _, k := range keys {
		summaries = append(summaries, schemas.Summary{
			Plugin:  Name,
			Heading: fmt.Sprintf(format, k),
			Items:   groups[k],
		})
	}
	return summaries
}
