// Package xpath detects XPath injection through engine error messages.
package xpath

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-audit/api/schemas"
	"github.com/xkilldash9x/scalpel-audit/internal/analysis/core"
	"github.com/xkilldash9x/scalpel-audit/internal/analysis/grep/error500"
	"github.com/xkilldash9x/scalpel-audit/internal/fuzzer"
	"github.com/xkilldash9x/scalpel-audit/internal/kb"
	"github.com/xkilldash9x/scalpel-audit/internal/matcher"
)

const (
	Name     = "xpath"
	Category = "xpath"

	vulnerabilityName = "XPATH injection vulnerability"
)

// Payloads break out of a quoted XPath literal or open an XML comment.
var Payloads = []string{`d'z"0`, "<!--"}

// Signatures are error fragments emitted by XPath engines, matched verbatim.
var Signatures = []string{
	"System.Xml.XPath.XPathException:",
	"MS.Internal.Xml.",
	"Unknown error in XPath",
	"org.apache.xpath.XPath",
	"A closing bracket expected in",
	"An operand in Union Expression does not produce a node-set",
	"Cannot convert expression to a number",
	"Document Axis does not allow any context Location Steps",
	"Empty Path Expression",
	"DOMXPath::",
	"Empty Relative Location Path",
	"Empty Union Expression",
	"Expected ')' in",
	"Expected node test or name specification after axis operator",
	"Incompatible XPath key",
	"Incorrect Variable Binding",
	"libxml2 library function failed",
	"libxml2",
	"xmlsec library function",
	"xmlsec",
	"error '80004005'",
	"A document must contain exactly one root element.",
	`<font face="Arial" size=2>Expression must evaluate to a node-set.`,
	"Expected token ']'",
	"<p>msxml4.dll</font>",
	"<p>msxml3.dll</font>",
	// Lotus Notes search on .nsf documents.
	"4005 Notes error: Query is not understandable",
}

// Plugin finds XPath injection. It records at most one finding per
// injection point.
type Plugin struct {
	*core.BasePlugin
	matcher *matcher.Matcher
}

func New(logger *zap.Logger) *Plugin {
	return &Plugin{
		BasePlugin: core.NewBasePlugin(Name, "Find XPATH injection vulnerabilities.",
			`This plugin finds XPATH injections. It sends strings that break XPath
expressions to every injection point and searches the response for XPath
engine errors that the unmodified page does not show.`,
			core.TypeAudit, []string{error500.Name}, nil, logger),
		matcher: matcher.Build(Signatures),
	}
}

func (p *Plugin) Audit(ctx context.Context, ac *core.AuditContext) error {
	if !ac.Template.HasInjectionPoints() {
		return nil
	}
	_, err := ac.Fuzz(ctx, nil, Payloads, func(_ context.Context, m *fuzzer.Mutant, resp *schemas.Response) {
		p.analyze(ac.Store, m, resp)
	})
	return err
}

func (p *Plugin) analyze(store *kb.Store, m *fuzzer.Mutant, resp *schemas.Response) {
	key := targetKey(m)
	if store.IsConfirmed(Name, Category, key) {
		return
	}

	var original string
	if orig := m.OriginalResponse(); orig != nil {
		original = orig.Body
	}
	for _, sig := range p.matcher.QueryUnique(resp.Body) {
		if strings.Contains(original, sig) {
			continue
		}
		f := p.finding(m, resp, sig)
		stored := store.AppendUniqueBy(Name, Category, f, func(existing schemas.Finding) bool {
			return existing.Target == f.Target && existing.Method == f.Method && existing.Var == f.Var
		})
		store.Transition(Name, Category, key, kb.StateConfirmed)
		if stored {
			p.Logger.Info("XPath error found",
				zap.String("url", f.Target), zap.String("var", f.Var), zap.String("error", sig), zap.Int64("response_id", resp.ID))
		}
		return
	}
}

func (p *Plugin) finding(m *fuzzer.Mutant, resp *schemas.Response, sig string) schemas.Finding {
	req := m.Request()
	return schemas.Finding{
		Target:            req.BaseURL(),
		Method:            req.Method(),
		VulnerabilityName: vulnerabilityName,
		Severity:          schemas.SeverityMedium,
		Description:       "XPATH injection was found at: " + m.FoundAt(),
		Var:               m.Var(),
		Payload:           m.Payload(),
		ResponseIDs:       []int64{resp.ID},
		Highlight:         []string{sig},
		Evidence:          core.Evidence(resp),
		Recommendation:    "Build XPath queries with parameterized expressions or strictly validate the input used in them.",
		CWE:               []string{"CWE-643"},
	}
}

func targetKey(m *fuzzer.Mutant) string {
	return string(m.Request().Method()) + " " + m.Request().BaseURL() + " " + m.Var()
}
