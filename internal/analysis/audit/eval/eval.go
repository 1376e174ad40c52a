// Package eval detects server-side code evaluation of user input.
package eval

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/scalpel-audit/api/schemas"
	"github.com/xkilldash9x/scalpel-audit/internal/analysis/core"
	"github.com/xkilldash9x/scalpel-audit/internal/fuzzer"
	"github.com/xkilldash9x/scalpel-audit/internal/kb"
	"github.com/xkilldash9x/scalpel-audit/internal/matcher"
	"github.com/xkilldash9x/scalpel-audit/internal/timing"
)

const (
	Name     = "eval"
	Category = "eval"

	OptUseEcho      = "use_echo"
	OptUseTimeDelay = "use_time_delay"

	vulnerabilityName = "eval() input injection vulnerability"
	markerLength      = 5
	markerRepeat      = 5
)

// printTemplates echo the marker five times in each supported language.
var printTemplates = []string{
	"echo str_repeat('%s',5);",           // PHP
	"print '%s'x5",                       // Perl
	"print '%s'*5",                       // Python
	`Response.Write(new String("%s",5))`, // ASP
}

// DelayTechniques are tried in this order by the timing phase.
var DelayTechniques = []timing.DelayTechnique{
	{Name: "php_sleep", Family: "php", Template: "sleep(%s);", Multiplier: 1},
	{Name: "python_sleep", Family: "python", Template: "import time;time.sleep(%s);", Multiplier: 1},
	{Name: "java_sleep", Family: "java", Template: "Thread.sleep(%s);", Multiplier: 1000},
	{Name: "dotnet_sleep", Family: "dotnet", Template: "Thread.Sleep(%s);", Multiplier: 1000},
}

// Plugin finds eval() injection by echo reflection and by controlled delays.
type Plugin struct {
	*core.BasePlugin
	marker   string
	expected string
	matcher  *matcher.Matcher
}

type Option func(*Plugin)

// WithMarker fixes the echo marker instead of drawing a random one.
func WithMarker(marker string) Option {
	return func(p *Plugin) { p.marker = strings.ToLower(marker) }
}

func New(logger *zap.Logger, opts ...Option) *Plugin {
	options := core.NewOptionList().
		AddBool(OptUseEcho, true, "Use echo technique",
			"Look for the evaluated result of injected print statements in the response body.").
		AddBool(OptUseTimeDelay, true, "Use time delay (sleep() technique)",
			"Check whether injected sleep statements control the response time.")

	p := &Plugin{
		BasePlugin: core.NewBasePlugin(Name, "Find insecure eval() usage.",
			`This plugin finds eval() input injection vulnerabilities. These appear when
user controlled data reaches an eval() call. The plugin injects print statements
that repeat a random string and reports a vulnerability when the repeated string
shows up in the response, and it injects sleep statements and reports a
vulnerability when the response time follows the requested delay.`,
			core.TypeAudit, nil, options, logger),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.marker == "" {
		p.marker = fuzzer.RandomMarker(markerLength)
	}
	p.expected = strings.Repeat(p.marker, markerRepeat)
	p.matcher = matcher.Build([]string{p.expected})
	return p
}

// Marker returns the echo marker.
func (p *Plugin) Marker() string { return p.marker }

// Audit runs the enabled phases against ac.Template.
func (p *Plugin) Audit(ctx context.Context, ac *core.AuditContext) error {
	var errs []error
	if p.Options().Bool(OptUseEcho) {
		errs = append(errs, p.fuzzWithEcho(ctx, ac))
	}
	if p.Options().Bool(OptUseTimeDelay) {
		errs = append(errs, p.fuzzWithTimeDelay(ctx, ac))
	}
	return errors.Join(errs...)
}

func (p *Plugin) fuzzWithEcho(ctx context.Context, ac *core.AuditContext) error {
	if !ac.Template.HasInjectionPoints() {
		return nil
	}
	payloads := make([]string, 0, len(printTemplates))
	for _, tmpl := range printTemplates {
		payloads = append(payloads, fmt.Sprintf(tmpl, p.marker))
	}
	_, err := ac.Fuzz(ctx, nil, payloads, func(_ context.Context, m *fuzzer.Mutant, resp *schemas.Response) {
		p.analyzeEcho(ac.Store, m, resp)
	})
	return err
}

func (p *Plugin) analyzeEcho(store *kb.Store, m *fuzzer.Mutant, resp *schemas.Response) {
	if !p.matcher.Contains(strings.ToLower(resp.Body)) {
		return
	}
	if orig := m.OriginalResponse(); orig != nil && strings.Contains(strings.ToLower(orig.Body), p.expected) {
		return
	}
	p.Logger.Debug("Evaluated echo found in response",
		zap.String("expected", p.expected), zap.Int64("response_id", resp.ID))

	f := p.finding(m, []int64{resp.ID}, resp)
	f.Highlight = []string{p.expected}
	p.record(store, m, f)
}

// fuzzWithTimeDelay measures every injection point, or the fake mutant when
// the template has none. Points are measured concurrently but the trials for
// one point stay sequential inside the oracle.
func (p *Plugin) fuzzWithTimeDelay(ctx context.Context, ac *core.AuditContext) error {
	if ac.Oracle == nil {
		p.Logger.Debug("No timing oracle configured, skipping time delay phase")
		return nil
	}
	mutants, err := fuzzer.Carriers(ac.Template, ac.Baseline)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ac.Dispatcher.Concurrency())
	for _, m := range mutants {
		g.Go(func() error {
			return p.testDelay(gctx, ac, m)
		})
	}
	return g.Wait()
}

func (p *Plugin) testDelay(ctx context.Context, ac *core.AuditContext, m *fuzzer.Mutant) error {
	key := targetKey(m)
	confirmed := ac.Store.IsConfirmed(Name, Category, key)
	if !confirmed {
		ac.Store.Transition(Name, Category, key, kb.StateTesting)
	}

	result, err := ac.Oracle.Measure(ctx, m, "", DelayTechniques, confirmed)
	if err != nil {
		return fmt.Errorf("timing %s: %w", key, err)
	}
	if result.Skipped {
		return nil
	}
	if !result.Controlled {
		ac.Store.Transition(Name, Category, key, kb.StateClean)
		return nil
	}

	last := result.Attempts[len(result.Attempts)-1]
	delayed, err := m.WithPayload(last.Trials[0].Payload)
	if err != nil {
		return err
	}
	f := p.finding(delayed, result.ResponseIDs(), result.Evidence...)
	f.Attributes = f.Attributes.Set("technique", result.Technique.Name)
	p.record(ac.Store, delayed, f)
	return nil
}

func (p *Plugin) record(store *kb.Store, m *fuzzer.Mutant, f schemas.Finding) {
	store.Transition(Name, Category, targetKey(m), kb.StateConfirmed)
	if store.AppendUnique(Name, Category, f) {
		p.Logger.Info("eval() injection confirmed",
			zap.String("url", f.Target), zap.String("var", f.Var), zap.String("payload", f.Payload))
	}
}

func (p *Plugin) finding(m *fuzzer.Mutant, ids []int64, evidence ...*schemas.Response) schemas.Finding {
	req := m.Request()
	return schemas.Finding{
		Target:            req.BaseURL(),
		Method:            req.Method(),
		VulnerabilityName: vulnerabilityName,
		Severity:          schemas.SeverityHigh,
		Description:       "eval() input injection was found at: " + m.FoundAt(),
		Var:               m.Var(),
		Payload:           m.Payload(),
		ResponseIDs:       ids,
		Evidence:          core.Evidence(evidence...),
		Recommendation:    "Never pass user controlled data to eval() or equivalent dynamic code execution functions.",
		CWE:               []string{"CWE-95"},
	}
}

func targetKey(m *fuzzer.Mutant) string {
	return string(m.Request().Method()) + " " + m.Request().BaseURL() + " " + m.Var()
}
