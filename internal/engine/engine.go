// Package engine runs the detection plugins against one request template.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/scalpel-audit/api/schemas"
	"github.com/xkilldash9x/scalpel-audit/internal/analysis/core"
	"github.com/xkilldash9x/scalpel-audit/internal/analysis/plugins"
	"github.com/xkilldash9x/scalpel-audit/internal/config"
	"github.com/xkilldash9x/scalpel-audit/internal/dispatch"
	"github.com/xkilldash9x/scalpel-audit/internal/fuzzer"
	"github.com/xkilldash9x/scalpel-audit/internal/kb"
	"github.com/xkilldash9x/scalpel-audit/internal/network"
	"github.com/xkilldash9x/scalpel-audit/internal/observability"
	"github.com/xkilldash9x/scalpel-audit/internal/timing"
)

// -- Interfaces for Dependency Inversion --

// Store persists the results of a scan.
type Store interface {
	PersistFindings(ctx context.Context, envelope *schemas.ResultEnvelope) error
}

// Target describes the request to audit.
type Target struct {
	Method  schemas.Method
	URL     string
	Body    string
	Headers http.Header
	// Points restricts injection to these parameters. A bare name selects
	// every occurrence of that name; an id such as "id#2" selects one. Empty
	// means all.
	Points []string
}

// persistTimeout bounds result persistence, which runs even after the scan context is cancelled.
const persistTimeout = 30 * time.Second

// Engine wires the transport, dispatcher, timing oracle and plugins together.
// Scans are serialized; one Engine runs one scan at a time.
type Engine struct {
	cfg        config.Interface
	logger     *zap.Logger
	metrics    *observability.Metrics
	registry   *core.Registry
	client     *http.Client
	transport  *network.Transport
	dispatcher *dispatch.Dispatcher
	oracle     *timing.Oracle
	store      Store
	now        func() time.Time

	scanMu sync.Mutex
	// active receives responses for the scan in progress; nil between scans.
	activeMu sync.RWMutex
	active   *grepSet
}

type Option func(*Engine)

// WithStore enables persistence of every scan's results.
func WithStore(s Store) Option { return func(e *Engine) { e.store = s } }

func WithMetrics(m *observability.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithRegistry replaces the built-in plugin set.
func WithRegistry(r *core.Registry) Option { return func(e *Engine) { e.registry = r } }

// WithHTTPClient replaces the client built from the network config.
func WithHTTPClient(c *http.Client) Option { return func(e *Engine) { e.client = c } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New builds an Engine from cfg. Plugin options from the config are applied
// to the registry here, so invalid options fail fast.
func New(cfg config.Interface, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	e := &Engine{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "engine")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.registry == nil {
		e.registry = plugins.NewRegistry(logger)
	}
	if err := e.registry.Configure(cfg.Plugins().Options); err != nil {
		return nil, fmt.Errorf("configuring plugins: %w", err)
	}

	netCfg := cfg.Network()
	if e.client == nil {
		cc, err := network.ClientConfigFrom(netCfg, logger)
		if err != nil {
			return nil, err
		}
		e.client = network.NewClient(cc)
	}

	engCfg := cfg.Engine()
	topts := []network.TransportOption{
		network.WithLogger(logger),
		network.WithMetrics(e.metrics),
		network.WithHeaders(netCfg.Headers),
		network.WithUserAgent(netCfg.UserAgent),
		network.WithMaxBodyBytes(netCfg.MaxBodyBytes),
	}
	if engCfg.RateLimit > 0 {
		burst := engCfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		topts = append(topts, network.WithRateLimiter(rate.NewLimiter(rate.Limit(engCfg.RateLimit), burst)))
	}
	e.transport = network.NewTransport(e.client, topts...)
	e.transport.Observe(e.observe)

	e.dispatcher = dispatch.New(engCfg.Concurrency, logger)
	e.oracle = timing.NewOracle(e.transport, timing.ConfigFrom(cfg.Timing()), logger, e.metrics)
	return e, nil
}

// Registry exposes the plugin registry, e.g. for listing.
func (e *Engine) Registry() *core.Registry { return e.registry }

// Close releases idle connections held by the HTTP client.
func (e *Engine) Close() {
	e.client.CloseIdleConnections()
}

// grepSet routes observed responses of one scan to its grep plugins.
type grepSet struct {
	ctx     context.Context
	store   *kb.Store
	plugins []core.GrepPlugin
	logger  *zap.Logger
}

func (e *Engine) observe(req *fuzzer.RequestTemplate, resp *schemas.Response) {
	e.activeMu.RLock()
	set := e.active
	e.activeMu.RUnlock()
	if set == nil {
		return
	}
	for _, g := range set.plugins {
		func() {
			defer func() {
				if r := recover(); r != nil {
					set.logger.Error("Grep plugin panicked",
						zap.String("plugin", g.Name()), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
				}
			}()
			g.Grep(set.ctx, set.store, req, resp)
		}()
	}
}

func (e *Engine) setActive(set *grepSet) {
	e.activeMu.Lock()
	e.active = set
	e.activeMu.Unlock()
}

// BuildTemplate turns a Target into a request template, restricting the
// injection points when Target.Points is set.
func BuildTemplate(target Target) (*fuzzer.RequestTemplate, error) {
	method := target.Method
	if method == "" {
		method = schemas.MethodGet
	}
	tmpl, err := fuzzer.ParseTemplate(method, target.URL, target.Body, target.Headers)
	if err != nil {
		return nil, err
	}
	if len(target.Points) == 0 {
		return tmpl, nil
	}

	selected := make(map[string]bool, len(target.Points))
	for _, p := range target.Points {
		if _, ok := tmpl.Param(p); !ok {
			return nil, fmt.Errorf("%w: parameter %q not present in %s", fuzzer.ErrInvalidTemplate, p, tmpl)
		}
		selected[p] = true
	}
	params := tmpl.Params()
	ids := tmpl.Points()
	for i := range params {
		params[i].Injectable = selected[params[i].Name] || selected[ids[i]]
	}
	return fuzzer.NewRequestTemplate(tmpl.Method(), tmpl.BaseURL(), params, tmpl.Headers())
}

// Scan audits target with the named plugins, or with the configured set when
// names is empty. A failing plugin is logged and skipped. Cancelling ctx stops
// the scan before the next plugin starts; findings gathered so far are still
// returned and persisted.
func (e *Engine) Scan(ctx context.Context, target Target, names []string) (*schemas.ResultEnvelope, error) {
	e.scanMu.Lock()
	defer e.scanMu.Unlock()

	if len(names) == 0 {
		names = e.cfg.Plugins().Enabled
	}
	ordered, err := e.registry.Order(names)
	if err != nil {
		return nil, err
	}
	tmpl, err := BuildTemplate(target)
	if err != nil {
		return nil, err
	}

	scanID := uuid.NewString()
	logger := e.logger.With(zap.String("scan_id", scanID))
	store := kb.New(kb.WithScanID(scanID), kb.WithLogger(e.logger), kb.WithMetrics(e.metrics), kb.WithClock(e.now))

	var audits []core.AuditPlugin
	var greps []core.GrepPlugin
	for _, p := range ordered {
		switch v := p.(type) {
		case core.AuditPlugin:
			audits = append(audits, v)
		case core.GrepPlugin:
			greps = append(greps, v)
		default:
			logger.Warn("Plugin implements neither audit nor grep, ignoring", zap.String("plugin", p.Name()))
		}
	}

	for _, g := range greps {
		if s, ok := g.(core.ScanStarter); ok {
			s.Begin(ctx)
		}
	}
	e.setActive(&grepSet{ctx: ctx, store: store, plugins: greps, logger: logger})
	defer e.setActive(nil)

	sentBefore := e.transport.Sent()
	logger.Info("Scan starting",
		zap.String("target", tmpl.String()),
		zap.Strings("injection_points", tmpl.InjectionPoints()),
		zap.Int("audit_plugins", len(audits)),
		zap.Int("grep_plugins", len(greps)))

	baseline, err := e.transport.Send(ctx, tmpl)
	if err != nil {
		return nil, fmt.Errorf("baseline request: %w", err)
	}

	ac := &core.AuditContext{
		Template:   tmpl,
		Baseline:   baseline,
		Sender:     e.transport,
		Store:      store,
		Dispatcher: e.dispatcher,
		Oracle:     e.oracle,
		Logger:     logger,
	}
	for _, p := range audits {
		if ctx.Err() != nil {
			logger.Warn("Scan cancelled, skipping remaining plugins", zap.String("next", p.Name()), zap.Error(ctx.Err()))
			break
		}
		start := time.Now()
		if err := runAudit(ctx, p, ac); err != nil {
			logger.Error("Audit plugin failed", zap.String("plugin", p.Name()), zap.Error(err))
			continue
		}
		logger.Info("Audit plugin finished", zap.String("plugin", p.Name()), zap.Duration("duration", time.Since(start)))
	}

	e.setActive(nil)
	var summaries []schemas.Summary
	for _, g := range greps {
		summaries = append(summaries, g.End(ctx, store)...)
	}

	envelope := &schemas.ResultEnvelope{
		ScanID:    scanID,
		Target:    tmpl.String(),
		Timestamp: e.now().UTC(),
		Findings:  store.All(),
		Summaries: summaries,
		Requests:  e.transport.Sent() - sentBefore,
	}
	logger.Info("Scan finished", zap.Int("findings", len(envelope.Findings)), zap.Int64("requests", envelope.Requests))

	if e.store != nil && len(envelope.Findings) > 0 {
		// The scan context may already be cancelled; results are saved regardless.
		persistCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := e.store.PersistFindings(persistCtx, envelope); err != nil {
			return envelope, fmt.Errorf("persisting findings: %w", err)
		}
	}
	return envelope, nil
}

// runAudit converts a plugin panic into an error.
func runAudit(ctx context.Context, p core.AuditPlugin, ac *core.AuditContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return p.Audit(ctx, ac)
}
