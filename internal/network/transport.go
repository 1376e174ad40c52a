package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/scalpel-audit/api/schemas"
	"github.com/xkilldash9x/scalpel-audit/internal/fuzzer"
	"github.com/xkilldash9x/scalpel-audit/internal/observability"
)

// ErrTransport marks every failure to obtain a response from the target.
var ErrTransport = errors.New("transport failure")

// TransportError is a failed send of one request. It matches ErrTransport
// and the underlying cause with errors.Is.
type TransportError struct {
	Method schemas.Method
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }

// Timeout reports whether the failure was a timeout.
func (e *TransportError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// Sender sends a request template and returns the target's response.
type Sender interface {
	Send(ctx context.Context, req *fuzzer.RequestTemplate) (*schemas.Response, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, req *fuzzer.RequestTemplate) (*schemas.Response, error)

func (f SenderFunc) Send(ctx context.Context, req *fuzzer.RequestTemplate) (*schemas.Response, error) {
	return f(ctx, req)
}

// Observer is notified of every response the transport receives. Observers
// run on the sending goroutine and must be safe for concurrent use.
type Observer func(req *fuzzer.RequestTemplate, resp *schemas.Response)

// requestBuilder turns a template into an *http.Request for one family of verbs.
type requestBuilder func(ctx context.Context, req *fuzzer.RequestTemplate) (*http.Request, error)

func buildQueryRequest(ctx context.Context, req *fuzzer.RequestTemplate) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, string(req.Method()), req.URL(), nil)
}

func buildFormRequest(ctx context.Context, req *fuzzer.RequestTemplate) (*http.Request, error) {
	r, err := http.NewRequestWithContext(ctx, string(req.Method()), req.URL(), strings.NewReader(req.Body()))
	if err != nil {
		return nil, err
	}
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r, nil
}

var builders = map[schemas.Method]requestBuilder{
	schemas.MethodGet:     buildQueryRequest,
	schemas.MethodHead:    buildQueryRequest,
	schemas.MethodDelete:  buildQueryRequest,
	schemas.MethodOptions: buildQueryRequest,
	schemas.MethodPost:    buildFormRequest,
	schemas.MethodPut:     buildFormRequest,
	schemas.MethodPatch:   buildFormRequest,
}

// Transport sends request templates over an *http.Client, assigns monotonic
// response ids, measures elapsed time and decodes compressed bodies.
type Transport struct {
	client    *http.Client
	headers   http.Header
	userAgent string
	maxBody   int64
	limiter   *rate.Limiter
	logger    *zap.Logger
	metrics   *observability.Metrics

	nextID atomic.Int64
	sent   atomic.Int64

	mu        sync.RWMutex
	observers []Observer
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

func WithLogger(l *zap.Logger) TransportOption {
	return func(t *Transport) { t.logger = observability.OrNop(l).Named("transport") }
}

func WithMetrics(m *observability.Metrics) TransportOption {
	return func(t *Transport) { t.metrics = m }
}

// WithRateLimiter paces every outbound request, including timing trials.
func WithRateLimiter(l *rate.Limiter) TransportOption {
	return func(t *Transport) { t.limiter = l }
}

// WithHeaders adds headers to every request; template headers take precedence.
func WithHeaders(h map[string]string) TransportOption {
	return func(t *Transport) {
		for k, v := range h {
			t.headers.Set(k, v)
		}
	}
}

func WithUserAgent(ua string) TransportOption {
	return func(t *Transport) { t.userAgent = ua }
}

// WithMaxBodyBytes truncates decoded bodies to n bytes.
func WithMaxBodyBytes(n int64) TransportOption {
	return func(t *Transport) { t.maxBody = n }
}

// NewTransport wraps client. A nil client gets the default scanner client.
func NewTransport(client *http.Client, opts ...TransportOption) *Transport {
	if client == nil {
		client = NewClient(nil)
	}
	t := &Transport{
		client:  client,
		headers: make(http.Header),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Observe registers o for every subsequent response.
func (t *Transport) Observe(o Observer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, o)
}

// Sent returns the number of requests that reached the wire.
func (t *Transport) Sent() int64 { return t.sent.Load() }

// Send executes req. Any failure is returned as a *TransportError.
func (t *Transport) Send(ctx context.Context, req *fuzzer.RequestTemplate) (*schemas.Response, error) {
	fail := func(err error) (*schemas.Response, error) {
		t.metrics.RequestFailed()
		t.logger.Debug("Request failed", zap.String("method", string(req.Method())), zap.String("url", req.URL()), zap.Error(err))
		return nil, &TransportError{Method: req.Method(), URL: req.URL(), Err: err}
	}

	build, ok := builders[req.Method()]
	if !ok {
		return fail(fmt.Errorf("unsupported method %q", req.Method()))
	}
	httpReq, err := build(ctx, req)
	if err != nil {
		return fail(err)
	}
	for k, v := range t.headers {
		httpReq.Header[k] = append([]string(nil), v...)
	}
	for k, v := range req.Headers() {
		httpReq.Header[k] = v
	}
	if t.userAgent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", t.userAgent)
	}
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")

	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return fail(err)
		}
	}

	start := time.Now()
	t.sent.Add(1)
	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return fail(err)
	}
	defer httpResp.Body.Close()

	body, err := readBody(httpResp.Body, httpResp.Header.Get("Content-Encoding"), t.maxBody)
	elapsed := time.Since(start)
	if err != nil {
		return fail(fmt.Errorf("reading body: %w", err))
	}
	// Drain anything past the body limit so the connection can be reused.
	_, _ = io.Copy(io.Discard, httpResp.Body)

	resp := &schemas.Response{
		ID:         t.nextID.Add(1),
		URL:        httpResp.Request.URL.String(),
		Method:     req.Method(),
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Header.Clone(),
		Body:       string(body),
		Elapsed:    elapsed,
	}
	t.metrics.ObserveRequest(string(req.Method()), elapsed)

	t.mu.RLock()
	observers := t.observers
	t.mu.RUnlock()
	for _, o := range observers {
		o(req, resp)
	}
	return resp, nil
}
