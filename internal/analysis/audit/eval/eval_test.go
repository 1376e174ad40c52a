package eval

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-audit/api/schemas"
	"github.com/xkilldash9x/scalpel-audit/internal/analysis/core"
	"github.com/xkilldash9x/scalpel-audit/internal/dispatch"
	"github.com/xkilldash9x/scalpel-audit/internal/fuzzer"
	"github.com/xkilldash9x/scalpel-audit/internal/kb"
	"github.com/xkilldash9x/scalpel-audit/internal/network"
	"github.com/xkilldash9x/scalpel-audit/internal/timing"
)

var echoPHP = regexp.MustCompile(`^echo str_repeat\('([a-z]+)',5\);$`)

func newAuditContext(t *testing.T, sender network.Sender, rawURL string) *core.AuditContext {
	t.Helper()
	tmpl, err := fuzzer.ParseTemplate(schemas.MethodGet, rawURL, "", nil)
	require.NoError(t, err)
	baseline, err := sender.Send(context.Background(), tmpl)
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	return &core.AuditContext{
		Template:   tmpl,
		Baseline:   baseline,
		Sender:     sender,
		Store:      kb.New(kb.WithLogger(logger)),
		Dispatcher: dispatch.New(4, logger),
		Oracle: timing.NewOracle(sender, timing.Config{
			Magnitude: 3, CalibrationSamples: 3, MinTolerance: time.Second, StdDevFactor: 3,
		}, logger, nil),
		Logger: logger,
	}
}

func echoOnly(t *testing.T, p *Plugin) {
	t.Helper()
	require.NoError(t, p.SetOptions(map[string]string{OptUseTimeDelay: "false"}))
}

func TestPluginDescription(t *testing.T) {
	p := New(nil)
	assert.Equal(t, "eval", p.Name())
	assert.Equal(t, core.TypeAudit, p.Type())
	assert.Empty(t, p.Dependencies())
	assert.Len(t, p.Marker(), 5)
	assert.True(t, p.Options().Bool(OptUseEcho))
	assert.True(t, p.Options().Bool(OptUseTimeDelay))
	assert.NotEmpty(t, p.LongDescription())
}

func TestEcho_PHPEvalIsDetected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>hello "))
		if m := echoPHP.FindStringSubmatch(r.URL.Query().Get("code")); m != nil {
			_, _ = w.Write([]byte(strings.Repeat(m[1], 5)))
		}
		_, _ = w.Write([]byte("</html>"))
	}))
	defer srv.Close()

	p := New(zaptest.NewLogger(t))
	echoOnly(t, p)
	ac := newAuditContext(t, network.NewTransport(srv.Client()), srv.URL+"/eval.php?code=1&name=bob")

	require.NoError(t, p.Audit(context.Background(), ac))

	findings := ac.Store.Get(Name, Category)
	require.Len(t, findings, 1)
	f := findings[0]
	assert.Equal(t, "code", f.Var)
	assert.Equal(t, "echo str_repeat('"+p.Marker()+"',5);", f.Payload)
	assert.Equal(t, schemas.SeverityHigh, f.Severity)
	assert.Equal(t, "eval() input injection vulnerability", f.VulnerabilityName)
	assert.Equal(t, srv.URL+"/eval.php", f.Target)
	assert.Len(t, f.ResponseIDs, 1)
	assert.Equal(t, []string{strings.Repeat(p.Marker(), 5)}, f.Highlight)
	assert.Contains(t, f.Description, `The modified parameter was "code"`)
	assert.True(t, ac.Store.IsConfirmed(Name, Category, "GET "+srv.URL+"/eval.php code"))
}

func TestEcho_MarkerInBaselineIsNotReported(t *testing.T) {
	const marker = "hello"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The page always shows the repeated text, so reflection proves nothing.
		_, _ = w.Write([]byte("HELLOhellohellohellohello"))
	}))
	defer srv.Close()

	p := New(zaptest.NewLogger(t), WithMarker(marker))
	echoOnly(t, p)
	ac := newAuditContext(t, network.NewTransport(srv.Client()), srv.URL+"/?q=1")

	require.NoError(t, p.Audit(context.Background(), ac))
	assert.False(t, ac.Store.Has(Name, Category))
}

func TestEcho_OneFindingPerRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, v := range r.URL.Query() {
			if m := echoPHP.FindStringSubmatch(v[0]); m != nil {
				_, _ = w.Write([]byte(strings.Repeat(m[1], 5)))
			}
		}
	}))
	defer srv.Close()

	p := New(zaptest.NewLogger(t))
	echoOnly(t, p)
	ac := newAuditContext(t, network.NewTransport(srv.Client()), srv.URL+"/?a=1&b=2&c=3")

	require.NoError(t, p.Audit(context.Background(), ac))
	assert.Len(t, ac.Store.Get(Name, Category), 1)
}

func TestEcho_NoInjectionPoints(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	p := New(zaptest.NewLogger(t))
	echoOnly(t, p)
	ac := newAuditContext(t, network.NewTransport(srv.Client()), srv.URL+"/static")

	require.NoError(t, p.Audit(context.Background(), ac))
	assert.EqualValues(t, 1, hits.Load(), "only the baseline is sent")
}

// delaySender simulates a PHP eval on one parameter: sleep(N) costs N seconds.
type delaySender struct {
	param  string
	sleep  *regexp.Regexp
	nextID atomic.Int64
	sent   atomic.Int64
}

func (d *delaySender) Send(_ context.Context, req *fuzzer.RequestTemplate) (*schemas.Response, error) {
	d.sent.Add(1)
	elapsed := 60 * time.Millisecond
	if p, ok := req.Param(d.param); ok && d.sleep != nil {
		if m := d.sleep.FindStringSubmatch(p.Value); m != nil {
			n, _ := strconv.Atoi(m[1])
			elapsed += time.Duration(n) * time.Second
		}
	}
	return &schemas.Response{ID: d.nextID.Add(1), URL: req.URL(), Method: req.Method(), StatusCode: 200, Elapsed: elapsed}, nil
}

func TestTimeDelay_ControlledSleepIsReported(t *testing.T) {
	sender := &delaySender{param: "cmd", sleep: regexp.MustCompile(`^sleep\((\d+)\);$`)}
	p := New(zaptest.NewLogger(t))
	require.NoError(t, p.SetOptions(map[string]string{OptUseEcho: "false"}))
	ac := newAuditContext(t, sender, "http://target.test/run.php?id=4&cmd=x")

	require.NoError(t, p.Audit(context.Background(), ac))

	findings := ac.Store.Get(Name, Category)
	require.Len(t, findings, 1)
	f := findings[0]
	assert.Equal(t, "cmd", f.Var)
	assert.Equal(t, "sleep(3);", f.Payload)
	assert.Len(t, f.ResponseIDs, 2)
	technique, ok := f.Attributes.Get("technique")
	require.True(t, ok)
	assert.Equal(t, "php_sleep", technique)

	assert.True(t, ac.Store.IsConfirmed(Name, Category, "GET http://target.test/run.php cmd"))
}

func TestTimeDelay_FakeMutantOnParameterlessPage(t *testing.T) {
	sender := &delaySender{}
	p := New(zaptest.NewLogger(t))
	ac := newAuditContext(t, sender, "http://target.test/index.php")

	require.NoError(t, p.Audit(context.Background(), ac))
	assert.False(t, ac.Store.Has(Name, Category))
	assert.Equal(t, kb.StateClean, ac.Store.State(Name, Category, "GET http://target.test/index.php "))
	// baseline + one calibration of 3 and a single missed trial per family
	assert.EqualValues(t, 1+4*(3+1), sender.sent.Load())
}

func TestTimeDelay_SkippedOnceConfirmed(t *testing.T) {
	sender := &delaySender{}
	p := New(zaptest.NewLogger(t))
	require.NoError(t, p.SetOptions(map[string]string{OptUseEcho: "false"}))
	ac := newAuditContext(t, sender, "http://target.test/run.php?cmd=x")
	ac.Store.Transition(Name, Category, "GET http://target.test/run.php cmd", kb.StateConfirmed)

	before := sender.sent.Load()
	require.NoError(t, p.Audit(context.Background(), ac))
	assert.Equal(t, before, sender.sent.Load())
}

func TestTimeDelay_RunsAfterEarlierFinding(t *testing.T) {
	sender := &delaySender{param: "cmd", sleep: regexp.MustCompile(`^sleep\((\d+)\);$`)}
	p := New(zaptest.NewLogger(t))
	require.NoError(t, p.SetOptions(map[string]string{OptUseEcho: "false"}))
	ac := newAuditContext(t, sender, "http://target.test/run.php?cmd=x")
	ac.Store.AppendUnique(Name, Category, schemas.Finding{Target: "http://target.test/run.php", Var: "other"})

	before := sender.sent.Load()
	require.NoError(t, p.Audit(context.Background(), ac))
	assert.Greater(t, sender.sent.Load(), before, "timing runs even when the category already has a finding")
	assert.True(t, ac.Store.IsConfirmed(Name, Category, "GET http://target.test/run.php cmd"))

	findings := ac.Store.Get(Name, Category)
	require.Len(t, findings, 1, "one eval finding per run")
	assert.Equal(t, "other", findings[0].Var)
}

func TestTimeDelay_NoOracle(t *testing.T) {
	sender := &delaySender{}
	p := New(zaptest.NewLogger(t))
	require.NoError(t, p.SetOptions(map[string]string{OptUseEcho: "false"}))
	ac := newAuditContext(t, sender, "http://target.test/run.php?cmd=x")
	ac.Oracle = nil

	require.NoError(t, p.Audit(context.Background(), ac))
	assert.EqualValues(t, 1, sender.sent.Load())
}
