package timing

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-audit/api/schemas"
	"github.com/xkilldash9x/scalpel-audit/internal/fuzzer"
	"github.com/xkilldash9x/scalpel-audit/internal/network"
	"github.com/xkilldash9x/scalpel-audit/internal/observability"
)

var (
	phpSleep    = DelayTechnique{Name: "php_sleep", Family: "php", Template: "sleep(%s);", Multiplier: 1}
	pythonSleep = DelayTechnique{Name: "python_sleep", Family: "python", Template: "__import__('time').sleep(%s)", Multiplier: 1}
	javaSleep   = DelayTechnique{Name: "java_sleep", Family: "java", Template: "Thread.sleep(%s);", Multiplier: 1000}
)

// simulatedTarget evaluates the value of one parameter. Payloads matching
// honour are "executed": the captured number is divided by unit and added to
// the base latency.
type simulatedTarget struct {
	param  string
	base   time.Duration
	honour *regexp.Regexp
	unit   int
	fail   func(value string) error

	mu     sync.Mutex
	values []string
	nextID atomic.Int64
}

func (s *simulatedTarget) Send(_ context.Context, req *fuzzer.RequestTemplate) (*schemas.Response, error) {
	p, _ := req.Param(s.param)
	s.mu.Lock()
	s.values = append(s.values, p.Value)
	s.mu.Unlock()

	if s.fail != nil {
		if err := s.fail(p.Value); err != nil {
			return nil, &network.TransportError{URL: req.URL(), Err: err}
		}
	}

	elapsed := s.base
	if s.honour != nil {
		if m := s.honour.FindStringSubmatch(p.Value); m != nil {
			n, _ := strconv.Atoi(m[1])
			unit := s.unit
			if unit == 0 {
				unit = 1
			}
			elapsed += time.Duration(n) * time.Second / time.Duration(unit)
		}
	}
	return &schemas.Response{
		ID:         s.nextID.Add(1),
		URL:        req.URL(),
		Method:     req.Method(),
		StatusCode: 200,
		Elapsed:    elapsed,
	}, nil
}

func (s *simulatedTarget) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.values...)
}

func targetMutant(t *testing.T) *fuzzer.Mutant {
	t.Helper()
	tmpl, err := fuzzer.ParseTemplate(schemas.MethodGet, "http://target.test/eval.php?code=1&page=home", "", nil)
	require.NoError(t, err)
	mutants, err := fuzzer.Generate(tmpl, []string{"code"}, []string{""}, nil)
	require.NoError(t, err)
	require.Len(t, mutants, 1)
	return mutants[0]
}

func newTestOracle(t *testing.T, sender network.Sender, metrics *observability.Metrics) *Oracle {
	return NewOracle(sender, Config{Magnitude: 3, CalibrationSamples: 3, MinTolerance: time.Second, StdDevFactor: 3}, zaptest.NewLogger(t), metrics)
}

func TestMeasure_ControlledDelay(t *testing.T) {
	target := &simulatedTarget{param: "code", base: 80 * time.Millisecond, honour: regexp.MustCompile(`^sleep\((\d+)\);$`)}
	oracle := newTestOracle(t, target, nil)

	result, err := oracle.Measure(context.Background(), targetMutant(t), "", []DelayTechnique{phpSleep}, false)
	require.NoError(t, err)

	assert.True(t, result.Controlled)
	require.NotNil(t, result.Technique)
	assert.Equal(t, "php_sleep", result.Technique.Name)
	require.Len(t, result.Evidence, 2)
	assert.Equal(t, 3*time.Second+80*time.Millisecond, result.Evidence[0].Elapsed)
	assert.Equal(t, 6*time.Second+80*time.Millisecond, result.Evidence[1].Elapsed)
	assert.Equal(t, []int64{4, 5}, result.ResponseIDs())

	assert.Equal(t, []string{"sleep(0);", "sleep(0);", "sleep(0);", "sleep(3);", "sleep(6);"}, target.sent())

	require.Len(t, result.Attempts, 1)
	attempt := result.Attempts[0]
	assert.Equal(t, Controlled, attempt.Outcome)
	assert.Equal(t, 80*time.Millisecond, attempt.Baseline.Mean)
	for _, trial := range attempt.Trials {
		assert.True(t, trial.InBand())
	}
}

func TestMeasure_ConstantLatencyIsNotControlled(t *testing.T) {
	target := &simulatedTarget{param: "code", base: 200 * time.Millisecond}
	oracle := newTestOracle(t, target, nil)

	result, err := oracle.Measure(context.Background(), targetMutant(t), "", []DelayTechnique{phpSleep, pythonSleep}, false)
	require.NoError(t, err)

	assert.False(t, result.Controlled)
	assert.Nil(t, result.Technique)
	assert.Empty(t, result.Evidence)
	require.Len(t, result.Attempts, 2)
	for _, attempt := range result.Attempts {
		assert.Equal(t, NotControlled, attempt.Outcome)
		// The first trial already misses its band, so the 2N trial is not sent.
		assert.Len(t, attempt.Trials, 1)
	}
	assert.Len(t, target.sent(), 2*(3+1))
}

func TestMeasure_DelayMustScale(t *testing.T) {
	// Sleeps a fixed 3s regardless of the requested duration.
	target := &simulatedTarget{param: "code", base: 50 * time.Millisecond, honour: regexp.MustCompile(`^sleep\(([1-9]\d*)\);$`)}
	oracle := newTestOracle(t, network.SenderFunc(func(ctx context.Context, req *fuzzer.RequestTemplate) (*schemas.Response, error) {
		resp, err := target.Send(ctx, req)
		if err == nil && resp.Elapsed > 3*time.Second {
			resp.Elapsed = 3*time.Second + 50*time.Millisecond
		}
		return resp, err
	}), nil)

	result, err := oracle.Measure(context.Background(), targetMutant(t), "", []DelayTechnique{phpSleep}, false)
	require.NoError(t, err)
	assert.False(t, result.Controlled)
	require.Len(t, result.Attempts, 1)
	require.Len(t, result.Attempts[0].Trials, 2)
	assert.True(t, result.Attempts[0].Trials[0].InBand())
	assert.False(t, result.Attempts[0].Trials[1].InBand())
}

func TestMeasure_FirstPassingTechniqueWins(t *testing.T) {
	target := &simulatedTarget{
		param:  "code",
		base:   30 * time.Millisecond,
		honour: regexp.MustCompile(`^Thread\.sleep\((\d+)\);$`),
		unit:   1000,
	}
	metrics := observability.NewMetrics("timingtest")
	oracle := newTestOracle(t, target, metrics)

	result, err := oracle.Measure(context.Background(), targetMutant(t), "", []DelayTechnique{phpSleep, javaSleep, pythonSleep}, false)
	require.NoError(t, err)

	assert.True(t, result.Controlled)
	assert.Equal(t, "java_sleep", result.Technique.Name)
	require.Len(t, result.Attempts, 2, "techniques after the first success are not tried")
	assert.Equal(t, NotControlled, result.Attempts[0].Outcome)
	assert.Equal(t, Controlled, result.Attempts[1].Outcome)

	for _, v := range target.sent() {
		assert.NotContains(t, v, "import", "python technique must not be attempted")
	}
	assert.Equal(t, "Thread.sleep(3000);", result.Attempts[1].Trials[0].Payload)
	assert.Equal(t, "Thread.sleep(6000);", result.Attempts[1].Trials[1].Payload)

	count, err := testutil.GatherAndCount(metrics.Registry(), "timingtest_timing_trials_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestMeasure_TransportErrorIsInconclusive(t *testing.T) {
	target := &simulatedTarget{
		param:  "code",
		base:   40 * time.Millisecond,
		honour: regexp.MustCompile(`^sleep\((\d+)\);$`),
		fail: func(value string) error {
			if strings.HasPrefix(value, "Thread.sleep(3") {
				return errors.New("connection reset by peer")
			}
			return nil
		},
	}
	oracle := newTestOracle(t, target, nil)

	result, err := oracle.Measure(context.Background(), targetMutant(t), "", []DelayTechnique{javaSleep, phpSleep}, false)
	require.NoError(t, err)

	require.Len(t, result.Attempts, 2)
	assert.Equal(t, Inconclusive, result.Attempts[0].Outcome)
	assert.ErrorIs(t, result.Attempts[0].Err, network.ErrTransport)
	assert.True(t, result.Controlled)
	assert.Equal(t, "php_sleep", result.Technique.Name)
}

func TestMeasure_CalibrationFailureIsInconclusive(t *testing.T) {
	target := &simulatedTarget{
		param: "code",
		fail:  func(string) error { return errors.New("i/o timeout") },
	}
	oracle := newTestOracle(t, target, nil)

	result, err := oracle.Measure(context.Background(), targetMutant(t), "", []DelayTechnique{phpSleep}, false)
	require.NoError(t, err)
	assert.False(t, result.Controlled)
	require.Len(t, result.Attempts, 1)
	assert.Equal(t, Inconclusive, result.Attempts[0].Outcome)
	assert.Empty(t, result.Attempts[0].Trials)
	assert.Len(t, target.sent(), 1, "calibration stops at the first failed sample")
}

func TestMeasure_AlreadyConfirmedSendsNothing(t *testing.T) {
	target := &simulatedTarget{param: "code"}
	oracle := newTestOracle(t, target, nil)

	result, err := oracle.Measure(context.Background(), targetMutant(t), "", []DelayTechnique{phpSleep}, true)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.False(t, result.Controlled)
	assert.Empty(t, target.sent())
}

func TestMeasure_NoTechniques(t *testing.T) {
	oracle := newTestOracle(t, &simulatedTarget{param: "code"}, nil)
	_, err := oracle.Measure(context.Background(), targetMutant(t), "", nil, false)
	assert.ErrorIs(t, err, ErrNoTechniques)
}

func TestMeasure_BaselineReuse(t *testing.T) {
	phpUsleep := DelayTechnique{Name: "php_usleep", Family: "php", Template: "usleep(%s);", Multiplier: 1000000}

	t.Run("PerFamily", func(t *testing.T) {
		target := &simulatedTarget{param: "code", base: 10 * time.Millisecond}
		oracle := newTestOracle(t, target, nil)

		_, err := oracle.Measure(context.Background(), targetMutant(t), "", []DelayTechnique{phpSleep, phpUsleep, pythonSleep}, false)
		require.NoError(t, err)

		calibrations := 0
		for _, v := range target.sent() {
			if strings.Contains(v, "(0)") {
				calibrations++
			}
		}
		// php is calibrated once and shared by both php techniques.
		assert.Equal(t, 2*3, calibrations)
	})

	t.Run("SharedCalibrationPayload", func(t *testing.T) {
		target := &simulatedTarget{param: "code", base: 10 * time.Millisecond}
		oracle := newTestOracle(t, target, nil)

		_, err := oracle.Measure(context.Background(), targetMutant(t), "1", []DelayTechnique{phpSleep, javaSleep, pythonSleep}, false)
		require.NoError(t, err)

		calibrations := 0
		for _, v := range target.sent() {
			if v == "1" {
				calibrations++
			}
		}
		assert.Equal(t, 3, calibrations)
	})
}

func TestMeasure_JitterWidensTolerance(t *testing.T) {
	latencies := []time.Duration{100 * time.Millisecond, 900 * time.Millisecond, 1700 * time.Millisecond}
	var calls atomic.Int32
	inner := &simulatedTarget{param: "code", honour: regexp.MustCompile(`^sleep\((\d+)\);$`)}
	sender := network.SenderFunc(func(ctx context.Context, req *fuzzer.RequestTemplate) (*schemas.Response, error) {
		resp, err := inner.Send(ctx, req)
		if err != nil {
			return nil, err
		}
		if n := calls.Add(1); n <= 3 {
			resp.Elapsed = latencies[n-1]
		}
		return resp, nil
	})
	oracle := newTestOracle(t, sender, nil)

	result, err := oracle.Measure(context.Background(), targetMutant(t), "", []DelayTechnique{phpSleep}, false)
	require.NoError(t, err)
	require.Len(t, result.Attempts, 1)

	baseline := result.Attempts[0].Baseline
	require.Greater(t, time.Duration(3*float64(baseline.StdDev)), time.Second)
	trial := result.Attempts[0].Trials[0]
	assert.Equal(t, baseline.Max+3*time.Second+time.Duration(3*float64(baseline.StdDev)), trial.Upper)
}

func TestMeasure_CancelledContext(t *testing.T) {
	target := &simulatedTarget{param: "code"}
	oracle := newTestOracle(t, target, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := oracle.Measure(ctx, targetMutant(t), "", []DelayTechnique{phpSleep}, false)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, target.sent())
}

func TestMeasure_FakeMutant(t *testing.T) {
	tmpl, err := fuzzer.ParseTemplate(schemas.MethodGet, "http://target.test/", "", nil)
	require.NoError(t, err)
	mutants, err := fuzzer.Generate(tmpl, nil, []string{""}, nil)
	require.NoError(t, err)
	require.True(t, mutants[0].IsFake())

	var sent atomic.Int32
	sender := network.SenderFunc(func(_ context.Context, req *fuzzer.RequestTemplate) (*schemas.Response, error) {
		sent.Add(1)
		assert.Equal(t, "http://target.test/", req.URL())
		return &schemas.Response{ID: int64(sent.Load()), Elapsed: 20 * time.Millisecond}, nil
	})
	oracle := newTestOracle(t, sender, nil)

	result, err := oracle.Measure(context.Background(), mutants[0], "", []DelayTechnique{phpSleep}, false)
	require.NoError(t, err)
	assert.False(t, result.Controlled)
	assert.EqualValues(t, 4, sent.Load())
}
