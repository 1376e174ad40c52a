package timing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-audit/internal/config"
	"github.com/xkilldash9x/scalpel-audit/internal/fuzzer"
	"github.com/xkilldash9x/scalpel-audit/internal/network"
	"github.com/xkilldash9x/scalpel-audit/internal/observability"
)

// ErrNoTechniques is returned when Measure is called without any technique.
var ErrNoTechniques = errors.New("no delay techniques supplied")

// Config tunes the oracle.
type Config struct {
	// Magnitude is the first requested delay in seconds; the second trial requests twice as much.
	Magnitude int
	// CalibrationSamples is the number of zero-delay requests in a baseline.
	CalibrationSamples int
	// MinTolerance is the smallest half-width of the acceptance band.
	MinTolerance time.Duration
	// StdDevFactor widens the band by this many baseline standard deviations.
	StdDevFactor float64
}

// ConfigFrom converts the timing section of the application config.
func ConfigFrom(c config.TimingConfig) Config {
	return Config{
		Magnitude:          c.Magnitude,
		CalibrationSamples: c.CalibrationSamples,
		MinTolerance:       c.MinTolerance,
		StdDevFactor:       c.StdDevFactor,
	}
}

func (c Config) withDefaults() Config {
	if c.Magnitude <= 0 {
		c.Magnitude = 3
	}
	if c.CalibrationSamples <= 0 {
		c.CalibrationSamples = 3
	}
	if c.MinTolerance <= 0 {
		c.MinTolerance = time.Second
	}
	return c
}

// Oracle runs timing trials through a Sender. Trials for one target are
// strictly sequential; an Oracle may serve several targets concurrently.
type Oracle struct {
	sender  network.Sender
	cfg     Config
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewOracle creates an Oracle.
func NewOracle(sender network.Sender, cfg Config, logger *zap.Logger, metrics *observability.Metrics) *Oracle {
	return &Oracle{
		sender:  sender,
		cfg:     cfg.withDefaults(),
		logger:  observability.OrNop(logger).Named("timing"),
		metrics: metrics,
	}
}

// Measure decides whether the response time of target can be controlled.
//
// When confirmedAlready is true it returns immediately without sending
// anything. Otherwise each technique is tried in order: a baseline is taken
// with zero-delay requests (the calibration payload when one is given, else the
// technique's own zero-delay form; baselines are reused within a family),
// then delays of N and 2N seconds are requested. A technique passes only if
// both elapsed times land inside their tolerance bands. The first passing
// technique wins. Transport errors make a technique inconclusive and the
// next one is tried.
func (o *Oracle) Measure(ctx context.Context, target *fuzzer.Mutant, calibration string, techniques []DelayTechnique, confirmedAlready bool) (Result, error) {
	if confirmedAlready {
		return Result{Skipped: true}, nil
	}
	if len(techniques) == 0 {
		return Result{}, ErrNoTechniques
	}

	logger := o.logger.With(zap.String("target", target.Request().BaseURL()), zap.String("var", target.Var()))
	baselines := make(map[string]Statistics)
	var result Result

	for _, tech := range techniques {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		attempt := o.tryTechnique(ctx, target, calibration, tech, baselines)
		result.Attempts = append(result.Attempts, attempt)
		o.metrics.TimingTrial(tech.Name, attempt.Outcome.String())

		fields := []zap.Field{zap.String("technique", tech.Name), zap.Stringer("outcome", attempt.Outcome)}
		if attempt.Err != nil {
			fields = append(fields, zap.Error(attempt.Err))
		}
		logger.Debug("Delay technique evaluated", fields...)

		if attempt.Outcome == Controlled {
			t := tech
			result.Controlled = true
			result.Technique = &t
			for _, trial := range attempt.Trials {
				result.Evidence = append(result.Evidence, trial.Response)
			}
			return result, nil
		}
	}
	return result, nil
}

func (o *Oracle) tryTechnique(ctx context.Context, target *fuzzer.Mutant, calibration string, tech DelayTechnique, baselines map[string]Statistics) TechniqueResult {
	attempt := TechniqueResult{Technique: tech}

	family := tech.Family
	if calibration != "" {
		family = "\x00calibration"
	}
	baseline, ok := baselines[family]
	if !ok {
		zeroDelay := calibration
		if zeroDelay == "" {
			zeroDelay = tech.Payload(0)
		}
		var err error
		baseline, err = o.calibrate(ctx, target, zeroDelay)
		if err != nil {
			attempt.Err = err
			return attempt
		}
		baselines[family] = baseline
	}
	attempt.Baseline = baseline

	tolerance := o.cfg.MinTolerance
	if spread := time.Duration(o.cfg.StdDevFactor * float64(baseline.StdDev)); spread > tolerance {
		tolerance = spread
	}

	attempt.Outcome = Controlled
	for _, seconds := range []int{o.cfg.Magnitude, 2 * o.cfg.Magnitude} {
		trial, err := o.trial(ctx, target, tech.Payload(seconds), time.Duration(seconds)*time.Second, baseline, tolerance)
		if err != nil {
			attempt.Outcome = Inconclusive
			attempt.Err = err
			return attempt
		}
		attempt.Trials = append(attempt.Trials, trial)
		if !trial.InBand() {
			// A miss on either magnitude is enough; skip the second request.
			attempt.Outcome = NotControlled
			return attempt
		}
	}
	return attempt
}

func (o *Oracle) calibrate(ctx context.Context, target *fuzzer.Mutant, payload string) (Statistics, error) {
	m, err := target.WithPayload(payload)
	if err != nil {
		return Statistics{}, err
	}
	samples := make([]time.Duration, 0, o.cfg.CalibrationSamples)
	for i := 0; i < o.cfg.CalibrationSamples; i++ {
		resp, err := o.sender.Send(ctx, m.Request())
		if err != nil {
			return Statistics{}, fmt.Errorf("calibration request %d: %w", i+1, err)
		}
		samples = append(samples, resp.Elapsed)
	}
	return calculateStatistics(samples), nil
}

func (o *Oracle) trial(ctx context.Context, target *fuzzer.Mutant, payload string, requested time.Duration, baseline Statistics, tolerance time.Duration) (Trial, error) {
	m, err := target.WithPayload(payload)
	if err != nil {
		return Trial{}, err
	}
	resp, err := o.sender.Send(ctx, m.Request())
	if err != nil {
		return Trial{}, fmt.Errorf("delay trial %s: %w", requested, err)
	}
	return Trial{
		Payload:   payload,
		Requested: requested,
		Elapsed:   resp.Elapsed,
		Lower:     baseline.Mean + requested - tolerance,
		Upper:     baseline.Max + requested + tolerance,
		Response:  resp,
	}, nil
}
