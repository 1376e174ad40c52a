// Package dispatch sends batches of mutants with bounded parallelism.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/scalpel-audit/api/schemas"
	"github.com/xkilldash9x/scalpel-audit/internal/fuzzer"
	"github.com/xkilldash9x/scalpel-audit/internal/observability"
)

// DefaultConcurrency is used when a non-positive concurrency is configured.
const DefaultConcurrency = 10

// SendFunc sends one mutant and returns its response.
type SendFunc func(ctx context.Context, m *fuzzer.Mutant) (*schemas.Response, error)

// AnalyzeFunc inspects the response to one mutant. It runs concurrently with
// other AnalyzeFuncs and must synchronize any shared state it touches.
type AnalyzeFunc func(ctx context.Context, m *fuzzer.Mutant, resp *schemas.Response)

// Summary counts what happened to a batch.
type Summary struct {
	Total    int
	Analyzed int
	Failed   int
	Duration time.Duration
}

// Dispatcher runs mutant batches over a fixed-size worker pool.
type Dispatcher struct {
	concurrency int
	logger      *zap.Logger
}

// New creates a Dispatcher allowing at most concurrency in-flight mutants.
func New(concurrency int, logger *zap.Logger) *Dispatcher {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Dispatcher{
		concurrency: concurrency,
		logger:      observability.OrNop(logger).Named("dispatcher"),
	}
}

// Concurrency returns the worker pool size.
func (d *Dispatcher) Concurrency() int { return d.concurrency }

// Dispatch sends every mutant through send and calls analyze once per
// successful response, in completion order. A failed send is logged and the
// mutant skipped; it never affects the rest of the batch. Dispatch returns
// once every mutant has been analyzed or skipped. There is no mid-batch
// cancellation: a cancelled ctx only makes the remaining sends fail fast.
func (d *Dispatcher) Dispatch(ctx context.Context, mutants []*fuzzer.Mutant, send SendFunc, analyze AnalyzeFunc) Summary {
	start := time.Now()
	var analyzed, failed atomic.Int64

	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for _, m := range mutants {
		g.Go(func() error {
			resp, err := send(ctx, m)
			if err != nil {
				failed.Add(1)
				d.logger.Warn("Mutant send failed, skipping",
					zap.String("mutant", m.ID()),
					zap.String("url", m.Request().BaseURL()),
					zap.Error(err))
				return nil
			}
			if err := d.safeAnalyze(ctx, analyze, m, resp); err != nil {
				d.logger.Error("Analysis panicked", zap.String("mutant", m.ID()), zap.Error(err))
			}
			analyzed.Add(1)
			return nil
		})
	}
	// Workers never return errors; Wait is the batch barrier.
	_ = g.Wait()

	summary := Summary{
		Total:    len(mutants),
		Analyzed: int(analyzed.Load()),
		Failed:   int(failed.Load()),
		Duration: time.Since(start),
	}
	d.logger.Debug("Batch complete",
		zap.Int("total", summary.Total),
		zap.Int("analyzed", summary.Analyzed),
		zap.Int("failed", summary.Failed),
		zap.Duration("duration", summary.Duration))
	return summary
}

// safeAnalyze converts a panic in one analysis into an error so the batch survives.
func (d *Dispatcher) safeAnalyze(ctx context.Context, analyze AnalyzeFunc, m *fuzzer.Mutant, resp *schemas.Response) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	analyze(ctx, m, resp)
	return nil
}
