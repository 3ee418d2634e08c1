// Package bench measures tool call latency.
package bench

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/sourcegraph/conc/pool"
	"gonum.org/v1/gonum/stat"

	"github.com/MegaGrindStone/go-mcp-probe"
)

// Result summarizes the successful calls of a benchmark. Latencies are in milliseconds.
type Result struct {
	ToolName      string    `yaml:"tool_name"`
	Iterations    int       `yaml:"iterations"`
	MinMs         float64   `yaml:"min_ms"`
	MaxMs         float64   `yaml:"max_ms"`
	MeanMs        float64   `yaml:"mean_ms"`
	MedianMs      float64   `yaml:"median_ms"`
	StdDevMs      float64   `yaml:"stddev_ms"`
	P95Ms         float64   `yaml:"p95_ms"`
	P99Ms         float64   `yaml:"p99_ms"`
	ThroughputRPS float64   `yaml:"throughput_rps"`
	ErrorCount    int       `yaml:"error_count"`
	Timestamp     time.Time `yaml:"timestamp"`
}

// Caller invokes tools, *mcp.Client satisfies it.
type Caller interface {
	CallTool(ctx context.Context, name string, arguments map[string]any, options ...mcp.CallOption) mcp.ToolCallOutcome
}

// Options configures Run.
type Options struct {
	Tool      string
	Arguments map[string]any
	// Warmup calls run sequentially before measuring and are not recorded.
	Warmup     int
	Iterations int
	// Concurrency bounds the calls in flight, 1 when zero.
	Concurrency int
	// Timeout bounds every call, the client's timeout applies when zero.
	Timeout time.Duration
	Logger  *slog.Logger
}

// ErrNoTimings reports a benchmark without a single successful call.
var ErrNoTimings = errors.New("no timings recorded")

// FromTimings computes the statistics of timings. Percentiles pick the sorted sample at index
// n*p, throughput is the inverse of the mean latency.
func FromTimings(toolName string, timings []time.Duration, errorCount int) (Result, error) {
	if len(timings) == 0 {
		return Result{}, ErrNoTimings
	}

	ms := make([]float64, len(timings))
	for i, d := range timings {
		ms[i] = float64(d) / float64(time.Millisecond)
	}
	slices.Sort(ms)
	n := len(ms)

	mean, stdDev := stat.MeanStdDev(ms, nil)
	if n == 1 {
		stdDev = 0
	}

	res := Result{
		ToolName:   toolName,
		Iterations: n,
		MinMs:      ms[0],
		MaxMs:      ms[n-1],
		MeanMs:     mean,
		MedianMs:   median(ms),
		StdDevMs:   stdDev,
		P95Ms:      percentile(ms, 0.95),
		P99Ms:      percentile(ms, 0.99),
		ErrorCount: errorCount,
		Timestamp:  time.Now(),
	}
	if mean > 0 {
		res.ThroughputRPS = 1000 / mean
	}
	return res, nil
}

// Run benchmarks a tool through caller. Failed calls are counted in ErrorCount and left out of the
// statistics. It returns an error wrapping ErrNoTimings when every call failed.
func Run(ctx context.Context, caller Caller, opts Options) (Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := max(opts.Concurrency, 1)

	var callOpts []mcp.CallOption
	if opts.Timeout > 0 {
		callOpts = append(callOpts, mcp.WithCallTimeout(opts.Timeout))
	}

	for i := range opts.Warmup {
		outcome := caller.CallTool(ctx, opts.Tool, opts.Arguments, callOpts...)
		if !outcome.Success {
			logger.Warn("warmup call failed", slog.Int("iteration", i), slog.String("err", outcome.ErrorMessage))
		}
	}

	p := pool.NewWithResults[mcp.ToolCallOutcome]().WithMaxGoroutines(concurrency)
	for range opts.Iterations {
		p.Go(func() mcp.ToolCallOutcome {
			return caller.CallTool(ctx, opts.Tool, opts.Arguments, callOpts...)
		})
	}
	outcomes := p.Wait()

	var (
		timings   []time.Duration
		errCount  int
		lastError string
	)
	for _, outcome := range outcomes {
		if !outcome.Success {
			errCount++
			lastError = outcome.ErrorMessage
			continue
		}
		timings = append(timings, outcome.Duration)
	}

	res, err := FromTimings(opts.Tool, timings, errCount)
	if err != nil {
		return Result{ToolName: opts.Tool, ErrorCount: errCount},
			fmt.Errorf("failed to benchmark %s: %w: %s", opts.Tool, err, lastError)
	}

	logger.Info("benchmark finished",
		slog.String("tool", opts.Tool),
		slog.Int("iterations", res.Iterations),
		slog.Int("errors", errCount),
		slog.Float64("meanMs", res.MeanMs),
		slog.Float64("p95Ms", res.P95Ms))

	return res, nil
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	return sorted[min(int(float64(n)*p), n-1)]
}
