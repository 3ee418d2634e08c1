package main

import (
	"github.com/spf13/cobra"

	"github.com/MegaGrindStone/go-mcp-probe/internal/bench"
)

func newBenchCommand(a *app) *cobra.Command {
	var (
		rawArgs     string
		iterations  int
		warmup      int
		concurrency int
		throughput  bool
	)

	cmd := &cobra.Command{
		Use:   "bench <tool>",
		Short: "Measure the latency of a tool",
		Long: `Bench calls a tool repeatedly over one session and prints latency statistics.
Iterations, warmup calls and concurrency default to the performance section of the
configuration. With --throughput the calls run concurrent_connections at a time.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arguments, err := parseArguments(rawArgs)
			if err != nil {
				return err
			}

			perf := a.cfg.Performance
			if !cmd.Flags().Changed("iterations") {
				iterations = perf.BenchmarkIterations
			}
			if !cmd.Flags().Changed("warmup") {
				warmup = perf.WarmupIterations
			}
			if throughput && !cmd.Flags().Changed("concurrency") {
				concurrency = perf.ConcurrentConnections
			}

			client, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			res, err := bench.Run(cmd.Context(), client, bench.Options{
				Tool:        args[0],
				Arguments:   arguments,
				Warmup:      warmup,
				Iterations:  iterations,
				Concurrency: concurrency,
				Logger:      a.logger,
			})
			if err != nil {
				return err
			}
			return printYAML(cmd.OutOrStdout(), res)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&rawArgs, "args", "", "tool arguments as a JSON object")
	flags.IntVar(&iterations, "iterations", 10, "measured calls")
	flags.IntVar(&warmup, "warmup", 3, "unmeasured calls before measuring")
	flags.IntVar(&concurrency, "concurrency", 1, "calls in flight at once")
	flags.BoolVar(&throughput, "throughput", false, "run the configured number of concurrent calls")

	return cmd
}
