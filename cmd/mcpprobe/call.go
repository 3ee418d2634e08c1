package main

import (
	"fmt"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"

	"github.com/MegaGrindStone/go-mcp-probe"
)

func newCallCommand(a *app) *cobra.Command {
	var (
		rawArgs     string
		timeout     time.Duration
		repeat      int
		concurrency int
		validate    bool
		expect      string
	)

	cmd := &cobra.Command{
		Use:   "call <tool>",
		Short: "Call a tool and print the outcome",
		Long: `Call invokes a tool with JSON arguments. With --repeat the call is issued several
times over the same session, --concurrency of them in flight at once.

Example:
  mcpprobe call searchDocs --args '{"query":"virtual threads"}'
  mcpprobe call listVersions --repeat 20 --concurrency 5
  mcpprobe call echo --args '{"message":"hi"}' --expect hi`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			arguments, err := parseArguments(rawArgs)
			if err != nil {
				return err
			}

			var clientOpts []mcp.ClientOption
			if validate {
				clientOpts = append(clientOpts, mcp.WithClientArgumentValidation())
			}
			client, err := a.connect(cmd.Context(), clientOpts...)
			if err != nil {
				return err
			}
			defer client.Close()

			if validate {
				if _, err := client.ListTools(cmd.Context(), true); err != nil {
					return err
				}
			}

			var opts []mcp.CallOption
			if timeout > 0 {
				opts = append(opts, mcp.WithCallTimeout(timeout))
			}

			p := pool.NewWithResults[mcp.ToolCallOutcome]().WithMaxGoroutines(max(concurrency, 1))
			for range max(repeat, 1) {
				p.Go(func() mcp.ToolCallOutcome {
					return client.CallTool(cmd.Context(), name, arguments, opts...)
				})
			}
			outcomes := p.Wait()

			views := make([]outcomeView, 0, len(outcomes))
			failed := 0
			for _, outcome := range outcomes {
				v := newOutcomeView(outcome)
				if cmd.Flags().Changed("expect") && outcome.Success && v.Text != expect {
					v.Diff = textDiff(expect, v.Text)
				}
				if !outcome.Success || v.Diff != "" {
					failed++
				}
				views = append(views, v)
			}

			var out any = views
			if len(views) == 1 {
				out = views[0]
			}
			if err := printYAML(cmd.OutOrStdout(), out); err != nil {
				return err
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d calls to %s failed", failed, len(outcomes), name)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&rawArgs, "args", "", "tool arguments as a JSON object")
	flags.DurationVar(&timeout, "timeout", 0, "call timeout (defaults to the configured tool timeout)")
	flags.IntVar(&repeat, "repeat", 1, "number of calls")
	flags.IntVar(&concurrency, "concurrency", 1, "calls in flight at once when repeating")
	flags.BoolVar(&validate, "validate", false, "validate arguments against the tool's input schema first")
	flags.StringVar(&expect, "expect", "", "expected text content; a call returning anything else fails with a diff")

	return cmd
}
