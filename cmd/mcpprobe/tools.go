package main

import (
	"fmt"

	"github.com/gobwas/glob"
	"github.com/spf13/cobra"
)

func newToolsCommand(a *app) *cobra.Command {
	var (
		noCache bool
		match   string
	)

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools offered by the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var matcher glob.Glob
			if match != "" {
				var err error
				if matcher, err = glob.Compile(match); err != nil {
					return fmt.Errorf("invalid --match pattern %q: %w", match, err)
				}
			}

			client, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			tools, err := client.ListTools(cmd.Context(), !noCache)
			if err != nil {
				return err
			}
			a.logger.Info("tools listed", "count", len(tools))

			views := make([]toolView, 0, len(tools))
			for _, tool := range tools {
				if matcher != nil && !matcher.Match(tool.Name) {
					continue
				}
				views = append(views, newToolView(tool))
			}
			if err := printYAML(cmd.OutOrStdout(), views); err != nil {
				return fmt.Errorf("failed to print tools: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noCache, "no-cache", false, "always request the list from the server")
	cmd.Flags().StringVar(&match, "match", "", "only print tools whose name matches this glob, e.g. 'search*'")

	return cmd
}
