package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/MegaGrindStone/go-mcp-probe"
)

func newHealthCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Connect, list tools and report whether the server is healthy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := a.newClient()
			defer client.Close()

			report := client.HealthCheck(cmd.Context())
			if err := printYAML(cmd.OutOrStdout(), newHealthView(report)); err != nil {
				return err
			}

			if report.Status != mcp.HealthStatusHealthy {
				return errors.New("server is unhealthy")
			}
			return nil
		},
	}
}
