package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/MegaGrindStone/go-mcp-probe"
)

type logWatcher struct {
	logger *slog.Logger
}

func (w logWatcher) OnEvent(ev mcp.Event) {
	w.logger.Debug("event received", slog.String("kind", ev.Kind.String()), slog.Int("size", len(ev.Data)))
}

func (w logWatcher) OnStreamError(err error) {
	w.logger.Error("stream error", slog.String("err", err.Error()))
}

func (w logWatcher) OnDisconnect() {
	w.logger.Warn("stream disconnected")
}

func newListenCommand(a *app) *cobra.Command {
	var (
		maxEvents   int
		heartbeats  bool
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Follow the event stream, reconnecting when it drops",
		Long: `Listen opens the event stream and prints every event as a YAML document. When the
stream drops it reconnects with exponential backoff, as configured in the stability
section, and gives up once the attempts are exhausted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if metricsAddr != "" {
				srv := &http.Server{
					Addr:              metricsAddr,
					Handler:           promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
					ReadHeaderTimeout: 15 * time.Second,
				}
				go func() {
					a.logger.Info("serving metrics", slog.String("addr", metricsAddr))
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.logger.Error("metrics server failed", slog.String("err", err.Error()))
					}
				}()
				defer func() {
					shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer shutdownCancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			transport := a.newTransport(mcp.WithSSETransportWatcher(logWatcher{logger: a.logger}))
			defer transport.Close()

			reconnector := mcp.NewReconnector(transport, a.cfg.ReconnectPolicy(),
				mcp.WithReconnectorLogger(a.logger),
				mcp.WithReconnectorMetrics(a.metrics))

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()

			printed := 0
			for ev, err := range reconnector.Listen(ctx) {
				if err != nil {
					return err
				}
				if ev.Kind == mcp.EventHeartbeat && !heartbeats {
					continue
				}
				if err := enc.Encode(newEventView(ev)); err != nil {
					return fmt.Errorf("failed to encode event: %w", err)
				}
				printed++
				if maxEvents > 0 && printed >= maxEvents {
					break
				}
			}

			a.logger.Info("stopped listening",
				slog.Int("events", printed),
				slog.Int("reconnects", reconnector.Reconnects()))
			return nil
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&maxEvents, "max-events", 0, "stop after printing this many events (0 means no limit)")
	flags.BoolVar(&heartbeats, "heartbeats", false, "print heartbeat events too")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	return cmd
}
