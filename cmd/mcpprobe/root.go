package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/MegaGrindStone/go-mcp-probe"
	"github.com/MegaGrindStone/go-mcp-probe/internal/config"
)

type app struct {
	configDir string
	logLevel  string
	logFormat string

	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *mcp.Metrics
}

func newRootCommand(version, commit string) *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "mcpprobe",
		Short: "Probe an MCP server over HTTP+SSE",
		Long: `mcpprobe connects to a Model Context Protocol server over the HTTP+SSE transport and
exercises it: listing and calling tools, checking health, following the event stream and
measuring tool latency.

Configuration is read from default.yaml and local.yaml in the config directory, then from
the MCP_API_KEY, MCP_BASE_URL, MCP_SSE_ENDPOINT, MCP_MESSAGE_ENDPOINT and MCP_AUTH_METHOD
environment variables.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configDir, "config-dir", "config", "directory holding default.yaml and local.yaml")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn or error (overrides config)")
	flags.StringVar(&a.logFormat, "log-format", "", "log format: text or json (overrides config)")

	rootCmd.AddCommand(
		newToolsCommand(a),
		newCallCommand(a),
		newHealthCommand(a),
		newListenCommand(a),
		newBenchCommand(a),
	)

	return rootCmd
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configDir)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	a.cfg = cfg

	level, format := cfg.Logging.Level, cfg.Logging.Format
	if a.logLevel != "" {
		level = a.logLevel
	}
	if a.logFormat != "" {
		format = a.logFormat
	}
	a.logger = newLogger(cmd.ErrOrStderr(), level, format)
	slog.SetDefault(a.logger)

	a.registry = prometheus.NewRegistry()
	metrics, err := mcp.NewMetrics(a.registry)
	if err != nil {
		return err
	}
	a.metrics = metrics

	return nil
}

func (a *app) newTransport(options ...mcp.SSETransportOption) *mcp.SSETransport {
	opts := append([]mcp.SSETransportOption{
		mcp.WithSSETransportLogger(a.logger),
		mcp.WithSSETransportLivenessWindow(a.cfg.LivenessWindow()),
	}, options...)
	return mcp.NewSSETransport(a.cfg.Transport(), &http.Client{}, opts...)
}

func (a *app) newClient(options ...mcp.ClientOption) *mcp.Client {
	opts := append([]mcp.ClientOption{
		mcp.WithClientLogger(a.logger),
		mcp.WithClientMetrics(a.metrics),
		mcp.WithClientReadTimeout(a.cfg.ReadTimeout()),
		mcp.WithClientToolTimeouts(a.cfg.ToolTimeouts()),
	}, options...)
	return mcp.NewClient(mcp.Info{}, a.newTransport(), opts...)
}

// connect returns a ready client, the caller must close it.
func (a *app) connect(ctx context.Context, options ...mcp.ClientOption) (*mcp.Client, error) {
	client := a.newClient(options...)
	if err := client.Connect(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}

	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
	}

	noColor := true
	if f, ok := w.(*os.File); ok {
		if fi, err := f.Stat(); err == nil {
			noColor = fi.Mode()&os.ModeCharDevice == 0
		}
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      lvl,
		TimeFormat: "[15:04:05.000]",
		NoColor:    noColor,
	}))
}

func parseArguments(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := decodeJSON(raw, &args); err != nil {
		return nil, fmt.Errorf("failed to parse --args: %w", err)
	}
	return args, nil
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
