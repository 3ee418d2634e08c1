// Package config loads the probe configuration.
//
// Values are layered, lowest priority first: built-in defaults, default.yaml and local.yaml from the
// configuration directory, then the MCP_* environment variables. String values of the form ${VAR} or
// ${VAR:-fallback} in the YAML files are replaced with the environment variable before the MCP_*
// overrides are applied.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/MegaGrindStone/go-mcp-probe"
)

// Config is the complete probe configuration.
type Config struct {
	Server      Server      `koanf:"mcp_server"`
	Timeouts    Timeouts    `koanf:"timeouts"`
	Stability   Stability   `koanf:"stability"`
	Performance Performance `koanf:"performance"`
	Logging     Logging     `koanf:"logging"`
}

// Server describes how to reach the MCP server.
type Server struct {
	BaseURL         string `koanf:"base_url"`
	SSEEndpoint     string `koanf:"sse_endpoint"`
	MessageEndpoint string `koanf:"message_endpoint"`
	APIKey          string `koanf:"api_key"`
	AuthMethod      string `koanf:"auth_method"`
}

// Timeouts are in milliseconds.
type Timeouts struct {
	Connection        int `koanf:"connection"`
	Read              int `koanf:"read"`
	HeartbeatInterval int `koanf:"heartbeat_interval"`
}

// Stability configures reconnection. Delays are in milliseconds.
type Stability struct {
	ReconnectionAttempts int     `koanf:"reconnection_attempts"`
	BackoffBase          int     `koanf:"backoff_base"`
	BackoffMax           int     `koanf:"backoff_max"`
	BackoffMultiplier    float64 `koanf:"backoff_multiplier"`
}

// Performance configures benchmarks. ToolTimeouts maps tool names to call timeouts in milliseconds,
// the "default" entry applies to unlisted tools.
type Performance struct {
	WarmupIterations      int            `koanf:"warmup_iterations"`
	BenchmarkIterations   int            `koanf:"benchmark_iterations"`
	ConcurrentConnections int            `koanf:"concurrent_connections"`
	ToolTimeouts          map[string]int `koanf:"tool_timeouts"`
}

// Logging configures the log handler.
type Logging struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

const (
	defaultFile = "default.yaml"
	localFile   = "local.yaml"
	envPrefix   = "MCP_"
)

// ErrInvalid reports a configuration that failed validation.
var ErrInvalid = errors.New("invalid configuration")

var defaults = map[string]any{
	"mcp_server.base_url":                "http://localhost:8080",
	"mcp_server.sse_endpoint":            "/mcp/spring/sse",
	"mcp_server.message_endpoint":        "/mcp/spring/messages",
	"mcp_server.auth_method":             string(mcp.AuthHeader),
	"timeouts.connection":                10000,
	"timeouts.read":                      30000,
	"timeouts.heartbeat_interval":        30000,
	"stability.reconnection_attempts":    5,
	"stability.backoff_base":             1000,
	"stability.backoff_max":              60000,
	"stability.backoff_multiplier":       2.0,
	"performance.warmup_iterations":      3,
	"performance.benchmark_iterations":   10,
	"performance.concurrent_connections": 5,
	"performance.tool_timeouts.default":  30000,
	"logging.level":                      "info",
	"logging.format":                     "text",
}

var envKeys = map[string]string{
	"MCP_API_KEY":          "mcp_server.api_key",
	"MCP_BASE_URL":         "mcp_server.base_url",
	"MCP_SSE_ENDPOINT":     "mcp_server.sse_endpoint",
	"MCP_MESSAGE_ENDPOINT": "mcp_server.message_endpoint",
	"MCP_AUTH_METHOD":      "mcp_server.auth_method",
}

var envRef = regexp.MustCompile(`^\$\{([^}:]+)(?::-([^}]*))?\}$`)

// Load reads the configuration from dir and the environment, and validates it. Missing files in
// dir are skipped, an empty dir only uses defaults and the environment.
func Load(dir string) (*Config, error) {
	k := koanf.New(".")

	for key, val := range defaults {
		if err := k.Set(key, val); err != nil {
			return nil, fmt.Errorf("failed to set default %s: %w", key, err)
		}
	}

	if dir != "" {
		for _, name := range []string{defaultFile, localFile} {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load %s: %w", path, err)
			}
		}
	}

	if err := resolveEnvRefs(k); err != nil {
		return nil, err
	}

	if err := k.Load(env.ProviderWithValue(envPrefix, ".", func(key, value string) (string, any) {
		if value == "" {
			return "", nil
		}
		return envKeys[key], value
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Server.AuthMethod = strings.ToLower(cfg.Server.AuthMethod)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every problem of the configuration at once.
func (c *Config) Validate() error {
	var errs error

	if c.Server.APIKey == "" {
		errs = multierror.Append(errs, errors.New("mcp_server.api_key is required, set MCP_API_KEY"))
	}
	if c.Server.BaseURL == "" {
		errs = multierror.Append(errs, errors.New("mcp_server.base_url is required"))
	}
	switch mcp.AuthMethod(c.Server.AuthMethod) {
	case mcp.AuthHeader, mcp.AuthBearer, mcp.AuthQuery:
	default:
		errs = multierror.Append(errs, fmt.Errorf("mcp_server.auth_method %q must be one of header, bearer, query",
			c.Server.AuthMethod))
	}
	if c.Stability.ReconnectionAttempts < 0 {
		errs = multierror.Append(errs, errors.New("stability.reconnection_attempts must not be negative"))
	}
	if c.Stability.BackoffMultiplier != 0 && c.Stability.BackoffMultiplier < 1 {
		errs = multierror.Append(errs, errors.New("stability.backoff_multiplier must be at least 1"))
	}

	if errs != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, errs)
	}
	return nil
}

// Transport returns the transport settings.
func (c *Config) Transport() mcp.TransportConfig {
	return mcp.TransportConfig{
		BaseURL:         c.Server.BaseURL,
		SSEPath:         c.Server.SSEEndpoint,
		MessagePath:     c.Server.MessageEndpoint,
		APIKey:          c.Server.APIKey,
		AuthMethod:      mcp.AuthMethod(c.Server.AuthMethod),
		EndpointTimeout: millis(c.Timeouts.Connection),
	}
}

// ReconnectPolicy returns the reconnection policy. The configured attempts count retries, so the
// policy allows one more connect in total.
func (c *Config) ReconnectPolicy() mcp.ReconnectPolicy {
	return mcp.ReconnectPolicy{
		MaxAttempts: c.Stability.ReconnectionAttempts + 1,
		BaseDelay:   millis(c.Stability.BackoffBase),
		MaxDelay:    millis(c.Stability.BackoffMax),
		Multiplier:  c.Stability.BackoffMultiplier,
	}
}

// ReadTimeout returns how long a request waits for its response.
func (c *Config) ReadTimeout() time.Duration {
	return millis(c.Timeouts.Read)
}

// LivenessWindow returns how long the stream may stay silent, two heartbeat intervals.
func (c *Config) LivenessWindow() time.Duration {
	return 2 * millis(c.Timeouts.HeartbeatInterval)
}

// ToolTimeouts returns the per-tool call timeouts.
func (c *Config) ToolTimeouts() map[string]time.Duration {
	timeouts := make(map[string]time.Duration, len(c.Performance.ToolTimeouts))
	for name, ms := range c.Performance.ToolTimeouts {
		timeouts[name] = millis(ms)
	}
	return timeouts
}

func resolveEnvRefs(k *koanf.Koanf) error {
	for key, val := range k.All() {
		s, ok := val.(string)
		if !ok {
			continue
		}
		m := envRef.FindStringSubmatch(strings.TrimSpace(s))
		if m == nil {
			continue
		}
		resolved, ok := os.LookupEnv(m[1])
		if !ok {
			resolved = m[2]
		}
		if err := k.Set(key, resolved); err != nil {
			return fmt.Errorf("failed to resolve %s: %w", key, err)
		}
	}
	return nil
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
