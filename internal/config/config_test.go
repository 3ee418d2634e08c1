package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MegaGrindStone/go-mcp-probe"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for name := range envKeys {
		t.Setenv(name, "")
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("MCP_API_KEY", "smcp_test")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080", cfg.Server.BaseURL)
	assert.Equal(t, "/mcp/spring/sse", cfg.Server.SSEEndpoint)
	assert.Equal(t, "/mcp/spring/messages", cfg.Server.MessageEndpoint)
	assert.Equal(t, "smcp_test", cfg.Server.APIKey)
	assert.Equal(t, "header", cfg.Server.AuthMethod)
	assert.Equal(t, 10000, cfg.Timeouts.Connection)
	assert.Equal(t, 30000, cfg.Timeouts.Read)
	assert.Equal(t, 5, cfg.Stability.ReconnectionAttempts)
	assert.Equal(t, 2.0, cfg.Stability.BackoffMultiplier)
	assert.Equal(t, 3, cfg.Performance.WarmupIterations)
	assert.Equal(t, 10, cfg.Performance.BenchmarkIterations)
	assert.Equal(t, map[string]int{"default": 30000}, cfg.Performance.ToolTimeouts)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_FileLayers(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	writeFile(t, dir, "default.yaml", `
mcp_server:
  base_url: http://mcp.internal:9000
  api_key: from-default
  auth_method: bearer
timeouts:
  read: 5000
performance:
  tool_timeouts:
    searchDocs: 45000
`)
	writeFile(t, dir, "local.yaml", `
mcp_server:
  api_key: from-local
stability:
  reconnection_attempts: 2
`)

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "http://mcp.internal:9000", cfg.Server.BaseURL)
	assert.Equal(t, "from-local", cfg.Server.APIKey)
	assert.Equal(t, "bearer", cfg.Server.AuthMethod)
	assert.Equal(t, 5000, cfg.Timeouts.Read)
	assert.Equal(t, 10000, cfg.Timeouts.Connection)
	assert.Equal(t, 2, cfg.Stability.ReconnectionAttempts)
	assert.Equal(t, map[string]int{"default": 30000, "searchDocs": 45000}, cfg.Performance.ToolTimeouts)
}

func TestLoad_EnvReferences(t *testing.T) {
	clearEnv(t)
	t.Setenv("PROBE_TEST_KEY", "referenced")
	dir := t.TempDir()

	writeFile(t, dir, "default.yaml", `
mcp_server:
  api_key: ${PROBE_TEST_KEY}
  base_url: ${PROBE_TEST_UNSET_URL:-http://fallback:8080}
  sse_endpoint: ${PROBE_TEST_UNSET_PATH}
`)

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "referenced", cfg.Server.APIKey)
	assert.Equal(t, "http://fallback:8080", cfg.Server.BaseURL)
	assert.Equal(t, "", cfg.Server.SSEEndpoint)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	writeFile(t, dir, "local.yaml", `
mcp_server:
  api_key: from-file
  base_url: http://from-file
`)
	t.Setenv("MCP_API_KEY", "from-env")
	t.Setenv("MCP_BASE_URL", "http://from-env")
	t.Setenv("MCP_SSE_ENDPOINT", "/sse")
	t.Setenv("MCP_MESSAGE_ENDPOINT", "/message")
	t.Setenv("MCP_AUTH_METHOD", "QUERY")
	t.Setenv("MCP_UNRELATED", "ignored")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Server.APIKey)
	assert.Equal(t, "http://from-env", cfg.Server.BaseURL)
	assert.Equal(t, "/sse", cfg.Server.SSEEndpoint)
	assert.Equal(t, "/message", cfg.Server.MessageEndpoint)
	assert.Equal(t, "query", cfg.Server.AuthMethod)
}

func TestLoad_Validation(t *testing.T) {
	t.Run("missing api key", func(t *testing.T) {
		clearEnv(t)

		_, err := Load("")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalid))
		assert.Contains(t, err.Error(), "MCP_API_KEY")
	})

	t.Run("unknown auth method", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("MCP_API_KEY", "key")
		t.Setenv("MCP_AUTH_METHOD", "cookie")

		_, err := Load("")
		require.ErrorIs(t, err, ErrInvalid)
		assert.Contains(t, err.Error(), "cookie")
	})

	t.Run("all problems reported", func(t *testing.T) {
		cfg := Config{Server: Server{AuthMethod: "cookie"}, Stability: Stability{BackoffMultiplier: 0.5}}

		err := cfg.Validate()
		require.ErrorIs(t, err, ErrInvalid)
		for _, want := range []string{"api_key", "base_url", "auth_method", "backoff_multiplier"} {
			assert.Contains(t, err.Error(), want)
		}
	})

	t.Run("malformed yaml", func(t *testing.T) {
		clearEnv(t)
		dir := t.TempDir()
		writeFile(t, dir, "default.yaml", "mcp_server: [unterminated")

		_, err := Load(dir)
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrInvalid))
	})
}

func TestConfig_Derived(t *testing.T) {
	cfg := Config{
		Server: Server{
			BaseURL:         "http://localhost:8080",
			SSEEndpoint:     "/mcp/spring/sse",
			MessageEndpoint: "/mcp/spring/messages",
			APIKey:          "key",
			AuthMethod:      "bearer",
		},
		Timeouts:  Timeouts{Connection: 10000, Read: 30000, HeartbeatInterval: 30000},
		Stability: Stability{ReconnectionAttempts: 5, BackoffBase: 1000, BackoffMax: 60000, BackoffMultiplier: 2},
		Performance: Performance{
			ToolTimeouts: map[string]int{"default": 30000, "slow": 120000},
		},
	}

	assert.Equal(t, mcp.TransportConfig{
		BaseURL:         "http://localhost:8080",
		SSEPath:         "/mcp/spring/sse",
		MessagePath:     "/mcp/spring/messages",
		APIKey:          "key",
		AuthMethod:      mcp.AuthBearer,
		EndpointTimeout: 10 * time.Second,
	}, cfg.Transport())

	assert.Equal(t, mcp.ReconnectPolicy{
		MaxAttempts: 6,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
		Multiplier:  2,
	}, cfg.ReconnectPolicy())

	assert.Equal(t, 30*time.Second, cfg.ReadTimeout())
	assert.Equal(t, time.Minute, cfg.LivenessWindow())
	assert.Equal(t, map[string]time.Duration{
		"default": 30 * time.Second,
		"slow":    2 * time.Minute,
	}, cfg.ToolTimeouts())
}
