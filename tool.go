package mcp

import (
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// ToolCallOutcome is the result of a single CallTool invocation. Failures are reported through
// Success and ErrorMessage rather than as Go errors; Err keeps the underlying error for callers that
// want to classify it with errors.Is or errors.As.
type ToolCallOutcome struct {
	ToolName string
	Success  bool
	// Result is the decoded tools/call result, nil when the call failed before a result arrived.
	Result       *CallToolResult
	ErrorMessage string
	Err          error
	Duration     time.Duration
	// ResponseSize is the size in bytes of the raw result payload.
	ResponseSize int
}

// CallOption configures a single CallTool invocation.
type CallOption func(*callConfig)

type callConfig struct {
	timeout time.Duration
}

// WithCallTimeout bounds the whole call, including the wait for an asynchronous response.
func WithCallTimeout(timeout time.Duration) CallOption {
	return func(c *callConfig) {
		c.timeout = timeout
	}
}

// DurationMs returns the call duration in fractional milliseconds.
func (o ToolCallOutcome) DurationMs() float64 {
	return float64(o.Duration) / float64(time.Millisecond)
}

// ValidateArguments checks args against the tool's input schema. Tools without a schema accept
// anything.
func (t Tool) ValidateArguments(args map[string]any) error {
	if len(t.InputSchema) == 0 {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}

	res, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(t.InputSchema), gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("failed to validate arguments of %s: %w", t.Name, err)
	}
	if res.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%w: %s", ErrInvalidArguments, strings.Join(msgs, "; "))
}
