package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConnect reports that the event stream could not be established, that the endpoint event
	// never arrived, or that reconnection gave up after exhausting its attempts.
	ErrConnect = errors.New("connect failed")

	// ErrTimeout reports that no matching response arrived before the caller's deadline.
	ErrTimeout = errors.New("timed out waiting for response")

	// ErrDecode reports a malformed event or JSON payload.
	ErrDecode = errors.New("malformed payload")

	// ErrNotConnected reports an operation attempted before Connect or after Close.
	ErrNotConnected = errors.New("not connected")

	// ErrInvalidArguments reports tool arguments rejected by the tool's input schema.
	ErrInvalidArguments = errors.New("invalid tool arguments")

	// ErrDuplicateWait reports a second concurrent wait registered for the same request id.
	ErrDuplicateWait = errors.New("request id already awaited")
)

// describeFailure turns an error from a request into the message reported in a ToolCallOutcome.
func describeFailure(err error, timeout time.Duration) string {
	var rpcErr *JSONRPCError
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr.Message
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("timeout after %s", timeout)
	case errors.Is(err, context.Canceled):
		return "call cancelled"
	default:
		return err.Error()
	}
}
