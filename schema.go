package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// RequestID identifies a JSON-RPC request and its response. The protocol allows both integers and
// strings as identifiers; RequestID keeps track of which one it holds so integer identifiers are
// written back to the wire as JSON numbers. Two identifiers are considered equal when their textual
// forms match, so a server that echoes 7 as "7" still correlates with the original request.
type RequestID struct {
	value   string
	numeric bool
}

// JSONRPCMessage represents a JSON-RPC 2.0 message used for communication in the MCP protocol.
// It can represent either a request, response, or notification depending on which fields are populated:
//   - Request: JSONRPC, ID, Method, and Params are set
//   - Response: JSONRPC, ID, and either Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification
	JSONRPC string `json:"jsonrpc"`
	// ID pairs a request with its response, nil marks a notification
	ID *RequestID `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON message
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed
	Error *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
// It follows the standard error object format defined in the JSON-RPC 2.0 specification.
// A response carrying a JSONRPCError is reported to callers as a protocol error.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	Code int `json:"code"`

	// Message provides a short description of the error.
	Message string `json:"message"`

	// Data contains additional information about the error.
	// The value is unstructured and may be omitted.
	Data any `json:"data,omitempty"`
}

// Info contains metadata about a server or client instance including its name and version.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientCapabilities represents client capabilities. The probe advertises none, which
// serializes as an empty object.
type ClientCapabilities struct{}

// ServerCapabilities represents server capabilities.
type ServerCapabilities struct {
	Prompts   *PromptsCapability   `json:"prompts,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Logging   *LoggingCapability   `json:"logging,omitempty"`
}

// PromptsCapability represents prompts-specific capabilities.
type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability represents resources-specific capabilities.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// ToolsCapability represents tools-specific capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// LoggingCapability represents logging-specific capabilities.
type LoggingCapability struct{}

// Tool defines a callable tool with its input schema.
// InputSchema defines the expected format of arguments for CallTool.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ListToolsResult represents the result of a tools/list request.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// CallToolParams contains parameters for executing a specific tool.
type CallToolParams struct {
	// Name is the unique identifier of the tool to execute
	Name string `json:"name"`

	// Arguments is a JSON object of argument name-value pairs
	// Must satisfy required arguments defined in tool's InputSchema field
	Arguments map[string]any `json:"arguments"`
}

// CallToolResult represents the outcome of a tool invocation via CallTool.
// IsError indicates whether the operation failed, with details in Content.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError"`
}

// Content represents a message content with its type.
type Content struct {
	Type ContentType `json:"type"`

	// For ContentTypeText
	Text string `json:"text,omitempty"`

	// For ContentTypeImage or ContentTypeAudio
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`

	// For ContentTypeResource
	Resource json.RawMessage `json:"resource,omitempty"`
}

// ContentType represents the type of content in messages.
type ContentType string

type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Info               `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// ContentType represents the type of content in messages.
const (
	ContentTypeText     ContentType = "text"
	ContentTypeImage    ContentType = "image"
	ContentTypeAudio    ContentType = "audio"
	ContentTypeResource ContentType = "resource"
)

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// MethodInitialize opens the protocol handshake.
	MethodInitialize = "initialize"
	// MethodToolsList is the method name for retrieving a list of available tools.
	MethodToolsList = "tools/list"
	// MethodToolsCall is the method name for invoking a specific tool.
	MethodToolsCall = "tools/call"
	// MethodPing is the method name servers may use to probe the client.
	MethodPing = "ping"

	// MethodNotificationsInitialized completes the handshake, it carries no params and no id.
	MethodNotificationsInitialized = "notifications/initialized"

	// ProtocolVersion is the protocol revision sent in the initialize request.
	ProtocolVersion = "2024-11-05"
)

// NewRequestID returns an integer request identifier.
func NewRequestID(n int64) RequestID {
	return RequestID{value: strconv.FormatInt(n, 10), numeric: true}
}

// NewStringRequestID returns a string request identifier.
func NewStringRequestID(s string) RequestID {
	return RequestID{value: s}
}

// String returns the textual form of the identifier.
func (r RequestID) String() string {
	return r.value
}

// IsNumeric reports whether the identifier was created from, or decoded as, an integer.
func (r RequestID) IsNumeric() bool {
	return r.numeric
}

// Equal reports whether both identifiers name the same request.
func (r RequestID) Equal(other RequestID) bool {
	return r.value == other.value
}

// MarshalJSON implements json.Marshaler. Integer identifiers are written as JSON numbers and
// string identifiers as JSON strings.
func (r RequestID) MarshalJSON() ([]byte, error) {
	if r.numeric {
		return []byte(r.value), nil
	}
	return json.Marshal(r.value)
}

// UnmarshalJSON implements json.Unmarshaler, accepting either a JSON string or an integral number.
func (r *RequestID) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}

	switch v := v.(type) {
	case string:
		*r = NewStringRequestID(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			*r = NewRequestID(n)
			return nil
		}
		f, err := v.Float64()
		if err != nil || f != math.Trunc(f) {
			return fmt.Errorf("invalid request id: %s", v)
		}
		*r = NewRequestID(int64(f))
	default:
		return fmt.Errorf("invalid request id type: %T", v)
	}

	return nil
}

func (j JSONRPCError) Error() string {
	if j.Data == nil {
		return fmt.Sprintf("request error, code: %d, message: %s", j.Code, j.Message)
	}
	return fmt.Sprintf("request error, code: %d, message: %s, data %v", j.Code, j.Message, j.Data)
}

// Text joins the text items of the result with newlines. Non-text items are skipped.
func (c CallToolResult) Text() string {
	var texts []string
	for _, content := range c.Content {
		if content.Type == ContentTypeText {
			texts = append(texts, content.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// DecodeJSON parses the joined text content of the result as JSON into v.
func (c CallToolResult) DecodeJSON(v any) error {
	text := c.Text()
	if text == "" {
		return errors.New("result has no text content")
	}
	if err := json.Unmarshal([]byte(text), v); err != nil {
		return fmt.Errorf("%w: tool result text: %w", ErrDecode, err)
	}
	return nil
}

func (m JSONRPCMessage) isResponse() bool {
	return m.ID != nil && m.Method == ""
}
