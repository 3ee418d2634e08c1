package mcp_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/MegaGrindStone/go-mcp-probe"
)

func TestRequestID_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		want        string
		wantNumeric bool
		wantErr     bool
	}{
		{
			name:  "string input",
			input: `"test123"`,
			want:  "test123",
		},
		{
			name:        "integer input",
			input:       `42`,
			want:        "42",
			wantNumeric: true,
		},
		{
			name:        "integral float input",
			input:       `42.0`,
			want:        "42",
			wantNumeric: true,
		},
		{
			name:    "fractional float input",
			input:   `42.5`,
			wantErr: true,
		},
		{
			name:    "invalid type",
			input:   `{"key": "value"}`,
			wantErr: true,
		},
		{
			name:    "invalid JSON",
			input:   `invalid`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got mcp.RequestID
			err := json.Unmarshal([]byte(tt.input), &got)

			if (err != nil) != tt.wantErr {
				t.Errorf("RequestID.UnmarshalJSON() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr {
				return
			}

			if got.String() != tt.want {
				t.Errorf("got %q, want %q", got.String(), tt.want)
			}
			if got.IsNumeric() != tt.wantNumeric {
				t.Errorf("got numeric %v, want %v", got.IsNumeric(), tt.wantNumeric)
			}
		})
	}
}

func TestRequestID_MarshalJSON(t *testing.T) {
	tests := []struct {
		name  string
		input mcp.RequestID
		want  string
	}{
		{
			name:  "integer id",
			input: mcp.NewRequestID(7),
			want:  `7`,
		},
		{
			name:  "string id",
			input: mcp.NewStringRequestID("abc"),
			want:  `"abc"`,
		},
		{
			name:  "numeric looking string id",
			input: mcp.NewStringRequestID("7"),
			want:  `"7"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRequestID_Equal(t *testing.T) {
	if !mcp.NewRequestID(7).Equal(mcp.NewStringRequestID("7")) {
		t.Error("expected integer 7 to match string \"7\"")
	}
	if mcp.NewRequestID(7).Equal(mcp.NewRequestID(8)) {
		t.Error("expected 7 and 8 to differ")
	}
}

func TestJSONRPCMessage_Wire(t *testing.T) {
	t.Run("request carries numeric id", func(t *testing.T) {
		id := mcp.NewRequestID(1)
		msg := mcp.JSONRPCMessage{
			JSONRPC: mcp.JSONRPCVersion,
			ID:      &id,
			Method:  mcp.MethodToolsCall,
			Params:  json.RawMessage(`{"name":"x","arguments":{}}`),
		}

		bs, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("failed to marshal: %v", err)
		}
		want := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"x","arguments":{}}}`
		if string(bs) != want {
			t.Errorf("got %s, want %s", bs, want)
		}
	})

	t.Run("notification has no id and no params", func(t *testing.T) {
		msg := mcp.JSONRPCMessage{
			JSONRPC: mcp.JSONRPCVersion,
			Method:  mcp.MethodNotificationsInitialized,
		}

		bs, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("failed to marshal: %v", err)
		}
		want := `{"jsonrpc":"2.0","method":"notifications/initialized"}`
		if string(bs) != want {
			t.Errorf("got %s, want %s", bs, want)
		}
	})

	t.Run("error response", func(t *testing.T) {
		var msg mcp.JSONRPCMessage
		err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":3,"error":{"code":-32601,"message":"not found"}}`), &msg)
		if err != nil {
			t.Fatalf("failed to unmarshal: %v", err)
		}
		if msg.ID == nil || msg.ID.String() != "3" {
			t.Fatalf("got id %v, want 3", msg.ID)
		}
		if msg.Error == nil {
			t.Fatal("expected error to be decoded")
		}
		if msg.Error.Code != -32601 {
			t.Errorf("got code %d, want %d", msg.Error.Code, -32601)
		}
		if !strings.Contains(msg.Error.Error(), "not found") {
			t.Errorf("got %q, want it to contain %q", msg.Error.Error(), "not found")
		}
	})
}

func TestCallToolResult_Text(t *testing.T) {
	result := mcp.CallToolResult{
		Content: []mcp.Content{
			{Type: mcp.ContentTypeText, Text: "first"},
			{Type: mcp.ContentTypeImage, Data: "aGVsbG8=", MimeType: "image/png"},
			{Type: mcp.ContentTypeText, Text: "second"},
		},
	}

	if got, want := result.Text(), "first\nsecond"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCallToolResult_DecodeJSON(t *testing.T) {
	t.Run("valid json text", func(t *testing.T) {
		result := mcp.CallToolResult{
			Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: `{"count": 3}`}},
		}

		var got struct {
			Count int `json:"count"`
		}
		if err := result.DecodeJSON(&got); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Count != 3 {
			t.Errorf("got %d, want %d", got.Count, 3)
		}
	})

	t.Run("invalid json text", func(t *testing.T) {
		result := mcp.CallToolResult{
			Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: "not json"}},
		}

		var got map[string]any
		err := result.DecodeJSON(&got)
		if !errors.Is(err, mcp.ErrDecode) {
			t.Errorf("got %v, want %v", err, mcp.ErrDecode)
		}
	})

	t.Run("no text content", func(t *testing.T) {
		var got map[string]any
		if err := (mcp.CallToolResult{}).DecodeJSON(&got); err == nil {
			t.Error("expected error for empty result")
		}
	})
}
