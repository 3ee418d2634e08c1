package mcp

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Session describes the server-assigned context of one connected event stream. It is created by a
// successful Connect and stays unchanged until the transport is closed.
type Session struct {
	// ID is the server-assigned session identifier, empty when the endpoint did not carry one.
	ID string
	// MessageEndpoint is the absolute URL requests are POSTed to.
	MessageEndpoint string
	// EstablishedAt is the time the session was negotiated.
	EstablishedAt time.Time
	// Fallback is set when the server never announced an endpoint and the statically configured
	// message URL is used instead. Session tracking is best-effort in that case.
	Fallback bool
}

// ParseEndpoint decodes the payload of an endpoint event into the absolute message endpoint and
// the session identifier.
//
// The payload is either a JSON object of the form {"uri": "..."}, a JSON string, or the bare
// endpoint itself. Relative endpoints are resolved against baseURL. The session identifier is taken
// from a sessionId query parameter when present, otherwise from the last path segment of the
// endpoint. An endpoint without either yields an empty session identifier.
func ParseEndpoint(data, baseURL string) (string, string, error) {
	raw := endpointFromPayload(data)
	if raw == "" {
		return "", "", fmt.Errorf("%w: empty endpoint event", ErrDecode)
	}

	ref, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("%w: failed to parse endpoint %q: %w", ErrDecode, raw, err)
	}

	endpoint := ref
	if !ref.IsAbs() {
		base, err := url.Parse(baseURL)
		if err != nil {
			return "", "", fmt.Errorf("failed to parse base URL %q: %w", baseURL, err)
		}
		endpoint = base.ResolveReference(ref)
	}

	return endpoint.String(), sessionIDFromEndpoint(ref), nil
}

func endpointFromPayload(data string) string {
	data = strings.TrimSpace(data)

	var v any
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return data
	}

	switch v := v.(type) {
	case map[string]any:
		uri, _ := v["uri"].(string)
		return strings.TrimSpace(uri)
	case string:
		return strings.TrimSpace(v)
	default:
		return data
	}
}

func sessionIDFromEndpoint(u *url.URL) string {
	for key, values := range u.Query() {
		if strings.EqualFold(key, "sessionId") && len(values) > 0 && values[0] != "" {
			return values[0]
		}
	}

	path := strings.TrimRight(u.Path, "/")
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return ""
	}
	return path[idx+1:]
}
