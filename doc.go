// Package mcp implements the client side of the Model Context Protocol (MCP) over the HTTP+SSE
// transport, following the specification at https://spec.modelcontextprotocol.io/specification/.
//
// The server streams session setup and asynchronous responses over a long-lived server-sent events
// stream, while requests are POSTed to a per-session message endpoint that may answer directly or
// defer the response to the stream. SSETransport owns the stream, ResponseCorrelator matches
// responses to requests by id, Client drives the handshake and the tools API, and Reconnector adds
// bounded exponential backoff for long-running consumers.
package mcp
