// Package mcptest provides a scriptable MCP server speaking the HTTP+SSE transport, for use in tests
// of the client.
//
// The server publishes a session per event stream, announces the session's message endpoint, and
// answers POSTed requests either in the reply body or, in asynchronous mode, with a 202 followed by a
// message event on the stream. Handlers decide the reply of every method and may delay or withhold
// it, so tests can reorder, interleave, or drop responses.
package mcptest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"

	"github.com/MegaGrindStone/go-mcp-probe"
)

// Server is an MCP server backed by an httptest.Server. Create it with NewServer, the server is
// closed automatically when the test ends.
type Server struct {
	// URL is the base URL of the server, of the form http://ipaddr:port with no trailing slash.
	URL string

	srv    *httptest.Server
	logger *slog.Logger

	async          bool
	endpointFormat EndpointFormat
	authMethod     mcp.AuthMethod
	apiKey         string

	handlers map[string]Handler
	tools    []mcp.Tool
	toolFns  map[string]ToolFunc

	lock         sync.Mutex
	sessions     map[string]*session
	lastSession  string
	requests     []Request
	connects     int
	failConnects int
}

// Request is a message received on the message endpoint.
type Request struct {
	SessionID string
	Message   mcp.JSONRPCMessage
	Header    http.Header
	Query     map[string][]string
}

// Reply is the answer of a Handler.
type Reply struct {
	Result any
	Error  *mcp.JSONRPCError
	// Delay postpones the reply.
	Delay time.Duration
	// Withhold suppresses the reply entirely: the POST is answered without a body and the test is
	// expected to deliver the response itself with Push.
	Withhold bool
}

// Handler computes the reply to a request.
type Handler func(req mcp.JSONRPCMessage) Reply

// ToolFunc implements a tool for the default tools/call handler.
type ToolFunc func(arguments map[string]any) Reply

// EndpointFormat selects how the endpoint event is announced.
type EndpointFormat int

// Option configures a Server.
type Option func(*Server)

type session struct {
	id   string
	sess *sse.Session

	sendLock sync.Mutex

	announced chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

const (
	// EndpointPlain sends the endpoint as a bare relative URL.
	EndpointPlain EndpointFormat = iota
	// EndpointJSON sends the endpoint as {"uri": "..."}.
	EndpointJSON
	// EndpointAbsolute sends the endpoint as a bare absolute URL.
	EndpointAbsolute
	// EndpointNone never sends an endpoint event.
	EndpointNone
)

const (
	// SSEPath is the path of the event stream.
	SSEPath = "/sse"
	// MessagePath is the path of the message endpoint.
	MessagePath = "/message"
)

// ServerInfo is the identity the server announces in its initialize result.
var ServerInfo = mcp.Info{Name: "mcptest", Version: "0.1.0"}

// WithAsync makes the server answer every request with 202 and deliver the response over the event
// stream.
func WithAsync() Option {
	return func(s *Server) {
		s.async = true
	}
}

// WithEndpointFormat selects how the endpoint event is announced.
func WithEndpointFormat(format EndpointFormat) Option {
	return func(s *Server) {
		s.endpointFormat = format
	}
}

// WithAuth makes the server reject requests that do not present key the way method prescribes.
func WithAuth(method mcp.AuthMethod, key string) Option {
	return func(s *Server) {
		s.authMethod = method
		s.apiKey = key
	}
}

// WithHandler overrides the reply to method.
func WithHandler(method string, handler Handler) Option {
	return func(s *Server) {
		s.handlers[method] = handler
	}
}

// WithTool registers a tool served by the default tools/list and tools/call handlers.
func WithTool(tool mcp.Tool, fn ToolFunc) Option {
	return func(s *Server) {
		s.tools = append(s.tools, tool)
		s.toolFns[tool.Name] = fn
	}
}

// WithLogger sets the logger of the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer starts a server and registers its shutdown with t.Cleanup.
func NewServer(t testing.TB, options ...Option) *Server {
	t.Helper()

	s := &Server{
		logger:   slog.Default(),
		handlers: make(map[string]Handler),
		toolFns:  make(map[string]ToolFunc),
		sessions: make(map[string]*session),
	}
	for _, opt := range options {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(SSEPath, s.handleSSE)
	mux.HandleFunc(MessagePath, s.handleMessage)

	s.srv = httptest.NewServer(mux)
	s.URL = s.srv.URL
	t.Cleanup(s.Close)

	return s
}

// TextResult builds a tools/call result with a single text item.
func TextResult(text string) mcp.CallToolResult {
	return mcp.CallToolResult{
		Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: text}},
	}
}

// TransportConfig returns a transport configuration pointing at the server.
func (s *Server) TransportConfig() mcp.TransportConfig {
	return mcp.TransportConfig{
		BaseURL:         s.URL,
		SSEPath:         SSEPath,
		MessagePath:     MessagePath,
		APIKey:          s.apiKey,
		AuthMethod:      s.authMethod,
		EndpointTimeout: 2 * time.Second,
	}
}

// Client returns an HTTP client configured for the server.
func (s *Server) Client() *http.Client {
	return s.srv.Client()
}

// Push delivers msg to the session as a message event.
func (s *Server) Push(sessionID string, msg mcp.JSONRPCMessage) error {
	bs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return s.Emit(sessionID, "message", string(bs))
}

// Emit sends a raw event to the session. An empty eventType sends an unnamed event.
func (s *Server) Emit(sessionID, eventType, data string) error {
	sess, ok := s.session(sessionID)
	if !ok {
		return fmt.Errorf("unknown session %q", sessionID)
	}

	msg := &sse.Message{}
	if eventType != "" {
		msg.Type = sse.Type(eventType)
	}
	msg.AppendData(data)
	return sess.send(msg)
}

// SessionIDs returns the ids of the open sessions whose endpoint has been announced.
func (s *Server) SessionIDs() []string {
	s.lock.Lock()
	defer s.lock.Unlock()

	ids := make([]string, 0, len(s.sessions))
	for id, sess := range s.sessions {
		select {
		case <-sess.announced:
			ids = append(ids, id)
		default:
		}
	}
	return ids
}

// Requests returns the messages received so far, in arrival order.
func (s *Server) Requests() []Request {
	s.lock.Lock()
	defer s.lock.Unlock()

	return append([]Request(nil), s.requests...)
}

// CountMethod returns how many messages with method have been received.
func (s *Server) CountMethod(method string) int {
	s.lock.Lock()
	defer s.lock.Unlock()

	n := 0
	for _, r := range s.requests {
		if r.Message.Method == method {
			n++
		}
	}
	return n
}

// Connects returns how many event streams have been requested, rejected ones included.
func (s *Server) Connects() int {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.connects
}

// FailConnects makes the next n event stream requests fail with 503.
func (s *Server) FailConnects(n int) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.failConnects = n
}

// DropSessions hangs up every open event stream.
func (s *Server) DropSessions() {
	s.lock.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.lock.Unlock()

	for _, sess := range sessions {
		sess.stop()
	}
}

// Close drops all sessions and shuts the server down.
func (s *Server) Close() {
	s.DropSessions()
	s.srv.Close()
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	s.lock.Lock()
	s.connects++
	if s.failConnects > 0 {
		s.failConnects--
		s.lock.Unlock()
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	s.lock.Unlock()

	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sseSess, err := sse.Upgrade(w, r)
	if err != nil {
		nErr := fmt.Errorf("failed to upgrade session: %w", err)
		s.logger.Error("failed to upgrade session", "err", nErr)
		http.Error(w, nErr.Error(), http.StatusInternalServerError)
		return
	}

	sess := &session{
		id:        uuid.New().String(),
		sess:      sseSess,
		announced: make(chan struct{}),
		done:      make(chan struct{}),
	}

	s.lock.Lock()
	s.sessions[sess.id] = sess
	s.lastSession = sess.id
	s.lock.Unlock()

	defer func() {
		s.lock.Lock()
		delete(s.sessions, sess.id)
		s.lock.Unlock()

		// No writes may reach the response once the handler returns.
		sess.sendLock.Lock()
		sess.stop()
		sess.sendLock.Unlock()
	}()

	if err := s.announce(sess); err != nil {
		s.logger.Error("failed to announce endpoint", "err", err)
		return
	}
	close(sess.announced)

	select {
	case <-sess.done:
	case <-r.Context().Done():
	}
}

func (s *Server) announce(sess *session) error {
	endpoint := fmt.Sprintf("%s?sessionId=%s", MessagePath, sess.id)

	var data string
	switch s.endpointFormat {
	case EndpointNone:
		// Only flush the headers so the client sees the stream open.
		sess.sendLock.Lock()
		defer sess.sendLock.Unlock()
		return sess.sess.Flush()
	case EndpointJSON:
		bs, err := json.Marshal(map[string]string{"uri": endpoint})
		if err != nil {
			return err
		}
		data = string(bs)
	case EndpointAbsolute:
		data = s.URL + endpoint
	default:
		data = endpoint
	}

	msg := &sse.Message{Type: sse.Type("endpoint")}
	msg.AppendData(data)
	return sess.send(msg)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sessID := r.URL.Query().Get("sessionId")
	if sessID == "" {
		// Clients that never saw an endpoint event post to the bare path.
		s.lock.Lock()
		sessID = s.lastSession
		s.lock.Unlock()
	}

	var msg mcp.JSONRPCMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		nErr := fmt.Errorf("failed to decode message: %w", err)
		s.logger.Warn("failed to decode message", slog.String("err", nErr.Error()))
		http.Error(w, nErr.Error(), http.StatusBadRequest)
		return
	}

	s.lock.Lock()
	s.requests = append(s.requests, Request{
		SessionID: sessID,
		Message:   msg,
		Header:    r.Header.Clone(),
		Query:     r.URL.Query(),
	})
	s.lock.Unlock()

	if msg.ID == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	reply := s.reply(msg)
	if reply.Withhold {
		if s.async {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	resp := mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: msg.ID, Error: reply.Error}
	if reply.Error == nil {
		bs, err := json.Marshal(reply.Result)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp.Result = bs
	}

	if s.async {
		w.WriteHeader(http.StatusAccepted)
		go func() {
			time.Sleep(reply.Delay)
			if err := s.Push(sessID, resp); err != nil {
				s.logger.Warn("failed to push response", slog.String("err", err.Error()))
			}
		}()
		return
	}

	select {
	case <-r.Context().Done():
		return
	case <-time.After(reply.Delay):
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to write response", slog.String("err", err.Error()))
	}
}

func (s *Server) reply(msg mcp.JSONRPCMessage) Reply {
	if h, ok := s.handlers[msg.Method]; ok {
		return h(msg)
	}

	switch msg.Method {
	case mcp.MethodInitialize:
		return Reply{Result: map[string]any{
			"protocolVersion": mcp.ProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      ServerInfo,
		}}
	case mcp.MethodToolsList:
		tools := s.tools
		if tools == nil {
			tools = []mcp.Tool{}
		}
		return Reply{Result: mcp.ListToolsResult{Tools: tools}}
	case mcp.MethodToolsCall:
		var params mcp.CallToolParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return Reply{Error: &mcp.JSONRPCError{Code: -32602, Message: "invalid params"}}
		}
		fn, ok := s.toolFns[params.Name]
		if !ok {
			return Reply{Error: &mcp.JSONRPCError{Code: -32601, Message: fmt.Sprintf("tool %s not found", params.Name)}}
		}
		return fn(params.Arguments)
	default:
		return Reply{Error: &mcp.JSONRPCError{Code: -32601, Message: "method not found"}}
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.apiKey == "" {
		return true
	}
	switch s.authMethod {
	case mcp.AuthBearer:
		return r.Header.Get("Authorization") == "Bearer "+s.apiKey
	case mcp.AuthQuery:
		return r.URL.Query().Get("api_key") == s.apiKey
	default:
		return r.Header.Get("X-API-Key") == s.apiKey
	}
}

func (s *Server) session(id string) (*session, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *session) send(msg *sse.Message) error {
	s.sendLock.Lock()
	defer s.sendLock.Unlock()

	select {
	case <-s.done:
		return errors.New("session is closed")
	default:
	}

	if err := s.sess.Send(msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	if err := s.sess.Flush(); err != nil {
		return fmt.Errorf("failed to flush message: %w", err)
	}
	return nil
}

func (s *session) stop() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}
