package mcp

import (
	"context"
	"iter"
)

// ClientTransport provides the client-side communication layer in the MCP protocol: a server-sent
// event stream for inbound traffic and discrete requests for outbound messages.
type ClientTransport interface {
	// Connect opens the event stream and negotiates the session. It returns an error wrapping
	// ErrConnect when the stream cannot be opened or no usable message endpoint is learned.
	// Calling Connect on an already connected transport returns the current session.
	Connect(ctx context.Context) (Session, error)

	// Events returns an iterator over the events of the current stream. The iteration ends when the
	// stream ends, the transport is closed, or ctx is cancelled. Each event is yielded to exactly one
	// consumer, so callers should range over Events from a single goroutine per connection.
	Events(ctx context.Context) iter.Seq[Event]

	// Send delivers msg to the session's message endpoint and returns the HTTP status and body of
	// the reply. Non-2xx replies are returned as errors.
	Send(ctx context.Context, msg JSONRPCMessage) (SendResult, error)

	// CheckHealth reports whether the stream is connected and has recently delivered an event.
	CheckHealth() bool

	// Close releases the stream and clears the session. It is safe to call multiple times.
	Close() error
}

// StreamWatcher receives notifications about the event stream of an SSETransport.
//
// OnEvent is called for every event read after the session has been negotiated, before the event
// is handed to the consumer of Events. OnStreamError is called when connecting fails or the stream
// breaks with a read error. OnDisconnect is called once when an established stream is lost without
// Close being called. Implementations must not block.
type StreamWatcher interface {
	OnEvent(Event)
	OnStreamError(error)
	OnDisconnect()
}

// Event is a single server-sent event read from the stream.
type Event struct {
	Kind EventKind
	// Type is the raw event type as sent by the server, empty when the server omitted it.
	Type string
	Data string
	ID   string
}

// EventKind classifies server-sent events.
type EventKind int

// SendResult carries the HTTP reply to a POSTed message.
type SendResult struct {
	StatusCode int
	Body       []byte
}

const (
	// EventOther is any event not recognized as one of the kinds below.
	EventOther EventKind = iota
	// EventEndpoint carries the message endpoint of the session.
	EventEndpoint
	// EventMessage carries a JSON-RPC message in its data.
	EventMessage
	// EventHeartbeat keeps the stream alive and carries nothing of interest.
	EventHeartbeat
)

// NewEvent classifies a raw event by its type.
func NewEvent(typ, data, id string) Event {
	return Event{Kind: eventKind(typ), Type: typ, Data: data, ID: id}
}

func (k EventKind) String() string {
	switch k {
	case EventEndpoint:
		return "endpoint"
	case EventMessage:
		return "message"
	case EventHeartbeat:
		return "heartbeat"
	default:
		return "other"
	}
}

func eventKind(typ string) EventKind {
	switch typ {
	case "endpoint":
		return EventEndpoint
	case "message", "":
		return EventMessage
	case "heartbeat", "ping", "keep-alive":
		return EventHeartbeat
	default:
		return EventOther
	}
}
