package mcp

import (
	"fmt"
	"sync"

	"github.com/felixgeelhaar/statekit"
)

// ClientState is the lifecycle state of a Client.
type ClientState string

type lifecycleContext struct{}

type lifecycle struct {
	lock        sync.Mutex
	interpreter *statekit.Interpreter[lifecycleContext]
}

// Untyped so they can be handed to statekit as state ids directly.
const (
	stateDisconnected = "disconnected"
	stateConnecting   = "connecting"
	stateInitializing = "initializing"
	stateReady        = "ready"
	stateClosed       = "closed"
)

const (
	eventConnect     = "connect"
	eventConnected   = "connected"
	eventInitialized = "initialized"
	eventFail        = "fail"
	eventLost        = "lost"
	eventClose       = "close"
)

// Client lifecycle states.
const (
	StateDisconnected ClientState = stateDisconnected
	StateConnecting   ClientState = stateConnecting
	StateInitializing ClientState = stateInitializing
	StateReady        ClientState = stateReady
	StateClosed       ClientState = stateClosed
)

func newLifecycle() (*lifecycle, error) {
	builder := statekit.NewMachine[lifecycleContext]("mcp-client").
		WithInitial(statekit.StateID(stateDisconnected)).
		WithContext(lifecycleContext{})

	builder.State(stateDisconnected).
		On(eventConnect).Target(stateConnecting).
		On(eventClose).Target(stateClosed).
		Done()

	builder.State(stateConnecting).
		On(eventConnected).Target(stateInitializing).
		On(eventFail).Target(stateDisconnected).
		On(eventClose).Target(stateClosed).
		Done()

	builder.State(stateInitializing).
		On(eventInitialized).Target(stateReady).
		On(eventFail).Target(stateDisconnected).
		On(eventClose).Target(stateClosed).
		Done()

	builder.State(stateReady).
		On(eventLost).Target(stateDisconnected).
		On(eventClose).Target(stateClosed).
		Done()

	builder.State(stateClosed).
		On(eventConnect).Target(stateConnecting).
		Done()

	machine, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build client state machine: %w", err)
	}

	interpreter := statekit.NewInterpreter(machine)
	interpreter.Start()

	return &lifecycle{interpreter: interpreter}, nil
}

// fire sends event and reports an error when the current state does not accept it.
func (l *lifecycle) fire(event string) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	before := l.current()
	l.interpreter.Send(statekit.Event{Type: statekit.EventType(event)})
	if l.current() != before {
		return nil
	}
	return fmt.Errorf("event %q is not allowed in state %q", event, before)
}

func (l *lifecycle) state() ClientState {
	l.lock.Lock()
	defer l.lock.Unlock()

	return l.current()
}

func (l *lifecycle) current() ClientState {
	return ClientState(l.interpreter.State().Value)
}
