// Package proxy defines the event/command vocabulary the layer state
// machines speak, the hook surface addons implement, and the runtime handle
// that carries all process-wide collaborators.
package proxy

import (
	"github.com/quicmitm/quicmitm/connection"
	"github.com/quicmitm/quicmitm/engine"
	"github.com/quicmitm/quicmitm/flow"
)

// Event is an input consumed by a layer. Events for one handler are
// delivered serially; a layer never sees two events concurrently.
type Event interface {
	isEvent()
}

// Start is delivered exactly once when a handler begins serving.
type Start struct{}

// DataReceived carries a datagram read from one of the handler's transports.
type DataReceived struct {
	Conn *connection.Endpoint
	Data []byte
}

// ConnectionClosed reports that a transport went away.
type ConnectionClosed struct {
	Conn *connection.Endpoint
}

// Wakeup fires when a RequestWakeup deadline elapsed. The command pointer is
// the token that pairs the two.
type Wakeup struct {
	Command *RequestWakeup
}

// OpenConnectionCompleted answers an OpenConnection command. A nil Err means
// the transport is ready.
type OpenConnectionCompleted struct {
	Command *OpenConnection
	Err     error
}

// QuicStart announces that the QUIC handshake completed on conn. The engine
// reference lets the relay feed the peer side directly.
type QuicStart struct {
	Conn   *connection.Endpoint
	Engine *engine.Adapter
}

// QuicConnectionEvent wraps a post-handshake engine event for the child
// layer.
type QuicConnectionEvent struct {
	Conn  *connection.Endpoint
	Event engine.Event
}

// TCPMessageInjected is an addon-originated stream payload. It passes
// through the same hook pipeline as organic traffic.
type TCPMessageInjected struct {
	Flow    *flow.TCPFlow
	Message *flow.TCPMessage
}

// UDPMessageInjected is an addon-originated datagram.
type UDPMessageInjected struct {
	Flow    *flow.UDPFlow
	Message *flow.UDPMessage
}

func (Start) isEvent()                   {}
func (DataReceived) isEvent()            {}
func (ConnectionClosed) isEvent()        {}
func (Wakeup) isEvent()                  {}
func (OpenConnectionCompleted) isEvent() {}
func (QuicStart) isEvent()               {}
func (QuicConnectionEvent) isEvent()     {}
func (TCPMessageInjected) isEvent()      {}
func (UDPMessageInjected) isEvent()      {}
