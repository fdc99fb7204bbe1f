// Package flow records the traffic exchanged on the logical channels of an
// intercepted session. A UDP flow carries the session's datagrams; each
// bidirectional QUIC stream gets a TCP flow. Addon hooks receive flow
// references and may rewrite message payloads in place; the relay reads the
// effective content back after the hook returns.
package flow

import (
	"time"

	"github.com/google/uuid"

	"github.com/quicmitm/quicmitm/connection"
)

// Error records the first failure observed on a flow.
type Error struct {
	Msg string
	At  time.Time
}

func (e *Error) Error() string {
	return e.Msg
}

// UDPMessage is one datagram, in either direction.
type UDPMessage struct {
	FromClient bool
	// Content may be replaced by a message hook before the relay forwards
	// it.
	Content []byte
	At      time.Time
}

// TCPMessage is one stream data chunk, in either direction.
type TCPMessage struct {
	FromClient bool
	Content    []byte
	At         time.Time
}

// UDPFlow aggregates the datagrams of a session and doubles as the place
// general connection errors are reported.
type UDPFlow struct {
	ID       uuid.UUID
	Client   *connection.Endpoint
	Server   *connection.Endpoint
	Messages []*UDPMessage
	Err      *Error
	Live     bool
}

// NewUDPFlow starts a live datagram flow between the two endpoints.
func NewUDPFlow(client, server *connection.Endpoint) *UDPFlow {
	totalUDPFlows.Inc()
	return &UDPFlow{
		ID:     uuid.New(),
		Client: client,
		Server: server,
		Live:   true,
	}
}

// SetError records the first error on the flow. Later calls are ignored.
func (f *UDPFlow) SetError(msg string, now time.Time) bool {
	if f.Err != nil {
		return false
	}
	f.Err = &Error{Msg: msg, At: now}
	return true
}

// TCPFlow aggregates the data of one bidirectional stream.
type TCPFlow struct {
	ID       uuid.UUID
	Client   *connection.Endpoint
	Server   *connection.Endpoint
	Messages []*TCPMessage
	Err      *Error
	Live     bool
}

// NewTCPFlow starts a live stream flow between the two endpoints.
func NewTCPFlow(client, server *connection.Endpoint) *TCPFlow {
	totalTCPFlows.Inc()
	return &TCPFlow{
		ID:     uuid.New(),
		Client: client,
		Server: server,
		Live:   true,
	}
}

// SetError records the first error on the flow. Later calls are ignored.
func (f *TCPFlow) SetError(msg string, now time.Time) bool {
	if f.Err != nil {
		return false
	}
	f.Err = &Error{Msg: msg, At: now}
	return true
}
