package proxy

import (
	"time"

	"github.com/quicmitm/quicmitm/connection"
	"github.com/quicmitm/quicmitm/engine"
)

// Command is an instruction a layer emits upward. The I/O runtime interprets
// SendData, OpenConnection, CloseConnection and RequestWakeup; Transmit is
// consumed by the QUIC layer owning the addressed engine and never reaches
// the runtime.
type Command interface {
	isCommand()
}

// SendData writes a datagram on the endpoint's transport.
type SendData struct {
	Conn *connection.Endpoint
	Data []byte
}

// OpenConnection asks the runtime to connect the endpoint's transport. The
// answer arrives as an OpenConnectionCompleted event carrying this command.
type OpenConnection struct {
	Conn *connection.Endpoint
}

// CloseConnection tears the endpoint's transport down. The runtime answers
// with ConnectionClosed.
type CloseConnection struct {
	Conn *connection.Endpoint
}

// RequestWakeup schedules a Wakeup event after Delay. The command's pointer
// identity is the token matched against outstanding requests.
type RequestWakeup struct {
	Delay time.Duration
}

// Transmit asks the layer owning the given engine to flush its pending
// packets and re-arm its timer.
type Transmit struct {
	Conn   *connection.Endpoint
	Engine *engine.Adapter
}

func (SendData) isCommand()        {}
func (OpenConnection) isCommand()  {}
func (CloseConnection) isCommand() {}
func (RequestWakeup) isCommand()   {}
func (Transmit) isCommand()        {}
