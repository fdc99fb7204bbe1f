package engine

// Event is something the QUIC engine reports after consuming datagrams or a
// timer. The set of variants below is closed; a consumer receiving anything
// else has a bug and is expected to panic.
type Event interface {
	isEvent()
}

// ConnectionIDIssued reports a connection ID the engine started accepting
// for its endpoint.
type ConnectionIDIssued struct {
	ConnectionID []byte
}

// ConnectionIDRetired reports a connection ID the engine no longer accepts.
type ConnectionIDRetired struct {
	ConnectionID []byte
}

// HandshakeCompleted fires once the TLS handshake finished.
type HandshakeCompleted struct {
	ALPN              string
	EarlyDataAccepted bool
	SessionResumed    bool
}

// ConnectionTerminated fires when the connection closed, either by the peer,
// locally, or because the transport went away. No further events follow.
type ConnectionTerminated struct {
	ErrorCode uint64
	FrameType *uint64
	Reason    string
}

// PingAcknowledged reports a PING frame the peer acked. Nothing above the
// engine acts on it.
type PingAcknowledged struct{}

// ProtocolNegotiated reports the ALPN outcome. It fires before
// HandshakeCompleted and is ignored until then.
type ProtocolNegotiated struct {
	ALPN string
}

// DatagramFrameReceived carries an unreliable datagram from the peer.
type DatagramFrameReceived struct {
	Data []byte
}

// StreamDataReceived carries ordered stream data from the peer.
type StreamDataReceived struct {
	StreamID  int64
	Data      []byte
	EndStream bool
}

// StreamReset reports an abrupt stream termination by the peer.
type StreamReset struct {
	StreamID  int64
	ErrorCode uint64
}

func (ConnectionIDIssued) isEvent()    {}
func (ConnectionIDRetired) isEvent()   {}
func (HandshakeCompleted) isEvent()    {}
func (ConnectionTerminated) isEvent()  {}
func (PingAcknowledged) isEvent()      {}
func (ProtocolNegotiated) isEvent()    {}
func (DatagramFrameReceived) isEvent() {}
func (StreamDataReceived) isEvent()    {}
func (StreamReset) isEvent()           {}
