// Package engine defines the contract between the proxy layers and the
// underlying QUIC/TLS state machine, and everything needed to drive it:
// the packet-in/packet-out instance interface, the event vocabulary, a
// parse-only ClientHello decoder for QUIC Initial packets, and the TLS
// secrets logger.
//
// The engine itself is an external collaborator. It owns its send queue,
// ack timers, keys and stream map; one instance serves exactly one endpoint
// and is destroyed when its layer tears down.
package engine

import (
	"crypto/tls"
	"crypto/x509"
	"io"
	"net/netip"
	"time"
)

// VerifyMode controls how an instance validates the peer certificate.
type VerifyMode int

const (
	// VerifyNone accepts any peer certificate.
	VerifyNone VerifyMode = iota
	// VerifyPeer requires a certificate that chains to a configured CA.
	VerifyPeer
)

// TLSSettings carries the material an addon supplies before an instance is
// created. Immutable for the lifetime of the instance.
type TLSSettings struct {
	// Certificate holds the leaf, optional chain and private key.
	Certificate tls.Certificate
	// CipherSuites optionally restricts the advertised suites.
	CipherSuites []uint16
	// CAFile and CAPath optionally point at PEM material used to verify
	// the peer.
	CAFile string
	CAPath string
	Verify VerifyMode
}

// Config parameterizes a new engine instance.
type Config struct {
	// IsClient selects the TLS role. The proxy acts as TLS server on its
	// client-facing endpoint and as TLS client towards the upstream.
	IsClient           bool
	ALPNProtocols      []string
	ConnectionIDLength int
	ServerName         string
	// KeyLogWriter receives SSLKEYLOGFILE lines when secrets logging is
	// enabled.
	KeyLogWriter io.Writer
	TLS          TLSSettings
	// OriginalDestinationCID is required for server instances and must be
	// absent for client instances.
	OriginalDestinationCID []byte
}

// Datagram is an outgoing packet together with its destination.
type Datagram struct {
	Data []byte
	To   netip.AddrPort
}

// Instance is one QUIC connection state machine. Calls are not safe for
// concurrent use; each instance belongs to a single handler goroutine.
type Instance interface {
	// ReceiveDatagram feeds an inbound packet.
	ReceiveDatagram(data []byte, from netip.AddrPort, now time.Time)
	// NextEvent pops the next pending event, or nil when drained.
	NextEvent() Event
	// DatagramsToSend drains the packets the instance wants on the wire.
	DatagramsToSend(now time.Time) []Datagram
	// Timer returns the next deadline at which HandleTimer must run.
	Timer() time.Time
	HandleTimer(now time.Time)

	// Connect starts the handshake towards peer. Client instances only.
	Connect(peer netip.AddrPort, now time.Time)
	// Close initiates a graceful close carrying the given code and reason.
	Close(errorCode uint64, frameType *uint64, reason string)
	// Abort force-terminates the instance without emitting packets. If no
	// termination was recorded yet, ev becomes the close event and is
	// surfaced through NextEvent.
	Abort(ev ConnectionTerminated)

	SendStreamData(streamID int64, data []byte, endStream bool)
	SendDatagramFrame(data []byte)
	ResetStream(streamID int64, errorCode uint64)

	// HostConnectionID is the first connection ID issued for this host.
	HostConnectionID() []byte
	// CloseEvent returns the recorded termination, or nil while alive.
	CloseEvent() *ConnectionTerminated
	// PeerCertificates returns the peer chain seen in the handshake, leaf
	// first. Empty before HandshakeCompleted.
	PeerCertificates() []*x509.Certificate
	// CipherSuite returns the negotiated TLS 1.3 suite.
	CipherSuite() uint16
}

// Factory creates engine instances. Injected through the proxy runtime so
// tests can substitute a fake.
type Factory interface {
	NewInstance(cfg Config) (Instance, error)
}

var defaultFactory Factory

// Register makes a factory the process default, the way database/sql
// drivers register themselves. Engine bindings call it from an init
// function.
func Register(f Factory) {
	defaultFactory = f
}

// DefaultFactory returns the registered factory, or nil when no engine
// binding is linked in.
func DefaultFactory() Factory {
	return defaultFactory
}
