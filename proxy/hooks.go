package proxy

import (
	"github.com/quicmitm/quicmitm/connection"
	"github.com/quicmitm/quicmitm/engine"
	"github.com/quicmitm/quicmitm/flow"
)

// TlsData is handed to the TLS bootstrap and completion hooks. For the start
// hooks an addon must populate Settings; the layers refuse to build an
// engine without them.
type TlsData struct {
	Conn    *connection.Endpoint
	Context *connection.Context
	// Settings is set by an addon in QuicTlsStartClient/Server and read
	// back by the layer. On established/failed hooks it carries the
	// settings the engine was built with.
	Settings *engine.TLSSettings
}

// ClientHelloData is handed to the TlsClienthello hook after the first
// ClientHello of a client connection was parsed.
type ClientHelloData struct {
	Context *connection.Context
	Hello   *engine.ClientHello

	// IgnoreConnection makes the proxy relay the connection as opaque UDP
	// without interception.
	IgnoreConnection bool
	// EstablishServerTLSFirst makes the client layer issue the upstream
	// open (and with it the upstream handshake) before it creates the
	// client-facing engine. The client handshake is not held back until
	// the upstream handshake completes; a failed upstream open is only
	// logged.
	EstablishServerTLSFirst bool
}

// Hooks is the policy surface addons implement. Every method runs
// synchronously on the handler's goroutine: mutations of the data record are
// observed by the layer as soon as the call returns, before the next event
// is consumed.
type Hooks interface {
	// QuicTlsStartClient and QuicTlsStartServer must populate
	// data.Settings for the handshake to proceed.
	QuicTlsStartClient(data *TlsData)
	QuicTlsStartServer(data *TlsData)
	TlsClienthello(data *ClientHelloData)
	TlsEstablishedClient(data *TlsData)
	TlsEstablishedServer(data *TlsData)
	TlsFailedClient(data *TlsData)
	TlsFailedServer(data *TlsData)

	UdpStart(f *flow.UDPFlow)
	UdpMessage(f *flow.UDPFlow)
	UdpEnd(f *flow.UDPFlow)
	UdpError(f *flow.UDPFlow)

	TcpStart(f *flow.TCPFlow)
	TcpMessage(f *flow.TCPFlow)
	TcpEnd(f *flow.TCPFlow)
	TcpError(f *flow.TCPFlow)
}

// BaseAddon is a no-op Hooks implementation for embedding, so addons only
// override the hooks they care about.
type BaseAddon struct{}

func (BaseAddon) QuicTlsStartClient(*TlsData)       {}
func (BaseAddon) QuicTlsStartServer(*TlsData)       {}
func (BaseAddon) TlsClienthello(*ClientHelloData)   {}
func (BaseAddon) TlsEstablishedClient(*TlsData)     {}
func (BaseAddon) TlsEstablishedServer(*TlsData)     {}
func (BaseAddon) TlsFailedClient(*TlsData)          {}
func (BaseAddon) TlsFailedServer(*TlsData)          {}
func (BaseAddon) UdpStart(*flow.UDPFlow)            {}
func (BaseAddon) UdpMessage(*flow.UDPFlow)          {}
func (BaseAddon) UdpEnd(*flow.UDPFlow)              {}
func (BaseAddon) UdpError(*flow.UDPFlow)            {}
func (BaseAddon) TcpStart(*flow.TCPFlow)            {}
func (BaseAddon) TcpMessage(*flow.TCPFlow)          {}
func (BaseAddon) TcpEnd(*flow.TCPFlow)              {}
func (BaseAddon) TcpError(*flow.TCPFlow)            {}
