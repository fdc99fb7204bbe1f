// Package connection holds the data model shared by every proxy layer: the
// two endpoints of an intercepted session, the context that pairs them, and
// the handler contract the I/O runtime implements.
package connection

import (
	"crypto/x509"
	"fmt"
	"net/netip"
	"time"
)

// Role distinguishes the two sides of a proxied session.
type Role int

const (
	// RoleClient is the endpoint facing the original client.
	RoleClient Role = iota
	// RoleServer is the endpoint facing the upstream server.
	RoleServer
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// Endpoint is one side of a proxied session. It is mutated only by the
// owning QUIC layer until termination.
type Endpoint struct {
	Role     Role
	PeerAddr netip.AddrPort
	SockAddr netip.AddrPort

	// SNI seen on the client side, or to send on the server side.
	SNI        string
	ALPN       string
	ALPNOffers []string
	CipherName string
	TLSVersion string

	TLSEstablished bool
	TLSSetupAt     time.Time

	// Certificates is the peer chain observed during the handshake, leaf
	// first.
	Certificates []*x509.Certificate

	Error     string
	Connected bool
}

func (e *Endpoint) String() string {
	return fmt.Sprintf("%s(%s)", e.Role, e.PeerAddr)
}

// Context pairs the two endpoints of a session with the connection handler
// that owns their transports.
type Context struct {
	Client  *Endpoint
	Server  *Endpoint
	Handler Handler
}

// NewContext builds a context for a freshly accepted client flow. The server
// endpoint starts unconnected; its peer address is the upstream destination.
func NewContext(handler Handler, clientPeer, clientSock, upstream netip.AddrPort) *Context {
	return &Context{
		Client: &Endpoint{
			Role:      RoleClient,
			PeerAddr:  clientPeer,
			SockAddr:  clientSock,
			Connected: true,
		},
		Server: &Endpoint{
			Role:     RoleServer,
			PeerAddr: upstream,
		},
		Handler: handler,
	}
}

// Handler is the slice of the I/O runtime a layer may reach across handler
// boundaries. Roaming uses it to deliver events into a peer handler's serial
// loop and to write datagrams on the peer's client transport.
type Handler interface {
	// Deliver enqueues an event into the handler's event loop. It must be
	// safe to call from another handler's goroutine.
	Deliver(ev any)
	// WriteClient writes a datagram to the handler's client transport.
	WriteClient(data []byte) error
}
