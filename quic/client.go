package quic

import (
	"fmt"

	"github.com/quicmitm/quicmitm/connection"
	"github.com/quicmitm/quicmitm/engine"
	"github.com/quicmitm/quicmitm/proxy"
)

// ClientQuicLayer terminates inbound QUIC. The very first datagram decides
// the connection's fate: version negotiation, roaming onto an existing
// handler, or a fresh handshake with ClientHello extraction and addon
// consultation.
type ClientQuicLayer struct {
	*quicLayer

	canRoam     bool
	serverLayer *ServerQuicLayer

	// serverFirstOpen tracks an upstream open issued because an addon
	// requested server-tls-first; its outcome never aborts the client
	// handshake.
	serverFirstOpen *proxy.OpenConnection

	// replacement takes over all event handling once this layer replaced
	// itself with a roaming or passthrough layer.
	replacement proxy.Layer
}

// NewClientQuicLayer builds the client-facing layer. serverLayer is the
// upstream parent when the pair moves as a unit, nil otherwise.
func NewClientQuicLayer(rt *Runtime, ctx *connection.Context, child proxy.Layer, serverLayer *ServerQuicLayer, canRoam bool) *ClientQuicLayer {
	c := &ClientQuicLayer{
		canRoam:     canRoam,
		serverLayer: serverLayer,
	}
	c.quicLayer = newQuicLayer(rt, ctx, ctx.Client, child, c)
	totalClientConnections.Inc()
	return c
}

func (c *ClientQuicLayer) Handle(ev proxy.Event) []proxy.Command {
	if c.replacement != nil {
		return c.replacement.Handle(ev)
	}
	switch ev := ev.(type) {
	case proxy.DataReceived:
		if ev.Conn == c.conn && c.tls == nil {
			cmds, handled, errMsg := c.datagramReceived(ev)
			if errMsg != "" {
				c.log.Info().Msg(errMsg)
				return cmds
			}
			if handled {
				return cmds
			}
			// A fresh handshake: the same datagram now feeds the
			// newly created engine.
			return append(cmds, c.handleEvent(ev)...)
		}

	case proxy.OpenConnectionCompleted:
		if ev.Command == c.serverFirstOpen {
			c.serverFirstOpen = nil
			if ev.Err != nil {
				c.log.Info().Err(ev.Err).
					Msg("Unable to establish QUIC connection with server. " +
						"Trying to establish QUIC with client anyway.")
			}
			return nil
		}
	}
	return c.handleEvent(ev)
}

// datagramReceived routes the first packet of a new UDP flow: negotiate the
// version, splice a roaming connection, or begin a new handshake.
func (c *ClientQuicLayer) datagramReceived(ev proxy.DataReceived) (cmds []proxy.Command, handled bool, errMsg string) {
	hdr, err := engine.ParseHeader(ev.Data, c.rt.Options.ConnectionIDLength)
	if err != nil {
		return nil, false, "Invalid QUIC datagram received."
	}

	if hdr.IsLongHeader && hdr.Version != 0 && !engine.IsSupportedVersion(hdr.Version) {
		versionNegotiationsSent.Inc()
		packet := engine.EncodeVersionNegotiation(hdr.SourceCID, hdr.DestinationCID, engine.SupportedVersions)
		return []proxy.Command{proxy.SendData{Conn: c.conn, Data: packet}}, true, ""
	}

	if target := c.rt.Connections.Lookup(c.conn.SockAddr, hdr.DestinationCID); target != nil {
		if !c.canRoam {
			return nil, false, "Connection cannot roam."
		}
		roamedConnections.Inc()
		return c.replaceLayer(NewQuicRoamingLayer(c.rt, c.ctx, target), ev), true, ""
	}

	return c.startClientTLS(ev, hdr)
}

// startClientTLS extracts and reports the ClientHello, then creates the
// client-facing engine.
func (c *ClientQuicLayer) startClientTLS(ev proxy.DataReceived, hdr *engine.Header) (cmds []proxy.Command, handled bool, errMsg string) {
	if len(ev.Data) < 1200 || hdr.PacketType != engine.PacketTypeInitial {
		return nil, false, "Invalid handshake received."
	}

	hello, err := engine.ParseClientHello(ev.Data, c.rt.Options.ConnectionIDLength)
	if err != nil {
		clientHelloParseFailures.Inc()
		return nil, false, fmt.Sprintf("Cannot parse ClientHello: %s (%x)", err, ev.Data)
	}

	c.conn.SNI = hello.SNI
	c.conn.ALPNOffers = hello.ALPNProtocols

	hookData := &proxy.ClientHelloData{Context: c.ctx, Hello: hello}
	c.rt.Hooks.TlsClienthello(hookData)

	if hookData.IgnoreConnection {
		return c.replaceLayer(NewPassthroughLayer(c.rt, c.ctx), ev), true, ""
	}

	if hookData.EstablishServerTLSFirst && !c.ctx.Server.TLSEstablished {
		if c.serverLayer == nil {
			c.log.Info().Msg("Unable to establish QUIC connection with server (no server QUIC available). " +
				"Trying to establish QUIC with client anyway.")
		} else {
			c.serverFirstOpen = &proxy.OpenConnection{Conn: c.ctx.Server}
			cmds = c.dispatchServerOpen(c.serverFirstOpen)
		}
	}

	if !c.startTLS(hdr.DestinationCID) {
		return cmds, false, "TLS initialization failed."
	}
	return cmds, false, ""
}

// dispatchServerOpen pushes an upstream open through the server layer's
// command filter, the same path a child-originated open takes.
func (c *ClientQuicLayer) dispatchServerOpen(open *proxy.OpenConnection) []proxy.Command {
	if replaced, ok := c.serverLayer.filterChildCommand(open); ok {
		return replaced
	}
	return []proxy.Command{open}
}

// replaceLayer swaps this layer (and the server parent, if the pair moves
// as a unit) for the replacement, then re-dispatches the current packet.
func (c *ClientQuicLayer) replaceLayer(replacement proxy.Layer, first proxy.DataReceived) []proxy.Command {
	if c.serverLayer != nil {
		c.serverLayer.replacement = replacement
	} else {
		c.replacement = replacement
	}
	out := replacement.Handle(proxy.Start{})
	return append(out, replacement.Handle(first)...)
}

func (c *ClientQuicLayer) onConnectionIDIssued(cid []byte) {
	c.rt.Connections.Add(c.conn.SockAddr, cid, c)
}

func (c *ClientQuicLayer) onConnectionIDRetired(cid []byte) {
	c.rt.Connections.Remove(c.conn.SockAddr, cid, c)
}

func (c *ClientQuicLayer) afterHandshake() []proxy.Command {
	return nil
}

// onTerminated retires every connection ID this layer still owns, so a dead
// handshake cannot keep routing entries alive.
func (c *ClientQuicLayer) onTerminated() {
	c.rt.Connections.RemoveOwner(c)
}

func (c *ClientQuicLayer) filterChildCommand(proxy.Command) ([]proxy.Command, bool) {
	return nil, false
}
