package quic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quicmitm/quicmitm/engine"
	"github.com/quicmitm/quicmitm/engine/enginetest"
	"github.com/quicmitm/quicmitm/proxy"
)

var (
	initialDCID = []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03, 0x04}
	initialSCID = []byte{0xca, 0xfe, 0x05, 0x06}
)

func validInitial(sni string, alpns []string) []byte {
	hello := enginetest.BuildClientHello(sni, alpns, []uint16{0x1301})
	return enginetest.BuildInitial(engine.Version1, initialDCID, initialSCID, hello, 1200)
}

func newClientFixture(f *fixture, canRoam bool) (*ClientQuicLayer, *recordingLayer) {
	child := &recordingLayer{}
	client := NewClientQuicLayer(f.rt, f.ctx, child, nil, canRoam)
	return client, child
}

func TestClientHandshakeFlow(t *testing.T) {
	f := newFixture()
	client, child := newClientFixture(f, false)

	cmds := client.Handle(proxy.DataReceived{Conn: f.ctx.Client, Data: validInitial("example.com", []string{"h3"})})
	assert.Empty(t, cmds)

	// the ClientHello hook saw the offer and TLS was bootstrapped
	assert.Equal(t, []string{"tls_clienthello", "quic_tls_start_client"}, f.hooks.calls)
	assert.Equal(t, "example.com", f.ctx.Client.SNI)
	assert.Equal(t, []string{"h3"}, f.ctx.Client.ALPNOffers)

	require.Len(t, f.factory.Instances, 1)
	eng := f.factory.Instances[0]
	assert.False(t, eng.Cfg.IsClient)
	assert.Equal(t, initialDCID, eng.Cfg.OriginalDestinationCID)
	assert.Equal(t, []string{"h3"}, eng.Cfg.ALPNProtocols)
	assert.Equal(t, "example.com", eng.Cfg.ServerName)

	// the triggering datagram was fed into the fresh engine
	require.Len(t, eng.Received, 1)

	// the host CID owns its routing entry
	assert.Equal(t, client, f.rt.Connections.Lookup(clientSock, eng.HostCID))

	// handshake completion populates the endpoint and fires the hook
	eng.PushEvent(engine.HandshakeCompleted{ALPN: "h3"})
	client.Handle(proxy.DataReceived{Conn: f.ctx.Client, Data: []byte("post-handshake")})

	assert.True(t, f.ctx.Client.TLSEstablished)
	assert.Equal(t, "h3", f.ctx.Client.ALPN)
	assert.Equal(t, "QUIC", f.ctx.Client.TLSVersion)
	assert.Contains(t, f.hooks.calls, "tls_established_client")

	// the child was told QUIC is up
	var sawStart bool
	for _, ev := range child.events {
		if qs, ok := ev.(proxy.QuicStart); ok {
			sawStart = true
			assert.Equal(t, f.ctx.Client, qs.Conn)
		}
	}
	assert.True(t, sawStart)
}

func TestClientVersionNegotiation(t *testing.T) {
	f := newFixture()
	client, _ := newClientFixture(f, false)

	// long header with an unsupported version
	packet := []byte{0xc0, 0xff, 0x00, 0x00, 0x01, 2, 0xaa, 0xbb, 2, 0xcc, 0xdd}
	cmds := client.Handle(proxy.DataReceived{Conn: f.ctx.Client, Data: packet})

	require.Len(t, cmds, 1)
	send, ok := cmds[0].(proxy.SendData)
	require.True(t, ok)
	assert.Equal(t, f.ctx.Client, send.Conn)

	hdr, err := engine.ParseHeader(send.Data, 5)
	require.NoError(t, err)
	assert.Equal(t, engine.PacketTypeVersionNegotiation, hdr.PacketType)
	// RFC 9000: the negotiation packet echoes the client's source CID as
	// destination and vice versa
	assert.Equal(t, []byte{0xcc, 0xdd}, hdr.DestinationCID)
	assert.Equal(t, []byte{0xaa, 0xbb}, hdr.SourceCID)

	// no engine was created
	assert.Empty(t, f.factory.Instances)
}

func TestClientRejectsInvalidDatagram(t *testing.T) {
	f := newFixture()
	client, _ := newClientFixture(f, false)
	cmds := client.Handle(proxy.DataReceived{Conn: f.ctx.Client, Data: []byte{0x00}})
	assert.Empty(t, cmds)
	assert.Empty(t, f.factory.Instances)
}

func TestClientRejectsShortInitial(t *testing.T) {
	f := newFixture()
	client, _ := newClientFixture(f, false)

	hello := enginetest.BuildClientHello("example.com", []string{"h3"}, nil)
	packet := enginetest.BuildInitial(engine.Version1, initialDCID, initialSCID, hello, 1199)
	require.Len(t, packet, 1199)

	cmds := client.Handle(proxy.DataReceived{Conn: f.ctx.Client, Data: packet})
	assert.Empty(t, cmds)
	assert.Empty(t, f.factory.Instances)
}

func TestClientRejectsUnparseableClientHello(t *testing.T) {
	f := newFixture()
	client, _ := newClientFixture(f, false)

	packet := validInitial("example.com", []string{"h3"})
	packet[len(packet)-1] ^= 0xff

	cmds := client.Handle(proxy.DataReceived{Conn: f.ctx.Client, Data: packet})
	assert.Empty(t, cmds)
	assert.Empty(t, f.factory.Instances)
	assert.Empty(t, f.hooks.calls)
}

func TestClientIgnoreConnectionInstallsPassthrough(t *testing.T) {
	f := newFixture()
	client, _ := newClientFixture(f, false)
	f.hooks.onClientHello = func(d *proxy.ClientHelloData) {
		d.IgnoreConnection = true
	}

	packet := validInitial("example.com", []string{"h3"})
	cmds := client.Handle(proxy.DataReceived{Conn: f.ctx.Client, Data: packet})

	// no engine; the passthrough opened the upstream and will forward the
	// packet once it is connected
	assert.Empty(t, f.factory.Instances)
	require.Len(t, cmds, 1)
	open, ok := cmds[0].(*proxy.OpenConnection)
	require.True(t, ok)
	assert.Equal(t, f.ctx.Server, open.Conn)

	// subsequent datagrams bypass QUIC processing entirely
	f.ctx.Server.Connected = true
	cmds = client.Handle(proxy.DataReceived{Conn: f.ctx.Client, Data: []byte("raw")})
	require.Len(t, cmds, 1)
	assert.Equal(t, proxy.SendData{Conn: f.ctx.Server, Data: []byte("raw")}, cmds[0])
}

func TestClientTLSInitializationFailure(t *testing.T) {
	f := newFixture()
	client, _ := newClientFixture(f, false)
	f.hooks.onTlsStartClient = func(*proxy.TlsData) {} // addon provides nothing

	cmds := client.Handle(proxy.DataReceived{Conn: f.ctx.Client, Data: validInitial("example.com", []string{"h3"})})
	assert.Empty(t, cmds)
	assert.Empty(t, f.factory.Instances)
}

func TestClientRoamingDisabledRejectsKnownCID(t *testing.T) {
	f := newFixture()
	target, _ := newClientFixture(f, false)
	f.rt.Connections.Add(clientSock, []byte("cid-0"), target)

	roamedCtx := f.ctx
	client, _ := newClientFixture(f, false)

	// short-header packet carrying the known CID
	packet := append([]byte{0x40}, append([]byte("cid-0"), []byte("payload")...)...)
	cmds := client.Handle(proxy.DataReceived{Conn: roamedCtx.Client, Data: packet})
	assert.Empty(t, cmds)
	assert.Nil(t, client.replacement)
}

func TestClientRoamingSplicesOntoExistingHandler(t *testing.T) {
	f := newFixture()
	targetHandler := &fakeHandler{}
	targetCtx := newContextWithHandler(targetHandler)
	target := NewClientQuicLayer(f.rt, targetCtx, &recordingLayer{}, nil, false)
	f.rt.Connections.Add(clientSock, []byte("cid-0"), target)

	roamHandler := &fakeHandler{}
	roamCtx := newContextWithHandler(roamHandler)
	roamCtx.Client.PeerAddr = roamedPeer
	client := NewClientQuicLayer(f.rt, roamCtx, &recordingLayer{}, nil, true)

	packet := append([]byte{0x40}, append([]byte("cid-0"), []byte("payload")...)...)
	cmds := client.Handle(proxy.DataReceived{Conn: roamCtx.Client, Data: packet})
	assert.Empty(t, cmds)

	// the roaming layer took over and registered a route
	require.NotNil(t, client.replacement)
	assert.Contains(t, target.routes, roamedPeer)

	// the packet reached the original handler with the peer rewritten
	assert.Equal(t, roamedPeer, targetCtx.Client.PeerAddr)
	require.Len(t, targetHandler.delivered, 1)
	data, ok := targetHandler.delivered[0].(proxy.DataReceived)
	require.True(t, ok)
	assert.Equal(t, targetCtx.Client, data.Conn)
	assert.Equal(t, packet, data.Data)

	// closing the roamed flow removes the route
	client.Handle(proxy.ConnectionClosed{Conn: roamCtx.Client})
	assert.NotContains(t, target.routes, roamedPeer)

	// late events are dropped silently
	assert.Empty(t, client.Handle(proxy.DataReceived{Conn: roamCtx.Client, Data: packet}))
}

func TestClientWakeupCoalescing(t *testing.T) {
	f := newFixture()
	client, _ := newClientFixture(f, false)

	client.Handle(proxy.DataReceived{Conn: f.ctx.Client, Data: validInitial("example.com", []string{"h3"})})
	require.Len(t, f.factory.Instances, 1)
	eng := f.factory.Instances[0]

	deadline := f.now.Add(50 * time.Millisecond)
	eng.SetTimer(deadline)
	cmds := client.Handle(proxy.DataReceived{Conn: f.ctx.Client, Data: []byte("x")})
	wakeup, ok := lastCommand(cmds).(*proxy.RequestWakeup)
	require.True(t, ok)
	assert.Equal(t, 50*time.Millisecond, wakeup.Delay)

	// an outstanding earlier-or-equal deadline suppresses a new request
	cmds = client.Handle(proxy.DataReceived{Conn: f.ctx.Client, Data: []byte("y")})
	for _, cmd := range cmds {
		_, isWakeup := cmd.(*proxy.RequestWakeup)
		assert.False(t, isWakeup)
	}

	// firing the wakeup runs the timer and allows a new request
	cmds = client.Handle(proxy.Wakeup{Command: wakeup})
	require.Len(t, eng.HandledTimerAt, 1)
	assert.Equal(t, deadline, eng.HandledTimerAt[0])
	wakeup2, ok := lastCommand(cmds).(*proxy.RequestWakeup)
	require.True(t, ok)
	assert.NotSame(t, wakeup, wakeup2)
}

func TestClientConnectionClosedSynthesizesTermination(t *testing.T) {
	f := newFixture()
	client, _ := newClientFixture(f, false)

	client.Handle(proxy.DataReceived{Conn: f.ctx.Client, Data: validInitial("example.com", []string{"h3"})})
	require.Len(t, f.factory.Instances, 1)
	eng := f.factory.Instances[0]

	f.ctx.Client.Connected = false
	client.Handle(proxy.ConnectionClosed{Conn: f.ctx.Client})

	// pre-handshake close surfaces as TLS failure with the synthetic
	// reason
	assert.Contains(t, f.hooks.calls, "tls_failed_client")
	assert.Equal(t, "UDP connection closed or timed out.", f.ctx.Client.Error)
	require.NotNil(t, eng.CloseEvent())
	assert.Equal(t, engine.ApplicationError, eng.CloseEvent().ErrorCode)

	// the routing entries of the dead layer are gone
	assert.Nil(t, f.rt.Connections.Lookup(clientSock, eng.HostCID))
}

func TestClientCIDRetirement(t *testing.T) {
	f := newFixture()
	client, _ := newClientFixture(f, false)

	client.Handle(proxy.DataReceived{Conn: f.ctx.Client, Data: validInitial("example.com", []string{"h3"})})
	eng := f.factory.Instances[0]

	eng.PushEvent(engine.ConnectionIDIssued{ConnectionID: []byte("newer")})
	client.Handle(proxy.DataReceived{Conn: f.ctx.Client, Data: []byte("x")})
	assert.Equal(t, client, f.rt.Connections.Lookup(clientSock, []byte("newer")))

	eng.PushEvent(engine.ConnectionIDRetired{ConnectionID: []byte("newer")})
	client.Handle(proxy.DataReceived{Conn: f.ctx.Client, Data: []byte("y")})
	assert.Nil(t, f.rt.Connections.Lookup(clientSock, []byte("newer")))
}
