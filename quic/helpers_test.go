package quic

import (
	"net/netip"
	"time"

	"github.com/rs/zerolog"

	"github.com/quicmitm/quicmitm/connection"
	"github.com/quicmitm/quicmitm/engine"
	"github.com/quicmitm/quicmitm/engine/enginetest"
	"github.com/quicmitm/quicmitm/flow"
	"github.com/quicmitm/quicmitm/proxy"
)

var (
	clientPeer   = netip.MustParseAddrPort("203.0.113.9:40000")
	clientSock   = netip.MustParseAddrPort("192.0.2.1:8443")
	upstreamAddr = netip.MustParseAddrPort("198.51.100.7:443")
	roamedPeer   = netip.MustParseAddrPort("203.0.113.9:40001")
)

// testHooks records hook invocations in order and lets tests hang mutation
// callbacks off the message hooks. TLS start hooks provide empty settings by
// default so handshakes can proceed.
type testHooks struct {
	calls []string

	onTlsStartClient func(*proxy.TlsData)
	onClientHello    func(*proxy.ClientHelloData)
	onUdpMessage     func(*flow.UDPFlow)
	onTcpMessage     func(*flow.TCPFlow)

	tlsFailed []string
}

func (h *testHooks) record(name string) {
	h.calls = append(h.calls, name)
}

func (h *testHooks) QuicTlsStartClient(d *proxy.TlsData) {
	h.record("quic_tls_start_client")
	if h.onTlsStartClient != nil {
		h.onTlsStartClient(d)
		return
	}
	d.Settings = &engine.TLSSettings{}
}

func (h *testHooks) QuicTlsStartServer(d *proxy.TlsData) {
	h.record("quic_tls_start_server")
	d.Settings = &engine.TLSSettings{}
}

func (h *testHooks) TlsClienthello(d *proxy.ClientHelloData) {
	h.record("tls_clienthello")
	if h.onClientHello != nil {
		h.onClientHello(d)
	}
}

func (h *testHooks) TlsEstablishedClient(*proxy.TlsData) { h.record("tls_established_client") }
func (h *testHooks) TlsEstablishedServer(*proxy.TlsData) { h.record("tls_established_server") }

func (h *testHooks) TlsFailedClient(d *proxy.TlsData) {
	h.record("tls_failed_client")
	h.tlsFailed = append(h.tlsFailed, d.Conn.Error)
}

func (h *testHooks) TlsFailedServer(d *proxy.TlsData) {
	h.record("tls_failed_server")
	h.tlsFailed = append(h.tlsFailed, d.Conn.Error)
}

func (h *testHooks) UdpStart(*flow.UDPFlow) { h.record("udp_start") }

func (h *testHooks) UdpMessage(f *flow.UDPFlow) {
	h.record("udp_message")
	if h.onUdpMessage != nil {
		h.onUdpMessage(f)
	}
}

func (h *testHooks) UdpEnd(*flow.UDPFlow)   { h.record("udp_end") }
func (h *testHooks) UdpError(*flow.UDPFlow) { h.record("udp_error") }

func (h *testHooks) TcpStart(*flow.TCPFlow) { h.record("tcp_start") }

func (h *testHooks) TcpMessage(f *flow.TCPFlow) {
	h.record("tcp_message")
	if h.onTcpMessage != nil {
		h.onTcpMessage(f)
	}
}

func (h *testHooks) TcpEnd(*flow.TCPFlow)   { h.record("tcp_end") }
func (h *testHooks) TcpError(*flow.TCPFlow) { h.record("tcp_error") }

// fakeHandler records what a peer handler would have received.
type fakeHandler struct {
	delivered []proxy.Event
	written   [][]byte
}

func (h *fakeHandler) Deliver(ev any) {
	h.delivered = append(h.delivered, ev.(proxy.Event))
}

func (h *fakeHandler) WriteClient(data []byte) error {
	h.written = append(h.written, data)
	return nil
}

// recordingLayer is a scripted child layer.
type recordingLayer struct {
	events   []proxy.Event
	commands []proxy.Command
}

func (l *recordingLayer) Handle(ev proxy.Event) []proxy.Command {
	l.events = append(l.events, ev)
	out := l.commands
	l.commands = nil
	return out
}

type fixture struct {
	rt      *Runtime
	hooks   *testHooks
	factory *enginetest.Factory
	handler *fakeHandler
	ctx     *connection.Context
	now     time.Time
}

func newFixture() *fixture {
	f := &fixture{
		hooks:   &testHooks{},
		factory: &enginetest.Factory{},
		handler: &fakeHandler{},
		now:     time.Unix(1700000000, 0),
	}
	log := zerolog.Nop()
	prt := proxy.NewRuntime(proxy.Options{ConnectionIDLength: 5}, f.hooks, f.factory, &log)
	prt.Now = func() time.Time { return f.now }
	f.rt = NewRuntime(prt)
	f.ctx = connection.NewContext(f.handler, clientPeer, clientSock, upstreamAddr)
	return f
}

// newEstablishedRelay returns a relay with both engines registered and the
// upstream marked connected.
func newEstablishedRelay(f *fixture) (*StreamRelayLayer, *enginetest.Instance, *enginetest.Instance) {
	f.ctx.Server.Connected = true
	relay := NewStreamRelayLayer(f.rt, f.ctx, false)
	relay.Handle(proxy.Start{})
	engClient := enginetest.NewInstance([]byte("cid-c"))
	engServer := enginetest.NewInstance([]byte("cid-s"))
	relay.Handle(proxy.QuicStart{Conn: f.ctx.Client, Engine: engine.NewAdapter(engClient)})
	relay.Handle(proxy.QuicStart{Conn: f.ctx.Server, Engine: engine.NewAdapter(engServer)})
	return relay, engClient, engServer
}

func newContextWithHandler(h connection.Handler) *connection.Context {
	return connection.NewContext(h, clientPeer, clientSock, upstreamAddr)
}

func enginetestInstance(cid string) *enginetest.Instance {
	return enginetest.NewInstance([]byte(cid))
}

func lastCommand(cmds []proxy.Command) proxy.Command {
	if len(cmds) == 0 {
		return nil
	}
	return cmds[len(cmds)-1]
}
