package quic

import (
	"crypto/tls"
	"fmt"
	"io"
	"net/netip"
	"time"

	"github.com/rs/zerolog"

	"github.com/quicmitm/quicmitm/connection"
	"github.com/quicmitm/quicmitm/engine"
	"github.com/quicmitm/quicmitm/proxy"
)

// layerCallbacks are the points where the client and server specializations
// refine the base layer's event processing.
type layerCallbacks interface {
	// onConnectionIDIssued is called for every connection ID the engine
	// starts accepting, including the host CID at engine creation.
	onConnectionIDIssued(cid []byte)
	onConnectionIDRetired(cid []byte)
	// afterHandshake runs between the established hook and the QuicStart
	// notification of the child.
	afterHandshake() []proxy.Command
	// onTerminated runs once the engine reference is dropped.
	onTerminated()
	// filterChildCommand gets the first look at every command the child
	// emits. It returns the commands to emit instead and whether the
	// command was consumed.
	filterChildCommand(cmd proxy.Command) ([]proxy.Command, bool)
}

// nopCallbacks is the base behavior for specializations that do not refine a
// callback.
type nopCallbacks struct{}

func (nopCallbacks) onConnectionIDIssued([]byte)  {}
func (nopCallbacks) onConnectionIDRetired([]byte) {}
func (nopCallbacks) afterHandshake() []proxy.Command {
	return nil
}
func (nopCallbacks) onTerminated() {}
func (nopCallbacks) filterChildCommand(proxy.Command) ([]proxy.Command, bool) {
	return nil, false
}

// quicLayer drives one engine instance for one endpoint: it feeds datagrams
// in, drains events and packets, coalesces the wakeup timer, mediates the
// TLS bootstrap through the addon hooks and forwards post-handshake events
// to the child layer.
type quicLayer struct {
	rt    *Runtime
	log   zerolog.Logger
	ctx   *connection.Context
	conn  *connection.Endpoint
	child proxy.Layer
	cb    layerCallbacks

	eng *engine.Adapter
	tls *engine.TLSSettings

	wakeups map[*proxy.RequestWakeup]time.Time
	routes  map[netip.AddrPort]connection.Handler
}

func newQuicLayer(rt *Runtime, ctx *connection.Context, conn *connection.Endpoint, child proxy.Layer, cb layerCallbacks) *quicLayer {
	return &quicLayer{
		rt:      rt,
		log:     rt.Logger.With().Stringer("conn", conn).Logger(),
		ctx:     ctx,
		conn:    conn,
		child:   child,
		cb:      cb,
		wakeups: make(map[*proxy.RequestWakeup]time.Time),
		routes:  make(map[netip.AddrPort]connection.Handler),
	}
}

// handleEvent is the base event intake of §4.4. Specializations wrap it.
func (l *quicLayer) handleEvent(ev proxy.Event) []proxy.Command {
	switch ev := ev.(type) {
	case proxy.DataReceived:
		if ev.Conn == l.conn && l.eng != nil {
			l.eng.FeedDatagram(ev.Data, l.conn.PeerAddr, l.rt.Now())
			return l.processEvents()
		}

	case proxy.ConnectionClosed:
		if ev.Conn == l.conn && l.eng != nil {
			// The engine cannot send packets anymore; force the
			// terminated state and make sure a close event exists.
			l.eng.Instance().Abort(engine.ConnectionTerminated{
				ErrorCode: engine.ApplicationError,
				Reason:    "UDP connection closed or timed out.",
			})
			closeEvent := l.eng.Instance().CloseEvent()
			cmds := l.handleConnectionTerminated(*closeEvent)
			return append(cmds, l.eventToChild(ev)...)
		}

	case proxy.Wakeup:
		if deadline, ok := l.wakeups[ev.Command]; ok {
			delete(l.wakeups, ev.Command)
			if l.eng != nil {
				now := l.rt.Now()
				if deadline.After(now) {
					now = deadline
				}
				l.eng.Instance().HandleTimer(now)
				return l.processEvents()
			}
			return nil
		}
	}
	return l.eventToChild(ev)
}

// eventToChild forwards an event to the child layer and filters the commands
// it returns.
func (l *quicLayer) eventToChild(ev proxy.Event) []proxy.Command {
	var out []proxy.Command
	for _, cmd := range l.child.Handle(ev) {
		if replaced, ok := l.cb.filterChildCommand(cmd); ok {
			out = append(out, replaced...)
			continue
		}
		switch cmd := cmd.(type) {
		case proxy.Transmit:
			if cmd.Conn == l.conn {
				if cmd.Engine == l.eng {
					out = append(out, l.transmit()...)
				}
				continue
			}

		case proxy.CloseConnection:
			if cmd.Conn == l.conn && l.eng != nil {
				// Close QUIC first; the engine will emit a
				// ConnectionTerminated and the close packets
				// still need to go on the wire.
				l.eng.Instance().Close(engine.NoError, nil, "CloseConnection command received.")
				out = append(out, l.processEvents()...)
				continue
			}
		}
		out = append(out, cmd)
	}
	return out
}

// processEvents drains engine events in arrival order, then transmits. A
// termination event stops the drain.
func (l *quicLayer) processEvents() []proxy.Command {
	var out []proxy.Command
	for _, ev := range l.eng.DrainEvents() {
		switch ev := ev.(type) {
		case engine.ConnectionIDIssued:
			l.cb.onConnectionIDIssued(ev.ConnectionID)

		case engine.ConnectionIDRetired:
			l.cb.onConnectionIDRetired(ev.ConnectionID)

		case engine.ConnectionTerminated:
			out = append(out, l.handleConnectionTerminated(ev)...)
			if l.conn.Connected {
				out = append(out, proxy.CloseConnection{Conn: l.conn})
			}
			// No further events are handled and no data can be
			// transmitted anymore.
			return out

		case engine.HandshakeCompleted:
			l.handleHandshakeCompleted(ev)
			out = append(out, l.cb.afterHandshake()...)
			out = append(out, l.eventToChild(proxy.QuicStart{Conn: l.conn, Engine: l.eng})...)

		case engine.PingAcknowledged, engine.ProtocolNegotiated:
			// The engine handles these itself; nothing above acts
			// on them before HandshakeCompleted.

		case engine.DatagramFrameReceived, engine.StreamDataReceived, engine.StreamReset:
			if !l.conn.TLSEstablished {
				panic(fmt.Sprintf("%s: data event before handshake completion: %T", l.conn, ev))
			}
			out = append(out, l.eventToChild(proxy.QuicConnectionEvent{Conn: l.conn, Event: ev})...)

		default:
			panic(fmt.Sprintf("unexpected engine event: %T", ev))
		}
	}
	return append(out, l.transmit()...)
}

func (l *quicLayer) handleHandshakeCompleted(ev engine.HandshakeCompleted) {
	inst := l.eng.Instance()
	l.conn.TLSSetupAt = l.rt.Now()
	l.conn.TLSEstablished = true
	l.conn.Certificates = inst.PeerCertificates()
	l.conn.ALPN = ev.ALPN
	l.conn.CipherName = tls.CipherSuiteName(inst.CipherSuite())
	l.conn.TLSVersion = "QUIC"

	data := &proxy.TlsData{Conn: l.conn, Context: l.ctx, Settings: l.tls}
	if l.conn == l.ctx.Client {
		l.rt.Hooks.TlsEstablishedClient(data)
	} else {
		l.rt.Hooks.TlsEstablishedServer(data)
	}

	l.log.Debug().
		Bool("early_data", ev.EarlyDataAccepted).
		Bool("resumed", ev.SessionResumed).
		Msg("QUIC connection established")
}

// handleConnectionTerminated runs when either the engine or the underlying
// transport is done. A pre-handshake termination surfaces as a TLS failure.
func (l *quicLayer) handleConnectionTerminated(ev engine.ConnectionTerminated) []proxy.Command {
	reason := ev.Reason
	if reason == "" {
		reason = engine.ErrorCodeName(ev.ErrorCode)
	}
	if !l.conn.TLSEstablished {
		l.conn.Error = reason
		data := &proxy.TlsData{Conn: l.conn, Context: l.ctx, Settings: l.tls}
		if l.conn == l.ctx.Client {
			l.rt.Hooks.TlsFailedClient(data)
		} else {
			l.rt.Hooks.TlsFailedServer(data)
		}
	}

	// Only the engine is dropped; keeping tls records that startTLS
	// already ran.
	l.eng = nil
	l.cb.onTerminated()

	logEvent := l.log.Info()
	if engine.IsSuccessCode(ev.ErrorCode) {
		logEvent = l.log.Debug()
	}
	logEvent.Str("reason", reason).Msg("QUIC connection destroyed")
	return nil
}

// startTLS queries the addons for TLS settings and creates the engine
// instance. originalDestinationCID is required server-side and absent
// client-side.
func (l *quicLayer) startTLS(originalDestinationCID []byte) bool {
	if l.eng != nil || l.tls != nil {
		panic(fmt.Sprintf("%s: TLS already started", l.conn))
	}

	data := &proxy.TlsData{Conn: l.conn, Context: l.ctx}
	if l.conn == l.ctx.Client {
		l.rt.Hooks.QuicTlsStartClient(data)
	} else {
		l.rt.Hooks.QuicTlsStartServer(data)
	}
	if data.Settings == nil {
		l.log.Error().Msg("No QUIC TLS settings provided by addon(s).")
		return false
	}
	l.tls = data.Settings

	var keyLog io.Writer
	if w := l.rt.KeyLogWriter(); w != nil {
		keyLog = w
	}
	inst, err := l.rt.Engines.NewInstance(engine.Config{
		IsClient:               l.conn == l.ctx.Server,
		ALPNProtocols:          l.conn.ALPNOffers,
		ConnectionIDLength:     l.rt.Options.ConnectionIDLength,
		ServerName:             l.conn.SNI,
		KeyLogWriter:           keyLog,
		TLS:                    *l.tls,
		OriginalDestinationCID: originalDestinationCID,
	})
	if err != nil {
		l.log.Error().Err(err).Msg("Failed to create QUIC engine")
		return false
	}
	l.eng = engine.NewAdapter(inst)

	// The host CID is live as soon as the engine exists; register it
	// before the first packet is processed.
	l.cb.onConnectionIDIssued(inst.HostConnectionID())

	l.log.Debug().Msg("QUIC connection created")
	return true
}

// transmit drains pending packets and re-arms the wakeup timer. Packets for
// an address other than the primary peer are written through the roaming
// route table.
func (l *quicLayer) transmit() []proxy.Command {
	var out []proxy.Command
	now := l.rt.Now()
	for _, dg := range l.eng.PendingPackets(now) {
		if dg.To == l.conn.PeerAddr {
			out = append(out, proxy.SendData{Conn: l.conn, Data: dg.Data})
			continue
		}
		handler, ok := l.routes[dg.To]
		if !ok {
			l.log.Info().Stringer("addr", dg.To).Msg("No route to address")
			unroutedPackets.Inc()
			continue
		}
		if err := handler.WriteClient(dg.Data); err != nil {
			l.log.Error().Err(err).Stringer("addr", dg.To).Msg("Failed to write on roamed transport")
		}
	}

	deadline := l.eng.NextDeadline()
	if deadline.IsZero() {
		return out
	}
	for _, existing := range l.wakeups {
		if !existing.After(deadline) {
			return out
		}
	}
	cmd := &proxy.RequestWakeup{Delay: deadline.Sub(now)}
	l.wakeups[cmd] = deadline
	return append(out, cmd)
}

// addRoute registers a roamed context's peer address. Packets the engine
// addresses there are written through the roamed handler's transport.
func (l *quicLayer) addRoute(ctx *connection.Context) {
	if _, ok := l.routes[ctx.Client.PeerAddr]; ok {
		panic(fmt.Sprintf("route %s registered twice", ctx.Client.PeerAddr))
	}
	l.routes[ctx.Client.PeerAddr] = ctx.Handler
}

// removeRoute drops a roamed context's registration.
func (l *quicLayer) removeRoute(ctx *connection.Context) {
	if l.routes[ctx.Client.PeerAddr] != ctx.Handler {
		panic(fmt.Sprintf("route %s not owned by caller", ctx.Client.PeerAddr))
	}
	delete(l.routes, ctx.Client.PeerAddr)
}
