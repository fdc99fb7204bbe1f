package server

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/rs/zerolog"

	"github.com/quicmitm/quicmitm/connection"
	"github.com/quicmitm/quicmitm/proxy"
	"github.com/quicmitm/quicmitm/quic"
)

// handler serves one client UDP flow: it owns the layer stack, the upstream
// transport, and the serial event loop everything runs on.
type handler struct {
	srv  *Server
	peer netip.AddrPort
	log  zerolog.Logger

	ctx   *connection.Context
	layer proxy.Layer

	events chan proxy.Event
	done   chan struct{}

	upstream *net.UDPConn

	// activeAt is written by the event loop only; the idle ticker reads
	// it through activeAtChan, losing precision but never blocking.
	activeAtChan chan time.Time
}

func newHandler(s *Server, peer netip.AddrPort) *handler {
	h := &handler{
		srv:          s,
		peer:         peer,
		log:          s.log.With().Stringer("client", peer).Logger(),
		events:       make(chan proxy.Event, 16),
		done:         make(chan struct{}),
		activeAtChan: make(chan time.Time, 1),
	}
	h.ctx = connection.NewContext(h, peer, s.localAddr(), s.upstream)
	h.layer = quic.NewStack(s.rt, h.ctx, s.cfg.CanRoam)
	return h
}

// Deliver enqueues an event for the handler's loop. Safe to call from any
// goroutine; events for a finished handler are dropped.
func (h *handler) Deliver(ev any) {
	event, ok := ev.(proxy.Event)
	if !ok {
		h.log.Error().Type("event", ev).Msg("Dropped foreign event")
		return
	}
	select {
	case h.events <- event:
	case <-h.done:
	}
}

// WriteClient writes a datagram to the client through the listening socket.
func (h *handler) WriteClient(data []byte) error {
	_, err := h.srv.conn.WriteToUDPAddrPort(data, h.ctx.Client.PeerAddr)
	return err
}

func (h *handler) clientData(data []byte) proxy.Event {
	return proxy.DataReceived{Conn: h.ctx.Client, Data: data}
}

func (h *handler) run(ctx context.Context) {
	defer h.teardown()

	h.execute(h.layer.Handle(proxy.Start{}))

	idleTicker := time.NewTicker(h.srv.cfg.CloseAfterIdle / 8)
	defer idleTicker.Stop()
	activeAt := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case ev := <-h.events:
			h.markActive()
			if closed, ok := ev.(proxy.ConnectionClosed); ok {
				if !closed.Conn.Connected {
					continue
				}
				closed.Conn.Connected = false
			}
			h.execute(h.layer.Handle(ev))
			if !h.ctx.Client.Connected && !h.ctx.Server.Connected {
				return
			}
		case now := <-idleTicker.C:
			if now.After(activeAt.Add(h.srv.cfg.CloseAfterIdle)) {
				h.log.Debug().Msg("Closing idle connection")
				h.closeEndpoint(h.ctx.Client)
				h.closeEndpoint(h.ctx.Server)
				return
			}
		case activeAt = <-h.activeAtChan:
		}
	}
}

// markActive feeds the idle checker without blocking; precision loss under
// load is fine.
func (h *handler) markActive() {
	select {
	case h.activeAtChan <- time.Now():
	default:
	}
}

// execute interprets the commands a Handle call returned, in order.
func (h *handler) execute(cmds []proxy.Command) {
	for _, cmd := range cmds {
		switch cmd := cmd.(type) {
		case proxy.SendData:
			h.sendData(cmd)

		case *proxy.OpenConnection:
			h.openConnection(cmd)

		case proxy.CloseConnection:
			h.closeEndpoint(cmd.Conn)

		case *proxy.RequestWakeup:
			wakeup := cmd
			time.AfterFunc(wakeup.Delay, func() {
				h.Deliver(proxy.Wakeup{Command: wakeup})
			})

		default:
			h.log.Error().Type("command", cmd).Msg("Dropped unexpected command")
		}
	}
}

func (h *handler) sendData(cmd proxy.SendData) {
	var err error
	if cmd.Conn == h.ctx.Client {
		err = h.WriteClient(cmd.Data)
	} else if h.upstream != nil {
		_, err = h.upstream.Write(cmd.Data)
	} else {
		h.log.Error().Msg("Dropped datagram for unconnected upstream")
		return
	}
	if err != nil {
		h.log.Debug().Err(err).Msg("Failed to write datagram")
	}
}

func (h *handler) openConnection(cmd *proxy.OpenConnection) {
	if cmd.Conn != h.ctx.Server {
		h.log.Error().Msg("Dropped open for unexpected endpoint")
		return
	}
	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(h.ctx.Server.PeerAddr))
	if err != nil {
		h.Deliver(proxy.OpenConnectionCompleted{Command: cmd, Err: err})
		return
	}
	h.upstream = conn
	h.ctx.Server.Connected = true
	h.ctx.Server.SockAddr = conn.LocalAddr().(*net.UDPAddr).AddrPort()
	go h.upstreamReadLoop(conn)
	h.Deliver(proxy.OpenConnectionCompleted{Command: cmd})
}

func (h *handler) upstreamReadLoop(conn *net.UDPConn) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			h.Deliver(proxy.ConnectionClosed{Conn: h.ctx.Server})
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		h.Deliver(proxy.DataReceived{Conn: h.ctx.Server, Data: data})
	}
}

// closeEndpoint tears an endpoint's transport down and reports the close
// back into the layer stack.
func (h *handler) closeEndpoint(conn *connection.Endpoint) {
	if !conn.Connected {
		return
	}
	conn.Connected = false
	if conn == h.ctx.Server && h.upstream != nil {
		_ = h.upstream.Close()
	}
	h.execute(h.layer.Handle(proxy.ConnectionClosed{Conn: conn}))
}

func (h *handler) close() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

func (h *handler) teardown() {
	h.close()
	if h.upstream != nil {
		_ = h.upstream.Close()
	}
	h.srv.removeHandler(h)
}
