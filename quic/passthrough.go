package quic

import (
	"github.com/rs/zerolog"

	"github.com/quicmitm/quicmitm/connection"
	"github.com/quicmitm/quicmitm/proxy"
)

type passthroughState int

const (
	passthroughStart passthroughState = iota
	passthroughReady
	passthroughDone
)

// PassthroughLayer relays raw datagrams between the client and the upstream
// without interception. It is installed when the ClientHello hook asks for
// the connection to be ignored; no flows are created and no hooks fire.
type PassthroughLayer struct {
	rt  *Runtime
	log zerolog.Logger
	ctx *connection.Context

	state passthroughState
	// pending buffers client datagrams while the upstream dial is
	// outstanding.
	pending [][]byte
}

func NewPassthroughLayer(rt *Runtime, ctx *connection.Context) *PassthroughLayer {
	return &PassthroughLayer{
		rt:  rt,
		log: rt.Logger.With().Str("layer", "passthrough").Logger(),
		ctx: ctx,
	}
}

func (p *PassthroughLayer) Handle(ev proxy.Event) []proxy.Command {
	switch p.state {
	case passthroughStart:
		if _, ok := ev.(proxy.Start); !ok {
			panic("passthrough layer: expected Start event")
		}
		p.state = passthroughReady
		if !p.ctx.Server.Connected {
			return []proxy.Command{&proxy.OpenConnection{Conn: p.ctx.Server}}
		}
		return nil

	case passthroughReady:
		return p.relay(ev)

	default:
		return nil
	}
}

func (p *PassthroughLayer) relay(ev proxy.Event) []proxy.Command {
	switch ev := ev.(type) {
	case proxy.OpenConnectionCompleted:
		if ev.Err != nil {
			p.log.Debug().Err(ev.Err).Msg("Failed to open upstream for ignored connection")
			p.state = passthroughDone
			return []proxy.Command{proxy.CloseConnection{Conn: p.ctx.Client}}
		}
		out := make([]proxy.Command, 0, len(p.pending))
		for _, data := range p.pending {
			out = append(out, proxy.SendData{Conn: p.ctx.Server, Data: data})
		}
		p.pending = nil
		return out

	case proxy.DataReceived:
		if ev.Conn == p.ctx.Client {
			if !p.ctx.Server.Connected {
				p.pending = append(p.pending, ev.Data)
				return nil
			}
			return []proxy.Command{proxy.SendData{Conn: p.ctx.Server, Data: ev.Data}}
		}
		return []proxy.Command{proxy.SendData{Conn: p.ctx.Client, Data: ev.Data}}

	case proxy.ConnectionClosed:
		p.state = passthroughDone
		peer := p.ctx.Server
		if ev.Conn == peer {
			peer = p.ctx.Client
		}
		if peer.Connected {
			return []proxy.Command{proxy.CloseConnection{Conn: peer}}
		}
		return nil
	}
	return nil
}
