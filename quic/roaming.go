package quic

import (
	"github.com/rs/zerolog"

	"github.com/quicmitm/quicmitm/connection"
	"github.com/quicmitm/quicmitm/proxy"
)

type roamingState int

const (
	roamingStart roamingState = iota
	roamingRelay
	roamingClosed
)

// QuicRoamingLayer replaces a ClientQuicLayer when a known connection ID
// shows up on a new UDP flow. It registers the new flow as a route on the
// original handler and forwards everything there; the engine stays owned by
// the original layer.
type QuicRoamingLayer struct {
	rt     *Runtime
	log    zerolog.Logger
	ctx    *connection.Context
	target *ClientQuicLayer
	state  roamingState
}

// NewQuicRoamingLayer splices the roamed context onto the layer that owns
// the connection ID.
func NewQuicRoamingLayer(rt *Runtime, ctx *connection.Context, target *ClientQuicLayer) *QuicRoamingLayer {
	return &QuicRoamingLayer{
		rt:     rt,
		log:    rt.Logger.With().Str("layer", "roaming").Logger(),
		ctx:    ctx,
		target: target,
	}
}

func (r *QuicRoamingLayer) Handle(ev proxy.Event) []proxy.Command {
	switch r.state {
	case roamingStart:
		if _, ok := ev.(proxy.Start); !ok {
			panic("roaming layer: expected Start event")
		}
		r.target.addRoute(r.ctx)
		r.state = roamingRelay
		return nil

	case roamingRelay:
		return r.relay(ev)

	default:
		// Closed; late events are dropped silently.
		return nil
	}
}

func (r *QuicRoamingLayer) relay(ev proxy.Event) []proxy.Command {
	switch ev := ev.(type) {
	case proxy.DataReceived:
		if ev.Conn != r.ctx.Client {
			panic("roaming layer: datagram for foreign connection")
		}
		// The client moved here; packets the engine emits must follow.
		r.target.ctx.Client.PeerAddr = r.ctx.Client.PeerAddr
		r.target.ctx.Handler.Deliver(proxy.DataReceived{
			Conn: r.target.ctx.Client,
			Data: ev.Data,
		})

	case proxy.TCPMessageInjected:
		if ev.Flow.Client != r.target.ctx.Client {
			panic("roaming layer: injected message for foreign flow")
		}
		r.target.ctx.Handler.Deliver(ev)

	case proxy.UDPMessageInjected:
		if ev.Flow.Client != r.target.ctx.Client {
			panic("roaming layer: injected message for foreign flow")
		}
		r.target.ctx.Handler.Deliver(ev)

	case proxy.ConnectionClosed:
		if ev.Conn != r.ctx.Client {
			panic("roaming layer: close for foreign connection")
		}
		r.target.removeRoute(r.ctx)
		r.state = roamingClosed

	default:
		panic("roaming layer: unexpected event")
	}
	return nil
}
