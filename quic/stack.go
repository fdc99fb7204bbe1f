package quic

import (
	"github.com/quicmitm/quicmitm/connection"
	"github.com/quicmitm/quicmitm/proxy"
)

// NewStack composes the layer stack for one accepted client flow:
// ServerQuicLayer on top, ClientQuicLayer below it, and a deferred child
// that defaults to the stream relay once the client handshake completed.
//
// The returned layer is what the I/O runtime delivers events to.
func NewStack(rt *Runtime, ctx *connection.Context, canRoam bool) proxy.Layer {
	server := NewServerQuicLayer(rt, ctx, nil)
	next := &proxy.NextLayer{
		Selector: func() proxy.Layer {
			return NewStreamRelayLayer(rt, ctx, false)
		},
	}
	client := NewClientQuicLayer(rt, ctx, next, server, canRoam)
	server.SetChild(client)
	return server
}
