package quic

import (
	"github.com/rs/zerolog"

	"github.com/quicmitm/quicmitm/connection"
	"github.com/quicmitm/quicmitm/engine"
	"github.com/quicmitm/quicmitm/flow"
	"github.com/quicmitm/quicmitm/proxy"
)

type relayState int

const (
	relayStart relayState = iota
	relayReady
	relayDone
)

// StreamRelayLayer sits above the two QUIC endpoints and relays datagrams
// and stream data in both directions, running every payload through the
// addon hook pipeline. Events from one side are buffered until the other
// side's handshake completes and drained in arrival order. It is the child
// layer chosen when ALPN yields no known protocol.
type StreamRelayLayer struct {
	rt  *Runtime
	log zerolog.Logger
	ctx *connection.Context

	state  relayState
	ignore bool

	// flow carries the session's datagrams and doubles as the place
	// general connection issues are reported.
	flow    *flow.UDPFlow
	limiter flow.Limiter

	quicClient *engine.Adapter
	quicServer *engine.Adapter

	bufferFromClient []engine.Event
	bufferFromServer []engine.Event

	streamsByID   map[int64]*Stream
	streamsByFlow map[*flow.TCPFlow]*Stream
}

// NewStreamRelayLayer builds a relay for the given session. With ignore set
// no flows are created and hooks never fire.
func NewStreamRelayLayer(rt *Runtime, ctx *connection.Context, ignore bool) *StreamRelayLayer {
	return &StreamRelayLayer{
		rt:            rt,
		log:           rt.Logger.With().Str("layer", "relay").Logger(),
		ctx:           ctx,
		ignore:        ignore,
		limiter:       flow.NewLimiter(rt.Options.StreamFlowLimit),
		streamsByID:   make(map[int64]*Stream),
		streamsByFlow: make(map[*flow.TCPFlow]*Stream),
	}
}

func (r *StreamRelayLayer) Handle(ev proxy.Event) []proxy.Command {
	switch r.state {
	case relayStart:
		return r.handleStart(ev)
	case relayReady:
		return r.handleReady(ev)
	default:
		return r.handleDone(ev)
	}
}

func (r *StreamRelayLayer) handleStart(ev proxy.Event) []proxy.Command {
	if _, ok := ev.(proxy.Start); !ok {
		panic("relay: expected Start event")
	}
	if !r.ignore {
		r.flow = flow.NewUDPFlow(r.ctx.Client, r.ctx.Server)
		r.rt.Hooks.UdpStart(r.flow)
	}
	r.state = relayReady
	if !r.ctx.Server.Connected {
		return []proxy.Command{&proxy.OpenConnection{Conn: r.ctx.Server}}
	}
	return nil
}

func (r *StreamRelayLayer) handleReady(ev proxy.Event) []proxy.Command {
	switch ev := ev.(type) {
	case proxy.OpenConnectionCompleted:
		if ev.Command.Conn != r.ctx.Server || ev.Err == nil {
			return nil
		}
		if r.flow != nil {
			r.flow.SetError(ev.Err.Error(), r.rt.Now())
			r.rt.Hooks.UdpError(r.flow)
		}
		r.state = relayDone
		return []proxy.Command{proxy.CloseConnection{Conn: r.ctx.Client}}

	case proxy.QuicStart:
		fromClient := ev.Conn == r.ctx.Client
		var buffered []engine.Event
		if fromClient {
			if r.quicClient != nil {
				panic("relay: client QUIC started twice")
			}
			r.quicClient = ev.Engine
			buffered = r.bufferFromServer
			r.bufferFromServer = nil
		} else {
			if r.quicServer != nil {
				panic("relay: server QUIC started twice")
			}
			r.quicServer = ev.Engine
			buffered = r.bufferFromClient
			r.bufferFromClient = nil
		}
		var out []proxy.Command
		for _, buf := range buffered {
			out = append(out, r.handleEngineEvent(buf, !fromClient)...)
		}
		return out

	case proxy.QuicConnectionEvent:
		return r.handleEngineEvent(ev.Event, ev.Conn == r.ctx.Client)

	case proxy.TCPMessageInjected:
		stream, ok := r.streamsByFlow[ev.Flow]
		if !ok {
			r.log.Error().Msg("Injected message for unknown stream flow")
			return nil
		}
		return r.handleEngineEvent(engine.StreamDataReceived{
			StreamID: stream.ID,
			Data:     ev.Message.Content,
		}, ev.Message.FromClient)

	case proxy.UDPMessageInjected:
		if ev.Flow != r.flow {
			panic("relay: injected datagram for foreign flow")
		}
		return r.handleEngineEvent(engine.DatagramFrameReceived{
			Data: ev.Message.Content,
		}, ev.Message.FromClient)

	case proxy.ConnectionClosed:
		return r.handleClosed(ev)
	}
	return nil
}

// handleClosed propagates a close to the peer, reports errors on the main
// flow and hands generic close handling to the done state.
func (r *StreamRelayLayer) handleClosed(ev proxy.ConnectionClosed) []proxy.Command {
	fromClient := ev.Conn == r.ctx.Client
	peerConn, peerQuic := r.ctx.Server, r.quicServer
	closedQuic := r.quicClient
	if !fromClient {
		peerConn, peerQuic = r.ctx.Client, r.quicClient
		closedQuic = r.quicServer
	}
	var closeEvent *engine.ConnectionTerminated
	if closedQuic != nil {
		closeEvent = closedQuic.Instance().CloseEvent()
	}

	var out []proxy.Command
	// Close the peer as well, before any hooks run.
	if peerQuic != nil && closeEvent != nil {
		peerQuic.Instance().Close(closeEvent.ErrorCode, closeEvent.FrameType, closeEvent.Reason)
		out = append(out, proxy.Transmit{Conn: peerConn, Engine: peerQuic})
	} else {
		out = append(out, proxy.CloseConnection{Conn: peerConn})
	}

	if r.flow != nil && closeEvent != nil && !engine.IsSuccessCode(closeEvent.ErrorCode) {
		reason := closeEvent.Reason
		if reason == "" {
			reason = engine.ErrorCodeName(closeEvent.ErrorCode)
		}
		r.flow.SetError(reason, r.rt.Now())
		r.rt.Hooks.UdpError(r.flow)
	}

	r.state = relayDone
	return append(out, r.handleDone(ev)...)
}

func (r *StreamRelayLayer) handleDone(ev proxy.Event) []proxy.Command {
	closed, ok := ev.(proxy.ConnectionClosed)
	if !ok {
		return nil
	}
	fromClient := closed.Conn == r.ctx.Client

	// The termination ends every stream that side had still open.
	for _, stream := range r.streamsByID {
		if !stream.HasEnded(fromClient) {
			r.markStreamEnded(stream, fromClient, "Connection closed.")
		}
	}

	if r.flow != nil && !r.ctx.Client.Connected && !r.ctx.Server.Connected {
		if r.flow.Err == nil {
			r.rt.Hooks.UdpEnd(r.flow)
		}
		r.flow.Live = false
	}
	return nil
}

// handleEngineEvent relays one engine event to the peer, buffering it when
// the peer's handshake is still outstanding.
func (r *StreamRelayLayer) handleEngineEvent(ev engine.Event, fromClient bool) []proxy.Command {
	peerQuic := r.quicServer
	peerConn := r.ctx.Server
	if !fromClient {
		peerQuic = r.quicClient
		peerConn = r.ctx.Client
	}
	if peerQuic == nil {
		if fromClient {
			r.bufferFromClient = append(r.bufferFromClient, ev)
		} else {
			r.bufferFromServer = append(r.bufferFromServer, ev)
		}
		return nil
	}

	switch ev := ev.(type) {
	case engine.DatagramFrameReceived:
		data := ev.Data
		if r.flow != nil {
			msg := &flow.UDPMessage{FromClient: fromClient, Content: data, At: r.rt.Now()}
			r.flow.Messages = append(r.flow.Messages, msg)
			r.rt.Hooks.UdpMessage(r.flow)
			data = msg.Content
		}
		peerQuic.Instance().SendDatagramFrame(data)
		relayedDatagramBytes.Add(float64(len(data)))

	case engine.StreamDataReceived:
		stream := r.getOrCreateStream(ev.StreamID)
		if stream.HasEnded(fromClient) {
			r.log.Debug().Int64("stream", ev.StreamID).Int("bytes", len(ev.Data)).
				Msg("Received data on already closed stream")
			return nil
		}
		data := ev.Data
		if stream.Flow != nil {
			msg := &flow.TCPMessage{FromClient: fromClient, Content: data, At: r.rt.Now()}
			stream.Flow.Messages = append(stream.Flow.Messages, msg)
			r.rt.Hooks.TcpMessage(stream.Flow)
			data = msg.Content
		}
		peerQuic.Instance().SendStreamData(stream.ID, data, ev.EndStream)
		relayedStreamBytes.Add(float64(len(data)))
		if ev.EndStream {
			r.markStreamEnded(stream, fromClient, "")
		}

	case engine.StreamReset:
		stream := r.getOrCreateStream(ev.StreamID)
		if stream.HasEnded(fromClient) {
			r.log.Debug().Int64("stream", ev.StreamID).Msg("Received reset for already closed stream")
			return nil
		}
		peerQuic.Instance().ResetStream(stream.ID, ev.ErrorCode)
		r.markStreamEnded(stream, fromClient, engine.ErrorCodeName(ev.ErrorCode))

	default:
		r.log.Debug().Type("event", ev).Msg("Ignored QUIC event")
		return nil
	}

	return []proxy.Command{proxy.Transmit{Conn: peerConn, Engine: peerQuic}}
}

// getOrCreateStream registers a stream on first sight and starts its flow.
func (r *StreamRelayLayer) getOrCreateStream(streamID int64) *Stream {
	if stream, ok := r.streamsByID[streamID]; ok {
		return stream
	}
	ignore := r.ignore
	if !ignore {
		if err := r.limiter.Acquire("tcp"); err != nil {
			r.log.Error().Err(err).Int64("stream", streamID).Msg("Stream flow not tracked")
			ignore = true
		}
	}
	stream := NewStream(r.ctx, streamID, ignore)
	r.streamsByID[streamID] = stream
	if stream.Flow != nil {
		r.streamsByFlow[stream.Flow] = stream
		r.rt.Hooks.TcpStart(stream.Flow)
	}
	return stream
}

func (r *StreamRelayLayer) markStreamEnded(stream *Stream, fromClient bool, errMsg string) {
	stream.MarkEnded(r.rt, fromClient, errMsg)
	if stream.Flow != nil && !stream.Flow.Live && !stream.released {
		stream.released = true
		r.limiter.Release()
	}
}
