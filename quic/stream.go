package quic

import (
	"fmt"

	"github.com/quicmitm/quicmitm/connection"
	"github.com/quicmitm/quicmitm/flow"
)

// IsClientInitiated reports whether the stream was opened by the client.
func IsClientInitiated(streamID int64) bool {
	return streamID&0x1 == 0
}

// IsUnidirectional reports whether the stream only carries data one way.
func IsUnidirectional(streamID int64) bool {
	return streamID&0x2 != 0
}

// Stream is the per-stream bookkeeping of the relay: direction, the
// end-of-stream flag of each side, and the flow record hooks observe. The
// non-sending side of a unidirectional stream starts ended.
type Stream struct {
	ID   int64
	Flow *flow.TCPFlow

	endedClient bool
	endedServer bool

	// released tracks the relay's flow-limiter slot.
	released bool
}

// NewStream derives the directional ended flags from the stream ID. With
// ignore set no flow is allocated and the stream stays invisible to hooks.
func NewStream(ctx *connection.Context, streamID int64, ignore bool) *Stream {
	uni := IsUnidirectional(streamID)
	fromClient := IsClientInitiated(streamID)
	s := &Stream{
		ID:          streamID,
		endedClient: uni && !fromClient,
		endedServer: uni && fromClient,
	}
	if !ignore {
		s.Flow = flow.NewTCPFlow(ctx.Client, ctx.Server)
	}
	return s
}

// HasEnded returns the given side's end-of-stream flag.
func (s *Stream) HasEnded(fromClient bool) bool {
	if fromClient {
		return s.endedClient
	}
	return s.endedServer
}

// MarkEnded transitions the given side to ended. The transition must
// actually change state; ending the same side twice is a bug. The first
// error is recorded on the flow and reported through the error hook. Once
// both sides ended, an error-free stream emits the terminal hook, and the
// live flag is always cleared.
func (s *Stream) MarkEnded(rt *Runtime, fromClient bool, errMsg string) {
	if fromClient {
		if s.endedClient {
			panic(fmt.Sprintf("stream %d: client side ended twice", s.ID))
		}
		s.endedClient = true
	} else {
		if s.endedServer {
			panic(fmt.Sprintf("stream %d: server side ended twice", s.ID))
		}
		s.endedServer = true
	}

	if s.Flow == nil {
		return
	}

	if errMsg != "" && s.Flow.SetError(errMsg, rt.Now()) {
		rt.Hooks.TcpError(s.Flow)
	}

	if s.endedClient && s.endedServer {
		if s.Flow.Err == nil {
			rt.Hooks.TcpEnd(s.Flow)
		}
		s.Flow.Live = false
	}
}
