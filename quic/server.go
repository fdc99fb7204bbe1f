package quic

import (
	"github.com/pkg/errors"

	"github.com/quicmitm/quicmitm/connection"
	"github.com/quicmitm/quicmitm/proxy"
)

// ServerQuicLayer establishes QUIC for the upstream server connection. It
// stays passive until the child asks for the connection to be opened, then
// dials the transport, bootstraps TLS and answers the child once the
// handshake completed.
type ServerQuicLayer struct {
	*quicLayer

	// openCommand is the child's captured OpenConnection, answered once
	// the handshake completes or the attempt dies.
	openCommand *proxy.OpenConnection
	// ioOpen is the OpenConnection this layer issued to the I/O runtime.
	ioOpen *proxy.OpenConnection

	// replacement takes over all event handling after a roaming swap.
	replacement proxy.Layer
}

// NewServerQuicLayer builds the upstream layer. Its child is usually a
// ClientQuicLayer created with the returned layer as parent.
func NewServerQuicLayer(rt *Runtime, ctx *connection.Context, child proxy.Layer) *ServerQuicLayer {
	s := &ServerQuicLayer{}
	s.quicLayer = newQuicLayer(rt, ctx, ctx.Server, child, s)
	return s
}

// SetChild wires the child layer after construction, for the client/server
// pair whose construction is mutually recursive.
func (s *ServerQuicLayer) SetChild(child proxy.Layer) {
	s.child = child
}

func (s *ServerQuicLayer) Handle(ev proxy.Event) []proxy.Command {
	if s.replacement != nil {
		return s.replacement.Handle(ev)
	}
	switch ev := ev.(type) {
	case proxy.ConnectionClosed:
		if ev.Conn == s.conn && s.openCommand != nil {
			msg := "Connection closed before connect"
			if s.tls == nil {
				msg = "TLS initialization failed"
			}
			cmd := s.openCommand
			s.openCommand = nil
			return s.eventToChild(proxy.OpenConnectionCompleted{Command: cmd, Err: errors.New(msg)})
		}

	case proxy.OpenConnectionCompleted:
		if ev.Command == s.ioOpen {
			s.ioOpen = nil
			return s.completeOpen(ev.Err)
		}
	}
	return s.handleEvent(ev)
}

// completeOpen continues the child's open request once the transport dial
// finished.
func (s *ServerQuicLayer) completeOpen(dialErr error) []proxy.Command {
	if dialErr != nil {
		cmd := s.openCommand
		s.openCommand = nil
		return s.eventToChild(proxy.OpenConnectionCompleted{Command: cmd, Err: dialErr})
	}
	if !s.startTLS(nil) {
		// The child learns about the failure through the subsequent
		// ConnectionClosed.
		return []proxy.Command{proxy.CloseConnection{Conn: s.conn}}
	}
	s.eng.Instance().Connect(s.conn.PeerAddr, s.rt.Now())
	return s.processEvents()
}

func (s *ServerQuicLayer) filterChildCommand(cmd proxy.Command) ([]proxy.Command, bool) {
	open, ok := cmd.(*proxy.OpenConnection)
	if !ok || open.Conn != s.conn || s.tls != nil {
		return nil, false
	}
	if s.openCommand != nil {
		panic("server QUIC layer: open already in progress")
	}
	s.openCommand = open
	s.ioOpen = &proxy.OpenConnection{Conn: s.conn}
	return []proxy.Command{s.ioOpen}, true
}

// afterHandshake answers the captured open request: the connection is only
// reported open once QUIC is established.
func (s *ServerQuicLayer) afterHandshake() []proxy.Command {
	if s.openCommand == nil {
		return nil
	}
	cmd := s.openCommand
	s.openCommand = nil
	return s.eventToChild(proxy.OpenConnectionCompleted{Command: cmd})
}

func (s *ServerQuicLayer) onConnectionIDIssued([]byte)  {}
func (s *ServerQuicLayer) onConnectionIDRetired([]byte) {}
func (s *ServerQuicLayer) onTerminated()                {}
