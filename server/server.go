// Package server is the reference UDP I/O runtime. It owns the listening
// socket, demultiplexes inbound datagrams into per-connection handlers, and
// executes the commands the layer stacks emit. Each handler runs a single
// goroutine, so a connection's layers never see two events concurrently.
package server

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/quicmitm/quicmitm/quic"
)

const (
	// maxDatagramSize is the largest UDP payload the listener accepts.
	maxDatagramSize = 65527

	defaultCloseAfterIdle = time.Second * 210
)

// Config parameterizes the runtime.
type Config struct {
	// UpstreamAddr is where every proxied session is forwarded.
	UpstreamAddr string
	// CanRoam permits clients to migrate across UDP 4-tuples.
	CanRoam bool
	// CloseAfterIdle tears a handler down when no datagram was seen for
	// this long. Zero selects the default.
	CloseAfterIdle time.Duration
}

// Server drives one listening socket and its connection handlers.
type Server struct {
	rt       *quic.Runtime
	cfg      Config
	log      zerolog.Logger
	upstream netip.AddrPort

	conn *net.UDPConn

	mu       sync.Mutex
	handlers map[netip.AddrPort]*handler
}

func New(rt *quic.Runtime, cfg Config, log *zerolog.Logger) *Server {
	if cfg.CloseAfterIdle == 0 {
		cfg.CloseAfterIdle = defaultCloseAfterIdle
	}
	return &Server{
		rt:       rt,
		cfg:      cfg,
		log:      log.With().Str("component", "server").Logger(),
		handlers: make(map[netip.AddrPort]*handler),
	}
}

// Serve processes datagrams arriving on the given socket until ctx is done.
// The caller owns binding the socket; Serve owns closing it.
func (s *Server) Serve(ctx context.Context, conn *net.UDPConn) error {
	upstreamAddr, err := net.ResolveUDPAddr("udp", s.cfg.UpstreamAddr)
	if err != nil {
		return errors.Wrap(err, "invalid upstream address")
	}
	s.upstream = upstreamAddr.AddrPort()

	s.conn = conn
	s.log.Info().Stringer("addr", s.conn.LocalAddr()).Msg("Listening for QUIC")

	errGroup, ctx := errgroup.WithContext(ctx)
	errGroup.Go(func() error {
		<-ctx.Done()
		_ = s.conn.Close()
		s.shutdownHandlers()
		return ctx.Err()
	})
	errGroup.Go(func() error {
		return s.readLoop(ctx)
	})
	return errGroup.Wait()
}

func (s *Server) readLoop(ctx context.Context) error {
	buf := make([]byte, maxDatagramSize)
	for {
		n, peer, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "failed to read datagram")
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		h := s.handlerFor(ctx, peer)
		h.Deliver(h.clientData(data))
	}
}

func (s *Server) handlerFor(ctx context.Context, peer netip.AddrPort) *handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handlers[peer]; ok {
		return h
	}
	h := newHandler(s, peer)
	s.handlers[peer] = h
	go h.run(ctx)
	return h
}

func (s *Server) removeHandler(h *handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers[h.peer] == h {
		delete(s.handlers, h.peer)
	}
}

func (s *Server) shutdownHandlers() {
	s.mu.Lock()
	handlers := make([]*handler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h.close()
	}
}

func (s *Server) localAddr() netip.AddrPort {
	return s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}
