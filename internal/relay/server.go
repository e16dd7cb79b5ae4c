// Package relay implements the TCP/TLS CoT event relay: an accept loop
// bounded by a configurable client cap, one reader/writer goroutine pair
// per connection, and fan-out through a router.Router.
package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/kstaniek/cot-relay/internal/cot"
	"github.com/kstaniek/cot-relay/internal/logging"
	"github.com/kstaniek/cot-relay/internal/metrics"
	"github.com/kstaniek/cot-relay/internal/router"
)

// admissionPollInterval is how long the accept loop waits before rechecking
// the client count once MaxClients has been reached.
const admissionPollInterval = time.Second

// Server accepts TCP and, optionally, TLS connections and relays CoT
// events between them.
type Server struct {
	cfg    Config
	router *router.Router

	listenMu sync.Mutex
	tcpLn    net.Listener
	tlsLn    net.Listener
	ready    chan struct{}

	lastErrMu sync.Mutex
	lastErr   error
	errCh     chan error

	wg sync.WaitGroup

	// OnRoute, if set, is invoked once per event received from a TCP/TLS
	// client, after that event has been handed to the router for fan-out
	// (regardless of how many other clients were actually connected to
	// receive it). The radio-link wiring in cmd/ uses this to mirror
	// TCP/TLS traffic onto the mesh.
	OnRoute func(ev *cot.Event)
}

// linkClientID is the reserved pseudo-client identity used for CoT
// originating from the radio link rather than a TCP/TLS socket. Real
// clients are always assigned IDs starting at 1 by router.Register.
const linkClientID router.ClientID = 0

// NewServer validates cfg and returns a Server ready to Serve.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Server{
		cfg:    cfg,
		router: router.New(router.WithCapacity(router.DefaultQueueCapacity), router.WithPolicy(cfg.Policy)),
		ready:  make(chan struct{}),
		errCh:  make(chan error, 1),
	}, nil
}

// Errors returns a channel that receives every error classified by the
// server's accept and connection loops, most recent first dropped if the
// caller isn't reading fast enough. LastError reflects the same stream
// without needing a reader goroutine.
func (s *Server) Errors() <-chan error { return s.errCh }

// LastError returns the most recently observed error, or nil if none has
// occurred yet.
func (s *Server) LastError() error {
	s.lastErrMu.Lock()
	defer s.lastErrMu.Unlock()
	return s.lastErr
}

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}

// Serve opens the configured listeners and runs their accept loops until
// ctx is canceled or a listener fails irrecoverably. It blocks until every
// accept loop and in-flight connection has exited.
func (s *Server) Serve(ctx context.Context) error {
	var firstErr error
	var mu sync.Mutex
	recordErr := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
		s.setError(err)
	}

	if s.cfg.TCPAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.TCPAddr)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrListen, err)
		}
		s.listenMu.Lock()
		s.tcpLn = ln
		s.listenMu.Unlock()
		logging.L().Info("relay_listening", "proto", "tcp", "addr", ln.Addr().String())
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.acceptLoop(ctx, ln); err != nil {
				recordErr(err)
			}
		}()
	}

	if s.cfg.TLSAddr != "" {
		ln, err := tls.Listen("tcp", s.cfg.TLSAddr, s.cfg.TLSConfig)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrListen, err)
		}
		s.listenMu.Lock()
		s.tlsLn = ln
		s.listenMu.Unlock()
		logging.L().Info("relay_listening", "proto", "tls", "addr", ln.Addr().String())
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.acceptLoop(ctx, ln); err != nil {
				recordErr(err)
			}
		}()
	}

	close(s.ready)
	<-ctx.Done()
	s.closeListeners()
	s.wg.Wait()
	return firstErr
}

func (s *Server) closeListeners() {
	if s.tcpLn != nil {
		_ = s.tcpLn.Close()
	}
	if s.tlsLn != nil {
		_ = s.tlsLn.Close()
	}
}

// Shutdown closes the listeners and waits (bounded by ctx) for in-flight
// connections to finish unwinding.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeListeners()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// acceptLoop gates admission on the configured client cap: when the cap is
// reached it pauses and polls rather than accepting and immediately
// closing, so a slot freed mid-wait is picked up on the very next attempt.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	// Connections accepted here are closed once this loop returns (its
	// listener closed by Shutdown, or ctx canceled), so they unwind too.
	connCtx, closeConns := context.WithCancel(ctx)
	defer closeConns()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if s.router.Count() >= s.cfg.MaxClients {
			metrics.IncRejected()
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(admissionPollInterval):
				continue
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("%w: %v", ErrAccept, err)
		}

		if tconn, ok := conn.(*tls.Conn); ok {
			if err := tconn.HandshakeContext(ctx); err != nil {
				wrap := fmt.Errorf("%w: %v", ErrTLS, err)
				logging.L().Warn("tls_handshake_failed", "remote", conn.RemoteAddr().String(), "error", wrap)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				_ = conn.Close()
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer context.AfterFunc(connCtx, func() { _ = conn.Close() })()
			s.handleConn(connCtx, conn)
		}()
	}
}

// RouteFromLink injects a CoT event decoded from the radio link into the
// router as if it came from a TCP/TLS client, using the reserved link
// pseudo-client identity so it is excluded from its own fan-out. OnRoute is
// deliberately not invoked here: mesh-sourced traffic is not echoed back
// onto the mesh.
func (s *Server) RouteFromLink(ctx context.Context, ev *cot.Event) {
	s.router.Route(ctx, linkClientID, ev)
}

// Stats reports the current client count and the total number of messages
// routed since start.
func (s *Server) Stats() (clientCount int, totalMessages uint64) {
	return s.router.Count(), s.router.TotalRouted()
}

// Ready is closed once Serve has opened every configured listener.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the plain TCP listener's bound address, or "" if none is
// configured. Useful with TCPAddr ":0" to discover the ephemeral port.
func (s *Server) Addr() string {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	if s.tcpLn == nil {
		return ""
	}
	return s.tcpLn.Addr().String()
}
