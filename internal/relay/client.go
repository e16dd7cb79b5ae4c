package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/cot-relay/internal/cot"
	"github.com/kstaniek/cot-relay/internal/logging"
	"github.com/kstaniek/cot-relay/internal/metrics"
	"github.com/kstaniek/cot-relay/internal/router"
)

// callsignAttr picks the callsign out of a <contact callsign="..."/>
// detail element without parsing the detail block as XML.
var callsignAttr = regexp.MustCompile(`callsign="([^"]*)"`)

// connState tracks the identity learned from a client's own traffic and
// its per-connection counters. The first event carrying a uid/callsign
// attribute fixes that field for the lifetime of the connection.
type connState struct {
	mu       sync.Mutex
	uid      string
	callsign string
	received uint64
	sent     uint64
}

func (s *connState) observe(ev cot.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uid == "" && ev.UID != "" {
		s.uid = ev.UID
	}
	if s.callsign == "" {
		if m := callsignAttr.FindStringSubmatch(ev.Detail); m != nil {
			s.callsign = m[1]
		}
	}
	atomic.AddUint64(&s.received, 1)
}

func (s *connState) incSent() { atomic.AddUint64(&s.sent, 1) }

func (s *connState) snapshot() (uid string, received, sent uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uid, atomic.LoadUint64(&s.received), atomic.LoadUint64(&s.sent)
}

// handleConn runs the per-client reader and writer for one accepted
// connection until either side terminates, then unregisters the client
// from the router. It never returns an error to the caller: every failure
// mode is logged and classified via the metrics error counters, matching
// the "a single client fault never aborts the server" rule.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	client := s.router.Register()
	state := &connState{}
	defer func() {
		s.router.Unregister(client.ID)
		client.Close()
		_ = conn.Close()
		logging.L().Info("client_closed", "client_id", client.ID, "remote", remote)
	}()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.readLoop(connCtx, cancel, conn, client.ID, state, remote)
	}()
	go func() {
		defer wg.Done()
		s.writeLoop(connCtx, conn, client, state, remote)
	}()
	wg.Wait()
}

func (s *Server) readLoop(ctx context.Context, cancel context.CancelFunc, conn net.Conn, id router.ClientID, state *connState, remote string) {
	defer cancel()
	r := bufio.NewReader(conn)
	dec := cot.NewStreamDecoder()
	buf := make([]byte, 4096)
	timeout := s.cfg.readTimeout()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			logging.L().Warn("set_read_deadline_failed", "client_id", id, "error", err)
		}
		n, err := r.Read(buf)
		if n > 0 {
			dec.Write(buf[:n])
			dec.Drain(func(ev cot.Event) {
				state.observe(ev)
				s.router.Route(ctx, id, &ev)
				if s.OnRoute != nil {
					s.OnRoute(&ev)
				}
			}, func(derr error) {
				logging.L().Warn("cot_decode_error", "client_id", id, "remote", remote, "error", derr)
			})
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				logging.L().Info("client_eof", "client_id", id, "remote", remote,
					"error", fmt.Errorf("%w: %v", ErrConnectionClosed, err))
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				logging.L().Info("client_idle_timeout", "client_id", id, "remote", remote,
					"error", fmt.Errorf("%w: %v", ErrConnectionClosed, err))
				return
			}
			wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
			logging.L().Warn("client_read_error", "client_id", id, "remote", remote, "error", wrap)
			metrics.IncError(mapErrToMetric(wrap))
			s.setError(wrap)
			return
		}
	}
}

func (s *Server) writeLoop(ctx context.Context, conn net.Conn, client *router.Client, state *connState, remote string) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-client.Out:
			if !ok {
				return
			}
			if _, err := conn.Write(cot.Encode(*ev)); err != nil {
				wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
				logging.L().Warn("client_write_error", "client_id", client.ID, "remote", remote, "error", wrap)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				return
			}
			state.incSent()
		}
	}
}
