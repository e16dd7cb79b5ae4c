// Package link is a collaborator-facing wrapper around the mesh frame codec
// and the CoT/mesh translator: it owns one byte-stream transport end to end
// (serial device or TCP socket), decoding inbound frames into CoT XML and
// encoding outbound CoT XML into mesh frames.
package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/cot-relay/internal/logging"
	"github.com/kstaniek/cot-relay/internal/mesh"
	"github.com/kstaniek/cot-relay/internal/metrics"
	"github.com/kstaniek/cot-relay/internal/translate"
)

// Link is one open radio-link connection.
type Link struct {
	cfg  Config
	port Port
	tx   *asyncTx

	state atomic.Int32

	reassembler *mesh.Reassembler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onCoT func(xml []byte)
}

// Connect opens the configured transport, transitions Connecting → Connected
// and spawns the receive loop. An I/O error while connecting transitions to
// Failed and is terminal for this attempt.
func Connect(ctx context.Context, cfg Config, onCoT func(xml []byte)) (*Link, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	l := &Link{cfg: cfg, onCoT: onCoT, reassembler: mesh.NewReassembler()}
	l.state.Store(int32(Connecting))

	port, err := openPort(cfg)
	if err != nil {
		l.state.Store(int32(Failed))
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	l.port = port

	l.ctx, l.cancel = context.WithCancel(ctx)
	l.tx = newAsyncTx(l.ctx, cfg.txQueueSize(), l.writeFrame, Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrLinkWrite)
			logging.L().Warn("link_write_error", "error", err)
		},
		OnAfter: func() { metrics.IncMeshTx() },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrLinkOverflow)
			return ErrTxOverflow
		},
	})

	l.state.Store(int32(Connected))
	logging.L().Info("link_connected", "kind", cfg.Kind)

	l.wg.Add(1)
	go l.receiveLoop()

	return l, nil
}

func (l *Link) writeFrame(frame []byte) error {
	_, err := l.port.Write(frame)
	return err
}

// State reports the current connection lifecycle state.
func (l *Link) State() State { return State(l.state.Load()) }

// SendCoT converts a CoT XML event into one or more mesh frames and queues
// them for asynchronous transmission. A translation failure is reported to
// the caller without tearing down the connection.
func (l *Link) SendCoT(cotXML []byte, destNode *uint32) error {
	if l.State() != Connected {
		return ErrNotConnected
	}
	if destNode == nil {
		destNode = l.cfg.DestNode
	}
	packets, err := translate.ToMesh(cotXML, destNode)
	if err != nil {
		metrics.IncError(metrics.ErrConversion)
		return fmt.Errorf("%w: %v", ErrConversion, err)
	}
	for _, pkt := range packets {
		env := &mesh.Envelope{Packet: pkt}
		frame := mesh.EncodeFrame(env.Marshal())
		if err := l.tx.Enqueue(frame); err != nil {
			return err
		}
	}
	return nil
}

// Disconnect closes the transport and transitions to Disconnected. It waits
// for the receive loop and transmitter to exit before returning.
func (l *Link) Disconnect() error {
	l.state.Store(int32(Disconnected))
	l.cancel()
	l.tx.Close()
	err := l.port.Close()
	l.wg.Wait()
	logging.L().Info("link_disconnected")
	return err
}

func (l *Link) receiveLoop() {
	defer l.wg.Done()
	dec := mesh.NewDecoder()
	buf := make([]byte, 2048)

	for {
		select {
		case <-l.ctx.Done():
			return
		default:
		}

		n, err := l.port.Read(buf)
		if n > 0 {
			dec.Write(buf[:n])
			dec.Drain(func(payload []byte) {
				l.handleFrame(payload)
			}, func(derr error) {
				metrics.IncError(metrics.ErrProtocol)
				logging.L().Warn("link_frame_error", "error", derr)
			})
		}
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				l.state.Store(int32(Disconnected))
				logging.L().Info("link_rx_eof")
				return
			}
			metrics.IncError(metrics.ErrLinkRead)
			logging.L().Warn("link_read_error", "error", err)
			return
		}
	}
}

func (l *Link) handleFrame(payload []byte) {
	env, err := mesh.UnmarshalEnvelope(payload)
	if err != nil {
		metrics.IncError(metrics.ErrProtocol)
		logging.L().Warn("link_envelope_decode_error", "error", err)
		return
	}
	pkt := env.Packet
	if pkt == nil || pkt.Decoded == nil {
		return
	}
	data := pkt.Decoded

	// translate.ToMesh marks every chunk fragment's packet with WantAck
	// (chunkedPackets) and leaves it unset on a directly-marshaled single
	// packet (singlePacket), so WantAck is the wire-level discriminator
	// between the two shapes — not a guess based on how data.Payload
	// happens to parse.
	if pkt.WantAck && (data.Portnum == mesh.PortNumAtakForwarder || data.Portnum == mesh.PortNumAtakPlugin) {
		chunk, err := mesh.UnmarshalChunkedPayload(data.Payload)
		if err != nil {
			metrics.IncError(metrics.ErrProtocol)
			logging.L().Warn("link_chunk_decode_error", "error", err)
			return
		}
		full, reassembled, err := l.reassembler.Add(chunk)
		if err != nil {
			metrics.IncError(metrics.ErrProtocol)
			logging.L().Warn("link_reassembly_error", "error", err)
			return
		}
		if !reassembled {
			return
		}
		l.emitCoT(&mesh.Data{Portnum: data.Portnum, Payload: full}, pkt.From)
		return
	}

	l.emitCoT(data, pkt.From)
}

// emitCoT converts a fully assembled mesh payload to CoT XML and delivers
// it via onCoT. Frame-level reception is already counted in the decoder
// (mesh.Decoder.Next); this only tracks conversion failures.
func (l *Link) emitCoT(data *mesh.Data, from uint32) {
	xml, err := translate.FromData(data, from)
	if err != nil {
		metrics.IncError(metrics.ErrConversion)
		logging.L().Warn("link_translate_error", "error", err, "portnum", data.Portnum)
		return
	}
	if l.onCoT != nil {
		l.onCoT(xml)
	}
}
