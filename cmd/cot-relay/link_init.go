package main

import (
	"context"
	"log/slog"

	"github.com/kstaniek/cot-relay/internal/cot"
	"github.com/kstaniek/cot-relay/internal/link"
	"github.com/kstaniek/cot-relay/internal/relay"
)

// initLink opens the configured radio-link backend, if any, and wires it
// bidirectionally to srv: CoT arriving over the link is routed into the
// relay as if it came from a TCP/TLS client (using the reserved link
// pseudo-client id), and CoT routed from any TCP/TLS client is offered back
// to the link's send path. A nil backend ("none") is a valid, silent no-op.
func initLink(ctx context.Context, cfg *appConfig, srv *relay.Server, l *slog.Logger) (func(), error) {
	if cfg.linkBackend == "none" {
		return func() {}, nil
	}

	linkCfg := link.Config{
		SerialDevice: cfg.serialDev,
		ReadTimeout:  cfg.serialReadTO,
		TCPAddr:      cfg.meshTCPAddr,
		DestNode:     cfg.destNodePtr(),
	}
	switch cfg.linkBackend {
	case "serial":
		linkCfg.Kind = link.KindSerial
	case "tcp":
		linkCfg.Kind = link.KindTCP
	}

	lk, err := link.Connect(ctx, linkCfg, func(xml []byte) {
		ev, derr := cot.Decode(xml)
		if derr != nil {
			l.Warn("link_cot_decode_error", "error", derr)
			return
		}
		srv.RouteFromLink(ctx, &ev)
	})
	if err != nil {
		return nil, err
	}
	l.Info("link_connected", "backend", cfg.linkBackend)

	srv.OnRoute = func(ev *cot.Event) {
		if err := lk.SendCoT(cot.Encode(*ev), cfg.destNodePtr()); err != nil {
			l.Warn("link_send_error", "error", err)
		}
	}

	return func() { _ = lk.Disconnect() }, nil
}
