package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/kstaniek/cot-relay/internal/metrics"
	"github.com/kstaniek/cot-relay/internal/relay"
)

// Helper implementations moved to dedicated files: version.go, config.go,
// logger.go, link_init.go, metrics_logger.go, mdns.go.

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("cot-relay %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	tlsCfg, err := cfg.buildTLSConfig()
	if err != nil {
		l.Error("tls_config_error", "error", err)
		return
	}

	srv, err := relay.NewServer(relay.Config{
		TCPAddr:     cfg.tcpListenAddr,
		TLSAddr:     cfg.tlsListenAddr,
		TLSConfig:   tlsCfg,
		MaxClients:  cfg.maxClients,
		ReadTimeout: cfg.clientReadTO,
		Policy:      cfg.routerPolicy(),
	})
	if err != nil {
		l.Error("relay_config_error", "error", err)
		return
	}

	cleanupLink, err := initLink(ctx, cfg, srv, l)
	if err != nil {
		l.Error("link_init_error", "error", err)
		return
	}

	go func() {
		if err := srv.Serve(ctx); err != nil {
			l.Error("relay_server_error", "error", err)
			cancel()
		}
	}()

	go func() {
		if !cfg.mdnsEnable {
			return
		}
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		portNum := 0
		if _, p, err := net.SplitHostPort(srv.Addr()); err == nil {
			if pn, perr := strconv.Atoi(p); perr == nil {
				portNum = pn
			}
		}
		if portNum == 0 {
			if i := strings.LastIndex(srv.Addr(), ":"); i >= 0 {
				if pn, perr := strconv.Atoi(srv.Addr()[i+1:]); perr == nil {
					portNum = pn
				}
			}
		}
		cleanupMDNS, err := startMDNS(ctx, cfg, portNum)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", portNum)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		metricsHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = metricsHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	cleanupLink()
	wg.Wait()
}
