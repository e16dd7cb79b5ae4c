package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// mdnsServiceType is the fixed mDNS service type this relay advertises.
const mdnsServiceType = "_cot-relay._tcp"

// startMDNS registers the service via mDNS and returns a cleanup function.
// It is safe to call even if disabled (no-op).
func startMDNS(ctx context.Context, cfg *appConfig, port int) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	instance := cfg.mdnsName
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("cot-relay-%s", host)
	}
	meta := []string{
		"version=" + version,
		"commit=" + commit,
	}
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		time.Sleep(50 * time.Millisecond)
	}, nil
}
