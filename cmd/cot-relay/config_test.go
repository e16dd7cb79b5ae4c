package main

import (
	"testing"
	"time"

	"github.com/kstaniek/cot-relay/internal/router"
)

func baseConfig() *appConfig {
	return &appConfig{
		tcpListenAddr: ":8087",
		maxClients:    256,
		clientReadTO:  time.Second,
		backpressure:  "block",
		linkBackend:   "none",
		logFormat:     "text",
		logLevel:      "info",
	}
}

func TestConfigValidateOK(t *testing.T) {
	if err := baseConfig().validate(); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badLogFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLogLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badLinkBackend", func(c *appConfig) { c.linkBackend = "carrier-pigeon" }},
		{"tcpBackendMissingAddr", func(c *appConfig) { c.linkBackend = "tcp"; c.meshTCPAddr = "" }},
		{"noListenerConfigured", func(c *appConfig) { c.tcpListenAddr = "" }},
		{"tlsListenWithoutCert", func(c *appConfig) { c.tlsListenAddr = ":8089" }},
		{"badMaxClients", func(c *appConfig) { c.maxClients = 0 }},
		{"badClientReadTimeout", func(c *appConfig) { c.clientReadTO = 0 }},
		{"badBackpressure", func(c *appConfig) { c.backpressure = "kick" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := baseConfig()
			tc.mod(c)
			if err := c.validate(); err == nil {
				t.Fatalf("%s: expected error", tc.name)
			}
		})
	}
}

func TestConfigValidateTLSWithCertAndKeyOK(t *testing.T) {
	c := baseConfig()
	c.tlsListenAddr = ":8089"
	c.tlsCertFile = "/tmp/cert.pem"
	c.tlsKeyFile = "/tmp/key.pem"
	if err := c.validate(); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
}

func TestRouterPolicyDefaultsToBlock(t *testing.T) {
	c := baseConfig()
	if got := c.routerPolicy(); got != router.PolicyBlock {
		t.Fatalf("expected PolicyBlock, got %v", got)
	}
}

func TestRouterPolicyDropOptsIn(t *testing.T) {
	c := baseConfig()
	c.backpressure = "drop"
	if got := c.routerPolicy(); got != router.PolicyDrop {
		t.Fatalf("expected PolicyDrop, got %v", got)
	}
}

func TestParseNodeIDDecimalAndHex(t *testing.T) {
	n, err := parseNodeID("305419896")
	if err != nil || n != 305419896 {
		t.Fatalf("decimal parse: n=%d err=%v", n, err)
	}
	n, err = parseNodeID("0x12345678")
	if err != nil || n != 0x12345678 {
		t.Fatalf("hex parse: n=%d err=%v", n, err)
	}
}

func TestParseNodeIDRejectsGarbage(t *testing.T) {
	if _, err := parseNodeID("not-a-number"); err == nil {
		t.Fatal("expected error for non-numeric node id")
	}
}

func TestDestNodePtrNilWhenUnset(t *testing.T) {
	c := baseConfig()
	if c.destNodePtr() != nil {
		t.Fatal("expected nil dest node pointer when unset")
	}
	c.destNode = 7
	c.destNodeSet = true
	ptr := c.destNodePtr()
	if ptr == nil || *ptr != 7 {
		t.Fatalf("expected dest node pointer to 7, got %v", ptr)
	}
}
