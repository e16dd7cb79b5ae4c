package main

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/cot-relay/internal/router"
)

type appConfig struct {
	tcpListenAddr string
	tlsListenAddr string
	tlsCertFile   string
	tlsKeyFile    string
	tlsCAFile     string
	maxClients    int
	clientReadTO  time.Duration
	backpressure  string // "block" or "drop"

	linkBackend  string // "serial", "tcp", or "none"
	serialDev    string
	serialReadTO time.Duration
	meshTCPAddr  string
	destNode     uint32
	destNodeSet  bool

	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration

	mdnsEnable bool
	mdnsName   string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	tcpListen := flag.String("tcp-listen", ":8087", "TCP listen address for CoT clients")
	tlsListen := flag.String("tls-listen", "", "TLS listen address for CoT clients (empty disables TLS)")
	tlsCert := flag.String("tls-cert", "", "TLS server certificate PEM path")
	tlsKey := flag.String("tls-key", "", "TLS server key PEM path")
	tlsCA := flag.String("tls-ca", "", "Optional CA bundle PEM path for client-certificate verification")
	maxClients := flag.Int("max-clients", 256, "Maximum simultaneous TCP/TLS clients")
	clientReadTO := flag.Duration("client-read-timeout", 300*time.Second, "Per-connection idle read timeout")
	backpressure := flag.String("backpressure", "block", "Router backpressure policy when a client's queue is full: block|drop")

	linkBackend := flag.String("link-backend", "none", "Radio-link backend: serial|tcp|none")
	serialDev := flag.String("link-serial-device", "/dev/ttyUSB0", "Serial device path for the radio link")
	serialReadTO := flag.Duration("link-serial-read-timeout", 2*time.Second, "Serial read timeout")
	meshTCPAddr := flag.String("link-tcp-addr", "", "host:port of a TCP-connected mesh radio")
	destNode := flag.String("dest-node", "", "Destination node id for outgoing mesh traffic (decimal or 0x hex); empty broadcasts")

	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters")

	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS advertisement")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default cot-relay-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.tcpListenAddr = *tcpListen
	cfg.tlsListenAddr = *tlsListen
	cfg.tlsCertFile = *tlsCert
	cfg.tlsKeyFile = *tlsKey
	cfg.tlsCAFile = *tlsCA
	cfg.maxClients = *maxClients
	cfg.clientReadTO = *clientReadTO
	cfg.backpressure = *backpressure
	cfg.linkBackend = *linkBackend
	cfg.serialDev = *serialDev
	cfg.serialReadTO = *serialReadTO
	cfg.meshTCPAddr = *meshTCPAddr
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	if *destNode != "" {
		n, err := parseNodeID(*destNode)
		if err != nil {
			fmt.Printf("configuration error: %v\n", err)
			return nil, *showVersion
		}
		cfg.destNode = n
		cfg.destNodeSet = true
	}

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

func parseNodeID(s string) (uint32, error) {
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
		base = 16
	}
	n, err := strconv.ParseUint(s, base, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid dest-node %q: %w", s, err)
	}
	return uint32(n), nil
}

func (c *appConfig) destNodePtr() *uint32 {
	if !c.destNodeSet {
		return nil
	}
	n := c.destNode
	return &n
}

// validate performs basic semantic validation; it does not open listeners
// or devices.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.linkBackend {
	case "serial", "tcp", "none":
	default:
		return fmt.Errorf("invalid link-backend: %s", c.linkBackend)
	}
	if c.linkBackend == "tcp" && c.meshTCPAddr == "" {
		return errors.New("link-tcp-addr required when link-backend=tcp")
	}
	if c.tcpListenAddr == "" && c.tlsListenAddr == "" {
		return errors.New("at least one of tcp-listen or tls-listen must be set")
	}
	if c.tlsListenAddr != "" && (c.tlsCertFile == "" || c.tlsKeyFile == "") {
		return errors.New("tls-cert and tls-key are required when tls-listen is set")
	}
	if c.maxClients <= 0 {
		return fmt.Errorf("max-clients must be > 0 (got %d)", c.maxClients)
	}
	if c.clientReadTO <= 0 {
		return errors.New("client-read-timeout must be > 0")
	}
	switch c.backpressure {
	case "block", "drop":
	default:
		return fmt.Errorf("invalid backpressure: %s", c.backpressure)
	}
	return nil
}

// routerPolicy translates the validated backpressure string into a
// router.Policy.
func (c *appConfig) routerPolicy() router.Policy {
	if c.backpressure == "drop" {
		return router.PolicyDrop
	}
	return router.PolicyBlock
}

// buildTLSConfig reads the configured PEM material into a *tls.Config. PEM
// parsing lives here, at the cmd/ layer, never inside internal/relay.
func (c *appConfig) buildTLSConfig() (*tls.Config, error) {
	if c.tlsListenAddr == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.tlsCertFile, c.tlsKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load tls keypair: %w", err)
	}
	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	if c.tlsCAFile != "" {
		caBytes, err := os.ReadFile(c.tlsCAFile)
		if err != nil {
			return nil, fmt.Errorf("read tls-ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("tls-ca %q contains no usable certificates", c.tlsCAFile)
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsCfg, nil
}

// applyEnvOverrides maps COT_RELAY_* environment variables to config fields
// unless a corresponding flag was explicitly set (flags always win).
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["tcp-listen"]; !ok {
		if v, ok := get("COT_RELAY_TCP_LISTEN"); ok && v != "" {
			c.tcpListenAddr = v
		}
	}
	if _, ok := set["tls-listen"]; !ok {
		if v, ok := get("COT_RELAY_TLS_LISTEN"); ok {
			c.tlsListenAddr = v
		}
	}
	if _, ok := set["tls-cert"]; !ok {
		if v, ok := get("COT_RELAY_TLS_CERT"); ok && v != "" {
			c.tlsCertFile = v
		}
	}
	if _, ok := set["tls-key"]; !ok {
		if v, ok := get("COT_RELAY_TLS_KEY"); ok && v != "" {
			c.tlsKeyFile = v
		}
	}
	if _, ok := set["tls-ca"]; !ok {
		if v, ok := get("COT_RELAY_TLS_CA"); ok && v != "" {
			c.tlsCAFile = v
		}
	}
	if _, ok := set["max-clients"]; !ok {
		if v, ok := get("COT_RELAY_MAX_CLIENTS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.maxClients = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid COT_RELAY_MAX_CLIENTS: %w", err)
			}
		}
	}
	if _, ok := set["client-read-timeout"]; !ok {
		if v, ok := get("COT_RELAY_CLIENT_READ_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.clientReadTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid COT_RELAY_CLIENT_READ_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["backpressure"]; !ok {
		if v, ok := get("COT_RELAY_BACKPRESSURE"); ok && v != "" {
			c.backpressure = v
		}
	}
	if _, ok := set["link-backend"]; !ok {
		if v, ok := get("COT_RELAY_LINK_BACKEND"); ok && v != "" {
			c.linkBackend = v
		}
	}
	if _, ok := set["link-serial-device"]; !ok {
		if v, ok := get("COT_RELAY_LINK_SERIAL_DEVICE"); ok && v != "" {
			c.serialDev = v
		}
	}
	if _, ok := set["link-serial-read-timeout"]; !ok {
		if v, ok := get("COT_RELAY_LINK_SERIAL_READ_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.serialReadTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid COT_RELAY_LINK_SERIAL_READ_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["link-tcp-addr"]; !ok {
		if v, ok := get("COT_RELAY_LINK_TCP_ADDR"); ok && v != "" {
			c.meshTCPAddr = v
		}
	}
	if _, ok := set["dest-node"]; !ok {
		if v, ok := get("COT_RELAY_DEST_NODE"); ok && v != "" {
			n, err := parseNodeID(v)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
			} else {
				c.destNode = n
				c.destNodeSet = true
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("COT_RELAY_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("COT_RELAY_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("COT_RELAY_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("COT_RELAY_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid COT_RELAY_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("COT_RELAY_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("COT_RELAY_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	return firstErr
}
