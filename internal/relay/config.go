package relay

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/kstaniek/cot-relay/internal/router"
)

// DefaultReadTimeout is the idle timeout applied to a client connection
// when Config.ReadTimeout is zero.
const DefaultReadTimeout = 300 * time.Second

// Config configures a Server. The cmd/ binary is responsible for turning
// on-disk PEM material into TLSConfig; this package never reads files.
type Config struct {
	TCPAddr     string // empty disables the plain TCP listener
	TLSAddr     string // empty disables the TLS listener
	TLSConfig   *tls.Config
	MaxClients  int
	ReadTimeout time.Duration

	// Policy selects the router's backpressure behavior. The zero value,
	// router.PolicyBlock, is the default; router.PolicyDrop must be
	// selected explicitly.
	Policy router.Policy
}

// validate implements the three Config rejections: no listener configured
// at all, a TLS listener without a TLS configuration, and a non-positive
// client cap.
func (c Config) validate() error {
	if c.TCPAddr == "" && c.TLSAddr == "" {
		return fmt.Errorf("%w: no tcp_port or tls_port configured", ErrConfig)
	}
	if c.TLSAddr != "" && c.TLSConfig == nil {
		return fmt.Errorf("%w: tls_port set without a tls configuration", ErrConfig)
	}
	if c.MaxClients <= 0 {
		return fmt.Errorf("%w: max_clients must be positive", ErrConfig)
	}
	return nil
}

func (c Config) readTimeout() time.Duration {
	if c.ReadTimeout <= 0 {
		return DefaultReadTimeout
	}
	return c.ReadTimeout
}
