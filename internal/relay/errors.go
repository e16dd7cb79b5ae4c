package relay

import (
	"errors"

	"github.com/kstaniek/cot-relay/internal/metrics"
)

// Sentinel error kinds, classified via errors.Is and wrapped with
// fmt.Errorf("%w: ...") at the point of detection.
var (
	ErrConfig           = errors.New("relay: invalid configuration")
	ErrListen           = errors.New("relay: listen failed")
	ErrAccept           = errors.New("relay: accept failed")
	ErrTLS              = errors.New("relay: tls handshake failed")
	ErrConnRead         = errors.New("relay: connection read error")
	ErrConnWrite        = errors.New("relay: connection write error")
	ErrConnectionClosed = errors.New("relay: connection closed")
)

// mapErrToMetric returns the metrics error label for a sentinel error kind,
// or "" if err does not match a known kind.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrListen), errors.Is(err, ErrAccept):
		return metrics.ErrTCPRead
	case errors.Is(err, ErrTLS):
		return metrics.ErrTLS
	case errors.Is(err, ErrConnRead):
		return metrics.ErrTCPRead
	case errors.Is(err, ErrConnWrite):
		return metrics.ErrTCPWrite
	default:
		return ""
	}
}
