package link

import (
	"fmt"
	"net"
	"time"

	"github.com/tarm/serial"
)

// Kind identifies the transport a Link is opened over.
type Kind int

const (
	KindSerial Kind = iota
	KindTCP
	KindBluetooth
)

func (k Kind) String() string {
	switch k {
	case KindSerial:
		return "serial"
	case KindTCP:
		return "tcp"
	case KindBluetooth:
		return "bluetooth"
	default:
		return "unknown"
	}
}

// Port abstracts the byte stream a Link reads and writes, regardless of
// whether it is backed by a serial device or a TCP socket.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// serialBaud is the fixed rate the radio link is clamped to; Meshtastic's
// serial API runs at a single well-known speed and the module never needs
// to negotiate another one.
const serialBaud = 38400

// openSerial is a var so tests can stub it out without a real device.
var openSerial = func(device string, readTimeout time.Duration) (Port, error) {
	cfg := &serial.Config{Name: device, Baud: serialBaud, ReadTimeout: readTimeout}
	return serial.OpenPort(cfg)
}

// openTCP is a var so tests can stub it out without a real dial.
var openTCP = func(addr string, dialTimeout time.Duration) (Port, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func openPort(cfg Config) (Port, error) {
	switch cfg.Kind {
	case KindSerial:
		return openSerial(cfg.SerialDevice, cfg.readTimeout())
	case KindTCP:
		return openTCP(cfg.TCPAddr, cfg.dialTimeout())
	case KindBluetooth:
		return nil, fmt.Errorf("%w: bluetooth", ErrUnsupported)
	default:
		return nil, fmt.Errorf("%w: unknown connection kind %d", ErrConfig, cfg.Kind)
	}
}
