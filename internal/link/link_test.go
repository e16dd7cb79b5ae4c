package link

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/kstaniek/cot-relay/internal/cot"
	"github.com/kstaniek/cot-relay/internal/mesh"
	"github.com/kstaniek/cot-relay/internal/translate"
)

func pipePorts() (Port, Port) {
	a, b := net.Pipe()
	return a, b
}

func withStubSerial(t *testing.T, port Port) {
	t.Helper()
	orig := openSerial
	openSerial = func(device string, readTimeout time.Duration) (Port, error) {
		return port, nil
	}
	t.Cleanup(func() { openSerial = orig })
}

func sampleCotXML(uid string) []byte {
	ev := cot.New(uid, "a-f-G-U-C", time.Now().UTC(), time.Minute, cot.Point{Lat: 37.7, Lon: -122.4})
	return cot.Encode(ev)
}

func TestConnectRejectsInvalidConfig(t *testing.T) {
	if _, err := Connect(context.Background(), Config{Kind: KindSerial}, nil); err == nil {
		t.Fatal("expected error for missing serial device")
	}
	if _, err := Connect(context.Background(), Config{Kind: KindTCP}, nil); err == nil {
		t.Fatal("expected error for missing tcp address")
	}
}

func TestConnectBluetoothIsUnsupported(t *testing.T) {
	_, err := Connect(context.Background(), Config{Kind: KindBluetooth}, nil)
	if err == nil {
		t.Fatal("expected bluetooth connect to fail")
	}
}

func TestConnectFailureReturnsErrorAndNilLink(t *testing.T) {
	orig := openTCP
	openTCP = func(addr string, dialTimeout time.Duration) (Port, error) {
		return nil, context.DeadlineExceeded
	}
	defer func() { openTCP = orig }()

	l, err := Connect(context.Background(), Config{Kind: KindTCP, TCPAddr: "127.0.0.1:1"}, nil)
	if err == nil {
		t.Fatal("expected connect failure")
	}
	if l != nil {
		t.Fatal("expected nil Link on failure")
	}
}

func TestSendCoTRoundTripsOverTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverConnCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			serverConnCh <- c
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan []byte, 4)
	l, err := Connect(ctx, Config{Kind: KindTCP, TCPAddr: ln.Addr().String()}, func(xml []byte) {
		received <- xml
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer l.Disconnect()

	if l.State() != Connected {
		t.Fatalf("expected Connected state, got %v", l.State())
	}

	serverConn := <-serverConnCh
	defer serverConn.Close()

	dest := uint32(42)
	if err := l.SendCoT(sampleCotXML("SENDER-1"), &dest); err != nil {
		t.Fatalf("SendCoT: %v", err)
	}

	buf := make([]byte, 4096)
	_ = serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := serverConn.Read(buf)
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	if n < 4 {
		t.Fatalf("expected at least a frame header, got %d bytes", n)
	}
	if buf[0] != 0x94 || buf[1] != 0xc3 {
		t.Fatalf("expected magic bytes, got %x %x", buf[0], buf[1])
	}
}

func TestReceiveLoopDeliversCoTFromFrame(t *testing.T) {
	a, b := pipePorts()
	withStubSerial(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan []byte, 1)
	l, err := Connect(ctx, Config{Kind: KindSerial, SerialDevice: "/dev/stub"}, func(xml []byte) {
		received <- xml
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer l.Disconnect()

	go func() {
		dest := uint32(7)
		packets, convErr := translate.ToMesh(sampleCotXML("REMOTE-1"), &dest)
		if convErr != nil {
			t.Errorf("build frames: %v", convErr)
			return
		}
		for _, pkt := range packets {
			env := &mesh.Envelope{Packet: pkt}
			frame := mesh.EncodeFrame(env.Marshal())
			if _, werr := b.Write(frame); werr != nil {
				return
			}
		}
	}()

	select {
	case xml := <-received:
		ev, derr := cot.Decode(xml)
		if derr != nil {
			t.Fatalf("decode received cot: %v", derr)
		}
		if ev.UID != "REMOTE-1" {
			t.Fatalf("expected uid REMOTE-1, got %q", ev.UID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for received CoT")
	}
}

func TestDisconnectStopsReceiveLoop(t *testing.T) {
	a, b := pipePorts()
	defer b.Close()
	withStubSerial(t, a)

	ctx := context.Background()
	l, err := Connect(ctx, Config{Kind: KindSerial, SerialDevice: "/dev/stub"}, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := l.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if l.State() != Disconnected {
		t.Fatalf("expected Disconnected state, got %v", l.State())
	}
}

func TestSendCoTFailsWhenNotConnected(t *testing.T) {
	a, b := pipePorts()
	defer b.Close()
	withStubSerial(t, a)

	l, err := Connect(context.Background(), Config{Kind: KindSerial, SerialDevice: "/dev/stub"}, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	_ = l.Disconnect()

	if err := l.SendCoT(sampleCotXML("X"), nil); err == nil {
		t.Fatal("expected SendCoT to fail once disconnected")
	}
}
