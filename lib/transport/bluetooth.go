package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"
)

// BluetoothOpTimeout bounds every individual Bluetooth LE read, write,
// and dial.
const BluetoothOpTimeout = 15 * time.Second

// BluetoothCapabilities is the capability vector advertised by the
// Bluetooth LE transport. MaxPacketSize is the read/write characteristic
// MTU; packets larger than this are rejected with OversizedFrame at encode
// time, not here.
var BluetoothCapabilities = Capabilities{
	MaxPacketSize:      512,
	Reliable:           true,
	LatencyClass:       LatencyMedium,
	ConnectionOriented: true,
}

// Link is a single established Bluetooth LE link over the service's
// read/write characteristics, supplied by a platform-specific radio
// adapter. The core only depends on this narrow interface; binding it to
// an actual BLE stack is left to a platform shim.
type Link interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
	SetDeadline(time.Time) error
}

// Radio is the platform adapter that can open and accept Bluetooth LE
// links against the fixed service UUID.
type Radio interface {
	Dial(ctx context.Context, address string) (Link, error)
	Accept(ctx context.Context) (Link, error)
	Close() error
}

// BLEConn adapts a Link to the transport.Conn interface, enforcing the
// per-operation timeout on every Read/Write.
type BLEConn struct {
	link Link
}

func (c *BLEConn) Capabilities() Capabilities { return BluetoothCapabilities }
func (c *BLEConn) RemoteAddr() net.Addr       { return c.link.RemoteAddr() }
func (c *BLEConn) Close() error               { return c.link.Close() }
func (c *BLEConn) Kind() Kind                 { return Bluetooth }

func (c *BLEConn) Read(p []byte) (int, error) {
	if err := c.link.SetDeadline(time.Now().Add(BluetoothOpTimeout)); err != nil {
		return 0, fmt.Errorf("transport/bluetooth: set deadline: %w", err)
	}
	return c.link.Read(p)
}

func (c *BLEConn) Write(p []byte) (int, error) {
	if err := c.link.SetDeadline(time.Now().Add(BluetoothOpTimeout)); err != nil {
		return 0, fmt.Errorf("transport/bluetooth: set deadline: %w", err)
	}
	return c.link.Write(p)
}

// BLEDialer dials out over the radio adapter.
type BLEDialer struct {
	Radio Radio
}

func (d BLEDialer) Kind() Kind { return Bluetooth }

func (d BLEDialer) Dial(ctx context.Context, address string) (Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, BluetoothOpTimeout)
	defer cancel()
	link, err := d.Radio.Dial(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("transport/bluetooth: dial %s: %w", address, err)
	}
	return &BLEConn{link: link}, nil
}

// BLEListener accepts inbound links via the radio adapter.
type BLEListener struct {
	Radio Radio
}

func (l BLEListener) Kind() Kind     { return Bluetooth }
func (l BLEListener) Close() error   { return l.Radio.Close() }
func (l BLEListener) Addr() net.Addr { return bleAddr{} }

func (l BLEListener) Accept(ctx context.Context) (Conn, error) {
	link, err := l.Radio.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport/bluetooth: accept: %w", err)
	}
	return &BLEConn{link: link}, nil
}

type bleAddr struct{}

func (bleAddr) Network() string { return "bluetooth" }
func (bleAddr) String() string  { return "bluetooth" }
