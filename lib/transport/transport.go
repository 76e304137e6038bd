// Package transport defines the reliable, ordered, bidirectional octet
// channel abstraction the connection manager dials and accepts over, plus
// the two concrete transports (TCP/TLS, Bluetooth LE) and the selection
// policy between them.
package transport

import (
	"context"
	"io"
	"net"
)

// LatencyClass is a coarse hint about a transport's round-trip behavior.
type LatencyClass int

const (
	LatencyLow LatencyClass = iota
	LatencyMedium
	LatencyHigh
)

// Capabilities describes what a transport can carry. Reliable and
// ConnectionOriented are always true for the transports this core
// implements.
type Capabilities struct {
	MaxPacketSize      int
	Reliable           bool
	LatencyClass       LatencyClass
	ConnectionOriented bool
}

// Conn is a live, capability-bearing connection to a peer.
type Conn interface {
	io.ReadWriteCloser
	Capabilities() Capabilities
	RemoteAddr() net.Addr
	Kind() Kind
}

// Kind names a concrete transport implementation.
type Kind string

const (
	TCP       Kind = "tcp"
	Bluetooth Kind = "bluetooth"
)

// Dialer opens an outbound connection to endpoint.
type Dialer interface {
	Kind() Kind
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// Listener accepts inbound connections.
type Listener interface {
	Kind() Kind
	Accept(ctx context.Context) (Conn, error)
	Close() error
	Addr() net.Addr
}

// Preference selects between transports when more than one is
// configured.
type Preference string

const (
	TCPPreferred       Preference = "tcp_preferred"
	BluetoothPreferred Preference = "bluetooth_preferred"
	TCPOnly            Preference = "tcp_only"
	BluetoothOnly      Preference = "bluetooth_only"
	AutoFallback       Preference = "auto_fallback"
)

// Selector dials an endpoint using the configured Preference, trying the
// secondary transport when AutoFallback is set and the preferred one
// fails.
type Selector struct {
	Preference Preference
	TCP        Dialer
	Bluetooth  Dialer
}

// Dial opens a connection to endpoint using tcpEndpoint/btEndpoint as
// appropriate for the transport actually attempted; callers that only have
// one endpoint representation pass it for both.
func (s Selector) Dial(ctx context.Context, tcpEndpoint, btEndpoint string) (Conn, error) {
	switch s.Preference {
	case TCPOnly:
		return s.TCP.Dial(ctx, tcpEndpoint)
	case BluetoothOnly:
		return s.Bluetooth.Dial(ctx, btEndpoint)
	case BluetoothPreferred:
		return s.Bluetooth.Dial(ctx, btEndpoint)
	case AutoFallback:
		if c, err := s.TCP.Dial(ctx, tcpEndpoint); err == nil {
			return c, nil
		}
		return s.Bluetooth.Dial(ctx, btEndpoint)
	default: // TCPPreferred and unset default to TCP-only
		return s.TCP.Dial(ctx, tcpEndpoint)
	}
}
