package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// TCPIdleTimeout is the idle deadline applied to quiet paired connections.
// Long enough to avoid sending application-level keepalive pings, which
// were observed to spam notifications on mobile peers.
const TCPIdleTimeout = 5 * time.Minute

// TCPCapabilities is the capability vector advertised by the TCP/TLS
// transport.
var TCPCapabilities = Capabilities{
	MaxPacketSize:      1 << 20,
	Reliable:           true,
	LatencyClass:       LatencyLow,
	ConnectionOriented: true,
}

// tlsConfig builds the handshake-time TLS configuration. The transport
// accepts *any* peer certificate during the handshake; fingerprint
// trust verification happens afterward, in the connection manager.
func tlsConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true, // trust is verified post-handshake via pinned fingerprint, not the TLS stack
		ClientAuth:         tls.RequireAnyClientCert,
		MinVersion:         tls.VersionTLS12,
	}
}

// TCPConn wraps a *tls.Conn (or a pre-TLS net.Conn for v7's identity-first
// handshake) with the Conn capability interface.
type TCPConn struct {
	net.Conn
}

func (c *TCPConn) Capabilities() Capabilities { return TCPCapabilities }
func (c *TCPConn) Kind() Kind                 { return TCP }

// TCPDialer dials the TCP/TLS transport. Cert is the local certificate
// offered during any subsequent TLS handshake; raw connections (for the
// v7 identity-first ordering) are upgraded later via UpgradeClient.
type TCPDialer struct {
	Cert tls.Certificate
}

func (d TCPDialer) Kind() Kind { return TCP }

// Dial opens a bare TCP connection and applies the transport's socket
// tuning (TCP_NODELAY, OS keepalive, idle timeout). It does not perform a
// TLS handshake: the caller drives handshake ordering per protocol
// version.
func (d TCPDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	dialer := net.Dialer{Timeout: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("transport/tcp: dial %s: %w", endpoint, err)
	}
	if err := tuneTCP(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &TCPConn{Conn: conn}, nil
}

// UpgradeClient performs a client-side TLS handshake over an established
// connection (used after identity exchange under protocol v7, or
// immediately under v8).
func UpgradeClient(ctx context.Context, conn Conn, cert tls.Certificate) (Conn, *tls.ConnectionState, error) {
	tc := tls.Client(underlying(conn), tlsConfig(cert))
	return finishHandshake(ctx, tc)
}

// UpgradeServer performs a server-side TLS handshake.
func UpgradeServer(ctx context.Context, conn Conn, cert tls.Certificate) (Conn, *tls.ConnectionState, error) {
	tc := tls.Server(underlying(conn), tlsConfig(cert))
	return finishHandshake(ctx, tc)
}

func underlying(c Conn) net.Conn {
	if tc, ok := c.(*TCPConn); ok {
		return tc.Conn
	}
	if nc, ok := c.(net.Conn); ok {
		return nc
	}
	panic("transport/tcp: conn is not backed by a net.Conn")
}

func finishHandshake(ctx context.Context, tc *tls.Conn) (Conn, *tls.ConnectionState, error) {
	deadline := time.Now().Add(30 * time.Second)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	tc.SetDeadline(deadline)
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, nil, fmt.Errorf("transport/tcp: TLS handshake: %w", err)
	}
	tc.SetDeadline(time.Time{})
	state := tc.ConnectionState()
	return &TCPConn{Conn: tc}, &state, nil
}

func tuneTCP(conn net.Conn) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tcpConn.SetNoDelay(true); err != nil {
		return fmt.Errorf("transport/tcp: set nodelay: %w", err)
	}
	if err := tcpConn.SetKeepAlive(true); err != nil {
		return fmt.Errorf("transport/tcp: set keepalive: %w", err)
	}
	if err := tcpConn.SetKeepAlivePeriod(TCPIdleTimeout); err != nil {
		return fmt.Errorf("transport/tcp: set keepalive period: %w", err)
	}
	return nil
}

// TCPListener accepts inbound TCP connections on a configured port.
type TCPListener struct {
	ln net.Listener
}

// ListenTCP binds a TCP listener on addr (e.g. ":1716").
func ListenTCP(addr string) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport/tcp: listen %s: %w", addr, err)
	}
	return &TCPListener{ln: ln}, nil
}

func (l *TCPListener) Kind() Kind     { return TCP }
func (l *TCPListener) Addr() net.Addr { return l.ln.Addr() }
func (l *TCPListener) Close() error   { return l.ln.Close() }

// PeekTLS inspects the first byte of an accepted connection without
// consuming it for the caller's subsequent reads, reporting whether the
// byte looks like the start of a TLS ClientHello (0x16). This lets the
// connection manager pick the v7 (identity-first) vs v8 (TLS-first)
// handshake ordering on an inbound connection, where the
// protocol version is not yet known.
func PeekTLS(conn Conn) (isTLS bool, peeked Conn, err error) {
	nc := underlying(conn)
	br := bufio.NewReader(nc)
	bs, err := br.Peek(1)
	if err != nil {
		return false, conn, fmt.Errorf("transport/tcp: peek: %w", err)
	}
	return bs[0] == 0x16, &TCPConn{Conn: &peekedConn{br: br, Conn: nc}}, nil
}

// peekedConn replays the bytes buffered by PeekTLS's Peek call ahead of
// the rest of the underlying stream.
type peekedConn struct {
	br *bufio.Reader
	net.Conn
}

func (w *peekedConn) Read(p []byte) (int, error) { return w.br.Read(p) }

func (l *TCPListener) Accept(ctx context.Context) (Conn, error) {
	type result struct {
		conn Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		if err != nil {
			ch <- result{nil, fmt.Errorf("transport/tcp: accept: %w", err)}
			return
		}
		if err := tuneTCP(conn); err != nil {
			conn.Close()
			ch <- result{nil, err}
			return
		}
		ch <- result{&TCPConn{Conn: conn}, nil}
	}()
	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
