package connections

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"github.com/cconnectd/cconnectd/lib/identity"
	"github.com/cconnectd/cconnectd/lib/packet"
	"github.com/cconnectd/cconnectd/lib/transport"
)

// tlsState is the subset of tls.ConnectionState this package consumes,
// kept narrow so tests can fabricate one without a real handshake.
type tlsState struct {
	PeerCertificates []*x509.Certificate
}

func upgradeClient(ctx context.Context, conn transport.Conn, cert tls.Certificate) (transport.Conn, *tlsState, error) {
	tc, state, err := transport.UpgradeClient(ctx, conn, cert)
	if err != nil {
		return nil, nil, err
	}
	return tc, &tlsState{PeerCertificates: state.PeerCertificates}, nil
}

func upgradeServer(ctx context.Context, conn transport.Conn, cert tls.Certificate) (transport.Conn, *tlsState, error) {
	tc, state, err := transport.UpgradeServer(ctx, conn, cert)
	if err != nil {
		return nil, nil, err
	}
	return tc, &tlsState{PeerCertificates: state.PeerCertificates}, nil
}

// exchangeIdentity sends the local identity packet and reads the peer's,
// in the order the caller determines (the dialer speaks first, by
// convention).
func exchangeIdentity(conn transport.Conn, local identity.Identity, outbound bool) (identity.Identity, error) {
	w := packet.NewWriter(conn, packet.MaxTCPFrame)
	r := packet.NewReader(conn, packet.MaxTCPFrame)

	send := func() error { return w.WritePacket(local.Packet()) }
	recv := func() (identity.Identity, error) {
		p, err := r.ReadPacket()
		if err != nil {
			return identity.Identity{}, err
		}
		if !packet.IsType(p, "cconnect.identity") {
			return identity.Identity{}, fmt.Errorf("expected identity packet, got %q", p.Type)
		}
		id, ok := identity.FromPacket(p)
		if !ok {
			return identity.Identity{}, fmt.Errorf("malformed identity packet")
		}
		return id, nil
	}

	if outbound {
		if err := send(); err != nil {
			return identity.Identity{}, err
		}
		return recv()
	}
	peer, err := recv()
	if err != nil {
		return identity.Identity{}, err
	}
	if err := send(); err != nil {
		return identity.Identity{}, err
	}
	return peer, nil
}

func packetWriter(conn transport.Conn) func(packet.Packet) error {
	w := packet.NewWriter(conn, packet.MaxTCPFrame)
	return w.WritePacket
}

func packetReader(conn transport.Conn) func() (packet.Packet, error) {
	r := packet.NewReader(conn, packet.MaxTCPFrame)
	return r.ReadPacket
}
