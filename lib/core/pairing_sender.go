package core

import (
	"context"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/cconnectd/cconnectd/lib/packet"
)

// dialTimeout bounds the fallback re-dial below; the handshake itself is
// already bounded by connections.HandshakeTimeout.
const dialTimeout = 10 * time.Second

// pairingConn is the subset of *connections.Manager pairingSender needs,
// kept narrow so this file's tests can fake it without a full manager.
type pairingConn interface {
	Connected(deviceID string) bool
	SendPacket(deviceID string, p packet.Packet) error
	DialWithCert(ctx context.Context, deviceID, endpoint string, peerCert *x509.Certificate) error
}

// pairingSender implements pairing.Sender by delivering over whatever
// connection is already live, and falling back to the pre-pair
// connect-with-cert path when there is none: under protocol v8 an
// unpaired peer drops the connection right after the identity exchange,
// so by the time the user accepts an inbound request the socket that
// carried it is gone. The redial is pinned to the
// certificate the pairing machine captured during that initial exchange,
// not a trust-store lookup the not-yet-paired peer has no entry in.
type pairingSender struct {
	conns pairingConn
	// pairing is backfilled by New once the pairing.Machine exists; used
	// only to look up the certificate and endpoint a not-yet-connected
	// peer's pairing traffic arrived from.
	pairing peerCertLookup
}

// peerCertLookup is the subset of *pairing.Machine the fallback dial
// needs: the certificate and endpoint most recently observed for
// deviceID.
type peerCertLookup interface {
	PeerCertFor(deviceID string) (*x509.Certificate, string, bool)
}

func (s *pairingSender) SendPacket(deviceID string, p packet.Packet) error {
	if s.conns.Connected(deviceID) {
		return s.conns.SendPacket(deviceID, p)
	}

	cert, endpoint, ok := s.fallback(deviceID)
	if !ok {
		return fmt.Errorf("core: pairing: no connection and no captured certificate for %s", deviceID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := s.conns.DialWithCert(ctx, deviceID, endpoint, cert); err != nil {
		return fmt.Errorf("core: pairing: redial %s: %w", deviceID, err)
	}
	return s.conns.SendPacket(deviceID, p)
}

func (s *pairingSender) fallback(deviceID string) (*x509.Certificate, string, bool) {
	if s.pairing == nil {
		return nil, "", false
	}
	cert, endpoint, ok := s.pairing.PeerCertFor(deviceID)
	return cert, endpoint, ok && endpoint != ""
}
