// Package discover implements UDP broadcast announce/listen and an
// optional BLE scan, emitting candidate endpoints for the connection
// manager.
package discover

import (
	"context"
	"fmt"
	"net"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/cconnectd/cconnectd/lib/identity"
	"github.com/cconnectd/cconnectd/lib/packet"
)

// DedupWindow collapses duplicate candidates for the same device within
// this window.
const DedupWindow = 1 * time.Second

// Candidate is a discovered endpoint for a peer, ready to be handed to the
// connection manager.
type Candidate struct {
	DeviceID string
	Endpoint string // host:port
	Identity identity.Identity
}

// Listener receives discovery candidates as they are found.
type Listener interface {
	OnCandidate(Candidate)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Candidate)

func (f ListenerFunc) OnCandidate(c Candidate) { f(c) }

// Discoverer periodically broadcasts the local identity on the configured
// UDP port and listens for peer announcements.
type Discoverer struct {
	Port          int
	Interval      time.Duration
	LocalIdentity func() identity.Identity // late-bound: TCP port may not be known at construction time

	log      zerolog.Logger
	conn     *net.UDPConn
	listener Listener
	dedup    *lru.LRU[string, struct{}]
}

// New creates a Discoverer bound to port, broadcasting at interval and
// delivering candidates to listener.
func New(port int, interval time.Duration, localIdentity func() identity.Identity, listener Listener, log zerolog.Logger) (*Discoverer, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, fmt.Errorf("discover: bind udp %d: %w", port, err)
	}
	return &Discoverer{
		Port:          port,
		Interval:      interval,
		LocalIdentity: localIdentity,
		log:           log.With().Str("component", "discover").Logger(),
		conn:          conn,
		listener:      listener,
		dedup:         lru.NewLRU[string, struct{}](1024, nil, DedupWindow),
	}, nil
}

// Serve runs the announce-broadcast and listen loops until ctx is
// canceled. It implements suture.Service.
func (d *Discoverer) Serve(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() { errCh <- d.broadcastLoop(ctx) }()
	go func() { errCh <- d.listenLoop(ctx) }()

	select {
	case <-ctx.Done():
		d.conn.Close()
		return ctx.Err()
	case err := <-errCh:
		d.conn.Close()
		return err
	}
}

func (d *Discoverer) broadcastLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	for {
		d.announce()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Discoverer) announce() {
	id := d.LocalIdentity()
	buf, err := packet.Encode(id.Packet())
	if err != nil {
		d.log.Warn().Err(err).Msg("failed to encode local identity for announcement")
		return
	}
	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: d.Port}
	if _, err := d.conn.WriteToUDP(buf, dst); err != nil {
		d.log.Warn().Err(err).Msg("broadcast failed")
	}
}

func (d *Discoverer) listenLoop(ctx context.Context) error {
	buf := make([]byte, packet.MaxTCPFrame)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("discover: read: %w", err)
		}
		d.handleDatagram(buf[:n], addr)
	}
}

func (d *Discoverer) handleDatagram(raw []byte, from *net.UDPAddr) {
	p, err := packet.Decode(raw)
	if err != nil {
		// A malformed announcement is logged and discarded; it never
		// taints the candidate stream.
		d.log.Debug().Err(err).Str("from", from.String()).Msg("discarding malformed announcement")
		return
	}
	if !packet.IsType(p, "cconnect.identity") {
		return
	}
	id, ok := identity.FromPacket(p)
	if !ok {
		d.log.Debug().Str("from", from.String()).Msg("discarding malformed identity body")
		return
	}
	local := d.LocalIdentity()
	if id.DeviceID == local.DeviceID {
		// Self-filtering: a broadcast on the same host/LAN segment loops
		// back; never surface ourselves as a candidate.
		return
	}
	if _, hit := d.dedup.Get(id.DeviceID); hit {
		return
	}
	d.dedup.Add(id.DeviceID, struct{}{})

	endpoint := net.JoinHostPort(from.IP.String(), fmt.Sprintf("%d", id.TCPPort))
	d.listener.OnCandidate(Candidate{DeviceID: id.DeviceID, Endpoint: endpoint, Identity: id})
}
