package core

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/cconnectd/cconnectd/lib/discover"
	"github.com/cconnectd/cconnectd/lib/events"
)

// discoveryDialer is the subset of *connections.Manager a candidateDialer
// needs, kept narrow so this file's tests can fake it without standing up
// a full connection manager.
type discoveryDialer interface {
	Connected(deviceID string) bool
	Dial(ctx context.Context, deviceID, tcpEndpoint, btEndpoint string, peerVersion int) error
}

// candidateDialer implements discover.Listener, dialing any announced
// peer that isn't already connected and isn't this device's own
// broadcast looping back.
type candidateDialer struct {
	conns   discoveryDialer
	localID string
	ctx     *ctxHolder
	events  *events.Logger
	log     zerolog.Logger
}

func (d *candidateDialer) OnCandidate(c discover.Candidate) {
	if c.DeviceID == "" || c.DeviceID == d.localID {
		return
	}
	if d.events != nil {
		d.events.Log(events.DiscoveryCandidate, c)
	}
	if d.conns.Connected(c.DeviceID) {
		return
	}
	ctx := d.ctx.get()
	if err := d.conns.Dial(ctx, c.DeviceID, c.Endpoint, "", c.Identity.ProtocolVersion); err != nil {
		d.log.Debug().Err(err).Str("device", c.DeviceID).Str("endpoint", c.Endpoint).Msg("dial from discovered candidate failed")
	}
}
