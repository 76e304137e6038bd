package core

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/cconnectd/cconnectd/lib/config"
	"github.com/cconnectd/cconnectd/lib/identity"
	"github.com/cconnectd/cconnectd/lib/packet"
	"github.com/cconnectd/cconnectd/lib/payload"
	"github.com/cconnectd/cconnectd/lib/plugins"
)

// hostResolver is the subset of *connections.Manager the dispatcher needs
// to learn which address a payload-bearing packet's sender connected
// from.
type hostResolver interface {
	RemoteHost(deviceID string) (string, bool)
}

// payloadAwareDispatcher implements connections.Dispatcher by delegating
// plugin lifecycle and routing to *plugins.Manager, and additionally
// triggering the payload subsystem's receive path whenever an inbound
// packet carries a payload_transfer_info block.
type payloadAwareDispatcher struct {
	plugins *plugins.Manager
	payload *payload.Manager
	conns   hostResolver
	cfg     config.Config
	log     zerolog.Logger
}

func (d *payloadAwareDispatcher) OnConnected(deviceID string, peer identity.Identity, trusted bool, send func(packet.Packet) error, reconnect bool) {
	d.plugins.OnConnected(deviceID, peer, trusted, send, reconnect)
}

func (d *payloadAwareDispatcher) OnPacket(deviceID string, p packet.Packet) {
	if p.HasPayload() {
		d.receivePayload(deviceID, p)
	}
	d.plugins.OnPacket(deviceID, p)
}

func (d *payloadAwareDispatcher) OnDisconnected(deviceID string, reconnect bool) {
	d.plugins.OnDisconnected(deviceID, reconnect)
}

// receivePayload opens the sideband connection in the background so the
// control packet still reaches the plugin immediately; the plugin learns
// the downloaded path is ready through its own mechanism (for the
// shipped ping plugin this path is never taken, since ping never sets
// payload_transfer_info).
func (d *payloadAwareDispatcher) receivePayload(deviceID string, p packet.Packet) {
	host, ok := d.conns.RemoteHost(deviceID)
	if !ok {
		d.log.Warn().Str("device", deviceID).Msg("payload packet from device with no known remote host")
		return
	}
	filename, _ := p.Body["filename"].(string)
	if filename == "" {
		filename = p.Type
	}

	go func() {
		ctx := context.Background()
		path, err := d.payload.Receive(ctx, deviceID, host, p, filename, d.cfg.DownloadDir())
		if err != nil {
			d.log.Warn().Err(err).Str("device", deviceID).Msg("payload receive failed")
			return
		}
		d.log.Info().Str("device", deviceID).Str("path", path).Msg("payload received")
	}()
}
