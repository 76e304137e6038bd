package plugins

import "github.com/cconnectd/cconnectd/lib/packet"

// PingRegistration is the one concrete plugin this repo ships: an echo
// handler for cconnect.ping, used by the discovery→pair→packet
// round-trip scenario. Every other feature plugin
// (battery, clipboard, MPRIS, screen share, messaging) is a black box
// the embedding application supplies via Registry.Register; ping ships
// here because it exercises the dispatch path end to end with no
// platform dependencies.
var PingRegistration = Registration{
	ID:       "ping",
	Incoming: []string{"cconnect.ping"},
	Outgoing: []string{"cconnect.ping"},
	New: func(deviceID string, send Sender) Plugin {
		return &pingPlugin{deviceID: deviceID, send: send}
	},
}

type pingPlugin struct {
	deviceID string
	send     Sender
	acked    int
}

func (p *pingPlugin) Init() {}

func (p *pingPlugin) HandlePacket(pkt packet.Packet) {
	p.acked++
	_ = p.send(packet.Packet{Type: "cconnect.ping", Body: map[string]any{}})
}

func (p *pingPlugin) Shutdown() {}
