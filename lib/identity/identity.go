// Package identity holds the local device identity, the long-lived
// self-signed certificate and key, and the persisted trust/device records
// for paired peers.
package identity

import "github.com/cconnectd/cconnectd/lib/packet"

// DeviceClass enumerates the device types the protocol distinguishes.
type DeviceClass string

const (
	Desktop DeviceClass = "desktop"
	Laptop  DeviceClass = "laptop"
	Phone   DeviceClass = "phone"
	Tablet  DeviceClass = "tablet"
	TV      DeviceClass = "tv"
)

// Identity is the immutable-within-a-session per-device identity record.
type Identity struct {
	DeviceID        string
	DeviceName      string
	DeviceClass     DeviceClass
	ProtocolVersion int
	TCPPort         int
	Incoming        []string
	Outgoing        []string
}

// Packet renders id as a wire identity packet, dual-listing capabilities
// under both namespace prefixes.
func (id Identity) Packet() packet.Packet {
	return packet.Packet{
		ID:   0,
		Type: "cconnect.identity",
		Body: map[string]any{
			"deviceId":             id.DeviceID,
			"deviceName":           id.DeviceName,
			"deviceType":           string(id.DeviceClass),
			"protocolVersion":      id.ProtocolVersion,
			"tcpPort":              id.TCPPort,
			"incomingCapabilities": packet.ExpandCapabilities(id.Incoming),
			"outgoingCapabilities": packet.ExpandCapabilities(id.Outgoing),
		},
	}
}

// FromPacket parses a received identity packet's body into an Identity.
// It does not itself validate p's type; callers should check
// packet.IsType(p, "cconnect.identity") first.
func FromPacket(p packet.Packet) (Identity, bool) {
	id, ok := p.Body["deviceId"].(string)
	if !ok || id == "" {
		return Identity{}, false
	}
	name, _ := p.Body["deviceName"].(string)
	class, _ := p.Body["deviceType"].(string)
	version, ok := asInt(p.Body["protocolVersion"])
	if !ok {
		return Identity{}, false
	}
	port, _ := asInt(p.Body["tcpPort"])
	return Identity{
		DeviceID:        id,
		DeviceName:      name,
		DeviceClass:     DeviceClass(class),
		ProtocolVersion: version,
		TCPPort:         port,
		Incoming:        asStrings(p.Body["incomingCapabilities"]),
		Outgoing:        asStrings(p.Body["outgoingCapabilities"]),
	}, true
}

func asInt(v any) (int, bool) {
	f, ok := v.(float64)
	return int(f), ok
}

func asStrings(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// HasCapability reports whether caps contains typ, applying the namespace
// equivalence of packet.IsType.
func HasCapability(caps []string, typ string) bool {
	for _, c := range caps {
		if packet.IsType(packet.Packet{Type: c}, typ) {
			return true
		}
	}
	return false
}
