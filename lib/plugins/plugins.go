// Package plugins dispatches decoded packets to per-device feature
// handlers by capability, and manages their lifecycle across connect,
// packet delivery, and reconnect. The dispatch layer never
// interprets what a plugin does with a packet: it only matches declared
// capabilities and drives init/handle/shutdown.
package plugins

import (
	"fmt"
	"sync"

	"github.com/cconnectd/cconnectd/lib/identity"
	"github.com/cconnectd/cconnectd/lib/packet"
)

// Plugin is an opaque feature handler bound to one device connection.
// Init is called once on first attachment, Shutdown once on final
// detachment. HandlePacket is never called
// concurrently for the same instance; the dispatcher serializes delivery
// per plugin.
type Plugin interface {
	Init()
	HandlePacket(p packet.Packet)
	Shutdown()
}

// Sender delivers a plugin-originated packet to its device's live
// connection.
type Sender func(p packet.Packet) error

// Factory constructs a Plugin instance bound to deviceID. send is a
// stable handle the dispatcher rebinds across reconnects rather than a
// direct reference to any one connection:
// factories and the plugins they return never see a connection.
type Factory func(deviceID string, send Sender) Plugin

// Registration declares one plugin type's id and capability sets,
// matched against a peer's advertised capabilities at connect time.
type Registration struct {
	ID       string
	Incoming []string
	Outgoing []string
	New      Factory
}

// Registry holds plugin registrations in the order they were added.
// Registration order is preserved because it determines delivery order
// when more than one plugin matches a packet type.
type Registry struct {
	mu   sync.RWMutex
	regs []Registration
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry { return &Registry{} }

// Register adds reg. Re-registering the same id replaces the prior
// entry in place, keeping its original position.
func (r *Registry) Register(reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.regs {
		if existing.ID == reg.ID {
			r.regs[i] = reg
			return
		}
	}
	r.regs = append(r.regs, reg)
}

func (r *Registry) snapshot() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Registration, len(r.regs))
	copy(out, r.regs)
	return out
}

// matches implements the capability-matching rule: a factory is
// activated for a peer if any of its declared incoming types is in the
// peer's outgoingCapabilities, or any of its declared outgoing types is
// in the peer's incomingCapabilities. Namespace-prefix equivalence
// (kdeconnect.* / cconnect.*) applies via identity.HasCapability.
func (reg Registration) matches(peer identity.Identity) bool {
	for _, in := range reg.Incoming {
		if identity.HasCapability(peer.Outgoing, in) {
			return true
		}
	}
	for _, out := range reg.Outgoing {
		if identity.HasCapability(peer.Incoming, out) {
			return true
		}
	}
	return false
}

// Capabilities aggregates every registration's declared incoming/outgoing
// capability sets, for the local identity packet the core broadcasts
// during discovery: the set of plugins we ship determines what
// we advertise.
func (r *Registry) Capabilities() (incoming, outgoing []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, reg := range r.regs {
		incoming = append(incoming, reg.Incoming...)
		outgoing = append(outgoing, reg.Outgoing...)
	}
	return incoming, outgoing
}

// ErrNoSuchDevice is returned by SendTo for a device with no live plugin
// set (never connected, or already torn down).
var ErrNoSuchDevice = fmt.Errorf("plugins: no plugin instances for device")
