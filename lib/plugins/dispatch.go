package plugins

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/cconnectd/cconnectd/lib/identity"
	"github.com/cconnectd/cconnectd/lib/packet"
)

// sendHandle is a value handle rather than a back-reference to the
// connection record: a plugin instance closes over Send, never over a
// connection. Reconnect swaps the function it forwards to without the
// plugin noticing.
type sendHandle struct {
	mu sync.RWMutex
	fn func(packet.Packet) error
}

func (h *sendHandle) rebind(fn func(packet.Packet) error) {
	h.mu.Lock()
	h.fn = fn
	h.mu.Unlock()
}

func (h *sendHandle) Send(p packet.Packet) error {
	h.mu.RLock()
	fn := h.fn
	h.mu.RUnlock()
	if fn == nil {
		return ErrNoSuchDevice
	}
	return fn(p)
}

type instance struct {
	id       string
	plugin   Plugin
	incoming []string
	mu       sync.Mutex // serializes HandlePacket per instance
}

type deviceInstances struct {
	mu        sync.Mutex
	send      *sendHandle
	instances []*instance
}

// Manager implements connections.Dispatcher: it creates plugin instances
// on a fresh trusted connection, routes inbound packets to every
// matching instance in registration order, and preserves or tears down
// instances according to the reconnect flag.
type Manager struct {
	registry *Registry
	log      zerolog.Logger
	devices  *xsync.MapOf[string, *deviceInstances]
}

// New constructs a Manager dispatching against registry.
func New(registry *Registry, log zerolog.Logger) *Manager {
	return &Manager{
		registry: registry,
		log:      log.With().Str("component", "plugins").Logger(),
		devices:  xsync.NewMapOf[string, *deviceInstances](),
	}
}

// OnConnected implements connections.Dispatcher. Untrusted connections
// never reach plugin dispatch; only a trusted,
// paired connection activates plugin instances.
func (m *Manager) OnConnected(deviceID string, peer identity.Identity, trusted bool, send func(packet.Packet) error, reconnect bool) {
	if !trusted {
		return
	}

	di, _ := m.devices.LoadOrCompute(deviceID, func() *deviceInstances {
		return &deviceInstances{send: &sendHandle{}}
	})
	di.send.rebind(send)

	if reconnect {
		m.log.Debug().Str("device", deviceID).Int("instances", len(di.instances)).Msg("rebound plugin instances across reconnect")
		return
	}

	di.mu.Lock()
	defer di.mu.Unlock()
	if len(di.instances) > 0 {
		// Already initialized for this device with no intervening
		// teardown; do not double-init.
		return
	}
	for _, reg := range m.registry.snapshot() {
		if !reg.matches(peer) {
			continue
		}
		p := reg.New(deviceID, di.send.Send)
		inst := &instance{id: reg.ID, plugin: p, incoming: reg.Incoming}
		p.Init()
		di.instances = append(di.instances, inst)
		m.log.Debug().Str("device", deviceID).Str("plugin", reg.ID).Msg("activated")
	}
}

// OnPacket implements connections.Dispatcher, routing p to every
// matching instance for deviceID in registration order. A packet
// matching no instance is logged and discarded.
func (m *Manager) OnPacket(deviceID string, p packet.Packet) {
	di, ok := m.devices.Load(deviceID)
	if !ok {
		m.log.Warn().Str("device", deviceID).Str("type", p.Type).Msg("packet for unknown device")
		return
	}
	di.mu.Lock()
	targets := make([]*instance, 0, len(di.instances))
	for _, inst := range di.instances {
		if identity.HasCapability(inst.incoming, p.Type) {
			targets = append(targets, inst)
		}
	}
	di.mu.Unlock()

	if len(targets) == 0 {
		m.log.Debug().Str("device", deviceID).Str("type", p.Type).Msg("no plugin handles this packet type")
		return
	}
	for _, inst := range targets {
		inst.mu.Lock()
		inst.plugin.HandlePacket(p)
		inst.mu.Unlock()
	}
}

// OnDisconnected implements connections.Dispatcher. reconnect=false tears
// down every plugin instance for deviceID; reconnect=true is a no-op
// here because the replacement connection's OnConnected has already (or
// will shortly) rebind the send handle.
func (m *Manager) OnDisconnected(deviceID string, reconnect bool) {
	if reconnect {
		return
	}
	di, ok := m.devices.LoadAndDelete(deviceID)
	if !ok {
		return
	}
	di.send.rebind(nil)
	di.mu.Lock()
	instances := di.instances
	di.instances = nil
	di.mu.Unlock()
	for _, inst := range instances {
		inst.mu.Lock()
		inst.plugin.Shutdown()
		inst.mu.Unlock()
		m.log.Debug().Str("device", deviceID).Str("plugin", inst.id).Msg("torn down")
	}
}

// SendTo delivers p to deviceID over the same send handle its plugin
// instances use, exactly as if a plugin had emitted it. It returns
// ErrNoSuchDevice when deviceID has no plugin instances.
func (m *Manager) SendTo(deviceID string, p packet.Packet) error {
	di, ok := m.devices.Load(deviceID)
	if !ok {
		return ErrNoSuchDevice
	}
	return di.send.Send(p)
}

// ActivePlugins returns the ids of every plugin instance currently live
// for deviceID, for UI/diagnostic display.
func (m *Manager) ActivePlugins(deviceID string) []string {
	di, ok := m.devices.Load(deviceID)
	if !ok {
		return nil
	}
	di.mu.Lock()
	defer di.mu.Unlock()
	out := make([]string, 0, len(di.instances))
	for _, inst := range di.instances {
		out = append(out, inst.id)
	}
	return out
}
