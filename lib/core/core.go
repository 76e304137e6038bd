// Package core wires every subsystem package into one running cconnectd:
// identity and trust, pairing, connection management, plugin dispatch,
// payload transfer, recovery, resource admission, and the control
// surface, supervised as a suture tree so that a panic or returned error
// in one service restarts only that service.
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"github.com/cconnectd/cconnectd/lib/api"
	"github.com/cconnectd/cconnectd/lib/config"
	"github.com/cconnectd/cconnectd/lib/connections"
	"github.com/cconnectd/cconnectd/lib/discover"
	"github.com/cconnectd/cconnectd/lib/events"
	"github.com/cconnectd/cconnectd/lib/identity"
	"github.com/cconnectd/cconnectd/lib/pairing"
	"github.com/cconnectd/cconnectd/lib/payload"
	"github.com/cconnectd/cconnectd/lib/plugins"
	"github.com/cconnectd/cconnectd/lib/recovery"
	"github.com/cconnectd/cconnectd/lib/resources"
	"github.com/cconnectd/cconnectd/lib/transport"
)

// DiscoveryAnnounceInterval is the default identity-broadcast cadence.
const DiscoveryAnnounceInterval = 5 * time.Second

// Core owns every wired subsystem for one running device and drives them
// as a supervised service tree.
type Core struct {
	cfg config.Config
	log zerolog.Logger

	Store       *identity.Store
	Pairing     *pairing.Machine
	Connections *connections.Manager
	Plugins     *plugins.Manager
	Payload     *payload.Manager
	Recovery    *recovery.Coordinator
	Resources   *resources.Manager
	Events      *events.Logger
	API         *api.Service

	registry   *prometheus.Registry
	discoverer *discover.Discoverer
	accept     *acceptLoop
	ctx        *ctxHolder
}

// New wires every subsystem against cfg and returns a Core ready to Run.
// registry backs the Prometheus collectors each subsystem registers;
// passing nil disables /metrics and per-subsystem instrumentation.
func New(cfg config.Config, registry *prometheus.Registry, log zerolog.Logger) (*Core, error) {
	log = log.With().Str("component", "core").Logger()

	store, err := identity.Open(cfg.DataDir, cfg.DeviceName)
	if err != nil {
		return nil, fmt.Errorf("core: open identity store: %w", err)
	}

	ev := events.NewLogger()

	pluginRegistry := plugins.NewRegistry()
	pluginRegistry.Register(plugins.PingRegistration)
	pluginMgr := plugins.New(pluginRegistry, log)

	payloadMgr := payload.New(cfg, store.Certificate(), ev, log)

	// pairingSender is constructed before the connection manager exists
	// (pairing.New needs a pairing.Sender up front) and backfilled with
	// the manager once it is built below.
	psender := &pairingSender{}

	pm := pairing.New(store, ev, psender, log)

	selector := transport.Selector{
		Preference: cfg.TransportPreference,
		TCP:        transport.TCPDialer{Cert: store.Certificate()},
	}

	dispatch := &payloadAwareDispatcher{
		plugins: pluginMgr,
		payload: payloadMgr,
		conns:   nil, // backfilled below, once the connection manager exists
		cfg:     cfg,
		log:     log.With().Str("component", "dispatch").Logger(),
	}

	connsMgr := connections.New(store, pm, dispatch, ev, selector, log)
	psender.conns = connsMgr
	psender.pairing = pm
	dispatch.conns = connsMgr
	pm.SetCloser(connsMgr)

	resourcesMgr := resources.New(cfg.Quotas, connsMgr, registry, log)
	connsMgr.SetAdmitter(resourcesMgr)
	payloadMgr.SetAdmitter(resourcesMgr)

	recoveryCoord := recovery.New(store, ev, cfg.Backoff, cfg.DataDir, connsMgr, connsMgr, log)
	recoveryCoord.SetQueueAdmitter(resourcesMgr)
	connsMgr.SetRetryQueue(recoveryCoord)

	socketPath := cfg.ControlSocketPath()
	apiSvc := api.New(socketPath, store, pm, connsMgr, payloadMgr, recoveryCoord, ev, registry, log)

	c := &Core{
		cfg:         cfg,
		log:         log,
		Store:       store,
		Pairing:     pm,
		Connections: connsMgr,
		Plugins:     pluginMgr,
		Payload:     payloadMgr,
		Recovery:    recoveryCoord,
		Resources:   resourcesMgr,
		Events:      ev,
		API:         apiSvc,
		registry:    registry,
		ctx:         newCtxHolder(),
	}

	dialer := &candidateDialer{conns: connsMgr, localID: store.Local().DeviceID, ctx: c.ctx, events: ev, log: log.With().Str("component", "discover-dial").Logger()}

	localIdentity := func() identity.Identity {
		id := store.Local()
		id.ProtocolVersion = connections.LocalProtocolVersion
		id.TCPPort = cfg.TCPPort
		id.Incoming, id.Outgoing = pluginRegistry.Capabilities()
		return id
	}

	discoverer, err := discover.New(cfg.DiscoveryPort, DiscoveryAnnounceInterval, localIdentity, dialer, log)
	if err != nil {
		// Bind failure is non-fatal: a core with no free
		// UDP port still accepts manually-initiated connections.
		log.Warn().Err(err).Msg("discovery bind failed, continuing without LAN announce/listen")
	} else {
		c.discoverer = discoverer
	}

	listener, err := transport.ListenTCP(fmt.Sprintf(":%d", cfg.TCPPort))
	if err != nil {
		return nil, fmt.Errorf("core: listen tcp: %w", err)
	}
	c.accept = &acceptLoop{listener: listener, conns: connsMgr, log: log.With().Str("component", "accept").Logger()}

	return c, nil
}

// Run starts every subsystem under a suture supervisor and blocks until
// ctx is canceled or a service fails terminally. The 30s shutdown drain
// is the caller's responsibility: cancel ctx, then wait up to 30s before
// the process exits.
func (c *Core) Run(ctx context.Context) error {
	c.ctx.set(ctx)

	sup := suture.New("cconnectd", suture.Spec{
		EventHook: func(e suture.Event) {
			c.log.Warn().Str("event", e.String()).Msg("supervisor event")
		},
	})

	sup.Add(c.accept)
	sup.Add(c.Recovery)
	sup.Add(c.Resources)
	sup.Add(c.API)
	if c.discoverer != nil {
		sup.Add(c.discoverer)
	}

	return sup.Serve(ctx)
}

// Close releases resources that outlive the supervised run (the identity
// store's on-disk flush), for callers that construct a Core without ever
// calling Run (tests, one-shot CLI subcommands).
func (c *Core) Close() error {
	return c.Store.Teardown()
}
