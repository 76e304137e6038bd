// Package connections implements the per-device connection lifecycle:
// transport selection, protocol-version-dependent handshake
// ordering, fingerprint verification, rate limiting, and socket
// replacement for reconnecting mobile peers.
package connections

import (
	"context"
	"crypto/x509"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cconnectd/cconnectd/lib/coreerrors"
	"github.com/cconnectd/cconnectd/lib/events"
	"github.com/cconnectd/cconnectd/lib/identity"
	"github.com/cconnectd/cconnectd/lib/packet"
	"github.com/cconnectd/cconnectd/lib/pairing"
	"github.com/cconnectd/cconnectd/lib/transport"
)

// LocalProtocolVersion is the protocol version this core speaks when
// initiating a connection.
const LocalProtocolVersion = 8

// MinProtocolVersion is the oldest protocol version still accepted.
const MinProtocolVersion = 7

// RateLimitGap is the minimum spacing between connection attempts for the
// same device id.
const RateLimitGap = 1 * time.Second

// HandshakeTimeout bounds the TLS+identity exchange.
const HandshakeTimeout = 30 * time.Second

// OutboundQueueCap bounds the per-connection outbound packet queue.
const OutboundQueueCap = 256

// Dispatcher receives connection lifecycle events and inbound packets.
// Implemented by the plugin dispatch layer; the connection manager never
// imports it, only this narrow interface.
type Dispatcher interface {
	// OnConnected is called once a connection is registered: immediately
	// on a fresh connection, or on socket replacement with reconnect=true
	// for an existing one. send delivers a packet to the live connection.
	OnConnected(deviceID string, peer identity.Identity, trusted bool, send func(packet.Packet) error, reconnect bool)
	OnPacket(deviceID string, p packet.Packet)
	// OnDisconnected is called when a device's connection is torn down.
	// reconnect=true means a replacement connection has already taken
	// over and plugin state must be preserved; reconnect=false means the
	// device is genuinely gone and plugin instances should be torn down.
	OnDisconnected(deviceID string, reconnect bool)
}

// Admitter enforces connection quotas at the point a session is about to
// be registered, satisfied by *resources.Manager. Kept as a narrow
// interface here so this package never imports lib/resources.
type Admitter interface {
	AdmitConnection(deviceID string) error
	ReleaseConnection(deviceID string)
}

// RetryQueue accepts packets whose delivery failed so something else can
// retry them later. Satisfied by
// *recovery.Coordinator; kept as a narrow interface here so this package
// never imports lib/recovery.
type RetryQueue interface {
	Enqueue(deviceID string, p packet.Packet)
}

// Record is the live state of one device's connection.
type Record struct {
	DeviceID string
	Peer     identity.Identity
	Trusted  bool

	conn     transport.Conn
	remoteIP string
	out      chan packet.Packet
	cancel   context.CancelFunc
	closed   chan struct{}

	mu           sync.Mutex
	closeReason  closeReason
	lastActivity time.Time
}

func (r *Record) touch() {
	r.mu.Lock()
	r.lastActivity = time.Now()
	r.mu.Unlock()
}

func (r *Record) activityAge() time.Duration {
	r.mu.Lock()
	last := r.lastActivity
	r.mu.Unlock()
	return time.Since(last)
}

type closeReason int

const (
	closeNormal closeReason = iota
	closeForReconnect
)

// Manager owns every live per-device connection.
type Manager struct {
	store    *identity.Store
	pairing  *pairing.Machine
	dispatch Dispatcher
	events   *events.Logger
	selector transport.Selector
	log      zerolog.Logger
	retry    RetryQueue
	admitter Admitter

	conns    *xsync.MapOf[string, *Record]
	limiters *xsync.MapOf[string, *rate.Limiter]
}

// SetAdmitter wires in the resource manager's connection quota. Optional:
// a Manager with no admitter set enforces no connection quota beyond the
// rate limiter admit/admitByIP already apply.
func (m *Manager) SetAdmitter(a Admitter) {
	m.admitter = a
}

// SetRetryQueue wires in the recovery coordinator's retry queue. Optional:
// a Manager with no retry queue set simply drops undeliverable packets, as
// before this was introduced.
func (m *Manager) SetRetryQueue(q RetryQueue) {
	m.retry = q
}

// New constructs a Manager.
func New(store *identity.Store, pm *pairing.Machine, dispatch Dispatcher, ev *events.Logger, selector transport.Selector, log zerolog.Logger) *Manager {
	return &Manager{
		store:    store,
		pairing:  pm,
		dispatch: dispatch,
		events:   ev,
		selector: selector,
		log:      log.With().Str("component", "connections").Logger(),
		conns:    xsync.NewMapOf[string, *Record](),
		limiters: xsync.NewMapOf[string, *rate.Limiter](),
	}
}

// SendPacket implements pairing.Sender: deliver p to the live connection
// for deviceID, if any.
func (m *Manager) SendPacket(deviceID string, p packet.Packet) error {
	rec, ok := m.conns.Load(deviceID)
	if !ok {
		return fmt.Errorf("connections: %w: no live connection for %s", coreerrors.ErrTransportError, deviceID)
	}
	select {
	case rec.out <- p:
		return nil
	default:
		return fmt.Errorf("connections: outbound queue full for %s", deviceID)
	}
}

// ConnectionInfo is a snapshot of one live connection, for the resource
// manager's stale-connection reaper and the control surface's device list.
type ConnectionInfo struct {
	DeviceID string
	RemoteIP string
	Trusted  bool
	IdleFor  time.Duration
}

// Snapshot lists every currently live connection.
func (m *Manager) Snapshot() []ConnectionInfo {
	out := make([]ConnectionInfo, 0, m.conns.Size())
	m.conns.Range(func(deviceID string, rec *Record) bool {
		out = append(out, ConnectionInfo{
			DeviceID: deviceID,
			RemoteIP: rec.remoteIP,
			Trusted:  rec.Trusted,
			IdleFor:  rec.activityAge(),
		})
		return true
	})
	return out
}

// Count returns the number of live connections, for the resource manager's
// MaxConnectionsTotal quota.
func (m *Manager) Count() int {
	return m.conns.Size()
}

// Close forcibly tears down the live connection for deviceID, if any. Used
// by the resource manager's stale-connection reaper and the
// control surface's unpair operation.
func (m *Manager) Close(deviceID string) error {
	rec, ok := m.conns.Load(deviceID)
	if !ok {
		return fmt.Errorf("connections: %s has no live connection", deviceID)
	}
	rec.cancel()
	rec.conn.Close()
	return nil
}

// Connected reports whether deviceID currently has a live connection.
func (m *Manager) Connected(deviceID string) bool {
	_, ok := m.conns.Load(deviceID)
	return ok
}

// RemoteHost returns the bare IP a device's live connection was accepted
// or dialed from, for the payload subsystem's receive path, which needs
// a peer host to open its own sideband connection to.
func (m *Manager) RemoteHost(deviceID string) (string, bool) {
	rec, ok := m.conns.Load(deviceID)
	if !ok {
		return "", false
	}
	return rec.remoteIP, true
}

func (m *Manager) admit(deviceID string) error {
	limiter, _ := m.limiters.LoadOrCompute(deviceID, func() *rate.Limiter {
		return rate.NewLimiter(rate.Every(RateLimitGap), 1)
	})
	if !limiter.Allow() {
		return fmt.Errorf("connections: %w: %s", coreerrors.ErrRateLimited, deviceID)
	}
	return nil
}

// Dial opens an outbound connection to deviceID at the given TCP/Bluetooth
// endpoints, using peerVersion as learned from discovery to choose
// handshake ordering.
func (m *Manager) Dial(ctx context.Context, deviceID, tcpEndpoint, btEndpoint string, peerVersion int) error {
	if err := m.admit(deviceID); err != nil {
		return err
	}
	conn, err := m.selector.Dial(ctx, tcpEndpoint, btEndpoint)
	if err != nil {
		return fmt.Errorf("connections: %w: dial %s: %v", coreerrors.ErrTransportError, deviceID, err)
	}
	return m.openSession(ctx, conn, deviceID, peerVersion, true, "")
}

// DialWithCert opens an outbound connection to deviceID pinned to an
// explicitly supplied peer certificate rather than a stored trust
// record: during pairing acceptance the peer is not yet in the trust
// store, so the normal Dial path has nothing to pin the handshake
// against. The certificate comes from the pairing machine's capture of
// the initial identity exchange.
func (m *Manager) DialWithCert(ctx context.Context, deviceID, endpoint string, peerCert *x509.Certificate) error {
	if peerCert == nil {
		return fmt.Errorf("connections: %w: no certificate to pin %s against", coreerrors.ErrCertificateMismatch, deviceID)
	}
	if err := m.admit(deviceID); err != nil {
		return err
	}
	conn, err := m.selector.Dial(ctx, endpoint, endpoint)
	if err != nil {
		return fmt.Errorf("connections: %w: dial %s: %v", coreerrors.ErrTransportError, deviceID, err)
	}
	return m.openSession(ctx, conn, deviceID, LocalProtocolVersion, true, identity.Fingerprint(peerCert.Raw))
}

// Accept completes the inbound half of the open path for a freshly
// accepted connection, whose protocol version and device id are not yet
// known.
func (m *Manager) Accept(ctx context.Context, conn transport.Conn) error {
	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	isTLS := true
	if conn.Kind() == transport.TCP {
		detected, peeked, err := transport.PeekTLS(conn)
		if err != nil {
			conn.Close()
			return fmt.Errorf("connections: %w: %v", coreerrors.ErrTransportError, err)
		}
		isTLS = detected
		conn = peeked
	}

	version := LocalProtocolVersion
	if !isTLS {
		version = MinProtocolVersion
	}

	// Device id is not known yet; rate limiting by id happens once we
	// learn it from the identity exchange inside openSession. The coarse
	// per-IP admission below defends against a single source spraying
	// bare sockets before an id is ever established.
	if err := m.admitByIP(host); err != nil {
		conn.Close()
		return err
	}
	return m.openSession(ctx, conn, "", version, false, "")
}

func (m *Manager) admitByIP(ip string) error {
	limiter, _ := m.limiters.LoadOrCompute("ip:"+ip, func() *rate.Limiter {
		return rate.NewLimiter(rate.Every(RateLimitGap), 4)
	})
	if !limiter.Allow() {
		return fmt.Errorf("connections: %w: %s", coreerrors.ErrRateLimited, ip)
	}
	return nil
}

// openSession drives steps 2-7 of the open path. expectedDeviceID is
// empty for an inbound connection whose device id isn't known until the
// identity exchange completes. pinnedFP, when non-empty, is an explicit
// fingerprint the handshake's peer certificate must match (the
// DialWithCert pre-pair path); it is checked in addition to, not instead
// of, any pin in the trust store.
func (m *Manager) openSession(ctx context.Context, conn transport.Conn, expectedDeviceID string, version int, outbound bool, pinnedFP string) error {
	if version < MinProtocolVersion {
		conn.Close()
		return fmt.Errorf("connections: %w: version %d", coreerrors.ErrProtocolVersionUnsupported, version)
	}

	hctx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()

	local := m.store.Local()
	var peerIdentity identity.Identity
	var peerCert *x509.Certificate
	var err error

	tcpLike := conn.Kind() == transport.TCP
	if tcpLike && version >= 8 {
		conn, peerCert, err = m.tlsFirst(hctx, conn, outbound)
		if err != nil {
			return err
		}
		peerIdentity, err = exchangeIdentity(conn, local, outbound)
		if err != nil {
			conn.Close()
			return fmt.Errorf("connections: %w: %v", coreerrors.ErrIdentityMalformed, err)
		}
	} else if tcpLike {
		peerIdentity, err = exchangeIdentity(conn, local, outbound)
		if err != nil {
			conn.Close()
			return fmt.Errorf("connections: %w: %v", coreerrors.ErrIdentityMalformed, err)
		}
		conn, peerCert, err = m.tlsFirst(hctx, conn, outbound)
		if err != nil {
			return err
		}
	} else {
		// Bluetooth LE: the link layer's own bonding covers confidentiality
		// (see DESIGN.md); only the identity exchange happens here, and
		// fingerprint pinning is skipped for this transport.
		peerIdentity, err = exchangeIdentity(conn, local, outbound)
		if err != nil {
			conn.Close()
			return fmt.Errorf("connections: %w: %v", coreerrors.ErrIdentityMalformed, err)
		}
	}

	if expectedDeviceID != "" && peerIdentity.DeviceID != expectedDeviceID {
		conn.Close()
		return fmt.Errorf("connections: %w: expected %s, got %s", coreerrors.ErrIdentityMalformed, expectedDeviceID, peerIdentity.DeviceID)
	}
	if peerIdentity.DeviceID == local.DeviceID {
		conn.Close()
		return fmt.Errorf("connections: %w: connected to self", coreerrors.ErrIdentityMalformed)
	}
	if !outbound {
		// The per-device-id gap couldn't be
		// enforced before the socket was opened, since the device id is
		// unknown until the identity exchange above completes; enforce it
		// now, before the connection is ever registered or replaces an
		// existing one.
		if err := m.admit(peerIdentity.DeviceID); err != nil {
			conn.Close()
			return err
		}
	}

	trusted := false
	if peerCert != nil {
		fp := identity.Fingerprint(peerCert.Raw)
		if pinnedFP != "" && fp != identity.NormalizeFingerprint(pinnedFP) {
			conn.Close()
			m.events.Log(events.CertificateMismatch, peerIdentity.DeviceID)
			return fmt.Errorf("connections: %w: %s presented a certificate other than the pinned one", coreerrors.ErrCertificateMismatch, peerIdentity.DeviceID)
		}
		verifyErr := m.store.VerifyFingerprint(peerIdentity.DeviceID, fp)
		switch {
		case verifyErr == nil:
			trusted = true
		case verifyErr == identity.ErrMismatch:
			conn.Close()
			m.events.Log(events.CertificateMismatch, peerIdentity.DeviceID)
			return fmt.Errorf("connections: %w: %s", coreerrors.ErrCertificateMismatch, peerIdentity.DeviceID)
		default:
			// unpaired: permitted, but only pairing packets may flow
			// until the device is paired.
		}
		m.pairing.NoteConnection(peerIdentity.DeviceID, peerCert, conn.RemoteAddr().String())
	}

	remoteIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	if m.store.UpsertSeen(peerIdentity, conn.RemoteAddr().String(), time.Now()) {
		m.events.Log(events.DeviceAdded, peerIdentity.DeviceID)
	}

	return m.register(ctx, conn, peerIdentity, trusted, remoteIP)
}

func (m *Manager) tlsFirst(ctx context.Context, conn transport.Conn, outbound bool) (transport.Conn, *x509.Certificate, error) {
	var tc transport.Conn
	var state *tlsState
	var err error
	if outbound {
		tc, state, err = upgradeClient(ctx, conn, m.store.Certificate())
	} else {
		tc, state, err = upgradeServer(ctx, conn, m.store.Certificate())
	}
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("connections: %w: TLS handshake: %v", coreerrors.ErrTransportError, err)
	}
	if len(state.PeerCertificates) == 0 {
		tc.Close()
		return nil, nil, fmt.Errorf("connections: %w: no peer certificate", coreerrors.ErrIdentityMalformed)
	}
	return tc, state.PeerCertificates[0], nil
}

// register installs conn as the live connection for peer.DeviceID,
// applying socket-replacement policy if one already exists from the same
// IP.
func (m *Manager) register(ctx context.Context, conn transport.Conn, peer identity.Identity, trusted bool, remoteIP string) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	rec := &Record{
		DeviceID: peer.DeviceID,
		Peer:     peer,
		Trusted:  trusted,
		conn:     conn,
		remoteIP: remoteIP,
		out:      make(chan packet.Packet, OutboundQueueCap),
		cancel:   cancel,
		closed:   make(chan struct{}),
	}
	rec.touch()

	reconnect := false
	if existing, ok := m.conns.Load(peer.DeviceID); ok {
		if existing.remoteIP != remoteIP {
			conn.Close()
			cancel()
			return fmt.Errorf("connections: %w: %s already connected from a different address", coreerrors.ErrTransportError, peer.DeviceID)
		}
		reconnect = true
		existing.mu.Lock()
		existing.closeReason = closeForReconnect
		existing.mu.Unlock()
		existing.cancel()
		// readLoop blocks on a synchronous packet read; canceling its
		// context alone can't unblock that, so force it to observe EOF.
		existing.conn.Close()
		<-existing.closed
		m.events.Log(events.Disconnected, ReconnectEvent{DeviceID: peer.DeviceID, Reconnect: true})
		if m.admitter != nil {
			// the replacement below re-admits this device; release the
			// slot the outgoing connection held so the quota isn't
			// double-counted across the handoff.
			m.admitter.ReleaseConnection(peer.DeviceID)
		}
	}

	if m.admitter != nil {
		if err := m.admitter.AdmitConnection(peer.DeviceID); err != nil {
			conn.Close()
			cancel()
			return err
		}
	}

	m.conns.Store(peer.DeviceID, rec)
	m.events.Log(events.Connected, peer.DeviceID)

	send := func(p packet.Packet) error { return m.SendPacket(peer.DeviceID, p) }
	m.dispatch.OnConnected(peer.DeviceID, peer, trusted, send, reconnect)

	go m.writeLoop(sessionCtx, rec)
	go m.readLoop(sessionCtx, rec)
	return nil
}

// ReconnectEvent is the events.Disconnected payload: Reconnect is true
// when a replacement connection has already taken over (socket
// replacement) and false for a genuine teardown. The recovery
// coordinator subscribes to this to decide whether to schedule a
// backoff reconnection attempt.
type ReconnectEvent struct {
	DeviceID  string
	Reconnect bool
}

func (m *Manager) writeLoop(ctx context.Context, rec *Record) {
	w := packetWriter(rec.conn)
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-rec.out:
			if err := w(p); err != nil {
				m.log.Warn().Err(err).Str("device", rec.DeviceID).Msg("write failed")
				if m.retry != nil {
					m.retry.Enqueue(rec.DeviceID, p)
				}
				rec.cancel()
				return
			}
		}
	}
}

func (m *Manager) readLoop(ctx context.Context, rec *Record) {
	defer m.teardown(rec)
	r := packetReader(rec.conn)
	for {
		if ctx.Err() != nil {
			return
		}
		p, err := r()
		if err != nil {
			return
		}
		rec.touch()
		if !rec.Trusted && !looksLikePairPacket(p) {
			// unauthenticated session: only pairing packets flow.
			continue
		}
		if looksLikePairPacket(p) {
			pairVal, _ := p.Body["pair"].(bool)
			if err := m.pairing.HandlePairPacket(rec.DeviceID, pairVal); err != nil {
				m.log.Warn().Err(err).Str("device", rec.DeviceID).Msg("pair packet handling failed")
			}
			if m.pairing.StateOf(rec.DeviceID) == pairing.Paired {
				rec.Trusted = true
			}
			continue
		}
		m.dispatch.OnPacket(rec.DeviceID, p)
	}
}

func (m *Manager) teardown(rec *Record) {
	rec.conn.Close()

	rec.mu.Lock()
	reason := rec.closeReason
	rec.mu.Unlock()
	close(rec.closed)

	if reason == closeForReconnect {
		// the replacement has already been installed by register(); do
		// not delete the map entry or fire a non-reconnect disconnect.
		return
	}

	if cur, ok := m.conns.Load(rec.DeviceID); ok && cur == rec {
		m.conns.Delete(rec.DeviceID)
	}
	if m.admitter != nil {
		m.admitter.ReleaseConnection(rec.DeviceID)
	}
	m.events.Log(events.Disconnected, ReconnectEvent{DeviceID: rec.DeviceID, Reconnect: false})
	m.dispatch.OnDisconnected(rec.DeviceID, false)
}

func looksLikePairPacket(p packet.Packet) bool {
	return packet.IsType(p, "cconnect.pair")
}
