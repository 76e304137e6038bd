// Package pairing implements the per-device pairing state machine:
// NotPaired / RequestedOut / RequestedIn / Paired, with fingerprint
// pinning on successful pairing and the pre-pair certificate capture
// that lets an accepted inbound request be delivered over a brand-new
// connection.
package pairing

import (
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/cconnectd/cconnectd/lib/events"
	"github.com/cconnectd/cconnectd/lib/identity"
	"github.com/cconnectd/cconnectd/lib/packet"
)

// RequestTimeout bounds how long a RequestedOut/RequestedIn state waits
// for the peer or the local user before reverting to NotPaired.
const RequestTimeout = 30 * time.Second

// State is the pairing state of one remote device.
type State int

const (
	NotPaired State = iota
	RequestedOut
	RequestedIn
	Paired
)

func (s State) String() string {
	switch s {
	case NotPaired:
		return "NotPaired"
	case RequestedOut:
		return "RequestedOut"
	case RequestedIn:
		return "RequestedIn"
	case Paired:
		return "Paired"
	default:
		return "Unknown"
	}
}

// Sender delivers an outbound packet to a live connection for deviceID.
// The connection manager supplies the implementation; pairing never
// touches a socket directly.
type Sender interface {
	SendPacket(deviceID string, p packet.Packet) error
}

// Closer tears down the live connection for deviceID, if any. The
// connection manager supplies the implementation.
type Closer interface {
	Close(deviceID string) error
}

var (
	// ErrNoSuchRequest is returned by AcceptIncoming/RejectIncoming when
	// the device is not currently in RequestedIn.
	ErrNoSuchRequest = fmt.Errorf("pairing: no pending incoming request")
)

type deviceState struct {
	mu       sync.Mutex
	state    State
	timer    *time.Timer
	peerCert *x509.Certificate
	endpoint string
}

// Machine tracks pairing state for every known device.
type Machine struct {
	store   *identity.Store
	events  *events.Logger
	sender  Sender
	closer  Closer
	timeout time.Duration
	log     zerolog.Logger

	devices *xsync.MapOf[string, *deviceState]
}

// New constructs a Machine. sender is used to emit pair{} packets;
// calling AcceptIncoming/RejectIncoming/RequestPair before a Sender has a
// live connection for that device returns an error from sender.SendPacket,
// which the caller should surface rather than silently dropping.
func New(store *identity.Store, log *events.Logger, sender Sender, zl zerolog.Logger) *Machine {
	return &Machine{
		store:   store,
		events:  log,
		sender:  sender,
		timeout: RequestTimeout,
		log:     zl.With().Str("component", "pairing").Logger(),
		devices: xsync.NewMapOf[string, *deviceState](),
	}
}

// SetCloser wires the connection manager in once it exists, since
// connections.New itself needs a Machine up front. Before this is called,
// teardownPairing skips the connection-close step.
func (m *Machine) SetCloser(c Closer) {
	m.closer = c
}

func (m *Machine) stateFor(deviceID string) *deviceState {
	d, _ := m.devices.LoadOrCompute(deviceID, func() *deviceState {
		st := initialState(m.store, deviceID)
		return &deviceState{state: st}
	})
	return d
}

func initialState(store *identity.Store, deviceID string) State {
	rec, ok := store.Device(deviceID)
	if !ok {
		return NotPaired
	}
	switch rec.State {
	case identity.Paired:
		return Paired
	case identity.PairingRequestOut:
		return RequestedOut
	case identity.PairingRequestIn:
		return RequestedIn
	default:
		return NotPaired
	}
}

// StateOf returns the current pairing state of deviceID.
func (m *Machine) StateOf(deviceID string) State {
	d := m.stateFor(deviceID)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// NoteConnection records the peer certificate and endpoint observed on
// the most recent connection for deviceID, regardless of pairing state.
// This is the capture side of the pre-pair certificate problem: by the
// time a user accepts an inbound request, the connection that delivered
// it may already be gone, and accepting must be able to dial a fresh
// connection pinned to this exact certificate.
func (m *Machine) NoteConnection(deviceID string, peerCert *x509.Certificate, endpoint string) {
	d := m.stateFor(deviceID)
	d.mu.Lock()
	d.peerCert = peerCert
	d.endpoint = endpoint
	d.mu.Unlock()
}

// PeerCertFor returns the most recently observed certificate and
// endpoint for deviceID, for use with a connect_with_cert dial.
func (m *Machine) PeerCertFor(deviceID string) (*x509.Certificate, string, bool) {
	d := m.stateFor(deviceID)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.peerCert == nil {
		return nil, "", false
	}
	return d.peerCert, d.endpoint, true
}

// LocalFingerprint returns the local certificate's SHA-256 fingerprint,
// for UI display during out-of-band verification.
func (m *Machine) LocalFingerprint() string {
	return m.store.LocalFingerprint()
}

// RemoteFingerprint returns the fingerprint of the most recently observed
// peer certificate for deviceID, for UI display alongside the local one.
func (m *Machine) RemoteFingerprint(deviceID string) (string, bool) {
	cert, _, ok := m.PeerCertFor(deviceID)
	if !ok {
		return "", false
	}
	return identity.Fingerprint(cert.Raw), true
}

// RequestPair sends an outbound pair request: NotPaired -> RequestedOut.
func (m *Machine) RequestPair(deviceID string) error {
	d := m.stateFor(deviceID)
	d.mu.Lock()
	if d.state != NotPaired {
		d.mu.Unlock()
		return fmt.Errorf("pairing: cannot request pair for %s in state %s", deviceID, d.state)
	}
	d.state = RequestedOut
	m.armTimer(deviceID, d)
	d.mu.Unlock()

	m.store.SetState(deviceID, identity.PairingRequestOut)
	if err := m.sender.SendPacket(deviceID, pairPacket(true)); err != nil {
		return fmt.Errorf("pairing: send pair request to %s: %w", deviceID, err)
	}
	return nil
}

// HandlePairPacket processes an inbound pair{} packet for deviceID.
func (m *Machine) HandlePairPacket(deviceID string, pair bool) error {
	d := m.stateFor(deviceID)
	d.mu.Lock()
	from := d.state

	switch {
	case from == NotPaired && pair:
		d.state = RequestedIn
		m.armTimer(deviceID, d)
		d.mu.Unlock()
		m.store.SetState(deviceID, identity.PairingRequestIn)
		m.events.Log(events.PairRequested, deviceID)
		return nil

	case from == RequestedOut && pair:
		d.stopTimer()
		d.state = Paired
		cert := d.peerCert
		d.mu.Unlock()
		return m.finalizePair(deviceID, cert)

	case from == RequestedOut && !pair:
		d.stopTimer()
		d.state = NotPaired
		d.mu.Unlock()
		m.store.SetState(deviceID, identity.Rejected)
		m.events.Log(events.PairRejected, deviceID)
		return nil

	case from == Paired && !pair:
		d.stopTimer()
		d.state = NotPaired
		d.mu.Unlock()
		return m.teardownPairing(deviceID)

	default:
		// Any other (state, event) pair — e.g. a stray pair{true} while
		// already Paired — is ignored, not an error.
		d.mu.Unlock()
		return nil
	}
}

// AcceptIncoming accepts a pending inbound request: RequestedIn -> Paired.
// It is idempotent: calling it again after success is a no-op.
func (m *Machine) AcceptIncoming(deviceID string) error {
	d := m.stateFor(deviceID)
	d.mu.Lock()
	if d.state == Paired {
		d.mu.Unlock()
		return nil
	}
	if d.state != RequestedIn {
		d.mu.Unlock()
		return ErrNoSuchRequest
	}
	d.stopTimer()
	d.state = Paired
	cert := d.peerCert
	d.mu.Unlock()

	if err := m.finalizePair(deviceID, cert); err != nil {
		return err
	}
	return m.sender.SendPacket(deviceID, pairPacket(true))
}

// RejectIncoming rejects a pending inbound request: RequestedIn -> NotPaired.
func (m *Machine) RejectIncoming(deviceID string) error {
	d := m.stateFor(deviceID)
	d.mu.Lock()
	if d.state != RequestedIn {
		d.mu.Unlock()
		return ErrNoSuchRequest
	}
	d.stopTimer()
	d.state = NotPaired
	d.mu.Unlock()

	m.store.SetState(deviceID, identity.Rejected)
	m.events.Log(events.PairRejected, deviceID)
	return m.sender.SendPacket(deviceID, pairPacket(false))
}

// Unpair tears down an existing pairing: Paired -> NotPaired. It is
// idempotent after the first call.
func (m *Machine) Unpair(deviceID string) error {
	d := m.stateFor(deviceID)
	d.mu.Lock()
	if d.state != Paired {
		d.mu.Unlock()
		return nil
	}
	d.state = NotPaired
	d.mu.Unlock()

	if err := m.teardownPairing(deviceID); err != nil {
		return err
	}
	// best-effort: tell the peer if a connection still exists.
	_ = m.sender.SendPacket(deviceID, pairPacket(false))
	return nil
}

func (m *Machine) finalizePair(deviceID string, cert *x509.Certificate) error {
	if cert == nil {
		return fmt.Errorf("pairing: %s reached Paired with no captured certificate", deviceID)
	}
	fp := identity.Fingerprint(cert.Raw)
	if err := m.store.PersistTrust(deviceID, fp); err != nil {
		return fmt.Errorf("pairing: persist trust for %s: %w", deviceID, err)
	}
	if err := m.store.PersistPeerCert(deviceID, cert.Raw); err != nil {
		return fmt.Errorf("pairing: persist peer cert for %s: %w", deviceID, err)
	}
	// PersistTrust above already advanced the device record to Paired.
	m.events.Log(events.Paired, deviceID)
	return nil
}

// teardownPairing implements the Paired -> NotPaired transition:
// delete fingerprint, close the live connection (which in turn
// drives plugin teardown through the dispatcher's OnDisconnected), and
// record the state change.
func (m *Machine) teardownPairing(deviceID string) error {
	if err := m.store.DeleteTrust(deviceID); err != nil {
		return fmt.Errorf("pairing: delete trust for %s: %w", deviceID, err)
	}
	m.store.SetState(deviceID, identity.Discovered)
	if m.closer != nil {
		// best-effort: the device may already be disconnected.
		_ = m.closer.Close(deviceID)
	}
	m.events.Log(events.DeviceStateChanged, deviceID)
	return nil
}

func (m *Machine) armTimer(deviceID string, d *deviceState) {
	d.stopTimer()
	d.timer = time.AfterFunc(m.timeout, func() { m.onTimeout(deviceID) })
}

func (d *deviceState) stopTimer() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (m *Machine) onTimeout(deviceID string) {
	d := m.stateFor(deviceID)
	d.mu.Lock()
	from := d.state
	switch from {
	case RequestedOut, RequestedIn:
		d.state = NotPaired
		d.mu.Unlock()
		m.store.SetState(deviceID, identity.Discovered)
		m.events.Log(events.PairTimedOut, deviceID)
		if from == RequestedIn {
			_ = m.sender.SendPacket(deviceID, pairPacket(false))
		}
	default:
		d.mu.Unlock()
	}
}

func pairPacket(pair bool) packet.Packet {
	return packet.Packet{Type: "cconnect.pair", Body: map[string]any{"pair": pair}}
}
