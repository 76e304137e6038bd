package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cconnectd/cconnectd/lib/safefile"
	"github.com/google/uuid"
)

const (
	rsaBits   = 2048
	certValid = 10 * 365 * 24 * time.Hour
)

// PairState mirrors the pairing status carried on a device record.
type PairState string

const (
	Unknown           PairState = "unknown"
	Discovered        PairState = "discovered"
	PairingRequestOut PairState = "pairing_requested_out"
	PairingRequestIn  PairState = "pairing_requested_in"
	Paired            PairState = "paired"
	Rejected          PairState = "rejected"
)

// DeviceRecord is the amalgam of a peer's last-seen identity and its
// pairing status.
type DeviceRecord struct {
	Identity     Identity
	State        PairState
	Fingerprint  string // colon-separated uppercase hex SHA-256, empty unless Paired
	LastSeen     time.Time
	LastEndpoint string
}

// Store is the process-singleton identity/certificate/trust store. Init
// loads persisted state from disk; Teardown flushes dirty writes. All
// methods are safe for concurrent use; writes take the single writer lock,
// reads take a read lock.
type Store struct {
	dir string

	mu      sync.RWMutex
	local   Identity
	cert    tls.Certificate
	devices map[string]*DeviceRecord
	dirty   bool
}

// ErrUntrusted is returned by VerifyFingerprint for a device with no
// pinned certificate.
var ErrUntrusted = fmt.Errorf("identity: device is not paired")

// ErrMismatch is returned by comparing an observed fingerprint against a
// pin that does not match it. Never silently re-pinned.
var ErrMismatch = fmt.Errorf("identity: CertificateMismatch")

// Open loads or initializes the store rooted at dir, which is created if
// absent. deviceName is applied to the local identity if it changed since
// the last run.
func Open(dir string, deviceName string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("identity: create data dir: %w", err)
	}
	s := &Store{dir: dir, devices: make(map[string]*DeviceRecord)}

	if err := s.loadIdentity(deviceName); err != nil {
		return nil, err
	}
	if err := s.loadOrGenerateCert(); err != nil {
		return nil, err
	}
	if err := s.loadDevices(); err != nil {
		return nil, err
	}
	return s, nil
}

// Teardown flushes any dirty writes. Safe to call multiple times.
func (s *Store) Teardown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushDevicesLocked()
}

// Local returns the local device identity (without TCP port/capabilities,
// which are runtime-supplied by the caller before advertising).
func (s *Store) Local() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.local
}

// Certificate returns the local TLS certificate/key pair.
func (s *Store) Certificate() tls.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cert
}

// LocalFingerprint returns the SHA-256 fingerprint of the local
// certificate, for out-of-band display during pairing.
func (s *Store) LocalFingerprint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Fingerprint(s.cert.Certificate[0])
}

// Fingerprint computes the colon-separated uppercase hex SHA-256
// fingerprint of a DER-encoded certificate.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

// NormalizeFingerprint upper-cases an arbitrary-case fingerprint string,
// so comparisons are case-insensitive on read. Separators are left as
// they are.
func NormalizeFingerprint(fp string) string {
	return strings.ToUpper(fp)
}

// Device returns the device record for id, if any.
func (s *Store) Device(id string) (DeviceRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	if !ok {
		return DeviceRecord{}, false
	}
	return *d, true
}

// PairedDevices enumerates device ids with State == Paired.
func (s *Store) PairedDevices() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, d := range s.devices {
		if d.State == Paired {
			out = append(out, id)
		}
	}
	return out
}

// AllDevices enumerates every known device id regardless of pairing
// state, for the control surface's "list devices" operation,
// which needs to show discovered-but-unpaired peers too.
func (s *Store) AllDevices() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.devices))
	for id := range s.devices {
		out = append(out, id)
	}
	return out
}

// UpsertSeen records a fresh sighting of a peer's identity and endpoint,
// creating a Discovered record if the device is unknown. It never
// downgrades an existing Paired/Rejected state. The return value reports
// whether this sighting created a brand-new record, so the caller can
// raise a device-added signal exactly once per device.
func (s *Store) UpsertSeen(id Identity, endpoint string, seenAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id.DeviceID]
	if !ok {
		d = &DeviceRecord{State: Discovered}
		s.devices[id.DeviceID] = d
	}
	d.Identity = id
	d.LastEndpoint = endpoint
	d.LastSeen = seenAt
	if d.State == Unknown {
		d.State = Discovered
	}
	s.dirty = true
	return !ok
}

// SetState transitions the pairing state for id without touching the
// fingerprint.
func (s *Store) SetState(id string, state PairState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		d = &DeviceRecord{}
		s.devices[id] = d
	}
	d.State = state
	s.dirty = true
}

// PersistTrust pins fingerprint for id and marks it Paired. Called on
// successful mutual pair{true} exchange.
func (s *Store) PersistTrust(id string, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		d = &DeviceRecord{}
		s.devices[id] = d
	}
	d.State = Paired
	d.Fingerprint = NormalizeFingerprint(fingerprint)
	s.dirty = true
	if err := s.writeTrustedCertLocked(id); err != nil {
		return err
	}
	return s.flushDevicesLocked()
}

// DeleteTrust removes the pin for id and resets its state to Unknown
// (unpair). Idempotent.
func (s *Store) DeleteTrust(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok || d.Fingerprint == "" && d.State != Paired {
		return nil
	}
	d.Fingerprint = ""
	d.State = Unknown
	s.dirty = true
	_ = os.Remove(s.trustedCertPath(id))
	return s.flushDevicesLocked()
}

// VerifyFingerprint compares observed against the pin stored for id. It
// returns ErrUntrusted if id is not paired, ErrMismatch if the pin exists
// and differs, or nil if they match.
func (s *Store) VerifyFingerprint(id string, observed string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	if !ok || d.State != Paired || d.Fingerprint == "" {
		return ErrUntrusted
	}
	if d.Fingerprint != NormalizeFingerprint(observed) {
		return ErrMismatch
	}
	return nil
}

func (s *Store) trustedCertPath(id string) string {
	return filepath.Join(s.dir, "trusted", id+".pem")
}

func (s *Store) writeTrustedCertLocked(id string) error {
	// The peer certificate itself is captured by the caller during the
	// handshake and handed to PersistPeerCert; PersistTrust only pins the
	// fingerprint. Kept as a no-op placeholder directory ensure so the
	// trusted/ directory exists for PersistPeerCert.
	return os.MkdirAll(filepath.Join(s.dir, "trusted"), 0o700)
}

// PersistPeerCert writes the peer's DER-encoded certificate to
// trusted/<id>.pem, for use by connect_with_cert.
func (s *Store) PersistPeerCert(id string, der []byte) error {
	if err := os.MkdirAll(filepath.Join(s.dir, "trusted"), 0o700); err != nil {
		return err
	}
	return safefile.WriteAtomic(s.trustedCertPath(id), pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600)
}

// PeerCert loads the pinned peer certificate DER for id, if persisted.
func (s *Store) PeerCert(id string) ([]byte, error) {
	raw, err := os.ReadFile(s.trustedCertPath(id))
	if err != nil {
		return nil, err
	}
	blk, _ := pem.Decode(raw)
	if blk == nil {
		return nil, fmt.Errorf("identity: %s: no PEM block", s.trustedCertPath(id))
	}
	return blk.Bytes, nil
}

func (s *Store) loadIdentity(deviceName string) error {
	path := filepath.Join(s.dir, "identity.json")
	raw, err := os.ReadFile(path)
	if err == nil {
		var stored struct {
			DeviceID   string `json:"deviceId"`
			DeviceName string `json:"deviceName"`
		}
		if err := json.Unmarshal(raw, &stored); err != nil {
			return fmt.Errorf("identity: corrupt identity.json: %w", err)
		}
		s.local = Identity{DeviceID: stored.DeviceID, DeviceName: stored.DeviceName}
		if deviceName != "" && deviceName != s.local.DeviceName {
			s.local.DeviceName = deviceName
			return s.saveIdentity()
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("identity: read identity.json: %w", err)
	}
	s.local = Identity{DeviceID: uuid.New().String(), DeviceName: deviceName}
	return s.saveIdentity()
}

func (s *Store) saveIdentity() error {
	raw, err := json.MarshalIndent(struct {
		DeviceID   string `json:"deviceId"`
		DeviceName string `json:"deviceName"`
	}{s.local.DeviceID, s.local.DeviceName}, "", "  ")
	if err != nil {
		return err
	}
	return safefile.WriteAtomic(filepath.Join(s.dir, "identity.json"), raw, 0o600)
}

func (s *Store) loadOrGenerateCert() error {
	certPath := filepath.Join(s.dir, "local.crt")
	keyPath := filepath.Join(s.dir, "local.key")
	if cert, err := tls.LoadX509KeyPair(certPath, keyPath); err == nil {
		s.cert = cert
		return nil
	}

	priv, err := rsa.GenerateKey(rand.Reader, rsaBits)
	if err != nil {
		return fmt.Errorf("identity: generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("identity: generate serial: %w", err)
	}
	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: s.local.DeviceID},
		NotBefore:             now,
		NotAfter:              now.Add(certValid),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return fmt.Errorf("identity: create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	if err := safefile.WriteAtomic(certPath, certPEM, 0o600); err != nil {
		return fmt.Errorf("identity: save certificate: %w", err)
	}
	if err := safefile.WriteAtomic(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("identity: save key: %w", err)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("identity: load generated certificate: %w", err)
	}
	s.cert = cert
	return nil
}

type devicesFile struct {
	Devices map[string]deviceRecordJSON `json:"devices"`
}

type deviceRecordJSON struct {
	Identity     identityJSON `json:"identity"`
	State        PairState    `json:"state"`
	Fingerprint  string       `json:"fingerprint,omitempty"`
	LastSeen     time.Time    `json:"lastSeen"`
	LastEndpoint string       `json:"lastEndpoint,omitempty"`
}

type identityJSON struct {
	DeviceID        string   `json:"deviceId"`
	DeviceName      string   `json:"deviceName"`
	DeviceClass     string   `json:"deviceType"`
	ProtocolVersion int      `json:"protocolVersion"`
	TCPPort         int      `json:"tcpPort"`
	Incoming        []string `json:"incomingCapabilities"`
	Outgoing        []string `json:"outgoingCapabilities"`
}

func (s *Store) loadDevices() error {
	raw, err := os.ReadFile(filepath.Join(s.dir, "devices.json"))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("identity: read devices.json: %w", err)
	}
	var f devicesFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("identity: corrupt devices.json: %w", err)
	}
	for id, dj := range f.Devices {
		s.devices[id] = &DeviceRecord{
			Identity: Identity{
				DeviceID:        dj.Identity.DeviceID,
				DeviceName:      dj.Identity.DeviceName,
				DeviceClass:     DeviceClass(dj.Identity.DeviceClass),
				ProtocolVersion: dj.Identity.ProtocolVersion,
				TCPPort:         dj.Identity.TCPPort,
				Incoming:        dj.Identity.Incoming,
				Outgoing:        dj.Identity.Outgoing,
			},
			State:        dj.State,
			Fingerprint:  dj.Fingerprint,
			LastSeen:     dj.LastSeen,
			LastEndpoint: dj.LastEndpoint,
		}
	}
	return nil
}

func (s *Store) flushDevicesLocked() error {
	if !s.dirty {
		return nil
	}
	f := devicesFile{Devices: make(map[string]deviceRecordJSON, len(s.devices))}
	for id, d := range s.devices {
		f.Devices[id] = deviceRecordJSON{
			Identity: identityJSON{
				DeviceID:        d.Identity.DeviceID,
				DeviceName:      d.Identity.DeviceName,
				DeviceClass:     string(d.Identity.DeviceClass),
				ProtocolVersion: d.Identity.ProtocolVersion,
				TCPPort:         d.Identity.TCPPort,
				Incoming:        d.Identity.Incoming,
				Outgoing:        d.Identity.Outgoing,
			},
			State:        d.State,
			Fingerprint:  d.Fingerprint,
			LastSeen:     d.LastSeen,
			LastEndpoint: d.LastEndpoint,
		}
	}
	raw, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	if err := safefile.WriteAtomic(filepath.Join(s.dir, "devices.json"), raw, 0o600); err != nil {
		return err
	}
	s.dirty = false
	return nil
}
