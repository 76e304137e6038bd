// Package payload implements the sideband transfer subsystem: binding
// an ephemeral listener to send a plugin's oversized
// payload out-of-band, and connecting to a peer's listener to receive
// one, with chunked progress reporting and crash-relevant bookkeeping.
package payload

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cconnectd/cconnectd/lib/config"
	"github.com/cconnectd/cconnectd/lib/events"
)

// ChunkSize is the granularity of transfer progress reporting: a
// progress event fires on every chunk boundary.
const ChunkSize = 64 << 10

// PerChunkTimeout is the no-progress deadline: a transfer
// that makes no forward progress for this long is abandoned.
const PerChunkTimeout = 60 * time.Second

// TransferID identifies one payload transfer for its lifetime.
type TransferID string

// State is a transfer's lifecycle stage.
type State string

const (
	Active    State = "active"
	Completed State = "completed"
	Failed    State = "failed"
)

// Transfer is the live bookkeeping for one payload stream.
// The recovery coordinator persists a copy of this to disk on every
// progress tick.
type Transfer struct {
	ID            TransferID
	DeviceID      string
	Filename      string
	LocalPath     string
	TotalSize     int64
	BytesReceived int64
	State         State
	LastActivity  time.Time
}

func (t Transfer) snapshot() Transfer { return t }

// Admitter enforces transfer quotas at the point a transfer is about to
// start, satisfied by *resources.Manager. Kept as a narrow interface here
// so this package never imports lib/resources.
type Admitter interface {
	AdmitTransfer(deviceID string, size int64) error
	ReleaseTransfer(deviceID string, size int64)
}

// Manager coordinates sideband payload streams, one goroutine per
// active transfer.
type Manager struct {
	cfg      config.Config
	cert     tls.Certificate
	events   *events.Logger
	log      zerolog.Logger
	admitter Admitter

	mu        sync.Mutex
	transfers map[TransferID]*Transfer
	cancels   map[TransferID]context.CancelFunc
}

// New constructs a Manager. cfg supplies the ephemeral port range, the
// TLS-optional flag, and the quota-adjacent defaults payload progress
// events are measured against. cert is the local identity's
// certificate, used only when cfg.PayloadTLS is set.
func New(cfg config.Config, cert tls.Certificate, ev *events.Logger, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		cert:      cert,
		events:    ev,
		log:       log.With().Str("component", "payload").Logger(),
		transfers: make(map[TransferID]*Transfer),
		cancels:   make(map[TransferID]context.CancelFunc),
	}
}

// SetAdmitter wires in the resource manager's transfer quota.
func (m *Manager) SetAdmitter(a Admitter) {
	m.admitter = a
}

func (m *Manager) tlsCert() tls.Certificate { return m.cert }

func (m *Manager) newTransfer(deviceID, filename string, totalSize int64) (*Transfer, TransferID, error) {
	if m.admitter != nil {
		if err := m.admitter.AdmitTransfer(deviceID, totalSize); err != nil {
			return nil, "", err
		}
	}
	id := TransferID(uuid.New().String())
	t := &Transfer{
		ID:           id,
		DeviceID:     deviceID,
		Filename:     filename,
		TotalSize:    totalSize,
		State:        Active,
		LastActivity: time.Now(),
	}
	m.mu.Lock()
	m.transfers[id] = t
	m.mu.Unlock()
	return t, id, nil
}

func (m *Manager) track(id TransferID, cancel context.CancelFunc) {
	m.mu.Lock()
	m.cancels[id] = cancel
	m.mu.Unlock()
}

func (m *Manager) untrack(id TransferID) {
	m.mu.Lock()
	delete(m.cancels, id)
	m.mu.Unlock()
}

func (m *Manager) progress(t *Transfer, bytesSoFar int64) {
	m.mu.Lock()
	t.BytesReceived = bytesSoFar
	t.LastActivity = time.Now()
	snap := t.snapshot()
	m.mu.Unlock()
	m.events.Log(events.TransferProgress, snap)
}

func (m *Manager) finish(t *Transfer, err error) {
	m.mu.Lock()
	if err != nil {
		t.State = Failed
	} else {
		t.State = Completed
	}
	t.LastActivity = time.Now()
	snap := t.snapshot()
	m.mu.Unlock()
	m.untrack(t.ID)
	if m.admitter != nil {
		m.admitter.ReleaseTransfer(t.DeviceID, t.TotalSize)
	}
	if err != nil {
		m.events.Log(events.TransferFailed, snap)
		return
	}
	m.events.Log(events.TransferCompleted, snap)
}

// ActiveTransfers returns a snapshot of every transfer the manager
// currently knows about, for the control surface's "list active
// transfers" operation.
func (m *Manager) ActiveTransfers() []Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transfer, 0, len(m.transfers))
	for _, t := range m.transfers {
		out = append(out, t.snapshot())
	}
	return out
}

// Cancel aborts a running transfer, per the control surface's "cancel
// transfer" operation. It returns an error if id is not currently
// running (already finished, or unknown).
func (m *Manager) Cancel(id TransferID) error {
	m.mu.Lock()
	cancel, ok := m.cancels[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("payload: no running transfer %s", id)
	}
	cancel()
	return nil
}

type deadliner interface {
	SetDeadline(time.Time) error
}

func bumpDeadline(c any) {
	if d, ok := c.(deadliner); ok {
		d.SetDeadline(time.Now().Add(PerChunkTimeout))
	}
}
