// Package recovery implements backoff reconnection for paired
// devices, a per-device outbound packet retry queue, and crash-recoverable
// transfer-state persistence. It depends on the connection manager and the
// payload subsystem only through narrow interfaces, so neither of those
// packages imports this one.
package recovery

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cconnectd/cconnectd/lib/config"
	"github.com/cconnectd/cconnectd/lib/events"
	"github.com/cconnectd/cconnectd/lib/identity"
	"github.com/cconnectd/cconnectd/lib/packet"
)

// Reconnector is the subset of *connections.Manager the backoff scheduler
// needs: dial a device back and check whether it is already connected.
type Reconnector interface {
	Dial(ctx context.Context, deviceID, tcpEndpoint, btEndpoint string, peerVersion int) error
	Connected(deviceID string) bool
}

// Sender is the subset of *connections.Manager the retry queue needs to
// attempt redelivery.
type Sender interface {
	SendPacket(deviceID string, p packet.Packet) error
	Connected(deviceID string) bool
}

// QueueAdmitter enforces the per-device outbound queue quota, satisfied
// by *resources.Manager. Optional: a Coordinator with no
// admitter queues without limit.
type QueueAdmitter interface {
	AdmitQueuedPacket(deviceID string) error
	ReleaseQueuedPacket(deviceID string)
}

// MaxPacketRetries is how many delivery attempts a queued packet gets
// before it is dropped and logged.
const MaxPacketRetries = 3

// RetryWake is how often the retry queue sweeps for redeliverable packets.
const RetryWake = 5 * time.Second

// TransferTombstoneAge is how long a completed/failed transfer record is
// kept before the persistence file drops it.
const TransferTombstoneAge = 24 * time.Hour

// Coordinator owns three concerns: backoff reconnection, the packet
// retry queue, and transfer-state persistence.
type Coordinator struct {
	store   *identity.Store
	events  *events.Logger
	backoff config.BackoffSchedule
	dataDir string

	reconnector Reconnector
	sender      Sender
	quota       QueueAdmitter

	log zerolog.Logger

	reconnects *reconnectState
	queue      *retryQueue
	transfers  *transferStore
}

// New constructs a Coordinator. dataDir is where transfers.json is
// persisted; it is typically config.Config.DataDir.
func New(store *identity.Store, ev *events.Logger, backoff config.BackoffSchedule, dataDir string, reconnector Reconnector, sender Sender, log zerolog.Logger) *Coordinator {
	l := log.With().Str("component", "recovery").Logger()
	c := &Coordinator{
		store:       store,
		events:      ev,
		backoff:     backoff,
		dataDir:     dataDir,
		reconnector: reconnector,
		sender:      sender,
		log:         l,
	}
	c.reconnects = newReconnectState(backoff)
	c.queue = newRetryQueue()
	c.transfers = newTransferStore(dataDir, l)
	return c
}

// SetQueueAdmitter wires in the resource manager's per-device queue quota.
func (c *Coordinator) SetQueueAdmitter(a QueueAdmitter) {
	c.quota = a
}

// Enqueue implements connections.RetryQueue: a packet whose send failed is
// queued for later redelivery attempts, subject to the per-device queue
// quota.
func (c *Coordinator) Enqueue(deviceID string, p packet.Packet) {
	if c.quota != nil {
		if err := c.quota.AdmitQueuedPacket(deviceID); err != nil {
			c.log.Warn().Err(err).Str("device", deviceID).Msg("dropping packet: retry queue quota exceeded")
			return
		}
	}
	c.queue.enqueue(deviceID, p)
}

// ActiveTransfers mirrors the on-disk transfer snapshot, for a crash-restart
// UI query.
func (c *Coordinator) ActiveTransfers() []TransferSnapshot {
	return c.transfers.all()
}

// Serve runs the coordinator's three loops until ctx is cancelled,
// satisfying suture.Service.
func (c *Coordinator) Serve(ctx context.Context) error {
	if err := c.transfers.load(); err != nil {
		c.log.Warn().Err(err).Msg("failed to load persisted transfer state")
	}

	disconnected := c.events.Subscribe(events.Disconnected)
	connected := c.events.Subscribe(events.Connected)
	transferEvents := c.events.Subscribe(events.TransferProgress | events.TransferCompleted | events.TransferFailed)
	defer c.events.Unsubscribe(disconnected)
	defer c.events.Unsubscribe(connected)
	defer c.events.Unsubscribe(transferEvents)

	go c.runDisconnectWatch(ctx, disconnected)
	go c.runConnectWatch(ctx, connected)
	go c.runTransferWatch(ctx, transferEvents)
	go c.runRetrySweep(ctx)

	<-ctx.Done()
	return ctx.Err()
}

func pollLoop(ctx context.Context, sub *events.Subscription, handle func(events.Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		e, err := sub.Poll(time.Second)
		if err != nil {
			continue
		}
		handle(e)
	}
}
