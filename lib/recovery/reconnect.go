package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/cconnectd/cconnectd/lib/config"
	"github.com/cconnectd/cconnectd/lib/connections"
	"github.com/cconnectd/cconnectd/lib/events"
	"github.com/cconnectd/cconnectd/lib/identity"
)

// reconnectState tracks one in-flight backoff sequence per device.
type reconnectState struct {
	backoff config.BackoffSchedule

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func newReconnectState(backoff config.BackoffSchedule) *reconnectState {
	return &reconnectState{backoff: backoff, cancels: make(map[string]context.CancelFunc)}
}

// cancel stops any in-flight backoff sequence for deviceID, e.g. because it
// just reconnected on its own.
func (r *reconnectState) cancel(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.cancels[deviceID]; ok {
		cancel()
		delete(r.cancels, deviceID)
	}
}

func (r *reconnectState) start(deviceID string, ctx context.Context) (context.Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cancels[deviceID]; ok {
		// Already backing off this device; don't start a second sequence.
		return nil, false
	}
	seqCtx, cancel := context.WithCancel(ctx)
	r.cancels[deviceID] = cancel
	return seqCtx, true
}

func (r *reconnectState) finish(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, deviceID)
}

func (c *Coordinator) runDisconnectWatch(ctx context.Context, sub *events.Subscription) {
	pollLoop(ctx, sub, func(e events.Event) {
		ev, ok := e.Data.(connections.ReconnectEvent)
		if !ok || ev.Reconnect {
			// Socket replacement already handled this; nothing to schedule.
			return
		}
		c.scheduleReconnect(ctx, ev.DeviceID)
	})
}

func (c *Coordinator) runConnectWatch(ctx context.Context, sub *events.Subscription) {
	pollLoop(ctx, sub, func(e events.Event) {
		deviceID, ok := e.Data.(string)
		if !ok {
			return
		}
		c.reconnects.cancel(deviceID)
	})
}

// scheduleReconnect runs the backoff sequence: 2s, 4s,
// 8s, 16s, 32s, capped at 60s, up to backoff.MaxRetries attempts, only for
// paired devices. Attempt MaxRetries+1 is never scheduled.
func (c *Coordinator) scheduleReconnect(ctx context.Context, deviceID string) {
	dev, ok := c.store.Device(deviceID)
	if !ok || dev.State != identity.Paired {
		return
	}
	seqCtx, started := c.reconnects.start(deviceID, ctx)
	if !started {
		return
	}
	go c.runBackoffSequence(seqCtx, deviceID, dev)
}

func (c *Coordinator) runBackoffSequence(ctx context.Context, deviceID string, dev identity.DeviceRecord) {
	defer c.reconnects.finish(deviceID)

	delay := c.backoff.Initial
	for attempt := 1; attempt <= c.backoff.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if c.reconnector.Connected(deviceID) {
			return
		}

		tcpEndpoint := dev.LastEndpoint
		err := c.reconnector.Dial(ctx, deviceID, tcpEndpoint, "", dev.Identity.ProtocolVersion)
		if err == nil {
			return
		}
		c.log.Warn().Err(err).Str("device", deviceID).Int("attempt", attempt).Msg("reconnect attempt failed")

		delay *= 2
		if delay > c.backoff.Max {
			delay = c.backoff.Max
		}
	}
	c.log.Warn().Str("device", deviceID).Int("attempts", c.backoff.MaxRetries).Msg("exhausted reconnection attempts")
}
