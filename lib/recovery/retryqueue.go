package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/cconnectd/cconnectd/lib/packet"
)

// retryEntry is a queued outbound packet awaiting reconnection.
type retryEntry struct {
	packet      packet.Packet
	attempts    int
	firstQueued time.Time
}

// retryQueue holds per-device outbound packets whose delivery failed.
type retryQueue struct {
	mu     sync.Mutex
	queues map[string][]*retryEntry
}

func newRetryQueue() *retryQueue {
	return &retryQueue{queues: make(map[string][]*retryEntry)}
}

func (q *retryQueue) enqueue(deviceID string, p packet.Packet) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[deviceID] = append(q.queues[deviceID], &retryEntry{packet: p, firstQueued: time.Now()})
}

// depth returns the number of queued packets for deviceID.
func (q *retryQueue) depth(deviceID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[deviceID])
}

func (c *Coordinator) runRetrySweep(ctx context.Context) {
	ticker := time.NewTicker(RetryWake)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepRetries()
		}
	}
}

// sweepRetries is the periodic redelivery sweep: each
// queued packet for a device with a live connection is retried; an attempt
// that fails to send is requeued with attempts incremented; at
// MaxPacketRetries the packet is dropped and logged.
func (c *Coordinator) sweepRetries() {
	c.queue.mu.Lock()
	deviceIDs := make([]string, 0, len(c.queue.queues))
	for id := range c.queue.queues {
		deviceIDs = append(deviceIDs, id)
	}
	c.queue.mu.Unlock()

	for _, deviceID := range deviceIDs {
		if !c.sender.Connected(deviceID) {
			continue
		}
		c.drainDeviceQueue(deviceID)
	}
}

func (c *Coordinator) drainDeviceQueue(deviceID string) {
	c.queue.mu.Lock()
	entries := c.queue.queues[deviceID]
	delete(c.queue.queues, deviceID)
	c.queue.mu.Unlock()

	var retained []*retryEntry
	for _, e := range entries {
		if err := c.sender.SendPacket(deviceID, e.packet); err != nil {
			e.attempts++
			if e.attempts >= MaxPacketRetries {
				c.log.Warn().Str("device", deviceID).Int64("packet_id", e.packet.ID).Msg("dropping packet after exhausting retries")
				if c.quota != nil {
					c.quota.ReleaseQueuedPacket(deviceID)
				}
				continue
			}
			retained = append(retained, e)
			continue
		}
		if c.quota != nil {
			c.quota.ReleaseQueuedPacket(deviceID)
		}
	}

	if len(retained) == 0 {
		return
	}
	c.queue.mu.Lock()
	c.queue.queues[deviceID] = append(retained, c.queue.queues[deviceID]...)
	c.queue.mu.Unlock()
}
