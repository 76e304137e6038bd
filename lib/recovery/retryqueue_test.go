package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cconnectd/cconnectd/lib/config"
	"github.com/cconnectd/cconnectd/lib/events"
	"github.com/cconnectd/cconnectd/lib/identity"
	"github.com/cconnectd/cconnectd/lib/packet"
)

var errTestQuotaRejected = errors.New("quota: rejected")

func TestSweepRetriesDeliversOnceDeviceReconnects(t *testing.T) {
	store := testStore(t, "peer-1", identity.Paired)
	ev := events.NewLogger()
	sender := &fakeSender{fail: map[int64]int{}}
	c := testCoordinator(t, store, ev, config.BackoffSchedule{}, &fakeReconnector{}, sender)

	p := packet.Packet{ID: 1, Type: "cconnect.ping", Body: map[string]any{}}
	c.Enqueue("peer-1", p)
	if got := c.queue.depth("peer-1"); got != 1 {
		t.Fatalf("expected 1 queued packet, got %d", got)
	}

	c.sweepRetries()

	sender.mu.Lock()
	sent := len(sender.sent)
	sender.mu.Unlock()
	if sent != 1 {
		t.Fatalf("expected the queued packet to be delivered, sent=%d", sent)
	}
	if got := c.queue.depth("peer-1"); got != 0 {
		t.Fatalf("expected queue to drain after successful delivery, got depth %d", got)
	}
}

type neverConnectedSender struct{ fakeSender }

func (n *neverConnectedSender) Connected(deviceID string) bool { return false }

func TestSweepRetriesSkipsDevicesWithNoLiveConnection(t *testing.T) {
	store := testStore(t, "peer-1", identity.Paired)
	ev := events.NewLogger()
	sender := &neverConnectedSender{}
	c := testCoordinator(t, store, ev, config.BackoffSchedule{}, &fakeReconnector{}, sender)

	c.Enqueue("peer-1", packet.Packet{ID: 1, Type: "cconnect.ping", Body: map[string]any{}})
	c.sweepRetries()

	if got := c.queue.depth("peer-1"); got != 1 {
		t.Fatalf("expected packet to remain queued while device is offline, got depth %d", got)
	}
}

func TestRetryQueueDropsPacketAfterMaxRetries(t *testing.T) {
	store := testStore(t, "peer-1", identity.Paired)
	ev := events.NewLogger()
	sender := &fakeSender{fail: map[int64]int{1: MaxPacketRetries + 1}} // always fails
	c := testCoordinator(t, store, ev, config.BackoffSchedule{}, &fakeReconnector{}, sender)

	c.Enqueue("peer-1", packet.Packet{ID: 1, Type: "cconnect.ping", Body: map[string]any{}})

	for i := 0; i < MaxPacketRetries; i++ {
		c.sweepRetries()
	}

	if got := c.queue.depth("peer-1"); got != 0 {
		t.Fatalf("expected packet to be dropped after %d attempts, still queued (depth %d)", MaxPacketRetries, got)
	}
}

type fakeQueueAdmitter struct {
	admitted, released []string
	rejectNext         bool
}

func (f *fakeQueueAdmitter) AdmitQueuedPacket(deviceID string) error {
	if f.rejectNext {
		f.rejectNext = false
		return errTestQuotaRejected
	}
	f.admitted = append(f.admitted, deviceID)
	return nil
}

func (f *fakeQueueAdmitter) ReleaseQueuedPacket(deviceID string) {
	f.released = append(f.released, deviceID)
}

// TestEnqueueConsultsQueueAdmitterAndReleasesOnDelivery asserts the
// resource manager's per-device queue quota is checked on Enqueue and
// released once the packet leaves the queue, successfully or not.
func TestEnqueueConsultsQueueAdmitterAndReleasesOnDelivery(t *testing.T) {
	store := testStore(t, "peer-1", identity.Paired)
	ev := events.NewLogger()
	sender := &fakeSender{fail: map[int64]int{}}
	c := testCoordinator(t, store, ev, config.BackoffSchedule{}, &fakeReconnector{}, sender)
	admitter := &fakeQueueAdmitter{}
	c.SetQueueAdmitter(admitter)

	c.Enqueue("peer-1", packet.Packet{ID: 1, Type: "cconnect.ping", Body: map[string]any{}})
	if len(admitter.admitted) != 1 {
		t.Fatalf("expected one admission, got %v", admitter.admitted)
	}

	c.sweepRetries()
	if len(admitter.released) != 1 || admitter.released[0] != "peer-1" {
		t.Fatalf("expected a release after successful delivery, got %v", admitter.released)
	}
}

// TestEnqueueDropsPacketWhenQueueAdmitterRejects asserts a packet denied
// admission to the retry queue is never stored.
func TestEnqueueDropsPacketWhenQueueAdmitterRejects(t *testing.T) {
	store := testStore(t, "peer-1", identity.Paired)
	ev := events.NewLogger()
	c := testCoordinator(t, store, ev, config.BackoffSchedule{}, &fakeReconnector{}, &fakeSender{})
	admitter := &fakeQueueAdmitter{rejectNext: true}
	c.SetQueueAdmitter(admitter)

	c.Enqueue("peer-1", packet.Packet{ID: 1, Type: "cconnect.ping", Body: map[string]any{}})
	if got := c.queue.depth("peer-1"); got != 0 {
		t.Fatalf("expected rejected packet to never be queued, got depth %d", got)
	}
}

func TestRunRetrySweepStopsOnContextCancel(t *testing.T) {
	store := testStore(t, "peer-1", identity.Paired)
	ev := events.NewLogger()
	c := testCoordinator(t, store, ev, config.BackoffSchedule{}, &fakeReconnector{}, &fakeSender{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.runRetrySweep(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runRetrySweep did not stop after context cancellation")
	}
}
