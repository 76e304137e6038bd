package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cconnectd/cconnectd/lib/config"
	"github.com/cconnectd/cconnectd/lib/connections"
	"github.com/cconnectd/cconnectd/lib/events"
	"github.com/cconnectd/cconnectd/lib/identity"
	"github.com/cconnectd/cconnectd/lib/packet"
)

// fakeReconnector records every Dial attempt and lets the test control
// whether each one succeeds.
type fakeReconnector struct {
	mu        sync.Mutex
	dials     []string
	failUntil int // Dial fails for calls 1..failUntil, succeeds after
	connected bool
}

func (f *fakeReconnector) Dial(ctx context.Context, deviceID, tcpEndpoint, btEndpoint string, peerVersion int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials = append(f.dials, deviceID)
	if len(f.dials) <= f.failUntil {
		return context.DeadlineExceeded
	}
	f.connected = true
	return nil
}

func (f *fakeReconnector) Connected(deviceID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeReconnector) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dials)
}

type fakeSender struct {
	mu   sync.Mutex
	sent []packet.Packet
	fail map[int64]int // packet ID -> number of remaining failures before success
}

func (f *fakeSender) SendPacket(deviceID string, p packet.Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.fail[p.ID]; n > 0 {
		f.fail[p.ID] = n - 1
		return context.DeadlineExceeded
	}
	f.sent = append(f.sent, p)
	return nil
}

func (f *fakeSender) Connected(deviceID string) bool { return true }

func testStore(t *testing.T, deviceID string, state identity.PairState) *identity.Store {
	t.Helper()
	store, err := identity.Open(t.TempDir(), "test-device")
	if err != nil {
		t.Fatalf("identity.Open: %v", err)
	}
	store.UpsertSeen(identity.Identity{DeviceID: deviceID, DeviceName: "peer", ProtocolVersion: 8}, "10.0.0.5:1816", time.Now())
	store.SetState(deviceID, state)
	return store
}

func testCoordinator(t *testing.T, store *identity.Store, ev *events.Logger, backoff config.BackoffSchedule, reconnector Reconnector, sender Sender) *Coordinator {
	t.Helper()
	return New(store, ev, backoff, t.TempDir(), reconnector, sender, zerolog.Nop())
}

func TestScheduleReconnectRetriesWithBackoffUntilSuccess(t *testing.T) {
	store := testStore(t, "peer-1", identity.Paired)
	ev := events.NewLogger()
	recon := &fakeReconnector{failUntil: 2}
	backoff := config.BackoffSchedule{Initial: 2 * time.Millisecond, Max: 10 * time.Millisecond, MaxRetries: 5}
	c := testCoordinator(t, store, ev, backoff, recon, &fakeSender{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.scheduleReconnect(ctx, "peer-1")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if recon.dialCount() >= 3 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if got := recon.dialCount(); got < 3 {
		t.Fatalf("expected at least 3 dial attempts before success, got %d", got)
	}
}

func TestScheduleReconnectStopsAfterMaxRetries(t *testing.T) {
	store := testStore(t, "peer-1", identity.Paired)
	ev := events.NewLogger()
	recon := &fakeReconnector{failUntil: 1000} // never succeeds
	backoff := config.BackoffSchedule{Initial: time.Millisecond, Max: 4 * time.Millisecond, MaxRetries: 5}
	c := testCoordinator(t, store, ev, backoff, recon, &fakeSender{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.scheduleReconnect(ctx, "peer-1")

	time.Sleep(200 * time.Millisecond)
	// Give the sequence time to exhaust all 5 attempts and exit; dial count
	// should settle at exactly MaxRetries and never exceed it (attempt 6 is
	// never scheduled).
	time.Sleep(300 * time.Millisecond)
	if got := recon.dialCount(); got != backoff.MaxRetries {
		t.Fatalf("expected exactly %d dial attempts, got %d", backoff.MaxRetries, got)
	}
}

func TestScheduleReconnectSkipsUnpairedDevices(t *testing.T) {
	store := testStore(t, "peer-1", identity.Discovered)
	ev := events.NewLogger()
	recon := &fakeReconnector{}
	c := testCoordinator(t, store, ev, config.BackoffSchedule{Initial: time.Millisecond, Max: time.Millisecond, MaxRetries: 5}, recon, &fakeSender{})

	c.scheduleReconnect(context.Background(), "peer-1")
	time.Sleep(20 * time.Millisecond)
	if got := recon.dialCount(); got != 0 {
		t.Fatalf("expected no dial attempts for an unpaired device, got %d", got)
	}
}

func TestScheduleReconnectIgnoresDuplicateCalls(t *testing.T) {
	store := testStore(t, "peer-1", identity.Paired)
	ev := events.NewLogger()
	recon := &fakeReconnector{failUntil: 1000}
	backoff := config.BackoffSchedule{Initial: 50 * time.Millisecond, Max: 50 * time.Millisecond, MaxRetries: 5}
	c := testCoordinator(t, store, ev, backoff, recon, &fakeSender{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c.scheduleReconnect(ctx, "peer-1")
	c.scheduleReconnect(ctx, "peer-1") // duplicate while the first is in flight

	time.Sleep(120 * time.Millisecond)
	if got := recon.dialCount(); got > 2 {
		t.Fatalf("expected the duplicate call to not start a second sequence, got %d dials", got)
	}
}

func TestDisconnectWatchSchedulesOnlyGenuineDisconnects(t *testing.T) {
	store := testStore(t, "peer-1", identity.Paired)
	ev := events.NewLogger()
	recon := &fakeReconnector{failUntil: 1000}
	backoff := config.BackoffSchedule{Initial: 5 * time.Millisecond, Max: 5 * time.Millisecond, MaxRetries: 5}
	c := testCoordinator(t, store, ev, backoff, recon, &fakeSender{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := ev.Subscribe(events.Disconnected)
	go c.runDisconnectWatch(ctx, sub)

	ev.Log(events.Disconnected, connections.ReconnectEvent{DeviceID: "peer-1", Reconnect: true})
	time.Sleep(50 * time.Millisecond)
	if got := recon.dialCount(); got != 0 {
		t.Fatalf("socket-replacement reconnect should not schedule backoff, got %d dials", got)
	}

	ev.Log(events.Disconnected, connections.ReconnectEvent{DeviceID: "peer-1", Reconnect: false})
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) && recon.dialCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := recon.dialCount(); got == 0 {
		t.Fatal("genuine disconnect should have scheduled a reconnect attempt")
	}
}
