package recovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cconnectd/cconnectd/lib/config"
	"github.com/cconnectd/cconnectd/lib/events"
	"github.com/cconnectd/cconnectd/lib/identity"
	"github.com/cconnectd/cconnectd/lib/payload"
)

func TestServePersistsProgressAcrossRestart(t *testing.T) {
	store := testStore(t, "peer-1", identity.Paired)
	ev := events.NewLogger()
	backoff := config.BackoffSchedule{Initial: time.Millisecond, Max: time.Millisecond, MaxRetries: 1}
	dataDir := t.TempDir()
	c := New(store, ev, backoff, dataDir, &fakeReconnector{}, &fakeSender{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Serve(ctx)
		close(done)
	}()

	progress := payload.Transfer{
		ID:            "t1",
		DeviceID:      "peer-1",
		Filename:      "photo.jpg",
		TotalSize:     5 << 20,
		BytesReceived: 3 * (1 << 20),
		State:         payload.Active,
		LastActivity:  time.Now(),
	}

	// Serve subscribes from its own goroutine, and a subscription only
	// receives events logged after it exists, so the progress event is
	// logged again on every poll until the coordinator has recorded it.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		ev.Log(events.TransferProgress, progress)
		if len(c.ActiveTransfers()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	// The transfer is recorded in memory just before transfers.json is
	// written; wait for the file so the restart below can load it.
	for time.Now().Before(deadline) {
		if _, err := os.Stat(filepath.Join(dataDir, "transfers.json")); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Simulate a restart: a fresh Coordinator over the same data dir must
	// load the persisted progress.
	restarted := New(store, events.NewLogger(), backoff, dataDir, &fakeReconnector{}, &fakeSender{}, zerolog.Nop())
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	go restarted.Serve(ctx2)

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(restarted.ActiveTransfers()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	all := restarted.ActiveTransfers()
	if len(all) != 1 {
		t.Fatalf("expected the restarted coordinator to load 1 persisted transfer, got %d", len(all))
	}
	if all[0].BytesReceived != 3*(1<<20) {
		t.Fatalf("expected bytes_received to survive the restart, got %d", all[0].BytesReceived)
	}
}
