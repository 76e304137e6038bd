package recovery

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cconnectd/cconnectd/lib/payload"
)

func TestTransferStoreUpsertAndReload(t *testing.T) {
	dir := t.TempDir()
	store := newTransferStore(dir, zerolog.Nop())

	snap := snapshotOf(payload.Transfer{
		ID:            "t1",
		DeviceID:      "peer-1",
		Filename:      "report.bin",
		TotalSize:     1024,
		BytesReceived: 512,
		State:         payload.Active,
		LastActivity:  time.Now(),
	})
	store.upsert(snap)

	reloaded := newTransferStore(dir, zerolog.Nop())
	if err := reloaded.load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	all := reloaded.all()
	if len(all) != 1 {
		t.Fatalf("expected 1 persisted transfer, got %d", len(all))
	}
	if all[0].ID != "t1" || all[0].BytesReceived != 512 {
		t.Fatalf("unexpected reloaded transfer: %+v", all[0])
	}
}

func TestTransferStoreTombstonesStaleEntries(t *testing.T) {
	dir := t.TempDir()
	store := newTransferStore(dir, zerolog.Nop())
	store.upsert(TransferSnapshot{
		ID:           "stale",
		DeviceID:     "peer-1",
		State:        string(payload.Failed),
		LastActivity: time.Now().Add(-25 * time.Hour),
	})

	reloaded := newTransferStore(dir, zerolog.Nop())
	if err := reloaded.load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(reloaded.all()) != 0 {
		t.Fatal("expected a transfer older than the tombstone age to be dropped on load")
	}
}

func TestTransferStoreLoadIsNoopWhenFileMissing(t *testing.T) {
	store := newTransferStore(t.TempDir(), zerolog.Nop())
	if err := store.load(); err != nil {
		t.Fatalf("expected no error loading from an empty data dir, got %v", err)
	}
	if len(store.all()) != 0 {
		t.Fatal("expected no transfers")
	}
}
