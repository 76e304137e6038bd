package recovery

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cconnectd/cconnectd/lib/events"
	"github.com/cconnectd/cconnectd/lib/payload"
	"github.com/cconnectd/cconnectd/lib/safefile"
)

// TransferSnapshot is the persisted, string-keyed mirror of a
// payload.Transfer: JSON on disk has no use for payload.TransferID/State as
// distinct types, so the store deals in plain strings instead.
type TransferSnapshot struct {
	ID            string    `json:"id"`
	DeviceID      string    `json:"deviceId"`
	Filename      string    `json:"filename"`
	LocalPath     string    `json:"localPath"`
	TotalSize     int64     `json:"totalSize"`
	BytesReceived int64     `json:"bytesReceived"`
	State         string    `json:"state"`
	LastActivity  time.Time `json:"lastActivity"`
}

type transfersFile struct {
	Transfers map[string]TransferSnapshot `json:"transfers"`
}

// transferStore persists TransferSnapshot records to a single atomic JSON
// file.
type transferStore struct {
	path string
	log  zerolog.Logger

	mu   sync.Mutex
	byID map[string]TransferSnapshot
}

func newTransferStore(dataDir string, log zerolog.Logger) *transferStore {
	return &transferStore{path: filepath.Join(dataDir, "transfers.json"), log: log, byID: make(map[string]TransferSnapshot)}
}

func (s *transferStore) load() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var f transfersFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-TransferTombstoneAge)
	for id, t := range f.Transfers {
		if t.LastActivity.Before(cutoff) {
			continue
		}
		s.byID[id] = t
	}
	return nil
}

func (s *transferStore) all() []TransferSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TransferSnapshot, 0, len(s.byID))
	for _, t := range s.byID {
		out = append(out, t)
	}
	return out
}

func (s *transferStore) upsert(t TransferSnapshot) {
	s.mu.Lock()
	s.byID[t.ID] = t
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.flush(snap)
}

func (s *transferStore) snapshotLocked() transfersFile {
	f := transfersFile{Transfers: make(map[string]TransferSnapshot, len(s.byID))}
	for id, t := range s.byID {
		f.Transfers[id] = t
	}
	return f
}

func (s *transferStore) flush(f transfersFile) {
	raw, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to marshal transfer state")
		return
	}
	if err := safefile.WriteAtomic(s.path, raw, 0o600); err != nil {
		s.log.Warn().Err(err).Msg("failed to persist transfer state")
	}
}

func snapshotOf(t payload.Transfer) TransferSnapshot {
	return TransferSnapshot{
		ID:            string(t.ID),
		DeviceID:      t.DeviceID,
		Filename:      t.Filename,
		LocalPath:     t.LocalPath,
		TotalSize:     t.TotalSize,
		BytesReceived: t.BytesReceived,
		State:         string(t.State),
		LastActivity:  t.LastActivity,
	}
}

func (c *Coordinator) runTransferWatch(ctx context.Context, sub *events.Subscription) {
	pollLoop(ctx, sub, func(e events.Event) {
		t, ok := e.Data.(payload.Transfer)
		if !ok {
			return
		}
		c.transfers.upsert(snapshotOf(t))
	})
}
