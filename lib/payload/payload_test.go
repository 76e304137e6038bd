package payload

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cconnectd/cconnectd/lib/config"
	"github.com/cconnectd/cconnectd/lib/coreerrors"
	"github.com/cconnectd/cconnectd/lib/events"
	"github.com/cconnectd/cconnectd/lib/packet"
)

func testManager(t *testing.T, portMin, portMax int) *Manager {
	t.Helper()
	cfg := config.Default()
	cfg.PayloadPortMin = portMin
	cfg.PayloadPortMax = portMax
	cfg.PayloadTLS = false
	return New(cfg, tls.Certificate{}, events.NewLogger(), zerolog.Nop())
}

func pollUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not satisfied before timeout")
}

func TestSendReceiveRoundTrip(t *testing.T) {
	sender := testManager(t, 17390, 17399)
	receiver := testManager(t, 17390, 17399) // port range is irrelevant to Receive, only to Send

	payload := bytes.Repeat([]byte("x"), 3*ChunkSize+17) // crosses several chunk boundaries
	var capturedPkt packet.Packet
	sendControl := func(p packet.Packet) error {
		capturedPkt = p
		return nil
	}

	srcPkt := packet.Packet{ID: 1, Type: "cconnect.share.request", Body: map[string]any{}}
	id, err := sender.Send(context.Background(), "peer-1", "report.bin", int64(len(payload)), bytes.NewReader(payload), srcPkt, sendControl)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !capturedPkt.HasPayload() {
		t.Fatal("expected sendControl to receive a payload-bearing packet")
	}

	destDir := t.TempDir()
	path, err := receiver.Receive(context.Background(), "local", "127.0.0.1", capturedPkt, "report.bin", destDir)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read received file: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("received %d bytes, want %d matching bytes", len(got), len(payload))
	}
	if filepath.Base(path) != "report.bin" {
		t.Fatalf("expected no conflict suffix on first receive, got %s", path)
	}

	pollUntil(t, time.Second, func() bool {
		for _, tr := range sender.ActiveTransfers() {
			if tr.ID == id {
				return tr.State == Completed && tr.BytesReceived == int64(len(payload))
			}
		}
		return false
	})

	for _, tr := range receiver.ActiveTransfers() {
		if tr.State != Completed {
			t.Fatalf("expected receiver transfer to be Completed, got %s", tr.State)
		}
	}
}

func TestSendReturnsNoFreePortsWhenRangeExhausted(t *testing.T) {
	ln, err := net.Listen("tcp", ":17500")
	if err != nil {
		t.Skipf("could not reserve port for test: %v", err)
	}
	defer ln.Close()

	m := testManager(t, 17500, 17500)
	_, err = m.Send(context.Background(), "peer-1", "f.bin", 10, bytes.NewReader(make([]byte, 10)), packet.Packet{Type: "cconnect.share.request", Body: map[string]any{}}, func(packet.Packet) error { return nil })
	if !errors.Is(err, coreerrors.ErrNoFreePorts) {
		t.Fatalf("expected ErrNoFreePorts, got %v", err)
	}
}

func TestReceiveTruncatedPayloadCleansUpPartialFile(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("short")) // declared size below is larger than this
	}()

	m := testManager(t, 17390, 17399)
	destDir := t.TempDir()
	declared := int64(1024)
	pkt := packet.Packet{
		ID:       1,
		Type:     "cconnect.share.request",
		Body:     map[string]any{},
		Size:     &declared,
		Transfer: map[string]any{"port": port},
	}

	_, err = m.Receive(context.Background(), "peer-1", "127.0.0.1", pkt, "broken.bin", destDir)
	if !errors.Is(err, coreerrors.ErrTruncatedPayload) {
		t.Fatalf("expected ErrTruncatedPayload, got %v", err)
	}

	entries, err := os.ReadDir(destDir)
	if err != nil {
		t.Fatalf("read dest dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected partial file to be cleaned up, found %v", entries)
	}
}

func TestUniqueDestinationSuffixesOnCollision(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "photo.jpg"), []byte("x"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	got := UniqueDestination(dir, "photo.jpg")
	want := filepath.Join(dir, "photo (1).jpg")
	if got != want {
		t.Fatalf("got %s, want %s", got, want)
	}

	if err := os.WriteFile(want, []byte("x"), 0o600); err != nil {
		t.Fatalf("seed collision file: %v", err)
	}
	got = UniqueDestination(dir, "photo.jpg")
	want = filepath.Join(dir, "photo (2).jpg")
	if got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestCancelAbortsInFlightSend(t *testing.T) {
	m := testManager(t, 17600, 17609)
	// A very large declared size with a slow reader: cancel should unblock
	// the accept/stream goroutine rather than hang forever.
	slow := &blockingReader{unblock: make(chan struct{})}
	defer close(slow.unblock)

	var gotPort int
	sendControl := func(p packet.Packet) error {
		gotPort, _ = portOf(p.Transfer)
		return nil
	}
	id, err := m.Send(context.Background(), "peer-1", "f.bin", 1<<20, slow, packet.Packet{Type: "cconnect.share.request", Body: map[string]any{}}, sendControl)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	_ = gotPort

	if err := m.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	pollUntil(t, time.Second, func() bool {
		for _, tr := range m.ActiveTransfers() {
			if tr.ID == id {
				return tr.State == Failed
			}
		}
		return false
	})
}

type blockingReader struct{ unblock chan struct{} }

func (b *blockingReader) Read(p []byte) (int, error) {
	<-b.unblock
	return 0, errors.New("blockingReader: closed")
}

type rejectingAdmitter struct{ released []string }

func (a *rejectingAdmitter) AdmitTransfer(deviceID string, size int64) error {
	return errors.New("quota: rejected")
}

func (a *rejectingAdmitter) ReleaseTransfer(deviceID string, size int64) {
	a.released = append(a.released, deviceID)
}

func TestSendFailsFastWhenAdmitterRejectsQuota(t *testing.T) {
	m := testManager(t, 17610, 17619)
	admitter := &rejectingAdmitter{}
	m.SetAdmitter(admitter)

	_, err := m.Send(context.Background(), "peer-1", "f.bin", 10, bytes.NewReader(make([]byte, 10)), packet.Packet{Type: "cconnect.share.request", Body: map[string]any{}}, func(packet.Packet) error { return nil })
	if err == nil {
		t.Fatal("expected Send to fail when the admitter rejects the transfer")
	}
	if len(m.ActiveTransfers()) != 0 {
		t.Fatal("expected no transfer to be tracked when admission is rejected")
	}
}

type countingAdmitter struct {
	admitted, released int
}

func (a *countingAdmitter) AdmitTransfer(deviceID string, size int64) error {
	a.admitted++
	return nil
}

func (a *countingAdmitter) ReleaseTransfer(deviceID string, size int64) {
	a.released++
}

func TestSendReceiveReleasesQuotaOnCompletion(t *testing.T) {
	sender := testManager(t, 17620, 17629)
	receiver := testManager(t, 17620, 17629)
	senderAdmitter := &countingAdmitter{}
	receiverAdmitter := &countingAdmitter{}
	sender.SetAdmitter(senderAdmitter)
	receiver.SetAdmitter(receiverAdmitter)

	var capturedPkt packet.Packet
	sendControl := func(p packet.Packet) error {
		capturedPkt = p
		return nil
	}
	payload := bytes.Repeat([]byte("y"), 128)
	id, err := sender.Send(context.Background(), "peer-1", "f.bin", int64(len(payload)), bytes.NewReader(payload), packet.Packet{Type: "cconnect.share.request", Body: map[string]any{}}, sendControl)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := receiver.Receive(context.Background(), "local", "127.0.0.1", capturedPkt, "f.bin", t.TempDir()); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	pollUntil(t, time.Second, func() bool {
		for _, tr := range sender.ActiveTransfers() {
			if tr.ID == id {
				return tr.State == Completed
			}
		}
		return false
	})

	if senderAdmitter.admitted != 1 || senderAdmitter.released != 1 {
		t.Fatalf("sender admitter: admitted=%d released=%d, want 1/1", senderAdmitter.admitted, senderAdmitter.released)
	}
	if receiverAdmitter.admitted != 1 || receiverAdmitter.released != 1 {
		t.Fatalf("receiver admitter: admitted=%d released=%d, want 1/1", receiverAdmitter.admitted, receiverAdmitter.released)
	}
}
