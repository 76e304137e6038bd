package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cconnectd/cconnectd/lib/events"
	"github.com/cconnectd/cconnectd/lib/identity"
	"github.com/cconnectd/cconnectd/lib/packet"
	"github.com/cconnectd/cconnectd/lib/payload"
	"github.com/cconnectd/cconnectd/lib/recovery"
)

type fakeDeviceStore struct {
	ids     []string
	records map[string]identity.DeviceRecord
}

func (f *fakeDeviceStore) AllDevices() []string { return f.ids }

func (f *fakeDeviceStore) Device(id string) (identity.DeviceRecord, bool) {
	rec, ok := f.records[id]
	return rec, ok
}

type fakePairer struct {
	failOn string
	calls  []string
}

func (f *fakePairer) record(op, deviceID string) error {
	f.calls = append(f.calls, op+":"+deviceID)
	if f.failOn == op {
		return errors.New("pairing: " + op + " failed")
	}
	return nil
}

func (f *fakePairer) RequestPair(deviceID string) error   { return f.record("request", deviceID) }
func (f *fakePairer) AcceptIncoming(deviceID string) error { return f.record("accept", deviceID) }
func (f *fakePairer) RejectIncoming(deviceID string) error { return f.record("reject", deviceID) }
func (f *fakePairer) Unpair(deviceID string) error         { return f.record("unpair", deviceID) }

type fakeConnSender struct {
	connected map[string]bool
	sent      []packet.Packet
	sendErr   error
}

func (f *fakeConnSender) Connected(deviceID string) bool { return f.connected[deviceID] }

func (f *fakeConnSender) SendPacket(deviceID string, p packet.Packet) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, p)
	return nil
}

type fakeCanceller struct {
	cancelled []payload.TransferID
	err       error
}

func (f *fakeCanceller) Cancel(id payload.TransferID) error {
	if f.err != nil {
		return f.err
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

type fakeLister struct {
	snapshots []recovery.TransferSnapshot
}

func (f *fakeLister) ActiveTransfers() []recovery.TransferSnapshot { return f.snapshots }

func testService(t *testing.T, socketPath string, store *fakeDeviceStore, pairer *fakePairer, conns *fakeConnSender, canceller *fakeCanceller, lister *fakeLister) *Service {
	t.Helper()
	return New(socketPath, store, pairer, conns, canceller, lister, events.NewLogger(), nil, zerolog.Nop())
}

func TestGetDevicesReturnsMixedPairedAndDiscovered(t *testing.T) {
	store := &fakeDeviceStore{
		ids: []string{"peer-1", "peer-2"},
		records: map[string]identity.DeviceRecord{
			"peer-1": {Identity: identity.Identity{DeviceName: "Phone"}, State: identity.Paired, Fingerprint: "AA:BB"},
			"peer-2": {Identity: identity.Identity{DeviceName: "Tablet"}, State: identity.Discovered},
		},
	}
	conns := &fakeConnSender{connected: map[string]bool{"peer-1": true}}
	s := testService(t, "", store, &fakePairer{}, conns, &fakeCanceller{}, &fakeLister{})

	rec := httpGet(t, s, "/devices")
	var out []deviceView
	if err := json.Unmarshal(rec, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(out))
	}
	byID := map[string]deviceView{out[0].DeviceID: out[0], out[1].DeviceID: out[1]}
	if !byID["peer-1"].Connected {
		t.Fatal("expected peer-1 to be reported connected")
	}
	if byID["peer-2"].Connected {
		t.Fatal("expected peer-2 to be reported disconnected")
	}
	if byID["peer-2"].PairState != string(identity.Discovered) {
		t.Fatalf("expected discovered pair state, got %q", byID["peer-2"].PairState)
	}
}

// httpGet drives the Service's router directly through an httptest-style
// in-memory call, avoiding the overhead of a real socket for handlers that
// don't need one.
func httpGet(t *testing.T, s *Service, path string) []byte {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "http://unix"+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	rr := newRecorder()
	s.router().ServeHTTP(rr, req)
	return rr.body
}

type recorder struct {
	status int
	body   []byte
	header http.Header
}

func newRecorder() *recorder {
	return &recorder{status: http.StatusOK, header: make(http.Header)}
}

func (r *recorder) Header() http.Header       { return r.header }
func (r *recorder) Write(b []byte) (int, error) { r.body = append(r.body, b...); return len(b), nil }
func (r *recorder) WriteHeader(status int)    { r.status = status }

func TestPairingEndpointsMapErrorsToConflict(t *testing.T) {
	pairer := &fakePairer{failOn: "accept"}
	s := testService(t, "", &fakeDeviceStore{}, pairer, &fakeConnSender{}, &fakeCanceller{}, &fakeLister{})

	rr := newRecorder()
	req, _ := http.NewRequest(http.MethodPost, "http://unix/devices/peer-1/pair/request", nil)
	s.router().ServeHTTP(rr, req)
	if rr.status != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.status)
	}

	rr = newRecorder()
	req, _ = http.NewRequest(http.MethodPost, "http://unix/devices/peer-1/pair/accept", nil)
	s.router().ServeHTTP(rr, req)
	if rr.status != http.StatusConflict {
		t.Fatalf("expected 409 on accept failure, got %d", rr.status)
	}
}

func TestPostSendPacketRejectsMalformedBodyAndSendFailure(t *testing.T) {
	conns := &fakeConnSender{}
	s := testService(t, "", &fakeDeviceStore{}, &fakePairer{}, conns, &fakeCanceller{}, &fakeLister{})

	rr := newRecorder()
	req, _ := http.NewRequest(http.MethodPost, "http://unix/devices/peer-1/packets", strings.NewReader("not json"))
	s.router().ServeHTTP(rr, req)
	if rr.status != http.StatusBadRequest {
		t.Fatalf("expected 400 on malformed body, got %d", rr.status)
	}

	conns.sendErr = errors.New("no live connection")
	rr = newRecorder()
	req, _ = http.NewRequest(http.MethodPost, "http://unix/devices/peer-1/packets", strings.NewReader(`{"id":1,"type":"cconnect.ping","body":{}}`))
	s.router().ServeHTTP(rr, req)
	if rr.status != http.StatusBadGateway {
		t.Fatalf("expected 502 on send failure, got %d", rr.status)
	}
}

func TestGetTransfersReadsFromRecoveryLister(t *testing.T) {
	lister := &fakeLister{snapshots: []recovery.TransferSnapshot{{ID: "t1", DeviceID: "peer-1", State: "active"}}}
	s := testService(t, "", &fakeDeviceStore{}, &fakePairer{}, &fakeConnSender{}, &fakeCanceller{}, lister)

	body := httpGet(t, s, "/transfers")
	var out []recovery.TransferSnapshot
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || out[0].ID != "t1" {
		t.Fatalf("unexpected transfers list: %+v", out)
	}
}

func TestPostCancelTransferNotFoundMapsTo404(t *testing.T) {
	canceller := &fakeCanceller{err: errors.New("transfer not found")}
	s := testService(t, "", &fakeDeviceStore{}, &fakePairer{}, &fakeConnSender{}, canceller, &fakeLister{})

	rr := newRecorder()
	req, _ := http.NewRequest(http.MethodPost, "http://unix/transfers/t1/cancel", nil)
	s.router().ServeHTTP(rr, req)
	if rr.status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.status)
	}
}

// TestServeOverUnixSocketRoundTripsAndShutsDownCleanly exercises the real
// Serve loop end to end: dial the control socket, issue a request, then
// cancel and confirm graceful shutdown, the same way the other suture
// services in this repo are tested.
func TestServeOverUnixSocketRoundTripsAndShutsDownCleanly(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "control.sock")
	store := &fakeDeviceStore{ids: []string{"peer-1"}, records: map[string]identity.DeviceRecord{
		"peer-1": {Identity: identity.Identity{DeviceName: "Phone"}, State: identity.Paired},
	}}
	s := testService(t, socketPath, store, &fakePairer{}, &fakeConnSender{}, &fakeCanceller{}, &fakeLister{})

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- s.Serve(ctx) }()

	var conn net.Conn
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err = net.Dial("unix", socketPath)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("never able to dial control socket: %v", err)
	}
	conn.Close()

	client := http.Client{Transport: &http.Transport{
		DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
			return net.Dial("unix", socketPath)
		},
	}}
	resp, err := client.Get("http://unix/devices")
	if err != nil {
		t.Fatalf("GET /devices over socket: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-serveErr:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}
