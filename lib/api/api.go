// Package api implements the transport-neutral control surface: list
// devices, request/accept/reject pairing, unpair, send a
// plugin-addressed packet, list/cancel active transfers, and a polling
// feed of the signals the core emits (device/pairing/connection/transfer
// events). It is served as JSON over a Unix domain socket, dispatched
// with httprouter; there are no GUI statics or config-editing endpoints,
// which have no place in a UI-less core.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/cconnectd/cconnectd/lib/events"
	"github.com/cconnectd/cconnectd/lib/identity"
	"github.com/cconnectd/cconnectd/lib/packet"
	"github.com/cconnectd/cconnectd/lib/payload"
	"github.com/cconnectd/cconnectd/lib/recovery"
)

// EventBufferSize is how many recent signals the /events long-poll
// endpoint keeps for a client that reconnects with an old Since cursor.
const EventBufferSize = 256

// defaultEventTimeout bounds how long a /events request blocks waiting
// for a new signal before returning an empty batch, so a client's HTTP
// round trip never hangs indefinitely.
const defaultEventTimeout = time.Minute

// DeviceStore is the subset of *identity.Store the "list devices"
// operation needs.
type DeviceStore interface {
	AllDevices() []string
	Device(id string) (identity.DeviceRecord, bool)
}

// Pairer is the subset of *pairing.Machine the pairing operations need.
type Pairer interface {
	RequestPair(deviceID string) error
	AcceptIncoming(deviceID string) error
	RejectIncoming(deviceID string) error
	Unpair(deviceID string) error
}

// ConnectionSender is the subset of *connections.Manager the "device
// connected" status and "send packet" operations need.
type ConnectionSender interface {
	Connected(deviceID string) bool
	SendPacket(deviceID string, p packet.Packet) error
}

// TransferCanceller is the subset of *payload.Manager the "cancel
// transfer" operation needs.
type TransferCanceller interface {
	Cancel(id payload.TransferID) error
}

// TransferLister is the subset of *recovery.Coordinator the "list active
// transfers" operation needs. Reading from the recovery coordinator
// rather than the live payload.Manager means a transfer still shows up
// here after a crash and restart.
type TransferLister interface {
	ActiveTransfers() []recovery.TransferSnapshot
}

// Service serves the control surface over a Unix domain socket.
type Service struct {
	socketPath string
	store      DeviceStore
	pairing    Pairer
	conns      ConnectionSender
	canceller  TransferCanceller
	lister     TransferLister
	events     *events.Logger
	registry   *prometheus.Registry
	log        zerolog.Logger

	eventSub *events.BufferedSubscription
}

// New constructs a Service. socketPath is removed and recreated on
// Serve; registry backs the /metrics endpoint (nil disables it).
func New(socketPath string, store DeviceStore, pm Pairer, conns ConnectionSender, canceller TransferCanceller, lister TransferLister, ev *events.Logger, registry *prometheus.Registry, log zerolog.Logger) *Service {
	return &Service{
		socketPath: socketPath,
		store:      store,
		pairing:    pm,
		conns:      conns,
		canceller:  canceller,
		lister:     lister,
		events:     ev,
		registry:   registry,
		log:        log.With().Str("component", "api").Logger(),
	}
}

// Serve binds the control socket and dispatches requests until ctx is
// cancelled, satisfying suture.Service.
func (s *Service) Serve(ctx context.Context) error {
	os.Remove(s.socketPath)
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("api: listen on %s: %w", s.socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(s.socketPath)

	sub := s.events.Subscribe(events.AllEvents)
	s.eventSub = events.NewBufferedSubscription(sub, EventBufferSize)

	srv := &http.Server{Handler: s.router()}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(listener) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Service) router() http.Handler {
	r := httprouter.New()
	r.GET("/devices", s.getDevices)
	r.POST("/devices/:id/pair/request", s.postPairRequest)
	r.POST("/devices/:id/pair/accept", s.postPairAccept)
	r.POST("/devices/:id/pair/reject", s.postPairReject)
	r.POST("/devices/:id/unpair", s.postUnpair)
	r.POST("/devices/:id/packets", s.postSendPacket)
	r.GET("/transfers", s.getTransfers)
	r.POST("/transfers/:id/cancel", s.postCancelTransfer)
	r.GET("/events", s.getEvents)
	if s.registry != nil {
		r.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// deviceView is the "list devices" response shape: identity plus
// pairing/connection status, never the raw certificate.
type deviceView struct {
	DeviceID     string    `json:"deviceId"`
	DeviceName   string    `json:"deviceName"`
	DeviceType   string    `json:"deviceType"`
	PairState    string    `json:"pairState"`
	Connected    bool      `json:"connected"`
	Fingerprint  string    `json:"fingerprint,omitempty"`
	LastSeen     time.Time `json:"lastSeen"`
	LastEndpoint string    `json:"lastEndpoint,omitempty"`
}

func (s *Service) getDevices(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	out := make([]deviceView, 0)
	for _, id := range s.store.AllDevices() {
		rec, ok := s.store.Device(id)
		if !ok {
			continue
		}
		out = append(out, s.viewOf(id, rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) viewOf(id string, rec identity.DeviceRecord) deviceView {
	return deviceView{
		DeviceID:     id,
		DeviceName:   rec.Identity.DeviceName,
		DeviceType:   string(rec.Identity.DeviceClass),
		PairState:    string(rec.State),
		Connected:    s.conns.Connected(id),
		Fingerprint:  rec.Fingerprint,
		LastSeen:     rec.LastSeen,
		LastEndpoint: rec.LastEndpoint,
	}
}

func (s *Service) postPairRequest(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if err := s.pairing.RequestPair(p.ByName("id")); err != nil {
		httpError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Service) postPairAccept(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if err := s.pairing.AcceptIncoming(p.ByName("id")); err != nil {
		httpError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) postPairReject(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if err := s.pairing.RejectIncoming(p.ByName("id")); err != nil {
		httpError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) postUnpair(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if err := s.pairing.Unpair(p.ByName("id")); err != nil {
		httpError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) postSendPacket(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	var pkt packet.Packet
	if err := json.NewDecoder(r.Body).Decode(&pkt); err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.conns.SendPacket(p.ByName("id"), pkt); err != nil {
		httpError(w, http.StatusBadGateway, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Service) getTransfers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.lister.ActiveTransfers())
}

func (s *Service) postCancelTransfer(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if err := s.canceller.Cancel(payload.TransferID(p.ByName("id"))); err != nil {
		httpError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// getEvents implements the signal feed as a long poll: a client sends
// the id of the last event it saw and blocks until something newer
// exists.
func (s *Service) getEvents(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	since := 0
	if v := r.URL.Query().Get("since"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			since = n
		}
	}
	timeout := defaultEventTimeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			timeout = d
		}
	}

	resultCh := make(chan []events.Event, 1)
	go func() {
		resultCh <- s.eventSub.Since(since, nil)
	}()

	select {
	case evs := <-resultCh:
		writeJSON(w, http.StatusOK, evs)
	case <-time.After(timeout):
		writeJSON(w, http.StatusOK, []events.Event{})
	case <-r.Context().Done():
	}
}
