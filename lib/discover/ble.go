package discover

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/cconnectd/cconnectd/lib/identity"
	"github.com/cconnectd/cconnectd/lib/packet"
)

// Scanner is the platform-supplied Bluetooth LE scan adapter. It is
// distinct from transport.Radio (which opens connection-oriented links):
// scanning is connectionless advertisement discovery against the same
// service UUID.
type Scanner interface {
	// Scan yields raw identity-packet advertisements as they are seen,
	// tagged with the advertiser's Bluetooth address, until ctx is
	// canceled.
	Scan(ctx context.Context, out chan<- ScanResult) error
}

// ScanResult is one raw BLE advertisement.
type ScanResult struct {
	Address string
	Payload []byte
}

// BLEScanner turns raw Scanner advertisements into discovery candidates.
// Off by default; constructing one is an explicit opt-in.
type BLEScanner struct {
	Scanner       Scanner
	AllowList     []string // empty means allow all addresses
	LocalIdentity func() identity.Identity
	listener      Listener

	log zerolog.Logger
}

// NewBLEScanner constructs a BLE scan-based discoverer emitting candidates
// to listener.
func NewBLEScanner(scanner Scanner, allowList []string, localIdentity func() identity.Identity, listener Listener, log zerolog.Logger) *BLEScanner {
	return &BLEScanner{
		Scanner:       scanner,
		AllowList:     allowList,
		LocalIdentity: localIdentity,
		listener:      listener,
		log:           log.With().Str("component", "discover.ble").Logger(),
	}
}

// Serve runs the scan loop until ctx is canceled. It implements
// suture.Service.
func (s *BLEScanner) Serve(ctx context.Context) error {
	results := make(chan ScanResult, 16)
	errCh := make(chan error, 1)
	go func() { errCh <- s.Scanner.Scan(ctx, results) }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case r := <-results:
			s.handle(r)
		}
	}
}

func (s *BLEScanner) handle(r ScanResult) {
	if !s.allowed(r.Address) {
		return
	}
	p, err := packet.Decode(r.Payload)
	if err != nil {
		s.log.Debug().Err(err).Str("address", r.Address).Msg("discarding malformed BLE advertisement")
		return
	}
	if !packet.IsType(p, "cconnect.identity") {
		return
	}
	id, ok := identity.FromPacket(p)
	if !ok {
		return
	}
	if id.DeviceID == s.LocalIdentity().DeviceID {
		return
	}
	s.listener.OnCandidate(Candidate{
		DeviceID: id.DeviceID,
		Endpoint: r.Address,
		Identity: id,
	})
}

func (s *BLEScanner) allowed(address string) bool {
	if len(s.AllowList) == 0 {
		return true
	}
	for _, a := range s.AllowList {
		if a == address {
			return true
		}
	}
	return false
}
