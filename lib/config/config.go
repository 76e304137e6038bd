// Package config holds the core's runtime configuration. Loading it from
// a file on disk is the caller's job; this package only
// supplies the struct and its defaults.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/cconnectd/cconnectd/lib/transport"
)

// Config is the complete set of tunables a cconnectd core needs at
// construction time.
type Config struct {
	DeviceName string
	DataDir    string

	DiscoveryPort int
	TCPPort       int

	TransportPreference transport.Preference

	PayloadPortMin int
	PayloadPortMax int
	PayloadTLS     bool

	Quotas Quotas

	Backoff BackoffSchedule
}

// Quotas is the admission-limit table the resource manager enforces.
type Quotas struct {
	MaxConnectionsPerDevice int
	MaxConnectionsTotal     int

	MaxTransfersTotal      int
	MaxTransfersPerDevice  int
	MaxSingleTransferBytes int64
	MaxAggregateBytes      int64

	MaxQueuedPacketsPerDevice int

	SoftMemoryThresholdBytes int64

	StaleConnectionAge time.Duration
	ReapInterval       time.Duration
}

// BackoffSchedule shapes reconnection: exponential delays from Initial,
// capped at Max, for at most MaxRetries attempts.
type BackoffSchedule struct {
	Initial    time.Duration
	Max        time.Duration
	MaxRetries int
}

// Default returns the stock configuration: the 1716/1816 discovery port
// family, the 1739-1764 payload range, the standard quota table, and the
// 2s-60s/5-attempt reconnection backoff.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		DataDir:              filepath.Join(home, ".cconnectd"),
		DiscoveryPort:        1816,
		TCPPort:              1816,
		TransportPreference:  transport.TCPPreferred,
		PayloadPortMin:       1739,
		PayloadPortMax:       1764,
		PayloadTLS:           true,
		Quotas: Quotas{
			MaxConnectionsPerDevice:   3,
			MaxConnectionsTotal:       50,
			MaxTransfersTotal:         10,
			MaxTransfersPerDevice:     3,
			MaxSingleTransferBytes:    100 << 20, // 100 MiB
			MaxAggregateBytes:         1 << 30,   // 1 GiB
			MaxQueuedPacketsPerDevice: 100,
			SoftMemoryThresholdBytes:  500 << 20, // 500 MiB
			StaleConnectionAge:        5 * time.Minute,
			ReapInterval:              5 * time.Minute,
		},
		Backoff: BackoffSchedule{
			Initial:    2 * time.Second,
			Max:        60 * time.Second,
			MaxRetries: 5,
		},
	}
}

// ControlSocketPath is where the control surface binds its Unix domain
// socket, rooted under DataDir so multiple cores on one host
// (tests, multiple accounts) never collide.
func (c Config) ControlSocketPath() string {
	return filepath.Join(c.DataDir, "control.sock")
}

// DownloadDir is where the payload subsystem's receive path writes
// completed transfers.
func (c Config) DownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, "Downloads")
}
