// Package resources implements admission control and reaping:
// per-device and aggregate quotas on connections, transfers, and
// queued packets, a soft memory-pressure warning threshold, and periodic
// stale-connection reaping.
package resources

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/cconnectd/cconnectd/lib/config"
	"github.com/cconnectd/cconnectd/lib/connections"
	"github.com/cconnectd/cconnectd/lib/coreerrors"
)

// ConnectionCloser is the subset of *connections.Manager the stale-reaper
// needs: enumerate live connections and force one closed.
type ConnectionCloser interface {
	Snapshot() []connections.ConnectionInfo
	Close(deviceID string) error
}

// Manager tracks admission counters against config.Quotas and periodically
// reaps stale connections. Admission and release arrive from arbitrary
// per-connection and per-transfer goroutines, so every counter lives
// behind mu.
type Manager struct {
	quotas config.Quotas
	closer ConnectionCloser
	log    zerolog.Logger

	mu              sync.Mutex
	perDeviceConns  map[string]int
	perDeviceXfers  map[string]int
	totalXfers      int
	aggregateBytes  int64
	perDeviceQueued map[string]int

	metrics *metricsSet
}

// New constructs a Manager enforcing quotas, reaping stale connections
// known to closer.
func New(quotas config.Quotas, closer ConnectionCloser, registry *prometheus.Registry, log zerolog.Logger) *Manager {
	return &Manager{
		quotas:          quotas,
		closer:          closer,
		log:             log.With().Str("component", "resources").Logger(),
		perDeviceConns:  make(map[string]int),
		perDeviceXfers:  make(map[string]int),
		perDeviceQueued: make(map[string]int),
		metrics:         newMetricsSet(registry),
	}
}

// AdmitConnection checks the per-device and total connection quotas before
// a new connection is registered. Call ReleaseConnection on teardown.
func (m *Manager) AdmitConnection(deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.perDeviceConns[deviceID] >= m.quotas.MaxConnectionsPerDevice {
		return fmt.Errorf("resources: %w: device %s already has %d connections", coreerrors.ErrTooManyConnections, deviceID, m.perDeviceConns[deviceID])
	}
	total := 0
	for _, n := range m.perDeviceConns {
		total += n
	}
	if total >= m.quotas.MaxConnectionsTotal {
		return fmt.Errorf("resources: %w: %d connections active", coreerrors.ErrTooManyConnections, total)
	}
	m.perDeviceConns[deviceID]++
	m.metrics.activeConnections.Inc()
	return nil
}

// ReleaseConnection undoes a prior AdmitConnection for deviceID.
func (m *Manager) ReleaseConnection(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.perDeviceConns[deviceID] > 0 {
		m.perDeviceConns[deviceID]--
		m.metrics.activeConnections.Dec()
	}
	if m.perDeviceConns[deviceID] == 0 {
		delete(m.perDeviceConns, deviceID)
	}
}

// AdmitTransfer checks the transfer quotas before a payload
// session starts: 10 total, 3 per device, single-file cap 100 MiB,
// aggregate cap 1 GiB across everything in flight.
func (m *Manager) AdmitTransfer(deviceID string, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if size > m.quotas.MaxSingleTransferBytes {
		return fmt.Errorf("resources: %w: %d octets exceeds single-transfer cap of %d", coreerrors.ErrTooManyTransfers, size, m.quotas.MaxSingleTransferBytes)
	}
	if m.aggregateBytes+size > m.quotas.MaxAggregateBytes {
		return fmt.Errorf("resources: %w: aggregate in-flight transfer bytes would exceed %d", coreerrors.ErrTooManyTransfers, m.quotas.MaxAggregateBytes)
	}
	if m.totalXfers >= m.quotas.MaxTransfersTotal {
		return fmt.Errorf("resources: %w: %d transfers already in flight", coreerrors.ErrTooManyTransfers, m.totalXfers)
	}
	if m.perDeviceXfers[deviceID] >= m.quotas.MaxTransfersPerDevice {
		return fmt.Errorf("resources: %w: device %s already has %d transfers in flight", coreerrors.ErrTooManyTransfers, deviceID, m.perDeviceXfers[deviceID])
	}
	m.totalXfers++
	m.perDeviceXfers[deviceID]++
	m.aggregateBytes += size
	m.metrics.activeTransfers.Inc()
	m.metrics.aggregateBytes.Add(float64(size))
	return nil
}

// ReleaseTransfer undoes a prior AdmitTransfer.
func (m *Manager) ReleaseTransfer(deviceID string, size int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.totalXfers > 0 {
		m.totalXfers--
		m.metrics.activeTransfers.Dec()
	}
	if m.perDeviceXfers[deviceID] > 0 {
		m.perDeviceXfers[deviceID]--
	}
	if m.perDeviceXfers[deviceID] == 0 {
		delete(m.perDeviceXfers, deviceID)
	}
	m.aggregateBytes -= size
	if m.aggregateBytes < 0 {
		m.aggregateBytes = 0
	}
	m.metrics.aggregateBytes.Sub(float64(size))
	if m.aggregateBytes >= m.quotas.SoftMemoryThresholdBytes {
		m.log.Warn().Int64("aggregate_bytes", m.aggregateBytes).Msg("soft memory pressure threshold exceeded")
	}
}

// AdmitQueuedPacket checks the per-device outbound queue quota before a
// packet is handed to the retry queue.
func (m *Manager) AdmitQueuedPacket(deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.perDeviceQueued[deviceID] >= m.quotas.MaxQueuedPacketsPerDevice {
		return fmt.Errorf("resources: %w: device %s has %d packets already queued", coreerrors.ErrQueueFull, deviceID, m.perDeviceQueued[deviceID])
	}
	m.perDeviceQueued[deviceID]++
	m.metrics.queuedPackets.Inc()
	return nil
}

// ReleaseQueuedPacket undoes a prior AdmitQueuedPacket, on delivery or drop.
func (m *Manager) ReleaseQueuedPacket(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.perDeviceQueued[deviceID] > 0 {
		m.perDeviceQueued[deviceID]--
		m.metrics.queuedPackets.Dec()
	}
	if m.perDeviceQueued[deviceID] == 0 {
		delete(m.perDeviceQueued, deviceID)
	}
}

// Serve runs the stale-connection reaper until ctx is cancelled, satisfying
// suture.Service.
func (m *Manager) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.quotas.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.reapStale(); err != nil {
				m.log.Warn().Err(err).Msg("stale connection reap encountered errors")
			}
		}
	}
}

// reapStale closes every connection idle past quotas.StaleConnectionAge,
// accumulating per-device failures with go-multierror rather than
// abandoning the sweep at the first one.
func (m *Manager) reapStale() error {
	var errs *multierror.Error
	for _, c := range m.closer.Snapshot() {
		if c.IdleFor < m.quotas.StaleConnectionAge {
			continue
		}
		m.log.Warn().Str("device", c.DeviceID).Dur("idle_for", c.IdleFor).Msg("closing stale connection")
		if err := m.closer.Close(c.DeviceID); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("resources: %w: %s: %v", coreerrors.ErrStaleConnection, c.DeviceID, err))
		}
	}
	return errs.ErrorOrNil()
}
