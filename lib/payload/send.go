package payload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cconnectd/cconnectd/lib/coreerrors"
	"github.com/cconnectd/cconnectd/lib/packet"
	"github.com/cconnectd/cconnectd/lib/transport"
)

// sendCtl lets Cancel abort a send session whether it is still waiting
// on Accept (covered by the accept context) or already blocked on a
// synchronous Write to the peer, which observes no context at all;
// closing the live conn is what actually unblocks that Write (the same
// fix connections.go's socket replacement needed for its read loop).
type sendCtl struct {
	cancel context.CancelFunc
	mu     sync.Mutex
	conn   transport.Conn
}

func (s *sendCtl) setConn(c transport.Conn) {
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
}

func (s *sendCtl) Cancel() {
	s.cancel()
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

// Send implements the sending half of a payload transfer: bind an ephemeral
// listener from the configured range, embed its port into pkt's
// payload_transfer_info, hand pkt to sendControl for delivery over the
// owning connection, then stream size octets from src to the first
// peer that connects.
//
// The manager's local TLS certificate is used only when cfg.PayloadTLS
// is set.
func (m *Manager) Send(ctx context.Context, deviceID, filename string, size int64, src io.Reader, pkt packet.Packet, sendControl func(packet.Packet) error) (TransferID, error) {
	t, id, err := m.newTransfer(deviceID, filename, size)
	if err != nil {
		return "", err
	}

	ln, port, err := m.bindEphemeral()
	if err != nil {
		m.finish(t, err)
		return "", err
	}

	pkt.Size = &size
	if pkt.Transfer == nil {
		pkt.Transfer = make(map[string]any, 1)
	}
	pkt.Transfer["port"] = port

	if err := sendControl(pkt); err != nil {
		ln.Close()
		m.finish(t, err)
		return "", fmt.Errorf("payload: send control packet: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	ctl := &sendCtl{cancel: cancel}
	m.track(id, ctl.Cancel)
	go m.sendSession(sessionCtx, ln, t, src, size, ctl)
	return id, nil
}

func (m *Manager) bindEphemeral() (*transport.TCPListener, int, error) {
	for port := m.cfg.PayloadPortMin; port <= m.cfg.PayloadPortMax; port++ {
		ln, err := transport.ListenTCP(fmt.Sprintf(":%d", port))
		if err == nil {
			return ln, port, nil
		}
	}
	return nil, 0, fmt.Errorf("payload: %w: exhausted range %d-%d", coreerrors.ErrNoFreePorts, m.cfg.PayloadPortMin, m.cfg.PayloadPortMax)
}

// sendSession owns ln from here on: Send must not close it, or the
// listener would be gone before this goroutine ever reaches Accept.
func (m *Manager) sendSession(ctx context.Context, ln *transport.TCPListener, t *Transfer, src io.Reader, size int64, ctl *sendCtl) {
	defer ln.Close()
	conn, err := ln.Accept(ctx)
	if err != nil {
		m.finish(t, fmt.Errorf("payload: %w: accept: %v", coreerrors.ErrTransportError, err))
		return
	}
	defer conn.Close()
	ctl.setConn(conn)

	if m.cfg.PayloadTLS {
		upgraded, _, err := transport.UpgradeServer(ctx, conn, m.tlsCert())
		if err != nil {
			m.finish(t, fmt.Errorf("payload: %w: TLS: %v", coreerrors.ErrTransportError, err))
			return
		}
		conn = upgraded
	}

	var sent int64
	buf := make([]byte, ChunkSize)
	for sent < size {
		n, rerr := src.Read(buf)
		if n > 0 {
			bumpDeadline(conn)
			if _, werr := conn.Write(buf[:n]); werr != nil {
				m.finish(t, fmt.Errorf("payload: %w: write: %v", coreerrors.ErrTransportError, werr))
				return
			}
			sent += int64(n)
			m.progress(t, sent)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) && sent >= size {
				break
			}
			m.finish(t, fmt.Errorf("payload: %w: read source: %v", coreerrors.ErrTransportError, rerr))
			return
		}
	}
	m.finish(t, nil)
}
