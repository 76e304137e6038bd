package payload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cconnectd/cconnectd/lib/coreerrors"
	"github.com/cconnectd/cconnectd/lib/packet"
	"github.com/cconnectd/cconnectd/lib/safefile"
	"github.com/cconnectd/cconnectd/lib/transport"
)

// Receive implements the receiving half of a payload transfer: read
// payload_transfer_info.port from pkt, connect to peerHost on that
// port, and read exactly pkt.Size octets into a file under destDir,
// returning the final path handed to the owning plugin.
//
// An EOF short of pkt.Size fails the transfer with TruncatedPayload
// and deletes the partial file; the destination
// filename is disambiguated with a " (1)"-style suffix on collision
// (payload.UniqueDestination).
func (m *Manager) Receive(ctx context.Context, deviceID, peerHost string, pkt packet.Packet, filename, destDir string) (string, error) {
	if !pkt.HasPayload() {
		return "", fmt.Errorf("payload: %w: no payload on packet", coreerrors.ErrTransportError)
	}
	port, ok := portOf(pkt.Transfer)
	if !ok {
		return "", fmt.Errorf("payload: %w: missing payload_transfer_info.port", coreerrors.ErrTransportError)
	}
	size := *pkt.Size

	dialer := transport.TCPDialer{}
	conn, err := dialer.Dial(ctx, fmt.Sprintf("%s:%d", peerHost, port))
	if err != nil {
		return "", fmt.Errorf("payload: %w: connect %s:%d: %v", coreerrors.ErrTransportError, peerHost, port, err)
	}
	defer conn.Close()

	if m.cfg.PayloadTLS {
		upgraded, _, err := transport.UpgradeClient(ctx, conn, m.tlsCert())
		if err != nil {
			return "", fmt.Errorf("payload: %w: TLS: %v", coreerrors.ErrTransportError, err)
		}
		conn = upgraded
	}

	t, id, err := m.newTransfer(deviceID, filename, size)
	if err != nil {
		return "", err
	}
	m.track(id, func() { conn.Close() })
	defer m.untrack(id)

	tmp, err := safefile.CreateTemp(destDir, "payload-*.tmp")
	if err != nil {
		m.finish(t, err)
		return "", err
	}
	t.LocalPath = tmp.Name()

	var received int64
	buf := make([]byte, ChunkSize)
	for received < size {
		bumpDeadline(conn)
		toRead := int64(len(buf))
		if remaining := size - received; remaining < toRead {
			toRead = remaining
		}
		n, rerr := conn.Read(buf[:toRead])
		if n > 0 {
			if _, werr := tmp.Write(buf[:n]); werr != nil {
				tmp.Close()
				safefile.Cleanup(tmp.Name())
				m.finish(t, werr)
				return "", fmt.Errorf("payload: write received chunk: %w", werr)
			}
			received += int64(n)
			m.progress(t, received)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) && received >= size {
				break
			}
			tmp.Close()
			safefile.Cleanup(tmp.Name())
			err := fmt.Errorf("payload: %w: got %d of %d octets", coreerrors.ErrTruncatedPayload, received, size)
			m.finish(t, err)
			return "", err
		}
	}
	if err := tmp.Close(); err != nil {
		safefile.Cleanup(tmp.Name())
		m.finish(t, err)
		return "", fmt.Errorf("payload: close received file: %w", err)
	}

	final := UniqueDestination(destDir, filename)
	if err := os.Rename(tmp.Name(), final); err != nil {
		safefile.Cleanup(tmp.Name())
		m.finish(t, err)
		return "", fmt.Errorf("payload: rename into place: %w", err)
	}
	t.LocalPath = final
	m.finish(t, nil)
	return final, nil
}

func portOf(transfer map[string]any) (int, bool) {
	switch v := transfer["port"].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}

// UniqueDestination returns a path under dir for filename, appending
// " (1)", " (2)", ... on collision, so a repeated receive never
// overwrites an existing download.
func UniqueDestination(dir, filename string) string {
	candidate := filepath.Join(dir, filename)
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return candidate
	}
	ext := filepath.Ext(filename)
	base := filename[:len(filename)-len(ext)]
	for n := 1; ; n++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, n, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
