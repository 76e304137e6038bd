// Package packet implements the wire framing for the device protocol: a
// UTF-8 JSON object per frame, terminated by a single newline.
package packet

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Namespace prefixes that are interchangeable at the protocol level. A
// fleet mixing standard and extension peers must interoperate without
// translation at call sites, so IsType treats them as synonyms.
const (
	StandardPrefix  = "kdeconnect."
	ExtensionPrefix = "cconnect."

	// MaxTCPFrame is the largest frame the TCP/TLS transport will read or
	// write. OversizedFrame is returned past this.
	MaxTCPFrame = 1 << 20 // 1 MiB

	// MaxBluetoothFrame is the Bluetooth LE transport's MTU ceiling.
	MaxBluetoothFrame = 512
)

// Packet is the universal framing unit exchanged between peers.
type Packet struct {
	ID       int64          `json:"id"`
	Type     string         `json:"type"`
	Body     map[string]any `json:"body"`
	Size     *int64         `json:"payloadSize,omitempty"`
	Transfer map[string]any `json:"payloadTransferInfo,omitempty"`
}

// HasPayload reports whether p is payload-bearing, i.e. carries both
// payloadSize and payloadTransferInfo.
func (p Packet) HasPayload() bool {
	return p.Size != nil && p.Transfer != nil
}

// IsType reports whether p's type equals query, treating the standard and
// extension namespace prefixes as interchangeable: "kdeconnect.battery"
// and "cconnect.battery" both satisfy IsType(p, "cconnect.battery").
func IsType(p Packet, query string) bool {
	if p.Type == query {
		return true
	}
	return bareSuffix(p.Type) == bareSuffix(query)
}

func bareSuffix(t string) string {
	switch {
	case strings.HasPrefix(t, StandardPrefix):
		return t[len(StandardPrefix):]
	case strings.HasPrefix(t, ExtensionPrefix):
		return t[len(ExtensionPrefix):]
	default:
		return t
	}
}

// ExpandCapabilities returns caps plus, for every capability carrying a
// standard or extension prefix, its counterpart under the other prefix.
// Identity packets must dual-list capabilities this way so
// that a peer recognizing only one of the two namespaces still interops.
func ExpandCapabilities(caps []string) []string {
	seen := make(map[string]struct{}, len(caps)*2)
	out := make([]string, 0, len(caps)*2)
	add := func(c string) {
		if _, ok := seen[c]; ok {
			return
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	for _, c := range caps {
		add(c)
		switch {
		case strings.HasPrefix(c, StandardPrefix):
			add(ExtensionPrefix + c[len(StandardPrefix):])
		case strings.HasPrefix(c, ExtensionPrefix):
			add(StandardPrefix + c[len(ExtensionPrefix):])
		}
	}
	return out
}

// Encode serializes p as "{json}\n".
func Encode(p Packet) ([]byte, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}
	buf, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("packet: encode: %w", err)
	}
	buf = append(buf, '\n')
	return buf, nil
}

// EncodeForCapability is like Encode but additionally enforces the
// transport's max frame size, returning OversizedFrame if the encoded
// frame would not fit (e.g. Bluetooth's 512-octet MTU).
func EncodeForCapability(p Packet, maxFrame int) ([]byte, error) {
	buf, err := Encode(p)
	if err != nil {
		return nil, err
	}
	if len(buf) > maxFrame {
		return nil, fmt.Errorf("packet: %w: %d octets exceeds limit of %d", ErrOversizedFrame, len(buf), maxFrame)
	}
	return buf, nil
}

// Decode parses a single "{json}\n" frame (the trailing newline, if
// present, is stripped before parsing; callers that read with bufio.Scanner
// typically hand Decode the line without it already).
func Decode(line []byte) (Packet, error) {
	line = bytes.TrimRight(line, "\n")
	var p Packet
	if err := json.Unmarshal(line, &p); err != nil {
		return Packet{}, fmt.Errorf("packet: %w: %v", ErrInvalidPacket, err)
	}
	if err := Validate(p); err != nil {
		return Packet{}, err
	}
	return p, nil
}

// Validate enforces the frame schema: type must be
// non-empty, body must be present, and payloadSize/payloadTransferInfo must
// appear together or not at all.
func Validate(p Packet) error {
	if p.Type == "" {
		return fmt.Errorf("packet: %w: empty type", ErrInvalidPacket)
	}
	if p.Body == nil {
		return fmt.Errorf("packet: %w: missing body", ErrInvalidPacket)
	}
	if (p.Size == nil) != (p.Transfer == nil) {
		return fmt.Errorf("packet: %w: payloadSize/payloadTransferInfo must both be set or both absent", ErrInvalidPacket)
	}
	if p.Size != nil && *p.Size < 0 {
		return fmt.Errorf("packet: %w: negative payloadSize", ErrInvalidPacket)
	}
	return nil
}
