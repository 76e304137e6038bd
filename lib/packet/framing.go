package packet

import (
	"bufio"
	"fmt"
	"io"
)

// Reader reads newline-terminated frames from an underlying stream,
// rejecting frames that exceed maxFrame octets without a newline.
type Reader struct {
	br       *bufio.Reader
	maxFrame int
}

// NewReader wraps r, reading frames no larger than maxFrame octets.
func NewReader(r io.Reader, maxFrame int) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 4096), maxFrame: maxFrame}
}

// ReadPacket reads and decodes the next frame.
func (r *Reader) ReadPacket() (Packet, error) {
	line, err := r.br.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		// No newline within the buffer window; keep reading until either a
		// newline turns up or we exceed maxFrame.
		full := append([]byte(nil), line...)
		for len(full) <= r.maxFrame {
			b, err2 := r.br.ReadByte()
			if err2 != nil {
				return Packet{}, fmt.Errorf("packet: %w: %v", ErrInvalidFraming, err2)
			}
			full = append(full, b)
			if b == '\n' {
				return Decode(full)
			}
		}
		return Packet{}, fmt.Errorf("packet: %w: no newline within %d octets", ErrInvalidFraming, r.maxFrame)
	}
	if err != nil {
		return Packet{}, fmt.Errorf("packet: %w: %v", ErrInvalidFraming, err)
	}
	if len(line) > r.maxFrame {
		return Packet{}, fmt.Errorf("packet: %w: %d octets exceeds limit of %d", ErrOversizedFrame, len(line), r.maxFrame)
	}
	return Decode(line)
}

// Writer writes newline-terminated frames to an underlying stream.
type Writer struct {
	w        io.Writer
	maxFrame int
}

// NewWriter wraps w, rejecting packets that would encode larger than
// maxFrame octets.
func NewWriter(w io.Writer, maxFrame int) *Writer {
	return &Writer{w: w, maxFrame: maxFrame}
}

// WritePacket encodes and writes p.
func (w *Writer) WritePacket(p Packet) error {
	buf, err := EncodeForCapability(p, w.maxFrame)
	if err != nil {
		return err
	}
	_, err = w.w.Write(buf)
	return err
}
