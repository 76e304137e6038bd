package packet

import "errors"

// Codec failure modes. All are non-fatal to the transport; the
// connection manager classifies whether to continue.
var (
	ErrInvalidFraming = errors.New("InvalidFraming")
	ErrInvalidPacket  = errors.New("InvalidPacket")
	ErrOversizedFrame = errors.New("OversizedFrame")
)
