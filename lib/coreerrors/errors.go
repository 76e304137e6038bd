// Package coreerrors classifies core errors into three bands:
// Recoverable, UserActionRequired, and Critical. Internal
// packages return plain wrapped errors; this package holds the sentinel
// values and band predicate used at the public boundary to decide how to
// react (retry silently, surface to the UI, or abort).
package coreerrors

import "errors"

// Band classifies an error by how the public boundary should react.
type Band int

const (
	Recoverable Band = iota
	UserActionRequired
	Critical
)

func (b Band) String() string {
	switch b {
	case Recoverable:
		return "recoverable"
	case UserActionRequired:
		return "user_action_required"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// Sentinel errors surfaced across component boundaries.
var (
	ErrCertificateMismatch        = errors.New("CertificateMismatch")
	ErrRateLimited                = errors.New("RateLimited")
	ErrTransportError             = errors.New("TransportError")
	ErrProtocolVersionUnsupported = errors.New("ProtocolVersionUnsupported")
	ErrIdentityMalformed          = errors.New("IdentityMalformed")
	ErrTooManyConnections         = errors.New("TooManyConnections")
	ErrTooManyTransfers           = errors.New("TooManyTransfers")
	ErrQueueFull                  = errors.New("QueueFull")
	ErrNoFreePorts                = errors.New("NoFreePorts")
	ErrTruncatedPayload           = errors.New("TruncatedPayload")
	ErrStaleConnection            = errors.New("StaleConnection")
	ErrDiskFull                   = errors.New("DiskFull")
	ErrPermissionDenied           = errors.New("PermissionDenied")
	ErrConfiguration              = errors.New("ConfigurationError")
	ErrUnpaired                   = errors.New("UnpairedPeer")
	ErrCorruptState               = errors.New("CorruptPersistedState")
)

// Classify maps a sentinel error to its band. Unrecognized errors
// default to Critical, the conservative
// choice: an error the core didn't plan for should not be silently
// retried.
func Classify(err error) Band {
	switch {
	case errors.Is(err, ErrTransportError),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrNoFreePorts),
		errors.Is(err, ErrTooManyConnections),
		errors.Is(err, ErrTooManyTransfers),
		errors.Is(err, ErrQueueFull),
		errors.Is(err, ErrTruncatedPayload),
		errors.Is(err, ErrStaleConnection):
		return Recoverable
	case errors.Is(err, ErrUnpaired),
		errors.Is(err, ErrCertificateMismatch),
		errors.Is(err, ErrPermissionDenied),
		errors.Is(err, ErrDiskFull),
		errors.Is(err, ErrProtocolVersionUnsupported),
		errors.Is(err, ErrConfiguration):
		return UserActionRequired
	case errors.Is(err, ErrCorruptState),
		errors.Is(err, ErrIdentityMalformed):
		return Critical
	default:
		return Critical
	}
}
