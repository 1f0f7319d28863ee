package core

import (
	"github.com/cockroachdb/errors"
)

// Failure classes of the resource lifecycle engine. Every error returned by
// engine/gpu wraps exactly one of these, so callers can branch with
// errors.Is without parsing messages.
var (
	// ErrAllocationFailed covers device out-of-memory on any create path.
	// Fatal to the requested operation; never retried internally.
	ErrAllocationFailed = errors.New("device allocation failed")

	// ErrConfiguration covers startup-time misconfiguration (frames in
	// flight, ring region sizing). Never a recoverable runtime condition.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrInvalidHandle marks an operation on an unknown or already deleted
	// resource identity. Programmer error: fatal with -tags debug, reported
	// no-op otherwise.
	ErrInvalidHandle = errors.New("invalid resource handle")

	// ErrDeviceLost means the device timeline is gone and no serial based
	// reasoning remains valid; the whole subsystem must be rebuilt.
	ErrDeviceLost = errors.New("device lost")

	// ErrFrameOpen is returned when BeginFrame is called while another
	// frame token is still outstanding.
	ErrFrameOpen = errors.New("frame already open")
)

// Wrapf decorates err with context while preserving its class for errors.Is.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}
