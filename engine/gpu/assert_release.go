//go:build !debug

package gpu

import "github.com/spaghettifunk/vita/engine/core"

// invalidUsage reports an operation on an unknown or stale identity. In
// release builds the operation becomes a logged no-op that returns the
// InvalidHandle class so callers can still detect it.
func invalidUsage(format string, args ...interface{}) error {
	core.LogError(format, args...)
	return core.Wrapf(core.ErrInvalidHandle, format, args...)
}
