//go:build debug

package gpu

import "github.com/spaghettifunk/vita/engine/core"

// invalidUsage is fatal under -tags debug: an operation on an unknown or
// stale identity means a caller is holding a handle past its lifetime, and
// the crash here is strictly better than the GPU fault later.
func invalidUsage(format string, args ...interface{}) error {
	core.LogFatal(format, args...)
	return core.Wrapf(core.ErrInvalidHandle, format, args...)
}
