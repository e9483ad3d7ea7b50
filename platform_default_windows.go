//go:build windows

package procctl

// defaultPlatformOps returns the native backend for this build. If the
// Windows backend fails to resolve its kernel32 entry points, it falls
// back to the unsupported-op stub rather than NewEngine returning an
// opaque construction error; the individual operations still report
// ErrUnsupportedPlatformOp.
func defaultPlatformOps() PlatformOps {
	ops, err := NewWindowsPlatformOps()
	if err != nil {
		return NewUnsupportedPlatformOps()
	}
	return ops
}
