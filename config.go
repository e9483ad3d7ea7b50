package procctl

import "github.com/joeycumines/logiface"

// EngineConfig configures a new Engine. It is passed by value to
// NewEngine rather than held in a package-level global, so two engines in
// one process can run with different settings.
type EngineConfig struct {
	// Threading selects how the handler and user callbacks are scheduled.
	// Zero value is NoThreads.
	Threading ThreadingMode

	// InferiorRPCBaseDir is the scratch directory used to stage any
	// on-disk artifacts inferior-RPC code generation needs (e.g. a
	// platform backend that assembles snippets via an external tool
	// rather than hand-encoding bytes). May be empty if the platform
	// backend never touches the filesystem.
	InferiorRPCBaseDir string

	// HWBreakpointsAvailable hints the number of hardware breakpoint
	// slots to assume before the platform is queried; 0 means "ask the
	// platform" (HWBreakpointAvail is authoritative either way).
	HWBreakpointsAvailable int

	// PageCacheSize overrides MemorySubsystem's page granularity. 0
	// defaults to 4096.
	PageCacheSize uintptr

	// MaxConcurrentRPCs bounds how many inferior RPCs may run at once
	// within a single process, via a weighted semaphore shared by that
	// process's RPCScheduler. 0 defaults to 4.
	MaxConcurrentRPCs int64

	// LwpMode selects how run-state reconciliation fans out continue calls
	// across a process's LWPs. Zero value is LwpControlUnified; backends
	// whose continue primitive is inherently per-LWP (ptrace) should be
	// paired with LwpControlIndep.
	LwpMode LwpControlMode

	// Logger receives generator/handler/breakpoint/RPC log output. A nil
	// Logger defaults to NewNopLogger().
	Logger *Logger

	// Platform selects the PlatformOps backend. A nil Platform defaults to
	// the build's native backend via defaultPlatformOps.
	Platform PlatformOps
}

// withDefaults returns a copy of cfg with zero-valued fields replaced by
// their defaults.
func (cfg EngineConfig) withDefaults() EngineConfig {
	out := cfg
	if out.Logger == nil {
		out.Logger = NewNopLogger()
	}
	if out.Platform == nil {
		out.Platform = defaultPlatformOps()
	}
	if out.MaxConcurrentRPCs == 0 {
		out.MaxConcurrentRPCs = defaultMaxConcurrentRPCs
	}
	return out
}

// defaultMaxConcurrentRPCs is the per-process RPCScheduler semaphore
// weight used when EngineConfig.MaxConcurrentRPCs is left at zero.
const defaultMaxConcurrentRPCs = 4

// defaultLogLevel is the level NewLogger is typically constructed at by
// callers that want engine diagnostics without configuring zerolog
// themselves.
const defaultLogLevel = logiface.LevelInformational
