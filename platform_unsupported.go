package procctl

import "context"

// unsupportedOps is the fallback PlatformOps for any OS without a
// dedicated backend. Every method reports ErrUnsupportedPlatformOp at
// runtime rather than failing the build, so the engine's API surface is
// importable everywhere even where no debug primitive is wired.
type unsupportedOps struct{}

// NewUnsupportedPlatformOps returns a backend that reports every operation
// as unsupported, for OSes with no dedicated PlatformOps implementation.
func NewUnsupportedPlatformOps() PlatformOps { return unsupportedOps{} }

func (unsupportedOps) unsupported() *EngineError {
	return newErr(ErrUnsupportedPlatformOp, "no PlatformOps backend for this platform")
}

func (o unsupportedOps) Create(argv, env []string) (int, *EngineError) { return 0, o.unsupported() }
func (o unsupportedOps) Attach(pid int) *EngineError                   { return o.unsupported() }
func (o unsupportedOps) Detach(proc *Process) *EngineError              { return o.unsupported() }
func (o unsupportedOps) Terminate(proc *Process) *EngineError           { return o.unsupported() }
func (o unsupportedOps) SyncRunState(proc *Process, mode LwpControlMode) *EngineError {
	return o.unsupported()
}
func (o unsupportedOps) ProcessGroupContinues() bool { return false }

func (o unsupportedOps) Cont(proc *Process, t *Thread) *EngineError { return o.unsupported() }
func (o unsupportedOps) Stop(proc *Process, t *Thread) *EngineError { return o.unsupported() }
func (o unsupportedOps) GetAllRegisters(proc *Process, t *Thread) (*Registers, *EngineError) {
	return nil, o.unsupported()
}
func (o unsupportedOps) SetAllRegisters(proc *Process, t *Thread, regs *Registers) *EngineError {
	return o.unsupported()
}
func (o unsupportedOps) GetRegister(proc *Process, t *Thread, name string) (uint64, *EngineError) {
	return 0, o.unsupported()
}
func (o unsupportedOps) SetRegister(proc *Process, t *Thread, name string, value uint64) *EngineError {
	return o.unsupported()
}
func (o unsupportedOps) SingleStep(proc *Process, t *Thread) *EngineError { return o.unsupported() }
func (o unsupportedOps) ComputeSuccessors(proc *Process, t *Thread, addr uintptr) ([]uintptr, *EngineError) {
	return nil, o.unsupported()
}

func (o unsupportedOps) NeedsAsyncIO() bool { return false }
func (o unsupportedOps) ReadMem(proc *Process, addr uintptr, length int) ([]byte, *EngineError) {
	return nil, o.unsupported()
}
func (o unsupportedOps) WriteMem(proc *Process, addr uintptr, data []byte) *EngineError {
	return o.unsupported()
}
func (o unsupportedOps) ReadMemAsync(proc *Process, addr uintptr, length int, done func([]byte, *EngineError)) {
	done(nil, o.unsupported())
}
func (o unsupportedOps) WriteMemAsync(proc *Process, addr uintptr, data []byte, done func(*EngineError)) {
	done(o.unsupported())
}

func (o unsupportedOps) BreakpointSize() int                      { return 0 }
func (o unsupportedOps) BreakpointBytes() []byte                  { return nil }
func (o unsupportedOps) BreakpointAdjustedPC(raw uintptr) uintptr { return raw }
func (o unsupportedOps) NeedsEmulatedSingleStep() bool            { return false }
func (o unsupportedOps) NeedsPCSaveBeforeSingleStep() bool        { return false }
func (o unsupportedOps) NeedsLongBreakpoint(addr uintptr) bool    { return false }
func (o unsupportedOps) HWBreakpointAvail(proc *Process, t *Thread) int { return 0 }
func (o unsupportedOps) InstallHWBreakpoint(proc *Process, t *Thread, addr uintptr, perm Permission, size int) *EngineError {
	return o.unsupported()
}
func (o unsupportedOps) UninstallHWBreakpoint(proc *Process, t *Thread, addr uintptr) *EngineError {
	return o.unsupported()
}

func (o unsupportedOps) CreateAllocationSnippet(proc *Process, size int) ([]byte, *EngineError) {
	return nil, o.unsupported()
}
func (o unsupportedOps) CreateDeallocationSnippet(proc *Process, addr uintptr) ([]byte, *EngineError) {
	return nil, o.unsupported()
}
func (o unsupportedOps) CollectAllocationResult(proc *Process, rpcResult []byte) (uintptr, *EngineError) {
	return 0, o.unsupported()
}
func (o unsupportedOps) MallocExecMemory(proc *Process, t *Thread, size int) (uintptr, *EngineError) {
	return 0, o.unsupported()
}

func (o unsupportedOps) GetOSRunningStates(proc *Process) (map[int]RunState, *EngineError) {
	return nil, o.unsupported()
}
func (o unsupportedOps) IsStaticBinary(proc *Process) bool { return false }
func (o unsupportedOps) GetExecutable(proc *Process) (string, *EngineError) {
	return "", o.unsupported()
}
func (o unsupportedOps) GetStackInfo(proc *Process, t *Thread) (uintptr, uintptr, *EngineError) {
	return 0, 0, o.unsupported()
}

func (o unsupportedOps) GetLoadedLibraries(proc *Process) ([]*Library, *Response, *EngineError) {
	return nil, nil, o.unsupported()
}
func (o unsupportedOps) WaitForEvent(ctx context.Context) (*PlatformEvent, *EngineError) {
	<-ctx.Done()
	return nil, nil
}
func (o unsupportedOps) PreHandleEvent(ev *Event)  {}
func (o unsupportedOps) PostHandleEvent(ev *Event) {}
func (o unsupportedOps) PreAsyncWait()             {}

func (o unsupportedOps) SupportsFork() bool          { return false }
func (o unsupportedOps) SupportsExec() bool          { return false }
func (o unsupportedOps) SupportsDOTF() bool          { return false }
func (o unsupportedOps) SupportsThreadEvents() bool  { return false }
func (o unsupportedOps) SupportsLWPCreate() bool      { return false }
func (o unsupportedOps) SupportsLWPPreDestroy() bool  { return false }
func (o unsupportedOps) SupportsLWPPostDestroy() bool { return false }
func (o unsupportedOps) SupportsHWBreakpoint() bool   { return false }
