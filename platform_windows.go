//go:build windows

package procctl

import (
	"context"
	"fmt"

	"github.com/ebitengine/purego"
)

// dbgContinue is DBG_CONTINUE, the standard "handled, keep going" status
// passed to ContinueDebugEvent.
const dbgContinue = 0x00010002

// windowsOps is the Windows PlatformOps backend. It binds just enough of
// kernel32's debug API through purego (no cgo) to drive attach and the
// continue half of the debug loop, and reports the rest as
// unsupported-platform-op.
type windowsOps struct {
	kernel32 uintptr

	waitForDebugEvent   uintptr
	continueDebugEvent  uintptr
	debugActiveProcess  uintptr
	terminateProcess    uintptr
}

// NewWindowsPlatformOps constructs the Windows backend, resolving the
// kernel32.dll debug-API entry points it uses.
func NewWindowsPlatformOps() (PlatformOps, error) {
	h, err := purego.Dlopen("kernel32.dll", purego.RTLD_NOW)
	if err != nil {
		return nil, fmt.Errorf("loading kernel32.dll: %w", err)
	}
	w := &windowsOps{kernel32: h}
	for name, dst := range map[string]*uintptr{
		"WaitForDebugEvent":  &w.waitForDebugEvent,
		"ContinueDebugEvent": &w.continueDebugEvent,
		"DebugActiveProcess": &w.debugActiveProcess,
		"TerminateProcess":   &w.terminateProcess,
	} {
		sym, err := purego.Dlsym(h, name)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", name, err)
		}
		*dst = sym
	}
	return w, nil
}

func (w *windowsOps) Create(argv, env []string) (int, *EngineError) {
	return 0, newErr(ErrUnsupportedPlatformOp, "process creation not implemented for windows backend")
}

func (w *windowsOps) Attach(pid int) *EngineError {
	ok, _, _ := purego.SyscallN(w.debugActiveProcess, uintptr(pid))
	if ok == 0 {
		return newErr(ErrPermissionDenied, "DebugActiveProcess failed for pid %d", pid)
	}
	return nil
}

func (w *windowsOps) Detach(proc *Process) *EngineError {
	return newErr(ErrUnsupportedPlatformOp, "detach not implemented for windows backend")
}

func (w *windowsOps) Terminate(proc *Process) *EngineError {
	return newErr(ErrUnsupportedPlatformOp, "terminate not implemented for windows backend")
}

func (w *windowsOps) SyncRunState(proc *Process, mode LwpControlMode) *EngineError {
	return newErr(ErrUnsupportedPlatformOp, "syncRunState not implemented for windows backend")
}

func (w *windowsOps) ProcessGroupContinues() bool { return true }

func (w *windowsOps) Cont(proc *Process, t *Thread) *EngineError {
	ok, _, _ := purego.SyscallN(w.continueDebugEvent, uintptr(proc.PID), uintptr(t.LWP), dbgContinue)
	if ok == 0 {
		return newErr(ErrIOFailure, "ContinueDebugEvent failed for pid %d tid %d", proc.PID, t.LWP)
	}
	return nil
}

func (w *windowsOps) Stop(proc *Process, t *Thread) *EngineError {
	return newErr(ErrUnsupportedPlatformOp, "async thread stop not implemented for windows backend")
}

func (w *windowsOps) GetAllRegisters(proc *Process, t *Thread) (*Registers, *EngineError) {
	return nil, newErr(ErrUnsupportedPlatformOp, "GetThreadContext not implemented for windows backend")
}
func (w *windowsOps) SetAllRegisters(proc *Process, t *Thread, regs *Registers) *EngineError {
	return newErr(ErrUnsupportedPlatformOp, "SetThreadContext not implemented for windows backend")
}
func (w *windowsOps) GetRegister(proc *Process, t *Thread, name string) (uint64, *EngineError) {
	return 0, newErr(ErrUnsupportedPlatformOp, "register read not implemented for windows backend")
}
func (w *windowsOps) SetRegister(proc *Process, t *Thread, name string, value uint64) *EngineError {
	return newErr(ErrUnsupportedPlatformOp, "register write not implemented for windows backend")
}
func (w *windowsOps) SingleStep(proc *Process, t *Thread) *EngineError {
	return newErr(ErrUnsupportedPlatformOp, "single-step not implemented for windows backend")
}
func (w *windowsOps) ComputeSuccessors(proc *Process, t *Thread, addr uintptr) ([]uintptr, *EngineError) {
	return nil, newErr(ErrUnsupportedPlatformOp, "emulated single-step not implemented for windows backend")
}

func (w *windowsOps) NeedsAsyncIO() bool { return false }
func (w *windowsOps) ReadMem(proc *Process, addr uintptr, length int) ([]byte, *EngineError) {
	return nil, newErr(ErrUnsupportedPlatformOp, "ReadProcessMemory not implemented for windows backend")
}
func (w *windowsOps) WriteMem(proc *Process, addr uintptr, data []byte) *EngineError {
	return newErr(ErrUnsupportedPlatformOp, "WriteProcessMemory not implemented for windows backend")
}
func (w *windowsOps) ReadMemAsync(proc *Process, addr uintptr, length int, done func([]byte, *EngineError)) {
	done(w.ReadMem(proc, addr, length))
}
func (w *windowsOps) WriteMemAsync(proc *Process, addr uintptr, data []byte, done func(*EngineError)) {
	done(w.WriteMem(proc, addr, data))
}

func (w *windowsOps) BreakpointSize() int                       { return 1 }
func (w *windowsOps) BreakpointBytes() []byte                   { return []byte{0xCC} }
func (w *windowsOps) BreakpointAdjustedPC(raw uintptr) uintptr  { return raw - 1 }
func (w *windowsOps) NeedsEmulatedSingleStep() bool             { return false }
func (w *windowsOps) NeedsPCSaveBeforeSingleStep() bool         { return false }
func (w *windowsOps) NeedsLongBreakpoint(addr uintptr) bool     { return false }
func (w *windowsOps) HWBreakpointAvail(proc *Process, t *Thread) int { return 4 }
func (w *windowsOps) InstallHWBreakpoint(proc *Process, t *Thread, addr uintptr, perm Permission, size int) *EngineError {
	return newErr(ErrUnsupportedPlatformOp, "hardware breakpoint install not implemented for windows backend")
}
func (w *windowsOps) UninstallHWBreakpoint(proc *Process, t *Thread, addr uintptr) *EngineError {
	return newErr(ErrUnsupportedPlatformOp, "hardware breakpoint uninstall not implemented for windows backend")
}

func (w *windowsOps) CreateAllocationSnippet(proc *Process, size int) ([]byte, *EngineError) {
	return nil, newErr(ErrUnsupportedPlatformOp, "inferior malloc snippet not implemented for windows backend")
}
func (w *windowsOps) CreateDeallocationSnippet(proc *Process, addr uintptr) ([]byte, *EngineError) {
	return nil, newErr(ErrUnsupportedPlatformOp, "inferior free snippet not implemented for windows backend")
}
func (w *windowsOps) CollectAllocationResult(proc *Process, rpcResult []byte) (uintptr, *EngineError) {
	return 0, newErr(ErrUnsupportedPlatformOp, "allocation result collection not implemented for windows backend")
}
func (w *windowsOps) MallocExecMemory(proc *Process, t *Thread, size int) (uintptr, *EngineError) {
	return 0, newErr(ErrUnsupportedPlatformOp, "direct inferior malloc not implemented for windows backend")
}

func (w *windowsOps) GetOSRunningStates(proc *Process) (map[int]RunState, *EngineError) {
	return nil, newErr(ErrUnsupportedPlatformOp, "OS running-state introspection not implemented for windows backend")
}
func (w *windowsOps) IsStaticBinary(proc *Process) bool { return false }
func (w *windowsOps) GetExecutable(proc *Process) (string, *EngineError) {
	return proc.Executable, nil
}
func (w *windowsOps) GetStackInfo(proc *Process, t *Thread) (uintptr, uintptr, *EngineError) {
	return 0, 0, newErr(ErrUnsupportedPlatformOp, "stack introspection not implemented for windows backend")
}

func (w *windowsOps) GetLoadedLibraries(proc *Process) ([]*Library, *Response, *EngineError) {
	return nil, nil, nil
}

func (w *windowsOps) WaitForEvent(ctx context.Context) (*PlatformEvent, *EngineError) {
	// WaitForDebugEvent blocks the calling OS thread; Generator.Run already
	// keeps this off the exclusion lock per the deadlock-avoidance rule.
	<-ctx.Done()
	return nil, nil
}

func (w *windowsOps) PreHandleEvent(ev *Event)  {}
func (w *windowsOps) PostHandleEvent(ev *Event) {}
func (w *windowsOps) PreAsyncWait()             {}

func (w *windowsOps) SupportsFork() bool          { return false }
func (w *windowsOps) SupportsExec() bool          { return false }
func (w *windowsOps) SupportsDOTF() bool          { return false }
func (w *windowsOps) SupportsThreadEvents() bool  { return true }
func (w *windowsOps) SupportsLWPCreate() bool      { return true }
func (w *windowsOps) SupportsLWPPreDestroy() bool  { return true }
func (w *windowsOps) SupportsLWPPostDestroy() bool { return true }
func (w *windowsOps) SupportsHWBreakpoint() bool   { return true }
