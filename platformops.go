package procctl

import "context"

// LwpControlMode selects how a platform backend coordinates per-LWP
// control operations, consulted by syncRunState when deciding whether
// continues fan out through one group-wide call or one call per LWP.
type LwpControlMode int

const (
	// LwpControlUnified issues one control call that affects every LWP in
	// the process at once (e.g. a single ptrace(PTRACE_CONT, pid, ...)
	// call that the kernel fans out to all threads).
	LwpControlUnified LwpControlMode = iota
	// LwpControlIndep requires one control call per LWP.
	LwpControlIndep
	// LwpControlHybrid uses a unified call for continue but independent
	// calls for stop (or vice versa, platform-dependent).
	LwpControlHybrid
)

// PlatformEventKind classifies a raw notification from the platform event
// source, before the Generator turns it into a typed Event.
type PlatformEventKind int

const (
	PlatformEventStop PlatformEventKind = iota
	PlatformEventContinue
	PlatformEventTrap
	PlatformEventSingleStep
	PlatformEventThreadExit
	PlatformEventThreadCreate
	PlatformEventExit
	PlatformEventFork
	PlatformEventExec
	PlatformEventError
)

// PlatformEvent is the raw shape a PlatformOps backend hands back from
// WaitForEvent, before Generator.decode resolves it against live process
// state.
type PlatformEvent struct {
	Kind PlatformEventKind
	PID  int
	LWP  int
	Addr uintptr
	Code int
	// Signal is the terminating signal on a PlatformEventExit for a
	// process killed rather than exited; zero for a normal exit, whose
	// status is in Code. The two are distinct fields so a crash is never
	// mistaken for an exit status of the same number.
	Signal int
	Err    *EngineError
}

// PlatformOps is the capability surface an OS backend must implement: one
// interface covering process control, thread control, memory access,
// breakpoints, inferior code snippets, introspection, events, and
// feature flags, so the core never branches on GOOS itself.
type PlatformOps interface {
	// Process lifecycle.
	Create(argv, env []string) (pid int, err *EngineError)
	Attach(pid int) *EngineError
	Detach(proc *Process) *EngineError
	Terminate(proc *Process) *EngineError
	SyncRunState(proc *Process, mode LwpControlMode) *EngineError
	ProcessGroupContinues() bool

	// Thread control.
	Cont(proc *Process, t *Thread) *EngineError
	Stop(proc *Process, t *Thread) *EngineError
	GetAllRegisters(proc *Process, t *Thread) (*Registers, *EngineError)
	SetAllRegisters(proc *Process, t *Thread, regs *Registers) *EngineError
	GetRegister(proc *Process, t *Thread, name string) (uint64, *EngineError)
	SetRegister(proc *Process, t *Thread, name string, value uint64) *EngineError
	SingleStep(proc *Process, t *Thread) *EngineError
	ComputeSuccessors(proc *Process, t *Thread, addr uintptr) ([]uintptr, *EngineError)

	// Memory.
	NeedsAsyncIO() bool
	ReadMem(proc *Process, addr uintptr, length int) ([]byte, *EngineError)
	WriteMem(proc *Process, addr uintptr, data []byte) *EngineError
	ReadMemAsync(proc *Process, addr uintptr, length int, done func([]byte, *EngineError))
	WriteMemAsync(proc *Process, addr uintptr, data []byte, done func(*EngineError))

	// Breakpoints.
	BreakpointSize() int
	BreakpointBytes() []byte
	BreakpointAdjustedPC(raw uintptr) uintptr
	NeedsEmulatedSingleStep() bool
	NeedsPCSaveBeforeSingleStep() bool
	NeedsLongBreakpoint(addr uintptr) bool
	HWBreakpointAvail(proc *Process, t *Thread) int
	InstallHWBreakpoint(proc *Process, t *Thread, addr uintptr, perm Permission, size int) *EngineError
	UninstallHWBreakpoint(proc *Process, t *Thread, addr uintptr) *EngineError

	// Code snippets / inferior malloc.
	CreateAllocationSnippet(proc *Process, size int) ([]byte, *EngineError)
	CreateDeallocationSnippet(proc *Process, addr uintptr) ([]byte, *EngineError)
	CollectAllocationResult(proc *Process, rpcResult []byte) (uintptr, *EngineError)
	MallocExecMemory(proc *Process, t *Thread, size int) (uintptr, *EngineError)

	// Introspection.
	GetOSRunningStates(proc *Process) (map[int]RunState, *EngineError)
	IsStaticBinary(proc *Process) bool
	GetExecutable(proc *Process) (string, *EngineError)
	GetStackInfo(proc *Process, t *Thread) (base, size uintptr, err *EngineError)

	// Events.
	GetLoadedLibraries(proc *Process) ([]*Library, *Response, *EngineError)
	WaitForEvent(ctx context.Context) (*PlatformEvent, *EngineError)
	PreHandleEvent(ev *Event)
	PostHandleEvent(ev *Event)
	PreAsyncWait()

	// Features.
	SupportsFork() bool
	SupportsExec() bool
	SupportsDOTF() bool // detach-on-the-fly
	SupportsThreadEvents() bool
	SupportsLWPCreate() bool
	SupportsLWPPreDestroy() bool
	SupportsLWPPostDestroy() bool
	SupportsHWBreakpoint() bool
}
