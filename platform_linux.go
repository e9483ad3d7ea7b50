//go:build linux && amd64

package procctl

import (
	"context"
	"os/exec"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// linuxOps is the Linux PlatformOps backend: ptrace(2) via
// golang.org/x/sys/unix, using direct PTRACE_* requests rather than a
// seccomp-boxed stub-process pool; this engine traces arbitrary targets,
// it does not sandbox untrusted guest syscalls.
//
// Event delivery: each traced LWP gets its own wait loop goroutine,
// started once the initial attach/launch stop has been consumed
// synchronously, so the loop never races the attach handshake. The loop
// blocks in wait4(lwp), decodes every subsequent status change into a
// PlatformEvent, and pushes it onto waitCh for WaitForEvent to hand to
// the generator. Clone and fork events register the new LWP/process and
// spawn its loop before the event is emitted.
type linuxOps struct {
	waitCh chan *PlatformEvent

	mu sync.Mutex
	// pids maps each traced LWP to its thread group's pid, so decoded
	// events carry the process identity the engine tracks.
	pids map[int]int
	// stepping holds the completion channel for an LWP whose next SIGTRAP
	// belongs to an inline single-step rather than a breakpoint.
	stepping map[int]chan struct{}
}

// NewLinuxPlatformOps constructs the Linux backend.
func NewLinuxPlatformOps() PlatformOps {
	return &linuxOps{
		waitCh:   make(chan *PlatformEvent, 64),
		pids:     make(map[int]int),
		stepping: make(map[int]chan struct{}),
	}
}

// ptraceOptions are the event notifications every tracee is armed with.
const ptraceOptions = unix.PTRACE_O_TRACECLONE | unix.PTRACE_O_TRACEEXIT |
	unix.PTRACE_O_TRACEFORK | unix.PTRACE_O_TRACEVFORK | unix.PTRACE_O_TRACEEXEC

func (l *linuxOps) Create(argv, env []string) (int, *EngineError) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}
	if err := cmd.Start(); err != nil {
		return 0, wrapErr(ErrIOFailure, err, "launching %s", argv[0])
	}
	pid := cmd.Process.Pid
	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		return 0, wrapErr(ErrIOFailure, err, "waiting for initial stop of pid %d", pid)
	}
	_ = unix.PtraceSetOptions(pid, ptraceOptions)
	l.watch(pid, pid)
	return pid, nil
}

func (l *linuxOps) Attach(pid int) *EngineError {
	if err := unix.PtraceAttach(pid); err != nil {
		return wrapErr(ErrPermissionDenied, err, "ptrace attach to pid %d", pid)
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		return wrapErr(ErrIOFailure, err, "waiting for attach stop of pid %d", pid)
	}
	_ = unix.PtraceSetOptions(pid, ptraceOptions)
	l.watch(pid, pid)
	return nil
}

// watch registers lwp as belonging to pid's thread group and starts its
// wait loop, once per LWP.
func (l *linuxOps) watch(lwp, pid int) {
	l.mu.Lock()
	if _, already := l.pids[lwp]; already {
		l.mu.Unlock()
		return
	}
	l.pids[lwp] = pid
	l.mu.Unlock()
	go l.waitLoop(lwp, pid)
}

func (l *linuxOps) unwatch(lwp int) {
	l.mu.Lock()
	delete(l.pids, lwp)
	delete(l.stepping, lwp)
	l.mu.Unlock()
}

func (l *linuxOps) watched(lwp int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.pids[lwp]
	return ok
}

// armStep marks lwp's next SIGTRAP as the completion of an inline
// single-step; the wait loop closes the returned channel when it lands.
func (l *linuxOps) armStep(lwp int) chan struct{} {
	ch := make(chan struct{})
	l.mu.Lock()
	l.stepping[lwp] = ch
	l.mu.Unlock()
	return ch
}

func (l *linuxOps) takeStep(lwp int) (chan struct{}, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.stepping[lwp]
	if ok {
		delete(l.stepping, lwp)
	}
	return ch, ok
}

// waitLoop owns all wait4 calls for one LWP after its attach handshake:
// it blocks until the LWP changes state, decodes the status into a
// PlatformEvent, and pushes it for the generator. It exits when the LWP
// is reaped or detached (wait4 reports ECHILD once the tracee is no
// longer this process's waitable child).
func (l *linuxOps) waitLoop(lwp, pid int) {
	for {
		var ws unix.WaitStatus
		if _, err := unix.Wait4(lwp, &ws, unix.WALL, nil); err != nil {
			if err == unix.EINTR {
				continue
			}
			l.unwatch(lwp)
			return
		}

		switch {
		case ws.Exited():
			l.unwatch(lwp)
			if lwp == pid {
				l.waitCh <- &PlatformEvent{Kind: PlatformEventExit, PID: pid, LWP: lwp, Code: ws.ExitStatus()}
			} else {
				l.waitCh <- &PlatformEvent{Kind: PlatformEventThreadExit, PID: pid, LWP: lwp}
			}
			return

		case ws.Signaled():
			l.unwatch(lwp)
			if lwp == pid {
				l.waitCh <- &PlatformEvent{Kind: PlatformEventExit, PID: pid, LWP: lwp, Signal: int(ws.Signal())}
			} else {
				l.waitCh <- &PlatformEvent{Kind: PlatformEventThreadExit, PID: pid, LWP: lwp}
			}
			return

		case ws.Stopped():
			l.decodeStop(lwp, pid, ws)
		}
	}
}

// decodeStop classifies one ptrace stop into a PlatformEvent.
func (l *linuxOps) decodeStop(lwp, pid int, ws unix.WaitStatus) {
	sig := ws.StopSignal()
	if sig == unix.SIGTRAP {
		switch ws.TrapCause() {
		case unix.PTRACE_EVENT_FORK, unix.PTRACE_EVENT_VFORK:
			if child, err := unix.PtraceGetEventMsg(lwp); err == nil {
				// The forked child is traced too (TRACEFORK); start its
				// loop before the engine learns about it.
				l.watch(int(child), int(child))
				l.waitCh <- &PlatformEvent{Kind: PlatformEventFork, PID: pid, LWP: lwp, Code: int(child)}
			}
			return
		case unix.PTRACE_EVENT_CLONE:
			if newLWP, err := unix.PtraceGetEventMsg(lwp); err == nil {
				l.watch(int(newLWP), pid)
				l.waitCh <- &PlatformEvent{Kind: PlatformEventThreadCreate, PID: pid, LWP: int(newLWP)}
			}
			return
		case unix.PTRACE_EVENT_EXEC:
			l.waitCh <- &PlatformEvent{Kind: PlatformEventExec, PID: pid, LWP: lwp}
			return
		case unix.PTRACE_EVENT_EXIT:
			l.waitCh <- &PlatformEvent{Kind: PlatformEventThreadExit, PID: pid, LWP: lwp}
			return
		}
		if ch, stepping := l.takeStep(lwp); stepping {
			close(ch)
			l.waitCh <- &PlatformEvent{Kind: PlatformEventSingleStep, PID: pid, LWP: lwp}
			return
		}
		// A plain SIGTRAP is a breakpoint; the PC identifies the site.
		var regs unix.PtraceRegs
		var addr uintptr
		if err := unix.PtraceGetRegs(lwp, &regs); err == nil {
			addr = uintptr(regs.Rip)
		}
		l.waitCh <- &PlatformEvent{Kind: PlatformEventTrap, PID: pid, LWP: lwp, Addr: addr}
		return
	}
	l.waitCh <- &PlatformEvent{Kind: PlatformEventStop, PID: pid, LWP: lwp, Code: int(sig)}
}

func (l *linuxOps) Detach(proc *Process) *EngineError {
	if err := unix.PtraceDetach(proc.PID); err != nil {
		return wrapErr(ErrIOFailure, err, "ptrace detach from pid %d", proc.PID)
	}
	return nil
}

func (l *linuxOps) Terminate(proc *Process) *EngineError {
	if err := unix.Kill(proc.PID, unix.SIGKILL); err != nil {
		return wrapErr(ErrIOFailure, err, "killing pid %d", proc.PID)
	}
	return nil
}

// SyncRunState applies a continue/stop decision across every LWP in proc.
// LwpControlUnified issues one group-wide signal; the other modes fall
// back to per-thread ptrace calls (handled by Cont/Stop directly), since
// Linux's PTRACE_CONT is inherently per-tid.
func (l *linuxOps) SyncRunState(proc *Process, mode LwpControlMode) *EngineError {
	if mode != LwpControlUnified {
		return nil
	}
	for _, t := range proc.Threads() {
		if err := l.Cont(proc, t); err != nil {
			return err
		}
	}
	return nil
}

func (l *linuxOps) ProcessGroupContinues() bool { return false }

func (l *linuxOps) Cont(proc *Process, t *Thread) *EngineError {
	sig := t.ContinueWithSignal(0)
	if err := unix.PtraceCont(t.LWP, sig); err != nil {
		return wrapErr(ErrIOFailure, err, "PTRACE_CONT on lwp %d", t.LWP)
	}
	return nil
}

func (l *linuxOps) Stop(proc *Process, t *Thread) *EngineError {
	if err := unix.Tgkill(proc.PID, t.LWP, unix.SIGSTOP); err != nil {
		return wrapErr(ErrIOFailure, err, "SIGSTOP on lwp %d", t.LWP)
	}
	return nil
}

func (l *linuxOps) GetAllRegisters(proc *Process, t *Thread) (*Registers, *EngineError) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(t.LWP, &regs); err != nil {
		return nil, wrapErr(ErrIOFailure, err, "PTRACE_GETREGS on lwp %d", t.LWP)
	}
	return &Registers{Raw: regsToBytes(&regs), PC: uintptr(regs.Rip), SP: uintptr(regs.Rsp)}, nil
}

func (l *linuxOps) SetAllRegisters(proc *Process, t *Thread, r *Registers) *EngineError {
	var regs unix.PtraceRegs
	bytesToRegs(r.Raw, &regs)
	regs.Rip = uint64(r.PC)
	regs.Rsp = uint64(r.SP)
	if err := unix.PtraceSetRegs(t.LWP, &regs); err != nil {
		return wrapErr(ErrIOFailure, err, "PTRACE_SETREGS on lwp %d", t.LWP)
	}
	return nil
}

func (l *linuxOps) GetRegister(proc *Process, t *Thread, name string) (uint64, *EngineError) {
	regs, err := l.GetAllRegisters(proc, t)
	if err != nil {
		return 0, err
	}
	switch name {
	case "pc", "rip":
		return uint64(regs.PC), nil
	case "sp", "rsp":
		return uint64(regs.SP), nil
	}
	return 0, newErr(ErrBadParameter, "unknown register %q", name)
}

func (l *linuxOps) SetRegister(proc *Process, t *Thread, name string, value uint64) *EngineError {
	regs, err := l.GetAllRegisters(proc, t)
	if err != nil {
		return err
	}
	switch name {
	case "pc", "rip":
		regs.PC = uintptr(value)
	case "sp", "rsp":
		regs.SP = uintptr(value)
	default:
		return newErr(ErrBadParameter, "unknown register %q", name)
	}
	return l.SetAllRegisters(proc, t, regs)
}

// SingleStep steps one instruction and blocks until the step's trap has
// landed. When the LWP's wait loop is running it owns the wait4, so the
// step arms a completion channel the loop closes on the next SIGTRAP; an
// unwatched LWP (no loop yet) is waited inline instead.
func (l *linuxOps) SingleStep(proc *Process, t *Thread) *EngineError {
	if !l.watched(t.LWP) {
		if err := unix.PtraceSingleStep(t.LWP); err != nil {
			return wrapErr(ErrIOFailure, err, "PTRACE_SINGLESTEP on lwp %d", t.LWP)
		}
		var ws unix.WaitStatus
		if _, err := unix.Wait4(t.LWP, &ws, unix.WALL, nil); err != nil {
			return wrapErr(ErrIOFailure, err, "waiting for single-step of lwp %d", t.LWP)
		}
		return nil
	}

	done := l.armStep(t.LWP)
	if err := unix.PtraceSingleStep(t.LWP); err != nil {
		l.takeStep(t.LWP)
		return wrapErr(ErrIOFailure, err, "PTRACE_SINGLESTEP on lwp %d", t.LWP)
	}
	<-done
	return nil
}

// ComputeSuccessors is only consulted when NeedsEmulatedSingleStep is
// true; amd64 ptrace supports native single-step, so this Linux backend
// never needs it and returns an empty list.
func (l *linuxOps) ComputeSuccessors(proc *Process, t *Thread, addr uintptr) ([]uintptr, *EngineError) {
	return nil, newErr(ErrUnsupportedPlatformOp, "linux backend uses native single-step")
}

func (l *linuxOps) NeedsAsyncIO() bool { return false }

func (l *linuxOps) ReadMem(proc *Process, addr uintptr, length int) ([]byte, *EngineError) {
	buf := make([]byte, length)
	n, err := unix.PtracePeekData(proc.PID, uintptr(addr), buf)
	if err != nil {
		return nil, wrapErr(ErrBadAddress, err, "PTRACE_PEEKDATA at %#x", addr)
	}
	return buf[:n], nil
}

func (l *linuxOps) WriteMem(proc *Process, addr uintptr, data []byte) *EngineError {
	if _, err := unix.PtracePokeData(proc.PID, uintptr(addr), data); err != nil {
		return wrapErr(ErrBadAddress, err, "PTRACE_POKEDATA at %#x", addr)
	}
	return nil
}

func (l *linuxOps) ReadMemAsync(proc *Process, addr uintptr, length int, done func([]byte, *EngineError)) {
	data, err := l.ReadMem(proc, addr, length)
	done(data, err)
}

func (l *linuxOps) WriteMemAsync(proc *Process, addr uintptr, data []byte, done func(*EngineError)) {
	done(l.WriteMem(proc, addr, data))
}

// int3 is the x86-64 one-byte software breakpoint trap.
var int3 = []byte{0xCC}

func (l *linuxOps) BreakpointSize() int            { return 1 }
func (l *linuxOps) BreakpointBytes() []byte         { return append([]byte(nil), int3...) }
func (l *linuxOps) BreakpointAdjustedPC(raw uintptr) uintptr {
	if raw == 0 {
		return 0
	}
	return raw - 1 // int3 advances PC by one byte past the trap.
}
func (l *linuxOps) NeedsEmulatedSingleStep() bool        { return false }
func (l *linuxOps) NeedsPCSaveBeforeSingleStep() bool     { return false }
func (l *linuxOps) NeedsLongBreakpoint(addr uintptr) bool { return false }

func (l *linuxOps) HWBreakpointAvail(proc *Process, t *Thread) int {
	return 4 // x86 debug registers DR0-DR3
}

func (l *linuxOps) InstallHWBreakpoint(proc *Process, t *Thread, addr uintptr, perm Permission, size int) *EngineError {
	return newErr(ErrUnsupportedPlatformOp, "hardware breakpoint install not wired to debug registers in this backend")
}

func (l *linuxOps) UninstallHWBreakpoint(proc *Process, t *Thread, addr uintptr) *EngineError {
	return newErr(ErrUnsupportedPlatformOp, "hardware breakpoint uninstall not wired to debug registers in this backend")
}

func (l *linuxOps) CreateAllocationSnippet(proc *Process, size int) ([]byte, *EngineError) {
	return nil, newErr(ErrUnsupportedPlatformOp, "inferior malloc snippet not implemented for linux backend")
}

func (l *linuxOps) CreateDeallocationSnippet(proc *Process, addr uintptr) ([]byte, *EngineError) {
	return nil, newErr(ErrUnsupportedPlatformOp, "inferior free snippet not implemented for linux backend")
}

func (l *linuxOps) CollectAllocationResult(proc *Process, rpcResult []byte) (uintptr, *EngineError) {
	return 0, newErr(ErrUnsupportedPlatformOp, "inferior malloc result collection not implemented for linux backend")
}

func (l *linuxOps) MallocExecMemory(proc *Process, t *Thread, size int) (uintptr, *EngineError) {
	return 0, newErr(ErrUnsupportedPlatformOp, "direct inferior malloc not implemented for linux backend")
}

func (l *linuxOps) GetOSRunningStates(proc *Process) (map[int]RunState, *EngineError) {
	out := make(map[int]RunState)
	for _, t := range proc.Threads() {
		out[t.LWP] = StateStopped
	}
	return out, nil
}

func (l *linuxOps) IsStaticBinary(proc *Process) bool { return false }

func (l *linuxOps) GetExecutable(proc *Process) (string, *EngineError) {
	return proc.Executable, nil
}

func (l *linuxOps) GetStackInfo(proc *Process, t *Thread) (uintptr, uintptr, *EngineError) {
	return 0, 0, newErr(ErrUnsupportedPlatformOp, "stack region introspection not implemented for linux backend")
}

func (l *linuxOps) GetLoadedLibraries(proc *Process) ([]*Library, *Response, *EngineError) {
	return nil, nil, nil
}

func (l *linuxOps) WaitForEvent(ctx context.Context) (*PlatformEvent, *EngineError) {
	select {
	case ev := <-l.waitCh:
		return ev, nil
	case <-ctx.Done():
		return nil, nil
	}
}

func (l *linuxOps) PreHandleEvent(ev *Event)  {}
func (l *linuxOps) PostHandleEvent(ev *Event) {}
func (l *linuxOps) PreAsyncWait()             {}

func (l *linuxOps) SupportsFork() bool            { return true }
func (l *linuxOps) SupportsExec() bool            { return true }
func (l *linuxOps) SupportsDOTF() bool             { return true }
func (l *linuxOps) SupportsThreadEvents() bool     { return true }
func (l *linuxOps) SupportsLWPCreate() bool        { return true }
func (l *linuxOps) SupportsLWPPreDestroy() bool    { return true }
func (l *linuxOps) SupportsLWPPostDestroy() bool   { return true }
func (l *linuxOps) SupportsHWBreakpoint() bool     { return false }

// regsToBytes/bytesToRegs convert between unix.PtraceRegs and the core's
// opaque Registers.Raw so PlatformOps callers never depend on the struct
// layout directly.
func regsToBytes(r *unix.PtraceRegs) []byte {
	n := int(unsafe.Sizeof(*r))
	src := unsafe.Slice((*byte)(unsafe.Pointer(r)), n)
	out := make([]byte, n)
	copy(out, src)
	return out
}

func bytesToRegs(b []byte, r *unix.PtraceRegs) {
	n := int(unsafe.Sizeof(*r))
	if len(b) < n {
		return
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(r)), n)
	copy(dst, b[:n])
}
