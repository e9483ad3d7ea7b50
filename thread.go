package procctl

import "sync"

// Registers is an opaque, platform-sized general-purpose register snapshot.
// PlatformOps implementations decide its internal layout; the core only
// copies it whole for save/restore around RPCs and single-steps.
type Registers struct {
	// Raw holds the platform-encoded register bytes (e.g. the bytes of a
	// Linux user_regs_struct, or a Windows CONTEXT). The core never
	// interprets it directly except through PlatformOps.
	Raw []byte
	// PC and SP are pulled out because the core itself needs them (to
	// place breakpoints and inferior-RPC code, to unwind stacks) without
	// depending on platform-specific struct layout.
	PC uintptr
	SP uintptr
}

// Clone returns a deep copy, so a saved snapshot is immune to later
// mutation of the live cache.
func (r *Registers) Clone() *Registers {
	if r == nil {
		return nil
	}
	raw := make([]byte, len(r.Raw))
	copy(raw, r.Raw)
	return &Registers{Raw: raw, PC: r.PC, SP: r.SP}
}

// registerCache holds a thread's last-known register set plus a validity
// bit. No thread may observe a register cache marked valid after a
// continue.
type registerCache struct {
	mu    sync.Mutex
	regs  *Registers
	valid bool
}

func (c *registerCache) get() (*Registers, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid {
		return nil, false
	}
	return c.regs, true
}

func (c *registerCache) set(r *Registers) {
	c.mu.Lock()
	c.regs = r
	c.valid = true
	c.mu.Unlock()
}

func (c *registerCache) invalidate() {
	c.mu.Lock()
	c.regs = nil
	c.valid = false
	c.mu.Unlock()
}

// Thread is the per-thread record: lightweight-process identifier, the
// owning process, the four-layer state model, the register cache, the
// posted/running RPC bookkeeping, hardware breakpoints, and the emulated
// single-step controller.
type Thread struct {
	mu sync.Mutex

	LWP   int    // kernel-visible lightweight process id
	TID   uint64 // library-level thread identifier, distinct from LWP
	Owner *Process

	State *ThreadStateModel

	regs registerCache
	// rpcRegs is the saved register snapshot taken before running an
	// inferior RPC, restored on completion or abort.
	rpcRegs *Registers

	pendingRPCs []*RPC
	runningRPC  *RPC

	// singleStepUser and singleStepInternal track the user-requested and
	// internally-driven (e.g. breakpoint step-over) single-step bits
	// separately so restoring one never clobbers the other's intent.
	singleStepUser     bool
	singleStepInternal bool

	// clearingBP points at the breakpoint instance currently mid
	// suspend/single-step/resume cleanup on this thread, if any.
	clearingBP *bpInstance

	hwBreakpoints []*hwBPInstance

	singleStep *singleStepController

	Suspended           bool
	RunningWhenAttached bool

	// stopPending marks a platform stop issued by the reconciler but not
	// yet confirmed by a generator-observed stop event; handlerCounted
	// tracks this thread's contribution to HandlerRunningThreads.
	stopPending      bool
	handlerCounted   bool
	generatorCounted bool

	// Exited is set when the generator observes the thread's exit event;
	// Reaped is set once the platform backend confirms the underlying LWP
	// slot has been destroyed. A thread can be Exited without yet being
	// Reaped; reapThread only removes a thread
	// from the process's pool once both are true.
	Exited bool
	Reaped bool

	// PendingSignal is the signal to redeliver on the next continue, the
	// "continue with this signal" bookkeeping threaded through every
	// platform continue call.
	PendingSignal int
}

// NewThread allocates a Thread record bound to proc, with a fresh,
// all-none state model. The single-step controller is shared with the
// owning process's subsystem bundle when one is already wired (threads are
// added after wireSubsystems on every lifecycle path).
func NewThread(proc *Process, lwp int, tid uint64) *Thread {
	return &Thread{
		LWP:        lwp,
		TID:        tid,
		Owner:      proc,
		State:      NewThreadStateModel(),
		singleStep: proc.stepController(),
	}
}

// Registers returns the cached register set and whether it is valid.
func (t *Thread) Registers() (*Registers, bool) { return t.regs.get() }

// SetRegisters installs r as the thread's cached, valid register set.
func (t *Thread) SetRegisters(r *Registers) { t.regs.set(r) }

// InvalidateRegisters drops the register cache, as must happen on every
// continue.
func (t *Thread) InvalidateRegisters() { t.regs.invalidate() }

// ContinueWithSignal records sig to be redelivered on the thread's next
// continue, and returns the previously pending signal (0 if none).
func (t *Thread) ContinueWithSignal(sig int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.PendingSignal
	t.PendingSignal = sig
	return prev
}

// postRPC appends r to the thread's posted-RPC list.
func (t *Thread) postRPC(r *RPC) {
	t.mu.Lock()
	t.pendingRPCs = append(t.pendingRPCs, r)
	t.mu.Unlock()
}

// nextRPC pops and returns the next posted RPC, or nil if none are queued.
func (t *Thread) nextRPC() *RPC {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pendingRPCs) == 0 {
		return nil
	}
	r := t.pendingRPCs[0]
	t.pendingRPCs = t.pendingRPCs[1:]
	return r
}

// notAvailableForRPC reports whether this thread is currently running a
// synchronous RPC, which prevents nesting a second one.
func (t *Thread) notAvailableForRPC() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runningRPC != nil && t.runningRPC.Sync
}

// runningAnyRPC reports whether any RPC, sync or not, currently occupies
// this thread's running slot.
func (t *Thread) runningAnyRPC() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runningRPC != nil
}
