package procctl

import "sync"

// bpLongSize bounds the padded write window a long breakpoint uses on
// platforms that only observe writes in fixed-size chunks.
const bpLongSize = 8

// Permission is a hardware breakpoint's access trigger.
type Permission int

const (
	PermRead Permission = 1 << iota
	PermWrite
	PermExecute
)

// Breakpoint is the user-facing logical breakpoint descriptor: it is bound
// to exactly one instance, and several logical breakpoints (for example a
// process-wide and a thread-specific one at the same address) can share
// that instance.
type Breakpoint struct {
	mu sync.Mutex

	// handle is an opaque weak reference to whatever external object the
	// caller uses to identify this breakpoint; the engine never
	// dereferences it.
	handle any

	ControlTransferTarget uintptr // 0 if none
	SuppressCallbacks     bool
	OneTime               bool
	oneTimeHit            bool
	ProcessStopper        bool
	ThreadSpecific        *Thread // nil = process-wide

	HW       bool
	HWPerm   Permission
	HWSize   int

	Condition *BreakpointScript // nil = unconditional

	// stepMarker marks a breakpoint installed internally by
	// singleStepController.emulatedStep to detect "execution reached the
	// successor address." HandleHit skips its normal suspend/step-
	// past/resume cleanup for these: a marker's job ends the instant it
	// fires, and re-stepping past it would step one extra instruction.
	stepMarker bool

	onHit func(*HitContext)

	addr uintptr
	inst bpInstanceHandle
}

// HitContext is passed to a breakpoint's callback when it fires.
type HitContext struct {
	Thread *Thread
	Addr   uintptr
}

// bpInstanceHandle is satisfied by both *bpInstance (software) and
// *hwBPInstance (hardware); the BreakpointEngine dispatches through it
// rather than branching on a type tag everywhere.
type bpInstanceHandle interface {
	address() uintptr
	isInstalled() bool
	addLogical(*Breakpoint)
	removeLogical(*Breakpoint) (empty bool)
	logicalBreakpoints() []*Breakpoint
}

// bpInstance is the software breakpoint instance: tied to a concrete
// address, holding the set of logical
// breakpoints mapped to it, an installed flag, a suspend depth, and the
// saved original bytes plus prepped/long flags.
type bpInstance struct {
	mu sync.Mutex

	addr     uintptr
	logicals []*Breakpoint

	installedFlag bool
	suspendDepth  int

	savedOriginal []byte // full saved window (len == trap len, or bpLongSize if long)
	prepped       bool
	long          bool
}

func newBPInstance(addr uintptr) *bpInstance {
	return &bpInstance{addr: addr}
}

func (i *bpInstance) address() uintptr { return i.addr }

func (i *bpInstance) isInstalled() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.installedFlag && i.suspendDepth == 0
}

// installed reports whether the trap bytes are currently present in
// target memory (installed and not suspended), used by MemorySubsystem
// to decide whether to mask/split around this instance.
func (i *bpInstance) installed() bool { return i.isInstalled() }

func (i *bpInstance) addLogical(b *Breakpoint) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, existing := range i.logicals {
		if existing == b {
			return // idempotent: installing the same logical bp twice at one address
		}
	}
	i.logicals = append(i.logicals, b)
}

func (i *bpInstance) removeLogical(b *Breakpoint) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	for idx, existing := range i.logicals {
		if existing == b {
			i.logicals = append(i.logicals[:idx], i.logicals[idx+1:]...)
			break
		}
	}
	return len(i.logicals) == 0
}

func (i *bpInstance) logicalBreakpoints() []*Breakpoint {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]*Breakpoint, len(i.logicals))
	copy(out, i.logicals)
	return out
}

func (i *bpInstance) trapLen() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.savedOriginal)
}

func (i *bpInstance) savedBytes() []byte {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]byte, len(i.savedOriginal))
	copy(out, i.savedOriginal)
	return out
}

// updateSavedBytes applies a write of data at addr (which must fall
// within this instance's trap window) to the saved-original buffer
// instead of target memory, the redirect half of MemorySubsystem's
// write-splitting.
func (i *bpInstance) updateSavedBytes(addr uintptr, data []byte) {
	i.mu.Lock()
	defer i.mu.Unlock()
	off := addr - i.addr
	for idx, b := range data {
		pos := int(off) + idx
		if pos >= 0 && pos < len(i.savedOriginal) {
			i.savedOriginal[pos] = b
		}
	}
}

// hwBPInstance is the hardware breakpoint instance: permissions, size,
// process-wide flag, owning thread (nil if process-wide), and an error
// flag surfaced when the platform rejects the install (capacity
// exhausted).
type hwBPInstance struct {
	mu sync.Mutex

	addr       uintptr
	perm       Permission
	size       int
	procWide   bool
	owner      *Thread
	installed_ bool
	failed     bool

	logicals []*Breakpoint
}

func (h *hwBPInstance) address() uintptr  { return h.addr }
func (h *hwBPInstance) isInstalled() bool { h.mu.Lock(); defer h.mu.Unlock(); return h.installed_ }

func (h *hwBPInstance) addLogical(b *Breakpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logicals = append(h.logicals, b)
}

func (h *hwBPInstance) removeLogical(b *Breakpoint) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for idx, existing := range h.logicals {
		if existing == b {
			h.logicals = append(h.logicals[:idx], h.logicals[idx+1:]...)
			break
		}
	}
	return len(h.logicals) == 0
}

func (h *hwBPInstance) logicalBreakpoints() []*Breakpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Breakpoint, len(h.logicals))
	copy(out, h.logicals)
	return out
}

// BreakpointEngine implements software and hardware breakpoint
// install/uninstall, suspend/resume, and hit handling.
type BreakpointEngine struct {
	proc  *Process
	ops   PlatformOps
	mem   *MemorySubsystem
	async *AsyncResponseSet

	clearingBPs *Counter
}

// NewBreakpointEngine constructs a BreakpointEngine for proc.
func NewBreakpointEngine(proc *Process, ops PlatformOps, mem *MemorySubsystem, async *AsyncResponseSet, registry *CounterRegistry) *BreakpointEngine {
	return &BreakpointEngine{
		proc:        proc,
		ops:         ops,
		mem:         mem,
		async:       async,
		clearingBPs: registry.NewCounter(CounterClearingBPs),
	}
}

// InstallSW runs the three-phase software install: prep (read original
// bytes), insert (write trap bytes), then bind the logical breakpoint to
// the instance and publish it in the address map.
func (e *BreakpointEngine) InstallSW(b *Breakpoint, addr uintptr) *EngineError {
	mem := e.proc.MemState()

	inst, existed := mem.breakpointAt(addr)
	var sw *bpInstance
	if existed {
		var ok bool
		if sw, ok = inst.(*bpInstance); !ok {
			return newErr(ErrBadParameter, "address %#x already holds a hardware breakpoint", addr)
		}
	} else {
		sw = newBPInstance(addr)
	}

	if !sw.prepped {
		trapLen := e.ops.BreakpointSize()
		long := false
		windowLen := trapLen
		if e.ops.NeedsLongBreakpoint(addr) {
			long = true
			windowLen = bpLongSize
		}
		// prep: read the target bytes.
		data, resp, err := e.mem.ReadMem(addr, windowLen)
		if err != nil {
			return err
		}
		if resp != nil {
			e.ops.PreAsyncWait()
			e.async.Wait(resp)
			if resp.Err() != nil {
				return resp.Err()
			}
			data, _ = resp.Payload().([]byte)
		}
		sw.mu.Lock()
		sw.savedOriginal = data
		sw.prepped = true
		sw.long = long
		sw.mu.Unlock()
	}

	if !sw.installedFlag {
		// insert: write the platform trap bytes.
		trap := e.ops.BreakpointBytes()
		sw.mu.Lock()
		window := append([]byte(nil), sw.savedOriginal...)
		sw.mu.Unlock()
		copy(window, trap)
		if err := e.writeRaw(addr, window); err != nil {
			return err
		}
		sw.mu.Lock()
		sw.installedFlag = true
		sw.mu.Unlock()
	}

	// bind and publish.
	sw.addLogical(b)
	mem.setBreakpoint(addr, sw)
	b.mu.Lock()
	b.addr = addr
	b.inst = sw
	b.mu.Unlock()
	return nil
}

// writeRaw writes directly to target memory bypassing the trap-splitting
// logic in MemorySubsystem.WriteMem, which would otherwise redirect this
// exact write back into the instance being installed.
func (e *BreakpointEngine) writeRaw(addr uintptr, data []byte) *EngineError {
	return e.ops.WriteMem(e.proc, addr, data)
}

// UninstallSW restores the saved bytes and removes the instance from the
// address map once its logical-breakpoint set becomes empty.
func (e *BreakpointEngine) UninstallSW(b *Breakpoint) *EngineError {
	b.mu.Lock()
	inst, _ := b.inst.(*bpInstance)
	addr := b.addr
	b.mu.Unlock()
	if inst == nil {
		return newErr(ErrBadParameter, "breakpoint is not a software breakpoint")
	}

	empty := inst.removeLogical(b)
	if !empty {
		return nil
	}

	inst.mu.Lock()
	if inst.installedFlag && inst.suspendDepth == 0 {
		saved := append([]byte(nil), inst.savedOriginal...)
		inst.mu.Unlock()
		if err := e.writeRaw(addr, saved); err != nil {
			return err
		}
	} else {
		inst.mu.Unlock()
	}
	inst.mu.Lock()
	inst.installedFlag = false
	inst.mu.Unlock()

	e.proc.MemState().removeBreakpoint(addr)
	return nil
}

// Suspend writes the original bytes back without removing the instance,
// incrementing its suspend depth. Depth > 0 means the instance is
// logically installed but not active in memory, used while single-
// stepping past the breakpoint site.
func (e *BreakpointEngine) Suspend(inst *bpInstance) *EngineError {
	inst.mu.Lock()
	depth := inst.suspendDepth
	inst.suspendDepth++
	wasActive := depth == 0 && inst.installedFlag
	saved := append([]byte(nil), inst.savedOriginal...)
	addr := inst.addr
	inst.mu.Unlock()
	if !wasActive {
		return nil
	}
	return e.writeRaw(addr, saved)
}

// Resume re-writes the trap once the suspend depth returns to zero.
func (e *BreakpointEngine) Resume(inst *bpInstance) *EngineError {
	inst.mu.Lock()
	if inst.suspendDepth > 0 {
		inst.suspendDepth--
	}
	shouldReinstall := inst.suspendDepth == 0 && inst.installedFlag
	window := append([]byte(nil), inst.savedOriginal...)
	addr := inst.addr
	inst.mu.Unlock()
	if !shouldReinstall {
		return nil
	}
	trap := e.ops.BreakpointBytes()
	copy(window, trap)
	return e.writeRaw(addr, window)
}

// HWAvail reports how many more hardware breakpoints the platform can
// accommodate for thread t (or process-wide if t is nil).
func (e *BreakpointEngine) HWAvail(t *Thread) int {
	return e.ops.HWBreakpointAvail(e.proc, t)
}

// InstallHW installs a hardware breakpoint with the given permission and
// size, per-thread or process-wide depending on whether t is nil. The
// instance is published in the same address map software breakpoints use,
// so the two variants cannot silently coexist at one address.
func (e *BreakpointEngine) InstallHW(b *Breakpoint, addr uintptr, perm Permission, size int, t *Thread) *EngineError {
	mem := e.proc.MemState()

	var h *hwBPInstance
	if inst, existed := mem.breakpointAt(addr); existed {
		var ok bool
		if h, ok = inst.(*hwBPInstance); !ok {
			return newErr(ErrBadParameter, "address %#x already holds a software breakpoint", addr)
		}
	}
	if h == nil {
		if e.HWAvail(t) <= 0 {
			return newErr(ErrUnsupportedPlatformOp, "no hardware breakpoint slots available")
		}
		h = &hwBPInstance{addr: addr, perm: perm, size: size, procWide: t == nil, owner: t}
		if err := e.ops.InstallHWBreakpoint(e.proc, t, addr, perm, size); err != nil {
			h.failed = true
			return err
		}
		h.installed_ = true
		mem.setBreakpoint(addr, h)
	}
	h.addLogical(b)
	b.mu.Lock()
	b.addr = addr
	b.inst = h
	b.mu.Unlock()
	return nil
}

// UninstallHW removes a hardware breakpoint once its logical set empties.
func (e *BreakpointEngine) UninstallHW(b *Breakpoint) *EngineError {
	b.mu.Lock()
	h, _ := b.inst.(*hwBPInstance)
	b.mu.Unlock()
	if h == nil {
		return newErr(ErrBadParameter, "breakpoint is not a hardware breakpoint")
	}
	if !h.removeLogical(b) {
		return nil
	}
	if err := e.ops.UninstallHWBreakpoint(e.proc, h.owner, h.addr); err != nil {
		return err
	}
	e.proc.MemState().removeBreakpoint(h.addr)
	return nil
}

// HandleHit is the hit-handling sequence: map PC to an
// instance, apply per-logical-breakpoint filters, and run breakpoint-
// cleanup for software breakpoints (suspend, single-step past, resume).
func (e *BreakpointEngine) HandleHit(t *Thread, rawPC uintptr, step *singleStepController) ([]*Breakpoint, *EngineError) {
	pc := e.ops.BreakpointAdjustedPC(rawPC)
	instIface, ok := e.proc.MemState().breakpointAt(pc)
	if !ok {
		return nil, newErr(ErrBadAddress, "no breakpoint installed at %#x", pc)
	}

	var fired []*Breakpoint
	for _, b := range instIface.logicalBreakpoints() {
		b.mu.Lock()
		ts := b.ThreadSpecific
		oneTime := b.OneTime
		alreadyHit := b.oneTimeHit
		cond := b.Condition
		b.mu.Unlock()
		if ts != nil && ts != t {
			continue
		}
		if oneTime && alreadyHit {
			continue
		}
		if cond != nil {
			fire, cerr := cond.Eval(&HitContext{Thread: t, Addr: pc}, nil)
			if cerr != nil || !fire {
				continue
			}
		}
		if oneTime {
			b.mu.Lock()
			b.oneTimeHit = true
			b.mu.Unlock()
		}
		fired = append(fired, b)
	}

	// Only software instances need the suspend/step-past/resume cleanup; a
	// hardware breakpoint leaves no trap bytes in memory to step over.
	if sw, ok := instIface.(*bpInstance); ok && !onlyStepMarkers(sw.logicalBreakpoints()) {
		if err := e.cleanupSW(t, sw, step); err != nil {
			return fired, err
		}
	}

	for _, b := range fired {
		b.mu.Lock()
		stopper := b.ProcessStopper
		oneTime := b.OneTime
		hook := b.onHit
		ct := b.ControlTransferTarget
		b.mu.Unlock()
		if ct != 0 {
			if err := e.transferControl(t, ct); err != nil {
				return fired, err
			}
		}
		if stopper {
			t.Owner.stopMgr.begin()
			t.Owner.DesyncStateProc(SlotBreakpoint, StateStopped)
			_ = t.Owner.syncRunState(e.ops)
		}
		if oneTime {
			e.UninstallSW(b)
		}
		if hook != nil {
			hook(&HitContext{Thread: t, Addr: pc})
		}
	}
	return fired, nil
}

// transferControl redirects t to a breakpoint's control-transfer target:
// execution resumes at the target address instead of the trapped
// instruction.
func (e *BreakpointEngine) transferControl(t *Thread, target uintptr) *EngineError {
	regs, ok := t.Registers()
	if !ok {
		var gerr *EngineError
		regs, gerr = e.ops.GetAllRegisters(e.proc, t)
		if gerr != nil {
			return gerr
		}
	}
	moved := regs.Clone()
	moved.PC = target
	if err := e.ops.SetAllRegisters(e.proc, t, moved); err != nil {
		return err
	}
	t.SetRegisters(moved)
	return nil
}

// onlyStepMarkers reports whether every logical breakpoint bound to an
// instance is a singleStepController marker, meaning the instance itself
// exists solely to detect single-step arrival and must not go through the
// ordinary suspend/step-past/resume cleanup (see Breakpoint.stepMarker).
func onlyStepMarkers(logicals []*Breakpoint) bool {
	if len(logicals) == 0 {
		return false
	}
	for _, b := range logicals {
		b.mu.Lock()
		marker := b.stepMarker
		b.mu.Unlock()
		if !marker {
			return false
		}
	}
	return true
}

// cleanupSW is the breakpoint-cleanup sequence for a software breakpoint
// hit: suspend the instance, set BreakpointResume = stopped, single-step
// past the trap, resume the instance, release BreakpointResume.
//
// step.StepOver completes synchronously (and so does the finish closure
// below) when the platform has native single-step. When it needs emulated
// single-step, StepOver returns immediately and finish instead runs later
// from a subsequent call into HandleHit, once the handler processes the
// hit of whichever successor marker breakpoint fires, never from this
// call's own stack. Either way, cleanupSW itself never blocks.
func (e *BreakpointEngine) cleanupSW(t *Thread, inst *bpInstance, step *singleStepController) *EngineError {
	e.clearingBPs.Inc()
	t.clearingBP = inst

	if err := e.Suspend(inst); err != nil {
		t.clearingBP = nil
		e.clearingBPs.Dec()
		return err
	}
	t.State.DesyncState(SlotBreakpointResume, StateStopped)

	finish := func(*EngineError) {
		_ = e.Resume(inst)
		t.State.RestoreState(SlotBreakpointResume)
		t.clearingBP = nil
		e.clearingBPs.Dec()
	}

	if step == nil {
		finish(nil)
		return newErr(ErrInternalInvariantViolated, "no single-step controller wired for lwp %d", t.LWP)
	}
	return step.StepOver(t, inst.addr, finish)
}
