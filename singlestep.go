package procctl

import "sync"

// singleStepController implements emulated single-step: on platforms
// where NeedsEmulatedSingleStep is true, it computes the successor
// addresses of the current instruction, installs one-shot breakpoints at
// each, and on any hit clears the whole set and restores the prior
// single-step mode. It also implements the plain step-over-one-
// instruction helper that breakpoint cleanup uses regardless of whether
// single-stepping itself is emulated.
type singleStepController struct {
	ops  PlatformOps
	bp   *BreakpointEngine // bound post-construction, see bindBreakpointEngine
	proc *Process

	mu        sync.Mutex
	active    map[uintptr]*Breakpoint // successor address -> installed one-shot
	priorUser bool
}

// NewSingleStepController constructs a controller for proc.
func NewSingleStepController(ops PlatformOps, proc *Process) *singleStepController {
	return &singleStepController{ops: ops, proc: proc, active: make(map[uintptr]*Breakpoint)}
}

// bindBreakpointEngine wires the controller to the engine that installs
// its one-shot successor breakpoints. Broken out from the constructor
// because BreakpointEngine and singleStepController are mutually
// referenced (cleanup needs to step, stepping needs to install
// breakpoints), the same lazy-binding pattern RPCScheduler uses for
// InferiorMalloc.
func (c *singleStepController) bindBreakpointEngine(e *BreakpointEngine) {
	c.bp = e
}

// StepOver single-steps thread t past the instruction at addr, using
// native single-step where the platform supports it and emulated
// successor-breakpoints otherwise.
//
// On a platform with native single-step, the step has already completed
// (synchronously, on this goroutine) by the time StepOver returns, and
// done has already been invoked with its result. On a platform that needs
// emulated single-step, StepOver installs one-shot successor breakpoints
// and returns immediately without blocking; done is invoked later, from
// inside BreakpointEngine.HandleHit when the handler processes whichever
// successor breakpoint fires next: a subsequent, independent call into
// the handler's event loop, never from this call's own stack. Callers
// that need the step's outcome (rather than just its side effects) must
// wait on something done itself signals, not on StepOver's return.
func (c *singleStepController) StepOver(t *Thread, addr uintptr, done func(*EngineError)) *EngineError {
	if !c.ops.NeedsEmulatedSingleStep() {
		err := c.nativeStep(t)
		done(err)
		return err
	}
	return c.emulatedStep(t, addr, done)
}

func (c *singleStepController) nativeStep(t *Thread) *EngineError {
	if c.ops.NeedsPCSaveBeforeSingleStep() {
		regs, ok := t.Registers()
		if ok {
			t.rpcRegs = regs.Clone() // reuse the RPC save slot; cleared by the caller's own bookkeeping
		}
	}
	t.singleStepInternal = true
	t.State.DesyncState(SlotInternal, StateRunning)
	defer func() { t.singleStepInternal = false }()
	return c.ops.SingleStep(t.Owner, t)
}

// emulatedStep installs one-shot breakpoints at every successor address
// of the instruction at addr and returns immediately. Each installed
// breakpoint is marked stepMarker so BreakpointEngine.HandleHit skips its
// own cleanup sequence for them (they exist only to detect "execution
// reached here," not to be resumed and stepped past in turn) and routes
// straight to its onHit hook, which completes the step here.
func (c *singleStepController) emulatedStep(t *Thread, addr uintptr, done func(*EngineError)) *EngineError {
	successors, err := c.ops.ComputeSuccessors(t.Owner, t, addr)
	if err != nil {
		done(err)
		return err
	}

	c.mu.Lock()
	c.priorUser = t.singleStepUser
	c.mu.Unlock()

	var once sync.Once
	complete := func(hitErr *EngineError) {
		once.Do(func() {
			c.mu.Lock()
			remaining := make([]*Breakpoint, 0, len(c.active))
			for _, b := range c.active {
				remaining = append(remaining, b)
			}
			c.active = make(map[uintptr]*Breakpoint)
			t.singleStepUser = c.priorUser
			c.mu.Unlock()
			c.clearInstalled(remaining)
			done(hitErr)
		})
	}

	installed := make([]*Breakpoint, 0, len(successors))
	for _, succ := range successors {
		b := &Breakpoint{OneTime: true, ThreadSpecific: t, SuppressCallbacks: true, stepMarker: true}
		b.onHit = func(*HitContext) { complete(nil) }
		if err := c.bp.InstallSW(b, succ); err != nil {
			c.clearInstalled(installed)
			done(err)
			return err
		}
		installed = append(installed, b)
		c.mu.Lock()
		c.active[succ] = b
		c.mu.Unlock()
	}

	t.State.DesyncState(SlotInternal, StateRunning)
	return nil // pending: done runs later, from a subsequent handle() call.
}

// clearInstalled uninstalls every marker breakpoint still standing. A
// marker that already fired was uninstalled by HandleHit's own one-time
// logic before complete ran; UninstallSW is idempotent on an
// already-removed logical breakpoint, so calling it again here for that
// one is harmless.
func (c *singleStepController) clearInstalled(bps []*Breakpoint) {
	for _, b := range bps {
		_ = c.bp.UninstallSW(b)
	}
}
