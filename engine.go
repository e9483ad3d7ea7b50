package procctl

import (
	"context"
	"sync"
)

// Engine is the public entry point: one engine owns the shared
// PlatformOps backend, the generator/handler actor pair, and the
// dispatcher that schedules them per the configured ThreadingMode. Every
// Process it creates, attaches, or adopts via fork shares these, each
// with its own per-process subsystem bundle wired by ProcessLifecycle.
type Engine struct {
	cfg      EngineConfig
	ops      PlatformOps
	registry *CounterRegistry
	notifier *Notifier
	lock     *MTLock
	gen      *Generator
	handler  *Handler
	disp     *dispatcher
	life     *ProcessLifecycle
	log      *Logger
}

// NewEngine wires every engine-wide component per cfg and returns a ready
// Engine. Call Start to launch the generator/handler actors before
// creating or attaching to any process.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	cfg = cfg.withDefaults()

	notifier, err := NewNotifier()
	if err != nil {
		return nil, err
	}
	registry := NewCounterRegistry()
	lock := NewMTLock()
	gen := NewGenerator(cfg.Platform, notifier, lock, registry)
	handler := NewHandler(gen, notifier, cfg.Platform, registry, cfg.Logger)
	disp := newDispatcher(cfg.Threading, lock, gen, handler)
	life := newProcessLifecycle(cfg.Platform, registry, gen, notifier, cfg.Logger, cfg.PageCacheSize, cfg.MaxConcurrentRPCs, cfg.LwpMode)
	handler.bindLifecycle(life)

	return &Engine{
		cfg:      cfg,
		ops:      cfg.Platform,
		registry: registry,
		notifier: notifier,
		lock:     lock,
		gen:      gen,
		handler:  handler,
		disp:     disp,
		life:     life,
		log:      cfg.Logger,
	}, nil
}

// Start launches the generator (and, depending on ThreadingMode, handler
// and callback) goroutines.
func (e *Engine) Start(ctx context.Context) {
	e.disp.Start(ctx)
	e.log.Debug("engine started", F("threading", int(e.cfg.Threading)))
}

// Stop cancels and waits for the engine's actor goroutines, then closes
// the notifier. The Engine must not be used afterward.
func (e *Engine) Stop() error {
	err := e.disp.Stop()
	if cerr := e.notifier.Close(); cerr != nil && err == nil {
		err = cerr
	}
	e.log.Debug("engine stopped")
	return err
}

// OnEvent registers the callback invoked for every user-visible event
// (breakpoint hits not marked suppress-callbacks, fork, exec, process
// exit, library changes, fatal errors).
func (e *Engine) OnEvent(fn func(Event)) { e.handler.OnEvent(fn) }

// Notifier returns the cross-thread wakeup object, so a caller running in
// NoThreads or GeneratorThreading mode can multiplex the engine with its
// own event loop and call Pump when it wakes.
func (e *Engine) Notifier() *Notifier { return e.notifier }

// Pump drains and handles whatever events the generator has queued so
// far, returning the callback thunks to invoke. Used directly by callers
// in NoThreads/GeneratorThreading mode; HandlerThreading/CallbackThreading
// modes call it automatically from the dispatcher's own goroutine.
func (e *Engine) Pump() []func() { return e.disp.RunInline() }

// Create launches argv as a child process, stopped at its first
// instruction.
func (e *Engine) Create(argv, env []string) (*Process, *EngineError) {
	e.lock.LockUser()
	defer e.lock.UnlockUser()
	return e.life.Create(argv, env)
}

// Attach stops and begins tracking an already-running process.
func (e *Engine) Attach(pid int) (*Process, *EngineError) {
	e.lock.LockUser()
	defer e.lock.UnlockUser()
	return e.life.Attach(pid)
}

// Reattach re-establishes tracking of proc after a lost connection.
func (e *Engine) Reattach(proc *Process) *EngineError {
	e.lock.LockUser()
	defer e.lock.UnlockUser()
	return e.life.Reattach(proc)
}

// Detach releases proc, leaving the target running.
func (e *Engine) Detach(proc *Process) *EngineError {
	e.lock.LockUser()
	defer e.lock.UnlockUser()
	return e.life.Detach(proc)
}

// Terminate kills proc and blocks until its exit has surfaced through the
// generator/handler pipeline or ctx is done.
func (e *Engine) Terminate(ctx context.Context, proc *Process) *EngineError {
	return e.life.Terminate(ctx, proc)
}

// SetForkPolicy selects whether children forked by proc are ignored,
// adopted and left running, or adopted and held stopped.
func (e *Engine) SetForkPolicy(proc *Process, policy ForkPolicy) {
	e.lock.LockUser()
	defer e.lock.UnlockUser()
	proc.mu.Lock()
	proc.ForkPolicy = policy
	proc.mu.Unlock()
}

// StopProcess asserts User = stopped on every thread in proc and
// reconciles. The stops are requests: threads report back through the
// generator pipeline, and PendingStops stays above zero until every report
// has been handled.
func (e *Engine) StopProcess(proc *Process) *EngineError {
	e.lock.LockUser()
	defer e.lock.UnlockUser()
	proc.DesyncStateProc(SlotUser, StateStopped)
	return proc.syncRunState(e.ops)
}

// ContinueProcess asserts User = running on every thread in proc and
// reconciles. A thread stays stopped if a higher-priority slot (an RPC in
// setup, a breakpoint cleanup, a pending process-wide stop) still holds a
// stop assertion.
func (e *Engine) ContinueProcess(proc *Process) *EngineError {
	e.lock.LockUser()
	defer e.lock.UnlockUser()
	proc.DesyncStateProc(SlotUser, StateRunning)
	return proc.syncRunState(e.ops)
}

// StopThread asserts User = stopped on t alone and reconciles.
func (e *Engine) StopThread(t *Thread) *EngineError {
	e.lock.LockUser()
	defer e.lock.UnlockUser()
	t.State.DesyncState(SlotUser, StateStopped)
	return t.Owner.syncRunState(e.ops)
}

// ContinueThread asserts User = running on t alone and reconciles.
func (e *Engine) ContinueThread(t *Thread) *EngineError {
	e.lock.LockUser()
	defer e.lock.UnlockUser()
	t.State.DesyncState(SlotUser, StateRunning)
	return t.Owner.syncRunState(e.ops)
}

// ReleaseProcessStop drops the process-wide stop a process-stopper
// breakpoint asserted (the Breakpoint slot on every thread) and
// reconciles, resuming any thread whose remaining effective target is
// running.
func (e *Engine) ReleaseProcessStop(proc *Process) *EngineError {
	e.lock.LockUser()
	defer e.lock.UnlockUser()
	proc.RestoreStateProc(SlotBreakpoint)
	return proc.syncRunState(e.ops)
}

// ReadMemory reads length bytes at addr in proc, blocking on the
// process's async-response set if the platform backend requires
// asynchronous I/O.
func (e *Engine) ReadMemory(proc *Process, addr uintptr, length int) ([]byte, *EngineError) {
	e.lock.LockUser()
	mem := proc.MemSubsystem()
	if mem == nil {
		e.lock.UnlockUser()
		return nil, newErr(ErrNotAttached, "process %d has no memory subsystem wired", proc.PID)
	}
	data, resp, err := mem.ReadMem(addr, length)
	if err != nil {
		e.lock.UnlockUser()
		return nil, err
	}
	if resp == nil {
		e.lock.UnlockUser()
		return data, nil
	}
	async := proc.Async()
	e.lock.UnlockUser()
	e.ops.PreAsyncWait()
	async.Wait(resp)
	if resp.Err() != nil {
		return nil, resp.Err()
	}
	out, _ := resp.Payload().([]byte)
	return out, nil
}

// WriteMemory writes data at addr in proc.
func (e *Engine) WriteMemory(proc *Process, addr uintptr, data []byte) *EngineError {
	e.lock.LockUser()
	defer e.lock.UnlockUser()
	mem := proc.MemSubsystem()
	if mem == nil {
		return newErr(ErrNotAttached, "process %d has no memory subsystem wired", proc.PID)
	}
	return mem.WriteMem(addr, data)
}

// Registers returns t's current register set, refreshing the cache from
// the platform if it was invalidated by a prior continue.
func (e *Engine) Registers(t *Thread) (*Registers, *EngineError) {
	e.lock.LockUser()
	defer e.lock.UnlockUser()
	if r, ok := t.Registers(); ok {
		return r, nil
	}
	r, err := e.ops.GetAllRegisters(t.Owner, t)
	if err != nil {
		return nil, err
	}
	t.SetRegisters(r)
	return r, nil
}

// SetRegisters writes r to t and refreshes the cache.
func (e *Engine) SetRegisters(t *Thread, r *Registers) *EngineError {
	e.lock.LockUser()
	defer e.lock.UnlockUser()
	if err := e.ops.SetAllRegisters(t.Owner, t, r); err != nil {
		return err
	}
	t.SetRegisters(r)
	return nil
}

// StepOver single-steps t past addr, using native single-step where the
// platform supports it and emulated successor-breakpoints otherwise. It
// blocks until the step completes (synchronously for native stepping, via
// the process's async-response set for emulated stepping), but releases
// the exclusion lock before any such wait so the handler can keep making
// progress on the successor breakpoint that completes it.
func (e *Engine) StepOver(proc *Process, t *Thread, addr uintptr) *EngineError {
	e.lock.LockUser()
	proc.mu.RLock()
	subsys := proc.subsys
	proc.mu.RUnlock()
	if subsys == nil {
		e.lock.UnlockUser()
		return newErr(ErrNotAttached, "process %d has no subsystems wired", proc.PID)
	}

	async := proc.Async()
	resp := async.New(ResultResponse)
	var once sync.Once
	subsys.step.StepOver(t, addr, func(err *EngineError) {
		once.Do(func() {
			if err != nil {
				async.Fail(resp, err)
			} else {
				async.Complete(resp, nil)
			}
		})
	})
	e.lock.UnlockUser()
	e.ops.PreAsyncWait()
	async.Wait(resp)
	return resp.Err()
}

// PostRPC runs an inferior RPC synchronously on t. The exclusion lock is
// held only while the RPC is set up and released across its blocking wait,
// so the handler can still process the event that completes it.
func (e *Engine) PostRPC(t *Thread, rpc *RPC) ([]byte, *EngineError) {
	e.lock.LockUser()
	r := t.Owner.RPCs()
	if r == nil {
		e.lock.UnlockUser()
		return nil, newErr(ErrNotAttached, "process %d has no RPC scheduler wired", t.Owner.PID)
	}
	e.lock.UnlockUser()
	return r.RunSync(t, rpc)
}

// AllocInferiorMemory allocates size bytes of executable inferior memory
// on behalf of t. The exclusion lock is released before the allocation
// runs: the non-direct path executes an inferior RPC whose completion the
// handler delivers, and the handler needs the lock to make progress.
func (e *Engine) AllocInferiorMemory(t *Thread, size int) (uintptr, *EngineError) {
	e.lock.LockUser()
	imal := t.Owner.InfMalloc()
	if imal == nil {
		e.lock.UnlockUser()
		return 0, newErr(ErrNotAttached, "process %d has no inferior-malloc arena wired", t.Owner.PID)
	}
	e.lock.UnlockUser()
	return imal.Alloc(t, size)
}

// FreeInferiorMemory releases a region previously returned by
// AllocInferiorMemory. Like AllocInferiorMemory, the exclusion lock is
// released across the deallocation RPC.
func (e *Engine) FreeInferiorMemory(t *Thread, addr uintptr) *EngineError {
	e.lock.LockUser()
	imal := t.Owner.InfMalloc()
	if imal == nil {
		e.lock.UnlockUser()
		return newErr(ErrNotAttached, "process %d has no inferior-malloc arena wired", t.Owner.PID)
	}
	e.lock.UnlockUser()
	return imal.Free(t, addr)
}

// BreakpointOption modifies a Breakpoint before it is installed.
type BreakpointOption func(*Breakpoint)

// OneTime marks a breakpoint for removal after its first hit.
func OneTime() BreakpointOption { return func(b *Breakpoint) { b.OneTime = true } }

// ThreadSpecific restricts a breakpoint to firing only on t.
func ThreadSpecific(t *Thread) BreakpointOption { return func(b *Breakpoint) { b.ThreadSpecific = t } }

// ProcessStopper escalates a breakpoint hit to stop every thread in the
// process via the Breakpoint slot.
func ProcessStopper() BreakpointOption { return func(b *Breakpoint) { b.ProcessStopper = true } }

// SuppressCallbacks bypasses user callback delivery for a breakpoint hit.
func SuppressCallbacks() BreakpointOption { return func(b *Breakpoint) { b.SuppressCallbacks = true } }

// ControlTransfer sets the address execution resumes at after a hit,
// instead of the original instruction.
func ControlTransfer(target uintptr) BreakpointOption {
	return func(b *Breakpoint) { b.ControlTransferTarget = target }
}

// WithCondition attaches a Lua condition script; the breakpoint only
// fires when the script evaluates true.
func WithCondition(script *BreakpointScript) BreakpointOption {
	return func(b *Breakpoint) { b.Condition = script }
}

// OnHit registers the callback invoked when the breakpoint fires. It runs
// even when SuppressCallbacks was also given, which only silences the user
// event.
func OnHit(fn func(*HitContext)) BreakpointOption { return func(b *Breakpoint) { b.onHit = fn } }

// PostBreakpoint installs a software breakpoint at addr in proc with the
// given modifiers.
func (e *Engine) PostBreakpoint(proc *Process, addr uintptr, opts ...BreakpointOption) (*Breakpoint, *EngineError) {
	e.lock.LockUser()
	defer e.lock.UnlockUser()
	bp := proc.Breakpoints()
	if bp == nil {
		return nil, newErr(ErrNotAttached, "process %d has no breakpoint engine wired", proc.PID)
	}
	b := &Breakpoint{}
	for _, opt := range opts {
		opt(b)
	}
	if err := bp.InstallSW(b, addr); err != nil {
		return nil, err
	}
	return b, nil
}

// PostHardwareBreakpoint installs a hardware breakpoint at addr, per-
// thread if t is non-nil or process-wide otherwise.
func (e *Engine) PostHardwareBreakpoint(proc *Process, addr uintptr, perm Permission, size int, t *Thread, opts ...BreakpointOption) (*Breakpoint, *EngineError) {
	e.lock.LockUser()
	defer e.lock.UnlockUser()
	bp := proc.Breakpoints()
	if bp == nil {
		return nil, newErr(ErrNotAttached, "process %d has no breakpoint engine wired", proc.PID)
	}
	b := &Breakpoint{HW: true, HWPerm: perm, HWSize: size}
	for _, opt := range opts {
		opt(b)
	}
	if err := bp.InstallHW(b, addr, perm, size, t); err != nil {
		return nil, err
	}
	return b, nil
}

// RemoveBreakpoint uninstalls b, software or hardware.
func (e *Engine) RemoveBreakpoint(proc *Process, b *Breakpoint) *EngineError {
	e.lock.LockUser()
	defer e.lock.UnlockUser()
	bp := proc.Breakpoints()
	if bp == nil {
		return newErr(ErrNotAttached, "process %d has no breakpoint engine wired", proc.PID)
	}
	if b.HW {
		return bp.UninstallHW(b)
	}
	return bp.UninstallSW(b)
}

// SetTrackLibraries enables or disables library-load tracking for proc.
func (e *Engine) SetTrackLibraries(proc *Process, enable bool) *EngineError {
	e.lock.LockUser()
	defer e.lock.UnlockUser()
	lib := proc.LibTracker()
	bp := proc.Breakpoints()
	if lib == nil || bp == nil {
		return newErr(ErrNotAttached, "process %d has no library tracker wired", proc.PID)
	}
	return lib.SetTrackLibraries(enable, bp)
}

// SetDynLinkerBreakAddr records the dynamic linker's notification-hook
// address for proc, resolved externally (e.g. from symbol information the
// engine itself does not read) so SetTrackLibraries can install its hook
// breakpoint.
func (e *Engine) SetDynLinkerBreakAddr(proc *Process, addr uintptr) {
	mem := proc.MemState()
	mem.mu.Lock()
	mem.DynLinkerBreakAddr = addr
	mem.mu.Unlock()
}
