package procctl

import "context"

// ProcessLifecycle owns the process-level operations: create, attach,
// reattach, detach, terminate, fork adoption, and exec reset. Each
// operation that brings up a new Process
// wires its per-process subsystems (MemorySubsystem, BreakpointEngine,
// RPCScheduler, InferiorMalloc, LibraryTracker, the emulated single-step
// controller) and registers it with the shared Generator so its events
// flow through the one Handler/dispatcher pair the engine owns.
type ProcessLifecycle struct {
	ops      PlatformOps
	registry *CounterRegistry
	gen      *Generator
	notifier *Notifier
	log      *Logger
	pageSize uintptr
	maxRPCs  int64
	lwpMode  LwpControlMode
}

// newProcessLifecycle constructs a ProcessLifecycle bound to the engine's
// shared components.
func newProcessLifecycle(ops PlatformOps, registry *CounterRegistry, gen *Generator, notifier *Notifier, log *Logger, pageSize uintptr, maxRPCs int64, lwpMode LwpControlMode) *ProcessLifecycle {
	if log == nil {
		log = NewNopLogger()
	}
	if maxRPCs <= 0 {
		maxRPCs = defaultMaxConcurrentRPCs
	}
	return &ProcessLifecycle{ops: ops, registry: registry, gen: gen, notifier: notifier, log: log, pageSize: pageSize, maxRPCs: maxRPCs, lwpMode: lwpMode}
}

// beginStartup marks proc's startup (or teardown) window: the generator
// takes on no new work while any process is mid-wiring, per the
// ForceGeneratorBlock counter's gate. Returns the paired release.
func (pl *ProcessLifecycle) beginStartup(proc *Process) func() {
	proc.counters.StartupTeardown.Inc()
	proc.counters.ForceGeneratorBlock.Inc()
	return func() {
		proc.counters.ForceGeneratorBlock.Dec()
		proc.counters.StartupTeardown.Dec()
	}
}

// wireSubsystems constructs every per-process component for proc and
// binds the lazy cross-dependencies (RPCScheduler<->InferiorMalloc,
// BreakpointEngine<->singleStepController).
func (pl *ProcessLifecycle) wireSubsystems(proc *Process) {
	async := NewAsyncResponseSet(proc.counters.AsyncEvents)
	mem := NewMemorySubsystem(proc, pl.ops, async, pl.pageSize)
	bp := NewBreakpointEngine(proc, pl.ops, mem, async, pl.registry)
	rpc := NewRPCScheduler(pl.ops, mem, pl.registry, pl.maxRPCs)
	imal := NewInferiorMalloc(proc, pl.ops, rpc, mem)
	rpc.bindInferiorMalloc(func() *InferiorMalloc { return imal })
	step := NewSingleStepController(pl.ops, proc)
	step.bindBreakpointEngine(bp)
	lib := NewLibraryTracker(proc, pl.ops, async)

	proc.mu.Lock()
	proc.subsys = &procSubsystems{async: async, mem: mem, bp: bp, rpc: rpc, imal: imal, lib: lib, step: step}
	// The handler-pool record owns this process's share of the mem-state
	// record: released on exit/detach/error, dropping the refcount so the
	// last sharer marks it clean for sweep.
	proc.handler = &procHandler{close: func() error {
		proc.MemState().Unshare(proc)
		return nil
	}}
	proc.mu.Unlock()
}

// addInitialThread registers the process's first thread, parked in the
// Startup slot until initializeAddressSpace completes.
func (pl *ProcessLifecycle) addInitialThread(proc *Process, lwp int, runningWhenAttached bool) *Thread {
	t := NewThread(proc, lwp, uint64(lwp))
	t.State.SetState(SlotGenerator, StateStopped)
	t.State.SetState(SlotHandler, StateStopped)
	t.State.SetState(SlotInternal, StateStopped)
	t.State.DesyncState(SlotStartup, StateStopped)
	t.RunningWhenAttached = runningWhenAttached
	proc.addThread(t)
	return t
}

// initializeAddressSpace refreshes libraries, then releases the Startup
// slot on every current thread: threads stay parked at Startup = stopped
// until the address space has been walked once.
// Callbacks are suppressed for this first refresh: there is no
// caller-visible "library added" transition for libraries that were
// already loaded when the engine attached.
func (pl *ProcessLifecycle) initializeAddressSpace(proc *Process) *EngineError {
	if lib := proc.LibTracker(); lib != nil {
		if err := lib.Refresh(true); err != nil {
			pl.log.Warn("initial library refresh failed", F("pid", proc.PID), F("err", err.Error()))
		}
	}
	for _, t := range proc.Threads() {
		t.State.RestoreState(SlotStartup)
	}
	return nil
}

// Create forks and execs argv (with the given environment), stops the
// child at its first instruction, and attaches to it.
func (pl *ProcessLifecycle) Create(argv, env []string) (*Process, *EngineError) {
	if len(argv) == 0 {
		return nil, newErr(ErrBadParameter, "Create requires a non-empty argv")
	}
	pid, err := pl.ops.Create(argv, env)
	if err != nil {
		return nil, err
	}
	proc := NewProcess(pid, CreatedByLaunch, pl.registry)
	proc.Executable = argv[0]
	proc.Argv = argv
	proc.Env = env
	proc.lwpMode = pl.lwpMode
	defer pl.beginStartup(proc)()
	pl.wireSubsystems(proc)
	pl.addInitialThread(proc, pid, false)
	proc.setState(ProcRunning)
	pl.gen.Track(proc)

	if err := pl.initializeAddressSpace(proc); err != nil {
		return proc, err
	}
	pl.log.Info("process created", F("pid", pid), F("argv", argv))
	return proc, nil
}

// Attach stops every thread of an already-running process and begins
// tracking it.
func (pl *ProcessLifecycle) Attach(pid int) (*Process, *EngineError) {
	if err := pl.ops.Attach(pid); err != nil {
		return nil, err
	}
	proc := NewProcess(pid, CreatedByAttach, pl.registry)
	proc.lwpMode = pl.lwpMode
	defer pl.beginStartup(proc)()
	exe, eerr := pl.ops.GetExecutable(proc)
	if eerr == nil {
		proc.Executable = exe
	}
	pl.wireSubsystems(proc)

	states, serr := pl.ops.GetOSRunningStates(proc)
	if serr != nil || len(states) == 0 {
		pl.addInitialThread(proc, pid, true)
	} else {
		for lwp, st := range states {
			pl.addInitialThread(proc, lwp, st == StateRunning)
		}
	}
	proc.setState(ProcRunning)
	pl.gen.Track(proc)

	if err := pl.initializeAddressSpace(proc); err != nil {
		return proc, err
	}
	pl.log.Info("process attached", F("pid", pid))
	return proc, nil
}

// Reattach re-establishes tracking of a process this engine previously
// lost its connection to (e.g. after a transient platform error), without
// discarding the process record's accumulated state (breakpoint map,
// library set): only the platform-level attach and thread enumeration are
// redone.
func (pl *ProcessLifecycle) Reattach(proc *Process) *EngineError {
	if err := pl.ops.Attach(proc.PID); err != nil {
		return err
	}
	defer pl.beginStartup(proc)()
	states, serr := pl.ops.GetOSRunningStates(proc)
	if serr == nil {
		for lwp, st := range states {
			if _, ok := proc.Thread(lwp); !ok {
				pl.addInitialThread(proc, lwp, st == StateRunning)
			}
		}
	}
	proc.setState(ProcRunning)
	pl.gen.Track(proc)
	if err := pl.initializeAddressSpace(proc); err != nil {
		return err
	}
	pl.log.Info("process reattached", F("pid", proc.PID))
	return nil
}

// Detach issues a platform detach and tears down the process record.
// Outstanding per-thread state is discarded; the target is left running
// free of the debugger (a permanent detach; this engine does
// not implement detach-on-the-fly's temporary variant, since no
// SupportsDOTF backend is wired).
func (pl *ProcessLifecycle) Detach(proc *Process) *EngineError {
	if proc.State() == ProcExited || proc.State() == ProcDetached {
		return nil
	}
	if err := pl.ops.Detach(proc); err != nil {
		return err
	}
	proc.setState(ProcDetached)
	for _, t := range proc.Threads() {
		t.setHandlerObserved(StateDetached)
		t.State.SetState(SlotInternal, StateDetached)
	}
	pl.gen.Untrack(proc)
	proc.releaseHandler()
	proc.mu.Lock()
	proc.subsys = nil
	proc.mu.Unlock()
	pl.log.Info("process detached", F("pid", proc.PID))
	return nil
}

// Terminate kills proc and blocks until its exit event has surfaced
// through the generator/handler pipeline. Idempotent: terminating an
// already-exited process is a no-op.
func (pl *ProcessLifecycle) Terminate(ctx context.Context, proc *Process) *EngineError {
	if proc.State() == ProcExited {
		return nil
	}
	if err := pl.ops.Terminate(proc); err != nil {
		return err
	}
	pl.abortOutstanding(proc, newErr(ErrNotAttached, "process %d was terminated", proc.PID))
	if err := proc.WaitExited(ctx); err != nil {
		return wrapErr(ErrInterrupted, err, "waiting for pid %d to exit after terminate", proc.PID)
	}
	pl.log.Info("process terminated", F("pid", proc.PID), F("exit_code", proc.ExitCode()))
	return nil
}

// abortOutstanding fails every in-flight inferior RPC and every response
// still outstanding on proc's async set. Terminate calls this right after
// killing the target: without it, a caller blocked in RPCScheduler.RunSync
// on <-r.done, or in Engine.ReadMemory/StepOver on async.Wait, would never
// see its target process's own generator/handler pipeline again and would
// hang forever.
func (pl *ProcessLifecycle) abortOutstanding(proc *Process, err *EngineError) {
	if rpc := proc.RPCs(); rpc != nil {
		for _, t := range proc.Threads() {
			t.mu.Lock()
			r := t.runningRPC
			t.mu.Unlock()
			if r != nil {
				rpc.abort(t, r, err)
			}
		}
	}
	if async := proc.Async(); async != nil {
		async.FailAll(err)
	}
}

// Forked adopts a child process discovered via a fork event on parent,
// sharing parent's MemState per ForkPolicy (the new Process diverges on
// first mutation to either side's breakpoint/library/inf-malloc maps,
// since MemState.Fork eagerly copies at fork time rather than lazily
// splitting on write).
func (pl *ProcessLifecycle) Forked(parent *Process, childPID int) (*Process, *EngineError) {
	child := NewProcess(childPID, CreatedByFork, pl.registry)
	child.Executable = parent.Executable
	child.Argv = parent.Argv
	child.Env = parent.Env
	child.ForkPolicy = parent.ForkPolicy
	child.lwpMode = parent.lwpMode
	defer pl.beginStartup(child)()
	child.mem = parent.MemState().Fork(child)
	pl.wireSubsystems(child)
	pl.addInitialThread(child, childPID, false)
	child.setState(ProcRunning)

	if parent.ForkPolicy == ForkPolicyNone {
		// Not following: return the record for bookkeeping, but never
		// track it with the generator, so its events are never decoded.
		return child, nil
	}

	pl.gen.Track(child)
	if err := pl.initializeAddressSpace(child); err != nil {
		return child, err
	}
	if parent.ForkPolicy == ForkPolicyFollowingStopped {
		for _, t := range child.Threads() {
			t.State.DesyncState(SlotUser, StateStopped)
		}
	}
	pl.log.Info("process forked", F("parent_pid", parent.PID), F("child_pid", childPID))
	return child, nil
}

// Execed resets proc's address space: libraries and the software
// breakpoint map are cleared (code at old addresses no longer exists),
// DynLinkerBreakAddr is preserved (the linker hook survives exec), and
// libraries are refreshed against the freshly exec'd image.
func (pl *ProcessLifecycle) Execed(proc *Process) *EngineError {
	mem := proc.MemState()
	mem.mu.Lock()
	mem.libs = make(map[string]*Library)
	mem.breakpoints = make(map[uintptr]bpInstanceHandle)
	mem.infMalloced = make(map[uintptr]int)
	mem.mu.Unlock()

	if lib := proc.LibTracker(); lib != nil {
		if err := lib.Refresh(false); err != nil {
			return err
		}
	}
	pl.log.Info("process execed", F("pid", proc.PID))
	return nil
}
