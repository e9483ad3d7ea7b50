package procctl

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// RPC is an inferior RPC: a code sequence injected into and executed by a
// target thread. Opaque to callers beyond the fields the scheduler itself
// needs.
type RPC struct {
	Code []byte
	// IsProcessStopper escalates: every thread in the process stops for
	// the RPC's duration and callbacks are suppressed.
	IsProcessStopper bool
	// Sync marks a synchronous RPC: SyncRPCs/SyncRPCRunningThreads account
	// for it and the running thread becomes notAvailableForRPC.
	Sync bool

	isRunning bool
	savedRegs *Registers

	done    chan struct{}
	result  []byte
	rpcErr  *EngineError
}

// RPCScheduler runs inferior RPCs on threads, coordinating with the
// ThreadStateModel's IRPC/IRPCSetup/IRPCWait slots and the engine-wide
// sync-RPC counters.
type RPCScheduler struct {
	ops   PlatformOps
	mem   *MemorySubsystem
	imal  func() *InferiorMalloc // lazily bound; infmalloc needs the scheduler too

	mu sync.Mutex

	// inFlight bounds how many RPCs this scheduler's process runs
	// concurrently, one acquire per run() regardless of which thread runs
	// it, so a flood of per-thread RunSync calls can't exhaust the
	// process's inferior-malloc arena or its breakpoint budget all at once.
	inFlight *semaphore.Weighted

	syncRPCs        *Counter
	syncRunning     *Counter
	procStopperRPCs *Counter
}

// NewRPCScheduler constructs a scheduler bound to the given counters,
// created from the engine's CounterRegistry. maxConcurrent bounds
// in-flight RPCs for this process; values <= 0 default to
// defaultMaxConcurrentRPCs.
func NewRPCScheduler(ops PlatformOps, mem *MemorySubsystem, registry *CounterRegistry, maxConcurrent int64) *RPCScheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrentRPCs
	}
	return &RPCScheduler{
		ops:             ops,
		mem:             mem,
		inFlight:        semaphore.NewWeighted(maxConcurrent),
		syncRPCs:        registry.NewCounter(CounterSyncRPCs),
		syncRunning:     registry.NewCounter(CounterSyncRPCRunningThreads),
		procStopperRPCs: registry.NewCounter(CounterProcStopRPCs),
	}
}

// Post appends r to t's posted-RPC list without running it yet.
func (s *RPCScheduler) Post(t *Thread, r *RPC) {
	t.postRPC(r)
}

// RunSync posts and immediately runs r synchronously on t, blocking the
// caller until the RPC completes. The run proceeds in five steps:
// IRPCSetup stop, register save, code install, PC set + IRPC run, restore
// on completion.
func (s *RPCScheduler) RunSync(t *Thread, r *RPC) ([]byte, *EngineError) {
	if t.notAvailableForRPC() {
		return nil, newErr(ErrNotStopped, "thread %d is already running a synchronous RPC", t.LWP)
	}
	r.Sync = true
	r.done = make(chan struct{})
	s.Post(t, r)
	return s.run(t, r)
}

func (s *RPCScheduler) run(t *Thread, r *RPC) ([]byte, *EngineError) {
	if err := s.inFlight.Acquire(context.Background(), 1); err != nil {
		return nil, wrapErr(ErrInterrupted, err, "acquiring RPC concurrency slot for lwp %d", t.LWP)
	}
	defer s.inFlight.Release(1)

	if r.IsProcessStopper {
		s.procStopperRPCs.Inc()
		defer s.procStopperRPCs.Dec()
		t.Owner.stopMgr.begin()
		t.Owner.DesyncStateProc(SlotPendingStop, StateStopped)
	}
	if r.Sync {
		s.syncRPCs.Inc()
		defer s.syncRPCs.Dec()
	}

	// Step 1: advance IRPCSetup to stopped and reconcile.
	t.State.DesyncState(SlotIRPCSetup, StateStopped)
	if serr := t.Owner.syncRunState(s.ops); serr != nil {
		s.abort(t, r, serr)
		return nil, serr
	}

	// Step 2: save full register set, refreshing the cache if an earlier
	// continue invalidated it.
	regs, valid := t.Registers()
	if !valid {
		var gerr *EngineError
		regs, gerr = s.ops.GetAllRegisters(t.Owner, t)
		if gerr != nil {
			return nil, gerr
		}
		t.SetRegisters(regs)
	}
	t.rpcRegs = regs.Clone()
	r.savedRegs = t.rpcRegs

	if r.Sync {
		s.syncRunning.Inc()
		defer s.syncRunning.Dec()
	}

	t.mu.Lock()
	t.runningRPC = r
	r.isRunning = true
	t.mu.Unlock()

	// Step 3: install code at an allocated inferior-memory region.
	addr, err := s.allocCode(t, r.Code)
	if err != nil {
		s.abort(t, r, err)
		return nil, err
	}
	if werr := s.mem.WriteMem(addr, r.Code); werr != nil {
		s.abort(t, r, werr)
		return nil, werr
	}

	// Step 4: set PC to entry, advance IRPC to running. IRPC outranks
	// IRPCSetup, so reconciliation continues the thread into the injected
	// code while the setup slot still holds its stop assertion for unwind.
	entry := regs.Clone()
	entry.PC = addr
	t.SetRegisters(entry)
	if werr := s.ops.SetAllRegisters(t.Owner, t, entry); werr != nil {
		s.abort(t, r, werr)
		return nil, werr
	}
	t.State.DesyncState(SlotIRPC, StateRunning)
	if serr := t.Owner.syncRunState(s.ops); serr != nil {
		s.abort(t, r, serr)
		return nil, serr
	}

	// Step 5 (completion) is driven by the handler when it observes the
	// RPC's tail breakpoint or a native return event; completeRPC below is
	// what it calls.
	if r.done != nil {
		<-r.done
	}

	t.mu.Lock()
	res, rerr := r.result, r.rpcErr
	t.mu.Unlock()
	return res, rerr
}

func (s *RPCScheduler) allocCode(t *Thread, code []byte) (uintptr, *EngineError) {
	if s.imal == nil {
		return 0, newErr(ErrInternalInvariantViolated, "RPCScheduler not bound to an InferiorMalloc arena")
	}
	return s.imal().Alloc(t, len(code))
}

// bindInferiorMalloc wires the scheduler to the arena that allocates its
// code regions. The two components have a mutual dependency (RPCs need
// malloc, malloc needs RPCs for the non-direct path), broken here by a
// lazily-invoked accessor rather than a constructor cycle.
func (s *RPCScheduler) bindInferiorMalloc(get func() *InferiorMalloc) {
	s.imal = get
}

// CompleteRPC is called by the handler once it observes the RPC's tail
// breakpoint or a native return event: restores the thread's saved
// registers and releases the IRPC/IRPCSetup slots.
func (s *RPCScheduler) CompleteRPC(t *Thread, result []byte, rpcErr *EngineError) {
	t.mu.Lock()
	r := t.runningRPC
	t.mu.Unlock()
	if r == nil {
		return
	}
	s.finish(t, r, result, rpcErr)
}

func (s *RPCScheduler) abort(t *Thread, r *RPC, err *EngineError) {
	s.finish(t, r, nil, err)
}

func (s *RPCScheduler) finish(t *Thread, r *RPC, result []byte, rpcErr *EngineError) {
	saved := r.savedRegs
	if saved == nil {
		saved = t.rpcRegs
	}
	if saved != nil {
		_ = s.ops.SetAllRegisters(t.Owner, t, saved)
		t.SetRegisters(saved)
	}
	t.rpcRegs = nil
	r.savedRegs = nil
	t.State.RestoreState(SlotIRPC)
	t.State.RestoreState(SlotIRPCSetup)
	t.State.RestoreState(SlotIRPCWait)

	t.mu.Lock()
	r.result, r.rpcErr = result, rpcErr
	r.isRunning = false
	t.runningRPC = nil
	t.mu.Unlock()

	if r.IsProcessStopper {
		t.Owner.RestoreStateProc(SlotPendingStop)
		t.Owner.stopMgr.threadStopped()
	}
	_ = t.Owner.syncRunState(s.ops)
	if r.done != nil {
		close(r.done)
	}
}
