package procctl

import (
	"context"
	"sync"
)

// CreationMode records how a Process came into being.
type CreationMode int

const (
	CreatedByLaunch CreationMode = iota
	CreatedByAttach
	CreatedByFork
)

// ProcState is the overall lifecycle state of a process.
type ProcState int

const (
	ProcNeonatal ProcState = iota
	ProcNeonatalIntermediate
	ProcDetached
	ProcRunning
	ProcExited
	ProcError
)

func (s ProcState) String() string {
	switch s {
	case ProcNeonatal:
		return "neonatal"
	case ProcNeonatalIntermediate:
		return "neonatal-intermediate"
	case ProcDetached:
		return "detached"
	case ProcRunning:
		return "running"
	case ProcExited:
		return "exited"
	case ProcError:
		return "error"
	default:
		return "unknown-proc-state"
	}
}

// ForkPolicy selects what happens to children a tracked process forks:
// ignore them, adopt them and leave them running, or adopt them held
// stopped.
type ForkPolicy int

const (
	ForkPolicyNone ForkPolicy = iota
	ForkPolicyFollowing
	ForkPolicyFollowingStopped
)

// Process is the per-process record: identity, lifecycle state, its
// thread pool, shared memory state, loaded-library pool, per-process
// counters, and fork-tracking policy.
type Process struct {
	mu sync.RWMutex

	PID          int
	Creation     CreationMode
	Executable   string
	Argv         []string
	Env          []string
	Fds          map[int]string
	Arch         string
	PageSize     int
	ForkPolicy   ForkPolicy

	state      ProcState
	exitCode   int
	crashSignal int
	continueSignal int

	threads   map[int]*Thread // keyed by LWP
	mem       *MemState
	handler   *procHandler
	lwpMode   LwpControlMode

	counters *processCounters

	stopMgr *procStopManager

	// exitCh is closed exactly once, by setExit, so Terminate can block
	// the caller until the exit event has actually surfaced through the
	// generator/handler pipeline rather than just issuing the platform
	// call.
	exitCh chan struct{}

	// subsys bundles the per-process subsystems ProcessLifecycle wires up
	// on create/attach/forked: nil until then, nilled out again on
	// detach/terminate teardown.
	subsys *procSubsystems

	errMu     sync.Mutex
	lastError *EngineError
}

// procSubsystems bundles the per-process engine components that depend on
// both the process record and the engine-wide PlatformOps/CounterRegistry,
// constructed once by ProcessLifecycle and torn down on detach/terminate.
type procSubsystems struct {
	async *AsyncResponseSet
	mem   *MemorySubsystem
	bp    *BreakpointEngine
	rpc   *RPCScheduler
	imal  *InferiorMalloc
	lib   *LibraryTracker
	step  *singleStepController
}

// Async returns the process's async-response set, used to wait on
// Response values returned by MemSubsystem/LibTracker operations.
func (p *Process) Async() *AsyncResponseSet {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.subsys == nil {
		return nil
	}
	return p.subsys.async
}

// MemSubsystem returns the process's memory cache/IO component, or nil if
// the process has not been wired up by ProcessLifecycle yet.
func (p *Process) MemSubsystem() *MemorySubsystem {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.subsys == nil {
		return nil
	}
	return p.subsys.mem
}

// Breakpoints returns the process's breakpoint engine.
func (p *Process) Breakpoints() *BreakpointEngine {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.subsys == nil {
		return nil
	}
	return p.subsys.bp
}

// RPCs returns the process's inferior RPC scheduler.
func (p *Process) RPCs() *RPCScheduler {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.subsys == nil {
		return nil
	}
	return p.subsys.rpc
}

// InfMalloc returns the process's inferior-malloc arena.
func (p *Process) InfMalloc() *InferiorMalloc {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.subsys == nil {
		return nil
	}
	return p.subsys.imal
}

// stepController returns the process's single-step controller, or nil if
// the process has not been wired up yet.
func (p *Process) stepController() *singleStepController {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.subsys == nil {
		return nil
	}
	return p.subsys.step
}

// LibTracker returns the process's library tracker.
func (p *Process) LibTracker() *LibraryTracker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.subsys == nil {
		return nil
	}
	return p.subsys.lib
}

// processCounters bundles this process's locally-scoped contributions to
// the engine-wide CounterRegistry: async events pending, force-generator-
// block requests, and startup/teardown in-flight, all scoped per
// process.
type processCounters struct {
	AsyncEvents         *Counter
	ForceGeneratorBlock *Counter
	StartupTeardown     *Counter
	PendingStops        *Counter
	HandlerRunning      *Counter
	NonExitedThreads    *Counter
}

// procHandler is the opaque reference to a process's handler-pool
// resources (platform debug handle, etc.), owned here and released on
// state transition into {exited, detached, error}.
type procHandler struct {
	closed bool
	close  func() error
}

// releaseHandler closes the process's handler-pool resources, once.
// Called on every transition into {exited, detached, error}.
func (p *Process) releaseHandler() {
	p.mu.Lock()
	h := p.handler
	p.handler = nil
	p.mu.Unlock()
	if h == nil || h.closed {
		return
	}
	h.closed = true
	if h.close != nil {
		_ = h.close()
	}
}

// LocalCounter returns this process's local contribution to the named
// engine-wide counter: the processCount observer over the two-tier counter
// discipline. Counters this process holds no handle for report zero.
func (p *Process) LocalCounter(name CounterName) int64 {
	c := p.counters
	switch name {
	case CounterAsyncEvents:
		return c.AsyncEvents.LocalCount()
	case CounterForceGeneratorBlock:
		return c.ForceGeneratorBlock.LocalCount()
	case CounterStartupTeardownProcesses:
		return c.StartupTeardown.LocalCount()
	case CounterPendingStops:
		return c.PendingStops.LocalCount()
	case CounterHandlerRunningThreads:
		return c.HandlerRunning.LocalCount()
	case CounterGeneratorNonExitedThreads:
		return c.NonExitedThreads.LocalCount()
	}
	return 0
}

// procStopManager tracks in-flight process-wide stop requests, used by
// process-stopper breakpoints and RPCs to know when every thread has
// actually stopped.
type procStopManager struct {
	mu      sync.Mutex
	pending int
	done    chan struct{}
}

func newProcStopManager() *procStopManager {
	return &procStopManager{done: make(chan struct{}, 1)}
}

func (m *procStopManager) begin() {
	m.mu.Lock()
	m.pending++
	m.mu.Unlock()
}

func (m *procStopManager) threadStopped() {
	m.mu.Lock()
	if m.pending == 0 {
		m.mu.Unlock()
		return
	}
	m.pending--
	done := m.pending == 0
	m.mu.Unlock()
	if done {
		select {
		case m.done <- struct{}{}:
		default:
		}
	}
}

func (m *procStopManager) wait() {
	<-m.done
}

// NewProcess allocates a Process record in state ProcNeonatal with a fresh
// thread pool and its own MemState.
func NewProcess(pid int, mode CreationMode, registry *CounterRegistry) *Process {
	p := &Process{
		PID:      pid,
		Creation: mode,
		Fds:      make(map[int]string),
		state:    ProcNeonatal,
		threads:  make(map[int]*Thread),
		stopMgr:  newProcStopManager(),
		exitCh:   make(chan struct{}),
		counters: &processCounters{
			AsyncEvents:         registry.NewCounter(CounterAsyncEvents),
			ForceGeneratorBlock: registry.NewCounter(CounterForceGeneratorBlock),
			StartupTeardown:     registry.NewCounter(CounterStartupTeardownProcesses),
			PendingStops:        registry.NewCounter(CounterPendingStops),
			HandlerRunning:      registry.NewCounter(CounterHandlerRunningThreads),
			NonExitedThreads:    registry.NewCounter(CounterGeneratorNonExitedThreads),
		},
	}
	p.mem = NewMemState(p)
	return p
}

// State returns the process's current overall lifecycle state.
func (p *Process) State() ProcState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// setState transitions the process to ns. Callers hold the engine's
// exclusion lock; this only guards the field itself against concurrent
// read access from diagnostics.
func (p *Process) setState(ns ProcState) {
	p.mu.Lock()
	p.state = ns
	p.mu.Unlock()
}

// ExitCode and CrashSignal are valid once State() == ProcExited.
func (p *Process) ExitCode() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitCode
}

func (p *Process) CrashSignal() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.crashSignal
}

func (p *Process) setExit(code, signal int) {
	p.mu.Lock()
	alreadyExited := p.state == ProcExited
	p.exitCode = code
	p.crashSignal = signal
	p.state = ProcExited
	p.mu.Unlock()
	if !alreadyExited {
		close(p.exitCh)
		p.releaseHandler()
	}
}

// WaitExited blocks until the process's exit event has been observed and
// handled, or ctx is done, whichever comes first.
func (p *Process) WaitExited(ctx context.Context) error {
	select {
	case <-p.exitCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ContinueSignal returns the signal to deliver on the process's next
// group continue (distinct from any one thread's PendingSignal).
func (p *Process) ContinueSignal() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.continueSignal
}

func (p *Process) SetContinueSignal(sig int) {
	p.mu.Lock()
	p.continueSignal = sig
	p.mu.Unlock()
}

// MemState returns this process's shared memory-state handle.
func (p *Process) MemState() *MemState { return p.mem }

// Threads returns a snapshot slice of the process's current thread pool.
func (p *Process) Threads() []*Thread {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Thread, 0, len(p.threads))
	for _, t := range p.threads {
		out = append(out, t)
	}
	return out
}

// Thread looks up a thread by LWP.
func (p *Process) Thread(lwp int) (*Thread, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.threads[lwp]
	return t, ok
}

// addThread registers t in the process's thread pool and counts it toward
// GeneratorNonExitedThreads until its exit event is observed.
func (p *Process) addThread(t *Thread) {
	p.mu.Lock()
	p.threads[t.LWP] = t
	p.mu.Unlock()
	p.counters.NonExitedThreads.Inc()
}

// reapThread removes a thread from the pool once it is both Exited and
// Reaped: a thread can exit without its LWP being
// destroyed yet, and removing it from the pool early would let a
// subsequent LWP create/pre-destroy/post-destroy notification for
// the same LWP slot find no owner.
func (p *Process) reapThread(lwp int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.threads[lwp]
	if !ok || !t.Exited || !t.Reaped {
		return false
	}
	delete(p.threads, lwp)
	return true
}

// ThreadCountInState counts threads whose given slot currently equals
// want; the layered stop/run invariant requires
// |Generator=running| >= |Handler=running| >= |Internal=running|.
func (p *Process) ThreadCountInState(slot StateSlot, want RunState) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, t := range p.threads {
		if t.State.Get(slot) == want {
			n++
		}
	}
	return n
}
