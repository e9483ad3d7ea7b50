package procctl

import (
	"context"
	"testing"
	"time"
)

// lifecycleOps gives the fake a real pid for Create and a canned library
// table for the initial refresh.
type lifecycleOps struct {
	*callRecordingOps
	createPID int
	libs      []*Library
}

func newLifecycleOps(pid int) *lifecycleOps {
	return &lifecycleOps{callRecordingOps: newCallRecordingOps(), createPID: pid}
}

func (o *lifecycleOps) Create(argv, env []string) (int, *EngineError) { return o.createPID, nil }

func (o *lifecycleOps) GetLoadedLibraries(proc *Process) ([]*Library, *Response, *EngineError) {
	return o.libs, nil, nil
}

func newLifecycleFixture(pid int) (*ProcessLifecycle, *lifecycleOps, *Generator, *CounterRegistry, func()) {
	ops := newLifecycleOps(pid)
	registry := NewCounterRegistry()
	notifier, err := NewNotifier()
	if err != nil {
		panic(err)
	}
	gen := NewGenerator(ops, notifier, NewMTLock(), registry)
	life := newProcessLifecycle(ops, registry, gen, notifier, nil, 4096, 4, LwpControlIndep)
	return life, ops, gen, registry, func() { _ = notifier.Close() }
}

func TestCreateWiresSubsystemsAndReleasesStartup(t *testing.T) {
	life, ops, gen, registry, done := newLifecycleFixture(321)
	defer done()
	ops.libs = []*Library{{Name: "libc.so.6", LoadAddress: 0x7f0000000000}}

	proc, err := life.Create([]string{"/bin/true"}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if proc.PID != 321 || proc.Creation != CreatedByLaunch {
		t.Fatalf("process = pid %d mode %v, want 321/launch", proc.PID, proc.Creation)
	}
	if proc.MemSubsystem() == nil || proc.Breakpoints() == nil || proc.RPCs() == nil || proc.LibTracker() == nil || proc.Async() == nil || proc.InfMalloc() == nil {
		t.Fatal("Create left a per-process subsystem unwired")
	}
	if got := len(proc.Threads()); got != 1 {
		t.Fatalf("initial thread count = %d, want 1", got)
	}
	th := proc.Threads()[0]
	if got := th.State.Get(SlotStartup); got != StateNone {
		t.Fatalf("startup slot after initializeAddressSpace = %v, want released", got)
	}
	// The initial refresh populated libraries without raising callbacks.
	if got := len(proc.MemState().Libraries()); got != 1 {
		t.Fatalf("library count after create = %d, want 1", got)
	}
	// Startup/teardown bookkeeping is balanced once Create returns.
	if got := registry.GlobalCount(CounterStartupTeardownProcesses); got != 0 {
		t.Fatalf("StartupTeardownProcesses after create = %d, want 0", got)
	}
	if got := registry.GlobalCount(CounterForceGeneratorBlock); got != 0 {
		t.Fatalf("ForceGeneratorBlock after create = %d, want 0", got)
	}
	if got := registry.GlobalCount(CounterGeneratorNonExitedThreads); got != 1 {
		t.Fatalf("GeneratorNonExitedThreads = %d, want 1", got)
	}
	if _, tracked := gen.procs[321]; !tracked {
		t.Fatal("created process not registered with the generator")
	}
}

func TestForkedChildSharesMemStateSnapshotUntilDivergence(t *testing.T) {
	life, ops, _, _, done := newLifecycleFixture(100)
	defer done()

	parent, err := life.Create([]string{"/bin/parent"}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	parent.ForkPolicy = ForkPolicyFollowing

	// Install a breakpoint in the parent before the fork.
	const addr = uintptr(0x5000)
	ops.seed(addr, []byte{0x77})
	b := &Breakpoint{}
	if err := parent.Breakpoints().InstallSW(b, addr); err != nil {
		t.Fatalf("InstallSW: %v", err)
	}

	child, err := life.Forked(parent, 101)
	if err != nil {
		t.Fatalf("Forked: %v", err)
	}
	if child.Creation != CreatedByFork {
		t.Fatalf("child creation mode = %v, want fork", child.Creation)
	}
	if child.ForkPolicy != ForkPolicyFollowing {
		t.Fatalf("child fork policy = %v, want inherited following", child.ForkPolicy)
	}

	// The child inherits the parent's breakpoint map at fork time.
	if _, ok := child.MemState().breakpointAt(addr); !ok {
		t.Fatal("child did not inherit the parent's software breakpoint")
	}

	// A post-fork install in the parent must not appear in the child.
	const newAddr = uintptr(0x6000)
	ops.seed(newAddr, []byte{0x88})
	b2 := &Breakpoint{}
	if err := parent.Breakpoints().InstallSW(b2, newAddr); err != nil {
		t.Fatalf("InstallSW (post-fork): %v", err)
	}
	if _, ok := child.MemState().breakpointAt(newAddr); ok {
		t.Fatal("post-fork parent breakpoint leaked into the child's mem state")
	}
}

func TestForkedWithPolicyNoneIsNotTracked(t *testing.T) {
	life, _, gen, _, done := newLifecycleFixture(200)
	defer done()

	parent, err := life.Create([]string{"/bin/parent"}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	parent.ForkPolicy = ForkPolicyNone

	child, err := life.Forked(parent, 201)
	if err != nil {
		t.Fatalf("Forked: %v", err)
	}
	if _, tracked := gen.procs[201]; tracked {
		t.Fatal("untracked fork child was registered with the generator")
	}
	if child.State() != ProcRunning {
		t.Fatalf("child state = %v, want running (left to its own devices)", child.State())
	}
}

func TestForkedFollowingStoppedHoldsChildThreads(t *testing.T) {
	life, _, _, _, done := newLifecycleFixture(300)
	defer done()

	parent, err := life.Create([]string{"/bin/parent"}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	parent.ForkPolicy = ForkPolicyFollowingStopped

	child, err := life.Forked(parent, 301)
	if err != nil {
		t.Fatalf("Forked: %v", err)
	}
	for _, th := range child.Threads() {
		if got := th.State.Get(SlotUser); got != StateStopped {
			t.Fatalf("child lwp %d user slot = %v, want stopped under following-stopped policy", th.LWP, got)
		}
	}
}

func TestTerminateIsIdempotentOnExitedProcess(t *testing.T) {
	life, _, _, _, done := newLifecycleFixture(400)
	defer done()

	proc, err := life.Create([]string{"/bin/true"}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	proc.setExit(0, 0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := life.Terminate(ctx, proc); err != nil {
		t.Fatalf("Terminate on exited process = %v, want nil", err)
	}
	if err := life.Terminate(ctx, proc); err != nil {
		t.Fatalf("second Terminate = %v, want nil (idempotent)", err)
	}
}

func TestTerminateFailsOutstandingResponses(t *testing.T) {
	life, _, _, _, done := newLifecycleFixture(500)
	defer done()

	proc, err := life.Create([]string{"/bin/true"}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	async := proc.Async()
	resp := async.New(MemResponse)

	// The exit event "arrives" before Terminate has to wait for it.
	proc.setExit(0, 9)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := life.Terminate(ctx, proc); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if got := resp.Status(); got != StatusPending {
		t.Fatalf("response status = %v, want still pending (terminate on an exited process is a no-op)", got)
	}

	// A live process being terminated does fail its responses.
	proc2, err := life.Create([]string{"/bin/true"}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	resp2 := proc2.Async().New(MemResponse)
	go func() {
		// Stand in for the generator/handler pipeline observing the kill.
		time.Sleep(10 * time.Millisecond)
		proc2.setExit(0, 9)
	}()
	if err := life.Terminate(ctx, proc2); err != nil {
		t.Fatalf("Terminate (live): %v", err)
	}
	if got := resp2.Status(); got != StatusError {
		t.Fatalf("outstanding response after terminate = %v, want error", got)
	}
}

func TestDetachTearsDownSubsystems(t *testing.T) {
	life, _, _, _, done := newLifecycleFixture(600)
	defer done()

	proc, err := life.Create([]string{"/bin/true"}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := life.Detach(proc); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if proc.State() != ProcDetached {
		t.Fatalf("state after detach = %v, want detached", proc.State())
	}
	if proc.MemSubsystem() != nil || proc.Breakpoints() != nil {
		t.Fatal("subsystems still wired after detach")
	}
	for _, th := range proc.Threads() {
		if got := th.State.Get(SlotHandler); got != StateDetached {
			t.Fatalf("lwp %d handler slot = %v, want detached", th.LWP, got)
		}
	}
	// Detaching again is a no-op.
	if err := life.Detach(proc); err != nil {
		t.Fatalf("second Detach = %v, want nil", err)
	}
}

func TestExecedClearsAddressSpaceButKeepsDynLinkerBreakAddr(t *testing.T) {
	life, ops, _, _, done := newLifecycleFixture(700)
	defer done()
	ops.libs = []*Library{{Name: "libold.so", LoadAddress: 0x1000}}

	proc, err := life.Create([]string{"/bin/true"}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	mem := proc.MemState()
	mem.mu.Lock()
	mem.DynLinkerBreakAddr = 0xdead0
	mem.infMalloced[0x9000] = 64
	mem.mu.Unlock()

	ops.libs = []*Library{{Name: "libnew.so", LoadAddress: 0x2000}}
	if err := life.Execed(proc); err != nil {
		t.Fatalf("Execed: %v", err)
	}

	libs := mem.Libraries()
	if len(libs) != 1 || libs[0].Name != "libnew.so" {
		t.Fatalf("libraries after exec = %v, want only libnew.so", libs)
	}
	mem.mu.Lock()
	infCount := len(mem.infMalloced)
	brk := mem.DynLinkerBreakAddr
	mem.mu.Unlock()
	if infCount != 0 {
		t.Fatalf("inferior-malloc map after exec has %d entries, want 0", infCount)
	}
	if brk != 0xdead0 {
		t.Fatalf("DynLinkerBreakAddr after exec = %#x, want preserved 0xdead0", brk)
	}
}
