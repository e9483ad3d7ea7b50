package procctl

import (
	"context"
	"testing"
	"time"
)

// pipelineOps drives the full generator/handler pipeline from a test:
// WaitForEvent feeds from a channel the test injects raw platform events
// into, standing in for the OS debug event stream.
type pipelineOps struct {
	*callRecordingOps
	createPID int
	events    chan *PlatformEvent
}

func newPipelineOps(pid int) *pipelineOps {
	return &pipelineOps{
		callRecordingOps: newCallRecordingOps(),
		createPID:        pid,
		events:           make(chan *PlatformEvent, 16),
	}
}

func (o *pipelineOps) Create(argv, env []string) (int, *EngineError) { return o.createPID, nil }

func (o *pipelineOps) WaitForEvent(ctx context.Context) (*PlatformEvent, *EngineError) {
	select {
	case ev := <-o.events:
		return ev, nil
	case <-ctx.Done():
		return nil, nil
	}
}

func (o *pipelineOps) inject(ev *PlatformEvent) { o.events <- ev }

func newPipelineEngine(t *testing.T, pid int) (*Engine, *pipelineOps, *Process, func()) {
	t.Helper()
	ops := newPipelineOps(pid)
	eng, err := NewEngine(EngineConfig{
		Threading: HandlerThreading,
		Platform:  ops,
		LwpMode:   LwpControlIndep,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	eng.Start(ctx)

	proc, eerr := eng.Create([]string{"/bin/true"}, nil)
	if eerr != nil {
		cancel()
		t.Fatalf("Create: %v", eerr)
	}
	stop := func() {
		_ = eng.Stop()
		cancel()
	}
	return eng, ops, proc, stop
}

func waitForEvent(t *testing.T, ch <-chan Event, want EventKind) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %d", want)
		}
	}
}

func TestEngineDeliversBreakpointHitThroughPipeline(t *testing.T) {
	eng, ops, proc, stop := newPipelineEngine(t, 900)
	defer stop()

	got := make(chan Event, 16)
	eng.OnEvent(func(ev Event) { got <- ev })

	const addr = uintptr(0x1000)
	ops.seed(addr, []byte{0x90})
	if _, err := eng.PostBreakpoint(proc, addr); err != nil {
		t.Fatalf("PostBreakpoint: %v", err)
	}

	ops.inject(&PlatformEvent{Kind: PlatformEventTrap, PID: 900, LWP: 900, Addr: addr})
	ev := waitForEvent(t, got, EventBreakpointHit)
	if ev.Addr != addr || ev.Thread == nil || ev.Thread.LWP != 900 {
		t.Fatalf("breakpoint event = %+v, want addr %#x on lwp 900", ev, addr)
	}

	th, _ := proc.Thread(900)
	if err := th.State.CheckInvariants(); err != nil {
		t.Fatalf("post-hit invariants: %v", err)
	}
}

func TestEngineSuppressedBreakpointStopsSilently(t *testing.T) {
	eng, ops, proc, stop := newPipelineEngine(t, 901)
	defer stop()

	got := make(chan Event, 16)
	eng.OnEvent(func(ev Event) { got <- ev })

	const addr = uintptr(0x2000)
	ops.seed(addr, []byte{0x90})
	var hits int
	if _, err := eng.PostBreakpoint(proc, addr, SuppressCallbacks(), OnHit(func(*HitContext) { hits++ })); err != nil {
		t.Fatalf("PostBreakpoint: %v", err)
	}

	ops.inject(&PlatformEvent{Kind: PlatformEventTrap, PID: 901, LWP: 901, Addr: addr})

	// The exit event that follows is delivered; the suppressed breakpoint
	// event must not have been.
	ops.inject(&PlatformEvent{Kind: PlatformEventExit, PID: 901, Code: 0})
	ev := waitForEvent(t, got, EventProcessExited)
	if ev.Kind != EventProcessExited {
		t.Fatalf("event = %+v, want process exit", ev)
	}
	select {
	case stray := <-got:
		if stray.Kind == EventBreakpointHit {
			t.Fatal("suppressed breakpoint still delivered a user callback")
		}
	default:
	}
	if hits != 1 {
		t.Fatalf("OnHit fired %d times, want 1 (suppression only silences the user event)", hits)
	}
}

func TestEngineProcessExitUnblocksTerminate(t *testing.T) {
	eng, ops, proc, stop := newPipelineEngine(t, 902)
	defer stop()

	done := make(chan *EngineError, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- eng.Terminate(ctx, proc)
	}()

	// The kill's exit event surfaces through the pipeline.
	ops.inject(&PlatformEvent{Kind: PlatformEventExit, PID: 902, Code: 0})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Terminate: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Terminate never unblocked after the exit event")
	}
	if proc.State() != ProcExited {
		t.Fatalf("state after terminate = %v, want exited", proc.State())
	}
	if got := proc.Async().Outstanding(); got != 0 {
		t.Fatalf("outstanding responses after exit = %d, want 0", got)
	}
}

func TestEngineFollowForkAdoptsChild(t *testing.T) {
	eng, ops, proc, stop := newPipelineEngine(t, 903)
	defer stop()

	got := make(chan Event, 16)
	eng.OnEvent(func(ev Event) { got <- ev })
	eng.SetForkPolicy(proc, ForkPolicyFollowing)

	// Seed a parent-side breakpoint the child must inherit.
	const addr = uintptr(0x3000)
	ops.seed(addr, []byte{0x90})
	if _, err := eng.PostBreakpoint(proc, addr); err != nil {
		t.Fatalf("PostBreakpoint: %v", err)
	}

	ops.inject(&PlatformEvent{Kind: PlatformEventFork, PID: 903, Code: 904})
	ev := waitForEvent(t, got, EventForked)
	if ev.Child == nil {
		t.Fatal("fork event carries no adopted child process")
	}
	if ev.Child.PID != 904 || ev.Child.Creation != CreatedByFork {
		t.Fatalf("child = pid %d mode %v, want 904/fork", ev.Child.PID, ev.Child.Creation)
	}
	if _, ok := ev.Child.MemState().breakpointAt(addr); !ok {
		t.Fatal("child did not inherit the parent's breakpoint map at fork time")
	}
}

func TestEngineUserStopContinueRoundTrip(t *testing.T) {
	eng, ops, proc, stop := newPipelineEngine(t, 905)
	defer stop()

	if err := eng.ContinueProcess(proc); err != nil {
		t.Fatalf("ContinueProcess: %v", err)
	}
	if got := ops.contCount(); got != 1 {
		t.Fatalf("continue calls = %d, want 1", got)
	}

	if err := eng.StopProcess(proc); err != nil {
		t.Fatalf("StopProcess: %v", err)
	}
	if got := ops.stopCount(); got != 1 {
		t.Fatalf("stop calls = %d, want 1", got)
	}

	// The platform confirms the stop; PendingStops drains.
	ops.inject(&PlatformEvent{Kind: PlatformEventStop, PID: 905, LWP: 905})
	deadline := time.Now().Add(5 * time.Second)
	for eng.registry.GlobalCount(CounterPendingStops) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("PendingStops never drained after the stop event")
		}
		time.Sleep(time.Millisecond)
	}
	th, _ := proc.Thread(905)
	if got := th.State.Get(SlotHandler); got != StateStopped {
		t.Fatalf("handler slot after confirmed stop = %v, want stopped", got)
	}
}

func TestEngineReadWriteMemoryRoundTrip(t *testing.T) {
	eng, ops, proc, stop := newPipelineEngine(t, 906)
	defer stop()

	const addr = uintptr(0x4000)
	ops.seed(addr, []byte{0xDE, 0xAD})

	data, err := eng.ReadMemory(proc, addr, 2)
	if err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}
	if data[0] != 0xDE || data[1] != 0xAD {
		t.Fatalf("ReadMemory = % x, want DE AD", data)
	}

	if err := eng.WriteMemory(proc, addr, []byte{0xBE, 0xEF}); err != nil {
		t.Fatalf("WriteMemory: %v", err)
	}
	data, err = eng.ReadMemory(proc, addr, 2)
	if err != nil {
		t.Fatalf("ReadMemory (after write): %v", err)
	}
	if data[0] != 0xBE || data[1] != 0xEF {
		t.Fatalf("ReadMemory after write = % x, want BE EF", data)
	}
}

func TestEngineThreadCreateAndSharedBreakpoint(t *testing.T) {
	eng, ops, proc, stop := newPipelineEngine(t, 907)
	defer stop()

	got := make(chan Event, 16)
	eng.OnEvent(func(ev Event) { got <- ev })

	// A second thread appears in the target.
	ops.inject(&PlatformEvent{Kind: PlatformEventThreadCreate, PID: 907, LWP: 908})
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := proc.Thread(908); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("thread-create event never inserted lwp 908 into the pool")
		}
		time.Sleep(time.Millisecond)
	}

	const addr = uintptr(0x5000)
	ops.seed(addr, []byte{0x90})
	if _, err := eng.PostBreakpoint(proc, addr); err != nil {
		t.Fatalf("PostBreakpoint: %v", err)
	}

	// Both threads hit the shared address in turn.
	ops.inject(&PlatformEvent{Kind: PlatformEventTrap, PID: 907, LWP: 907, Addr: addr})
	first := waitForEvent(t, got, EventBreakpointHit)
	if first.Thread == nil || first.Thread.LWP != 907 {
		t.Fatalf("first hit on lwp %v, want 907", first.Thread)
	}
	ops.inject(&PlatformEvent{Kind: PlatformEventTrap, PID: 907, LWP: 908, Addr: addr})
	second := waitForEvent(t, got, EventBreakpointHit)
	if second.Thread == nil || second.Thread.LWP != 908 {
		t.Fatalf("second hit on lwp %v, want 908", second.Thread)
	}

	// The breakpoint survives both cleanups, trap re-armed.
	if raw := ops.snapshot(addr, 1); raw[0] != 0xCC {
		t.Fatalf("trap byte after two hits = %#x, want re-armed 0xCC", raw[0])
	}
}

func TestEngineProcessStopperEscalatesAndReleases(t *testing.T) {
	eng, ops, proc, stop := newPipelineEngine(t, 909)
	defer stop()

	got := make(chan Event, 16)
	eng.OnEvent(func(ev Event) { got <- ev })

	ops.inject(&PlatformEvent{Kind: PlatformEventThreadCreate, PID: 909, LWP: 910})
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := proc.Thread(910); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("thread-create event never inserted lwp 910")
		}
		time.Sleep(time.Millisecond)
	}

	const addr = uintptr(0x6000)
	ops.seed(addr, []byte{0x90})
	if _, err := eng.PostBreakpoint(proc, addr, ProcessStopper()); err != nil {
		t.Fatalf("PostBreakpoint: %v", err)
	}

	ops.inject(&PlatformEvent{Kind: PlatformEventTrap, PID: 909, LWP: 909, Addr: addr})
	waitForEvent(t, got, EventBreakpointHit)

	// The running sibling got a stop request from the escalation.
	if ops.stopCount() == 0 {
		t.Fatal("process-stopper hit issued no platform stop for the running sibling")
	}
	sibling, _ := proc.Thread(910)
	if gotState := sibling.State.Get(SlotBreakpoint); gotState != StateStopped {
		t.Fatalf("sibling breakpoint slot = %v, want stopped", gotState)
	}

	// Releasing the stop resumes threads whose remaining target is running.
	if err := eng.ReleaseProcessStop(proc); err != nil {
		t.Fatalf("ReleaseProcessStop: %v", err)
	}
	for _, th := range proc.Threads() {
		if gotState := th.State.Get(SlotBreakpoint); gotState != StateNone {
			t.Fatalf("lwp %d breakpoint slot after release = %v, want none", th.LWP, gotState)
		}
	}
}

func TestEngineCrashSignalDistinctFromExitCode(t *testing.T) {
	eng, ops, proc, stop := newPipelineEngine(t, 912)
	defer stop()

	got := make(chan Event, 16)
	eng.OnEvent(func(ev Event) { got <- ev })

	// The target dies from SIGSEGV rather than exiting.
	ops.inject(&PlatformEvent{Kind: PlatformEventExit, PID: 912, Signal: 11})
	ev := waitForEvent(t, got, EventProcessExited)
	if ev.Signal != 11 {
		t.Fatalf("exit event signal = %d, want 11", ev.Signal)
	}
	if proc.State() != ProcExited {
		t.Fatalf("state = %v, want exited", proc.State())
	}
	if sig := proc.CrashSignal(); sig != 11 {
		t.Fatalf("CrashSignal = %d, want 11", sig)
	}
	if code := proc.ExitCode(); code != 0 {
		t.Fatalf("ExitCode = %d, want 0 for a signalled death", code)
	}
}

func TestEngineLaunchStepThriceAndTerminate(t *testing.T) {
	eng, ops, proc, stop := newPipelineEngine(t, 911)
	defer stop()

	th, ok := proc.Thread(911)
	if !ok {
		t.Fatal("launched process has no initial thread")
	}
	th.SetRegisters(&Registers{PC: 0x400, SP: 0x7000})

	for i := 0; i < 3; i++ {
		if err := eng.StepOver(proc, th, 0x400+uintptr(i)); err != nil {
			t.Fatalf("StepOver #%d: %v", i+1, err)
		}
	}

	done := make(chan *EngineError, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- eng.Terminate(ctx, proc)
	}()
	ops.inject(&PlatformEvent{Kind: PlatformEventExit, PID: 911, Code: 0})
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Terminate: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Terminate never unblocked")
	}
	if code := proc.ExitCode(); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if got := proc.Async().Outstanding(); got != 0 {
		t.Fatalf("outstanding responses after exit = %d, want 0", got)
	}
}
