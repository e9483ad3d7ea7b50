package procctl

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

// rpcOps extends the recording fake with a working direct allocator and a
// hook that fires once the scheduler has pointed the thread at the
// injected code (step 4), standing in for the platform actually running it.
type rpcOps struct {
	*callRecordingOps

	next uintptr

	mu        sync.Mutex
	entered   chan *Thread
	setRegsAt []uintptr
}

func newRPCOps() *rpcOps {
	return &rpcOps{
		callRecordingOps: newCallRecordingOps(),
		next:             0x20000,
		entered:          make(chan *Thread, 4),
	}
}

func (o *rpcOps) MallocExecMemory(proc *Process, t *Thread, size int) (uintptr, *EngineError) {
	addr := o.next
	o.next += (uintptr(size) + 4095) &^ 4095
	return addr, nil
}

func (o *rpcOps) SetAllRegisters(proc *Process, t *Thread, regs *Registers) *EngineError {
	o.mu.Lock()
	o.setRegsAt = append(o.setRegsAt, regs.PC)
	o.mu.Unlock()
	select {
	case o.entered <- t:
	default:
	}
	return nil
}

func newRPCFixture() (*RPCScheduler, *rpcOps, *Thread, *CounterRegistry) {
	ops := newRPCOps()
	registry := NewCounterRegistry()
	proc := NewProcess(1, CreatedByLaunch, registry)
	async := NewAsyncResponseSet(registry.NewCounter(CounterAsyncEvents))
	mem := NewMemorySubsystem(proc, ops, async, 4096)
	sched := NewRPCScheduler(ops, mem, registry, 4)
	imal := NewInferiorMalloc(proc, ops, sched, mem)
	sched.bindInferiorMalloc(func() *InferiorMalloc { return imal })

	th := NewThread(proc, 1, 1)
	th.State.SetState(SlotGenerator, StateStopped)
	th.State.SetState(SlotHandler, StateStopped)
	th.State.SetState(SlotInternal, StateStopped)
	th.SetRegisters(&Registers{Raw: []byte{1, 2, 3, 4}, PC: 0x400, SP: 0x7000})
	proc.addThread(th)
	return sched, ops, th, registry
}

// completeWhenRunning stands in for the handler observing the RPC's tail
// breakpoint: it completes the thread's running RPC as soon as the
// scheduler has entered the injected code.
func completeWhenRunning(sched *RPCScheduler, ops *rpcOps, result []byte, check func(*Thread)) {
	go func() {
		select {
		case th := <-ops.entered:
			if check != nil {
				check(th)
			}
			sched.CompleteRPC(th, result, nil)
		case <-time.After(5 * time.Second):
		}
	}()
}

func TestRunSyncSavesAndRestoresRegistersAroundRPC(t *testing.T) {
	sched, ops, th, _ := newRPCFixture()

	completeWhenRunning(sched, ops, []byte{0xAB}, nil)
	result, err := sched.RunSync(th, &RPC{Code: []byte{0x90, 0x90}})
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	if !bytes.Equal(result, []byte{0xAB}) {
		t.Fatalf("result = % x, want AB", result)
	}

	regs, valid := th.Registers()
	if !valid {
		t.Fatal("register cache invalid after RPC completion")
	}
	if regs.PC != 0x400 || regs.SP != 0x7000 {
		t.Fatalf("registers after RPC = pc %#x sp %#x, want restored pc 0x400 sp 0x7000", regs.PC, regs.SP)
	}
	if !bytes.Equal(regs.Raw, []byte{1, 2, 3, 4}) {
		t.Fatalf("raw registers after RPC = % x, want original snapshot", regs.Raw)
	}

	// Both the entry redirect and the restore went through the platform.
	ops.mu.Lock()
	writes := append([]uintptr(nil), ops.setRegsAt...)
	ops.mu.Unlock()
	if len(writes) < 2 {
		t.Fatalf("SetAllRegisters calls = %d, want at least entry + restore", len(writes))
	}
	if writes[len(writes)-1] != 0x400 {
		t.Fatalf("final register write PC = %#x, want restored 0x400", writes[len(writes)-1])
	}
}

func TestRunSyncReleasesRPCSlotsAndThread(t *testing.T) {
	sched, ops, th, _ := newRPCFixture()

	completeWhenRunning(sched, ops, nil, nil)
	if _, err := sched.RunSync(th, &RPC{Code: []byte{0x90}}); err != nil {
		t.Fatalf("RunSync: %v", err)
	}

	for _, sl := range []StateSlot{SlotIRPC, SlotIRPCSetup, SlotIRPCWait} {
		if got := th.State.Get(sl); got != StateNone {
			t.Fatalf("slot %v after completion = %v, want none", sl, got)
		}
	}
	if th.runningAnyRPC() {
		t.Fatal("running RPC slot still occupied after completion")
	}
	if th.notAvailableForRPC() {
		t.Fatal("thread still marked unavailable for RPCs after completion")
	}
}

func TestRunSyncCountersDuringProcessStopperRPC(t *testing.T) {
	sched, ops, th, registry := newRPCFixture()

	completeWhenRunning(sched, ops, nil, func(running *Thread) {
		if got := registry.GlobalCount(CounterProcStopRPCs); got != 1 {
			t.Errorf("ProcStopRPCs mid-RPC = %d, want 1", got)
		}
		if got := registry.GlobalCount(CounterSyncRPCs); got != 1 {
			t.Errorf("SyncRPCs mid-RPC = %d, want 1", got)
		}
		if got := running.State.Get(SlotPendingStop); got != StateStopped {
			t.Errorf("PendingStop slot mid-stopper-RPC = %v, want stopped", got)
		}
	})
	if _, err := sched.RunSync(th, &RPC{Code: []byte{0x90}, IsProcessStopper: true}); err != nil {
		t.Fatalf("RunSync: %v", err)
	}

	if got := registry.GlobalCount(CounterProcStopRPCs); got != 0 {
		t.Fatalf("ProcStopRPCs after completion = %d, want 0", got)
	}
	if got := registry.GlobalCount(CounterSyncRPCs); got != 0 {
		t.Fatalf("SyncRPCs after completion = %d, want 0", got)
	}
	if got := th.State.Get(SlotPendingStop); got != StateNone {
		t.Fatalf("PendingStop slot after completion = %v, want none", got)
	}
}

func TestRunSyncAllocatesCodeRegionThroughDirectPath(t *testing.T) {
	sched, ops, th, _ := newRPCFixture()

	completeWhenRunning(sched, ops, nil, nil)
	if _, err := sched.RunSync(th, &RPC{Code: []byte{0x90, 0x90, 0x90}}); err != nil {
		t.Fatalf("RunSync: %v", err)
	}

	outstanding := sched.imal().Outstanding()
	if len(outstanding) != 1 {
		t.Fatalf("outstanding inferior allocations = %d, want 1 code region", len(outstanding))
	}
	for addr, size := range outstanding {
		if addr == 0 || size != 3 {
			t.Fatalf("code region = (%#x, %d), want non-zero address of size 3", addr, size)
		}
	}
}

func TestRPCAbortOnTerminateRestoresRegistersAndFails(t *testing.T) {
	sched, ops, th, _ := newRPCFixture()

	r := &RPC{Code: []byte{0x90}, Sync: true}
	r.done = make(chan struct{})
	errCh := make(chan *EngineError, 1)
	go func() {
		_, err := sched.run(th, r)
		errCh <- err
	}()

	// Wait until setup has finished and the thread is inside the injected
	// code, then abort it the way Terminate's abortOutstanding does.
	select {
	case <-ops.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("RPC never entered its injected code")
	}
	sched.abort(th, r, newErr(ErrNotAttached, "process was terminated"))

	select {
	case err := <-errCh:
		if err == nil || err.Kind != ErrNotAttached {
			t.Fatalf("aborted RPC error = %v, want not-attached", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("aborted RPC never unblocked its caller")
	}
	regs, valid := th.Registers()
	if !valid || regs.PC != 0x400 {
		t.Fatalf("registers after abort = (%v, %v), want restored pc 0x400", regs, valid)
	}
}
