package procctl

import (
	"bytes"
	"testing"
)

func newTestMemorySubsystem() (*MemorySubsystem, *BreakpointEngine, *fakeBackingStore, *Process) {
	ops := newFakeBackingStore()
	registry := NewCounterRegistry()
	proc := NewProcess(1, CreatedByLaunch, registry)
	async := NewAsyncResponseSet(registry.NewCounter(CounterAsyncEvents))
	mem := NewMemorySubsystem(proc, ops, async, 4096)
	bp := NewBreakpointEngine(proc, ops, mem, async, registry)
	return mem, bp, ops, proc
}

func TestReadMemServesSecondReadFromPageCache(t *testing.T) {
	mem, _, ops, _ := newTestMemorySubsystem()
	const addr = uintptr(0x1000)
	ops.seed(addr, []byte{0x11, 0x22, 0x33})

	first, resp, err := mem.ReadMem(addr, 3)
	if err != nil || resp != nil {
		t.Fatalf("ReadMem = (resp %v, err %v), want synchronous success", resp, err)
	}
	if !bytes.Equal(first, []byte{0x11, 0x22, 0x33}) {
		t.Fatalf("first read = % x", first)
	}

	// Mutate the backing store behind the cache's back; a cached read must
	// not observe it.
	ops.seed(addr, []byte{0xFF, 0xFF, 0xFF})
	second, _, err := mem.ReadMem(addr, 3)
	if err != nil {
		t.Fatalf("ReadMem (cached): %v", err)
	}
	if !bytes.Equal(second, first) {
		t.Fatalf("cached read = % x, want % x", second, first)
	}
}

func TestWriteMemInvalidatesOverlappingPages(t *testing.T) {
	mem, _, ops, _ := newTestMemorySubsystem()
	const addr = uintptr(0x2000)
	ops.seed(addr, []byte{0x01})

	if _, _, err := mem.ReadMem(addr, 1); err != nil {
		t.Fatalf("priming read: %v", err)
	}
	if err := mem.WriteMem(addr, []byte{0x02}); err != nil {
		t.Fatalf("WriteMem: %v", err)
	}
	got, _, err := mem.ReadMem(addr, 1)
	if err != nil {
		t.Fatalf("ReadMem after write: %v", err)
	}
	if got[0] != 0x02 {
		t.Fatalf("read after write = %#x, want 0x02", got[0])
	}
}

func TestReadMemMasksInstalledTrapBytes(t *testing.T) {
	mem, bp, ops, _ := newTestMemorySubsystem()
	const addr = uintptr(0x3000)
	ops.seed(addr-1, []byte{0xAA, 0x55, 0xBB})

	b := &Breakpoint{}
	if err := bp.InstallSW(b, addr); err != nil {
		t.Fatalf("InstallSW: %v", err)
	}
	if raw := ops.snapshot(addr, 1); raw[0] != 0xCC {
		t.Fatalf("backing memory = %#x, want trap 0xCC", raw[0])
	}

	got, _, err := mem.ReadMem(addr-1, 3)
	if err != nil {
		t.Fatalf("ReadMem: %v", err)
	}
	if !bytes.Equal(got, []byte{0xAA, 0x55, 0xBB}) {
		t.Fatalf("read over trap = % x, want original bytes with the trap masked", got)
	}
}

func TestWriteMemStraddlingTrapPreservesTrapAndRedirectsSavedBytes(t *testing.T) {
	mem, bp, ops, _ := newTestMemorySubsystem()
	const addr = uintptr(0x4000)
	ops.seed(addr-1, []byte{0x10, 0x20, 0x30})

	b := &Breakpoint{}
	if err := bp.InstallSW(b, addr); err != nil {
		t.Fatalf("InstallSW: %v", err)
	}

	// Write three bytes straddling the one-byte trap at addr.
	if err := mem.WriteMem(addr-1, []byte{0x40, 0x50, 0x60}); err != nil {
		t.Fatalf("WriteMem: %v", err)
	}

	// The trap byte must survive in the underlying buffer.
	if raw := ops.snapshot(addr, 1); raw[0] != 0xCC {
		t.Fatalf("backing memory at trap = %#x, want trap 0xCC preserved", raw[0])
	}
	// The surrounding bytes are written through.
	if raw := ops.snapshot(addr-1, 1); raw[0] != 0x40 {
		t.Fatalf("byte before trap = %#x, want 0x40", raw[0])
	}
	if raw := ops.snapshot(addr+1, 1); raw[0] != 0x60 {
		t.Fatalf("byte after trap = %#x, want 0x60", raw[0])
	}

	// A read sees the full written range, trap transparently masked.
	got, _, err := mem.ReadMem(addr-1, 3)
	if err != nil {
		t.Fatalf("ReadMem: %v", err)
	}
	if !bytes.Equal(got, []byte{0x40, 0x50, 0x60}) {
		t.Fatalf("read after straddling write = % x, want 40 50 60", got)
	}

	// Uninstall restores the redirected byte, not the stale original.
	if err := bp.UninstallSW(b); err != nil {
		t.Fatalf("UninstallSW: %v", err)
	}
	if raw := ops.snapshot(addr, 1); raw[0] != 0x50 {
		t.Fatalf("memory after uninstall = %#x, want redirected byte 0x50", raw[0])
	}
}

func TestInferiorMallocDirectPathRecordsOutstandingRegion(t *testing.T) {
	ops := newCallRecordingOps()
	registry := NewCounterRegistry()
	proc := NewProcess(1, CreatedByLaunch, registry)
	async := NewAsyncResponseSet(registry.NewCounter(CounterAsyncEvents))
	mem := NewMemorySubsystem(proc, ops, async, 4096)
	rpc := NewRPCScheduler(ops, mem, registry, 4)
	imal := NewInferiorMalloc(proc, ops, rpc, mem)
	rpc.bindInferiorMalloc(func() *InferiorMalloc { return imal })

	th := NewThread(proc, 1, 1)
	proc.addThread(th)
	inst := newBPInstance(0x9000)
	th.clearingBP = inst // forces the direct allocation path

	allocOps := &directAllocOps{callRecordingOps: ops, next: 0x10000}
	imal.ops = allocOps

	addr, err := imal.Alloc(th, 4096)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if addr == 0 || addr%4096 != 0 {
		t.Fatalf("Alloc returned %#x, want non-zero page-aligned address", addr)
	}
	if got := imal.Outstanding()[addr]; got != 4096 {
		t.Fatalf("Outstanding[%#x] = %d, want 4096", addr, got)
	}
}

// directAllocOps hands out page-aligned regions from a bump pointer.
type directAllocOps struct {
	*callRecordingOps
	next uintptr
}

func (o *directAllocOps) MallocExecMemory(proc *Process, t *Thread, size int) (uintptr, *EngineError) {
	addr := o.next
	o.next += (uintptr(size) + 4095) &^ 4095
	return addr, nil
}
