package procctl

// InferiorMalloc manages inferior-allocated executable memory: regions of
// the target's address space allocated for breakpoint trampolines, RPC
// code sequences, and similar engine-internal needs.
type InferiorMalloc struct {
	proc *Process
	ops  PlatformOps
	rpc  *RPCScheduler
	mem  *MemorySubsystem
}

// NewInferiorMalloc constructs an inferior-malloc arena for proc.
func NewInferiorMalloc(proc *Process, ops PlatformOps, rpc *RPCScheduler, mem *MemorySubsystem) *InferiorMalloc {
	return &InferiorMalloc{proc: proc, ops: ops, rpc: rpc, mem: mem}
}

// Alloc allocates size bytes of executable inferior memory on behalf of
// thread t. When running an RPC on t would be unsafe (it is mid
// breakpoint-cleanup, or it is already running an RPC whose own code
// region this allocation is for) direct allocation is used instead: the
// platform allocates without the RPC scheduler's register-save/restore
// ceremony.
func (a *InferiorMalloc) Alloc(t *Thread, size int) (uintptr, *EngineError) {
	if t.clearingBP != nil || t.runningAnyRPC() {
		return a.directAlloc(t, size)
	}

	snippet, err := a.ops.CreateAllocationSnippet(a.proc, size)
	if err != nil {
		return 0, err
	}
	result, rerr := a.rpc.RunSync(t, &RPC{Code: snippet})
	if rerr != nil {
		return 0, rerr
	}
	addr, err := a.ops.CollectAllocationResult(a.proc, result)
	if err != nil {
		return 0, err
	}
	a.proc.MemState().markInfMalloced(addr, size)
	return addr, nil
}

// Free releases a previously allocated region by running the
// complementary deallocation snippet.
func (a *InferiorMalloc) Free(t *Thread, addr uintptr) *EngineError {
	snippet, err := a.ops.CreateDeallocationSnippet(a.proc, addr)
	if err != nil {
		return err
	}
	if _, rerr := a.rpc.RunSync(t, &RPC{Code: snippet}); rerr != nil {
		return rerr
	}
	a.proc.MemState().unmarkInfMalloced(addr)
	return nil
}

// directAlloc is the direct allocation path Alloc takes when the target
// thread is mid breakpoint-cleanup or already running an RPC. No snippet
// is built and no RPC is posted: the platform's MallocExecMemory performs
// the allocation without the RPC scheduler's register-save/restore
// ceremony.
func (a *InferiorMalloc) directAlloc(t *Thread, size int) (uintptr, *EngineError) {
	addr, err := a.ops.MallocExecMemory(a.proc, t, size)
	if err != nil {
		return 0, err
	}
	a.proc.MemState().markInfMalloced(addr, size)
	return addr, nil
}

// Outstanding returns a snapshot of every currently
// allocated inferior region and its size.
func (a *InferiorMalloc) Outstanding() map[uintptr]int {
	mem := a.proc.MemState()
	mem.mu.Lock()
	defer mem.mu.Unlock()
	out := make(map[uintptr]int, len(mem.infMalloced))
	for k, v := range mem.infMalloced {
		out[k] = v
	}
	return out
}
