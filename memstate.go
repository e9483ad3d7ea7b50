package procctl

import "sync"

// Library is one dynamically loaded library tracked against a process's
// address space.
type Library struct {
	Name            string
	LoadAddress     uintptr
	DataLoadAddress uintptr // optional; zero if not separate from LoadAddress
	DynamicAddr     uintptr
	MarkedForReap   bool
	UserData        any
}

// MemState is the copy-on-write record shared by a process and every
// process forked from it, until either mutates it: the set of sharing
// processes, loaded libraries, the address→sw-breakpoint map, and the
// inferior-malloc arena.
type MemState struct {
	mu sync.Mutex

	refcount int
	sharing  map[*Process]struct{}

	libs map[string]*Library // keyed by libKey: (name, load address)

	// breakpoints maps a target address to the breakpoint instance
	// installed there, software or hardware: one keyspace for both, so an
	// install can detect a collision with the other variant at the same
	// address.
	breakpoints map[uintptr]bpInstanceHandle

	// infMalloced tracks inferior-allocated executable regions, address
	// to size.
	infMalloced map[uintptr]int

	// DynLinkerBreakAddr is the dynamic linker's notification-hook
	// address, recorded by Engine.SetDynLinkerBreakAddr and preserved
	// across exec.
	DynLinkerBreakAddr uintptr

	clean bool
}

// NewMemState returns a MemState owned solely by owner.
func NewMemState(owner *Process) *MemState {
	m := &MemState{
		sharing:     map[*Process]struct{}{owner: {}},
		libs:        make(map[string]*Library),
		breakpoints: make(map[uintptr]bpInstanceHandle),
		infMalloced: make(map[uintptr]int),
		refcount:    1,
	}
	return m
}

// Share adds proc to the set of processes sharing this record, typically
// called when a fork event is observed and the child has not yet diverged.
func (m *MemState) Share(proc *Process) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sharing[proc] = struct{}{}
	m.refcount++
}

// Unshare removes proc from the sharing set. When the refcount drops to
// zero the record is marked clean, ready for a sweep to reclaim.
func (m *MemState) Unshare(proc *Process) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sharing, proc)
	m.refcount--
	if m.refcount <= 0 {
		m.clean = true
	}
}

// Clean reports whether this record's last sharing process has detached
// from it and it is ready for collection.
func (m *MemState) Clean() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clean
}

// Fork returns a new MemState that shares this one's contents (libraries,
// breakpoints, inf-malloc map copied by reference semantics at the Go
// level: until a write occurs on either side the two records are
// logically identical snapshots) and registers child as a sharer of the
// original until the first mutating call forces a copy-on-write split.
//
// This engine implements the copy-on-write split eagerly at fork time
// rather than lazily on first write, trading a small up-front copy for a
// much simpler concurrency story: both parent and child MemState values
// are independently lockable from the moment Fork returns, with no need
// to intercept every mutating method to check for a pending split.
func (m *MemState) Fork(child *Process) *MemState {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := &MemState{
		sharing:            map[*Process]struct{}{child: {}},
		libs:               make(map[string]*Library, len(m.libs)),
		breakpoints:        make(map[uintptr]bpInstanceHandle, len(m.breakpoints)),
		infMalloced:        make(map[uintptr]int, len(m.infMalloced)),
		refcount:           1,
		DynLinkerBreakAddr: m.DynLinkerBreakAddr,
	}
	for k, v := range m.libs {
		lib := *v
		cp.libs[k] = &lib
	}
	for k, v := range m.breakpoints {
		cp.breakpoints[k] = v
	}
	for k, v := range m.infMalloced {
		cp.infMalloced[k] = v
	}
	return cp
}

// Libraries returns a snapshot slice of currently tracked libraries.
func (m *MemState) Libraries() []*Library {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Library, 0, len(m.libs))
	for _, l := range m.libs {
		out = append(out, l)
	}
	return out
}

func (m *MemState) breakpointAt(addr uintptr) (bpInstanceHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.breakpoints[addr]
	return inst, ok
}

// swBreakpointAt resolves addr to a software breakpoint instance, the only
// variant with saved bytes for the memory subsystem to mask and split
// around.
func (m *MemState) swBreakpointAt(addr uintptr) (*bpInstance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sw, ok := m.breakpoints[addr].(*bpInstance)
	return sw, ok
}

func (m *MemState) setBreakpoint(addr uintptr, inst bpInstanceHandle) {
	m.mu.Lock()
	m.breakpoints[addr] = inst
	m.mu.Unlock()
}

func (m *MemState) removeBreakpoint(addr uintptr) {
	m.mu.Lock()
	delete(m.breakpoints, addr)
	m.mu.Unlock()
}

func (m *MemState) markInfMalloced(addr uintptr, size int) {
	m.mu.Lock()
	m.infMalloced[addr] = size
	m.mu.Unlock()
}

func (m *MemState) unmarkInfMalloced(addr uintptr) {
	m.mu.Lock()
	delete(m.infMalloced, addr)
	m.mu.Unlock()
}
