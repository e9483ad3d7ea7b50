package procctl

import "testing"

type libraryOps struct {
	*fakeBackingStore
	libs []*Library
}

func (o *libraryOps) GetLoadedLibraries(proc *Process) ([]*Library, *Response, *EngineError) {
	return o.libs, nil, nil
}

func newLibraryFixture() (*LibraryTracker, *BreakpointEngine, *libraryOps, *Process) {
	ops := &libraryOps{fakeBackingStore: newFakeBackingStore()}
	registry := NewCounterRegistry()
	proc := NewProcess(1, CreatedByLaunch, registry)
	async := NewAsyncResponseSet(registry.NewCounter(CounterAsyncEvents))
	mem := NewMemorySubsystem(proc, ops, async, 4096)
	bp := NewBreakpointEngine(proc, ops, mem, async, registry)
	lt := NewLibraryTracker(proc, ops, async)
	return lt, bp, ops, proc
}

func TestLibraryRefreshDiffsAddedAndRemoved(t *testing.T) {
	lt, _, ops, proc := newLibraryFixture()

	var added, removed []string
	lt.OnLibraryAdded(func(l *Library) { added = append(added, l.Name) })
	lt.OnLibraryRemoved(func(l *Library) { removed = append(removed, l.Name) })

	ops.libs = []*Library{
		{Name: "libc.so.6", LoadAddress: 0x1000},
		{Name: "libfoo.so", LoadAddress: 0x2000},
	}
	if err := lt.Refresh(false); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(added) != 2 || len(removed) != 0 {
		t.Fatalf("first refresh: added %v removed %v, want 2 added 0 removed", added, removed)
	}
	if got := len(proc.MemState().Libraries()); got != 2 {
		t.Fatalf("tracked libraries = %d, want 2", got)
	}

	// libfoo unloads; libbar loads.
	added, removed = nil, nil
	ops.libs = []*Library{
		{Name: "libc.so.6", LoadAddress: 0x1000},
		{Name: "libbar.so", LoadAddress: 0x3000},
	}
	if err := lt.Refresh(false); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(added) != 1 || added[0] != "libbar.so" {
		t.Fatalf("added = %v, want [libbar.so]", added)
	}
	if len(removed) != 1 || removed[0] != "libfoo.so" {
		t.Fatalf("removed = %v, want [libfoo.so]", removed)
	}
	if lib := proc.MemState().Libraries(); len(lib) != 2 {
		t.Fatalf("tracked libraries after churn = %d, want 2", len(lib))
	}
}

func TestLibraryRefreshSuppressedRaisesNoCallbacks(t *testing.T) {
	lt, _, ops, _ := newLibraryFixture()

	var callbacks int
	lt.OnLibraryAdded(func(*Library) { callbacks++ })

	ops.libs = []*Library{{Name: "libc.so.6", LoadAddress: 0x1000}}
	if err := lt.Refresh(true); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if callbacks != 0 {
		t.Fatalf("suppressed refresh raised %d callbacks, want 0", callbacks)
	}
}

func TestLibraryRefreshIsIdempotentOnUnchangedTable(t *testing.T) {
	lt, _, ops, _ := newLibraryFixture()

	var events int
	lt.OnLibraryAdded(func(*Library) { events++ })
	lt.OnLibraryRemoved(func(*Library) { events++ })

	ops.libs = []*Library{{Name: "libc.so.6", LoadAddress: 0x1000}}
	if err := lt.Refresh(false); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	events = 0
	if err := lt.Refresh(false); err != nil {
		t.Fatalf("Refresh (unchanged): %v", err)
	}
	if events != 0 {
		t.Fatalf("unchanged refresh raised %d events, want 0", events)
	}
}

func TestSetTrackLibrariesInstallsAndRemovesHookBreakpoint(t *testing.T) {
	lt, bp, ops, proc := newLibraryFixture()

	// Without a resolved hook address, enabling must fail cleanly.
	if err := lt.SetTrackLibraries(true, bp); err == nil || err.Kind != ErrUnsupportedPlatformOp {
		t.Fatalf("SetTrackLibraries without hook address = %v, want unsupported-platform-op", err)
	}

	const hook = uintptr(0x7000)
	ops.seed(hook, []byte{0x12})
	proc.MemState().mu.Lock()
	proc.MemState().DynLinkerBreakAddr = hook
	proc.MemState().mu.Unlock()

	if err := lt.SetTrackLibraries(true, bp); err != nil {
		t.Fatalf("SetTrackLibraries(enable): %v", err)
	}
	if _, ok := proc.MemState().breakpointAt(hook); !ok {
		t.Fatal("enabling tracking did not install the dynamic-linker hook breakpoint")
	}
	// Enabling twice is a no-op.
	if err := lt.SetTrackLibraries(true, bp); err != nil {
		t.Fatalf("SetTrackLibraries(enable, again): %v", err)
	}

	if err := lt.SetTrackLibraries(false, bp); err != nil {
		t.Fatalf("SetTrackLibraries(disable): %v", err)
	}
	if _, ok := proc.MemState().breakpointAt(hook); ok {
		t.Fatal("disabling tracking left the hook breakpoint installed")
	}
	if raw := ops.snapshot(hook, 1); raw[0] != 0x12 {
		t.Fatalf("hook site after disable = %#x, want original 0x12", raw[0])
	}
}

func TestLibraryHookHitTriggersRefresh(t *testing.T) {
	lt, bp, ops, proc := newLibraryFixture()

	const hook = uintptr(0x8000)
	ops.seed(hook, []byte{0x00})
	proc.MemState().mu.Lock()
	proc.MemState().DynLinkerBreakAddr = hook
	proc.MemState().mu.Unlock()
	if err := lt.SetTrackLibraries(true, bp); err != nil {
		t.Fatalf("SetTrackLibraries: %v", err)
	}

	var added []string
	lt.OnLibraryAdded(func(l *Library) { added = append(added, l.Name) })
	ops.libs = []*Library{{Name: "libfoo.so", LoadAddress: 0x4000}}

	th := NewThread(proc, 1, 1)
	proc.addThread(th)
	if _, err := bp.HandleHit(th, hook, NewSingleStepController(ops, proc)); err != nil {
		t.Fatalf("HandleHit on hook: %v", err)
	}
	if len(added) != 1 || added[0] != "libfoo.so" {
		t.Fatalf("added after hook hit = %v, want [libfoo.so]", added)
	}
	if proc.MemState().Libraries()[0].LoadAddress == 0 {
		t.Fatal("tracked library has zero load address")
	}
}

func TestLibraryReloadAtNewAddressIsRemoveThenAdd(t *testing.T) {
	lt, _, ops, proc := newLibraryFixture()

	var added, removed []*Library
	lt.OnLibraryAdded(func(l *Library) { added = append(added, l) })
	lt.OnLibraryRemoved(func(l *Library) { removed = append(removed, l) })

	ops.libs = []*Library{{Name: "libfoo.so", LoadAddress: 0x1000}}
	if err := lt.Refresh(false); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// Same name, new base: the old mapping is gone, a new one appeared.
	added, removed = nil, nil
	ops.libs = []*Library{{Name: "libfoo.so", LoadAddress: 0x9000}}
	if err := lt.Refresh(false); err != nil {
		t.Fatalf("Refresh (reloaded): %v", err)
	}
	if len(removed) != 1 || removed[0].LoadAddress != 0x1000 {
		t.Fatalf("removed = %v, want the 0x1000 mapping", removed)
	}
	if len(added) != 1 || added[0].LoadAddress != 0x9000 {
		t.Fatalf("added = %v, want the 0x9000 mapping", added)
	}
	libs := proc.MemState().Libraries()
	if len(libs) != 1 || libs[0].LoadAddress != 0x9000 {
		t.Fatalf("tracked libraries = %v, want only the relocated mapping", libs)
	}
}
