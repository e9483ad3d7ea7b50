package procctl

import "fmt"

// LibraryTracker refreshes the loaded-library table against a platform
// snapshot, diffs it against the process's tracked set, and raises
// add/remove callbacks.
type LibraryTracker struct {
	proc  *Process
	ops   PlatformOps
	async *AsyncResponseSet

	tracking bool
	hookBP   *Breakpoint

	onAdded   func(*Library)
	onRemoved func(*Library)
}

// NewLibraryTracker constructs a tracker for proc.
func NewLibraryTracker(proc *Process, ops PlatformOps, async *AsyncResponseSet) *LibraryTracker {
	return &LibraryTracker{proc: proc, ops: ops, async: async}
}

// OnLibraryAdded / OnLibraryRemoved register callbacks raised by Refresh,
// unless suppressed.
func (lt *LibraryTracker) OnLibraryAdded(fn func(*Library))   { lt.onAdded = fn }
func (lt *LibraryTracker) OnLibraryRemoved(fn func(*Library)) { lt.onRemoved = fn }

// Refresh implements the four-step sequence: fetch the platform's current
// table (possibly async), diff against the tracked set by (name, load
// address), delete removed, insert added (marking each for symbol-reader
// attach), and raise callbacks unless suppressed.
func (lt *LibraryTracker) Refresh(suppressCallbacks bool) *EngineError {
	current, resp, err := lt.ops.GetLoadedLibraries(lt.proc)
	if err != nil {
		return err
	}
	if resp != nil {
		lt.ops.PreAsyncWait()
		lt.async.Wait(resp)
		if resp.Err() != nil {
			return resp.Err()
		}
		current, _ = resp.Payload().([]*Library)
	}

	mem := lt.proc.MemState()
	existing := mem.Libraries()

	existingKey := make(map[string]*Library, len(existing))
	for _, l := range existing {
		existingKey[libKey(l)] = l
	}
	currentKey := make(map[string]*Library, len(current))
	for _, l := range current {
		currentKey[libKey(l)] = l
	}

	var added, removed []*Library
	for k, l := range currentKey {
		if _, ok := existingKey[k]; !ok {
			added = append(added, l)
		}
	}
	for k, l := range existingKey {
		if _, ok := currentKey[k]; !ok {
			removed = append(removed, l)
		}
	}

	mem.mu.Lock()
	for _, l := range removed {
		delete(mem.libs, libKey(l))
	}
	for _, l := range added {
		mem.libs[libKey(l)] = l
	}
	mem.mu.Unlock()

	if !suppressCallbacks {
		for _, l := range added {
			if lt.onAdded != nil {
				lt.onAdded(l)
			}
		}
		for _, l := range removed {
			if lt.onRemoved != nil {
				lt.onRemoved(l)
			}
		}
	}
	return nil
}

// libKey identifies a library by (name, load address): the same object
// reloaded at a different base is a remove of the old mapping plus an add
// of the new one, not a silent no-op.
func libKey(l *Library) string {
	return fmt.Sprintf("%s@%#x", l.Name, l.LoadAddress)
}

// SetTrackLibraries toggles library tracking: on enables a breakpoint at
// the dynamic linker's notification hook (mem.DynLinkerBreakAddr), off
// removes it.
func (lt *LibraryTracker) SetTrackLibraries(enable bool, bpEngine *BreakpointEngine) *EngineError {
	if enable == lt.tracking {
		return nil
	}
	mem := lt.proc.MemState()
	if enable {
		if mem.DynLinkerBreakAddr == 0 {
			return newErr(ErrUnsupportedPlatformOp, "dynamic linker break address not resolved")
		}
		b := &Breakpoint{ProcessStopper: false, SuppressCallbacks: true}
		b.onHit = func(hc *HitContext) { _ = lt.Refresh(false) }
		if err := bpEngine.InstallSW(b, mem.DynLinkerBreakAddr); err != nil {
			return err
		}
		lt.hookBP = b
	} else if lt.hookBP != nil {
		if err := bpEngine.UninstallSW(lt.hookBP); err != nil {
			return err
		}
		lt.hookBP = nil
	}
	lt.tracking = enable
	return nil
}
