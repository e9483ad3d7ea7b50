package procctl

// Handler is the second actor: drains the generator's event queue, runs
// per-event decode/handle logic, mutates handler-layer (SlotHandler) and
// internal-layer (SlotInternal) state, schedules follow-on actions
// (breakpoint restoration, RPC progression, library refresh), and returns
// callbacks for the dispatcher to post.
// Handler is process-agnostic: every event it processes carries its own
// Process, and the breakpoint engine / RPC scheduler / library tracker it
// dispatches into are looked up from that process's own subsystem bundle
// (Process.Breakpoints, Process.RPCs, Process.LibTracker) rather than held
// as singular fields here. This is what lets one Handler/dispatcher serve
// a process and any children it forks, each with its own address space
// and breakpoint map.
type Handler struct {
	gen      *Generator
	notifier *Notifier
	ops      PlatformOps

	// life is bound post-construction by the engine; the handler needs it
	// to adopt forked children and to reset address spaces on exec, and the
	// lifecycle needs the engine's generator/notifier first.
	life *ProcessLifecycle

	onEvent func(Event)
	log     *Logger
}

// NewHandler constructs a Handler wired to the given generator.
func NewHandler(gen *Generator, notifier *Notifier, ops PlatformOps, registry *CounterRegistry, log *Logger) *Handler {
	if log == nil {
		log = NewNopLogger()
	}
	return &Handler{
		gen:      gen,
		notifier: notifier,
		ops:      ops,
		log:      log,
	}
}

// bindLifecycle wires the handler to the lifecycle that adopts forked
// children and resets exec'd address spaces on its behalf.
func (h *Handler) bindLifecycle(life *ProcessLifecycle) { h.life = life }

// OnEvent registers a callback invoked (outside the exclusion lock, by the
// dispatcher) for each handled event that produces a user callback; not
// every event kind does.
func (h *Handler) OnEvent(fn func(Event)) { h.onEvent = fn }

// DrainAndHandle pops every queued event and runs decode+handle, returning
// a batch of callback thunks for the dispatcher to post. Called with the
// exclusion lock held.
func (h *Handler) DrainAndHandle() []func() {
	events := h.gen.drain()
	if len(events) == 0 {
		h.notifier.ClearEvent()
		return nil
	}
	var callbacks []func()
	for _, ev := range events {
		h.notifier.ClearEvent()
		cbs := h.handle(ev)
		callbacks = append(callbacks, cbs...)
	}
	return callbacks
}

func (h *Handler) handle(ev Event) []func() {
	var callbacks []func()

	h.ops.PreHandleEvent(&ev)
	defer h.ops.PostHandleEvent(&ev)

	switch ev.Kind {
	case EventThreadStopped:
		if ev.Thread != nil {
			ev.Thread.setHandlerObserved(StateStopped)
			ev.Thread.State.SetState(SlotInternal, StateStopped)
			ev.Thread.clearStopPending()
			ev.Thread.Owner.stopMgr.threadStopped()
		}

	case EventThreadContinued:
		if ev.Thread != nil {
			ev.Thread.setHandlerObserved(StateRunning)
			ev.Thread.State.SetState(SlotInternal, StateRunning)
		}

	case EventBreakpointHit:
		if ev.Thread != nil {
			ev.Thread.setHandlerObserved(StateStopped)
			ev.Thread.State.SetState(SlotInternal, StateStopped)
			ev.Thread.clearStopPending()
			bp := ev.Process.Breakpoints()
			if bp == nil {
				callbacks = append(callbacks, h.failProcess(ev.Process, newErr(ErrInternalInvariantViolated, "breakpoint hit on process %d with no breakpoint engine wired", ev.Process.PID))...)
				break
			}
			step := ev.Thread.singleStep
			if step == nil {
				step = ev.Process.stepController()
			}
			fired, err := bp.HandleHit(ev.Thread, ev.Addr, step)
			if err != nil {
				callbacks = append(callbacks, h.failProcess(ev.Process, err)...)
				break
			}
			for _, b := range fired {
				bCopy := b
				tCopy := ev.Thread
				addr := ev.Addr
				if !bCopy.SuppressCallbacks {
					callbacks = append(callbacks, func() {
						if h.onEvent != nil {
							h.onEvent(Event{Kind: EventBreakpointHit, Process: tCopy.Owner, Thread: tCopy, Addr: addr})
						}
					})
				}
			}
			callbacks = append(callbacks, h.continueThread(ev.Thread)...)
		}

	case EventSingleStepDone:
		if ev.Thread != nil {
			ev.Thread.setHandlerObserved(StateStopped)
			ev.Thread.State.SetState(SlotInternal, StateStopped)
		}

	case EventRPCCompleted:
		if ev.Thread != nil {
			if rpc := ev.Thread.Owner.RPCs(); rpc != nil {
				rpc.CompleteRPC(ev.Thread, nil, ev.Err)
			}
		}

	case EventThreadExited:
		if ev.Thread != nil {
			ev.Thread.setHandlerObserved(StateExited)
			ev.Thread.Exited = true
			// Without LWP post-destroy events there is no later
			// notification to reap on; the exit is the destroy.
			if !h.ops.SupportsLWPPostDestroy() {
				ev.Thread.Reaped = true
				ev.Process.reapThread(ev.Thread.LWP)
			}
		}

	case EventThreadCreated:
		if ev.Process != nil && ev.Thread == nil && ev.LWP != 0 {
			t := NewThread(ev.Process, ev.LWP, uint64(ev.LWP))
			t.State.SetState(SlotGenerator, StateRunning)
			t.setHandlerObserved(StateRunning)
			t.State.SetState(SlotInternal, StateRunning)
			ev.Process.addThread(t)
		}

	case EventForked:
		if ev.Process != nil {
			evCopy := ev
			if h.life != nil && ev.Process.ForkPolicy != ForkPolicyNone {
				child, ferr := h.life.Forked(ev.Process, ev.Code)
				if ferr != nil {
					callbacks = append(callbacks, h.failProcess(ev.Process, ferr)...)
					break
				}
				evCopy.Child = child
			}
			callbacks = append(callbacks, func() {
				if h.onEvent != nil {
					h.onEvent(evCopy)
				}
			})
		}

	case EventExeced:
		if ev.Process != nil {
			if h.life != nil {
				if rerr := h.life.Execed(ev.Process); rerr != nil {
					callbacks = append(callbacks, h.libraryRefreshFailed(ev.Process, rerr))
				}
			}
			evCopy := ev
			callbacks = append(callbacks, func() {
				if h.onEvent != nil {
					h.onEvent(evCopy)
				}
			})
		}

	case EventProcessExited:
		if ev.Process != nil {
			ev.Process.setExit(ev.Code, ev.Signal)
			for _, t := range ev.Process.Threads() {
				t.setHandlerObserved(StateExited)
				if !t.Exited {
					t.Exited = true
					ev.Process.counters.NonExitedThreads.Dec()
				}
			}
			evCopy := ev
			callbacks = append(callbacks, func() {
				if h.onEvent != nil {
					h.onEvent(evCopy)
				}
			})
		}

	case EventLibraryChanged:
		if ev.Process != nil {
			if lib := ev.Process.LibTracker(); lib != nil {
				if rerr := lib.Refresh(false); rerr != nil {
					callbacks = append(callbacks, h.libraryRefreshFailed(ev.Process, rerr))
				}
			}
		}

	case EventError:
		callbacks = append(callbacks, h.failProcess(ev.Process, ev.Err)...)
	}

	return callbacks
}

// continueThread resolves the thread's effective target after handling
// and issues a platform continue if it now resolves to running.
func (h *Handler) continueThread(t *Thread) []func() {
	target, _ := t.State.EffectiveTarget()
	if target != StateRunning {
		return nil
	}
	if err := h.ops.Cont(t.Owner, t); err != nil {
		return h.failProcess(t.Owner, err)
	}
	t.setHandlerObserved(StateRunning)
	t.InvalidateRegisters()
	return nil
}

// libraryRefreshFailed builds the callback thunk delivered when a
// post-exec or post-load Library.Refresh call fails; unlike failProcess,
// a stale library list is not itself fatal to the process.
func (h *Handler) libraryRefreshFailed(proc *Process, err *EngineError) func() {
	return func() {
		if h.onEvent != nil {
			h.onEvent(Event{Kind: EventLibraryRefreshFailed, Process: proc, Err: err})
		}
	}
}

// failProcess is the fatal-error path for event handling: the process
// transitions to error, all threads move to error, every response still
// outstanding on the process's async set is failed so no caller blocked in
// Wait hangs forever, and an error event is delivered. Returns the
// callback thunk for the dispatcher to post, for the caller to append to
// its own batch.
func (h *Handler) failProcess(proc *Process, err *EngineError) []func() {
	if proc == nil {
		return nil
	}
	proc.setLastError(err)
	proc.setState(ProcError)
	h.log.Error("process failed during event handling", err, F("pid", proc.PID))
	for _, t := range proc.Threads() {
		t.setHandlerObserved(StateError)
		t.State.SetState(SlotInternal, StateError)
	}
	if async := proc.Async(); async != nil {
		async.FailAll(err)
	}
	proc.releaseHandler()
	return []func(){func() {
		if h.onEvent != nil {
			h.onEvent(Event{Kind: EventError, Process: proc, Err: err})
		}
	}}
}
