package procctl

import (
	"context"
	"sync"
)

// EventKind classifies a raw platform notification once the generator has
// turned it into a typed event.
type EventKind int

const (
	EventThreadStopped EventKind = iota
	EventThreadContinued
	EventBreakpointHit
	EventSingleStepDone
	EventRPCCompleted
	EventThreadExited
	EventThreadCreated
	EventProcessExited
	EventForked
	EventExeced
	EventLibraryChanged
	// EventLibraryRefreshFailed is a handler-synthesized event (never
	// produced by decode): delivered when a post-exec or post-load
	// Library.Refresh call returns an error, since mem.libs is left
	// untouched on that path and the caller otherwise has no way to learn
	// the library list is stale.
	EventLibraryRefreshFailed
	EventError
)

// Event is the generator's typed output, queued for the handler to decode
// and act on. Never mutated after it is queued.
type Event struct {
	Kind    EventKind
	Process *Process
	Thread  *Thread
	// LWP is the raw lightweight-process id the platform reported, kept
	// alongside Thread because a thread-create event's LWP has no pool
	// entry yet for decode to resolve.
	LWP  int
	Addr uintptr
	Code int
	// Signal is the terminating signal on an EventProcessExited for a
	// crashed process; zero when the process exited normally with the
	// status in Code.
	Signal int
	Err    *EngineError

	// Child is the adopted child process record on an EventForked delivered
	// to user callbacks; nil on every other event kind.
	Child *Process
}

// Generator is the one dedicated actor that blocks on the platform event
// source, converts raw notifications into typed Events, updates the
// generator-layer (SlotGenerator) state of affected threads, and pushes
// events into the decode/handle queue. It never mutates protocol or user
// state directly.
type Generator struct {
	ops      PlatformOps
	notifier *Notifier
	lock     *MTLock

	procsMu sync.Mutex
	procs   map[int]*Process

	queueMu sync.Mutex
	queue   []Event

	registry       *CounterRegistry
	runningThreads *Counter
}

// NewGenerator constructs a Generator over the given platform backend.
func NewGenerator(ops PlatformOps, notifier *Notifier, lock *MTLock, registry *CounterRegistry) *Generator {
	return &Generator{
		ops:            ops,
		notifier:       notifier,
		lock:           lock,
		procs:          make(map[int]*Process),
		registry:       registry,
		runningThreads: registry.NewCounter(CounterGeneratorRunningThreads),
	}
}

// Track registers proc so its events are observed by this generator.
func (g *Generator) Track(proc *Process) {
	g.procsMu.Lock()
	g.procs[proc.PID] = proc
	g.procsMu.Unlock()
}

// Untrack removes proc, called once it has fully exited and been reaped.
func (g *Generator) Untrack(proc *Process) {
	g.procsMu.Lock()
	delete(g.procs, proc.PID)
	g.procsMu.Unlock()
}

// Run is the generator's main loop: block on the platform wait primitive
// (never while holding the exclusion lock, since the wait can stall
// indefinitely), convert the result into an Event, take the lock just
// long enough to update SlotGenerator, enqueue, and notify.
func (g *Generator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// ForceGeneratorBlock > 0 suspends new generator work until every
		// startup/teardown in flight has finished wiring.
		g.registry.WaitZero(CounterForceGeneratorBlock)

		// The platform wait blocks without the exclusion lock.
		raw, err := g.ops.WaitForEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		if raw == nil {
			continue
		}

		ev := g.decode(raw)

		g.lock.LockUser()
		g.applyGeneratorState(ev)
		g.lock.UnlockUser()

		g.enqueue(ev)
		g.notifier.NoteEvent()
	}
}

// decode turns a raw platform notification into a typed Event. The
// platform backend already resolved which process/thread it concerns.
func (g *Generator) decode(raw *PlatformEvent) Event {
	g.procsMu.Lock()
	proc := g.procs[raw.PID]
	g.procsMu.Unlock()

	ev := Event{Process: proc, LWP: raw.LWP, Addr: raw.Addr, Code: raw.Code, Signal: raw.Signal}
	if proc != nil {
		if t, ok := proc.Thread(raw.LWP); ok {
			ev.Thread = t
		}
	}

	switch raw.Kind {
	case PlatformEventStop:
		ev.Kind = EventThreadStopped
	case PlatformEventContinue:
		ev.Kind = EventThreadContinued
	case PlatformEventTrap:
		ev.Kind = EventBreakpointHit
	case PlatformEventSingleStep:
		ev.Kind = EventSingleStepDone
	case PlatformEventThreadExit:
		ev.Kind = EventThreadExited
	case PlatformEventThreadCreate:
		ev.Kind = EventThreadCreated
	case PlatformEventExit:
		ev.Kind = EventProcessExited
	case PlatformEventFork:
		ev.Kind = EventForked
	case PlatformEventExec:
		ev.Kind = EventExeced
	case PlatformEventError:
		ev.Kind = EventError
		ev.Err = raw.Err
	}
	return ev
}

// applyGeneratorState writes SlotGenerator on the affected thread(s) to
// reflect what the platform just reported. Generator is an observation
// slot; apart from this method it is only written when a thread record is
// first created (ProcessLifecycle.addInitialThread and the handler's
// thread-created path).
func (g *Generator) applyGeneratorState(ev Event) {
	if ev.Thread == nil {
		return
	}
	switch ev.Kind {
	case EventThreadStopped, EventBreakpointHit, EventSingleStepDone:
		g.setGeneratorObserved(ev.Thread, StateStopped)
	case EventThreadContinued:
		g.setGeneratorObserved(ev.Thread, StateRunning)
		ev.Thread.InvalidateRegisters()
	case EventThreadExited:
		g.setGeneratorObserved(ev.Thread, StateExited)
		if !ev.Thread.Exited {
			ev.Thread.Exited = true
			ev.Thread.Owner.counters.NonExitedThreads.Dec()
		}
	}
}

// setGeneratorObserved writes the Generator observation slot and keeps the
// GeneratorRunningThreads counter in step, one contribution per thread
// currently observed running at the OS level.
func (g *Generator) setGeneratorObserved(t *Thread, ns RunState) {
	t.State.SetState(SlotGenerator, ns)
	running := ns == StateRunning
	t.mu.Lock()
	was := t.generatorCounted
	t.generatorCounted = running
	t.mu.Unlock()
	if running && !was {
		g.runningThreads.Inc()
	} else if !running && was {
		g.runningThreads.Dec()
	}
}

func (g *Generator) enqueue(ev Event) {
	g.queueMu.Lock()
	g.queue = append(g.queue, ev)
	g.queueMu.Unlock()
}

// drain pops every queued event, returning them in generator-observation
// order. Called by the Handler, never by user code directly.
func (g *Generator) drain() []Event {
	g.queueMu.Lock()
	defer g.queueMu.Unlock()
	out := g.queue
	g.queue = nil
	return out
}
