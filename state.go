package procctl

import "sync"

// RunState is the value held by each of a thread's state slots.
type RunState int

const (
	StateNone RunState = iota
	StateNeonatal
	StateNeonatalIntermediate
	StateRunning
	StateStopped
	StateDontCare
	StateDitto
	StateExited
	StateDetached
	StateError
)

func (s RunState) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateNeonatal:
		return "neonatal"
	case StateNeonatalIntermediate:
		return "neonatal-intermediate"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateDontCare:
		return "dontcare"
	case StateDitto:
		return "ditto"
	case StateExited:
		return "exited"
	case StateDetached:
		return "detached"
	case StateError:
		return "error"
	default:
		return "unknown-state"
	}
}

// StateSlot names one of the sixteen per-thread state slots, in strictly
// descending priority order: the lowest-numbered non-none/dontcare/ditto
// slot wins when resolving a thread's effective target.
type StateSlot int

const (
	SlotAsync StateSlot = iota
	SlotCallback
	SlotPendingStop
	SlotIRPC
	SlotIRPCSetup
	SlotIRPCWait
	SlotBreakpoint
	SlotInternal
	SlotBreakpointResume
	SlotExiting
	SlotStartup
	SlotDetach
	SlotUserRPC
	SlotUser
	// SlotHandler and SlotGenerator are observation slots: written only by
	// the handler and generator actors respectively, never targets that
	// other subsystems assert against.
	SlotHandler
	SlotGenerator

	numSlots
)

func (sl StateSlot) String() string {
	switch sl {
	case SlotAsync:
		return "async"
	case SlotCallback:
		return "callback"
	case SlotPendingStop:
		return "pending-stop"
	case SlotIRPC:
		return "irpc"
	case SlotIRPCSetup:
		return "irpc-setup"
	case SlotIRPCWait:
		return "irpc-wait"
	case SlotBreakpoint:
		return "breakpoint"
	case SlotInternal:
		return "internal"
	case SlotBreakpointResume:
		return "breakpoint-resume"
	case SlotExiting:
		return "exiting"
	case SlotStartup:
		return "startup"
	case SlotDetach:
		return "detach"
	case SlotUserRPC:
		return "user-rpc"
	case SlotUser:
		return "user"
	case SlotHandler:
		return "handler"
	case SlotGenerator:
		return "generator"
	default:
		return "unknown-slot"
	}
}

// isTargetSlot reports whether sl is one of the fourteen target slots that
// subsystems assert intent against, as opposed to the two observation
// slots (Handler, Generator) written only by the actors that own them.
func (sl StateSlot) isTargetSlot() bool {
	return sl < SlotHandler
}

// slotValue is one slot's current assertion plus whether the thread has
// been reconciled to match it.
type slotValue struct {
	state  RunState
	synced bool
}

// ThreadStateModel holds a thread's sixteen state slots and resolves the
// thread's effective target: the value of the highest-priority
// (lowest-numbered) slot whose state is not none/dontcare/ditto, where ditto means "same as the next
// higher-priority non-ditto slot".
type ThreadStateModel struct {
	mu    sync.Mutex
	slots [numSlots]slotValue
}

// NewThreadStateModel returns a model with every slot at StateNone, synced.
func NewThreadStateModel() *ThreadStateModel {
	m := &ThreadStateModel{}
	for i := range m.slots {
		m.slots[i] = slotValue{state: StateNone, synced: true}
	}
	return m
}

// Get returns the current state of slot sl without regard to sync status.
func (m *ThreadStateModel) Get(sl StateSlot) RunState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slots[sl].state
}

// SetState sets slot sl to ns and marks it synced: the model's bookkeeping
// reflects that the thread already matches this layer's intent (used when
// a layer observes rather than requests a transition, e.g. Generator and
// Handler after the platform confirms it).
func (m *ThreadStateModel) SetState(sl StateSlot, ns RunState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[sl] = slotValue{state: ns, synced: true}
}

// DesyncState sets slot sl to ns but marks it not-yet-reflected: the
// reconciler must act to bring the thread to this state. Used by target
// slots (not Handler/Generator) to request a transition.
func (m *ThreadStateModel) DesyncState(sl StateSlot, ns RunState) {
	if !sl.isTargetSlot() {
		panic("procctl: DesyncState on an observation slot")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[sl] = slotValue{state: ns, synced: false}
}

// RestoreState drops slot sl's assertion, returning it to StateNone,
// synced: the layer no longer has an opinion about the thread's state.
func (m *ThreadStateModel) RestoreState(sl StateSlot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[sl] = slotValue{state: StateNone, synced: true}
}

// IsSynced reports whether every target slot matches the reconciler's last
// pass, i.e. there is no pending transition to perform for this thread.
func (m *ThreadStateModel) IsSynced() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sl := StateSlot(0); sl < SlotHandler; sl++ {
		if !m.slots[sl].synced {
			return false
		}
	}
	return true
}

// EffectiveTarget resolves the thread's effective target state: the state
// of the lowest-numbered target slot whose value is not
// none/dontcare/ditto. A ditto slot defers to the next higher-priority
// slot that does resolve to a concrete state (or, failing that, to
// StateNone). Returns the winning slot too, mainly for diagnostics.
func (m *ThreadStateModel) EffectiveTarget() (RunState, StateSlot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.effectiveTargetLocked()
}

func (m *ThreadStateModel) effectiveTargetLocked() (RunState, StateSlot) {
	for sl := StateSlot(0); sl < SlotHandler; sl++ {
		switch m.slots[sl].state {
		case StateNone, StateDontCare:
			continue
		case StateDitto:
			continue
		default:
			return m.slots[sl].state, sl
		}
	}
	return StateNone, SlotGenerator
}

// markReconciled marks every target slot at or above the winning slot's
// priority whose state equals the reached state (or defers via ditto) as
// synced. Called by the reconciler once it has driven the thread to match
// its effective target.
func (m *ThreadStateModel) markReconciled(reached RunState, through StateSlot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sl := StateSlot(0); sl <= through; sl++ {
		if m.slots[sl].state == reached || m.slots[sl].state == StateDitto {
			m.slots[sl].synced = true
		}
	}
}

// CheckInvariants verifies the four layered stop/run implications:
// Generator=running implies Handler=running; Handler=running implies
// Internal=running; Internal=stopped implies Handler=stopped;
// Handler=stopped implies Generator=stopped. Returns nil if all hold.
func (m *ThreadStateModel) CheckInvariants() *EngineError {
	m.mu.Lock()
	defer m.mu.Unlock()
	gen := m.slots[SlotGenerator].state
	hnd := m.slots[SlotHandler].state
	intl := m.slots[SlotInternal].state
	if gen == StateRunning && hnd != StateRunning {
		return newErr(ErrInternalInvariantViolated, "generator running but handler not running")
	}
	if hnd == StateRunning && intl != StateRunning {
		return newErr(ErrInternalInvariantViolated, "handler running but internal not running")
	}
	if intl == StateStopped && hnd != StateStopped {
		return newErr(ErrInternalInvariantViolated, "internal stopped but handler not stopped")
	}
	if hnd == StateStopped && gen != StateStopped {
		return newErr(ErrInternalInvariantViolated, "handler stopped but generator not stopped")
	}
	return nil
}
