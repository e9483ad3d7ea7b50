package procctl

// This file is the reconciliation half of the thread state model:
// target slots record what each subsystem wants, and syncRunState drives
// the platform toward the highest-priority (lowest-numbered) winner, writing the Handler
// observation slot to match once the platform confirms.

// SetStateProc applies SetState(sl, ns) to every thread in the process.
// Callers hold the engine's exclusion lock, which is what makes the
// process-wide variant atomic with respect to other slot writers.
func (p *Process) SetStateProc(sl StateSlot, ns RunState) {
	for _, t := range p.Threads() {
		t.State.SetState(sl, ns)
	}
}

// DesyncStateProc applies DesyncState(sl, ns) to every thread in the
// process.
func (p *Process) DesyncStateProc(sl StateSlot, ns RunState) {
	for _, t := range p.Threads() {
		t.State.DesyncState(sl, ns)
	}
}

// RestoreStateProc drops slot sl's assertion on every thread in the
// process.
func (p *Process) RestoreStateProc(sl StateSlot) {
	for _, t := range p.Threads() {
		t.State.RestoreState(sl)
	}
}

// syncRunState reconciles every thread in the process against its
// effective target, issuing platform continue/stop calls as needed. The
// LwpControlMode recorded at wiring time decides whether continues fan out
// through one process-group call or one call per LWP; stops are always
// per-LWP (hybrid and indep behave identically there, and unified
// platforms deliver group stops through their own event stream).
func (p *Process) syncRunState(ops PlatformOps) *EngineError {
	contViaGroup := p.lwpMode == LwpControlUnified && ops.ProcessGroupContinues()
	if contViaGroup {
		if err := ops.SyncRunState(p, p.lwpMode); err != nil {
			return p.setLastError(err)
		}
	}
	for _, t := range p.Threads() {
		if err := t.reconcile(ops, contViaGroup); err != nil {
			return p.setLastError(err)
		}
	}
	return nil
}

// reconcile drives one thread toward its effective target. A continue is
// confirmed synchronously (the platform call either continued the LWP or
// failed), so Handler is written here; a stop is only requested, the LWP
// stopping at some later point the generator observes, so the thread is
// marked stop-pending and Handler is left alone until the stop event
// arrives.
func (t *Thread) reconcile(ops PlatformOps, contViaGroup bool) *EngineError {
	target, slot := t.State.EffectiveTarget()
	observed := t.State.Get(SlotHandler)

	switch target {
	case StateRunning:
		if observed == StateStopped {
			if !contViaGroup {
				if err := ops.Cont(t.Owner, t); err != nil {
					return err
				}
			}
			t.setHandlerObserved(StateRunning)
			t.State.SetState(SlotInternal, StateRunning)
			t.InvalidateRegisters()
		}
	case StateStopped:
		if observed == StateRunning && !t.stopInFlight() {
			if err := ops.Stop(t.Owner, t); err != nil {
				return err
			}
			t.markStopPending()
		}
	}

	t.State.markReconciled(target, slot)
	return nil
}

// setHandlerObserved writes the Handler observation slot and keeps the
// HandlerRunningThreads counter in step: one contribution per thread whose
// handler-layer state is running, regardless of whether the transition was
// observed by the handler actor or driven by reconciliation.
func (t *Thread) setHandlerObserved(ns RunState) {
	t.State.SetState(SlotHandler, ns)
	running := ns == StateRunning
	t.mu.Lock()
	was := t.handlerCounted
	t.handlerCounted = running
	t.mu.Unlock()
	if running && !was {
		t.Owner.counters.HandlerRunning.Inc()
	} else if !running && was {
		t.Owner.counters.HandlerRunning.Dec()
	}
}

// markStopPending records that a platform stop has been issued for this
// thread but not yet observed, contributing to the PendingStops counter
// until the generator reports the stop and the handler clears it.
func (t *Thread) markStopPending() {
	t.mu.Lock()
	already := t.stopPending
	t.stopPending = true
	t.mu.Unlock()
	if !already {
		t.Owner.counters.PendingStops.Inc()
	}
}

// clearStopPending consumes a pending-stop mark, returning whether one was
// outstanding. Called by the handler when it processes the thread's stop
// event.
func (t *Thread) clearStopPending() bool {
	t.mu.Lock()
	was := t.stopPending
	t.stopPending = false
	t.mu.Unlock()
	if was {
		t.Owner.counters.PendingStops.Dec()
	}
	return was
}

func (t *Thread) stopInFlight() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopPending
}
