package procctl

import "testing"

func TestThreadStateModelDefaultEffectiveTarget(t *testing.T) {
	m := NewThreadStateModel()
	got, slot := m.EffectiveTarget()
	if got != StateNone {
		t.Fatalf("fresh model effective target = %v, want StateNone", got)
	}
	if slot != SlotGenerator {
		t.Fatalf("fresh model winning slot = %v, want SlotGenerator", slot)
	}
}

func TestThreadStateModelLowestSlotWins(t *testing.T) {
	m := NewThreadStateModel()
	m.DesyncState(SlotUser, StateRunning)
	m.DesyncState(SlotBreakpoint, StateStopped)

	got, slot := m.EffectiveTarget()
	if got != StateStopped || slot != SlotBreakpoint {
		t.Fatalf("effective target = (%v, %v), want (stopped, breakpoint)", got, slot)
	}
}

func TestThreadStateModelDontCareAndDittoAreSkipped(t *testing.T) {
	cases := []struct {
		name string
		set  func(m *ThreadStateModel)
		want RunState
	}{
		{
			name: "dontcare skipped in favor of lower-priority slot",
			set: func(m *ThreadStateModel) {
				m.DesyncState(SlotBreakpoint, StateDontCare)
				m.DesyncState(SlotUser, StateRunning)
			},
			want: StateRunning,
		},
		{
			name: "ditto skipped in favor of lower-priority slot",
			set: func(m *ThreadStateModel) {
				m.DesyncState(SlotBreakpoint, StateDitto)
				m.DesyncState(SlotUser, StateStopped)
			},
			want: StateStopped,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewThreadStateModel()
			tc.set(m)
			got, _ := m.EffectiveTarget()
			if got != tc.want {
				t.Fatalf("effective target = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestThreadStateModelRestoreDropsAssertion(t *testing.T) {
	m := NewThreadStateModel()
	m.DesyncState(SlotBreakpoint, StateStopped)
	m.RestoreState(SlotBreakpoint)
	got, _ := m.EffectiveTarget()
	if got != StateNone {
		t.Fatalf("effective target after restore = %v, want StateNone", got)
	}
}

func TestThreadStateModelIsSynced(t *testing.T) {
	m := NewThreadStateModel()
	if !m.IsSynced() {
		t.Fatal("fresh model should be synced")
	}
	m.DesyncState(SlotUser, StateRunning)
	if m.IsSynced() {
		t.Fatal("model with a desynced target slot should not be synced")
	}
	m.markReconciled(StateRunning, SlotUser)
	if !m.IsSynced() {
		t.Fatal("model should be synced after markReconciled reaches the asserted state")
	}
}

func TestThreadStateModelCheckInvariants(t *testing.T) {
	m := NewThreadStateModel()
	m.SetState(SlotGenerator, StateRunning)
	m.SetState(SlotHandler, StateStopped)
	m.SetState(SlotInternal, StateStopped)
	if err := m.CheckInvariants(); err == nil {
		t.Fatal("expected invariant violation: generator running, handler stopped")
	}

	m.SetState(SlotHandler, StateRunning)
	m.SetState(SlotInternal, StateRunning)
	if err := m.CheckInvariants(); err != nil {
		t.Fatalf("expected no violation, got %v", err)
	}
}

func TestDesyncStateOnObservationSlotPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic desyncing an observation slot")
		}
	}()
	m := NewThreadStateModel()
	m.DesyncState(SlotHandler, StateRunning)
}
