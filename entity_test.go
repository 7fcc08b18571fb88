package eternity

import "testing"

func TestStateIsTerminal(t *testing.T) {
	cases := map[State]bool{
		StateQueued:    false,
		StateRunning:   false,
		StateSuspended: false,
		StateCompleted: true,
		StateFailed:    true,
	}
	for state, want := range cases {
		if got := state.IsTerminal(); got != want {
			t.Errorf("State(%q).IsTerminal() = %v, want %v", state, got, want)
		}
	}
}

func TestApplyTransitionValid(t *testing.T) {
	cases := []struct {
		from State
		t    trigger
		want State
	}{
		{StateQueued, triggerClaim, StateRunning},
		{StateSuspended, triggerClaim, StateRunning},
		{StateRunning, triggerSuspend, StateSuspended},
		{StateRunning, triggerComplete, StateCompleted},
		{StateRunning, triggerFail, StateFailed},
	}
	for _, tc := range cases {
		got, err := applyTransition(tc.from, tc.t)
		if err != nil {
			t.Fatalf("applyTransition(%q, %q): unexpected error: %v", tc.from, tc.t, err)
		}
		if got != tc.want {
			t.Errorf("applyTransition(%q, %q) = %q, want %q", tc.from, tc.t, got, tc.want)
		}
	}
}

func TestApplyTransitionIllegal(t *testing.T) {
	cases := []struct {
		from State
		t    trigger
	}{
		{StateQueued, triggerComplete},
		{StateQueued, triggerFail},
		{StateQueued, triggerSuspend},
		{StateSuspended, triggerComplete},
		{StateRunning, triggerClaim},
	}
	for _, tc := range cases {
		if _, err := applyTransition(tc.from, tc.t); err == nil {
			t.Errorf("applyTransition(%q, %q): expected error, got nil", tc.from, tc.t)
		}
	}
}

func TestApplyTransitionTerminalIsSticky(t *testing.T) {
	for _, terminal := range []State{StateCompleted, StateFailed} {
		for _, trig := range []trigger{triggerClaim, triggerSuspend, triggerComplete, triggerFail} {
			if _, err := applyTransition(terminal, trig); err == nil {
				t.Errorf("applyTransition(%q, %q): expected terminal state to reject every trigger, got nil error", terminal, trig)
			}
		}
	}
}
