package session

import "testing"

func TestDecide(t *testing.T) {
	tests := []struct {
		from State
		to   State
		want Decision
	}{
		{StateInitiated, StateRinging, Apply},
		{StateInitiated, StateAnswered, Apply},
		{StateInitiated, StateEnded, Apply},
		{StateInitiated, StateFailed, Apply},
		{StateRinging, StateAnswered, Apply},
		{StateRinging, StateEnded, Apply},
		{StateRinging, StateFailed, Apply},
		{StateAnswered, StateEnded, Apply},

		{StateInitiated, StateInitiated, Ignore},
		{StateRinging, StateRinging, Ignore},
		{StateRinging, StateInitiated, Ignore},
		{StateAnswered, StateRinging, Ignore},
		{StateAnswered, StateAnswered, Ignore},
		{StateEnded, StateEnded, Ignore},
		{StateEnded, StateFailed, Ignore},
		{StateFailed, StateEnded, Ignore},
		{StateFailed, StateAnswered, Ignore},

		{StateAnswered, StateFailed, Reject},
		{StateInitiated, State("bogus"), Reject},
		{State(""), StateEnded, Reject},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := Decide(tt.from, tt.to); got != tt.want {
				t.Errorf("Decide(%s, %s) = %s, want %s", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []State{StateEnded, StateFailed} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []State{StateInitiated, StateRinging, StateAnswered} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
