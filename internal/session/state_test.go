package session

import "testing"

func TestStateMachineTransitions(t *testing.T) {
	legal := []struct{ from, to State }{
		{StateIdle, StateListening},
		{StateListening, StateThinking},
		{StateThinking, StateSpeaking},
		{StateThinking, StateListening},
		{StateSpeaking, StateListening},
		{StateIdle, StateClosed},
		{StateListening, StateClosed},
		{StateThinking, StateClosed},
		{StateSpeaking, StateClosed},
	}
	for _, tc := range legal {
		if !canTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be legal", tc.from, tc.to)
		}
	}

	illegal := []struct{ from, to State }{
		{StateIdle, StateSpeaking},
		{StateIdle, StateThinking},
		{StateListening, StateSpeaking},
		{StateSpeaking, StateThinking},
		{StateClosed, StateListening},
		{StateClosed, StateClosed},
	}
	for _, tc := range illegal {
		if canTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be rejected", tc.from, tc.to)
		}
	}
}
