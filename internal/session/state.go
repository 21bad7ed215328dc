package session

import "fmt"

// State is the session lifecycle position. Transitions go through
// Session.transitionTo only; there is no other way to move a session.
type State string

const (
	// StateIdle: session created, no active turn yet.
	StateIdle State = "IDLE"
	// StateListening: accumulating user speech.
	StateListening State = "LISTENING"
	// StateThinking: an orchestration cycle is running, tool calls included.
	StateThinking State = "THINKING"
	// StateSpeaking: synthesis is streaming the agent reply.
	StateSpeaking State = "SPEAKING"
	// StateClosed is terminal, reachable from every state.
	StateClosed State = "CLOSED"
)

var legalTransitions = map[State][]State{
	StateIdle:      {StateListening},
	StateListening: {StateThinking},
	StateThinking:  {StateSpeaking, StateListening},
	StateSpeaking:  {StateListening},
	StateClosed:    {},
}

// canTransition reports whether from→to is a legal state-machine step. CLOSED
// is reachable from anywhere; THINKING→LISTENING is only legal as cycle
// completion without a spoken reply, which transitionTo cannot distinguish, so
// callers own that discipline.
func canTransition(from, to State) bool {
	if to == StateClosed {
		return from != StateClosed
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type illegalTransitionError struct {
	from, to State
}

func (e *illegalTransitionError) Error() string {
	return fmt.Sprintf("illegal session state transition %s -> %s", e.from, e.to)
}
