// Package voice implements the per-connection voice pipeline: a state
// machine driving VAD -> STT -> agent turn -> sentence-chunked streaming TTS
// -> audio frames back to the client, with a bounded FIFO-trimmed audio
// buffer and exactly one in-flight pipeline per connection.
package voice

// State is a connection's position in the voice state machine.
type State string

const (
	StateIdle     State = "idle"
	StateListening State = "listening"
	StateThinking  State = "thinking"
	StateSpeaking  State = "speaking"
)

// ControlKind discriminates an inbound voice control frame.
type ControlKind string

const (
	ControlStartCall   ControlKind = "start_call"
	ControlEndCall     ControlKind = "end_call"
	ControlInterrupt   ControlKind = "interrupt"
	ControlEndOfSpeech ControlKind = "end_of_speech"
	ControlTextMessage ControlKind = "text_message"
)

// Control is one inbound control frame.
type Control struct {
	Kind ControlKind
	Text string // set when Kind == ControlTextMessage
}

// validTransitions enumerates every State -> State edge the machine allows.
// Any transition not listed is rejected by Machine.Transition.
var validTransitions = map[State]map[State]bool{
	StateIdle:      {StateListening: true},
	StateListening: {StateThinking: true, StateListening: true, StateIdle: true},
	StateThinking:  {StateSpeaking: true, StateListening: true, StateIdle: true},
	StateSpeaking:  {StateListening: true, StateIdle: true},
}

// Machine tracks one connection's current voice state. It is not safe for
// concurrent use by multiple goroutines; callers serialize access to it the
// same way the agent actor serializes access to everything else belonging to
// one connection.
type Machine struct {
	current State
}

// NewMachine starts a connection in StateIdle.
func NewMachine() *Machine {
	return &Machine{current: StateIdle}
}

// Current returns the machine's current state.
func (m *Machine) Current() State {
	return m.current
}

// Transition moves the machine to next, returning false (and leaving the
// state unchanged) if the edge is not allowed.
func (m *Machine) Transition(next State) bool {
	if !validTransitions[m.current][next] {
		return false
	}
	m.current = next
	return true
}
