package orchestrator

// State is the phase of the current turn.
type State int

const (
	StateIdle State = iota
	StateCapturing
	StateDispatching
	StateStreaming
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateDispatching:
		return "dispatching"
	case StateStreaming:
		return "streaming"
	case StateSpeaking:
		return "speaking"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Busy reports whether a turn is in progress.
func (s State) Busy() bool {
	return s != StateIdle
}
