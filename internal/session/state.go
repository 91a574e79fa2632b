package session

// State is the lifecycle stage of a [Handler].
type State int32

const (
	// StateConnecting covers the time between accept and the capture program
	// being started.
	StateConnecting State = iota

	// StateStreaming means the program is running and frames are forwarded.
	StateStreaming

	// StateClosed is terminal. No events are sent in this state and the
	// program is never restarted.
	StateClosed
)

// String returns the lowercase name of s.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
