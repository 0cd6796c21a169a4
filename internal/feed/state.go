package feed

// State is the lifecycle position of the upstream connection.
type State int32

const (
	Stopped State = iota
	Connecting
	Streaming
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	default:
		return "unknown"
	}
}
