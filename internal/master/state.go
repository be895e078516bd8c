package master

// State tracks the current (or last) session.
type State int32

const (
	StateIdle State = iota
	StateInit
	StateGenerating
	StateDone
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInit:
		return "init"
	case StateGenerating:
		return "generating"
	case StateDone:
		return "done"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}
