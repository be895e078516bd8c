package worker

import "sync/atomic"

// State is the worker's position in its session lifecycle.
type State int32

const (
	StateListening State = iota
	StateHandshaking
	StateServing
	StateTerminated
	StateFaulted
)

var stateNames = [...]string{
	StateListening:   "listening",
	StateHandshaking: "handshaking",
	StateServing:     "serving",
	StateTerminated:  "terminated",
	StateFaulted:     "faulted",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Stats counts events since the worker started.
type Stats struct {
	Connections uint64
	Sessions    uint64
	Forwards    uint64
	Terminates  uint64
	Faults      uint64
}

type counters struct {
	connections atomic.Uint64
	sessions    atomic.Uint64
	forwards    atomic.Uint64
	terminates  atomic.Uint64
	faults      atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Connections: c.connections.Load(),
		Sessions:    c.sessions.Load(),
		Forwards:    c.forwards.Load(),
		Terminates:  c.terminates.Load(),
		Faults:      c.faults.Load(),
	}
}
