// Package postcopy implements the postcopy-RAM handoff protocol (§4.6,
// §4.7): the source side's advise/discard/listen/run/end command sequence,
// and the destination side's kernel-assisted page-fault handler that
// demand-fetches missing pages from the source.
package postcopy

import "github.com/vmshift/vmshift/migration"

// IncomingState is the destination-side state variable of §3 "Postcopy
// Incoming State". Transitions are monotonic and one-way within a session;
// reaching StateEnd is terminal.
type IncomingState int32

const (
	StateNone IncomingState = iota
	StateAdvise
	StateListening
	StateRunning
	StateEnd
)

func (s IncomingState) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateAdvise:
		return "ADVISE"
	case StateListening:
		return "LISTENING"
	case StateRunning:
		return "RUNNING"
	case StateEnd:
		return "END"
	default:
		return "UNKNOWN"
	}
}

// transitions maps the command that is legal in a given state to the state
// it advances to (§4.7: "any other command fails the session with
// PROTOCOL_VIOLATION").
var transitions = map[IncomingState]map[migration.Command]IncomingState{
	StateNone:      {migration.CmdPostcopyAdvise: StateAdvise},
	StateAdvise:    {migration.CmdPostcopyDiscard: StateAdvise, migration.CmdPostcopyListen: StateListening},
	StateListening: {migration.CmdPostcopyRun: StateRunning},
	StateRunning:   {migration.CmdPostcopyEnd: StateEnd},
	StateEnd:       {},
}

// next reports the state a command in the current state advances to, and
// whether the command is legal here at all.
func next(cur IncomingState, cmd migration.Command) (IncomingState, bool) {
	allowed, ok := transitions[cur]
	if !ok {
		return cur, false
	}

	to, ok := allowed[cmd]

	return to, ok
}
