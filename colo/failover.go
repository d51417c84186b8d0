// Package colo implements the COLO (coarse-grain lock-stepping) checkpoint
// protocol (§4.8): a primary-side coordinator driving periodic
// stop/diff/ship/ack/resume transactions, a secondary-side mirror loop, and
// failover arbitration between the two.
package colo

import "sync"

// FailoverState is the side-channel failover request state (§4.8
// "Failover"). A request arriving while a checkpoint load is in progress is
// parked in FailoverRelaunch and re-checked once the load completes, rather
// than interrupting it.
type FailoverState int

const (
	FailoverNone FailoverState = iota
	FailoverRequest
	FailoverRelaunch
)

func (s FailoverState) String() string {
	switch s {
	case FailoverNone:
		return "NONE"
	case FailoverRequest:
		return "REQUEST"
	case FailoverRelaunch:
		return "RELAUNCH"
	default:
		return "UNKNOWN"
	}
}

// FailoverController arbitrates a side-channel failover request against an
// in-progress checkpoint load (§4.8: "If the secondary is mid-load
// (vmstate_loading true), the request is parked in a RELAUNCH state").
type FailoverController struct {
	mu      sync.Mutex
	state   FailoverState
	loading bool

	shutdownRequested bool
}

// RequestShutdown asks the coordinator to shut down cleanly after the
// current (or next) checkpoint transaction completes, mirroring
// colo_shutdown_requested in the original.
func (f *FailoverController) RequestShutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.shutdownRequested = true
}

// ConsumePendingShutdown reports whether a shutdown was requested and
// clears the flag, for the coordinator to check once per transaction (§4.8
// step 3: "honour any pending shutdown request").
func (f *FailoverController) ConsumePendingShutdown() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	req := f.shutdownRequested
	f.shutdownRequested = false

	return req
}

// RequestFailover records a failover request. If a load is in progress it
// is parked in RELAUNCH rather than acted on immediately.
func (f *FailoverController) RequestFailover() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.loading {
		f.state = FailoverRelaunch

		return
	}

	f.state = FailoverRequest
}

// BeginLoad marks the start of a checkpoint load, during which a failover
// request must be deferred.
func (f *FailoverController) BeginLoad() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.loading = true
}

// EndLoad marks the end of a checkpoint load and reports whether a failover
// request was parked while it was in progress and should now be acted on.
func (f *FailoverController) EndLoad() (shouldFailover bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.loading = false

	if f.state == FailoverRelaunch {
		f.state = FailoverRequest

		return true
	}

	return f.state == FailoverRequest
}

// State returns the current failover state, for tests and introspection.
func (f *FailoverController) State() FailoverState {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.state
}

// ExitMode tags which side emitted a COLO_EXIT event.
type ExitMode int

const (
	ModePrimary ExitMode = iota
	ModeSecondary
)

func (m ExitMode) String() string {
	if m == ModePrimary {
		return "primary"
	}

	return "secondary"
}

// ExitReason tags why replication ended, for the structured COLO_EXIT event
// of §4.8.
type ExitReason int

const (
	ReasonRequest ExitReason = iota
	ReasonError
)

func (r ExitReason) String() string {
	if r == ReasonRequest {
		return "request"
	}

	return "error"
}

// ExitEvent is the structured COLO_EXIT record for a completed COLO
// session, tagged with the mode and reason. Coordinator.Run and
// Secondary.Run return a plain error and do not construct or emit one.
type ExitEvent struct {
	Mode   ExitMode
	Reason ExitReason
	Err    error
}
