package plugin

import (
	"fmt"

	"github.com/felixgeelhaar/statekit"
)

// Lifecycle event names, sent to the per-plugin statekit interpreter.
const (
	eventVerifyOK       = "VERIFY_OK"
	eventVerifyFailed   = "VERIFY_FAILED"
	eventGrantOK        = "GRANT_OK"
	eventGrantFailed    = "GRANT_FAILED"
	eventStart          = "START"
	eventStarted        = "STARTED"
	eventStartFailed    = "START_FAILED"
	eventStartCancelled = "START_CANCELLED"
	eventStop           = "STOP"
	eventPause          = "PAUSE"
	eventResume         = "RESUME"
	eventResourceExceed = "RESOURCE_EXCEEDED"
	eventCrash          = "CRASH"
)

// lifeCtx is the statekit context carried by a plugin's lifecycle
// interpreter. The machine itself needs no mutable context; the type
// parameter is required by statekit's generic Machine/Interpreter.
type lifeCtx struct{}

// lifecycle wraps one plugin's statekit interpreter. Each plugin id owns
// its own interpreter instance; lifecycle transitions for different
// plugins never share mutable machine state. The failure kind for a
// transition into StateFailed is recorded by fire, not by the machine
// itself, since it varies per incoming event rather than per state.
type lifecycle struct {
	interp      *statekit.Interpreter[lifeCtx]
	lastFailure FailureKind
}

// newLifecycle builds a lifecycle machine starting in initial. Fresh
// installs pass StateInstalled, matching the specification's
// "—(install(archive))->Installed" entry transition (extraction itself
// happens in the Manager before this is constructed). Restoring a
// registry loaded from disk at startup passes the persisted state
// directly — the transition table is identical regardless of where the
// machine starts.
func newLifecycle(initial State) (*lifecycle, error) {
	machine, err := statekit.NewMachine[lifeCtx]("plugin-lifecycle").
		WithInitial(string(initial)).
		// Installed: extraction succeeded; awaiting signature verification.
		State(string(StateInstalled)).
		On(eventVerifyOK).Target(string(StateVerified)).
		On(eventVerifyFailed).Target(string(StateFailed)).Done().
		// Verified: signature checked out; awaiting permission grants.
		State(string(StateVerified)).
		On(eventGrantOK).Target(string(StatePermissionsGranted)).
		On(eventGrantFailed).Target(string(StateFailed)).Done().
		// PermissionsGranted: ready to start.
		State(string(StatePermissionsGranted)).
		On(eventStart).Target(string(StateStarting)).Done().
		// Starting: launching sandbox/WASM host and resource monitor.
		State(string(StateStarting)).
		On(eventStarted).Target(string(StateRunning)).
		On(eventStartFailed).Target(string(StateFailed)).
		On(eventStartCancelled).Target(string(StateStopped)).Done().
		// Running: sandboxed/hosted and monitored.
		State(string(StateRunning)).
		On(eventStop).Target(string(StateStopped)).
		On(eventPause).Target(string(StatePaused)).
		On(eventResourceExceed).Target(string(StateFailed)).
		On(eventCrash).Target(string(StateFailed)).Done().
		// Paused: execution suspended, sandbox/host handle retained.
		State(string(StatePaused)).
		On(eventResume).Target(string(StateRunning)).
		On(eventStop).Target(string(StateStopped)).Done().
		// Stopped / Failed: both accept a retry start, per the spec's
		// "Stopped/Failed -> start -> Starting" retry transition.
		State(string(StateStopped)).
		On(eventStart).Target(string(StateStarting)).Done().
		State(string(StateFailed)).
		On(eventStart).Target(string(StateStarting)).Done().
		Build()
	if err != nil {
		return nil, fmt.Errorf("plugin: building lifecycle machine: %w", err)
	}

	interp := statekit.NewInterpreter(machine)
	interp.Start()

	return &lifecycle{interp: interp}, nil
}

// current returns the interpreter's current state.
func (l *lifecycle) current() State {
	return State(l.interp.State().Value)
}

// lifecycleFailureKinds maps the event that drives a transition into
// StateFailed to the failure kind it represents.
var lifecycleFailureKinds = map[string]FailureKind{
	eventVerifyFailed:   FailureSignatureInvalid,
	eventGrantFailed:    FailurePermissionDenied,
	eventStartFailed:    FailureStartFailed,
	eventResourceExceed: FailureResourceExceeded,
	eventCrash:          FailureCrashed,
}

// fire dispatches an event and reports the resulting state. statekit does
// not error on an event with no transition from the current state;
// fire fails closed by comparing the state before and after the send.
func (l *lifecycle) fire(event string) (State, error) {
	before := l.current()
	l.interp.Send(statekit.Event{Type: statekit.EventType(event)})
	after := l.current()
	if after == before {
		return before, &InvalidTransitionError{From: before, Event: event}
	}
	if after == StateFailed {
		l.lastFailure = lifecycleFailureKinds[event]
	}
	return after, nil
}

// failureKind returns the failure kind recorded by the last transition
// into StateFailed, or FailureNone if the machine never entered it.
func (l *lifecycle) failureKind() FailureKind {
	return l.lastFailure
}
