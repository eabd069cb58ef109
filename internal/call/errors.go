package call

import "errors"

var (
	// ErrBusy rejects a new call while one is already current. No side
	// effects — the existing call is untouched.
	ErrBusy = errors.New("call: another call is active")

	// ErrNoActiveCall means the operation needs a current call in the
	// right state and there is none.
	ErrNoActiveCall = errors.New("call: no active call")

	// ErrMediaAccess wraps capture failures: permission denied or no
	// usable device. Surfaced to the caller of start/accept, never
	// swallowed.
	ErrMediaAccess = errors.New("call: media access denied")

	// ErrRemoteStreamTimeout means the remote stream did not arrive
	// within the accept window.
	ErrRemoteStreamTimeout = errors.New("call: timed out waiting for remote stream")

	// ErrInitialization wraps transport or setup failures during
	// Initialize.
	ErrInitialization = errors.New("call: initialization failed")

	// ErrNegotiation wraps offer/answer/candidate failures. Fatal to the
	// call, not to the process.
	ErrNegotiation = errors.New("call: negotiation failed")

	// ErrTransport marks a call failed because the signaling channel
	// stayed down past the grace period.
	ErrTransport = errors.New("call: signaling transport lost")
)
