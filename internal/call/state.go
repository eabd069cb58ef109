package call

import (
	"sync"

	"github.com/peerline/peerline/internal/record"
)

// State is the session-level call state. At most one call is current at
// any time, so the states are mutually exclusive.
type State int

const (
	StateIdle State = iota
	StatePendingOutgoing
	StatePendingIncoming
	StateOngoing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePendingOutgoing:
		return "pending-outgoing"
	case StatePendingIncoming:
		return "pending-incoming"
	case StateOngoing:
		return "ongoing"
	default:
		return "unknown"
	}
}

// Flags is the UI-facing view of the state. Exactly one flag is set
// outside of idle, all are false in idle.
type Flags struct {
	IncomingCall bool `json:"incomingCall"`
	OutgoingCall bool `json:"outgoingCall"`
	OngoingCall  bool `json:"ongoingCall"`
}

func (s State) Flags() Flags {
	return Flags{
		IncomingCall: s == StatePendingIncoming,
		OutgoingCall: s == StatePendingOutgoing,
		OngoingCall:  s == StateOngoing,
	}
}

// machine guards the state and the current record together, so the
// busy check and the slot assignment are one atomic step.
type machine struct {
	mu      sync.Mutex
	state   State
	current *record.Call
}

func (m *machine) snapshot() (State, *record.Call) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return m.state, nil
	}
	c := *m.current
	return m.state, &c
}

// is reports whether callID is the current call.
func (m *machine) is(callID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil && m.current.ID == callID
}

func (m *machine) startOutgoing(c record.Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle {
		return ErrBusy
	}
	m.state = StatePendingOutgoing
	m.current = &c
	return nil
}

func (m *machine) startIncoming(c record.Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle {
		return ErrBusy
	}
	m.state = StatePendingIncoming
	m.current = &c
	return nil
}

// accept moves pending-incoming to ongoing and marks the record
// accepted. Returns the updated record.
func (m *machine) accept() (record.Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StatePendingIncoming || m.current == nil {
		return record.Call{}, ErrNoActiveCall
	}
	m.state = StateOngoing
	m.current.Status = record.StatusAccepted
	return *m.current, nil
}

// remoteAccepted moves pending-outgoing to ongoing when the callee
// picked up. A mismatched call id is ignored.
func (m *machine) remoteAccepted(callID string) (record.Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StatePendingOutgoing || m.current == nil || m.current.ID != callID {
		return record.Call{}, false
	}
	m.state = StateOngoing
	m.current.Status = record.StatusAccepted
	return *m.current, true
}

// finish clears the slot and returns the final record with status
// applied. Returns false when already idle, which makes every teardown
// path idempotent.
func (m *machine) finish(status record.Status) (record.Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateIdle || m.current == nil {
		return record.Call{}, false
	}
	final := *m.current
	final.Status = status
	m.state = StateIdle
	m.current = nil
	return final, true
}
