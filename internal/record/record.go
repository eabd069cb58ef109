// Package record defines the durable representation of one call attempt.
// It is the payload of call-control signaling events and the value persisted
// to the record store, so both sides and the relay agree on its JSON shape.
package record

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/peerline/peerline/internal/identity"
)

// Status is the lifecycle state of a call attempt. Only Status is mutable
// after creation; transitions never go back to pending.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusEnded    Status = "ended"
	StatusMissed   Status = "missed"
)

// Terminal reports whether the status is final — a terminal record is inert.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusEnded || s == StatusMissed
}

func (s Status) valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusRejected, StatusEnded, StatusMissed:
		return true
	}
	return false
}

// CallType selects audio-only or audio+video capture.
type CallType string

const (
	TypeAudio CallType = "audio"
	TypeVideo CallType = "video"
)

func (t CallType) Valid() bool { return t == TypeAudio || t == TypeVideo }

// Call is one call attempt. All fields except Status are immutable after
// creation by the initiator.
type Call struct {
	ID         string   `json:"callId"`
	CallerID   string   `json:"callerId"`
	CallerName string   `json:"callerName"`
	ReceiverID string   `json:"receiverId"`
	Type       CallType `json:"callType"`
	Status     Status   `json:"status"`
	Timestamp  int64    `json:"timestamp"` // unix milliseconds, creation time
}

// New creates a pending call record for caller → receiverID.
func New(caller identity.Identity, receiverID string, t CallType) Call {
	return Call{
		ID:         uuid.NewString(),
		CallerID:   caller.ID,
		CallerName: caller.Name,
		ReceiverID: receiverID,
		Type:       t,
		Status:     StatusPending,
		Timestamp:  time.Now().UnixMilli(),
	}
}

// Peer returns the counterpart of selfID in this call, or "" if selfID is
// not a party to it.
func (c Call) Peer(selfID string) string {
	switch selfID {
	case c.CallerID:
		return c.ReceiverID
	case c.ReceiverID:
		return c.CallerID
	}
	return ""
}

// Validate checks the record is well-formed enough to route and persist.
func (c Call) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("record: missing call id")
	}
	if c.CallerID == "" || c.ReceiverID == "" {
		return fmt.Errorf("record: call %s missing party ids", c.ID)
	}
	if c.CallerID == c.ReceiverID {
		return fmt.Errorf("record: call %s has caller == receiver", c.ID)
	}
	if !c.Type.Valid() {
		return fmt.Errorf("record: call %s has unknown type %q", c.ID, c.Type)
	}
	if !c.Status.valid() {
		return fmt.Errorf("record: call %s has unknown status %q", c.ID, c.Status)
	}
	return nil
}
