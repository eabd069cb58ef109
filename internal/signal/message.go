package signal

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/peerline/peerline/internal/record"
)

// Kind identifies a decoded signaling message. Messages are decoded exactly
// once at the transport boundary; everything above it works with typed values.
type Kind int

const (
	KindUnknown Kind = iota
	KindJoin
	KindCallStart
	KindCallIncoming
	KindCallAccept
	KindCallAccepted
	KindCallReject
	KindCallRejected
	KindCallEnd
	KindCallEnded
	KindOffer
	KindAnswer
	KindCandidate
	KindUserOffline
)

// Wire event names. The relay forwards call-control events to the
// counterpart under the paired inbound name (call:start → call:incoming).
const (
	evtJoin         = "user:join"
	evtCallStart    = "call:start"
	evtCallIncoming = "call:incoming"
	evtCallAccept   = "call:accept"
	evtCallAccepted = "call:accepted"
	evtCallReject   = "call:reject"
	evtCallRejected = "call:rejected"
	evtCallEnd      = "call:end"
	evtCallEnded    = "call:ended"
	evtOffer        = "sdp-offer"
	evtAnswer       = "sdp-answer"
	evtCandidate    = "ice-candidate"
	evtUserOffline  = "user:offline"
)

var kindToEvent = map[Kind]string{
	KindJoin:         evtJoin,
	KindCallStart:    evtCallStart,
	KindCallIncoming: evtCallIncoming,
	KindCallAccept:   evtCallAccept,
	KindCallAccepted: evtCallAccepted,
	KindCallReject:   evtCallReject,
	KindCallRejected: evtCallRejected,
	KindCallEnd:      evtCallEnd,
	KindCallEnded:    evtCallEnded,
	KindOffer:        evtOffer,
	KindAnswer:       evtAnswer,
	KindCandidate:    evtCandidate,
	KindUserOffline:  evtUserOffline,
}

var eventToKind = func() map[string]Kind {
	m := make(map[string]Kind, len(kindToEvent))
	for k, e := range kindToEvent {
		m[e] = k
	}
	return m
}()

func (k Kind) String() string {
	if e, ok := kindToEvent[k]; ok {
		return e
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Message is one signaling message. Exactly one of the payload pointers is
// set, matching Kind:
//
//	call-control kinds → Call
//	offer/answer       → SDP
//	candidate          → Candidate
//	join/offline       → UserID
//
// From is the sending peer, filled in on inbound messages. Target is the
// recipient, required on outbound offer/answer/candidate (call-control
// messages route by the record's party ids).
type Message struct {
	Kind      Kind
	From      string
	Target    string
	UserID    string
	Call      *record.Call
	SDP       *webrtc.SessionDescription
	Candidate *webrtc.ICECandidateInit
}

// envelope is the wire frame: an event name plus an event-specific payload.
type envelope struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"` // set by the p2p backend for acks
	Data  json.RawMessage `json:"data,omitempty"`
}

type userPayload struct {
	UserID string `json:"userId"`
}

// sdpPayload carries offers and answers. Outbound uses target; the relay
// rewrites it to {sdp, from} before delivery.
type sdpPayload struct {
	Target string                    `json:"target,omitempty"`
	From   string                    `json:"from,omitempty"`
	SDP    webrtc.SessionDescription `json:"sdp"`
}

type candidatePayload struct {
	Target    string                  `json:"target,omitempty"`
	From      string                  `json:"from,omitempty"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// Encode serializes m to its wire form.
func Encode(m Message) ([]byte, error) {
	env, err := encodeEnvelope(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func encodeEnvelope(m Message) (envelope, error) {
	event, ok := kindToEvent[m.Kind]
	if !ok {
		return envelope{}, fmt.Errorf("signal: cannot encode message kind %v", m.Kind)
	}

	var payload any
	switch m.Kind {
	case KindJoin, KindUserOffline:
		payload = userPayload{UserID: m.UserID}
	case KindCallStart, KindCallIncoming, KindCallAccept, KindCallAccepted,
		KindCallReject, KindCallRejected, KindCallEnd, KindCallEnded:
		if m.Call == nil {
			return envelope{}, fmt.Errorf("signal: %s without call record", event)
		}
		payload = m.Call
	case KindOffer, KindAnswer:
		if m.SDP == nil {
			return envelope{}, fmt.Errorf("signal: %s without sdp", event)
		}
		payload = sdpPayload{Target: m.Target, From: m.From, SDP: *m.SDP}
	case KindCandidate:
		if m.Candidate == nil {
			return envelope{}, fmt.Errorf("signal: %s without candidate", event)
		}
		payload = candidatePayload{Target: m.Target, From: m.From, Candidate: *m.Candidate}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return envelope{}, fmt.Errorf("signal: marshal %s payload: %w", event, err)
	}
	return envelope{Event: event, Data: data}, nil
}

// Decode parses one wire frame into a typed Message.
func Decode(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("signal: decode envelope: %w", err)
	}
	return decodeEnvelope(env)
}

func decodeEnvelope(env envelope) (Message, error) {
	kind, ok := eventToKind[env.Event]
	if !ok {
		return Message{}, fmt.Errorf("signal: unknown event %q", env.Event)
	}

	m := Message{Kind: kind}
	switch kind {
	case KindJoin, KindUserOffline:
		var p userPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return Message{}, fmt.Errorf("signal: decode %s: %w", env.Event, err)
		}
		m.UserID = p.UserID
	case KindCallStart, KindCallIncoming, KindCallAccept, KindCallAccepted,
		KindCallReject, KindCallRejected, KindCallEnd, KindCallEnded:
		var c record.Call
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return Message{}, fmt.Errorf("signal: decode %s: %w", env.Event, err)
		}
		if err := c.Validate(); err != nil {
			return Message{}, fmt.Errorf("signal: %s: %w", env.Event, err)
		}
		m.Call = &c
	case KindOffer, KindAnswer:
		var p sdpPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return Message{}, fmt.Errorf("signal: decode %s: %w", env.Event, err)
		}
		m.Target, m.From = p.Target, p.From
		sdp := p.SDP
		m.SDP = &sdp
	case KindCandidate:
		var p candidatePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return Message{}, fmt.Errorf("signal: decode %s: %w", env.Event, err)
		}
		m.Target, m.From = p.Target, p.From
		cand := p.Candidate
		m.Candidate = &cand
	}
	return m, nil
}
