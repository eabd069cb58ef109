package signal

import (
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/peerline/peerline/internal/record"
)

func testCall() record.Call {
	return record.Call{
		ID:         "c1",
		CallerID:   "alice",
		CallerName: "Alice",
		ReceiverID: "bob",
		Type:       record.TypeVideo,
		Status:     record.StatusPending,
		Timestamp:  1700000000000,
	}
}

func TestEncodeDecodeCallControl(t *testing.T) {
	c := testCall()
	raw, err := Encode(Message{Kind: KindCallStart, Call: &c})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"call:start"`) {
		t.Fatalf("wire frame missing event name: %s", raw)
	}

	m, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if m.Kind != KindCallStart {
		t.Fatalf("kind = %v, want call:start", m.Kind)
	}
	if m.Call == nil || *m.Call != c {
		t.Fatalf("decoded record mismatch: %+v", m.Call)
	}
}

func TestEncodeDecodeNegotiation(t *testing.T) {
	t.Run("offer", func(t *testing.T) {
		sdp := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}
		raw, err := Encode(Message{Kind: KindOffer, Target: "bob", SDP: &sdp})
		if err != nil {
			t.Fatal(err)
		}
		m, err := Decode(raw)
		if err != nil {
			t.Fatal(err)
		}
		if m.Kind != KindOffer || m.Target != "bob" {
			t.Fatalf("decoded %+v", m)
		}
		if m.SDP == nil || m.SDP.SDP != "v=0\r\n" {
			t.Fatalf("sdp mismatch: %+v", m.SDP)
		}
	})

	t.Run("candidate with from", func(t *testing.T) {
		cand := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2 10.0.0.1 50000 typ host"}
		raw, err := Encode(Message{Kind: KindCandidate, From: "alice", Candidate: &cand})
		if err != nil {
			t.Fatal(err)
		}
		m, err := Decode(raw)
		if err != nil {
			t.Fatal(err)
		}
		if m.From != "alice" {
			t.Fatalf("from = %q", m.From)
		}
		if m.Candidate == nil || m.Candidate.Candidate != cand.Candidate {
			t.Fatalf("candidate mismatch: %+v", m.Candidate)
		}
	})

	t.Run("join", func(t *testing.T) {
		raw, err := Encode(Message{Kind: KindJoin, UserID: "alice"})
		if err != nil {
			t.Fatal(err)
		}
		m, err := Decode(raw)
		if err != nil {
			t.Fatal(err)
		}
		if m.Kind != KindJoin || m.UserID != "alice" {
			t.Fatalf("decoded %+v", m)
		}
	})
}

func TestEncodeErrors(t *testing.T) {
	if _, err := Encode(Message{Kind: KindCallStart}); err == nil {
		t.Fatal("call-control without record should fail")
	}
	if _, err := Encode(Message{Kind: KindOffer}); err == nil {
		t.Fatal("offer without sdp should fail")
	}
	if _, err := Encode(Message{Kind: KindUnknown}); err == nil {
		t.Fatal("unknown kind should fail")
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, err := Decode([]byte(`{`)); err == nil {
		t.Fatal("truncated frame should fail")
	}
	if _, err := Decode([]byte(`{"event":"chat:msg","data":{}}`)); err == nil {
		t.Fatal("unknown event should fail")
	}
	// Call-control payloads are validated at the boundary.
	if _, err := Decode([]byte(`{"event":"call:incoming","data":{"callId":"c1"}}`)); err == nil {
		t.Fatal("invalid record should fail")
	}
}
