package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/peerline/peerline/internal/call"
	"github.com/peerline/peerline/internal/identity"
	"github.com/peerline/peerline/internal/record"
	"github.com/peerline/peerline/internal/rtc"
	"github.com/peerline/peerline/internal/signal"
	"github.com/peerline/peerline/internal/store"
)

// Minimal in-process collaborators, enough to drive the facade through HTTP.

type stubTransport struct {
	mu   sync.Mutex
	sent []signal.Message
	subs []chan signal.Message
}

func (s *stubTransport) Connect(context.Context, identity.Identity) error { return nil }

func (s *stubTransport) Send(m signal.Message) error {
	s.mu.Lock()
	s.sent = append(s.sent, m)
	s.mu.Unlock()
	return nil
}

func (s *stubTransport) Subscribe() (<-chan signal.Message, func()) {
	ch := make(chan signal.Message, 16)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

// inject delivers m to every subscriber, like an inbound frame would be.
func (s *stubTransport) inject(m signal.Message) {
	s.mu.Lock()
	subs := append([]chan signal.Message(nil), s.subs...)
	s.mu.Unlock()
	for _, ch := range subs {
		ch <- m
	}
}

func (s *stubTransport) OnStateChange(func(bool)) func() { return func() {} }
func (s *stubTransport) SelfID() string                  { return "alice" }
func (s *stubTransport) Close() error                    { return nil }

type stubCapturer struct{}

func (stubCapturer) Acquire(context.Context, record.CallType) (*rtc.LocalMedia, error) {
	return rtc.NewLocalMedia(nil, nil), nil
}
func (stubCapturer) API() *webrtc.API { return nil }

type stubConnector struct{}

func (stubConnector) Offer(context.Context, string) error                           { return nil }
func (stubConnector) HandleOffer(context.Context, string, webrtc.SessionDescription) error { return nil }
func (stubConnector) HandleAnswer(context.Context, string, webrtc.SessionDescription) error {
	return nil
}
func (stubConnector) HandleCandidate(string, webrtc.ICECandidateInit) error { return nil }
func (stubConnector) AttachLocal(*rtc.LocalMedia)                           {}
func (stubConnector) DetachLocal()                                          {}
func (stubConnector) ClosePeer(string)                                      {}
func (stubConnector) CloseAll()                                             {}

type stubStream struct {
	peerID string
	ready  chan struct{}
}

func newStubStream(peerID string) *stubStream {
	s := &stubStream{peerID: peerID, ready: make(chan struct{})}
	close(s.ready)
	return s
}

func (s *stubStream) PeerID() string                { return s.peerID }
func (s *stubStream) Ready() <-chan struct{}        { return s.ready }
func (s *stubStream) Tracks() []*webrtc.TrackRemote { return nil }
func (s *stubStream) Packets() int64                { return 42 }
func (s *stubStream) Close()                        {}

type testServer struct {
	ts  *httptest.Server
	mgr *call.Manager
	tr  *stubTransport
	cb  call.ConnectorCallbacks
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	f := &testServer{tr: &stubTransport{}}
	mgr, err := call.NewManager(call.Options{
		Self:      identity.Identity{ID: "alice", Name: "Alice"},
		Transport: f.tr,
		Capturer:  stubCapturer{},
		Store:     store.NewMemory(),
		NewConnector: func(cb call.ConnectorCallbacks) call.Connector {
			f.cb = cb
			return stubConnector{}
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { mgr.Close() })
	f.mgr = mgr

	srv := NewServer("127.0.0.1:0", mgr)
	mux := http.NewServeMux()
	srv.register(mux)
	f.ts = httptest.NewServer(mux)
	t.Cleanup(f.ts.Close)
	return f
}

func getStatus(t *testing.T, ts *httptest.Server) statusView {
	t.Helper()
	resp, err := http.Get(ts.URL + "/api/call/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body statusView
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	return body
}

func TestStatusEndpoint(t *testing.T) {
	f := newTestServer(t)

	body := getStatus(t, f.ts)
	if body.State != "idle" || body.Call != nil || body.Media != nil {
		t.Fatalf("body = %+v", body)
	}
}

func TestStartEndRoundTrip(t *testing.T) {
	f := newTestServer(t)

	resp, err := http.Post(f.ts.URL+"/api/call/start", "application/json",
		strings.NewReader(`{"receiver_id":"bob","call_type":"video"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var started map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&started); err != nil {
		t.Fatal(err)
	}
	if started["call_id"] == "" {
		t.Fatalf("body = %v", started)
	}

	st, _, _ := f.mgr.Status()
	if st != call.StatePendingOutgoing {
		t.Fatalf("state = %v", st)
	}

	// A second start while busy maps to 409.
	resp2, err := http.Post(f.ts.URL+"/api/call/start", "application/json",
		strings.NewReader(`{"receiver_id":"carol"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusConflict {
		t.Fatalf("busy start status = %d, want 409", resp2.StatusCode)
	}

	resp3, err := http.Post(f.ts.URL+"/api/call/end", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d", resp3.StatusCode)
	}
	st, _, _ = f.mgr.Status()
	if st != call.StateIdle {
		t.Fatalf("state after end = %v", st)
	}
}

func TestStatusReportsMediaWhileOngoing(t *testing.T) {
	f := newTestServer(t)

	f.tr.inject(signal.Message{Kind: signal.KindCallIncoming, Call: &record.Call{
		ID: "c1", CallerID: "bob", CallerName: "Bob",
		ReceiverID: "alice", Type: record.TypeVideo,
		Status: record.StatusPending, Timestamp: time.Now().UnixMilli(),
	}})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if st, _, _ := f.mgr.Status(); st == call.StatePendingIncoming {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("invite never arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}

	acceptDone := make(chan error, 1)
	go func() {
		resp, err := http.Post(f.ts.URL+"/api/call/accept", "application/json", nil)
		if err == nil {
			resp.Body.Close()
		}
		acceptDone <- err
	}()

	// Accept blocks until the remote stream shows up; deliver one.
	for {
		if st, _, _ := f.mgr.Status(); st == call.StateOngoing {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("accept never reached ongoing")
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.cb.RemoteStream("bob", newStubStream("bob"))
	if err := <-acceptDone; err != nil {
		t.Fatal(err)
	}

	body := getStatus(t, f.ts)
	if body.State != "ongoing" || body.Media == nil {
		t.Fatalf("body = %+v", body)
	}
	if body.Media.Peer != "bob" || body.Media.Packets != 42 {
		t.Fatalf("media = %+v", body.Media)
	}
}

func TestStartValidation(t *testing.T) {
	f := newTestServer(t)

	t.Run("missing receiver", func(t *testing.T) {
		resp, err := http.Post(f.ts.URL+"/api/call/start", "application/json", strings.NewReader(`{}`))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d", resp.StatusCode)
		}
	})

	t.Run("wrong method", func(t *testing.T) {
		resp, err := http.Get(f.ts.URL + "/api/call/start")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Fatalf("status = %d", resp.StatusCode)
		}
	})

	t.Run("accept without call", func(t *testing.T) {
		resp, err := http.Post(f.ts.URL+"/api/call/accept", "application/json", nil)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status = %d", resp.StatusCode)
		}
	})
}

func TestSelfEndpoint(t *testing.T) {
	f := newTestServer(t)

	resp, err := http.Get(f.ts.URL + "/api/self")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["userId"] != "alice" || body["displayName"] != "Alice" {
		t.Fatalf("body = %v", body)
	}
}
