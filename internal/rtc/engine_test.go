package rtc

import (
	"context"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/peerline/peerline/internal/signal"
)

// msgSink records the negotiation messages an engine tries to send.
type msgSink struct {
	mu   sync.Mutex
	msgs []signal.Message
}

func (s *msgSink) send(m signal.Message) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, m)
	s.mu.Unlock()
	return nil
}

func (s *msgSink) kinds() []signal.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]signal.Kind, len(s.msgs))
	for i, m := range s.msgs {
		kinds[i] = m.Kind
	}
	return kinds
}

// offerFrom builds a remote-style offer using a standalone peer connection.
func offerFrom(t *testing.T) webrtc.SessionDescription {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pc.Close() })
	addRecvOnlyTransceivers("offerer", pc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatal(err)
	}
	return *pc.LocalDescription()
}

func bufferedFor(e *Engine, peerID string) int {
	e.buf.mu.Lock()
	defer e.buf.mu.Unlock()
	return len(e.buf.byPeer[peerID])
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// bridgedEngines wires two engines so each one's outbound negotiation
// messages are delivered to the other, the way a transport would.
func bridgedEngines(t *testing.T, aOpts, bOpts Options) (*Engine, *Engine) {
	t.Helper()
	var a, b *Engine
	deliver := func(dst **Engine, from string) func(signal.Message) error {
		return func(m signal.Message) error {
			msg := m
			go func() {
				e := *dst
				var err error
				switch msg.Kind {
				case signal.KindOffer:
					err = e.HandleOffer(context.Background(), from, *msg.SDP)
				case signal.KindAnswer:
					err = e.HandleAnswer(context.Background(), from, *msg.SDP)
				case signal.KindCandidate:
					err = e.HandleCandidate(from, *msg.Candidate)
				}
				if err != nil {
					log.Printf("bridge: %v from %s: %v", msg.Kind, from, err)
				}
			}()
			return nil
		}
	}
	aOpts.Send = deliver(&b, "alice")
	bOpts.Send = deliver(&a, "bob")
	a = NewEngine(aOpts)
	b = NewEngine(bOpts)
	t.Cleanup(func() {
		a.CloseAll()
		b.CloseAll()
	})
	return a, b
}

func TestRegistryReusesConnection(t *testing.T) {
	e := NewEngine(Options{Send: (&msgSink{}).send})
	defer e.CloseAll()

	first, err := e.getOrCreate("bob")
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.getOrCreate("bob")
	if err != nil {
		t.Fatal(err)
	}
	if first != second || first.pc != second.pc {
		t.Fatal("second getOrCreate built a new connection")
	}
	if s, ok := e.lookup("bob"); !ok || s != first.stream {
		t.Fatalf("lookup = %v, %v", s, ok)
	}
}

func TestClosePeerForgetsConnection(t *testing.T) {
	var closedMu sync.Mutex
	var closed []string
	e := NewEngine(Options{
		Send: (&msgSink{}).send,
		OnPeerClosed: func(peerID string, _ error) {
			closedMu.Lock()
			closed = append(closed, peerID)
			closedMu.Unlock()
		},
	})
	defer e.CloseAll()

	first, err := e.getOrCreate("bob")
	if err != nil {
		t.Fatal(err)
	}
	e.ClosePeer("bob")

	if _, ok := e.lookup("bob"); ok {
		t.Fatal("connection still tracked after ClosePeer")
	}
	// Idempotent.
	e.ClosePeer("bob")

	// A later call to the same peer gets a fresh connection.
	again, err := e.getOrCreate("bob")
	if err != nil {
		t.Fatal(err)
	}
	if again == first {
		t.Fatal("ClosePeer left the old entry behind")
	}

	// Explicit close never fires the callback, even though the closed pc
	// reaches a terminal state.
	time.Sleep(100 * time.Millisecond)
	closedMu.Lock()
	defer closedMu.Unlock()
	if len(closed) != 0 {
		t.Fatalf("OnPeerClosed fired for explicit close: %v", closed)
	}
}

func TestTerminalStateFiresPeerClosed(t *testing.T) {
	closed := make(chan string, 1)
	e := NewEngine(Options{
		Send:         (&msgSink{}).send,
		OnPeerClosed: func(peerID string, _ error) { closed <- peerID },
	})
	defer e.CloseAll()

	ent, err := e.getOrCreate("bob")
	if err != nil {
		t.Fatal(err)
	}
	// Kill the connection out from under the registry, like a network
	// failure would.
	if err := ent.pc.Close(); err != nil {
		t.Fatal(err)
	}

	select {
	case peer := <-closed:
		if peer != "bob" {
			t.Fatalf("closed peer = %s", peer)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("terminal state never reported")
	}
	waitFor(t, "registry cleanup", func() bool {
		_, ok := e.lookup("bob")
		return !ok
	})
}

func TestEarlyCandidatesDrainOnRemoteDescription(t *testing.T) {
	sink := &msgSink{}
	e := NewEngine(Options{Send: sink.send})
	defer e.CloseAll()

	// Candidates ahead of the connection are buffered, not rejected.
	if err := e.HandleCandidate("bob", cand(1)); err != nil {
		t.Fatal(err)
	}
	if err := e.HandleCandidate("bob", cand(2)); err != nil {
		t.Fatal(err)
	}
	if n := bufferedFor(e, "bob"); n != 2 {
		t.Fatalf("buffered = %d, want 2", n)
	}

	if err := e.HandleOffer(context.Background(), "bob", offerFrom(t)); err != nil {
		t.Fatal(err)
	}

	// The remote description drained the buffer and an answer went out.
	if n := bufferedFor(e, "bob"); n != 0 {
		t.Fatalf("buffered after offer = %d", n)
	}
	found := false
	for _, k := range sink.kinds() {
		if k == signal.KindAnswer {
			found = true
		}
	}
	if !found {
		t.Fatalf("sent = %v, no answer", sink.kinds())
	}

	// Later candidates apply directly.
	if err := e.HandleCandidate("bob", cand(3)); err != nil {
		t.Fatal(err)
	}
	if n := bufferedFor(e, "bob"); n != 0 {
		t.Fatalf("candidate buffered after remote description: %d", n)
	}
}

func TestCloseAllDropsBufferedCandidates(t *testing.T) {
	e := NewEngine(Options{Send: (&msgSink{}).send})

	if err := e.HandleCandidate("bob", cand(1)); err != nil {
		t.Fatal(err)
	}
	e.CloseAll()

	// A candidate buffered during a call must not leak into the next
	// call's fresh connection.
	if n := bufferedFor(e, "bob"); n != 0 {
		t.Fatalf("buffered after CloseAll = %d", n)
	}
}

func TestNegotiationLoopback(t *testing.T) {
	a, b := bridgedEngines(t, Options{}, Options{})

	if err := a.Offer(context.Background(), "bob"); err != nil {
		t.Fatal(err)
	}

	remoteSet := func(e *Engine, peer string) bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		ent, ok := e.entries[peer]
		return ok && ent.remoteSet
	}
	waitFor(t, "callee remote description", func() bool { return remoteSet(b, "alice") })
	waitFor(t, "caller remote description", func() bool { return remoteSet(a, "bob") })
}

func TestRemoteStreamDelivery(t *testing.T) {
	remote := make(chan *RemoteStream, 1)
	a, _ := bridgedEngines(t,
		Options{},
		Options{OnRemoteStream: func(_ string, s *RemoteStream) { remote <- s }},
	)

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "loopback")
	if err != nil {
		t.Fatal(err)
	}
	a.AttachLocal(NewLocalMedia([]webrtc.TrackLocal{track}, nil))

	if err := a.Offer(context.Background(), "bob"); err != nil {
		t.Fatal(err)
	}

	// Feed samples until the receiving side sees the track.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = track.WriteSample(media.Sample{
					Data:     []byte{0x90, 0x00, 0x00, 0x00},
					Duration: 20 * time.Millisecond,
				})
			}
		}
	}()

	var s *RemoteStream
	select {
	case s = <-remote:
	case <-time.After(15 * time.Second):
		t.Fatal("remote stream never arrived")
	}

	<-s.Ready()
	if s.PeerID() != "alice" {
		t.Fatalf("stream peer = %s", s.PeerID())
	}
	if got := len(s.Tracks()); got != 1 {
		t.Fatalf("tracks = %d", got)
	}
	waitFor(t, "rtp flowing", func() bool { return s.Packets() > 0 })
}
