package signal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/peerline/peerline/internal/identity"
	"github.com/peerline/peerline/internal/record"
	"github.com/peerline/peerline/internal/relay"
)

func startRelay(t *testing.T) *relay.Server {
	t.Helper()
	srv := relay.New("127.0.0.1:0", "")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := srv.Start(ctx); err != nil {
		t.Fatal(err)
	}
	return srv
}

func connectAs(t *testing.T, srv *relay.Server, id identity.Identity) *RelayTransport {
	t.Helper()
	tr := NewRelayTransport(srv.URL())
	t.Cleanup(func() { tr.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := tr.Connect(ctx, id); err != nil {
		t.Fatal(err)
	}
	return tr
}

func recvMessage(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m, ok := <-ch:
		if !ok {
			t.Fatal("subscription closed")
		}
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

func TestRelayTransportSendBeforeConnect(t *testing.T) {
	tr := NewRelayTransport("ws://127.0.0.1:1/ws")
	if err := tr.Send(Message{Kind: KindCallEnd}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	tr.Close()
	if err := tr.Send(Message{Kind: KindCallEnd}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestRelayTransportConnectIdempotent(t *testing.T) {
	srv := startRelay(t)
	tr := connectAs(t, srv, identity.Identity{ID: "alice", Name: "Alice"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := tr.Connect(ctx, identity.Identity{ID: "alice", Name: "Alice"}); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if tr.SelfID() != "alice" {
		t.Fatalf("SelfID = %q", tr.SelfID())
	}
}

func TestRelayTransportEndToEnd(t *testing.T) {
	srv := startRelay(t)
	alice := connectAs(t, srv, identity.Identity{ID: "alice", Name: "Alice"})
	bob := connectAs(t, srv, identity.Identity{ID: "bob", Name: "Bob"})

	bobCh, bobCancel := bob.Subscribe()
	defer bobCancel()
	aliceCh, aliceCancel := alice.Subscribe()
	defer aliceCancel()
	time.Sleep(50 * time.Millisecond)

	rec := record.Call{
		ID: "c1", CallerID: "alice", CallerName: "Alice",
		ReceiverID: "bob", Type: record.TypeVideo,
		Status: record.StatusPending, Timestamp: time.Now().UnixMilli(),
	}

	t.Run("call start arrives as incoming", func(t *testing.T) {
		if err := alice.Send(Message{Kind: KindCallStart, Call: &rec}); err != nil {
			t.Fatal(err)
		}
		m := recvMessage(t, bobCh)
		if m.Kind != KindCallIncoming {
			t.Fatalf("kind = %v, want call:incoming", m.Kind)
		}
		if m.Call.ID != "c1" || m.Call.CallerID != "alice" {
			t.Fatalf("record = %+v", m.Call)
		}
	})

	t.Run("offer routes with from", func(t *testing.T) {
		sdp := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}
		if err := alice.Send(Message{Kind: KindOffer, Target: "bob", SDP: &sdp}); err != nil {
			t.Fatal(err)
		}
		m := recvMessage(t, bobCh)
		if m.Kind != KindOffer || m.From != "alice" {
			t.Fatalf("message = %+v", m)
		}
	})

	t.Run("offline broadcast on close", func(t *testing.T) {
		bob.Close()
		m := recvMessage(t, aliceCh)
		if m.Kind != KindUserOffline || m.UserID != "bob" {
			t.Fatalf("message = %+v", m)
		}
	})
}

func TestRelayTransportMultipleSubscribers(t *testing.T) {
	srv := startRelay(t)
	alice := connectAs(t, srv, identity.Identity{ID: "alice", Name: "Alice"})
	bob := connectAs(t, srv, identity.Identity{ID: "bob", Name: "Bob"})

	ch1, cancel1 := bob.Subscribe()
	defer cancel1()
	ch2, cancel2 := bob.Subscribe()
	defer cancel2()
	time.Sleep(50 * time.Millisecond)

	rec := record.Call{
		ID: "c2", CallerID: "alice", CallerName: "Alice",
		ReceiverID: "bob", Type: record.TypeAudio,
		Status: record.StatusPending, Timestamp: time.Now().UnixMilli(),
	}
	if err := alice.Send(Message{Kind: KindCallStart, Call: &rec}); err != nil {
		t.Fatal(err)
	}

	for i, ch := range []<-chan Message{ch1, ch2} {
		m := recvMessage(t, ch)
		if m.Kind != KindCallIncoming {
			t.Fatalf("subscriber %d got %v", i, m.Kind)
		}
	}

	// Canceling one subscription does not affect the other.
	cancel1()
	if err := alice.Send(Message{Kind: KindCallEnd, Call: &rec}); err != nil {
		t.Fatal(err)
	}
	m := recvMessage(t, ch2)
	if m.Kind != KindCallEnded {
		t.Fatalf("kind = %v", m.Kind)
	}
}

func TestRelayTransportStateChange(t *testing.T) {
	srv := startRelay(t)

	tr := NewRelayTransport(srv.URL())
	defer tr.Close()

	states := make(chan bool, 8)
	off := tr.OnStateChange(func(connected bool) { states <- connected })
	defer off()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := tr.Connect(ctx, identity.Identity{ID: "alice", Name: "Alice"}); err != nil {
		t.Fatal(err)
	}

	select {
	case connected := <-states:
		if !connected {
			t.Fatal("first state change should be connected")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no state change after connect")
	}
}
