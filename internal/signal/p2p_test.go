package signal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/peerline/peerline/internal/identity"
	"github.com/peerline/peerline/internal/record"
)

func newP2P(t *testing.T, peerAddrs []string) *P2PTransport {
	t.Helper()
	tr := NewP2PTransport(P2POptions{
		ListenPort: 0,
		KeyFile:    filepath.Join(t.TempDir(), "identity.key"),
		PeerAddrs:  peerAddrs,
	})
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestP2PSendBeforeConnect(t *testing.T) {
	tr := newP2P(t, nil)
	if err := tr.Send(Message{Kind: KindOffer, Target: "whoever"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	if err := tr.Send(Message{Kind: KindOffer, Target: "whoever"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestP2PIdentityPersistsAcrossRestarts(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "identity.key")
	ctx := context.Background()

	first := NewP2PTransport(P2POptions{KeyFile: keyFile})
	if err := first.Connect(ctx, identity.Identity{Name: "Alice"}); err != nil {
		t.Fatal(err)
	}
	id := first.SelfID()
	if id == "" {
		t.Fatal("no self id after connect")
	}
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}

	second := NewP2PTransport(P2POptions{KeyFile: keyFile})
	if err := second.Connect(ctx, identity.Identity{Name: "Alice"}); err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	if second.SelfID() != id {
		t.Fatalf("id changed across restart: %s != %s", second.SelfID(), id)
	}
}

func TestP2PLoopback(t *testing.T) {
	ctx := context.Background()

	bob := newP2P(t, nil)
	if err := bob.Connect(ctx, identity.Identity{Name: "Bob"}); err != nil {
		t.Fatal(err)
	}
	if len(bob.Addrs()) == 0 {
		t.Fatal("no dialable addresses")
	}

	alice := newP2P(t, bob.Addrs())
	if err := alice.Connect(ctx, identity.Identity{Name: "Alice"}); err != nil {
		t.Fatal(err)
	}
	// Connect is idempotent.
	if err := alice.Connect(ctx, identity.Identity{Name: "Alice"}); err != nil {
		t.Fatal(err)
	}

	bobCh, cancelBob := bob.Subscribe()
	defer cancelBob()
	aliceCh, cancelAlice := alice.Subscribe()
	defer cancelAlice()

	rec := record.Call{
		ID:         "c1",
		CallerID:   alice.SelfID(),
		CallerName: "Alice",
		ReceiverID: bob.SelfID(),
		Type:       record.TypeVideo,
		Status:     record.StatusPending,
		Timestamp:  time.Now().UnixMilli(),
	}

	// With no relay to rewrite events, the invite must arrive already in
	// its inbound form, addressed by the record's receiver.
	if err := alice.Send(Message{Kind: KindCallStart, Call: &rec}); err != nil {
		t.Fatal(err)
	}
	select {
	case m := <-bobCh:
		if m.Kind != KindCallIncoming {
			t.Fatalf("kind = %v, want call:incoming", m.Kind)
		}
		if m.From != alice.SelfID() || m.Call == nil || m.Call.ID != "c1" {
			t.Fatalf("message = %+v", m)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("invite never arrived")
	}

	// The inbound connection lets bob answer without a static address.
	sdp := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}
	if err := bob.Send(Message{Kind: KindOffer, Target: alice.SelfID(), SDP: &sdp}); err != nil {
		t.Fatal(err)
	}
	select {
	case m := <-aliceCh:
		if m.Kind != KindOffer || m.From != bob.SelfID() || m.SDP == nil {
			t.Fatalf("message = %+v", m)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("offer never arrived")
	}
}
