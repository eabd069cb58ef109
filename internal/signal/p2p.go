package signal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/peerline/peerline/internal/identity"
)

// ProtoID is the libp2p stream protocol for direct signaling.
const ProtoID = "/peerline/signal/1.0.0"

const (
	p2pAckTimeout  = 10 * time.Second
	p2pDialTimeout = 10 * time.Second
)

func init() {
	// Silence noisy libp2p subsystems — dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
}

// P2POptions configures the libp2p backend.
type P2POptions struct {
	ListenPort int
	KeyFile    string   // Ed25519 identity key, created on first run
	PeerAddrs  []string // static multiaddrs (/ip4/../tcp/../p2p/..) dialed on connect
	MdnsTag    string   // LAN discovery tag; empty disables mDNS
}

// P2PTransport delivers signaling messages over direct libp2p streams — no
// relay process involved. User ids are libp2p peer ids; the host identity is
// derived from the persisted key file, so SelfID is only known after Connect.
//
// Because no relay rewrites event names, Send translates outbound
// call-control kinds to the counterpart's inbound form (call:start arrives
// as call:incoming, and so on).
type P2PTransport struct {
	opts P2POptions
	subs *subscribers

	mu     sync.Mutex
	host   host.Host
	mdns   mdns.Service
	name   string
	closed bool
}

var _ Transport = (*P2PTransport)(nil)

func NewP2PTransport(opts P2POptions) *P2PTransport {
	return &P2PTransport{opts: opts, subs: newSubscribers()}
}

// Connect builds the libp2p host, registers the stream handler, and dials
// any configured static peers. id.Name is kept; id.ID is ignored — the
// routing address is the host's peer id. Idempotent.
func (t *P2PTransport) Connect(ctx context.Context, id identity.Identity) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.host != nil {
		return nil
	}
	t.name = id.Name

	priv, err := loadOrCreateKey(t.opts.KeyFile)
	if err != nil {
		return fmt.Errorf("signal: identity key: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", t.opts.ListenPort)),
	)
	if err != nil {
		return fmt.Errorf("signal: libp2p host: %w", err)
	}

	h.SetStreamHandler(protocol.ID(ProtoID), t.handleStream)
	t.host = h

	if t.opts.MdnsTag != "" {
		svc := mdns.NewMdnsService(h, t.opts.MdnsTag, &mdnsNotifee{h: h})
		if err := svc.Start(); err != nil {
			log.Printf("SIGNAL: mdns start failed: %v", err)
		} else {
			t.mdns = svc
		}
	}

	for _, addr := range t.opts.PeerAddrs {
		if err := t.dialStatic(ctx, h, addr); err != nil {
			log.Printf("SIGNAL: static peer %s unreachable: %v", addr, err)
		}
	}

	log.Printf("SIGNAL: p2p host up, peer id %s (port %d)", h.ID(), t.opts.ListenPort)
	t.subs.notifyState(true)
	return nil
}

func (t *P2PTransport) dialStatic(ctx context.Context, h host.Host, addr string) error {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return err
	}
	dialCtx, cancel := context.WithTimeout(ctx, p2pDialTimeout)
	defer cancel()
	return h.Connect(dialCtx, *info)
}

// Send opens a stream to the target peer, writes the envelope as one JSON
// line, and waits briefly for a transport ack.
func (t *P2PTransport) Send(m Message) error {
	t.mu.Lock()
	h, closed := t.host, t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if h == nil {
		return ErrNotConnected
	}

	target := m.Target
	if target == "" && m.Call != nil {
		target = m.Call.Peer(h.ID().String())
	}
	pid, err := peer.Decode(target)
	if err != nil {
		return fmt.Errorf("signal: invalid peer id %q: %w", target, err)
	}

	m.Kind = inboundKind(m.Kind)
	env, err := encodeEnvelope(m)
	if err != nil {
		return err
	}
	env.ID = uuid.NewString()

	dialCtx, cancel := context.WithTimeout(context.Background(), p2pDialTimeout)
	defer cancel()
	stream, err := h.NewStream(dialCtx, pid, protocol.ID(ProtoID))
	if err != nil {
		return fmt.Errorf("signal: open stream to %s: %w", target, err)
	}
	defer stream.Close()

	if err := json.NewEncoder(stream).Encode(env); err != nil {
		return fmt.Errorf("signal: encode to %s: %w", target, err)
	}

	// Read the transport ack so delivery failures surface as errors here
	// rather than as silence.
	var ack struct {
		ID string `json:"id"`
	}
	_ = stream.SetReadDeadline(time.Now().Add(p2pAckTimeout))
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&ack); err != nil {
		return fmt.Errorf("signal: waiting for ack from %s: %w", target, err)
	}
	if ack.ID != env.ID {
		return fmt.Errorf("signal: ack id mismatch from %s", target)
	}
	return nil
}

// inboundKind maps an outbound call-control kind to the form the remote
// side expects to receive. Other kinds pass through unchanged.
func inboundKind(k Kind) Kind {
	switch k {
	case KindCallStart:
		return KindCallIncoming
	case KindCallAccept:
		return KindCallAccepted
	case KindCallReject:
		return KindCallRejected
	case KindCallEnd:
		return KindCallEnded
	}
	return k
}

// handleStream reads one envelope, acks it, and fans it out.
func (t *P2PTransport) handleStream(stream network.Stream) {
	defer stream.Close()
	remote := stream.Conn().RemotePeer().String()

	_ = stream.SetReadDeadline(time.Now().Add(30 * time.Second))
	var env envelope
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&env); err != nil {
		log.Printf("SIGNAL: decode error from %s: %v", short(remote), err)
		return
	}

	ack := struct {
		ID string `json:"id"`
	}{ID: env.ID}
	_ = stream.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := json.NewEncoder(stream).Encode(ack); err != nil {
		log.Printf("SIGNAL: ack write error to %s: %v", short(remote), err)
	}

	m, err := decodeEnvelope(env)
	if err != nil {
		log.Printf("SIGNAL: dropping stream frame from %s: %v", short(remote), err)
		return
	}
	m.From = remote
	t.subs.publish(m)
}

func (t *P2PTransport) Subscribe() (<-chan Message, func()) { return t.subs.subscribe() }

func (t *P2PTransport) OnStateChange(fn func(bool)) func() { return t.subs.onStateChange(fn) }

// Addrs returns the host's dialable multiaddrs with the /p2p/<id> suffix,
// ready to hand to another node's peer_addrs list. Empty before Connect.
func (t *P2PTransport) Addrs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.host == nil {
		return nil
	}
	out := make([]string, 0, len(t.host.Addrs()))
	for _, a := range t.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, t.host.ID()))
	}
	return out
}

func (t *P2PTransport) SelfID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.host == nil {
		return ""
	}
	return t.host.ID().String()
}

func (t *P2PTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	h, svc := t.host, t.mdns
	t.host = nil
	t.mdns = nil
	t.mu.Unlock()

	if svc != nil {
		_ = svc.Close()
	}
	if h != nil {
		_ = h.Close()
	}
	t.subs.closeAll()
	return nil
}

type mdnsNotifee struct{ h host.Host }

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), p2pDialTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey loads a persistent Ed25519 identity key from disk, or
// generates and saves one on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, nil
		}
		log.Printf("WARNING: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, err
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, fmt.Errorf("save key: %w", err)
	}
	log.Printf("SIGNAL: generated new identity key: %s", keyFile)
	return priv, nil
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
