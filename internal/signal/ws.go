package signal

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peerline/peerline/internal/identity"
)

const (
	// Reconnect backoff: doubles from reconnectBase up to reconnectCap.
	// The relay keeps no memory of a disconnected client, so every
	// reconnect re-issues the join message.
	reconnectBase = time.Second
	reconnectCap  = 30 * time.Second

	wsWriteTimeout = 10 * time.Second
)

// RelayTransport is the websocket client backend. It registers the local
// user id as a routing address with the relay on connect and transparently
// reconnects with capped exponential backoff on unexpected drops.
type RelayTransport struct {
	url  string
	subs *subscribers

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	self      identity.Identity

	writeMu sync.Mutex

	done chan struct{}
}

var _ Transport = (*RelayTransport)(nil)

// NewRelayTransport creates a transport that will dial the relay at url
// (ws:// or wss://, e.g. "ws://relay.example.org:8790/ws").
func NewRelayTransport(url string) *RelayTransport {
	return &RelayTransport{
		url:  url,
		subs: newSubscribers(),
		done: make(chan struct{}),
	}
}

// Connect dials the relay and joins as id. Idempotent.
func (t *RelayTransport) Connect(ctx context.Context, id identity.Identity) error {
	if err := id.Validate(); err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.self = id
	t.mu.Unlock()

	conn, err := t.dial(ctx)
	if err != nil {
		return fmt.Errorf("signal: connect relay %s: %w", t.url, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.mu.Unlock()

	go t.readLoop(conn)
	t.subs.notifyState(true)
	log.Printf("SIGNAL: joined relay %s as %s", t.url, id.ID)
	return nil
}

// dial opens the websocket and sends the join message on it.
func (t *RelayTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	self := t.self
	t.mu.Unlock()

	join, err := Encode(Message{Kind: KindJoin, UserID: self.ID})
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, join); err != nil {
		conn.Close()
		return nil, fmt.Errorf("join: %w", err)
	}
	return conn, nil
}

// Send writes m to the relay. Fire-and-forget: a nil return means the bytes
// were handed to the socket, nothing more.
func (t *RelayTransport) Send(m Message) error {
	t.mu.Lock()
	conn, connected, closed := t.conn, t.connected, t.closed
	t.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if !connected || conn == nil {
		return ErrNotConnected
	}

	data, err := Encode(m)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("signal: send %s: %w", m.Kind, err)
	}
	return nil
}

func (t *RelayTransport) Subscribe() (<-chan Message, func()) { return t.subs.subscribe() }

func (t *RelayTransport) OnStateChange(fn func(bool)) func() { return t.subs.onStateChange(fn) }

func (t *RelayTransport) SelfID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.self.ID
}

// readLoop pumps inbound frames until the connection drops, then hands off
// to the reconnect loop.
func (t *RelayTransport) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		m, err := Decode(raw)
		if err != nil {
			log.Printf("SIGNAL: dropping frame: %v", err)
			continue
		}
		t.subs.publish(m)
	}

	t.mu.Lock()
	if t.closed || t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.connected = false
	t.mu.Unlock()

	t.subs.notifyState(false)
	log.Printf("SIGNAL: relay connection lost, reconnecting")
	go t.reconnectLoop()
}

func (t *RelayTransport) reconnectLoop() {
	backoff := reconnectBase
	for {
		select {
		case <-t.done:
			return
		case <-time.After(backoff):
		}

		ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
		conn, err := t.dial(ctx)
		cancel()
		if err != nil {
			log.Printf("SIGNAL: reconnect failed: %v (next attempt in %s)", err, backoff)
			backoff *= 2
			if backoff > reconnectCap {
				backoff = reconnectCap
			}
			continue
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			conn.Close()
			return
		}
		t.conn = conn
		t.connected = true
		t.mu.Unlock()

		go t.readLoop(conn)
		t.subs.notifyState(true)
		log.Printf("SIGNAL: rejoined relay as %s", t.SelfID())
		return
	}
}

// Close tears the transport down. Safe to call more than once.
func (t *RelayTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connected = false
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	close(t.done)
	if conn != nil {
		conn.Close()
	}
	t.subs.closeAll()
	return nil
}
