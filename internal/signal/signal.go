// Package signal delivers call-control and negotiation messages between
// peers. Two interchangeable backends exist behind the Transport interface:
// a websocket relay client (RelayTransport) and a direct libp2p stream
// transport (P2PTransport). Which one runs is a configuration choice; the
// call layer never knows the difference.
package signal

import (
	"context"
	"errors"
	"sync"

	"github.com/peerline/peerline/internal/identity"
)

var (
	// ErrNotConnected is returned by Send while the transport has no live
	// channel. Delivery is best-effort either way — a nil return is not a
	// delivery guarantee.
	ErrNotConnected = errors.New("signal: not connected")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("signal: transport closed")
)

// Transport is a persistent bidirectional signaling channel.
//
// Connect is idempotent: calling it while connected is a no-op. Send is
// fire-and-forget. Subscribe fans out every inbound message to all
// subscribers; a slow subscriber drops messages rather than blocking the
// read loop.
type Transport interface {
	Connect(ctx context.Context, id identity.Identity) error
	Send(m Message) error
	Subscribe() (<-chan Message, func())
	// OnStateChange registers a listener for connectivity transitions
	// (true = connected). The returned func unregisters it.
	OnStateChange(fn func(connected bool)) func()
	// SelfID returns the routing address registered with the network,
	// valid after Connect.
	SelfID() string
	Close() error
}

// subscribers is the fan-out hub shared by both backends.
type subscribers struct {
	mu        sync.RWMutex
	listeners map[chan Message]struct{}

	stateMu   sync.Mutex
	stateSubs map[int]func(bool)
	nextState int
}

func newSubscribers() *subscribers {
	return &subscribers{
		listeners: make(map[chan Message]struct{}),
		stateSubs: make(map[int]func(bool)),
	}
}

func (s *subscribers) subscribe() (<-chan Message, func()) {
	ch := make(chan Message, 64)
	s.mu.Lock()
	s.listeners[ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.listeners[ch]; ok {
			delete(s.listeners, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// publish delivers m to every subscriber, dropping on full buffers.
func (s *subscribers) publish(m Message) {
	s.mu.RLock()
	for ch := range s.listeners {
		select {
		case ch <- m:
		default:
		}
	}
	s.mu.RUnlock()
}

func (s *subscribers) onStateChange(fn func(bool)) func() {
	s.stateMu.Lock()
	id := s.nextState
	s.nextState++
	s.stateSubs[id] = fn
	s.stateMu.Unlock()

	return func() {
		s.stateMu.Lock()
		delete(s.stateSubs, id)
		s.stateMu.Unlock()
	}
}

func (s *subscribers) notifyState(connected bool) {
	s.stateMu.Lock()
	fns := make([]func(bool), 0, len(s.stateSubs))
	for _, fn := range s.stateSubs {
		fns = append(fns, fn)
	}
	s.stateMu.Unlock()
	for _, fn := range fns {
		fn(connected)
	}
}

// closeAll closes every subscriber channel; used by backend Close.
func (s *subscribers) closeAll() {
	s.mu.Lock()
	for ch := range s.listeners {
		close(ch)
	}
	s.listeners = make(map[chan Message]struct{})
	s.mu.Unlock()
}
