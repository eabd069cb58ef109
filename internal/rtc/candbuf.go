package rtc

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// candidateTTL bounds how long an early candidate is held. Candidates older
// than this are stale — the negotiation they belong to has moved on.
const candidateTTL = 10 * time.Second

// candidateBuffer holds remote ICE candidates that arrive before the peer
// connection (or its remote description) exists. Per-peer FIFO; drained in
// arrival order.
type candidateBuffer struct {
	mu     sync.Mutex
	ttl    time.Duration
	byPeer map[string][]bufferedCandidate
}

type bufferedCandidate struct {
	cand webrtc.ICECandidateInit
	at   time.Time
}

func newCandidateBuffer(ttl time.Duration) *candidateBuffer {
	return &candidateBuffer{ttl: ttl, byPeer: make(map[string][]bufferedCandidate)}
}

func (b *candidateBuffer) add(peerID string, cand webrtc.ICECandidateInit) {
	b.mu.Lock()
	b.byPeer[peerID] = append(b.byPeer[peerID], bufferedCandidate{cand: cand, at: time.Now()})
	b.mu.Unlock()
}

// drain removes and returns the still-fresh candidates for peerID, oldest
// first. Expired candidates are dropped silently.
func (b *candidateBuffer) drain(peerID string) []webrtc.ICECandidateInit {
	b.mu.Lock()
	buffered := b.byPeer[peerID]
	delete(b.byPeer, peerID)
	b.mu.Unlock()

	cutoff := time.Now().Add(-b.ttl)
	out := make([]webrtc.ICECandidateInit, 0, len(buffered))
	for _, bc := range buffered {
		if bc.at.Before(cutoff) {
			continue
		}
		out = append(out, bc.cand)
	}
	return out
}

func (b *candidateBuffer) forget(peerID string) {
	b.mu.Lock()
	delete(b.byPeer, peerID)
	b.mu.Unlock()
}

func (b *candidateBuffer) clear() {
	b.mu.Lock()
	b.byPeer = make(map[string][]bufferedCandidate)
	b.mu.Unlock()
}
